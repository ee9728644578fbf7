package stopsignal

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	require.False(t, m.IsSet(context.Background()))
	require.NoError(t, m.Set(context.Background()))
	require.True(t, m.IsSet(context.Background()))
}

func TestFileVisibleAcrossInstances(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	parent := NewFile(dir)
	child := NewFile(dir)
	require.False(t, child.IsSet(context.Background()))

	require.NoError(t, parent.Set(context.Background()))
	require.True(t, child.IsSet(context.Background()))

	// Observed flags stay set even if the marker disappears.
	require.NoError(t, os.Remove(parent.Path()))
	require.True(t, child.IsSet(context.Background()))

	fresh := NewFile(dir)
	require.NoError(t, fresh.Clear())
	require.False(t, fresh.IsSet(context.Background()))
}

func TestRedisSetAndCheck(t *testing.T) {
	t.Parallel()

	client := &fakeRedis{keys: map[string]bool{}}
	r := NewRedis(client, "ugcledger:stop", "run-1", 0, nil)
	require.Equal(t, "ugcledger:stop:run-1", r.Key())
	require.False(t, r.IsSet(context.Background()))

	other := NewRedis(client, "ugcledger:stop", "run-1", time.Hour, nil)
	require.NoError(t, other.Set(context.Background()))
	require.Equal(t, time.Hour, client.ttl)
	require.True(t, r.IsSet(context.Background()))
}

func TestRedisErrorsReadAsUnset(t *testing.T) {
	t.Parallel()

	client := &fakeRedis{err: errors.New("connection refused")}
	r := NewRedis(client, "p", "run", 0, nil)
	require.False(t, r.IsSet(context.Background()))
	require.Error(t, r.Set(context.Background()))
	// The local view still honours the request.
	require.True(t, r.IsSet(context.Background()))
}

type fakeRedis struct {
	keys map[string]bool
	ttl  time.Duration
	err  error
}

func (f *fakeRedis) Set(_ context.Context, key string, _ any, ttl time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.keys[key] = true
	f.ttl = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, k := range keys {
		if f.keys[k] {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}
