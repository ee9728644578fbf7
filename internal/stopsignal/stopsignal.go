// Package stopsignal provides collector.StopSignal backends. The memory
// backend serves in-process workers; the file and Redis backends are visible
// to worker subprocesses.
package stopsignal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// FileName is the marker created inside the run directory.
const FileName = "STOP"

// Memory is a process-local stop flag.
type Memory struct {
	set atomic.Bool
}

// NewMemory returns an unset flag.
func NewMemory() *Memory {
	return &Memory{}
}

// Set raises the flag.
func (m *Memory) Set(context.Context) error {
	m.set.Store(true)
	return nil
}

// IsSet reports whether the flag was raised.
func (m *Memory) IsSet(context.Context) bool {
	return m.set.Load()
}

// File is a stop flag backed by a marker file.
type File struct {
	path   string
	cached atomic.Bool
}

// NewFile returns a flag stored at <dir>/STOP.
func NewFile(dir string) *File {
	return &File{path: filepath.Join(dir, FileName)}
}

// Path returns the marker location.
func (f *File) Path() string {
	return f.path
}

// Set creates the marker file.
func (f *File) Set(context.Context) error {
	f.cached.Store(true)
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create stop dir: %w", err)
	}
	stamp := time.Now().UTC().Format(time.RFC3339Nano) + "\n"
	if err := os.WriteFile(f.path, []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("write stop marker: %w", err)
	}
	return nil
}

// IsSet reports whether the marker exists. Once observed, the flag stays set.
func (f *File) IsSet(context.Context) bool {
	if f.cached.Load() {
		return true
	}
	if _, err := os.Stat(f.path); err == nil {
		f.cached.Store(true)
		return true
	}
	return false
}

// Clear removes a marker left by a previous run in the same directory.
func (f *File) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stop marker: %w", err)
	}
	f.cached.Store(false)
	return nil
}

type redisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis is a stop flag shared through a Redis key.
type Redis struct {
	client redisClient
	key    string
	ttl    time.Duration
	logger *zap.Logger
	cached atomic.Bool
}

// NewRedis builds a Redis-backed flag for one run. The key expires after
// ttl so abandoned runs do not leak flags.
func NewRedis(client redisClient, prefix, runID string, ttl time.Duration, logger *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client: client,
		key:    fmt.Sprintf("%s:%s", prefix, runID),
		ttl:    ttl,
		logger: logger,
	}
}

// Key returns the Redis key used by the flag.
func (r *Redis) Key() string {
	return r.key
}

// Set writes the key.
func (r *Redis) Set(ctx context.Context) error {
	r.cached.Store(true)
	if err := r.client.Set(ctx, r.key, time.Now().UTC().Format(time.RFC3339), r.ttl).Err(); err != nil {
		return fmt.Errorf("set stop key: %w", err)
	}
	return nil
}

// IsSet checks the key. A Redis error is logged and read as "not set" so a
// flaky connection never halts collection on its own.
func (r *Redis) IsSet(ctx context.Context) bool {
	if r.cached.Load() {
		return true
	}
	n, err := r.client.Exists(ctx, r.key).Result()
	if err != nil {
		r.logger.Warn("stop signal check failed", zap.String("key", r.key), zap.Error(err))
		return false
	}
	if n > 0 {
		r.cached.Store(true)
		return true
	}
	return false
}
