package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
	"github.com/JakeFAU/ugc-ledger/internal/metrics"
	"github.com/JakeFAU/ugc-ledger/internal/pacer"
	"github.com/JakeFAU/ugc-ledger/internal/session"
	"github.com/JakeFAU/ugc-ledger/internal/shardlog"
	"github.com/JakeFAU/ugc-ledger/internal/stopsignal"
	"github.com/JakeFAU/ugc-ledger/internal/worker"
)

type harness struct {
	orch    *Orchestrator
	pool    *session.Pool
	stop    *stopsignal.Memory
	metrics *metrics.Metrics
	layout  Layout
}

func newHarness(t *testing.T, prov *profileProvisioner, profiles []string, shards, replacements int, runner Runner) harness {
	t.Helper()

	clock := newFakeClock()
	stop := stopsignal.NewMemory()
	if runner == nil {
		w, err := worker.New(worker.Config{
			RunID:       "run-1",
			TaskTimeout: time.Minute,
			Pacer: pacer.Config{
				MinInterval:                time.Second,
				MaxInterval:                time.Second,
				MaxConsecutiveSoftFailures: 3,
				Cooldown:                   time.Minute,
			},
		}, worker.Deps{
			Provisioner: prov,
			Extractor:   digitExtractor{},
			Clock:       clock,
			Stop:        stop,
		})
		require.NoError(t, err)
		runner = &InProcess{Worker: w}
	}
	pool, err := session.NewPool(profiles, &seqIDs{})
	require.NoError(t, err)
	m := metrics.New()
	layout := NewLayout(t.TempDir(), "run-1")
	orch, err := New(Config{RunID: "run-1", ShardCount: shards, MaxLeaseReplacements: replacements}, layout, Deps{
		Pool:    pool,
		Runner:  runner,
		Stop:    stop,
		Clock:   clock,
		Metrics: m,
	})
	require.NoError(t, err)
	return harness{orch: orch, pool: pool, stop: stop, metrics: m, layout: layout}
}

func TestNewValidatesShardCountAgainstPool(t *testing.T) {
	t.Parallel()

	pool, err := session.NewPool([]string{"a"}, &seqIDs{})
	require.NoError(t, err)
	deps := Deps{Pool: pool, Runner: &InProcess{}, Stop: stopsignal.NewMemory(), Clock: newFakeClock()}

	_, err = New(Config{RunID: "r", ShardCount: 2}, NewLayout(t.TempDir(), "r"), deps)
	require.Error(t, err)
	require.True(t, collector.IsConfiguration(err))

	_, err = New(Config{RunID: "r", ShardCount: 0}, NewLayout(t.TempDir(), "r"), deps)
	require.True(t, collector.IsConfiguration(err))

	_, err = New(Config{RunID: "r", ShardCount: 1}, NewLayout(t.TempDir(), "r"), Deps{Pool: pool})
	require.Error(t, err)
}

func TestCollectSevenTasksTwoShardsWithFatalWorker(t *testing.T) {
	t.Parallel()

	tasks := sampleTasks(7)
	// Shard 1 holds tasks 1, 3, 5; its second task kills the session.
	prov := &profileProvisioner{failOn: map[string]string{"profile-b": tasks[3].Target}}
	h := newHarness(t, prov, []string{"profile-a", "profile-b"}, 2, 0, nil)

	summary, err := h.orch.Collect(context.Background(), tasks)
	require.NoError(t, err)

	require.Equal(t, 7, summary.TasksTotal)
	require.Equal(t, 5, summary.TasksSucceeded)
	require.Zero(t, summary.TasksSoftFailed)
	require.Equal(t, 2, summary.TasksNotAttempted)
	require.False(t, summary.StopRequested)
	require.Len(t, summary.Workers, 2)

	a, b := summary.Workers[0], summary.Workers[1]
	require.False(t, a.Fatal)
	require.Equal(t, 4, a.Succeeded)
	require.True(t, b.Fatal)
	require.False(t, b.ProvisionFailed)
	require.Equal(t, []string{"task-0003", "task-0005"}, b.NotAttempted)

	logA, err := shardlog.Read(a.LogPath)
	require.NoError(t, err)
	require.Len(t, logA.Entries, 4)
	logB, err := shardlog.Read(b.LogPath)
	require.NoError(t, err)
	require.Len(t, logB.Entries, 1)
	require.Equal(t, "acct-1", logB.Entries[0].EntityKey)
	require.Equal(t, "101", logB.Entries[0].ObservedValue)

	leases := h.pool.Leases()
	require.Equal(t, session.StateIdle, leases[0].State())
	require.Equal(t, session.StateDead, leases[1].State())

	expected := `
# HELP ugcledger_worker_results_total Worker lease exits, labeled by result.
# TYPE ugcledger_worker_results_total counter
ugcledger_worker_results_total{result="completed"} 1
ugcledger_worker_results_total{result="fatal"} 1
`
	require.NoError(t, testutil.GatherAndCompare(h.metrics.Registry(), strings.NewReader(expected), "ugcledger_worker_results_total"))
}

func TestCollectReplacesDeadLease(t *testing.T) {
	t.Parallel()

	tasks := sampleTasks(4)
	prov := &profileProvisioner{failOn: map[string]string{"profile-a": tasks[1].Target}}
	h := newHarness(t, prov, []string{"profile-a"}, 1, 1, nil)

	summary, err := h.orch.Collect(context.Background(), tasks)
	require.NoError(t, err)

	require.Equal(t, 4, summary.TasksSucceeded)
	require.Zero(t, summary.TasksNotAttempted)
	require.Len(t, summary.Workers, 2)
	first, second := summary.Workers[0], summary.Workers[1]
	require.True(t, first.Fatal)
	require.Empty(t, first.NotAttempted)
	require.Equal(t, []string{"task-0001", "task-0002", "task-0003"}, first.HandedOff)
	require.False(t, second.Fatal)
	require.Equal(t, 3, second.Succeeded)
	require.NotEqual(t, first.LeaseID, second.LeaseID)
	require.NotEqual(t, first.LogPath, second.LogPath)
	require.Len(t, summary.ShardLogs, 2)
	require.Equal(t, 2, prov.calls["profile-a"])
	expected := `
# HELP ugcledger_lease_replacements_total Leases replaced after a fatal failure.
# TYPE ugcledger_lease_replacements_total counter
ugcledger_lease_replacements_total 1
`
	require.NoError(t, testutil.GatherAndCompare(h.metrics.Registry(), strings.NewReader(expected), "ugcledger_lease_replacements_total"))
}

func TestCollectProvisionFailureRaisesStop(t *testing.T) {
	t.Parallel()

	prov := &profileProvisioner{provisionErr: map[string]error{
		"profile-b": fmt.Errorf("%w: chrome missing", collector.ErrProvision),
	}}
	h := newHarness(t, prov, []string{"profile-a", "profile-b"}, 2, 3, nil)

	summary, err := h.orch.Collect(context.Background(), sampleTasks(6))
	require.NoError(t, err)

	require.True(t, h.stop.IsSet(context.Background()))
	require.True(t, summary.StopRequested)
	var b collector.WorkerSummary
	for _, w := range summary.Workers {
		if w.Shard == 1 {
			b = w
		}
	}
	require.True(t, b.ProvisionFailed)
	require.Len(t, b.NotAttempted, 3)
	require.Equal(t, 1, prov.calls["profile-b"], "provision failures are never retried on a replacement")
}

func TestCollectHonoursPresetStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &profileProvisioner{}, []string{"profile-a", "profile-b"}, 2, 0, nil)
	require.NoError(t, h.stop.Set(context.Background()))

	summary, err := h.orch.Collect(context.Background(), sampleTasks(5))
	require.NoError(t, err)
	require.Zero(t, summary.TasksSucceeded)
	require.Equal(t, 5, summary.TasksNotAttempted)
	for _, w := range summary.Workers {
		require.True(t, w.Stopped)
	}
}

// crashingRunner logs the first task of the shard and then dies.
type crashingRunner struct{}

func (crashingRunner) Run(_ context.Context, spec WorkerSpec) (collector.WorkerSummary, error) {
	w, err := shardlog.Create(spec.LogPath)
	if err != nil {
		return collector.WorkerSummary{}, err
	}
	defer func() {
		_ = w.Close()
	}()
	task := spec.Shard.Tasks[0]
	v := int64(42)
	if err := w.Append(collector.NewShardLogEntry(task, "", &v, time.Now())); err != nil {
		return collector.WorkerSummary{}, err
	}
	return collector.WorkerSummary{}, errors.New("exit status 2")
}

func TestCollectRecoversCrashedWorkerFromShardLog(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &profileProvisioner{}, []string{"profile-a"}, 1, 0, crashingRunner{})

	summary, err := h.orch.Collect(context.Background(), sampleTasks(3))
	require.NoError(t, err)
	require.Len(t, summary.Workers, 1)
	w := summary.Workers[0]
	require.True(t, w.Recovered)
	require.True(t, w.Fatal)
	require.Equal(t, "exit status 2", w.FatalReason)
	require.Equal(t, 1, w.Succeeded)
	require.Equal(t, []string{"task-0001", "task-0002"}, w.NotAttempted)
	expected := `
# HELP ugcledger_worker_results_total Worker lease exits, labeled by result.
# TYPE ugcledger_worker_results_total counter
ugcledger_worker_results_total{result="recovered"} 1
`
	require.NoError(t, testutil.GatherAndCompare(h.metrics.Registry(), strings.NewReader(expected), "ugcledger_worker_results_total"))
}

func TestRecoverWithoutShardLog(t *testing.T) {
	t.Parallel()

	spec := WorkerSpec{
		Shard:   collector.Shard{Index: 0, Tasks: collector.Reindex(sampleTasks(2))},
		LeaseID: "lease-x",
		LogPath: t.TempDir() + "/missing.csv",
	}
	w := Recover(spec, errors.New("killed"), nil)
	require.True(t, w.Recovered)
	require.Empty(t, w.LogPath)
	require.Equal(t, []string{"task-0000", "task-0001"}, w.NotAttempted)
}

func TestExecuteReportsUnwritableShardLog(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blocker := dir + "/blocker"
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	_, err := Execute(context.Background(), nil, WorkerSpec{LogPath: blocker + "/shard.csv"})
	require.Error(t, err)
}
