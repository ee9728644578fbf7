package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
	"github.com/JakeFAU/ugc-ledger/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow worker events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now().UTC()
	base := progress.Event{RunID: "run", Shard: 1, LeaseID: "lease-b", TS: now}
	start := base
	start.Stage = progress.StageWorkerStart
	done := base
	done.Stage = progress.StageTaskDone
	done.TaskID = "task-0001"
	done.Target = "https://www.Example.com/music/1"
	done.Outcome = collector.OutcomeSuccess
	done.StatusClass = progress.Status2xx
	done.Refreshes = 2
	done.Dur = 3 * time.Second
	soft := done
	soft.Outcome = collector.OutcomeSoftFailure
	soft.StatusClass = ""
	soft.Refreshes = 0
	trip := base
	trip.Stage = progress.StageBreakerTrip
	fatal := base
	fatal.Stage = progress.StageWorkerFatal
	fatal.Dur = time.Minute

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{start, start, done, soft, trip}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.workersRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.attempts.WithLabelValues("www.example.com", "success", "2xx")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.attempts.WithLabelValues("www.example.com", "soft_failure", "other")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.refreshes))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.breakerTrips))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{fatal, fatal}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.workersRunning))
	require.Equal(t, 1, testutil.CollectAndCount(sink.workerRuntime, "ugcledger_worker_runtime_seconds"))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkWritesTaskFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	evt := progress.Event{
		RunID:   "run",
		LeaseID: "lease",
		TS:      time.Now(),
		Stage:   progress.StageTaskDone,
		TaskID:  "task-0003",
		Outcome: collector.OutcomeSoftFailure,
		Note:    "value element missing",
	}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{evt}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "task-0003", fields["task_id"])
	require.Equal(t, "soft_failure", fields["outcome"])
	require.Equal(t, "value element missing", fields["note"])
}
