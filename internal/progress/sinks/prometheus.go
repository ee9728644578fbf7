package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/ugc-ledger/internal/metrics"
	"github.com/JakeFAU/ugc-ledger/internal/progress"
)

// PrometheusSink turns worker progress into attempt and worker collectors.
type PrometheusSink struct {
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	refreshes       prometheus.Counter
	breakerTrips    prometheus.Counter
	workersRunning  prometheus.Gauge
	workerRuntime   *prometheus.HistogramVec

	tracker *leaseTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ugcledger_attempts_total",
			Help: "Task attempts partitioned by site, outcome and document status class.",
		}, []string{"site", "outcome", "status_class"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ugcledger_attempt_duration_seconds",
			Help:    "Wall time per task attempt.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 90, 180},
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ugcledger_resolver_refreshes_total",
			Help: "Page refreshes issued after detected error pages.",
		}),
		breakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ugcledger_breaker_trips_total",
			Help: "Circuit breaker cooldowns entered by workers.",
		}),
		workersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ugcledger_workers_running",
			Help: "Worker leases currently collecting.",
		}),
		workerRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ugcledger_worker_runtime_seconds",
			Help:    "Wall time per worker lease.",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"result"}),
		tracker: newLeaseTracker(),
	}
	for _, c := range []prometheus.Collector{
		s.attempts,
		s.attemptDuration,
		s.refreshes,
		s.breakerTrips,
		s.workersRunning,
		s.workerRuntime,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageWorkerStart:
		if s.tracker.start(evt.LeaseID) {
			s.workersRunning.Inc()
		}
	case progress.StageTaskDone:
		statusClass := string(evt.StatusClass)
		if statusClass == "" {
			statusClass = string(progress.StatusOther)
		}
		s.attempts.WithLabelValues(metrics.SanitizeSite(evt.Target), string(evt.Outcome), statusClass).Inc()
		if evt.Dur > 0 {
			s.attemptDuration.WithLabelValues(string(evt.Outcome)).Observe(evt.Dur.Seconds())
		}
		if evt.Refreshes > 0 {
			s.refreshes.Add(float64(evt.Refreshes))
		}
	case progress.StageBreakerTrip:
		s.breakerTrips.Inc()
	case progress.StageWorkerDone, progress.StageWorkerFatal:
		result := "done"
		if evt.Stage == progress.StageWorkerFatal {
			result = "fatal"
		}
		if evt.Dur > 0 {
			s.workerRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.LeaseID) {
			s.workersRunning.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type leaseTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newLeaseTracker() *leaseTracker {
	return &leaseTracker{running: make(map[string]struct{})}
}

func (t *leaseTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *leaseTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
