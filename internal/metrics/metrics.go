// Package metrics exposes Prometheus collectors for collection runs and the
// optional HTTP endpoint that serves them.
package metrics

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
)

// Worker results recorded by ObserveWorker.
const (
	ResultCompleted       = "completed"
	ResultStopped         = "stopped"
	ResultFatal           = "fatal"
	ResultProvisionFailed = "provision_failed"
	ResultRecovered       = "recovered"
)

// Metrics owns a registry and the run-level collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	workersStarted      prometheus.Counter
	workerResults       *prometheus.CounterVec
	leaseReplacements   prometheus.Counter
	stopRequests        prometheus.Counter
	tasks               *prometheus.GaugeVec
	reconcileEntries    *prometheus.CounterVec
	reconcileMatches    *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New creates a registry with Go and process collectors plus the run
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		workersStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ugcledger_workers_started_total",
			Help: "Worker leases started by the orchestrator.",
		}),
		workerResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ugcledger_worker_results_total",
			Help: "Worker lease exits, labeled by result.",
		}, []string{"result"}),
		leaseReplacements: factory.NewCounter(prometheus.CounterOpts{
			Name: "ugcledger_lease_replacements_total",
			Help: "Leases replaced after a fatal failure.",
		}),
		stopRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "ugcledger_stop_requests_total",
			Help: "Times the global stop signal was raised.",
		}),
		tasks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ugcledger_run_tasks",
			Help: "Task counts of the last run, labeled by state.",
		}, []string{"state"}),
		reconcileEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ugcledger_reconcile_entries_total",
			Help: "Shard log entries processed by the reconciler, labeled by result.",
		}, []string{"result"}),
		reconcileMatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ugcledger_reconcile_matches_total",
			Help: "Applied entries, labeled by the key strategy that matched.",
		}, []string{"strategy"}),
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
}

// Registry returns the registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// IncWorkersStarted counts a started worker lease.
func (m *Metrics) IncWorkersStarted() {
	m.workersStarted.Inc()
}

// IncLeaseReplacements counts a replaced lease.
func (m *Metrics) IncLeaseReplacements() {
	m.leaseReplacements.Inc()
}

// IncStopRequests counts a raised stop signal.
func (m *Metrics) IncStopRequests() {
	m.stopRequests.Inc()
}

// ObserveWorker records how a worker lease ended.
func (m *Metrics) ObserveWorker(w collector.WorkerSummary) {
	m.workerResults.WithLabelValues(WorkerResult(w)).Inc()
}

// WorkerResult classifies a worker summary for the result label.
func WorkerResult(w collector.WorkerSummary) string {
	switch {
	case w.ProvisionFailed:
		return ResultProvisionFailed
	case w.Recovered:
		return ResultRecovered
	case w.Fatal:
		return ResultFatal
	case w.Stopped:
		return ResultStopped
	default:
		return ResultCompleted
	}
}

// ObserveRun publishes the task totals of a run summary.
func (m *Metrics) ObserveRun(s collector.RunSummary) {
	m.tasks.WithLabelValues("total").Set(float64(s.TasksTotal))
	m.tasks.WithLabelValues("succeeded").Set(float64(s.TasksSucceeded))
	m.tasks.WithLabelValues("soft_failed").Set(float64(s.TasksSoftFailed))
	m.tasks.WithLabelValues("not_attempted").Set(float64(s.TasksNotAttempted))
}

// ObserveReconcile records one reconciliation pass.
func (m *Metrics) ObserveReconcile(applied, skipped int, matches map[string]int) {
	m.reconcileEntries.WithLabelValues("applied").Add(float64(applied))
	m.reconcileEntries.WithLabelValues("skipped").Add(float64(skipped))
	for strategy, n := range matches {
		m.reconcileMatches.WithLabelValues(strategy).Add(float64(n))
	}
}

// ObserveHTTPRequest records one served HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// WriteTextfile writes the registry to <dir>/<name> for the node exporter
// textfile collector. An empty dir disables the export.
func (m *Metrics) WriteTextfile(dir, name string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create textfile dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(filepath.Join(dir, name), m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// SanitizeSite extracts a lowercase hostname from a URL. It returns
// "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
