// Package app builds the long-lived services behind the CLI commands from the
// loaded configuration and runs the collect, apply, and seed flows.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/ugc-ledger/internal/archive"
	archivegcs "github.com/JakeFAU/ugc-ledger/internal/archive/gcs"
	archivelocal "github.com/JakeFAU/ugc-ledger/internal/archive/local"
	"github.com/JakeFAU/ugc-ledger/internal/browser"
	"github.com/JakeFAU/ugc-ledger/internal/clock/system"
	"github.com/JakeFAU/ugc-ledger/internal/collector"
	"github.com/JakeFAU/ugc-ledger/internal/config"
	"github.com/JakeFAU/ugc-ledger/internal/extractor"
	"github.com/JakeFAU/ugc-ledger/internal/id/uuid"
	"github.com/JakeFAU/ugc-ledger/internal/ledger"
	ledgerpg "github.com/JakeFAU/ugc-ledger/internal/ledger/postgres"
	"github.com/JakeFAU/ugc-ledger/internal/logging"
	"github.com/JakeFAU/ugc-ledger/internal/metrics"
	"github.com/JakeFAU/ugc-ledger/internal/notify"
	notifypubsub "github.com/JakeFAU/ugc-ledger/internal/notify/pubsub"
	"github.com/JakeFAU/ugc-ledger/internal/orchestrator"
	"github.com/JakeFAU/ugc-ledger/internal/pacer"
	"github.com/JakeFAU/ugc-ledger/internal/progress"
	"github.com/JakeFAU/ugc-ledger/internal/progress/sinks"
	"github.com/JakeFAU/ugc-ledger/internal/resolver"
	"github.com/JakeFAU/ugc-ledger/internal/session"
	"github.com/JakeFAU/ugc-ledger/internal/stopsignal"
	"github.com/JakeFAU/ugc-ledger/internal/telemetry"
	"github.com/JakeFAU/ugc-ledger/internal/worker"
)

const textfileName = "ugcledger.prom"

// Options adjust how services are built.
type Options struct {
	// ConfigPath is handed to worker subprocesses.
	ConfigPath string
	// Version is reported as the service version in traces.
	Version string
	// LogPaths are written in addition to stderr.
	LogPaths []string
	// Worker builds the reduced service set used inside a worker subprocess:
	// no metrics server, no ledger, no archive, no notifications.
	Worker bool
	// Logger replaces the configured logger.
	Logger *zap.Logger
	// Launcher replaces the Chrome launcher.
	Launcher session.Launcher
	// Extractor replaces the selector extractor.
	Extractor collector.Extractor
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// App holds the services shared by every command.
type App struct {
	cfg      config.Config
	opts     Options
	logger   *zap.Logger
	clock    collector.Clock
	ids      *uuid.Generator
	metrics  *metrics.Metrics
	promSink *sinks.PrometheusSink
	store    ledger.Store
	archiver *archive.Archiver
	notifier *notify.Notifier
	redis    *redis.Client
	closers  []closer

	mu   sync.Mutex
	stop collector.StopSignal
}

// Load reads the configuration at path and builds an App.
func Load(ctx context.Context, path string, opts Options) (*App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	opts.ConfigPath = path
	return New(ctx, cfg, opts)
}

// New builds an App. Any service that fails to start closes the ones already
// started.
func New(ctx context.Context, cfg config.Config, opts Options) (app *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging.Development, opts.LogPaths...)
		if err != nil {
			return nil, err
		}
	}
	a := &App{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		clock:   system.New(),
		ids:     uuid.New(),
		metrics: metrics.New(),
	}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	if err := a.initTelemetry(ctx); err != nil {
		return nil, err
	}
	if cfg.Stop.Backend == "redis" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Stop.RedisAddr})
		a.onClose("redis", func(context.Context) error { return a.redis.Close() })
	}
	if opts.Worker {
		return a, nil
	}

	if a.promSink, err = sinks.NewPrometheusSink(a.metrics.Registry()); err != nil {
		return nil, fmt.Errorf("register progress metrics: %w", err)
	}
	if cfg.Metrics.ListenAddr != "" {
		server, err := metrics.Listen(cfg.Metrics.ListenAddr, a.metrics, logger.Named("metrics"))
		if err != nil {
			return nil, err
		}
		a.onClose("metrics server", server.Shutdown)
	}
	if err := a.initLedger(ctx); err != nil {
		return nil, err
	}
	if err := a.initArchive(ctx); err != nil {
		return nil, err
	}
	if err := a.initNotify(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Metrics returns the metrics registry wrapper.
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

// Ledger returns the configured ledger store.
func (a *App) Ledger() ledger.Store {
	return a.store
}

// Close shuts services down in reverse start order and flushes the logger.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("error closing service", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) initTelemetry(ctx context.Context) error {
	tc := telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		Version:     a.opts.Version,
		SampleRatio: a.cfg.Telemetry.SampleRatio,
	}
	if a.cfg.Telemetry.LogSpans {
		tc.Logger = a.logger.Named("trace")
	}
	tp, err := telemetry.InitTracerProvider(ctx, tc)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.onClose("tracer", func(ctx context.Context) error { return tp.Shutdown(ctx) })
	return nil
}

func (a *App) initLedger(ctx context.Context) error {
	switch a.cfg.Ledger.Backend {
	case "postgres":
		store, err := ledgerpg.New(ctx, ledgerpg.Config{
			DSN:      a.cfg.Ledger.DSN,
			Table:    a.cfg.Ledger.Table,
			Name:     a.cfg.Ledger.Name,
			MaxConns: a.cfg.Ledger.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("open postgres ledger: %w", err)
		}
		a.store = store
		a.onClose("ledger", func(context.Context) error {
			store.Close()
			return nil
		})
	default:
		store, err := ledger.NewFileStore(a.cfg.Ledger.Path, a.cfg.Ledger.Name)
		if err != nil {
			return collector.Configf("ledger: %v", err)
		}
		a.store = store
	}
	a.logger.Info("ledger backend ready", zap.String("backend", a.cfg.Ledger.Backend))
	return nil
}

func (a *App) initArchive(ctx context.Context) error {
	var blobs archive.BlobStore
	switch a.cfg.Archive.Backend {
	case "local":
		store, err := archivelocal.New(a.cfg.Archive.BaseDir)
		if err != nil {
			return fmt.Errorf("init local archive: %w", err)
		}
		blobs = store
	case "gcs":
		store, closeFn, err := archivegcs.Dial(ctx, a.cfg.Archive.Bucket)
		if err != nil {
			return fmt.Errorf("init gcs archive: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return closeFn() })
		blobs = store
	default:
		return nil
	}
	a.archiver = archive.New(blobs, a.cfg.Archive.Prefix, a.logger.Named("archive"))
	return nil
}

func (a *App) initNotify(ctx context.Context) error {
	if a.cfg.Notify.TopicName == "" {
		return nil
	}
	pub, closeFn, err := notifypubsub.Dial(ctx, a.cfg.Notify.ProjectID, a.cfg.Notify.TopicName)
	if err != nil {
		return fmt.Errorf("init pubsub notifier: %w", err)
	}
	a.onClose("pubsub", func(context.Context) error { return closeFn() })
	a.notifier = notify.New(pub, a.cfg.Notify.TopicName, a.logger.Named("notify"))
	return nil
}

// stopFor returns the stop signal shared by every worker of runID.
func (a *App) stopFor(runID string, layout orchestrator.Layout) collector.StopSignal {
	if a.redis != nil {
		return stopsignal.NewRedis(a.redis, a.cfg.Stop.RedisKey, runID, 0, a.logger)
	}
	return stopsignal.NewFile(layout.StopDir())
}

// RequestStop raises the stop signal of the run in progress. Workers finish
// their in-flight task and exit.
func (a *App) RequestStop(ctx context.Context) error {
	a.mu.Lock()
	stop := a.stop
	a.mu.Unlock()
	if stop == nil {
		return nil
	}
	a.logger.Warn("stop requested; workers will finish their current task")
	return stop.Set(ctx)
}

func (a *App) setStop(stop collector.StopSignal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stop = stop
}

// newWorker builds the shard worker for runID.
func (a *App) newWorker(runID string, stop collector.StopSignal, emitter progress.Emitter) (*worker.Worker, error) {
	cfg := a.cfg
	ext := a.opts.Extractor
	if ext == nil {
		sel, err := extractor.NewSelector(extractor.Config{
			ValueSelector:  cfg.Extractor.ValueSelector,
			ReadySelector:  cfg.Extractor.ReadySelector,
			ErrorSelectors: cfg.Extractor.ErrorSelectors,
			ErrorPhrases:   cfg.Extractor.ErrorPhrases,
			Stop:           stop,
		}, a.clock, a.logger.Named("extractor"))
		if err != nil {
			return nil, err
		}
		ext = sel
	}
	launcher := a.opts.Launcher
	if launcher == nil {
		launcher = browser.NewLauncher(browser.Config{
			Headless:          cfg.Browser.Headless,
			DisableImages:     cfg.Browser.DisableImages,
			UserAgent:         cfg.Browser.UserAgent,
			ExecPath:          cfg.Browser.ExecPath,
			WindowWidth:       cfg.Browser.WindowWidth,
			WindowHeight:      cfg.Browser.WindowHeight,
			NavigationTimeout: time.Duration(cfg.Timeouts.NavigationSec) * time.Second,
			ScriptTimeout:     time.Duration(cfg.Timeouts.ScriptSec) * time.Second,
		}, a.logger.Named("browser"))
	}
	minPace, maxPace := cfg.PacingRange()
	return worker.New(worker.Config{
		RunID:       runID,
		TaskTimeout: cfg.TaskBudget(),
		Pacer: pacer.Config{
			MinInterval:                minPace,
			MaxInterval:                maxPace,
			MaxConsecutiveSoftFailures: cfg.Breaker.MaxConsecutiveSoftFailures,
			Cooldown:                   cfg.Cooldown(),
			NavigationsPerMinute:       cfg.Pacing.MaxNavigationsPerMinute,
			PollInterval:               time.Duration(cfg.Stop.PollMs) * time.Millisecond,
		},
		Resolver: resolver.Config{
			MaxRetries:   cfg.Resolver.MaxRetries,
			BaseDelay:    time.Duration(cfg.Resolver.BaseDelayMs) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Resolver.MaxDelayMs) * time.Millisecond,
			ReadyTimeout: time.Duration(cfg.Timeouts.ReadySec) * time.Second,
		},
	}, worker.Deps{
		Provisioner: &session.ProfileProvisioner{
			TemplateDir:  cfg.Run.ProfileTemplateDir,
			ProfilesRoot: filepath.Join(cfg.Run.Dir, "profiles"),
			Launcher:     launcher,
			Logger:       a.logger.Named("provision"),
		},
		Extractor: ext,
		Clock:     a.clock,
		Stop:      stop,
		Emitter:   emitter,
		Logger:    a.logger,
	})
}

// newRunner picks in-process or subprocess isolation.
func (a *App) newRunner(runID string, stop collector.StopSignal, emitter progress.Emitter) (orchestrator.Runner, error) {
	if a.cfg.Run.Isolation == config.IsolationInProcess {
		w, err := a.newWorker(runID, stop, emitter)
		if err != nil {
			return nil, err
		}
		return &orchestrator.InProcess{Worker: w, Logger: a.logger}, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate worker executable: %w", err)
	}
	args := []string{"worker"}
	if a.opts.ConfigPath != "" {
		args = append(args, "--config", a.opts.ConfigPath)
	}
	return &orchestrator.Process{
		Path:   exe,
		Args:   args,
		Env:    os.Environ(),
		Grace:  a.cfg.TaskBudget() + time.Duration(a.cfg.Run.WorkerGraceSec)*time.Second,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Logger: a.logger.Named("process"),
	}, nil
}

// ServeWorker is the body of the hidden worker command.
func (a *App) ServeWorker(ctx context.Context, spec orchestrator.WorkerSpec) error {
	layout := orchestrator.NewLayout(a.cfg.Run.Dir, spec.RunID)
	stop := a.stopFor(spec.RunID, layout)
	hub := progress.NewHub(progress.Config{Logger: a.logger}, sinks.NewLogSink(a.logger.Named("progress")))
	defer func() { _ = hub.Close(context.WithoutCancel(ctx)) }()

	w, err := a.newWorker(spec.RunID, stop, hub)
	if err != nil {
		return err
	}
	return orchestrator.Serve(ctx, w, spec)
}
