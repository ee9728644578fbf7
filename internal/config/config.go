// Package config loads and validates collector configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
)

// Isolation modes for running workers.
const (
	IsolationProcess   = "process"
	IsolationInProcess = "inprocess"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Run       RunConfig       `mapstructure:"run"`
	Timeouts  TimeoutConfig   `mapstructure:"timeouts"`
	Pacing    PacingConfig    `mapstructure:"pacing"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Stop      StopConfig      `mapstructure:"stop"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// RunConfig controls sharding and worker isolation.
type RunConfig struct {
	Dir                  string   `mapstructure:"dir"`
	ShardCount           int      `mapstructure:"shard_count"`
	Isolation            string   `mapstructure:"isolation"`
	Profiles             []string `mapstructure:"profiles"`
	ProfileTemplateDir   string   `mapstructure:"profile_template_dir"`
	MaxLeaseReplacements int      `mapstructure:"max_lease_replacements"`
	WorkerGraceSec       int      `mapstructure:"worker_grace_sec"`
}

// TimeoutConfig bounds every blocking browser interaction.
type TimeoutConfig struct {
	PerTaskSec    int `mapstructure:"per_task_timeout_sec"`
	NavigationSec int `mapstructure:"navigation_timeout_sec"`
	ReadySec      int `mapstructure:"ready_timeout_sec"`
	ScriptSec     int `mapstructure:"script_timeout_sec"`
}

// PacingConfig controls the randomized delay between tasks.
type PacingConfig struct {
	MinSec                  float64 `mapstructure:"pacing_min_sec"`
	MaxSec                  float64 `mapstructure:"pacing_max_sec"`
	MaxNavigationsPerMinute int     `mapstructure:"max_navigations_per_minute"`
}

// BreakerConfig controls the per-worker consecutive failure breaker.
type BreakerConfig struct {
	MaxConsecutiveSoftFailures int     `mapstructure:"max_consecutive_soft_failures"`
	CooldownSec                float64 `mapstructure:"cooldown_sec"`
}

// ResolverConfig controls error-page retries.
type ResolverConfig struct {
	MaxRetries  int `mapstructure:"max_retries"`
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	MaxDelayMs  int `mapstructure:"max_delay_ms"`
}

// BrowserConfig configures the chromedp allocator for each lease.
type BrowserConfig struct {
	Headless      bool   `mapstructure:"headless"`
	DisableImages bool   `mapstructure:"disable_images"`
	UserAgent     string `mapstructure:"user_agent"`
	ExecPath      string `mapstructure:"exec_path"`
	WindowWidth   int    `mapstructure:"window_width"`
	WindowHeight  int    `mapstructure:"window_height"`
}

// ExtractorConfig holds the page-specific selectors.
type ExtractorConfig struct {
	ValueSelector  string   `mapstructure:"value_selector"`
	ReadySelector  string   `mapstructure:"ready_selector"`
	ErrorSelectors []string `mapstructure:"error_selectors"`
	ErrorPhrases   []string `mapstructure:"error_phrases"`
}

// TasksConfig locates the task source.
type TasksConfig struct {
	Path   string `mapstructure:"path"`
	Format string `mapstructure:"format"`
}

// LedgerConfig selects and configures the ledger backend.
type LedgerConfig struct {
	Backend             string `mapstructure:"backend"`
	Path                string `mapstructure:"path"`
	DSN                 string `mapstructure:"dsn"`
	Table               string `mapstructure:"table"`
	Name                string `mapstructure:"name"`
	AlertDeltaThreshold int64  `mapstructure:"alert_delta_threshold"`
	Timezone            string `mapstructure:"timezone"`
	PruneTrailingEmpty  bool   `mapstructure:"prune_trailing_empty"`
	MaxConns            int32  `mapstructure:"max_conns"`
}

// StopConfig selects the stop signal backend shared by worker processes.
type StopConfig struct {
	Backend   string `mapstructure:"backend"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisKey  string `mapstructure:"redis_key"`
	PollMs    int    `mapstructure:"poll_ms"`
}

// MetricsConfig controls Prometheus export.
type MetricsConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	TextfileDir string `mapstructure:"textfile_dir"`
}

// ArchiveConfig selects where run artifacts are copied after a run.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// NotifyConfig holds metadata for run summary notifications.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig controls the OpenTelemetry tracer provider.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	LogSpans    bool    `mapstructure:"log_spans"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("UGC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: read config: %w", collector.ErrConfiguration, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: unmarshal config: %w", collector.ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.dir", "runs")
	v.SetDefault("run.shard_count", 1)
	v.SetDefault("run.isolation", IsolationProcess)
	v.SetDefault("run.profiles", []string{"profile-1"})
	v.SetDefault("run.max_lease_replacements", 0)
	v.SetDefault("run.worker_grace_sec", 5)
	v.SetDefault("timeouts.per_task_timeout_sec", 90)
	v.SetDefault("timeouts.navigation_timeout_sec", 45)
	v.SetDefault("timeouts.ready_timeout_sec", 15)
	v.SetDefault("timeouts.script_timeout_sec", 10)
	v.SetDefault("pacing.pacing_min_sec", 3.0)
	v.SetDefault("pacing.pacing_max_sec", 8.0)
	v.SetDefault("pacing.max_navigations_per_minute", 0)
	v.SetDefault("breaker.max_consecutive_soft_failures", 3)
	v.SetDefault("breaker.cooldown_sec", 120.0)
	v.SetDefault("resolver.max_retries", 3)
	v.SetDefault("resolver.base_delay_ms", 2000)
	v.SetDefault("resolver.max_delay_ms", 30000)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_images", true)
	v.SetDefault("browser.window_width", 1280)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("extractor.value_selector", `[data-e2e="followers-count"]`)
	v.SetDefault("extractor.error_phrases", []string{
		"something went wrong",
		"page not available",
		"too many requests",
	})
	v.SetDefault("tasks.format", "auto")
	v.SetDefault("ledger.backend", "file")
	v.SetDefault("ledger.path", "ledger.json")
	v.SetDefault("ledger.table", "ledgers")
	v.SetDefault("ledger.name", "default")
	v.SetDefault("ledger.alert_delta_threshold", 1000)
	v.SetDefault("ledger.timezone", "UTC")
	v.SetDefault("ledger.prune_trailing_empty", true)
	v.SetDefault("stop.backend", "file")
	v.SetDefault("stop.redis_key", "ugcledger:stop")
	v.SetDefault("stop.poll_ms", 250)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "runs")
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "ugcledger")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.log_spans", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Run.ShardCount <= 0 {
		return collector.Configf("run.shard_count must be > 0")
	}
	if len(c.Run.Profiles) == 0 {
		return collector.Configf("run.profiles must list at least one profile")
	}
	if c.Run.ShardCount > len(c.Run.Profiles) {
		return collector.Configf("run.shard_count (%d) exceeds available profiles (%d)", c.Run.ShardCount, len(c.Run.Profiles))
	}
	seen := make(map[string]struct{}, len(c.Run.Profiles))
	for _, p := range c.Run.Profiles {
		if strings.TrimSpace(p) == "" || strings.ContainsAny(p, `/\`) {
			return collector.Configf("run.profiles contains invalid profile id %q", p)
		}
		if _, dup := seen[p]; dup {
			return collector.Configf("run.profiles contains duplicate profile id %q", p)
		}
		seen[p] = struct{}{}
	}
	switch c.Run.Isolation {
	case IsolationProcess, IsolationInProcess:
	default:
		return collector.Configf("run.isolation must be %q or %q", IsolationProcess, IsolationInProcess)
	}
	if c.Run.MaxLeaseReplacements < 0 {
		return collector.Configf("run.max_lease_replacements must be >= 0")
	}
	if c.Timeouts.PerTaskSec <= 0 {
		return collector.Configf("timeouts.per_task_timeout_sec must be > 0")
	}
	if c.Pacing.MinSec < 0 || c.Pacing.MaxSec < c.Pacing.MinSec {
		return collector.Configf("pacing.pacing_min_sec must be >= 0 and <= pacing.pacing_max_sec")
	}
	if c.Breaker.MaxConsecutiveSoftFailures <= 0 {
		return collector.Configf("breaker.max_consecutive_soft_failures must be > 0")
	}
	if c.Breaker.CooldownSec < 0 {
		return collector.Configf("breaker.cooldown_sec must be >= 0")
	}
	if c.Resolver.MaxRetries < 0 {
		return collector.Configf("resolver.max_retries must be >= 0")
	}
	switch c.Ledger.Backend {
	case "file":
		if c.Ledger.Path == "" {
			return collector.Configf("ledger.path is required for the file backend")
		}
	case "postgres":
		if c.Ledger.DSN == "" {
			return collector.Configf("ledger.dsn is required for the postgres backend")
		}
	default:
		return collector.Configf("ledger.backend must be file or postgres")
	}
	if _, err := time.LoadLocation(c.Ledger.Timezone); err != nil {
		return collector.Configf("ledger.timezone %q: %v", c.Ledger.Timezone, err)
	}
	switch c.Stop.Backend {
	case "file":
	case "redis":
		if c.Stop.RedisAddr == "" {
			return collector.Configf("stop.redis_addr is required for the redis backend")
		}
	default:
		return collector.Configf("stop.backend must be file or redis")
	}
	switch c.Archive.Backend {
	case "none", "":
	case "local":
		if c.Archive.BaseDir == "" {
			return collector.Configf("archive.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return collector.Configf("archive.bucket is required for the gcs backend")
		}
	default:
		return collector.Configf("archive.backend must be none, local, or gcs")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return collector.Configf("telemetry.sample_ratio must be within [0, 1]")
	}
	if c.Notify.TopicName != "" && c.Notify.ProjectID == "" {
		return collector.Configf("notify.project_id must be set when notify.topic_name is set")
	}
	return nil
}

// TaskBudget is the umbrella bound for a single task attempt.
func (c Config) TaskBudget() time.Duration {
	return time.Duration(c.Timeouts.PerTaskSec) * time.Second
}

// PacingRange returns the pacing bounds as durations.
func (c Config) PacingRange() (time.Duration, time.Duration) {
	return seconds(c.Pacing.MinSec), seconds(c.Pacing.MaxSec)
}

// Cooldown returns the breaker cooldown as a duration.
func (c Config) Cooldown() time.Duration {
	return seconds(c.Breaker.CooldownSec)
}

// Location returns the timezone used to label ledger columns.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Ledger.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
