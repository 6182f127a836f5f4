// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Queues     QueuesConfig     `mapstructure:"queues"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Probe      ProbeConfig      `mapstructure:"probe"`
	Sessions   SessionsConfig   `mapstructure:"sessions"`
	Batcher    BatcherConfig    `mapstructure:"batcher"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Sink       SinkConfig       `mapstructure:"sink"`
	DeadLetter DeadLetterConfig `mapstructure:"dead_letter"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
}

// ServerConfig controls the control-plane HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// QueueConfig holds the per-queue consumption, retry, and retention policy.
type QueueConfig struct {
	Concurrency       int     `mapstructure:"concurrency"`
	RatePerSecond     float64 `mapstructure:"rate_per_second"`
	Attempts          int     `mapstructure:"attempts"`
	BackoffBaseMs     int     `mapstructure:"backoff_base_ms"`
	KeepCompletedN    int     `mapstructure:"keep_completed_count"`
	KeepCompletedAgeS int     `mapstructure:"keep_completed_age_seconds"`
	KeepFailedN       int     `mapstructure:"keep_failed_count"`
	KeepFailedAgeS    int     `mapstructure:"keep_failed_age_seconds"`
}

// BackoffBase converts the configured base delay to a Duration.
func (q QueueConfig) BackoffBase() time.Duration {
	return time.Duration(q.BackoffBaseMs) * time.Millisecond
}

// QueuesConfig selects the queue backend and configures both queues.
type QueuesConfig struct {
	Provider string       `mapstructure:"provider"`
	Dir      string       `mapstructure:"dir"`
	PubSub   PubSubConfig `mapstructure:"pubsub"`
	Work     QueueConfig  `mapstructure:"work"`
	Results  QueueConfig  `mapstructure:"results"`
}

// PubSubConfig holds GCP metadata for the pubsub queue provider.
type PubSubConfig struct {
	ProjectID          string `mapstructure:"project_id"`
	WorkTopic          string `mapstructure:"work_topic"`
	WorkSubscription   string `mapstructure:"work_subscription"`
	ResultTopic        string `mapstructure:"result_topic"`
	ResultSubscription string `mapstructure:"result_subscription"`
}

// WorkerConfig governs the scrape worker.
type WorkerConfig struct {
	LoginURLPatterns []string `mapstructure:"login_url_patterns"`
	ProbeFirst       bool     `mapstructure:"probe_first"`
}

// BrowserConfig configures the shared headless browser.
type BrowserConfig struct {
	UserAgent         string `mapstructure:"user_agent"`
	MaxTabs           int    `mapstructure:"max_tabs"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
}

// ProbeConfig configures the non-headless probe fetcher.
type ProbeConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// SessionsConfig locates authentication sessions on disk.
type SessionsConfig struct {
	File        string   `mapstructure:"file"`
	CookieFiles []string `mapstructure:"cookie_files"`
}

// BatcherConfig governs the sink batcher flush protocol.
type BatcherConfig struct {
	SizeThreshold   int `mapstructure:"size_threshold"`
	FlushIntervalMs int `mapstructure:"flush_interval_ms"`
	FlushAttempts   int `mapstructure:"flush_attempts"`
	BackoffBaseMs   int `mapstructure:"backoff_base_ms"`
}

// FlushInterval converts the configured interval to a Duration.
func (b BatcherConfig) FlushInterval() time.Duration {
	return time.Duration(b.FlushIntervalMs) * time.Millisecond
}

// BackoffBase converts the configured flush backoff base to a Duration.
func (b BatcherConfig) BackoffBase() time.Duration {
	return time.Duration(b.BackoffBaseMs) * time.Millisecond
}

// IngestConfig governs the source poll loop.
type IngestConfig struct {
	BatchSize           int      `mapstructure:"batch_size"`
	PollIntervalSeconds int      `mapstructure:"poll_interval_seconds"`
	BurstDelayMs        int      `mapstructure:"burst_delay_ms"`
	Destinations        []string `mapstructure:"destinations"`
}

// PollInterval converts the idle poll interval to a Duration.
func (i IngestConfig) PollInterval() time.Duration {
	return time.Duration(i.PollIntervalSeconds) * time.Second
}

// BurstDelay converts the busy re-poll delay to a Duration.
func (i IngestConfig) BurstDelay() time.Duration {
	return time.Duration(i.BurstDelayMs) * time.Millisecond
}

// SinkConfig selects and configures the tabular sink.
type SinkConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
}

// DeadLetterConfig controls persistence of dropped batches.
type DeadLetterConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

// ArchiveConfig controls page-snapshot persistence.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	v.SetDefault("queues.provider", "embedded")
	v.SetDefault("queues.dir", "data/queues")
	v.SetDefault("queues.work.concurrency", 4)
	v.SetDefault("queues.work.rate_per_second", 1)
	v.SetDefault("queues.work.attempts", 3)
	v.SetDefault("queues.work.backoff_base_ms", 5000)
	v.SetDefault("queues.work.keep_completed_count", 500)
	v.SetDefault("queues.work.keep_completed_age_seconds", 3600)
	v.SetDefault("queues.work.keep_failed_count", 1000)
	v.SetDefault("queues.work.keep_failed_age_seconds", 86400)
	v.SetDefault("queues.results.concurrency", 1)
	v.SetDefault("queues.results.rate_per_second", 0)
	v.SetDefault("queues.results.attempts", 3)
	v.SetDefault("queues.results.backoff_base_ms", 2000)
	v.SetDefault("queues.results.keep_completed_count", 500)
	v.SetDefault("queues.results.keep_completed_age_seconds", 3600)
	v.SetDefault("queues.results.keep_failed_count", 1000)
	v.SetDefault("queues.results.keep_failed_age_seconds", 86400)

	v.SetDefault("worker.login_url_patterns", []string{"/login", "/checkpoint", "/accounts/login"})
	v.SetDefault("worker.probe_first", true)

	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.max_tabs", 4)
	v.SetDefault("browser.nav_timeout_seconds", 30)

	v.SetDefault("probe.enabled", true)
	v.SetDefault("probe.timeout_seconds", 10)

	v.SetDefault("batcher.size_threshold", 50)
	v.SetDefault("batcher.flush_interval_ms", 30000)
	v.SetDefault("batcher.flush_attempts", 3)
	v.SetDefault("batcher.backoff_base_ms", 2000)

	v.SetDefault("ingest.batch_size", 100)
	v.SetDefault("ingest.poll_interval_seconds", 60)
	v.SetDefault("ingest.burst_delay_ms", 2000)

	v.SetDefault("sink.provider", "memory")
	v.SetDefault("sink.table", "lead_rows")
	v.SetDefault("dead_letter.enabled", false)
	v.SetDefault("dead_letter.table", "dead_batches")
	v.SetDefault("archive.provider", "noop")
	v.SetDefault("archive.prefix", "snapshots")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queues.Work.Concurrency <= 0 {
		return fmt.Errorf("queues.work.concurrency must be > 0")
	}
	if c.Queues.Work.Attempts <= 0 {
		return fmt.Errorf("queues.work.attempts must be > 0")
	}
	if c.Queues.Results.Attempts <= 0 {
		return fmt.Errorf("queues.results.attempts must be > 0")
	}
	switch c.Queues.Provider {
	case "embedded":
		if c.Queues.Dir == "" {
			return fmt.Errorf("queues.dir is required for the embedded provider")
		}
	case "pubsub":
		if c.Queues.PubSub.ProjectID == "" {
			return fmt.Errorf("queues.pubsub.project_id is required for the pubsub provider")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown queue provider %q", c.Queues.Provider)
	}
	if c.Batcher.SizeThreshold <= 0 {
		return fmt.Errorf("batcher.size_threshold must be > 0")
	}
	if c.Batcher.FlushIntervalMs <= 0 {
		return fmt.Errorf("batcher.flush_interval_ms must be > 0")
	}
	if c.Batcher.FlushAttempts <= 0 {
		return fmt.Errorf("batcher.flush_attempts must be > 0")
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be > 0")
	}
	if c.Sink.Provider == "postgres" && c.Sink.DSN == "" {
		return fmt.Errorf("sink.dsn is required for the postgres sink")
	}
	if c.DeadLetter.Enabled && c.DeadLetter.DSN == "" {
		return fmt.Errorf("dead_letter.dsn is required when dead_letter is enabled")
	}
	switch c.Archive.Provider {
	case "noop", "":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local archive")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("unknown archive provider %q", c.Archive.Provider)
	}
	return nil
}
