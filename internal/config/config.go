// Package config assembles the dispatcher's tunables from the environment
// into the Options/Config shapes each component (Manager, Worker, Rate
// Limiter, Retry Controller, Monitor, retention sweep) already accepts at
// construction. It is a thin layer over internal/env's reflection-based
// loader: each nested struct here carries its own `env:"..."` tags and a
// DefaultXConfig() constructor holding the numeric defaults spec §6 names,
// then env.Load overlays only the variables actually set in the
// environment, and a post-load Validate() catches cross-field nonsense.
package config

import (
	"fmt"
	"time"

	"github.com/dispatchkit/emaildispatch/internal/dispatch/retry"
	"github.com/dispatchkit/emaildispatch/internal/dispatch/worker"
	"github.com/dispatchkit/emaildispatch/internal/env"
	"github.com/dispatchkit/emaildispatch/internal/manager"
	"github.com/dispatchkit/emaildispatch/internal/monitor"
	"github.com/dispatchkit/emaildispatch/internal/ratelimit"
)

// ManagerConfig configures the Manager's scale-tick loop (spec §4.7).
type ManagerConfig struct {
	MinWorkers int           `env:"DISPATCH_MIN_WORKERS"`
	MaxWorkers int           `env:"DISPATCH_MAX_WORKERS"`
	Interval   time.Duration `env:"DISPATCH_MANAGER_INTERVAL"`
}

// DefaultManagerConfig returns spec §6's named Manager defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{MinWorkers: 2, MaxWorkers: 10, Interval: 60 * time.Second}
}

func (c *ManagerConfig) Validate() error {
	if c.MinWorkers <= 0 {
		return fmt.Errorf("DISPATCH_MIN_WORKERS must be positive")
	}
	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("DISPATCH_MAX_WORKERS (%d) must be >= DISPATCH_MIN_WORKERS (%d)", c.MaxWorkers, c.MinWorkers)
	}
	return nil
}

// ToOptions converts to the Manager's own Options type.
func (c ManagerConfig) ToOptions() manager.Options {
	return manager.Options{MinWorkers: c.MinWorkers, MaxWorkers: c.MaxWorkers, Interval: c.Interval}
}

// QueueConfig configures the Job Queue's default batch split.
type QueueConfig struct {
	BatchSize int `env:"DISPATCH_BATCH_SIZE"`
}

func DefaultQueueConfig() QueueConfig { return QueueConfig{BatchSize: 100} }

func (c *QueueConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("DISPATCH_BATCH_SIZE must be positive")
	}
	return nil
}

// WorkerConfig configures the per-worker run loop. ID/Name are left to the
// Worker's own setDefaults (uuid-generated) — they identify one running
// instance, not a deployment-wide tunable.
type WorkerConfig struct {
	HeartbeatInterval time.Duration `env:"DISPATCH_HEARTBEAT_INTERVAL"`
	IdleBackoff       time.Duration `env:"DISPATCH_WORKER_IDLE_BACKOFF"`
	RateBackoff       time.Duration `env:"DISPATCH_WORKER_RATE_BACKOFF"`
	PerSendPacing     time.Duration `env:"DISPATCH_PER_SEND_PACING"`
	ProviderTimeout   time.Duration `env:"DISPATCH_PROVIDER_TIMEOUT"`
	MaxRetryAttempts  int           `env:"DISPATCH_WORKER_MAX_RETRY_ATTEMPTS"`
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		HeartbeatInterval: 30 * time.Second,
		IdleBackoff:       5 * time.Second,
		RateBackoff:       60 * time.Second,
		PerSendPacing:     100 * time.Millisecond,
		ProviderTimeout:   30 * time.Second,
		MaxRetryAttempts:  3,
	}
}

func (c *WorkerConfig) Validate() error {
	if c.MaxRetryAttempts <= 0 {
		return fmt.Errorf("DISPATCH_WORKER_MAX_RETRY_ATTEMPTS must be positive")
	}
	return nil
}

// ToWorkerConfig converts to the Worker's own Config type. ID/Name are left
// zero so Worker.New's setDefaults assigns a fresh identity per spawn.
func (c WorkerConfig) ToWorkerConfig() worker.Config {
	return worker.Config{
		HeartbeatInterval: c.HeartbeatInterval,
		IdleBackoff:       c.IdleBackoff,
		RateBackoff:       c.RateBackoff,
		PerSendPacing:     c.PerSendPacing,
		ProviderTimeout:   c.ProviderTimeout,
		MaxRetryAttempts:  c.MaxRetryAttempts,
	}
}

// RateLimitConfig configures the Rate Limiter's per-worker caps.
type RateLimitConfig struct {
	PerMinute int     `env:"DISPATCH_RATE_LIMIT_PER_MINUTE"`
	PerHour   int     `env:"DISPATCH_RATE_LIMIT_PER_HOUR"`
	Buffer    float64 `env:"DISPATCH_RATE_LIMIT_BUFFER"`
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{PerMinute: 100, PerHour: 1000, Buffer: 0.10}
}

func (c *RateLimitConfig) Validate() error {
	if c.Buffer < 0 || c.Buffer >= 1 {
		return fmt.Errorf("DISPATCH_RATE_LIMIT_BUFFER must be in [0, 1), got %v", c.Buffer)
	}
	return nil
}

func (c RateLimitConfig) ToRatelimitConfig() ratelimit.Config {
	return ratelimit.Config{PerMinute: c.PerMinute, PerHour: c.PerHour, Buffer: c.Buffer}
}

// RetryConfig configures the Retry Controller's tick and backoff schedule.
type RetryConfig struct {
	CheckInterval   time.Duration `env:"DISPATCH_RETRY_CHECK_INTERVAL"`
	BatchSize       int           `env:"DISPATCH_RETRY_BATCH_SIZE"`
	ProviderTimeout time.Duration `env:"DISPATCH_PROVIDER_TIMEOUT"`
	BaseDelay       time.Duration `env:"DISPATCH_RETRY_BASE_DELAY"`
	Multiplier      float64       `env:"DISPATCH_RETRY_MULTIPLIER"`
	MaxDelay        time.Duration `env:"DISPATCH_RETRY_MAX_DELAY"`
	MaxAttempts     int           `env:"DISPATCH_RETRY_MAX_ATTEMPTS"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		CheckInterval:   60 * time.Second,
		BatchSize:       50,
		ProviderTimeout: 30 * time.Second,
		BaseDelay:       300 * time.Second,
		Multiplier:      3,
		MaxDelay:        7200 * time.Second,
		MaxAttempts:     3,
	}
}

func (c *RetryConfig) Validate() error {
	if c.Multiplier <= 1 {
		return fmt.Errorf("DISPATCH_RETRY_MULTIPLIER must be > 1, got %v", c.Multiplier)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("DISPATCH_RETRY_MAX_ATTEMPTS must be positive")
	}
	return nil
}

func (c RetryConfig) ToOptions() retry.Options {
	return retry.Options{
		CheckInterval:   c.CheckInterval,
		BatchSize:       c.BatchSize,
		ProviderTimeout: c.ProviderTimeout,
		Backoff: retry.Config{
			BaseDelay:   c.BaseDelay,
			Multiplier:  c.Multiplier,
			MaxDelay:    c.MaxDelay,
			MaxAttempts: c.MaxAttempts,
		},
	}
}

// MonitorConfig configures the Monitor's tick cadence and staleness window.
type MonitorConfig struct {
	MetricsInterval  time.Duration `env:"DISPATCH_METRICS_INTERVAL"`
	AlertsInterval   time.Duration `env:"DISPATCH_ALERTS_INTERVAL"`
	StalenessTimeout time.Duration `env:"DISPATCH_STALENESS_TIMEOUT"`
	HolderID         string        `env:"DISPATCH_HOLDER_ID"`
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		MetricsInterval:  60 * time.Second,
		AlertsInterval:   300 * time.Second,
		StalenessTimeout: 120 * time.Second,
	}
}

func (c *MonitorConfig) Validate() error { return nil }

func (c MonitorConfig) ToOptions() monitor.Options {
	return monitor.Options{
		HolderID:         c.HolderID,
		MetricsInterval:  c.MetricsInterval,
		AlertsInterval:   c.AlertsInterval,
		StalenessTimeout: c.StalenessTimeout,
	}
}

// RetentionConfig configures the audit-archive sweep. BucketName is the GCS
// bucket terminal Jobs/RetryTasks are archived to before deletion. It is
// always required and Days must be positive; cmd/dispatcher always starts
// the Archiver, so the sweep cannot be turned off through configuration.
type RetentionConfig struct {
	Days       int    `env:"DISPATCH_RETENTION_DAYS"`
	BucketName string `env:"DISPATCH_RETENTION_BUCKET"`
}

func DefaultRetentionConfig() RetentionConfig { return RetentionConfig{Days: 30} }

func (c *RetentionConfig) Validate() error {
	if c.Days <= 0 {
		return fmt.Errorf("DISPATCH_RETENTION_DAYS must be positive")
	}
	if c.BucketName == "" {
		return fmt.Errorf("DISPATCH_RETENTION_BUCKET is required")
	}
	return nil
}

// StoreConfig configures the persistent Store Gateway backend.
type StoreConfig struct {
	Driver string `env:"DISPATCH_STORE_DRIVER"` // "postgres" or "sqlite"
	DSN    string `env:"DISPATCH_STORE_DSN"`
}

func DefaultStoreConfig() StoreConfig { return StoreConfig{Driver: "postgres"} }

func (c *StoreConfig) Validate() error {
	switch c.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DISPATCH_STORE_DRIVER: %s", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("DISPATCH_STORE_DSN is required")
	}
	return nil
}

// ProviderConfig configures the outbound email Provider. Kind "fake" routes
// sends to the in-memory Provider used for local development and tests; any
// other value requires SMTP relay credentials.
type ProviderConfig struct {
	Kind               string `env:"DISPATCH_PROVIDER_KIND"` // "smtp" or "fake"
	SMTPHost           string `env:"DISPATCH_SMTP_HOST"`
	SMTPPort           int    `env:"DISPATCH_SMTP_PORT"`
	SMTPUsername       string `env:"DISPATCH_SMTP_USERNAME"`
	SMTPPassword       string `env:"DISPATCH_SMTP_PASSWORD"`
	InsecureSkipVerify bool   `env:"DISPATCH_SMTP_INSECURE_SKIP_VERIFY"`
}

func DefaultProviderConfig() ProviderConfig { return ProviderConfig{Kind: "smtp", SMTPPort: 587} }

func (c *ProviderConfig) Validate() error {
	switch c.Kind {
	case "fake":
		return nil
	case "smtp":
		if c.SMTPHost == "" {
			return fmt.Errorf("DISPATCH_SMTP_HOST is required when DISPATCH_PROVIDER_KIND=smtp")
		}
		return nil
	default:
		return fmt.Errorf("unsupported DISPATCH_PROVIDER_KIND: %s", c.Kind)
	}
}

// HTTPConfig configures the Operator HTTP surface.
type HTTPConfig struct {
	Addr         string        `env:"DISPATCH_HTTP_ADDR"`
	ReadTimeout  time.Duration `env:"DISPATCH_HTTP_READ_TIMEOUT"`
	WriteTimeout time.Duration `env:"DISPATCH_HTTP_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `env:"DISPATCH_HTTP_IDLE_TIMEOUT"`
}

func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Addr:         ":8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (c *HTTPConfig) Validate() error { return nil }

// ObservabilityConfig configures the OTel SDK bootstrap of pkg/observability.
type ObservabilityConfig struct {
	ServiceName string `env:"DISPATCH_SERVICE_NAME"`
	OTelEnabled bool   `env:"DISPATCH_OTEL_ENABLED"`
}

func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{ServiceName: "emaildispatch", OTelEnabled: true}
}

func (c *ObservabilityConfig) Validate() error { return nil }

// Config is the full set of dispatcher tunables, one nested struct per
// component. Env is "dev"/"prod"-style deployment tier; it is only reported
// in the startup log line.
type Config struct {
	Env string `env:"DISPATCH_ENV"`

	Store         StoreConfig
	Provider      ProviderConfig
	HTTP          HTTPConfig
	Observability ObservabilityConfig
	Manager       ManagerConfig
	Queue         QueueConfig
	Worker        WorkerConfig
	RateLimit     RateLimitConfig
	Retry         RetryConfig
	Monitor       MonitorConfig
	Retention     RetentionConfig
}

// Default returns a Config populated with every component's named default,
// as if no environment variables were set.
func Default() Config {
	return Config{
		Env:           "dev",
		Store:         DefaultStoreConfig(),
		Provider:      DefaultProviderConfig(),
		HTTP:          DefaultHTTPConfig(),
		Observability: DefaultObservabilityConfig(),
		Manager:       DefaultManagerConfig(),
		Queue:         DefaultQueueConfig(),
		Worker:        DefaultWorkerConfig(),
		RateLimit:     DefaultRateLimitConfig(),
		Retry:         DefaultRetryConfig(),
		Monitor:       DefaultMonitorConfig(),
		Retention:     DefaultRetentionConfig(),
	}
}

// Load builds a Config from named defaults overlaid with whatever
// environment variables are actually set, then validates every nested
// struct (each implements env.Validator).
func Load() (*Config, error) {
	cfg := Default()
	if err := env.Load(&cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Env == "" {
		return fmt.Errorf("DISPATCH_ENV must not be empty")
	}
	return nil
}
