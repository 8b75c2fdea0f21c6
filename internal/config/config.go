// Package config loads and validates scrapefleet configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. SCRAPEFLEET_BUS_DRIVER.
const EnvPrefix = "SCRAPEFLEET"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Consumer  ConsumerConfig  `mapstructure:"consumer"`
	Bus       BusConfig       `mapstructure:"bus"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ShutdownSeconds int `mapstructure:"shutdown_seconds"`
}

// BrowserConfig selects and tunes the browser provider.
type BrowserConfig struct {
	// Driver is "chrome" or "fake"; fake serves empty pages for dry runs.
	Driver             string `mapstructure:"driver"`
	UserAgent          string `mapstructure:"user_agent"`
	ExecPath           string `mapstructure:"exec_path"`
	NavTimeoutSeconds  int    `mapstructure:"nav_timeout_seconds"`
	IdleTimeoutSeconds int    `mapstructure:"idle_timeout_seconds"`
	URLDelayMs         int    `mapstructure:"url_delay_ms"`
	// MaxSessions caps open Chrome processes across the pool and the consumer.
	MaxSessions int `mapstructure:"max_sessions"`
}

// PoolConfig governs in-process pool runs.
type PoolConfig struct {
	// MaxWorkers of zero picks a default from the CPU count.
	MaxWorkers            int `mapstructure:"max_workers"`
	ReportIntervalSeconds int `mapstructure:"report_interval_seconds"`
}

// TopicsConfig names the bus topics.
type TopicsConfig struct {
	Tasks      string `mapstructure:"tasks"`
	Results    string `mapstructure:"results"`
	DeadLetter string `mapstructure:"dead_letter"`
}

// ConsumerConfig governs the distributed task consumer.
type ConsumerConfig struct {
	Group            string       `mapstructure:"group"`
	MaxRetries       int          `mapstructure:"max_retries"`
	Concurrency      int          `mapstructure:"concurrency"`
	RetryBackoffMs   int          `mapstructure:"retry_backoff_ms"`
	RetryBackoffMax  int          `mapstructure:"retry_backoff_max_ms"`
	RetentionMinutes int          `mapstructure:"retention_minutes"`
	Topics           TopicsConfig `mapstructure:"topics"`
}

// BusConfig selects the message bus.
type BusConfig struct {
	// Driver is "memory" or "pubsub".
	Driver     string `mapstructure:"driver"`
	ProjectID  string `mapstructure:"project_id"`
	Partitions int    `mapstructure:"partitions"`
	// Subscriptions maps topic name to Pub/Sub subscription ID.
	Subscriptions map[string]string `mapstructure:"subscriptions"`
}

// StorageConfig selects where pool run results are archived.
type StorageConfig struct {
	// Driver is "memory", "local" or "gcs".
	Driver    string `mapstructure:"driver"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the optional workflow-stats database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_minutes"`
	Migrate         bool   `mapstructure:"migrate"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	// StdoutTraces writes finished spans to stderr as JSON.
	StdoutTraces bool `mapstructure:"stdout_traces"`
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_seconds", 10)
	v.SetDefault("browser.driver", "chrome")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("browser.idle_timeout_seconds", 10)
	v.SetDefault("browser.url_delay_ms", 1000)
	v.SetDefault("browser.max_sessions", 8)
	v.SetDefault("pool.max_workers", 0)
	v.SetDefault("pool.report_interval_seconds", 5)
	v.SetDefault("consumer.group", "scrapefleet")
	v.SetDefault("consumer.max_retries", 3)
	v.SetDefault("consumer.concurrency", 4)
	v.SetDefault("consumer.retry_backoff_ms", 500)
	v.SetDefault("consumer.retry_backoff_max_ms", 10000)
	v.SetDefault("consumer.retention_minutes", 60)
	v.SetDefault("consumer.topics.tasks", "scraping-tasks")
	v.SetDefault("consumer.topics.results", "scraping-results")
	v.SetDefault("consumer.topics.dead_letter", "scraping-dead-letter")
	v.SetDefault("bus.driver", "memory")
	v.SetDefault("bus.project_id", "")
	v.SetDefault("bus.partitions", 4)
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.local_dir", "./data")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("db.migrate", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 1000)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("telemetry.service_name", "scrapefleet")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.stdout_traces", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	switch c.Browser.Driver {
	case "chrome", "fake":
	default:
		errs = append(errs, fmt.Errorf("browser.driver %q must be chrome or fake", c.Browser.Driver))
	}
	if c.Browser.NavTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("browser.nav_timeout_seconds must be > 0"))
	}
	if c.Browser.URLDelayMs < 0 {
		errs = append(errs, errors.New("browser.url_delay_ms must be >= 0"))
	}
	if c.Browser.MaxSessions < 0 {
		errs = append(errs, errors.New("browser.max_sessions must be >= 0"))
	}
	if c.Pool.MaxWorkers < 0 {
		errs = append(errs, errors.New("pool.max_workers must be >= 0"))
	}
	if c.Consumer.MaxRetries < 0 {
		errs = append(errs, errors.New("consumer.max_retries must be >= 0"))
	}
	if c.Consumer.Concurrency <= 0 {
		errs = append(errs, errors.New("consumer.concurrency must be > 0"))
	}
	if c.Consumer.Topics.Tasks == "" || c.Consumer.Topics.Results == "" || c.Consumer.Topics.DeadLetter == "" {
		errs = append(errs, errors.New("consumer.topics must name tasks, results and dead_letter"))
	}
	switch c.Bus.Driver {
	case "memory":
	case "pubsub":
		if c.Bus.ProjectID == "" {
			errs = append(errs, errors.New("bus.project_id is required for pubsub"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.driver %q must be memory or pubsub", c.Bus.Driver))
	}
	switch c.Storage.Driver {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			errs = append(errs, errors.New("storage.local_dir is required for local storage"))
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			errs = append(errs, errors.New("storage.gcs_bucket is required for gcs storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be memory, local or gcs", c.Storage.Driver))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be within [0, 1]"))
	}
	if c.DB.Migrate && c.DB.DSN == "" {
		errs = append(errs, errors.New("db.dsn is required when db.migrate is set"))
	}
	return errors.Join(errs...)
}

// NavTimeout is the per-URL navigation budget.
func (c BrowserConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}

// IdleTimeout bounds the network-idle wait after navigation.
func (c BrowserConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// URLDelay is the pause between URLs of one executor.
func (c BrowserConfig) URLDelay() time.Duration {
	return time.Duration(c.URLDelayMs) * time.Millisecond
}

// ReportInterval is the period of global pool snapshots.
func (c PoolConfig) ReportInterval() time.Duration {
	return time.Duration(c.ReportIntervalSeconds) * time.Second
}

// RetryBackoff returns the base and cap of the retry delay.
func (c ConsumerConfig) RetryBackoff() (time.Duration, time.Duration) {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond, time.Duration(c.RetryBackoffMax) * time.Millisecond
}

// Retention is how long workflow bookkeeping is kept.
func (c ConsumerConfig) Retention() time.Duration {
	return time.Duration(c.RetentionMinutes) * time.Minute
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownSeconds) * time.Second
}

// ConnLifetime caps how long a pooled connection is reused.
func (c DBConfig) ConnLifetime() time.Duration {
	return time.Duration(c.MaxConnLifetime) * time.Minute
}

// MaxBatchWait is the longest the hub holds a partial batch.
func (c ProgressConfig) MaxBatchWait() time.Duration {
	return time.Duration(c.MaxBatchWaitMs) * time.Millisecond
}
