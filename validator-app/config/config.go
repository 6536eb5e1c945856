package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	apisrv "github.com/compose-network/proxy-validator/server/api"
	waiter "github.com/compose-network/proxy-validator/x/completion-waiter"
	progresstracker "github.com/compose-network/proxy-validator/x/progress-tracker"
)

const (
	ExecutorProcess = "process"
	ExecutorLocal   = "local"
)

// Config holds the complete application configuration
type Config struct {
	Log        LogConfig              `mapstructure:"log"        yaml:"log"`
	API        apisrv.Config          `mapstructure:"api"        yaml:"api"`
	Metrics    MetricsConfig          `mapstructure:"metrics"    yaml:"metrics"`
	Dispatch   DispatchConfig         `mapstructure:"dispatch"   yaml:"dispatch"`
	Worker     WorkerConfig           `mapstructure:"worker"     yaml:"worker"`
	Waiter     waiter.Timing          `mapstructure:"waiter"     yaml:"waiter"`
	Tracker    progresstracker.Config `mapstructure:"tracker"    yaml:"tracker"`
	Aggregator AggregatorConfig       `mapstructure:"aggregator" yaml:"aggregator"`
	History    HistoryConfig          `mapstructure:"history"    yaml:"history"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"  env:"LOG_LEVEL"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty" env:"LOG_PRETTY"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"     yaml:"enabled"     env:"METRICS_ENABLED"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr" env:"METRICS_LISTEN_ADDR"`
	Path       string `mapstructure:"path"        yaml:"path"        env:"METRICS_PATH"`
}

// DispatchConfig controls how jobs are split and where chunks run.
type DispatchConfig struct {
	ChunkSize      int `mapstructure:"chunk_size"      yaml:"chunk_size"      env:"DISPATCH_CHUNK_SIZE"`
	MaxConcurrency int `mapstructure:"max_concurrency" yaml:"max_concurrency" env:"DISPATCH_MAX_CONCURRENCY"`
	// Executor is "process" (one worker process per chunk) or "local".
	Executor string `mapstructure:"executor" yaml:"executor" env:"DISPATCH_EXECUTOR"`
	WorkDir  string `mapstructure:"work_dir" yaml:"work_dir" env:"DISPATCH_WORK_DIR"`
	// WorkerTimeout bounds a whole worker process, retries included.
	WorkerTimeout time.Duration `mapstructure:"worker_timeout" yaml:"worker_timeout" env:"DISPATCH_WORKER_TIMEOUT"`
}

// WorkerConfig describes the external validator and how it is retried.
type WorkerConfig struct {
	Command            string          `mapstructure:"command"              yaml:"command"              env:"WORKER_COMMAND"`
	Args               []string        `mapstructure:"args"                 yaml:"args"`
	Env                []string        `mapstructure:"env"                  yaml:"env"`
	Timeout            time.Duration   `mapstructure:"timeout"              yaml:"timeout"              env:"WORKER_TIMEOUT"`
	GracePeriod        time.Duration   `mapstructure:"grace_period"         yaml:"grace_period"         env:"WORKER_GRACE_PERIOD"`
	TrustPartialOutput bool            `mapstructure:"trust_partial_output" yaml:"trust_partial_output" env:"WORKER_TRUST_PARTIAL_OUTPUT"`
	MaxAttempts        int             `mapstructure:"max_attempts"         yaml:"max_attempts"         env:"WORKER_MAX_ATTEMPTS"`
	Backoff            []time.Duration `mapstructure:"backoff"              yaml:"backoff"`
	TempDir            string          `mapstructure:"temp_dir"             yaml:"temp_dir"             env:"WORKER_TEMP_DIR"`
}

// AggregatorConfig controls when a job counts as successful.
type AggregatorConfig struct {
	MinUsable int `mapstructure:"min_usable" yaml:"min_usable" env:"AGGREGATOR_MIN_USABLE"`
}

// HistoryConfig bounds how many finished jobs stay queryable.
type HistoryConfig struct {
	MaxEntries  int           `mapstructure:"max_entries"  yaml:"max_entries"  env:"HISTORY_MAX_ENTRIES"`
	Retention   time.Duration `mapstructure:"retention"    yaml:"retention"    env:"HISTORY_RETENTION"`
	CancelDrain time.Duration `mapstructure:"cancel_drain" yaml:"cancel_drain" env:"HISTORY_CANCEL_DRAIN"`
}

// Load loads configuration from file and environment. An empty configPath
// uses defaults and environment only.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)

	v.SetDefault("api.listen_addr", d.API.ListenAddr)
	v.SetDefault("api.read_header_timeout", d.API.ReadHeaderTimeout)
	v.SetDefault("api.read_timeout", d.API.ReadTimeout)
	v.SetDefault("api.write_timeout", d.API.WriteTimeout)
	v.SetDefault("api.idle_timeout", d.API.IdleTimeout)
	v.SetDefault("api.shutdown_timeout", d.API.ShutdownTimeout)
	v.SetDefault("api.max_header_bytes", d.API.MaxHeaderBytes)
	v.SetDefault("api.max_body_bytes", d.API.MaxBodyBytes)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen_addr", d.Metrics.ListenAddr)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("dispatch.chunk_size", d.Dispatch.ChunkSize)
	v.SetDefault("dispatch.max_concurrency", d.Dispatch.MaxConcurrency)
	v.SetDefault("dispatch.executor", d.Dispatch.Executor)
	v.SetDefault("dispatch.work_dir", d.Dispatch.WorkDir)
	v.SetDefault("dispatch.worker_timeout", d.Dispatch.WorkerTimeout)

	v.SetDefault("worker.command", d.Worker.Command)
	v.SetDefault("worker.args", d.Worker.Args)
	v.SetDefault("worker.timeout", d.Worker.Timeout)
	v.SetDefault("worker.grace_period", d.Worker.GracePeriod)
	v.SetDefault("worker.trust_partial_output", d.Worker.TrustPartialOutput)
	v.SetDefault("worker.max_attempts", d.Worker.MaxAttempts)
	v.SetDefault("worker.backoff", d.Worker.Backoff)
	v.SetDefault("worker.temp_dir", d.Worker.TempDir)

	v.SetDefault("waiter.time_per_chunk", d.Waiter.TimePerChunk)
	v.SetDefault("waiter.safety_margin", d.Waiter.SafetyMargin)
	v.SetDefault("waiter.minimum_floor", d.Waiter.MinimumFloor)
	v.SetDefault("waiter.ceiling_multiplier", d.Waiter.CeilingMultiplier)
	v.SetDefault("waiter.min_fallback_window", d.Waiter.MinFallbackWindow)
	v.SetDefault("waiter.poll_interval", d.Waiter.PollInterval)

	v.SetDefault("tracker.backend", d.Tracker.Backend)
	v.SetDefault("tracker.retention", d.Tracker.Retention)
	v.SetDefault("tracker.redis.addr", d.Tracker.Redis.Addr)
	v.SetDefault("tracker.redis.password", d.Tracker.Redis.Password)
	v.SetDefault("tracker.redis.db", d.Tracker.Redis.DB)
	v.SetDefault("tracker.redis.dial_timeout", d.Tracker.Redis.DialTimeout)
	v.SetDefault("tracker.file.root", d.Tracker.File.Root)
	v.SetDefault("tracker.file.sweep_schedule", d.Tracker.File.SweepSchedule)

	v.SetDefault("aggregator.min_usable", d.Aggregator.MinUsable)

	v.SetDefault("history.max_entries", d.History.MaxEntries)
	v.SetDefault("history.retention", d.History.Retention)
	v.SetDefault("history.cancel_drain", d.History.CancelDrain)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.API.Validate(); err != nil {
		return err
	}
	if err := c.validateMetrics(); err != nil {
		return err
	}
	if err := c.validateDispatch(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.Waiter.Validate(); err != nil {
		return err
	}
	if err := c.Tracker.Validate(); err != nil {
		return err
	}
	if c.Aggregator.MinUsable < 0 {
		return fmt.Errorf("aggregator.min_usable must not be negative, got %d", c.Aggregator.MinUsable)
	}
	if c.History.MaxEntries < 0 || c.History.Retention < 0 {
		return fmt.Errorf("history.max_entries and history.retention must not be negative")
	}
	return nil
}

func (c *Config) validateMetrics() error {
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.ListenAddr) == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics enabled")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/', got %q", c.Metrics.Path)
	}
	return nil
}

func (c *Config) validateDispatch() error {
	if c.Dispatch.ChunkSize <= 0 {
		return fmt.Errorf("dispatch.chunk_size must be positive, got %d", c.Dispatch.ChunkSize)
	}
	if c.Dispatch.MaxConcurrency <= 0 {
		return fmt.Errorf("dispatch.max_concurrency must be positive, got %d", c.Dispatch.MaxConcurrency)
	}
	switch c.Dispatch.Executor {
	case ExecutorProcess:
		if c.Dispatch.WorkerTimeout <= 0 {
			return fmt.Errorf("dispatch.worker_timeout must be positive for the process executor")
		}
	case ExecutorLocal:
	default:
		return fmt.Errorf("dispatch.executor must be %q or %q, got %q", ExecutorProcess, ExecutorLocal, c.Dispatch.Executor)
	}
	return nil
}

func (c *Config) validateWorker() error {
	if strings.TrimSpace(c.Worker.Command) == "" {
		return fmt.Errorf("worker.command is required")
	}
	if c.Worker.Timeout <= 0 {
		return fmt.Errorf("worker.timeout must be positive")
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be positive, got %d", c.Worker.MaxAttempts)
	}
	for i, d := range c.Worker.Backoff {
		if d < 0 {
			return fmt.Errorf("worker.backoff[%d] must not be negative", i)
		}
	}
	return nil
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Pretty: false,
		},
		API: apisrv.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9090",
			Path:       "/metrics",
		},
		Dispatch: DispatchConfig{
			ChunkSize:      100,
			MaxConcurrency: 8,
			Executor:       ExecutorProcess,
			WorkDir:        "data/work",
			WorkerTimeout:  10 * time.Minute,
		},
		Worker: WorkerConfig{
			Command:     "proxycheck",
			Args:        []string{"--input", "{input}", "--output", "{output}"},
			Timeout:     120 * time.Second,
			GracePeriod: 3 * time.Second,
			MaxAttempts: 3,
			Backoff:     []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
		},
		Waiter:  waiter.DefaultTiming(),
		Tracker: progresstracker.DefaultConfig(),
		Aggregator: AggregatorConfig{
			MinUsable: 1,
		},
		History: HistoryConfig{
			MaxEntries:  1000,
			Retention:   24 * time.Hour,
			CancelDrain: 30 * time.Second,
		},
	}
}
