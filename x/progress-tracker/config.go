package progresstracker

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	BackendRedis = "redis"
	BackendFile  = "file"

	// DefaultRetention bounds how long progress records outlive their job.
	DefaultRetention = 24 * time.Hour
)

// Config selects and configures a Tracker backend.
type Config struct {
	Backend   string        `mapstructure:"backend"   yaml:"backend"`
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
	Redis     RedisConfig   `mapstructure:"redis"     yaml:"redis"`
	File      FileConfig    `mapstructure:"file"      yaml:"file"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"         yaml:"addr"`
	Password    string        `mapstructure:"password"     yaml:"password"`
	DB          int           `mapstructure:"db"           yaml:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// FileConfig configures the shared-directory backend.
type FileConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
	// SweepSchedule is a cron spec for retention sweeps, e.g. "@every 10m".
	SweepSchedule string `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`
}

// DefaultConfig returns a file-backed configuration.
func DefaultConfig() Config {
	return Config{
		Backend:   BackendFile,
		Retention: DefaultRetention,
		Redis: RedisConfig{
			Addr:        "127.0.0.1:6379",
			DialTimeout: 5 * time.Second,
		},
		File: FileConfig{
			Root:          "data/progress",
			SweepSchedule: "@every 10m",
		},
	}
}

// Validate checks the backend specific fields.
func (c Config) Validate() error {
	if c.Retention <= 0 {
		return fmt.Errorf("tracker.retention must be positive")
	}
	switch c.Backend {
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("tracker.redis.addr is required for the redis backend")
		}
	case BackendFile:
		if c.File.Root == "" {
			return fmt.Errorf("tracker.file.root is required for the file backend")
		}
	default:
		return fmt.Errorf("tracker.backend must be %q or %q, got %q", BackendRedis, BackendFile, c.Backend)
	}
	return nil
}

// New builds the configured Tracker.
func New(cfg Config, log zerolog.Logger) (Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendRedis:
		return NewRedisTracker(cfg.Redis, cfg.Retention, log)
	default:
		return NewFileTracker(cfg.File.Root, cfg.Retention, log)
	}
}
