package probe

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultTarget is the host:port every tunnel is opened to.
	DefaultTarget      = "www.cloudflare.com:443"
	DefaultTimeout     = 10 * time.Second
	DefaultConcurrency = 32
	// DefaultRate caps new probes per second across the run.
	DefaultRate  = 50.0
	DefaultBurst = 10
)

// Config controls how candidates are probed.
type Config struct {
	Logger zerolog.Logger

	// Target is the host:port the proxy is asked to tunnel to.
	Target      string
	Timeout     time.Duration
	Concurrency int
	// Rate limits probe starts per second; zero disables pacing.
	Rate  float64
	Burst int
	// InsecureTLS skips certificate checks on the TLS hop to https proxies.
	InsecureTLS bool
}

func DefaultConfig(logger zerolog.Logger) Config {
	return Config{
		Logger:      logger.With().Str("component", "probe").Logger(),
		Target:      DefaultTarget,
		Timeout:     DefaultTimeout,
		Concurrency: DefaultConcurrency,
		Rate:        DefaultRate,
		Burst:       DefaultBurst,
		InsecureTLS: true,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Target == "":
		return errors.New("probe: target is required")
	case c.Timeout <= 0:
		return errors.New("probe: timeout must be positive")
	case c.Concurrency <= 0:
		return errors.New("probe: concurrency must be positive")
	case c.Rate < 0:
		return errors.New("probe: rate must not be negative")
	case c.Rate > 0 && c.Burst <= 0:
		return errors.New("probe: burst must be positive when rate is set")
	}
	return nil
}
