package subprocess

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultGracePeriod is how long a group gets between SIGTERM and SIGKILL.
	DefaultGracePeriod = 3 * time.Second
	// minWaitDelay bounds how long Wait keeps draining pipes held open by descendants.
	minWaitDelay = time.Second
)

// Config configures a Supervisor.
type Config struct {
	Logger      zerolog.Logger
	GracePeriod time.Duration
	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns a config with sensible defaults for optional fields.
func DefaultConfig(logger zerolog.Logger) Config {
	return Config{
		Logger:      logger.With().Str("component", "subprocess-supervisor").Logger(),
		GracePeriod: DefaultGracePeriod,
		Now:         time.Now,
	}
}
