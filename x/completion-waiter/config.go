package waiter

import (
	"time"

	"github.com/rs/zerolog"

	progresstracker "github.com/compose-network/proxy-validator/x/progress-tracker"
)

// Config configures a Waiter.
type Config struct {
	Logger       zerolog.Logger
	Tracker      progresstracker.Tracker
	Timing       Timing
	TimerFactory TimerFactory
	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns a config without a Tracker.
func DefaultConfig(logger zerolog.Logger) Config {
	return Config{
		Logger:       logger.With().Str("component", "completion-waiter").Logger(),
		Timing:       DefaultTiming(),
		TimerFactory: SystemTimerFactory{},
		Now:          time.Now,
	}
}
