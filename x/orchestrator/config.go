package orchestrator

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/compose-network/proxy-validator/x/aggregator"
	waiter "github.com/compose-network/proxy-validator/x/completion-waiter"
	"github.com/compose-network/proxy-validator/x/dispatcher"
	progresstracker "github.com/compose-network/proxy-validator/x/progress-tracker"
)

// Config contains all dependencies for the Orchestrator.
type Config struct {
	Logger zerolog.Logger

	Dispatcher *dispatcher.Dispatcher
	Waiter     *waiter.Waiter
	Aggregator *aggregator.Aggregator
	// Tracker serves progress for running jobs.
	Tracker progresstracker.Tracker

	Metrics *Metrics

	// Now returns the current time; defaults to time.Now.
	Now func() time.Time

	// History limits. Zero values disable each pruning mechanism.
	MaxHistory       int
	HistoryRetention time.Duration

	// CancelDrain bounds the wait for a canceled job's branches.
	CancelDrain time.Duration
}

// DefaultConfig returns a config with defaults for optional fields.
func DefaultConfig(logger zerolog.Logger) Config {
	return Config{
		Logger:           logger.With().Str("component", "orchestrator").Logger(),
		Metrics:          NewMetrics(nil),
		Now:              time.Now,
		MaxHistory:       DefaultMaxHistory,
		HistoryRetention: DefaultHistoryRetention,
		CancelDrain:      DefaultCancelDrain,
	}
}
