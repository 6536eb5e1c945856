package dispatcher

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	progresstracker "github.com/compose-network/proxy-validator/x/progress-tracker"
)

const (
	DefaultChunkSize            = 100
	DefaultMaxConcurrency       = 8
	DefaultProgressPollInterval = time.Second
)

// Config configures a Dispatcher.
type Config struct {
	Logger   zerolog.Logger
	Tracker  progresstracker.Tracker
	Executor Executor

	DefaultChunkSize int
	// MaxConcurrency caps the per-job concurrency hint.
	MaxConcurrency int
	// ProgressPollInterval paces the tracker checks that free the slot of a
	// chunk whose branch has not delivered.
	ProgressPollInterval time.Duration

	Now   func() time.Time
	NewID func() string
}

// DefaultConfig returns a config without Tracker and Executor; both must be set.
func DefaultConfig(logger zerolog.Logger) Config {
	return Config{
		Logger:               logger.With().Str("component", "dispatcher").Logger(),
		DefaultChunkSize:     DefaultChunkSize,
		MaxConcurrency:       DefaultMaxConcurrency,
		ProgressPollInterval: DefaultProgressPollInterval,
		Now:                  time.Now,
		NewID:                uuid.NewString,
	}
}
