package orchestrator

import "time"

const (
	DefaultMaxHistory       = 1000
	DefaultHistoryRetention = 24 * time.Hour

	// DefaultCancelDrain bounds how long a canceled job waits for its
	// branches to report after their validators were told to stop.
	DefaultCancelDrain = 30 * time.Second
)
