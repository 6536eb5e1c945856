package waiter

import (
	"fmt"
	"math"
	"time"
)

const (
	DefaultTimePerChunk      = 150 * time.Second
	DefaultSafetyMargin      = 1.5
	DefaultMinimumFloor      = 60 * time.Second
	DefaultCeilingMultiplier = 2.0
	DefaultMinFallbackWindow = 60 * time.Second
	DefaultPollInterval      = 2 * time.Second
)

// Timing is the runtime-tunable timeout model of a job.
//
//	rounds   = ceil(total_chunks / concurrency)
//	deadline = max(rounds * time_per_chunk * safety_margin, minimum_floor)
//	ceiling  = max(deadline * ceiling_multiplier, deadline + min_fallback_window)
//
// concurrency is the job's own limit. Executors bound chunk runs across all
// jobs, so concurrent jobs can take more rounds than estimated; such a job
// misses its deadline and completes on the polling path within the ceiling.
type Timing struct {
	// TimePerChunk is the expected wall time of one chunk, retries excluded.
	// It depends on the workload and is meant to be tuned from observation.
	TimePerChunk      time.Duration `mapstructure:"time_per_chunk"      yaml:"time_per_chunk"`
	SafetyMargin      float64       `mapstructure:"safety_margin"       yaml:"safety_margin"`
	MinimumFloor      time.Duration `mapstructure:"minimum_floor"       yaml:"minimum_floor"`
	CeilingMultiplier float64       `mapstructure:"ceiling_multiplier"  yaml:"ceiling_multiplier"`
	MinFallbackWindow time.Duration `mapstructure:"min_fallback_window" yaml:"min_fallback_window"`
	PollInterval      time.Duration `mapstructure:"poll_interval"       yaml:"poll_interval"`
}

// DefaultTiming returns the default timeout model.
func DefaultTiming() Timing {
	return Timing{
		TimePerChunk:      DefaultTimePerChunk,
		SafetyMargin:      DefaultSafetyMargin,
		MinimumFloor:      DefaultMinimumFloor,
		CeilingMultiplier: DefaultCeilingMultiplier,
		MinFallbackWindow: DefaultMinFallbackWindow,
		PollInterval:      DefaultPollInterval,
	}
}

// Validate rejects settings that would make a job time out immediately or never poll.
func (t Timing) Validate() error {
	switch {
	case t.TimePerChunk <= 0:
		return fmt.Errorf("waiter.time_per_chunk must be positive")
	case t.SafetyMargin < 1:
		return fmt.Errorf("waiter.safety_margin must be at least 1, got %v", t.SafetyMargin)
	case t.MinimumFloor < 0:
		return fmt.Errorf("waiter.minimum_floor must not be negative")
	case t.CeilingMultiplier < 1:
		return fmt.Errorf("waiter.ceiling_multiplier must be at least 1, got %v", t.CeilingMultiplier)
	case t.MinFallbackWindow < 0:
		return fmt.Errorf("waiter.min_fallback_window must not be negative")
	case t.PollInterval <= 0:
		return fmt.Errorf("waiter.poll_interval must be positive")
	}
	return nil
}

// Rounds is the number of sequential waves needed to run every chunk.
func Rounds(totalChunks, concurrency int) int {
	if totalChunks <= 0 {
		return 0
	}
	concurrency = max(concurrency, 1)
	return (totalChunks + concurrency - 1) / concurrency
}

// Deadline bounds the event path of a job.
func (t Timing) Deadline(totalChunks, concurrency int) time.Duration {
	estimate := float64(Rounds(totalChunks, concurrency)) * float64(t.TimePerChunk) * t.SafetyMargin
	return max(clampDuration(estimate), t.MinimumFloor)
}

// Ceiling bounds the whole job, polling fallback included.
func (t Timing) Ceiling(deadline time.Duration) time.Duration {
	scaled := clampDuration(float64(deadline) * t.CeilingMultiplier)
	return max(scaled, deadline+t.MinFallbackWindow)
}

func clampDuration(f float64) time.Duration {
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}
