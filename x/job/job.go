package job

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a validation job.
type State string

const (
	StateDispatched State = "dispatched"
	StateWaiting    State = "waiting"
	StateComplete   State = "complete"
	StateTimedOut   State = "timed_out"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateTimedOut || s == StateFailed
}

// allowedTransitions lists forward edges only. Nothing leads back to waiting.
var allowedTransitions = map[State][]State{
	StateDispatched: {StateWaiting, StateComplete, StateFailed},
	StateWaiting:    {StateComplete, StateTimedOut, StateFailed},
}

// CanTransition reports whether from -> to is a legal, monotone transition.
func CanTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidationJob is the immutable record of a dispatched job. Only State moves.
type ValidationJob struct {
	ID              string        `json:"job_id"`
	TotalChunks     int           `json:"total_chunks"`
	TotalCandidates int           `json:"total_candidates"`
	ChunkSize       int           `json:"chunk_size"`
	Concurrency     int           `json:"concurrency"`
	DispatchedAt    time.Time     `json:"dispatched_at"`
	Deadline        time.Duration `json:"deadline"`
	Ceiling         time.Duration `json:"ceiling"`
	State           State         `json:"state"`
}

// Transition moves the job to the next state, rejecting regressions.
func (j *ValidationJob) Transition(to State) error {
	if j.State == to {
		return nil
	}
	if !CanTransition(j.State, to) {
		return NewError(ErrorTypeValidation, fmt.Sprintf("illegal job transition %s -> %s", j.State, to)).
			WithJob(j.ID)
	}
	j.State = to
	return nil
}
