package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/compose-network/proxy-validator/x/aggregator"
	"github.com/compose-network/proxy-validator/x/dispatcher"
	"github.com/compose-network/proxy-validator/x/job"
	"github.com/compose-network/proxy-validator/x/proxy"
)

var (
	// ErrJobNotFound is returned for job ids this orchestrator never ran or already forgot.
	ErrJobNotFound = errors.New("orchestrator: job not found")
	// ErrJobFinished is returned when canceling a job that already reached a terminal state.
	ErrJobFinished = errors.New("orchestrator: job already finished")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("orchestrator: stopped")
)

// Orchestrator runs validation jobs end to end: dispatch, completion
// detection, aggregation and downstream handoff.
type Orchestrator interface {
	// Submit dispatches a job and returns its id without waiting for validation.
	Submit(ctx context.Context, candidates []proxy.Candidate, opts dispatcher.Options) (string, error)
	// Status reports the job's state and progress, and its report once terminal.
	// Queries on a terminal job always return the same report.
	Status(ctx context.Context, jobID string) (JobStatus, error)
	// Wait blocks until the job is terminal or ctx ends.
	Wait(ctx context.Context, jobID string) (JobStatus, error)
	// Cancel stops a running job. Its validator processes are terminated and
	// it ends failed with reason canceled.
	Cancel(jobID string) error
	// History lists finished jobs, oldest first. It is pruned over time.
	History() []JobStatus
	// Stop cancels every running job and waits for them to finish.
	Stop(ctx context.Context) error
}

// JobStatus is the externally visible view of a job.
type JobStatus struct {
	JobID           string        `json:"job_id"`
	State           job.State     `json:"state"`
	Reason          string        `json:"reason,omitempty"`
	Error           string        `json:"error,omitempty"`
	Source          string        `json:"source,omitempty"`
	DoneChunks      int           `json:"done_chunks"`
	TotalChunks     int           `json:"total_chunks"`
	TotalCandidates int           `json:"total_candidates"`
	ChunkSize       int           `json:"chunk_size"`
	Concurrency     int           `json:"concurrency"`
	DispatchedAt    time.Time     `json:"dispatched_at"`
	Deadline        time.Duration `json:"deadline"`
	Ceiling         time.Duration `json:"ceiling"`
	FinishedAt      time.Time     `json:"finished_at,omitempty"`

	Report *aggregator.Report `json:"report,omitempty"`
}

// Terminal reports whether the job reached a final state.
func (s JobStatus) Terminal() bool {
	return s.State.Terminal()
}
