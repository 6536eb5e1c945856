package progresstracker

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/compose-network/proxy-validator/x/proxy"
)

// ErrJobNotFound is returned when the store has no record of a job, either
// because it was never dispatched or because its records expired.
var ErrJobNotFound = errors.New("progress-tracker: job not found")

// ErrInvalidJobID is returned for job ids that cannot be used as store keys.
var ErrInvalidJobID = errors.New("progress-tracker: invalid job id")

// Tracker is the durable, cross-process record of chunk completion. Each
// worker writes only its own (job, chunk) entry, so writes never conflict.
type Tracker interface {
	// SetTotal records the chunk count and dispatch time of a job.
	SetTotal(ctx context.Context, jobID string, total int, dispatchedAt time.Time) error
	// MarkDone records (or overwrites) the result of one chunk.
	MarkDone(ctx context.Context, jobID string, chunkID int, result proxy.ChunkResult) error
	// GetProgress returns every chunk recorded so far for the job.
	GetProgress(ctx context.Context, jobID string) (Progress, error)
	Close() error
}

// Progress is a snapshot of a job's completion.
type Progress struct {
	Done         int
	Total        int
	DispatchedAt time.Time
	Summaries    map[int]proxy.ChunkResult
}

// Complete reports whether every chunk has a done flag.
func (p Progress) Complete() bool {
	return p.Total >= 0 && p.Done >= p.Total
}

// Results returns the summaries ordered by chunk id.
func (p Progress) Results() []proxy.ChunkResult {
	ids := make([]int, 0, len(p.Summaries))
	for id := range p.Summaries {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]proxy.ChunkResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.Summaries[id])
	}
	return out
}

func newProgress(total int, dispatchedAt time.Time) Progress {
	return Progress{Total: total, DispatchedAt: dispatchedAt, Summaries: make(map[int]proxy.ChunkResult)}
}

// add records a summary, ignoring chunk ids outside the job.
func (p *Progress) add(chunkID int, r proxy.ChunkResult) bool {
	if chunkID < 0 || chunkID >= p.Total {
		return false
	}
	if _, seen := p.Summaries[chunkID]; !seen {
		p.Done++
	}
	p.Summaries[chunkID] = r
	return true
}

// validJobID keeps job ids usable as redis keys and directory names.
func validJobID(jobID string) bool {
	if jobID == "" || len(jobID) > 128 {
		return false
	}
	for _, r := range jobID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
