package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/compose-network/proxy-validator/x/job"
	"github.com/compose-network/proxy-validator/x/proxy"
)

// Dispatcher partitions candidate lists into chunks and fans them out.
type Dispatcher struct {
	cfg Config
	log zerolog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Tracker == nil {
		return nil, errors.New("dispatcher: progress tracker is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("dispatcher: executor is required")
	}
	if cfg.DefaultChunkSize <= 0 {
		cfg.DefaultChunkSize = DefaultChunkSize
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.ProgressPollInterval <= 0 {
		cfg.ProgressPollInterval = DefaultProgressPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		return nil, errors.New("dispatcher: id generator is required")
	}
	return &Dispatcher{cfg: cfg, log: cfg.Logger}, nil
}

// Handle is the caller's reference to a dispatched job.
type Handle struct {
	Job    job.ValidationJob
	Chunks []proxy.Chunk

	fanIn     chan []proxy.ChunkResult
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
}

// FanIn yields the full result set, ordered by chunk id, once every branch
// has resolved. It never yields a partial set.
func (h *Handle) FanIn() <-chan []proxy.ChunkResult {
	return h.fanIn
}

// Cancel stops in-flight work. Every branch still resolves, as a canceled
// failure, so the fan-in fires.
func (h *Handle) Cancel() {
	h.cancel()
}

// Close cancels the job and stops waiting for branches that never report.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		h.cancel()
		close(h.closed)
	})
}

// Dispatch validates the input, records the job total in the tracker and
// submits every chunk. It returns without waiting for validation.
// The job's work is bound to the returned handle, not to ctx.
func (d *Dispatcher) Dispatch(ctx context.Context, candidates []proxy.Candidate, opts Options) (*Handle, error) {
	size := opts.ChunkSize
	if size == 0 {
		size = d.cfg.DefaultChunkSize
	}
	if size < 0 {
		return nil, job.NewError(job.ErrorTypeValidation, fmt.Sprintf("chunk size must be positive, got %d", size))
	}
	if opts.Concurrency < 0 {
		return nil, job.NewError(job.ErrorTypeValidation, fmt.Sprintf("concurrency must not be negative, got %d", opts.Concurrency))
	}
	for i, c := range candidates {
		if err := c.Validate(); err != nil {
			return nil, job.Wrap(job.ErrorTypeValidation, fmt.Sprintf("candidate %d", i), err)
		}
	}

	// Chunks are immutable, so they must not share the caller's array.
	candidates = append([]proxy.Candidate(nil), candidates...)

	jobID := d.cfg.NewID()
	chunks := Partition(jobID, candidates, size)
	concurrency := d.concurrency(opts.Concurrency, len(chunks))
	dispatchedAt := d.cfg.Now()

	if err := d.cfg.Tracker.SetTotal(ctx, jobID, len(chunks), dispatchedAt); err != nil {
		return nil, fmt.Errorf("dispatcher: record job %s: %w", jobID, err)
	}

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		Job: job.ValidationJob{
			ID:              jobID,
			TotalChunks:     len(chunks),
			TotalCandidates: len(candidates),
			ChunkSize:       size,
			Concurrency:     concurrency,
			DispatchedAt:    dispatchedAt,
			State:           job.StateDispatched,
		},
		Chunks: chunks,
		fanIn:  make(chan []proxy.ChunkResult, 1),
		cancel: cancel,
		closed: make(chan struct{}),
	}

	log := d.log.With().Str("job_id", jobID).Logger()

	if len(chunks) == 0 {
		// Nothing to validate: the job is complete before it starts.
		_ = h.Job.Transition(job.StateComplete)
		h.fanIn <- []proxy.ChunkResult{}
		log.Info().Msg("Dispatched empty job, completed immediately")
		return h, nil
	}

	branches := make([]<-chan proxy.ChunkResult, len(chunks))
	ready := make(chan struct{})
	go d.fanOut(workCtx, log, h, concurrency, branches, ready)
	go d.fanIn(log, h, branches, ready)

	log.Info().
		Int("candidates", len(candidates)).
		Int("chunks", len(chunks)).
		Int("chunk_size", size).
		Int("concurrency", concurrency).
		Msg("Dispatched validation job")
	return h, nil
}

func (d *Dispatcher) concurrency(hint, chunks int) int {
	c := hint
	if c <= 0 {
		c = chunks
	}
	c = min(c, d.cfg.MaxConcurrency)
	return max(c, 1)
}

// fanOut submits chunks with at most concurrency in flight. A chunk that
// cannot be submitted because the job was canceled resolves as a canceled
// failure instead of vanishing.
func (d *Dispatcher) fanOut(
	ctx context.Context,
	log zerolog.Logger,
	h *Handle,
	concurrency int,
	branches []<-chan proxy.ChunkResult,
	ready chan<- struct{},
) {
	sem := semaphore.NewWeighted(int64(concurrency))
	results := make([]chan proxy.ChunkResult, len(h.Chunks))
	for i := range h.Chunks {
		results[i] = make(chan proxy.ChunkResult, 1)
		branches[i] = results[i]
	}
	close(ready)

	for i, chunk := range h.Chunks {
		err := ctx.Err()
		if err == nil {
			err = sem.Acquire(ctx, 1)
			if err == nil && ctx.Err() != nil {
				sem.Release(1)
				err = ctx.Err()
			}
		}
		if err != nil {
			log.Info().Int("chunk_id", chunk.ChunkID).Msg("Job canceled before chunk was submitted")
			r := canceledResult(chunk, err)
			if err := d.cfg.Tracker.MarkDone(context.WithoutCancel(ctx), chunk.JobID, chunk.ChunkID, r); err != nil {
				log.Warn().Err(err).Int("chunk_id", chunk.ChunkID).Msg("Failed to record canceled chunk")
			}
			results[i] <- r
			close(results[i])
			continue
		}
		src := d.cfg.Executor.Submit(ctx, chunk)
		go d.forward(ctx, log, h, chunk, src, results[i], sem)
	}
}

// forward relays one branch into the fan-in. The chunk's concurrency slot is
// freed when the branch delivers or once the tracker holds the chunk's record,
// whichever comes first.
func (d *Dispatcher) forward(
	ctx context.Context,
	log zerolog.Logger,
	h *Handle,
	chunk proxy.Chunk,
	src <-chan proxy.ChunkResult,
	out chan<- proxy.ChunkResult,
	sem *semaphore.Weighted,
) {
	var once sync.Once
	release := func() { once.Do(func() { sem.Release(1) }) }
	defer release()
	defer close(out)

	ticker := time.NewTicker(d.cfg.ProgressPollInterval)
	defer ticker.Stop()
	tick := ticker.C

	for {
		select {
		case r, ok := <-src:
			if ok {
				out <- r
			}
			return
		case <-h.closed:
			return
		case <-tick:
			if d.recorded(ctx, chunk) {
				log.Debug().Int("chunk_id", chunk.ChunkID).Msg("Chunk recorded before its branch delivered, freeing slot")
				release()
				tick = nil
			}
		}
	}
}

// recorded reports whether the tracker already holds a result for chunk.
func (d *Dispatcher) recorded(ctx context.Context, chunk proxy.Chunk) bool {
	p, err := d.cfg.Tracker.GetProgress(context.WithoutCancel(ctx), chunk.JobID)
	if err != nil {
		return false
	}
	_, ok := p.Summaries[chunk.ChunkID]
	return ok
}

// fanIn fires the aggregation callback exactly once, after every branch
// resolved. A branch that closes without a value resolves as a crash.
func (d *Dispatcher) fanIn(log zerolog.Logger, h *Handle, branches []<-chan proxy.ChunkResult, ready <-chan struct{}) {
	<-ready
	out := make([]proxy.ChunkResult, len(branches))
	for i, branch := range branches {
		chunk := h.Chunks[i]
		select {
		case r, ok := <-branch:
			if !ok {
				log.Warn().Int("chunk_id", chunk.ChunkID).Msg("Chunk branch closed without a result")
				r = crashResult(chunk, errors.New("branch closed without a result"))
			}
			r.JobID = chunk.JobID
			r.ChunkID = chunk.ChunkID
			out[i] = r
		case <-h.closed:
			log.Debug().Int("chunk_id", chunk.ChunkID).Msg("Fan-in abandoned")
			return
		}
	}
	h.fanIn <- out
	log.Debug().Int("chunks", len(out)).Msg("Fan-in fired")
}

// Unusable builds a result marking every candidate of chunk unusable.
func Unusable(chunk proxy.Chunk, status proxy.ChunkStatus, cause *job.Error) proxy.ChunkResult {
	cause = cause.WithJob(chunk.JobID).WithChunk(chunk.ChunkID)
	verdicts := make([]proxy.Verdict, len(chunk.Candidates))
	for i, c := range chunk.Candidates {
		verdicts[i] = proxy.Verdict{Candidate: c, Error: cause.Type.String()}
	}
	return proxy.ChunkResult{
		JobID:       chunk.JobID,
		ChunkID:     chunk.ChunkID,
		Status:      status,
		Verdicts:    verdicts,
		Error:       cause.Error(),
		CompletedAt: time.Now(),
	}
}

func canceledResult(chunk proxy.Chunk, err error) proxy.ChunkResult {
	return Unusable(chunk, proxy.ChunkFailure, job.Wrap(job.ErrorTypeCanceled, "chunk not started", err))
}

func crashResult(chunk proxy.Chunk, err error) proxy.ChunkResult {
	return Unusable(chunk, proxy.ChunkFailure, job.Wrap(job.ErrorTypeChunkCrash, "worker lost", err))
}
