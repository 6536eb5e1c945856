package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/compose-network/proxy-validator/x/aggregator"
	waiter "github.com/compose-network/proxy-validator/x/completion-waiter"
	"github.com/compose-network/proxy-validator/x/dispatcher"
	"github.com/compose-network/proxy-validator/x/job"
	progresstracker "github.com/compose-network/proxy-validator/x/progress-tracker"
	"github.com/compose-network/proxy-validator/x/proxy"
)

// activeJob is a job between dispatch and its terminal state.
type activeJob struct {
	mu     sync.Mutex
	job    job.ValidationJob
	handle *dispatcher.Handle
	cancel context.CancelFunc
	done   chan struct{}
}

func (a *activeJob) snapshot() job.ValidationJob {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.job
}

func (a *activeJob) transition(to job.State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.job.Transition(to)
}

// orchestrator implements Orchestrator.
type orchestrator struct {
	mu  sync.RWMutex
	log zerolog.Logger

	dispatcher *dispatcher.Dispatcher
	waiter     *waiter.Waiter
	aggregator *aggregator.Aggregator
	tracker    progresstracker.Tracker
	metrics    *Metrics
	now        func() time.Time

	active   map[string]*activeJob
	history  []JobStatus
	finished map[string]int // job id -> index in history
	stopped  bool
	wg       sync.WaitGroup

	maxHistory       int
	historyRetention time.Duration
	cancelDrain      time.Duration
}

// New creates an Orchestrator.
// Required fields: Dispatcher, Waiter, Aggregator, Tracker.
func New(cfg Config) (Orchestrator, error) {
	switch {
	case cfg.Dispatcher == nil:
		return nil, errors.New("orchestrator: dispatcher is required")
	case cfg.Waiter == nil:
		return nil, errors.New("orchestrator: waiter is required")
	case cfg.Aggregator == nil:
		return nil, errors.New("orchestrator: aggregator is required")
	case cfg.Tracker == nil:
		return nil, errors.New("orchestrator: tracker is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CancelDrain <= 0 {
		cfg.CancelDrain = DefaultCancelDrain
	}
	return &orchestrator{
		log:              cfg.Logger,
		dispatcher:       cfg.Dispatcher,
		waiter:           cfg.Waiter,
		aggregator:       cfg.Aggregator,
		tracker:          cfg.Tracker,
		metrics:          cfg.Metrics,
		now:              cfg.Now,
		active:           make(map[string]*activeJob),
		history:          make([]JobStatus, 0),
		finished:         make(map[string]int),
		maxHistory:       cfg.MaxHistory,
		historyRetention: cfg.HistoryRetention,
		cancelDrain:      cfg.CancelDrain,
	}, nil
}

func (o *orchestrator) Submit(ctx context.Context, candidates []proxy.Candidate, opts dispatcher.Options) (string, error) {
	// The submission counts as running from here on, so Stop waits for it.
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return "", ErrStopped
	}
	o.wg.Add(1)
	o.mu.Unlock()

	h, err := o.dispatcher.Dispatch(ctx, candidates, opts)
	if err != nil {
		o.wg.Done()
		return "", err
	}

	j := h.Job
	timing := o.waiter.Timing()
	j.Deadline = timing.Deadline(j.TotalChunks, j.Concurrency)
	j.Ceiling = timing.Ceiling(j.Deadline)

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		o.abandon(h)
		o.wg.Done()
		return "", ErrStopped
	}
	runCtx, cancel := context.WithCancel(context.Background())
	entry := &activeJob{job: j, handle: h, cancel: cancel, done: make(chan struct{})}
	o.active[j.ID] = entry
	o.mu.Unlock()

	o.metrics.JobsSubmitted.Inc()
	o.metrics.ActiveJobs.Inc()
	o.metrics.JobSize.Observe(float64(j.TotalCandidates))

	o.log.Info().
		Str("job_id", j.ID).
		Int("candidates", j.TotalCandidates).
		Int("chunks", j.TotalChunks).
		Dur("deadline", j.Deadline).
		Dur("ceiling", j.Ceiling).
		Msg("Job submitted")

	go o.run(runCtx, entry)
	return j.ID, nil
}

// abandon cancels a job that was dispatched while Stop ran and waits, at most
// cancelDrain, for its branches to resolve so no validator outlives Stop.
func (o *orchestrator) abandon(h *dispatcher.Handle) {
	h.Cancel()
	timer := time.NewTimer(o.cancelDrain)
	defer timer.Stop()
	select {
	case <-h.FanIn():
	case <-timer.C:
		o.log.Warn().Str("job_id", h.Job.ID).Msg("Abandoned job did not drain in time")
	}
	h.Close()
	o.log.Info().Str("job_id", h.Job.ID).Msg("Discarded job dispatched during shutdown")
}

// run drives one job to its terminal state.
func (o *orchestrator) run(ctx context.Context, entry *activeJob) {
	defer o.wg.Done()
	defer entry.handle.Close()

	j := entry.snapshot()
	log := o.log.With().Str("job_id", j.ID).Logger()

	var out waiter.Outcome
	if j.State.Terminal() {
		// Empty jobs complete at dispatch.
		out = waiter.Outcome{State: j.State, Source: waiter.SourceEvent, Results: <-entry.handle.FanIn()}
	} else {
		if err := entry.transition(job.StateWaiting); err != nil {
			log.Error().Err(err).Msg("Unexpected job state")
		}
		out = o.waiter.Wait(ctx, entry.snapshot(), entry.handle.FanIn())
	}
	if errors.Is(out.Err, job.ErrCanceled) {
		out = o.drainCanceled(log, entry, out)
	}

	report, err := o.aggregator.Finish(context.WithoutCancel(ctx), j.ID, string(out.Source), out.Results, out.Err)

	state := out.State
	if state == job.StateComplete && err != nil {
		state = job.StateFailed
	}
	if terr := entry.transition(state); terr != nil {
		log.Error().Err(terr).Str("to", string(state)).Msg("Illegal terminal transition")
	}

	final := entry.snapshot()
	status := JobStatus{
		JobID:           final.ID,
		State:           final.State,
		Source:          string(out.Source),
		DoneChunks:      out.Done,
		TotalChunks:     final.TotalChunks,
		TotalCandidates: final.TotalCandidates,
		ChunkSize:       final.ChunkSize,
		Concurrency:     final.Concurrency,
		DispatchedAt:    final.DispatchedAt,
		Deadline:        final.Deadline,
		Ceiling:         final.Ceiling,
		FinishedAt:      o.now(),
		Report:          report,
	}
	if err != nil {
		status.Error = err.Error()
		status.Reason = "unknown"
		if t, ok := job.TypeOf(err); ok {
			status.Reason = t.String()
		}
	}

	o.metrics.RecordChunks(status, out.Results)
	o.metrics.RecordFinished(status)

	o.mu.Lock()
	delete(o.active, final.ID)
	o.history = append(o.history, status)
	o.pruneHistoryLocked()
	o.mu.Unlock()
	close(entry.done)

	log.Info().
		Str("state", string(status.State)).
		Str("reason", status.Reason).
		Str("source", status.Source).
		Int("usable", report.Usable).
		Int("verdicts", report.Total).
		Dur("took", status.FinishedAt.Sub(status.DispatchedAt)).
		Msg("Job finished")
}

// drainCanceled waits for the branches of a canceled job so its validator
// processes are gone before the job is reported terminal. The full fan-in
// set replaces the partial view when it arrives in time.
func (o *orchestrator) drainCanceled(log zerolog.Logger, entry *activeJob, out waiter.Outcome) waiter.Outcome {
	t := time.NewTimer(o.cancelDrain)
	defer t.Stop()
	select {
	case results := <-entry.handle.FanIn():
		out.Source = waiter.SourceEvent
		out.Results = results
		out.Done = len(results)
	case <-t.C:
		log.Warn().Dur("drain", o.cancelDrain).Msg("Canceled job branches did not drain in time")
	}
	return out
}

func (o *orchestrator) Status(ctx context.Context, jobID string) (JobStatus, error) {
	o.mu.RLock()
	entry := o.active[jobID]
	finished, ok := o.lookupFinishedLocked(jobID)
	o.mu.RUnlock()

	if ok {
		return finished, nil
	}
	if entry == nil {
		return JobStatus{}, ErrJobNotFound
	}

	j := entry.snapshot()
	status := JobStatus{
		JobID:           j.ID,
		State:           j.State,
		TotalChunks:     j.TotalChunks,
		TotalCandidates: j.TotalCandidates,
		ChunkSize:       j.ChunkSize,
		Concurrency:     j.Concurrency,
		DispatchedAt:    j.DispatchedAt,
		Deadline:        j.Deadline,
		Ceiling:         j.Ceiling,
	}
	p, err := o.tracker.GetProgress(ctx, jobID)
	switch {
	case err == nil:
		status.DoneChunks = p.Done
	case errors.Is(err, progresstracker.ErrJobNotFound):
	default:
		o.log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to read job progress")
	}
	return status, nil
}

func (o *orchestrator) Wait(ctx context.Context, jobID string) (JobStatus, error) {
	o.mu.RLock()
	entry := o.active[jobID]
	o.mu.RUnlock()

	if entry != nil {
		select {
		case <-entry.done:
		case <-ctx.Done():
			return JobStatus{}, ctx.Err()
		}
	}
	return o.Status(ctx, jobID)
}

func (o *orchestrator) Cancel(jobID string) error {
	o.mu.RLock()
	entry := o.active[jobID]
	_, finished := o.lookupFinishedLocked(jobID)
	o.mu.RUnlock()

	switch {
	case finished:
		return ErrJobFinished
	case entry == nil:
		return ErrJobNotFound
	}

	o.log.Info().Str("job_id", jobID).Msg("Canceling job")
	entry.handle.Cancel()
	entry.cancel()
	return nil
}

// History returns a shallow copy of finished jobs.
func (o *orchestrator) History() []JobStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]JobStatus, len(o.history))
	copy(out, o.history)
	return out
}

func (o *orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	o.stopped = true
	entries := make([]*activeJob, 0, len(o.active))
	for _, e := range o.active {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	for _, e := range entries {
		e.handle.Cancel()
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lookupFinishedLocked finds a job in history. Caller must hold o.mu.
func (o *orchestrator) lookupFinishedLocked(jobID string) (JobStatus, bool) {
	idx, ok := o.finished[jobID]
	if !ok {
		return JobStatus{}, false
	}
	return o.history[idx], true
}

// pruneHistoryLocked prunes history both by max size and age, then rebuilds
// the id index. Caller must hold o.mu.
func (o *orchestrator) pruneHistoryLocked() {
	if o.maxHistory > 0 && len(o.history) > o.maxHistory {
		drop := len(o.history) - o.maxHistory
		clear(o.history[:drop])
		o.history = o.history[drop:]
	}

	if o.historyRetention > 0 {
		cutoff := o.now().Add(-o.historyRetention)
		idx := 0
		for idx < len(o.history) && !o.history[idx].FinishedAt.After(cutoff) {
			idx++
		}
		if idx > 0 {
			clear(o.history[:idx])
			o.history = o.history[idx:]
		}
	}

	clear(o.finished)
	for i, s := range o.history {
		o.finished[s.JobID] = i
	}
}
