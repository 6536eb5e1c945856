package waiter

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/compose-network/proxy-validator/x/job"
	progresstracker "github.com/compose-network/proxy-validator/x/progress-tracker"
	"github.com/compose-network/proxy-validator/x/proxy"
)

// Source tells which path observed completion.
type Source string

const (
	SourceNone    Source = ""
	SourceEvent   Source = "event"
	SourcePolling Source = "polling"
)

// Outcome is the result of waiting for a job. Results always come from a
// single source; they are never stitched together from both paths.
type Outcome struct {
	State   job.State
	Source  Source
	Results []proxy.ChunkResult
	Done    int
	Total   int
	// Err is set for timed_out and failed outcomes; Results then holds
	// whatever chunks were recorded.
	Err error
}

// Waiter detects job completion through the fan-in event and, once the
// deadline passed, by polling the progress tracker.
type Waiter struct {
	cfg Config
	log zerolog.Logger
}

// New creates a Waiter.
func New(cfg Config) (*Waiter, error) {
	if cfg.Tracker == nil {
		return nil, errors.New("completion-waiter: progress tracker is required")
	}
	if err := cfg.Timing.Validate(); err != nil {
		return nil, err
	}
	if cfg.TimerFactory == nil {
		cfg.TimerFactory = SystemTimerFactory{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Waiter{cfg: cfg, log: cfg.Logger}, nil
}

// Timing returns the timeout model used for jobs without explicit bounds.
func (w *Waiter) Timing() Timing {
	return w.cfg.Timing
}

// Wait blocks until the job completes, times out at its ceiling or ctx ends.
// Deadline and ceiling are measured from the job's dispatch time; when the job
// carries none they are computed from the timing model.
func (w *Waiter) Wait(ctx context.Context, j job.ValidationJob, fanIn <-chan []proxy.ChunkResult) Outcome {
	log := w.log.With().Str("job_id", j.ID).Logger()

	deadline, ceiling := j.Deadline, j.Ceiling
	if deadline <= 0 {
		deadline = w.cfg.Timing.Deadline(j.TotalChunks, j.Concurrency)
	}
	if ceiling < deadline {
		ceiling = w.cfg.Timing.Ceiling(deadline)
	}
	elapsed := w.cfg.Now().Sub(j.DispatchedAt)

	deadlineC, deadlineTimer := after(w.cfg.TimerFactory, deadline-elapsed)
	defer deadlineTimer.Stop()
	ceilingC, ceilingTimer := after(w.cfg.TimerFactory, ceiling-elapsed)
	defer ceilingTimer.Stop()

	log.Debug().Dur("deadline", deadline).Dur("ceiling", ceiling).Dur("elapsed", elapsed).Msg("Waiting for fan-in")

	select {
	case results := <-fanIn:
		return w.complete(log, j, SourceEvent, results)
	case <-deadlineC:
	case <-ctx.Done():
		return w.canceled(ctx, log, j)
	}

	// The event path may have lost a branch while the work itself finished.
	log.Warn().
		Err(job.NewError(job.ErrorTypeEventPathLost, "fan-in did not fire before deadline").WithJob(j.ID)).
		Dur("deadline", deadline).
		Dur("poll_interval", w.cfg.Timing.PollInterval).
		Msg("Falling back to progress polling")

	var last progresstracker.Progress
	for {
		p, err := w.cfg.Tracker.GetProgress(ctx, j.ID)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("Progress poll failed")
		case p.Complete():
			return w.complete(log, j, SourcePolling, p.Results())
		default:
			last = p
			log.Debug().Int("done", p.Done).Int("total", p.Total).Msg("Job still in progress")
		}

		tickC, tick := after(w.cfg.TimerFactory, w.cfg.Timing.PollInterval)
		select {
		case results := <-fanIn:
			tick.Stop()
			return w.complete(log, j, SourceEvent, results)
		case <-tickC:
		case <-ceilingC:
			tick.Stop()
			return w.timedOut(ctx, log, j, ceiling, last)
		case <-ctx.Done():
			tick.Stop()
			return w.canceled(ctx, log, j)
		}
	}
}

func (w *Waiter) complete(log zerolog.Logger, j job.ValidationJob, src Source, results []proxy.ChunkResult) Outcome {
	log.Info().Str("source", string(src)).Int("chunks", len(results)).Msg("Job complete")
	return Outcome{
		State:   job.StateComplete,
		Source:  src,
		Results: results,
		Done:    len(results),
		Total:   j.TotalChunks,
	}
}

// timedOut gives the tracker one last look so a job finishing exactly at the
// ceiling is not reported as timed out.
func (w *Waiter) timedOut(ctx context.Context, log zerolog.Logger, j job.ValidationJob, ceiling time.Duration, last progresstracker.Progress) Outcome {
	if p, err := w.cfg.Tracker.GetProgress(ctx, j.ID); err == nil {
		if p.Complete() {
			return w.complete(log, j, SourcePolling, p.Results())
		}
		last = p
	}
	err := job.NewError(job.ErrorTypeJobTimeout, "no completion observed before ceiling "+ceiling.String()).WithJob(j.ID)
	log.Error().Err(err).Int("done", last.Done).Int("total", j.TotalChunks).Msg("Job timed out")
	return Outcome{
		State:   job.StateTimedOut,
		Source:  SourcePolling,
		Results: last.Results(),
		Done:    last.Done,
		Total:   j.TotalChunks,
		Err:     err,
	}
}

func (w *Waiter) canceled(ctx context.Context, log zerolog.Logger, j job.ValidationJob) Outcome {
	out := Outcome{
		State: job.StateFailed,
		Total: j.TotalChunks,
		Err:   job.Wrap(job.ErrorTypeCanceled, "wait canceled", ctx.Err()).WithJob(j.ID),
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if p, err := w.cfg.Tracker.GetProgress(rctx, j.ID); err == nil {
		out.Source = SourcePolling
		out.Results = p.Results()
		out.Done = p.Done
	}
	log.Info().Int("done", out.Done).Msg("Wait canceled")
	return out
}
