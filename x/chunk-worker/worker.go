package chunkworker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/compose-network/proxy-validator/x/job"
	progresstracker "github.com/compose-network/proxy-validator/x/progress-tracker"
	"github.com/compose-network/proxy-validator/x/proxy"
	"github.com/compose-network/proxy-validator/x/subprocess"
)

const (
	inputFileName  = "input.txt"
	outputFileName = "output.jsonl"
	stderrTailSize = 2048
)

var _ Worker = (*worker)(nil)

type worker struct {
	cfg     Config
	tracker progresstracker.Tracker
	sup     *subprocess.Supervisor
	log     zerolog.Logger
}

// New creates a Worker that records every chunk outcome in tracker.
func New(cfg Config, tracker progresstracker.Tracker) (Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tracker == nil {
		return nil, errors.New("chunk-worker: progress tracker is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if len(cfg.Args) == 0 {
		cfg.Args = append([]string(nil), DefaultArgs...)
	}
	if cfg.RecordAttempts < 1 {
		cfg.RecordAttempts = defaultRecordAttempts
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = defaultRecordTimeout
	}

	supCfg := subprocess.DefaultConfig(cfg.Logger)
	supCfg.GracePeriod = cfg.GracePeriod
	supCfg.Now = cfg.Now

	return &worker{
		cfg:     cfg,
		tracker: tracker,
		sup:     subprocess.New(supCfg),
		log:     cfg.Logger,
	}, nil
}

func (w *worker) Process(ctx context.Context, chunk proxy.Chunk) (res proxy.ChunkResult) {
	log := w.log.With().Str("job_id", chunk.JobID).Int("chunk_id", chunk.ChunkID).Logger()
	attempt := 0

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int("attempt", attempt).Msg("chunk worker panicked")
			res = w.unusable(chunk, proxy.ChunkFailure,
				job.NewError(job.ErrorTypeChunkCrash, fmt.Sprintf("internal fault: %v", r)))
			res.Attempts = attempt
		}
		res.CompletedAt = w.cfg.Now()
		w.record(ctx, log, res)
	}()

	maxAttempts := w.cfg.Retry.attempts()
	for attempt = 1; ; attempt++ {
		res = w.runOnce(ctx, log.With().Int("attempt", attempt).Logger(), chunk)
		res.Attempts = attempt

		if res.Status == proxy.ChunkSuccess {
			return res
		}
		if ctx.Err() != nil {
			log.Info().Str("status", string(res.Status)).Msg("chunk canceled, not retrying")
			return res
		}
		if attempt >= maxAttempts {
			log.Warn().Str("status", string(res.Status)).Str("error", res.Error).
				Msg("chunk attempts exhausted, recording as unusable")
			return res
		}

		delay := w.cfg.Retry.delay(attempt)
		log.Warn().Str("status", string(res.Status)).Str("error", res.Error).Dur("backoff", delay).
			Msg("chunk attempt failed, retrying")
		if !sleepCtx(ctx, delay) {
			return res
		}
	}
}

// runOnce performs one validator run inside a scratch directory that is
// removed on every exit path.
func (w *worker) runOnce(ctx context.Context, log zerolog.Logger, chunk proxy.Chunk) proxy.ChunkResult {
	dir, err := os.MkdirTemp(w.cfg.TempDir, fmt.Sprintf("chunk-%s-%d-*", chunk.JobID, chunk.ChunkID))
	if err != nil {
		return w.unusable(chunk, proxy.ChunkFailure, job.Wrap(job.ErrorTypeChunkCrash, "create scratch dir", err))
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("failed to remove scratch dir")
		}
	}()

	input := filepath.Join(dir, inputFileName)
	output := filepath.Join(dir, outputFileName)
	if err := writeInputFile(input, chunk.Candidates); err != nil {
		return w.unusable(chunk, proxy.ChunkFailure, job.Wrap(job.ErrorTypeChunkCrash, "write validator input", err))
	}

	stderr := &tailBuffer{limit: stderrTailSize}
	cmd := subprocess.Command{
		Path:    w.cfg.Command,
		Args:    expandArgs(w.cfg.Args, input, output),
		Env:     append(os.Environ(), w.cfg.Env...),
		Stderr:  stderr,
		Timeout: w.cfg.Timeout,
	}
	if w.cfg.PGIDDir != "" {
		cmd.PGIDFile = PGIDFilePath(w.cfg.PGIDDir, chunk.JobID, chunk.ChunkID)
	}

	run, err := w.sup.Run(ctx, cmd)
	if err != nil {
		return w.unusable(chunk, proxy.ChunkFailure, job.Wrap(job.ErrorTypeChunkCrash, "start validator", err))
	}

	switch {
	case run.Success():
		records, skipped := readOutputFile(log, output)
		if skipped > 0 {
			log.Warn().Int("skipped", skipped).Msg("validator output had unreadable lines")
		}
		log.Debug().Int("records", len(records)).Dur("duration", run.Duration).Msg("validator finished")
		return proxy.ChunkResult{
			JobID:    chunk.JobID,
			ChunkID:  chunk.ChunkID,
			Status:   proxy.ChunkSuccess,
			Verdicts: buildVerdicts(chunk.Candidates, records, reasonAbsent),
		}
	case run.Canceled:
		return w.partial(log, chunk, proxy.ChunkFailure, output,
			job.Wrap(job.ErrorTypeCanceled, "validator canceled", ctx.Err()))
	case run.TimedOut:
		return w.partial(log, chunk, proxy.ChunkTimeout, output,
			job.NewError(job.ErrorTypeChunkTimeout, fmt.Sprintf("validator exceeded %s", w.cfg.Timeout)))
	default:
		msg := fmt.Sprintf("validator exited with code %d", run.ExitCode)
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			msg += ": " + lastLine(tail)
		}
		return w.partial(log, chunk, proxy.ChunkFailure, output, job.Wrap(job.ErrorTypeChunkCrash, msg, run.Err))
	}
}

// partial builds the result of a run that did not finish cleanly, keeping
// already flushed verdicts only when configured to.
func (w *worker) partial(log zerolog.Logger, chunk proxy.Chunk, status proxy.ChunkStatus, output string, cause *job.Error) proxy.ChunkResult {
	cause = cause.WithJob(chunk.JobID).WithChunk(chunk.ChunkID)
	if !w.cfg.TrustPartialOutput {
		return w.unusable(chunk, status, cause)
	}

	records, _ := readOutputFile(log, output)
	res := proxy.ChunkResult{
		JobID:    chunk.JobID,
		ChunkID:  chunk.ChunkID,
		Status:   status,
		Partial:  len(records) > 0,
		Verdicts: buildVerdicts(chunk.Candidates, records, cause.Type.String()),
		Error:    cause.Error(),
	}
	log.Info().Int("flushed", len(records)).Msg("kept partial validator output")
	return res
}

func (w *worker) unusable(chunk proxy.Chunk, status proxy.ChunkStatus, cause *job.Error) proxy.ChunkResult {
	cause = cause.WithJob(chunk.JobID).WithChunk(chunk.ChunkID)
	return proxy.ChunkResult{
		JobID:    chunk.JobID,
		ChunkID:  chunk.ChunkID,
		Status:   status,
		Verdicts: buildVerdicts(chunk.Candidates, nil, cause.Type.String()),
		Error:    cause.Error(),
	}
}

// record writes the progress record, surviving cancellation of ctx so that a
// canceled chunk is still observable by the polling path.
func (w *worker) record(ctx context.Context, log zerolog.Logger, res proxy.ChunkResult) {
	base := context.WithoutCancel(ctx)
	var err error
	for i := 1; i <= w.cfg.RecordAttempts; i++ {
		rctx, cancel := context.WithTimeout(base, w.cfg.RecordTimeout)
		err = w.tracker.MarkDone(rctx, res.JobID, res.ChunkID, res)
		cancel()
		if err == nil {
			return
		}
		log.Warn().Err(err).Int("record_attempt", i).Msg("failed to record chunk progress")
		if i < w.cfg.RecordAttempts {
			sleepCtx(base, time.Duration(i)*100*time.Millisecond)
		}
	}
	log.Error().Err(err).Msg("chunk progress could not be recorded; only the event path will see this chunk")
}

func expandArgs(tmpl []string, input, output string) []string {
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		a = strings.ReplaceAll(a, InputPlaceholder, input)
		out[i] = strings.ReplaceAll(a, OutputPlaceholder, output)
	}
	return out
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
