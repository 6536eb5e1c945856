package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	chunkworker "github.com/compose-network/proxy-validator/x/chunk-worker"
	"github.com/compose-network/proxy-validator/x/job"
	progresstracker "github.com/compose-network/proxy-validator/x/progress-tracker"
	"github.com/compose-network/proxy-validator/x/proxy"
	"github.com/compose-network/proxy-validator/x/subprocess"
)

const (
	chunkFileName  = "chunk.json"
	resultFileName = "result.json"
	pgidDirName    = "pgid"
)

// ProcessConfig configures a ProcessExecutor.
type ProcessConfig struct {
	Logger zerolog.Logger
	// Executable is the worker binary; defaults to the running executable.
	Executable string
	// Args precede the per-chunk flags, e.g. ["worker", "--config", "cfg.yaml"].
	Args []string
	// WorkDir holds per-chunk exchange files.
	WorkDir string
	Tracker progresstracker.Tracker
	// Timeout bounds a whole worker process, retries included.
	Timeout        time.Duration
	GracePeriod    time.Duration
	MaxConcurrency int
}

var _ Executor = (*ProcessExecutor)(nil)

// ProcessExecutor runs every chunk in its own worker process:
//
//	<exe> <args...> --chunk-file F --result-file R --pgid-dir D
//
// The worker records the process group of each validator it starts in D. If
// the worker dies without leaving a result, those groups are killed and a
// ChunkCrash result is recorded on its behalf.
type ProcessExecutor struct {
	cfg   ProcessConfig
	sup   *subprocess.Supervisor
	slots chan struct{}
	log   zerolog.Logger
}

// NewProcessExecutor validates cfg and prepares the work directory.
func NewProcessExecutor(cfg ProcessConfig) (*ProcessExecutor, error) {
	if cfg.Tracker == nil {
		return nil, errors.New("dispatcher: process executor needs a progress tracker")
	}
	if cfg.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("dispatcher: resolve worker executable: %w", err)
		}
		cfg.Executable = exe
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "proxy-validator-work")
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("dispatcher: create work dir: %w", err)
	}

	log := cfg.Logger.With().Str("component", "process-executor").Logger()
	supCfg := subprocess.DefaultConfig(log)
	supCfg.GracePeriod = cfg.GracePeriod

	return &ProcessExecutor{
		cfg:   cfg,
		sup:   subprocess.New(supCfg),
		slots: make(chan struct{}, max(cfg.MaxConcurrency, 1)),
		log:   log,
	}, nil
}

func (e *ProcessExecutor) Submit(ctx context.Context, chunk proxy.Chunk) <-chan proxy.ChunkResult {
	out := make(chan proxy.ChunkResult, 1)
	go func() {
		defer close(out)
		select {
		case e.slots <- struct{}{}:
			defer func() { <-e.slots }()
		case <-ctx.Done():
		}
		out <- e.run(ctx, chunk)
	}()
	return out
}

func (e *ProcessExecutor) run(ctx context.Context, chunk proxy.Chunk) proxy.ChunkResult {
	log := e.log.With().Str("job_id", chunk.JobID).Int("chunk_id", chunk.ChunkID).Logger()

	dir := filepath.Join(e.cfg.WorkDir, fmt.Sprintf("%s-%d", chunk.JobID, chunk.ChunkID))
	pgidDir := filepath.Join(dir, pgidDirName)
	if err := os.MkdirAll(pgidDir, 0o755); err != nil {
		return e.recordCrash(ctx, log, chunk, fmt.Errorf("create chunk dir: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Failed to remove chunk dir")
		}
	}()

	chunkFile := filepath.Join(dir, chunkFileName)
	resultFile := filepath.Join(dir, resultFileName)
	if err := chunkworker.WriteChunkFile(chunkFile, chunk); err != nil {
		return e.recordCrash(ctx, log, chunk, fmt.Errorf("write chunk file: %w", err))
	}

	args := append(append([]string(nil), e.cfg.Args...),
		"--chunk-file", chunkFile,
		"--result-file", resultFile,
		"--pgid-dir", pgidDir,
	)
	run, err := e.sup.Run(ctx, subprocess.Command{
		Path:    e.cfg.Executable,
		Args:    args,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Timeout: e.cfg.Timeout,
	})
	if err != nil {
		return e.recordCrash(ctx, log, chunk, err)
	}

	// A result file is only ever complete, so it is trusted whatever the exit.
	if r, rerr := chunkworker.ReadResultFile(resultFile); rerr == nil {
		return r
	}

	killed := reapValidatorGroups(log, pgidDir)
	log.Warn().
		Int("exit_code", run.ExitCode).
		Bool("timed_out", run.TimedOut).
		Bool("canceled", run.Canceled).
		Int("validator_groups_killed", killed).
		Msg("Worker process ended without a result")

	cause := fmt.Errorf("worker process exited with code %d", run.ExitCode)
	if run.Err != nil {
		cause = fmt.Errorf("%w: %v", cause, run.Err)
	}
	return e.recordCrash(ctx, log, chunk, cause)
}

// recordCrash prefers whatever the worker managed to record before it died
// and otherwise records a crash result for the chunk.
func (e *ProcessExecutor) recordCrash(ctx context.Context, log zerolog.Logger, chunk proxy.Chunk, cause error) proxy.ChunkResult {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if p, err := e.cfg.Tracker.GetProgress(rctx, chunk.JobID); err == nil {
		if r, ok := p.Summaries[chunk.ChunkID]; ok {
			log.Info().Str("status", string(r.Status)).Msg("Using progress record left by the worker")
			return r
		}
	}

	t := job.ErrorTypeChunkCrash
	if ctx.Err() != nil {
		t = job.ErrorTypeCanceled
	}
	r := Unusable(chunk, proxy.ChunkFailure, job.Wrap(t, "worker process lost", cause))
	r.Attempts = 1
	if err := e.cfg.Tracker.MarkDone(rctx, chunk.JobID, chunk.ChunkID, r); err != nil {
		log.Error().Err(err).Msg("Failed to record crashed chunk")
	}
	return r
}

// reapValidatorGroups kills every validator group a dead worker left behind.
func reapValidatorGroups(log zerolog.Logger, pgidDir string) int {
	files, err := filepath.Glob(filepath.Join(pgidDir, "*.pgid"))
	if err != nil {
		return 0
	}
	killed := 0
	for _, f := range files {
		ok, err := subprocess.KillGroupFromFile(f)
		if err != nil {
			log.Warn().Err(err).Str("pgid_file", f).Msg("Failed to kill orphaned validator group")
			continue
		}
		if ok {
			killed++
		}
	}
	return killed
}
