package subprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoCommand is returned when Run is called without an executable.
var ErrNoCommand = errors.New("subprocess: command path is required")

// Command describes one supervised invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string

	Stdout io.Writer
	Stderr io.Writer

	// Timeout is the hard wall-clock budget; 0 disables it.
	Timeout time.Duration
	// PGIDFile, when set, receives the process group id right after start so an
	// outside supervisor can tear the group down if this process dies.
	PGIDFile string
}

// Result describes how a supervised process ended.
type Result struct {
	PID      int
	PGID     int
	ExitCode int
	TimedOut bool
	Canceled bool
	Duration time.Duration
	// Err is the error returned by Wait, nil on a clean exit.
	Err error
}

// Success reports a clean, in-budget exit.
func (r Result) Success() bool {
	return !r.TimedOut && !r.Canceled && r.Err == nil && r.ExitCode == 0
}

// Supervisor runs external tools as the sole direct child of a fresh process
// group and guarantees the whole group is gone when Run returns.
type Supervisor struct {
	log   zerolog.Logger
	grace time.Duration
	now   func() time.Time
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}
	return &Supervisor{
		log:   cfg.Logger,
		grace: cfg.GracePeriod,
		now:   cfg.Now,
	}
}

// Run starts the command and blocks until it exits, times out or ctx is done.
// Timeout and cancellation both terminate the whole process group: SIGTERM,
// grace period, then SIGKILL. After the main process is gone the group is
// swept once more so stray descendants never outlive the call.
// A non-nil error is only returned when the process could not be started.
func (s *Supervisor) Run(ctx context.Context, c Command) (Result, error) {
	if c.Path == "" {
		return Result{}, ErrNoCommand
	}
	if err := ctx.Err(); err != nil {
		return Result{Canceled: true, Err: err, ExitCode: -1}, nil
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.WaitDelay = max(s.grace, minWaitDelay)
	configureProcessGroup(cmd)

	started := s.now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("subprocess: start %s: %w", c.Path, err)
	}

	pid := cmd.Process.Pid
	res := Result{PID: pid, PGID: pid}
	log := s.log.With().Int("pid", pid).Int("pgid", pid).Str("path", c.Path).Logger()

	if c.PGIDFile != "" {
		if err := WritePGIDFile(c.PGIDFile, pid); err != nil {
			log.Warn().Err(err).Str("pgid_file", c.PGIDFile).Msg("failed to record process group")
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutC <-chan time.Time
	if c.Timeout > 0 {
		timer := time.NewTimer(c.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	log.Debug().Dur("timeout", c.Timeout).Msg("subprocess started")

	select {
	case res.Err = <-done:
	case <-timeoutC:
		res.TimedOut = true
		log.Warn().Dur("timeout", c.Timeout).Msg("subprocess exceeded budget, terminating group")
		res.Err = s.terminate(pid, done)
	case <-ctx.Done():
		res.Canceled = true
		log.Info().Msg("subprocess canceled, terminating group")
		res.Err = s.terminate(pid, done)
	}

	if err := signalGroup(pid, true); err != nil && !isNoSuchProcess(err) {
		log.Warn().Err(err).Msg("final group sweep failed")
	}
	if c.PGIDFile != "" {
		removePGIDFile(c.PGIDFile)
	}

	res.Duration = s.now().Sub(started)
	res.ExitCode = -1
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	log.Debug().
		Int("exit_code", res.ExitCode).
		Bool("timed_out", res.TimedOut).
		Bool("canceled", res.Canceled).
		Dur("duration", res.Duration).
		Msg("subprocess finished")

	return res, nil
}

// terminate asks the group to stop, waits for the grace period and then kills it.
func (s *Supervisor) terminate(pgid int, done <-chan error) error {
	if err := signalGroup(pgid, false); err != nil && !isNoSuchProcess(err) {
		s.log.Warn().Err(err).Int("pgid", pgid).Msg("SIGTERM to process group failed")
	}

	if s.grace > 0 {
		grace := time.NewTimer(s.grace)
		defer grace.Stop()
		select {
		case err := <-done:
			return err
		case <-grace.C:
		}
	}

	if err := signalGroup(pgid, true); err != nil && !isNoSuchProcess(err) {
		s.log.Warn().Err(err).Int("pgid", pgid).Msg("SIGKILL to process group failed")
	}
	return <-done
}
