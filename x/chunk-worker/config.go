package chunkworker

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/compose-network/proxy-validator/x/subprocess"
)

const (
	// DefaultTimeout is the wall-clock budget of one validator run.
	DefaultTimeout = 120 * time.Second

	// InputPlaceholder and OutputPlaceholder are substituted in Args.
	InputPlaceholder  = "{input}"
	OutputPlaceholder = "{output}"

	defaultRecordAttempts = 3
	defaultRecordTimeout  = 10 * time.Second
)

// DefaultArgs is the validator argument template.
var DefaultArgs = []string{"--input", InputPlaceholder, "--output", OutputPlaceholder}

// Config configures a Worker.
type Config struct {
	Logger zerolog.Logger

	// Command is the validator executable.
	Command string
	// Args is the argument template; {input} and {output} are replaced with
	// the per-run file paths.
	Args []string
	// Env is appended to the worker's own environment.
	Env []string

	Timeout     time.Duration
	GracePeriod time.Duration

	// TrustPartialOutput keeps verdicts flushed by a validator that timed out
	// or crashed. When false such output is discarded.
	TrustPartialOutput bool

	Retry RetryPolicy

	// TempDir is where per-run scratch directories are created; empty means os.TempDir.
	TempDir string
	// PGIDDir, when set, receives one pgid file per running chunk so a parent
	// process can kill the validator group if this worker dies.
	PGIDDir string

	// RecordAttempts bounds progress tracker write attempts.
	RecordAttempts int
	RecordTimeout  time.Duration

	Now func() time.Time
}

// DefaultConfig returns a config with defaults for every optional field.
func DefaultConfig(logger zerolog.Logger) Config {
	return Config{
		Logger:         logger.With().Str("component", "chunk-worker").Logger(),
		Args:           append([]string(nil), DefaultArgs...),
		Timeout:        DefaultTimeout,
		GracePeriod:    subprocess.DefaultGracePeriod,
		Retry:          DefaultRetryPolicy(),
		RecordAttempts: defaultRecordAttempts,
		RecordTimeout:  defaultRecordTimeout,
		Now:            time.Now,
	}
}

// Validate checks the mandatory fields.
func (c Config) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("chunk-worker: validator command is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("chunk-worker: timeout must be positive, got %s", c.Timeout)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("chunk-worker: grace period must not be negative")
	}
	return nil
}

// PGIDFilePath is where the worker records the validator group of a chunk.
func PGIDFilePath(dir, jobID string, chunkID int) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%d.pgid", jobID, chunkID))
}
