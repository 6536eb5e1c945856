package progresstracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/compose-network/proxy-validator/x/proxy"
)

const (
	jobFileName     = "job.json"
	chunkFilePrefix = "chunk-"
	chunkFileSuffix = ".json"
)

var _ Tracker = (*FileTracker)(nil)

type jobRecord struct {
	JobID        string    `json:"job_id"`
	Total        int       `json:"total"`
	DispatchedAt time.Time `json:"dispatched_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FileTracker keeps progress in a directory shared by every worker process.
// Each chunk owns its own file, so concurrent workers never write the same path.
type FileTracker struct {
	root      string
	retention time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

// NewFileTracker creates the root directory if needed.
func NewFileTracker(root string, retention time.Duration, log zerolog.Logger) (*FileTracker, error) {
	if root == "" {
		return nil, errors.New("progress-tracker: file root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("progress-tracker: create root %s: %w", root, err)
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &FileTracker{
		root:      root,
		retention: retention,
		log:       log.With().Str("component", "progress-tracker").Str("backend", BackendFile).Logger(),
		now:       time.Now,
	}, nil
}

func (t *FileTracker) jobDir(jobID string) string {
	return filepath.Join(t.root, jobID)
}

func (t *FileTracker) SetTotal(ctx context.Context, jobID string, total int, dispatchedAt time.Time) error {
	if !validJobID(jobID) {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := jobRecord{JobID: jobID, Total: total, DispatchedAt: dispatchedAt, UpdatedAt: t.now()}
	if err := writeJSONAtomic(filepath.Join(t.jobDir(jobID), jobFileName), rec); err != nil {
		return fmt.Errorf("progress-tracker: set total for %s: %w", jobID, err)
	}
	return nil
}

func (t *FileTracker) MarkDone(ctx context.Context, jobID string, chunkID int, result proxy.ChunkResult) error {
	if !validJobID(jobID) {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	if chunkID < 0 {
		return fmt.Errorf("progress-tracker: negative chunk id %d", chunkID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	name := chunkFilePrefix + strconv.Itoa(chunkID) + chunkFileSuffix
	if err := writeJSONAtomic(filepath.Join(t.jobDir(jobID), name), result); err != nil {
		return fmt.Errorf("progress-tracker: mark chunk %s/%d done: %w", jobID, chunkID, err)
	}
	return nil
}

func (t *FileTracker) GetProgress(ctx context.Context, jobID string) (Progress, error) {
	if !validJobID(jobID) {
		return Progress{}, fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	if err := ctx.Err(); err != nil {
		return Progress{}, err
	}

	dir := t.jobDir(jobID)
	var rec jobRecord
	if err := readJSON(filepath.Join(dir, jobFileName), &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Progress{}, ErrJobNotFound
		}
		return Progress{}, fmt.Errorf("progress-tracker: read job %s: %w", jobID, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return Progress{}, fmt.Errorf("progress-tracker: list %s: %w", dir, err)
	}

	progress := newProgress(rec.Total, rec.DispatchedAt)
	for _, e := range entries {
		chunkID, ok := parseChunkFileName(e.Name())
		if !ok {
			continue
		}
		var r proxy.ChunkResult
		if err := readJSON(filepath.Join(dir, e.Name()), &r); err != nil {
			t.log.Warn().Err(err).Str("job_id", jobID).Int("chunk_id", chunkID).Msg("ignoring unreadable progress record")
			continue
		}
		progress.add(chunkID, r)
	}
	return progress, nil
}

// Prune removes job directories whose last write is older than the retention
// window and returns how many were removed.
func (t *FileTracker) Prune(now time.Time) (int, error) {
	entries, err := os.ReadDir(t.root)
	if err != nil {
		return 0, fmt.Errorf("progress-tracker: list root: %w", err)
	}

	cutoff := now.Add(-t.retention)
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || !validJobID(e.Name()) {
			continue
		}
		dir := filepath.Join(t.root, e.Name())
		last, err := lastWrite(dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if last.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		t.log.Debug().Int("removed", removed).Dur("retention", t.retention).Msg("Pruned expired progress records")
	}
	return removed, errors.Join(errs...)
}

func (t *FileTracker) Close() error { return nil }

func lastWrite(dir string) (time.Time, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, err
	}
	last := info.ModTime()
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().After(last) {
			last = fi.ModTime()
		}
	}
	return last, nil
}

func parseChunkFileName(name string) (int, bool) {
	if !strings.HasPrefix(name, chunkFilePrefix) || !strings.HasSuffix(name, chunkFileSuffix) {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, chunkFilePrefix), chunkFileSuffix))
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
