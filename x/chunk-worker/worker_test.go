//go:build !windows

package chunkworker

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compose-network/proxy-validator/internal/fakevalidator"
	"github.com/compose-network/proxy-validator/x/job"
	progresstracker "github.com/compose-network/proxy-validator/x/progress-tracker"
	"github.com/compose-network/proxy-validator/x/proxy"
)

const testJobID = "job-test"

func candidates(n int) []proxy.Candidate {
	out := make([]proxy.Candidate, n)
	for i := range out {
		out[i] = proxy.Candidate{Address: fmt.Sprintf("10.0.0.%d:8080", i+1), Protocol: proxy.ProtocolHTTP}
	}
	return out
}

type fixture struct {
	cfg     Config
	tracker *progresstracker.FileTracker
	scratch string
}

func newFixture(t *testing.T, body string) *fixture {
	t.Helper()
	tracker, err := progresstracker.NewFileTracker(t.TempDir(), time.Hour, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, tracker.SetTotal(context.Background(), testJobID, 1, time.Now()))

	cfg := DefaultConfig(zerolog.Nop())
	cfg.Command = fakevalidator.Shell
	cfg.Args = fakevalidator.Args(fakevalidator.Write(t, body))
	cfg.Timeout = 5 * time.Second
	cfg.GracePeriod = 100 * time.Millisecond
	cfg.Retry = RetryPolicy{MaxAttempts: 1}
	cfg.TempDir = t.TempDir()

	return &fixture{cfg: cfg, tracker: tracker, scratch: cfg.TempDir}
}

func (f *fixture) process(t *testing.T, ctx context.Context, chunk proxy.Chunk) proxy.ChunkResult {
	t.Helper()
	w, err := New(f.cfg, f.tracker)
	require.NoError(t, err)
	return w.Process(ctx, chunk)
}

func (f *fixture) recorded(t *testing.T, chunkID int) proxy.ChunkResult {
	t.Helper()
	p, err := f.tracker.GetProgress(context.Background(), testJobID)
	require.NoError(t, err)
	r, ok := p.Summaries[chunkID]
	require.True(t, ok, "chunk %d has no progress record", chunkID)
	return r
}

func (f *fixture) assertScratchEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func chunkOf(c []proxy.Candidate) proxy.Chunk {
	return proxy.Chunk{JobID: testJobID, ChunkID: 0, Candidates: c}
}

func TestProcess_AllUsable(t *testing.T) {
	f := newFixture(t, fakevalidator.AllUsable)

	res := f.process(t, context.Background(), chunkOf(candidates(4)))

	assert.Equal(t, proxy.ChunkSuccess, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 4, res.UsableCount())
	assert.Empty(t, res.Error)
	assert.False(t, res.CompletedAt.IsZero())
	for i, v := range res.Verdicts {
		assert.Equal(t, candidates(4)[i], v.Candidate)
		assert.Equal(t, 12*time.Millisecond, v.Latency)
	}

	assert.Equal(t, res.Verdicts, f.recorded(t, 0).Verdicts)
	f.assertScratchEmpty(t)
}

func TestProcess_AbsentCandidatesAreUnusable(t *testing.T) {
	f := newFixture(t, fakevalidator.FirstOnly)

	res := f.process(t, context.Background(), chunkOf(candidates(3)))

	require.Equal(t, proxy.ChunkSuccess, res.Status)
	require.Len(t, res.Verdicts, 3)
	assert.True(t, res.Verdicts[0].Usable)
	for _, v := range res.Verdicts[1:] {
		assert.False(t, v.Usable)
		assert.Equal(t, reasonAbsent, v.Error)
	}
}

func TestProcess_CredentialsSurviveRoundTrip(t *testing.T) {
	f := newFixture(t, fakevalidator.AllUsable)
	c := []proxy.Candidate{{Address: "10.1.1.1:1080", Protocol: proxy.ProtocolSOCKS5, Username: "u", Password: "p@ss"}}

	res := f.process(t, context.Background(), chunkOf(c))

	require.Equal(t, 1, res.UsableCount())
	assert.Equal(t, c[0], res.Verdicts[0].Candidate)
}

func TestProcess_TimeoutDiscardsPartialOutputByDefault(t *testing.T) {
	f := newFixture(t, fakevalidator.FirstThenHang)
	f.cfg.Timeout = 300 * time.Millisecond

	res := f.process(t, context.Background(), chunkOf(candidates(3)))

	assert.Equal(t, proxy.ChunkTimeout, res.Status)
	assert.False(t, res.Partial)
	assert.Zero(t, res.UsableCount())
	assert.Len(t, res.Verdicts, 3)
	assert.Contains(t, res.Error, job.ErrorTypeChunkTimeout.String())
	assert.Equal(t, proxy.ChunkTimeout, f.recorded(t, 0).Status)
	f.assertScratchEmpty(t)
}

func TestProcess_TimeoutKeepsPartialOutputWhenTrusted(t *testing.T) {
	f := newFixture(t, fakevalidator.FirstThenHang)
	f.cfg.Timeout = 300 * time.Millisecond
	f.cfg.TrustPartialOutput = true

	res := f.process(t, context.Background(), chunkOf(candidates(3)))

	assert.Equal(t, proxy.ChunkTimeout, res.Status)
	assert.True(t, res.Partial)
	require.Len(t, res.Verdicts, 3)
	assert.True(t, res.Verdicts[0].Usable)
	assert.False(t, res.Verdicts[1].Usable)
	assert.Equal(t, job.ErrorTypeChunkTimeout.String(), res.Verdicts[1].Error)
}

func TestProcess_TimeoutRetriedThenSucceeds(t *testing.T) {
	cands := candidates(2)
	f := newFixture(t, "")
	f.cfg.Args = fakevalidator.Args(fakevalidator.Write(t, fakevalidator.HangOnceWhen(t, cands[0].Address)))
	f.cfg.Timeout = 300 * time.Millisecond
	f.cfg.Retry = RetryPolicy{MaxAttempts: 2, Backoff: SteppedBackoff(10 * time.Millisecond)}

	res := f.process(t, context.Background(), chunkOf(cands))

	assert.Equal(t, proxy.ChunkSuccess, res.Status)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, res.UsableCount())
	assert.Equal(t, 2, f.recorded(t, 0).Attempts)
}

func TestProcess_CrashExhaustsRetries(t *testing.T) {
	f := newFixture(t, fakevalidator.Crash)
	f.cfg.Retry = RetryPolicy{MaxAttempts: 3, Backoff: SteppedBackoff(time.Millisecond)}

	res := f.process(t, context.Background(), chunkOf(candidates(2)))

	assert.Equal(t, proxy.ChunkFailure, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Zero(t, res.UsableCount())
	assert.Contains(t, res.Error, "exited with code 3")
	assert.Contains(t, res.Error, "validator blew up")
	assert.Equal(t, proxy.ChunkFailure, f.recorded(t, 0).Status)
}

func TestProcess_MissingValidatorIsRecorded(t *testing.T) {
	f := newFixture(t, fakevalidator.AllUsable)
	f.cfg.Command = "/nonexistent/validator"

	res := f.process(t, context.Background(), chunkOf(candidates(2)))

	assert.Equal(t, proxy.ChunkFailure, res.Status)
	assert.Contains(t, res.Error, job.ErrorTypeChunkCrash.String())
	assert.Equal(t, proxy.ChunkFailure, f.recorded(t, 0).Status)
}

func TestProcess_CanceledIsRecordedWithoutRetry(t *testing.T) {
	f := newFixture(t, fakevalidator.Hang)
	f.cfg.Retry = RetryPolicy{MaxAttempts: 3}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	start := time.Now()
	res := f.process(t, ctx, chunkOf(candidates(2)))

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, proxy.ChunkFailure, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Error, job.ErrorTypeCanceled.String())
	assert.Equal(t, proxy.ChunkFailure, f.recorded(t, 0).Status)
	f.assertScratchEmpty(t)
}

func TestProcess_PanicIsClassifiedAndRecorded(t *testing.T) {
	f := newFixture(t, fakevalidator.Crash)
	f.cfg.Retry = RetryPolicy{MaxAttempts: 2, Backoff: func(int) time.Duration { panic("backoff exploded") }}

	res := f.process(t, context.Background(), chunkOf(candidates(2)))

	assert.Equal(t, proxy.ChunkFailure, res.Status)
	assert.Contains(t, res.Error, "internal fault: backoff exploded")
	assert.Len(t, res.Verdicts, 2)
	assert.Equal(t, proxy.ChunkFailure, f.recorded(t, 0).Status)
	f.assertScratchEmpty(t)
}

func TestProcess_PGIDFileRemovedAfterRun(t *testing.T) {
	f := newFixture(t, fakevalidator.AllUsable)
	f.cfg.PGIDDir = t.TempDir()

	res := f.process(t, context.Background(), chunkOf(candidates(1)))

	require.Equal(t, proxy.ChunkSuccess, res.Status)
	_, err := os.Stat(PGIDFilePath(f.cfg.PGIDDir, testJobID, 0))
	assert.True(t, os.IsNotExist(err))
}

func TestNew_Validation(t *testing.T) {
	tracker, err := progresstracker.NewFileTracker(t.TempDir(), time.Hour, zerolog.Nop())
	require.NoError(t, err)

	_, err = New(DefaultConfig(zerolog.Nop()), tracker)
	require.Error(t, err)

	cfg := DefaultConfig(zerolog.Nop())
	cfg.Command = "/bin/true"
	_, err = New(cfg, nil)
	require.Error(t, err)

	cfg.Timeout = 0
	_, err = New(cfg, tracker)
	require.Error(t, err)
}

func TestSteppedBackoff(t *testing.T) {
	b := SteppedBackoff(time.Second, 5*time.Second, 15*time.Second)
	assert.Equal(t, time.Duration(0), b(0))
	assert.Equal(t, time.Second, b(1))
	assert.Equal(t, 5*time.Second, b(2))
	assert.Equal(t, 15*time.Second, b(3))
	assert.Equal(t, 15*time.Second, b(7))
	assert.Equal(t, time.Duration(0), SteppedBackoff()(1))
}

func TestExpandArgs(t *testing.T) {
	got := expandArgs([]string{"-i", "{input}", "--out={output}", "-v"}, "/tmp/in", "/tmp/out")
	assert.Equal(t, []string{"-i", "/tmp/in", "--out=/tmp/out", "-v"}, got)
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 4}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defg"))
	assert.Equal(t, "defg", b.String())
}
