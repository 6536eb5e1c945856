package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/compose-network/proxy-validator/x/job"
	"github.com/compose-network/proxy-validator/x/proxy"
)

// Report is the merged outcome of a job. Building it from the same set of
// chunk results in any order yields the same Report.
type Report struct {
	JobID string `json:"job_id"`
	// Source is the completion path the results came from.
	Source string `json:"source"`

	Chunks   int `json:"chunks"`
	Total    int `json:"total"`
	Usable   int `json:"usable"`
	Unusable int `json:"unusable"`
	// TimedOut counts unusable verdicts that belong to timed-out chunks.
	TimedOut int `json:"timed_out"`

	FailedChunks   int `json:"failed_chunks"`
	TimedOutChunks int `json:"timed_out_chunks"`
	Retries        int `json:"retries"`

	// Proxies lists the usable proxies sorted by identity.
	Proxies []proxy.ValidatedProxy `json:"proxies"`
	// Verdicts holds one merged verdict per proxy, sorted by identity.
	Verdicts []proxy.Verdict `json:"verdicts,omitempty"`
}

// Config configures an Aggregator.
type Config struct {
	Logger zerolog.Logger
	// MinUsable is the smallest usable count reported as success.
	MinUsable int
	Handoff   Handoff
}

// DefaultConfig hands results to a LogHandoff and accepts any usable count.
func DefaultConfig(logger zerolog.Logger) Config {
	return Config{
		Logger:    logger.With().Str("component", "aggregator").Logger(),
		MinUsable: 0,
		Handoff:   NewLogHandoff(logger),
	}
}

// Aggregator merges chunk results and hands them downstream.
type Aggregator struct {
	cfg Config
	log zerolog.Logger
}

// New creates an Aggregator.
func New(cfg Config) (*Aggregator, error) {
	if cfg.MinUsable < 0 {
		return nil, errors.New("aggregator: min usable must not be negative")
	}
	if cfg.Handoff == nil {
		return nil, errors.New("aggregator: handoff is required")
	}
	return &Aggregator{cfg: cfg, log: cfg.Logger}, nil
}

// MinUsable returns the configured success threshold.
func (a *Aggregator) MinUsable() int {
	return a.cfg.MinUsable
}

// Merge builds the report for one job from the results of a single
// completion path.
func Merge(jobID, source string, results []proxy.ChunkResult) *Report {
	chunks := dedupeChunks(results)

	type entry struct {
		verdict  proxy.Verdict
		timedOut bool
	}
	byKey := make(map[string]entry)
	r := &Report{JobID: jobID, Source: source, Chunks: len(chunks), Proxies: []proxy.ValidatedProxy{}}

	for _, c := range chunks {
		switch c.Status {
		case proxy.ChunkFailure:
			r.FailedChunks++
		case proxy.ChunkTimeout:
			r.TimedOutChunks++
		}
		if c.Attempts > 1 {
			r.Retries += c.Attempts - 1
		}
		for _, v := range c.Verdicts {
			key := v.Candidate.Key()
			cur, seen := byKey[key]
			if !seen || betterVerdict(v, cur.verdict) {
				cur.verdict = v
			}
			// A proxy counts as timed out only if every sighting of it was in
			// a timed-out chunk.
			timedOut := c.Status == proxy.ChunkTimeout
			if seen {
				timedOut = timedOut && cur.timedOut
			}
			cur.timedOut = timedOut
			byKey[key] = cur
		}
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	r.Verdicts = make([]proxy.Verdict, 0, len(keys))
	for _, k := range keys {
		e := byKey[k]
		r.Verdicts = append(r.Verdicts, e.verdict)
		r.Total++
		if e.verdict.Usable {
			r.Usable++
			r.Proxies = append(r.Proxies, proxy.ValidatedProxy{
				Address:  e.verdict.Candidate.Address,
				Protocol: e.verdict.Candidate.Protocol,
				Latency:  e.verdict.Latency,
			})
			continue
		}
		r.Unusable++
		if e.timedOut {
			r.TimedOut++
		}
	}
	return r
}

// Finish merges the results of a terminal job and hands the outcome to the
// downstream stage. A complete job with fewer usable proxies than required
// becomes an insufficient_results failure. The returned error is the job's
// classified failure, or nil on success; the report is always returned.
func (a *Aggregator) Finish(ctx context.Context, jobID, source string, results []proxy.ChunkResult, jobErr error) (*Report, error) {
	report := Merge(jobID, source, results)
	log := a.log.With().Str("job_id", jobID).Str("source", source).Logger()

	failure := jobErr
	if failure == nil && report.Usable < a.cfg.MinUsable {
		failure = job.NewError(job.ErrorTypeInsufficientResults,
			fmt.Sprintf("%d usable proxies, %d required", report.Usable, a.cfg.MinUsable)).WithJob(jobID)
	}

	if failure == nil {
		log.Info().
			Int("usable", report.Usable).
			Int("unusable", report.Unusable).
			Int("timed_out", report.TimedOut).
			Int("retries", report.Retries).
			Msg("Job aggregated")
		if err := a.cfg.Handoff.Success(ctx, jobID, report.Proxies); err != nil {
			log.Error().Err(err).Msg("Downstream success handoff failed")
		}
		return report, nil
	}

	reason := "unknown"
	if t, ok := job.TypeOf(failure); ok {
		reason = t.String()
	}
	log.Warn().Err(failure).Str("reason", reason).Int("usable", report.Usable).Msg("Job failed")
	if err := a.cfg.Handoff.Failure(ctx, FailureReport{
		JobID:   jobID,
		Reason:  reason,
		Message: failure.Error(),
		Report:  report,
	}); err != nil {
		log.Error().Err(err).Msg("Downstream failure handoff failed")
	}
	return report, failure
}

// dedupeChunks keeps one result per chunk id, chosen by status rank, then
// completion time, then attempts, so the pick does not depend on input order.
func dedupeChunks(results []proxy.ChunkResult) []proxy.ChunkResult {
	best := make(map[int]proxy.ChunkResult, len(results))
	for _, r := range results {
		cur, ok := best[r.ChunkID]
		if !ok || betterChunk(r, cur) {
			best[r.ChunkID] = r
		}
	}
	ids := make([]int, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]proxy.ChunkResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, best[id])
	}
	return out
}

func betterChunk(a, b proxy.ChunkResult) bool {
	if a.Status.Rank() != b.Status.Rank() {
		return a.Status.Rank() > b.Status.Rank()
	}
	if !a.CompletedAt.Equal(b.CompletedAt) {
		return a.CompletedAt.After(b.CompletedAt)
	}
	if a.Attempts != b.Attempts {
		return a.Attempts > b.Attempts
	}
	if len(a.Verdicts) != len(b.Verdicts) {
		return len(a.Verdicts) > len(b.Verdicts)
	}
	return a.Error < b.Error
}

// betterVerdict is a strict total order on verdicts of the same proxy:
// usable first, then lower latency, then lexical tie breaks.
func betterVerdict(a, b proxy.Verdict) bool {
	if a.Usable != b.Usable {
		return a.Usable
	}
	if a.Usable && a.Latency != b.Latency {
		return a.Latency < b.Latency
	}
	if a.Error != b.Error {
		return a.Error < b.Error
	}
	if a.Candidate.Username != b.Candidate.Username {
		return a.Candidate.Username < b.Candidate.Username
	}
	if a.Candidate.Password != b.Candidate.Password {
		return a.Candidate.Password < b.Candidate.Password
	}
	return a.Latency < b.Latency
}
