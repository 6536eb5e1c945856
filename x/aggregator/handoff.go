package aggregator

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/compose-network/proxy-validator/x/proxy"
)

// FailureReport is what the next stage receives when a job did not produce
// enough usable proxies.
type FailureReport struct {
	JobID string `json:"job_id"`
	// Reason is a job.ErrorType reason code, e.g. insufficient_results.
	Reason  string  `json:"reason"`
	Message string  `json:"message,omitempty"`
	Report  *Report `json:"report,omitempty"`
}

// Handoff is the downstream stage fed with aggregated results.
type Handoff interface {
	Success(ctx context.Context, jobID string, proxies []proxy.ValidatedProxy) error
	Failure(ctx context.Context, report FailureReport) error
}

// HandoffFuncs adapts plain functions to Handoff. Nil functions are no-ops.
type HandoffFuncs struct {
	OnSuccess func(ctx context.Context, jobID string, proxies []proxy.ValidatedProxy) error
	OnFailure func(ctx context.Context, report FailureReport) error
}

func (h HandoffFuncs) Success(ctx context.Context, jobID string, proxies []proxy.ValidatedProxy) error {
	if h.OnSuccess == nil {
		return nil
	}
	return h.OnSuccess(ctx, jobID, proxies)
}

func (h HandoffFuncs) Failure(ctx context.Context, report FailureReport) error {
	if h.OnFailure == nil {
		return nil
	}
	return h.OnFailure(ctx, report)
}

// LogHandoff logs outcomes. It is the default when no downstream stage is wired.
type LogHandoff struct {
	log zerolog.Logger
}

// NewLogHandoff creates a LogHandoff.
func NewLogHandoff(logger zerolog.Logger) *LogHandoff {
	return &LogHandoff{log: logger.With().Str("component", "handoff").Logger()}
}

func (h *LogHandoff) Success(_ context.Context, jobID string, proxies []proxy.ValidatedProxy) error {
	h.log.Info().Str("job_id", jobID).Int("usable", len(proxies)).Msg("Validated proxies handed off")
	return nil
}

func (h *LogHandoff) Failure(_ context.Context, report FailureReport) error {
	ev := h.log.Warn().Str("job_id", report.JobID).Str("reason", report.Reason).Str("message", report.Message)
	if report.Report != nil {
		ev = ev.Int("usable", report.Report.Usable).Int("verdicts", report.Report.Total)
	}
	ev.Msg("Validation failure handed off")
	return nil
}
