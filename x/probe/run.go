package probe

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/compose-network/proxy-validator/x/proxy"
)

// Sink receives verdicts as they are produced. Emit is never called concurrently.
type Sink interface {
	Emit(v proxy.Verdict) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(v proxy.Verdict) error

func (f SinkFunc) Emit(v proxy.Verdict) error { return f(v) }

// Run probes every candidate with bounded concurrency and paced starts,
// emitting each verdict as soon as it is known. A sink error or ctx ending
// stops the run; verdicts already emitted stay emitted.
func (p *Prober) Run(ctx context.Context, candidates []proxy.Candidate, sink Sink) error {
	var limiter *rate.Limiter
	if p.cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.cfg.Rate), p.cfg.Burst)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	var mu sync.Mutex
	usable := 0
	for _, c := range candidates {
		if limiter != nil {
			if err := limiter.Wait(gctx); err != nil {
				break
			}
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			v := p.Check(gctx, c)
			if gctx.Err() != nil {
				// Verdicts from an aborted run are not trustworthy.
				return gctx.Err()
			}
			mu.Lock()
			defer mu.Unlock()
			if v.Usable {
				usable++
			}
			return sink.Emit(v)
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	p.cfg.Logger.Info().
		Int("candidates", len(candidates)).
		Int("usable", usable).
		Err(err).
		Msg("Probe run finished")
	return err
}

// JSONLines writes one output record per verdict and flushes buffered
// writers after each, so a killed run leaves every finished verdict behind.
type JSONLines struct {
	w   io.Writer
	enc *json.Encoder
}

type flusher interface{ Flush() error }

func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{w: w, enc: json.NewEncoder(w)}
}

func (j *JSONLines) Emit(v proxy.Verdict) error {
	if err := j.enc.Encode(proxy.NewOutputRecord(v)); err != nil {
		return err
	}
	if f, ok := j.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}
