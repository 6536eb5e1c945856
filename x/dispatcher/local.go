package dispatcher

import (
	"context"

	"github.com/rs/zerolog"

	chunkworker "github.com/compose-network/proxy-validator/x/chunk-worker"
	"github.com/compose-network/proxy-validator/x/proxy"
)

var _ Executor = (*LocalExecutor)(nil)

// LocalExecutor runs chunks in-process on a bounded pool shared by all jobs.
type LocalExecutor struct {
	worker chunkworker.Worker
	slots  chan struct{}
	log    zerolog.Logger
}

// NewLocalExecutor runs at most maxConcurrency chunks at once across all jobs.
// A job's own Concurrency only caps its share of those slots.
func NewLocalExecutor(worker chunkworker.Worker, maxConcurrency int, logger zerolog.Logger) *LocalExecutor {
	return &LocalExecutor{
		worker: worker,
		slots:  make(chan struct{}, max(maxConcurrency, 1)),
		log:    logger.With().Str("component", "local-executor").Logger(),
	}
}

func (e *LocalExecutor) Submit(ctx context.Context, chunk proxy.Chunk) <-chan proxy.ChunkResult {
	out := make(chan proxy.ChunkResult, 1)
	go func() {
		defer close(out)
		select {
		case e.slots <- struct{}{}:
			defer func() { <-e.slots }()
		case <-ctx.Done():
			// The worker still runs so the canceled chunk gets its progress record;
			// it returns without starting the validator.
		}
		e.log.Debug().Str("job_id", chunk.JobID).Int("chunk_id", chunk.ChunkID).Msg("Running chunk")
		out <- e.worker.Process(ctx, chunk)
	}()
	return out
}
