package dispatcher

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/compose-network/proxy-validator/x/proxy"
)

var _ Executor = (*DropBranch)(nil)

// DropBranch wraps an Executor and loses the fan-in branch of selected
// chunks: their work runs to completion and is recorded in the tracker, but
// the result is never delivered. It models a worker whose return value is
// never collected and is used for chaos testing of the completion waiter.
// A dropped branch frees its concurrency slot once the chunk's record shows
// up in the tracker.
type DropBranch struct {
	next Executor
	drop func(proxy.Chunk) bool
	log  zerolog.Logger
}

// NewDropBranch drops the branches of chunks for which drop returns true.
func NewDropBranch(next Executor, drop func(proxy.Chunk) bool, logger zerolog.Logger) *DropBranch {
	return &DropBranch{next: next, drop: drop, log: logger.With().Str("component", "drop-branch").Logger()}
}

// DropChunkIDs is a drop predicate matching the given chunk ids.
func DropChunkIDs(ids ...int) func(proxy.Chunk) bool {
	set := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(c proxy.Chunk) bool {
		_, ok := set[c.ChunkID]
		return ok
	}
}

func (d *DropBranch) Submit(ctx context.Context, chunk proxy.Chunk) <-chan proxy.ChunkResult {
	src := d.next.Submit(ctx, chunk)
	if !d.drop(chunk) {
		return src
	}
	lost := make(chan proxy.ChunkResult)
	go func() {
		r := <-src
		d.log.Warn().Str("job_id", chunk.JobID).Int("chunk_id", chunk.ChunkID).
			Str("status", string(r.Status)).Msg("Dropping fan-in branch")
	}()
	return lost
}
