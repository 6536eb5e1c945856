package dispatcher

import (
	"context"

	"github.com/compose-network/proxy-validator/x/proxy"
)

// Executor runs one chunk somewhere: in-process, in a worker process, on
// another host.
type Executor interface {
	// Submit starts the chunk and returns a channel that yields at most one
	// result and is then closed. A channel closed without a value is treated
	// as a crashed branch.
	Submit(ctx context.Context, chunk proxy.Chunk) <-chan proxy.ChunkResult
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, chunk proxy.Chunk) <-chan proxy.ChunkResult

func (f ExecutorFunc) Submit(ctx context.Context, chunk proxy.Chunk) <-chan proxy.ChunkResult {
	return f(ctx, chunk)
}

// Options are the per-job overrides accepted at submission.
type Options struct {
	ChunkSize   int `json:"chunk_size,omitempty"`
	Concurrency int `json:"concurrency,omitempty"`
}
