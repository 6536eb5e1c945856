package chunkworker

import (
	"context"

	"github.com/compose-network/proxy-validator/x/proxy"
)

// Worker validates one chunk with the external validator.
//
// Process never returns an error: every outcome, including a crashed or
// canceled validator and an internal fault, is classified into the returned
// ChunkResult, and the result is recorded in the progress tracker before
// Process returns.
type Worker interface {
	Process(ctx context.Context, chunk proxy.Chunk) proxy.ChunkResult
}
