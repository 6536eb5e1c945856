package dispatcher

import (
	"github.com/compose-network/proxy-validator/x/proxy"
)

// ChunkCount returns ceil(n/size).
func ChunkCount(n, size int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

// Partition splits candidates into consecutive chunks: chunk i holds
// elements [i*size, (i+1)*size). Only the last chunk may be short.
// The chunks share the backing array of candidates.
func Partition(jobID string, candidates []proxy.Candidate, size int) []proxy.Chunk {
	n := ChunkCount(len(candidates), size)
	chunks := make([]proxy.Chunk, 0, n)
	for i := 0; i < n; i++ {
		lo := i * size
		hi := min(lo+size, len(candidates))
		chunks = append(chunks, proxy.Chunk{
			JobID:      jobID,
			ChunkID:    i,
			Offset:     lo,
			Candidates: candidates[lo:hi:hi],
		})
	}
	return chunks
}
