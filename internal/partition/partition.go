// Package partition splits a request list into per-worker chunks and
// optionally breaks oversized images into strips beforehand.
package partition

import (
	"mediashrink/internal/media"
)

// Chunk is a contiguous run of requests owned by exactly one worker.
type Chunk struct {
	Index    int
	Requests []media.Request
}

// ChunkSize returns ceil(total/workers), the number of items per chunk.
func ChunkSize(total, workers int) int {
	if total <= 0 {
		return 0
	}
	if workers < 1 {
		workers = 1
	}
	return (total + workers - 1) / workers
}

// Partition splits reqs into at most workers non-empty chunks of
// ChunkSize(len(reqs), workers) items; the last chunk may be shorter.
func Partition(reqs []media.Request, workers int) []Chunk {
	size := ChunkSize(len(reqs), workers)
	if size == 0 {
		return nil
	}
	chunks := make([]Chunk, 0, (len(reqs)+size-1)/size)
	for start := 0; start < len(reqs); start += size {
		end := start + size
		if end > len(reqs) {
			end = len(reqs)
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Requests: reqs[start:end]})
	}
	return chunks
}
