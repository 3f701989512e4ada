// Package frame cuts a stream of arbitrarily sized capture blocks into
// chunks of a fixed number of samples.
package frame

import (
	"fmt"
	"math"
	"time"
)

// ChunkSizeFor returns the number of samples in one chunk of the given
// duration at sampleRate.
func ChunkSizeFor(sampleRate float64, duration time.Duration) int {
	return int(math.Round(sampleRate * duration.Seconds()))
}

// Accumulator holds captured blocks until enough samples are pending to
// emit a chunk. It is not safe for concurrent use.
type Accumulator struct {
	chunkSize int
	pending   [][]float32
	length    int

	chunksEmitted uint64
}

// Stats describes an accumulator's progress.
type Stats struct {
	ChunkSize     int    `json:"chunk_size"`
	Pending       int    `json:"pending_samples"`
	ChunksEmitted uint64 `json:"chunks_emitted"`
}

func NewAccumulator(chunkSize int) *Accumulator {
	if chunkSize <= 0 {
		panic(fmt.Sprintf("frame: chunk size must be positive, got %d", chunkSize))
	}
	return &Accumulator{chunkSize: chunkSize}
}

func (a *Accumulator) ChunkSize() int {
	return a.chunkSize
}

// Pending is the number of samples held back for the next chunk.
func (a *Accumulator) Pending() int {
	return a.length
}

// Ingest queues a copy of block and returns every chunk that can now be
// completed, oldest first. Samples that do not fill a chunk stay pending.
func (a *Accumulator) Ingest(block []float32) [][]float32 {
	if len(block) > 0 {
		owned := make([]float32, len(block))
		copy(owned, block)
		a.pending = append(a.pending, owned)
		a.length += len(owned)
	}

	var chunks [][]float32
	for a.length >= a.chunkSize {
		chunks = append(chunks, a.take())
	}
	return chunks
}

// take pops exactly chunkSize samples off the front of the queue. A block
// that is only partly used has its tail put back at the front.
func (a *Accumulator) take() []float32 {
	chunk := make([]float32, a.chunkSize)
	offset := 0

	for offset < a.chunkSize {
		piece := a.pending[0]
		a.pending[0] = nil
		a.pending = a.pending[1:]

		n := copy(chunk[offset:], piece)
		offset += n

		if n < len(piece) {
			a.pending = append([][]float32{piece[n:]}, a.pending...)
		}
	}

	a.length -= a.chunkSize
	a.chunksEmitted++
	return chunk
}

// Reset discards everything pending.
func (a *Accumulator) Reset() {
	a.pending = nil
	a.length = 0
}

func (a *Accumulator) Stats() Stats {
	return Stats{
		ChunkSize:     a.chunkSize,
		Pending:       a.length,
		ChunksEmitted: a.chunksEmitted,
	}
}
