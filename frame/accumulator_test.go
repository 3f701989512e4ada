package frame

import (
	"testing"
	"time"
)

// counting returns blocks of the given sizes whose samples are numbered
// consecutively from 0, so gaps and duplicates are easy to spot.
func counting(sizes ...int) [][]float32 {
	var blocks [][]float32
	next := 0
	for _, size := range sizes {
		block := make([]float32, size)
		for i := range block {
			block[i] = float32(next)
			next++
		}
		blocks = append(blocks, block)
	}
	return blocks
}

func TestChunkSizeFor(t *testing.T) {
	tests := []struct {
		rate     float64
		duration time.Duration
		want     int
	}{
		{48000, time.Second, 48000},
		{44100, time.Second, 44100},
		{44100, 500 * time.Millisecond, 22050},
		{16000, 20 * time.Millisecond, 320},
	}
	for _, tt := range tests {
		if got := ChunkSizeFor(tt.rate, tt.duration); got != tt.want {
			t.Errorf("ChunkSizeFor(%v, %v) = %d, want %d", tt.rate, tt.duration, got, tt.want)
		}
	}
}

func TestNewAccumulatorRejectsZero(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewAccumulator(0) should panic")
		}
	}()
	NewAccumulator(0)
}

func TestIngestBelowChunkSize(t *testing.T) {
	acc := NewAccumulator(10)
	if chunks := acc.Ingest(make([]float32, 9)); len(chunks) != 0 {
		t.Fatalf("got %d chunks, want 0", len(chunks))
	}
	if acc.Pending() != 9 {
		t.Errorf("Pending() = %d, want 9", acc.Pending())
	}
}

func TestIngestPreservesEverySample(t *testing.T) {
	tests := []struct {
		name      string
		chunkSize int
		sizes     []int
	}{
		{"exact blocks", 4, []int{4, 4, 4}},
		{"small blocks", 10, []int{3, 3, 3, 3, 3, 3, 3, 3, 3, 3}},
		{"one big block", 5, []int{25}},
		{"ragged", 7, []int{1, 13, 2, 5, 0, 6, 8, 7}},
		{"device sized", 4410, []int{4096, 4096, 4096, 4096, 4096, 4096, 4096, 4096, 4096, 4096, 4096, 4096, 4096, 4096, 4096, 4096, 4096, 4096, 4096, 4096, 4096, 2184}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := NewAccumulator(tt.chunkSize)
			total := 0
			var out []float32
			chunkCount := 0

			for _, block := range counting(tt.sizes...) {
				total += len(block)
				for _, chunk := range acc.Ingest(block) {
					if len(chunk) != tt.chunkSize {
						t.Fatalf("chunk length = %d, want %d", len(chunk), tt.chunkSize)
					}
					out = append(out, chunk...)
					chunkCount++
				}
			}

			if total%tt.chunkSize != 0 {
				t.Fatalf("bad fixture: total %d not a multiple of %d", total, tt.chunkSize)
			}
			if chunkCount != total/tt.chunkSize {
				t.Errorf("chunk count = %d, want %d", chunkCount, total/tt.chunkSize)
			}
			if acc.Pending() != 0 {
				t.Errorf("Pending() = %d, want 0", acc.Pending())
			}
			for i, v := range out {
				if v != float32(i) {
					t.Fatalf("sample %d = %v, want %d", i, v, i)
				}
			}
		})
	}
}

func TestIngestResidualCompletes(t *testing.T) {
	acc := NewAccumulator(10)
	blocks := counting(6, 7, 3)

	var out []float32
	for _, block := range blocks[:2] {
		for _, chunk := range acc.Ingest(block) {
			out = append(out, chunk...)
		}
	}
	if acc.Pending() != 13%10 {
		t.Fatalf("Pending() = %d, want %d", acc.Pending(), 13%10)
	}

	// 3 pending + 3 new is still short of a chunk.
	if chunks := acc.Ingest(blocks[2]); len(chunks) != 0 {
		t.Fatalf("got %d chunks, want 0", len(chunks))
	}
	rest := make([]float32, 4)
	for i := range rest {
		rest[i] = float32(16 + i)
	}
	chunks := acc.Ingest(rest)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	out = append(out, chunks[0]...)

	for i, v := range out {
		if v != float32(i) {
			t.Fatalf("sample %d = %v, want %d", i, v, i)
		}
	}
}

func TestIngestCopiesInput(t *testing.T) {
	acc := NewAccumulator(4)
	block := []float32{1, 2, 3}
	acc.Ingest(block)
	block[0] = 99

	chunks := acc.Ingest([]float32{4})
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0][0] != 1 {
		t.Errorf("chunk[0] = %v, want 1", chunks[0][0])
	}
}

func TestChunksAreIndependent(t *testing.T) {
	acc := NewAccumulator(2)
	chunks := acc.Ingest([]float32{1, 2, 3, 4})
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	chunks[0][1] = 42
	if chunks[1][0] != 3 {
		t.Errorf("writing one chunk changed another: %v", chunks[1])
	}
}

func TestReset(t *testing.T) {
	acc := NewAccumulator(8)
	acc.Ingest(make([]float32, 5))
	acc.Reset()

	if acc.Pending() != 0 {
		t.Errorf("Pending() after Reset = %d, want 0", acc.Pending())
	}
	if chunks := acc.Ingest(make([]float32, 7)); len(chunks) != 0 {
		t.Errorf("Reset left samples behind: got %d chunks", len(chunks))
	}
}

func TestStats(t *testing.T) {
	acc := NewAccumulator(3)
	acc.Ingest(make([]float32, 7))
	stats := acc.Stats()
	if stats.ChunksEmitted != 2 || stats.Pending != 1 || stats.ChunkSize != 3 {
		t.Errorf("Stats() = %+v", stats)
	}
}
