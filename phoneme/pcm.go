package phoneme

import (
	"encoding/binary"
	"math"
)

// EncodePCM lays samples out as little-endian IEEE 754 float32, the
// format of every binary frame.
func EncodePCM(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// DecodePCM is the inverse of EncodePCM. Trailing bytes that do not make
// a whole sample are ignored.
func DecodePCM(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
