// Package resample converts mono sample blocks between sample rates.
package resample

import (
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampler"
)

// Func converts a block captured at inRate into a block at outRate.
type Func func(in []float32, inRate, outRate float64) []float32

const (
	NameLinear = "linear"
	NameHigh   = "high"
)

// OutputLength is the number of samples a block of n samples at inRate
// occupies at outRate.
func OutputLength(n int, inRate, outRate float64) int {
	return int(math.Round(float64(n) * outRate / inRate))
}

// Linear resamples by linear interpolation between the two input samples
// nearest to each output instant. Past the end of the block the last
// sample is held. The result depends only on its arguments.
func Linear(in []float32, inRate, outRate float64) []float32 {
	n := len(in)
	if n == 0 {
		return []float32{}
	}

	ratio := inRate / outRate
	out := make([]float32, OutputLength(n, inRate, outRate))
	last := n - 1

	for i := range out {
		idx := float64(i) * ratio
		lo := int(math.Floor(idx))
		hi := int(math.Ceil(idx))
		if hi > last {
			hi = last
		}
		if lo > last {
			lo = last
		}
		frac := idx - float64(lo)
		if lo == hi {
			frac = 0
		}
		out[i] = float32((1-frac)*float64(in[lo]) + frac*float64(in[hi]))
	}

	return out
}

// HighQuality uses a windowed-sinc resampler and then fits the result to
// the same length Linear would produce. If the resampler rejects the
// rates it falls back to Linear.
func HighQuality(in []float32, inRate, outRate float64) []float32 {
	n := len(in)
	if n == 0 {
		return []float32{}
	}
	if inRate == outRate {
		out := make([]float32, n)
		copy(out, in)
		return out
	}

	input := make([]float64, n)
	for i, s := range in {
		input[i] = float64(s)
	}

	output, err := resampling.ResampleMono(
		input,
		inRate,
		outRate,
		resampling.QualityHigh,
	)
	if err != nil {
		return Linear(in, inRate, outRate)
	}

	out := make([]float32, OutputLength(n, inRate, outRate))
	for i := range out {
		switch {
		case i < len(output):
			out[i] = float32(output[i])
		case len(output) > 0:
			out[i] = float32(output[len(output)-1])
		}
	}
	return out
}

// ByName returns the resampler configured under name.
func ByName(name string) (Func, error) {
	switch name {
	case "", NameLinear:
		return Linear, nil
	case NameHigh:
		return HighQuality, nil
	default:
		return nil, fmt.Errorf("unknown resampler %q", name)
	}
}
