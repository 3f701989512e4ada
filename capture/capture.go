// Package capture delivers mono float32 sample blocks from an audio
// source through a periodic callback.
package capture

import (
	"context"
	"errors"
)

var (
	ErrPermissionDenied = errors.New("audio capture permission denied")
	ErrNoDevice         = errors.New("no audio input device")
)

// Callback receives one block of mono samples at the device rate. The
// slice is only valid for the duration of the call.
type Callback func(samples []float32)

// Device is an audio source. RequestPermission must succeed before
// SampleRate or Open are used.
type Device interface {
	RequestPermission(ctx context.Context) error
	SampleRate() float64
	Open(blockSize int, cb Callback) (Graph, error)
}

// Graph is an opened source wired to a callback. Stop detaches the
// callback; Close releases the device. Both tolerate repeated calls.
type Graph interface {
	Start() error
	Stop() error
	Close() error
}
