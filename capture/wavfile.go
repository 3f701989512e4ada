package capture

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
)

// WAVFile plays a WAV file as if it were a microphone. Stereo input is
// mixed down to mono. With Paced set, blocks arrive at the rate they
// would from real hardware; otherwise as fast as they are consumed.
type WAVFile struct {
	Path  string
	Paced bool

	streamer beep.StreamSeekCloser
	format   beep.Format
	graph    *wavGraph
}

func (w *WAVFile) RequestPermission(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(w.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	streamer, format, err := wav.Decode(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to decode %s: %w", w.Path, err)
	}

	w.streamer = streamer
	w.format = format
	return nil
}

func (w *WAVFile) SampleRate() float64 {
	return float64(w.format.SampleRate)
}

// Duration is the length of the decoded file.
func (w *WAVFile) Duration() time.Duration {
	if w.streamer == nil {
		return 0
	}
	return w.format.SampleRate.D(w.streamer.Len())
}

func (w *WAVFile) Open(blockSize int, cb Callback) (Graph, error) {
	if w.streamer == nil {
		return nil, ErrNoDevice
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	w.graph = &wavGraph{
		device:    w,
		blockSize: blockSize,
		cb:        cb,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	return w.graph, nil
}

// Done is closed once the most recently opened graph has delivered the
// whole file or been stopped. It is nil before Open.
func (w *WAVFile) Done() <-chan struct{} {
	if w.graph == nil {
		return nil
	}
	return w.graph.done
}

type wavGraph struct {
	device    *WAVFile
	blockSize int
	cb        Callback

	startOnce sync.Once
	stopOnce  sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func (g *wavGraph) Start() error {
	g.startOnce.Do(func() {
		go g.run()
	})
	return nil
}

func (g *wavGraph) run() {
	defer close(g.done)

	buf := make([][2]float64, g.blockSize)
	mono := make([]float32, g.blockSize)
	interval := g.device.format.SampleRate.D(g.blockSize)

	var ticker *time.Ticker
	if g.device.Paced {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	for {
		select {
		case <-g.stop:
			return
		default:
		}

		n, ok := g.device.streamer.Stream(buf)
		for i := 0; i < n; i++ {
			mono[i] = float32((buf[i][0] + buf[i][1]) / 2)
		}
		if n > 0 {
			g.cb(mono[:n])
		}
		if !ok {
			return
		}

		if ticker != nil {
			select {
			case <-g.stop:
				return
			case <-ticker.C:
			}
		}
	}
}

func (g *wavGraph) Stop() error {
	g.stopOnce.Do(func() {
		close(g.stop)
	})
	g.startOnce.Do(func() {
		close(g.done)
	})
	<-g.done
	return nil
}

func (g *wavGraph) Close() error {
	var err error
	g.closeOnce.Do(func() {
		// The decoder owns the file and closes it.
		err = g.device.streamer.Close()
	})
	return err
}

