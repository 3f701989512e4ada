package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"
)

// PortAudio captures from a microphone. DeviceName selects an input by
// case-insensitive substring; empty means the system default.
type PortAudio struct {
	DeviceName string
	Logger     *log.Logger

	device *portaudio.DeviceInfo
}

func (p *PortAudio) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

// RequestPermission initializes PortAudio and resolves the input device.
// Any failure is reported as ErrPermissionDenied, since that is how a
// refused microphone shows up on most hosts.
func (p *PortAudio) RequestPermission(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	device, err := p.resolve()
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	p.device = device
	p.logger().Info(
		"mic",
		"device", device.Name,
		"rate", device.DefaultSampleRate,
	)
	return nil
}

func (p *PortAudio) resolve() (*portaudio.DeviceInfo, error) {
	if p.DeviceName == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, err
		}
		if device.MaxInputChannels < 1 {
			return nil, ErrNoDevice
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(p.DeviceName)
	for _, device := range devices {
		if device.MaxInputChannels > 0 &&
			strings.Contains(strings.ToLower(device.Name), want) {
			return device, nil
		}
	}
	return nil, fmt.Errorf("%w matching %q", ErrNoDevice, p.DeviceName)
}

func (p *PortAudio) SampleRate() float64 {
	if p.device == nil {
		return 0
	}
	return p.device.DefaultSampleRate
}

func (p *PortAudio) Open(blockSize int, cb Callback) (Graph, error) {
	if p.device == nil {
		return nil, ErrNoDevice
	}

	params := portaudio.LowLatencyParameters(p.device, nil)
	params.Input.Channels = 1
	params.FramesPerBuffer = blockSize

	g := &portAudioGraph{}
	stream, err := portaudio.OpenStream(params, func(in []float32) {
		g.mu.Lock()
		stopped := g.stopped
		g.mu.Unlock()
		if !stopped {
			cb(in)
		}
	})
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open input stream: %w", err)
	}
	g.stream = stream
	return g, nil
}

type portAudioGraph struct {
	stream *portaudio.Stream

	mu      sync.Mutex
	stopped bool
	started bool
	closed  bool
}

func (g *portAudioGraph) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started || g.closed {
		return nil
	}
	if err := g.stream.Start(); err != nil {
		return fmt.Errorf("failed to start input stream: %w", err)
	}
	g.started = true
	return nil
}

func (g *portAudioGraph) Stop() error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.stopped = true
	started := g.started
	g.mu.Unlock()

	if started {
		return g.stream.Abort()
	}
	return nil
}

func (g *portAudioGraph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	err := g.stream.Close()
	if termErr := portaudio.Terminate(); err == nil {
		err = termErr
	}
	return err
}

// InputDevice describes one capture-capable device.
type InputDevice struct {
	Name       string
	HostAPI    string
	Channels   int
	SampleRate float64
	Default    bool
}

func ListInputDevices() ([]InputDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}

	var defaultName string
	if d, err := portaudio.DefaultInputDevice(); err == nil {
		defaultName = d.Name
	}

	var inputs []InputDevice
	for _, d := range devices {
		if d.MaxInputChannels < 1 {
			continue
		}
		input := InputDevice{
			Name:       d.Name,
			Channels:   d.MaxInputChannels,
			SampleRate: d.DefaultSampleRate,
			Default:    d.Name == defaultName,
		}
		if d.HostApi != nil {
			input.HostAPI = d.HostApi.Name
		}
		inputs = append(inputs, input)
	}
	return inputs, nil
}
