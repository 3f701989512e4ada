package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"node.town/phonematch/capture"
	"node.town/phonematch/phoneme"
)

const bananaResult = `{
	"predicted_phonemes": ["b", "ə", "n", "a", "n", "ə"],
	"weighted_accuracy": 0.83,
	"matches": [
		{"expected": "b", "predicted": "b", "match_score": 1.0},
		{"expected": "ə", "predicted": "ə", "match_score": 1.0},
		{"expected": "n", "predicted": "n", "match_score": 1.0},
		{"expected": "æ", "predicted": "a", "match_score": 0.5},
		{"expected": "n", "predicted": "n", "match_score": 1.0},
		{"expected": "ə", "predicted": "ə", "match_score": 1.0}
	]
}`

func startStreaming(t *testing.T, h *harness) {
	t.Helper()
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	eventually(t, "streaming", func() bool {
		return h.session.State() == Streaming
	})
}

func TestHandshakeBeforeAudio(t *testing.T) {
	h := newHarness(t, testConfig())
	startStreaming(t, h)

	if !h.session.Connected() {
		t.Error("Connected() = false while streaming")
	}

	h.device.push(constant(1000, 0.25))
	h.device.push(constant(600, 0.25))
	eventually(t, "audio frame", func() bool {
		return len(h.conn.sent()) == 2
	})

	frames := h.conn.sent()
	if !frames[0].isHandshake() {
		t.Fatal("first frame is not the handshake")
	}
	want := phoneme.Phonemes{"b", "ə", "n", "æ", "n", "ə"}
	if !reflect.DeepEqual(frames[0].handshake, want) {
		t.Errorf("handshake = %v, want %v", frames[0].handshake, want)
	}
	if frames[1].isHandshake() {
		t.Fatal("second handshake sent")
	}
	if len(frames[1].audio) != 1600 {
		t.Errorf("audio frame has %d samples, want 1600", len(frames[1].audio))
	}
	if got := testutil.ToFloat64(h.metrics.ChunksSent); got != 1 {
		t.Errorf("chunks sent = %v, want 1", got)
	}
}

func TestAudioIsResampled(t *testing.T) {
	h := newHarness(t, testConfig())
	h.device.rate = 8000
	startStreaming(t, h)

	h.device.push(constant(800, 0.5))
	eventually(t, "audio frame", func() bool {
		return len(h.conn.sent()) == 2
	})

	audio := h.conn.sent()[1].audio
	if len(audio) != 1600 {
		t.Fatalf("resampled chunk has %d samples, want 1600", len(audio))
	}
	for i, v := range audio {
		if v != 0.5 {
			t.Fatalf("sample %d = %v, want 0.5", i, v)
		}
	}
}

func TestQueueUntilOpen(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dialer.release = make(chan struct{})

	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if h.session.State() != Connecting {
		t.Fatalf("State() = %v, want connecting", h.session.State())
	}

	for i := 1; i <= 3; i++ {
		h.device.push(constant(1600, float32(i)))
	}
	eventually(t, "queued chunks", func() bool {
		return testutil.ToFloat64(h.metrics.ChunksQueued) == 3
	})
	if h.session.Connected() {
		t.Error("Connected() = true before the dial finished")
	}

	close(h.dialer.release)
	h.device.push(constant(1600, 4))
	eventually(t, "all frames", func() bool {
		return len(h.conn.sent()) == 5
	})

	frames := h.conn.sent()
	if !frames[0].isHandshake() {
		t.Fatal("first frame is not the handshake")
	}
	for i, f := range frames[1:] {
		if f.audio[0] != float32(i+1) {
			t.Errorf("frame %d carries chunk %v, want %d", i+1, f.audio[0], i+1)
		}
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPendingChunks = 2
	h := newHarness(t, cfg)
	h.dialer.release = make(chan struct{})

	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	for i := 1; i <= 3; i++ {
		h.device.push(constant(1600, float32(i)))
	}
	eventually(t, "dropped chunk", func() bool {
		return testutil.ToFloat64(h.metrics.ChunksDropped) == 1
	})

	close(h.dialer.release)
	eventually(t, "flushed frames", func() bool {
		return len(h.conn.sent()) == 3
	})

	frames := h.conn.sent()
	if frames[1].audio[0] != 2 || frames[2].audio[0] != 3 {
		t.Errorf("flushed chunks %v, %v; want 2, 3", frames[1].audio[0], frames[2].audio[0])
	}
}

func TestStopReleasesInOrder(t *testing.T) {
	h := newHarness(t, testConfig())
	startStreaming(t, h)

	h.device.push(constant(1600, 1))
	eventually(t, "audio frame", func() bool {
		return len(h.conn.sent()) == 2
	})

	h.session.Stop()

	if got := h.session.State(); got != Closed {
		t.Errorf("State() = %v, want closed", got)
	}
	if h.session.Connected() {
		t.Error("Connected() = true after Stop")
	}
	if err := h.session.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
	select {
	case <-h.session.Done():
	default:
		t.Error("Done() not closed after Stop")
	}

	wantOrder := []string{"graph stop", "graph close", "conn close"}
	if got := h.order.get(); !reflect.DeepEqual(got, wantOrder) {
		t.Errorf("teardown order = %v, want %v", got, wantOrder)
	}

	states, conns, _ := h.watcher.snapshot()
	wantStates := []State{Connecting, Streaming, Closing, Closed}
	if !reflect.DeepEqual(states, wantStates) {
		t.Errorf("states = %v, want %v", states, wantStates)
	}
	if !reflect.DeepEqual(conns, []bool{true, false}) {
		t.Errorf("connection changes = %v, want [true false]", conns)
	}
}

func TestNoFramesAfterStop(t *testing.T) {
	h := newHarness(t, testConfig())
	startStreaming(t, h)
	h.session.Stop()

	sent := len(h.conn.sent())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2*audioBuffer; i++ {
			h.device.push(constant(1600, 1))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("capture callback blocked after Stop")
	}

	time.Sleep(10 * time.Millisecond)
	if got := len(h.conn.sent()); got != sent {
		t.Errorf("%d frames sent after Stop", got-sent)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	startStreaming(t, h)

	h.session.Stop()
	h.session.Stop()

	steps := h.order.get()
	if len(steps) != 3 {
		t.Errorf("teardown ran more than once: %v", steps)
	}
}

func TestPermissionDenied(t *testing.T) {
	h := newHarness(t, testConfig())
	h.device.permErr = fmt.Errorf("%w: user said no", capture.ErrPermissionDenied)

	err := h.session.Start(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("Start() = %v, want ErrPermissionDenied", err)
	}
	if got := h.session.State(); got != Idle {
		t.Errorf("State() = %v, want idle", got)
	}
	if h.device.isOpened() {
		t.Error("capture graph opened after denial")
	}
	if n := h.dialer.calls.Load(); n != 0 {
		t.Errorf("dialer called %d times", n)
	}
}

func TestInvalidConfiguration(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no phonemes", func(c *Config) { c.Phonemes = nil }},
		{"blank phoneme", func(c *Config) { c.Phonemes = phoneme.Phonemes{"b", " "} }},
		{"zero chunk", func(c *Config) { c.ChunkDuration = 0 }},
		{"zero block", func(c *Config) { c.BlockSize = 0 }},
		{"negative queue", func(c *Config) { c.MaxPendingChunks = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(&cfg)
			h := newHarness(t, cfg)

			err := h.session.Start(context.Background())
			if !errors.Is(err, ErrInvalidConfiguration) {
				t.Fatalf("Start() = %v, want ErrInvalidConfiguration", err)
			}
			if got := h.session.State(); got != Idle {
				t.Errorf("State() = %v, want idle", got)
			}
		})
	}
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, testConfig())
	startStreaming(t, h)

	if err := h.session.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
}

func TestStopBeforeStart(t *testing.T) {
	h := newHarness(t, testConfig())
	h.session.Stop()

	if got := h.session.State(); got != Closed {
		t.Errorf("State() = %v, want closed", got)
	}
	if err := h.session.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Start() after Stop = %v, want ErrAlreadyStarted", err)
	}
}

func TestDialFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dialer.err = errors.New("connection refused")

	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-h.session.Done()

	if got := h.session.State(); got != Closed {
		t.Errorf("State() = %v, want closed", got)
	}
	if err := h.session.Err(); err == nil {
		t.Error("Err() = nil after dial failure")
	}
	if h.session.Connected() {
		t.Error("Connected() = true after dial failure")
	}
	if got := testutil.ToFloat64(h.metrics.TransportErrors); got != 1 {
		t.Errorf("transport errors = %v, want 1", got)
	}
}

func TestDeviceOpenFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.device.openErr = errors.New("device busy")

	err := h.session.Start(context.Background())
	if err == nil {
		t.Fatal("Start() succeeded with a broken device")
	}
	if got := h.session.State(); got != Closed {
		t.Errorf("State() = %v, want closed", got)
	}
	eventually(t, "dialed conn closed", h.conn.isClosed)
}

func TestWriteFailureEndsSession(t *testing.T) {
	h := newHarness(t, testConfig())
	h.conn.writeErr = errors.New("broken pipe")
	startStreaming(t, h)

	h.device.push(constant(1600, 1))
	<-h.session.Done()

	if err := h.session.Err(); err == nil {
		t.Error("Err() = nil after write failure")
	}
	if h.session.Connected() {
		t.Error("Connected() = true after write failure")
	}
}

func TestServerClose(t *testing.T) {
	h := newHarness(t, testConfig())
	startStreaming(t, h)

	h.conn.Close()
	<-h.session.Done()

	if got := h.session.State(); got != Closed {
		t.Errorf("State() = %v, want closed", got)
	}
	if h.session.Connected() {
		t.Error("Connected() = true after server close")
	}
	if err := h.session.Err(); err != nil {
		t.Errorf("Err() = %v, want nil for a normal close", err)
	}
}

func TestReadErrorEndsSession(t *testing.T) {
	h := newHarness(t, testConfig())
	startStreaming(t, h)

	h.conn.readErr <- errors.New("connection reset")
	<-h.session.Done()

	if err := h.session.Err(); err == nil {
		t.Error("Err() = nil after read error")
	}
}

func TestResultLatency(t *testing.T) {
	h := newHarness(t, testConfig())
	startStreaming(t, h)
	sentAt := h.clock.Now()

	h.device.push(constant(1600, 0.1))
	eventually(t, "audio frame", func() bool {
		return len(h.conn.sent()) == 2
	})

	h.clock.Advance(250 * time.Millisecond)
	h.conn.deliver(t, bananaResult)
	eventually(t, "result", func() bool {
		return h.watcher.resultCount() == 1
	})

	_, _, results := h.watcher.snapshot()
	r := results[0]
	if r.Latency == nil || *r.Latency != 250*time.Millisecond {
		t.Errorf("Latency = %v, want 250ms", r.Latency)
	}
	if !r.ReceivedAt.Equal(sentAt.Add(250 * time.Millisecond)) {
		t.Errorf("ReceivedAt = %v", r.ReceivedAt)
	}
	if r.Accuracy == nil || *r.Accuracy != 0.83 {
		t.Errorf("Accuracy = %v, want 0.83", r.Accuracy)
	}
	if len(r.Matches) != 6 {
		t.Fatalf("got %d matches, want 6", len(r.Matches))
	}
	if m := r.Matches[3]; m.Expected != "æ" || m.Predicted != "a" || *m.Score != 0.5 {
		t.Errorf("Matches[3] = %+v", m)
	}
}

func TestResultBeforeAnySend(t *testing.T) {
	h := newHarness(t, testConfig())
	startStreaming(t, h)

	h.conn.deliver(t, bananaResult)
	eventually(t, "result", func() bool {
		return h.watcher.resultCount() == 1
	})

	_, _, results := h.watcher.snapshot()
	if results[0].Latency != nil {
		t.Errorf("Latency = %v, want unknown", *results[0].Latency)
	}
}

func TestIgnoredMessages(t *testing.T) {
	h := newHarness(t, testConfig())
	startStreaming(t, h)

	h.conn.deliver(t, "not json")
	h.conn.deliver(t, `{"weighted_accuracy": 0.5, "matches": []}`)
	h.conn.deliver(t, `{"predicted_phonemes": []}`)
	h.conn.deliver(t, bananaResult)
	eventually(t, "result", func() bool {
		return h.watcher.resultCount() == 1
	})

	if got := testutil.ToFloat64(h.metrics.MessagesMalformed); got != 1 {
		t.Errorf("malformed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.metrics.MessagesIgnored); got != 2 {
		t.Errorf("ignored = %v, want 2", got)
	}
	if got := h.session.State(); got != Streaming {
		t.Errorf("State() = %v, want streaming", got)
	}
}

func TestResultsInArrivalOrder(t *testing.T) {
	h := newHarness(t, testConfig())
	startStreaming(t, h)

	for i := 1; i <= 3; i++ {
		h.conn.deliver(t, fmt.Sprintf(
			`{"weighted_accuracy": 0.%d, "matches": [{"expected": "b", "predicted": "b", "match_score": 1}]}`, i,
		))
	}
	eventually(t, "results", func() bool {
		return h.watcher.resultCount() == 3
	})

	_, _, results := h.watcher.snapshot()
	for i, r := range results {
		want := float64(i+1) / 10
		if r.Accuracy == nil || *r.Accuracy != want {
			t.Errorf("result %d accuracy = %v, want %v", i, r.Accuracy, want)
		}
	}
}

func TestConfigIsCopied(t *testing.T) {
	cfg := testConfig()
	cfg.Phonemes = phoneme.Phonemes{"b", "ə"}
	h := newHarness(t, cfg)
	cfg.Phonemes[0] = "x"

	startStreaming(t, h)
	if got := h.conn.sent()[0].handshake; got[0] != "b" {
		t.Errorf("handshake = %v, want it unaffected by later edits", got)
	}
}
