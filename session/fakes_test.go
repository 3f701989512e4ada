package session

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"node.town/phonematch/capture"
	"node.town/phonematch/metrics"
	"node.town/phonematch/phoneme"
)

// orderLog records teardown steps across fakes.
type orderLog struct {
	mu    sync.Mutex
	steps []string
}

func (o *orderLog) add(step string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, step)
}

func (o *orderLog) get() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.steps...)
}

type fakeDevice struct {
	rate    float64
	permErr error
	openErr error
	order   *orderLog

	mu     sync.Mutex
	cb     capture.Callback
	opened bool
}

func (d *fakeDevice) RequestPermission(ctx context.Context) error {
	return d.permErr
}

func (d *fakeDevice) SampleRate() float64 {
	return d.rate
}

func (d *fakeDevice) Open(blockSize int, cb capture.Callback) (capture.Graph, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cb = cb
	d.opened = true
	return &fakeGraph{order: d.order}, nil
}

func (d *fakeDevice) isOpened() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// push delivers a block the way a capture thread would.
func (d *fakeDevice) push(block []float32) {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	cb(block)
}

type fakeGraph struct {
	order *orderLog
}

func (g *fakeGraph) Start() error {
	return nil
}

func (g *fakeGraph) Stop() error {
	g.order.add("graph stop")
	return nil
}

func (g *fakeGraph) Close() error {
	g.order.add("graph close")
	return nil
}

type frameRec struct {
	handshake phoneme.Phonemes
	audio     []float32
}

func (f frameRec) isHandshake() bool {
	return f.handshake != nil
}

type fakeConn struct {
	order    *orderLog
	incoming chan []byte
	readErr  chan error
	writeErr error

	mu     sync.Mutex
	frames []frameRec

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn(order *orderLog) *fakeConn {
	return &fakeConn{
		order:    order,
		incoming: make(chan []byte),
		readErr:  make(chan error),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) WriteHandshake(p phoneme.Phonemes) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frameRec{handshake: p.Clone()})
	return nil
}

func (c *fakeConn) WriteAudio(samples []float32) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frameRec{audio: append([]float32(nil), samples...)})
	return len(samples) * 4, nil
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case err := <-c.readErr:
		return nil, err
	case <-c.closed:
		return nil, phoneme.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.order.add("conn close")
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sent() []frameRec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frameRec(nil), c.frames...)
}

// deliver hands data to the session's reader.
func (c *fakeConn) deliver(t *testing.T, data string) {
	t.Helper()
	select {
	case c.incoming <- []byte(data):
	case <-time.After(2 * time.Second):
		t.Fatal("reader never picked up the message")
	}
}

type fakeDialer struct {
	conn    *fakeConn
	err     error
	release chan struct{}
	calls   atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.calls.Add(1)
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type watcher struct {
	mu      sync.Mutex
	states  []State
	conns   []bool
	results []phoneme.MatchResult
}

func (w *watcher) StateChanged(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.states = append(w.states, s)
}

func (w *watcher) ConnectionChanged(connected bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conns = append(w.conns, connected)
}

func (w *watcher) ResultReceived(r phoneme.MatchResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results = append(w.results, r)
}

func (w *watcher) snapshot() ([]State, []bool, []phoneme.MatchResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]State(nil), w.states...),
		append([]bool(nil), w.conns...),
		append([]phoneme.MatchResult(nil), w.results...)
}

func (w *watcher) resultCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.results)
}

type harness struct {
	device  *fakeDevice
	conn    *fakeConn
	dialer  *fakeDialer
	clock   *fakeClock
	watcher *watcher
	order   *orderLog
	metrics *metrics.Metrics
	session *Session
}

const testRate = 16000

// testConfig uses 100 ms chunks, so 1600 samples at testRate.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ChunkDuration = 100 * time.Millisecond
	cfg.BlockSize = 160
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	order := &orderLog{}
	conn := newFakeConn(order)
	h := &harness{
		device:  &fakeDevice{rate: testRate, order: order},
		conn:    conn,
		dialer:  &fakeDialer{conn: conn},
		clock:   &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		watcher: &watcher{},
		order:   order,
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	h.session = New(cfg, h.deps())
	t.Cleanup(h.session.Stop)
	return h
}

func (h *harness) deps() Deps {
	return Deps{
		Device:   h.device,
		Dial:     h.dialer.Dial,
		Clock:    h.clock,
		Logger:   log.New(io.Discard),
		Observer: h.watcher,
		Metrics:  h.metrics,
	}
}

func constant(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
