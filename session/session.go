// Package session streams captured audio to a phoneme matcher and
// delivers the match results it sends back.
//
// A Session moves through Idle, Connecting, Streaming, Closing and Closed
// exactly once. All of its mutable state is owned by a single goroutine;
// capture callbacks and the transport reader only post events to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"node.town/phonematch/capture"
	"node.town/phonematch/etc"
	"node.town/phonematch/frame"
	"node.town/phonematch/metrics"
	"node.town/phonematch/phoneme"
	"node.town/phonematch/resample"
)

var (
	ErrAlreadyStarted       = errors.New("session already started")
	ErrInvalidConfiguration = errors.New("invalid session configuration")
	ErrStopped              = errors.New("session stopped before it could start")
)

const (
	DefaultChunkDuration    = time.Second
	DefaultBlockSize        = 4096
	DefaultMaxPendingChunks = 30

	audioBuffer = 64
)

type Config struct {
	Phonemes      phoneme.Phonemes
	ChunkDuration time.Duration
	// BlockSize is the number of frames per capture callback.
	BlockSize  int
	TargetRate float64
	// MaxPendingChunks bounds the chunks held while the connection is
	// still opening. Zero means unbounded.
	MaxPendingChunks int
}

func DefaultConfig() Config {
	return Config{
		Phonemes:         phoneme.ParsePhonemes(phoneme.DefaultPhonemes),
		ChunkDuration:    DefaultChunkDuration,
		BlockSize:        DefaultBlockSize,
		TargetRate:       phoneme.TargetRate,
		MaxPendingChunks: DefaultMaxPendingChunks,
	}
}

func (c Config) validate() error {
	if err := c.Phonemes.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if c.ChunkDuration <= 0 {
		return fmt.Errorf("%w: chunk duration %v", ErrInvalidConfiguration, c.ChunkDuration)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("%w: block size %d", ErrInvalidConfiguration, c.BlockSize)
	}
	if c.TargetRate <= 0 {
		return fmt.Errorf("%w: target rate %v", ErrInvalidConfiguration, c.TargetRate)
	}
	if c.MaxPendingChunks < 0 {
		return fmt.Errorf("%w: max pending chunks %d", ErrInvalidConfiguration, c.MaxPendingChunks)
	}
	return nil
}

// Conn is the transport a session streams over. *phoneme.Conn satisfies
// it.
type Conn interface {
	WriteHandshake(phoneme.Phonemes) error
	WriteAudio([]float32) (int, error)
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens a transport. It must give up when ctx is cancelled.
type Dialer func(ctx context.Context) (Conn, error)

// PhonemeDialer dials the phoneme-match WebSocket service.
func PhonemeDialer(opts phoneme.DialOptions) Dialer {
	return func(ctx context.Context) (Conn, error) {
		conn, err := phoneme.Dial(ctx, opts)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Deps are the collaborators of a session. Device and Dial are required;
// the rest have defaults.
type Deps struct {
	Device   capture.Device
	Dial     Dialer
	Resample resample.Func
	Clock    Clock
	Logger   *log.Logger
	Observer Observer
	Metrics  *metrics.Metrics
}

type dialResult struct {
	conn Conn
	err  error
}

type inbound struct {
	data []byte
	err  error
}

type Session struct {
	id       string
	cfg      Config
	deps     Deps
	logger   *log.Logger
	observer Observer

	mu        sync.Mutex
	state     State
	connected bool
	starting  bool
	running   bool
	err       error

	stopOnce sync.Once
	stopReq  chan struct{}
	closing  chan struct{}
	doneOnce sync.Once
	done     chan struct{}

	audio   chan []float32
	inbound chan inbound
	dialed  chan dialResult

	// Owned by the event loop once it runs.
	rate       float64
	acc        *frame.Accumulator
	queue      [][]float32
	graph      capture.Graph
	conn       Conn
	dialCancel context.CancelFunc
	lastSend   time.Time
}

func New(cfg Config, deps Deps) *Session {
	if deps.Resample == nil {
		deps.Resample = resample.Linear
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	cfg.Phonemes = cfg.Phonemes.Clone()

	id := etc.NewFreshID()
	return &Session{
		id:       id,
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With("session", id),
		observer: observer,
		stopReq:  make(chan struct{}),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		audio:    make(chan []float32, audioBuffer),
		inbound:  make(chan inbound),
		dialed:   make(chan dialResult, 1),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Phonemes() phoneme.Phonemes {
	return s.cfg.Phonemes.Clone()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the transport is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Err returns the transport failure that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session is Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start asks for capture permission, then opens the capture graph and
// the transport. It returns once both have been started; the connection
// completes in the background. A refused permission leaves the session
// Idle.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle || s.starting {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.starting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	if err := s.cfg.validate(); err != nil {
		return err
	}
	if s.deps.Device == nil || s.deps.Dial == nil {
		return fmt.Errorf("%w: missing device or dialer", ErrInvalidConfiguration)
	}

	if err := s.deps.Device.RequestPermission(ctx); err != nil {
		s.logger.Warn("permission", "error", err)
		return err
	}

	rate := s.deps.Device.SampleRate()
	chunkSize := frame.ChunkSizeFor(rate, s.cfg.ChunkDuration)
	if chunkSize <= 0 {
		return fmt.Errorf("%w: sample rate %v", ErrInvalidConfiguration, rate)
	}

	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrStopped
	}
	s.running = true
	s.mu.Unlock()

	s.rate = rate
	s.acc = frame.NewAccumulator(chunkSize)
	s.deps.Metrics.SessionStarted()
	s.setState(Connecting)
	s.logger.Info(
		"start",
		"rate", rate,
		"chunk", chunkSize,
		"phonemes", s.cfg.Phonemes.String(),
	)

	dialCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.dialCancel = cancel
	dialed := s.dialed
	go func() {
		conn, err := s.deps.Dial(dialCtx)
		dialed <- dialResult{conn: conn, err: err}
	}()

	graph, err := s.deps.Device.Open(s.cfg.BlockSize, s.onAudio)
	if err == nil {
		s.graph = graph
		err = graph.Start()
	}
	if err != nil {
		err = fmt.Errorf("failed to open capture: %w", err)
		s.teardown(err)
		return err
	}

	go s.run()
	return nil
}

// Stop tears the session down and waits until it is Closed. It does not
// wait for outstanding results. Calling it again is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running && s.state == Idle {
		s.mu.Unlock()
		s.stopOnce.Do(func() { close(s.stopReq) })
		s.setState(Closed)
		s.finish()
		return
	}
	running := s.running
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopReq) })
	if running {
		<-s.done
	}
}

func (s *Session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// onAudio runs on the capture goroutine. It blocks while the loop is
// busy, never drops a block, and returns at once after teardown begins.
func (s *Session) onAudio(block []float32) {
	if len(block) == 0 {
		return
	}
	owned := append([]float32(nil), block...)
	select {
	case s.audio <- owned:
	case <-s.closing:
	}
}

func (s *Session) read(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		select {
		case s.inbound <- inbound{data: data, err: err}:
		case <-s.closing:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) run() {
	for {
		select {
		case <-s.stopReq:
			s.teardown(nil)
			return
		default:
		}

		select {
		case <-s.stopReq:
			s.teardown(nil)
			return

		case r := <-s.dialed:
			s.dialed = nil
			if r.err != nil {
				s.teardown(fmt.Errorf("failed to connect: %w", r.err))
				return
			}
			if err := s.open(r.conn); err != nil {
				s.teardown(err)
				return
			}

		case block := <-s.audio:
			if err := s.ingest(block); err != nil {
				s.teardown(err)
				return
			}

		case in := <-s.inbound:
			if errors.Is(in.err, phoneme.ErrClosed) {
				s.logger.Info("closed by server")
				s.teardown(nil)
				return
			}
			if in.err != nil {
				s.teardown(in.err)
				return
			}
			s.receive(in.data)
		}
	}
}

func (s *Session) open(conn Conn) error {
	s.conn = conn
	if err := conn.WriteHandshake(s.cfg.Phonemes); err != nil {
		return err
	}
	s.setState(Streaming)
	s.setConnected(true)

	queued := s.queue
	s.queue = nil
	if len(queued) > 0 {
		s.logger.Debug("flush", "chunks", len(queued))
	}
	for _, chunk := range queued {
		if err := s.send(chunk); err != nil {
			return err
		}
	}

	go s.read(conn)
	return nil
}

func (s *Session) ingest(block []float32) error {
	for _, chunk := range s.acc.Ingest(block) {
		out := s.deps.Resample(chunk, s.rate, s.cfg.TargetRate)
		switch s.State() {
		case Streaming:
			if err := s.send(out); err != nil {
				return err
			}
		case Connecting:
			s.enqueue(out)
		}
	}
	return nil
}

func (s *Session) enqueue(chunk []float32) {
	if limit := s.cfg.MaxPendingChunks; limit > 0 && len(s.queue) >= limit {
		s.logger.Warn("pending queue full, dropping oldest chunk", "max", limit)
		s.deps.Metrics.ChunkDropped()
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, chunk)
	s.deps.Metrics.ChunkQueued()
}

func (s *Session) send(chunk []float32) error {
	n, err := s.conn.WriteAudio(chunk)
	if err != nil {
		return err
	}
	s.lastSend = s.deps.Clock.Now()
	s.deps.Metrics.ChunkSent(n)
	return nil
}

func (s *Session) receive(data []byte) {
	msg, err := phoneme.DecodeMessage(data)
	if err != nil {
		s.logger.Warn("dropping message", "error", err)
		s.deps.Metrics.MessageMalformed()
		return
	}
	if !msg.HasResult() {
		s.logger.Debug("message without matches")
		s.deps.Metrics.MessageIgnored()
		return
	}

	result := phoneme.NewMatchResult(msg, s.deps.Clock.Now(), s.lastSend)
	s.deps.Metrics.ResultReceived(result.Latency)
	s.observer.ResultReceived(result)
}

// teardown releases everything the session holds: capture first, then
// buffered audio, then the transport.
func (s *Session) teardown(cause error) {
	s.setState(Closing)
	close(s.closing)

	if s.graph != nil {
		if err := s.graph.Stop(); err != nil {
			s.logger.Warn("capture stop", "error", err)
		}
		if err := s.graph.Close(); err != nil {
			s.logger.Warn("capture close", "error", err)
		}
	}
	if s.acc != nil {
		s.acc.Reset()
	}
	if len(s.queue) > 0 {
		s.logger.Debug("discarding queued chunks", "chunks", len(s.queue))
		s.queue = nil
	}

	if s.dialCancel != nil {
		s.dialCancel()
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("transport close", "error", err)
		}
	} else if s.dialed != nil {
		go func(dialed <-chan dialResult) {
			if r := <-dialed; r.conn != nil {
				r.conn.Close()
			}
		}(s.dialed)
	}

	if cause != nil {
		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()
		s.logger.Error("session failed", "error", cause)
		s.deps.Metrics.TransportError()
	}

	s.setConnected(false)
	s.setState(Closed)
	s.logger.Info("closed")
	s.finish()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	s.logger.Debug("state", "state", state)
	s.deps.Metrics.SetState(int(state))
	s.observer.StateChanged(state)
}

func (s *Session) setConnected(connected bool) {
	s.mu.Lock()
	if s.connected == connected {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	s.mu.Unlock()

	s.observer.ConnectionChanged(connected)
}
