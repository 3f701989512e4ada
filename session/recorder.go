package session

import (
	"context"
	"errors"
	"sync"
)

var ErrAlreadyRecording = errors.New("a session is already active")

// Recorder runs at most one session at a time.
type Recorder struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex
	current *Session
}

func NewRecorder(cfg Config, deps Deps) *Recorder {
	return &Recorder{cfg: cfg, deps: deps}
}

// SetPhonemes changes the expected phonemes for sessions started later.
func (r *Recorder) SetPhonemes(phonemes []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Phonemes = append(r.cfg.Phonemes[:0:0], phonemes...)
}

// Start begins a new session. It fails with ErrAlreadyRecording while the
// previous one is still open.
func (r *Recorder) Start(ctx context.Context) (*Session, error) {
	r.mu.Lock()
	if r.current != nil && r.current.State() != Closed {
		r.mu.Unlock()
		return nil, ErrAlreadyRecording
	}
	s := New(r.cfg, r.deps)
	r.current = s
	r.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		r.mu.Lock()
		if r.current == s {
			r.current = nil
		}
		r.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// Stop stops the current session, if there is one.
func (r *Recorder) Stop() {
	r.mu.Lock()
	s := r.current
	r.mu.Unlock()

	if s != nil {
		s.Stop()
	}
}

// Current returns the most recent session, or nil.
func (r *Recorder) Current() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Recorder) State() State {
	if s := r.Current(); s != nil {
		return s.State()
	}
	return Idle
}

func (r *Recorder) Connected() bool {
	if s := r.Current(); s != nil {
		return s.Connected()
	}
	return false
}
