package session

import (
	"time"

	"node.town/phonematch/phoneme"
	"node.town/phonematch/results"
)

type State int

const (
	Idle State = iota
	Connecting
	Streaming
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Observer is told about everything a session does, in order, from the
// session's own goroutine. Implementations must not block for long.
type Observer interface {
	StateChanged(State)
	ConnectionChanged(connected bool)
	ResultReceived(phoneme.MatchResult)
}

// MultiObserver fans each call out to every member.
type MultiObserver []Observer

func (m MultiObserver) StateChanged(s State) {
	for _, o := range m {
		o.StateChanged(s)
	}
}

func (m MultiObserver) ConnectionChanged(connected bool) {
	for _, o := range m {
		o.ConnectionChanged(connected)
	}
}

func (m MultiObserver) ResultReceived(r phoneme.MatchResult) {
	for _, o := range m {
		o.ResultReceived(r)
	}
}

type nopObserver struct{}

func (nopObserver) StateChanged(State)                 {}
func (nopObserver) ConnectionChanged(bool)             {}
func (nopObserver) ResultReceived(phoneme.MatchResult) {}

// ResultsTo returns an observer that appends every result to l.
func ResultsTo(l *results.Log) Observer {
	return logObserver{l}
}

type logObserver struct {
	log *results.Log
}

func (logObserver) StateChanged(State)     {}
func (logObserver) ConnectionChanged(bool) {}

func (o logObserver) ResultReceived(r phoneme.MatchResult) {
	o.log.Append(r)
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}
