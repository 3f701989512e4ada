// Package results keeps the match results of a session, newest first.
package results

import (
	"sync"
	"time"

	"node.town/phonematch/phoneme"
)

// Entry is one displayed result. Segment counts results from 1 in order
// of arrival.
type Entry struct {
	Segment    int             `json:"segment"`
	Predicted  string          `json:"predicted"`
	Accuracy   *float64        `json:"accuracy"`
	Matches    []phoneme.Match `json:"matches"`
	LatencyMs  *int64          `json:"latency_ms"`
	ReceivedAt time.Time       `json:"received_at"`
}

func NewEntry(segment int, r phoneme.MatchResult) Entry {
	entry := Entry{
		Segment:    segment,
		Predicted:  r.PredictedText(),
		Accuracy:   r.Accuracy,
		Matches:    append([]phoneme.Match{}, r.Matches...),
		ReceivedAt: r.ReceivedAt,
	}
	if r.Latency != nil {
		ms := r.Latency.Milliseconds()
		entry.LatencyMs = &ms
	}
	return entry
}

// Log is an append-only list of entries. It is safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewLog() *Log {
	return &Log{}
}

// Append records r as the newest entry and returns it.
func (l *Log) Append(r phoneme.MatchResult) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := NewEntry(len(l.entries)+1, r)
	l.entries = append(l.entries, entry)
	return entry
}

// Entries returns a snapshot, newest first.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, len(l.entries))
	for i, entry := range l.entries {
		out[len(l.entries)-1-i] = entry
	}
	return out
}

// Newest returns the most recent entry, if any.
func (l *Log) Newest() (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Summary aggregates a log.
type Summary struct {
	Segments     int
	MeanAccuracy *float64
	MeanLatency  *time.Duration
}

func (l *Log) Summary() Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Summary{Segments: len(l.entries)}
	var accSum float64
	var accN int
	var latSum int64
	var latN int64
	for _, entry := range l.entries {
		if entry.Accuracy != nil {
			accSum += *entry.Accuracy
			accN++
		}
		if entry.LatencyMs != nil {
			latSum += *entry.LatencyMs
			latN++
		}
	}
	if accN > 0 {
		mean := accSum / float64(accN)
		s.MeanAccuracy = &mean
	}
	if latN > 0 {
		mean := time.Duration(latSum/latN) * time.Millisecond
		s.MeanLatency = &mean
	}
	return s
}
