// Package phoneme speaks the phoneme-match streaming protocol: one JSON
// handshake naming the expected phonemes, binary frames of 16 kHz float32
// PCM, and JSON match results coming back.
package phoneme

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// TargetRate is the sample rate the service expects.
	TargetRate = 16000

	DefaultEndpoint = "wss://20.204.169.24:8000/ws/phoneme-match"

	DefaultPhonemes = "b ə n æ n ə"
)

var ErrEmptyPhonemes = errors.New("no expected phonemes")

// Phonemes is the ordered list of tokens the speaker is expected to say.
type Phonemes []string

// ParsePhonemes splits a whitespace separated list such as "b ə n æ n ə".
func ParsePhonemes(s string) Phonemes {
	return Phonemes(strings.Fields(s))
}

func (p Phonemes) Validate() error {
	if len(p) == 0 {
		return ErrEmptyPhonemes
	}
	for i, token := range p {
		if strings.TrimSpace(token) == "" {
			return fmt.Errorf("phoneme %d is blank", i)
		}
	}
	return nil
}

func (p Phonemes) String() string {
	return strings.Join(p, " ")
}

// Clone returns a copy that shares nothing with p.
func (p Phonemes) Clone() Phonemes {
	out := make(Phonemes, len(p))
	copy(out, p)
	return out
}

// Handshake is the first frame sent on a new connection.
type Handshake struct {
	ExpectedPhonemes []string `json:"expected_phonemes"`
}

// Match compares one expected token with what was heard. Score is nil
// when the service did not send a usable match_score.
type Match struct {
	Expected  string   `json:"expected"`
	Predicted string   `json:"predicted"`
	Score     *float64 `json:"match_score"`
}

// Message is one decoded inbound frame.
type Message struct {
	PredictedPhonemes []string `json:"predicted_phonemes"`
	WeightedAccuracy  *float64 `json:"weighted_accuracy"`
	Matches           []Match  `json:"matches"`
}

// HasResult reports whether the frame carries anything to show.
func (m Message) HasResult() bool {
	return len(m.Matches) > 0
}

// MatchResult is a message paired with its round trip time. Latency is
// nil when no audio had been sent before the message arrived.
type MatchResult struct {
	Predicted  []string
	Accuracy   *float64
	Matches    []Match
	Latency    *time.Duration
	ReceivedAt time.Time
}

// NewMatchResult builds a result from msg received at now. lastSend is
// the time the most recent audio frame went out, or the zero time.
func NewMatchResult(msg Message, now, lastSend time.Time) MatchResult {
	result := MatchResult{
		Predicted:  append([]string{}, msg.PredictedPhonemes...),
		Accuracy:   msg.WeightedAccuracy,
		Matches:    append([]Match{}, msg.Matches...),
		ReceivedAt: now,
	}
	if !lastSend.IsZero() {
		latency := now.Sub(lastSend)
		if latency < 0 {
			latency = 0
		}
		result.Latency = &latency
	}
	return result
}

// PredictedText is the predicted sequence joined by single spaces.
func (r MatchResult) PredictedText() string {
	return strings.Join(r.Predicted, " ")
}
