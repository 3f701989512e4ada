package phoneme

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var ErrMalformedMessage = errors.New("malformed message")

// wireMessage mirrors the JSON as sent; numbers are decoded loosely so a
// bad score on one match does not throw away the whole frame.
type wireMessage struct {
	PredictedPhonemes []string        `json:"predicted_phonemes"`
	WeightedAccuracy  json.RawMessage `json:"weighted_accuracy"`
	Matches           []wireMatch     `json:"matches"`
}

type wireMatch struct {
	Expected   string          `json:"expected"`
	Predicted  string          `json:"predicted"`
	MatchScore json.RawMessage `json:"match_score"`
}

// DecodeMessage parses an inbound frame. Missing, null, non-numeric,
// non-finite or out of range [0, 1] scores decode as nil rather than zero.
// Structural problems are reported as ErrMalformedMessage.
func DecodeMessage(data []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	msg := Message{
		PredictedPhonemes: wire.PredictedPhonemes,
		WeightedAccuracy:  unitScore(wire.WeightedAccuracy),
	}
	if msg.PredictedPhonemes == nil {
		msg.PredictedPhonemes = []string{}
	}
	if len(wire.Matches) > 0 {
		msg.Matches = make([]Match, len(wire.Matches))
		for i, m := range wire.Matches {
			msg.Matches[i] = Match{
				Expected:  m.Expected,
				Predicted: m.Predicted,
				Score:     unitScore(m.MatchScore),
			}
		}
	}

	return msg, nil
}

func unitScore(raw json.RawMessage) *float64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
		return nil
	}
	return &v
}
