package results

import (
	"fmt"
	"strings"

	"node.town/phonematch/phoneme"
)

// Unknown is shown in place of a missing score.
const Unknown = "--"

// FormatScore renders a unit score with two decimals.
func FormatScore(score *float64) string {
	if score == nil {
		return Unknown
	}
	return fmt.Sprintf("%.2f", *score)
}

// FormatLatency renders whole milliseconds, or "" when unknown.
func FormatLatency(ms *int64) string {
	if ms == nil {
		return ""
	}
	return fmt.Sprintf("%d ms", *ms)
}

// FormatMatch renders one comparison as "expected ↔ predicted | score".
func FormatMatch(m phoneme.Match) string {
	return fmt.Sprintf("%s ↔ %s | %s", m.Expected, m.Predicted, FormatScore(m.Score))
}

func (e Entry) Title() string {
	return fmt.Sprintf("Segment %d", e.Segment)
}

// Lines renders the entry as it appears in a result card.
func (e Entry) Lines() []string {
	lines := []string{
		"Predicted: " + e.Predicted,
		"Accuracy: " + FormatScore(e.Accuracy),
	}
	if latency := FormatLatency(e.LatencyMs); latency != "" {
		lines = append(lines, "Latency: "+latency)
	}
	for _, m := range e.Matches {
		lines = append(lines, FormatMatch(m))
	}
	return lines
}

// Markdown renders a session report: the summary followed by every
// entry, newest first.
func Markdown(expected phoneme.Phonemes, entries []Entry, s Summary) string {
	var b strings.Builder

	b.WriteString("# Phoneme match\n\n")
	fmt.Fprintf(&b, "Expected: `%s`\n\n", expected.String())
	fmt.Fprintf(&b, "- Segments: %d\n", s.Segments)
	fmt.Fprintf(&b, "- Mean accuracy: %s\n", FormatScore(s.MeanAccuracy))
	if s.MeanLatency != nil {
		fmt.Fprintf(&b, "- Mean latency: %d ms\n", s.MeanLatency.Milliseconds())
	}

	for _, e := range entries {
		fmt.Fprintf(&b, "\n## %s\n\n", e.Title())
		fmt.Fprintf(&b, "Predicted `%s`, accuracy **%s**", e.Predicted, FormatScore(e.Accuracy))
		if latency := FormatLatency(e.LatencyMs); latency != "" {
			fmt.Fprintf(&b, ", %s", latency)
		}
		b.WriteString("\n\n")

		if len(e.Matches) > 0 {
			b.WriteString("| expected | predicted | score |\n")
			b.WriteString("|---|---|---|\n")
			for _, m := range e.Matches {
				fmt.Fprintf(&b, "| %s | %s | %s |\n", m.Expected, m.Predicted, FormatScore(m.Score))
			}
		}
	}

	return b.String()
}

