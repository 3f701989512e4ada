// Package metrics holds the Prometheus instruments for streaming sessions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "phonematch"

// Metrics contains the session instruments. A nil *Metrics records
// nothing, so callers never need to check.
type Metrics struct {
	// Outbound audio
	ChunksSent     prometheus.Counter
	AudioBytesSent prometheus.Counter
	ChunksQueued   prometheus.Counter
	ChunksDropped  prometheus.Counter

	// Inbound results
	ResultsReceived   prometheus.Counter
	MessagesIgnored   prometheus.Counter
	MessagesMalformed prometheus.Counter
	ResultLatency     prometheus.Histogram

	// Lifecycle
	SessionState    prometheus.Gauge
	SessionsStarted prometheus.Counter
	TransportErrors prometheus.Counter
}

// New creates the instruments and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChunksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_sent_total",
			Help:      "Resampled audio chunks sent to the matcher",
		}),
		AudioBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "PCM bytes sent to the matcher",
		}),
		ChunksQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_queued_total",
			Help:      "Chunks held back until the connection opened",
		}),
		ChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_dropped_total",
			Help:      "Queued chunks discarded because the queue was full",
		}),
		ResultsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_received_total",
			Help:      "Match results delivered",
		}),
		MessagesIgnored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_ignored_total",
			Help:      "Inbound messages without matches",
		}),
		MessagesMalformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_malformed_total",
			Help:      "Inbound messages that could not be decoded",
		}),
		ResultLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "result_latency_seconds",
			Help:      "Time from the last chunk sent to a result arriving",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		SessionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session state (0 idle, 1 connecting, 2 streaming, 3 closing, 4 closed)",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions that reached the connecting state",
		}),
		TransportErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Connections ended by a dial, read or write failure",
		}),
	}
}

func (m *Metrics) ChunkSent(bytes int) {
	if m == nil {
		return
	}
	m.ChunksSent.Inc()
	m.AudioBytesSent.Add(float64(bytes))
}

func (m *Metrics) ChunkQueued() {
	if m == nil {
		return
	}
	m.ChunksQueued.Inc()
}

func (m *Metrics) ChunkDropped() {
	if m == nil {
		return
	}
	m.ChunksDropped.Inc()
}

// ResultReceived counts a result and, when known, its latency.
func (m *Metrics) ResultReceived(latency *time.Duration) {
	if m == nil {
		return
	}
	m.ResultsReceived.Inc()
	if latency != nil {
		m.ResultLatency.Observe(latency.Seconds())
	}
}

func (m *Metrics) MessageIgnored() {
	if m == nil {
		return
	}
	m.MessagesIgnored.Inc()
}

func (m *Metrics) MessageMalformed() {
	if m == nil {
		return
	}
	m.MessagesMalformed.Inc()
}

func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.SessionState.Set(float64(state))
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

func (m *Metrics) TransportError() {
	if m == nil {
		return
	}
	m.TransportErrors.Inc()
}
