// Package metrics holds the gateway's Prometheus collectors. All recording
// methods are safe to call on a nil *Collectors, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "collab"

// Outcome labels shared by several collectors.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeConflict = "conflict"
	OutcomeDropped  = "dropped"
)

// Collectors groups every collector the gateway exports.
type Collectors struct {
	ActiveConnections prometheus.Gauge
	ActiveRooms       prometheus.Gauge
	HandshakeRejects  *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	UpdatesApplied    *prometheus.CounterVec
	MergeAttempts     prometheus.Counter
	SlowConsumers     prometheus.Counter

	CodecCallDuration *prometheus.HistogramVec

	FanoutMessages *prometheus.CounterVec

	SnapshotWrites *prometheus.CounterVec
	FailingRooms   prometheus.Gauge
}

// New registers all collectors on registerer.
func New(registerer prometheus.Registerer) *Collectors {
	factory := promauto.With(registerer)
	return &Collectors{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Open collaboration sockets.",
		}),
		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Document rooms held in memory, including draining rooms.",
		}),
		HandshakeRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_rejects_total",
			Help:      "Rejected collaboration handshakes by reason code.",
		}, []string{"code"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames by type.",
		}, []string{"type"}),
		UpdatesApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Client updates by outcome.",
		}, []string{"source", "outcome"}),
		MergeAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_attempts_total",
			Help:      "Codec merge attempts including retries.",
		}),
		SlowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumers_total",
			Help:      "Sockets closed because their outbound buffer overflowed.",
		}),
		CodecCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "codec_call_duration_seconds",
			Help:      "Codec call latency by operation and outcome.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"operation", "outcome"}),
		FanoutMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_messages_total",
			Help:      "Cross-instance messages by direction, kind and outcome.",
		}, []string{"direction", "kind", "outcome"}),
		SnapshotWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_writes_total",
			Help:      "Snapshot write attempts by outcome.",
		}, []string{"outcome"}),
		FailingRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_failing_rooms",
			Help:      "Documents whose latest snapshot write failed.",
		}),
	}
}

// ObserveCodecCall records a codec call; it satisfies codec.Observer.
func (c *Collectors) ObserveCodecCall(operation string, err error, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.CodecCallDuration.WithLabelValues(operation, outcomeOf(err)).Observe(elapsed.Seconds())
}

// ConnectionOpened increments the open socket gauge.
func (c *Collectors) ConnectionOpened() {
	if c == nil {
		return
	}
	c.ActiveConnections.Inc()
}

// ConnectionClosed decrements the open socket gauge.
func (c *Collectors) ConnectionClosed() {
	if c == nil {
		return
	}
	c.ActiveConnections.Dec()
}

// RoomsActive sets the in-memory room gauge.
func (c *Collectors) RoomsActive(count int) {
	if c == nil {
		return
	}
	c.ActiveRooms.Set(float64(count))
}

// HandshakeRejected counts a rejected handshake.
func (c *Collectors) HandshakeRejected(code string) {
	if c == nil {
		return
	}
	c.HandshakeRejects.WithLabelValues(code).Inc()
}

// FrameReceived counts an inbound frame.
func (c *Collectors) FrameReceived(frameType string) {
	if c == nil {
		return
	}
	c.FramesReceived.WithLabelValues(frameType).Inc()
}

// UpdateApplied counts a local or remote update outcome.
func (c *Collectors) UpdateApplied(source, outcome string) {
	if c == nil {
		return
	}
	c.UpdatesApplied.WithLabelValues(source, outcome).Inc()
}

// MergeAttempted counts one codec merge attempt.
func (c *Collectors) MergeAttempted() {
	if c == nil {
		return
	}
	c.MergeAttempts.Inc()
}

// SlowConsumer counts a socket closed for backpressure.
func (c *Collectors) SlowConsumer() {
	if c == nil {
		return
	}
	c.SlowConsumers.Inc()
}

// FanoutMessage counts a cross-instance message.
func (c *Collectors) FanoutMessage(direction, kind, outcome string) {
	if c == nil {
		return
	}
	c.FanoutMessages.WithLabelValues(direction, kind, outcome).Inc()
}

// SnapshotWritten counts a snapshot write outcome.
func (c *Collectors) SnapshotWritten(outcome string) {
	if c == nil {
		return
	}
	c.SnapshotWrites.WithLabelValues(outcome).Inc()
}

// SnapshotFailingRooms sets the failing room gauge.
func (c *Collectors) SnapshotFailingRooms(count int) {
	if c == nil {
		return
	}
	c.FailingRooms.Set(float64(count))
}

func outcomeOf(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
