// Package metrics exports Prometheus collectors for the room session core.
//
// A nil *Collector is valid and records nothing, so components can take an
// optional collector without nil checks at every call site.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "roomsession"

// Collector owns a private registry so several sessions (or tests) never
// collide on global registration.
type Collector struct {
	registry *prometheus.Registry

	stateTransitions  *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	outboundDropped   prometheus.Counter
	duplicatesDropped prometheus.Counter
	violations        prometheus.Counter
	glare             *prometheus.CounterVec
	renegotiations    prometheus.Counter
	subscriberDropped prometheus.Counter
	participants      prometheus.Gauge
	streams           *prometheus.GaugeVec

	// Mirrors read by the periodic reporter.
	reconnects   atomic.Int64
	dropped      atomic.Int64
	participantN atomic.Int64
	streamN      atomic.Int64
}

// New creates a Collector with all metrics registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Connection state transitions by destination state",
		}, []string{"state"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "reconnect_attempts_total",
			Help:      "Signaling dial attempts made after a failure",
		}),
		outboundDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "outbound_dropped_total",
			Help:      "Outbound messages dropped because the send queue overflowed",
		}),
		duplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "inbound_duplicates_total",
			Help:      "Inbound messages dropped as redeliveries",
		}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "protocol_violations_total",
			Help:      "Malformed inbound messages",
		}),
		glare: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "glare_total",
			Help:      "Offer collisions by local outcome",
		}, []string{"outcome"}),
		renegotiations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "renegotiations_total",
			Help:      "Local offers created",
		}),
		subscriberDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "subscriber_events_dropped_total",
			Help:      "Events not delivered to a full subscriber buffer",
		}),
		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "participants",
			Help:      "Remote participants currently in the room",
		}),
		streams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "streams",
			Help:      "Tracked remote streams by lifecycle state",
		}, []string{"state"}),
	}

	c.registry.MustRegister(
		c.stateTransitions,
		c.reconnectAttempts,
		c.outboundDropped,
		c.duplicatesDropped,
		c.violations,
		c.glare,
		c.renegotiations,
		c.subscriberDropped,
		c.participants,
		c.streams,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) StateTransition(state string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(state).Inc()
}

func (c *Collector) ReconnectAttempt() {
	if c == nil {
		return
	}
	c.reconnectAttempts.Inc()
	c.reconnects.Add(1)
}

func (c *Collector) OutboundDropped() {
	if c == nil {
		return
	}
	c.outboundDropped.Inc()
	c.dropped.Add(1)
}

func (c *Collector) DuplicateDropped() {
	if c == nil {
		return
	}
	c.duplicatesDropped.Inc()
}

func (c *Collector) ProtocolViolation() {
	if c == nil {
		return
	}
	c.violations.Inc()
}

// Glare records an offer collision; outcome is "yielded" or "ignored".
func (c *Collector) Glare(outcome string) {
	if c == nil {
		return
	}
	c.glare.WithLabelValues(outcome).Inc()
}

func (c *Collector) Renegotiation() {
	if c == nil {
		return
	}
	c.renegotiations.Inc()
}

func (c *Collector) SubscriberDropped() {
	if c == nil {
		return
	}
	c.subscriberDropped.Inc()
}

func (c *Collector) SetParticipants(n int) {
	if c == nil {
		return
	}
	c.participants.Set(float64(n))
	c.participantN.Store(int64(n))
}

// SetStreams replaces the per-state stream gauge. States missing from
// counts are reset to zero.
func (c *Collector) SetStreams(counts map[string]int, states ...string) {
	if c == nil {
		return
	}
	total := 0
	for _, s := range states {
		n := counts[s]
		c.streams.WithLabelValues(s).Set(float64(n))
		total += n
	}
	c.streamN.Store(int64(total))
}
