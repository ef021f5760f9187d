// Package metrics counts Bayeux traffic with Prometheus. Register the
// Extension with bayeux.WithExtension and expose the registry it was created
// with.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fayeclient/bayeux"
)

// Config controls metric naming and registration
type Config struct {
	// Registry receives the collectors. Defaults to
	// prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
	// Namespace prefixes every metric. Defaults to "bayeux".
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

// Extension implements bayeux.MessageExtender
type Extension struct {
	sent       *prometheus.CounterVec
	received   *prometheus.CounterVec
	failures   *prometheus.CounterVec
	advice     *prometheus.CounterVec
	handshakes prometheus.Counter
}

// New creates and registers the collectors. It panics if they are already
// registered with cfg.Registry.
func New(cfg Config) *Extension {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "bayeux"
	}
	factory := promauto.With(cfg.Registry)

	return &Extension{
		sent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "messages_sent_total",
			Help:        "Messages sent to the server",
			ConstLabels: cfg.ConstLabels,
		}, []string{"type"}),

		received: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "messages_received_total",
			Help:        "Messages received from the server",
			ConstLabels: cfg.ConstLabels,
		}, []string{"type"}),

		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "failures_total",
			Help:        "Replies with successful set to false",
			ConstLabels: cfg.ConstLabels,
		}, []string{"type"}),

		advice: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "advice_total",
			Help:        "Advice received, by reconnect directive",
			ConstLabels: cfg.ConstLabels,
		}, []string{"reconnect"}),

		handshakes: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "handshakes_succeeded_total",
			Help:        "Successful handshakes since start",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}

// Outgoing counts m by type
func (e *Extension) Outgoing(m *bayeux.Message) {
	e.sent.WithLabelValues(m.Type().String()).Inc()
}

// Incoming counts m by type along with failures and advice
func (e *Extension) Incoming(m *bayeux.Message) {
	typ := m.Type().String()
	e.received.WithLabelValues(typ).Inc()

	if m.Failed() {
		e.failures.WithLabelValues(typ).Inc()
	}
	if m.Type() == bayeux.HandshakeMessage && m.IsSuccessful() {
		e.handshakes.Inc()
	}
	if m.Advice != nil && m.Advice.Reconnect != "" {
		e.advice.WithLabelValues(m.Advice.Reconnect).Inc()
	}
}
