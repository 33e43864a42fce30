// ABOUTME: Prometheus metrics for bound agents, connection lifecycle, and dispatch outcomes
// ABOUTME: Registered on a private registry and served by promhttp on the HTTP listener

package gateway

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/command"
)

const metricsNamespace = "relay"

// metrics implements command.Observer and agent.EventSink.
type metrics struct {
	registry *prometheus.Registry

	connectionEvents *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	sendDuration     prometheus.Histogram
}

// rememberedRequests reports how many request_id outcomes are cached.
func newMetrics(agents *agent.Registry, rememberedRequests func() int) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		connectionEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "connection_events_total",
				Help:      "Agent connection lifecycle events by kind.",
			},
			[]string{"kind"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dispatch_total",
				Help:      "Command dispatches by action and outcome.",
			},
			[]string{"action", "outcome"},
		),
		sendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "dispatch_send_seconds",
				Help:      "Time spent handing a command to an agent transport.",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
		),
	}

	boundAgents := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "bound_agents",
			Help:      "Agent connections currently bound to a token.",
		},
		func() float64 { return float64(agents.Count()) },
	)

	idempotencyEntries := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "idempotency_entries",
			Help:      "request_id outcomes currently remembered for replay.",
		},
		func() float64 { return float64(rememberedRequests()) },
	)

	m.registry.MustRegister(
		boundAgents,
		idempotencyEntries,
		m.connectionEvents,
		m.dispatches,
		m.sendDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveDispatch counts the outcome and, when a send was attempted, its duration.
func (m *metrics) ObserveDispatch(_ context.Context, rec *command.Record) {
	m.dispatches.WithLabelValues(actionLabel(rec.Action), rec.Outcome.String()).Inc()
	if rec.ConnectionID != "" {
		m.sendDuration.Observe(rec.SendDuration.Seconds())
	}
}

// ConnectionEvent counts a lifecycle event.
func (m *metrics) ConnectionEvent(ev agent.Event) {
	m.connectionEvents.WithLabelValues(string(ev.Kind)).Inc()
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// actionLabel bounds label cardinality to the known actions.
func actionLabel(a command.Action) string {
	if _, err := command.ParseAction(string(a)); err != nil {
		return "unknown"
	}
	return string(a)
}
