// Package metrics counts SDK activity on a private Prometheus registry, so
// several clients in one process never collide.
package metrics

import (
	"net/http"
	"time"

	"github.com/orchestra-mcp/chatsync/src/errs"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds the SDK collectors.
type Metrics struct {
	registry *prometheus.Registry

	events   *prometheus.CounterVec
	netState *prometheus.CounterVec
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// New creates the collectors under namespace and registers them.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events emitted on the dispatcher.",
		}, []string{"event"}),
		netState: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "net_changes_total",
			Help:      "Network state transitions by state.",
		}, []string{"state"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Backend calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Backend call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
	m.registry.MustRegister(m.events, m.netState, m.requests, m.latency)
	return m
}

// Registry returns the private registry, e.g. to add collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEvent counts one dispatcher event. A net_changed payload is
// also counted by state.
func (m *Metrics) ObserveEvent(name string, payload any) {
	m.events.WithLabelValues(name).Inc()
	if state, ok := payload.(string); ok && name == types.EventNetChanged {
		m.netState.WithLabelValues(state).Inc()
	}
}

// ObserveRequest records one backend call. The outcome is "ok" or the
// error's kind.
func (m *Metrics) ObserveRequest(op string, start time.Time, err error) {
	outcome := "ok"
	if e := errs.From(err); e != nil {
		outcome = string(e.Kind)
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// EventCount returns the events counted for name.
func (m *Metrics) EventCount(name string) float64 {
	return counterValue(m.events.WithLabelValues(name))
}

// RequestCount returns the calls counted for op with outcome.
func (m *Metrics) RequestCount(op, outcome string) float64 {
	return counterValue(m.requests.WithLabelValues(op, outcome))
}

func counterValue(c prometheus.Counter) float64 {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}
