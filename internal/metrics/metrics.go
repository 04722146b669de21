package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "session_client"

// Collector counts session lifecycle events. A nil *Collector is valid and
// records nothing, so components can take one optionally.
type Collector struct {
	registry    *prometheus.Registry
	refreshes   *prometheus.CounterVec
	retries     prometheus.Counter
	requests    *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Refresh credential exchanges by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unauthorized_retries_total",
			Help:      "Requests retried once after a 401 and a successful refresh.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Outbound API requests by status class.",
		}, []string{"class"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target status.",
		}, []string{"status"}),
	}
	c.registry.MustRegister(c.refreshes, c.retries, c.requests, c.transitions)
	return c
}

// Registry exposes the collector's registry for promhttp.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return prometheus.NewRegistry()
	}
	return c.registry
}

// RefreshOutcome is one of "success", "shared", "missing", "failure",
// "superseded".
func (c *Collector) RefreshOutcome(outcome string) {
	if c == nil {
		return
	}
	c.refreshes.WithLabelValues(outcome).Inc()
}

func (c *Collector) UnauthorizedRetry() {
	if c == nil {
		return
	}
	c.retries.Inc()
}

func (c *Collector) Request(statusCode int) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(statusClass(statusCode)).Inc()
}

func (c *Collector) Transition(status string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(status).Inc()
}

func statusClass(code int) string {
	switch {
	case code == 0:
		return "error"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Counters gives tests direct access to the underlying vectors.
type Counters struct {
	Refreshes   *prometheus.CounterVec
	Retries     prometheus.Counter
	Requests    *prometheus.CounterVec
	Transitions *prometheus.CounterVec
}

func (c *Collector) Counters() Counters {
	return Counters{Refreshes: c.refreshes, Retries: c.retries, Requests: c.requests, Transitions: c.transitions}
}
