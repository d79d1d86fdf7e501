package polling

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the broker's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	polls     *prometheus.CounterVec
	requests  *prometheus.CounterVec
	responses *prometheus.CounterVec
	clients   prometheus.Gauge
}

// NewMetrics registers the broker collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framebridge",
			Subsystem: "broker",
			Name:      "polls_total",
			Help:      "Long-poll calls by outcome.",
		}, []string{"outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framebridge",
			Subsystem: "broker",
			Name:      "requests_total",
			Help:      "Requests queued for clients by operation.",
		}, []string{"operation"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framebridge",
			Subsystem: "broker",
			Name:      "responses_total",
			Help:      "Client responses by outcome.",
		}, []string{"outcome"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "framebridge",
			Subsystem: "broker",
			Name:      "clients",
			Help:      "Registered clients.",
		}),
	}
	reg.MustRegister(m.polls, m.requests, m.responses, m.clients)
	return m
}

func (m *Metrics) poll(outcome string) {
	if m != nil {
		m.polls.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) request(operation string) {
	if m != nil {
		m.requests.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) response(outcome string) {
	if m != nil {
		m.responses.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) setClients(n int) {
	if m != nil {
		m.clients.Set(float64(n))
	}
}
