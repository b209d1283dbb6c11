// Package metrics exposes the server's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	SessionsActive    prometheus.Gauge
	PipelinesActive   prometheus.Gauge
	PipelinesCreated  prometheus.Counter
	PipelinesReleased prometheus.Counter
	MessagesIn        *prometheus.CounterVec
	SendErrors        prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callbridge_sessions_active",
			Help: "Registered participants currently connected.",
		}),
		PipelinesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callbridge_pipelines_active",
			Help: "Media pipelines currently held by the registry.",
		}),
		PipelinesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callbridge_pipelines_created_total",
			Help: "Media pipelines created on the media server.",
		}),
		PipelinesReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callbridge_pipelines_released_total",
			Help: "Media pipelines released on the media server.",
		}),
		MessagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callbridge_messages_in_total",
			Help: "Inbound signaling frames by kind.",
		}, []string{"kind"}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callbridge_send_errors_total",
			Help: "Outbound frames dropped on a closed or saturated connection.",
		}),
	}
	reg.MustRegister(
		m.SessionsActive,
		m.PipelinesActive,
		m.PipelinesCreated,
		m.PipelinesReleased,
		m.MessagesIn,
		m.SendErrors,
	)
	return m
}

// Handler serves the /metrics endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
