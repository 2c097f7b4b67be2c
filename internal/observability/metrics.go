package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions       prometheus.Gauge
	SessionEvents        *prometheus.CounterVec
	DispatchOutcomes     *prometheus.CounterVec
	ProviderErrors       *prometheus.CounterVec
	RoomCleanups         *prometheus.CounterVec
	PresenceMessages     *prometheus.CounterVec
	ProvisioningDuration prometheus.Histogram
}

// NewMetrics registers instruments on reg. A nil reg uses the default
// registerer; tests pass a fresh prometheus.NewRegistry().
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions with a live agent dispatch.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		DispatchOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_outcomes_total",
			Help:      "Agent dispatch results by outcome.",
		}, []string{"outcome"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider, operation and code.",
		}, []string{"provider", "op", "code"}),
		RoomCleanups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_cleanups_total",
			Help:      "Room preparations by outcome.",
		}, []string{"outcome"}),
		PresenceMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_messages_total",
			Help:      "Presence channel messages by direction and type.",
		}, []string{"direction", "type"}),
		ProvisioningDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provisioning_duration_ms",
			Help:      "End-to-end session provisioning latency in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 3000, 5000, 8000, 12000},
		}),
	}
}

func (m *Metrics) ObserveProvisioning(d time.Duration) {
	m.ProvisioningDuration.Observe(float64(d.Milliseconds()))
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
