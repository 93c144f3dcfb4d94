package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crowdwatch/crowdwatch/pkg/types"
)

const namespace = "crowdwatch"

// SessionStates lists every value SetSessionState accepts.
var SessionStates = []string{"idle", "connecting", "live", "retrying", "closed"}

// Metrics holds every instrument the service records.
type Metrics struct {
	Observations *prometheus.CounterVec
	Count        prometheus.Gauge
	Score        prometheus.Gauge
	Threshold    prometheus.Gauge
	Alerts       *prometheus.CounterVec
	Unrecorded   prometheus.Counter

	SessionState *prometheus.GaugeVec
	Reconnects   prometheus.Counter
	Malformed    prometheus.Counter

	ControlRequests *prometheus.CounterVec
	ControlDuration *prometheus.HistogramVec
	BreakerState    *prometheus.GaugeVec

	HubClients   prometheus.Gauge
	WebhookSends *prometheus.CounterVec
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		Observations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_total",
			Help:      "Observations processed by the pipeline, by origin.",
		}, []string{"origin"}),
		Count: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entity_count",
			Help:      "Most recently observed entity count.",
		}),
		Score: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Most recent risk score (0-100).",
		}),
		Threshold: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "risk_threshold",
			Help:      "Configured entity count threshold.",
		}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Escalations into an alerting category, by category.",
		}, []string{"category"}),
		Unrecorded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_suppressed_total",
			Help:      "Zero counts held back from the history while no session was running.",
		}),
		SessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current feed session state, 0 otherwise.",
		}, []string{"state"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_reconnects_total",
			Help:      "Reconnect attempts made after the feed was lost.",
		}),
		Malformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_malformed_total",
			Help:      "Feed payloads dropped because they were not a non-negative integer.",
		}),
		ControlRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_requests_total",
			Help:      "Requests to the detector backend, by operation and result.",
		}, []string{"op", "result"}),
		ControlDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "control_request_duration_seconds",
			Help:      "Latency of requests to the detector backend.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"name"}),
		HubClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected WebSocket stream clients.",
		}),
		WebhookSends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Alert webhook deliveries, by target type and result.",
		}, []string{"type", "result"}),
	}
	m.SetSessionState("idle")
	return m
}

// ObserveFrame records one pipeline frame.
func (m *Metrics) ObserveFrame(f types.Frame) {
	m.Observations.WithLabelValues(string(f.Origin)).Inc()
	m.Count.Set(float64(f.Count))
	m.Score.Set(float64(f.Score))
	m.Threshold.Set(float64(f.Threshold))
	if !f.Recorded {
		m.Unrecorded.Inc()
	}
}

// ObserveEscalation counts one alert raised in category c.
func (m *Metrics) ObserveEscalation(c types.Category) {
	m.Alerts.WithLabelValues(c.String()).Inc()
}

// SetSessionState marks state as current and every other state as inactive.
func (m *Metrics) SetSessionState(state string) {
	for _, s := range SessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(s).Set(v)
	}
}

// ObserveControl records the outcome and latency of one backend request.
func (m *Metrics) ObserveControl(op string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ControlRequests.WithLabelValues(op, result).Inc()
	m.ControlDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveWebhook counts one webhook delivery attempt.
func (m *Metrics) ObserveWebhook(target string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.WebhookSends.WithLabelValues(target, result).Inc()
}
