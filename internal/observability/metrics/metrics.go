package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GateMetrics exposes counters/histograms for screening sessions.
type GateMetrics struct {
	decisionsTotal *prometheus.CounterVec
	degradedTotal  *prometheus.CounterVec
	threatFolds    *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	turnLatency    *prometheus.HistogramVec
}

func NewGateMetrics(reg prometheus.Registerer) *GateMetrics {
	m := &GateMetrics{
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gate",
			Name:      "decisions_total",
			Help:      "Access decisions recorded, by decision and source",
		}, []string{"decision", "source"}),
		degradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gate",
			Name:      "degraded_total",
			Help:      "Structured calls answered by the fallback text parser",
		}, []string{"schema", "reason"}),
		threatFolds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gate",
			Name:      "threat_folds_total",
			Help:      "Threat frame results folded into sessions",
		}, []string{"level", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gate",
			Name:      "notifications_total",
			Help:      "Contact notifications attempted",
		}, []string{"status"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gate",
			Name:      "sessions_active",
			Help:      "Sessions currently held by the session manager",
		}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gate",
			Name:      "turn_latency_seconds",
			Help:      "Latency of one conversational turn",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 30},
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.decisionsTotal, m.degradedTotal, m.threatFolds, m.notifications, m.sessionsActive, m.turnLatency)
	return m
}

func (m *GateMetrics) ObserveDecision(decision, source string) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(decision, source).Inc()
}

// ObserveDegraded satisfies structured.Observer.
func (m *GateMetrics) ObserveDegraded(schemaName, reason string) {
	if m == nil {
		return
	}
	m.degradedTotal.WithLabelValues(schemaName, reason).Inc()
}

// ObserveThreatFold records a fold; outcome is applied, stale, or escalated.
func (m *GateMetrics) ObserveThreatFold(level, outcome string) {
	if m == nil {
		return
	}
	m.threatFolds.WithLabelValues(level, outcome).Inc()
}

func (m *GateMetrics) ObserveNotification(status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(status).Inc()
}

func (m *GateMetrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *GateMetrics) SessionEnded() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// ObserveTurn records a turn; outcome is pending, decided, or ignored.
func (m *GateMetrics) ObserveTurn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turnLatency.WithLabelValues(outcome).Observe(d.Seconds())
}
