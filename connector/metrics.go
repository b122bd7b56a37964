package connector

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes connector activity to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	episodes          *prometheus.CounterVec
	failureReports    *prometheus.CounterVec
	transportFailures *prometheus.CounterVec
	deferredPending   *prometheus.GaugeVec
	deferredCloses    *prometheus.CounterVec
	sessions          *prometheus.CounterVec
	redeliveries      *prometheus.CounterVec
	deadLetters       *prometheus.CounterVec
}

// NewMetrics creates the connector collectors and registers them with reg.
// A nil reg leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		episodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mmate",
			Subsystem: "connector",
			Name:      "reconnect_episodes_total",
			Help:      "Failure episodes that reached quorum and triggered a reconnect.",
		}, []string{"connector"}),
		failureReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mmate",
			Subsystem: "connector",
			Name:      "failure_reports_total",
			Help:      "Broker failure reports received, by outcome.",
		}, []string{"connector", "outcome"}),
		transportFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mmate",
			Subsystem: "connector",
			Name:      "transport_failures_total",
			Help:      "Transport failures delegated to the retry policy.",
		}, []string{"connector"}),
		deferredPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mmate",
			Subsystem: "connector",
			Name:      "deferred_close_pending",
			Help:      "Resources waiting to be closed by the background closer.",
		}, []string{"connector"}),
		deferredCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mmate",
			Subsystem: "connector",
			Name:      "deferred_closes_total",
			Help:      "Resources closed by the background closer, by kind and result.",
		}, []string{"connector", "kind", "result"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mmate",
			Subsystem: "connector",
			Name:      "sessions_total",
			Help:      "Sessions handed out, by binding.",
		}, []string{"connector", "binding"}),
		redeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mmate",
			Subsystem: "connector",
			Name:      "redeliveries_total",
			Help:      "Redelivered messages observed by receivers.",
		}, []string{"connector"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mmate",
			Subsystem: "connector",
			Name:      "redelivery_exhausted_total",
			Help:      "Messages routed to terminal failure handling after exceeding max redelivery.",
		}, []string{"connector"}),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.episodes, m.failureReports, m.transportFailures, m.deferredPending,
		m.deferredCloses, m.sessions, m.redeliveries, m.deadLetters,
	}
}

func (m *Metrics) recordEpisode(connector string) {
	if m == nil {
		return
	}
	m.episodes.WithLabelValues(connector).Inc()
}

func (m *Metrics) recordReport(connector, outcome string) {
	if m == nil {
		return
	}
	m.failureReports.WithLabelValues(connector, outcome).Inc()
}

func (m *Metrics) recordTransportFailure(connector string) {
	if m == nil {
		return
	}
	m.transportFailures.WithLabelValues(connector).Inc()
}

func (m *Metrics) setDeferredPending(connector string, n int) {
	if m == nil {
		return
	}
	m.deferredPending.WithLabelValues(connector).Set(float64(n))
}

func (m *Metrics) recordDeferredClose(connector string, kind ResourceKind, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.deferredCloses.WithLabelValues(connector, kind.String(), result).Inc()
}

func (m *Metrics) recordSession(connector string, bound bool) {
	if m == nil {
		return
	}
	binding := "unbound"
	if bound {
		binding = "transaction"
	}
	m.sessions.WithLabelValues(connector, binding).Inc()
}

// RecordRedelivery counts a redelivered message
func (m *Metrics) RecordRedelivery(connector string) {
	if m == nil {
		return
	}
	m.redeliveries.WithLabelValues(connector).Inc()
}

// RecordRedeliveryExhausted counts a message routed to terminal handling
func (m *Metrics) RecordRedeliveryExhausted(connector string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(connector).Inc()
}
