package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	Subscriptions    prometheus.Gauge
	Mutations        *prometheus.CounterVec
	MutationLatency  *prometheus.HistogramVec
	EventsPublished  *prometheus.CounterVec
	DeliveryDrops    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	BridgeMessages   *prometheus.CounterVec
	ResyncsRequested prometheus.Counter
	Stages           *LatencyWindow
	gatherer         prometheus.Gatherer
}

// NewMetrics registers instruments on reg. A nil reg uses the default registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	gatherer := prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of open realtime sessions.",
		}),
		Subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workspace_subscriptions",
			Help:      "Number of session to workspace subscriptions.",
		}),
		Mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Mutations by kind and result code.",
		}, []string{"kind", "result"}),
		MutationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mutation_latency_ms",
			Help:      "Latency from accepted request to published event in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"kind"}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Committed events handed to the distributor by kind.",
		}, []string{"kind"}),
		DeliveryDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_drops_total",
			Help:      "Frames dropped on the way to a subscriber by reason.",
		}, []string{"reason"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		BridgeMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_messages_total",
			Help:      "Cross-instance bridge messages by direction and result.",
		}, []string{"direction", "result"}),
		ResyncsRequested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_requested_total",
			Help:      "Sessions told to re-fetch after losing frames.",
		}),
		Stages:   NewLatencyWindow(256),
		gatherer: gatherer,
	}
}

func (m *Metrics) ObserveMutation(kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(kind, result).Inc()
	if result == "ok" {
		m.MutationLatency.WithLabelValues(kind).Observe(float64(d.Microseconds()) / 1000)
		m.Stages.Observe("mutation_total", float64(d.Microseconds())/1000)
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.Stages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) EventPublished(kind string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(kind).Inc()
}

func (m *Metrics) DeliveryDropped(reason string) {
	if m == nil {
		return
	}
	m.DeliveryDrops.WithLabelValues(reason).Inc()
	m.Stages.ObserveIndicator("drop_" + reason)
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) BridgeMessage(direction, result string) {
	if m == nil {
		return
	}
	m.BridgeMessages.WithLabelValues(direction, result).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) SubscriptionsChanged(delta int) {
	if m == nil {
		return
	}
	m.Subscriptions.Add(float64(delta))
}

func (m *Metrics) ResyncRequested() {
	if m == nil {
		return
	}
	m.ResyncsRequested.Inc()
}

// StageSnapshot returns the rolling latency window, or an empty snapshot for nil.
func (m *Metrics) StageSnapshot() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.Stages.Snapshot()
}

// Handler serves the registry these metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
