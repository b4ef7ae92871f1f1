package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mycrewmanager/realtime/internal/connection"
	"github.com/mycrewmanager/realtime/internal/journal"
	"github.com/mycrewmanager/realtime/internal/relay"
	"github.com/mycrewmanager/realtime/internal/router"
	"github.com/mycrewmanager/realtime/internal/supervisor"
)

const namespace = "mcm"

var statuses = []connection.Status{
	connection.StatusDisconnected,
	connection.StatusConnecting,
	connection.StatusConnected,
	connection.StatusReconnecting,
}

// Metrics holds the listener's collectors.
type Metrics struct {
	registry *prometheus.Registry
	factory  promauto.Factory

	Status      *prometheus.GaugeVec
	Transitions *prometheus.CounterVec
	Events      *prometheus.CounterVec
}

// New creates a registry with Go and process collectors and the channel
// metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		factory:  f,
		Status: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "status",
				Help:      "1 for the current channel status, 0 otherwise",
			},
			[]string{"status"},
		),
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "transitions_total",
				Help:      "Channel status transitions",
			},
			[]string{"from", "to"},
		),
		Events: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "events_total",
				Help:      "Normalized events received, by event type",
			},
			[]string{"event_type"},
		),
	}
	m.setStatus(connection.StatusDisconnected)
	return m
}

// ObserveStatus is a connection.StatusFunc.
func (m *Metrics) ObserveStatus(from, to connection.Status) {
	m.Transitions.WithLabelValues(string(from), string(to)).Inc()
	m.setStatus(to)
}

func (m *Metrics) setStatus(current connection.Status) {
	for _, s := range statuses {
		v := 0.0
		if s == current {
			v = 1
		}
		m.Status.WithLabelValues(string(s)).Set(v)
	}
}

// ObserveEvent is a connection.Handler. Unmodeled types share one label
// value to bound cardinality.
func (m *Metrics) ObserveEvent(msg connection.Message) {
	eventType, _ := router.Normalize(msg)
	if !router.Known(eventType) {
		eventType = "unknown"
	}
	m.Events.WithLabelValues(eventType).Inc()
}

// RegisterChannel exports the manager's counters.
func (m *Metrics) RegisterChannel(stats func() connection.Stats) {
	counter := func(name, help string, v func(connection.Stats) int64) {
		m.factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v(stats())) })
	}
	counter("connect_attempts_total", "Dials started", func(s connection.Stats) int64 { return s.ConnectAttempts })
	counter("connects_total", "Successful opens", func(s connection.Stats) int64 { return s.Connects })
	counter("reconnects_scheduled_total", "Reconnects scheduled after an abnormal close", func(s connection.Stats) int64 { return s.ReconnectsPlanned })
	counter("frames_received_total", "Inbound frames", func(s connection.Stats) int64 { return s.FramesReceived })
	counter("parse_errors_total", "Inbound frames dropped as malformed", func(s connection.Stats) int64 { return s.ParseErrors })
	counter("handler_panics_total", "Subscriber panics recovered", func(s connection.Stats) int64 { return s.HandlerPanics })

	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "retries",
		Help:      "Reconnect attempts in the current episode",
	}, func() float64 { return float64(stats().Retries) })
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "subscribers",
		Help:      "Registered channel subscribers",
	}, func() float64 { return float64(stats().Subscribers) })
}

// RegisterBinding exports one binding's counters under the given label.
func (m *Metrics) RegisterBinding(name string, stats func() router.BindingStats) {
	counter := func(metric, help string, v func(router.BindingStats) int64) {
		m.factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "binding",
			Name:        metric,
			Help:        help,
			ConstLabels: prometheus.Labels{"binding": name},
		}, func() float64 { return float64(v(stats())) })
	}
	counter("received_total", "Messages seen by the binding", func(s router.BindingStats) int64 { return s.Received })
	counter("filtered_total", "Messages outside the binding's project", func(s router.BindingStats) int64 { return s.Filtered })
	counter("dispatched_total", "Events delivered to a callback", func(s router.BindingStats) int64 { return s.Dispatched })
	counter("unknown_total", "Events of unmodeled types", func(s router.BindingStats) int64 { return s.Unknown })
	counter("decode_errors_total", "Event payloads that did not decode", func(s router.BindingStats) int64 { return s.DecodeErrors })
	counter("callback_panics_total", "Callback panics recovered", func(s router.BindingStats) int64 { return s.HandlerPanics })
}

// RegisterJournal exports the journal writer's counters.
func (m *Metrics) RegisterJournal(stats func() journal.Stats) {
	counter := func(name, help string, v func(journal.Stats) int64) {
		m.factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v(stats())) })
	}
	counter("enqueued_total", "Rows queued", func(s journal.Stats) int64 { return s.Enqueued })
	counter("dropped_total", "Rows evicted from a full queue", func(s journal.Stats) int64 { return s.Dropped })
	counter("inserted_total", "Rows written", func(s journal.Stats) int64 { return s.Inserted })
	counter("conflicts_total", "Rows skipped as duplicates", func(s journal.Stats) int64 { return s.Conflicts })
	counter("flushes_total", "Batches written", func(s journal.Stats) int64 { return s.Flushes })
	counter("errors_total", "Batches that failed", func(s journal.Stats) int64 { return s.Errors })

	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "journal",
		Name:      "pending",
		Help:      "Rows waiting to be written",
	}, func() float64 { return float64(stats().Pending) })
}

// RegisterRelay exports the relay's counters.
func (m *Metrics) RegisterRelay(stats func() relay.Stats) {
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "published_total",
		Help:      "Events published to NATS",
	}, func() float64 { return float64(stats().Published) })
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "failed_total",
		Help:      "Events that failed to publish",
	}, func() float64 { return float64(stats().Failed) })
}

// RegisterSupervisor exports the channel supervisor's counters.
func (m *Metrics) RegisterSupervisor(stats func() supervisor.Stats) {
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "revivals_total",
		Help:      "Reconnects issued for a disconnected channel",
	}, func() float64 { return float64(stats().Revivals) })
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "no_token_total",
		Help:      "Checks skipped because no session token was available",
	}, func() float64 { return float64(stats().NoToken) })
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
