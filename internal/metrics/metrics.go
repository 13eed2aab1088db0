// Package metrics exposes the hub's prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskhub"

// Metrics holds every hub collector, registered on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Connections      prometheus.Gauge
	Processors       *prometheus.GaugeVec
	ActiveTasks      prometheus.Gauge
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	DeliveryDropped  *prometheus.CounterVec
	HandlerErrors    *prometheus.CounterVec
	HandleDuration   *prometheus.HistogramVec
	IntegrityFaults  prometheus.Counter
	CoProcessorHops  prometheus.Counter
	LockWait         prometheus.Histogram
	LocksStuck       prometheus.Counter
}

// New creates and registers the collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open processor connections",
		}),

		Processors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "processors",
			Help:      "Registered processors by kind (processor, coprocessor)",
		}, []string{"kind"}),

		ActiveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "active_tasks",
			Help:      "Task instances held in the active store",
		}),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Inbound envelopes by command",
		}, []string{"command"}),

		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "sent_total",
			Help:      "Outbound envelopes by command and form (full, diff)",
		}, []string{"command", "form"}),

		DeliveryDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "dropped_total",
			Help:      "Envelopes not delivered, by reason",
		}, []string{"reason"}),

		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "errors_total",
			Help:      "Command handler failures by command",
		}, []string{"command"}),

		HandleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time spent handling one inbound envelope",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),

		IntegrityFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "integrity",
			Name:      "hash_mismatches_total",
			Help:      "Snapshots whose meta.hash did not match their content at emission",
		}),

		CoProcessorHops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coproc",
			Name:      "hops_total",
			Help:      "Envelopes forwarded to a coprocessor",
		}),

		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for an instance lock",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
		}),

		LocksStuck: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "stuck_total",
			Help:      "Watchdog reports of locks held past the threshold",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections,
		m.Processors,
		m.ActiveTasks,
		m.MessagesReceived,
		m.MessagesSent,
		m.DeliveryDropped,
		m.HandlerErrors,
		m.HandleDuration,
		m.IntegrityFaults,
		m.CoProcessorHops,
		m.LockWait,
		m.LocksStuck,
	)
	return m
}

// Registry returns the underlying prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) Received(command string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(label(command)).Inc()
}

func (m *Metrics) Sent(command string, diff bool) {
	if m == nil {
		return
	}
	form := "full"
	if diff {
		form = "diff"
	}
	m.MessagesSent.WithLabelValues(label(command), form).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.DeliveryDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) HandlerError(command string) {
	if m == nil {
		return
	}
	m.HandlerErrors.WithLabelValues(label(command)).Inc()
}

// ObserveHandle records how long handling one envelope took.
func (m *Metrics) ObserveHandle(command string, start time.Time) {
	if m == nil {
		return
	}
	m.HandleDuration.WithLabelValues(label(command)).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IntegrityFault() {
	if m == nil {
		return
	}
	m.IntegrityFaults.Inc()
}

func (m *Metrics) CoProcessorHop() {
	if m == nil {
		return
	}
	m.CoProcessorHops.Inc()
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.Observe(d.Seconds())
}

func (m *Metrics) LockStuck() {
	if m == nil {
		return
	}
	m.LocksStuck.Inc()
}

// SetConnections sets the open connection gauge.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(n))
}

// SetProcessors sets the registered processor gauges.
func (m *Metrics) SetProcessors(processors, coprocessors int) {
	if m == nil {
		return
	}
	m.Processors.WithLabelValues("processor").Set(float64(processors))
	m.Processors.WithLabelValues("coprocessor").Set(float64(coprocessors))
}

func (m *Metrics) SetActiveTasks(n int) {
	if m == nil {
		return
	}
	m.ActiveTasks.Set(float64(n))
}

func label(command string) string {
	if command == "" {
		return "none"
	}
	return command
}
