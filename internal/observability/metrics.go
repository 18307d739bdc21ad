package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the bridge.
// Metrics are organized by subsystem: inbound commands, delivery results,
// report publishing, key allocation and the worker supervisor.
// All Record* methods are safe to call on a nil *Metrics.
type Metrics struct {
	// CommandsReceived counts inbound sample commands, labeled by command (create, update, delete).
	CommandsReceived *prometheus.CounterVec

	// CommandsFailed counts inbound commands that were not applied, labeled by command and reason.
	CommandsFailed *prometheus.CounterVec

	// CommandDuration observes the time spent applying one inbound command.
	CommandDuration *prometheus.HistogramVec

	// DeliveryResults counts delivery-result messages, labeled by outcome.
	DeliveryResults *prometheus.CounterVec

	// ReportsPublished counts reports the broker confirmed.
	ReportsPublished prometheus.Counter

	// ReportsFailed counts reports whose publish attempts were exhausted.
	ReportsFailed prometheus.Counter

	// PublishAttempts counts individual publish attempts, labeled by result.
	PublishAttempts *prometheus.CounterVec

	// PublishDuration observes the time from publish to broker confirmation.
	PublishDuration prometheus.Histogram

	// PublishCycles counts completed publisher poll cycles.
	PublishCycles prometheus.Counter

	// ReportsPending is the number of finalized reports found by the last cycle.
	ReportsPending prometheus.Gauge

	KeysAllocated *prometheus.CounterVec

	// EventLogWrites counts event-log rows written, labeled by kind.
	EventLogWrites *prometheus.CounterVec

	// WorkerRestarts counts supervisor restarts of the worker set.
	WorkerRestarts prometheus.Counter

	// ConfigurationDrift counts detected broker setting changes.
	ConfigurationDrift prometheus.Counter

	// WorkersUp reports 1 for each running worker.
	WorkersUp *prometheus.GaugeVec
}

// NewMetrics creates and registers all bridge metrics with the default
// Prometheus registry. The namespace prefixes every metric name.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers the bridge metrics with reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid collisions on the global registry.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CommandsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "commands_received_total",
			Help:      "Total number of inbound sample commands received",
		}, []string{"command"}),
		CommandsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "commands_failed_total",
			Help:      "Total number of inbound sample commands not applied",
		}, []string{"command", "reason"}),
		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "command_duration_seconds",
			Help:      "Time spent applying an inbound command",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),

		DeliveryResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "results_total",
			Help:      "Total number of delivery results processed",
		}, []string{"outcome"}),

		ReportsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "reports_published_total",
			Help:      "Total number of reports confirmed by the broker",
		}),
		ReportsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "reports_failed_total",
			Help:      "Total number of reports that exhausted their publish attempts",
		}),
		PublishAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "attempts_total",
			Help:      "Total number of publish attempts",
		}, []string{"result"}),
		PublishDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "confirm_duration_seconds",
			Help:      "Time from publish to broker confirmation",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		PublishCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "cycles_total",
			Help:      "Total number of completed publisher poll cycles",
		}),
		ReportsPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "reports_pending",
			Help:      "Finalized reports found by the last poll cycle",
		}),

		KeysAllocated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "allocated_total",
			Help:      "Total number of technical keys allocated",
		}, []string{"table"}),
		EventLogWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "event_log",
			Name:      "writes_total",
			Help:      "Total number of event log entries written",
		}, []string{"kind"}),

		WorkerRestarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Total number of worker set restarts",
		}),
		ConfigurationDrift: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "configuration_drift_total",
			Help:      "Total number of detected broker setting changes",
		}),
		WorkersUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "workers_up",
			Help:      "Whether each worker is running",
		}, []string{"worker"}),
	}
}

// RecordCommandReceived records an inbound command.
func (m *Metrics) RecordCommandReceived(command string) {
	if m == nil {
		return
	}
	m.CommandsReceived.WithLabelValues(command).Inc()
}

// RecordCommandApplied records the duration of a successfully applied command.
func (m *Metrics) RecordCommandApplied(command string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CommandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordCommandFailed records an inbound command that was not applied.
func (m *Metrics) RecordCommandFailed(command, reason string) {
	if m == nil {
		return
	}
	m.CommandsFailed.WithLabelValues(command, reason).Inc()
}

// RecordDeliveryResult records a processed delivery result.
func (m *Metrics) RecordDeliveryResult(outcome string) {
	if m == nil {
		return
	}
	m.DeliveryResults.WithLabelValues(outcome).Inc()
}

// RecordPublishAttempt records one publish attempt. Successful attempts also
// observe the confirmation latency.
func (m *Metrics) RecordPublishAttempt(success bool, duration time.Duration) {
	if m == nil {
		return
	}
	if success {
		m.PublishAttempts.WithLabelValues("success").Inc()
		m.PublishDuration.Observe(duration.Seconds())
		return
	}
	m.PublishAttempts.WithLabelValues("failure").Inc()
}

// RecordReportPublished records a report confirmed by the broker.
func (m *Metrics) RecordReportPublished() {
	if m == nil {
		return
	}
	m.ReportsPublished.Inc()
}

// RecordReportFailed records a report whose attempts were exhausted.
func (m *Metrics) RecordReportFailed() {
	if m == nil {
		return
	}
	m.ReportsFailed.Inc()
}

// RecordPublishCycle records a completed poll cycle and the number of
// finalized reports it found.
func (m *Metrics) RecordPublishCycle(pending int) {
	if m == nil {
		return
	}
	m.PublishCycles.Inc()
	m.ReportsPending.Set(float64(pending))
}

func (m *Metrics) RecordKeyAllocated(table string) {
	if m == nil {
		return
	}
	m.KeysAllocated.WithLabelValues(table).Inc()
}

// RecordEventLogWrite records an event-log row.
func (m *Metrics) RecordEventLogWrite(kind string) {
	if m == nil {
		return
	}
	m.EventLogWrites.WithLabelValues(kind).Inc()
}

// RecordWorkerRestart records a restart of the worker set.
func (m *Metrics) RecordWorkerRestart() {
	if m == nil {
		return
	}
	m.WorkerRestarts.Inc()
}

// RecordConfigurationDrift records a detected change of broker settings.
func (m *Metrics) RecordConfigurationDrift() {
	if m == nil {
		return
	}
	m.ConfigurationDrift.Inc()
}

// SetWorkerUp flips the running gauge of a worker.
func (m *Metrics) SetWorkerUp(worker string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.WorkersUp.WithLabelValues(worker).Set(v)
}
