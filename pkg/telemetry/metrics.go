package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for traverse. A nil *Metrics and a
// disabled one both accept every call and record nothing.
type Metrics struct {
	config MetricsConfig

	// Workflow instance metrics
	instancesStarted  *prometheus.CounterVec
	instancesFinished *prometheus.CounterVec
	passDuration      *prometheus.HistogramVec
	suspended         prometheus.Gauge

	// Activity metrics
	activityCalls    *prometheus.CounterVec
	activityDuration *prometheus.HistogramVec

	// Signal and approval metrics
	signals   *prometheus.CounterVec
	approvals *prometheus.CounterVec

	// Reconciliation metrics
	bulkSeeds   prometheus.Counter
	newEvents   prometheus.Histogram
	knownEvents *prometheus.GaugeVec

	// Collaborator metrics
	collaboratorCalls    *prometheus.CounterVec
	collaboratorErrors   *prometheus.CounterVec
	collaboratorDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		instancesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_started_total",
				Help:      "Total number of workflow instances started",
			},
			[]string{"workflow"},
		),
		instancesFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_finished_total",
				Help:      "Total number of workflow instances reaching a terminal status",
			},
			[]string{"workflow", "status"},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "instance_pass_duration_seconds",
				Help:      "Duration of one replay-and-advance pass of a workflow instance",
				Buckets:   buckets,
			},
			[]string{"workflow", "outcome"},
		),
		suspended: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instances_suspended",
				Help:      "Current number of instances parked on a signal",
			},
		),

		activityCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activity_attempts_total",
				Help:      "Total number of live activity attempts by outcome",
			},
			[]string{"activity", "outcome"},
		),
		activityDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "activity_duration_seconds",
				Help:      "Duration of live activity attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"activity"},
		),

		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signals_total",
				Help:      "Total number of raised signals by result",
			},
			[]string{"signal", "result"},
		),
		approvals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approvals_total",
				Help:      "Total number of approval state machines by terminal branch",
			},
			[]string{"outcome"},
		),

		bulkSeeds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bulk_seeds_total",
				Help:      "Total number of runs that overwrote the known-event record",
			},
		),
		newEvents: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "diff_new_events",
				Help:      "Number of new events found per run",
				Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
			},
		),
		knownEvents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "known_events",
				Help:      "Current number of events in a known-event record",
			},
			[]string{"key"},
		),

		collaboratorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collaborator_calls_total",
				Help:      "Total number of calls to external services",
			},
			[]string{"collaborator", "operation"},
		),
		collaboratorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collaborator_errors_total",
				Help:      "Total number of failed calls to external services",
			},
			[]string{"collaborator", "operation"},
		),
		collaboratorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "collaborator_call_duration_seconds",
				Help:      "Duration of calls to external services in seconds",
				Buckets:   buckets,
			},
			[]string{"collaborator", "operation"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.instancesStarted,
		m.instancesFinished,
		m.passDuration,
		m.suspended,
		m.activityCalls,
		m.activityDuration,
		m.signals,
		m.approvals,
		m.bulkSeeds,
		m.newEvents,
		m.knownEvents,
		m.collaboratorCalls,
		m.collaboratorErrors,
		m.collaboratorDuration,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordInstanceStarted counts a new workflow instance.
func (m *Metrics) RecordInstanceStarted(workflow string) {
	if !m.enabled() {
		return
	}
	m.instancesStarted.WithLabelValues(workflow).Inc()
}

// RecordInstanceFinished counts an instance reaching completed or failed.
func (m *Metrics) RecordInstanceFinished(workflow, status string) {
	if !m.enabled() {
		return
	}
	m.instancesFinished.WithLabelValues(workflow, status).Inc()
}

// RecordPass observes one execution pass.
func (m *Metrics) RecordPass(workflow, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.passDuration.WithLabelValues(workflow, outcome).Observe(duration.Seconds())
}

// SetSuspended sets the number of parked instances.
func (m *Metrics) SetSuspended(count int) {
	if !m.enabled() {
		return
	}
	m.suspended.Set(float64(count))
}

// RecordActivityAttempt records one live activity attempt. outcome is
// success, retry or failure.
func (m *Metrics) RecordActivityAttempt(activity, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.activityCalls.WithLabelValues(activity, outcome).Inc()
	m.activityDuration.WithLabelValues(activity).Observe(duration.Seconds())
}

// RecordSignal counts a raised signal as accepted or rejected.
func (m *Metrics) RecordSignal(name, result string) {
	if !m.enabled() {
		return
	}
	m.signals.WithLabelValues(name, result).Inc()
}

// RecordApproval counts an approval reaching a terminal branch.
func (m *Metrics) RecordApproval(outcome string) {
	if !m.enabled() {
		return
	}
	m.approvals.WithLabelValues(outcome).Inc()
}

// RecordDiff observes the new-event count of a run.
func (m *Metrics) RecordDiff(newEvents int) {
	if !m.enabled() {
		return
	}
	m.newEvents.Observe(float64(newEvents))
}

// RecordBulkSeed counts a bulk overwrite of the known-event record.
func (m *Metrics) RecordBulkSeed() {
	if !m.enabled() {
		return
	}
	m.bulkSeeds.Inc()
}

// SetKnownEvents sets the size of a known-event record.
func (m *Metrics) SetKnownEvents(key string, count int) {
	if !m.enabled() {
		return
	}
	m.knownEvents.WithLabelValues(key).Set(float64(count))
}

// RecordCollaboratorCall records a call to an external service with its duration.
func (m *Metrics) RecordCollaboratorCall(collaborator, operation string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	m.collaboratorCalls.WithLabelValues(collaborator, operation).Inc()
	m.collaboratorDuration.WithLabelValues(collaborator, operation).Observe(duration.Seconds())
	if err != nil {
		m.collaboratorErrors.WithLabelValues(collaborator, operation).Inc()
	}
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
