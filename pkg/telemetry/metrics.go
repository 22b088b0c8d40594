package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/fleetconf/pkg/engine"
)

// Metrics provides Prometheus metrics for fleet runs. It implements
// engine.Observer and can subscribe to the event bus for in-flight tracking.
type Metrics struct {
	config MetricsConfig

	// Fleet metrics
	runsTotal   *prometheus.CounterVec
	runDuration prometheus.Histogram

	// Transaction metrics
	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	rollbacksTotal      *prometheus.CounterVec
	indeterminateTotal  prometheus.Counter
	inflight            prometheus.Gauge

	// Step metrics
	stepDuration *prometheus.HistogramVec
	stepAttempts *prometheus.CounterVec

	// Event metrics
	eventsTotal *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

var _ engine.Observer = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fleet_runs_total",
				Help:      "Total number of fleet runs by verdict",
			},
			[]string{"verdict"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fleet_run_duration_seconds",
				Help:      "Duration of fleet runs in seconds",
				Buckets:   buckets,
			},
		),

		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Total number of device transactions by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transaction_duration_seconds",
				Help:      "Duration of device transactions in seconds",
				Buckets:   buckets,
			},
			[]string{"backend"},
		),
		rollbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollbacks by kind (abort, compensation) and result",
			},
			[]string{"kind", "result"},
		),
		indeterminateTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "indeterminate_total",
				Help:      "Total number of transactions whose commit outcome is unknown",
			},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_transactions",
				Help:      "Current number of dispatched device transactions",
			},
		),

		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of lifecycle steps including retries",
				Buckets:   buckets,
			},
			[]string{"backend", "step"},
		),
		stepAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_attempts_total",
				Help:      "Total number of backend call attempts per step",
			},
			[]string{"backend", "step", "result"},
		),

		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total number of engine events by type",
			},
			[]string{"type"},
		),
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.transactionsTotal,
		m.transactionDuration,
		m.rollbacksTotal,
		m.indeterminateTotal,
		m.inflight,
		m.stepDuration,
		m.stepAttempts,
		m.eventsTotal,
	)

	return m, nil
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveStep records one lifecycle step.
func (m *Metrics) ObserveStep(report engine.StepReport) {
	if m.registry == nil {
		return
	}
	backend := string(report.Backend)
	step := string(report.Step)
	result := "ok"
	if report.Err != nil {
		result = "error"
	}
	m.stepDuration.WithLabelValues(backend, step).Observe(report.Duration.Seconds())
	m.stepAttempts.WithLabelValues(backend, step, result).Add(float64(report.Attempts))
}

// ObserveTransaction records a terminal device result.
func (m *Metrics) ObserveTransaction(result *engine.DeviceResult) {
	if m.registry == nil {
		return
	}
	backend := string(result.Backend)
	if backend == "" {
		backend = "none"
	}
	m.transactionsTotal.WithLabelValues(backend, string(result.Outcome)).Inc()
	if result.Outcome != engine.OutcomeSkipped {
		m.transactionDuration.WithLabelValues(backend).Observe(result.Duration.Seconds())
	}
	if result.Indeterminate {
		m.indeterminateTotal.Inc()
	}

	kind := ""
	switch {
	case result.Compensated:
		kind = "compensation"
	case result.Attempts[engine.StepRollback] > 0:
		kind = "abort"
	}
	if kind != "" {
		outcome := "success"
		if result.Outcome != engine.OutcomeRolledBack {
			outcome = "failure"
		}
		m.rollbacksTotal.WithLabelValues(kind, outcome).Inc()
	}
}

// ObserveFleet records a fleet verdict.
func (m *Metrics) ObserveFleet(result *engine.FleetResult) {
	if m.registry == nil {
		return
	}
	m.runsTotal.WithLabelValues(string(result.Verdict)).Inc()
	m.runDuration.Observe(result.Duration.Seconds())
}

// HandleEvent counts engine events and tracks dispatched transactions.
// It is meant to be registered with EventPublisher.Subscribe.
func (m *Metrics) HandleEvent(event engine.Event) {
	if m.registry == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(event.Type)).Inc()
	switch event.Type {
	case engine.EventTypeDeviceDispatched:
		m.inflight.Inc()
	case engine.EventTypeDeviceCompleted:
		m.inflight.Dec()
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. errc receives
// the server's terminal error, if any.
func (m *Metrics) StartMetricsServer(errc chan<- error) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && errc != nil {
			errc <- err
		}
	}()

	return nil
}

// Shutdown stops the metrics server, if running.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
