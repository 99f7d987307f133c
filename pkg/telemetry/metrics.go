package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/logfleet/logfleet/pkg/lifecycle"
)

// Metrics provides Prometheus metrics for lifecycle operations. It implements
// lifecycle.Observer.
type Metrics struct {
	config MetricsConfig

	operationsStarted  *prometheus.CounterVec
	operationsFinished *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	operationsInFlight *prometheus.GaugeVec

	stepsFinished *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	stateTransitions *prometheus.CounterVec

	deployments *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ lifecycle.Observer = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration. A
// disabled configuration yields a collector whose methods do nothing.
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

		operationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_started_total",
				Help:      "Total number of lifecycle operations started",
			},
			[]string{"operation"},
		),
		operationsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_finished_total",
				Help:      "Total number of lifecycle operations finished",
			},
			[]string{"operation", "result"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of lifecycle operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		operationsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "operations_in_flight",
				Help:      "Current number of running lifecycle operations",
			},
			[]string{"operation"},
		),
		stepsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_finished_total",
				Help:      "Total number of recipe steps finished",
			},
			[]string{"step", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of recipe steps in seconds",
				Buckets:   buckets,
			},
			[]string{"step"},
		),
		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Total number of instance state writes by target state",
			},
			[]string{"state"},
		),
		deployments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fanout_instances_total",
				Help:      "Instances handled by fleet-wide operations",
			},
			[]string{"operation", "result"},
		),
	}

	registry.MustRegister(
		m.operationsStarted,
		m.operationsFinished,
		m.operationDuration,
		m.operationsInFlight,
		m.stepsFinished,
		m.stepDuration,
		m.stateTransitions,
		m.deployments,
	)

	return m, nil
}

func (m *Metrics) OperationStarted(op lifecycle.OperationType) {
	if m.operationsStarted == nil {
		return
	}
	m.operationsStarted.WithLabelValues(string(op)).Inc()
	m.operationsInFlight.WithLabelValues(string(op)).Inc()
}

func (m *Metrics) OperationFinished(op lifecycle.OperationType, success bool, seconds float64) {
	if m.operationsFinished == nil {
		return
	}
	m.operationsFinished.WithLabelValues(string(op), result(success)).Inc()
	m.operationDuration.WithLabelValues(string(op)).Observe(seconds)
	m.operationsInFlight.WithLabelValues(string(op)).Dec()
}

func (m *Metrics) StepFinished(step lifecycle.Step, status lifecycle.StepStatus, seconds float64) {
	if m.stepsFinished == nil {
		return
	}
	m.stepsFinished.WithLabelValues(string(step), string(status)).Inc()
	m.stepDuration.WithLabelValues(string(step)).Observe(seconds)
}

func (m *Metrics) StateChanged(to lifecycle.State) {
	if m.stateTransitions == nil {
		return
	}
	m.stateTransitions.WithLabelValues(string(to)).Inc()
}

// RecordFanout counts one instance handled by a fleet-wide operation.
func (m *Metrics) RecordFanout(op lifecycle.OperationType, success bool) {
	if m.deployments == nil {
		return
	}
	m.deployments.WithLabelValues(string(op), result(success)).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Registry returns the registry the metrics are registered with, or nil when
// metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", server.Addr).Str("path", path).Msg("serving metrics")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
