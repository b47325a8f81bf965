// Package metrics exposes Prometheus counters for graph steps and runs.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/codeloop/internal/graph"
	"github.com/rendis/codeloop/pkg/schema"
)

// Metrics holds the codeloop collectors registered on one registry.
//
// Metrics:
//   - codeloop_steps_total{graph,step,outcome}: finished step invocations
//   - codeloop_step_duration_seconds{graph,step}: step execution time
//   - codeloop_step_retries_total{graph,step}: in-step retries
//   - codeloop_routes_total{graph,from,key}: conditional routing decisions
//   - codeloop_runs_total{disposition}: orchestrated runs by final action state
//   - codeloop_run_attempts: code generation attempts per run
//   - codeloop_runs_in_flight: runs currently executing
type Metrics struct {
	registry *prometheus.Registry

	StepsTotal   *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	StepRetries  *prometheus.CounterVec
	RoutesTotal  *prometheus.CounterVec
	RunsTotal    *prometheus.CounterVec
	RunAttempts  prometheus.Histogram
	RunsInFlight prometheus.Gauge
}

var _ graph.Observer = (*Metrics)(nil)

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		StepsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloop_steps_total",
				Help: "Finished step invocations by outcome.",
			},
			[]string{"graph", "step", "outcome"},
		),
		StepDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codeloop_step_duration_seconds",
				Help:    "Step execution time in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8), // 10ms to ~3m
			},
			[]string{"graph", "step"},
		),
		StepRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloop_step_retries_total",
				Help: "In-step retries scheduled by a retry policy.",
			},
			[]string{"graph", "step"},
		),
		RoutesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloop_routes_total",
				Help: "Conditional routing decisions by key.",
			},
			[]string{"graph", "from", "key"},
		),
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloop_runs_total",
				Help: "Orchestrated runs by disposition.",
			},
			[]string{"disposition"},
		),
		RunAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "codeloop_run_attempts",
			Help:    "Code generation attempts per run.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
		RunsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "codeloop_runs_in_flight",
			Help: "Runs currently executing.",
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) StepStarted(context.Context, string, string, int) {}

func (m *Metrics) StepFinished(_ context.Context, g, step string, elapsed time.Duration, err error) {
	m.StepsTotal.WithLabelValues(g, step, outcome(err)).Inc()
	m.StepDuration.WithLabelValues(g, step).Observe(elapsed.Seconds())
}

func (m *Metrics) StepRetrying(_ context.Context, g, step string, _ int, _ time.Duration, _ error) {
	m.StepRetries.WithLabelValues(g, step).Inc()
}

func (m *Metrics) StepDeferred(context.Context, string, string) {}

func (m *Metrics) Routed(_ context.Context, g, from, key, _ string) {
	m.RoutesTotal.WithLabelValues(g, from, key).Inc()
}

// RunStarted marks a run in flight.
func (m *Metrics) RunStarted() { m.RunsInFlight.Inc() }

// RunFinished records a run's disposition and attempt count. An empty
// disposition is recorded as "error".
func (m *Metrics) RunFinished(disposition string, attempts int) {
	m.RunsInFlight.Dec()
	if disposition == "" {
		disposition = "error"
	}
	m.RunsTotal.WithLabelValues(disposition).Inc()
	if attempts > 0 {
		m.RunAttempts.Observe(float64(attempts))
	}
}

// outcome labels a step result. Failures carry their error code so that
// protocol errors and cancellations can be told apart.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := schema.CodeOf(err); code != "" {
		return code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return schema.ErrCodeCancelled
	}
	return "error"
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	if logger != nil {
		logger.Info("metrics endpoint listening", "addr", addr, "path", "/metrics")
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
