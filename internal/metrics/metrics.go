package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes reported by the HTTP client.
const (
	OutcomeSuccess     = "success"
	OutcomeRetry       = "retry"
	OutcomeRateLimited = "rate_limited"
	OutcomeTerminal    = "terminal"
	OutcomeExhausted   = "exhausted"
	OutcomeCanceled    = "canceled"
)

// Unit statuses reported by the engine.
const (
	UnitCompleted = "completed"
	UnitFailed    = "failed"
	UnitSkipped   = "skipped"
	UnitCanceled  = "canceled"
)

// Metrics holds the Prometheus instruments of one run. All methods are safe on a
// nil receiver so components can be built without metrics.
type Metrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	limiterWait prometheus.Histogram
	units       *prometheus.CounterVec
	rows        prometheus.Counter
	chunks      prometheus.Counter
	failures    *prometheus.CounterVec
}

// New creates the instruments on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commitharvest_http_requests_total",
			Help: "HTTP request attempts by outcome",
		}, []string{"outcome"}),
		limiterWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "commitharvest_ratelimit_wait_seconds",
			Help:    "Time spent waiting for rate limiter tokens",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commitharvest_units_total",
			Help: "Work units by final status",
		}, []string{"status"}),
		rows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "commitharvest_rows_written_total",
			Help: "Commit records written to chunk artifacts",
		}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "commitharvest_chunks_written_total",
			Help: "Chunk artifacts written",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commitharvest_failures_total",
			Help: "Failure records by category and severity",
		}, []string{"category", "severity"}),
	}
	m.registry.MustRegister(m.requests, m.limiterWait, m.units, m.rows, m.chunks, m.failures)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveLimiterWait(d time.Duration) {
	if m == nil {
		return
	}
	m.limiterWait.Observe(d.Seconds())
}

func (m *Metrics) UnitDone(status string) {
	if m == nil {
		return
	}
	m.units.WithLabelValues(status).Inc()
}

func (m *Metrics) ChunkWritten(rows int) {
	if m == nil {
		return
	}
	m.chunks.Inc()
	m.rows.Add(float64(rows))
}

func (m *Metrics) Failure(category, severity string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(category, severity).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, m *Metrics, logger *slog.Logger) error {
	if addr == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
