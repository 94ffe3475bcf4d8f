package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlagent_http_requests_total",
			Help: "Total HTTP requests handled by the gateway",
		},
		[]string{"handler", "method", "code"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controlagent_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"handler", "method"},
	)

	upstreamCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlagent_upstream_calls_total",
			Help: "Calls made to downstream agents",
		},
		[]string{"agent", "endpoint", "status"}, // status: success, error
	)

	upstreamCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controlagent_upstream_call_duration_seconds",
			Help:    "Downstream agent call latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"agent", "endpoint"},
	)

	pipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlagent_pipeline_runs_total",
			Help: "Pipeline executions by outcome code",
		},
		[]string{"pipeline", "outcome"},
	)

	reclaimTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlagent_reclaim_total",
			Help: "Remote database reclaim attempts by outcome",
		},
		[]string{"outcome"}, // deleted, failed, queued, abandoned
	)
)

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveUpstreamCall records one call to a downstream agent.
func ObserveUpstreamCall(agent, endpoint string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	upstreamCallsTotal.WithLabelValues(agent, endpoint, status).Inc()
	upstreamCallDuration.WithLabelValues(agent, endpoint).Observe(duration.Seconds())
}

// RecordPipelineRun records the terminal outcome of an ingest or query run.
func RecordPipelineRun(pipeline, outcome string) {
	pipelineRunsTotal.WithLabelValues(pipeline, outcome).Inc()
}

// RecordReclaim records the outcome of a reclaim attempt.
func RecordReclaim(outcome string) {
	reclaimTotal.WithLabelValues(outcome).Inc()
}

// Handler exposes the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
