// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ytmux"

var (
	Executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_total",
		Help:      "Executions by requested quality and outcome class.",
	}, []string{"quality", "outcome"})

	ExecutionSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "execution_seconds",
		Help:      "Wall time of successful executions.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"quality"})

	FetchedBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetched_bytes_total",
		Help:      "Bytes transferred from the origin per stream kind.",
	}, []string{"stream"})

	Merges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "merges_total",
		Help:      "ffmpeg mux and transcode runs by operation and outcome.",
	}, []string{"op", "outcome"})

	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_transitions_total",
		Help:      "Execution state machine transitions by target state.",
	}, []string{"state"})

	ActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_jobs",
		Help:      "Executions currently in flight.",
	})

	ArtifactsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "artifacts_deleted_total",
		Help:      "Artifacts removed by retention or explicit deletion.",
	})

	IdempotentHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "idempotent_hits_total",
		Help:      "Executions answered from an existing artifact.",
	})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route pattern and status code.",
	}, []string{"route", "code"})
)

// Registry holds the service collectors plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		Executions,
		ExecutionSeconds,
		FetchedBytes,
		Merges,
		Transitions,
		ActiveJobs,
		ArtifactsDeleted,
		IdempotentHits,
		HTTPRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveExecution records one finished execution.
func ObserveExecution(quality, outcome string, elapsed time.Duration) {
	Executions.WithLabelValues(quality, outcome).Inc()
	if outcome == "ok" {
		ExecutionSeconds.WithLabelValues(quality).Observe(elapsed.Seconds())
	}
}
