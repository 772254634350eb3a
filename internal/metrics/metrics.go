package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// pipelineRuns counts finished reflection runs by outcome (success, exhausted, error).
	pipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evolve_pipeline_runs_total",
			Help: "Total pipeline runs by outcome",
		},
		[]string{"outcome"},
	)

	// pipelineIterations tracks how many iterations a run needed.
	pipelineIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "evolve_pipeline_iterations",
			Help:    "Iterations used per pipeline run",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10},
		},
	)

	// stageFailures counts candidate failures by lifecycle stage.
	stageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evolve_stage_failures_total",
			Help: "Total candidate failures by lifecycle stage",
		},
		[]string{"stage"},
	)

	remoteRequests = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evolve_remote_request_duration_seconds",
			Help:    "Workflow platform request latency by operation and status code",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)

	llmCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evolve_llm_calls_total",
			Help: "Total text-generation calls by role, provider and result",
		},
		[]string{"role", "provider", "result"},
	)

	rollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evolve_rollbacks_total",
			Help: "Deactivations issued after a failed trigger invocation, by result",
		},
		[]string{"result"},
	)

	logSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "evolve_log_stream_subscribers",
			Help: "Number of connected log stream subscribers",
		},
	)

	cleanupDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "evolve_cleanup_deleted_workflows_total",
			Help: "Workflows deleted by the scheduled cleanup job",
		},
	)
)

func RecordRun(outcome string, iterations int) {
	pipelineRuns.WithLabelValues(outcome).Inc()
	if iterations > 0 {
		pipelineIterations.Observe(float64(iterations))
	}
}

func RecordStageFailure(stage string) {
	stageFailures.WithLabelValues(stage).Inc()
}

// RecordRemote observes one platform call. status is 0 for transport errors.
func RecordRemote(operation string, status int, d time.Duration) {
	remoteRequests.WithLabelValues(operation, strconv.Itoa(status)).Observe(d.Seconds())
}

func RecordLLMCall(role, provider string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	llmCalls.WithLabelValues(role, provider, result).Inc()
}

func RecordRollback(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	rollbacks.WithLabelValues(result).Inc()
}

func SetLogSubscribers(n int) {
	logSubscribers.Set(float64(n))
}

func AddCleanupDeleted(n int) {
	cleanupDeleted.Add(float64(n))
}
