// Package observability provides Prometheus metrics instrumentation for the coreengine.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// PIPELINE METRICS
// =============================================================================

var (
	pipelineExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "headlineart_pipeline_executions_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"pipeline", "status"}, // status: success, error, dropped
	)

	pipelineDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "headlineart_pipeline_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"pipeline"},
	)

	pipelineActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "headlineart_pipeline_active_runs",
			Help: "Runs currently in flight",
		},
	)
)

// =============================================================================
// STAGE METRICS
// =============================================================================

var (
	stageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "headlineart_stage_executions_total",
			Help: "Total number of stage invocations",
		},
		[]string{"stage", "status"}, // status: success, error, skipped
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "headlineart_stage_duration_seconds",
			Help:    "Stage invocation duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	reviewDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "headlineart_review_decisions_total",
			Help: "Quality gate decisions by outcome",
		},
		[]string{"outcome", "cycle"}, // outcome: approved, forced, revise
	)

	artifactAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "headlineart_artifact_attempts_total",
			Help: "Artifact generation attempts by candidate and outcome",
		},
		[]string{"candidate", "outcome"}, // outcome: success, failure
	)

	stageEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "headlineart_stage_events_total",
			Help: "Stage events emitted, by delivery status",
		},
		[]string{"stage", "status"}, // status: delivered, dropped
	)
)

// =============================================================================
// CAPABILITY METRICS
// =============================================================================

var (
	capabilityCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "headlineart_capability_calls_total",
			Help: "Total number of external capability calls",
		},
		[]string{"capability", "model", "status"}, // capability: text, image
	)

	capabilityDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "headlineart_capability_duration_seconds",
			Help:    "External capability call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"capability", "model"},
	)

	capabilityPromptTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "headlineart_capability_prompt_tokens_total",
			Help: "Estimated prompt tokens sent to the text capability",
		},
		[]string{"model"},
	)
)

// =============================================================================
// TRANSPORT METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "headlineart_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, InvalidArgument, Internal, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "headlineart_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10, 60, 300, 900},
		},
		[]string{"method"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "headlineart_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "code"},
	)

	rateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "headlineart_rate_limited_total",
			Help: "Run submissions rejected by the rate limiter",
		},
		[]string{"transport"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordPipelineExecution records pipeline run metrics.
// This should be called after a run completes.
func RecordPipelineExecution(pipeline string, status string, durationMS int) {
	pipelineExecutionsTotal.WithLabelValues(pipeline, status).Inc()
	pipelineDurationSeconds.WithLabelValues(pipeline).Observe(float64(durationMS) / 1000.0)
}

// RunStarted increments the in-flight gauge; call RunFinished when done.
func RunStarted() { pipelineActiveRuns.Inc() }

// RunFinished decrements the in-flight gauge.
func RunFinished() { pipelineActiveRuns.Dec() }

// RecordStageExecution records stage invocation metrics.
func RecordStageExecution(stage string, status string, durationMS int) {
	stageExecutionsTotal.WithLabelValues(stage, status).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(float64(durationMS) / 1000.0)
}

// RecordReviewDecision records one quality gate outcome.
func RecordReviewDecision(outcome string, cycle int) {
	reviewDecisionsTotal.WithLabelValues(outcome, strconv.Itoa(cycle)).Inc()
}

// RecordArtifactAttempt records one artifact generation attempt.
func RecordArtifactAttempt(candidate int, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	artifactAttemptsTotal.WithLabelValues(strconv.Itoa(candidate), outcome).Inc()
}

// RecordStageEvent records an emitted stage event.
func RecordStageEvent(stage string, delivered bool) {
	status := "dropped"
	if delivered {
		status = "delivered"
	}
	stageEventsTotal.WithLabelValues(stage, status).Inc()
}

// RecordCapabilityCall records external capability call metrics.
func RecordCapabilityCall(capability string, model string, status string, durationMS int) {
	capabilityCallsTotal.WithLabelValues(capability, model, status).Inc()
	capabilityDurationSeconds.WithLabelValues(capability, model).Observe(float64(durationMS) / 1000.0)
}

// RecordPromptTokens adds an estimated prompt token count.
func RecordPromptTokens(model string, tokens int) {
	capabilityPromptTokens.WithLabelValues(model).Add(float64(tokens))
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}

// RecordHTTPRequest records an HTTP response by route pattern.
func RecordHTTPRequest(route string, code int) {
	httpRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// RecordRateLimited records a rejected run submission.
func RecordRateLimited(transport string) {
	rateLimitedTotal.WithLabelValues(transport).Inc()
}
