// Package metrics holds the Prometheus instruments of the voice bundle service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice bundle service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Storage gateway metrics
	GatewayOperations *prometheus.CounterVec
	GatewayBytes      *prometheus.CounterVec

	// Access control metrics
	AccessDecisions *prometheus.CounterVec

	// Pipeline metrics
	PipelineRuns          *prometheus.CounterVec
	PipelineDuration      prometheus.Histogram
	NormalizationFallback prometheus.Counter

	// Synthesis metrics
	SynthesisRequests *prometheus.CounterVec
	StrategyAttempts  *prometheus.CounterVec
	SynthesisDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		GatewayOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_gateway_operations_total",
			Help: "Total number of storage gateway operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		GatewayBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_gateway_bytes_total",
			Help: "Total bytes moved through the storage gateway",
		}, []string{"direction"}),

		AccessDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_access_decisions_total",
			Help: "Total number of access decisions by reason",
		}, []string{"decision", "reason"}),

		PipelineRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_pipeline_runs_total",
			Help: "Total number of bundle pipeline runs by outcome",
		}, []string{"outcome"}),
		PipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_pipeline_duration_seconds",
			Help:    "Duration of bundle pipeline runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),
		NormalizationFallback: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_normalization_fallback_total",
			Help: "Total number of recordings passed through without transcoding",
		}),

		SynthesisRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_synthesis_requests_total",
			Help: "Total number of synthesis requests by route and outcome",
		}, []string{"route", "outcome"}),
		StrategyAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_synthesis_strategy_attempts_total",
			Help: "Total number of synthesis strategy attempts by strategy and result",
		}, []string{"strategy", "result"}),
		SynthesisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_synthesis_duration_seconds",
			Help:    "Duration of synthesis requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordGatewayOperation counts one gateway operation.
func (m *Metrics) RecordGatewayOperation(operation, outcome string) {
	if m == nil {
		return
	}

	m.GatewayOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordGatewayBytes adds to the bytes moved in direction ("in" or "out").
func (m *Metrics) RecordGatewayBytes(direction string, size int) {
	if m == nil {
		return
	}

	m.GatewayBytes.WithLabelValues(direction).Add(float64(size))
}

// RecordAccessDecision counts one access decision.
func (m *Metrics) RecordAccessDecision(granted bool, reason string) {
	if m == nil {
		return
	}

	decision := "denied"
	if granted {
		decision = "granted"
	}

	m.AccessDecisions.WithLabelValues(decision, reason).Inc()
}

// RecordPipelineRun records a finished pipeline run.
func (m *Metrics) RecordPipelineRun(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}

	m.PipelineRuns.WithLabelValues(outcome).Inc()
	m.PipelineDuration.Observe(durationSeconds)
}

// RecordNormalizationFallback counts a pass-through normalization.
func (m *Metrics) RecordNormalizationFallback() {
	if m == nil {
		return
	}

	m.NormalizationFallback.Inc()
}

// RecordSynthesis records a finished synthesis request.
func (m *Metrics) RecordSynthesis(route, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}

	m.SynthesisRequests.WithLabelValues(route, outcome).Inc()
	m.SynthesisDuration.Observe(durationSeconds)
}

// RecordStrategyAttempt counts one strategy attempt in the fallback chain.
func (m *Metrics) RecordStrategyAttempt(strategy string, succeeded bool) {
	if m == nil {
		return
	}

	result := "failed"
	if succeeded {
		result = "succeeded"
	}

	m.StrategyAttempts.WithLabelValues(strategy, result).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}

	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
