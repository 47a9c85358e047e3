package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avatar_gateway_active_runs",
		Help: "Number of pipeline runs currently in flight",
	})

	totalRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatar_gateway_runs_total",
		Help: "Total number of pipeline runs started",
	})

	runsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_gateway_runs_completed_total",
		Help: "Total number of runs reaching a terminal state",
	}, []string{"outcome"}) // outcome: "completed" or "failed"

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avatar_gateway_run_duration_seconds",
		Help:    "End-to-end duration of pipeline runs in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	})

	// Stage metrics
	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "avatar_gateway_stage_latency_seconds",
		Help:    "Stage execution latency in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"stage"})

	stageResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_gateway_stage_results_total",
		Help: "Total number of stage executions by result",
	}, []string{"stage", "status"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Progress channel metrics
	progressSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avatar_gateway_progress_subscribers",
		Help: "Number of connected progress subscribers",
	})

	progressDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatar_gateway_progress_subscribers_dropped_total",
		Help: "Total number of subscribers dropped for not keeping up",
	})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "avatar_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})
)

// RunMetrics tracks metrics for a single pipeline run
type RunMetrics struct {
	runID      string
	startTime  time.Time
	stageStart map[string]time.Time
	mu         sync.Mutex
}

// NewRunMetrics creates a new metrics tracker for a run
func NewRunMetrics(runID string) *RunMetrics {
	return &RunMetrics{
		runID:      runID,
		startTime:  time.Now(),
		stageStart: make(map[string]time.Time),
	}
}

// RecordRunStart records the start of a run
func (m *RunMetrics) RecordRunStart() {
	activeRuns.Inc()
	totalRuns.Inc()
}

// RecordRunEnd records the end of a run
func (m *RunMetrics) RecordRunEnd(completed bool) {
	activeRuns.Dec()
	runDuration.Observe(time.Since(m.startTime).Seconds())

	outcome := "completed"
	if !completed {
		outcome = "failed"
	}
	runsCompleted.WithLabelValues(outcome).Inc()
}

// RecordStageStart records the start of a stage
func (m *RunMetrics) RecordStageStart(stage string) {
	m.mu.Lock()
	m.stageStart[stage] = time.Now()
	m.mu.Unlock()
}

// RecordStageEnd records the end of a stage
func (m *RunMetrics) RecordStageEnd(stage string, success bool) {
	m.mu.Lock()
	start, ok := m.stageStart[stage]
	m.mu.Unlock()

	if ok {
		stageLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}

	status := "success"
	if !success {
		status = "error"
	}
	stageResults.WithLabelValues(stage, status).Inc()
}

// RecordError records an error
func (m *RunMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordSubscriberAdded increments the connected subscriber gauge
func RecordSubscriberAdded() {
	progressSubscribers.Inc()
}

// RecordSubscriberRemoved decrements the connected subscriber gauge
func RecordSubscriberRemoved() {
	progressSubscribers.Dec()
}

// RecordSubscriberDropped counts a subscriber dropped for falling behind
func RecordSubscriberDropped() {
	progressDropped.Inc()
	progressSubscribers.Dec()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}
