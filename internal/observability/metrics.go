package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting runtime metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Decision steps and the instructions they emit
//   - How operations finish (completed, max steps, errors, user aborts)
//   - LLM request performance and token usage
//   - Tool execution patterns and latencies
//   - Human intervention traffic and async task outcomes
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordStep("call_llm", time.Since(start).Seconds())
type Metrics struct {
	// StepCounter counts decision steps by the phase the step started in.
	// Labels: phase (init|user_input|llm_result|tool_result|...)
	StepCounter *prometheus.CounterVec

	// StepDuration measures the time one step takes, executors included.
	// Labels: phase
	// Buckets: 0.01s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s, 300s
	StepDuration *prometheus.HistogramVec

	// InstructionCounter counts executed instructions.
	// Labels: type (call_llm|call_tool|finish|...), status (success|error)
	InstructionCounter *prometheus.CounterVec

	// OperationsFinished counts terminal operations.
	// Labels: status (done|error|interrupted), reason
	OperationsFinished *prometheus.CounterVec

	// ActiveOperations is a gauge tracking operations currently running.
	ActiveOperations prometheus.Gauge

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai), model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: identifier, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: identifier
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// InterventionCounter counts human approval traffic.
	// Labels: outcome (requested|approved|rejected|aborted)
	InterventionCounter *prometheus.CounterVec

	// TaskCounter counts async tasks by final status.
	// Labels: status (completed|failed|cancel)
	TaskCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by type and component.
	// Labels: component (runtime|executor|provider|store), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StepCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_steps_total",
				Help: "Total number of decision steps by starting phase",
			},
			[]string{"phase"},
		),

		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_step_duration_seconds",
				Help:    "Duration of decision steps in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"phase"},
		),

		InstructionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_instructions_total",
				Help: "Total number of executed instructions by type and status",
			},
			[]string{"type", "status"},
		),

		OperationsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_operations_finished_total",
				Help: "Total number of operations reaching a terminal status",
			},
			[]string{"status", "reason"},
		),

		ActiveOperations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentcore_active_operations",
				Help: "Current number of running operations",
			},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_tool_executions_total",
				Help: "Total number of tool executions by identifier and status",
			},
			[]string{"identifier", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"identifier"},
		),

		InterventionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_interventions_total",
				Help: "Total number of human intervention events by outcome",
			},
			[]string{"outcome"},
		),

		TaskCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_tasks_total",
				Help: "Total number of async tasks by final status",
			},
			[]string{"status"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordStep records one decision step.
func (m *Metrics) RecordStep(phase string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StepCounter.WithLabelValues(phase).Inc()
	m.StepDuration.WithLabelValues(phase).Observe(durationSeconds)
}

// RecordInstruction records the outcome of one executed instruction.
//
// Example:
//
//	metrics.RecordInstruction("call_tool", "success")
func (m *Metrics) RecordInstruction(instructionType, status string) {
	if m == nil {
		return
	}
	m.InstructionCounter.WithLabelValues(instructionType, status).Inc()
}

// OperationStarted increments the active operations gauge.
func (m *Metrics) OperationStarted() {
	if m == nil {
		return
	}
	m.ActiveOperations.Inc()
}

// OperationFinished decrements the active operations gauge and counts the
// terminal status.
func (m *Metrics) OperationFinished(status, reason string) {
	if m == nil {
		return
	}
	m.ActiveOperations.Dec()
	m.OperationsFinished.WithLabelValues(status, reason).Inc()
}

// RecordLLMRequest records metrics for an LLM API request.
//
// Example:
//
//	start := time.Now()
//	// ... make LLM request ...
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4", "success", time.Since(start).Seconds(), 100, 500)
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(identifier, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(identifier, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(identifier).Observe(durationSeconds)
}

// RecordIntervention counts a human approval event.
func (m *Metrics) RecordIntervention(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.InterventionCounter.WithLabelValues(outcome).Add(float64(n))
}

// RecordTask counts an async task reaching a final status.
func (m *Metrics) RecordTask(status string) {
	if m == nil {
		return
	}
	m.TaskCounter.WithLabelValues(status).Inc()
}

// RecordError increments the error counter for a given component and error type.
//
// Example:
//
//	metrics.RecordError("provider", "rate_limit")
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
