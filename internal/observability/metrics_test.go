package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersWithRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.RecordStep("init", 0.2)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "agentcore_steps_total" {
			found = true
		}
	}
	if !found {
		t.Error("agentcore_steps_total not registered")
	}

	// A second set on a fresh registry must not panic.
	NewMetrics(prometheus.NewRegistry())
}

func TestRecordStep(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordStep("init", 0.1)
	m.RecordStep("llm_result", 0.3)
	m.RecordStep("llm_result", 0.5)

	expected := `
		# HELP agentcore_steps_total Total number of decision steps by starting phase
		# TYPE agentcore_steps_total counter
		agentcore_steps_total{phase="init"} 1
		agentcore_steps_total{phase="llm_result"} 2
	`
	if err := testutil.CollectAndCompare(m.StepCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
	if count := testutil.CollectAndCount(m.StepDuration); count != 2 {
		t.Errorf("expected 2 histogram series, got %d", count)
	}
}

func TestRecordInstruction(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordInstruction("call_llm", "success")
	m.RecordInstruction("call_tool", "success")
	m.RecordInstruction("call_tool", "error")

	if got := testutil.ToFloat64(m.InstructionCounter.WithLabelValues("call_tool", "error")); got != 1 {
		t.Errorf("call_tool error = %v, want 1", got)
	}
	if count := testutil.CollectAndCount(m.InstructionCounter); count != 3 {
		t.Errorf("expected 3 label combinations, got %d", count)
	}
}

func TestOperationLifecycle(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.OperationStarted()
	m.OperationStarted()
	m.OperationFinished("done", "completed")

	if got := testutil.ToFloat64(m.ActiveOperations); got != 1 {
		t.Errorf("active operations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.OperationsFinished.WithLabelValues("done", "completed")); got != 1 {
		t.Errorf("finished = %v, want 1", got)
	}
}

func TestRecordLLMRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordLLMRequest("anthropic", "claude", "success", 1.5, 100, 50)
	m.RecordLLMRequest("anthropic", "claude", "error", 0.2, 0, 0)

	expected := `
		# HELP agentcore_llm_tokens_total Total number of tokens used by provider, model, and type
		# TYPE agentcore_llm_tokens_total counter
		agentcore_llm_tokens_total{model="claude",provider="anthropic",type="completion"} 50
		agentcore_llm_tokens_total{model="claude",provider="anthropic",type="prompt"} 100
	`
	if err := testutil.CollectAndCompare(m.LLMTokensUsed, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
	if got := testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("anthropic", "claude", "error")); got != 1 {
		t.Errorf("error requests = %v, want 1", got)
	}
}

func TestRecordToolAndIntervention(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordToolExecution("web-search", "success", 0.4)
	m.RecordIntervention("requested", 2)
	m.RecordIntervention("approved", 0)
	m.RecordTask("completed")
	m.RecordError("provider", "rate_limit")

	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("web-search", "success")); got != 1 {
		t.Errorf("tool executions = %v, want 1", got)
	}
	if count := testutil.CollectAndCount(m.InterventionCounter); count != 1 {
		t.Errorf("expected zero-count outcomes to be skipped, got %d series", count)
	}
	if got := testutil.ToFloat64(m.InterventionCounter.WithLabelValues("requested")); got != 2 {
		t.Errorf("requested = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TaskCounter.WithLabelValues("completed")); got != 1 {
		t.Errorf("tasks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ErrorCounter.WithLabelValues("provider", "rate_limit")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordStep("init", 1)
	m.RecordInstruction("finish", "success")
	m.OperationStarted()
	m.OperationFinished("done", "completed")
	m.RecordLLMRequest("p", "m", "success", 1, 1, 1)
	m.RecordToolExecution("t", "success", 1)
	m.RecordIntervention("requested", 1)
	m.RecordTask("failed")
	m.RecordError("runtime", "x")
}
