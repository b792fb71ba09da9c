// Package usage accumulates token usage, tool usage and cost into agent state.
package usage

import (
	"math"
	"time"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// Usage is the token report of a single model call.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64 `json:"cache_write_tokens,omitempty"`
}

// Total returns the total token count.
func (u *Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// Add adds another usage record to this one.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}

// Cost represents pricing for a model (per million tokens).
type Cost struct {
	Input      float64 `json:"input" yaml:"input"`
	Output     float64 `json:"output" yaml:"output"`
	CacheRead  float64 `json:"cache_read" yaml:"cache_read"`
	CacheWrite float64 `json:"cache_write" yaml:"cache_write"`
}

// Estimate calculates the estimated cost for the given usage.
func (c *Cost) Estimate(usage *Usage) float64 {
	if usage == nil {
		return 0
	}
	total := float64(usage.InputTokens)*c.Input +
		float64(usage.OutputTokens)*c.Output +
		float64(usage.CacheReadTokens)*c.CacheRead +
		float64(usage.CacheWriteTokens)*c.CacheWrite
	return total / 1_000_000
}

// PriceTable holds model prices and the static per-call tool price table.
// Tools missing from the table cost nothing.
type PriceTable struct {
	Models map[string]Cost    `json:"models,omitempty" yaml:"models"`
	Tools  map[string]float64 `json:"tools,omitempty" yaml:"tools"`
}

// ModelCost returns the price of a model, falling back to the longest
// matching prefix so dated model ids share their family price.
func (p PriceTable) ModelCost(model string) (Cost, bool) {
	if c, ok := p.Models[model]; ok {
		return c, true
	}
	best := ""
	var bestCost Cost
	for prefix, c := range p.Models {
		if len(prefix) > len(best) && len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			best = prefix
			bestCost = c
		}
	}
	return bestCost, best != ""
}

// ToolPrice returns the per-call price of a tool keyed by "identifier/apiName",
// falling back to the identifier alone.
func (p PriceTable) ToolPrice(key, identifier string) float64 {
	if price, ok := p.Tools[key]; ok {
		return price
	}
	return p.Tools[identifier]
}

// LLMCall describes one finished model call.
type LLMCall struct {
	Model    string
	Provider string
	Usage    Usage
	Elapsed  time.Duration
}

// AccumulateLLM merges a model call into state usage and cost.
func AccumulateLLM(state *models.AgentState, call LLMCall, prices PriceTable) {
	ensureMaps(state)
	ms := call.Elapsed.Milliseconds()
	total := call.Usage.Total()

	llm := &state.Usage.LLM
	llm.APICalls++
	llm.ProcessingTimeMs += ms
	llm.Tokens.Input += call.Usage.InputTokens
	llm.Tokens.Output += call.Usage.OutputTokens
	llm.Tokens.Total += total

	byModel := llm.ByModel[call.Model]
	if byModel == nil {
		byModel = &models.ModelUsage{}
		llm.ByModel[call.Model] = byModel
	}
	byModel.Calls++
	byModel.ProcessingTimeMs += ms
	byModel.Tokens.Input += call.Usage.InputTokens
	byModel.Tokens.Output += call.Usage.OutputTokens
	byModel.Tokens.Total += total

	price, ok := prices.ModelCost(call.Model)
	modelCost := state.Cost.LLM.ByModel[call.Model]
	if modelCost == nil {
		modelCost = &models.ModelCost{}
		state.Cost.LLM.ByModel[call.Model] = modelCost
	}
	modelCost.Calls++
	if !ok {
		return
	}
	in := (float64(call.Usage.InputTokens)*price.Input +
		float64(call.Usage.CacheReadTokens)*price.CacheRead +
		float64(call.Usage.CacheWriteTokens)*price.CacheWrite) / 1_000_000
	out := float64(call.Usage.OutputTokens) * price.Output / 1_000_000
	modelCost.InputCost += in
	modelCost.OutputCost += out
	modelCost.TotalCost += in + out
	state.Cost.LLM.Total += in + out
	state.Cost.Total += in + out
}

// ToolCall describes one finished tool call.
type ToolCall struct {
	Identifier string
	APIName    string
	Success    bool
	Elapsed    time.Duration
}

// Key returns the "identifier/apiName" accounting key.
func (c ToolCall) Key() string {
	return c.Identifier + "/" + c.APIName
}

// AccumulateTool merges a tool call into state usage and cost.
func AccumulateTool(state *models.AgentState, call ToolCall, prices PriceTable) {
	ensureMaps(state)
	key := call.Key()
	ms := call.Elapsed.Milliseconds()

	tools := &state.Usage.Tools
	tools.TotalCalls++
	tools.TotalTimeMs += ms

	stats := tools.ByTool[key]
	if stats == nil {
		stats = &models.ToolStats{}
		tools.ByTool[key] = stats
	}
	stats.Calls++
	stats.TotalTimeMs += ms
	if !call.Success {
		stats.Errors++
	}
	stats.SuccessRate = math.Round(float64(stats.Calls-stats.Errors)/float64(stats.Calls)*10000) / 10000

	price := prices.ToolPrice(key, call.Identifier)
	toolCost := state.Cost.Tools.ByTool[key]
	if toolCost == nil {
		toolCost = &models.ToolCost{}
		state.Cost.Tools.ByTool[key] = toolCost
	}
	toolCost.Calls++
	toolCost.TotalCost += price
	state.Cost.Tools.Total += price
	state.Cost.Total += price
}

// RecordApprovalRequest counts one approval request and marks the wait start.
func RecordApprovalRequest(state *models.AgentState, now time.Time) {
	state.Usage.HumanInteraction.ApprovalRequests++
	if state.WaitingSince.IsZero() {
		state.WaitingSince = now
	}
}

// RecordHumanResponse adds the time spent waiting for a human and clears the wait start.
func RecordHumanResponse(state *models.AgentState, now time.Time) {
	if state.WaitingSince.IsZero() {
		return
	}
	if wait := now.Sub(state.WaitingSince); wait > 0 {
		state.Usage.HumanInteraction.TotalWaitingTimeMs += wait.Milliseconds()
	}
	state.WaitingSince = time.Time{}
}

func ensureMaps(state *models.AgentState) {
	if state.Usage.LLM.ByModel == nil {
		state.Usage.LLM.ByModel = map[string]*models.ModelUsage{}
	}
	if state.Usage.Tools.ByTool == nil {
		state.Usage.Tools.ByTool = map[string]*models.ToolStats{}
	}
	if state.Cost.LLM.ByModel == nil {
		state.Cost.LLM.ByModel = map[string]*models.ModelCost{}
	}
	if state.Cost.Tools.ByTool == nil {
		state.Cost.Tools.ByTool = map[string]*models.ToolCost{}
	}
	if state.Cost.Currency == "" {
		state.Cost.Currency = "USD"
	}
}
