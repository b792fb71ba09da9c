package models

// TokenUsage counts model tokens.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// ModelUsage aggregates calls to one model.
type ModelUsage struct {
	Calls            int        `json:"calls"`
	Tokens           TokenUsage `json:"tokens"`
	ProcessingTimeMs int64      `json:"processing_time_ms"`
}

// LLMUsage aggregates model calls across a run.
type LLMUsage struct {
	APICalls         int                    `json:"api_calls"`
	Tokens           TokenUsage             `json:"tokens"`
	ProcessingTimeMs int64                  `json:"processing_time_ms"`
	ByModel          map[string]*ModelUsage `json:"by_model,omitempty"`
}

// ToolStats aggregates calls to one tool.
type ToolStats struct {
	Calls       int     `json:"calls"`
	Errors      int     `json:"errors"`
	TotalTimeMs int64   `json:"total_time_ms"`
	SuccessRate float64 `json:"success_rate"`
}

// ToolUsage aggregates tool calls across a run.
type ToolUsage struct {
	TotalCalls  int                   `json:"total_calls"`
	TotalTimeMs int64                 `json:"total_time_ms"`
	ByTool      map[string]*ToolStats `json:"by_tool,omitempty"`
}

// HumanInteractionUsage tracks time spent waiting on approvals.
type HumanInteractionUsage struct {
	ApprovalRequests   int   `json:"approval_requests"`
	TotalWaitingTimeMs int64 `json:"total_waiting_time_ms"`
}

// Usage holds the monotonically accumulated counters of a run.
type Usage struct {
	LLM              LLMUsage              `json:"llm"`
	Tools            ToolUsage             `json:"tools"`
	HumanInteraction HumanInteractionUsage `json:"human_interaction"`
}

// NewUsage returns zeroed usage with initialized maps.
func NewUsage() Usage {
	return Usage{
		LLM:   LLMUsage{ByModel: map[string]*ModelUsage{}},
		Tools: ToolUsage{ByTool: map[string]*ToolStats{}},
	}
}

// Clone deep-copies the usage maps.
func (u Usage) Clone() Usage {
	out := u
	out.LLM.ByModel = make(map[string]*ModelUsage, len(u.LLM.ByModel))
	for k, v := range u.LLM.ByModel {
		c := *v
		out.LLM.ByModel[k] = &c
	}
	out.Tools.ByTool = make(map[string]*ToolStats, len(u.Tools.ByTool))
	for k, v := range u.Tools.ByTool {
		c := *v
		out.Tools.ByTool[k] = &c
	}
	return out
}

// ModelCost is the spend on one model.
type ModelCost struct {
	Calls      int     `json:"calls"`
	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
	TotalCost  float64 `json:"total_cost"`
}

// ToolCost is the spend on one tool.
type ToolCost struct {
	Calls     int     `json:"calls"`
	TotalCost float64 `json:"total_cost"`
}

// LLMCost aggregates model spend.
type LLMCost struct {
	Total   float64               `json:"total"`
	ByModel map[string]*ModelCost `json:"by_model,omitempty"`
}

// ToolsCost aggregates tool spend.
type ToolsCost struct {
	Total  float64              `json:"total"`
	ByTool map[string]*ToolCost `json:"by_tool,omitempty"`
}

// Cost holds the accumulated spend of a run.
type Cost struct {
	Total    float64   `json:"total"`
	Currency string    `json:"currency"`
	LLM      LLMCost   `json:"llm"`
	Tools    ToolsCost `json:"tools"`
}

// NewCost returns zeroed cost in USD with initialized maps.
func NewCost() Cost {
	return Cost{
		Currency: "USD",
		LLM:      LLMCost{ByModel: map[string]*ModelCost{}},
		Tools:    ToolsCost{ByTool: map[string]*ToolCost{}},
	}
}

// Clone deep-copies the cost maps.
func (c Cost) Clone() Cost {
	out := c
	out.LLM.ByModel = make(map[string]*ModelCost, len(c.LLM.ByModel))
	for k, v := range c.LLM.ByModel {
		cp := *v
		out.LLM.ByModel[k] = &cp
	}
	out.Tools.ByTool = make(map[string]*ToolCost, len(c.Tools.ByTool))
	for k, v := range c.Tools.ByTool {
		cp := *v
		out.Tools.ByTool[k] = &cp
	}
	return out
}
