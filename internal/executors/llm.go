package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentcore/internal/decision"
	"github.com/haasonsaas/agentcore/internal/pipeline"
	"github.com/haasonsaas/agentcore/internal/providers"
	"github.com/haasonsaas/agentcore/internal/runtime"
	"github.com/haasonsaas/agentcore/internal/toolargs"
	"github.com/haasonsaas/agentcore/internal/usage"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// CallLLM prepares the message list through the context pipeline, streams the
// model response as live events and records the assistant message.
//
// A failed model call is not a run failure: it is reported to the decision
// agent as an error phase, which finishes the run with error_recovery.
func (s *Set) CallLLM(ctx context.Context, inst decision.Instruction, state models.AgentState, rc decision.RuntimeContext) (*runtime.Result, error) {
	call, ok := inst.(decision.CallLLM)
	if !ok {
		return nil, fmt.Errorf("call_llm: unexpected instruction %T", inst)
	}
	provider := call.Provider
	if provider == "" {
		provider = s.cfg.DefaultProvider
	}
	client, ok := s.cfg.Clients[provider]
	if !ok || client == nil {
		err := fmt.Errorf("%w for provider %q", ErrNoModelClient, provider)
		return &runtime.Result{State: state, Next: next(decision.ErrorPayload{Message: err.Error()}, state)}, nil
	}

	opts := s.pipelineOptions(state, call)
	prepared, err := pipeline.New(opts).Process(ctx, call.Messages)
	if err != nil {
		return nil, fmt.Errorf("prepare model context: %w", err)
	}

	msg, err := s.assistantMessage(ctx, &state, call)
	if err != nil {
		return nil, fmt.Errorf("create assistant message: %w", err)
	}

	req := &providers.Request{
		Model:     call.Model,
		Messages:  prepared.Messages,
		MaxTokens: s.cfg.MaxTokens,
	}
	if opts.Capabilities.FunctionCalling {
		req.Tools = declarations(state.ToolManifestMap)
	}

	llmCtx, span := s.cfg.Tracer.TraceLLMRequest(ctx, provider, call.Model)
	defer span.End()

	runtime.Emit(ctx, models.AgentEvent{
		Type:   models.AgentEventStreamStart,
		Stream: &models.StreamEventPayload{MessageID: msg.ID, Provider: provider, Model: call.Model},
	})
	start := s.cfg.Now()
	res, err := s.stream(llmCtx, client, req, msg.ID)
	elapsed := s.cfg.Now().Sub(start)
	if err != nil {
		if isCancelled(ctx) || runtime.IsCancellation(err) {
			return nil, err
		}
		s.cfg.Tracer.RecordError(span, err)
		s.cfg.Metrics.RecordLLMRequest(provider, call.Model, "error", elapsed.Seconds(), 0, 0)
		s.logger.ErrorContext(ctx, "model call failed", "provider", provider, "model", call.Model, "error", err)

		msg.Content = res.Content
		msg.Metadata = withMetadata(msg.Metadata, "error", err.Error())
		if uerr := s.updateMessage(ctx, &state, msg, false); uerr != nil {
			return nil, fmt.Errorf("update assistant message: %w", uerr)
		}
		return &runtime.Result{State: state, Next: next(decision.ErrorPayload{Message: err.Error()}, state)}, nil
	}

	msg.Content = res.Content
	msg.Reasoning = res.Reasoning
	msg.Tools = s.parseToolCalls(res.ToolCalls, state.ToolManifestMap)
	if err := s.updateMessage(ctx, &state, msg, false); err != nil {
		return nil, fmt.Errorf("update assistant message: %w", err)
	}

	usage.AccumulateLLM(&state, usage.LLMCall{
		Model:    call.Model,
		Provider: provider,
		Usage:    usage.Usage{InputTokens: res.InputTokens, OutputTokens: res.OutputTokens},
		Elapsed:  elapsed,
	}, s.prices())
	s.cfg.Metrics.RecordLLMRequest(provider, call.Model, "success", elapsed.Seconds(), int(res.InputTokens), int(res.OutputTokens))
	s.cfg.Tracer.SetAttributes(span, "llm.input_tokens", res.InputTokens, "llm.output_tokens", res.OutputTokens, "llm.tool_calls", len(msg.Tools))

	end := models.AgentEvent{
		Type: models.AgentEventStreamEnd,
		Stream: &models.StreamEventPayload{
			MessageID:    msg.ID,
			Provider:     provider,
			Model:        call.Model,
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
		},
	}
	payload := decision.LLMResultPayload{
		HasToolsCalling: len(msg.Tools) > 0,
		ToolsCalling:    msg.Tools,
		ParentMessageID: msg.ID,
		Content:         msg.Content,
	}
	return &runtime.Result{State: state, Events: []models.AgentEvent{end}, Next: next(payload, state)}, nil
}

func (s *Set) stream(ctx context.Context, client providers.Client, req *providers.Request, messageID string) (providers.Result, error) {
	chunks, err := client.Stream(ctx, req)
	if err != nil {
		return providers.Result{}, err
	}
	return providers.Collect(ctx, chunks, func(chunk *providers.Chunk) {
		if chunk.Text == "" && chunk.Reasoning == "" {
			return
		}
		runtime.Emit(ctx, models.AgentEvent{
			Type:   models.AgentEventStreamDelta,
			Stream: &models.StreamEventPayload{MessageID: messageID, Delta: chunk.Text, Reasoning: chunk.Reasoning},
		})
	})
}

// assistantMessage reuses a trailing empty assistant placeholder unless the
// instruction asks for a new message.
func (s *Set) assistantMessage(ctx context.Context, state *models.AgentState, call decision.CallLLM) (models.Message, error) {
	if !call.CreateAssistantMessage && len(state.Messages) > 0 {
		last := state.Messages[len(state.Messages)-1]
		if last.Role == models.RoleAssistant && last.Content == "" && len(last.Tools) == 0 {
			return last, nil
		}
	}
	msg := models.Message{Role: models.RoleAssistant, ParentID: call.ParentMessageID}
	inheritScope(*state, call.ParentMessageID, &msg)
	return s.createMessage(ctx, state, msg)
}

func (s *Set) pipelineOptions(state models.AgentState, call decision.CallLLM) pipeline.Options {
	var opts pipeline.Options
	if s.cfg.PipelineOptions != nil {
		opts = s.cfg.PipelineOptions(state)
	} else {
		opts.Capabilities = pipeline.DefaultCapabilities()
		opts.Manifests = sortedManifests(state.ToolManifestMap)
	}
	if opts.Model == "" {
		opts.Model = call.Model
	}
	if call.StepContext != nil && len(opts.Todos) == 0 {
		opts.Todos = call.StepContext.Todos
	}
	if opts.Logger == nil {
		opts.Logger = s.logger
	}
	return opts
}

// parseToolCalls converts function calls into tool payloads, repairing
// folded arguments against each API's parameter schema.
func (s *Set) parseToolCalls(calls []models.ToolCall, manifests map[string]models.ToolManifest) []models.ChatToolPayload {
	if len(calls) == 0 {
		return nil
	}
	out := make([]models.ChatToolPayload, 0, len(calls))
	for _, call := range calls {
		identifier, apiName, typ := models.ParseToolCallingName(call.Name, manifests)
		payload := models.ChatToolPayload{
			ID:         call.ID,
			Identifier: identifier,
			APIName:    apiName,
			Arguments:  call.Arguments,
			Type:       typ,
		}
		if payload.ID == "" {
			payload.ID = uuid.NewString()
		}
		var schema json.RawMessage
		if manifest, ok := manifests[identifier]; ok {
			if api, ok := manifest.API(apiName); ok {
				schema = api.Parameters
			}
		}
		if res := toolargs.ParseAndRepair(call.Arguments, schema); res.Repaired {
			if data, err := json.Marshal(res.Args); err == nil {
				payload.Arguments = string(data)
				s.logger.Debug("repaired tool arguments", "tool", payload.Key(), "tool_call_id", payload.ID)
			}
		}
		out = append(out, payload)
	}
	return out
}

func sortedManifests(manifests map[string]models.ToolManifest) []models.ToolManifest {
	out := make([]models.ToolManifest, 0, len(manifests))
	for _, m := range manifests {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

func declarations(manifests map[string]models.ToolManifest) []models.ToolDeclaration {
	var out []models.ToolDeclaration
	for _, m := range sortedManifests(manifests) {
		out = append(out, m.Declarations()...)
	}
	return out
}

func withMetadata(md map[string]any, key string, value any) map[string]any {
	if md == nil {
		md = map[string]any{}
	}
	md[key] = value
	return md
}
