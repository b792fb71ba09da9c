package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/agentcore/internal/compaction"
	"github.com/haasonsaas/agentcore/internal/config"
	"github.com/haasonsaas/agentcore/internal/decision"
	"github.com/haasonsaas/agentcore/internal/executors"
	"github.com/haasonsaas/agentcore/internal/intervention"
	"github.com/haasonsaas/agentcore/internal/messages"
	"github.com/haasonsaas/agentcore/internal/observability"
	"github.com/haasonsaas/agentcore/internal/providers"
	"github.com/haasonsaas/agentcore/internal/runtime"
	"github.com/haasonsaas/agentcore/internal/tasks"
	"github.com/haasonsaas/agentcore/internal/usage"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// app holds every component a conversation run needs, built from config.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	store     messages.Store
	taskStore tasks.Store
	backend   *tasks.LocalBackend
	clients   map[string]providers.Client
	manifests map[string]models.ToolManifest
	runtime   *runtime.Runtime

	// live holds the settings a config reload may change.
	live atomic.Pointer[liveSettings]

	closers []func(context.Context) error
}

// liveSettings apply to runs started or resumed after they are stored.
type liveSettings struct {
	intervention config.ApprovalConfig
	pricing      usage.PriceTable
}

type appOptions struct {
	// LogOutput receives structured logs.
	LogOutput io.Writer
	// Registerer receives the run metrics. Nil disables metrics.
	Registerer prometheus.Registerer
	Sink       runtime.EventSink
	// Clients overrides the provider clients built from config.
	Clients map[string]providers.Client
	Tools   executors.ToolInvoker
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}
	a.live.Store(&liveSettings{intervention: cfg.Intervention, pricing: cfg.Pricing})
	a.logger = observability.NewLogger(cfg.Logging.LogConfig(opts.LogOutput)).Slog()
	if opts.Registerer != nil {
		a.metrics = observability.NewMetrics(opts.Registerer)
	}
	tracer, shutdown := observability.NewTracer(cfg.Observability.Tracing.TraceConfig())
	a.tracer = tracer
	a.closers = append(a.closers, shutdown)

	if err := a.openStores(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	manifests, err := cfg.ToolManifests()
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.manifests = manifests

	a.clients = opts.Clients
	if a.clients == nil {
		if a.clients, err = buildClients(ctx, cfg.Providers); err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
	}
	if _, ok := a.clients[cfg.Runtime.Provider]; !ok {
		_ = a.Close(ctx)
		setting := "api_key"
		if cfg.Runtime.Provider == config.ProviderBedrock {
			setting = "region"
		}
		return nil, fmt.Errorf("provider %s is not configured (set providers.%s.%s)", cfg.Runtime.Provider, cfg.Runtime.Provider, setting)
	}

	tools := opts.Tools
	if tools == nil {
		tools = executors.NewToolRegistry()
	}

	resolver := intervention.NewResolver(intervention.WithAudits(intervention.SecurityBlacklistAudit()))
	agent := decision.New(decision.Config{
		Model:       cfg.Runtime.Model,
		Provider:    cfg.Runtime.Provider,
		Compression: cfg.Runtime.Compression,
	}, resolver)

	// Tasks run as nested conversations on the runtime built below.
	a.backend = tasks.NewLocalBackend(a.taskStore, tasks.RunnerFunc(a.runSubtask), tasks.LocalConfig{
		MaxConcurrency: cfg.Tasks.Concurrency,
		Logger:         a.logger,
	})
	a.closers = append(a.closers, a.backend.Close)

	if cfg.Tasks.Janitor.Enabled {
		if pruner, ok := a.taskStore.(tasks.Pruner); ok {
			janitor, err := tasks.NewJanitor(pruner, tasks.JanitorConfig{
				Schedule:  cfg.Tasks.Janitor.Schedule,
				Retention: cfg.Tasks.Janitor.Retention,
				Logger:    a.logger,
			})
			if err != nil {
				_ = a.Close(ctx)
				return nil, err
			}
			if err := janitor.Start(ctx); err != nil {
				_ = a.Close(ctx)
				return nil, err
			}
			a.closers = append(a.closers, janitor.Stop)
		}
	}

	set := executors.New(executors.Config{
		Store:            a.store,
		Clients:          a.clients,
		DefaultProvider:  cfg.Runtime.Provider,
		MaxTokens:        cfg.Runtime.MaxTokens,
		Tools:            tools,
		ToolTimeout:      cfg.Runtime.ToolTimeout,
		ToolConcurrency:  cfg.Runtime.ToolConcurrency,
		Tasks:            a.backend,
		TaskPollInterval: cfg.Tasks.PollInterval,
		TaskTimeout:      cfg.Tasks.Timeout,
		TaskConcurrency:  cfg.Tasks.Concurrency,
		PriceSource:      a.prices,
		Summarizer: &compaction.ModelSummarizer{
			Client:    a.clients[cfg.Runtime.Provider],
			Model:     cfg.Runtime.Model,
			MaxTokens: cfg.Runtime.MaxTokens,
		},
		Compaction: compaction.Config{Model: cfg.Runtime.Model, KeepRecent: cfg.Runtime.KeepRecent},
		Logger:     a.logger,
		Metrics:    a.metrics,
		Tracer:     a.tracer,
	})
	registry := runtime.NewRegistry()
	set.Register(registry)
	if missing := registry.Missing(runtime.ConformanceSet...); len(missing) > 0 {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("executor registry incomplete: %v", missing)
	}

	a.runtime = runtime.New(agent, registry, runtime.Config{
		MaxSteps: cfg.Runtime.MaxSteps,
		Sink:     opts.Sink,
		Store:    a.store,
		Logger:   a.logger,
		Metrics:  a.metrics,
		Tracer:   a.tracer,
	})
	return a, nil
}

func buildClients(ctx context.Context, cfg config.ProvidersConfig) (map[string]providers.Client, error) {
	clients := map[string]providers.Client{}
	if cfg.OpenAI.Configured() {
		clients[config.ProviderOpenAI] = providers.NewOpenAIClient(providers.OpenAIConfig{
			APIKey:     cfg.OpenAI.APIKey,
			BaseURL:    cfg.OpenAI.BaseURL,
			MaxRetries: cfg.OpenAI.MaxRetries,
			RetryDelay: cfg.OpenAI.RetryDelay,
		})
	}
	if cfg.Anthropic.Configured() {
		clients[config.ProviderAnthropic] = providers.NewAnthropicClient(providers.AnthropicConfig{
			APIKey:       cfg.Anthropic.APIKey,
			BaseURL:      cfg.Anthropic.BaseURL,
			DefaultModel: cfg.Anthropic.DefaultModel,
			MaxRetries:   cfg.Anthropic.MaxRetries,
			RetryDelay:   cfg.Anthropic.RetryDelay,
		})
	}
	if cfg.Gemini.Configured() {
		client, err := providers.NewGeminiClient(ctx, providers.GeminiConfig{
			APIKey:       cfg.Gemini.APIKey,
			BaseURL:      cfg.Gemini.BaseURL,
			DefaultModel: cfg.Gemini.DefaultModel,
			MaxRetries:   cfg.Gemini.MaxRetries,
			RetryDelay:   cfg.Gemini.RetryDelay,
		})
		if err != nil {
			return nil, err
		}
		clients[config.ProviderGemini] = client
	}
	if cfg.Bedrock.Configured() {
		client, err := providers.NewBedrockClient(ctx, providers.BedrockConfig{
			Region:          cfg.Bedrock.Region,
			AccessKeyID:     cfg.Bedrock.AccessKeyID,
			SecretAccessKey: cfg.Bedrock.SecretAccessKey,
			SessionToken:    cfg.Bedrock.SessionToken,
			DefaultModel:    cfg.Bedrock.DefaultModel,
			MaxRetries:      cfg.Bedrock.MaxRetries,
			RetryDelay:      cfg.Bedrock.RetryDelay,
		})
		if err != nil {
			return nil, err
		}
		clients[config.ProviderBedrock] = client
	}
	return clients, nil
}

func (a *app) openStores(ctx context.Context) error {
	storage := a.cfg.Storage
	switch storage.Driver {
	case config.DriverPostgres:
		sqlCfg := messages.DefaultSQLConfig()
		taskCfg := tasks.DefaultCockroachConfig()
		if storage.MaxOpenConns > 0 {
			sqlCfg.MaxOpenConns = storage.MaxOpenConns
			taskCfg.MaxOpenConns = storage.MaxOpenConns
		}
		if storage.ConnMaxLifetime > 0 {
			sqlCfg.ConnMaxLifetime = storage.ConnMaxLifetime
			taskCfg.ConnMaxLifetime = storage.ConnMaxLifetime
		}
		msgStore, err := messages.Open(messages.DialectPostgres, storage.DSN, sqlCfg)
		if err != nil {
			return fmt.Errorf("open message store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return msgStore.Close() })
		if err := msgStore.Migrate(ctx); err != nil {
			return err
		}
		taskStore, err := tasks.NewCockroachStoreFromDSN(storage.DSN, taskCfg)
		if err != nil {
			return fmt.Errorf("open task store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return taskStore.Close() })
		if err := taskStore.Migrate(ctx); err != nil {
			return err
		}
		a.store, a.taskStore = msgStore, taskStore
	case config.DriverSQLite:
		msgStore, err := messages.Open(messages.DialectSQLite, storage.DSN, nil)
		if err != nil {
			return fmt.Errorf("open message store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return msgStore.Close() })
		if err := msgStore.Migrate(ctx); err != nil {
			return err
		}
		a.store, a.taskStore = msgStore, tasks.NewMemoryStore()
	default:
		a.store, a.taskStore = messages.NewMemoryStore(), tasks.NewMemoryStore()
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// newState starts a conversation turn from a user prompt.
func (a *app) newState(prompt string) models.AgentState {
	topicID := uuid.NewString()
	state := models.NewAgentState(uuid.NewString(), []models.Message{{
		ID:      uuid.NewString(),
		Role:    models.RoleUser,
		Content: prompt,
		TopicID: topicID,
	}})
	for id, m := range a.manifests {
		state.ToolManifestMap[id] = m
	}
	a.applyIntervention(&state)
	return state
}

// applyIntervention copies the current approval settings into state.
func (a *app) applyIntervention(state *models.AgentState) {
	settings := a.live.Load().intervention
	state.UserInterventionConfig = settings.UserConfig()
	if len(settings.SecurityBlacklist) > 0 {
		state.SecurityBlacklist = settings.SecurityBlacklist
	}
}

func (a *app) prices() usage.PriceTable {
	return a.live.Load().pricing
}

// applyConfig stores the reloadable sections of a reloaded config. Other
// sections need a restart.
func (a *app) applyConfig(cfg *config.Config) {
	a.live.Store(&liveSettings{intervention: cfg.Intervention, pricing: cfg.Pricing})
	a.logger.Info("applied reloaded config",
		"approval_mode", string(cfg.Intervention.ApprovalMode),
		"tool_prices", len(cfg.Pricing.Tools))
}

// watchConfig reloads path when it changes and applies the reloadable
// sections. The watcher is stopped by Close.
func (a *app) watchConfig(ctx context.Context, path string) error {
	watcher, err := config.NewWatcher(path, a.applyConfig, config.WatcherConfig{Logger: a.logger})
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	a.closers = append(a.closers, func(context.Context) error { return watcher.Close() })
	return nil
}

// converse runs a state to a terminal or waiting status. When approveAll is
// set every approval request is granted and the run continues.
func (a *app) converse(ctx context.Context, state models.AgentState, approveAll bool) (*runtime.RunResult, error) {
	first := state.Messages[len(state.Messages)-1]
	rc := decision.NewContext(decision.UserInputPayload{MessageID: first.ID}, state)
	op := runtime.NewOperation(ctx, runtime.OperationContext{TopicID: first.TopicID})
	defer op.Complete()
	for {
		res, err := a.runtime.Run(ctx, op, state, rc)
		if err != nil || res.State.Status != models.StatusWaitingForHuman || !approveAll {
			return res, err
		}
		ids := make([]string, 0, len(res.State.PendingToolsCalling))
		for _, call := range res.State.PendingToolsCalling {
			ids = append(ids, call.ID)
		}
		a.logger.Info("auto-approving tool calls", "count", len(ids))
		resume, err := a.runtime.Approve(ctx, res.State, ids)
		if err != nil {
			return res, err
		}
		state, rc = resume.State, resume.Next
		a.applyIntervention(&state)
	}
}

// runSubtask runs a task instruction as its own conversation and returns
// the final assistant reply.
func (a *app) runSubtask(ctx context.Context, spec models.TaskSpec) (string, error) {
	if a.runtime == nil {
		return "", errors.New("runtime not ready")
	}
	prompt := spec.Instruction
	if spec.Description != "" {
		prompt = spec.Description + "\n\n" + spec.Instruction
	}
	res, err := a.converse(ctx, a.newState(prompt), false)
	if err != nil {
		return "", err
	}
	switch res.State.Status {
	case models.StatusDone:
		return lastAssistantReply(res.State), nil
	case models.StatusWaitingForHuman:
		return "", errors.New("task requires human approval")
	default:
		if res.State.Error != "" {
			return "", errors.New(res.State.Error)
		}
		return "", fmt.Errorf("task ended with status %s", res.State.Status)
	}
}

func lastAssistantReply(state models.AgentState) string {
	for i := len(state.Messages) - 1; i >= 0; i-- {
		msg := state.Messages[i]
		if msg.Role == models.RoleAssistant && strings.TrimSpace(msg.Content) != "" {
			return msg.Content
		}
	}
	return ""
}
