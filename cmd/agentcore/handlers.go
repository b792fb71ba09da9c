package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/agentcore/internal/config"
	"github.com/haasonsaas/agentcore/internal/decision"
	"github.com/haasonsaas/agentcore/internal/intervention"
	"github.com/haasonsaas/agentcore/internal/pipeline"
	"github.com/haasonsaas/agentcore/internal/runtime"
	"github.com/haasonsaas/agentcore/internal/tasks"
	"github.com/haasonsaas/agentcore/internal/usage"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// readJSONInput decodes a JSON file, or stdin when path is "-".
func readJSONInput(stdin io.Reader, path string, v any) error {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadConfigOrDefault loads path, falling back to defaults when path is empty.
func loadConfigOrDefault(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// =============================================================================
// Decide / Resolve / Pipeline Handlers
// =============================================================================

type decideOptions struct {
	StatePath   string
	ContextPath string
	ConfigPath  string
}

// runDecide prints the instructions the decision agent produces for a state
// and runtime context.
func runDecide(stdin io.Reader, out io.Writer, opts decideOptions) error {
	cfg, err := loadConfigOrDefault(opts.ConfigPath)
	if err != nil {
		return err
	}
	var state models.AgentState
	if err := readJSONInput(stdin, opts.StatePath, &state); err != nil {
		return err
	}
	var rc decision.RuntimeContext
	if err := readJSONInput(stdin, opts.ContextPath, &rc); err != nil {
		return err
	}

	agent := decision.New(decision.Config{
		Model:       cfg.Runtime.Model,
		Provider:    cfg.Runtime.Provider,
		Compression: cfg.Runtime.Compression,
	}, intervention.NewResolver(intervention.WithAudits(intervention.SecurityBlacklistAudit())))
	data, err := decision.MarshalInstructions(agent.Decide(rc, state))
	if err != nil {
		return err
	}
	var pretty any
	if err := json.Unmarshal(data, &pretty); err != nil {
		return err
	}
	return writeJSON(out, pretty)
}

// runResolve prints how the intervention resolver partitions tool calls.
func runResolve(stdin io.Reader, out io.Writer, statePath, callsPath string) error {
	var state models.AgentState
	if err := readJSONInput(stdin, statePath, &state); err != nil {
		return err
	}
	var calls []models.ChatToolPayload
	if err := readJSONInput(stdin, callsPath, &calls); err != nil {
		return err
	}
	resolver := intervention.NewResolver(intervention.WithAudits(intervention.SecurityBlacklistAudit()))
	return writeJSON(out, resolver.Resolve(state, calls))
}

type pipelineOptions struct {
	MessagesPath string
	AgentID      string
	Model        string
	SystemRole   string
	NoTools      bool
	NoVision     bool
}

// runPipeline prints the model-ready view of a message list.
func runPipeline(ctx context.Context, stdin io.Reader, out io.Writer, logger *slog.Logger, opts pipelineOptions) error {
	var msgs []models.Message
	if err := readJSONInput(stdin, opts.MessagesPath, &msgs); err != nil {
		return err
	}
	caps := pipeline.DefaultCapabilities()
	caps.FunctionCalling = !opts.NoTools
	caps.Vision = !opts.NoVision

	engine := pipeline.New(pipeline.Options{
		AgentID:      opts.AgentID,
		Model:        opts.Model,
		Capabilities: caps,
		SystemRole:   opts.SystemRole,
		Logger:       logger,
	})
	result, err := engine.Process(ctx, msgs)
	if err != nil {
		return err
	}
	return writeJSON(out, result.Messages)
}

// =============================================================================
// Run Handler
// =============================================================================

type runOptions struct {
	ConfigPath  string
	Prompt      string
	ApproveAll  bool
	Stream      bool
	// WatchConfig reloads the intervention and pricing sections on change.
	WatchConfig bool
}

type runSummary struct {
	OperationID string             `json:"operation_id"`
	Status      models.AgentStatus `json:"status"`
	Reason      string             `json:"reason,omitempty"`
	Steps       int                `json:"steps"`
	Reply       string             `json:"reply,omitempty"`
	Pending     []string           `json:"pending_approvals,omitempty"`
	Usage       models.Usage       `json:"usage"`
	Cost        models.Cost        `json:"cost"`
	Error       string             `json:"error,omitempty"`
}

// runConversation runs one prompt through the configured runtime and prints
// a summary of the terminal state.
func runConversation(ctx context.Context, out io.Writer, opts runOptions, appOpts appOptions) error {
	if strings.TrimSpace(opts.Prompt) == "" {
		return errors.New("prompt is required")
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	if appOpts.Registerer == nil {
		appOpts.Registerer = reg
	}
	if opts.Stream {
		appOpts.Sink = runtime.NewMultiSink(appOpts.Sink, runtime.NewCallbackSink(func(ctx context.Context, e models.AgentEvent) {
			if e.Type == models.AgentEventStreamDelta && e.Stream != nil {
				fmt.Fprint(out, e.Stream.Delta)
			}
		}))
	}

	a, err := newApp(ctx, cfg, appOpts)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			a.logger.Warn("shutdown failed", "error", err)
		}
	}()

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		stop := serveMetrics(addr, reg, a.logger)
		defer stop()
	}
	if opts.WatchConfig {
		if err := a.watchConfig(ctx, opts.ConfigPath); err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
	}

	res, err := a.converse(ctx, a.newState(opts.Prompt), opts.ApproveAll)
	if opts.Stream {
		fmt.Fprintln(out)
	}
	summary := runSummary{
		OperationID: res.State.OperationID,
		Status:      res.State.Status,
		Reason:      res.Reason,
		Steps:       res.State.StepCount,
		Reply:       lastAssistantReply(res.State),
		Usage:       res.State.Usage,
		Cost:        res.State.Cost,
		Error:       res.State.Error,
	}
	for _, call := range res.State.PendingToolsCalling {
		summary.Pending = append(summary.Pending, call.ID)
	}
	a.logger.Info("run finished",
		"operation_id", summary.OperationID,
		"status", summary.Status,
		"usage", usage.Summary(res.State.Usage, res.State.Cost))
	if werr := writeJSON(out, summary); werr != nil && err == nil {
		err = werr
	}
	return err
}

// serveMetrics exposes reg on addr until the returned stop is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

// =============================================================================
// Config Handlers
// =============================================================================

func runConfigSchema(out io.Writer) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(schema))
	return err
}

func runConfigValidate(out io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s is valid (version %d, provider %s, model %s, storage %s, %d manifests)\n",
		path, cfg.Version, cfg.Runtime.Provider, cfg.Runtime.Model, cfg.Storage.Driver, len(cfg.Manifests))
	return nil
}

// =============================================================================
// Tasks Handlers
// =============================================================================

// runTasksPrune runs the task janitor once against the configured store.
func runTasksPrune(ctx context.Context, out io.Writer, configPath string, olderThan time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newCLILogger(cfg, os.Stderr)

	var store tasks.Pruner
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pg, err := tasks.NewCockroachStoreFromDSN(cfg.Storage.DSN, nil)
		if err != nil {
			return fmt.Errorf("open task store: %w", err)
		}
		defer pg.Close()
		store = pg
	default:
		logger.Warn("task records are not persisted for this storage driver", "driver", cfg.Storage.Driver)
		store = tasks.NewMemoryStore()
	}

	retention := olderThan
	if retention <= 0 {
		retention = cfg.Tasks.Janitor.Retention
	}
	janitor, err := tasks.NewJanitor(store, tasks.JanitorConfig{
		Schedule:  cfg.Tasks.Janitor.Schedule,
		Retention: retention,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	pruned, err := janitor.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "pruned %d finished tasks older than %s\n", pruned, retention)
	return nil
}
