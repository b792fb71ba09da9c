package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentcore/internal/config"
)

// =============================================================================
// Run Command
// =============================================================================

// buildRunCmd creates the "run" command that drives one conversation turn.
func buildRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one conversation turn with the configured provider",
		Long: `Run a prompt through the decision runtime until it completes or waits for approval.

The command prints a JSON summary with the final status, the finish reason,
usage and cost. Tool calls that need approval stop the run unless
--approve-all is set. Metrics are served when observability.metrics_addr
is configured. With --watch-config, edits to the intervention and pricing
sections apply to steps that start after the file is saved.`,
		Example: `  # Run with the default config
  agentcore run --prompt "What changed in the last release?"

  # Stream the reply and approve every tool call
  agentcore run -c prod.yaml --stream --approve-all -p "Clean up the build cache"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ConfigPath = resolveConfigPath(opts.ConfigPath)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConversation(ctx, cmd.OutOrStdout(), opts, appOptions{LogOutput: cmd.ErrOrStderr()})
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().StringVarP(&opts.Prompt, "prompt", "p", "", "User prompt")
	cmd.Flags().BoolVar(&opts.ApproveAll, "approve-all", false, "Approve every tool call that requires approval")
	cmd.Flags().BoolVar(&opts.Stream, "stream", false, "Print streamed model output as it arrives")
	cmd.Flags().BoolVar(&opts.WatchConfig, "watch-config", false, "Reload intervention and pricing settings when the config file changes")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

// =============================================================================
// Inspection Commands
// =============================================================================

func buildDecideCmd() *cobra.Command {
	var opts decideOptions
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Print the instructions the decision agent produces for a state",
		Example: `  agentcore decide --state state.json --context context.json
  cat context.json | agentcore decide --state state.json --context -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecide(cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.StatePath, "state", "", "Agent state JSON file (- for stdin)")
	cmd.Flags().StringVar(&opts.ContextPath, "context", "", "Runtime context JSON file (- for stdin)")
	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "Optional configuration file for model and compression settings")
	_ = cmd.MarkFlagRequired("state")
	_ = cmd.MarkFlagRequired("context")
	return cmd
}

func buildResolveCmd() *cobra.Command {
	var statePath, callsPath string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Partition tool calls into execute, needs-approval and dropped",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd.InOrStdin(), cmd.OutOrStdout(), statePath, callsPath)
		},
	}
	cmd.Flags().StringVar(&statePath, "state", "", "Agent state JSON file (- for stdin)")
	cmd.Flags().StringVar(&callsPath, "calls", "", "Tool calls JSON array (- for stdin)")
	_ = cmd.MarkFlagRequired("state")
	_ = cmd.MarkFlagRequired("calls")
	return cmd
}

func buildPipelineCmd() *cobra.Command {
	var opts pipelineOptions
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Print the model-ready view of a message list",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newCLILogger(config.Default(), cmd.ErrOrStderr())
			return runPipeline(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), logger, opts)
		},
	}
	cmd.Flags().StringVar(&opts.MessagesPath, "messages", "", "Messages JSON array (- for stdin)")
	cmd.Flags().StringVar(&opts.AgentID, "agent-id", "", "Agent the view is built for")
	cmd.Flags().StringVar(&opts.Model, "model", "gpt-4o", "Target model")
	cmd.Flags().StringVar(&opts.SystemRole, "system-role", "", "Agent system role")
	cmd.Flags().BoolVar(&opts.NoTools, "no-tools", false, "Target model lacks function calling")
	cmd.Flags().BoolVar(&opts.NoVision, "no-vision", false, "Target model lacks image input")
	_ = cmd.MarkFlagRequired("messages")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd.OutOrStdout())
		},
	}
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd.OutOrStdout(), resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	return cmd
}

// =============================================================================
// Tasks Commands
// =============================================================================

func buildTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage async task records",
	}
	cmd.AddCommand(buildTasksPruneCmd())
	return cmd
}

func buildTasksPruneCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished task records once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksPrune(cmd.Context(), cmd.OutOrStdout(), resolveConfigPath(configPath), olderThan)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Retention override (default: tasks.janitor.retention)")
	return cmd
}
