// Package main provides the agentcore CLI.
//
// agentcore drives agent conversations through the decision agent, the
// intervention resolver, the message pipeline and the step runtime.
//
// # Basic Usage
//
// Run one conversation turn with the configured provider:
//
//	agentcore run --config agentcore.yaml --prompt "Summarize the open issues"
//
// Inspect what the decision agent would do for a saved state:
//
//	agentcore decide --state state.json --context context.json
//
// # Environment Variables
//
//   - AGENTCORE_CONFIG: Path to configuration file (default: agentcore.yaml)
//   - OPENAI_API_KEY: OpenAI API key, used when providers.openai.api_key is empty
//   - ANTHROPIC_API_KEY: Anthropic API key, used when providers.anthropic.api_key is empty
//   - GEMINI_API_KEY or GOOGLE_API_KEY: Gemini API key, used when providers.gemini.api_key is empty
//   - AWS_REGION: Bedrock region, used when providers.bedrock.region is empty
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentcore/internal/config"
	"github.com/haasonsaas/agentcore/internal/observability"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "agentcore.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentcore",
		Short: "agentcore - agent decision runtime",
		Long: `agentcore runs LLM agent conversations as a loop of decide and execute steps.

The decision agent turns each phase result into instructions, the intervention
resolver decides which tool calls need human approval, and the runtime executes
instructions until the conversation finishes or waits for a human.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildDecideCmd(),
		buildResolveCmd(),
		buildPipelineCmd(),
		buildConfigCmd(),
		buildTasksCmd(),
	)
	return rootCmd
}

// resolveConfigPath applies AGENTCORE_CONFIG when no explicit path was given.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" && path != defaultConfigPath {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("AGENTCORE_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}

func newCLILogger(cfg *config.Config, out io.Writer) *slog.Logger {
	return observability.NewLogger(cfg.Logging.LogConfig(out)).Slog()
}
