// Package config loads the agentcore configuration file.
package config

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/haasonsaas/agentcore/internal/observability"
	"github.com/haasonsaas/agentcore/internal/tokens"
	"github.com/haasonsaas/agentcore/internal/usage"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// Config is the main configuration structure for agentcore.
type Config struct {
	Version       int                 `yaml:"version"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Intervention  ApprovalConfig      `yaml:"intervention"`
	Tasks         TasksConfig         `yaml:"tasks"`
	Pricing       usage.PriceTable    `yaml:"pricing"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Manifests     []ManifestConfig    `yaml:"manifests"`
}

// RuntimeConfig controls the step loop and the decision agent.
type RuntimeConfig struct {
	// MaxSteps finishes a run with max_steps_exceeded. Defaults to 100.
	MaxSteps int    `yaml:"max_steps"`
	Model    string `yaml:"model"`
	Provider string `yaml:"provider"`
	// MaxTokens limits each model response. Zero uses the provider default.
	MaxTokens int `yaml:"max_tokens"`

	Compression tokens.CompressionConfig `yaml:"compression"`
	// KeepRecent trailing messages survive context compression verbatim.
	KeepRecent int `yaml:"keep_recent"`

	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	ToolConcurrency int           `yaml:"tool_concurrency"`
}

// ApprovalConfig is the user's human-in-the-loop preference.
type ApprovalConfig struct {
	ApprovalMode models.ApprovalMode `yaml:"approval_mode"`
	// AllowList holds "identifier/apiName" keys run without approval in allow-list mode.
	AllowList []string `yaml:"allow_list"`
	// SecurityBlacklist replaces the built-in blacklist when set.
	SecurityBlacklist []models.SecurityBlacklistRule `yaml:"security_blacklist"`
}

// UserConfig converts the section into the state-level preference.
func (c ApprovalConfig) UserConfig() models.UserInterventionConfig {
	return models.UserInterventionConfig{
		ApprovalMode: c.ApprovalMode,
		AllowList:    append([]string(nil), c.AllowList...),
	}
}

// TasksConfig configures async task execution.
type TasksConfig struct {
	// PollInterval is how often a running task is polled. Defaults to 3 seconds.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Timeout applies to tasks that do not set their own. Defaults to 30 minutes.
	Timeout time.Duration `yaml:"timeout"`
	// Concurrency bounds how many tasks of one batch run at once. Defaults to 5.
	Concurrency int `yaml:"concurrency"`

	Janitor JanitorConfig `yaml:"janitor"`
}

// JanitorConfig controls pruning of finished task records.
type JanitorConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Schedule  string        `yaml:"schedule"`
	Retention time.Duration `yaml:"retention"`
}

// ProvidersConfig configures model API access.
type ProvidersConfig struct {
	Default   string         `yaml:"default"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Gemini    ProviderConfig `yaml:"gemini"`
	Bedrock   BedrockConfig  `yaml:"bedrock"`
}

// ProviderConfig configures one model API.
type ProviderConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// Configured reports whether the provider has credentials.
func (c ProviderConfig) Configured() bool {
	return c.APIKey != ""
}

// BedrockConfig configures AWS Bedrock. Without static keys the default AWS
// credential chain is used.
type BedrockConfig struct {
	Region          string        `yaml:"region"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	SessionToken    string        `yaml:"session_token"`
	DefaultModel    string        `yaml:"default_model"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
}

// Configured reports whether a region was set.
func (c BedrockConfig) Configured() bool {
	return c.Region != ""
}

// Provider returns the named provider section. The Bedrock section is
// reduced to its shared fields.
func (c ProvidersConfig) Provider(name string) (ProviderConfig, bool) {
	switch name {
	case ProviderOpenAI:
		return c.OpenAI, true
	case ProviderAnthropic:
		return c.Anthropic, true
	case ProviderGemini:
		return c.Gemini, true
	case ProviderBedrock:
		return ProviderConfig{
			DefaultModel: c.Bedrock.DefaultModel,
			MaxRetries:   c.Bedrock.MaxRetries,
			RetryDelay:   c.Bedrock.RetryDelay,
		}, true
	default:
		return ProviderConfig{}, false
	}
}

// Provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderBedrock   = "bedrock"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// StorageConfig selects where messages and task records are kept.
type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// LogConfig converts the section for observability.NewLogger.
func (c LoggingConfig) LogConfig(out io.Writer) observability.LogConfig {
	return observability.LogConfig{
		Level:          c.Level,
		Format:         c.Format,
		Output:         out,
		AddSource:      c.AddSource,
		RedactPatterns: c.RedactPatterns,
	}
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// MetricsAddr serves Prometheus metrics when set, for example ":9090".
	MetricsAddr string        `yaml:"metrics_addr"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}

// TraceConfig converts the section for observability.NewTracer. A disabled
// section yields an empty endpoint, which turns tracing off.
func (c TracingConfig) TraceConfig() observability.TraceConfig {
	cfg := observability.TraceConfig{
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
		Environment:    c.Environment,
		SamplingRate:   c.SamplingRate,
		Attributes:     c.Attributes,
		Insecure:       c.Insecure,
	}
	if c.Enabled {
		cfg.Endpoint = c.Endpoint
	}
	return cfg
}

// ManifestConfig declares a tool. Parameters are written as YAML and
// converted to a JSON schema.
type ManifestConfig struct {
	Identifier        string                     `yaml:"identifier"`
	Type              models.ToolType            `yaml:"type"`
	SystemRole        string                     `yaml:"system_role"`
	HumanIntervention *models.InterventionConfig `yaml:"human_intervention"`
	APIs              []ManifestAPIConfig        `yaml:"apis"`
}

// ManifestAPIConfig declares one API of a tool.
type ManifestAPIConfig struct {
	Name              string                     `yaml:"name"`
	Description       string                     `yaml:"description"`
	Parameters        map[string]any             `yaml:"parameters"`
	HumanIntervention *models.InterventionConfig `yaml:"human_intervention"`
}

// ToolManifests converts the declared manifests keyed by identifier.
func (c *Config) ToolManifests() (map[string]models.ToolManifest, error) {
	out := make(map[string]models.ToolManifest, len(c.Manifests))
	for _, m := range c.Manifests {
		manifest := models.ToolManifest{
			Identifier:        m.Identifier,
			Type:              m.Type,
			SystemRole:        m.SystemRole,
			HumanIntervention: m.HumanIntervention,
		}
		for _, api := range m.APIs {
			decl := models.ToolAPI{
				Name:              api.Name,
				Description:       api.Description,
				HumanIntervention: api.HumanIntervention,
			}
			if len(api.Parameters) > 0 {
				params, err := json.Marshal(api.Parameters)
				if err != nil {
					return nil, fmt.Errorf("manifest %s api %s: encode parameters: %w", m.Identifier, api.Name, err)
				}
				decl.Parameters = params
			}
			manifest.APIs = append(manifest.APIs, decl)
		}
		out[m.Identifier] = manifest
	}
	return out, nil
}

// Load reads, merges, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Runtime.MaxSteps == 0 {
		cfg.Runtime.MaxSteps = 100
	}
	if cfg.Providers.Default == "" {
		cfg.Providers.Default = ProviderOpenAI
	}
	if cfg.Runtime.Provider == "" {
		cfg.Runtime.Provider = cfg.Providers.Default
	}
	if cfg.Runtime.Model == "" {
		if p, ok := cfg.Providers.Provider(cfg.Runtime.Provider); ok && p.DefaultModel != "" {
			cfg.Runtime.Model = p.DefaultModel
		} else if cfg.Runtime.Provider == ProviderAnthropic {
			cfg.Runtime.Model = "claude-sonnet-4-20250514"
		} else if cfg.Runtime.Provider == ProviderBedrock {
			cfg.Runtime.Model = "anthropic.claude-3-5-sonnet-20240620-v1:0"
		} else if cfg.Runtime.Provider == ProviderGemini {
			cfg.Runtime.Model = "gemini-2.0-flash"
		} else {
			cfg.Runtime.Model = "gpt-4o"
		}
	}
	if cfg.Runtime.ToolConcurrency == 0 {
		cfg.Runtime.ToolConcurrency = 5
	}
	if cfg.Tasks.PollInterval == 0 {
		cfg.Tasks.PollInterval = 3 * time.Second
	}
	if cfg.Tasks.Timeout == 0 {
		cfg.Tasks.Timeout = 30 * time.Minute
	}
	if cfg.Tasks.Concurrency == 0 {
		cfg.Tasks.Concurrency = 5
	}
	if cfg.Tasks.Janitor.Schedule == "" {
		cfg.Tasks.Janitor.Schedule = "@every 1h"
	}
	if cfg.Tasks.Janitor.Retention == 0 {
		cfg.Tasks.Janitor.Retention = 24 * time.Hour
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverMemory
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "agentcore"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
	if cfg.Providers.Bedrock.Region == "" && cfg.Runtime.Provider == ProviderBedrock {
		cfg.Providers.Bedrock.Region = os.Getenv("AWS_REGION")
	}
	if cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Providers.Anthropic.APIKey == "" {
		cfg.Providers.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Providers.Gemini.APIKey == "" {
		cfg.Providers.Gemini.APIKey = cmp.Or(os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY"))
	}
}
