package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/agentcore/internal/toolargs"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// ValidationError collects every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return ""
	}
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

// Validate checks a defaulted configuration.
func (c *Config) Validate() error {
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}

	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if c.Runtime.MaxSteps < 0 {
		add("runtime.max_steps must be >= 0")
	}
	if c.Runtime.ToolConcurrency < 0 {
		add("runtime.tool_concurrency must be >= 0")
	}
	if c.Runtime.ToolTimeout < 0 {
		add("runtime.tool_timeout must be >= 0")
	}
	if c.Runtime.KeepRecent < 0 {
		add("runtime.keep_recent must be >= 0")
	}
	if r := c.Runtime.Compression.ThresholdRatio; r < 0 || r > 1 {
		add("runtime.compression.threshold_ratio must be between 0 and 1")
	}
	if c.Runtime.Compression.ThresholdTokens < 0 {
		add("runtime.compression.threshold_tokens must be >= 0")
	}
	if _, ok := c.Providers.Provider(c.Runtime.Provider); !ok {
		add("runtime.provider %q is not supported (use openai, anthropic, gemini or bedrock)", c.Runtime.Provider)
	}
	if _, ok := c.Providers.Provider(c.Providers.Default); !ok {
		add("providers.default %q is not supported (use openai, anthropic, gemini or bedrock)", c.Providers.Default)
	}
	for _, name := range []string{ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderBedrock} {
		p, _ := c.Providers.Provider(name)
		if p.MaxRetries < 0 {
			add("providers.%s.max_retries must be >= 0", name)
		}
		if p.RetryDelay < 0 {
			add("providers.%s.retry_delay must be >= 0", name)
		}
	}

	if b := c.Providers.Bedrock; (b.AccessKeyID == "") != (b.SecretAccessKey == "") {
		add("providers.bedrock.access_key_id and secret_access_key must be set together")
	}

	switch c.Intervention.ApprovalMode {
	case "", models.ApprovalManual, models.ApprovalAutoRun, models.ApprovalAllowList, models.ApprovalHeadless:
	default:
		add("intervention.approval_mode %q is invalid", c.Intervention.ApprovalMode)
	}
	for i, key := range c.Intervention.AllowList {
		if !strings.Contains(key, "/") {
			add("intervention.allow_list[%d] %q must be identifier/apiName", i, key)
		}
	}
	for i, rule := range c.Intervention.SecurityBlacklist {
		if len(rule.Match) == 0 {
			add("intervention.security_blacklist[%d] has no match entries", i)
		}
	}

	if c.Tasks.PollInterval < 0 {
		add("tasks.poll_interval must be >= 0")
	}
	if c.Tasks.Timeout < 0 {
		add("tasks.timeout must be >= 0")
	}
	if c.Tasks.Concurrency < 0 {
		add("tasks.concurrency must be >= 0")
	}
	if c.Tasks.Janitor.Enabled {
		if _, err := cron.ParseStandard(c.Tasks.Janitor.Schedule); err != nil {
			add("tasks.janitor.schedule %q is invalid: %v", c.Tasks.Janitor.Schedule, err)
		}
		if c.Tasks.Janitor.Retention <= 0 {
			add("tasks.janitor.retention must be > 0")
		}
	}

	for model, cost := range c.Pricing.Models {
		if cost.Input < 0 || cost.Output < 0 || cost.CacheRead < 0 || cost.CacheWrite < 0 {
			add("pricing.models.%s has a negative price", model)
		}
	}
	for tool, price := range c.Pricing.Tools {
		if price < 0 {
			add("pricing.tools.%s has a negative price", tool)
		}
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add("storage.dsn is required for driver %s", c.Storage.Driver)
		}
	default:
		add("storage.driver %q is invalid (use memory, postgres or sqlite)", c.Storage.Driver)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q is invalid", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format %q is invalid (use json or text)", c.Logging.Format)
	}
	if tr := c.Observability.Tracing; tr.Enabled {
		if strings.TrimSpace(tr.Endpoint) == "" {
			add("observability.tracing.endpoint is required when tracing is enabled")
		}
		if tr.SamplingRate < 0 || tr.SamplingRate > 1 {
			add("observability.tracing.sampling_rate must be between 0 and 1")
		}
	}

	issues = append(issues, c.validateManifests()...)

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func (c *Config) validateManifests() []string {
	var issues []string
	seen := map[string]bool{}
	for i, m := range c.Manifests {
		id := strings.TrimSpace(m.Identifier)
		if id == "" {
			issues = append(issues, fmt.Sprintf("manifests[%d].identifier is required", i))
			continue
		}
		if strings.Contains(id, "/") {
			issues = append(issues, fmt.Sprintf("manifests[%d].identifier %q must not contain '/'", i, id))
		}
		if seen[id] {
			issues = append(issues, fmt.Sprintf("manifests[%d].identifier %q is duplicated", i, id))
		}
		seen[id] = true
		if len(m.APIs) == 0 {
			issues = append(issues, fmt.Sprintf("manifest %s declares no apis", id))
		}
		apis := map[string]bool{}
		for _, api := range m.APIs {
			if api.Name == "" {
				issues = append(issues, fmt.Sprintf("manifest %s has an api without a name", id))
				continue
			}
			if apis[api.Name] {
				issues = append(issues, fmt.Sprintf("manifest %s api %s is duplicated", id, api.Name))
			}
			apis[api.Name] = true
		}
	}
	if len(issues) > 0 {
		return issues
	}

	manifests, err := c.ToolManifests()
	if err != nil {
		return []string{err.Error()}
	}
	for id, m := range manifests {
		for _, api := range m.APIs {
			if err := toolargs.CheckSchema(api.Parameters); err != nil {
				issues = append(issues, fmt.Sprintf("manifest %s api %s parameters: %v", id, api.Name, err))
			}
		}
	}
	return issues
}
