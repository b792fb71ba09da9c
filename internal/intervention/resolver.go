// Package intervention decides which tool calls may run immediately and which
// need a human decision first.
package intervention

import (
	"github.com/haasonsaas/agentcore/internal/toolargs"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// AuditInput is what a global audit sees for one call.
type AuditInput struct {
	Call              models.ChatToolPayload
	Args              map[string]any
	Metadata          map[string]any
	SecurityBlacklist []models.SecurityBlacklistRule
}

// Audit is a global check evaluated before any per-tool configuration.
// Policy is PolicyAlways or PolicyRequired.
type Audit struct {
	Name   string
	Policy models.InterventionPolicy
	Match  func(AuditInput) bool
}

// DynamicInput is what a dynamic resolver sees for one call.
type DynamicInput struct {
	Call     models.ChatToolPayload
	Args     map[string]any
	Metadata map[string]any
}

// DynamicResolver reports whether a dynamic intervention rule matches a call.
type DynamicResolver func(DynamicInput) bool

// ManifestProvider returns the manifest declared for a tool identifier.
type ManifestProvider interface {
	Manifest(identifier string) (models.ToolManifest, bool)
}

// ManifestMap is a ManifestProvider backed by a map.
type ManifestMap map[string]models.ToolManifest

// Manifest implements ManifestProvider.
func (m ManifestMap) Manifest(identifier string) (models.ToolManifest, bool) {
	manifest, ok := m[identifier]
	return manifest, ok
}

// Outcome is the classification of a single tool call.
type Outcome string

const (
	OutcomeExecute Outcome = "execute"
	OutcomeApprove Outcome = "approve"
	OutcomeDrop    Outcome = "drop"
)

// Decision explains how one call was classified.
type Decision struct {
	Call    models.ChatToolPayload `json:"call"`
	Outcome Outcome                `json:"outcome"`
	Reason  string                 `json:"reason"`
}

// Partition is the result of resolving a batch. Each input call appears in
// exactly one list; input order is preserved within each list.
type Partition struct {
	Execute       []models.ChatToolPayload `json:"execute"`
	NeedsApproval []models.ChatToolPayload `json:"needs_approval"`
	Dropped       []models.ChatToolPayload `json:"dropped,omitempty"`
	Decisions     []Decision               `json:"decisions"`
}

// Resolver classifies tool calls. It holds no mutable state and is safe for
// concurrent use.
type Resolver struct {
	audits  []Audit
	dynamic map[string]DynamicResolver
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithAudits replaces the default global audits.
func WithAudits(audits ...Audit) Option {
	return func(r *Resolver) {
		r.audits = append([]Audit(nil), audits...)
	}
}

// WithDynamicResolver registers a named dynamic resolver.
func WithDynamicResolver(name string, fn DynamicResolver) Option {
	return func(r *Resolver) {
		if fn != nil {
			r.dynamic[name] = fn
		}
	}
}

// WithDynamicResolvers registers several named dynamic resolvers.
func WithDynamicResolvers(resolvers map[string]DynamicResolver) Option {
	return func(r *Resolver) {
		for name, fn := range resolvers {
			if fn != nil {
				r.dynamic[name] = fn
			}
		}
	}
}

// NewResolver creates a resolver. Without WithAudits the security blacklist
// audit is the only global audit.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		audits:  []Audit{SecurityBlacklistAudit()},
		dynamic: make(map[string]DynamicResolver),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve partitions calls using the state's manifests, approval mode,
// security blacklist and metadata.
func (r *Resolver) Resolve(state models.AgentState, calls []models.ChatToolPayload) Partition {
	return r.ResolveWith(ManifestMap(state.ToolManifestMap), state, calls)
}

// ResolveWith partitions calls using an explicit manifest provider.
func (r *Resolver) ResolveWith(manifests ManifestProvider, state models.AgentState, calls []models.ChatToolPayload) Partition {
	var p Partition
	for _, call := range calls {
		d := r.decide(manifests, state, call)
		p.Decisions = append(p.Decisions, d)
		switch d.Outcome {
		case OutcomeExecute:
			p.Execute = append(p.Execute, call)
		case OutcomeApprove:
			p.NeedsApproval = append(p.NeedsApproval, call)
		case OutcomeDrop:
			p.Dropped = append(p.Dropped, call)
		}
	}
	return p
}

func (r *Resolver) decide(manifests ManifestProvider, state models.AgentState, call models.ChatToolPayload) Decision {
	args := toolargs.Parse(call.Arguments)
	mode := state.UserInterventionConfig.Mode()

	global, auditName := r.evaluateAudits(AuditInput{
		Call:              call,
		Args:              args,
		Metadata:          state.Metadata,
		SecurityBlacklist: state.SecurityBlacklist,
	})

	if mode == models.ApprovalHeadless {
		if global == models.PolicyAlways {
			return Decision{Call: call, Outcome: OutcomeDrop, Reason: "headless: blocked by audit " + auditName}
		}
		return Decision{Call: call, Outcome: OutcomeExecute, Reason: "headless"}
	}

	if global == models.PolicyAlways {
		return Decision{Call: call, Outcome: OutcomeApprove, Reason: "audit " + auditName}
	}

	var cfg *models.InterventionConfig
	if manifests != nil {
		if manifest, ok := manifests.Manifest(call.Identifier); ok {
			cfg = manifest.InterventionFor(call.APIName)
		}
	}

	if cfg != nil && cfg.Dynamic != nil {
		policy := r.dynamicPolicy(cfg.Dynamic, DynamicInput{Call: call, Args: args, Metadata: state.Metadata})
		if policy != models.PolicyNever {
			return Decision{Call: call, Outcome: OutcomeApprove, Reason: "dynamic " + cfg.Dynamic.Resolver + ": " + string(policy)}
		}
		return Decision{Call: call, Outcome: OutcomeExecute, Reason: "dynamic " + cfg.Dynamic.Resolver + ": never"}
	}

	if global == models.PolicyRequired {
		return Decision{Call: call, Outcome: OutcomeApprove, Reason: "audit " + auditName}
	}

	if staticAlways(cfg, args) {
		return Decision{Call: call, Outcome: OutcomeApprove, Reason: "static always"}
	}

	switch mode {
	case models.ApprovalAutoRun:
		return Decision{Call: call, Outcome: OutcomeExecute, Reason: "auto-run"}
	case models.ApprovalAllowList:
		key := call.Key()
		for _, allowed := range state.UserInterventionConfig.AllowList {
			if allowed == key {
				return Decision{Call: call, Outcome: OutcomeExecute, Reason: "allow-list"}
			}
		}
		return Decision{Call: call, Outcome: OutcomeApprove, Reason: "not in allow-list"}
	default:
		policy := staticPolicy(cfg, args)
		if policy == models.PolicyNever {
			return Decision{Call: call, Outcome: OutcomeExecute, Reason: "manual: never"}
		}
		return Decision{Call: call, Outcome: OutcomeApprove, Reason: "manual: " + string(policy)}
	}
}

// evaluateAudits returns the policy of the first matching audit, or "".
func (r *Resolver) evaluateAudits(in AuditInput) (models.InterventionPolicy, string) {
	for _, audit := range r.audits {
		if audit.Match == nil || !audit.Match(in) {
			continue
		}
		policy := audit.Policy
		if policy != models.PolicyRequired {
			policy = models.PolicyAlways
		}
		return policy, audit.Name
	}
	return "", ""
}

func (r *Resolver) dynamicPolicy(d *models.DynamicIntervention, in DynamicInput) models.InterventionPolicy {
	fallback := d.Default
	if fallback == "" {
		fallback = models.PolicyNever
	}
	fn, ok := r.dynamic[d.Resolver]
	if !ok {
		return fallback
	}
	if fn(in) {
		if d.Policy == "" {
			return models.PolicyRequired
		}
		return d.Policy
	}
	return fallback
}

// staticAlways reports whether the config unconditionally requires approval
// for these arguments.
func staticAlways(cfg *models.InterventionConfig, args map[string]any) bool {
	if cfg == nil {
		return false
	}
	if cfg.Policy == models.PolicyAlways {
		return true
	}
	for _, rule := range cfg.Rules {
		if rule.Policy == models.PolicyAlways && matchRule(rule.Match, args) {
			return true
		}
	}
	return false
}

// staticPolicy returns the declared policy for these arguments: the static
// policy, else the first matching rule's policy, else never.
func staticPolicy(cfg *models.InterventionConfig, args map[string]any) models.InterventionPolicy {
	if cfg == nil {
		return models.PolicyNever
	}
	if cfg.Policy != "" {
		return cfg.Policy
	}
	for _, rule := range cfg.Rules {
		if matchRule(rule.Match, args) {
			if rule.Policy == "" {
				return models.PolicyNever
			}
			return rule.Policy
		}
	}
	return models.PolicyNever
}
