package models

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// InterventionPolicy is the approval requirement declared for a tool or API.
type InterventionPolicy string

const (
	PolicyNever    InterventionPolicy = "never"
	PolicyRequired InterventionPolicy = "required"
	PolicyAlways   InterventionPolicy = "always"
)

// InterventionRule applies Policy when every Match entry matches the call
// arguments. A rule without Match applies unconditionally.
type InterventionRule struct {
	Match  map[string]string  `json:"match,omitempty" yaml:"match,omitempty"`
	Policy InterventionPolicy `json:"policy" yaml:"policy"`
}

// DynamicIntervention delegates the decision to a named resolver function.
// Policy applies when the resolver matches, Default otherwise.
type DynamicIntervention struct {
	Resolver string             `json:"resolver" yaml:"resolver"`
	Default  InterventionPolicy `json:"default,omitempty" yaml:"default,omitempty"`
	Policy   InterventionPolicy `json:"policy,omitempty" yaml:"policy,omitempty"`
}

// InterventionConfig is a static policy, a rule list, or a dynamic resolver.
// Exactly one of the fields is set after decoding.
type InterventionConfig struct {
	Policy  InterventionPolicy
	Rules   []InterventionRule
	Dynamic *DynamicIntervention
}

type interventionObject struct {
	Policy  InterventionPolicy   `json:"policy,omitempty" yaml:"policy,omitempty"`
	Rules   []InterventionRule   `json:"rules,omitempty" yaml:"rules,omitempty"`
	Dynamic *DynamicIntervention `json:"dynamic,omitempty" yaml:"dynamic,omitempty"`
}

// UnmarshalJSON accepts "always", [{"policy":"always"}] or {"dynamic":{...}}.
func (c *InterventionConfig) UnmarshalJSON(data []byte) error {
	var policy string
	if err := json.Unmarshal(data, &policy); err == nil {
		*c = InterventionConfig{Policy: InterventionPolicy(policy)}
		return nil
	}
	var rules []InterventionRule
	if err := json.Unmarshal(data, &rules); err == nil {
		*c = InterventionConfig{Rules: rules}
		return nil
	}
	var obj interventionObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode intervention config: %w", err)
	}
	*c = InterventionConfig(obj)
	return nil
}

// MarshalJSON mirrors the accepted input shapes.
func (c InterventionConfig) MarshalJSON() ([]byte, error) {
	switch {
	case c.Dynamic != nil:
		return json.Marshal(interventionObject{Dynamic: c.Dynamic})
	case len(c.Rules) > 0:
		return json.Marshal(c.Rules)
	default:
		return json.Marshal(string(c.Policy))
	}
}

// UnmarshalYAML accepts the same shapes as UnmarshalJSON.
func (c *InterventionConfig) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*c = InterventionConfig{Policy: InterventionPolicy(node.Value)}
		return nil
	case yaml.SequenceNode:
		var rules []InterventionRule
		if err := node.Decode(&rules); err != nil {
			return err
		}
		*c = InterventionConfig{Rules: rules}
		return nil
	default:
		var obj interventionObject
		if err := node.Decode(&obj); err != nil {
			return err
		}
		*c = InterventionConfig(obj)
		return nil
	}
}

// ToolAPI is one callable API within a tool.
type ToolAPI struct {
	Name              string              `json:"name" yaml:"name"`
	Description       string              `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters        json.RawMessage     `json:"parameters,omitempty" yaml:"-"`
	HumanIntervention *InterventionConfig `json:"human_intervention,omitempty" yaml:"human_intervention,omitempty"`
}

// ToolManifest is the declared capability and policy metadata for a tool.
type ToolManifest struct {
	Identifier        string              `json:"identifier" yaml:"identifier"`
	Type              ToolType            `json:"type,omitempty" yaml:"type,omitempty"`
	APIs              []ToolAPI           `json:"apis" yaml:"apis"`
	HumanIntervention *InterventionConfig `json:"human_intervention,omitempty" yaml:"human_intervention,omitempty"`
	SystemRole        string              `json:"system_role,omitempty" yaml:"system_role,omitempty"`
}

// API returns the named API declaration, if present.
func (m ToolManifest) API(name string) (ToolAPI, bool) {
	for _, api := range m.APIs {
		if api.Name == name {
			return api, true
		}
	}
	return ToolAPI{}, false
}

// InterventionFor returns the effective intervention config for an API.
// API-level configuration takes precedence over tool-level configuration.
func (m ToolManifest) InterventionFor(apiName string) *InterventionConfig {
	if api, ok := m.API(apiName); ok && api.HumanIntervention != nil {
		return api.HumanIntervention
	}
	return m.HumanIntervention
}

// ToolDeclaration is a function declaration handed to a model.
type ToolDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Declarations converts the manifest APIs into function declarations.
func (m ToolManifest) Declarations() []ToolDeclaration {
	out := make([]ToolDeclaration, 0, len(m.APIs))
	for _, api := range m.APIs {
		params := api.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, ToolDeclaration{
			Name:        ToolCallingName(m.Identifier, api.Name, m.Type),
			Description: api.Description,
			Parameters:  params,
		})
	}
	return out
}
