// Package policy evaluates declarative rules against invocation requests.
//
// Rules live in a snapshot that is replaced atomically on reload, so
// concurrent evaluations never observe a half-updated rule set. A malformed
// reload keeps the last-known-good snapshot.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kengen-ai/kengen/internal/model"
)

// ConditionKind enumerates what a condition inspects.
type ConditionKind string

const (
	CondEffect      ConditionKind = "effect"      // declared effect equals the stated effect
	CondSensitivity ConditionKind = "sensitivity" // capability sensitivity is at or above the floor
	CondAgentType   ConditionKind = "agent_type"  // caller agent type equals the stated type
	CondTenant      ConditionKind = "tenant"      // caller tenant equals the stated tenant
	CondCommand     ConditionKind = "command"     // glob match against "noun.verb"
	CondDepth       ConditionKind = "depth"       // delegation chain depth is at or below the ceiling
	CondCapability  ConditionKind = "capability"  // capability id is in the stated set
)

// Condition is one predicate inside a rule. A rule matches only when every
// one of its conditions matches (logical AND).
type Condition struct {
	Kind           ConditionKind `yaml:"kind" json:"kind"`
	Effect         string        `yaml:"effect,omitempty" json:"effect,omitempty"`
	MinSensitivity int           `yaml:"min_sensitivity,omitempty" json:"min_sensitivity,omitempty"`
	AgentType      string        `yaml:"agent_type,omitempty" json:"agent_type,omitempty"`
	Tenant         string        `yaml:"tenant,omitempty" json:"tenant,omitempty"`
	Command        string        `yaml:"command,omitempty" json:"command,omitempty"`
	MaxDepth       int           `yaml:"max_depth,omitempty" json:"max_depth,omitempty"`
	Capabilities   []string      `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
}

// ActionKind enumerates rule outcomes.
type ActionKind string

const (
	ActionAllow           ActionKind = "allow"
	ActionDeny            ActionKind = "deny"
	ActionRewrite         ActionKind = "rewrite"
	ActionRequireApproval ActionKind = "require_approval"
	ActionRateLimit       ActionKind = "rate_limit"
)

// Action is the single outcome a matching rule produces.
type Action struct {
	Kind       ActionKind     `yaml:"kind" json:"kind"`
	Reason     string         `yaml:"reason,omitempty" json:"reason,omitempty"`
	Suggestion string         `yaml:"suggestion,omitempty" json:"suggestion,omitempty"`
	Args       map[string]any `yaml:"args,omitempty" json:"args,omitempty"`             // rewrite replacement arguments
	PerSecond  float64        `yaml:"per_second,omitempty" json:"per_second,omitempty"` // rate_limit refill rate
	Burst      int            `yaml:"burst,omitempty" json:"burst,omitempty"`           // rate_limit burst capacity
}

// Rule is one declarative condition-action pair.
type Rule struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Priority    int         `yaml:"priority" json:"priority"`
	Enabled     bool        `yaml:"enabled" json:"enabled"`
	Conditions  []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Action      Action      `yaml:"action" json:"action"`
}

// RuleSet is the document shape of a rule file.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules parses a YAML rule document and validates it.
func ParseRules(raw []byte) ([]Rule, error) {
	var set RuleSet
	if err := yaml.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("policy: parse rules: %w", err)
	}
	if err := ValidateRules(set.Rules); err != nil {
		return nil, err
	}
	return set.Rules, nil
}

// LoadRulesFile reads and parses a YAML rule file.
func LoadRulesFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("policy: read rules file: %w", err)
	}
	return ParseRules(raw)
}

// ValidateRules checks structural validity: unique names, known kinds,
// parseable effects, and action-specific requirements.
func ValidateRules(rules []Rule) error {
	seen := make(map[string]struct{}, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			return fmt.Errorf("policy: rule %d has no name", i)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("policy: duplicate rule name %q", r.Name)
		}
		seen[r.Name] = struct{}{}

		for j, c := range r.Conditions {
			switch c.Kind {
			case CondEffect:
				if _, err := model.ParseEffect(c.Effect); err != nil {
					return fmt.Errorf("policy: rule %q condition %d: %w", r.Name, j, err)
				}
			case CondSensitivity, CondAgentType, CondTenant, CondCommand, CondDepth, CondCapability:
			default:
				return fmt.Errorf("policy: rule %q condition %d has unknown kind %q", r.Name, j, c.Kind)
			}
		}

		switch r.Action.Kind {
		case ActionAllow, ActionRequireApproval:
		case ActionDeny:
			if r.Action.Reason == "" {
				return fmt.Errorf("policy: rule %q deny action needs a reason", r.Name)
			}
		case ActionRewrite:
			if len(r.Action.Args) == 0 {
				return fmt.Errorf("policy: rule %q rewrite action needs replacement args", r.Name)
			}
		case ActionRateLimit:
			if r.Action.PerSecond <= 0 {
				return fmt.Errorf("policy: rule %q rate_limit action needs per_second > 0", r.Name)
			}
		default:
			return fmt.Errorf("policy: rule %q has unknown action kind %q", r.Name, r.Action.Kind)
		}
	}
	return nil
}
