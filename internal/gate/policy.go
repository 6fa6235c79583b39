package gate

import (
	"fmt"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ashita-ai/sekimon/internal/model"
)

// Rule names reported by Decide.
const (
	RuleRequireApproval = "require_approval"
	RuleAutoApprove     = "auto_approve"
	RuleDefault         = "default"
	RuleExplicit        = "explicit"
)

// Policy decides whether a task needs human review when the caller does not
// say. It is an explicit table of glob patterns over action names:
// require_approval patterns win over auto_approve patterns, and anything
// unmatched falls back to the default.
type Policy struct {
	defaultRequiresApproval bool
	autoApprove             []string
	requireApproval         []string
}

// Decision is the outcome of a policy lookup.
type Decision struct {
	RequiresApproval bool
	Rule             string
	Pattern          string
}

// NewPolicy validates every pattern and returns the table.
func NewPolicy(defaultRequiresApproval bool, autoApprove, requireApproval []string) (*Policy, error) {
	p := &Policy{defaultRequiresApproval: defaultRequiresApproval}
	var err error
	if p.autoApprove, err = normalizePatterns(autoApprove); err != nil {
		return nil, fmt.Errorf("gate: auto_approve: %w", err)
	}
	if p.requireApproval, err = normalizePatterns(requireApproval); err != nil {
		return nil, fmt.Errorf("gate: require_approval: %w", err)
	}
	return p, nil
}

// DefaultPolicy reviews everything.
func DefaultPolicy() *Policy {
	return &Policy{defaultRequiresApproval: true}
}

func normalizePatterns(patterns []string) ([]string, error) {
	out := make([]string, 0, len(patterns))
	for _, raw := range patterns {
		p := strings.ToLower(strings.TrimSpace(raw))
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid pattern %q", raw)
		}
		out = append(out, p)
	}
	return out, nil
}

// Decide returns whether action requires approval and which rule said so.
func (p *Policy) Decide(action string) Decision {
	action = strings.ToLower(action)
	if pat, ok := firstMatch(p.requireApproval, action); ok {
		return Decision{RequiresApproval: true, Rule: RuleRequireApproval, Pattern: pat}
	}
	if pat, ok := firstMatch(p.autoApprove, action); ok {
		return Decision{RequiresApproval: false, Rule: RuleAutoApprove, Pattern: pat}
	}
	return Decision{RequiresApproval: p.defaultRequiresApproval, Rule: RuleDefault}
}

// Resolve applies an optional explicit caller choice on top of the table.
// An explicit request for review is always honored. An explicit opt-out is
// honored unless a require_approval pattern matches the action.
func (p *Policy) Resolve(action string, explicit *bool) Decision {
	d := p.Decide(action)
	if explicit == nil || d.Rule == RuleRequireApproval {
		return d
	}
	return Decision{RequiresApproval: *explicit, Rule: RuleExplicit}
}

func firstMatch(patterns []string, action string) (string, bool) {
	for _, pat := range patterns {
		if ok, _ := doublestar.Match(pat, action); ok {
			return pat, true
		}
	}
	return "", false
}

// DefaultRequiresApproval reports the fallback for unmatched actions.
func (p *Policy) DefaultRequiresApproval() bool { return p.defaultRequiresApproval }

// AutoApprovePatterns returns a copy of the auto_approve patterns.
func (p *Policy) AutoApprovePatterns() []string { return slices.Clone(p.autoApprove) }

// Rules returns the table in evaluation order.
func (p *Policy) Rules() []model.PolicyRule {
	rules := make([]model.PolicyRule, 0, len(p.requireApproval)+len(p.autoApprove))
	for _, pat := range p.requireApproval {
		rules = append(rules, model.PolicyRule{Pattern: pat, RequiresApproval: true})
	}
	for _, pat := range p.autoApprove {
		rules = append(rules, model.PolicyRule{Pattern: pat, RequiresApproval: false})
	}
	return rules
}

// IsLiteral reports whether pattern names exactly one action.
func IsLiteral(pattern string) bool {
	return !strings.ContainsAny(pattern, `*?[]{}\`)
}
