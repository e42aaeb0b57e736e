package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/agentbridge/bridge/pkg/eventlog"
)

// Rule is one declarative validation rule. Rules are evaluated in order and
// the first match wins, so specific rules belong above broad ones.
//
// Tool and Agent are doublestar globs; empty matches everything. Where maps
// dotted argument paths to value globs, all of which must hold. An array at
// any point along the path fans out, so one matching element satisfies the
// condition.
type Rule struct {
	Name     string            `json:"name" yaml:"name"`
	Tool     string            `json:"tool,omitempty" yaml:"tool,omitempty"`
	Agent    string            `json:"agent,omitempty" yaml:"agent,omitempty"`
	Where    map[string]string `json:"where,omitempty" yaml:"where,omitempty"`
	Decision string            `json:"decision" yaml:"decision"`
	Risk     string            `json:"risk,omitempty" yaml:"risk,omitempty"`
	Reason   string            `json:"reason,omitempty" yaml:"reason,omitempty"`
}

func (r *Rule) validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	if r.Decision != eventlog.DecisionApproved && r.Decision != eventlog.DecisionDenied {
		return fmt.Errorf("decision must be %q or %q", eventlog.DecisionApproved, eventlog.DecisionDenied)
	}
	switch r.Risk {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("unknown risk %q", r.Risk)
	}
	if r.Tool != "" && !doublestar.ValidatePattern(r.Tool) {
		return fmt.Errorf("invalid tool glob %q", r.Tool)
	}
	if r.Agent != "" && !doublestar.ValidatePattern(r.Agent) {
		return fmt.Errorf("invalid agent glob %q", r.Agent)
	}
	for path, pattern := range r.Where {
		if path == "" {
			return errors.New("where paths must be non-empty")
		}
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid glob %q for where path %q", pattern, path)
		}
	}
	return nil
}

// ValidateRules checks every rule in a replacement set. It runs before a
// policy.updated event is accepted, so a malformed set never reaches the log.
func ValidateRules(rules []Rule) error {
	for i := range rules {
		if err := rules[i].validate(); err != nil {
			return fmt.Errorf("rule %d (%s): %w", i, rules[i].Name, err)
		}
	}
	return nil
}

// LoadRulesFile reads a YAML rule set, typically the policies.yaml shipped
// next to the server config, and validates it.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy rules: %w", err)
	}
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if err := ValidateRules(doc.Rules); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return doc.Rules, nil
}

type compiledPolicy struct {
	version int
	rules   []Rule
}

// policyTier holds the active rule set behind an atomic pointer so checks
// never block on a policy reload.
type policyTier struct {
	current atomic.Pointer[compiledPolicy]
}

func newPolicyTier() *policyTier { return &policyTier{} }

// load replaces the active rule set. On error the previous set stays live.
func (t *policyTier) load(version int, raw json.RawMessage) error {
	var rules []Rule
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rules); err != nil {
			return fmt.Errorf("parse policy rules: %w", err)
		}
	}
	if err := ValidateRules(rules); err != nil {
		return err
	}
	t.current.Store(&compiledPolicy{version: version, rules: rules})
	return nil
}

func (t *policyTier) version() int {
	if p := t.current.Load(); p != nil {
		return p.version
	}
	return 0
}

func (t *policyTier) evaluate(req *request) (verdict, bool) {
	p := t.current.Load()
	if p == nil {
		return verdict{}, false
	}
	for i := range p.rules {
		r := &p.rules[i]
		if !ruleMatches(r, req) {
			continue
		}
		reason := r.Reason
		if reason == "" {
			reason = "rule:" + r.Name
		}
		return verdict{decision: r.Decision, risk: r.Risk, reason: reason}, true
	}
	return verdict{}, false
}

func ruleMatches(r *Rule, req *request) bool {
	if !globMatch(r.Tool, req.tool) || !globMatch(r.Agent, req.agentID) {
		return false
	}
	for path, pattern := range r.Where {
		if !anyGlobMatch(pattern, argValues(req.argDoc, path)) {
			return false
		}
	}
	return true
}

func globMatch(pattern, s string) bool {
	if pattern == "" || pattern == "*" || pattern == "**" {
		return true
	}
	ok, err := doublestar.Match(pattern, s)
	return err == nil && ok
}

func anyGlobMatch(pattern string, values []string) bool {
	for _, v := range values {
		if globMatch(pattern, v) {
			return true
		}
	}
	return false
}

// argValues resolves a dotted path against decoded request arguments and
// returns the scalar values found there, rendered the same way for every
// JSON scalar type.
func argValues(doc any, path string) []string {
	if doc == nil {
		return nil
	}
	return collectValues(doc, strings.Split(path, "."))
}

func collectValues(v any, parts []string) []string {
	if len(parts) == 0 {
		switch v.(type) {
		case map[string]any, []any:
			return nil // conditions match scalars only
		}
		return []string{scalarString(v)}
	}
	switch v := v.(type) {
	case map[string]any:
		child, ok := v[parts[0]]
		if !ok {
			return nil
		}
		return collectValues(child, parts[1:])
	case []any:
		var out []string
		for _, el := range v {
			out = append(out, collectValues(el, parts)...)
		}
		return out
	}
	return nil
}

func scalarString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	case nil:
		return "null"
	}
	return fmt.Sprint(v)
}
