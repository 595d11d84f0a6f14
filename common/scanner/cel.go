package scanner

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/lyzr/imageintake/common/models"
	"gopkg.in/yaml.v3"
)

// RuleSpec is an operator-supplied rule. Expr is a CEL boolean over
// `profile` with fields magic (string), size (int), scanned (int) and hits
// (map of predicate name to list of offsets). Every predicate name is
// present in hits; one that did not match maps to an empty list.
//
//	rules:
//	  - id: operator.backtick-superglobal
//	    confidence: medium
//	    expr: 'size(profile.hits["superglobal"]) > 0 && profile.hits["exec-function"].exists(o, o > 64)'
type RuleSpec struct {
	ID         string `yaml:"id"`
	Confidence string `yaml:"confidence"`
	Expr       string `yaml:"expr"`
}

type ruleFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// LoadRuleFile reads operator rules from a YAML file.
func LoadRuleFile(path string) ([]RuleSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a YAML rule pack.
func ParseRules(data []byte) ([]RuleSpec, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}
	return f.Rules, nil
}

// celExpr is a Node backed by a compiled CEL program
type celExpr struct {
	expr string
	prg  cel.Program
}

func (c *celExpr) Eval(p *Profile) (bool, error) {
	out, _, err := c.prg.Eval(map[string]interface{}{
		"profile": p.celInput(),
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", out.Value())
	}
	return result, nil
}

func (c *celExpr) String() string {
	return "cel(" + c.expr + ")"
}

func (p *Profile) celInput() map[string]interface{} {
	hits := make(map[string]interface{}, len(Predicates))
	for _, name := range Predicates {
		hits[name] = []int64{}
	}
	for name := range p.Hits {
		offsets := p.Offsets(name)
		list := make([]int64, len(offsets))
		for i, o := range offsets {
			list[i] = int64(o)
		}
		hits[name] = list
	}
	return map[string]interface{}{
		"magic":   p.Magic.String(),
		"size":    p.Size,
		"scanned": int64(p.Scanned),
		"hits":    hits,
	}
}

// CompileRules turns operator specs into rules guarded by gate. Any compile
// error fails the whole pack.
func CompileRules(specs []RuleSpec, gate Node) ([]Rule, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("profile", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	seen := map[string]bool{
		RuleExecSuperglobal: true, RuleExecWrapper: true, RuleExecFSWrite: true,
		RuleIncludeWrapper: true, RuleArchiveInclude: true, RuleVarVarSuperglobal: true,
	}
	rules := make([]Rule, 0, len(specs))
	for i, spec := range specs {
		id := strings.TrimSpace(spec.ID)
		if id == "" {
			return nil, fmt.Errorf("rule %d: missing id", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("rule %s: duplicate id", id)
		}
		seen[id] = true

		conf, err := parseConfidence(spec.Confidence)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", id, err)
		}

		ast, issues := env.Compile(spec.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %s: CEL compilation error: %w", id, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %s: failed to create CEL program: %w", id, err)
		}

		rules = append(rules, Rule{
			ID:         id,
			Confidence: conf,
			When:       And{gate, &celExpr{expr: spec.Expr, prg: prg}},
		})
	}
	return rules, nil
}

func parseConfidence(s string) (models.Confidence, error) {
	switch models.Confidence(strings.ToLower(strings.TrimSpace(s))) {
	case "", models.ConfidenceMedium:
		return models.ConfidenceMedium, nil
	case models.ConfidenceLow:
		return models.ConfidenceLow, nil
	case models.ConfidenceHigh:
		return models.ConfidenceHigh, nil
	default:
		return "", fmt.Errorf("unknown confidence %q", s)
	}
}
