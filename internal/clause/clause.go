package clause

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"lexflow/internal/domain"
)

// Condition operators for clause rules, the shorthand forms used in clause
// rule sets rather than the engine's question-level operators.
const (
	CmpGT       domain.Comparator = ">"
	CmpLT       domain.Comparator = "<"
	CmpEQ       domain.Comparator = "=="
	CmpNE       domain.Comparator = "!="
	CmpIncludes domain.Comparator = "includes"
	CmpExcludes domain.Comparator = "excludes"
)

// Rule and Condition are defined in domain so templates can embed them.
type (
	Rule      = domain.ClauseRule
	Condition = domain.ClauseCondition
)

// RuleSet is an ordered collection of clause rules for one template.
type RuleSet struct {
	TemplateID string `json:"template_id" yaml:"template_id"`
	Rules      []Rule `json:"rules" yaml:"rules"`
}

// LogEntry records one rule evaluation for audit output.
type LogEntry struct {
	RuleID   string   `json:"rule_id"`
	Matched  bool     `json:"matched"`
	Selected []string `json:"selected,omitempty"`
}

// Evaluate runs every rule in ascending priority order against the answer
// map and returns the selected clause ids, deduplicated in selection order,
// plus the evaluation log.
func Evaluate(rs RuleSet, answers map[string]domain.Answer) ([]string, []LogEntry) {
	rules := append([]Rule(nil), rs.Rules...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	var selected []string
	seen := map[string]bool{}
	log := make([]LogEntry, 0, len(rules))
	for _, r := range rules {
		matched := matches(r, answers)
		picked := r.ThenClauses
		if !matched {
			picked = r.ElseClauses
		}
		entry := LogEntry{RuleID: r.ID, Matched: matched}
		for _, id := range picked {
			if !seen[id] {
				seen[id] = true
				selected = append(selected, id)
				entry.Selected = append(entry.Selected, id)
			}
		}
		log = append(log, entry)
	}
	return selected, log
}

func matches(r Rule, answers map[string]domain.Answer) bool {
	for _, c := range r.Conditions {
		ans, ok := answers[c.QuestionID]
		if !ok {
			return false
		}
		if !compare(c.Comparator, ans.Value, c.Value) {
			return false
		}
	}
	return len(r.Conditions) > 0
}

func compare(cmp domain.Comparator, answer, literal any) bool {
	switch cmp {
	case CmpEQ:
		return equal(answer, literal)
	case CmpNE:
		return !equal(answer, literal)
	case CmpGT:
		a, aok := toFloat(answer)
		l, lok := toFloat(literal)
		return aok && lok && a > l
	case CmpLT:
		a, aok := toFloat(answer)
		l, lok := toFloat(literal)
		return aok && lok && a < l
	case CmpIncludes:
		a, aok := answer.(string)
		l, lok := literal.(string)
		return aok && lok && strings.Contains(a, l)
	case CmpExcludes:
		a, aok := answer.(string)
		l, lok := literal.(string)
		return aok && lok && !strings.Contains(a, l)
	default:
		return false
	}
}

func equal(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	if a == nil || b == nil {
		return a == b
	}
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// OrderClauses sorts clause ids by their section prefix ("2.1_deposit" sorts
// under section 2), keeping the original order inside a section.
func OrderClauses(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.SliceStable(out, func(i, j int) bool { return sectionOf(out[i]) < sectionOf(out[j]) })
	return out
}

func sectionOf(id string) string {
	if i := strings.IndexAny(id, "_-"); i > 0 {
		return id[:i]
	}
	return id
}

// Effective merges the ids a wizard's conditional rules included with the
// selections of the template's clause rule set, in that order, dropping
// anything the wizard excluded.
func Effective(tpl *domain.Template, state domain.WizardState) []string {
	excluded := map[string]bool{}
	for _, id := range state.ExcludedClauses {
		excluded[id] = true
	}
	seen := map[string]bool{}
	var out []string
	add := func(ids []string) {
		for _, id := range ids {
			if !seen[id] && !excluded[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	add(state.IncludedClauses)
	if len(tpl.ClauseRules) > 0 {
		selected, _ := Evaluate(RuleSet{TemplateID: tpl.ID, Rules: tpl.ClauseRules}, state.Answers)
		add(selected)
	}
	return out
}

// ValidateRuleSet checks structure: every rule needs an id, at least one
// condition, and at least one outcome clause.
func ValidateRuleSet(rs RuleSet) error {
	seen := map[string]bool{}
	for _, r := range rs.Rules {
		if r.ID == "" {
			return fmt.Errorf("rule set %s: rule with empty id", rs.TemplateID)
		}
		if seen[r.ID] {
			return fmt.Errorf("rule set %s: duplicate rule id %s", rs.TemplateID, r.ID)
		}
		seen[r.ID] = true
		if len(r.Conditions) == 0 {
			return fmt.Errorf("rule %s: at least one condition required", r.ID)
		}
		for _, c := range r.Conditions {
			if c.QuestionID == "" {
				return fmt.Errorf("rule %s: condition with empty question_id", r.ID)
			}
			switch c.Comparator {
			case CmpGT, CmpLT, CmpEQ, CmpNE, CmpIncludes, CmpExcludes:
			default:
				return fmt.Errorf("rule %s: unknown comparator %q", r.ID, c.Comparator)
			}
		}
		if len(r.ThenClauses) == 0 && len(r.ElseClauses) == 0 {
			return fmt.Errorf("rule %s: no clauses to select", r.ID)
		}
	}
	return nil
}
