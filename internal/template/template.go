package template

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"lexflow/internal/clause"
	"lexflow/internal/domain"
)

var validOperators = map[domain.Operator]bool{
	domain.OpEquals: true, domain.OpNotEquals: true,
	domain.OpGreaterThan: true, domain.OpLessThan: true,
	domain.OpContains: true, domain.OpNotContains: true,
	domain.OpIsEmpty: true, domain.OpIsNotEmpty: true,
	domain.OpDateBefore: true, domain.OpDateAfter: true,
	domain.OpDateWithinLastDays: true, domain.OpDateOlderThanYears: true,
}

var validActions = map[domain.Action]bool{
	domain.ActionShowQuestion: true, domain.ActionHideQuestion: true,
	domain.ActionRequireQuestion: true, domain.ActionOptionalQuestion: true,
	domain.ActionIncludeClause: true, domain.ActionExcludeClause: true,
	domain.ActionSetValue: true, domain.ActionCalculateValue: true,
	domain.ActionAddGroupInstance: true, domain.ActionRemoveGroup: true,
}

var validTypes = map[domain.QuestionType]bool{
	domain.TypeBoolean: true, domain.TypeText: true, domain.TypeNumber: true,
	domain.TypeDate: true, domain.TypeSingleChoice: true, domain.TypeCurrency: true,
	domain.TypePercentage: true, domain.TypeRepeatableGroup: true,
}

// FromYAML parses and validates a template definition. JSON documents parse
// too, being a YAML subset.
func FromYAML(data []byte) (*domain.Template, error) {
	var tpl domain.Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("invalid template yaml: %w", err)
	}
	if err := Validate(&tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// FromFile reads a template definition from the given path.
func FromFile(path string) (*domain.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate checks template integrity so the engine never has to: dangling
// rule targets, unknown operators or actions, malformed groups.
func Validate(tpl *domain.Template) error {
	if tpl.ID == "" {
		return fmt.Errorf("template_id is required")
	}
	if tpl.Name == "" {
		return fmt.Errorf("template %s: template_name is required", tpl.ID)
	}
	if len(tpl.Questions) == 0 {
		return fmt.Errorf("template %s: at least one question is required", tpl.ID)
	}

	questions := map[string]domain.Question{}
	groups := map[string]bool{}
	for _, q := range tpl.Questions {
		if q.ID == "" {
			return fmt.Errorf("template %s: question with empty id", tpl.ID)
		}
		if _, dup := questions[q.ID]; dup {
			return fmt.Errorf("template %s: duplicate question id %s", tpl.ID, q.ID)
		}
		questions[q.ID] = q
		if q.Group != nil {
			if q.Type != domain.TypeRepeatableGroup {
				return fmt.Errorf("question %s declares a group but is not repeatable_group", q.ID)
			}
			if q.Group.GroupID == "" {
				return fmt.Errorf("question %s: group_id is required", q.ID)
			}
			if groups[q.Group.GroupID] {
				return fmt.Errorf("template %s: duplicate group id %s", tpl.ID, q.Group.GroupID)
			}
			groups[q.Group.GroupID] = true
			if q.Group.MinInstances < 0 || q.Group.MaxInstances < q.Group.MinInstances {
				return fmt.Errorf("group %s: bad instance bounds [%d,%d]", q.Group.GroupID, q.Group.MinInstances, q.Group.MaxInstances)
			}
			if len(q.Group.Questions) == 0 {
				return fmt.Errorf("group %s: needs at least one instance question", q.Group.GroupID)
			}
		}
	}

	clauses := map[string]bool{}
	for _, c := range tpl.Clauses {
		if c.ID == "" {
			return fmt.Errorf("template %s: clause with empty id", tpl.ID)
		}
		if clauses[c.ID] {
			return fmt.Errorf("template %s: duplicate clause id %s", tpl.ID, c.ID)
		}
		clauses[c.ID] = true
	}

	for _, id := range tpl.InitialQuestions {
		if _, ok := questions[id]; !ok {
			return fmt.Errorf("initial question %s not defined", id)
		}
	}

	for _, q := range tpl.Questions {
		if q.Type == "" || !validTypes[q.Type] {
			return fmt.Errorf("question %s: unknown type %q", q.ID, q.Type)
		}
		if q.Type == domain.TypeSingleChoice && len(q.Options) == 0 {
			return fmt.Errorf("question %s: single_choice needs options", q.ID)
		}
		if v := q.Validation; v != nil && v.RegexPattern != "" {
			if _, err := regexp.Compile(v.RegexPattern); err != nil {
				return fmt.Errorf("question %s: bad regex_pattern: %w", q.ID, err)
			}
		}
		for _, r := range q.Rules {
			if r.ID == "" {
				return fmt.Errorf("question %s: rule with empty id", q.ID)
			}
			if !validOperators[r.Operator] {
				return fmt.Errorf("rule %s: unknown operator %q", r.ID, r.Operator)
			}
			if !validActions[r.Action] {
				return fmt.Errorf("rule %s: unknown action %q", r.ID, r.Action)
			}
			if r.TargetID == "" {
				return fmt.Errorf("rule %s: target_id is required", r.ID)
			}
			switch r.Action {
			case domain.ActionIncludeClause, domain.ActionExcludeClause:
				if len(clauses) > 0 && !clauses[r.TargetID] {
					return fmt.Errorf("rule %s: unknown clause %s", r.ID, r.TargetID)
				}
			case domain.ActionAddGroupInstance, domain.ActionRemoveGroup:
				if !groups[r.TargetID] {
					return fmt.Errorf("rule %s: unknown group %s", r.ID, r.TargetID)
				}
			case domain.ActionSetValue, domain.ActionCalculateValue:
				// targets may be synthetic ids filled in by future extensions
			default:
				if _, ok := questions[r.TargetID]; !ok {
					return fmt.Errorf("rule %s: unknown target question %s", r.ID, r.TargetID)
				}
			}
		}
	}

	if len(tpl.ClauseRules) > 0 {
		rs := clause.RuleSet{TemplateID: tpl.ID, Rules: tpl.ClauseRules}
		if err := clause.ValidateRuleSet(rs); err != nil {
			return err
		}
		for _, r := range tpl.ClauseRules {
			for _, c := range r.Conditions {
				if _, ok := questions[c.QuestionID]; !ok {
					return fmt.Errorf("clause rule %s: unknown question %s", r.ID, c.QuestionID)
				}
			}
			for _, id := range append(append([]string(nil), r.ThenClauses...), r.ElseClauses...) {
				if !clauses[id] {
					return fmt.Errorf("clause rule %s: unknown clause %s", r.ID, id)
				}
			}
		}
	}
	return nil
}

// Sample returns the built-in starter template, useful for demos and for
// `lx template import --sample`.
func Sample() (*domain.Template, error) {
	return FromYAML([]byte(sampleTemplate))
}

const sampleTemplate = `template_id: rental-agreement-basic
template_name: Basic Rental Agreement
template_description: Residential lease questionnaire with pet and deposit logic
category: RENTAL_AGREEMENT
metadata:
  version: "1.0"
  complexity_level: BASIC
initial_questions: [tenant_name, monthly_rent, pets_allowed]
questions:
  - question_id: tenant_name
    question_text: Tenant full name
    question_type: text
    display_order: 1
    is_required: true
    validation:
      min_length: 3
      max_length: 120
  - question_id: monthly_rent
    question_text: Monthly rent amount
    question_type: currency
    display_order: 2
    is_required: true
    validation:
      min_value: 0
    conditional_rules:
      - rule_id: rent-reveals-deposit
        operator: GREATER_THAN
        trigger_value: 0
        action: SHOW_QUESTION
        target_id: security_deposit
        priority: 1
  - question_id: pets_allowed
    question_text: Are pets allowed?
    question_type: boolean
    display_order: 3
    conditional_rules:
      - rule_id: pets-reveal-deposit
        operator: EQUALS
        trigger_value: true
        action: SHOW_QUESTION
        target_id: pet_deposit
        priority: 1
      - rule_id: pets-include-clause
        operator: EQUALS
        trigger_value: true
        action: INCLUDE_CLAUSE
        target_id: 3_pets
        priority: 2
  - question_id: security_deposit
    question_text: Security deposit amount
    question_type: currency
    display_order: 4
    is_required: true
  - question_id: pet_deposit
    question_text: Pet deposit amount
    question_type: currency
    display_order: 5
    is_required: true
  - question_id: cotenants
    question_text: Co-tenants
    question_type: repeatable_group
    display_order: 6
    repeatable_group:
      group_id: cotenants
      min_instances: 0
      max_instances: 4
      questions:
        - question_id: cotenant_name
          question_text: "Co-tenant {{instance}} full name"
          question_type: text
          is_required: true
clauses:
  - clause_id: 1_parties
    title: Parties and Rent
    body: "This residential lease is made with {{tenant_name}} for a monthly rent of {{monthly_rent}}."
  - clause_id: 3_pets
    title: Pets
    body: "The tenant may keep pets on the premises subject to a pet deposit of {{pet_deposit}}."
clause_rules:
  - rule_id: base-terms
    priority: 1
    conditions:
      - question_id: monthly_rent
        comparator: ">"
        value: 0
    then_clauses: [1_parties]
`
