package domain

// QuestionType is the closed set of prompt kinds a template may declare.
type QuestionType string

const (
	TypeBoolean         QuestionType = "boolean"
	TypeText            QuestionType = "text"
	TypeNumber          QuestionType = "number"
	TypeDate            QuestionType = "date"
	TypeSingleChoice    QuestionType = "single_choice"
	TypeCurrency        QuestionType = "currency"
	TypePercentage      QuestionType = "percentage"
	TypeRepeatableGroup QuestionType = "repeatable_group"
)

// Operator compares an answer value against a rule's trigger value.
type Operator string

const (
	OpEquals      Operator = "EQUALS"
	OpNotEquals   Operator = "NOT_EQUALS"
	OpGreaterThan Operator = "GREATER_THAN"
	OpLessThan    Operator = "LESS_THAN"
	OpContains    Operator = "CONTAINS"
	OpNotContains Operator = "NOT_CONTAINS"
	OpIsEmpty     Operator = "IS_EMPTY"
	OpIsNotEmpty  Operator = "IS_NOT_EMPTY"

	OpDateBefore         Operator = "DATE_IS_BEFORE"
	OpDateAfter          Operator = "DATE_IS_AFTER"
	OpDateWithinLastDays Operator = "DATE_IS_WITHIN_LAST_DAYS"
	OpDateOlderThanYears Operator = "DATE_IS_OLDER_THAN_YEARS"
)

// Action is what a triggered rule does to its target.
type Action string

const (
	ActionShowQuestion     Action = "SHOW_QUESTION"
	ActionHideQuestion     Action = "HIDE_QUESTION"
	ActionRequireQuestion  Action = "REQUIRE_QUESTION"
	ActionOptionalQuestion Action = "OPTIONAL_QUESTION"
	ActionIncludeClause    Action = "INCLUDE_CLAUSE"
	ActionExcludeClause    Action = "EXCLUDE_CLAUSE"
	ActionSetValue         Action = "SET_VALUE"
	ActionCalculateValue   Action = "CALCULATE_VALUE"
	ActionAddGroupInstance Action = "ADD_GROUP_INSTANCE"
	ActionRemoveGroup      Action = "REMOVE_GROUP_INSTANCE"
)

// Option is one selectable value of a choice question.
type Option struct {
	Value       string `json:"value" yaml:"value"`
	Label       string `json:"label" yaml:"label"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Validation holds per-question answer constraints. Nil pointers mean
// "not constrained".
type Validation struct {
	MinLength     *int     `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength     *int     `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	MinValue      *float64 `json:"min_value,omitempty" yaml:"min_value,omitempty"`
	MaxValue      *float64 `json:"max_value,omitempty" yaml:"max_value,omitempty"`
	RegexPattern  string   `json:"regex_pattern,omitempty" yaml:"regex_pattern,omitempty"`
	CustomMessage string   `json:"custom_message,omitempty" yaml:"custom_message,omitempty"`
}

// ConditionalRule fires when its owning (trigger) question receives an answer.
type ConditionalRule struct {
	ID                 string   `json:"rule_id" yaml:"rule_id"`
	Operator           Operator `json:"operator" yaml:"operator"`
	TriggerValue       any      `json:"trigger_value,omitempty" yaml:"trigger_value,omitempty"`
	Negate             bool     `json:"negate,omitempty" yaml:"negate,omitempty"`
	Action             Action   `json:"action" yaml:"action"`
	TargetID           string   `json:"target_id" yaml:"target_id"`
	Priority           int      `json:"priority" yaml:"priority"`
	CalculationFormula string   `json:"calculation_formula,omitempty" yaml:"calculation_formula,omitempty"`
	Description        string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// RepeatableGroup declares a block of per-instance questions a user can
// repeat, e.g. one set of fields per co-tenant.
type RepeatableGroup struct {
	GroupID      string     `json:"group_id" yaml:"group_id"`
	MinInstances int        `json:"min_instances" yaml:"min_instances"`
	MaxInstances int        `json:"max_instances" yaml:"max_instances"`
	Questions    []Question `json:"questions" yaml:"questions"`
}

// Question is a single prompt. Defined by the template author, immutable at
// runtime.
type Question struct {
	ID             string            `json:"question_id" yaml:"question_id"`
	Text           string            `json:"question_text" yaml:"question_text"`
	Type           QuestionType      `json:"question_type" yaml:"question_type" enum:"boolean,text,number,date,single_choice,currency,percentage,repeatable_group"`
	DisplayOrder   int               `json:"display_order" yaml:"display_order"`
	IsRequired     bool              `json:"is_required" yaml:"is_required"`
	DefaultVisible bool              `json:"default_visible" yaml:"default_visible"`
	Options        []Option          `json:"options,omitempty" yaml:"options,omitempty"`
	Validation     *Validation       `json:"validation,omitempty" yaml:"validation,omitempty"`
	Rules          []ConditionalRule `json:"conditional_rules,omitempty" yaml:"conditional_rules,omitempty"`
	Group          *RepeatableGroup  `json:"repeatable_group,omitempty" yaml:"repeatable_group,omitempty"`
	HelpText       string            `json:"help_text,omitempty" yaml:"help_text,omitempty"`
	Placeholder    string            `json:"placeholder,omitempty" yaml:"placeholder,omitempty"`
}

// TemplateMetadata is descriptive only; nothing in the engine depends on it.
type TemplateMetadata struct {
	Version         string   `json:"version,omitempty" yaml:"version,omitempty"`
	ComplexityLevel string   `json:"complexity_level,omitempty" yaml:"complexity_level,omitempty" enum:"BASIC,INTERMEDIATE,ADVANCED"`
	LegalReferences []string `json:"legal_references,omitempty" yaml:"legal_references,omitempty"`
	EstimatedTime   int      `json:"estimated_completion_time,omitempty" yaml:"estimated_completion_time,omitempty"`
}

// Clause is a renderable document fragment referenced by INCLUDE_CLAUSE and
// EXCLUDE_CLAUSE actions and by the clause rule sets.
type Clause struct {
	ID    string `json:"clause_id" yaml:"clause_id"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
	Body  string `json:"body" yaml:"body"`
}

// Comparator is the shorthand condition operator used by clause rules,
// distinct from the engine's question-level operators.
type Comparator string

// ClauseCondition compares one answer against a literal. All of a rule's
// conditions must hold for the rule to match.
type ClauseCondition struct {
	QuestionID string     `json:"question_id" yaml:"question_id"`
	Comparator Comparator `json:"comparator" yaml:"comparator" enum:">,<,==,!=,includes,excludes"`
	Value      any        `json:"value" yaml:"value"`
}

// ClauseRule selects clauses for the final document: Then clauses when every
// condition matches, Else clauses otherwise.
type ClauseRule struct {
	ID          string            `json:"rule_id" yaml:"rule_id"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Conditions  []ClauseCondition `json:"conditions" yaml:"conditions"`
	ThenClauses []string          `json:"then_clauses,omitempty" yaml:"then_clauses,omitempty"`
	ElseClauses []string          `json:"else_clauses,omitempty" yaml:"else_clauses,omitempty"`
	Priority    int               `json:"priority" yaml:"priority"`
}

// Template is the static, author-defined questionnaire definition.
type Template struct {
	ID               string           `json:"template_id" yaml:"template_id"`
	Name             string           `json:"template_name" yaml:"template_name"`
	Description      string           `json:"template_description,omitempty" yaml:"template_description,omitempty"`
	Category         string           `json:"category,omitempty" yaml:"category,omitempty"`
	InitialQuestions []string         `json:"initial_questions" yaml:"initial_questions"`
	Questions        []Question       `json:"questions" yaml:"questions"`
	Clauses          []Clause         `json:"clauses,omitempty" yaml:"clauses,omitempty"`
	ClauseRules      []ClauseRule     `json:"clause_rules,omitempty" yaml:"clause_rules,omitempty"`
	Metadata         TemplateMetadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt        string           `json:"created_at,omitempty" yaml:"created_at,omitempty" format:"date-time"`
	UpdatedAt        string           `json:"updated_at,omitempty" yaml:"updated_at,omitempty" format:"date-time"`
}

// Answer records one accepted value for a question.
type Answer struct {
	QuestionID       string `json:"question_id"`
	Value            any    `json:"value"`
	AnsweredAt       string `json:"answered_at" format:"date-time"`
	IsAutoCalculated bool   `json:"is_auto_calculated"`
	IsValid          bool   `json:"is_valid"`
}

// WizardState is the mutable per-session record of questionnaire progress.
// VisibleQuestions keeps insertion order: initial questions first, then the
// order in which rules revealed the rest.
type WizardState struct {
	TemplateID           string              `json:"template_id"`
	CurrentStep          int                 `json:"current_step"`
	TotalSteps           int                 `json:"total_steps"`
	VisibleQuestions     []string            `json:"visible_questions"`
	RequiredQuestions    []string            `json:"required_questions"`
	CompletedQuestions   []string            `json:"completed_questions"`
	GroupInstances       map[string]int      `json:"group_instances,omitempty"`
	Answers              map[string]Answer   `json:"answers"`
	ValidationErrors     map[string][]string `json:"validation_errors,omitempty"`
	IncludedClauses      []string            `json:"included_clauses,omitempty"`
	ExcludedClauses      []string            `json:"excluded_clauses,omitempty"`
	IsComplete           bool                `json:"is_complete"`
	CompletionPercentage int                 `json:"completion_percentage"`
	StartedAt            string              `json:"started_at" format:"date-time"`
	LastUpdatedAt        string              `json:"last_updated_at" format:"date-time"`
}

// Clone returns a deep copy so callers can hold a snapshot while the engine
// keeps mutating its working state.
func (s WizardState) Clone() WizardState {
	out := s
	out.VisibleQuestions = append([]string(nil), s.VisibleQuestions...)
	out.RequiredQuestions = append([]string(nil), s.RequiredQuestions...)
	out.CompletedQuestions = append([]string(nil), s.CompletedQuestions...)
	out.IncludedClauses = append([]string(nil), s.IncludedClauses...)
	out.ExcludedClauses = append([]string(nil), s.ExcludedClauses...)
	if s.GroupInstances != nil {
		out.GroupInstances = make(map[string]int, len(s.GroupInstances))
		for k, v := range s.GroupInstances {
			out.GroupInstances[k] = v
		}
	}
	if s.Answers != nil {
		out.Answers = make(map[string]Answer, len(s.Answers))
		for k, v := range s.Answers {
			out.Answers[k] = v
		}
	}
	if s.ValidationErrors != nil {
		out.ValidationErrors = make(map[string][]string, len(s.ValidationErrors))
		for k, v := range s.ValidationErrors {
			out.ValidationErrors[k] = append([]string(nil), v...)
		}
	}
	return out
}

// RuleEvaluation describes one rule checked against a new answer.
type RuleEvaluation struct {
	RuleID    string `json:"rule_id"`
	Triggered bool   `json:"triggered"`
	Action    Action `json:"action"`
	TargetID  string `json:"target_id"`
}

// GroupStatus reports how many instances of a repeatable group exist and
// whether the bounds allow adding or removing one.
type GroupStatus struct {
	GroupID      string `json:"group_id"`
	Count        int    `json:"count"`
	MinInstances int    `json:"min_instances"`
	MaxInstances int    `json:"max_instances"`
	CanAdd       bool   `json:"can_add"`
	CanRemove    bool   `json:"can_remove"`
}

// Event is one entry in the wizard audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TemplateID string `json:"template_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	QuestionID string `json:"question_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// TemplateRecord is the stored-template listing row; the full definition is
// kept as JSON alongside it.
type TemplateRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Category  string `json:"category,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}
