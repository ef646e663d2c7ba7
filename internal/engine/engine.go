package engine

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"lexflow/internal/domain"
)

var (
	// ErrNotFound means the question id does not exist in the template.
	ErrNotFound = errors.New("question not found")
	// ErrGroupBounds means an instance add/remove would leave a repeatable
	// group outside its min/max bounds.
	ErrGroupBounds = errors.New("group instance bounds exceeded")
	// ErrUnknownGroup means the group id does not exist in the template.
	ErrUnknownGroup = errors.New("group not found")
)

// Engine evaluates one wizard session over a fixed template. It is not safe
// for concurrent use; callers serialize access per session.
type Engine struct {
	Template *domain.Template
	// Now is injectable for deterministic tests and date operators.
	Now func() time.Time
	// Trace, when set, receives a line per rule evaluation and action.
	Trace func(format string, args ...any)

	state     domain.WizardState
	questions map[string]domain.Question
	groups    map[string]domain.RepeatableGroup
	// groupOf maps a group child question id to its group id.
	groupOf map[string]string
}

// Result is the outcome of one ProcessAnswer call. When Errors is non-empty
// the answer was rejected and State differs from the prior state only in its
// validation_errors map.
type Result struct {
	State       domain.WizardState      `json:"state"`
	Evaluations []domain.RuleEvaluation `json:"evaluations,omitempty"`
	Errors      []string                `json:"errors,omitempty"`
}

// New builds an engine and initializes its state from the template's initial
// and default-visible questions.
func New(tpl *domain.Template) *Engine {
	e := &Engine{
		Template:  tpl,
		Now:       time.Now,
		questions: map[string]domain.Question{},
		groups:    map[string]domain.RepeatableGroup{},
		groupOf:   map[string]string{},
	}
	for _, q := range tpl.Questions {
		e.questions[q.ID] = q
		if q.Type == domain.TypeRepeatableGroup && q.Group != nil {
			e.groups[q.Group.GroupID] = *q.Group
			for _, child := range q.Group.Questions {
				e.groupOf[child.ID] = q.Group.GroupID
			}
		}
	}
	e.Reset()
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) trace(format string, args ...any) {
	if e.Trace != nil {
		e.Trace(format, args...)
	}
}

// Reset discards all answers and rebuilds the initial state.
func (e *Engine) Reset() {
	now := e.now().UTC().Format(time.RFC3339)
	s := domain.WizardState{
		TemplateID:       e.Template.ID,
		Answers:          map[string]domain.Answer{},
		ValidationErrors: map[string][]string{},
		GroupInstances:   map[string]int{},
		StartedAt:        now,
		LastUpdatedAt:    now,
	}
	for _, id := range e.Template.InitialQuestions {
		if _, ok := e.questions[id]; ok {
			s.VisibleQuestions = appendUnique(s.VisibleQuestions, id)
		}
	}
	for _, q := range e.Template.Questions {
		if q.DefaultVisible {
			s.VisibleQuestions = appendUnique(s.VisibleQuestions, q.ID)
		}
	}
	for _, id := range s.VisibleQuestions {
		if e.questions[id].IsRequired {
			s.RequiredQuestions = appendUnique(s.RequiredQuestions, id)
		}
	}
	e.state = s
	e.recompute()
}

// State returns a snapshot of the current wizard state.
func (e *Engine) State() domain.WizardState {
	return e.state.Clone()
}

// ProcessAnswer validates and records one answer, then evaluates the
// question's conditional rules in priority order. partial=true relaxes the
// required and min-length checks for keystroke-level updates.
//
// Unknown question ids fail hard with ErrNotFound and mutate nothing.
// Validation failures are soft: they populate validation_errors for the
// question and leave everything else untouched.
func (e *Engine) ProcessAnswer(questionID string, value any, partial bool) (Result, error) {
	q, err := e.question(questionID)
	if err != nil {
		return Result{}, err
	}

	if errs := e.validate(q, value, partial); len(errs) > 0 {
		e.state.ValidationErrors[questionID] = errs
		e.trace("answer %s rejected: %s", questionID, strings.Join(errs, "; "))
		return Result{State: e.state.Clone(), Errors: errs}, nil
	}
	delete(e.state.ValidationErrors, questionID)

	// An accepted answer is always stored and counted as completed, even
	// when the value is empty; only a hide cascade un-answers a question.
	now := e.now().UTC().Format(time.RFC3339)
	e.state.Answers[questionID] = domain.Answer{
		QuestionID: questionID,
		Value:      value,
		AnsweredAt: now,
		IsValid:    true,
	}
	e.state.CompletedQuestions = appendUnique(e.state.CompletedQuestions, questionID)

	evals := e.evaluateRules(q, value)
	e.state.LastUpdatedAt = now
	e.recompute()
	return Result{State: e.state.Clone(), Evaluations: evals}, nil
}

func (e *Engine) evaluateRules(q domain.Question, value any) []domain.RuleEvaluation {
	rules := append([]domain.ConditionalRule(nil), q.Rules...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	var evals []domain.RuleEvaluation
	for _, r := range rules {
		triggered := e.checkCondition(r.Operator, value, r.TriggerValue)
		if r.Negate {
			triggered = !triggered
		}
		evals = append(evals, domain.RuleEvaluation{
			RuleID:    r.ID,
			Triggered: triggered,
			Action:    r.Action,
			TargetID:  r.TargetID,
		})
		e.trace("rule %s (%s %v) triggered=%v", r.ID, r.Operator, r.TriggerValue, triggered)
		if triggered {
			e.applyAction(r)
		}
	}
	return evals
}

func (e *Engine) checkCondition(op domain.Operator, answer, trigger any) bool {
	switch op {
	case domain.OpEquals:
		return valuesEqual(answer, trigger)
	case domain.OpNotEquals:
		return !valuesEqual(answer, trigger)
	case domain.OpGreaterThan:
		a, aok := toFloat(answer)
		t, tok := toFloat(trigger)
		return aok && tok && a > t
	case domain.OpLessThan:
		a, aok := toFloat(answer)
		t, tok := toFloat(trigger)
		return aok && tok && a < t
	case domain.OpContains:
		return contains(answer, trigger)
	case domain.OpNotContains:
		return !contains(answer, trigger)
	case domain.OpIsEmpty:
		return isEmpty(answer)
	case domain.OpIsNotEmpty:
		return !isEmpty(answer)
	case domain.OpDateBefore:
		a, aok := toDate(answer)
		t, tok := toDate(trigger)
		return aok && tok && a.Before(t)
	case domain.OpDateAfter:
		a, aok := toDate(answer)
		t, tok := toDate(trigger)
		return aok && tok && a.After(t)
	case domain.OpDateWithinLastDays:
		a, aok := toDate(answer)
		days, dok := toFloat(trigger)
		if !aok || !dok {
			return false
		}
		cutoff := e.now().AddDate(0, 0, -int(days))
		return !a.Before(cutoff) && !a.After(e.now())
	case domain.OpDateOlderThanYears:
		a, aok := toDate(answer)
		years, yok := toFloat(trigger)
		if !aok || !yok {
			return false
		}
		return a.Before(e.now().AddDate(-int(years), 0, 0))
	default:
		return false
	}
}

func (e *Engine) applyAction(r domain.ConditionalRule) {
	s := &e.state
	switch r.Action {
	case domain.ActionShowQuestion:
		q, err := e.question(r.TargetID)
		if err != nil {
			e.trace("show %s: unknown target", r.TargetID)
			return
		}
		s.VisibleQuestions = appendUnique(s.VisibleQuestions, r.TargetID)
		if q.IsRequired {
			s.RequiredQuestions = appendUnique(s.RequiredQuestions, r.TargetID)
		}
	case domain.ActionHideQuestion:
		s.VisibleQuestions = remove(s.VisibleQuestions, r.TargetID)
		s.RequiredQuestions = remove(s.RequiredQuestions, r.TargetID)
		s.CompletedQuestions = remove(s.CompletedQuestions, r.TargetID)
		delete(s.Answers, r.TargetID)
		delete(s.ValidationErrors, r.TargetID)
	case domain.ActionRequireQuestion:
		// Required questions are always a subset of visible ones.
		if containsString(s.VisibleQuestions, r.TargetID) {
			s.RequiredQuestions = appendUnique(s.RequiredQuestions, r.TargetID)
		}
	case domain.ActionOptionalQuestion:
		s.RequiredQuestions = remove(s.RequiredQuestions, r.TargetID)
	case domain.ActionIncludeClause:
		s.IncludedClauses = appendUnique(s.IncludedClauses, r.TargetID)
		s.ExcludedClauses = remove(s.ExcludedClauses, r.TargetID)
	case domain.ActionExcludeClause:
		s.ExcludedClauses = appendUnique(s.ExcludedClauses, r.TargetID)
		s.IncludedClauses = remove(s.IncludedClauses, r.TargetID)
	case domain.ActionAddGroupInstance:
		if err := e.addGroupInstance(r.TargetID); err != nil {
			e.trace("add group instance %s: %v", r.TargetID, err)
		}
	case domain.ActionRemoveGroup:
		if err := e.removeGroupInstance(r.TargetID); err != nil {
			e.trace("remove group instance %s: %v", r.TargetID, err)
		}
	case domain.ActionSetValue, domain.ActionCalculateValue:
		// Accepted but inert: values are never written on behalf of the user.
		e.trace("action %s on %s skipped", r.Action, r.TargetID)
	}
}

// AddGroupInstance materializes one more instance of a repeatable group and
// returns the new state. Fails with ErrGroupBounds at max_instances.
func (e *Engine) AddGroupInstance(groupID string) (domain.WizardState, error) {
	if err := e.addGroupInstance(groupID); err != nil {
		return domain.WizardState{}, err
	}
	e.state.LastUpdatedAt = e.now().UTC().Format(time.RFC3339)
	e.recompute()
	return e.state.Clone(), nil
}

// RemoveGroupInstance drops the highest-numbered instance of a group along
// with its answers. Fails with ErrGroupBounds at min_instances.
func (e *Engine) RemoveGroupInstance(groupID string) (domain.WizardState, error) {
	if err := e.removeGroupInstance(groupID); err != nil {
		return domain.WizardState{}, err
	}
	e.state.LastUpdatedAt = e.now().UTC().Format(time.RFC3339)
	e.recompute()
	return e.state.Clone(), nil
}

func (e *Engine) addGroupInstance(groupID string) error {
	g, ok := e.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	n := e.state.GroupInstances[groupID]
	if n >= g.MaxInstances {
		return fmt.Errorf("%w: %s already at %d instances", ErrGroupBounds, groupID, n)
	}
	n++
	e.state.GroupInstances[groupID] = n
	for _, child := range g.Questions {
		id := instanceID(child.ID, n)
		e.state.VisibleQuestions = appendUnique(e.state.VisibleQuestions, id)
		if child.IsRequired {
			e.state.RequiredQuestions = appendUnique(e.state.RequiredQuestions, id)
		}
	}
	return nil
}

func (e *Engine) removeGroupInstance(groupID string) error {
	g, ok := e.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	n := e.state.GroupInstances[groupID]
	if n <= g.MinInstances {
		return fmt.Errorf("%w: %s already at %d instances", ErrGroupBounds, groupID, n)
	}
	for _, child := range g.Questions {
		id := instanceID(child.ID, n)
		e.state.VisibleQuestions = remove(e.state.VisibleQuestions, id)
		e.state.RequiredQuestions = remove(e.state.RequiredQuestions, id)
		e.state.CompletedQuestions = remove(e.state.CompletedQuestions, id)
		delete(e.state.Answers, id)
		delete(e.state.ValidationErrors, id)
	}
	e.state.GroupInstances[groupID] = n - 1
	return nil
}

// GroupStatus reports instance counts and bounds for a repeatable group.
func (e *Engine) GroupStatus(groupID string) (domain.GroupStatus, error) {
	g, ok := e.groups[groupID]
	if !ok {
		return domain.GroupStatus{}, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	n := e.state.GroupInstances[groupID]
	return domain.GroupStatus{
		GroupID:      groupID,
		Count:        n,
		MinInstances: g.MinInstances,
		MaxInstances: g.MaxInstances,
		CanAdd:       n < g.MaxInstances,
		CanRemove:    n > g.MinInstances,
	}, nil
}

// VisibleQuestions returns the full question definitions for everything
// currently visible, in display order, with instance placeholders resolved.
func (e *Engine) VisibleQuestions() []domain.Question {
	out := make([]domain.Question, 0, len(e.state.VisibleQuestions))
	for _, id := range e.state.VisibleQuestions {
		if q, err := e.question(id); err == nil {
			out = append(out, q)
		}
	}
	return out
}

// IsQuestionVisible reports whether the question is currently shown.
func (e *Engine) IsQuestionVisible(id string) bool {
	return containsString(e.state.VisibleQuestions, id)
}

// IsQuestionRequired reports whether the question currently blocks completion.
func (e *Engine) IsQuestionRequired(id string) bool {
	return containsString(e.state.RequiredQuestions, id)
}

// NextQuestion returns the first visible question without a completed answer,
// or false when every visible question is answered.
func (e *Engine) NextQuestion() (domain.Question, bool) {
	for _, id := range e.state.VisibleQuestions {
		if containsString(e.state.CompletedQuestions, id) {
			continue
		}
		if q, err := e.question(id); err == nil {
			return q, true
		}
	}
	return domain.Question{}, false
}

// EffectiveClauses returns clause ids included by rules minus those excluded.
func (e *Engine) EffectiveClauses() []string {
	var out []string
	for _, id := range e.state.IncludedClauses {
		if !containsString(e.state.ExcludedClauses, id) {
			out = append(out, id)
		}
	}
	return out
}

// DebugInfo summarizes the session for diagnostics output.
func (e *Engine) DebugInfo() map[string]any {
	rules := 0
	for _, q := range e.Template.Questions {
		rules += len(q.Rules)
	}
	return map[string]any{
		"template_id":       e.Template.ID,
		"total_questions":   len(e.questions),
		"total_rules":       rules,
		"visible":           len(e.state.VisibleQuestions),
		"required":          len(e.state.RequiredQuestions),
		"completed":         len(e.state.CompletedQuestions),
		"answers":           len(e.state.Answers),
		"validation_errors": len(e.state.ValidationErrors),
		"group_instances":   e.state.GroupInstances,
		"is_complete":       e.state.IsComplete,
	}
}

// question resolves base ids and materialized group-instance ids like
// "tenant_name_2".
func (e *Engine) question(id string) (domain.Question, error) {
	if q, ok := e.questions[id]; ok {
		return q, nil
	}
	base, n, ok := splitInstanceID(id)
	if ok {
		if groupID, member := e.groupOf[base]; member {
			if n >= 1 && n <= e.state.GroupInstances[groupID] {
				g := e.groups[groupID]
				for _, child := range g.Questions {
					if child.ID == base {
						inst := child
						inst.ID = id
						inst.Text = strings.ReplaceAll(child.Text, "{{instance}}", strconv.Itoa(n))
						return inst, nil
					}
				}
			}
		}
	}
	return domain.Question{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (e *Engine) validate(q domain.Question, value any, partial bool) []string {
	var errs []string
	required := containsString(e.state.RequiredQuestions, q.ID) || q.IsRequired
	if isEmpty(value) {
		if required && !partial {
			errs = append(errs, customOr(q, "This field is required"))
		}
		return errs
	}

	switch q.Type {
	case domain.TypeBoolean:
		if _, ok := value.(bool); !ok {
			errs = append(errs, customOr(q, "Answer must be yes or no"))
		}
	case domain.TypeNumber, domain.TypeCurrency, domain.TypePercentage:
		n, ok := toFloat(value)
		if !ok {
			errs = append(errs, customOr(q, "Answer must be a number"))
			break
		}
		if q.Type == domain.TypePercentage && (n < 0 || n > 100) {
			errs = append(errs, customOr(q, "Percentage must be between 0 and 100"))
		}
		if v := q.Validation; v != nil {
			if v.MinValue != nil && n < *v.MinValue {
				errs = append(errs, customOr(q, fmt.Sprintf("Value must be at least %v", *v.MinValue)))
			}
			if v.MaxValue != nil && n > *v.MaxValue {
				errs = append(errs, customOr(q, fmt.Sprintf("Value must be at most %v", *v.MaxValue)))
			}
		}
	case domain.TypeDate:
		if _, ok := toDate(value); !ok {
			errs = append(errs, customOr(q, "Answer must be a valid date"))
		}
	case domain.TypeSingleChoice:
		sv := fmt.Sprintf("%v", value)
		found := false
		for _, opt := range q.Options {
			if opt.Value == sv {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, customOr(q, "Answer must be one of the listed options"))
		}
	case domain.TypeText:
		sv, ok := value.(string)
		if !ok {
			errs = append(errs, customOr(q, "Answer must be text"))
			break
		}
		if v := q.Validation; v != nil {
			if v.MinLength != nil && !partial && len(sv) < *v.MinLength {
				errs = append(errs, customOr(q, fmt.Sprintf("Must be at least %d characters", *v.MinLength)))
			}
			if v.MaxLength != nil && len(sv) > *v.MaxLength {
				errs = append(errs, customOr(q, fmt.Sprintf("Must be at most %d characters", *v.MaxLength)))
			}
			if v.RegexPattern != "" {
				if re, err := regexp.Compile(v.RegexPattern); err == nil && !re.MatchString(sv) {
					errs = append(errs, customOr(q, "Answer has an invalid format"))
				}
			}
		}
	}
	return errs
}

func (e *Engine) recompute() {
	s := &e.state
	s.TotalSteps = len(s.VisibleQuestions)
	s.CurrentStep = len(s.CompletedQuestions)
	// An empty required set means the wizard is vacuously complete.
	if len(s.RequiredQuestions) == 0 {
		s.CompletionPercentage = 100
		s.IsComplete = true
		return
	}
	done := 0
	for _, id := range s.RequiredQuestions {
		if containsString(s.CompletedQuestions, id) {
			done++
		}
	}
	pct := int(float64(done)/float64(len(s.RequiredQuestions))*100 + 0.5)
	s.IsComplete = done == len(s.RequiredQuestions)
	// 100 is reserved for a complete wizard; rounding must not reach it early.
	if !s.IsComplete && pct > 99 {
		pct = 99
	}
	if s.IsComplete {
		pct = 100
	}
	s.CompletionPercentage = pct
}

func customOr(q domain.Question, msg string) string {
	if q.Validation != nil && q.Validation.CustomMessage != "" {
		return q.Validation.CustomMessage
	}
	return msg
}

// isEmpty treats nil, blank strings, and empty collections as no answer.
// false is a real boolean answer, not an empty one.
func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

// valuesEqual compares with numeric normalization so 30 (int), 30.0
// (float64), and a JSON-decoded 30 all match. Non-comparable operands such
// as JSON arrays never match instead of panicking.
func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
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
	case int32:
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

func toDate(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Substring containment over strings. Any type mismatch makes the condition
// false rather than an error.
func contains(answer, trigger any) bool {
	a, aok := answer.(string)
	t, tok := trigger.(string)
	return aok && tok && strings.Contains(a, t)
}

func instanceID(base string, n int) string {
	return base + "_" + strconv.Itoa(n)
}

func splitInstanceID(id string) (string, int, bool) {
	i := strings.LastIndex(id, "_")
	if i <= 0 || i == len(id)-1 {
		return "", 0, false
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil || n < 1 {
		return "", 0, false
	}
	return id[:i], n, true
}

func appendUnique(list []string, v string) []string {
	if containsString(list, v) {
		return list
	}
	return append(list, v)
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
