package engine_test

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"lexflow/internal/domain"
	"lexflow/internal/engine"
)

func intp(v int) *int { return &v }

// leaseTemplate is a small rental-agreement questionnaire exercising
// visibility rules, validation, and a repeatable group.
func leaseTemplate() *domain.Template {
	return &domain.Template{
		ID:               "rental-basic",
		Name:             "Basic Rental Agreement",
		InitialQuestions: []string{"tenant_name", "monthly_rent", "pets_allowed"},
		Questions: []domain.Question{
			{
				ID: "tenant_name", Text: "Tenant full name", Type: domain.TypeText,
				IsRequired: true,
				Validation: &domain.Validation{MinLength: intp(3)},
			},
			{
				ID: "monthly_rent", Text: "Monthly rent", Type: domain.TypeCurrency,
				IsRequired: true,
				Rules: []domain.ConditionalRule{
					{ID: "r-rent-deposit", Operator: domain.OpGreaterThan, TriggerValue: 0,
						Action: domain.ActionShowQuestion, TargetID: "security_deposit", Priority: 1},
				},
			},
			{
				ID: "pets_allowed", Text: "Are pets allowed?", Type: domain.TypeBoolean,
				Rules: []domain.ConditionalRule{
					{ID: "r-pets-deposit", Operator: domain.OpEquals, TriggerValue: true,
						Action: domain.ActionShowQuestion, TargetID: "pet_deposit", Priority: 1},
				},
			},
			{ID: "security_deposit", Text: "Security deposit", Type: domain.TypeCurrency, IsRequired: true},
			{ID: "pet_deposit", Text: "Pet deposit", Type: domain.TypeCurrency, IsRequired: true},
			{
				ID: "cotenants", Text: "Co-tenants", Type: domain.TypeRepeatableGroup,
				Group: &domain.RepeatableGroup{
					GroupID: "cotenants", MinInstances: 0, MaxInstances: 2,
					Questions: []domain.Question{
						{ID: "cotenant_name", Text: "Co-tenant {{instance}} name", Type: domain.TypeText, IsRequired: true},
					},
				},
			},
		},
	}
}

func newTestEngine(t *testing.T, tpl *domain.Template) *engine.Engine {
	t.Helper()
	e := engine.New(tpl)
	e.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

func mustAnswer(t *testing.T, e *engine.Engine, id string, value any) engine.Result {
	t.Helper()
	res, err := e.ProcessAnswer(id, value, false)
	if err != nil {
		t.Fatalf("answer %s: %v", id, err)
	}
	if len(res.Errors) > 0 {
		t.Fatalf("answer %s rejected: %v", id, res.Errors)
	}
	return res
}

func TestInitialState(t *testing.T) {
	e := newTestEngine(t, leaseTemplate())
	s := e.State()
	want := []string{"tenant_name", "monthly_rent", "pets_allowed"}
	if !reflect.DeepEqual(s.VisibleQuestions, want) {
		t.Fatalf("visible = %v, want %v", s.VisibleQuestions, want)
	}
	if !reflect.DeepEqual(s.RequiredQuestions, []string{"tenant_name", "monthly_rent"}) {
		t.Fatalf("required = %v", s.RequiredQuestions)
	}
	if s.IsComplete || s.CompletionPercentage != 0 {
		t.Fatalf("fresh state complete=%v pct=%d", s.IsComplete, s.CompletionPercentage)
	}
	if s.TotalSteps != 3 || s.CurrentStep != 0 {
		t.Fatalf("steps = %d/%d", s.CurrentStep, s.TotalSteps)
	}
}

func TestUnknownQuestionLeavesStateUntouched(t *testing.T) {
	e := newTestEngine(t, leaseTemplate())
	before := e.State()
	_, err := e.ProcessAnswer("does_not_exist", "x", false)
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if !reflect.DeepEqual(before, e.State()) {
		t.Fatalf("state mutated on not-found")
	}
}

func TestValidationFailureIsSoftAndIsolated(t *testing.T) {
	e := newTestEngine(t, leaseTemplate())
	before := e.State()
	res, err := e.ProcessAnswer("tenant_name", "Al", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) == 0 {
		t.Fatal("expected min-length error")
	}
	after := res.State
	if !reflect.DeepEqual(before.VisibleQuestions, after.VisibleQuestions) ||
		!reflect.DeepEqual(before.RequiredQuestions, after.RequiredQuestions) ||
		!reflect.DeepEqual(before.CompletedQuestions, after.CompletedQuestions) {
		t.Fatal("validation failure must not touch visibility or completion")
	}
	if len(after.ValidationErrors["tenant_name"]) == 0 {
		t.Fatal("error not recorded")
	}

	// a subsequent valid answer clears the error and completes the question
	res = mustAnswer(t, e, "tenant_name", "Ali")
	if _, ok := res.State.ValidationErrors["tenant_name"]; ok {
		t.Fatal("error not cleared after valid answer")
	}
	if !containsID(res.State.CompletedQuestions, "tenant_name") {
		t.Fatal("tenant_name not completed")
	}
}

func TestPartialModeSkipsRequiredAndMinLength(t *testing.T) {
	e := newTestEngine(t, leaseTemplate())
	res, err := e.ProcessAnswer("tenant_name", "Al", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("partial update rejected: %v", res.Errors)
	}
}

func TestShowRuleAndIdempotentReanswer(t *testing.T) {
	e := newTestEngine(t, leaseTemplate())
	if e.IsQuestionVisible("pet_deposit") {
		t.Fatal("pet_deposit visible before trigger")
	}
	res := mustAnswer(t, e, "pets_allowed", true)
	if !containsID(res.State.VisibleQuestions, "pet_deposit") {
		t.Fatal("pet_deposit not revealed")
	}
	if !containsID(res.State.RequiredQuestions, "pet_deposit") {
		t.Fatal("pet_deposit should be required once shown")
	}

	// re-answering with the same value must change nothing
	again := mustAnswer(t, e, "pets_allowed", true)
	if !reflect.DeepEqual(res.State.VisibleQuestions, again.State.VisibleQuestions) {
		t.Fatalf("show not idempotent: %v vs %v", res.State.VisibleQuestions, again.State.VisibleQuestions)
	}
	if !reflect.DeepEqual(res.State.CompletedQuestions, again.State.CompletedQuestions) {
		t.Fatal("completed set not idempotent")
	}

	// no symmetric hide rule on false: pet_deposit stays revealed
	res = mustAnswer(t, e, "pets_allowed", false)
	if !containsID(res.State.VisibleQuestions, "pet_deposit") {
		t.Fatal("pet_deposit should survive the trigger flipping to false")
	}
}

func TestGreaterThanBoundary(t *testing.T) {
	e := newTestEngine(t, leaseTemplate())
	res := mustAnswer(t, e, "monthly_rent", 0)
	if containsID(res.State.VisibleQuestions, "security_deposit") {
		t.Fatal("rule fired on 0, want strictly greater")
	}
	res = mustAnswer(t, e, "monthly_rent", 15000)
	if !containsID(res.State.VisibleQuestions, "security_deposit") {
		t.Fatal("security_deposit not revealed for positive rent")
	}
}

func TestHideClearsAllTrace(t *testing.T) {
	tpl := &domain.Template{
		ID:               "t",
		InitialQuestions: []string{"furnished", "inventory"},
		Questions: []domain.Question{
			{
				ID: "furnished", Type: domain.TypeBoolean,
				Rules: []domain.ConditionalRule{
					{ID: "r1", Operator: domain.OpEquals, TriggerValue: false,
						Action: domain.ActionHideQuestion, TargetID: "inventory", Priority: 1},
				},
			},
			{ID: "inventory", Type: domain.TypeText, IsRequired: true},
		},
	}
	e := newTestEngine(t, tpl)
	mustAnswer(t, e, "inventory", "sofa, table")
	res := mustAnswer(t, e, "furnished", false)
	s := res.State
	if containsID(s.VisibleQuestions, "inventory") || containsID(s.RequiredQuestions, "inventory") ||
		containsID(s.CompletedQuestions, "inventory") {
		t.Fatalf("inventory still tracked: %+v", s)
	}
	if _, ok := s.Answers["inventory"]; ok {
		t.Fatal("answer survived hide")
	}
	if _, ok := s.ValidationErrors["inventory"]; ok {
		t.Fatal("validation errors survived hide")
	}
}

func TestPriorityHideBeforeRequire(t *testing.T) {
	tpl := &domain.Template{
		ID:               "t",
		InitialQuestions: []string{"trigger", "target"},
		Questions: []domain.Question{
			{
				ID: "trigger", Type: domain.TypeBoolean,
				Rules: []domain.ConditionalRule{
					{ID: "r-require", Operator: domain.OpEquals, TriggerValue: true,
						Action: domain.ActionRequireQuestion, TargetID: "target", Priority: 2},
					{ID: "r-hide", Operator: domain.OpEquals, TriggerValue: true,
						Action: domain.ActionHideQuestion, TargetID: "target", Priority: 1},
				},
			},
			{ID: "target", Type: domain.TypeText},
		},
	}
	e := newTestEngine(t, tpl)
	res := mustAnswer(t, e, "trigger", true)
	// priority 1 hides first; the later require must miss the hidden target
	if containsID(res.State.VisibleQuestions, "target") {
		t.Fatal("target should be hidden")
	}
	if containsID(res.State.RequiredQuestions, "target") {
		t.Fatal("require on a hidden question must be a no-op")
	}
}

func TestCompletionPercentage(t *testing.T) {
	tpl := &domain.Template{
		ID:               "t",
		InitialQuestions: []string{"a", "b"},
		Questions: []domain.Question{
			{ID: "a", Type: domain.TypeText, IsRequired: true},
			{ID: "b", Type: domain.TypeText, IsRequired: true},
		},
	}
	e := newTestEngine(t, tpl)
	if s := e.State(); s.CompletionPercentage != 0 || s.IsComplete {
		t.Fatalf("start pct=%d complete=%v", s.CompletionPercentage, s.IsComplete)
	}
	res := mustAnswer(t, e, "a", "x")
	if res.State.CompletionPercentage != 50 || res.State.IsComplete {
		t.Fatalf("after a: pct=%d", res.State.CompletionPercentage)
	}
	res = mustAnswer(t, e, "b", "y")
	if res.State.CompletionPercentage != 100 || !res.State.IsComplete {
		t.Fatalf("after b: pct=%d complete=%v", res.State.CompletionPercentage, res.State.IsComplete)
	}
}

func TestVacuousCompletion(t *testing.T) {
	tpl := &domain.Template{
		ID:               "t",
		InitialQuestions: []string{"note"},
		Questions:        []domain.Question{{ID: "note", Type: domain.TypeText}},
	}
	e := newTestEngine(t, tpl)
	if s := e.State(); !s.IsComplete || s.CompletionPercentage != 100 {
		t.Fatalf("empty required set should be vacuously complete, got pct=%d", s.CompletionPercentage)
	}
}

func TestNegatedRule(t *testing.T) {
	tpl := &domain.Template{
		ID:               "t",
		InitialQuestions: []string{"country"},
		Questions: []domain.Question{
			{
				ID: "country", Type: domain.TypeText,
				Rules: []domain.ConditionalRule{
					{ID: "r1", Operator: domain.OpEquals, TriggerValue: "US", Negate: true,
						Action: domain.ActionShowQuestion, TargetID: "visa_status", Priority: 1},
				},
			},
			{ID: "visa_status", Type: domain.TypeText},
		},
	}
	e := newTestEngine(t, tpl)
	res := mustAnswer(t, e, "country", "US")
	if containsID(res.State.VisibleQuestions, "visa_status") {
		t.Fatal("negated rule fired on matching value")
	}
	res = mustAnswer(t, e, "country", "DE")
	if !containsID(res.State.VisibleQuestions, "visa_status") {
		t.Fatal("negated rule did not fire on non-matching value")
	}
}

func TestDateOperators(t *testing.T) {
	tpl := &domain.Template{
		ID:               "t",
		InitialQuestions: []string{"lease_start", "birth_date"},
		Questions: []domain.Question{
			{
				ID: "lease_start", Type: domain.TypeDate,
				Rules: []domain.ConditionalRule{
					{ID: "r-recent", Operator: domain.OpDateWithinLastDays, TriggerValue: 30,
						Action: domain.ActionShowQuestion, TargetID: "handover_notes", Priority: 1},
				},
			},
			{
				ID: "birth_date", Type: domain.TypeDate,
				Rules: []domain.ConditionalRule{
					{ID: "r-adult", Operator: domain.OpDateOlderThanYears, TriggerValue: 18,
						Action: domain.ActionIncludeClause, TargetID: "clause_adult", Priority: 1},
				},
			},
			{ID: "handover_notes", Type: domain.TypeText},
		},
	}
	e := newTestEngine(t, tpl) // clock fixed at 2025-06-01
	res := mustAnswer(t, e, "lease_start", "2025-05-20")
	if !containsID(res.State.VisibleQuestions, "handover_notes") {
		t.Fatal("date within 30 days did not trigger")
	}
	res = mustAnswer(t, e, "birth_date", "1990-03-15")
	if !containsID(res.State.IncludedClauses, "clause_adult") {
		t.Fatal("older-than-years did not include clause")
	}
	if res.State.ValidationErrors["birth_date"] != nil {
		t.Fatalf("unexpected errors: %v", res.State.ValidationErrors)
	}
}

func TestClauseIncludeExclude(t *testing.T) {
	tpl := &domain.Template{
		ID:               "t",
		InitialQuestions: []string{"smoking"},
		Questions: []domain.Question{
			{
				ID: "smoking", Type: domain.TypeBoolean,
				Rules: []domain.ConditionalRule{
					{ID: "r-in", Operator: domain.OpEquals, TriggerValue: false,
						Action: domain.ActionIncludeClause, TargetID: "clause_no_smoking", Priority: 1},
					{ID: "r-out", Operator: domain.OpEquals, TriggerValue: true,
						Action: domain.ActionExcludeClause, TargetID: "clause_no_smoking", Priority: 1},
				},
			},
		},
	}
	e := newTestEngine(t, tpl)
	mustAnswer(t, e, "smoking", false)
	if got := e.EffectiveClauses(); len(got) != 1 || got[0] != "clause_no_smoking" {
		t.Fatalf("effective clauses = %v", got)
	}
	mustAnswer(t, e, "smoking", true)
	if got := e.EffectiveClauses(); len(got) != 0 {
		t.Fatalf("clause not excluded: %v", got)
	}
}

func TestRepeatableGroupBoundsAndCleanup(t *testing.T) {
	e := newTestEngine(t, leaseTemplate())

	s, err := e.AddGroupInstance("cotenants")
	if err != nil {
		t.Fatal(err)
	}
	if !containsID(s.VisibleQuestions, "cotenant_name_1") {
		t.Fatal("instance question not materialized")
	}
	if _, err := e.AddGroupInstance("cotenants"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AddGroupInstance("cotenants"); !errors.Is(err, engine.ErrGroupBounds) {
		t.Fatalf("err = %v, want ErrGroupBounds at max", err)
	}

	mustAnswer(t, e, "cotenant_name_2", "Bo Diddley")
	q, err := e.ProcessAnswer("cotenant_name_2", "Bo Diddley", false)
	if err != nil || len(q.Errors) != 0 {
		t.Fatalf("re-answer instance: %v %v", err, q.Errors)
	}

	s, err = e.RemoveGroupInstance("cotenants")
	if err != nil {
		t.Fatal(err)
	}
	if containsID(s.VisibleQuestions, "cotenant_name_2") {
		t.Fatal("instance 2 still visible after removal")
	}
	if _, ok := s.Answers["cotenant_name_2"]; ok {
		t.Fatal("instance answer survived removal")
	}

	st, err := e.GroupStatus("cotenants")
	if err != nil {
		t.Fatal(err)
	}
	if st.Count != 1 || !st.CanAdd || !st.CanRemove {
		t.Fatalf("status = %+v", st)
	}

	if _, err := e.GroupStatus("nope"); !errors.Is(err, engine.ErrUnknownGroup) {
		t.Fatalf("err = %v, want ErrUnknownGroup", err)
	}
}

func TestInstanceTextSubstitution(t *testing.T) {
	e := newTestEngine(t, leaseTemplate())
	if _, err := e.AddGroupInstance("cotenants"); err != nil {
		t.Fatal(err)
	}
	for _, q := range e.VisibleQuestions() {
		if q.ID == "cotenant_name_1" {
			if q.Text != "Co-tenant 1 name" {
				t.Fatalf("text = %q", q.Text)
			}
			return
		}
	}
	t.Fatal("cotenant_name_1 not in visible questions")
}

func TestNextQuestionAndReset(t *testing.T) {
	e := newTestEngine(t, leaseTemplate())
	q, ok := e.NextQuestion()
	if !ok || q.ID != "tenant_name" {
		t.Fatalf("next = %v %v", q.ID, ok)
	}
	mustAnswer(t, e, "tenant_name", "Ali Veli")
	q, ok = e.NextQuestion()
	if !ok || q.ID != "monthly_rent" {
		t.Fatalf("next after answer = %v", q.ID)
	}

	e.Reset()
	s := e.State()
	if len(s.Answers) != 0 || len(s.CompletedQuestions) != 0 {
		t.Fatal("reset did not clear answers")
	}
	if !reflect.DeepEqual(s.VisibleQuestions, []string{"tenant_name", "monthly_rent", "pets_allowed"}) {
		t.Fatalf("reset visible = %v", s.VisibleQuestions)
	}
}

func TestSingleChoiceValidation(t *testing.T) {
	tpl := &domain.Template{
		ID:               "t",
		InitialQuestions: []string{"term"},
		Questions: []domain.Question{
			{
				ID: "term", Type: domain.TypeSingleChoice,
				Options: []domain.Option{{Value: "12", Label: "1 year"}, {Value: "24", Label: "2 years"}},
			},
		},
	}
	e := newTestEngine(t, tpl)
	res, err := e.ProcessAnswer("term", "36", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) == 0 {
		t.Fatal("off-list option accepted")
	}
	mustAnswer(t, e, "term", "24")
}

func TestPercentageBounds(t *testing.T) {
	tpl := &domain.Template{
		ID:               "t",
		InitialQuestions: []string{"increase"},
		Questions:        []domain.Question{{ID: "increase", Type: domain.TypePercentage}},
	}
	e := newTestEngine(t, tpl)
	res, err := e.ProcessAnswer("increase", 120, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) == 0 {
		t.Fatal("percentage over 100 accepted")
	}
	mustAnswer(t, e, "increase", 25)
}

func TestListOperandsNeverMatch(t *testing.T) {
	tpl := &domain.Template{
		ID:               "t",
		InitialQuestions: []string{"grp"},
		Questions: []domain.Question{
			{
				ID: "grp", Type: domain.TypeRepeatableGroup,
				Group: &domain.RepeatableGroup{
					GroupID: "grp", MinInstances: 0, MaxInstances: 2,
					Questions: []domain.Question{{ID: "member", Type: domain.TypeText}},
				},
				Rules: []domain.ConditionalRule{
					{ID: "r1", Operator: domain.OpEquals, TriggerValue: []any{"a"},
						Action: domain.ActionShowQuestion, TargetID: "extra", Priority: 1},
				},
			},
			{ID: "extra", Type: domain.TypeText},
		},
	}
	e := newTestEngine(t, tpl)
	res, err := e.ProcessAnswer("grp", []any{"a"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("list answer rejected: %v", res.Errors)
	}
	if len(res.Evaluations) != 1 || res.Evaluations[0].Triggered {
		t.Fatalf("slice operands must evaluate false, got %+v", res.Evaluations)
	}
	if containsID(res.State.VisibleQuestions, "extra") {
		t.Fatal("rule fired on non-comparable operands")
	}
}

func TestEmptyAcceptedAnswerIsCompleted(t *testing.T) {
	tpl := &domain.Template{
		ID:               "t",
		InitialQuestions: []string{"note"},
		Questions:        []domain.Question{{ID: "note", Type: domain.TypeText}},
	}
	e := newTestEngine(t, tpl)
	res := mustAnswer(t, e, "note", "")
	if !containsID(res.State.CompletedQuestions, "note") {
		t.Fatalf("empty optional answer not completed: %v", res.State.CompletedQuestions)
	}
	if _, ok := res.State.Answers["note"]; !ok {
		t.Fatal("empty optional answer not stored")
	}
}

func TestRoundingNeverReportsHundredEarly(t *testing.T) {
	var ids []string
	var qs []domain.Question
	for i := 0; i < 201; i++ {
		id := fmt.Sprintf("q%03d", i)
		ids = append(ids, id)
		qs = append(qs, domain.Question{ID: id, Type: domain.TypeText, IsRequired: true})
	}
	tpl := &domain.Template{ID: "t", InitialQuestions: ids, Questions: qs}
	e := newTestEngine(t, tpl)
	for _, id := range ids[:200] {
		mustAnswer(t, e, id, "x")
	}
	s := e.State()
	if s.IsComplete {
		t.Fatal("one required question is still unanswered")
	}
	if s.CompletionPercentage != 99 {
		t.Fatalf("pct = %d, want 99 while incomplete", s.CompletionPercentage)
	}
	mustAnswer(t, e, ids[200], "x")
	if s := e.State(); !s.IsComplete || s.CompletionPercentage != 100 {
		t.Fatalf("after last answer: pct=%d complete=%v", s.CompletionPercentage, s.IsComplete)
	}
}

func TestDebugInfoCounters(t *testing.T) {
	e := newTestEngine(t, leaseTemplate())
	mustAnswer(t, e, "pets_allowed", true)
	info := e.DebugInfo()
	if info["answers"] != 1 {
		t.Fatalf("answers = %v", info["answers"])
	}
	if info["template_id"] != "rental-basic" {
		t.Fatalf("template_id = %v", info["template_id"])
	}
}

func TestTraceSinkReceivesRuleLines(t *testing.T) {
	e := newTestEngine(t, leaseTemplate())
	var lines int
	e.Trace = func(string, ...any) { lines++ }
	mustAnswer(t, e, "pets_allowed", true)
	if lines == 0 {
		t.Fatal("trace sink never called")
	}
}

func containsID(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
