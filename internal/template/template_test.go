package template_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexflow/internal/domain"
	"lexflow/internal/template"
)

func TestSampleParsesAndValidates(t *testing.T) {
	tpl, err := template.Sample()
	require.NoError(t, err)
	assert.Equal(t, "rental-agreement-basic", tpl.ID)
	assert.Len(t, tpl.InitialQuestions, 3)
	assert.NotEmpty(t, tpl.Clauses)
}

func TestValidateRejectsDanglingTarget(t *testing.T) {
	tpl := &domain.Template{
		ID:   "t",
		Name: "t",
		Questions: []domain.Question{
			{
				ID: "a", Type: domain.TypeBoolean,
				Rules: []domain.ConditionalRule{
					{ID: "r1", Operator: domain.OpEquals, TriggerValue: true,
						Action: domain.ActionShowQuestion, TargetID: "missing"},
				},
			},
		},
	}
	err := template.Validate(tpl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown target question")
}

func TestValidateRejectsUnknownOperator(t *testing.T) {
	tpl := &domain.Template{
		ID:   "t",
		Name: "t",
		Questions: []domain.Question{
			{
				ID: "a", Type: domain.TypeBoolean,
				Rules: []domain.ConditionalRule{
					{ID: "r1", Operator: "SOMETIMES", Action: domain.ActionShowQuestion, TargetID: "a"},
				},
			},
		},
	}
	assert.ErrorContains(t, template.Validate(tpl), "unknown operator")
}

func TestValidateRejectsBadGroupBounds(t *testing.T) {
	tpl := &domain.Template{
		ID:   "t",
		Name: "t",
		Questions: []domain.Question{
			{
				ID: "g", Type: domain.TypeRepeatableGroup,
				Group: &domain.RepeatableGroup{
					GroupID: "g", MinInstances: 3, MaxInstances: 1,
					Questions: []domain.Question{{ID: "c", Type: domain.TypeText}},
				},
			},
		},
	}
	assert.ErrorContains(t, template.Validate(tpl), "bad instance bounds")
}

func TestValidateRejectsChoiceWithoutOptions(t *testing.T) {
	tpl := &domain.Template{
		ID:        "t",
		Name:      "t",
		Questions: []domain.Question{{ID: "a", Type: domain.TypeSingleChoice}},
	}
	assert.ErrorContains(t, template.Validate(tpl), "needs options")
}

func TestValidateRejectsUnknownInitialQuestion(t *testing.T) {
	tpl := &domain.Template{
		ID:               "t",
		Name:             "t",
		InitialQuestions: []string{"ghost"},
		Questions:        []domain.Question{{ID: "a", Type: domain.TypeText}},
	}
	assert.ErrorContains(t, template.Validate(tpl), "initial question ghost")
}

func TestValidateRejectsDanglingClauseRule(t *testing.T) {
	tpl := &domain.Template{
		ID:        "t",
		Name:      "t",
		Questions: []domain.Question{{ID: "a", Type: domain.TypeNumber}},
		Clauses:   []domain.Clause{{ID: "1_base", Body: "text"}},
		ClauseRules: []domain.ClauseRule{
			{ID: "cr", Conditions: []domain.ClauseCondition{{QuestionID: "a", Comparator: ">", Value: 0}},
				ThenClauses: []string{"9_missing"}},
		},
	}
	assert.ErrorContains(t, template.Validate(tpl), "unknown clause 9_missing")
}

func TestFromYAMLAcceptsJSON(t *testing.T) {
	doc := `{"template_id":"j","template_name":"j","initial_questions":["q"],"questions":[{"question_id":"q","question_type":"text"}]}`
	tpl, err := template.FromYAML([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "j", tpl.ID)
}
