package server

import (
	"lexflow/internal/domain"
	"lexflow/internal/engine"
	"lexflow/internal/session"
)

// Request payloads

type ImportTemplateRequest struct {
	Template domain.Template `json:"template"`
}

type StartSessionRequest struct {
	TemplateID string `json:"template_id"`
}

type AnswerRequest struct {
	QuestionID string `json:"question_id"`
	Value      any    `json:"value"`
	// Partial relaxes the required and min-length checks for
	// keystroke-level updates.
	Partial bool `json:"partial,omitempty"`
}

// Responses

type ValidateTemplateResponse struct {
	Valid     bool `json:"valid"`
	Questions int  `json:"questions"`
	Clauses   int  `json:"clauses"`
}

type TemplateListResponse struct {
	Items []domain.TemplateRecord `json:"items"`
}

type SessionListResponse struct {
	Items []session.Info `json:"items"`
}

type AnswerResponse struct {
	State       domain.WizardState      `json:"state"`
	Evaluations []domain.RuleEvaluation `json:"evaluations,omitempty"`
	Errors      []string                `json:"errors,omitempty"`
}

func answerResponse(res engine.Result) AnswerResponse {
	return AnswerResponse{State: res.State, Evaluations: res.Evaluations, Errors: res.Errors}
}

type NextQuestionResponse struct {
	Question *domain.Question `json:"question,omitempty"`
	Done     bool             `json:"done"`
}

type StateResponse struct {
	State domain.WizardState `json:"state"`
}

type QuestionsResponse struct {
	Items []domain.Question `json:"items"`
}

type EventListResponse struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}
