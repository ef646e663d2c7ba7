package lexflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Lexflow HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Session is the API session model. State carries the wizard's visible,
// required, and completed sets plus progress fields.
type Session struct {
	ID         string      `json:"session_id"`
	TemplateID string      `json:"template_id"`
	CreatedAt  string      `json:"created_at"`
	State      WizardState `json:"state"`
}

type WizardState struct {
	TemplateID           string              `json:"template_id"`
	CurrentStep          int                 `json:"current_step"`
	TotalSteps           int                 `json:"total_steps"`
	VisibleQuestions     []string            `json:"visible_questions"`
	RequiredQuestions    []string            `json:"required_questions"`
	CompletedQuestions   []string            `json:"completed_questions"`
	GroupInstances       map[string]int      `json:"group_instances,omitempty"`
	Answers              map[string]Answer   `json:"answers"`
	ValidationErrors     map[string][]string `json:"validation_errors"`
	IncludedClauses      []string            `json:"included_clauses,omitempty"`
	ExcludedClauses      []string            `json:"excluded_clauses,omitempty"`
	IsComplete           bool                `json:"is_complete"`
	CompletionPercentage int                 `json:"completion_percentage"`
}

type Answer struct {
	QuestionID string `json:"question_id"`
	Value      any    `json:"value"`
	AnsweredAt string `json:"answered_at"`
	IsValid    bool   `json:"is_valid"`
}

// AnswerResult is the outcome of submitting one answer.
type AnswerResult struct {
	State       WizardState      `json:"state"`
	Evaluations []RuleEvaluation `json:"evaluations,omitempty"`
	Errors      []string         `json:"errors,omitempty"`
}

type RuleEvaluation struct {
	RuleID    string `json:"rule_id"`
	Triggered bool   `json:"triggered"`
	Action    string `json:"action"`
	TargetID  string `json:"target_id"`
}

// TemplateRecord is a stored-template listing row.
type TemplateRecord struct {
	ID        string `json:"template_id"`
	Name      string `json:"template_name"`
	Category  string `json:"category"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	TemplateID string `json:"template_id"`
	SessionID  string `json:"session_id"`
	QuestionID string `json:"question_id"`
	Payload    string `json:"payload_json"`
}

// Document is an assembled agreement.
type Document struct {
	TemplateID string    `json:"template_id"`
	Title      string    `json:"title"`
	Sections   []Section `json:"sections"`
	Missing    []string  `json:"missing_placeholders,omitempty"`
}

type Section struct {
	ClauseID string `json:"clause_id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// StartSession begins a wizard run for the given template.
func (c *Client) StartSession(ctx context.Context, templateID string) (Session, error) {
	body := map[string]any{"template_id": templateID}
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions", body, &resp)
	return resp, err
}

// GetSession fetches current wizard state.
func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "v0/sessions/"+url.PathEscape(sessionID), nil, &resp)
	return resp, err
}

// Answer submits a value for a question.
func (c *Client) Answer(ctx context.Context, sessionID, questionID string, value any) (AnswerResult, error) {
	return c.answer(ctx, sessionID, questionID, value, false)
}

// AnswerPartial submits a keystroke-level value; required and minimum-length
// checks are relaxed.
func (c *Client) AnswerPartial(ctx context.Context, sessionID, questionID string, value any) (AnswerResult, error) {
	return c.answer(ctx, sessionID, questionID, value, true)
}

func (c *Client) answer(ctx context.Context, sessionID, questionID string, value any, partial bool) (AnswerResult, error) {
	body := map[string]any{
		"question_id": questionID,
		"value":       value,
		"partial":     partial,
	}
	var resp AnswerResult
	endpoint := fmt.Sprintf("v0/sessions/%s/answers", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Render assembles the agreement document from the session's selected clauses.
func (c *Client) Render(ctx context.Context, sessionID string) (Document, error) {
	var resp Document
	endpoint := fmt.Sprintf("v0/sessions/%s/render", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddGroupInstance grows a repeatable group.
func (c *Client) AddGroupInstance(ctx context.Context, sessionID, groupID string) (WizardState, error) {
	var resp struct {
		State WizardState `json:"state"`
	}
	endpoint := fmt.Sprintf("v0/sessions/%s/groups/%s/instances", url.PathEscape(sessionID), url.PathEscape(groupID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.State, err
}

// RemoveGroupInstance removes the last instance of a repeatable group.
func (c *Client) RemoveGroupInstance(ctx context.Context, sessionID, groupID string) (WizardState, error) {
	var resp struct {
		State WizardState `json:"state"`
	}
	endpoint := fmt.Sprintf("v0/sessions/%s/groups/%s/instances", url.PathEscape(sessionID), url.PathEscape(groupID))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp.State, err
}

// Templates lists stored templates.
func (c *Client) Templates(ctx context.Context) ([]TemplateRecord, error) {
	var resp struct {
		Items []TemplateRecord `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/templates", nil, &resp)
	return resp.Items, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
