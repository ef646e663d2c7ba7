package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"lexflow/internal/config"
	"lexflow/internal/domain"
	"lexflow/internal/engine"
	"lexflow/internal/enrich"
	"lexflow/internal/events"
	"lexflow/internal/metrics"
	"lexflow/internal/render"
	"lexflow/internal/repo"
	"lexflow/internal/session"
	"lexflow/internal/template"
)

// Config for the HTTP API handler.
type Config struct {
	Repo     repo.Repo
	Sessions *session.Manager
	Enrich   *enrich.Client
	Metrics  *metrics.Metrics
	Webhooks []config.Webhook
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"unknown question: monthly_rent"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Lexflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema/request validation surfaces as 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Lexflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerOpenAPI(router, api, basePath)
	registerHealth(group)
	registerTemplates(group, cfg)
	registerSessions(group, cfg)
	registerGroups(group, cfg)
	registerRender(group, cfg)
	registerEnrichment(group, cfg)
	registerEvents(group, cfg)
	if cfg.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	if len(cfg.Webhooks) > 0 {
		d := newWebhookDispatcher(cfg.Repo, cfg.Webhooks)
		go d.run(context.Background())
	}
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = codeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps domain errors onto the HTTP envelope. Unknown errors are
// not echoed back verbatim.
func handleError(err error) huma.StatusError {
	switch {
	case errors.Is(err, repo.ErrNotFound),
		errors.Is(err, engine.ErrNotFound),
		errors.Is(err, engine.ErrUnknownGroup),
		errors.Is(err, session.ErrSessionNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrGroupBounds):
		return newAPIError(http.StatusConflict, "group_bounds", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "duplicate") || strings.Contains(lowered, "unknown") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "The authenticated principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body Principal
	}, error) {
		p, _ := principalFromContext(ctx)
		return &struct {
			Body Principal
		}{Body: p}, nil
	})
}

func registerTemplates(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "import-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Import a template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body ImportTemplateRequest
	}) (*struct {
		Body domain.TemplateRecord
	}, error) {
		tpl := input.Body.Template
		if err := template.Validate(&tpl); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_template", err.Error(), nil)
		}
		now := cfg.Sessions.Now().UTC().Format(time.RFC3339)
		if err := cfg.Repo.UpsertTemplate(ctx, &tpl, now); err != nil {
			return nil, handleError(err)
		}
		_ = cfg.Sessions.Events.Append(ctx, events.TypeTemplateStored, tpl.ID, "", "", nil)
		return &struct {
			Body domain.TemplateRecord
		}{Body: domain.TemplateRecord{
			ID:        tpl.ID,
			Name:      tpl.Name,
			Category:  tpl.Category,
			CreatedAt: now,
			UpdatedAt: now,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-template",
		Method:      http.MethodPost,
		Path:        "/templates/validate",
		Summary:     "Validate a template without storing it",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ImportTemplateRequest
	}) (*struct {
		Body ValidateTemplateResponse
	}, error) {
		tpl := input.Body.Template
		if err := template.Validate(&tpl); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_template", err.Error(), nil)
		}
		return &struct {
			Body ValidateTemplateResponse
		}{Body: ValidateTemplateResponse{
			Valid:     true,
			Questions: len(tpl.Questions),
			Clauses:   len(tpl.Clauses),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List stored templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TemplateListResponse
	}, error) {
		items, err := cfg.Repo.ListTemplates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.TemplateRecord{}
		}
		return &struct {
			Body TemplateListResponse
		}{Body: TemplateListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{id}",
		Summary:     "Get a template definition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Template
	}, error) {
		tpl, err := cfg.Repo.GetTemplate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template
		}{Body: *tpl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-template",
		Method:        http.MethodDelete,
		Path:          "/templates/{id}",
		Summary:       "Delete a template",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := cfg.Repo.DeleteTemplate(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerSessions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Start a wizard session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body StartSessionRequest
	}) (*struct {
		Body session.Info
	}, error) {
		if input.Body.TemplateID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "template_id is required", nil)
		}
		info, err := cfg.Sessions.Start(ctx, input.Body.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body session.Info
		}{Body: info}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List live sessions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SessionListResponse
	}, error) {
		items := cfg.Sessions.List()
		if items == nil {
			items = []session.Info{}
		}
		return &struct {
			Body SessionListResponse
		}{Body: SessionListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get session state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body session.Info
	}, error) {
		info, err := cfg.Sessions.Get(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body session.Info
		}{Body: info}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "end-session",
		Method:        http.MethodDelete,
		Path:          "/sessions/{id}",
		Summary:       "End a session",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := cfg.Sessions.End(input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "answer-question",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/answers",
		Summary:     "Submit an answer",
		Description: "Runs the answer through validation and the template's conditional rules. Validation failures are reported in the body, not as HTTP errors.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body AnswerRequest
	}) (*struct {
		Body AnswerResponse
	}, error) {
		if input.Body.QuestionID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "question_id is required", nil)
		}
		res, err := cfg.Sessions.Answer(ctx, input.ID, input.Body.QuestionID, input.Body.Value, input.Body.Partial)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnswerResponse
		}{Body: answerResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "next-question",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/next",
		Summary:     "Next unanswered visible question",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body NextQuestionResponse
	}, error) {
		q, ok, err := cfg.Sessions.NextQuestion(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := NextQuestionResponse{Done: !ok}
		if ok {
			resp.Question = &q
		}
		return &struct {
			Body NextQuestionResponse
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-questions",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/questions",
		Summary:     "Currently visible questions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body QuestionsResponse
	}, error) {
		items, err := cfg.Sessions.VisibleQuestions(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Question{}
		}
		return &struct {
			Body QuestionsResponse
		}{Body: QuestionsResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/reset",
		Summary:     "Reset session to its initial state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body session.Info
	}, error) {
		info, err := cfg.Sessions.Reset(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body session.Info
		}{Body: info}, nil
	})
}

func registerGroups(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-group-instance",
		Method:        http.MethodPost,
		Path:          "/sessions/{id}/groups/{group_id}/instances",
		Summary:       "Add a repeatable group instance",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		GroupID string `path:"group_id"`
	}) (*struct {
		Body StateResponse
	}, error) {
		state, err := cfg.Sessions.AddGroupInstance(ctx, input.ID, input.GroupID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StateResponse
		}{Body: StateResponse{State: state}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-group-instance",
		Method:      http.MethodDelete,
		Path:        "/sessions/{id}/groups/{group_id}/instances",
		Summary:     "Remove the last repeatable group instance",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		GroupID string `path:"group_id"`
	}) (*struct {
		Body StateResponse
	}, error) {
		state, err := cfg.Sessions.RemoveGroupInstance(ctx, input.ID, input.GroupID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StateResponse
		}{Body: StateResponse{State: state}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "group-status",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/groups/{group_id}",
		Summary:     "Repeatable group status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		GroupID string `path:"group_id"`
	}) (*struct {
		Body domain.GroupStatus
	}, error) {
		st, err := cfg.Sessions.GroupStatus(input.ID, input.GroupID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GroupStatus
		}{Body: st}, nil
	})
}

func registerRender(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "render-document",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/render",
		Summary:     "Render the agreement from selected clauses",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body render.Document
	}, error) {
		info, err := cfg.Sessions.Get(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		tpl, err := cfg.Repo.GetTemplate(ctx, info.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		clauses, err := cfg.Sessions.EffectiveClauses(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		doc := render.Build(tpl, clauses, info.State.Answers)
		_ = cfg.Sessions.Events.Append(ctx, events.TypeRenderProduced, tpl.ID, input.ID, "", nil)
		return &struct {
			Body render.Document
		}{Body: doc}, nil
	})
}

func registerEnrichment(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "session-enrichment",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/enrichment",
		Summary:     "Legal context for the session's answers",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body enrich.Payload
	}, error) {
		info, err := cfg.Sessions.Get(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		tpl, err := cfg.Repo.GetTemplate(ctx, info.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		payload := cfg.Enrich.Fetch(ctx, tpl, info.State.Answers)
		return &struct {
			Body enrich.Payload
		}{Body: payload}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TemplateID string `query:"template_id"`
		SessionID  string `query:"session_id"`
		Type       string `query:"type"`
		Limit      int    `query:"limit"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body EventListResponse
	}, error) {
		var cursor int64
		if input.Cursor != "" {
			v, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			cursor = v
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := cfg.Repo.LatestEvents(ctx, repo.EventFilters{
			TemplateID: input.TemplateID,
			SessionID:  input.SessionID,
			Type:       input.Type,
			Limit:      limit + 1,
			Cursor:     cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventListResponse{Items: items}
		if len(items) > limit {
			resp.Items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		if resp.Items == nil {
			resp.Items = []domain.Event{}
		}
		return &struct {
			Body EventListResponse
		}{Body: resp}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, swaggerHTML(path.Join(basePath, "openapi.json")))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, _ *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(specURL string) string {
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Lexflow API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({ url: %q, dom_id: '#swagger-ui' });
      };
    </script>
  </body>
</html>
`, specURL)
}
