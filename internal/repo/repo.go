package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"lexflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// UpsertTemplate stores a template definition, overwriting any prior version
// with the same id.
func (r Repo) UpsertTemplate(ctx context.Context, tpl *domain.Template, now string) error {
	payload, err := json.Marshal(tpl)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO templates(id,name,category,definition_json,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, category=excluded.category, definition_json=excluded.definition_json, updated_at=excluded.updated_at`,
		tpl.ID, tpl.Name, nullable(tpl.Category), string(payload), now, now)
	return err
}

// GetTemplate loads and decodes a stored template definition.
func (r Repo) GetTemplate(ctx context.Context, id string) (*domain.Template, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT definition_json FROM templates WHERE id=?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var tpl domain.Template
	if err := json.Unmarshal([]byte(payload), &tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

func (r Repo) ListTemplates(ctx context.Context) ([]domain.TemplateRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(category,'') AS category,created_at,updated_at FROM templates ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TemplateRecord
	for rows.Next() {
		var rec domain.TemplateRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Category, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, nil
}

func (r Repo) DeleteTemplate(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM templates WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type EventFilters struct {
	TemplateID string
	SessionID  string
	Type       string
	Limit      int
	Cursor     int64
}

// LatestEvents returns audit events newest-first, filtered and keyset-paged
// by id.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TemplateID != "" {
		clauses = append(clauses, "template_id=?")
		args = append(args, f.TemplateID)
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,template_id,session_id,question_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var templateID, sessionID, questionID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &templateID, &sessionID, &questionID, &payload); err != nil {
			return nil, err
		}
		e.TemplateID = templateID.String
		e.SessionID = sessionID.String
		e.QuestionID = questionID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, nil
}

// EventsAfter returns events with ids greater than the cursor in ascending
// order, for tailing.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, sessionID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if sessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, sessionID)
	}
	query := `SELECT id,ts,type,template_id,session_id,question_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var templateID, sessionID, questionID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &templateID, &sessionID, &questionID, &payload); err != nil {
			return nil, err
		}
		e.TemplateID = templateID.String
		e.SessionID = sessionID.String
		e.QuestionID = questionID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, nil
}

// LatestEventID returns the most recent event id, 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
