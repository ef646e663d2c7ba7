package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the wizard flow.
const (
	TypeSessionStarted = "session.started"
	TypeSessionReset   = "session.reset"
	TypeAnswerAccepted = "answer.accepted"
	TypeAnswerRejected = "answer.rejected"
	TypeGroupAdded     = "group.instance_added"
	TypeGroupRemoved   = "group.instance_removed"
	TypeTemplateStored = "template.stored"
	TypeRenderProduced = "render.produced"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit event. The log is append-only and strictly for
// audit; wizard state is never rebuilt from it.
func (w Writer) Append(ctx context.Context, evtType, templateID, sessionID, questionID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,template_id,session_id,question_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(templateID), nullable(sessionID), nullable(questionID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
