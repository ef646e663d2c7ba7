package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"lexflow/internal/clause"
	"lexflow/internal/domain"
	"lexflow/internal/engine"
	"lexflow/internal/events"
	"lexflow/internal/metrics"
	"lexflow/internal/repo"
)

var ErrSessionNotFound = errors.New("session not found")

// Session pairs one engine instance with the lock that serializes access to
// it. The engine itself assumes a single writer.
type Session struct {
	ID         string
	TemplateID string
	CreatedAt  string

	mu  sync.Mutex
	eng *engine.Engine
}

// Info is the lock-free view of a session returned to callers.
type Info struct {
	ID         string             `json:"session_id"`
	TemplateID string             `json:"template_id"`
	CreatedAt  string             `json:"created_at" format:"date-time"`
	State      domain.WizardState `json:"state"`
}

// Manager owns all live wizard sessions. Sessions are in-memory only;
// restarting the process ends them. The audit log records what happened but
// is never used to rebuild state.
type Manager struct {
	Repo    repo.Repo
	Events  events.Writer
	Metrics *metrics.Metrics
	Now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(r repo.Repo, w events.Writer, m *metrics.Metrics) *Manager {
	return &Manager{
		Repo:     r,
		Events:   w,
		Metrics:  m,
		Now:      time.Now,
		sessions: map[string]*Session{},
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Start loads the template, builds an engine, and registers a new session.
func (m *Manager) Start(ctx context.Context, templateID string) (Info, error) {
	tpl, err := m.Repo.GetTemplate(ctx, templateID)
	if err != nil {
		return Info{}, err
	}
	eng := engine.New(tpl)
	eng.Now = m.now
	s := &Session{
		ID:         uuid.NewString(),
		TemplateID: templateID,
		CreatedAt:  m.now().UTC().Format(time.RFC3339),
		eng:        eng,
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	if m.Metrics != nil {
		m.Metrics.SessionsActive.Inc()
	}
	_ = m.Events.Append(ctx, events.TypeSessionStarted, templateID, s.ID, "", nil)
	return m.info(s), nil
}

func (m *Manager) get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Get returns a session snapshot.
func (m *Manager) Get(id string) (Info, error) {
	s, err := m.get(id)
	if err != nil {
		return Info{}, err
	}
	return m.info(s), nil
}

// List returns snapshots of every live session.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, m.info(s))
	}
	return out
}

// End drops a session from memory.
func (m *Manager) End(id string) error {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	if m.Metrics != nil {
		m.Metrics.SessionsActive.Dec()
	}
	return nil
}

// Answer runs one ProcessAnswer call under the session lock and records the
// outcome in the audit log and metrics.
func (m *Manager) Answer(ctx context.Context, sessionID, questionID string, value any, partial bool) (engine.Result, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return engine.Result{}, err
	}
	s.mu.Lock()
	start := m.now()
	res, err := s.eng.ProcessAnswer(questionID, value, partial)
	elapsed := m.now().Sub(start)
	s.mu.Unlock()

	if m.Metrics != nil {
		m.Metrics.AnswerSeconds.Observe(elapsed.Seconds())
		switch {
		case err != nil:
			m.Metrics.AnswersTotal.WithLabelValues("not_found").Inc()
		case len(res.Errors) > 0:
			m.Metrics.AnswersTotal.WithLabelValues("rejected").Inc()
		default:
			m.Metrics.AnswersTotal.WithLabelValues("accepted").Inc()
			for _, ev := range res.Evaluations {
				if ev.Triggered {
					m.Metrics.RulesTriggered.Inc()
				}
			}
		}
	}
	if err != nil {
		return engine.Result{}, err
	}
	evtType := events.TypeAnswerAccepted
	payload := events.EventPayload{"partial": partial}
	if len(res.Errors) > 0 {
		evtType = events.TypeAnswerRejected
		payload["errors"] = res.Errors
	} else {
		payload["value"] = value
		payload["triggered"] = triggeredIDs(res.Evaluations)
	}
	_ = m.Events.Append(ctx, evtType, s.TemplateID, s.ID, questionID, payload)
	return res, nil
}

// Reset reinitializes a session to its construction-time state.
func (m *Manager) Reset(ctx context.Context, sessionID string) (Info, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	s.eng.Reset()
	s.mu.Unlock()
	_ = m.Events.Append(ctx, events.TypeSessionReset, s.TemplateID, s.ID, "", nil)
	return m.info(s), nil
}

// AddGroupInstance grows a repeatable group within its bounds.
func (m *Manager) AddGroupInstance(ctx context.Context, sessionID, groupID string) (domain.WizardState, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return domain.WizardState{}, err
	}
	s.mu.Lock()
	state, err := s.eng.AddGroupInstance(groupID)
	s.mu.Unlock()
	if err != nil {
		return domain.WizardState{}, err
	}
	_ = m.Events.Append(ctx, events.TypeGroupAdded, s.TemplateID, s.ID, "", events.EventPayload{"group_id": groupID})
	return state, nil
}

// RemoveGroupInstance shrinks a repeatable group within its bounds.
func (m *Manager) RemoveGroupInstance(ctx context.Context, sessionID, groupID string) (domain.WizardState, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return domain.WizardState{}, err
	}
	s.mu.Lock()
	state, err := s.eng.RemoveGroupInstance(groupID)
	s.mu.Unlock()
	if err != nil {
		return domain.WizardState{}, err
	}
	_ = m.Events.Append(ctx, events.TypeGroupRemoved, s.TemplateID, s.ID, "", events.EventPayload{"group_id": groupID})
	return state, nil
}

// GroupStatus reports a group's instance count and bounds.
func (m *Manager) GroupStatus(sessionID, groupID string) (domain.GroupStatus, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return domain.GroupStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eng.GroupStatus(groupID)
}

// NextQuestion returns the first visible unanswered question, if any.
func (m *Manager) NextQuestion(sessionID string) (domain.Question, bool, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return domain.Question{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.eng.NextQuestion()
	return q, ok, nil
}

// VisibleQuestions returns full definitions for every visible question.
func (m *Manager) VisibleQuestions(sessionID string) ([]domain.Question, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eng.VisibleQuestions(), nil
}

// EffectiveClauses returns clause ids selected by the session's answers,
// combining the engine's included set with the template's clause rules.
func (m *Manager) EffectiveClauses(sessionID string) ([]string, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return clause.Effective(s.eng.Template, s.eng.State()), nil
}

func (m *Manager) info(s *Session) Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:         s.ID,
		TemplateID: s.TemplateID,
		CreatedAt:  s.CreatedAt,
		State:      s.eng.State(),
	}
}

func triggeredIDs(evals []domain.RuleEvaluation) []string {
	var out []string
	for _, ev := range evals {
		if ev.Triggered {
			out = append(out, ev.RuleID)
		}
	}
	return out
}
