package repo_test

import (
	"context"
	"testing"

	"lexflow/internal/db"
	"lexflow/internal/domain"
	"lexflow/internal/events"
	"lexflow/internal/migrate"
	"lexflow/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, events.Writer) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, events.Writer{DB: conn}
}

func TestTemplateRoundTrip(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	tpl := &domain.Template{
		ID:               "nda-short",
		Name:             "Short NDA",
		Category:         "confidentiality",
		InitialQuestions: []string{"party_name"},
		Questions: []domain.Question{
			{ID: "party_name", Text: "Disclosing party", Type: domain.TypeText, IsRequired: true},
		},
	}
	if err := r.UpsertTemplate(ctx, tpl, "2026-01-02T15:04:05Z"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := r.GetTemplate(ctx, "nda-short")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Short NDA" || len(got.Questions) != 1 {
		t.Fatalf("unexpected template: %+v", got)
	}

	tpl.Name = "Short NDA v2"
	if err := r.UpsertTemplate(ctx, tpl, "2026-01-03T00:00:00Z"); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	recs, err := r.ListTemplates(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("upsert created a second row: %d records", len(recs))
	}
	if recs[0].Name != "Short NDA v2" {
		t.Fatalf("name not updated: %q", recs[0].Name)
	}
	if recs[0].CreatedAt != "2026-01-02T15:04:05Z" {
		t.Fatalf("created_at changed on upsert: %q", recs[0].CreatedAt)
	}
}

func TestGetTemplateNotFound(t *testing.T) {
	r, _ := newTestRepo(t)
	if _, err := r.GetTemplate(context.Background(), "missing"); err != repo.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteTemplate(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	tpl := &domain.Template{ID: "tmp", Name: "Temp"}
	if err := r.UpsertTemplate(ctx, tpl, "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := r.DeleteTemplate(ctx, "tmp"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.DeleteTemplate(ctx, "tmp"); err != repo.ErrNotFound {
		t.Fatalf("second delete: err = %v, want ErrNotFound", err)
	}
}

func TestLatestEventsFiltersAndPaging(t *testing.T) {
	r, w := newTestRepo(t)
	ctx := context.Background()
	appendEvent := func(evtType, sessionID, questionID string) {
		t.Helper()
		if err := w.Append(ctx, evtType, "nda-short", sessionID, questionID, nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	appendEvent(events.TypeSessionStarted, "s1", "")
	appendEvent(events.TypeAnswerAccepted, "s1", "party_name")
	appendEvent(events.TypeAnswerRejected, "s1", "party_name")
	appendEvent(events.TypeSessionStarted, "s2", "")
	appendEvent(events.TypeAnswerAccepted, "s2", "party_name")

	all, err := r.LatestEvents(ctx, repo.EventFilters{})
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d events, want 5", len(all))
	}
	if all[0].ID < all[1].ID {
		t.Fatal("events not newest-first")
	}

	bySession, err := r.LatestEvents(ctx, repo.EventFilters{SessionID: "s1"})
	if err != nil {
		t.Fatalf("latest by session: %v", err)
	}
	if len(bySession) != 3 {
		t.Fatalf("session filter: got %d, want 3", len(bySession))
	}

	byType, err := r.LatestEvents(ctx, repo.EventFilters{Type: events.TypeAnswerAccepted})
	if err != nil {
		t.Fatalf("latest by type: %v", err)
	}
	if len(byType) != 2 {
		t.Fatalf("type filter: got %d, want 2", len(byType))
	}

	// Keyset paging: page size 2, cursor is the last returned id.
	page1, err := r.LatestEvents(ctx, repo.EventFilters{Limit: 2})
	if err != nil {
		t.Fatalf("page1: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("page1: got %d, want 2", len(page1))
	}
	page2, err := r.LatestEvents(ctx, repo.EventFilters{Limit: 2, Cursor: page1[1].ID})
	if err != nil {
		t.Fatalf("page2: %v", err)
	}
	if len(page2) != 2 {
		t.Fatalf("page2: got %d, want 2", len(page2))
	}
	if page2[0].ID >= page1[1].ID {
		t.Fatalf("page2 overlaps page1: %d >= %d", page2[0].ID, page1[1].ID)
	}
}

func TestEventsAfterTailsAscending(t *testing.T) {
	r, w := newTestRepo(t)
	ctx := context.Background()
	if err := w.Append(ctx, events.TypeSessionStarted, "nda-short", "s1", "", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	head, err := r.LatestEventID(ctx)
	if err != nil {
		t.Fatalf("latest id: %v", err)
	}
	if head == 0 {
		t.Fatal("latest id is 0 after append")
	}

	if err := w.Append(ctx, events.TypeAnswerAccepted, "nda-short", "s1", "q1", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(ctx, events.TypeAnswerAccepted, "nda-short", "s2", "q1", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	tail, err := r.EventsAfter(ctx, 100, head, "")
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("got %d events after head, want 2", len(tail))
	}
	if tail[0].ID > tail[1].ID {
		t.Fatal("tail not ascending")
	}

	onlyS1, err := r.EventsAfter(ctx, 100, head, "s1")
	if err != nil {
		t.Fatalf("after by session: %v", err)
	}
	if len(onlyS1) != 1 || onlyS1[0].SessionID != "s1" {
		t.Fatalf("session filter: %+v", onlyS1)
	}
}

func TestLatestEventIDEmptyLog(t *testing.T) {
	r, _ := newTestRepo(t)
	id, err := r.LatestEventID(context.Background())
	if err != nil {
		t.Fatalf("latest id: %v", err)
	}
	if id != 0 {
		t.Fatalf("id = %d, want 0 on empty log", id)
	}
}
