package app

import (
	"database/sql"
	"fmt"

	"lexflow/internal/config"
	"lexflow/internal/db"
	"lexflow/internal/enrich"
	"lexflow/internal/events"
	"lexflow/internal/metrics"
	"lexflow/internal/migrate"
	"lexflow/internal/repo"
	"lexflow/internal/session"
)

// Runtime bundles everything a command needs against one workspace: the
// migrated database, the stores, live sessions, and the workspace config.
type Runtime struct {
	Conn     *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Sessions *session.Manager
	Metrics  *metrics.Metrics
	Enrich   *enrich.Client
	Cfg      *config.Config
}

// Open prepares the workspace and wires the runtime. Config is optional;
// defaults apply when lexflow.yml is absent.
func Open(workspace string) (*Runtime, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	mets := metrics.New()
	w := events.Writer{DB: conn}
	ec := enrich.NewClient(cfg.Enrichment.BaseURL)
	if cfg.Enrichment.CacheTTL > 0 {
		ec.CacheTTL = cfg.Enrichment.CacheTTL
	}
	ec.Metrics = mets
	return &Runtime{
		Conn:     conn,
		Repo:     r,
		Events:   w,
		Sessions: session.NewManager(r, w, mets),
		Metrics:  mets,
		Enrich:   ec,
		Cfg:      cfg,
	}, nil
}

// Close releases the runtime's database handle.
func (rt *Runtime) Close() error {
	return rt.Conn.Close()
}
