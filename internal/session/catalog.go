package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kandev/researchd/internal/db"
	"github.com/kandev/researchd/internal/db/dialect"
)

// Summary is the catalog row of a session.
type Summary struct {
	ID              string    `db:"id" json:"id"`
	Query           string    `db:"query" json:"query"`
	Status          string    `db:"status" json:"status"`
	Progress        int       `db:"progress" json:"progress"`
	AgentsTotal     int       `db:"agents_total" json:"agents_total"`
	AgentsCompleted int       `db:"agents_completed" json:"agents_completed"`
	FileCount       int       `db:"file_count" json:"file_count"`
	EventCount      int       `db:"event_count" json:"event_count"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
	DurationMs      float64   `db:"duration_ms" json:"duration_ms"`
}

// Run is one execution of the pipeline child process for a session.
type Run struct {
	ID         int64          `db:"id" json:"id"`
	SessionID  string         `db:"session_id" json:"session_id"`
	Command    string         `db:"command" json:"command"`
	Status     string         `db:"status" json:"status"`
	Error      sql.NullString `db:"error" json:"-"`
	StartedAt  time.Time      `db:"started_at" json:"started_at"`
	FinishedAt sql.NullTime   `db:"finished_at" json:"-"`
}

// ListFilter narrows a catalog listing.
type ListFilter struct {
	Status string
	Query  string // substring match on the research query
	Limit  int
}

// Catalog is a queryable SQL index of sessions. It is derived data: the
// event logs remain the source of truth and the catalog can be rebuilt from
// them at any time.
type Catalog struct {
	pool   *db.Pool
	driver string
}

// NewCatalog creates the catalog tables if needed.
func NewCatalog(ctx context.Context, pool *db.Pool) (*Catalog, error) {
	c := &Catalog{pool: pool, driver: pool.Driver()}
	if err := c.migrate(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS research_sessions (
			id TEXT PRIMARY KEY,
			query TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			agents_total INTEGER NOT NULL DEFAULT 0,
			agents_completed INTEGER NOT NULL DEFAULT 0,
			file_count INTEGER NOT NULL DEFAULT 0,
			event_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_research_sessions_status ON research_sessions (status)`,
		`CREATE TABLE IF NOT EXISTS research_runs (
			` + dialect.AutoIncrementPK(c.driver) + `,
			session_id TEXT NOT NULL,
			command TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_research_runs_session ON research_runs (session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := c.pool.Writer().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate catalog: %w", err)
		}
	}
	return nil
}

// Upsert writes the summary row of s.
func (c *Catalog) Upsert(ctx context.Context, s *Session) error {
	completed := 0
	for _, a := range s.Agents {
		if a.Status == AgentCompleted {
			completed++
		}
	}
	created, updated := s.CreatedAt.UTC(), s.UpdatedAt.UTC()
	if created.IsZero() {
		created = time.Now().UTC()
	}
	if updated.Before(created) {
		updated = created
	}

	w := c.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO research_sessions
			(id, query, status, progress, agents_total, agents_completed, file_count, event_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			query = excluded.query,
			status = excluded.status,
			progress = excluded.progress,
			agents_total = excluded.agents_total,
			agents_completed = excluded.agents_completed,
			file_count = excluded.file_count,
			event_count = excluded.event_count,
			updated_at = excluded.updated_at`),
		s.ID, s.Query, string(s.Status), s.Progress, len(s.Agents), completed,
		len(s.Files), s.EventCount, created, updated)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", s.ID, err)
	}
	return nil
}

func (c *Catalog) selectColumns() string {
	return `id, query, status, progress, agents_total, agents_completed, file_count, event_count,
		created_at, updated_at, ` + dialect.DurationMs(c.driver, "updated_at", "created_at") + ` AS duration_ms`
}

// Get returns the summary of one session.
func (c *Catalog) Get(ctx context.Context, id string) (*Summary, error) {
	r := c.pool.Reader()
	var s Summary
	err := r.GetContext(ctx, &s, r.Rebind(`SELECT `+c.selectColumns()+` FROM research_sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &s, nil
}

// List returns summaries matching filter, newest first.
func (c *Catalog) List(ctx context.Context, filter ListFilter) ([]Summary, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Query != "" {
		where = append(where, "query "+dialect.Like(c.driver)+" ?")
		args = append(args, "%"+filter.Query+"%")
	}

	q := `SELECT ` + c.selectColumns() + ` FROM research_sessions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	r := c.pool.Reader()
	out := []Summary{}
	if err := r.SelectContext(ctx, &out, r.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// StartRun records the launch of a pipeline process and returns its run id.
func (c *Catalog) StartRun(ctx context.Context, sessionID string, command []string) (int64, error) {
	id, err := dialect.InsertReturningID(ctx, c.pool.Writer(),
		`INSERT INTO research_runs (session_id, command, status, started_at) VALUES (?, ?, ?, ?)`,
		sessionID, strings.Join(command, " "), string(StatusRunning), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("start run for %s: %w", sessionID, err)
	}
	return id, nil
}

// FinishRun records the outcome of a run. runErr may be nil.
func (c *Catalog) FinishRun(ctx context.Context, runID int64, runErr error) error {
	status := string(StatusCompleted)
	var msg sql.NullString
	if runErr != nil {
		status = string(StatusFailed)
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	w := c.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(
		`UPDATE research_runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`),
		status, msg, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("finish run %d: %w", runID, err)
	}
	return nil
}

// Runs returns every run of a session, oldest first.
func (c *Catalog) Runs(ctx context.Context, sessionID string) ([]Run, error) {
	r := c.pool.Reader()
	out := []Run{}
	err := r.SelectContext(ctx, &out, r.Rebind(
		`SELECT id, session_id, command, status, error, started_at, finished_at
		 FROM research_runs WHERE session_id = ? ORDER BY id`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", sessionID, err)
	}
	return out, nil
}
