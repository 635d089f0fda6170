// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent and job persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so lexical order in TEXT columns matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// each connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			capabilities TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			manifest TEXT NOT NULL DEFAULT '{}',
			last_heartbeat TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			action TEXT,
			payload TEXT,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_agent_id
			ON jobs(agent_id);

		CREATE INDEX IF NOT EXISTS idx_jobs_status
			ON jobs(status);

		CREATE TABLE IF NOT EXISTS status_events (
			event_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			latency_ms INTEGER,
			proof_sha TEXT,
			policy_verdict TEXT,
			FOREIGN KEY (job_id) REFERENCES jobs(id)
		);

		CREATE INDEX IF NOT EXISTS idx_status_events_agent_ts
			ON status_events(agent_id, timestamp DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies additive column changes to databases created by older builds.
func (s *SQLiteStore) runMigrations() error {
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info('jobs') WHERE name = 'action'`).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.Exec(`ALTER TABLE jobs ADD COLUMN action TEXT`); err != nil {
			return fmt.Errorf("adding jobs.action column: %w", err)
		}
		s.logger.Info("migrated jobs table", "column", "action")
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking jobs.action column: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and health checks.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// SaveAgent inserts or replaces an agent row keyed by its id.
func (s *SQLiteStore) SaveAgent(ctx context.Context, agent *Agent) error {
	caps, err := json.Marshal(nonNilStrings(agent.Capabilities))
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	manifest, err := encodeMap(agent.Manifest)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	query := `
		INSERT INTO agents (id, capabilities, status, manifest, last_heartbeat, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			capabilities = excluded.capabilities,
			status = excluded.status,
			manifest = excluded.manifest,
			last_heartbeat = excluded.last_heartbeat
	`
	_, err = s.db.ExecContext(ctx, query,
		agent.ID,
		string(caps),
		string(agent.Status),
		orEmptyObject(manifest),
		formatTime(agent.LastHeartbeat),
		formatTime(agent.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving agent: %w", err)
	}
	return nil
}

// ListAgents returns all agents ordered by id.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, capabilities, status, manifest, last_heartbeat, created_at
		FROM agents
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var (
			a                    Agent
			caps, status         string
			manifest             sql.NullString
			heartbeat, createdAt string
		)
		if err := rows.Scan(&a.ID, &caps, &status, &manifest, &heartbeat, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		a.Status = AgentStatus(status)
		if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("decoding capabilities for %s: %w", a.ID, err)
		}
		if a.Manifest, err = decodeMap(manifest); err != nil {
			return nil, fmt.Errorf("decoding manifest for %s: %w", a.ID, err)
		}
		if a.LastHeartbeat, err = parseTime(heartbeat); err != nil {
			return nil, fmt.Errorf("parsing last_heartbeat: %w", err)
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		agents = append(agents, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

// SaveJob upserts a job keyed by its id. created_at is never overwritten.
func (s *SQLiteStore) SaveJob(ctx context.Context, job *Job) error {
	payload, err := encodeMap(job.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	result, err := encodeMap(job.Result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	query := `
		INSERT INTO jobs (id, kind, agent_id, action, payload, status, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			agent_id = excluded.agent_id,
			action = excluded.action,
			payload = excluded.payload,
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.Kind,
		job.AgentID,
		nullString(job.Action),
		nullString(payload),
		string(job.Status),
		nullString(result),
		nullString(job.Error),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving job: %w", err)
	}
	return nil
}

const jobColumns = `id, kind, agent_id, action, payload, status, result, error, created_at, updated_at`

// GetJob retrieves a job by id.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying job: %w", err)
	}
	return job, nil
}

// ListJobs returns all jobs, oldest first.
func (s *SQLiteStore) ListJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating jobs: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                       Job
		status                  string
		action, payload, result sql.NullString
		errText                 sql.NullString
		createdAt, updatedAt    string
	)
	if err := row.Scan(&j.ID, &j.Kind, &j.AgentID, &action, &payload, &status, &result, &errText, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	j.Action = action.String
	j.Error = errText.String

	var err error
	if j.Payload, err = decodeMap(payload); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if j.Result, err = decodeMap(result); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &j, nil
}

// isConstraintViolation checks if the error is a constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "FOREIGN KEY constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err == nil {
		return t, nil
	}
	// rows written by hand or by older builds use plain RFC3339
	return time.Parse(time.RFC3339Nano, s)
}

// nullString converts an empty string to sql.NullString
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func orEmptyObject(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
