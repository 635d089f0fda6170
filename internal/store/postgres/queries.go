package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/2389/coven-dispatch/internal/store"
)

// jobColumns is the column list used for SELECT statements on the jobs table.
const jobColumns = `id, kind, agent_id, action, payload, status, result, error, created_at, updated_at`

const statusEventColumns = `event_id, job_id, agent_id, action, status, message, timestamp,
	latency_ms, proof_sha, policy_verdict`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryUpsertAgent(ctx context.Context, db executor, a *store.Agent) error {
	caps := a.Capabilities
	if caps == nil {
		caps = []string{}
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	manifest, err := jsonbMap(a.Manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if manifest == nil {
		manifest = []byte(`{}`)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO agents (id, capabilities, status, manifest, last_heartbeat, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			capabilities = EXCLUDED.capabilities,
			status = EXCLUDED.status,
			manifest = EXCLUDED.manifest,
			last_heartbeat = EXCLUDED.last_heartbeat`,
		a.ID,
		capsJSON,
		string(a.Status),
		manifest,
		a.LastHeartbeat.UTC(),
		a.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func queryListAgents(ctx context.Context, db executor) ([]*store.Agent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, capabilities, status, manifest, last_heartbeat, created_at
		FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*store.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func queryUpsertJob(ctx context.Context, db executor, j *store.Job) error {
	payload, err := jsonbMap(j.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	result, err := jsonbMap(j.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			agent_id = EXCLUDED.agent_id,
			action = EXCLUDED.action,
			payload = EXCLUDED.payload,
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`,
		j.ID,
		j.Kind,
		j.AgentID,
		nullString(j.Action),
		payload,
		string(j.Status),
		result,
		nullString(j.Error),
		j.CreatedAt.UTC(),
		j.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// queryGetJob returns sql.ErrNoRows unwrapped when the job does not exist.
func queryGetJob(ctx context.Context, db executor, id string) (*store.Job, error) {
	row := db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func queryListJobs(ctx context.Context, db executor) ([]*store.Job, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*store.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func queryInsertStatusEvent(ctx context.Context, db executor, e *store.StatusEvent) error {
	var latency sql.NullInt64
	if e.LatencyMs != nil {
		latency = sql.NullInt64{Int64: *e.LatencyMs, Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO status_events (`+statusEventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.EventID,
		e.JobID,
		e.AgentID,
		e.Action,
		e.Status,
		e.Message,
		e.Timestamp.UTC(),
		latency,
		nullString(e.ProofSha),
		nullString(e.PolicyVerdict),
	)
	if err != nil {
		return fmt.Errorf("insert status event: %w", err)
	}
	return nil
}

func queryListStatusEvents(ctx context.Context, db executor, agentID string, limit int) ([]*store.StatusEvent, error) {
	query := `SELECT ` + statusEventColumns + ` FROM status_events
		WHERE agent_id = $1
		ORDER BY timestamp DESC, seq DESC`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list status events: %w", err)
	}
	defer rows.Close()

	var events []*store.StatusEvent
	for rows.Next() {
		e, err := scanStatusEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan status event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
