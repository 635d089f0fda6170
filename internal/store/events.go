// ABOUTME: Status event persistence for the SQLite store
// ABOUTME: Append-only rows keyed by event id and read newest-first per agent

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SaveStatusEvent appends an event row. The referenced job must already exist.
func (s *SQLiteStore) SaveStatusEvent(ctx context.Context, event *StatusEvent) error {
	var latency sql.NullInt64
	if event.LatencyMs != nil {
		latency = sql.NullInt64{Int64: *event.LatencyMs, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO status_events (event_id, job_id, agent_id, action, status, message, timestamp, latency_ms, proof_sha, policy_verdict)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.EventID,
		event.JobID,
		event.AgentID,
		event.Action,
		event.Status,
		event.Message,
		formatTime(event.Timestamp),
		latency,
		nullString(event.ProofSha),
		nullString(event.PolicyVerdict),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("saving status event for job %s: %w", event.JobID, err)
		}
		return fmt.Errorf("saving status event: %w", err)
	}
	return nil
}

// ListStatusEvents returns up to limit events for agentID, newest first.
// A limit <= 0 returns every event.
func (s *SQLiteStore) ListStatusEvents(ctx context.Context, agentID string, limit int) ([]*StatusEvent, error) {
	query := `
		SELECT event_id, job_id, agent_id, action, status, message, timestamp, latency_ms, proof_sha, policy_verdict
		FROM status_events
		WHERE agent_id = ?
		ORDER BY timestamp DESC, rowid DESC
	`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying status events: %w", err)
	}
	defer rows.Close()

	var events []*StatusEvent
	for rows.Next() {
		var (
			e                 StatusEvent
			ts                string
			latency           sql.NullInt64
			proofSha, verdict sql.NullString
		)
		if err := rows.Scan(&e.EventID, &e.JobID, &e.AgentID, &e.Action, &e.Status, &e.Message, &ts, &latency, &proofSha, &verdict); err != nil {
			return nil, fmt.Errorf("scanning status event: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		if latency.Valid {
			v := latency.Int64
			e.LatencyMs = &v
		}
		e.ProofSha = proofSha.String
		e.PolicyVerdict = verdict.String
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status events: %w", err)
	}
	return events, nil
}
