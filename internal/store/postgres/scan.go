package postgres

import (
	"database/sql"
	"encoding/json"

	"github.com/2389/coven-dispatch/internal/store"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanAgent(row scannable) (*store.Agent, error) {
	var (
		a        store.Agent
		status   string
		caps     []byte
		manifest []byte
	)
	if err := row.Scan(&a.ID, &caps, &status, &manifest, &a.LastHeartbeat, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Status = store.AgentStatus(status)
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
			return nil, err
		}
	}
	m, err := decodeMap(manifest)
	if err != nil {
		return nil, err
	}
	a.Manifest = m
	return &a, nil
}

// scanJob scans a single row into a store.Job.
// The row must contain columns in the order defined by jobColumns.
func scanJob(row scannable) (*store.Job, error) {
	var (
		j       store.Job
		status  string
		action  sql.NullString
		payload []byte
		result  []byte
		errText sql.NullString
	)
	err := row.Scan(
		&j.ID,
		&j.Kind,
		&j.AgentID,
		&action,
		&payload,
		&status,
		&result,
		&errText,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Status = store.JobStatus(status)
	j.Action = action.String
	j.Error = errText.String
	if j.Payload, err = decodeMap(payload); err != nil {
		return nil, err
	}
	if j.Result, err = decodeMap(result); err != nil {
		return nil, err
	}
	return &j, nil
}

func scanStatusEvent(row scannable) (*store.StatusEvent, error) {
	var (
		e        store.StatusEvent
		latency  sql.NullInt64
		proofSha sql.NullString
		verdict  sql.NullString
	)
	err := row.Scan(
		&e.EventID,
		&e.JobID,
		&e.AgentID,
		&e.Action,
		&e.Status,
		&e.Message,
		&e.Timestamp,
		&latency,
		&proofSha,
		&verdict,
	)
	if err != nil {
		return nil, err
	}
	if latency.Valid {
		v := latency.Int64
		e.LatencyMs = &v
	}
	e.ProofSha = proofSha.String
	e.PolicyVerdict = verdict.String
	return &e, nil
}

// nullString converts a string to sql.NullString; empty string is null.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// jsonbMap encodes a map for a JSONB column; a nil map is stored as NULL.
func jsonbMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func decodeMap(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
