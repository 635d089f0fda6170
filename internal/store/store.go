// ABOUTME: Store interface and data types for coven-dispatch persistence
// ABOUTME: Defines Agent, Job and StatusEvent records and the durable Store contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// AgentStatus is the liveness state of a registered agent
type AgentStatus string

const (
	AgentStatusRegistered AgentStatus = "registered"
	AgentStatusRunning    AgentStatus = "running"
	AgentStatusStopped    AgentStatus = "stopped"
	AgentStatusError      AgentStatus = "error"
)

// JobStatus is the state of a job in its state machine
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusFailed   JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

// Rank orders statuses along the state machine. Unknown statuses rank -1.
func (s JobStatus) Rank() int {
	switch s {
	case JobStatusQueued:
		return 0
	case JobStatusRunning:
		return 1
	case JobStatusComplete, JobStatusFailed:
		return 2
	default:
		return -1
	}
}

// Agent is a registered worker identified by its manifest id
type Agent struct {
	ID            string
	Capabilities  []string
	Status        AgentStatus
	Manifest      map[string]any // full manifest as submitted; never exposed by List
	LastHeartbeat time.Time
	CreatedAt     time.Time
}

// Job is a unit of work routed to one agent
type Job struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	AgentID   string         `json:"agentId"`
	Action    string         `json:"action,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Status    JobStatus      `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Clone returns a deep-enough copy of j: maps are copied one level down.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = cloneMap(j.Payload)
	c.Result = cloneMap(j.Result)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StatusEvent is a persisted copy of a job transition.
// EventID is generated per row; JobID references jobs.id.
type StatusEvent struct {
	EventID       string
	JobID         string
	AgentID       string
	Action        string
	Status        string // wire status: queued, running, completed, failed
	Message       string
	Timestamp     time.Time
	LatencyMs     *int64
	ProofSha      string
	PolicyVerdict string
}

// Store defines the interface for durable agent, job and status event persistence.
// Every implementation is optional from the orchestrator's point of view: the
// in-memory registries stay authoritative and write-through failures are logged.
type Store interface {
	// Agents
	SaveAgent(ctx context.Context, agent *Agent) error
	ListAgents(ctx context.Context) ([]*Agent, error)

	// Jobs
	SaveJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)

	// Status events
	SaveStatusEvent(ctx context.Context, event *StatusEvent) error
	// ListStatusEvents returns the newest events for an agent first.
	ListStatusEvents(ctx context.Context, agentID string, limit int) ([]*StatusEvent, error)

	// Close releases any resources held by the store
	Close() error
}

// NopStore is the Store used when no database is configured.
// Writes succeed and reads return nothing.
type NopStore struct{}

var _ Store = NopStore{}

func (NopStore) SaveAgent(context.Context, *Agent) error              { return nil }
func (NopStore) ListAgents(context.Context) ([]*Agent, error)         { return nil, nil }
func (NopStore) SaveJob(context.Context, *Job) error                  { return nil }
func (NopStore) GetJob(context.Context, string) (*Job, error)         { return nil, ErrNotFound }
func (NopStore) ListJobs(context.Context) ([]*Job, error)             { return nil, nil }
func (NopStore) SaveStatusEvent(context.Context, *StatusEvent) error { return nil }
func (NopStore) ListStatusEvents(context.Context, string, int) ([]*StatusEvent, error) {
	return nil, nil
}
func (NopStore) Close() error { return nil }

// IsNop reports whether s is the no-op store.
func IsNop(s Store) bool {
	_, ok := s.(NopStore)
	return ok
}
