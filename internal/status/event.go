// ABOUTME: Status event shape derived from job transitions
// ABOUTME: Maps job status to wire status and extracts latency and proof annotations

package status

import (
	"time"

	"github.com/2389/coven-dispatch/internal/store"
)

// Wire statuses. A complete job is reported as "completed".
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Event is a time-stamped snapshot of one job transition. ID is the job id.
type Event struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agentId"`
	Action        string    `json:"action"`
	Status        string    `json:"status"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
	LatencyMs     *int64    `json:"latencyMs,omitempty"`
	ProofSha      string    `json:"proofSha,omitempty"`
	PolicyVerdict string    `json:"policyVerdict,omitempty"`
}

// WireStatus maps a job status to the status string carried on events.
func WireStatus(s store.JobStatus) string {
	if s == store.JobStatusComplete {
		return StatusCompleted
	}
	return string(s)
}

// FromJob derives the event for the job's current state.
func FromJob(job *store.Job) Event {
	ev := Event{
		ID:        job.ID,
		AgentID:   job.AgentID,
		Action:    job.Action,
		Status:    WireStatus(job.Status),
		Message:   messageFor(job),
		Timestamp: job.UpdatedAt,
	}
	if ev.Action == "" {
		ev.Action = job.Kind
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = job.CreatedAt
	}

	if !job.CreatedAt.IsZero() && !job.UpdatedAt.IsZero() {
		if ms := job.UpdatedAt.Sub(job.CreatedAt).Milliseconds(); ms > 0 {
			ev.LatencyMs = &ms
		}
	}

	if v, ok := job.Result["proofSha"].(string); ok {
		ev.ProofSha = v
	}
	if v, ok := job.Result["policyVerdict"].(string); ok {
		ev.PolicyVerdict = v
	}
	return ev
}

func messageFor(job *store.Job) string {
	switch job.Status {
	case store.JobStatusQueued:
		return "Job queued"
	case store.JobStatusRunning:
		return "Job running"
	case store.JobStatusComplete:
		return "Job completed"
	case store.JobStatusFailed:
		if job.Error != "" {
			return job.Error
		}
		return "Job failed"
	default:
		return "Job " + string(job.Status)
	}
}

// ToRecord converts an event to its persisted form under a new event id.
func (e Event) ToRecord(eventID string) *store.StatusEvent {
	return &store.StatusEvent{
		EventID:       eventID,
		JobID:         e.ID,
		AgentID:       e.AgentID,
		Action:        e.Action,
		Status:        e.Status,
		Message:       e.Message,
		Timestamp:     e.Timestamp,
		LatencyMs:     e.LatencyMs,
		ProofSha:      e.ProofSha,
		PolicyVerdict: e.PolicyVerdict,
	}
}

// FromRecord converts a persisted status event back to its wire form.
func FromRecord(r *store.StatusEvent) Event {
	return Event{
		ID:            r.JobID,
		AgentID:       r.AgentID,
		Action:        r.Action,
		Status:        r.Status,
		Message:       r.Message,
		Timestamp:     r.Timestamp,
		LatencyMs:     r.LatencyMs,
		ProofSha:      r.ProofSha,
		PolicyVerdict: r.PolicyVerdict,
	}
}
