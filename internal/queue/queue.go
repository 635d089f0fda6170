// ABOUTME: Queue interface, wire message format and the job dispatcher
// ABOUTME: Messages carry enough of a job to reconstruct it on another process

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-dispatch/internal/store"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue is closed")

// Delivery is one received message. ID is the backend's handle for Delete.
type Delivery struct {
	ID   string
	Body []byte
}

// Queue is a work queue with at-least-once delivery.
type Queue interface {
	// Send enqueues body. key identifies the job; backends that support
	// deduplication use it to drop repeated sends.
	Send(ctx context.Context, key string, body []byte) error
	// Receive returns up to max deliveries, waiting at most wait for the first.
	// An empty slice with a nil error means nothing was available.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error)
	// Delete acknowledges a delivery so it is not redelivered.
	Delete(ctx context.Context, id string) error
	Close() error
}

// Message is the wire form of a queued job.
type Message struct {
	JobID     string         `json:"jobId"`
	Kind      string         `json:"kind"`
	AgentID   string         `json:"agentId"`
	Action    string         `json:"action,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Encode serializes a job for the queue.
func Encode(job *store.Job) ([]byte, error) {
	data, err := json.Marshal(Message{
		JobID:     job.ID,
		Kind:      job.Kind,
		AgentID:   job.AgentID,
		Action:    job.Action,
		Payload:   job.Payload,
		CreatedAt: job.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding job %s: %w", job.ID, err)
	}
	return data, nil
}

// Decode parses a message body into a queued job.
func Decode(body []byte) (*store.Job, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	switch {
	case m.JobID == "":
		return nil, errors.New("message missing jobId")
	case m.Kind == "":
		return nil, errors.New("message missing kind")
	case m.AgentID == "":
		return nil, errors.New("message missing agentId")
	}
	return &store.Job{
		ID:        m.JobID,
		Kind:      m.Kind,
		AgentID:   m.AgentID,
		Action:    m.Action,
		Payload:   m.Payload,
		Status:    store.JobStatusQueued,
		CreatedAt: m.CreatedAt,
	}, nil
}

// Dispatcher sends submitted jobs to a Queue.
type Dispatcher struct {
	queue Queue
}

// NewDispatcher creates a dispatcher for q.
func NewDispatcher(q Queue) *Dispatcher {
	return &Dispatcher{queue: q}
}

// Dispatch encodes job and sends it.
func (d *Dispatcher) Dispatch(ctx context.Context, job *store.Job) error {
	body, err := Encode(job)
	if err != nil {
		return err
	}
	if err := d.queue.Send(ctx, job.ID, body); err != nil {
		return fmt.Errorf("sending job %s: %w", job.ID, err)
	}
	return nil
}
