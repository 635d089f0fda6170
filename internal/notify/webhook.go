// ABOUTME: Downstream notification sink for status events
// ABOUTME: WebhookSink posts {room, ...event} to a configured URL without retries

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2389/coven-dispatch/internal/status"
)

const (
	// DefaultRoom is the room field sent when none is configured.
	DefaultRoom = "agent-status"

	defaultTimeout = 5 * time.Second
)

// Sink receives a copy of every status event.
type Sink interface {
	Notify(ctx context.Context, ev status.Event) error
}

// NopSink discards events. It is used when no webhook is configured.
type NopSink struct{}

func (NopSink) Notify(context.Context, status.Event) error { return nil }

// WebhookSink posts events to an HTTP endpoint.
type WebhookSink struct {
	url     string
	room    string
	timeout time.Duration
	client  *http.Client
}

// NewWebhookSink creates a sink for url. Zero room and timeout take defaults.
func NewWebhookSink(url, room string, timeout time.Duration) *WebhookSink {
	if room == "" {
		room = DefaultRoom
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &WebhookSink{
		url:     url,
		room:    room,
		timeout: timeout,
		client:  &http.Client{},
	}
}

// payload flattens the event next to the room field.
type payload struct {
	Room string `json:"room"`
	status.Event
}

// Notify posts one event. Any non-2xx response is an error.
func (s *WebhookSink) Notify(ctx context.Context, ev status.Event) error {
	body, err := json.Marshal(payload{Room: s.room, Event: ev})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook rejected: HTTP %d", resp.StatusCode)
	}
	return nil
}
