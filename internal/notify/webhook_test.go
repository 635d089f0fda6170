// ABOUTME: Tests for the webhook sink
// ABOUTME: Uses httptest servers to check body shape, errors and timeouts

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/2389/coven-dispatch/internal/status"
)

func TestWebhookSink_PostsRoomAndEvent(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "", 0)
	err := sink.Notify(context.Background(), status.Event{
		ID: "job-1", AgentID: "a1", Action: "proof", Status: "completed", Message: "Job completed",
		Timestamp: time.Now(), PolicyVerdict: "PASS",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if got["room"] != DefaultRoom {
		t.Errorf("room = %v, want %s", got["room"], DefaultRoom)
	}
	if got["id"] != "job-1" || got["agentId"] != "a1" || got["status"] != "completed" {
		t.Errorf("event fields not flattened: %v", got)
	}
	if got["policyVerdict"] != "PASS" {
		t.Errorf("policyVerdict = %v", got["policyVerdict"])
	}
}

func TestWebhookSink_CustomRoom(t *testing.T) {
	var room atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		room.Store(body["room"])
	}))
	defer srv.Close()

	if err := NewWebhookSink(srv.URL, "ops", 0).Notify(context.Background(), status.Event{ID: "job-1"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if room.Load() != "ops" {
		t.Errorf("room = %v, want ops", room.Load())
	}
}

func TestWebhookSink_Non2xxIsError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL, "", 0).Notify(context.Background(), status.Event{ID: "job-1"})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly 1 attempt (no retries), got %d", calls.Load())
	}
}

func TestWebhookSink_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	err := NewWebhookSink(srv.URL, "", 50*time.Millisecond).Notify(context.Background(), status.Event{ID: "job-1"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout not honoured, took %v", time.Since(start))
	}
}

func TestNopSink(t *testing.T) {
	if err := (NopSink{}).Notify(context.Background(), status.Event{}); err != nil {
		t.Errorf("NopSink returned %v", err)
	}
}
