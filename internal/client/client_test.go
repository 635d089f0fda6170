// ABOUTME: Tests for the HTTP client against a live gateway handler
// ABOUTME: Covers the request shapes, API error mapping and SSE frame parsing

package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/gateway"
	"github.com/2389/coven-dispatch/internal/job"
	"github.com/2389/coven-dispatch/internal/status"
	"github.com/2389/coven-dispatch/internal/store"
)

func newServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Driver = config.DriverNone
	cfg.Auth.Token = token
	cfg.Jobs.Delays.Generate = 10 * time.Millisecond
	cfg.Jobs.Delays.Proof = 10 * time.Millisecond
	cfg.Jobs.Delays.Schedule = 10 * time.Millisecond

	gw, err := gateway.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Close()
	})
	return srv
}

func waitTerminal(t *testing.T, c *Client, id string) *store.Job {
	t.Helper()
	var j *store.Job
	require.Eventually(t, func() bool {
		var err error
		j, err = c.GetJob(context.Background(), id)
		return err == nil && j.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return j
}

func TestClientRoundTrip(t *testing.T) {
	srv := newServer(t, "tok")
	c := New(srv.URL, "tok")
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	id, err := c.Register(ctx, map[string]any{"id": "a1", "capabilities": []string{"proof"}})
	require.NoError(t, err)
	assert.Equal(t, "a1", id)
	require.NoError(t, c.Start(ctx, "a1"))
	require.NoError(t, c.Heartbeat(ctx, "a1"))

	agents, err := c.Agents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, store.AgentStatusRunning, agents[0].Status)

	res, err := c.SubmitJob(ctx, job.SubmitRequest{AgentID: "a1", Kind: job.KindProof}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "queued", res.Status)

	j := waitTerminal(t, c, res.JobID)
	assert.Equal(t, store.JobStatusComplete, j.Status)
	assert.True(t, strings.HasPrefix(j.Result["signature"].(string), "sig-"))

	again, err := c.SubmitJob(ctx, job.SubmitRequest{AgentID: "a1", Kind: job.KindProof}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, res.JobID, again.JobID)

	jobs, err := c.Jobs(ctx, "complete")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.Eventually(t, func() bool {
		evs, err := c.Status(ctx, "a1")
		return err == nil && len(evs) == 3 && evs[0].Status == status.StatusCompleted
	}, time.Second, 10*time.Millisecond)

	m, err := c.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Agents)
	assert.Equal(t, 1, m.Jobs.Complete)

	require.NoError(t, c.Stop(ctx, "a1"))
}

func TestClientErrors(t *testing.T) {
	srv := newServer(t, "tok")
	ctx := context.Background()

	_, err := New(srv.URL, "wrong").Agents(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	c := New(srv.URL, "tok")
	_, err = c.GetJob(ctx, "job-missing")
	assert.True(t, IsNotFound(err), "err = %v", err)

	_, err = c.SubmitJob(ctx, job.SubmitRequest{AgentID: "ghost", Kind: job.KindProof}, "")
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "ghost")

	_, err = c.Register(ctx, map[string]any{})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "manifest.id is required", apiErr.Message)
}

func TestClientStream(t *testing.T) {
	srv := newServer(t, "")
	c := New(srv.URL, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Register(ctx, map[string]any{"id": "a1"})
	require.NoError(t, err)

	var got []string
	done := errors.New("done")
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- c.Stream(ctx, "a1", func(ev status.Event) error {
			got = append(got, ev.Status)
			if ev.Status == status.StatusFailed {
				return done
			}
			return nil
		})
	}()

	// give the stream time to subscribe before the first event
	time.Sleep(50 * time.Millisecond)
	_, err = c.SubmitJob(ctx, job.SubmitRequest{AgentID: "a1", Kind: job.KindGenerate, Payload: map[string]any{"fail": true}}, "")
	require.NoError(t, err)

	select {
	case err := <-streamErr:
		assert.ErrorIs(t, err, done)
	case <-ctx.Done():
		t.Fatal("stream did not deliver the terminal event")
	}
	assert.Equal(t, []string{status.StatusQueued, status.StatusRunning, status.StatusFailed}, got)
}

func TestClientStream_StopsOnCancel(t *testing.T) {
	srv := newServer(t, "")
	c := New(srv.URL, "")
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Stream(ctx, "", func(status.Event) error { return nil })
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}

func TestReadEvents(t *testing.T) {
	body := strings.Join([]string{
		": connected",
		"",
		`data: {"id":"job-1","agentId":"a1","status":"running"}`,
		"",
		": ping",
		"",
		`data: {"id":"job-1","agentId":"a1","status":"completed"}`,
		"",
	}, "\n")

	var ids []string
	err := readEvents(strings.NewReader(body), func(ev status.Event) error {
		ids = append(ids, ev.ID+":"+ev.Status)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1:running", "job-1:completed"}, ids)

	err = readEvents(strings.NewReader("data: {oops\n\n"), func(status.Event) error { return nil })
	assert.Error(t, err)
}

func TestNewAddsScheme(t *testing.T) {
	c := New("localhost:8080/", "")
	assert.Equal(t, "http://localhost:8080", c.baseURL)

	c = New("https://dispatch.example.ts.net", "")
	assert.Equal(t, "https://dispatch.example.ts.net", c.baseURL)
}
