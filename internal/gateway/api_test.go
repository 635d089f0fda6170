// ABOUTME: Tests for the HTTP API handlers served by the gateway
// ABOUTME: Drives registration, job submission, status history and SSE streaming through httptest

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
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
	"github.com/2389/coven-dispatch/internal/job"
	"github.com/2389/coven-dispatch/internal/status"
	"github.com/2389/coven-dispatch/internal/store"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns an in-memory configuration with short job delays.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Database.Driver = config.DriverNone
	cfg.Jobs.Delays.Generate = 40 * time.Millisecond
	cfg.Jobs.Delays.Proof = 20 * time.Millisecond
	cfg.Jobs.Delays.Schedule = 5 * time.Millisecond
	return cfg
}

func newTestGateway(t *testing.T, configure ...func(*config.Config)) *Gateway {
	t.Helper()
	cfg := testConfig(t)
	for _, fn := range configure {
		fn(cfg)
	}
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })
	return gw
}

// do sends a request through the gateway's handler and returns the recorder.
func do(t *testing.T, gw *Gateway, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			r = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			r = bytes.NewReader(data)
		}
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, rec)["error"]
}

func register(t *testing.T, gw *Gateway, id string) {
	t.Helper()
	rec := do(t, gw, http.MethodPost, "/register", map[string]any{
		"manifest": map[string]any{"id": id, "capabilities": []string{"generate", "proof"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func submit(t *testing.T, gw *Gateway, req job.SubmitRequest) string {
	t.Helper()
	rec := do(t, gw, http.MethodPost, "/jobs", req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[SubmitResponse](t, rec)
	require.Equal(t, "queued", resp.Status)
	require.NotEmpty(t, resp.JobID)
	return resp.JobID
}

// waitForJob polls GET /jobs/{id} until the job is terminal.
func waitForJob(t *testing.T, gw *Gateway, id string) store.Job {
	t.Helper()
	var j store.Job
	require.Eventually(t, func() bool {
		rec := do(t, gw, http.MethodGet, "/jobs/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		j = decode[store.Job](t, rec)
		return j.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return j
}

func TestHealthz(t *testing.T) {
	gw := newTestGateway(t, func(c *config.Config) { c.Auth.Token = "s3cret" })

	rec := do(t, gw, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestMetrics(t *testing.T) {
	gw := newTestGateway(t)
	register(t, gw, "a1")
	register(t, gw, "a2")

	id := submit(t, gw, job.SubmitRequest{AgentID: "a1", Kind: job.KindSchedule})
	waitForJob(t, gw, id)
	id = submit(t, gw, job.SubmitRequest{AgentID: "a1", Kind: job.KindSchedule, Payload: map[string]any{"fail": true}})
	waitForJob(t, gw, id)

	rec := do(t, gw, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode[MetricsResponse](t, rec)
	assert.Equal(t, 2, m.Agents)
	assert.Equal(t, job.Counts{Total: 2, Complete: 1, Failed: 1}, m.Jobs)
}

func TestRegister(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodPost, "/register", map[string]any{"manifest": map[string]any{"id": "a1"}})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[RegisterResponse](t, rec)
	assert.True(t, resp.OK)
	assert.Equal(t, "a1", resp.AgentID)

	// re-registering the same id is an upsert
	rec = do(t, gw, http.MethodPost, "/register", map[string]any{"manifest": map[string]any{"id": "a1"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, gw.agents.Count())
}

func TestRegister_Invalid(t *testing.T) {
	gw := newTestGateway(t)

	tests := []struct {
		name    string
		body    any
		wantMsg string
	}{
		{"missing manifest", map[string]any{}, "manifest.id is required"},
		{"empty id", map[string]any{"manifest": map[string]any{"id": ""}}, "manifest.id is required"},
		{"invalid json", "{not json", "invalid JSON body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, gw, http.MethodPost, "/register", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantMsg, errorMessage(t, rec))
		})
	}
	assert.Equal(t, 0, gw.agents.Count())
}

func TestAgentLifecycle(t *testing.T) {
	gw := newTestGateway(t)
	register(t, gw, "a1")

	for path, want := range map[string]store.AgentStatus{
		"/start":     store.AgentStatusRunning,
		"/stop":      store.AgentStatusStopped,
		"/heartbeat": store.AgentStatusRunning,
	} {
		rec := do(t, gw, http.MethodPost, path, AgentRequest{AgentID: "a1"})
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.True(t, decode[OKResponse](t, rec).OK)

		a, err := gw.agents.Get("a1")
		require.NoError(t, err)
		assert.Equal(t, want, a.Status, path)
	}
}

func TestAgentLifecycle_Errors(t *testing.T) {
	gw := newTestGateway(t)

	for _, path := range []string{"/start", "/stop", "/heartbeat"} {
		rec := do(t, gw, http.MethodPost, path, AgentRequest{AgentID: "ghost"})
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Contains(t, errorMessage(t, rec), "ghost")

		rec = do(t, gw, http.MethodPost, path, AgentRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Equal(t, "agentId is required", errorMessage(t, rec))
	}
}

func TestListAgents(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"agents":[]}`, rec.Body.String())

	rec = do(t, gw, http.MethodPost, "/register", map[string]any{
		"manifest": map[string]any{"id": "a1", "capabilities": []string{"proof"}, "secret": "hidden"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, gw, http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hidden")

	resp := decode[AgentsResponse](t, rec)
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, "a1", resp.Agents[0].ID)
	assert.Equal(t, store.AgentStatusRegistered, resp.Agents[0].Status)
	assert.Equal(t, []string{"proof"}, resp.Agents[0].Capabilities)
	assert.False(t, resp.Agents[0].LastHeartbeat.IsZero())
}

func TestSubmitJob_ProofCompletes(t *testing.T) {
	gw := newTestGateway(t)
	register(t, gw, "a1")

	id := submit(t, gw, job.SubmitRequest{AgentID: "a1", Kind: job.KindProof})

	j := waitForJob(t, gw, id)
	assert.Equal(t, store.JobStatusComplete, j.Status)
	sig, _ := j.Result["signature"].(string)
	assert.True(t, strings.HasPrefix(sig, "sig-"), "signature %q", sig)
	assert.Equal(t, "PASS", j.Result["policyVerdict"])
	assert.Empty(t, j.Error)
}

func TestSubmitJob_FailRequested(t *testing.T) {
	gw := newTestGateway(t)
	register(t, gw, "a1")

	id := submit(t, gw, job.SubmitRequest{AgentID: "a1", Kind: job.KindGenerate, Payload: map[string]any{"fail": true}})

	j := waitForJob(t, gw, id)
	assert.Equal(t, store.JobStatusFailed, j.Status)
	assert.Equal(t, "Job failed by request", j.Error)
	assert.Nil(t, j.Result)
}

func TestSubmitJob_Rejected(t *testing.T) {
	gw := newTestGateway(t)
	register(t, gw, "a1")

	tests := []struct {
		name     string
		req      job.SubmitRequest
		wantCode int
	}{
		{"unknown agent", job.SubmitRequest{AgentID: "ghost", Kind: job.KindProof}, http.StatusNotFound},
		{"missing kind", job.SubmitRequest{AgentID: "a1"}, http.StatusBadRequest},
		{"missing agent", job.SubmitRequest{Kind: job.KindProof}, http.StatusBadRequest},
		{"unknown kind", job.SubmitRequest{AgentID: "a1", Kind: "teleport"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, gw, http.MethodPost, "/jobs", tt.req)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.NotEmpty(t, errorMessage(t, rec))
		})
	}

	assert.Equal(t, 0, gw.records.CountByStatus().Total)
	assert.Empty(t, gw.bus.History("ghost"))
}

func TestSubmitJob_ConcurrentSameAgent(t *testing.T) {
	gw := newTestGateway(t, func(c *config.Config) {
		c.Jobs.Delays.Generate = 150 * time.Millisecond
		c.Jobs.Delays.Schedule = 5 * time.Millisecond
	})
	register(t, gw, "a1")

	slow := submit(t, gw, job.SubmitRequest{AgentID: "a1", Kind: job.KindGenerate})
	fast := submit(t, gw, job.SubmitRequest{AgentID: "a1", Kind: job.KindSchedule})
	assert.NotEqual(t, slow, fast)

	slowJob := waitForJob(t, gw, slow)
	fastJob := waitForJob(t, gw, fast)
	assert.Equal(t, store.JobStatusComplete, slowJob.Status)
	assert.Equal(t, store.JobStatusComplete, fastJob.Status)
	assert.True(t, fastJob.UpdatedAt.Before(slowJob.UpdatedAt), "schedule should finish before generate")

	require.Eventually(t, func() bool {
		return len(gw.bus.History("a1")) == 6
	}, time.Second, 5*time.Millisecond)

	// each job's own events arrive queued, running, completed
	perJob := map[string][]string{}
	for _, ev := range gw.bus.History("a1") {
		perJob[ev.ID] = append([]string{ev.Status}, perJob[ev.ID]...)
	}
	want := []string{status.StatusQueued, status.StatusRunning, status.StatusCompleted}
	assert.Equal(t, want, perJob[slow])
	assert.Equal(t, want, perJob[fast])
}

func TestSubmitJob_IdempotencyKey(t *testing.T) {
	gw := newTestGateway(t)
	register(t, gw, "a1")
	req := job.SubmitRequest{AgentID: "a1", Kind: job.KindSchedule}

	first := do(t, gw, http.MethodPost, "/jobs", req, IdempotencyHeader, "k1")
	require.Equal(t, http.StatusAccepted, first.Code)
	firstID := decode[SubmitResponse](t, first).JobID

	waitForJob(t, gw, firstID)

	again := do(t, gw, http.MethodPost, "/jobs", req, IdempotencyHeader, "k1")
	require.Equal(t, http.StatusOK, again.Code)
	resp := decode[SubmitResponse](t, again)
	assert.Equal(t, firstID, resp.JobID)
	assert.Equal(t, status.StatusCompleted, resp.Status)
	assert.Equal(t, 1, gw.records.CountByStatus().Total)

	// a failed submit releases the key
	bad := do(t, gw, http.MethodPost, "/jobs", job.SubmitRequest{AgentID: "ghost", Kind: job.KindProof}, IdempotencyHeader, "k2")
	assert.Equal(t, http.StatusNotFound, bad.Code)
	ok := do(t, gw, http.MethodPost, "/jobs", req, IdempotencyHeader, "k2")
	assert.Equal(t, http.StatusAccepted, ok.Code)
}

func TestSubmitJob_IdempotencyReplaySkipsBody(t *testing.T) {
	gw := newTestGateway(t)
	register(t, gw, "a1")

	first := do(t, gw, http.MethodPost, "/jobs", job.SubmitRequest{AgentID: "a1", Kind: job.KindProof}, IdempotencyHeader, "k1")
	require.Equal(t, http.StatusAccepted, first.Code)
	firstID := decode[SubmitResponse](t, first).JobID

	again := do(t, gw, http.MethodPost, "/jobs", "{not json", IdempotencyHeader, "k1")
	require.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, firstID, decode[SubmitResponse](t, again).JobID)
	assert.Equal(t, 1, gw.records.CountByStatus().Total)

	// without a settled key the body is still validated
	rec := do(t, gw, http.MethodPost, "/jobs", "{not json", IdempotencyHeader, "k2")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJob_IdempotencyKeyInProgress(t *testing.T) {
	gw := newTestGateway(t)
	register(t, gw, "a1")

	_, claimed := gw.idempotency.Claim("busy")
	require.True(t, claimed)

	rec := do(t, gw, http.MethodPost, "/jobs", job.SubmitRequest{AgentID: "a1", Kind: job.KindProof}, IdempotencyHeader, "busy")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 0, gw.records.CountByStatus().Total)
}

func TestGetJob_NotFound(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodGet, "/jobs/job-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "job not found", errorMessage(t, rec))
}

func TestListJobs(t *testing.T) {
	gw := newTestGateway(t)
	register(t, gw, "a1")

	ok := submit(t, gw, job.SubmitRequest{AgentID: "a1", Kind: job.KindSchedule})
	bad := submit(t, gw, job.SubmitRequest{AgentID: "a1", Kind: job.KindSchedule, Payload: map[string]any{"fail": "yes"}})
	waitForJob(t, gw, ok)
	waitForJob(t, gw, bad)

	all := decode[JobsResponse](t, do(t, gw, http.MethodGet, "/jobs", nil))
	require.Len(t, all.Jobs, 2)
	assert.Equal(t, ok, all.Jobs[0].ID)

	for _, q := range []string{"complete", "completed"} {
		rec := do(t, gw, http.MethodGet, "/jobs?status="+q, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		done := decode[JobsResponse](t, rec)
		require.Len(t, done.Jobs, 1, q)
		assert.Equal(t, ok, done.Jobs[0].ID)
	}

	rec := do(t, gw, http.MethodGet, "/jobs?status=running", nil)
	assert.JSONEq(t, `{"jobs":[]}`, rec.Body.String())

	rec = do(t, gw, http.MethodGet, "/jobs?status=paused", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatus(t *testing.T) {
	gw := newTestGateway(t)
	register(t, gw, "a1")

	rec := do(t, gw, http.MethodGet, "/status?id=a1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"statuses":[]}`, rec.Body.String())

	id := submit(t, gw, job.SubmitRequest{AgentID: "a1", Kind: job.KindProof})
	waitForJob(t, gw, id)

	require.Eventually(t, func() bool {
		return len(gw.bus.History("a1")) == 3
	}, time.Second, 5*time.Millisecond)

	resp := decode[StatusResponse](t, do(t, gw, http.MethodGet, "/status?id=a1", nil))
	require.Len(t, resp.Statuses, 3)
	assert.Equal(t, status.StatusCompleted, resp.Statuses[0].Status)
	assert.Equal(t, status.StatusRunning, resp.Statuses[1].Status)
	assert.Equal(t, status.StatusQueued, resp.Statuses[2].Status)
	assert.NotEmpty(t, resp.Statuses[0].ProofSha)
	assert.Equal(t, "PASS", resp.Statuses[0].PolicyVerdict)
}

func TestStatus_Capped(t *testing.T) {
	gw := newTestGateway(t, func(c *config.Config) { c.Jobs.HistorySize = 4 })
	register(t, gw, "a1")

	for i := 0; i < 3; i++ {
		waitForJob(t, gw, submit(t, gw, job.SubmitRequest{AgentID: "a1", Kind: job.KindSchedule}))
	}

	resp := decode[StatusResponse](t, do(t, gw, http.MethodGet, "/status?id=a1", nil))
	require.Len(t, resp.Statuses, 4)
	for i := 1; i < len(resp.Statuses); i++ {
		assert.False(t, resp.Statuses[i].Timestamp.After(resp.Statuses[i-1].Timestamp), "not newest first at %d", i)
	}
}

func TestStatus_MissingID(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "id is required", errorMessage(t, rec))
}

func TestAuth(t *testing.T) {
	gw := newTestGateway(t, func(c *config.Config) { c.Auth.Token = "s3cret" })
	body := map[string]any{"manifest": map[string]any{"id": "a1"}}

	tests := []struct {
		name     string
		headers  []string
		wantCode int
	}{
		{"no credential", nil, http.StatusUnauthorized},
		{"wrong bearer", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
		{"custom header", []string{"X-Agent-Token", "s3cret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, gw, http.MethodPost, "/register", body, tt.headers...)
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusUnauthorized {
				assert.NotEmpty(t, errorMessage(t, rec))
			}
		})
	}

	// metrics stays open
	assert.Equal(t, http.StatusOK, do(t, gw, http.MethodGet, "/metrics", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, gw, http.MethodGet, "/agents", nil).Code)
}

// sseReader reads comment and data frames from an event stream.
type sseReader struct {
	r *bufio.Reader
}

// next returns the next frame with its trailing blank line removed.
func (s *sseReader) next(t *testing.T) string {
	t.Helper()
	var lines []string
	for {
		line, err := s.r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" {
			if len(lines) > 0 {
				return strings.Join(lines, "\n")
			}
			continue
		}
		lines = append(lines, line)
	}
}

func openStream(t *testing.T, srv *httptest.Server, query string) (*sseReader, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream"+query, nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	stop := func() {
		cancel()
		resp.Body.Close()
	}
	return &sseReader{r: bufio.NewReader(resp.Body)}, stop
}

func TestStream_FiltersByAgent(t *testing.T) {
	gw := newTestGateway(t)
	register(t, gw, "a1")
	register(t, gw, "a2")
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	stream, stop := openStream(t, srv, "?id=a1")
	defer stop()
	require.Equal(t, ": connected", stream.next(t))

	other := submit(t, gw, job.SubmitRequest{AgentID: "a2", Kind: job.KindSchedule})
	waitForJob(t, gw, other)
	mine := submit(t, gw, job.SubmitRequest{AgentID: "a1", Kind: job.KindProof})

	var got []string
	for len(got) < 3 {
		frame := stream.next(t)
		if strings.HasPrefix(frame, ":") {
			continue
		}
		require.True(t, strings.HasPrefix(frame, "data: "), frame)
		var ev status.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &ev))
		assert.Equal(t, "a1", ev.AgentID)
		assert.Equal(t, mine, ev.ID)
		got = append(got, ev.Status)
	}
	assert.Equal(t, []string{status.StatusQueued, status.StatusRunning, status.StatusCompleted}, got)
}

func TestStream_SeedsLatestEvent(t *testing.T) {
	gw := newTestGateway(t)
	register(t, gw, "a1")
	id := submit(t, gw, job.SubmitRequest{AgentID: "a1", Kind: job.KindSchedule})
	waitForJob(t, gw, id)
	require.Eventually(t, func() bool {
		ev, ok := gw.bus.Latest("a1")
		return ok && ev.Status == status.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()
	stream, stop := openStream(t, srv, "?id=a1")
	defer stop()

	require.Equal(t, ": connected", stream.next(t))
	frame := stream.next(t)
	var ev status.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &ev))
	assert.Equal(t, id, ev.ID)
	assert.Equal(t, status.StatusCompleted, ev.Status)
}

func TestStream_PingsWhileIdle(t *testing.T) {
	gw := newTestGateway(t, func(c *config.Config) { c.Stream.PingInterval = 20 * time.Millisecond })
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	stream, stop := openStream(t, srv, "?id=nobody")
	defer stop()

	assert.Equal(t, ": connected", stream.next(t))
	assert.Equal(t, ": ping", stream.next(t))
	assert.Equal(t, ": ping", stream.next(t))
}

func TestStream_UnsubscribesOnDisconnect(t *testing.T) {
	gw := newTestGateway(t)
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	stream, stop := openStream(t, srv, "")
	require.Equal(t, ": connected", stream.next(t))
	assert.Equal(t, 1, gw.bus.SubscriberCount())

	stop()
	assert.Eventually(t, func() bool {
		return gw.bus.SubscriberCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
}
