// ABOUTME: HTTP API handlers for agent lifecycle, job submission and status streaming
// ABOUTME: Maps typed errors to JSON error bodies and serves status events over SSE

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/auth"
	"github.com/2389/coven-dispatch/internal/errdefs"
	"github.com/2389/coven-dispatch/internal/job"
	"github.com/2389/coven-dispatch/internal/status"
	"github.com/2389/coven-dispatch/internal/store"
)

const maxBodyBytes = 1 << 20

// IdempotencyHeader lets a client retry POST /jobs without creating a second job.
const IdempotencyHeader = "Idempotency-Key"

// RegisterRequest is the JSON request body for POST /register.
type RegisterRequest struct {
	Manifest agent.Manifest `json:"manifest"`
}

// RegisterResponse is the JSON response for POST /register.
type RegisterResponse struct {
	OK      bool   `json:"ok"`
	AgentID string `json:"agentId"`
}

// AgentRequest is the JSON request body for /start, /stop and /heartbeat.
type AgentRequest struct {
	AgentID string `json:"agentId"`
}

// OKResponse acknowledges a lifecycle call.
type OKResponse struct {
	OK bool `json:"ok"`
}

// SubmitResponse is the JSON response for POST /jobs.
type SubmitResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// MetricsResponse is the JSON response for GET /metrics.
type MetricsResponse struct {
	Agents int        `json:"agents"`
	Jobs   job.Counts `json:"jobs"`
}

// AgentsResponse is the JSON response for GET /agents.
type AgentsResponse struct {
	Agents []agent.Info `json:"agents"`
}

// JobsResponse is the JSON response for GET /jobs.
type JobsResponse struct {
	Jobs []*store.Job `json:"jobs"`
}

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Statuses []status.Event `json:"statuses"`
}

// Handler returns the HTTP routes. Everything except /healthz and /metrics
// requires the shared secret when one is configured.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	protected := auth.HTTPAuthMiddleware(g.secret, g.config.Auth.Header)
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, protected(h))
	}

	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.HandleFunc("GET /metrics", g.handleMetrics)

	handle("POST /register", g.handleRegister)
	handle("POST /start", g.handleAgentLifecycle(g.agents.Start))
	handle("POST /stop", g.handleAgentLifecycle(g.agents.Stop))
	handle("POST /heartbeat", g.handleAgentLifecycle(g.agents.Heartbeat))
	handle("GET /agents", g.handleListAgents)

	handle("POST /jobs", g.handleSubmitJob)
	handle("GET /jobs", g.handleListJobs)
	handle("GET /jobs/{id}", g.handleGetJob)

	handle("GET /status", g.handleStatus)
	handle("GET /stream", g.handleStream)
	return mux
}

// handleHealth returns 200 OK while the process is serving.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics reports the agent count and job counts by status.
func (g *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, MetricsResponse{
		Agents: g.agents.Count(),
		Jobs:   g.records.CountByStatus(),
	})
}

// handleRegister handles POST /register.
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	agentID, err := g.agents.Register(r.Context(), req.Manifest)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, RegisterResponse{OK: true, AgentID: agentID})
}

// handleAgentLifecycle adapts a registry status call to POST {agentId}.
func (g *Gateway) handleAgentLifecycle(apply func(ctx context.Context, agentID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AgentRequest
		if !g.decodeBody(w, r, &req) {
			return
		}
		if req.AgentID == "" {
			g.writeError(w, errdefs.Validation("agentId"))
			return
		}
		if err := apply(r.Context(), req.AgentID); err != nil {
			g.writeError(w, err)
			return
		}
		g.writeJSON(w, http.StatusOK, OKResponse{OK: true})
	}
}

// handleListAgents handles GET /agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := g.agents.List()
	if agents == nil {
		agents = []agent.Info{}
	}
	g.writeJSON(w, http.StatusOK, AgentsResponse{Agents: agents})
}

// handleSubmitJob handles POST /jobs. A repeated Idempotency-Key returns the
// job created by the first request without reading the body; 409 while that
// request is still running.
func (g *Gateway) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(IdempotencyHeader)
	if key != "" {
		if jobID, ok := g.idempotency.Lookup(key); ok && jobID != "" {
			g.replaySubmit(w, jobID)
			return
		}
	}

	var req job.SubmitRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	if key != "" {
		jobID, claimed := g.idempotency.Claim(key)
		if !claimed {
			g.replaySubmit(w, jobID)
			return
		}
	}

	j, err := g.executor.Submit(r.Context(), req)
	if err != nil {
		if key != "" {
			g.idempotency.Forget(key)
		}
		g.writeError(w, err)
		return
	}
	if key != "" {
		g.idempotency.Remember(key, j.ID)
	}
	g.writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: j.ID, Status: status.WireStatus(j.Status)})
}

func (g *Gateway) replaySubmit(w http.ResponseWriter, jobID string) {
	if jobID == "" {
		g.sendJSONError(w, http.StatusConflict, "a request with this "+IdempotencyHeader+" is in progress")
		return
	}
	j, err := g.records.Get(jobID)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, SubmitResponse{JobID: j.ID, Status: status.WireStatus(j.Status)})
}

// handleListJobs handles GET /jobs?status=X.
func (g *Gateway) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobStatus(r.URL.Query().Get("status"))
	if filter == status.StatusCompleted {
		filter = store.JobStatusComplete
	}
	if filter != "" && filter.Rank() < 0 {
		g.writeError(w, errdefs.Validationf("status", "unknown job status: %s", filter))
		return
	}
	jobs := g.records.ListByStatus(filter)
	if jobs == nil {
		jobs = []*store.Job{}
	}
	g.writeJSON(w, http.StatusOK, JobsResponse{Jobs: jobs})
}

// handleGetJob handles GET /jobs/{id}.
func (g *Gateway) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := g.records.Get(r.PathValue("id"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, j)
}

// handleStatus handles GET /status?id=X, newest first. The durable store is
// consulted only when the in-memory history for the agent is empty.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("id")
	if agentID == "" {
		g.writeError(w, errdefs.Validation("id"))
		return
	}
	limit := g.config.Jobs.HistorySize

	events := g.bus.History(agentID)
	if len(events) == 0 && !store.IsNop(g.store) {
		records, err := g.store.ListStatusEvents(r.Context(), agentID, limit)
		if err != nil {
			g.logger.Warn("status history fallback failed", "agent_id", agentID, "error", err)
		}
		for _, rec := range records {
			events = append(events, status.FromRecord(rec))
		}
	}
	if len(events) > limit {
		events = events[:limit]
	}
	if events == nil {
		events = []status.Event{}
	}
	g.writeJSON(w, http.StatusOK, StatusResponse{Statuses: events})
}

// handleStream handles GET /stream?id=X. Without an id every agent's events
// are streamed. The subscription ends with the request.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	agentID := r.URL.Query().Get("id")
	ctx := r.Context()
	events, subID := g.bus.Subscribe(ctx, agentID)
	defer g.bus.Unsubscribe(agentID, subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ping := time.NewTicker(g.config.Stream.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.streams.Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				g.logger.Error("failed to marshal status event", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// decodeBody parses a JSON request body, writing a 400 on failure.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeError maps the error taxonomy to a status code.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	switch {
	case errdefs.IsValidation(err):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errdefs.IsNotFound(err):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case errdefs.IsUnauthorized(err):
		g.sendJSONError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, job.ErrExecutorClosed):
		g.sendJSONError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, code int, message string) {
	g.writeJSON(w, code, map[string]string{"error": message})
}
