// ABOUTME: HTTP client for the coven-dispatch API used by the CLI
// ABOUTME: Wraps registration, job submission, status lookup and the SSE stream

package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/job"
	"github.com/2389/coven-dispatch/internal/status"
	"github.com/2389/coven-dispatch/internal/store"
)

const maxEventBytes = 1 << 20

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Metrics mirrors GET /metrics.
type Metrics struct {
	Agents int        `json:"agents"`
	Jobs   job.Counts `json:"jobs"`
}

// SubmitResult mirrors the POST /jobs response.
type SubmitResult struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// Client talks to one coven-dispatch server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for baseURL. An empty token sends no credential.
// A baseURL without a scheme is treated as http.
func New(baseURL, token string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    http.DefaultClient,
	}
}

// WithHTTPClient replaces the underlying http.Client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends req and decodes a JSON response into out when out is non-nil.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Message = body.Error
	}
	return apiErr
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// Health checks GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.call(ctx, http.MethodGet, "/healthz", nil, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("unhealthy: status %q", resp.Status)
	}
	return nil
}

// Metrics fetches agent and job counts.
func (c *Client) Metrics(ctx context.Context) (*Metrics, error) {
	var m Metrics
	if err := c.call(ctx, http.MethodGet, "/metrics", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Agents lists registered agents.
func (c *Client) Agents(ctx context.Context) ([]agent.Info, error) {
	var resp struct {
		Agents []agent.Info `json:"agents"`
	}
	if err := c.call(ctx, http.MethodGet, "/agents", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// Register registers manifest and returns the agent id.
func (c *Client) Register(ctx context.Context, manifest map[string]any) (string, error) {
	var resp struct {
		AgentID string `json:"agentId"`
	}
	body := map[string]any{"manifest": manifest}
	if err := c.call(ctx, http.MethodPost, "/register", body, &resp); err != nil {
		return "", err
	}
	return resp.AgentID, nil
}

// Start marks an agent running.
func (c *Client) Start(ctx context.Context, agentID string) error {
	return c.call(ctx, http.MethodPost, "/start", map[string]string{"agentId": agentID}, nil)
}

// Stop marks an agent stopped.
func (c *Client) Stop(ctx context.Context, agentID string) error {
	return c.call(ctx, http.MethodPost, "/stop", map[string]string{"agentId": agentID}, nil)
}

// Heartbeat refreshes an agent's liveness.
func (c *Client) Heartbeat(ctx context.Context, agentID string) error {
	return c.call(ctx, http.MethodPost, "/heartbeat", map[string]string{"agentId": agentID}, nil)
}

// SubmitJob submits a job. A non-empty idempotencyKey makes retries return the same job.
func (c *Client) SubmitJob(ctx context.Context, sub job.SubmitRequest, idempotencyKey string) (*SubmitResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/jobs", sub)
	if err != nil {
		return nil, err
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	var res SubmitResult
	if err := c.do(req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetJob fetches a job record.
func (c *Client) GetJob(ctx context.Context, jobID string) (*store.Job, error) {
	var j store.Job
	if err := c.call(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Jobs lists jobs, optionally filtered by status.
func (c *Client) Jobs(ctx context.Context, jobStatus string) ([]*store.Job, error) {
	path := "/jobs"
	if jobStatus != "" {
		path += "?status=" + url.QueryEscape(jobStatus)
	}
	var resp struct {
		Jobs []*store.Job `json:"jobs"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Status returns recent status events for an agent, newest first.
func (c *Client) Status(ctx context.Context, agentID string) ([]status.Event, error) {
	var resp struct {
		Statuses []status.Event `json:"statuses"`
	}
	if err := c.call(ctx, http.MethodGet, "/status?id="+url.QueryEscape(agentID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Statuses, nil
}

// Stream follows GET /stream and calls fn for each status event until ctx
// is done, the server ends the stream, or fn returns an error. An empty
// agentID streams every agent. Comment frames are skipped.
func (c *Client) Stream(ctx context.Context, agentID string, fn func(status.Event) error) error {
	path := "/stream"
	if agentID != "" {
		path += "?id=" + url.QueryEscape(agentID)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}

	err = readEvents(resp.Body, fn)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readEvents parses data frames from an event stream.
func readEvents(body io.Reader, fn func(status.Event) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if len(dataLines) > 0 {
				var ev status.Event
				if err := json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &ev); err != nil {
					return fmt.Errorf("parsing event: %w", err)
				}
				if err := fn(ev); err != nil {
					return err
				}
			}
			dataLines = nil
			continue
		}

		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return scanner.Err()
}
