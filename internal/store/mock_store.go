// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject write failures

package store

import (
	"context"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	jobs   map[string]*Job
	events []*StatusEvent
	fail   map[string]error // keyed by method name
	calls  map[string]int
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents: make(map[string]*Agent),
		jobs:   make(map[string]*Job),
		fail:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

// FailWith makes every later call to method return err. A nil err clears it.
func (m *MockStore) FailWith(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, method)
		return
	}
	m.fail[method] = err
}

// Calls returns how many times method has been invoked.
func (m *MockStore) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

// record must be called with mu held for writing.
func (m *MockStore) record(method string) error {
	m.calls[method]++
	return m.fail[method]
}

// SaveAgent stores a copy of the agent.
func (m *MockStore) SaveAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("SaveAgent"); err != nil {
		return err
	}

	a := *agent
	a.Capabilities = append([]string(nil), agent.Capabilities...)
	if prev, ok := m.agents[a.ID]; ok {
		a.CreatedAt = prev.CreatedAt
	}
	m.agents[a.ID] = &a
	return nil
}

// ListAgents returns copies of all agents ordered by id.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("ListAgents"); err != nil {
		return nil, err
	}

	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		c := *a
		agents = append(agents, &c)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

// SaveJob upserts a copy of the job.
func (m *MockStore) SaveJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("SaveJob"); err != nil {
		return err
	}

	c := job.Clone()
	if prev, ok := m.jobs[c.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	}
	m.jobs[c.ID] = c
	return nil
}

// GetJob retrieves a job by ID.
func (m *MockStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetJob"); err != nil {
		return nil, err
	}

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

// ListJobs returns copies of all jobs, oldest first.
func (m *MockStore) ListJobs(ctx context.Context) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("ListJobs"); err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j.Clone())
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
	return jobs, nil
}

// SaveStatusEvent appends a copy of the event. Like the SQL stores, the job must exist.
func (m *MockStore) SaveStatusEvent(ctx context.Context, event *StatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("SaveStatusEvent"); err != nil {
		return err
	}
	if _, ok := m.jobs[event.JobID]; !ok {
		return ErrNotFound
	}

	e := *event
	m.events = append(m.events, &e)
	return nil
}

// ListStatusEvents returns up to limit events for agentID, newest first.
func (m *MockStore) ListStatusEvents(ctx context.Context, agentID string, limit int) ([]*StatusEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("ListStatusEvents"); err != nil {
		return nil, err
	}

	var out []*StatusEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].AgentID != agentID {
			continue
		}
		e := *m.events[i]
		out = append(out, &e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
