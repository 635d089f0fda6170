// ABOUTME: Agent registry: manifest upsert, start/stop/heartbeat and listing
// ABOUTME: In-memory map guarded by a mutex with best-effort durable mirroring

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-dispatch/internal/errdefs"
	"github.com/2389/coven-dispatch/internal/store"
)

// ErrAgentNotFound indicates the specified agent is not registered.
var ErrAgentNotFound = errdefs.NotFound("agent", "")

// Manifest is the agent description submitted at registration.
// Only "id" and "capabilities" are interpreted; the rest is kept as-is.
type Manifest map[string]any

// ID returns the manifest id, or "" when absent or not a string.
func (m Manifest) ID() string {
	id, _ := m["id"].(string)
	return id
}

// Capabilities returns the declared capability tags without duplicates.
func (m Manifest) Capabilities() []string {
	var raw []string
	switch v := m["capabilities"].(type) {
	case []string:
		raw = v
	case []any:
		for _, c := range v {
			if s, ok := c.(string); ok {
				raw = append(raw, s)
			}
		}
	}

	seen := make(map[string]bool, len(raw))
	caps := make([]string, 0, len(raw))
	for _, c := range raw {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		caps = append(caps, c)
	}
	return caps
}

// Info is the public projection of an agent.
type Info struct {
	ID            string            `json:"id"`
	Status        store.AgentStatus `json:"status"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	Capabilities  []string          `json:"capabilities"`
}

// Registry tracks registered agents.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*store.Agent
	version map[string]uint64 // bumped under mu on every change
	durable store.Store
	now     func() time.Time
	logger  *slog.Logger

	persistMu sync.Mutex
	saved     map[string]uint64 // agent id -> version last written
}

// NewRegistry creates a registry mirroring to durable. Pass nil for no mirror.
func NewRegistry(durable store.Store, logger *slog.Logger) *Registry {
	if durable == nil {
		durable = store.NopStore{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents:  make(map[string]*store.Agent),
		version: make(map[string]uint64),
		saved:   make(map[string]uint64),
		durable: durable,
		now:     time.Now,
		logger:  logger.With("component", "agent_registry"),
	}
}

// Register creates or overwrites the agent named by manifest.id and marks it
// registered. It returns the agent id.
func (r *Registry) Register(ctx context.Context, manifest Manifest) (string, error) {
	id := manifest.ID()
	if id == "" {
		return "", errdefs.Validationf("manifest.id", "manifest.id is required")
	}

	r.mu.Lock()
	now := r.now().UTC()
	a := &store.Agent{
		ID:            id,
		Capabilities:  manifest.Capabilities(),
		Status:        store.AgentStatusRegistered,
		Manifest:      copyManifest(manifest),
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	prev, existed := r.agents[id]
	if existed {
		a.CreatedAt = prev.CreatedAt
	}
	r.agents[id] = a
	snapshot, version := r.snapshotLocked(a)
	total := len(r.agents)
	r.mu.Unlock()

	r.logger.Info("agent registered",
		"agent_id", id,
		"capabilities", snapshot.Capabilities,
		"replaced", existed,
		"total_agents", total)
	r.persist(ctx, snapshot, version)
	return id, nil
}

// Start marks the agent running.
func (r *Registry) Start(ctx context.Context, agentID string) error {
	return r.setStatus(ctx, agentID, store.AgentStatusRunning, "agent started")
}

// Stop marks the agent stopped.
func (r *Registry) Stop(ctx context.Context, agentID string) error {
	return r.setStatus(ctx, agentID, store.AgentStatusStopped, "agent stopped")
}

// Heartbeat marks the agent running and refreshes lastHeartbeat.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	return r.setStatus(ctx, agentID, store.AgentStatusRunning, "")
}

func (r *Registry) setStatus(ctx context.Context, agentID string, status store.AgentStatus, logMsg string) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return notFound(agentID)
	}
	prev := a.Status
	a.Status = status
	a.LastHeartbeat = r.now().UTC()
	snapshot, version := r.snapshotLocked(a)
	r.mu.Unlock()

	if logMsg != "" {
		r.logger.Info(logMsg, "agent_id", agentID, "previous_status", prev)
	} else {
		r.logger.Debug("agent heartbeat", "agent_id", agentID)
	}
	r.persist(ctx, snapshot, version)
	return nil
}

// Get returns a copy of the agent.
func (r *Registry) Get(agentID string) (*store.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, notFound(agentID)
	}
	return cloneAgent(a), nil
}

// Exists reports whether agentID is registered.
func (r *Registry) Exists(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// List returns every agent ordered by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, Info{
			ID:            a.ID,
			Status:        a.Status,
			LastHeartbeat: a.LastHeartbeat,
			Capabilities:  append([]string{}, a.Capabilities...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Restore loads mirrored agents not already in memory.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	agents, err := r.durable.ListAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing persisted agents: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range agents {
		if _, ok := r.agents[a.ID]; ok {
			continue
		}
		r.agents[a.ID] = cloneAgent(a)
		n++
	}
	if n > 0 {
		r.logger.Info("restored agents from store", "count", n)
	}
	return n, nil
}

// markStale sets running agents last seen before cutoff to error and
// returns their ids.
func (r *Registry) markStale(ctx context.Context, cutoff time.Time) []string {
	type staleAgent struct {
		agent   *store.Agent
		version uint64
	}

	r.mu.Lock()
	var stale []staleAgent
	for _, a := range r.agents {
		if a.Status == store.AgentStatusRunning && a.LastHeartbeat.Before(cutoff) {
			a.Status = store.AgentStatusError
			snapshot, version := r.snapshotLocked(a)
			stale = append(stale, staleAgent{snapshot, version})
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, s := range stale {
		r.persist(ctx, s.agent, s.version)
		ids = append(ids, s.agent.ID)
	}
	sort.Strings(ids)
	return ids
}

// snapshotLocked copies a and bumps its version. Callers hold r.mu.
func (r *Registry) snapshotLocked(a *store.Agent) (*store.Agent, uint64) {
	r.version[a.ID]++
	return cloneAgent(a), r.version[a.ID]
}

// persist mirrors a snapshot. One older than the last written for the same
// agent is skipped so concurrent callers cannot leave a stale row behind.
func (r *Registry) persist(ctx context.Context, a *store.Agent, version uint64) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	if version <= r.saved[a.ID] {
		return
	}
	if err := r.durable.SaveAgent(ctx, a); err != nil {
		r.logger.Warn("agent write-through failed", "agent_id", a.ID, "error", err)
		return
	}
	r.saved[a.ID] = version
}

func notFound(agentID string) error {
	return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
}

func cloneAgent(a *store.Agent) *store.Agent {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	c.Manifest = copyManifest(a.Manifest)
	return &c
}

func copyManifest(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
