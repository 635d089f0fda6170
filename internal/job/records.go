// ABOUTME: In-memory job record store with best-effort durable write-through
// ABOUTME: Enforces the monotonic queued -> running -> complete|failed state machine

package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-dispatch/internal/errdefs"
	"github.com/2389/coven-dispatch/internal/store"
)

var (
	// ErrJobNotFound indicates the job id is unknown.
	ErrJobNotFound = errdefs.NotFound("job", "")

	// ErrJobExists indicates Create was called with an id already in use.
	ErrJobExists = errors.New("job already exists")

	// ErrTerminal indicates an update to a job that already completed or failed.
	ErrTerminal = errors.New("job is in a terminal state")

	// ErrStatusRegression indicates an update that would move a job backwards.
	ErrStatusRegression = errors.New("job status cannot move backwards")

	// ErrStatusConflict indicates the job was not in the expected status.
	ErrStatusConflict = errors.New("job status changed concurrently")
)

// Patch describes an update. Zero fields are left unchanged.
type Patch struct {
	// Expect, when set, makes the update conditional on the current status.
	Expect store.JobStatus
	Status store.JobStatus
	Result map[string]any
	Error  string
}

// Counts is the per-status job tally served by /metrics.
type Counts struct {
	Total    int `json:"total"`
	Queued   int `json:"queued"`
	Running  int `json:"running"`
	Complete int `json:"complete"`
	Failed   int `json:"failed"`
}

// PersistFunc observes the outcome of each durable write-through.
type PersistFunc func(job *store.Job, err error)

// RecordStore owns the canonical state of every job for the life of the process.
type RecordStore struct {
	mu      sync.RWMutex
	jobs    map[string]*store.Job
	order   []string // ids in creation order
	durable store.Store
	onSave  PersistFunc
	now     func() time.Time
	logger  *slog.Logger

	persistMu sync.Mutex
	saved     map[string]time.Time // job id -> UpdatedAt of the last snapshot written
}

// NewRecordStore creates a record store mirroring to durable. Pass nil for no mirror.
func NewRecordStore(durable store.Store, logger *slog.Logger) *RecordStore {
	if durable == nil {
		durable = store.NopStore{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordStore{
		jobs:    make(map[string]*store.Job),
		saved:   make(map[string]time.Time),
		durable: durable,
		now:     time.Now,
		logger:  logger.With("component", "job_records"),
	}
}

// OnPersist registers fn to observe write-through outcomes.
func (r *RecordStore) OnPersist(fn PersistFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSave = fn
}

// Create records a new job. CreatedAt and UpdatedAt are stamped when zero.
func (r *RecordStore) Create(ctx context.Context, job *store.Job) (*store.Job, error) {
	r.mu.Lock()
	if _, exists := r.jobs[job.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}

	j := job.Clone()
	now := r.now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	if j.Status == "" {
		j.Status = store.JobStatusQueued
	}
	r.jobs[j.ID] = j
	r.order = append(r.order, j.ID)
	snapshot := j.Clone()
	onSave := r.onSave
	r.mu.Unlock()

	r.persist(ctx, snapshot, onSave)
	return snapshot.Clone(), nil
}

// Get returns a copy of the job.
func (r *RecordStore) Get(id string) (*store.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

// Update merges patch into the job and stamps UpdatedAt. Status changes must
// move forward along the state machine; a terminal job accepts no updates.
func (r *RecordStore) Update(ctx context.Context, id string, patch Patch) (*store.Job, error) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrJobNotFound
	}
	if patch.Expect != "" && j.Status != patch.Expect {
		cur := j.Status
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrStatusConflict, id, cur, patch.Expect)
	}
	if j.Status.IsTerminal() {
		cur := j.Status
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, cur)
	}
	if patch.Status != "" {
		if patch.Status.Rank() < 0 {
			r.mu.Unlock()
			return nil, errdefs.Validationf("status", "unknown job status: %s", patch.Status)
		}
		if patch.Status.Rank() < j.Status.Rank() {
			cur := j.Status
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s -> %s", ErrStatusRegression, cur, patch.Status)
		}
		j.Status = patch.Status
	}
	if patch.Result != nil {
		j.Result = patch.Result
	}
	if patch.Error != "" {
		j.Error = patch.Error
	}

	now := r.now().UTC()
	if !now.After(j.UpdatedAt) {
		// keep updatedAt strictly increasing across transitions
		now = j.UpdatedAt.Add(time.Microsecond)
	}
	j.UpdatedAt = now

	snapshot := j.Clone()
	onSave := r.onSave
	r.mu.Unlock()

	r.persist(ctx, snapshot, onSave)
	return snapshot.Clone(), nil
}

// persist mirrors a snapshot to the durable store. Failures are logged and
// reported, never returned: in-memory state stays authoritative. A snapshot
// older than one already written for the same job is skipped.
func (r *RecordStore) persist(ctx context.Context, job *store.Job, onSave PersistFunc) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	if last, ok := r.saved[job.ID]; ok && !job.UpdatedAt.After(last) {
		return
	}
	err := r.durable.SaveJob(ctx, job)
	if err == nil {
		r.saved[job.ID] = job.UpdatedAt
	}
	if err != nil {
		r.logger.Warn("job write-through failed",
			"job_id", job.ID,
			"status", job.Status,
			"error", err)
	}
	if onSave != nil {
		onSave(job, err)
	}
}

// ListByStatus returns jobs with the given status in creation order.
// An empty status returns every job.
func (r *RecordStore) ListByStatus(status store.JobStatus) []*store.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*store.Job
	for _, id := range r.order {
		j := r.jobs[id]
		if status == "" || j.Status == status {
			out = append(out, j.Clone())
		}
	}
	return out
}

// CountByStatus tallies jobs by status.
func (r *RecordStore) CountByStatus() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var c Counts
	for _, j := range r.jobs {
		c.Total++
		switch j.Status {
		case store.JobStatusQueued:
			c.Queued++
		case store.JobStatusRunning:
			c.Running++
		case store.JobStatusComplete:
			c.Complete++
		case store.JobStatusFailed:
			c.Failed++
		}
	}
	return c
}

// Restore loads jobs from the durable store that are not already in memory
// and returns the loaded records in creation order.
func (r *RecordStore) Restore(ctx context.Context) ([]*store.Job, error) {
	jobs, err := r.durable.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing persisted jobs: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var restored []*store.Job
	for _, j := range jobs {
		if _, exists := r.jobs[j.ID]; exists {
			continue
		}
		r.jobs[j.ID] = j.Clone()
		r.order = append(r.order, j.ID)
		restored = append(restored, j.Clone())
	}
	if len(restored) > 0 {
		r.logger.Info("restored jobs from store", "count", len(restored))
	}
	return restored, nil
}
