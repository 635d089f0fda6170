// ABOUTME: Job executor driving the state machine and its ordered side effects
// ABOUTME: Runs jobs in-process on a bounded pool or hands them to a queue dispatcher

package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/2389/coven-dispatch/internal/errdefs"
	"github.com/2389/coven-dispatch/internal/idgen"
	"github.com/2389/coven-dispatch/internal/notify"
	"github.com/2389/coven-dispatch/internal/status"
	"github.com/2389/coven-dispatch/internal/store"
)

var (
	// ErrJobInProgress is returned when a delivered job is already running here.
	ErrJobInProgress = errors.New("job is already running")

	// ErrExecutorClosed is returned by Submit after Close.
	ErrExecutorClosed = errors.New("executor is closed")

	// ErrJobInterrupted is returned by RunDelivered when its context ends
	// mid-run. The job stays running and resumes on redelivery.
	ErrJobInterrupted = errors.New("delivered job interrupted")
)

const (
	// InterruptedByRestart is recorded on jobs found running at startup.
	InterruptedByRestart = "interrupted by restart"

	// InterruptedByShutdown is recorded on jobs cancelled by Close.
	InterruptedByShutdown = "interrupted by shutdown"

	// TimedOut is recorded on jobs whose handler exceeded Options.Timeout.
	TimedOut = "job timed out"

	defaultWorkers = 8
)

// Stage names a best-effort side effect.
type Stage string

const (
	StagePersistJob   Stage = "persist_job"
	StagePersistEvent Stage = "persist_event"
	StageWebhook      Stage = "webhook"
	StageDispatch     Stage = "dispatch"
)

// SideEffectResult reports the outcome of one best-effort side effect.
// Err is nil on success. Failures never change the job's state.
type SideEffectResult struct {
	Stage  Stage
	JobID  string
	Status string
	Err    error
}

// AgentLookup reports whether an agent is registered.
type AgentLookup interface {
	Exists(agentID string) bool
}

// Dispatcher hands a queued job to an external queue instead of running it here.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *store.Job) error
}

// SubmitRequest is the caller-supplied part of a new job.
type SubmitRequest struct {
	AgentID string         `json:"agentId"`
	Kind    string         `json:"kind"`
	Action  string         `json:"action,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Options configures an Executor. Records, Bus, Agents and Handlers are required.
type Options struct {
	Records    *RecordStore
	Bus        *status.Bus
	Agents     AgentLookup
	Handlers   *Handlers
	Store      store.Store // status event mirror; nil disables
	Sink       notify.Sink // nil disables
	Dispatcher Dispatcher  // nil runs jobs in-process
	Workers    int
	Timeout    time.Duration           // per-handler limit; 0 disables
	Results    chan<- SideEffectResult // optional; sends never block
	Logger     *slog.Logger
}

// Executor advances jobs through queued -> running -> complete|failed.
// Every transition mutates the record store, publishes on the bus, then
// queues the event for durable persistence and the webhook sink.
type Executor struct {
	records    *RecordStore
	bus        *status.Bus
	agents     AgentLookup
	handlers   *Handlers
	store      store.Store
	sink       notify.Sink
	dispatcher Dispatcher
	results    chan<- SideEffectResult
	timeout    time.Duration
	sem        *semaphore.Weighted
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // in-process executions

	effects *effectQueue

	mu     sync.RWMutex
	closed bool

	activeMu sync.Mutex
	active   map[string]struct{} // job ids with a handler running here
}

// NewExecutor creates an executor and starts its side-effect pipeline.
func NewExecutor(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	durable := opts.Store
	if durable == nil {
		durable = store.NopStore{}
	}
	sink := opts.Sink
	if sink == nil {
		sink = notify.NopSink{}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		records:    opts.Records,
		bus:        opts.Bus,
		agents:     opts.Agents,
		handlers:   opts.Handlers,
		store:      durable,
		sink:       sink,
		dispatcher: opts.Dispatcher,
		results:    opts.Results,
		timeout:    opts.Timeout,
		sem:        semaphore.NewWeighted(int64(workers)),
		logger:     logger.With("component", "executor"),
		ctx:        ctx,
		cancel:     cancel,
		active:     make(map[string]struct{}),
	}

	e.records.OnPersist(func(job *store.Job, err error) {
		e.report(SideEffectResult{Stage: StagePersistJob, JobID: job.ID, Status: status.WireStatus(job.Status), Err: err})
	})

	e.effects = newEffectQueue()
	go e.effects.run(e.applyEffects)
	return e
}

// Submit validates and records a new queued job, then dispatches it or
// schedules in-process execution. It returns as soon as the job is queued.
func (e *Executor) Submit(ctx context.Context, req SubmitRequest) (*store.Job, error) {
	if req.AgentID == "" {
		return nil, errdefs.Validation("agentId")
	}
	if req.Kind == "" {
		return nil, errdefs.Validation("kind")
	}
	if !e.agents.Exists(req.AgentID) {
		return nil, errdefs.NotFound("agent", req.AgentID)
	}
	if _, ok := e.handlers.Get(req.Kind); !ok {
		return nil, errdefs.Validationf("kind", "unknown kind: %s", req.Kind)
	}

	// held until the job is spawned so Close cannot start waiting in between
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrExecutorClosed
	}

	id, err := idgen.NewJobID()
	if err != nil {
		return nil, fmt.Errorf("generating job id: %w", err)
	}

	job, err := e.records.Create(ctx, &store.Job{
		ID:      id,
		Kind:    req.Kind,
		AgentID: req.AgentID,
		Action:  req.Action,
		Payload: req.Payload,
		Status:  store.JobStatusQueued,
	})
	if err != nil {
		return nil, fmt.Errorf("recording job: %w", err)
	}
	e.announce(job)

	if e.dispatcher != nil {
		err := e.dispatcher.Dispatch(ctx, job)
		e.report(SideEffectResult{Stage: StageDispatch, JobID: job.ID, Status: status.StatusQueued, Err: err})
		if err == nil {
			return job, nil
		}
		e.logger.Warn("queue dispatch failed, running in-process",
			"job_id", job.ID,
			"error", err)
	}

	e.spawn(job.ID)
	return job, nil
}

// spawn runs a job asynchronously on the worker pool.
func (e *Executor) spawn(jobID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			// shutting down; the job stays queued for the next start
			return
		}
		defer e.sem.Release(1)

		if err := e.Execute(e.ctx, jobID); err != nil {
			e.logger.Error("job execution error", "job_id", jobID, "error", err)
		}
	}()
}

// Execute runs a queued job to a terminal state. A job that is already
// terminal is left alone and nil is returned; a job that is running returns
// ErrJobInProgress. Handler failures are recorded on the job, not returned.
func (e *Executor) Execute(ctx context.Context, jobID string) error {
	return e.execute(ctx, jobID, false)
}

// execute is Execute for both paths. A delivered job that is running but has
// no handler active here is resumed, and an interruption of its context
// leaves it running so the queue can deliver it again.
func (e *Executor) execute(ctx context.Context, jobID string, delivered bool) error {
	if !e.claim(jobID) {
		return fmt.Errorf("%w: %s", ErrJobInProgress, jobID)
	}
	defer e.unclaim(jobID)

	job, err := e.transition(ctx, jobID, Patch{Expect: store.JobStatusQueued, Status: store.JobStatusRunning})
	if errors.Is(err, ErrStatusConflict) || errors.Is(err, ErrTerminal) {
		cur, getErr := e.records.Get(jobID)
		if getErr != nil {
			return getErr
		}
		if cur.Status.IsTerminal() {
			e.logger.Debug("job already finished", "job_id", jobID, "status", cur.Status)
			return nil
		}
		if !delivered {
			return fmt.Errorf("%w: %s", ErrJobInProgress, jobID)
		}
		e.logger.Info("resuming delivered job", "job_id", jobID, "agent_id", cur.AgentID)
		job, err = cur, nil
	}
	if err != nil {
		return err
	}

	result, runErr := e.runHandler(ctx, job)
	if runErr != nil {
		if delivered && ctx.Err() != nil {
			e.logger.Warn("delivered job interrupted, leaving for redelivery", "job_id", jobID, "error", runErr)
			return fmt.Errorf("%w: %s: %w", ErrJobInterrupted, jobID, ctx.Err())
		}
		msg := runErr.Error()
		switch {
		case errors.Is(runErr, context.DeadlineExceeded):
			msg = TimedOut
		case errors.Is(runErr, context.Canceled):
			msg = InterruptedByShutdown
		}
		// a shutdown cancels ctx; the terminal write must still happen
		_, err := e.transition(context.WithoutCancel(ctx), jobID, Patch{Status: store.JobStatusFailed, Error: msg})
		return err
	}

	if result == nil {
		result = map[string]any{}
	}
	_, err = e.transition(context.WithoutCancel(ctx), jobID, Patch{Status: store.JobStatusComplete, Result: result})
	return err
}

func (e *Executor) claim(jobID string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if _, busy := e.active[jobID]; busy {
		return false
	}
	e.active[jobID] = struct{}{}
	return true
}

func (e *Executor) unclaim(jobID string) {
	e.activeMu.Lock()
	delete(e.active, jobID)
	e.activeMu.Unlock()
}

func (e *Executor) runHandler(ctx context.Context, job *store.Job) (result map[string]any, err error) {
	handler, ok := e.handlers.Get(job.Kind)
	if !ok {
		return nil, errdefs.Execution("no handler for kind: " + job.Kind)
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = errdefs.Execution(fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return handler(ctx, job)
}

// RunDelivered reconciles a job received from the queue. Unknown jobs are
// reconstructed from the message; the job is then executed synchronously so
// the caller can delete the message only after a terminal state is reached.
// If ctx ends first, ErrJobInterrupted is returned and the job stays running.
func (e *Executor) RunDelivered(ctx context.Context, job *store.Job) error {
	if _, err := e.records.Get(job.ID); errors.Is(err, ErrJobNotFound) {
		delivered := job.Clone()
		delivered.Status = store.JobStatusQueued
		delivered.Result = nil
		delivered.Error = ""
		created, err := e.records.Create(ctx, delivered)
		if err != nil && !errors.Is(err, ErrJobExists) {
			return fmt.Errorf("reconstructing job: %w", err)
		}
		if err == nil {
			e.announce(created)
		}
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)
	return e.execute(ctx, job.ID, true)
}

// Recover restores persisted jobs. With a dispatcher, jobs left running by a
// previous process are sent again so delivery resumes them; otherwise, or if
// that send fails, they are failed. Queued jobs are dispatched again, or
// executed here when there is no dispatcher or it fails.
func (e *Executor) Recover(ctx context.Context) error {
	restored, err := e.records.Restore(ctx)
	if err != nil {
		return err
	}
	for _, job := range restored {
		switch job.Status {
		case store.JobStatusRunning:
			if e.dispatcher != nil {
				if err := e.dispatcher.Dispatch(ctx, job); err == nil {
					continue
				}
			}
			if _, err := e.transition(ctx, job.ID, Patch{Status: store.JobStatusFailed, Error: InterruptedByRestart}); err != nil {
				e.logger.Warn("failed to mark interrupted job", "job_id", job.ID, "error", err)
			}
		case store.JobStatusQueued:
			if e.dispatcher != nil {
				// re-sending is safe: delivery of a finished job is a no-op
				if err := e.dispatcher.Dispatch(ctx, job); err == nil {
					continue
				}
			}
			e.spawn(job.ID)
		}
	}
	return nil
}

// transition applies patch, publishes the resulting event and queues the
// best-effort side effects.
func (e *Executor) transition(ctx context.Context, jobID string, patch Patch) (*store.Job, error) {
	job, err := e.records.Update(ctx, jobID, patch)
	if err != nil {
		return nil, err
	}
	e.logger.Info("job transition",
		"job_id", job.ID,
		"agent_id", job.AgentID,
		"kind", job.Kind,
		"status", job.Status)
	e.announce(job)
	return job, nil
}

// announce publishes the job's current state and queues persistence and webhook delivery.
func (e *Executor) announce(job *store.Job) {
	ev := status.FromJob(job)
	e.bus.Publish(ev)
	if !e.effects.push(ev) {
		e.logger.Warn("side effects dropped after close", "job_id", ev.ID, "status", ev.Status)
	}
}

// applyEffects runs on the pipeline goroutine, one event at a time, in publish order.
func (e *Executor) applyEffects(ev status.Event) {
	ctx := context.Background()

	err := e.store.SaveStatusEvent(ctx, ev.ToRecord(uuid.New().String()))
	if err != nil {
		e.logger.Warn("status event persist failed", "job_id", ev.ID, "status", ev.Status, "error", err)
	}
	e.report(SideEffectResult{Stage: StagePersistEvent, JobID: ev.ID, Status: ev.Status, Err: err})

	err = e.sink.Notify(ctx, ev)
	if err != nil {
		e.logger.Warn("webhook notify failed", "job_id", ev.ID, "status", ev.Status, "error", err)
	}
	e.report(SideEffectResult{Stage: StageWebhook, JobID: ev.ID, Status: ev.Status, Err: err})
}

func (e *Executor) report(r SideEffectResult) {
	if e.results == nil {
		return
	}
	select {
	case e.results <- r:
	default:
		e.logger.Debug("side effect result dropped", "stage", r.Stage, "job_id", r.JobID)
	}
}

// Close stops accepting jobs, cancels in-flight handlers, waits for them to
// record a terminal state, then drains the side-effect pipeline.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.effects.close()
}

// effectQueue is an unbounded FIFO drained by a single goroutine, so slow
// sinks never block a transition.
type effectQueue struct {
	mu     sync.Mutex
	items  []status.Event
	signal chan struct{}
	closed bool
	done   chan struct{}
}

func newEffectQueue() *effectQueue {
	return &effectQueue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *effectQueue) push(ev status.Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *effectQueue) run(apply func(status.Event)) {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.items
		q.items = nil
		closed := q.closed
		q.mu.Unlock()

		for _, ev := range batch {
			apply(ev)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.signal
	}
}

// close stops accepting events and waits until queued ones are applied.
func (q *effectQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	<-q.done
}
