// ABOUTME: Bridge polls a Queue and executes delivered jobs through a Runner
// ABOUTME: Single-flight polling; messages are deleted only after the job finishes

package queue

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-dispatch/internal/dedupe"
	"github.com/2389/coven-dispatch/internal/store"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultBatchSize    = 10
	DefaultWaitTime     = time.Second

	// malformed deliveries are logged once per receipt for this long
	malformedLogTTL = 10 * time.Minute
)

// Runner executes a delivered job to a terminal state.
type Runner interface {
	RunDelivered(ctx context.Context, job *store.Job) error
}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	Queue        Queue
	Runner       Runner
	PollInterval time.Duration
	BatchSize    int
	WaitTime     time.Duration
	Logger       *slog.Logger
}

// Bridge moves work from a Queue into the executor.
type Bridge struct {
	queue    Queue
	runner   Runner
	interval time.Duration
	batch    int
	wait     time.Duration
	logger   *slog.Logger

	polling   atomic.Bool
	malformed *dedupe.Cache
}

// NewBridge creates a bridge. Zero options take the package defaults.
func NewBridge(opts BridgeOptions) *Bridge {
	b := &Bridge{
		queue:     opts.Queue,
		runner:    opts.Runner,
		interval:  opts.PollInterval,
		batch:     opts.BatchSize,
		wait:      opts.WaitTime,
		logger:    opts.Logger,
		malformed: dedupe.New(malformedLogTTL, 1000),
	}
	if b.interval <= 0 {
		b.interval = DefaultPollInterval
	}
	if b.batch <= 0 {
		b.batch = DefaultBatchSize
	}
	if b.wait < 0 {
		b.wait = 0
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With("component", "queue_bridge")
	return b
}

// Run polls immediately and then every interval until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.malformed.Close()

	b.logger.Info("queue bridge started", "interval", b.interval, "batch_size", b.batch)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		b.Poll(ctx)
		select {
		case <-ctx.Done():
			b.logger.Info("queue bridge stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll receives one batch and processes it. It returns the number of
// deliveries that completed and were deleted. A Poll that starts while
// another is in progress returns 0 immediately.
func (b *Bridge) Poll(ctx context.Context) int {
	if !b.polling.CompareAndSwap(false, true) {
		return 0
	}
	defer b.polling.Store(false)

	deliveries, err := b.queue.Receive(ctx, b.batch, b.wait)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Warn("queue receive failed", "error", err)
		}
		return 0
	}
	if len(deliveries) == 0 {
		return 0
	}

	var done atomic.Int64
	var g errgroup.Group
	g.SetLimit(b.batch)
	for _, d := range deliveries {
		g.Go(func() error {
			if b.handle(ctx, d) {
				done.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(done.Load())
}

// handle runs one delivery and deletes it on success.
func (b *Bridge) handle(ctx context.Context, d Delivery) bool {
	job, err := Decode(d.Body)
	if err != nil {
		// left on the queue for its own dead-letter policy
		if !b.malformed.CheckAndMark(d.ID) {
			b.logger.Warn("skipping malformed queue message", "delivery_id", d.ID, "error", err)
		}
		return false
	}

	if err := b.runner.RunDelivered(ctx, job); err != nil {
		b.logger.Warn("delivered job not finished, leaving for redelivery",
			"job_id", job.ID,
			"delivery_id", d.ID,
			"error", err)
		return false
	}

	if err := b.queue.Delete(context.WithoutCancel(ctx), d.ID); err != nil {
		b.logger.Warn("queue delete failed", "job_id", job.ID, "delivery_id", d.ID, "error", err)
		return false
	}
	b.logger.Debug("queue message processed", "job_id", job.ID)
	return true
}
