// ABOUTME: Optional heartbeat reaper marking silent running agents as error
// ABOUTME: Disabled unless a heartbeat timeout is configured

package agent

import (
	"context"
	"log/slog"
	"time"
)

// DefaultReapInterval is how often the reaper sweeps when no interval is given.
const DefaultReapInterval = 30 * time.Second

// Reaper periodically marks stale agents.
type Reaper struct {
	registry *Registry
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper creates a reaper. A non-positive timeout disables it.
func NewReaper(registry *Registry, timeout, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry: registry,
		timeout:  timeout,
		interval: interval,
		logger:   logger.With("component", "agent_reaper"),
	}
}

// Enabled reports whether a timeout is configured.
func (r *Reaper) Enabled() bool {
	return r.timeout > 0
}

// Sweep marks running agents whose last heartbeat is older than the timeout.
func (r *Reaper) Sweep(ctx context.Context) []string {
	if !r.Enabled() {
		return nil
	}
	cutoff := r.registry.now().UTC().Add(-r.timeout)
	stale := r.registry.markStale(ctx, cutoff)
	for _, id := range stale {
		r.logger.Warn("agent missed heartbeat", "agent_id", id, "timeout", r.timeout)
	}
	return stale
}

// Run sweeps every interval until ctx is done. It returns at once when disabled.
func (r *Reaper) Run(ctx context.Context) error {
	if !r.Enabled() {
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}
