// ABOUTME: In-memory fan-out bus for job status events
// ABOUTME: Keeps a bounded newest-first history per agent and feeds channel subscribers

package status

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// DefaultHistorySize is the number of events kept per agent.
	DefaultHistorySize = 20
)

// AllAgents is the subscription key that receives every event.
const AllAgents = ""

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Bus is a single-process publish/subscribe hub keyed by agent id.
// Events for one subscriber arrive in publish order.
type Bus struct {
	mu          sync.RWMutex
	history     map[string][]Event                // agentID -> newest first, len <= size
	latest      *Event                            // most recent event of any agent
	subscribers map[string]map[string]*subscriber // agentID ("" = all) -> subID -> sub
	size        int
	closed      bool
	logger      *slog.Logger
}

// NewBus creates a bus keeping historySize events per agent. Pass nil logger for default.
func NewBus(historySize int, logger *slog.Logger) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		history:     make(map[string][]Event),
		subscribers: make(map[string]map[string]*subscriber),
		size:        historySize,
		logger:      logger.With("component", "status_bus"),
	}
}

// Publish records the event in its agent's history and delivers it to
// matching subscribers. Delivery never blocks: a subscriber whose buffer
// is full is removed and its channel closed after the events it already
// holds, so it sees the end of the stream instead of a gap.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hist := b.history[ev.AgentID]
	if len(hist) < b.size {
		hist = append(hist, Event{})
	}
	copy(hist[1:], hist)
	hist[0] = ev
	b.history[ev.AgentID] = hist

	latest := ev
	b.latest = &latest

	if b.closed {
		return
	}
	b.deliver(ev.AgentID, ev)
	if ev.AgentID != AllAgents {
		b.deliver(AllAgents, ev)
	}
}

// deliver must be called with mu held.
func (b *Bus) deliver(key string, ev Event) {
	subs := b.subscribers[key]
	for subID, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("evicting slow subscriber",
				"agent_id", ev.AgentID,
				"job_id", ev.ID,
				"sub_id", subID)
			b.removeLocked(key, subID, sub)
		}
	}
}

// Subscribe registers a subscriber for agentID, or for every agent when
// agentID is AllAgents. The channel is seeded with the latest buffered
// event for that key, if any. The subscription is removed when ctx is
// cancelled or Unsubscribe is called; the channel is then closed.
func (b *Bus) Subscribe(ctx context.Context, agentID string) (<-chan Event, string) {
	subID := uuid.New().String()
	sub := &subscriber{
		ch:   make(chan Event, subscriberBufferSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	if seed, ok := b.latestLocked(agentID); ok {
		sub.ch <- seed
	}
	if _, ok := b.subscribers[agentID]; !ok {
		b.subscribers[agentID] = make(map[string]*subscriber)
	}
	b.subscribers[agentID][subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "agent_id", agentID, "sub_id", subID)

	go func() {
		select {
		case <-ctx.Done():
			b.Unsubscribe(agentID, subID)
		case <-sub.done:
		}
	}()

	return sub.ch, subID
}

func (b *Bus) latestLocked(agentID string) (Event, bool) {
	if agentID == AllAgents {
		if b.latest == nil {
			return Event{}, false
		}
		return *b.latest, true
	}
	hist := b.history[agentID]
	if len(hist) == 0 {
		return Event{}, false
	}
	return hist[0], true
}

// Unsubscribe removes a subscription and closes its channel. Calling it
// more than once, or for an unknown id, is a no-op.
func (b *Bus) Unsubscribe(agentID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[agentID][subID]
	if !ok {
		return
	}
	b.removeLocked(agentID, subID, sub)
	b.logger.Debug("subscriber removed", "agent_id", agentID, "sub_id", subID)
}

func (b *Bus) removeLocked(key, subID string, sub *subscriber) {
	subs := b.subscribers[key]
	delete(subs, subID)
	close(sub.ch)
	close(sub.done)
	if len(subs) == 0 {
		delete(b.subscribers, key)
	}
}

// History returns up to the configured number of events for agentID, newest first.
func (b *Bus) History(agentID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	hist := b.history[agentID]
	out := make([]Event, len(hist))
	copy(out, hist)
	return out
}

// Latest returns the most recent event for agentID.
func (b *Bus) Latest(agentID string) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latestLocked(agentID)
}

// SubscriberCount returns the number of live subscriptions across all keys.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close shuts down the bus and closes all subscriber channels.
// History remains readable.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for agentID, subs := range b.subscribers {
		for subID, sub := range subs {
			close(sub.ch)
			close(sub.done)
			delete(subs, subID)
		}
		delete(b.subscribers, agentID)
	}

	b.logger.Debug("status bus closed")
}
