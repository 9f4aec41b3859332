// Package ws implements the WebSocket adapter that streams run events to observers.
package ws

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/TeamForge/internal/config"
	"github.com/Strob0t/TeamForge/internal/domain/event"
)

// StatusSource yields the current status event of a run visible to a tenant.
type StatusSource interface {
	StatusEvent(ctx context.Context, tenantID, runID string) (event.Event, error)
}

// StatusFunc adapts a function to StatusSource.
type StatusFunc func(ctx context.Context, tenantID, runID string) (event.Event, error)

// StatusEvent calls f.
func (f StatusFunc) StatusEvent(ctx context.Context, tenantID, runID string) (event.Event, error) {
	return f(ctx, tenantID, runID)
}

type shard struct {
	mu   sync.Mutex
	subs map[string]map[*conn]struct{}
	// last is the highest seq published per live run.
	last map[string]uint64
}

// Hub fans run events out to subscribed connections. Subscriptions are
// spread over shards by run id, each guarded by its own lock.
type Hub struct {
	cfg    config.Hub
	status StatusSource
	shards []*shard

	conns   atomic.Int64
	dropped atomic.Int64
	drops   metric.Int64Counter
}

// NewHub creates a hub that reads run status from status.
func NewHub(cfg config.Hub, status StatusSource) *Hub {
	n := max(cfg.Shards, 1)
	h := &Hub{cfg: cfg, status: status, shards: make([]*shard, n)}
	for i := range h.shards {
		h.shards[i] = &shard{
			subs: make(map[string]map[*conn]struct{}),
			last: make(map[string]uint64),
		}
	}
	return h
}

// SetDropCounter records queue overflows on counter in addition to DroppedCount.
func (h *Hub) SetDropCounter(counter metric.Int64Counter) {
	h.drops = counter
}

func (h *Hub) shardFor(runID string) *shard {
	f := fnv.New32a()
	_, _ = f.Write([]byte(runID))
	return h.shards[f.Sum32()%uint32(len(h.shards))]
}

// Publish delivers ev to every connection subscribed to runID without
// blocking. A terminal run status ends all subscriptions to the run.
func (h *Hub) Publish(ctx context.Context, runID string, ev event.Event) {
	terminal := terminalStatus(ev)
	s := h.shardFor(runID)
	s.mu.Lock()
	if terminal {
		delete(s.last, runID)
	} else if ev.Seq > s.last[runID] {
		s.last[runID] = ev.Seq
	}
	subs := s.subs[runID]
	if len(subs) == 0 {
		s.mu.Unlock()
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.mu.Unlock()
		slog.Error("websocket marshal failed", "run_id", runID, "type", ev.Type, "error", err)
		return
	}
	for c := range subs {
		if !c.deliver(runID, ev, data) {
			h.drop(ctx, runID)
		}
	}
	if terminal {
		delete(s.subs, runID)
	}
	s.mu.Unlock()

	if terminal {
		for c := range subs {
			c.untrack(runID)
		}
	}
}

// Subscribe attaches c to runID and queues the run's current status. A
// finished run gets its status once and no subscription.
func (h *Hub) Subscribe(ctx context.Context, c *conn, runID string) error {
	ev, err := h.status.StatusEvent(ctx, c.tenantID, runID)
	if err != nil {
		return err
	}
	if terminalStatus(ev) {
		if !c.reply(ev) {
			h.drop(ctx, runID)
		}
		return nil
	}

	s := h.shardFor(runID)
	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-read under the shard lock so no event slips between the snapshot
	// and the subscription. The snapshot may already count a seq that has
	// not been published yet, so the subscription starts after the last
	// published one.
	if ev, err = h.status.StatusEvent(ctx, c.tenantID, runID); err != nil {
		return err
	}
	if !terminalStatus(ev) {
		ev.Seq = min(ev.Seq, s.last[runID])
	}
	if !c.reply(ev) {
		h.drop(ctx, runID)
	}
	if terminalStatus(ev) {
		return nil
	}
	if s.subs[runID] == nil {
		s.subs[runID] = make(map[*conn]struct{})
	}
	s.subs[runID][c] = struct{}{}
	c.track(runID, ev.Seq)
	return nil
}

// Unsubscribe detaches c from runID.
func (h *Hub) Unsubscribe(c *conn, runID string) {
	s := h.shardFor(runID)
	s.mu.Lock()
	if subs, ok := s.subs[runID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(s.subs, runID)
		}
	}
	s.mu.Unlock()
	c.untrack(runID)
}

// Subscribers returns the number of connections subscribed to runID.
func (h *Hub) Subscribers(runID string) int {
	s := h.shardFor(runID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[runID])
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	return int(h.conns.Load())
}

// DroppedCount returns how many events were dropped on full queues.
func (h *Hub) DroppedCount() int64 {
	return h.dropped.Load()
}

func (h *Hub) drop(ctx context.Context, runID string) {
	h.dropped.Add(1)
	if h.drops != nil {
		h.drops.Add(ctx, 1)
	}
	slog.Debug("websocket queue full, event dropped", "run_id", runID)
}

func (h *Hub) remove(c *conn) {
	for _, runID := range c.subscribed() {
		h.Unsubscribe(c, runID)
	}
}
