package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/TeamForge/internal/domain/event"
)

// conn is one observer connection. Outbound frames go through a bounded
// queue drained by a single writer goroutine.
type conn struct {
	ws       *websocket.Conn
	tenantID string
	send     chan []byte
	cancel   context.CancelFunc

	mu   sync.Mutex
	runs map[string]uint64 // subscribed run -> last delivered seq

	lastSeen atomic.Int64 // unix nanos of the last client frame
}

func newConn(ws *websocket.Conn, tenantID string, buffer int, cancel context.CancelFunc) *conn {
	c := &conn{
		ws:       ws,
		tenantID: tenantID,
		send:     make(chan []byte, max(buffer, 1)),
		cancel:   cancel,
		runs:     make(map[string]uint64),
	}
	c.touch(time.Now())
	return c
}

func (c *conn) touch(t time.Time) { c.lastSeen.Store(t.UnixNano()) }

func (c *conn) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}

// deliver queues ev for a subscribed run. Events already covered by an
// earlier delivery are skipped. It returns false when the queue was full.
func (c *conn) deliver(runID string, ev event.Event, data []byte) bool {
	c.mu.Lock()
	last, ok := c.runs[runID]
	if !ok || (ev.Seq != 0 && ev.Seq <= last) {
		c.mu.Unlock()
		return true
	}
	if ev.Seq > last {
		c.runs[runID] = ev.Seq
	}
	c.mu.Unlock()
	return c.enqueue(data)
}

// reply queues a direct answer to the client, bypassing subscriptions.
func (c *conn) reply(ev event.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("websocket marshal failed", "type", ev.Type, "error", err)
		return true
	}
	return c.enqueue(data)
}

func (c *conn) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *conn) track(runID string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.runs[runID] {
		c.runs[runID] = seq
	} else if _, ok := c.runs[runID]; !ok {
		c.runs[runID] = 0
	}
}

func (c *conn) untrack(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runs, runID)
}

func (c *conn) subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.runs))
	for id := range c.runs {
		ids = append(ids, id)
	}
	return ids
}

// writeLoop drains the send queue until ctx is done or a write fails.
func (c *conn) writeLoop(ctx context.Context, timeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, timeout)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("websocket write failed", "error", err)
				c.cancel()
				return
			}
		}
	}
}
