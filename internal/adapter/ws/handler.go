package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/TeamForge/internal/domain"
	"github.com/Strob0t/TeamForge/internal/domain/event"
	"github.com/Strob0t/TeamForge/internal/middleware"
)

// HandleRun upgrades GET /ws/executions/{run_id} and subscribes the
// connection to that run. Authentication happens in middleware before the
// upgrade.
func (h *Hub) HandleRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	tenantID := middleware.TenantIDFromContext(r.Context())

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(maxClientMessage)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := newConn(ws, tenantID, h.cfg.SendBuffer, cancel)

	h.conns.Add(1)
	defer h.conns.Add(-1)
	defer h.remove(c)

	slog.Info("websocket connected", "remote", r.RemoteAddr, "run_id", runID)
	defer slog.Info("websocket disconnected", "run_id", runID)

	if err := h.Subscribe(ctx, c, runID); err != nil {
		h.closeWithError(ctx, ws, err)
		return
	}

	go c.writeLoop(ctx, h.writeTimeout())
	go h.heartbeat(ctx, c)

	h.readLoop(ctx, c, runID)
	_ = ws.Close(websocket.StatusNormalClosure, "")
}

// readLoop handles client messages until the connection ends.
func (h *Hub) readLoop(ctx context.Context, c *conn, pathRun string) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		c.touch(time.Now())

		msg, err := parseClientMessage(data)
		if err != nil {
			c.reply(errorEvent(pathRun, err.Error()))
			continue
		}
		runID := msg.RunID
		if runID == "" {
			runID = pathRun
		}

		switch msg.Type {
		case MsgPing:
			c.reply(event.New(event.KindHeartbeatAck, "", 0, time.Now().UTC(), nil))
		case MsgGetStatus:
			ev, err := h.status.StatusEvent(ctx, c.tenantID, runID)
			if err != nil {
				c.reply(errorEvent(runID, clientError(err)))
				continue
			}
			c.reply(ev)
		case MsgSubscribe:
			if err := h.Subscribe(ctx, c, runID); err != nil {
				c.reply(errorEvent(runID, clientError(err)))
			}
		case MsgUnsubscribe:
			h.Unsubscribe(c, runID)
		}
	}
}

var errHeartbeatTimeout = errors.New("heartbeat timeout")

// heartbeat probes the client every interval and tears the connection down
// after MaxMissedHeartbeats intervals without client traffic.
func (h *Hub) heartbeat(ctx context.Context, c *conn) {
	interval := h.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}
	limit := time.Duration(max(h.cfg.MaxMissedHeartbeats, 1)) * interval

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if c.idle(now) >= limit {
				slog.Info("websocket heartbeat timeout", "idle", c.idle(now))
				h.remove(c)
				_ = c.ws.Close(websocket.StatusPolicyViolation, errHeartbeatTimeout.Error())
				c.cancel()
				return
			}
			c.reply(event.New(event.KindHeartbeatAck, "", 0, now.UTC(), nil))
		}
	}
}

func (h *Hub) writeTimeout() time.Duration {
	if h.cfg.WriteTimeout > 0 {
		return h.cfg.WriteTimeout
	}
	return 5 * time.Second
}

func (h *Hub) closeWithError(ctx context.Context, ws *websocket.Conn, err error) {
	ev := errorEvent("", clientError(err))
	wctx, cancel := context.WithTimeout(ctx, h.writeTimeout())
	defer cancel()
	if data, mErr := json.Marshal(ev); mErr == nil {
		_ = ws.Write(wctx, websocket.MessageText, data)
	}
	_ = ws.Close(websocket.StatusPolicyViolation, "subscription refused")
}

func errorEvent(runID, msg string) event.Event {
	return event.New(event.KindError, runID, 0, time.Now().UTC(), event.Error{Message: msg})
}

// clientError hides internal failure details from observers.
func clientError(err error) string {
	if errors.Is(err, domain.ErrNotFound) {
		return "run not found"
	}
	return "internal error"
}
