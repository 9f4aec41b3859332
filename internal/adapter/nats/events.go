package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/Strob0t/TeamForge/internal/domain/event"
	"github.com/Strob0t/TeamForge/internal/port/messagequeue"
)

// EventRelay implements broadcast.Broadcaster by republishing run events on
// runs.events.<run_id> for consumers outside this process. It uses core
// publish so the scheduler never waits for a stream acknowledgement.
type EventRelay struct {
	nc *nats.Conn
}

// NewEventRelay creates an EventRelay on an open connection.
func NewEventRelay(nc *nats.Conn) *EventRelay {
	return &EventRelay{nc: nc}
}

// Publish relays ev. Failures are logged.
func (r *EventRelay) Publish(ctx context.Context, runID string, ev event.Event) {
	data, err := json.Marshal(messagequeue.RunEventPayload{
		Type:  string(ev.Type),
		RunID: runID,
		Seq:   ev.Seq,
		At:    ev.At,
		Data:  ev.Data,
	})
	if err != nil {
		slog.WarnContext(ctx, "marshal run event failed", "run_id", runID, "error", err)
		return
	}
	if err := r.nc.Publish(messagequeue.RunEventsSubject(runID), data); err != nil {
		slog.WarnContext(ctx, "relay run event failed", "run_id", runID, "error", err)
	}
}
