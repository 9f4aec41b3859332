// Package broadcast defines the port for pushing run events to live observers.
package broadcast

import (
	"context"

	"github.com/Strob0t/TeamForge/internal/domain/event"
)

// Broadcaster delivers run events to the observers subscribed to the run.
// Implementations must not block the caller.
type Broadcaster interface {
	Publish(ctx context.Context, runID string, ev event.Event)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Broadcaster.
func (Nop) Publish(context.Context, string, event.Event) {}

// Multi fans every event out to all of bs in order. Nil entries are skipped.
func Multi(bs ...Broadcaster) Broadcaster {
	out := make(multi, 0, len(bs))
	for _, b := range bs {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

type multi []Broadcaster

func (m multi) Publish(ctx context.Context, runID string, ev event.Event) {
	for _, b := range m {
		b.Publish(ctx, runID, ev)
	}
}
