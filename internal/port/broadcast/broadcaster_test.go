package broadcast

import (
	"context"
	"testing"

	"github.com/Strob0t/TeamForge/internal/domain/event"
)

type recording struct{ got []string }

func (r *recording) Publish(_ context.Context, runID string, _ event.Event) {
	r.got = append(r.got, runID)
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recording{}, &recording{}
	m := Multi(a, nil, b, Nop{})

	m.Publish(context.Background(), "r1", event.Event{Type: event.KindLog})
	m.Publish(context.Background(), "r2", event.Event{Type: event.KindLog})

	for _, r := range []*recording{a, b} {
		if len(r.got) != 2 || r.got[0] != "r1" || r.got[1] != "r2" {
			t.Fatalf("expected both events in order, got %v", r.got)
		}
	}
}
