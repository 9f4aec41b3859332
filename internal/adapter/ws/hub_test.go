package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/TeamForge/internal/config"
	"github.com/Strob0t/TeamForge/internal/domain"
	"github.com/Strob0t/TeamForge/internal/domain/event"
	"github.com/Strob0t/TeamForge/internal/domain/run"
)

type fakeRun struct {
	tenant string
	status run.Status
	seq    uint64
}

// fakeStatus serves run status events from memory.
type fakeStatus struct {
	mu   sync.Mutex
	runs map[string]fakeRun
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{runs: make(map[string]fakeRun)}
}

func (f *fakeStatus) set(runID, tenant string, status run.Status, seq uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[runID] = fakeRun{tenant: tenant, status: status, seq: seq}
}

func (f *fakeStatus) StatusEvent(_ context.Context, tenantID, runID string) (event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok || r.tenant != tenantID {
		return event.Event{}, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	return statusEvent(runID, r.status, r.seq), nil
}

func statusEvent(runID string, status run.Status, seq uint64) event.Event {
	return event.New(event.KindRunStatus, runID, seq, time.Now().UTC(), event.RunStatus{Status: status})
}

func stepEvent(runID string, seq uint64) event.Event {
	return event.New(event.KindStepStatus, runID, seq, time.Now().UTC(), event.StepStatus{Position: int(seq)})
}

func testHub(status StatusSource) *Hub {
	return NewHub(config.Hub{Shards: 4, SendBuffer: 16, HeartbeatInterval: time.Second, MaxMissedHeartbeats: 3}, status)
}

func testConn(tenant string, buffer int) *conn {
	return newConn(nil, tenant, buffer, func() {})
}

// drain returns every queued event without blocking.
func drain(t *testing.T, c *conn) []event.Event {
	t.Helper()
	var out []event.Event
	for {
		select {
		case data := <-c.send:
			var ev event.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				t.Fatal(err)
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	hub := testHub(newFakeStatus())
	hub.Publish(context.Background(), "r1", stepEvent("r1", 1))
	if hub.DroppedCount() != 0 || hub.Subscribers("r1") != 0 {
		t.Fatal("events for runs without observers are discarded silently")
	}
}

func TestSubscribeSendsStatusThenOrderedEvents(t *testing.T) {
	status := newFakeStatus()
	status.set("r1", "t1", run.StatusRunning, 3)
	hub := testHub(status)
	c := testConn("t1", 16)
	ctx := context.Background()
	for _, seq := range []uint64{1, 2, 3} {
		hub.Publish(ctx, "r1", stepEvent("r1", seq))
	}

	if err := hub.Subscribe(ctx, c, "r1"); err != nil {
		t.Fatal(err)
	}
	// seq 2 and 3 are already reflected in the status snapshot.
	for _, seq := range []uint64{2, 3, 4, 5, 5} {
		hub.Publish(ctx, "r1", stepEvent("r1", seq))
	}

	got := drain(t, c)
	if len(got) != 3 {
		t.Fatalf("expected status plus two new events, got %d: %+v", len(got), got)
	}
	if got[0].Type != event.KindRunStatus || got[0].Seq != 3 {
		t.Fatalf("expected current status first, got %+v", got[0])
	}
	if got[1].Seq != 4 || got[2].Seq != 5 {
		t.Fatalf("expected seq 4 then 5, got %d, %d", got[1].Seq, got[2].Seq)
	}
}

func TestSubscribeBeforeAssignedSeqIsPublished(t *testing.T) {
	status := newFakeStatus()
	hub := testHub(status)
	c := testConn("t1", 16)
	ctx := context.Background()

	status.set("r1", "t1", run.StatusRunning, 1)
	hub.Publish(ctx, "r1", statusEvent("r1", run.StatusRunning, 1))
	// seq 2 is assigned and counted by the snapshot but not yet published.
	status.set("r1", "t1", run.StatusRunning, 2)

	if err := hub.Subscribe(ctx, c, "r1"); err != nil {
		t.Fatal(err)
	}
	hub.Publish(ctx, "r1", stepEvent("r1", 2))

	got := drain(t, c)
	if len(got) != 2 {
		t.Fatalf("expected status and the pending step event, got %+v", got)
	}
	if got[0].Seq != 1 || got[1].Type != event.KindStepStatus || got[1].Seq != 2 {
		t.Fatalf("expected status at seq 1 then step seq 2, got %+v", got)
	}
}

func TestConcurrentSubscribeSeesEveryEvent(t *testing.T) {
	status := newFakeStatus()
	status.set("r1", "t1", run.StatusRunning, 0)
	hub := testHub(status)
	ctx := context.Background()
	const events = 200

	conns := make([]*conn, 8)
	for i := range conns {
		conns[i] = testConn("t1", events+2)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for seq := uint64(1); seq <= events; seq++ {
			// Same order as the scheduler: snapshot first, then publish.
			status.set("r1", "t1", run.StatusRunning, seq)
			hub.Publish(ctx, "r1", stepEvent("r1", seq))
		}
	}()
	for _, c := range conns {
		wg.Add(1)
		go func(c *conn) {
			defer wg.Done()
			if err := hub.Subscribe(ctx, c, "r1"); err != nil {
				t.Error(err)
			}
		}(c)
	}
	wg.Wait()

	for i, c := range conns {
		got := drain(t, c)
		if len(got) == 0 || got[0].Type != event.KindRunStatus {
			t.Fatalf("conn %d: expected status first, got %+v", i, got)
		}
		next := got[0].Seq + 1
		for _, ev := range got[1:] {
			if ev.Seq != next {
				t.Fatalf("conn %d: expected seq %d, got %d", i, next, ev.Seq)
			}
			next++
		}
		if next != events+1 {
			t.Fatalf("conn %d: stream ended at seq %d", i, next-1)
		}
	}
}

func TestSubscribeToFinishedRun(t *testing.T) {
	status := newFakeStatus()
	status.set("r1", "t1", run.StatusCompleted, 0)
	hub := testHub(status)
	c := testConn("t1", 4)
	ctx := context.Background()

	if err := hub.Subscribe(ctx, c, "r1"); err != nil {
		t.Fatal(err)
	}
	hub.Publish(ctx, "r1", stepEvent("r1", 9))

	got := drain(t, c)
	if len(got) != 1 || !terminalStatus(got[0]) {
		t.Fatalf("expected exactly one terminal status, got %+v", got)
	}
	if hub.Subscribers("r1") != 0 {
		t.Fatal("finished runs keep no subscribers")
	}
}

func TestTerminalPublishEndsSubscriptions(t *testing.T) {
	status := newFakeStatus()
	status.set("r1", "t1", run.StatusRunning, 1)
	hub := testHub(status)
	ctx := context.Background()
	a, b := testConn("t1", 8), testConn("t1", 8)
	for _, c := range []*conn{a, b} {
		if err := hub.Subscribe(ctx, c, "r1"); err != nil {
			t.Fatal(err)
		}
	}

	hub.Publish(ctx, "r1", statusEvent("r1", run.StatusFailed, 2))
	hub.Publish(ctx, "r1", stepEvent("r1", 3))

	if hub.Subscribers("r1") != 0 {
		t.Fatalf("expected subscriptions removed, %d left", hub.Subscribers("r1"))
	}
	for _, c := range []*conn{a, b} {
		got := drain(t, c)
		if len(got) != 2 || !terminalStatus(got[1]) {
			t.Fatalf("expected initial and terminal status only, got %+v", got)
		}
		if len(c.subscribed()) != 0 {
			t.Fatal("connection still tracks the finished run")
		}
	}
}

func TestFullQueueDropsAndCounts(t *testing.T) {
	status := newFakeStatus()
	status.set("r1", "t1", run.StatusRunning, 0)
	hub := testHub(status)
	slow := testConn("t1", 1)
	fast := testConn("t1", 16)
	ctx := context.Background()
	for _, c := range []*conn{slow, fast} {
		if err := hub.Subscribe(ctx, c, "r1"); err != nil {
			t.Fatal(err)
		}
	}

	// The slow queue is already full with the status event.
	hub.Publish(ctx, "r1", stepEvent("r1", 1))
	hub.Publish(ctx, "r1", stepEvent("r1", 2))

	if hub.DroppedCount() != 2 {
		t.Fatalf("expected 2 drops, got %d", hub.DroppedCount())
	}
	if got := drain(t, fast); len(got) != 3 {
		t.Fatalf("fast observer should be unaffected, got %d events", len(got))
	}
}

func TestSubscribeChecksTenant(t *testing.T) {
	status := newFakeStatus()
	status.set("r1", "t1", run.StatusRunning, 0)
	hub := testHub(status)

	err := hub.Subscribe(context.Background(), testConn("t2", 4), "r1")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for a foreign tenant, got %v", err)
	}
	if hub.Subscribers("r1") != 0 {
		t.Fatal("refused subscription was registered")
	}
}

func TestUnsubscribe(t *testing.T) {
	status := newFakeStatus()
	status.set("r1", "t1", run.StatusRunning, 0)
	status.set("r2", "t1", run.StatusRunning, 0)
	hub := testHub(status)
	c := testConn("t1", 16)
	ctx := context.Background()
	_ = hub.Subscribe(ctx, c, "r1")
	_ = hub.Subscribe(ctx, c, "r2")
	drain(t, c)

	hub.Unsubscribe(c, "r1")
	hub.Publish(ctx, "r1", stepEvent("r1", 1))
	hub.Publish(ctx, "r2", stepEvent("r2", 1))

	got := drain(t, c)
	if len(got) != 1 || got[0].RunID != "r2" {
		t.Fatalf("expected only r2 events, got %+v", got)
	}

	hub.remove(c)
	if hub.Subscribers("r2") != 0 {
		t.Fatal("remove should drop every subscription of the connection")
	}
}

func TestShardSelection(t *testing.T) {
	hub := NewHub(config.Hub{}, newFakeStatus())
	if len(hub.shards) != 1 {
		t.Fatalf("expected a single shard by default, got %d", len(hub.shards))
	}

	hub = testHub(newFakeStatus())
	if hub.shardFor("run-a") != hub.shardFor("run-a") {
		t.Fatal("shard selection must be stable")
	}
}

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"ping", `{"type":"ping"}`, MsgPing, false},
		{"subscribe", `{"type":"subscribe_execution","run_id":"r1"}`, MsgSubscribe, false},
		{"malformed", `{"type":`, "", true},
		{"missing type", `{"run_id":"r1"}`, "", true},
		{"unknown", `{"type":"shutdown"}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := parseClientMessage([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if m.Type != tt.want {
				t.Fatalf("type = %q, want %q", m.Type, tt.want)
			}
		})
	}
}
