package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// sink is a slog.Handler that stores every record it receives.
type sink struct {
	mu    sync.Mutex
	msgs  []string
	pause chan struct{} // when set, Handle blocks until it is closed
}

func (s *sink) Enabled(context.Context, slog.Level) bool { return true }

func (s *sink) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if s.pause != nil {
		<-s.pause
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, rec.Message)
	s.mu.Unlock()
	return nil
}

func (s *sink) WithAttrs([]slog.Attr) slog.Handler { return s }
func (s *sink) WithGroup(string) slog.Handler      { return s }

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func emit(h slog.Handler, msg string) {
	_ = h.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, msg, 0))
}

func TestAsyncHandlerDeliversEverythingOnClose(t *testing.T) {
	tests := []struct {
		name    string
		workers int
		writers int
		each    int
	}{
		{"single writer", 1, 1, 50},
		{"step goroutines", 4, 32, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &sink{}
			h := NewAsyncHandler(s, tt.writers*tt.each, tt.workers)

			var wg sync.WaitGroup
			for range tt.writers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range tt.each {
						emit(h, "step finished")
					}
				}()
			}
			wg.Wait()
			h.Close()

			if got, want := s.len(), tt.writers*tt.each; got != want {
				t.Fatalf("expected %d records, got %d", want, got)
			}
			if h.DroppedCount() != 0 {
				t.Fatalf("expected no drops, got %d", h.DroppedCount())
			}
		})
	}
}

func TestAsyncHandlerNeverBlocksWhenFull(t *testing.T) {
	s := &sink{pause: make(chan struct{})}
	h := NewAsyncHandler(s, 1, 1)

	done := make(chan struct{})
	go func() {
		for range 20 {
			emit(h, "burst")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("logging blocked on a stalled sink")
	}

	close(s.pause)
	h.Close()
	if h.DroppedCount() == 0 {
		t.Fatal("expected records to be dropped while the sink was stalled")
	}
	if int64(s.len())+h.DroppedCount() != 20 {
		t.Fatalf("written %d + dropped %d != 20", s.len(), h.DroppedCount())
	}
}

func TestAsyncHandlerAfterClose(t *testing.T) {
	s := &sink{}
	h := NewAsyncHandler(s, 4, 1)
	h.Close()
	h.Close()

	emit(h, "late")
	if h.DroppedCount() != 1 || s.len() != 0 {
		t.Fatalf("expected the late record dropped, dropped=%d written=%d", h.DroppedCount(), s.len())
	}
}

func TestAsyncHandlerKeepsRunAttributes(t *testing.T) {
	var buf bytes.Buffer
	h := NewAsyncHandler(slog.NewJSONHandler(&buf, nil), 8, 1)
	log := slog.New(NewContextHandler(h)).With("workflow_id", "digest")

	ctx := WithRunID(context.Background(), "run-42")
	log.InfoContext(ctx, "run started")
	h.Close()

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["workflow_id"] != "digest" || rec["run_id"] != "run-42" {
		t.Fatalf("expected derived and context attrs to survive the queue, got %v", rec)
	}
}
