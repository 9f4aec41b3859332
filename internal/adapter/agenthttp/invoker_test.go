package agenthttp_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/TeamForge/internal/adapter/agenthttp"
	"github.com/Strob0t/TeamForge/internal/logger"
	"github.com/Strob0t/TeamForge/internal/port/invoker"
)

func TestInvokeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get("X-Request-ID"); got != "req-42" {
			t.Errorf("unexpected request id %q", got)
		}
		var req invoker.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Agent != "summarizer@1.0.0" || len(req.Credentials) != 1 || req.Credentials[0].Token != "tok" {
			t.Errorf("unexpected request %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(invoker.Response{Output: req.Input})
	}))
	defer srv.Close()

	ctx := logger.WithRequestID(context.Background(), "req-42")
	resp, err := agenthttp.New().Invoke(ctx, srv.URL, &invoker.Request{
		RunID:       "r1",
		Agent:       "summarizer@1.0.0",
		Input:       json.RawMessage(`{"text":"hi"}`),
		Credentials: []invoker.Credential{{Service: "github", Token: "tok"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Output) != `{"text":"hi"}` || resp.Error != "" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestInvokeErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantErr    bool
		wantReport string
	}{
		{"agent error body", http.StatusUnprocessableEntity, `{"error":"bad input"}`, false, "bad input"},
		{"error in 200", http.StatusOK, `{"error":"quota exceeded"}`, false, "quota exceeded"},
		{"server error", http.StatusBadGateway, `upstream down`, true, ""},
		{"not json", http.StatusOK, `<html>`, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			resp, err := agenthttp.New().Invoke(context.Background(), srv.URL, &invoker.Request{})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", resp)
				}
				return
			}
			if err != nil || resp.Error != tt.wantReport {
				t.Fatalf("expected reported error %q, got %+v (%v)", tt.wantReport, resp, err)
			}
		})
	}
}

func TestInvokeHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := agenthttp.New().Invoke(ctx, srv.URL, &invoker.Request{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestInvokeOversizedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"output":"` + strings.Repeat("x", 9<<20) + `"}`))
	}))
	defer srv.Close()

	if _, err := agenthttp.New().Invoke(context.Background(), srv.URL, &invoker.Request{}); err == nil {
		t.Fatal("expected oversized response to fail")
	}
}

func TestRegisteredAsHTTPTransport(t *testing.T) {
	if !slices.Contains(invoker.Available(), "http") {
		t.Fatalf("expected http transport registered, got %v", invoker.Available())
	}
	if _, err := invoker.New("http", nil); err != nil {
		t.Fatal(err)
	}
}
