package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Strob0t/TeamForge/internal/config"
	"github.com/Strob0t/TeamForge/internal/middleware"
	"github.com/Strob0t/TeamForge/internal/service"
)

func newTestTokens(t *testing.T) *service.TokenService {
	t.Helper()
	svc, err := service.NewTokenService(context.Background(), config.Auth{
		Enabled:   true,
		JWTSecret: "test-secret-key-for-middleware-32b",
		Issuer:    "teamforge-accounts",
		Audience:  "teamforge",
	})
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	middleware.TenantID(h).ServeHTTP(rec, req)
	return rec
}

func TestAuthDisabledPassesThrough(t *testing.T) {
	handler := middleware.Auth(nil, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if middleware.PrincipalFromContext(r.Context()) != nil {
			t.Error("expected no principal with auth disabled")
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := serve(handler, httptest.NewRequest(http.MethodGet, "/api/v1/executions", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestAuthRejections(t *testing.T) {
	tokens := newTestTokens(t)
	expired, _ := tokens.Issue("user-1", "tenant-1", -time.Minute)
	tenantless, _ := tokens.Issue("user-1", "", time.Hour)

	tests := []struct {
		name   string
		path   string
		header string
	}{
		{"no header", "/api/v1/executions", ""},
		{"not bearer", "/api/v1/executions", "Basic dXNlcjpwYXNz"},
		{"garbage", "/api/v1/executions", "Bearer nope"},
		{"expired", "/api/v1/executions", "Bearer " + expired},
		{"query token outside ws", "/api/v1/executions?token=x", ""},
		{"no tenant claim", "/api/v1/executions", "Bearer " + tenantless},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := middleware.Auth(tokens, true)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				called = true
			}))
			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := serve(handler, req)
			if rec.Code != http.StatusUnauthorized || called {
				t.Fatalf("expected 401 without reaching the handler, got %d", rec.Code)
			}
			if rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("expected WWW-Authenticate challenge")
			}
		})
	}
}

func TestAuthValidTokenSetsPrincipalAndTenant(t *testing.T) {
	tokens := newTestTokens(t)
	tok, err := tokens.Issue("user-1", "tenant-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	var tenant string
	var principal *service.Principal
	handler := middleware.Auth(tokens, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant = middleware.TenantIDFromContext(r.Context())
		principal = middleware.PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("X-Tenant-ID", "spoofed")
	rec := serve(handler, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if tenant != "tenant-1" || principal == nil || principal.Subject != "user-1" {
		t.Fatalf("unexpected tenant %q principal %+v", tenant, principal)
	}
}

func TestAuthWebSocketQueryToken(t *testing.T) {
	tokens := newTestTokens(t)
	tok, _ := tokens.Issue("user-1", "tenant-1", time.Hour)

	handler := middleware.Auth(tokens, true)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := serve(handler, httptest.NewRequest(http.MethodGet, "/ws/executions/r1?token="+tok, http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAuthPublicPath(t *testing.T) {
	handler := middleware.Auth(newTestTokens(t), true)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := serve(handler, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
