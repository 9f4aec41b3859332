package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Strob0t/TeamForge/internal/service"
)

type principalCtxKey struct{}

// publicPaths are exempt from authentication.
var publicPaths = map[string]bool{
	"/health":       true,
	"/health/ready": true,
}

// wsPrefix marks handshake paths where browsers cannot set headers and the
// token may travel in the ?token= query parameter.
const wsPrefix = "/ws/"

// TokenVerifier validates a bearer token and returns its principal.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*service.Principal, error)
}

// Auth returns middleware that requires a valid bearer token carrying a
// tenant claim. The token's tenant replaces the one set by TenantID. When
// enabled is false requests pass through unauthenticated. Failures answer
// 401 before any handler, including a WebSocket upgrade, runs.
func Auth(verifier TokenVerifier, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "authorization required")
				return
			}

			p, err := verifier.Verify(r.Context(), token)
			if err != nil {
				unauthorized(w, "invalid or expired token")
				return
			}

			// The tenant comes from the token, never from the client.
			if !ValidTenantID(p.TenantID) {
				unauthorized(w, "token carries no valid tenant")
				return
			}

			ctx := context.WithValue(r.Context(), principalCtxKey{}, p)
			ctx = WithTenantID(ctx, p.TenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, found := strings.CutPrefix(h, "Bearer ")
		return token, found && token != ""
	}
	if strings.HasPrefix(r.URL.Path, wsPrefix) {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, true
		}
	}
	return "", false
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="teamforge"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// PrincipalFromContext returns the authenticated principal, or nil when
// authentication is disabled.
func PrincipalFromContext(ctx context.Context) *service.Principal {
	p, _ := ctx.Value(principalCtxKey{}).(*service.Principal)
	return p
}
