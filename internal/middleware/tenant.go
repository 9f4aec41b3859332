package middleware

import (
	"context"
	"net/http"
)

// DefaultTenantID is the single-tenant default used when no tenant is known.
const DefaultTenantID = "00000000-0000-0000-0000-000000000000"

const (
	headerTenantID  = "X-Tenant-ID"
	maxTenantLength = 64
)

type tenantCtxKey struct{}

// TenantID reads the X-Tenant-ID header into the request context, falling
// back to DefaultTenantID. Malformed ids are rejected with 400 because the
// tenant is embedded in cache and KV keys.
// With authentication enabled, Auth replaces it with the token's tenant.
func TenantID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tid := r.Header.Get(headerTenantID)
		switch {
		case tid == "":
			tid = DefaultTenantID
		case !ValidTenantID(tid):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid tenant id"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenantID(r.Context(), tid)))
	})
}

// ValidTenantID reports whether id is 1-64 characters of letters, digits, '-', '_' or '.'.
func ValidTenantID(id string) bool {
	if id == "" || len(id) > maxTenantLength {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

// WithTenantID returns a copy of ctx carrying the tenant ID.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantCtxKey{}, tenantID)
}

// TenantIDFromContext returns the tenant ID stored in ctx, or DefaultTenantID if absent.
func TenantIDFromContext(ctx context.Context) string {
	if tid, ok := ctx.Value(tenantCtxKey{}).(string); ok {
		return tid
	}
	return DefaultTenantID
}
