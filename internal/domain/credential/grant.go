// Package credential defines tenant-supplied (BYOC) credential records and the
// scoped grants handed to steps at invocation time.
package credential

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

const redacted = "[REDACTED]"

// Secret is opaque credential material. Every printable form is redacted;
// use Reveal at the transport boundary only.
type Secret string

func (s Secret) String() string { return redacted }

// GoString keeps %#v from printing the value.
func (s Secret) GoString() string { return redacted }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

// MarshalJSON never emits the secret.
func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

// Reveal returns the raw secret.
func (s Secret) Reveal() string { return string(s) }

// Grant is a resolved, time-scoped credential for one service.
type Grant struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Service   string    `json:"service"`
	Scopes    []string  `json:"scopes,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"` // zero = no expiry
	Renewable bool      `json:"renewable"`
	Secret    Secret    `json:"secret"`
}

// Expired reports whether the grant is past its expiry at now.
func (g *Grant) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}

// Stale reports whether the grant expires within window of now (or already has).
func (g *Grant) Stale(now time.Time, window time.Duration) bool {
	return !g.ExpiresAt.IsZero() && !now.Add(window).Before(g.ExpiresAt)
}

// LogValue logs grant metadata without the secret.
func (g *Grant) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", g.ID),
		slog.String("service", g.Service),
		slog.Any("scopes", g.Scopes),
		slog.Time("expires_at", g.ExpiresAt),
		slog.Bool("renewable", g.Renewable),
	)
}

// Record is the stored configuration of one tenant credential. Secret
// material lives in the vault and is referenced by name.
type Record struct {
	TenantID  string    `json:"tenant_id"`
	Service   string    `json:"service"`
	Scopes    []string  `json:"scopes,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Renewable bool      `json:"renewable"`
	SecretRef string    `json:"secret_ref"`

	// OAuth2 refresh settings, used when Renewable.
	RefreshTokenRef string `json:"refresh_token_ref,omitempty"`
	TokenURL        string `json:"token_url,omitempty"`
	ClientID        string `json:"client_id,omitempty"`
	ClientSecretRef string `json:"client_secret_ref,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy with its own scope slice.
func (r *Record) Clone() *Record {
	c := *r
	c.Scopes = slices.Clone(r.Scopes)
	return &c
}

// Renewal is the result of refreshing a grant.
type Renewal struct {
	Secret       Secret
	RefreshToken Secret // empty when the provider did not rotate it
	ExpiresAt    time.Time
}

// Refresher renews a credential through its provider's refresh flow.
type Refresher interface {
	Refresh(ctx context.Context, rec *Record, refreshToken, clientSecret Secret) (*Renewal, error)
}
