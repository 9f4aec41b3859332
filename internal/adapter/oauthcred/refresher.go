// Package oauthcred renews tenant credentials through the OAuth2
// refresh_token grant.
package oauthcred

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/Strob0t/TeamForge/internal/domain/credential"
)

// Refresher implements credential.Refresher with golang.org/x/oauth2.
type Refresher struct {
	httpClient *http.Client
}

// New creates a Refresher with a traced HTTP client bounded by timeout.
func New(timeout time.Duration) *Refresher {
	return &Refresher{httpClient: &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}}
}

// Refresh exchanges the refresh token at rec.TokenURL.
func (r *Refresher) Refresh(ctx context.Context, rec *credential.Record, refreshToken, clientSecret credential.Secret) (*credential.Renewal, error) {
	if rec.TokenURL == "" {
		return nil, errors.New("no token url configured")
	}
	if refreshToken.Reveal() == "" {
		return nil, errors.New("no refresh token stored")
	}

	cfg := &oauth2.Config{
		ClientID:     rec.ClientID,
		ClientSecret: clientSecret.Reveal(),
		Endpoint:     oauth2.Endpoint{TokenURL: rec.TokenURL},
		Scopes:       rec.Scopes,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)

	// An expired token forces the source to hit the token endpoint.
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken.Reveal(), Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh %s credential: %w", rec.Service, err)
	}

	renewal := &credential.Renewal{
		Secret:    credential.Secret(tok.AccessToken),
		ExpiresAt: tok.Expiry,
	}
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken.Reveal() {
		renewal.RefreshToken = credential.Secret(tok.RefreshToken)
	}
	return renewal, nil
}
