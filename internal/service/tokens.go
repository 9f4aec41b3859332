package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc"
	"github.com/google/uuid"

	"github.com/Strob0t/TeamForge/internal/config"
)

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid token")

// Principal is the authenticated caller of an API request.
type Principal struct {
	Subject  string
	TenantID string
	Email    string
}

// tokenClaims is the JWT payload of locally issued tokens.
type tokenClaims struct {
	Subject  string `json:"sub"`
	TenantID string `json:"tid"`
	Email    string `json:"email,omitempty"`
	IssuedAt int64  `json:"iat"`
	Expiry   int64  `json:"exp"`
	JTI      string `json:"jti"`
	Audience string `json:"aud"`
	Issuer   string `json:"iss"`
}

// TokenService verifies bearer tokens. It accepts HS256 tokens signed with the
// shared secret and, when an OIDC issuer is configured, ID tokens from it.
type TokenService struct {
	secret   []byte
	issuer   string
	audience string
	oidc     *oidc.IDTokenVerifier
	now      func() time.Time
}

// NewTokenService creates a TokenService. The OIDC provider is discovered
// when cfg.OIDCIssuer is set.
func NewTokenService(ctx context.Context, cfg config.Auth) (*TokenService, error) {
	s := &TokenService{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      time.Now,
	}
	if cfg.OIDCIssuer == "" {
		return s, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuer)
	if err != nil {
		return nil, fmt.Errorf("oidc provider %s: %w", cfg.OIDCIssuer, err)
	}
	if cfg.OIDCClientID != "" {
		s.oidc = provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID})
	} else {
		s.oidc = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	}
	return s, nil
}

// Issue signs an HS256 token for subject in tenantID.
func (s *TokenService) Issue(subject, tenantID string, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("no signing secret configured")
	}
	now := s.now()
	payload, err := json.Marshal(tokenClaims{
		Subject:  subject,
		TenantID: tenantID,
		IssuedAt: now.Unix(),
		Expiry:   now.Add(ttl).Unix(),
		JTI:      uuid.NewString(),
		Audience: s.audience,
		Issuer:   s.issuer,
	})
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	signingInput := jwtHeader + "." + base64URLEncode(payload)
	return signingInput + "." + s.sign(signingInput), nil
}

// Verify authenticates a bearer token.
func (s *TokenService) Verify(ctx context.Context, token string) (*Principal, error) {
	if len(s.secret) > 0 {
		p, err := s.verifyJWT(token)
		if err == nil || s.oidc == nil {
			return p, err
		}
	}
	if s.oidc == nil {
		return nil, fmt.Errorf("%w: no verifier configured", ErrInvalidToken)
	}

	idToken, err := s.oidc.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	var claims struct {
		Email    string `json:"email"`
		TenantID string `json:"tid"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: claims: %w", ErrInvalidToken, err)
	}
	return &Principal{Subject: idToken.Subject, TenantID: claims.TenantID, Email: claims.Email}, nil
}

// --- HS256 ---

var jwtHeader = base64URLEncode([]byte(`{"alg":"HS256","typ":"JWT"}`))

func (s *TokenService) sign(signingInput string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(signingInput))
	return base64URLEncode(mac.Sum(nil))
}

func (s *TokenService) verifyJWT(token string) (*Principal, error) {
	parts := strings.SplitN(token, ".", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: malformed", ErrInvalidToken)
	}
	if !hmac.Equal([]byte(parts[2]), []byte(s.sign(parts[0]+"."+parts[1]))) {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalidToken)
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: decode payload: %w", ErrInvalidToken, err)
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: unmarshal claims: %w", ErrInvalidToken, err)
	}

	switch {
	case s.now().Unix() > claims.Expiry:
		return nil, fmt.Errorf("%w: expired", ErrInvalidToken)
	case s.audience != "" && claims.Audience != s.audience:
		return nil, fmt.Errorf("%w: audience", ErrInvalidToken)
	case s.issuer != "" && claims.Issuer != s.issuer:
		return nil, fmt.Errorf("%w: issuer", ErrInvalidToken)
	case claims.Subject == "":
		return nil, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return &Principal{Subject: claims.Subject, TenantID: claims.TenantID, Email: claims.Email}, nil
}

func base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}
