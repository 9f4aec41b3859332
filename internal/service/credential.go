package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/TeamForge/internal/domain"
	"github.com/Strob0t/TeamForge/internal/domain/credential"
	"github.com/Strob0t/TeamForge/internal/port/cache"
	"github.com/Strob0t/TeamForge/internal/port/database"
)

// SecretStore holds credential material by reference.
type SecretStore interface {
	Secret(ref string) (credential.Secret, bool)
	Put(ref string, s credential.Secret)
}

// CredentialService resolves tenant credentials into scoped grants just in time.
type CredentialService struct {
	store       database.CredentialStore
	cache       cache.Cache
	cacheTTL    time.Duration
	secrets     SecretStore
	refresher   credential.Refresher
	staleWindow time.Duration
	now         func() time.Time
}

// NewCredentialService creates a CredentialService. c and refresher may be nil.
func NewCredentialService(store database.CredentialStore, secrets SecretStore, c cache.Cache, cacheTTL, staleWindow time.Duration) *CredentialService {
	return &CredentialService{
		store:       store,
		cache:       c,
		cacheTTL:    cacheTTL,
		secrets:     secrets,
		staleWindow: staleWindow,
		now:         time.Now,
	}
}

// SetRefresher sets the provider used to renew renewable credentials.
func (s *CredentialService) SetRefresher(r credential.Refresher) { s.refresher = r }

// Resolve returns a grant for the tenant's credential for service.
// A grant close to expiry is revalidated once against the store and, if
// renewable, refreshed once.
func (s *CredentialService) Resolve(ctx context.Context, tenantID, service string) (*credential.Grant, error) {
	rec, err := s.record(ctx, tenantID, service, true)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if stale(rec, now, s.staleWindow) {
		if fresh, err := s.record(ctx, tenantID, service, false); err == nil {
			rec = fresh
		} else {
			slog.Warn("credential revalidation failed", "tenant_id", tenantID, "service", service, "error", err)
		}
	}

	if stale(rec, now, s.staleWindow) && rec.Renewable && s.refresher != nil {
		renewed, err := s.refresh(ctx, rec)
		switch {
		case err == nil:
			rec = renewed
		case expired(rec, now):
			return nil, fmt.Errorf("credential %s for tenant %s: refresh: %w: %w", service, tenantID, domain.ErrCredentialExpired, err)
		default:
			slog.Warn("credential refresh failed, using current grant", "tenant_id", tenantID, "service", service, "error", err)
		}
	}

	if expired(rec, now) {
		return nil, fmt.Errorf("credential %s for tenant %s expired at %s: %w",
			service, tenantID, rec.ExpiresAt.Format(time.RFC3339), domain.ErrCredentialExpired)
	}

	secret, ok := s.secrets.Secret(rec.SecretRef)
	if !ok {
		return nil, fmt.Errorf("credential %s for tenant %s: secret %q missing: %w",
			service, tenantID, rec.SecretRef, domain.ErrCredentialNotConfigured)
	}

	return &credential.Grant{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Service:   service,
		Scopes:    rec.Scopes,
		ExpiresAt: rec.ExpiresAt,
		Renewable: rec.Renewable,
		Secret:    secret,
	}, nil
}

// ResolveAll resolves grants for every service concurrently. The first
// failure cancels the rest and is returned.
func (s *CredentialService) ResolveAll(ctx context.Context, tenantID string, services []string) ([]*credential.Grant, error) {
	grants := make([]*credential.Grant, len(services))
	g, gctx := errgroup.WithContext(ctx)
	for i, svc := range services {
		g.Go(func() error {
			grant, err := s.Resolve(gctx, tenantID, svc)
			if err != nil {
				return err
			}
			grants[i] = grant
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return grants, nil
}

func (s *CredentialService) record(ctx context.Context, tenantID, service string, cached bool) (*credential.Record, error) {
	key := "cred:" + tenantID + "/" + service
	if cached && s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var rec credential.Record
			if json.Unmarshal(data, &rec) == nil {
				return &rec, nil
			}
		}
	}

	rec, err := s.store.GetCredential(ctx, tenantID, service)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("credential %s for tenant %s: %w", service, tenantID, domain.ErrCredentialNotConfigured)
		}
		return nil, fmt.Errorf("get credential %s: %w", service, err)
	}
	if s.cache != nil {
		if data, err := json.Marshal(rec); err == nil {
			_ = s.cache.Set(ctx, key, data, s.cacheTTL)
		}
	}
	return rec, nil
}

func (s *CredentialService) refresh(ctx context.Context, rec *credential.Record) (*credential.Record, error) {
	rt, ok := s.secrets.Secret(rec.RefreshTokenRef)
	if !ok {
		return nil, fmt.Errorf("refresh token %q missing", rec.RefreshTokenRef)
	}
	cs, _ := s.secrets.Secret(rec.ClientSecretRef)

	renewal, err := s.refresher.Refresh(ctx, rec, rt, cs)
	if err != nil {
		return nil, err
	}

	s.secrets.Put(rec.SecretRef, renewal.Secret)
	if renewal.RefreshToken != "" && rec.RefreshTokenRef != "" {
		s.secrets.Put(rec.RefreshTokenRef, renewal.RefreshToken)
	}

	next := rec.Clone()
	next.ExpiresAt = renewal.ExpiresAt
	next.UpdatedAt = s.now().UTC()
	if err := s.store.SaveCredential(ctx, next); err != nil {
		slog.Warn("persist refreshed credential failed", "tenant_id", rec.TenantID, "service", rec.Service, "error", err)
	}
	if s.cache != nil {
		_ = s.cache.Delete(ctx, "cred:"+rec.TenantID+"/"+rec.Service)
	}

	slog.Info("credential refreshed", "tenant_id", rec.TenantID, "service", rec.Service, "expires_at", next.ExpiresAt)
	return next, nil
}

func stale(rec *credential.Record, now time.Time, window time.Duration) bool {
	return !rec.ExpiresAt.IsZero() && !now.Add(window).Before(rec.ExpiresAt)
}

func expired(rec *credential.Record, now time.Time) bool {
	return !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt)
}
