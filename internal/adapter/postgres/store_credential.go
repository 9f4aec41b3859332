package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/TeamForge/internal/domain/credential"
)

func (s *Store) GetCredential(ctx context.Context, tenantID, service string) (*credential.Record, error) {
	var (
		rec       credential.Record
		expiresAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, service, scopes, expires_at, renewable, secret_ref,
		        refresh_token_ref, token_url, client_id, client_secret_ref, updated_at
		 FROM tenant_credentials WHERE tenant_id = $1 AND service = $2`, tenantID, service).
		Scan(&rec.TenantID, &rec.Service, &rec.Scopes, &expiresAt, &rec.Renewable, &rec.SecretRef,
			&rec.RefreshTokenRef, &rec.TokenURL, &rec.ClientID, &rec.ClientSecretRef, &rec.UpdatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get credential %s/%s", tenantID, service)
	}
	if expiresAt != nil {
		rec.ExpiresAt = *expiresAt
	}
	return &rec, nil
}

// SaveCredential upserts the record for its tenant and service.
func (s *Store) SaveCredential(ctx context.Context, rec *credential.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenant_credentials (tenant_id, service, scopes, expires_at, renewable, secret_ref,
		                                 refresh_token_ref, token_url, client_id, client_secret_ref, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		 ON CONFLICT (tenant_id, service) DO UPDATE SET
		    scopes = EXCLUDED.scopes, expires_at = EXCLUDED.expires_at, renewable = EXCLUDED.renewable,
		    secret_ref = EXCLUDED.secret_ref, refresh_token_ref = EXCLUDED.refresh_token_ref,
		    token_url = EXCLUDED.token_url, client_id = EXCLUDED.client_id,
		    client_secret_ref = EXCLUDED.client_secret_ref, updated_at = now()`,
		rec.TenantID, rec.Service, pgTextArray(rec.Scopes), nullTime(rec.ExpiresAt), rec.Renewable, rec.SecretRef,
		rec.RefreshTokenRef, rec.TokenURL, rec.ClientID, rec.ClientSecretRef)
	if err != nil {
		return fmt.Errorf("save credential %s/%s: %w", rec.TenantID, rec.Service, err)
	}
	return nil
}
