package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/TeamForge/internal/domain/event"
)

// AuditSink implements auditlog.Sink on the append-only audit_events table.
type AuditSink struct {
	pool *pgxpool.Pool
}

// NewAuditSink creates an AuditSink backed by the given connection pool.
func NewAuditSink(pool *pgxpool.Pool) *AuditSink {
	return &AuditSink{pool: pool}
}

// Append inserts one audit entry.
func (s *AuditSink) Append(ctx context.Context, e *event.AuditEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, tenant_id, run_id, seq, kind, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.TenantID, e.RunID, int64(e.Seq), string(e.Kind), nullJSON(e.Data), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit %s/%d: %w", e.RunID, e.Seq, err)
	}
	return nil
}

// RunHistory returns a run's audit entries in sequence order.
func (s *AuditSink) RunHistory(ctx context.Context, tenantID, runID string) ([]event.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, tenant_id, run_id::text, seq, kind, data, created_at
		 FROM audit_events WHERE tenant_id = $1 AND run_id = $2 ORDER BY seq, created_at`, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("run history %s: %w", runID, err)
	}
	defer rows.Close()

	var entries []event.AuditEntry
	for rows.Next() {
		var (
			e    event.AuditEntry
			seq  int64
			data []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.RunID, &seq, &e.Kind, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Seq = uint64(seq)
		e.Data = data
		entries = append(entries, e)
	}
	return orEmpty(entries), rows.Err()
}
