package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/TeamForge/internal/domain/event"
	"github.com/Strob0t/TeamForge/internal/port/auditlog"
	"github.com/Strob0t/TeamForge/internal/port/messagequeue"
)

// AuditSink implements auditlog.Sink by publishing entries to the stream.
type AuditSink struct {
	q messagequeue.Queue
}

// NewAuditSink creates an AuditSink publishing through q.
func NewAuditSink(q messagequeue.Queue) *AuditSink {
	return &AuditSink{q: q}
}

// Append publishes e on audit.events.<run_id>.
func (s *AuditSink) Append(ctx context.Context, e *event.AuditEntry) error {
	data, err := json.Marshal(messagequeue.AuditPayload{
		ID:        e.ID,
		TenantID:  e.TenantID,
		RunID:     e.RunID,
		Seq:       e.Seq,
		Kind:      string(e.Kind),
		Data:      e.Data,
		CreatedAt: e.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	return s.q.Publish(ctx, messagequeue.AuditSubject(e.RunID), data)
}

// ArchiveAudit consumes published audit entries and appends them to dst,
// typically the database sink. The returned function stops the consumer.
func ArchiveAudit(ctx context.Context, q messagequeue.Queue, dst auditlog.Sink) (func(), error) {
	return q.Subscribe(ctx, messagequeue.SubjectAudit+".>", func(ctx context.Context, _ string, data []byte) error {
		var p messagequeue.AuditPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode audit entry: %w", err)
		}
		return dst.Append(ctx, &event.AuditEntry{
			ID:        p.ID,
			TenantID:  p.TenantID,
			RunID:     p.RunID,
			Seq:       p.Seq,
			Kind:      event.Kind(p.Kind),
			Data:      p.Data,
			CreatedAt: p.CreatedAt,
		})
	})
}
