// Package auditlog defines the append-only audit sink port.
package auditlog

import (
	"context"
	"errors"

	"github.com/Strob0t/TeamForge/internal/domain/event"
)

// Sink appends audit entries. Entries are never updated or removed.
type Sink interface {
	Append(ctx context.Context, e *event.AuditEntry) error
}

type multi []Sink

// Multi fans an entry out to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

func (m multi) Append(ctx context.Context, e *event.AuditEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
