// Package feed defines the port for external step inputs.
package feed

import (
	"context"
	"encoding/json"
)

// Source returns the latest external payload for a workflow step.
// A missing payload returns domain.ErrNotFound.
type Source interface {
	Fetch(ctx context.Context, workflowID string, position int) (json.RawMessage, error)
}
