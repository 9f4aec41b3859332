package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/TeamForge/internal/domain/agent"
	"github.com/Strob0t/TeamForge/internal/domain/workflow"
)

// GetWorkflow returns the latest version of a tenant's workflow.
func (s *Store) GetWorkflow(ctx context.Context, tenantID, id string) (*workflow.Definition, error) {
	var (
		raw []byte
		d   workflow.Definition
	)
	err := s.pool.QueryRow(ctx,
		`SELECT definition, created_at FROM workflow_definitions
		 WHERE id = $1 AND tenant_id = $2 ORDER BY version DESC LIMIT 1`, id, tenantID).
		Scan(&raw, &d.CreatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get workflow %s", id)
	}
	createdAt := d.CreatedAt
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", id, err)
	}
	d.CreatedAt = createdAt
	return &d, nil
}

// SaveWorkflow inserts a definition version. A version that already exists is kept as is.
func (s *Store) SaveWorkflow(ctx context.Context, d *workflow.Definition) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal workflow %s: %w", d.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_definitions (id, version, tenant_id, team_id, name, topology, definition, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, now()))
		 ON CONFLICT (id, version) DO NOTHING`,
		d.ID, d.Version, d.TenantID, d.TeamID, d.Name, string(d.Topology), raw, nullTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("save workflow %s v%d: %w", d.ID, d.Version, err)
	}
	return nil
}

// WorkflowsReferencing returns the ids of workflows with a binding to the agent version.
func (s *Store) WorkflowsReferencing(ctx context.Context, key agent.Key) ([]string, error) {
	ref, err := json.Marshal([]map[string]string{{"agent_id": key.ID, "agent_version": key.Version}})
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT id FROM workflow_definitions WHERE definition -> 'bindings' @> $1::jsonb ORDER BY id`, ref)
	if err != nil {
		return nil, fmt.Errorf("workflows referencing %s: %w", key, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
