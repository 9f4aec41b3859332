package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/TeamForge/internal/domain/agent"
	"github.com/Strob0t/TeamForge/internal/domain/workflow"
	"github.com/Strob0t/TeamForge/internal/port/database"
)

// Seed registers the agent manifests and workflow definitions found in the
// given directories. Missing directories are skipped. Re-seeding unchanged
// files is a no-op.
func Seed(ctx context.Context, registry *RegistryService, workflows database.WorkflowStore, agentDir, workflowDir string) error {
	manifests, err := agent.LoadManifestDirectory(agentDir)
	if err != nil {
		return fmt.Errorf("load agent manifests: %w", err)
	}
	for i := range manifests {
		if _, err := registry.Register(ctx, &manifests[i]); err != nil {
			return fmt.Errorf("seed agent %s: %w", manifests[i].Key(), err)
		}
	}

	defs, err := workflow.LoadFromDirectory(workflowDir)
	if err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}
	for i := range defs {
		if err := workflows.SaveWorkflow(ctx, &defs[i]); err != nil {
			return fmt.Errorf("seed workflow %s: %w", defs[i].ID, err)
		}
	}

	slog.Info("seed data loaded", "agents", len(manifests), "workflows", len(defs))
	return nil
}
