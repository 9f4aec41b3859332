// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/Strob0t/TeamForge/internal/domain/agent"
	"github.com/Strob0t/TeamForge/internal/domain/credential"
	"github.com/Strob0t/TeamForge/internal/domain/run"
	"github.com/Strob0t/TeamForge/internal/domain/workflow"
)

// AgentStore persists registered agent versions.
type AgentStore interface {
	GetAgent(ctx context.Context, key agent.Key) (*agent.Agent, error)
	ListAgents(ctx context.Context) ([]agent.Agent, error)
	// CreateAgent inserts a new version. An existing key returns domain.ErrConflict.
	CreateAgent(ctx context.Context, a *agent.Agent) error
	UpdateAgentStatus(ctx context.Context, key agent.Key, status agent.Status) error
	DeleteAgent(ctx context.Context, key agent.Key) error
}

// WorkflowStore persists workflow definition versions.
type WorkflowStore interface {
	// GetWorkflow returns the latest version of a tenant's workflow.
	GetWorkflow(ctx context.Context, tenantID, id string) (*workflow.Definition, error)
	// SaveWorkflow inserts a definition version; an identical id and version is a no-op.
	SaveWorkflow(ctx context.Context, d *workflow.Definition) error
	// WorkflowsReferencing returns the ids of workflows bound to the agent version.
	WorkflowsReferencing(ctx context.Context, key agent.Key) ([]string, error)
}

// RunStore persists runs and their steps.
type RunStore interface {
	CreateRun(ctx context.Context, r *run.Run) error
	// UpdateRun writes the run header and every step.
	UpdateRun(ctx context.Context, r *run.Run) error
	GetRun(ctx context.Context, id string) (*run.Run, error)
	// ListRuns returns one page of runs and the total number matching the filter.
	ListRuns(ctx context.Context, f run.ListFilter) ([]run.Run, int, error)
	// ListUnfinishedRuns returns pending and running runs.
	ListUnfinishedRuns(ctx context.Context) ([]run.Run, error)
}

// CredentialStore persists tenant credential records.
type CredentialStore interface {
	GetCredential(ctx context.Context, tenantID, service string) (*credential.Record, error)
	SaveCredential(ctx context.Context, rec *credential.Record) error
}

// Store is the port interface for database operations.
type Store interface {
	AgentStore
	WorkflowStore
	RunStore
	CredentialStore

	Ping(ctx context.Context) error
}
