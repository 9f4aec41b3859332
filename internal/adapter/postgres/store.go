package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/TeamForge/internal/domain"
	"github.com/Strob0t/TeamForge/internal/domain/agent"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Agents ---

const agentColumns = `manifest, checksum, status, created_at, updated_at`

func scanAgent(row scannable) (agent.Agent, error) {
	var (
		a        agent.Agent
		manifest []byte
	)
	if err := row.Scan(&manifest, &a.Checksum, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return a, err
	}
	if err := json.Unmarshal(manifest, &a.Manifest); err != nil {
		return a, fmt.Errorf("decode manifest: %w", err)
	}
	return a, nil
}

func (s *Store) GetAgent(ctx context.Context, key agent.Key) (*agent.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1 AND version = $2`, key.ID, key.Version)
	a, err := scanAgent(row)
	if err != nil {
		return nil, notFoundWrap(err, "get agent %s", key)
	}
	return &a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]agent.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY agent_id, created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return orEmpty(agents), rows.Err()
}

func (s *Store) CreateAgent(ctx context.Context, a *agent.Agent) error {
	manifest, err := json.Marshal(a.Manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agents (agent_id, version, name, manifest, checksum, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.AgentID, a.Version, a.Name, manifest, a.Checksum, string(a.Status), a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("create agent %s: %w", a.Key(), domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create agent %s: %w", a.Key(), err)
	}
	return nil
}

func (s *Store) UpdateAgentStatus(ctx context.Context, key agent.Key, status agent.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = $3, updated_at = now() WHERE agent_id = $1 AND version = $2`,
		key.ID, key.Version, string(status))
	return execExpectOne(tag, err, "update agent status %s", key)
}

func (s *Store) DeleteAgent(ctx context.Context, key agent.Key) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agents WHERE agent_id = $1 AND version = $2`, key.ID, key.Version)
	return execExpectOne(tag, err, "delete agent %s", key)
}
