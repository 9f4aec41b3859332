package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	tfotel "github.com/Strob0t/TeamForge/internal/adapter/otel"
	"github.com/Strob0t/TeamForge/internal/domain"
	"github.com/Strob0t/TeamForge/internal/domain/agent"
	"github.com/Strob0t/TeamForge/internal/port/cache"
	"github.com/Strob0t/TeamForge/internal/port/database"
	"github.com/Strob0t/TeamForge/internal/port/notifier"
)

// Alerter delivers operator alerts.
type Alerter interface {
	Notify(ctx context.Context, n notifier.Notification)
}

// RegistryService holds versioned agent manifests. Every read re-derives the
// manifest checksum; a mismatch quarantines the version until it is re-registered.
type RegistryService struct {
	agents    database.AgentStore
	workflows database.WorkflowStore
	cache     cache.Cache
	cacheTTL  time.Duration
	alerts    Alerter
	metrics   *tfotel.Metrics
	now       func() time.Time

	mu         sync.RWMutex
	quarantine map[agent.Key]string
}

// NewRegistryService creates a RegistryService. c may be nil to read the store directly.
func NewRegistryService(agents database.AgentStore, workflows database.WorkflowStore, c cache.Cache, cacheTTL time.Duration) *RegistryService {
	return &RegistryService{
		agents:     agents,
		workflows:  workflows,
		cache:      c,
		cacheTTL:   cacheTTL,
		now:        time.Now,
		quarantine: make(map[agent.Key]string),
	}
}

// SetAlerter sets where checksum mismatches are reported.
func (s *RegistryService) SetAlerter(a Alerter) { s.alerts = a }

// SetMetrics sets the metric instruments.
func (s *RegistryService) SetMetrics(m *tfotel.Metrics) { s.metrics = m }

// ValidateManifest checks a manifest without storing it.
func (s *RegistryService) ValidateManifest(m *agent.Manifest) error {
	return m.Validate()
}

// Checksum returns the deterministic checksum of m.
func (s *RegistryService) Checksum(m *agent.Manifest) string {
	return agent.Checksum(m)
}

// Register validates, checksums and stores a new agent version. Re-registering
// an identical manifest is idempotent; a different manifest under an existing
// id@version is a conflict. A quarantined version is replaced and released.
func (s *RegistryService) Register(ctx context.Context, m *agent.Manifest) (*agent.Agent, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	key := m.Key()
	sum := agent.Checksum(m)

	existing, err := s.agents.GetAgent(ctx, key)
	switch {
	case err == nil:
		if existing.Verify() == nil {
			if existing.Checksum != sum {
				return nil, fmt.Errorf("agent %s is already registered with a different manifest: %w", key, domain.ErrConflict)
			}
			s.release(key)
			return existing, nil
		}
		if err := s.agents.DeleteAgent(ctx, key); err != nil {
			return nil, fmt.Errorf("replace corrupt agent %s: %w", key, err)
		}
		slog.Warn("replacing agent with corrupt manifest", "agent", key.String())
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("get agent %s: %w", key, err)
	}

	now := s.now().UTC()
	a := &agent.Agent{
		Manifest:  *m,
		Status:    agent.StatusActive,
		Checksum:  sum,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.agents.CreateAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("create agent %s: %w", key, err)
	}
	s.invalidate(ctx, key)
	s.release(key)

	slog.Info("agent registered", "agent", key.String(), "checksum", sum)
	return a, nil
}

// Resolve returns the agent version after verifying its checksum.
func (s *RegistryService) Resolve(ctx context.Context, key agent.Key) (*agent.Agent, error) {
	if reason, ok := s.quarantined(key); ok {
		return nil, fmt.Errorf("agent %s is quarantined (%s): %w", key, reason, domain.ErrChecksumMismatch)
	}

	a, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := a.Verify(); err != nil {
		s.quarantineKey(ctx, key, a.Checksum)
		return nil, fmt.Errorf("resolve agent %s: %w", key, err)
	}
	return a, nil
}

// CheckInvocable rejects agents whose status forbids new invocations.
// Deprecated agents pass with a warning.
func (s *RegistryService) CheckInvocable(a *agent.Agent) error {
	if !a.Status.Invocable() {
		return fmt.Errorf("agent %s is %s: %w", a.Key(), a.Status, domain.ErrValidation)
	}
	if a.Status == agent.StatusDeprecated {
		slog.Warn("binding uses deprecated agent", "agent", a.Key().String())
	}
	return nil
}

// SetStatus changes the lifecycle status of an agent version.
func (s *RegistryService) SetStatus(ctx context.Context, key agent.Key, status agent.Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown agent status %q: %w", status, domain.ErrValidation)
	}
	if err := s.agents.UpdateAgentStatus(ctx, key, status); err != nil {
		return fmt.Errorf("set status of %s: %w", key, err)
	}
	s.invalidate(ctx, key)
	slog.Info("agent status changed", "agent", key.String(), "status", status)
	return nil
}

// Deregister removes an agent version that no workflow references.
func (s *RegistryService) Deregister(ctx context.Context, key agent.Key) error {
	refs, err := s.workflows.WorkflowsReferencing(ctx, key)
	if err != nil {
		return fmt.Errorf("check references of %s: %w", key, err)
	}
	if len(refs) > 0 {
		return fmt.Errorf("agent %s is referenced by workflows %s: %w", key, strings.Join(refs, ", "), domain.ErrConflict)
	}
	if err := s.agents.DeleteAgent(ctx, key); err != nil {
		return fmt.Errorf("delete agent %s: %w", key, err)
	}
	s.invalidate(ctx, key)
	s.release(key)
	slog.Info("agent deregistered", "agent", key.String())
	return nil
}

// List returns all registered agent versions.
func (s *RegistryService) List(ctx context.Context) ([]agent.Agent, error) {
	agents, err := s.agents.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

func (s *RegistryService) load(ctx context.Context, key agent.Key) (*agent.Agent, error) {
	ck := cacheKey(key)
	if s.cache != nil {
		data, ok, err := s.cache.Get(ctx, ck)
		if err != nil {
			slog.Warn("agent cache read failed", "agent", key.String(), "error", err)
		} else if ok {
			var a agent.Agent
			if err := json.Unmarshal(data, &a); err == nil {
				return &a, nil
			}
			_ = s.cache.Delete(ctx, ck)
		}
	}

	a, err := s.agents.GetAgent(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", key, err)
	}
	if s.cache != nil {
		if data, err := json.Marshal(a); err == nil {
			if err := s.cache.Set(ctx, ck, data, s.cacheTTL); err != nil {
				slog.Warn("agent cache write failed", "agent", key.String(), "error", err)
			}
		}
	}
	return a, nil
}

func (s *RegistryService) invalidate(ctx context.Context, key agent.Key) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cacheKey(key)); err != nil {
		slog.Warn("agent cache invalidation failed", "agent", key.String(), "error", err)
	}
}

func (s *RegistryService) quarantined(key agent.Key) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reason, ok := s.quarantine[key]
	return reason, ok
}

func (s *RegistryService) quarantineKey(ctx context.Context, key agent.Key, stored string) {
	reason := "stored checksum " + stored + " does not match manifest"

	s.mu.Lock()
	_, already := s.quarantine[key]
	s.quarantine[key] = reason
	s.mu.Unlock()

	s.invalidate(ctx, key)
	if already {
		return
	}

	slog.Error("agent quarantined", "agent", key.String(), "reason", reason)
	if s.metrics != nil {
		s.metrics.ChecksumFaults.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", key.String())))
	}
	if s.alerts != nil {
		s.alerts.Notify(ctx, notifier.Notification{
			Title:   "Agent checksum mismatch: " + key.String(),
			Message: "Scheduling for " + key.String() + " is halted until the agent is re-registered. " + reason + ".",
			Level:   notifier.LevelError,
			Source:  AlertChecksum,
		})
	}
}

func (s *RegistryService) release(key agent.Key) {
	s.mu.Lock()
	delete(s.quarantine, key)
	s.mu.Unlock()
}

func cacheKey(key agent.Key) string { return "agent:" + key.String() }
