// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for NATS subjects used by TeamForge.
const (
	SubjectAgentInvoke = "agents.invoke" // agents.invoke.{agent_id}: request/reply, not streamed
	SubjectAudit       = "audit.events"  // audit.events.{run_id}
	SubjectRunEvents   = "runs.events"   // runs.events.{run_id}: live events for other processes
	SubjectOpsAlerts   = "ops.alerts"
)

// InvokeSubject returns the request subject an agent listens on.
func InvokeSubject(agentID string) string { return SubjectAgentInvoke + "." + agentID }

// AuditSubject returns the audit subject of a run.
func AuditSubject(runID string) string { return SubjectAudit + "." + runID }

// RunEventsSubject returns the live event subject of a run.
func RunEventsSubject(runID string) string { return SubjectRunEvents + "." + runID }
