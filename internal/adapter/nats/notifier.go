package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/TeamForge/internal/port/messagequeue"
	"github.com/Strob0t/TeamForge/internal/port/notifier"
)

// Notifier publishes operator alerts on a subject (ops.alerts by default).
type Notifier struct {
	q       messagequeue.Queue
	subject string
}

// NewNotifier creates a Notifier. An empty subject selects ops.alerts.
func NewNotifier(q messagequeue.Queue, subject string) *Notifier {
	if subject == "" {
		subject = messagequeue.SubjectOpsAlerts
	}
	return &Notifier{q: q, subject: subject}
}

func (n *Notifier) Name() string { return "nats" }

func (n *Notifier) Capabilities() notifier.Capabilities {
	return notifier.Capabilities{}
}

// Send publishes the notification.
func (n *Notifier) Send(ctx context.Context, notification notifier.Notification) error {
	data, err := json.Marshal(messagequeue.AlertPayload{
		Title:   notification.Title,
		Message: notification.Message,
		Level:   notification.Level,
		Source:  notification.Source,
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return n.q.Publish(ctx, n.subject, data)
}
