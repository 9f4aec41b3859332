// Package service contains application services.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/TeamForge/internal/port/notifier"
)

// Alert sources.
const (
	AlertChecksum  = "registry.checksum"
	AlertRunFailed = "run.failed"
)

// AlertService dispatches operator alerts to every configured notifier.
// Identical alerts (same source and title) are suppressed for a quiet period.
type AlertService struct {
	notifiers []notifier.Notifier
	enabled   map[string]bool
	quiet     time.Duration
	now       func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewAlertService creates an AlertService. If sources is empty, every source is enabled.
func NewAlertService(notifiers []notifier.Notifier, sources []string, quiet time.Duration) *AlertService {
	enabled := make(map[string]bool, len(sources))
	for _, s := range sources {
		enabled[s] = true
	}
	return &AlertService{
		notifiers: notifiers,
		enabled:   enabled,
		quiet:     quiet,
		now:       time.Now,
		last:      make(map[string]time.Time),
	}
}

// Notify sends n to all notifiers. Errors are logged but do not interrupt
// delivery to other notifiers.
func (s *AlertService) Notify(ctx context.Context, n notifier.Notification) {
	if len(s.enabled) > 0 && !s.enabled[n.Source] {
		return
	}
	if s.suppressed(n) {
		slog.Debug("alert suppressed", "source", n.Source, "title", n.Title)
		return
	}

	for _, provider := range s.notifiers {
		if err := provider.Send(ctx, n); err != nil {
			slog.Warn("alert send failed",
				"provider", provider.Name(),
				"title", n.Title,
				"error", err,
			)
			continue
		}
		slog.Debug("alert sent", "provider", provider.Name(), "title", n.Title)
	}
}

func (s *AlertService) suppressed(n notifier.Notification) bool {
	if s.quiet <= 0 {
		return false
	}
	key := n.Source + "\x00" + n.Title
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.last[key]; ok && now.Sub(at) < s.quiet {
		return true
	}
	s.last[key] = now
	return false
}

// NotifierCount returns the number of configured notifiers.
func (s *AlertService) NotifierCount() int {
	return len(s.notifiers)
}
