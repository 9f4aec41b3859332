package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/TeamForge/internal/domain"
)

// FeedSource implements feed.Source on a KV bucket. Producers put the
// latest payload for a step under "<workflow_id>.<position>".
type FeedSource struct {
	kv jetstream.KeyValue
}

// NewFeedSource creates a FeedSource over kv.
func NewFeedSource(kv jetstream.KeyValue) *FeedSource {
	return &FeedSource{kv: kv}
}

// FeedKey returns the bucket key of a workflow step's feed.
func FeedKey(workflowID string, position int) string {
	return workflowID + "." + strconv.Itoa(position)
}

// Fetch returns the latest payload for the step.
func (f *FeedSource) Fetch(ctx context.Context, workflowID string, position int) (json.RawMessage, error) {
	key := FeedKey(workflowID, position)
	entry, err := f.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, fmt.Errorf("feed %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", key, err)
	}
	if !json.Valid(entry.Value()) {
		return nil, fmt.Errorf("feed %s: payload is not JSON: %w", key, domain.ErrValidation)
	}
	return json.RawMessage(entry.Value()), nil
}

// Put stores the latest payload for a step.
func (f *FeedSource) Put(ctx context.Context, workflowID string, position int, payload json.RawMessage) error {
	if _, err := f.kv.Put(ctx, FeedKey(workflowID, position), payload); err != nil {
		return fmt.Errorf("put feed: %w", err)
	}
	return nil
}
