package sink

import (
	"context"
	"time"
)

// OutputAction is one analytics event produced from a remote record.
type OutputAction struct {
	Name       string         `json:"action"`
	Date       time.Time      `json:"date"`
	Identity   string         `json:"identity,omitempty"`
	EntityKey  string         `json:"entity_key,omitempty"`
	Properties map[string]any `json:"properties"`
}

// Sink delivers a batch of actions. Implementations must be safe for concurrent use.
type Sink interface {
	Deliver(ctx context.Context, actions []OutputAction) error
}
