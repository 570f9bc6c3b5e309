// Package events fans stream lifecycle transitions out to interested
// services.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"live-orchestrator/internal/stream"

	"github.com/redis/go-redis/v9"
)

// Type names a lifecycle transition.
type Type string

const (
	StreamProvisioned Type = "stream.provisioned"
	StreamStarted     Type = "stream.started"
	StreamStopped     Type = "stream.stopped"
	StreamError       Type = "stream.error"
	StreamReconfigure Type = "stream.reconfigured"
	IngestPublished   Type = "ingest.published"
	IngestUnpublished Type = "ingest.unpublished"
)

// Event is one lifecycle notification.
type Event struct {
	Type      Type      `json:"type"`
	StreamID  stream.ID `json:"stream_id,omitempty"`
	IngestKey string    `json:"ingest_key,omitempty"`
	At        time.Time `json:"at"`
	Detail    string    `json:"detail,omitempty"`
}

// Publisher delivers events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Redis publishes events as JSON on a pub/sub channel.
type Redis struct {
	client  redis.UniversalClient
	channel string
}

// NewRedis returns a publisher writing to channel through client.
func NewRedis(client redis.UniversalClient, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

// Publish implements Publisher.
func (r *Redis) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing %s: %w", e.Type, err)
	}
	return nil
}

// Ping checks the connection to the broker.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
