// Package ingest reacts to publish and unpublish notifications from an
// RTMP/SRT ingest server by provisioning, starting and stopping streams.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"live-orchestrator/internal/events"
	"live-orchestrator/internal/orchestrator"
	"live-orchestrator/internal/platform/keylock"
	"live-orchestrator/internal/platform/logger"
	"live-orchestrator/internal/platform/metrics"
	"live-orchestrator/internal/stream"

	"github.com/google/uuid"
)

// Lifecycle is the subset of the stream manager the gateway drives.
type Lifecycle interface {
	FindByInput(ctx context.Context, inputURL string) (*stream.Stream, error)
	Provision(ctx context.Context, req orchestrator.ProvisionRequest) (*stream.Stream, error)
	Start(ctx context.Context, id stream.ID) error
	Stop(ctx context.Context, id stream.ID) error
}

// Session is an active publish.
type Session struct {
	ID         string    `json:"session_id"`
	Key        string    `json:"key"`
	StreamID   stream.ID `json:"stream_id"`
	ClientAddr string    `json:"client_addr,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// ServerStatus summarises the gateway.
type ServerStatus struct {
	Running        bool      `json:"running"`
	IngestBaseURL  string    `json:"ingest_base_url"`
	ActiveSessions int       `json:"active_sessions"`
	Sessions       []Session `json:"sessions"`
}

// Gateway maps stream keys to managed streams.
type Gateway struct {
	lifecycle Lifecycle
	baseURL   string
	log       *slog.Logger
	metrics   *metrics.Metrics
	events    events.Publisher
	now       func() time.Time

	// eventTimeout bounds each publish made while a key lock is held.
	eventTimeout time.Duration

	keys keylock.Map[string]

	mu       sync.RWMutex
	sessions map[string]Session
}

// NewGateway returns a gateway building input URLs as {baseURL}/{key}.
func NewGateway(lc Lifecycle, baseURL string, log *slog.Logger, m *metrics.Metrics, pub events.Publisher) *Gateway {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Gateway{
		lifecycle: lc,
		baseURL:   strings.TrimRight(baseURL, "/"),
		log:       logger.WithComponent(log, "ingest"),
		metrics:   m,
		events:    pub,
		now:       time.Now,
		sessions:  make(map[string]Session),

		eventTimeout: orchestrator.DefaultEventTimeout,
	}
}

// InputURL returns the input URL used for key.
func (g *Gateway) InputURL(key string) string {
	return g.baseURL + "/" + key
}

// OnPublish handles a new publisher on key. The stream reading from the
// key's input URL is reused when present, otherwise an ephemeral push stream
// with the default quality is provisioned. Any failure is reported as
// stream.ErrPublishRejected.
func (g *Gateway) OnPublish(ctx context.Context, key, clientAddr string) (*Session, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		g.metrics.IncPublishes("rejected")
		return nil, fmt.Errorf("%w: %w: stream key is required", stream.ErrPublishRejected, stream.ErrInvalidConfig)
	}

	unlock := g.keys.Lock(key)
	defer unlock()

	log := g.log.With(slog.String("key", key), slog.String("client", clientAddr))
	input := g.InputURL(key)

	s, err := g.lifecycle.FindByInput(ctx, input)
	switch {
	case err == nil:
		log.Debug("reusing stream", slog.Int64("stream_id", int64(s.ID)))
	case errors.Is(err, stream.ErrStreamNotFound):
		s, err = g.lifecycle.Provision(ctx, orchestrator.ProvisionRequest{
			Name:      "Ingest " + key,
			InputURL:  input,
			InputType: string(stream.InputPush),
			Latency:   string(stream.LatencyLow),
			Qualities: []string{stream.DefaultQuality},
		})
		if err != nil {
			return nil, g.reject(log, err)
		}
		log.Info("provisioned stream for publisher", slog.Int64("stream_id", int64(s.ID)))
	default:
		return nil, g.reject(log, err)
	}

	if err := g.lifecycle.Start(ctx, s.ID); err != nil {
		return nil, g.reject(log, err)
	}

	sess := Session{
		ID:         uuid.NewString(),
		Key:        key,
		StreamID:   s.ID,
		ClientAddr: clientAddr,
		StartedAt:  g.now().UTC(),
	}
	g.mu.Lock()
	g.sessions[key] = sess
	n := len(g.sessions)
	g.mu.Unlock()

	g.metrics.IncPublishes("accepted")
	g.metrics.SetIngestSessions(n)
	log.Info("publish accepted", slog.String("session_id", sess.ID), slog.Int64("stream_id", int64(s.ID)))
	g.emit(ctx, events.Event{Type: events.IngestPublished, StreamID: s.ID, IngestKey: key, Detail: sess.ID})
	return &sess, nil
}

func (g *Gateway) reject(log *slog.Logger, err error) error {
	g.metrics.IncPublishes("rejected")
	log.Warn("publish rejected", slog.String("error", err.Error()))
	return fmt.Errorf("%w: %w", stream.ErrPublishRejected, err)
}

// OnUnpublish handles a publisher leaving key. Unknown keys are ignored.
func (g *Gateway) OnUnpublish(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)

	unlock := g.keys.Lock(key)
	defer unlock()

	g.mu.RLock()
	sess, ok := g.sessions[key]
	g.mu.RUnlock()
	if !ok {
		g.log.Info("unpublish for unknown key", slog.String("key", key))
		return nil
	}

	if err := g.lifecycle.Stop(ctx, sess.StreamID); err != nil && !errors.Is(err, stream.ErrNotRunning) {
		g.log.Error("stopping stream on unpublish",
			slog.String("key", key),
			slog.Int64("stream_id", int64(sess.StreamID)),
			slog.String("error", err.Error()))
		return err
	}

	g.mu.Lock()
	delete(g.sessions, key)
	n := len(g.sessions)
	g.mu.Unlock()

	g.metrics.SetIngestSessions(n)
	g.log.Info("publish ended",
		slog.String("key", key),
		slog.String("session_id", sess.ID),
		slog.Duration("duration", g.now().Sub(sess.StartedAt)))
	g.emit(ctx, events.Event{Type: events.IngestUnpublished, StreamID: sess.StreamID, IngestKey: key, Detail: sess.ID})
	return nil
}

// ActiveSessions returns the active publishes ordered by key.
func (g *Gateway) ActiveSessions() []Session {
	g.mu.RLock()
	out := make([]Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// SessionCount returns the number of active publishes.
func (g *Gateway) SessionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// ServerStatus returns the gateway summary. The gateway is a passive webhook
// receiver, so it is running for as long as it exists.
func (g *Gateway) ServerStatus() ServerStatus {
	sessions := g.ActiveSessions()
	return ServerStatus{
		Running:        true,
		IngestBaseURL:  g.baseURL,
		ActiveSessions: len(sessions),
		Sessions:       sessions,
	}
}

func (g *Gateway) emit(ctx context.Context, e events.Event) {
	e.At = g.now().UTC()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.eventTimeout)
	defer cancel()
	if err := g.events.Publish(ctx, e); err != nil {
		g.metrics.IncEventPublishFailures()
		g.log.Warn("event publish failed", slog.String("type", string(e.Type)), slog.String("error", err.Error()))
	}
}
