package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"live-orchestrator/internal/events"
	"live-orchestrator/internal/orchestrator"
	"live-orchestrator/internal/store"
	"live-orchestrator/internal/stream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLifecycle struct {
	mu       sync.Mutex
	repo     *store.InMemoryRepository
	started  map[stream.ID]int
	stopped  map[stream.ID]int
	running  map[stream.ID]bool
	startErr error
	requests []orchestrator.ProvisionRequest
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{
		repo:    store.NewInMemoryRepository(),
		started: map[stream.ID]int{},
		stopped: map[stream.ID]int{},
		running: map[stream.ID]bool{},
	}
}

func (f *fakeLifecycle) FindByInput(ctx context.Context, inputURL string) (*stream.Stream, error) {
	return f.repo.FindStreamByInput(ctx, inputURL)
}

func (f *fakeLifecycle) Provision(ctx context.Context, req orchestrator.ProvisionRequest) (*stream.Stream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.repo.CreateStream(ctx, &stream.Stream{
		Name:      req.Name,
		InputURL:  req.InputURL,
		InputType: stream.InputType(req.InputType),
		Persist:   req.Persist,
		Status:    stream.StatusStopped,
	}, nil)
}

func (f *fakeLifecycle) Start(_ context.Context, id stream.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started[id]++
	f.running[id] = true
	return nil
}

func (f *fakeLifecycle) Stop(_ context.Context, id stream.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[id] {
		return fmt.Errorf("%w: stream %d", stream.ErrNotRunning, id)
	}
	f.stopped[id]++
	f.running[id] = false
	return nil
}

func newTestGateway(lc Lifecycle) *Gateway {
	return NewGateway(lc, "rtmp://localhost:1935/live/", nil, nil, nil)
}

func TestGateway_OnPublish_provisions_new_stream(t *testing.T) {
	lc := newFakeLifecycle()
	g := newTestGateway(lc)

	sess, err := g.OnPublish(context.Background(), "key123", "1.2.3.4")
	require.NoError(t, err)

	s, err := lc.repo.FindStreamByInput(context.Background(), "rtmp://localhost:1935/live/key123")
	require.NoError(t, err)
	assert.Equal(t, s.ID, sess.StreamID)
	assert.Equal(t, stream.InputPush, s.InputType)
	assert.Equal(t, 1, lc.started[s.ID])

	require.Len(t, lc.requests, 1)
	assert.Equal(t, []string{stream.DefaultQuality}, lc.requests[0].Qualities)
	assert.False(t, lc.requests[0].Persist)
	assert.Equal(t, string(stream.LatencyLow), lc.requests[0].Latency)

	assert.Equal(t, "1.2.3.4", sess.ClientAddr)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, 1, g.ServerStatus().ActiveSessions)
}

func TestGateway_OnPublish_reuses_existing_stream(t *testing.T) {
	lc := newFakeLifecycle()
	g := newTestGateway(lc)
	ctx := context.Background()

	existing, err := lc.repo.CreateStream(ctx, &stream.Stream{
		InputURL:  g.InputURL("studio"),
		InputType: stream.InputPush,
		Persist:   true,
	}, nil)
	require.NoError(t, err)

	sess, err := g.OnPublish(ctx, "studio", "")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, sess.StreamID)
	assert.Empty(t, lc.requests)
}

func TestGateway_OnPublish_rejections(t *testing.T) {
	lc := newFakeLifecycle()
	g := newTestGateway(lc)
	ctx := context.Background()

	_, err := g.OnPublish(ctx, "  ", "")
	assert.ErrorIs(t, err, stream.ErrPublishRejected)
	assert.ErrorIs(t, err, stream.ErrInvalidConfig)

	lc.startErr = fmt.Errorf("%w: boom", stream.ErrLaunchFailure)
	_, err = g.OnPublish(ctx, "key123", "")
	assert.ErrorIs(t, err, stream.ErrPublishRejected)
	assert.ErrorIs(t, err, stream.ErrLaunchFailure)
	assert.Empty(t, g.ActiveSessions())
}

func TestGateway_OnUnpublish(t *testing.T) {
	lc := newFakeLifecycle()
	g := newTestGateway(lc)
	ctx := context.Background()

	sess, err := g.OnPublish(ctx, "key123", "")
	require.NoError(t, err)

	require.NoError(t, g.OnUnpublish(ctx, "key123"))
	assert.Equal(t, 1, lc.stopped[sess.StreamID])
	assert.Empty(t, g.ActiveSessions())

	// Duplicate notifications are not errors.
	require.NoError(t, g.OnUnpublish(ctx, "key123"))
	require.NoError(t, g.OnUnpublish(ctx, "never-seen"))
	assert.Equal(t, 1, lc.stopped[sess.StreamID])
}

func TestGateway_OnUnpublish_stream_already_stopped(t *testing.T) {
	lc := newFakeLifecycle()
	g := newTestGateway(lc)
	ctx := context.Background()

	sess, err := g.OnPublish(ctx, "key123", "")
	require.NoError(t, err)
	require.NoError(t, lc.Stop(ctx, sess.StreamID))

	require.NoError(t, g.OnUnpublish(ctx, "key123"))
	assert.Zero(t, g.SessionCount())
}

func TestGateway_OnUnpublish_stop_failure_keeps_session(t *testing.T) {
	lc := &failingStop{fakeLifecycle: newFakeLifecycle()}
	g := newTestGateway(lc)
	ctx := context.Background()

	_, err := g.OnPublish(ctx, "key123", "")
	require.NoError(t, err)

	err = g.OnUnpublish(ctx, "key123")
	require.Error(t, err)
	assert.Equal(t, 1, g.SessionCount())
}

type failingStop struct{ *fakeLifecycle }

func (f *failingStop) Stop(context.Context, stream.ID) error {
	return errors.New("supervisor unavailable")
}

func TestGateway_concurrent_publish_same_key(t *testing.T) {
	lc := newFakeLifecycle()
	g := newTestGateway(lc)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.OnPublish(context.Background(), "shared", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := lc.repo.ListStreams(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 1, g.SessionCount())
}

func TestGateway_ActiveSessions_sorted(t *testing.T) {
	lc := newFakeLifecycle()
	g := newTestGateway(lc)
	ctx := context.Background()
	for _, k := range []string{"zeta", "alpha", "mid"} {
		_, err := g.OnPublish(ctx, k, "")
		require.NoError(t, err)
	}

	var keys []string
	for _, s := range g.ActiveSessions() {
		keys = append(keys, s.Key)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, keys)
	assert.Equal(t, "rtmp://localhost:1935/live", g.ServerStatus().IngestBaseURL)
}

type stalledPublisher struct {
	mu    sync.Mutex
	calls int
}

func (p *stalledPublisher) Publish(ctx context.Context, _ events.Event) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func TestGateway_event_publish_is_bounded(t *testing.T) {
	lc := newFakeLifecycle()
	pub := &stalledPublisher{}
	g := NewGateway(lc, "rtmp://localhost:1935/live/", nil, nil, pub)
	g.eventTimeout = 50 * time.Millisecond
	ctx := context.Background()

	start := time.Now()
	_, err := g.OnPublish(ctx, "key123", "")
	require.NoError(t, err)
	require.NoError(t, g.OnUnpublish(ctx, "key123"))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 2, pub.calls)
}
