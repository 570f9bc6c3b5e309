// Package orchestrator drives the lifecycle of streams: provisioning,
// start and stop through the supervisor, restart on configuration change,
// and the read side (status, stats, playback info).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"live-orchestrator/internal/events"
	"live-orchestrator/internal/graph"
	"live-orchestrator/internal/platform/keylock"
	"live-orchestrator/internal/platform/logger"
	"live-orchestrator/internal/platform/metrics"
	"live-orchestrator/internal/store"
	"live-orchestrator/internal/stream"
	"live-orchestrator/internal/supervisor"

	"golang.org/x/sync/errgroup"
)

// Supervisor is the process control the manager depends on.
type Supervisor interface {
	Start(ctx context.Context, id stream.ID, l supervisor.Launch) error
	Stop(ctx context.Context, id stream.ID) error
	Status(id stream.ID) supervisor.Snapshot
	List() []stream.ID
}

// StatsHook is told when a stream starts and stops running.
type StatsHook interface {
	Begin(id stream.ID)
	End(id stream.ID)
}

type nopStats struct{}

func (nopStats) Begin(stream.ID) {}
func (nopStats) End(stream.ID)   {}

// Config holds the output layout.
type Config struct {
	HLSDir         string
	DASHDir        string
	PublicBasePath string
}

// Option customises a Manager.
type Option func(*Manager)

// WithStatsHook installs the stats collection hook.
func WithStatsHook(h StatsHook) Option { return func(m *Manager) { m.stats = h } }

// WithEvents installs the lifecycle event publisher.
func WithEvents(p events.Publisher) Option { return func(m *Manager) { m.events = p } }

// WithEventTimeout bounds each event publish.
func WithEventTimeout(d time.Duration) Option { return func(m *Manager) { m.eventTimeout = d } }

// WithMetrics installs Prometheus metrics.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// Manager applies lifecycle operations. Calls for the same stream are
// serialised; calls for different streams run concurrently.
type Manager struct {
	repo    store.Repository
	sup     Supervisor
	cfg     Config
	log     *slog.Logger
	stats   StatsHook
	events  events.Publisher
	metrics *metrics.Metrics
	now     func() time.Time

	eventTimeout time.Duration

	locks keylock.Map[stream.ID]
}

// DefaultEventTimeout bounds an event publish made while a stream lock is held.
const DefaultEventTimeout = 2 * time.Second

// NewManager returns a Manager. log may be nil.
func NewManager(repo store.Repository, sup Supervisor, cfg Config, log *slog.Logger, opts ...Option) *Manager {
	if cfg.HLSDir == "" {
		cfg.HLSDir = "static/streams/hls"
	}
	if cfg.DASHDir == "" {
		cfg.DASHDir = "static/streams/dash"
	}
	if cfg.PublicBasePath == "" {
		cfg.PublicBasePath = "/static/streams"
	}
	m := &Manager{
		repo:   repo,
		sup:    sup,
		cfg:    cfg,
		log:    logger.WithComponent(log, "lifecycle"),
		stats:  nopStats{},
		events: events.Nop{},
		now:    time.Now,

		eventTimeout: DefaultEventTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	if m.eventTimeout <= 0 {
		m.eventTimeout = DefaultEventTimeout
	}
	return m
}

// ProvisionRequest describes a new stream.
type ProvisionRequest struct {
	Name         string               `json:"name"`
	InputURL     string               `json:"input_url"`
	InputType    string               `json:"input_type"`
	Latency      string               `json:"latency"`
	Encode       stream.EncodeParams  `json:"encode"`
	Persist      bool                 `json:"persist"`
	Qualities    []string             `json:"qualities"`
	Destinations []stream.Destination `json:"destinations"`
}

// Provision validates req and creates the stream with one HLS and one DASH
// rendition per requested quality. Without qualities the default quality is
// used.
func (m *Manager) Provision(ctx context.Context, req ProvisionRequest) (*stream.Stream, error) {
	if strings.TrimSpace(req.InputURL) == "" {
		return nil, fmt.Errorf("%w: input url is required", stream.ErrInvalidConfig)
	}
	if strings.TrimSpace(req.InputType) == "" {
		return nil, fmt.Errorf("%w: input type is required", stream.ErrInvalidConfig)
	}
	inputType, err := stream.ParseInputType(req.InputType)
	if err != nil {
		return nil, err
	}
	latency, err := stream.ParseLatency(req.Latency)
	if err != nil {
		return nil, err
	}

	qualities := m.knownQualities(req.Qualities)
	if len(qualities) == 0 {
		return nil, fmt.Errorf("%w: no known quality in %v", stream.ErrInvalidConfig, req.Qualities)
	}

	dests, err := m.resolveDestinations(ctx, req.Destinations)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = req.InputURL
	}

	s, err := m.repo.CreateStream(ctx, &stream.Stream{
		Name:         name,
		InputURL:     req.InputURL,
		InputType:    inputType,
		Latency:      latency,
		Encode:       req.Encode.WithDefaults(),
		Persist:      req.Persist,
		Status:       stream.StatusStopped,
		Destinations: dests,
	}, func(id stream.ID) []stream.OutputSpec {
		return m.outputsFor(id, qualities)
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("stream provisioned",
		slog.Int64("stream_id", int64(s.ID)),
		slog.String("input", s.InputURL),
		slog.String("latency", string(s.Latency)),
		slog.Any("qualities", qualities))
	m.emit(ctx, events.Event{Type: events.StreamProvisioned, StreamID: s.ID})
	return s, nil
}

func (m *Manager) knownQualities(requested []string) []string {
	if len(requested) == 0 {
		return []string{stream.DefaultQuality}
	}
	seen := make(map[string]bool, len(requested))
	var out []string
	for _, q := range requested {
		q = strings.TrimSpace(q)
		if _, ok := stream.LookupQuality(q); !ok {
			m.log.Warn("ignoring unknown quality", slog.String("quality", q))
			continue
		}
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	return out
}

func (m *Manager) outputsFor(id stream.ID, qualities []string) []stream.OutputSpec {
	out := make([]stream.OutputSpec, 0, 2*len(qualities))
	for _, q := range qualities {
		profile, _ := stream.LookupQuality(q)
		out = append(out,
			stream.OutputSpec{
				StreamID: id,
				Format:   stream.FormatHLS,
				Quality:  q,
				Bitrate:  profile.Bitrate,
				Location: stream.OutputLocation(m.cfg.HLSDir, id, q, stream.FormatHLS),
			},
			stream.OutputSpec{
				StreamID: id,
				Format:   stream.FormatDASH,
				Quality:  q,
				Bitrate:  profile.Bitrate,
				Location: stream.OutputLocation(m.cfg.DASHDir, id, q, stream.FormatDASH),
			})
	}
	return out
}

// Start launches the encoder of id. Starting a running stream is a no-op.
func (m *Manager) Start(ctx context.Context, id stream.ID) error {
	unlock := m.locks.Lock(id)
	defer unlock()
	return m.startLocked(ctx, id)
}

// startLocked implements Start.
// Caller must hold the lock for id.
func (m *Manager) startLocked(ctx context.Context, id stream.ID) error {
	s, err := m.repo.GetStream(ctx, id)
	if err != nil {
		return err
	}
	log := m.log.With(slog.Int64("stream_id", int64(id)))

	if s.Status == stream.StatusRunning && m.sup.Status(id).State == stream.StatusRunning {
		log.Debug("start ignored, already running")
		return nil
	}

	if err := m.setStatus(ctx, id, stream.StatusStarting); err != nil {
		return err
	}

	outputs, err := m.repo.ListOutputs(ctx, id)
	if err != nil {
		_ = m.setStatus(ctx, id, stream.StatusError)
		return err
	}

	g := graph.Build(graph.Input{
		Latency:      s.Latency,
		Outputs:      outputs,
		Destinations: s.Destinations,
	})
	for _, skip := range g.Skipped {
		log.Warn("output skipped", slog.String("target", skip.Target), slog.String("reason", skip.Reason))
	}
	if g.Empty() {
		log.Warn("stream has no outputs, encoder will only decode the input")
	}

	err = m.sup.Start(ctx, id, supervisor.Launch{
		InputURL: s.InputURL,
		Latency:  s.Latency,
		Encode:   s.Encode,
		Graph:    g,
	})
	switch {
	case err == nil:
	case errors.Is(err, stream.ErrAlreadyRunning):
		log.Warn("encoder already registered, reconciling status")
		if err := m.setStatus(ctx, id, stream.StatusRunning); err != nil {
			return err
		}
		m.stats.Begin(id)
		return nil
	default:
		if serr := m.setStatus(ctx, id, stream.StatusError); serr != nil {
			log.Error("recording start failure", slog.String("error", serr.Error()))
		}
		m.emit(ctx, events.Event{Type: events.StreamError, StreamID: id, Detail: err.Error()})
		return err
	}

	if err := m.setStatus(ctx, id, stream.StatusRunning); err != nil {
		return err
	}
	m.stats.Begin(id)
	log.Info("stream started",
		slog.Int("hls", g.Count(graph.KindHLS)),
		slog.Int("dash", g.Count(graph.KindDASH)),
		slog.Int("push", g.Count(graph.KindPush)))
	m.emit(ctx, events.Event{Type: events.StreamStarted, StreamID: id, Detail: "fingerprint=" + g.Fingerprint()})
	return nil
}

// Stop terminates the encoder of id. If no encoder was running the stream is
// still marked stopped and stream.ErrNotRunning is returned.
func (m *Manager) Stop(ctx context.Context, id stream.ID) error {
	unlock := m.locks.Lock(id)
	defer unlock()
	return m.stopLocked(ctx, id)
}

// stopLocked implements Stop.
// Caller must hold the lock for id.
func (m *Manager) stopLocked(ctx context.Context, id stream.ID) error {
	if _, err := m.repo.GetStream(ctx, id); err != nil {
		return err
	}

	err := m.sup.Stop(ctx, id)
	if err != nil && !errors.Is(err, stream.ErrNotRunning) {
		m.log.Error("stop failed", slog.Int64("stream_id", int64(id)), slog.String("error", err.Error()))
		return err
	}

	if serr := m.setStatus(ctx, id, stream.StatusStopped); serr != nil {
		return serr
	}
	m.stats.End(id)
	if err == nil {
		m.log.Info("stream stopped", slog.Int64("stream_id", int64(id)))
	}
	m.emit(ctx, events.Event{Type: events.StreamStopped, StreamID: id})
	return err
}

// UpdateDestinations replaces the destination list of id. A running stream
// is restarted so the encoder picks up the change.
func (m *Manager) UpdateDestinations(ctx context.Context, id stream.ID, dests []stream.Destination) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	resolved, err := m.resolveDestinations(ctx, dests)
	if err != nil {
		return err
	}
	if err := m.repo.SetDestinations(ctx, id, resolved); err != nil {
		return err
	}
	m.log.Info("destinations updated", slog.Int64("stream_id", int64(id)), slog.Int("count", len(resolved)))
	return m.restartIfRunningLocked(ctx, id)
}

// ReconfigureRequest carries optional edits; nil fields are left unchanged.
type ReconfigureRequest struct {
	Name      *string              `json:"name"`
	InputURL  *string              `json:"input_url"`
	InputType *string              `json:"input_type"`
	Latency   *string              `json:"latency"`
	Encode    *stream.EncodeParams `json:"encode"`
	Persist   *bool                `json:"persist"`
}

// Reconfigure edits the stream settings of id and restarts it when running.
func (m *Manager) Reconfigure(ctx context.Context, id stream.ID, req ReconfigureRequest) (*stream.Stream, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	s, err := m.repo.GetStream(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		s.Name = strings.TrimSpace(*req.Name)
	}
	if req.InputURL != nil {
		if strings.TrimSpace(*req.InputURL) == "" {
			return nil, fmt.Errorf("%w: input url is required", stream.ErrInvalidConfig)
		}
		s.InputURL = *req.InputURL
	}
	if req.InputType != nil {
		if s.InputType, err = stream.ParseInputType(*req.InputType); err != nil {
			return nil, err
		}
	}
	if req.Latency != nil {
		if s.Latency, err = stream.ParseLatency(*req.Latency); err != nil {
			return nil, err
		}
	}
	if req.Encode != nil {
		s.Encode = req.Encode.WithDefaults()
	}
	if req.Persist != nil {
		s.Persist = *req.Persist
	}

	if err := m.repo.UpdateStream(ctx, s); err != nil {
		return nil, err
	}
	m.emit(ctx, events.Event{Type: events.StreamReconfigure, StreamID: id})
	if err := m.restartIfRunningLocked(ctx, id); err != nil {
		return nil, err
	}
	return m.repo.GetStream(ctx, id)
}

// restartIfRunningLocked stops and starts id through the same paths as Stop
// and Start when the stream is persisted as running.
// Caller must hold the lock for id.
func (m *Manager) restartIfRunningLocked(ctx context.Context, id stream.ID) error {
	s, err := m.repo.GetStream(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != stream.StatusRunning {
		return nil
	}
	m.log.Info("restarting stream to apply changes", slog.Int64("stream_id", int64(id)))
	if err := m.stopLocked(ctx, id); err != nil && !errors.Is(err, stream.ErrNotRunning) {
		return err
	}
	return m.startLocked(ctx, id)
}

// resolveDestinations fills catalog references and platform endpoints and
// rejects destinations without a usable URL.
func (m *Manager) resolveDestinations(ctx context.Context, dests []stream.Destination) ([]stream.Destination, error) {
	out := make([]stream.Destination, 0, len(dests))
	for i, d := range dests {
		if d.CatalogID != 0 {
			c, err := m.repo.GetCatalogDestination(ctx, d.CatalogID)
			if err != nil {
				if errors.Is(err, stream.ErrDestinationNotFound) {
					return nil, fmt.Errorf("%w: destination %d references unknown catalog entry %d", stream.ErrInvalidConfig, i, d.CatalogID)
				}
				return nil, err
			}
			if d.Platform == "" {
				d.Platform = c.Platform
			}
			if d.URL == "" {
				d.URL = c.URL
			}
			if d.StreamKey == "" {
				d.StreamKey = c.StreamKey
			}
			d.Enabled = d.Enabled && c.Enabled
		}
		if d.URL == "" {
			if endpoint, ok := stream.PlatformEndpoint(d.Platform); ok {
				d.URL = endpoint
			}
		}
		if err := validatePushURL(d.URL); err != nil {
			return nil, fmt.Errorf("%w: destination %d: %v", stream.ErrInvalidConfig, i, err)
		}
		if d.Quality != "" {
			if _, ok := stream.LookupQuality(d.Quality); !ok {
				return nil, fmt.Errorf("%w: destination %d: unknown quality %q", stream.ErrInvalidConfig, i, d.Quality)
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func validatePushURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "rtmp", "rtmps", "srt", "rtsp":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url has no host")
	}
	return nil
}

// StatusReport combines the persisted stream with the supervisor's view.
type StatusReport struct {
	Stream  *stream.Stream      `json:"stream"`
	Process supervisor.Snapshot `json:"process"`
}

// Status returns the current state of id. A stream persisted as running
// whose encoder is gone is moved to the error state here.
func (m *Manager) Status(ctx context.Context, id stream.ID) (*StatusReport, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	s, err := m.repo.GetStream(ctx, id)
	if err != nil {
		return nil, err
	}
	snap := m.sup.Status(id)

	if s.Status == stream.StatusRunning && snap.State != stream.StatusRunning && snap.State != stream.StatusStarting {
		m.log.Warn("encoder no longer running",
			slog.Int64("stream_id", int64(id)),
			slog.String("supervisor_state", string(snap.State)),
			slog.Int("exit_code", snap.ExitCode))
		if err := m.setStatus(ctx, id, stream.StatusError); err != nil {
			return nil, err
		}
		m.stats.End(id)
		m.emit(ctx, events.Event{Type: events.StreamError, StreamID: id, Detail: fmt.Sprintf("exit_code=%d", snap.ExitCode)})
		s.Status = stream.StatusError
	}
	return &StatusReport{Stream: s, Process: snap}, nil
}

// List returns every stream in creation order.
func (m *Manager) List(ctx context.Context) ([]*stream.Stream, error) {
	return m.repo.ListStreams(ctx)
}

// FindByInput returns the oldest stream reading from inputURL.
func (m *Manager) FindByInput(ctx context.Context, inputURL string) (*stream.Stream, error) {
	return m.repo.FindStreamByInput(ctx, inputURL)
}

// Stats returns up to limit stats records of id, newest first.
func (m *Manager) Stats(ctx context.Context, id stream.ID, limit int) ([]stream.Stats, error) {
	if limit <= 0 {
		limit = store.DefaultStatsLimit
	}
	return m.repo.ListStats(ctx, id, limit)
}

// PlaybackURL is the public URL of one rendition.
type PlaybackURL struct {
	Quality string `json:"quality"`
	URL     string `json:"url"`
}

// EmbedInfo is what a player needs to play a stream.
type EmbedInfo struct {
	StreamID  stream.ID     `json:"stream_id"`
	Name      string        `json:"name"`
	Status    stream.Status `json:"status"`
	MasterURL string        `json:"master_url,omitempty"`
	HLS       []PlaybackURL `json:"hls_urls"`
	DASH      []PlaybackURL `json:"dash_urls"`
}

// EmbedInfo returns the playback URLs of id grouped by format.
func (m *Manager) EmbedInfo(ctx context.Context, id stream.ID) (*EmbedInfo, error) {
	s, err := m.repo.GetStream(ctx, id)
	if err != nil {
		return nil, err
	}
	outputs, err := m.repo.ListOutputs(ctx, id)
	if err != nil {
		return nil, err
	}

	info := &EmbedInfo{
		StreamID: s.ID,
		Name:     s.Name,
		Status:   s.Status,
		HLS:      []PlaybackURL{},
		DASH:     []PlaybackURL{},
	}
	for _, o := range outputs {
		p := PlaybackURL{Quality: o.Quality, URL: m.publicURL(o)}
		switch o.Format {
		case stream.FormatHLS:
			info.HLS = append(info.HLS, p)
		case stream.FormatDASH:
			info.DASH = append(info.DASH, p)
		}
	}
	if len(info.HLS) > 0 {
		info.MasterURL = fmt.Sprintf("/streams/%d/master.m3u8", s.ID)
	}
	return info, nil
}

// MasterPlaylist renders an HLS multivariant playlist over the HLS
// renditions of id. Every rendition carries the single shared encode, so all
// variants advertise the bandwidth and resolution that encode is sized for.
func (m *Manager) MasterPlaylist(ctx context.Context, id stream.ID) (string, error) {
	s, err := m.repo.GetStream(ctx, id)
	if err != nil {
		return "", err
	}
	outputs, err := m.repo.ListOutputs(ctx, id)
	if err != nil {
		return "", err
	}
	top, scaled := graph.Build(graph.Input{
		Latency:      s.Latency,
		Outputs:      outputs,
		Destinations: s.Destinations,
	}).Encode()

	var variants []Variant
	for _, o := range outputs {
		if o.Format != stream.FormatHLS {
			continue
		}
		v := Variant{URI: m.publicURL(o), Bandwidth: o.Bitrate * 1000, Name: o.Quality}
		if scaled {
			v.Bandwidth = top.Bitrate * 1000
			v.Width, v.Height = top.Width, top.Height
		}
		variants = append(variants, v)
	}
	return BuildMasterPlaylist(variants), nil
}

func (m *Manager) publicURL(o stream.OutputSpec) string {
	return path.Join(m.cfg.PublicBasePath, string(o.Format), filepath.Base(o.Location))
}

// SaveDestination creates or updates a catalog destination. Known platforms
// get their well-known ingest URL.
func (m *Manager) SaveDestination(ctx context.Context, d stream.CatalogDestination) (*stream.CatalogDestination, error) {
	if endpoint, ok := stream.PlatformEndpoint(d.Platform); ok {
		d.URL = endpoint
	}
	if err := validatePushURL(d.URL); err != nil {
		return nil, fmt.Errorf("%w: %v", stream.ErrInvalidConfig, err)
	}
	if strings.TrimSpace(d.Name) == "" {
		d.Name = d.Platform
	}
	return m.repo.SaveCatalogDestination(ctx, &d)
}

// ListDestinations returns the destination catalog.
func (m *Manager) ListDestinations(ctx context.Context) ([]stream.CatalogDestination, error) {
	return m.repo.ListCatalogDestinations(ctx)
}

// DeleteDestination removes a catalog destination. Streams keep the resolved
// copy they already hold.
func (m *Manager) DeleteDestination(ctx context.Context, id int64) error {
	return m.repo.DeleteCatalogDestination(ctx, id)
}

// RunningCount returns the number of streams persisted as running.
func (m *Manager) RunningCount(ctx context.Context) int {
	n, err := m.repo.CountByStatus(ctx, stream.StatusRunning)
	if err != nil {
		m.log.Warn("counting running streams", slog.String("error", err.Error()))
		return 0
	}
	return n
}

// Recover resets streams left running or starting by a previous process.
// Their encoders died with it, so they are marked stopped.
func (m *Manager) Recover(ctx context.Context) error {
	streams, err := m.repo.ListStreams(ctx)
	if err != nil {
		return err
	}
	for _, s := range streams {
		if s.Status != stream.StatusRunning && s.Status != stream.StatusStarting {
			continue
		}
		if m.sup.Status(s.ID).State == stream.StatusRunning {
			continue
		}
		if err := m.setStatus(ctx, s.ID, stream.StatusStopped); err != nil {
			return err
		}
		m.log.Info("reset stale stream status", slog.Int64("stream_id", int64(s.ID)), slog.String("was", string(s.Status)))
	}
	return nil
}

// StopAll stops every stream with a live encoder.
func (m *Manager) StopAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range m.sup.List() {
		g.Go(func() error {
			if err := m.Stop(ctx, id); err != nil && !errors.Is(err, stream.ErrNotRunning) {
				return fmt.Errorf("stopping stream %d: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) setStatus(ctx context.Context, id stream.ID, status stream.Status) error {
	if err := m.repo.SetStatus(ctx, id, status); err != nil {
		return err
	}
	m.metrics.IncTransitions(string(status))
	return nil
}

func (m *Manager) emit(ctx context.Context, e events.Event) {
	if e.At.IsZero() {
		e.At = m.now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.eventTimeout)
	defer cancel()
	if err := m.events.Publish(ctx, e); err != nil {
		m.metrics.IncEventPublishFailures()
		m.log.Warn("event publish failed", slog.String("type", string(e.Type)), slog.String("error", err.Error()))
	}
}
