package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"live-orchestrator/internal/platform/logger"
	"live-orchestrator/internal/platform/metrics"
	"live-orchestrator/internal/stream"
	"live-orchestrator/internal/supervisor"

	"github.com/robfig/cron/v3"
)

// Sampler exposes the encoder health figures the collector records.
type Sampler interface {
	LatestSample(id stream.ID) (supervisor.Sample, bool)
	Usage(ctx context.Context, id stream.ID) (supervisor.Usage, error)
}

// StatsSink stores collected samples.
type StatsSink interface {
	AppendStats(ctx context.Context, st stream.Stats) error
}

// Collector periodically turns the progress of running encoders into stats
// records. It implements StatsHook.
type Collector struct {
	sink    StatsSink
	sampler Sampler
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	cron    *cron.Cron

	mu      sync.Mutex
	streams map[stream.ID]struct{}
}

// NewCollector returns a collector sampling every interval once Start is
// called.
func NewCollector(sink StatsSink, sampler Sampler, interval time.Duration, log *slog.Logger, m *metrics.Metrics) *Collector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	c := &Collector{
		sink:    sink,
		sampler: sampler,
		log:     logger.WithComponent(log, "stats"),
		metrics: m,
		now:     time.Now,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		streams: make(map[stream.ID]struct{}),
	}
	c.cron.Schedule(cron.Every(interval), cron.FuncJob(func() { c.Collect(context.Background()) }))
	return c
}

// Begin implements StatsHook.
func (c *Collector) Begin(id stream.ID) {
	c.mu.Lock()
	c.streams[id] = struct{}{}
	c.mu.Unlock()
}

// End implements StatsHook.
func (c *Collector) End(id stream.ID) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// Tracked returns the streams being sampled, ascending.
func (c *Collector) Tracked() []stream.ID {
	c.mu.Lock()
	ids := make([]stream.ID, 0, len(c.streams))
	for id := range c.streams {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Start begins periodic collection.
func (c *Collector) Start() { c.cron.Start() }

// Stop halts periodic collection and waits for a running pass to finish.
func (c *Collector) Stop() { <-c.cron.Stop().Done() }

// Collect records one stats sample for every tracked stream that has
// reported progress.
func (c *Collector) Collect(ctx context.Context) {
	for _, id := range c.Tracked() {
		sample, ok := c.sampler.LatestSample(id)
		if !ok {
			continue
		}
		st := stream.Stats{
			StreamID:  id,
			Timestamp: c.now().UTC(),
			Bitrate:   sample.BitrateKbps,
			FrameRate: sample.FPS,
			Speed:     sample.Speed,
			Frame:     sample.Frame,
		}
		if sample.Frame > 0 {
			st.PacketLoss = float64(sample.DropFrames) / float64(sample.Frame+sample.DropFrames) * 100
		}
		if u, err := c.sampler.Usage(ctx, id); err == nil {
			st.CPUPercent = u.CPUPercent
			st.RSSBytes = u.RSSBytes
		}
		if err := c.sink.AppendStats(ctx, st); err != nil {
			c.log.Warn("recording stats failed", slog.Int64("stream_id", int64(id)), slog.String("error", err.Error()))
			continue
		}
		c.metrics.IncStatsSamples()
	}
}
