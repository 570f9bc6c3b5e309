package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"live-orchestrator/internal/stream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteRepo(t *testing.T) *GormRepository {
	t.Helper()
	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewGormRepository(db)
}

func hlsDashOutputs(quality string) OutputsFunc {
	return func(id stream.ID) []stream.OutputSpec {
		q, _ := stream.LookupQuality(quality)
		return []stream.OutputSpec{
			{Format: stream.FormatHLS, Quality: quality, Bitrate: q.Bitrate, Location: stream.OutputLocation("hls", id, quality, stream.FormatHLS)},
			{Format: stream.FormatDASH, Quality: quality, Bitrate: q.Bitrate, Location: stream.OutputLocation("dash", id, quality, stream.FormatDASH)},
		}
	}
}

// runRepositoryContract exercises behaviour every Repository must share.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		repo := newRepo(t)
		s, err := repo.CreateStream(ctx, &stream.Stream{
			Name:      "cam",
			InputURL:  "rtmp://localhost:1935/live/cam",
			InputType: stream.InputPush,
			Latency:   stream.LatencyLow,
			Encode:    stream.DefaultEncodeParams(),
			Destinations: []stream.Destination{
				{Platform: "twitch", URL: "rtmp://live.twitch.tv/live/", StreamKey: "k", Enabled: true},
			},
		}, hlsDashOutputs("720p"))
		require.NoError(t, err)
		require.NotZero(t, s.ID)
		assert.Equal(t, stream.StatusStopped, s.Status)

		got, err := repo.GetStream(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, "cam", got.Name)
		assert.Equal(t, stream.LatencyLow, got.Latency)
		assert.Equal(t, "h264", got.Encode.VideoCodec)
		require.Len(t, got.Destinations, 1)
		assert.True(t, got.Destinations[0].Enabled)

		outs, err := repo.ListOutputs(ctx, s.ID)
		require.NoError(t, err)
		require.Len(t, outs, 2)
		assert.Equal(t, stream.FormatHLS, outs[0].Format)
		assert.Equal(t, filepath.Join("hls", "stream_"+s.ID.String()+"_720p.m3u8"), outs[0].Location)
		assert.Less(t, outs[0].ID, outs[1].ID)
		assert.Equal(t, 2500, outs[1].Bitrate)
	})

	t.Run("missing stream", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetStream(ctx, 999)
		assert.ErrorIs(t, err, stream.ErrStreamNotFound)
		assert.ErrorIs(t, repo.SetStatus(ctx, 999, stream.StatusRunning), stream.ErrStreamNotFound)
		_, err = repo.ListOutputs(ctx, 999)
		assert.ErrorIs(t, err, stream.ErrStreamNotFound)
		_, err = repo.FindStreamByInput(ctx, "rtmp://nowhere")
		assert.ErrorIs(t, err, stream.ErrStreamNotFound)
	})

	t.Run("status destinations and config", func(t *testing.T) {
		repo := newRepo(t)
		s, err := repo.CreateStream(ctx, &stream.Stream{InputURL: "srt://a", InputType: stream.InputSRT}, nil)
		require.NoError(t, err)

		require.NoError(t, repo.SetStatus(ctx, s.ID, stream.StatusRunning))
		n, err := repo.CountByStatus(ctx, stream.StatusRunning)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		dests := []stream.Destination{{URL: "rtmp://a", Enabled: false}, {URL: "rtmp://b", Enabled: true}}
		require.NoError(t, repo.SetDestinations(ctx, s.ID, dests))

		s.Name = "renamed"
		s.Latency = stream.LatencyHigh
		require.NoError(t, repo.UpdateStream(ctx, s))

		got, err := repo.GetStream(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, stream.StatusRunning, got.Status)
		assert.Equal(t, "renamed", got.Name)
		assert.Equal(t, stream.LatencyHigh, got.Latency)
		require.Len(t, got.Destinations, 2)
		assert.False(t, got.Destinations[0].Enabled)
		assert.Equal(t, "rtmp://b", got.Destinations[1].URL)
	})

	t.Run("find by input returns oldest", func(t *testing.T) {
		repo := newRepo(t)
		first, err := repo.CreateStream(ctx, &stream.Stream{InputURL: "rtmp://x/live/k", InputType: stream.InputPush}, nil)
		require.NoError(t, err)
		_, err = repo.CreateStream(ctx, &stream.Stream{InputURL: "rtmp://x/live/k", InputType: stream.InputPush}, nil)
		require.NoError(t, err)

		got, err := repo.FindStreamByInput(ctx, "rtmp://x/live/k")
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)

		all, err := repo.ListStreams(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("stats newest first with limit", func(t *testing.T) {
		repo := newRepo(t)
		s, err := repo.CreateStream(ctx, &stream.Stream{InputURL: "srt://a", InputType: stream.InputSRT}, nil)
		require.NoError(t, err)

		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 5; i++ {
			require.NoError(t, repo.AppendStats(ctx, stream.Stats{
				StreamID:  s.ID,
				Timestamp: base.Add(time.Duration(i) * time.Second),
				Bitrate:   float64(1000 + i),
			}))
		}

		got, err := repo.ListStats(ctx, s.ID, 3)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, 1004.0, got[0].Bitrate)
		assert.Equal(t, 1002.0, got[2].Bitrate)

		all, err := repo.ListStats(ctx, s.ID, 0)
		require.NoError(t, err)
		assert.Len(t, all, 5)

		assert.ErrorIs(t, repo.AppendStats(ctx, stream.Stats{StreamID: 999}), stream.ErrStreamNotFound)
	})

	t.Run("catalog crud", func(t *testing.T) {
		repo := newRepo(t)
		d, err := repo.SaveCatalogDestination(ctx, &stream.CatalogDestination{Name: "yt", Platform: "youtube", URL: "rtmp://yt", StreamKey: "abc", Enabled: true})
		require.NoError(t, err)
		require.NotZero(t, d.ID)

		d.StreamKey = "def"
		_, err = repo.SaveCatalogDestination(ctx, d)
		require.NoError(t, err)

		got, err := repo.GetCatalogDestination(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, "def", got.StreamKey)

		list, err := repo.ListCatalogDestinations(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		require.NoError(t, repo.DeleteCatalogDestination(ctx, d.ID))
		assert.ErrorIs(t, repo.DeleteCatalogDestination(ctx, d.ID), stream.ErrDestinationNotFound)
		_, err = repo.GetCatalogDestination(ctx, d.ID)
		assert.ErrorIs(t, err, stream.ErrDestinationNotFound)
		_, err = repo.SaveCatalogDestination(ctx, &stream.CatalogDestination{ID: 4242})
		assert.ErrorIs(t, err, stream.ErrDestinationNotFound)
	})
}

func TestInMemoryRepository_contract(t *testing.T) {
	runRepositoryContract(t, func(*testing.T) Repository { return NewInMemoryRepository() })
}

func TestGormRepository_contract(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T) Repository { return newSQLiteRepo(t) })
}

func TestGormRepository_create_is_atomic(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()

	// A rendition row that cannot be inserted rolls the stream back.
	var broken OutputsFunc = func(id stream.ID) []stream.OutputSpec {
		return []stream.OutputSpec{{Format: stream.FormatHLS, Location: "x"}}
	}
	require.NoError(t, repo.db.Migrator().DropTable(&outputRecord{}))

	_, err := repo.CreateStream(ctx, &stream.Stream{InputURL: "srt://a", InputType: stream.InputSRT}, broken)
	require.Error(t, err)

	var n int64
	require.NoError(t, repo.db.Model(&streamRecord{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestOpen_unsupported_driver(t *testing.T) {
	_, err := Open("oracle", "x", nil)
	assert.Error(t, err)
}

var _ Repository = (*GormRepository)(nil)
var _ Repository = (*InMemoryRepository)(nil)
