package graph

import (
	"testing"
	"time"

	"live-orchestrator/internal/stream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outputs(id stream.ID, qualities ...string) []stream.OutputSpec {
	var out []stream.OutputSpec
	var n int64
	for _, q := range qualities {
		for _, f := range []stream.Format{stream.FormatHLS, stream.FormatDASH} {
			n++
			dir := "hls"
			if f == stream.FormatDASH {
				dir = "dash"
			}
			out = append(out, stream.OutputSpec{
				ID:       n,
				StreamID: id,
				Format:   f,
				Quality:  q,
				Location: stream.OutputLocation(dir, id, q, f),
			})
		}
	}
	return out
}

func TestBuild_orders_outputs_then_destinations(t *testing.T) {
	in := Input{
		Latency: stream.LatencyLow,
		Outputs: outputs(42, "720p"),
		Destinations: []stream.Destination{
			{Platform: "youtube", URL: "rtmp://yt/live2", StreamKey: "k1", Enabled: true},
			{Platform: "twitch", URL: "rtmp://tw/live", StreamKey: "k2", Enabled: false},
			{Platform: "facebook", URL: "rtmps://fb/rtmp", StreamKey: "k3", Enabled: true},
		},
	}

	g := Build(in)
	require.Len(t, g.Branches, 4)

	assert.Equal(t, KindHLS, g.Branches[0].Kind)
	assert.Equal(t, "hls/stream_42_720p.m3u8", g.Branches[0].Target)
	assert.Equal(t, 1, g.Branches[0].SegmentDuration)
	assert.Equal(t, 3, g.Branches[0].WindowSize)
	assert.True(t, g.Branches[0].DeleteSegments)

	assert.Equal(t, KindDASH, g.Branches[1].Kind)
	assert.Equal(t, "dash/stream_42_720p.mpd", g.Branches[1].Target)
	assert.True(t, g.Branches[1].LowLatency)

	assert.Equal(t, KindPush, g.Branches[2].Kind)
	assert.Equal(t, "rtmp://yt/live2/k1", g.Branches[2].Target)
	assert.Equal(t, KindPush, g.Branches[3].Kind)
	assert.Equal(t, "rtmps://fb/rtmp/k3", g.Branches[3].Target)
}

func TestBuild_is_deterministic(t *testing.T) {
	in := Input{
		Latency:      stream.LatencyHigh,
		Outputs:      outputs(7, "360p", "1080p"),
		Destinations: []stream.Destination{{URL: "rtmp://x/live", StreamKey: "k", Enabled: true}},
	}
	a, b := Build(in), Build(in)
	assert.Equal(t, a, b)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestBuild_sorts_by_creation_order(t *testing.T) {
	now := time.Now()
	in := Input{Outputs: []stream.OutputSpec{
		{ID: 3, Format: stream.FormatHLS, Quality: "480p", Location: "c", CreatedAt: now},
		{ID: 1, Format: stream.FormatHLS, Quality: "480p", Location: "a", CreatedAt: now},
		{ID: 2, Format: stream.FormatDASH, Quality: "480p", Location: "b", CreatedAt: now},
	}}
	g := Build(in)
	require.Len(t, g.Branches, 3)
	assert.Equal(t, "a", g.Branches[0].Target)
	assert.Equal(t, "b", g.Branches[1].Target)
	assert.Equal(t, "c", g.Branches[2].Target)
}

func TestBuild_skips_unknown_quality(t *testing.T) {
	in := Input{Outputs: []stream.OutputSpec{
		{ID: 1, Format: stream.FormatHLS, Quality: "4k", Location: "bad.m3u8"},
		{ID: 2, Format: stream.FormatHLS, Quality: "480p", Location: "ok.m3u8"},
	}}
	g := Build(in)
	require.Len(t, g.Branches, 1)
	assert.Equal(t, "ok.m3u8", g.Branches[0].Target)
	require.Len(t, g.Skipped, 1)
	assert.Equal(t, "bad.m3u8", g.Skipped[0].Target)
}

func TestBuild_output_without_quality_is_unscaled(t *testing.T) {
	g := Build(Input{Outputs: []stream.OutputSpec{{ID: 1, Format: stream.FormatHLS, Location: "x.m3u8"}}})
	require.Len(t, g.Branches, 1)
	assert.False(t, g.Branches[0].Scaled())
}

func TestBuild_push_quality_fallbacks(t *testing.T) {
	dest := stream.Destination{URL: "rtmp://x/live", Enabled: true}

	t.Run("highest configured rendition", func(t *testing.T) {
		g := Build(Input{Outputs: outputs(1, "360p", "1080p", "480p"), Destinations: []stream.Destination{dest}})
		push := g.Branches[len(g.Branches)-1]
		assert.Equal(t, "1080p", push.Quality)
	})

	t.Run("hard default without renditions", func(t *testing.T) {
		g := Build(Input{Destinations: []stream.Destination{dest}})
		require.Len(t, g.Branches, 1)
		assert.Equal(t, "720p", g.Branches[0].Quality)
		assert.Equal(t, 2500, g.Branches[0].Bitrate)
	})

	t.Run("destination quality wins", func(t *testing.T) {
		d := dest
		d.Quality = "240p"
		g := Build(Input{Outputs: outputs(1, "1080p"), Destinations: []stream.Destination{d}})
		assert.Equal(t, "240p", g.Branches[len(g.Branches)-1].Quality)
	})
}

func TestBuild_empty(t *testing.T) {
	g := Build(Input{Destinations: []stream.Destination{{URL: "rtmp://x", Enabled: false}, {Enabled: true}}})
	assert.True(t, g.Empty())
	assert.Len(t, g.Skipped, 1)
}

func TestGraph_Fingerprint_changes_with_branches(t *testing.T) {
	a := Build(Input{Outputs: outputs(1, "720p")})
	b := Build(Input{Outputs: outputs(1, "720p"), Destinations: []stream.Destination{{URL: "rtmp://x", Enabled: true}}})
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.Equal(t, 1, b.Count(KindPush))
}

func TestGraph_Encode(t *testing.T) {
	top, ok := Build(Input{Outputs: outputs(1, "480p", "720p", "240p")}).Encode()
	require.True(t, ok)
	assert.Equal(t, "720p", top.Quality)
	assert.Equal(t, 2500, top.Bitrate)

	d := stream.Destination{URL: "rtmp://x/live", Enabled: true, Quality: "1080p"}
	top, ok = Build(Input{Outputs: outputs(1, "480p"), Destinations: []stream.Destination{d}}).Encode()
	require.True(t, ok)
	assert.Equal(t, "1080p", top.Quality)

	_, ok = Build(Input{Outputs: []stream.OutputSpec{{ID: 1, Format: stream.FormatHLS, Location: "x.m3u8"}}}).Encode()
	assert.False(t, ok)
}
