package supervisor

import (
	"strings"
	"testing"

	"live-orchestrator/internal/graph"
	"live-orchestrator/internal/stream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// argValue returns the argument following flag, or "" if flag is absent.
func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func testLaunch() Launch {
	return Launch{
		InputURL: "rtmp://localhost:1935/live/abc",
		Latency:  stream.LatencyLow,
		Encode:   stream.DefaultEncodeParams(),
		Graph: graph.Build(graph.Input{
			Latency: stream.LatencyLow,
			Outputs: []stream.OutputSpec{
				{ID: 1, Format: stream.FormatHLS, Quality: "720p", Location: "hls/stream_1_720p.m3u8"},
				{ID: 2, Format: stream.FormatDASH, Quality: "720p", Location: "dash/stream_1_720p.mpd"},
			},
			Destinations: []stream.Destination{
				{Platform: "twitch", URL: "rtmp://live.twitch.tv/live/", StreamKey: "sk", Enabled: true},
			},
		}),
	}
}

func TestArgs_tee_fan_out(t *testing.T) {
	args := Args(testLaunch())

	assert.Equal(t, "rtmp://localhost:1935/live/abc", argValue(args, "-i"))
	assert.Equal(t, "nobuffer", argValue(args, "-fflags"))
	assert.Equal(t, "libx264", argValue(args, "-c:v"))
	assert.Equal(t, "aac", argValue(args, "-c:a"))
	assert.Equal(t, "tee", argValue(args, "-f"))
	assert.Equal(t, "1280x720", argValue(args, "-s"))
	assert.Equal(t, "2500k", argValue(args, "-b:v"))
	assert.Equal(t, "2500k", argValue(args, "-minrate"))
	assert.Equal(t, "expr:gte(t,n_forced*2)", argValue(args, "-force_key_frames"))
	assert.Equal(t, "pipe:2", argValue(args, "-progress"))
	assert.Contains(t, args, "-nostats")
	assert.Contains(t, args, "-y")

	want := "[f=hls:hls_time=1:hls_list_size=3:hls_flags=+delete_segments+program_date_time]hls/stream_1_720p.m3u8" +
		"|[f=dash:seg_duration=1:window_size=3:streaming=1:ldash=1:remove_at_exit=1]dash/stream_1_720p.mpd" +
		"|[f=flv:onfail=ignore]rtmp://live.twitch.tv/live/sk"
	assert.Contains(t, args, want)
}

func TestArgs_vbr_and_codec_mapping(t *testing.T) {
	l := testLaunch()
	l.Latency = stream.LatencyHigh
	l.Encode = stream.EncodeParams{VideoCodec: "hevc", AudioCodec: "opus", BitrateMode: stream.BitrateVBR, KeyframeInterval: 4}

	args := Args(l)
	assert.Equal(t, "libx265", argValue(args, "-c:v"))
	assert.Equal(t, "libopus", argValue(args, "-c:a"))
	assert.Equal(t, "3750k", argValue(args, "-maxrate"))
	assert.Empty(t, argValue(args, "-minrate"))
	assert.Empty(t, argValue(args, "-fflags"))
	assert.Equal(t, "expr:gte(t,n_forced*4)", argValue(args, "-force_key_frames"))
}

func TestArgs_empty_graph_uses_null_muxer(t *testing.T) {
	args := Args(Launch{InputURL: "srt://src:9000", Graph: graph.Graph{}})
	assert.Equal(t, "null", argValue(args, "-f"))
	require.NotEmpty(t, args)
	assert.NotContains(t, strings.Join(args, " "), "tee")
}
