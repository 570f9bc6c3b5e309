package stream

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputLocation(t *testing.T) {
	assert.Equal(t, "out/hls/stream_42_720p.m3u8", OutputLocation("out/hls", 42, "720p", FormatHLS))
	assert.Equal(t, "out/dash/stream_42_720p.mpd", OutputLocation("out/dash", 42, "720p", FormatDASH))
}

func TestParseLatency_aliases(t *testing.T) {
	cases := map[string]LatencyProfile{
		"":             LatencyTutorial,
		"low":          LatencyLow,
		"LOW_LATENCY":  LatencyLow,
		"high":         LatencyHigh,
		"high_quality": LatencyHigh,
	}
	for in, want := range cases {
		got, err := ParseLatency(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLatency("ultra")
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestParseInputType(t *testing.T) {
	got, err := ParseInputType("rtmp")
	require.NoError(t, err)
	assert.Equal(t, InputPush, got)

	_, err = ParseInputType("carrier-pigeon")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseID(t *testing.T) {
	id, err := ParseID("17")
	require.NoError(t, err)
	assert.Equal(t, ID(17), id)

	for _, bad := range []string{"", "abc", "0", "-3"} {
		_, err := ParseID(bad)
		assert.ErrorIs(t, err, ErrInvalidConfig, bad)
	}
}

func TestDestination_enabled_defaults_to_true(t *testing.T) {
	var d Destination
	require.NoError(t, json.Unmarshal([]byte(`{"platform":"twitch","url":"rtmp://x/live"}`), &d))
	assert.True(t, d.Enabled)
	assert.Equal(t, "rtmp://x/live", d.URL)

	require.NoError(t, json.Unmarshal([]byte(`{"url":"rtmp://x/live","enabled":false}`), &d))
	assert.False(t, d.Enabled)
}

func TestDestination_Target(t *testing.T) {
	d := Destination{URL: "rtmp://a.rtmp.youtube.com/live2/", StreamKey: "abcd"}
	assert.Equal(t, "rtmp://a.rtmp.youtube.com/live2/abcd", d.Target())

	d.StreamKey = ""
	assert.Equal(t, "rtmp://a.rtmp.youtube.com/live2/", d.Target())
}

func TestEncodeParams_WithDefaults(t *testing.T) {
	p := EncodeParams{VideoCodec: "vp9"}.WithDefaults()
	assert.Equal(t, "vp9", p.VideoCodec)
	assert.Equal(t, "aac", p.AudioCodec)
	assert.Equal(t, BitrateCBR, p.BitrateMode)
	assert.Equal(t, 2, p.KeyframeInterval)
}

func TestLookupQuality(t *testing.T) {
	q, ok := LookupQuality("1080p")
	require.True(t, ok)
	assert.Equal(t, 1920, q.Width)
	assert.Equal(t, 5000, q.Bitrate)

	_, ok = LookupQuality("4k")
	assert.False(t, ok)
}

func TestStream_Clone_is_deep(t *testing.T) {
	s := &Stream{ID: 1, Destinations: []Destination{{URL: "rtmp://a"}}}
	c := s.Clone()
	c.Destinations[0].URL = "rtmp://b"
	assert.Equal(t, "rtmp://a", s.Destinations[0].URL)
}
