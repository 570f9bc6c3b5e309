package stream

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultQuality is used when a stream is provisioned without qualities and
// as the push fallback when no rendition is configured.
const DefaultQuality = "720p"

// Quality is a named resolution and target bitrate.
type Quality struct {
	Name    string
	Width   int
	Height  int
	Bitrate int // kbps
}

var qualities = []Quality{
	{Name: "240p", Width: 426, Height: 240, Bitrate: 400},
	{Name: "360p", Width: 640, Height: 360, Bitrate: 700},
	{Name: "480p", Width: 854, Height: 480, Bitrate: 1200},
	{Name: "720p", Width: 1280, Height: 720, Bitrate: 2500},
	{Name: "1080p", Width: 1920, Height: 1080, Bitrate: 5000},
}

// LookupQuality returns the profile for name.
func LookupQuality(name string) (Quality, bool) {
	for _, q := range qualities {
		if q.Name == name {
			return q, true
		}
	}
	return Quality{}, false
}

// Qualities returns every known profile, lowest first.
func Qualities() []Quality {
	return append([]Quality(nil), qualities...)
}

// HLSSettings controls the HLS muxer for a latency profile.
type HLSSettings struct {
	SegmentTime  int
	PlaylistSize int
	Flags        string
}

// DASHSettings controls the DASH muxer for a latency profile.
type DASHSettings struct {
	SegmentDuration int
	WindowSize      int
	LowLatency      bool
}

var hlsSettings = map[LatencyProfile]HLSSettings{
	LatencyLow:      {SegmentTime: 1, PlaylistSize: 3, Flags: "+delete_segments+program_date_time"},
	LatencyTutorial: {SegmentTime: 3, PlaylistSize: 4, Flags: "+delete_segments+program_date_time"},
	LatencyHigh:     {SegmentTime: 6, PlaylistSize: 5, Flags: "+delete_segments"},
}

var dashSettings = map[LatencyProfile]DASHSettings{
	LatencyLow:      {SegmentDuration: 1, WindowSize: 3, LowLatency: true},
	LatencyTutorial: {SegmentDuration: 2, WindowSize: 4, LowLatency: true},
	LatencyHigh:     {SegmentDuration: 4, WindowSize: 5, LowLatency: false},
}

// HLSFor returns the HLS settings of p; unknown profiles get the tutorial settings.
func HLSFor(p LatencyProfile) HLSSettings {
	if s, ok := hlsSettings[p]; ok {
		return s
	}
	return hlsSettings[LatencyTutorial]
}

// DASHFor returns the DASH settings of p; unknown profiles get the tutorial settings.
func DASHFor(p LatencyProfile) DASHSettings {
	if s, ok := dashSettings[p]; ok {
		return s
	}
	return dashSettings[LatencyTutorial]
}

var platformEndpoints = map[string]string{
	"tutorial":  "rtmp://tutorial-platform.com/live/",
	"youtube":   "rtmp://a.rtmp.youtube.com/live2/",
	"twitch":    "rtmp://live.twitch.tv/live/",
	"facebook":  "rtmps://live-api-s.facebook.com:443/rtmp/",
	"instagram": "rtmps://live-upload.instagram.com:443/rtmp/",
}

// PlatformEndpoint returns the well-known ingest URL of a streaming platform.
func PlatformEndpoint(platform string) (string, bool) {
	u, ok := platformEndpoints[strings.ToLower(platform)]
	return u, ok
}

// OutputLocation returns the manifest path of a rendition:
// {dir}/stream_{id}_{quality}.{m3u8|mpd}.
func OutputLocation(dir string, id ID, quality string, f Format) string {
	return filepath.Join(dir, fmt.Sprintf("stream_%d_%s.%s", id, quality, f.Extension()))
}
