package orchestrator

import (
	"strings"
	"testing"
)

func TestBuildMasterPlaylist_empty(t *testing.T) {
	out := BuildMasterPlaylist(nil)
	if !strings.HasPrefix(out, "#EXTM3U\n") {
		t.Error("expected #EXTM3U header")
	}
	if !strings.Contains(out, "#EXT-X-VERSION:3") {
		t.Error("expected version 3")
	}
	if strings.Contains(out, "#EXT-X-STREAM-INF") {
		t.Error("empty playlist should not list variants")
	}
}

func TestBuildMasterPlaylist_orders_by_bandwidth(t *testing.T) {
	out := BuildMasterPlaylist([]Variant{
		{URI: "/static/streams/hls/stream_1_1080p.m3u8", Bandwidth: 5000000, Width: 1920, Height: 1080, Name: "1080p"},
		{URI: "/static/streams/hls/stream_1_360p.m3u8", Bandwidth: 700000, Width: 640, Height: 360, Name: "360p"},
	})

	low := strings.Index(out, "stream_1_360p.m3u8")
	high := strings.Index(out, "stream_1_1080p.m3u8")
	if low < 0 || high < 0 || low > high {
		t.Errorf("expected 360p before 1080p:\n%s", out)
	}
	if !strings.Contains(out, `#EXT-X-STREAM-INF:BANDWIDTH=700000,RESOLUTION=640x360,NAME="360p"`) {
		t.Errorf("missing 360p stream-inf:\n%s", out)
	}
}

func TestBuildMasterPlaylist_unscaled_variant(t *testing.T) {
	out := BuildMasterPlaylist([]Variant{{URI: "a.m3u8"}})
	if !strings.Contains(out, "#EXT-X-STREAM-INF:BANDWIDTH=1\na.m3u8\n") {
		t.Errorf("unexpected variant line:\n%s", out)
	}
}
