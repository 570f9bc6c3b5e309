package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ID identifies a logical stream. IDs are assigned by the store.
type ID int64

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseID parses a decimal stream ID as found in URLs.
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: invalid stream id %q", ErrInvalidConfig, s)
	}
	return ID(n), nil
}

// Status is the persisted lifecycle status of a stream.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// InputType describes how the source reaches the encoder.
type InputType string

const (
	InputPush InputType = "push"
	InputPull InputType = "pull"
	InputSRT  InputType = "srt"
)

// ParseInputType accepts the canonical names plus the legacy rtmp/webrtc aliases.
func ParseInputType(s string) (InputType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "push", "rtmp":
		return InputPush, nil
	case "pull", "webrtc":
		return InputPull, nil
	case "srt":
		return InputSRT, nil
	}
	return "", fmt.Errorf("%w: unknown input type %q", ErrInvalidConfig, s)
}

// LatencyProfile selects segment timing for HLS and DASH outputs.
type LatencyProfile string

const (
	LatencyLow      LatencyProfile = "low_latency"
	LatencyTutorial LatencyProfile = "tutorial"
	LatencyHigh     LatencyProfile = "high_quality"
)

// ParseLatency maps a profile name to a LatencyProfile. Empty input yields the
// tutorial profile.
func ParseLatency(s string) (LatencyProfile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tutorial":
		return LatencyTutorial, nil
	case "low", "low_latency":
		return LatencyLow, nil
	case "high", "high_quality":
		return LatencyHigh, nil
	}
	return "", fmt.Errorf("%w: unknown latency profile %q", ErrInvalidConfig, s)
}

// Format is the container format of a local rendition.
type Format string

const (
	FormatHLS  Format = "hls"
	FormatDASH Format = "dash"
)

// Extension returns the manifest file extension for f.
func (f Format) Extension() string {
	if f == FormatDASH {
		return "mpd"
	}
	return "m3u8"
}

// BitrateMode is the rate control strategy of the encoder.
type BitrateMode string

const (
	BitrateCBR BitrateMode = "cbr"
	BitrateVBR BitrateMode = "vbr"
)

// EncodeParams are the encoding parameters shared by every branch of a stream.
type EncodeParams struct {
	VideoCodec       string      `json:"video_codec"`
	AudioCodec       string      `json:"audio_codec"`
	BitrateMode      BitrateMode `json:"bitrate_mode"`
	KeyframeInterval int         `json:"keyframe_interval"`
}

// DefaultEncodeParams returns h264/aac, constant bitrate, a keyframe every 2s.
func DefaultEncodeParams() EncodeParams {
	return EncodeParams{
		VideoCodec:       "h264",
		AudioCodec:       "aac",
		BitrateMode:      BitrateCBR,
		KeyframeInterval: 2,
	}
}

// WithDefaults fills zero fields from DefaultEncodeParams.
func (p EncodeParams) WithDefaults() EncodeParams {
	d := DefaultEncodeParams()
	if p.VideoCodec == "" {
		p.VideoCodec = d.VideoCodec
	}
	if p.AudioCodec == "" {
		p.AudioCodec = d.AudioCodec
	}
	if p.BitrateMode == "" {
		p.BitrateMode = d.BitrateMode
	}
	if p.KeyframeInterval <= 0 {
		p.KeyframeInterval = d.KeyframeInterval
	}
	return p
}

// Destination is a third-party ingest endpoint the encoder pushes to.
type Destination struct {
	Platform  string `json:"platform"`
	URL       string `json:"url"`
	StreamKey string `json:"stream_key,omitempty"`
	Enabled   bool   `json:"enabled"`
	Quality   string `json:"quality,omitempty"`
	CatalogID int64  `json:"catalog_id,omitempty"`
}

// UnmarshalJSON treats a missing "enabled" field as true.
func (d *Destination) UnmarshalJSON(b []byte) error {
	type plain Destination
	aux := struct {
		*plain
		Enabled *bool `json:"enabled"`
	}{plain: (*plain)(d)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	d.Enabled = aux.Enabled == nil || *aux.Enabled
	return nil
}

// Target returns the full push URL: base URL joined with the stream key.
func (d Destination) Target() string {
	if d.StreamKey == "" {
		return d.URL
	}
	return strings.TrimRight(d.URL, "/") + "/" + d.StreamKey
}

// Stream is the persisted configuration and status of one logical stream.
type Stream struct {
	ID           ID             `json:"id"`
	Name         string         `json:"name"`
	InputURL     string         `json:"input_url"`
	InputType    InputType      `json:"input_type"`
	Latency      LatencyProfile `json:"latency"`
	Encode       EncodeParams   `json:"encode"`
	Persist      bool           `json:"persist"`
	Status       Status         `json:"status"`
	Destinations []Destination  `json:"destinations"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of s.
func (s *Stream) Clone() *Stream {
	if s == nil {
		return nil
	}
	c := *s
	c.Destinations = append([]Destination(nil), s.Destinations...)
	return &c
}

// OutputSpec declares one local rendition of a stream.
type OutputSpec struct {
	ID        int64     `json:"id"`
	StreamID  ID        `json:"stream_id"`
	Format    Format    `json:"format"`
	Quality   string    `json:"quality"`
	Bitrate   int       `json:"bitrate"`
	Location  string    `json:"location"`
	CreatedAt time.Time `json:"created_at"`
}

// CatalogDestination is a reusable push target that stream destinations can
// reference by ID.
type CatalogDestination struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Platform  string    `json:"platform"`
	URL       string    `json:"url"`
	StreamKey string    `json:"stream_key,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats is one health sample of a running stream.
type Stats struct {
	StreamID   ID        `json:"stream_id"`
	Timestamp  time.Time `json:"timestamp"`
	Viewers    int       `json:"viewers"`
	Bitrate    float64   `json:"bitrate"`
	FrameRate  float64   `json:"frame_rate"`
	PacketLoss float64   `json:"packet_loss"`
	Speed      float64   `json:"speed"`
	Frame      int64     `json:"frame"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
}
