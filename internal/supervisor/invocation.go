package supervisor

import (
	"fmt"
	"strings"

	"live-orchestrator/internal/graph"
	"live-orchestrator/internal/stream"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Launch describes one encoder run.
type Launch struct {
	InputURL string
	Latency  stream.LatencyProfile
	Encode   stream.EncodeParams
	Graph    graph.Graph
}

var globalArgs = []string{
	"-hide_banner",
	"-nostdin",
	"-loglevel", "warning",
	"-progress", "pipe:2",
	"-nostats",
}

var videoCodecs = map[string]string{
	"h264": "libx264",
	"h265": "libx265",
	"hevc": "libx265",
	"vp9":  "libvpx-vp9",
}

var audioCodecs = map[string]string{
	"aac":  "aac",
	"opus": "libopus",
	"mp3":  "libmp3lame",
}

func encoderName(table map[string]string, codec string) string {
	if name, ok := table[strings.ToLower(codec)]; ok {
		return name
	}
	return codec
}

// Args compiles l into the encoder command line: one input, one encode, and a
// tee muxer fanning the encoded stream out to every branch. A launch without
// branches still decodes the input into the null muxer so the process can be
// supervised like any other.
func Args(l Launch) []string {
	inKw := ffmpeg.KwArgs{}
	if l.Latency == stream.LatencyLow {
		inKw["fflags"] = "nobuffer"
	}
	in := ffmpeg.Input(l.InputURL, inKw)

	var out *ffmpeg.Stream
	if l.Graph.Empty() {
		out = in.Output("-", ffmpeg.KwArgs{"f": "null"})
	} else {
		out = in.Output(teeTarget(l.Graph.Branches), encodeArgs(l.Encode.WithDefaults(), l.Graph))
	}
	return out.GlobalArgs(globalArgs...).OverWriteOutput().GetArgs()
}

func encodeArgs(p stream.EncodeParams, g graph.Graph) ffmpeg.KwArgs {
	kw := ffmpeg.KwArgs{
		"map":              "0",
		"c:v":              encoderName(videoCodecs, p.VideoCodec),
		"c:a":              encoderName(audioCodecs, p.AudioCodec),
		"force_key_frames": fmt.Sprintf("expr:gte(t,n_forced*%d)", p.KeyframeInterval),
		"flags":            "+global_header",
		"f":                "tee",
	}

	// tee shares one encode between all branches, so the encode is sized for
	// the largest requested rendition.
	if top, ok := g.Encode(); ok {
		kw["s"] = fmt.Sprintf("%dx%d", top.Width, top.Height)
		kw["b:v"] = fmt.Sprintf("%dk", top.Bitrate)
		kw["bufsize"] = fmt.Sprintf("%dk", top.Bitrate*2)
		if p.BitrateMode == stream.BitrateVBR {
			kw["maxrate"] = fmt.Sprintf("%dk", top.Bitrate*3/2)
		} else {
			kw["minrate"] = fmt.Sprintf("%dk", top.Bitrate)
			kw["maxrate"] = fmt.Sprintf("%dk", top.Bitrate)
		}
	}
	return kw
}

func teeTarget(branches []graph.Branch) string {
	slaves := make([]string, 0, len(branches))
	for _, b := range branches {
		slaves = append(slaves, teeSlave(b))
	}
	return strings.Join(slaves, "|")
}

func teeSlave(b graph.Branch) string {
	var opts []string
	switch b.Kind {
	case graph.KindHLS:
		opts = []string{
			"f=hls",
			fmt.Sprintf("hls_time=%d", b.SegmentDuration),
			fmt.Sprintf("hls_list_size=%d", b.WindowSize),
		}
		if b.HLSFlags != "" {
			opts = append(opts, "hls_flags="+b.HLSFlags)
		}
	case graph.KindDASH:
		opts = []string{
			"f=dash",
			fmt.Sprintf("seg_duration=%d", b.SegmentDuration),
			fmt.Sprintf("window_size=%d", b.WindowSize),
			"streaming=1",
		}
		if b.LowLatency {
			opts = append(opts, "ldash=1")
		}
		if b.DeleteSegments {
			opts = append(opts, "remove_at_exit=1")
		}
	case graph.KindPush:
		// A failing platform must not take the local renditions down.
		opts = []string{"f=flv", "onfail=ignore"}
	}
	return "[" + strings.Join(opts, ":") + "]" + b.Target
}
