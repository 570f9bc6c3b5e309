// Package graph turns the declarative outputs of a stream into the ordered
// list of branches a single encoder invocation has to produce.
//
// Build is pure: the same input always yields the same graph, which is what
// allows a restart to be compared with the previous launch by fingerprint.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"live-orchestrator/internal/stream"

	"github.com/cespare/xxhash/v2"
)

// Kind is the type of an output branch.
type Kind string

const (
	KindHLS  Kind = "hls"
	KindDASH Kind = "dash"
	KindPush Kind = "push"
)

// Branch is one output of the encoder invocation.
type Branch struct {
	Kind    Kind
	Target  string // manifest path or push URL
	Quality string // empty means encoder default sizing
	Width   int
	Height  int
	Bitrate int // kbps

	// Segmenting parameters, set for hls and dash branches.
	SegmentDuration int
	WindowSize      int
	DeleteSegments  bool
	HLSFlags        string
	LowLatency      bool
}

// Scaled reports whether the branch carries explicit dimensions.
func (b Branch) Scaled() bool { return b.Width > 0 && b.Height > 0 }

// Input is everything Build needs to know about a stream.
type Input struct {
	Latency      stream.LatencyProfile
	Outputs      []stream.OutputSpec
	Destinations []stream.Destination
}

// Skip records an output that was left out of the graph.
type Skip struct {
	Target string
	Reason string
}

// Graph is the result of Build.
type Graph struct {
	Branches []Branch
	Skipped  []Skip
}

// Empty reports whether there is nothing to produce.
func (g Graph) Empty() bool { return len(g.Branches) == 0 }

// Count returns the number of branches of kind k.
func (g Graph) Count(k Kind) int {
	n := 0
	for _, b := range g.Branches {
		if b.Kind == k {
			n++
		}
	}
	return n
}

// Encode returns the scaled branch the shared encode is sized for: the widest
// one, the first of equals winning. ok is false when no branch is scaled.
func (g Graph) Encode() (top Branch, ok bool) {
	for _, b := range g.Branches {
		if b.Scaled() && b.Width > top.Width {
			top, ok = b, true
		}
	}
	return top, ok
}

// Fingerprint returns a stable hash of the branch list.
func (g Graph) Fingerprint() string {
	h := xxhash.New()
	for _, b := range g.Branches {
		fmt.Fprintf(h, "%s|%s|%s|%dx%d|%d|%d|%d|%t|%s|%t\n",
			b.Kind, b.Target, b.Quality, b.Width, b.Height, b.Bitrate,
			b.SegmentDuration, b.WindowSize, b.DeleteSegments, b.HLSFlags, b.LowLatency)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Build computes the branches of an encoder invocation. Local renditions come
// first in creation order, then enabled destinations in list order.
func Build(in Input) Graph {
	var g Graph

	outputs := append([]stream.OutputSpec(nil), in.Outputs...)
	sort.SliceStable(outputs, func(i, j int) bool {
		if outputs[i].ID != outputs[j].ID {
			return outputs[i].ID < outputs[j].ID
		}
		return outputs[i].CreatedAt.Before(outputs[j].CreatedAt)
	})

	hls := stream.HLSFor(in.Latency)
	dash := stream.DASHFor(in.Latency)
	highest := ""
	highestWidth := 0

	for _, o := range outputs {
		b := Branch{Target: o.Location, Quality: o.Quality}
		if o.Quality != "" {
			q, ok := stream.LookupQuality(o.Quality)
			if !ok {
				g.Skipped = append(g.Skipped, Skip{Target: o.Location, Reason: "unknown quality " + o.Quality})
				continue
			}
			b.Width, b.Height, b.Bitrate = q.Width, q.Height, q.Bitrate
			if q.Width > highestWidth {
				highest, highestWidth = q.Name, q.Width
			}
		}

		switch o.Format {
		case stream.FormatHLS:
			b.Kind = KindHLS
			b.SegmentDuration = hls.SegmentTime
			b.WindowSize = hls.PlaylistSize
			b.HLSFlags = hls.Flags
			b.DeleteSegments = strings.Contains(hls.Flags, "delete_segments")
		case stream.FormatDASH:
			b.Kind = KindDASH
			b.SegmentDuration = dash.SegmentDuration
			b.WindowSize = dash.WindowSize
			b.LowLatency = dash.LowLatency
			b.DeleteSegments = true
		default:
			g.Skipped = append(g.Skipped, Skip{Target: o.Location, Reason: "unknown format " + string(o.Format)})
			continue
		}
		g.Branches = append(g.Branches, b)
	}

	fallback := highest
	if fallback == "" {
		fallback = stream.DefaultQuality
	}

	for _, d := range in.Destinations {
		if !d.Enabled {
			continue
		}
		if strings.TrimSpace(d.URL) == "" {
			g.Skipped = append(g.Skipped, Skip{Target: d.Platform, Reason: "destination has no url"})
			continue
		}
		quality := fallback
		if d.Quality != "" {
			if _, ok := stream.LookupQuality(d.Quality); ok {
				quality = d.Quality
			}
		}
		q, _ := stream.LookupQuality(quality)
		g.Branches = append(g.Branches, Branch{
			Kind:    KindPush,
			Target:  d.Target(),
			Quality: q.Name,
			Width:   q.Width,
			Height:  q.Height,
			Bitrate: q.Bitrate,
		})
	}

	return g
}
