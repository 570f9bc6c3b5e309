package orchestrator

import (
	"fmt"
	"sort"
	"strings"
)

// Variant is one rendition listed in an HLS multivariant playlist.
type Variant struct {
	URI       string
	Bandwidth int // bits per second
	Width     int
	Height    int
	Name      string
}

// BuildMasterPlaylist renders an HLS multivariant playlist listing variants
// ordered by bandwidth ascending. An empty slice produces a playlist with only
// the header, which players treat as "no renditions yet".
func BuildMasterPlaylist(variants []Variant) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")

	sorted := append([]Variant(nil), variants...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Bandwidth < sorted[j].Bandwidth })

	for _, v := range sorted {
		b.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d", bandwidthOf(v)))
		if v.Width > 0 && v.Height > 0 {
			b.WriteString(fmt.Sprintf(",RESOLUTION=%dx%d", v.Width, v.Height))
		}
		if v.Name != "" {
			b.WriteString(fmt.Sprintf(",NAME=%q", v.Name))
		}
		b.WriteString("\n")
		b.WriteString(v.URI)
		b.WriteString("\n")
	}

	return b.String()
}

// bandwidthOf returns the BANDWIDTH attribute, which must be positive.
func bandwidthOf(v Variant) int {
	if v.Bandwidth <= 0 {
		return 1
	}
	return v.Bandwidth
}
