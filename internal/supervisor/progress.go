package supervisor

import (
	"strconv"
	"strings"
	"time"
)

// ProgressContract names the stats format the encoder is asked to emit
// (-progress pipe:2 -nostats): blocks of key=value lines, each block closed
// by a progress=continue or progress=end line.
const ProgressContract = "progress/v1"

// Sample is one completed progress block.
type Sample struct {
	Frame       int64         `json:"frame"`
	FPS         float64       `json:"fps"`
	BitrateKbps float64       `json:"bitrate_kbps"`
	Speed       float64       `json:"speed"`
	OutTime     time.Duration `json:"out_time"`
	DropFrames  int64         `json:"drop_frames"`
	DupFrames   int64         `json:"dup_frames"`
	Final       bool          `json:"final"`
	At          time.Time     `json:"at"`
}

type lineKind int

const (
	lineDiagnostic lineKind = iota
	lineField
	lineSample
)

type progressParser struct {
	cur Sample
}

// feed consumes one line. When the line closes a block the completed sample
// is returned with lineSample.
func (p *progressParser) feed(line string, now time.Time) (Sample, lineKind) {
	key, value, ok := strings.Cut(line, "=")
	if !ok || key == "" || strings.ContainsAny(key, " \t") {
		return Sample{}, lineDiagnostic
	}
	value = strings.TrimSpace(value)

	switch key {
	case "frame":
		p.cur.Frame = parseInt(value)
	case "fps":
		p.cur.FPS = parseFloat(value)
	case "bitrate":
		p.cur.BitrateKbps = parseFloat(strings.TrimSuffix(value, "kbits/s"))
	case "speed":
		p.cur.Speed = parseFloat(strings.TrimSuffix(value, "x"))
	case "out_time_us", "out_time_ms":
		// Both keys carry microseconds.
		p.cur.OutTime = time.Duration(parseInt(value)) * time.Microsecond
	case "drop_frames":
		p.cur.DropFrames = parseInt(value)
	case "dup_frames":
		p.cur.DupFrames = parseInt(value)
	case "progress":
		s := p.cur
		s.Final = value == "end"
		s.At = now
		p.cur = Sample{}
		return s, lineSample
	}
	return Sample{}, lineField
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

// scanLines splits on LF, CR or CRLF. Encoders rewrite status lines with a
// bare CR.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, c := range data {
		switch c {
		case '\n':
			return i + 1, data[:i], nil
		case '\r':
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
				return i + 1, data[:i], nil
			}
			if atEOF {
				return i + 1, data[:i], nil
			}
			// Need one more byte to tell CR from CRLF.
			return 0, nil, nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
