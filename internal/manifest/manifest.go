// Package manifest parses HLS media playlists and rewrites them so every
// segment and key reference points back through the gateway.
package manifest

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LineKind classifies one playlist line.
type LineKind int

const (
	// Directive is any line carried through verbatim.
	Directive LineKind = iota
	// Segment is a media segment URI line.
	Segment
	// Key is an EXT-X-KEY directive carrying a URI attribute.
	Key
)

// Line is one playlist line in upstream order.
type Line struct {
	Raw      string
	Kind     LineKind
	URI      string // absolute upstream URI for Segment and Key lines
	Duration time.Duration
	Sequence int64
}

// Playlist is an ordered media playlist. Entry order is preserved exactly;
// players are order- and directive-sensitive.
type Playlist struct {
	Lines          []Line
	TargetDuration time.Duration
	MediaSequence  int64
	TotalDuration  time.Duration
	BaseURL        string
}

// Segments returns the segment lines in playback order.
func (p *Playlist) Segments() []Line {
	var out []Line
	for _, l := range p.Lines {
		if l.Kind == Segment {
			out = append(out, l)
		}
	}
	return out
}

// ValidFor estimates how long the playlist remains servable. Upstream segment
// URIs expire, so the window derived from the segment durations is an upper
// bound.
func (p *Playlist) ValidFor() time.Duration {
	return p.TotalDuration
}

// Parse reads a media playlist. Relative URIs are resolved against baseURL so
// every Segment and Key line carries the exact upstream URI it refers to.
func Parse(body, baseURL string) (*Playlist, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	pl := &Playlist{BaseURL: baseURL}

	sawHeader := false
	var nextDuration time.Duration
	var segmentCount int64

	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := strings.TrimRight(scanner.Text(), "\r")
		line := strings.TrimSpace(raw)

		switch {
		case line == "":
			pl.Lines = append(pl.Lines, Line{Raw: raw})
			continue
		case line == "#EXTM3U":
			sawHeader = true
			pl.Lines = append(pl.Lines, Line{Raw: raw})
			continue
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			if secs, err := strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64); err == nil {
				pl.TargetDuration = time.Duration(secs * float64(time.Second))
			}
			pl.Lines = append(pl.Lines, Line{Raw: raw})
			continue
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			if n, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64); err == nil {
				pl.MediaSequence = n
			}
			pl.Lines = append(pl.Lines, Line{Raw: raw})
			continue
		case strings.HasPrefix(line, "#EXTINF:"):
			durPart := strings.TrimPrefix(line, "#EXTINF:")
			if idx := strings.Index(durPart, ","); idx != -1 {
				durPart = durPart[:idx]
			}
			secs, err := strconv.ParseFloat(strings.TrimSpace(durPart), 64)
			if err != nil {
				return nil, fmt.Errorf("manifest: invalid EXTINF duration %q", durPart)
			}
			nextDuration = time.Duration(secs * float64(time.Second))
			pl.Lines = append(pl.Lines, Line{Raw: raw})
			continue
		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			uri, ok := uriAttribute(line)
			if !ok {
				pl.Lines = append(pl.Lines, Line{Raw: raw})
				continue
			}
			pl.Lines = append(pl.Lines, Line{Raw: raw, Kind: Key, URI: absolute(uri, baseURL)})
			continue
		case strings.HasPrefix(line, "#"):
			pl.Lines = append(pl.Lines, Line{Raw: raw})
			continue
		}

		// URI line: one media segment.
		pl.Lines = append(pl.Lines, Line{
			Raw:      raw,
			Kind:     Segment,
			URI:      absolute(line, baseURL),
			Duration: nextDuration,
			Sequence: pl.MediaSequence + segmentCount,
		})
		pl.TotalDuration += nextDuration
		nextDuration = 0
		segmentCount++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("manifest: read playlist: %w", err)
	}
	if !sawHeader {
		return nil, fmt.Errorf("manifest: missing #EXTM3U header")
	}
	if segmentCount == 0 {
		return nil, fmt.Errorf("manifest: playlist has no segments")
	}
	return pl, nil
}

// uriAttribute extracts the URI="..." attribute value from a directive line.
func uriAttribute(line string) (string, bool) {
	const marker = `URI="`
	start := strings.Index(line, marker)
	if start == -1 {
		return "", false
	}
	rest := line[start+len(marker):]
	end := strings.Index(rest, `"`)
	if end == -1 {
		return "", false
	}
	return rest[:end], true
}

func absolute(uri, baseURL string) string {
	if strings.Contains(uri, "://") || baseURL == "" {
		return uri
	}
	return baseURL + "/" + strings.TrimLeft(uri, "/")
}
