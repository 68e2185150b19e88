package manifest

import (
	"strings"
)

// Rewrite renders pl as a locally servable playlist document. Segment URI
// lines and EXT-X-KEY URI attributes become {base}/segment?token=<tok>; all
// other lines pass through verbatim and in order.
func Rewrite(pl *Playlist, channelID, base string) string {
	base = strings.TrimRight(base, "/")

	var b strings.Builder
	for i, line := range pl.Lines {
		if i > 0 {
			b.WriteString("\n")
		}
		switch line.Kind {
		case Segment:
			b.WriteString(localURI(base, channelID, line.URI))
		case Key:
			uri, ok := uriAttribute(line.Raw)
			if !ok {
				b.WriteString(line.Raw)
				continue
			}
			b.WriteString(strings.Replace(line.Raw, `URI="`+uri+`"`, `URI="`+localURI(base, channelID, line.URI)+`"`, 1))
		default:
			b.WriteString(line.Raw)
		}
	}
	return b.String()
}

func localURI(base, channelID, upstreamURI string) string {
	return base + "/segment?token=" + EncodeToken(channelID, upstreamURI)
}
