package manifest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:1204
#EXT-X-KEY:METHOD=AES-128,URI="key/1",IV=0x0000000000000000000000000000A0DC
#EXTINF:10.010,
HLS_Live_01/content_1204.aac
#EXTINF:10.010,
HLS_Live_01/content_1205.aac
#EXT-X-DISCONTINUITY
#EXTINF:6.006,
HLS_Live_01/content_1206.aac
`

const sampleBase = "https://cdn.example.com/AAC_Data/hits1/HLS_hits1_256k_v3"

func TestParseSegmentsAndDirectives(t *testing.T) {
	pl, err := Parse(samplePlaylist, sampleBase)
	require.NoError(t, err)

	segs := pl.Segments()
	require.Len(t, segs, 3)
	assert.Equal(t, sampleBase+"/HLS_Live_01/content_1204.aac", segs[0].URI)
	assert.Equal(t, int64(1204), segs[0].Sequence)
	assert.Equal(t, int64(1206), segs[2].Sequence)
	assert.Equal(t, 10010*time.Millisecond, segs[0].Duration)
	assert.Equal(t, 6006*time.Millisecond, segs[2].Duration)

	assert.Equal(t, 10*time.Second, pl.TargetDuration)
	assert.Equal(t, int64(1204), pl.MediaSequence)
	assert.Equal(t, 26026*time.Millisecond, pl.TotalDuration)
	assert.Equal(t, pl.TotalDuration, pl.ValidFor())
}

func TestParseResolvesKeyURI(t *testing.T) {
	pl, err := Parse(samplePlaylist, sampleBase)
	require.NoError(t, err)

	var key *Line
	for i := range pl.Lines {
		if pl.Lines[i].Kind == Key {
			key = &pl.Lines[i]
		}
	}
	require.NotNil(t, key)
	assert.Equal(t, sampleBase+"/key/1", key.URI)
}

func TestParseAbsoluteURIsUntouched(t *testing.T) {
	body := "#EXTM3U\n#EXTINF:5.0,\nhttps://other.example.com/a/b.aac\n"
	pl, err := Parse(body, sampleBase)
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com/a/b.aac", pl.Segments()[0].URI)
}

func TestParseRejectsMissingHeader(t *testing.T) {
	_, err := Parse("#EXTINF:5.0,\nx.aac\n", sampleBase)
	assert.ErrorContains(t, err, "EXTM3U")
}

func TestParseRejectsEmptyPlaylist(t *testing.T) {
	_, err := Parse("#EXTM3U\n#EXT-X-VERSION:3\n", sampleBase)
	assert.ErrorContains(t, err, "no segments")
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse("#EXTM3U\n#EXTINF:abc,\nx.aac\n", sampleBase)
	assert.ErrorContains(t, err, "EXTINF")
}

func TestParseUnknownDirectivesPreserved(t *testing.T) {
	body := "#EXTM3U\n#EXT-X-SOMETHING-NEW:foo=1\n#EXTINF:5.0,\nx.aac\n"
	pl, err := Parse(body, sampleBase)
	require.NoError(t, err)

	var found bool
	for _, l := range pl.Lines {
		if l.Raw == "#EXT-X-SOMETHING-NEW:foo=1" {
			found = true
			assert.Equal(t, Directive, l.Kind)
		}
	}
	assert.True(t, found)
}

func TestTokenRoundTrip(t *testing.T) {
	uri := "https://cdn.example.com/AAC_Data/hits1/HLS_Live_01/content_1204.aac"
	tok, err := DecodeToken(EncodeToken("0204", uri))
	require.NoError(t, err)
	assert.Equal(t, "0204", tok.ChannelID)
	assert.Equal(t, uri, tok.URI)
}

func TestTokenDeterministic(t *testing.T) {
	a := EncodeToken("0204", "https://cdn.example.com/x.aac")
	b := EncodeToken("0204", "https://cdn.example.com/x.aac")
	assert.Equal(t, a, b)
}

func TestDecodeTokenRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "!!!not-base64!!!", "aGVsbG8", EncodeToken("", "")} {
		_, err := DecodeToken(s)
		assert.ErrorIs(t, err, ErrBadToken, "token %q", s)
	}
}

func TestDecodeTokenURLSafe(t *testing.T) {
	tok := EncodeToken("0204", "https://cdn.example.com/a?b=c&d=e")
	assert.NotContains(t, tok, "+")
	assert.NotContains(t, tok, "/")
	assert.NotContains(t, tok, "=")
	assert.False(t, strings.ContainsAny(tok, " \n"))
}
