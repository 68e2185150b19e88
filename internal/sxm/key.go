package sxm

import (
	"encoding/base64"
	"strings"
)

// The web player ships a fixed AES-128 key for live audio segments; the key
// URI in upstream playlists does not resolve on the CDN.
var hlsAESKey, _ = base64.StdEncoding.DecodeString("0Nsco7MAgxowGvkUT8aYag==")

// AESKey returns the static HLS decryption key served for key requests.
func AESKey() []byte {
	out := make([]byte, len(hlsAESKey))
	copy(out, hlsAESKey)
	return out
}

// IsKeyURI reports whether uri is the static key path referenced by upstream
// playlists.
func IsKeyURI(uri string) bool {
	return strings.HasSuffix(strings.TrimRight(uri, "/"), "/key/1") || uri == "key/1"
}
