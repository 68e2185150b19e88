package manifest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBadToken marks proxy tokens that cannot be decoded.
var ErrBadToken = errors.New("manifest: malformed proxy token")

// Token reconstructs an upstream resource request without server-side state.
// It is encoded, not encrypted: upstream URIs are not confidential, and a
// forged token only yields a failed upstream fetch.
type Token struct {
	ChannelID string `json:"c"`
	URI       string `json:"u"`
}

// EncodeToken derives the opaque token embedded in rewritten URIs. Encoding
// is deterministic, so tokens are stable for the lifetime of one manifest
// response.
func EncodeToken(channelID, uri string) string {
	payload, _ := json.Marshal(Token{ChannelID: channelID, URI: uri})
	return base64.RawURLEncoding.EncodeToString(payload)
}

// DecodeToken reverses EncodeToken, reproducing the exact original upstream
// URI.
func DecodeToken(s string) (Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	if tok.ChannelID == "" || tok.URI == "" {
		return Token{}, fmt.Errorf("%w: missing fields", ErrBadToken)
	}
	return tok, nil
}
