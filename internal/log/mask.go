package log

import "net/url"

// sensitive query parameters that must never reach the log output.
var sensitiveParams = []string{"token", "gupId", "key"}

// MaskURL strips user info and redacts authentication query parameters from a
// URL string so it can be logged safely.
func MaskURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url-redacted"
	}
	parsed.User = nil
	q := parsed.Query()
	changed := false
	for _, p := range sensitiveParams {
		if q.Has(p) {
			q.Set(p, "REDACTED")
			changed = true
		}
	}
	if changed {
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}
