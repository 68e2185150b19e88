package sxm

import (
	"net/http"
	"time"
)

// Session is the opaque credential bundle issued by a successful login.
// It is immutable once issued; a refresh produces a new Session.
type Session struct {
	Token     string // SXMAKTOKEN value, attached to every HLS fetch
	GupID     string // gupId from the SXMDATA cookie
	IssuedAt  time.Time
	ExpiresAt time.Time // conservative estimate, upstream gives no authoritative expiry

	cookies []*http.Cookie
}

// Live reports whether the session is usable at instant now. The expiry
// estimate is a soft hint only; upstream rejection is the authority.
func (s *Session) Live(now time.Time) bool {
	return s != nil && now.Before(s.ExpiresAt)
}

// apply attaches session cookies and the upstream auth query parameters to req.
func (s *Session) apply(req *http.Request) {
	for _, c := range s.cookies {
		req.AddCookie(c)
	}
	q := req.URL.Query()
	q.Set("token", s.Token)
	q.Set("consumer", "k2")
	q.Set("gupId", s.GupID)
	req.URL.RawQuery = q.Encode()
}

// applyCookies attaches only the session cookies, for REST calls that do not
// take the HLS auth query parameters.
func (s *Session) applyCookies(req *http.Request) {
	for _, c := range s.cookies {
		req.AddCookie(c)
	}
}
