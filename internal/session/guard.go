// Package session owns the process-wide upstream session: one current
// Session at a time, replaced never mutated, with all re-authentication
// collapsed onto a single in-flight login.
package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"sxmgw/internal/log"
	"sxmgw/internal/sxm"
)

// Authenticator issues new sessions. *sxm.Client satisfies this interface.
type Authenticator interface {
	Login(ctx context.Context) (*sxm.Session, error)
}

// Config tunes the guard. Zero values select defaults.
type Config struct {
	// LoginInterval throttles upstream login attempts after LoginBurst has
	// been spent. Protects the upstream account from a crash/retry loop.
	LoginInterval time.Duration
	LoginBurst    int
}

// Guard is the concurrency-safe holder of the current session. Readers take
// an atomic load; the refresh path is linearized through a singleflight
// group so concurrent callers observing a dead session share one login.
type Guard struct {
	auth    Authenticator
	cur     atomic.Pointer[sxm.Session]
	sf      singleflight.Group
	limiter *rate.Limiter
	now     func() time.Time
	logger  zerolog.Logger
}

// NewGuard creates a Guard around auth.
func NewGuard(auth Authenticator, cfg Config) *Guard {
	interval := cfg.LoginInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	burst := cfg.LoginBurst
	if burst <= 0 {
		burst = 3
	}
	return &Guard{
		auth:    auth,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
		now:     time.Now,
		logger:  log.WithComponent("session"),
	}
}

// Session returns the current session, authenticating first if the session
// is absent, past its expiry estimate, or was invalidated. All concurrent
// callers needing a login wait on the same attempt and observe the same
// resulting session or the same failure.
func (g *Guard) Session(ctx context.Context) (*sxm.Session, error) {
	if s := g.cur.Load(); s.Live(g.now()) {
		return s, nil
	}

	v, err, shared := g.sf.Do("login", func() (any, error) {
		// A racing flight may have installed a fresh session already.
		if s := g.cur.Load(); s.Live(g.now()) {
			return s, nil
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		s, err := g.auth.Login(ctx)
		if err != nil {
			loginsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		loginsTotal.WithLabelValues("ok").Inc()
		g.cur.Store(s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		g.logger.Debug().Str(log.FieldEvent, "session.shared").Msg("joined in-flight authentication")
	}
	return v.(*sxm.Session), nil
}

// Do runs fn with a valid session, retrying exactly once after a forced
// refresh when upstream rejects the session. A second rejection is returned
// as-is so a genuinely dead account is never masked as transient.
func (g *Guard) Do(ctx context.Context, fn func(*sxm.Session) error) error {
	s, err := g.Session(ctx)
	if err != nil {
		return err
	}
	err = fn(s)
	if !errors.Is(err, sxm.ErrAuthRejected) {
		return err
	}
	g.Invalidate(s, "upstream rejected session")
	s, err = g.Session(ctx)
	if err != nil {
		return err
	}
	return fn(s)
}

// InvalidateCurrent discards whatever session is current. Used when the
// credentials themselves change and any existing session belongs to the old
// pair.
func (g *Guard) InvalidateCurrent(reason string) {
	g.Invalidate(g.cur.Load(), reason)
}

// Invalidate discards stale if it is still the current session, forcing the
// next Session call to re-authenticate. It is idempotent under concurrent
// invalidation and never discards a session fresher than stale.
func (g *Guard) Invalidate(stale *sxm.Session, reason string) {
	if stale == nil {
		return
	}
	if g.cur.CompareAndSwap(stale, nil) {
		invalidationsTotal.Inc()
		g.logger.Warn().
			Str(log.FieldEvent, "session.invalidated").
			Str(log.FieldReason, reason).
			Msg("session invalidated, next request will re-authenticate")
	}
}
