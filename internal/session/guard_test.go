package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sxmgw/internal/sxm"
)

type fakeAuth struct {
	mu     sync.Mutex
	calls  int32
	delay  time.Duration
	err    error
	expiry time.Duration
}

func (f *fakeAuth) Login(ctx context.Context) (*sxm.Session, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	expiry := f.expiry
	if expiry == 0 {
		expiry = time.Hour
	}
	return &sxm.Session{
		Token:     "tok",
		GupID:     "gup",
		IssuedAt:  now,
		ExpiresAt: now.Add(expiry),
	}, nil
}

func newTestGuard(auth Authenticator) *Guard {
	return NewGuard(auth, Config{LoginInterval: time.Millisecond, LoginBurst: 100})
}

func TestSessionIsIdempotentWhileValid(t *testing.T) {
	auth := &fakeAuth{}
	g := newTestGuard(auth)

	first, err := g.Session(context.Background())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		s, err := g.Session(context.Background())
		require.NoError(t, err)
		assert.Same(t, first, s)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&auth.calls))
}

func TestConcurrentCallersShareOneLogin(t *testing.T) {
	auth := &fakeAuth{delay: 50 * time.Millisecond}
	g := newTestGuard(auth)

	const n = 25
	sessions := make([]*sxm.Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := g.Session(context.Background())
			require.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&auth.calls))
	for i := 1; i < n; i++ {
		assert.Same(t, sessions[0], sessions[i])
	}
}

func TestConcurrentCallersShareOneFailure(t *testing.T) {
	auth := &fakeAuth{delay: 20 * time.Millisecond, err: sxm.ErrInvalidCredentials}
	g := newTestGuard(auth)

	const n = 10
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.Session(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&auth.calls))
	for i := 0; i < n; i++ {
		assert.ErrorIs(t, errs[i], sxm.ErrInvalidCredentials)
	}
}

func TestExpiredSessionTriggersRefresh(t *testing.T) {
	auth := &fakeAuth{expiry: time.Minute}
	g := newTestGuard(auth)

	first, err := g.Session(context.Background())
	require.NoError(t, err)

	// Move the guard clock past the expiry estimate.
	g.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	second, err := g.Session(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), atomic.LoadInt32(&auth.calls))
}

func TestInvalidateForcesReauth(t *testing.T) {
	auth := &fakeAuth{}
	g := newTestGuard(auth)

	first, err := g.Session(context.Background())
	require.NoError(t, err)

	g.Invalidate(first, "upstream 403")
	g.Invalidate(first, "upstream 403") // idempotent

	second, err := g.Session(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), atomic.LoadInt32(&auth.calls))
}

func TestInvalidateStaleDoesNotClobberFresh(t *testing.T) {
	auth := &fakeAuth{}
	g := newTestGuard(auth)

	first, err := g.Session(context.Background())
	require.NoError(t, err)
	g.Invalidate(first, "rejected")

	second, err := g.Session(context.Background())
	require.NoError(t, err)

	// A late caller still holding the first session reports it again; the
	// fresh session must survive.
	g.Invalidate(first, "rejected")

	third, err := g.Session(context.Background())
	require.NoError(t, err)
	assert.Same(t, second, third)
	assert.Equal(t, int32(2), atomic.LoadInt32(&auth.calls))
}

func TestDoRetriesOnceOnAuthRejection(t *testing.T) {
	auth := &fakeAuth{}
	g := newTestGuard(auth)

	attempts := 0
	err := g.Do(context.Background(), func(*sxm.Session) error {
		attempts++
		if attempts == 1 {
			return &sxm.APIError{Sentinel: sxm.ErrAuthRejected, Op: "fetch"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, int32(2), atomic.LoadInt32(&auth.calls))
}

func TestDoGivesUpAfterOneRetry(t *testing.T) {
	auth := &fakeAuth{}
	g := newTestGuard(auth)

	attempts := 0
	err := g.Do(context.Background(), func(*sxm.Session) error {
		attempts++
		return &sxm.APIError{Sentinel: sxm.ErrAuthRejected, Op: "fetch"}
	})
	assert.ErrorIs(t, err, sxm.ErrAuthRejected)
	assert.Equal(t, 2, attempts)
}

func TestFailureLeavesGuardEmptyForRetry(t *testing.T) {
	auth := &fakeAuth{err: errors.New("boom")}
	g := newTestGuard(auth)

	_, err := g.Session(context.Background())
	require.Error(t, err)

	auth.err = nil
	s, err := g.Session(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, s)
}
