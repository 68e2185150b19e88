// Package catalog caches the upstream channel lineup for the process
// lifetime. The lineup is fetched lazily, replaced wholesale on refresh, and
// looked up by exact channel id.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"sxmgw/internal/log"
	"sxmgw/internal/sxm"
)

// ErrNotFound marks lookups for channel ids the lineup does not contain.
var ErrNotFound = errors.New("catalog: channel not found")

// FetchFunc retrieves the full lineup from upstream.
type FetchFunc func(ctx context.Context) ([]sxm.Channel, error)

// Catalog is the process-wide channel cache.
type Catalog struct {
	fetch  FetchFunc
	sf     singleflight.Group
	logger zerolog.Logger

	mu     sync.RWMutex
	byID   map[string]sxm.Channel
	list   []sxm.Channel
	loaded bool
}

// New creates an empty catalog backed by fetch.
func New(fetch FetchFunc) *Catalog {
	return &Catalog{
		fetch:  fetch,
		logger: log.WithComponent("catalog"),
	}
}

// List returns the cached lineup, fetching it on first use. Concurrent cold
// callers share a single upstream fetch.
func (c *Catalog) List(ctx context.Context) ([]sxm.Channel, error) {
	c.mu.RLock()
	if c.loaded {
		defer c.mu.RUnlock()
		return c.list, nil
	}
	c.mu.RUnlock()

	_, err, _ := c.sf.Do("fetch", func() (any, error) {
		c.mu.RLock()
		loaded := c.loaded
		c.mu.RUnlock()
		if loaded {
			return nil, nil
		}
		return nil, c.load(ctx)
	})
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.list, nil
}

// Refresh replaces the cached lineup wholesale.
func (c *Catalog) Refresh(ctx context.Context) error {
	_, err, _ := c.sf.Do("fetch", func() (any, error) {
		return nil, c.load(ctx)
	})
	return err
}

// Lookup returns the channel with the given id, exactly as returned upstream.
// Ids are case-sensitive; there is no fuzzy matching.
func (c *Catalog) Lookup(ctx context.Context, id string) (sxm.Channel, error) {
	if _, err := c.List(ctx); err != nil {
		return sxm.Channel{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.byID[id]
	if !ok {
		return sxm.Channel{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return ch, nil
}

func (c *Catalog) load(ctx context.Context) error {
	channels, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]sxm.Channel, len(channels))
	for _, ch := range channels {
		byID[ch.ID] = ch
	}

	c.mu.Lock()
	c.byID = byID
	c.list = channels
	c.loaded = true
	c.mu.Unlock()

	c.logger.Info().
		Str(log.FieldEvent, "catalog.loaded").
		Int("channels", len(channels)).
		Msg("channel lineup cached")
	return nil
}
