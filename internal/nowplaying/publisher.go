// Package nowplaying publishes track metadata to an external data feed. The
// gateway only depends on the narrow Publisher interface; delivery is
// best-effort and never affects playback.
package nowplaying

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Track is the currently playing cut on a channel.
type Track struct {
	Title   string `json:"title"`
	Artist  string `json:"artist"`
	Station string `json:"station"`
	Playing bool   `json:"playing"`
}

// Publisher delivers now-playing updates.
type Publisher interface {
	Publish(ctx context.Context, track Track) error
}

// Nop discards updates. Used when no feed is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Track) error { return nil }

// Feed posts updates as JSON data points to an HTTP feed endpoint,
// authenticated with a feed key header.
type Feed struct {
	url  string
	key  string
	http *http.Client
}

// NewFeed creates a Feed publisher for the given endpoint.
func NewFeed(feedURL, key string, timeout time.Duration) *Feed {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Feed{
		url:  feedURL,
		key:  key,
		http: &http.Client{Timeout: timeout},
	}
}

// Publish sends one data point. The track is serialized as the data point
// value, matching the feed's generic {"value": ...} schema.
func (f *Feed) Publish(ctx context.Context, track Track) error {
	value, err := json.Marshal(track)
	if err != nil {
		return fmt.Errorf("nowplaying: encode track: %w", err)
	}
	payload, err := json.Marshal(map[string]string{"value": string(value)})
	if err != nil {
		return fmt.Errorf("nowplaying: encode data point: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("nowplaying: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.key != "" {
		req.Header.Set("X-AIO-Key", f.key)
	}

	res, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("nowplaying: post data point: %w", err)
	}
	defer res.Body.Close() //nolint:errcheck
	io.Copy(io.Discard, io.LimitReader(res.Body, 4096)) //nolint:errcheck
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("nowplaying: feed returned HTTP %d", res.StatusCode)
	}
	return nil
}
