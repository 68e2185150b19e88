// Package proxy serves the local HTTP surface: rewritten channel playlists,
// relayed media segments and decryption keys, plus the lineup API and the
// operational endpoints. All upstream access goes through the session guard,
// so a rejected session is refreshed at most once per request.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"sxmgw/internal/catalog"
	"sxmgw/internal/log"
	"sxmgw/internal/manifest"
	"sxmgw/internal/nowplaying"
	"sxmgw/internal/session"
	"sxmgw/internal/sxm"
)

// Options wires a Server.
type Options struct {
	// BaseURL is the advertised base embedded in rewritten playlists.
	BaseURL string
	// RateLimitRPS caps per-client request rate. Zero disables limiting.
	RateLimitRPS int
	Guard        *session.Guard
	Client       *sxm.Client
	Catalog      *catalog.Catalog
	Publisher    nowplaying.Publisher
}

// Server is the gateway HTTP front end.
type Server struct {
	base      string
	rateRPS   int
	guard     *session.Guard
	client    *sxm.Client
	catalog   *catalog.Catalog
	publisher nowplaying.Publisher
	logger    zerolog.Logger
	wg        sync.WaitGroup
}

// New creates a Server from opts.
func New(opts Options) *Server {
	pub := opts.Publisher
	if pub == nil {
		pub = nowplaying.Nop{}
	}
	return &Server{
		base:      opts.BaseURL,
		rateRPS:   opts.RateLimitRPS,
		guard:     opts.Guard,
		client:    opts.Client,
		catalog:   opts.Catalog,
		publisher: pub,
		logger:    log.WithComponent("proxy"),
	}
}

// Handler builds the router with the full middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(observe)
	if s.rateRPS > 0 {
		r.Use(httprate.Limit(s.rateRPS, time.Second, httprate.WithKeyFuncs(httprate.KeyByIP)))
	}

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/api/channels", s.handleChannels)
	r.Post("/api/refresh", s.handleRefresh)
	r.Get("/segment", s.handleSegment)
	r.Get("/{channel}.m3u8", s.handleManifest)
	return r
}

// Close waits for background publishes to finish.
func (s *Server) Close() {
	s.wg.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.catalog.List(r.Context())
	if err != nil {
		s.upstreamError(w, r, "channels", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(channels); err != nil {
		logger := log.WithComponentFromContext(r.Context(), "proxy")
		logger.Debug().Err(err).Msg("channel list response aborted")
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Refresh(r.Context()); err != nil {
		s.upstreamError(w, r, "refresh", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channelID := chi.URLParam(r, "channel")
	logger := log.WithComponentFromContext(ctx, "proxy")

	ch, err := s.catalog.Lookup(ctx, channelID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			manifestRequestsTotal.WithLabelValues("not_found").Inc()
			logger.Warn().
				Str(log.FieldChannelID, channelID).
				Str(log.FieldEvent, "manifest.unknown_channel").
				Msg("requested channel not in lineup")
			http.Error(w, "unknown channel", http.StatusNotFound)
			return
		}
		manifestRequestsTotal.WithLabelValues("error").Inc()
		s.upstreamError(w, r, "manifest", err)
		return
	}

	var (
		pl    *manifest.Playlist
		track *nowplaying.Track
	)
	err = s.guard.Do(ctx, func(sess *sxm.Session) error {
		var rerr error
		pl, track, rerr = s.client.ResolvePlaylist(ctx, sess, ch)
		return rerr
	})
	if err != nil {
		manifestRequestsTotal.WithLabelValues("error").Inc()
		s.upstreamError(w, r, "manifest", err)
		return
	}
	manifestRequestsTotal.WithLabelValues("ok").Inc()

	doc := manifest.Rewrite(pl, ch.ID, s.base)
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-store")
	w.Write([]byte(doc)) //nolint:errcheck

	if track != nil {
		s.publishAsync(ch, *track)
	}
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.WithComponentFromContext(ctx, "proxy")

	tok, err := manifest.DecodeToken(r.URL.Query().Get("token"))
	if err != nil {
		logger.Warn().Str(log.FieldEvent, "segment.bad_token").Msg("rejecting undecodable proxy token")
		http.Error(w, "malformed token", http.StatusBadRequest)
		return
	}

	// The static decryption key is protocol data, not a per-session secret.
	// It is served locally, never fetched.
	if sxm.IsKeyURI(tok.URI) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(sxm.AESKey()) //nolint:errcheck
		return
	}

	var res *http.Response
	err = s.guard.Do(ctx, func(sess *sxm.Session) error {
		var rerr error
		res, rerr = s.client.FetchResource(ctx, sess, tok.URI)
		return rerr
	})
	if err != nil {
		s.upstreamError(w, r, "segment", err)
		return
	}
	defer res.Body.Close() //nolint:errcheck

	activeSegmentStreams.Inc()
	defer activeSegmentStreams.Dec()

	ct := res.Header.Get("Content-Type")
	if ct == "" {
		ct = "audio/aac"
	}
	w.Header().Set("Content-Type", ct)
	if cl := res.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}

	n, err := io.Copy(flushingWriter{w}, res.Body)
	segmentBytesTotal.Add(float64(n))
	if err != nil {
		// Mid-stream failures are routine: players cancel segment fetches
		// whenever they switch position.
		logger.Debug().Err(err).
			Str(log.FieldChannelID, tok.ChannelID).
			Str(log.FieldEvent, "segment.relay_interrupted").
			Int64("bytes", n).
			Msg("segment relay ended early")
	}
}

// upstreamError maps client errors onto the gateway's HTTP taxonomy. By the
// time an error reaches here the guard has already spent its single retry.
func (s *Server) upstreamError(w http.ResponseWriter, r *http.Request, op string, err error) {
	// Suppress the response only when this request's own client is gone. A
	// context.Canceled can also arrive from a shared singleflight call whose
	// winning caller disconnected; waiters are still live and get a 502.
	if r.Context().Err() != nil {
		return
	}
	logger := log.WithComponentFromContext(r.Context(), "proxy")
	evt := logger.Error().Err(err).Str(log.FieldOperation, op)
	switch {
	case errors.Is(err, context.Canceled):
		evt.Str(log.FieldEvent, "upstream.cancelled").
			Msg("shared upstream call cancelled by its initiating client")
	case errors.Is(err, sxm.ErrProtocolChanged):
		evt.Str(log.FieldEvent, "upstream.protocol_changed").
			Msg("upstream response no longer matches the known contract")
	case errors.Is(err, sxm.ErrAuthRejected):
		evt.Str(log.FieldEvent, "upstream.auth_rejected").
			Msg("upstream still rejects the session after re-authentication")
	case errors.Is(err, sxm.ErrInvalidCredentials):
		evt.Str(log.FieldEvent, "upstream.invalid_credentials").
			Msg("upstream rejected the configured credentials")
	case errors.Is(err, sxm.ErrTimeout):
		evt.Str(log.FieldEvent, "upstream.timeout").Msg("upstream request timed out")
	case errors.Is(err, sxm.ErrNotFound):
		evt.Str(log.FieldEvent, "upstream.not_found").Msg("upstream resource is gone")
	default:
		evt.Str(log.FieldEvent, "upstream.unavailable").Msg("upstream request failed")
	}
	http.Error(w, "upstream error", http.StatusBadGateway)
}

// publishAsync delivers a now-playing update without blocking the response.
func (s *Server) publishAsync(ch sxm.Channel, track nowplaying.Track) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.publisher.Publish(ctx, track); err != nil {
			nowPlayingPublishTotal.WithLabelValues("error").Inc()
			s.logger.Warn().Err(err).
				Str(log.FieldChannelID, ch.ID).
				Str(log.FieldEvent, "nowplaying.publish_failed").
				Msg("now-playing update dropped")
			return
		}
		nowPlayingPublishTotal.WithLabelValues("ok").Inc()
	}()
}

// flushingWriter flushes after every write so segment bytes reach the player
// as they arrive instead of buffering a whole segment.
type flushingWriter struct {
	w http.ResponseWriter
}

func (fw flushingWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if f, ok := fw.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}
