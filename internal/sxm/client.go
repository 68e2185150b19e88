// Package sxm implements the reverse-engineered SiriusXM player API: the
// multi-step login handshake, the channel lineup, and live playlist
// resolution. Request and response shapes follow the upstream contract and
// are adapted to, not redefined.
package sxm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"sxmgw/internal/log"
	"sxmgw/internal/manifest"
	"sxmgw/internal/nowplaying"
)

const (
	defaultRESTBase = "https://player.siriusxm.com/rest/v2/experience/modules"
	defaultHLSBase  = "https://siriusxm-priprodlive.akamaized.net"

	// Upstream only answers requests that look like the web player.
	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_12_6) AppleWebKit/604.5.6 (KHTML, like Gecko) Version/11.0.3 Safari/604.5.6"

	defaultTimeout    = 20 * time.Second
	defaultSessionTTL = 25 * time.Minute
)

// CredentialSource supplies the upstream username and password. Credentials
// are opaque strings and must never be logged.
type CredentialSource interface {
	Credentials() (username, password string)
}

// Options configures a Client. Zero values select production defaults.
type Options struct {
	RESTBase   string
	HLSBase    string
	Timeout    time.Duration
	SessionTTL time.Duration
}

// Client talks to the upstream service. It holds no session state; sessions
// are issued by Login and passed back in by callers.
type Client struct {
	restBase string
	hlsBase  string
	restURL  *url.URL
	creds    CredentialSource
	http     *http.Client
	ttl      time.Duration
	logger   zerolog.Logger
}

// New creates a Client reading credentials from creds.
func New(creds CredentialSource, opts Options) (*Client, error) {
	restBase := strings.TrimRight(opts.RESTBase, "/")
	if restBase == "" {
		restBase = defaultRESTBase
	}
	hlsBase := strings.TrimRight(opts.HLSBase, "/")
	if hlsBase == "" {
		hlsBase = defaultHLSBase
	}
	restURL, err := url.Parse(restBase)
	if err != nil {
		return nil, fmt.Errorf("sxm: invalid REST base %q: %w", restBase, err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &Client{
		restBase: restBase,
		hlsBase:  hlsBase,
		restURL:  restURL,
		creds:    creds,
		http:     &http.Client{Timeout: timeout},
		ttl:      ttl,
		logger:   log.WithComponent("sxm"),
	}, nil
}

// Channel is one entry of the upstream lineup.
type Channel struct {
	ID       string `json:"id"`
	GUID     string `json:"-"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Number   int    `json:"number"`
	Favorite bool   `json:"favorite,omitempty"`
}

// ---------------------------------------------------------------------------
// Wire envelope

type envelope struct {
	ModuleListResponse struct {
		Status   int `json:"status"`
		Messages []struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"messages"`
		ModuleList struct {
			Modules []struct {
				ModuleResponse struct {
					ContentData *struct {
						ChannelListing struct {
							Channels []channelJSON `json:"channels"`
						} `json:"channelListing"`
					} `json:"contentData"`
					LiveChannelData *liveChannelData `json:"liveChannelData"`
				} `json:"moduleResponse"`
			} `json:"modules"`
		} `json:"moduleList"`
	} `json:"ModuleListResponse"`
}

type channelJSON struct {
	ChannelGUID string          `json:"channelGuid"`
	ChannelID   string          `json:"channelId"`
	Name        string          `json:"name"`
	Number      flexInt         `json:"siriusChannelNumber"`
	IsFavorite  bool            `json:"isFavorite"`
	Categories  json.RawMessage `json:"categories"`
}

type liveChannelData struct {
	HLSAudioInfos []struct {
		Size string `json:"size"`
		URL  string `json:"url"`
	} `json:"hlsAudioInfos"`
	MarkerLists []struct {
		Markers []struct {
			Episode *struct {
				LongTitle string `json:"longTitle"`
			} `json:"episode"`
			Cut *struct {
				Title   string `json:"title"`
				Artists []struct {
					Name string `json:"name"`
				} `json:"artists"`
			} `json:"cut"`
		} `json:"markers"`
	} `json:"markerLists"`
}

// flexInt tolerates upstream sending channel numbers as either JSON numbers
// or strings.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(n)
	return nil
}

// parseCategory extracts a category name from whichever shape upstream sends.
func parseCategory(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var list []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0].Name
	}
	var wrapped struct {
		Categories []struct {
			Name string `json:"name"`
		} `json:"categories"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Categories) > 0 {
		return wrapped.Categories[0].Name
	}
	return ""
}

// ---------------------------------------------------------------------------
// Login handshake

// Login performs the upstream handshake: credential login followed by session
// resume. It returns a new immutable Session with a conservative expiry
// estimate.
func (c *Client) Login(ctx context.Context) (*Session, error) {
	username, password := c.creds.Credentials()
	if username == "" || password == "" {
		return nil, &APIError{Sentinel: ErrInvalidCredentials, Op: "login", Err: errors.New("missing username or password")}
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("sxm: cookie jar: %w", err)
	}
	hc := &http.Client{Jar: jar, Timeout: c.http.Timeout}

	env, err := c.postModule(ctx, hc, "modify/authentication", loginBody(username, password))
	if err != nil {
		return nil, err
	}
	if env.ModuleListResponse.Status != 1 || !hasCookie(jar, c.restURL, "SXMAUTHNEW") {
		return nil, &APIError{Sentinel: ErrInvalidCredentials, Op: "login"}
	}

	env, err = c.postModule(ctx, hc, "resume?OAtrial=false", resumeBody())
	if err != nil {
		return nil, err
	}
	if env.ModuleListResponse.Status != 1 {
		return nil, &APIError{Sentinel: ErrInvalidCredentials, Op: "resume"}
	}
	if !hasCookie(jar, c.restURL, "AWSALB") || !hasCookie(jar, c.restURL, "JSESSIONID") {
		return nil, &APIError{Sentinel: ErrProtocolChanged, Op: "resume", Err: errors.New("session cookies missing after resume")}
	}

	token, err := akamaiToken(jar, c.restURL)
	if err != nil {
		return nil, &APIError{Sentinel: ErrProtocolChanged, Op: "resume", Err: err}
	}
	gupID, err := gupID(jar, c.restURL)
	if err != nil {
		return nil, &APIError{Sentinel: ErrProtocolChanged, Op: "resume", Err: err}
	}

	now := time.Now()
	sess := &Session{
		Token:     token,
		GupID:     gupID,
		IssuedAt:  now,
		ExpiresAt: now.Add(c.ttl),
		cookies:   jar.Cookies(c.restURL),
	}
	c.logger.Info().
		Str(log.FieldEvent, "session.issued").
		Time("expires_at", sess.ExpiresAt).
		Msg("upstream session established")
	return sess, nil
}

// hasCookie reports whether the jar holds a named cookie for u.
func hasCookie(jar http.CookieJar, u *url.URL, name string) bool {
	for _, c := range jar.Cookies(u) {
		if c.Name == name {
			return true
		}
	}
	return false
}

// akamaiToken extracts the HLS auth token from the SXMAKTOKEN cookie, whose
// value has the form "token=<value>,<rest>".
func akamaiToken(jar http.CookieJar, u *url.URL) (string, error) {
	for _, c := range jar.Cookies(u) {
		if c.Name != "SXMAKTOKEN" {
			continue
		}
		_, after, found := strings.Cut(c.Value, "=")
		if !found {
			return "", errors.New("SXMAKTOKEN cookie has unexpected format")
		}
		token, _, _ := strings.Cut(after, ",")
		if token == "" {
			return "", errors.New("SXMAKTOKEN cookie has empty token")
		}
		return token, nil
	}
	return "", errors.New("SXMAKTOKEN cookie missing")
}

// gupID extracts the gupId from the URL-encoded JSON SXMDATA cookie.
func gupID(jar http.CookieJar, u *url.URL) (string, error) {
	for _, c := range jar.Cookies(u) {
		if c.Name != "SXMDATA" {
			continue
		}
		decoded, err := url.QueryUnescape(c.Value)
		if err != nil {
			return "", fmt.Errorf("SXMDATA cookie not URL-encoded: %w", err)
		}
		var data struct {
			GupID string `json:"gupId"`
		}
		if err := json.Unmarshal([]byte(decoded), &data); err != nil {
			return "", fmt.Errorf("SXMDATA cookie not JSON: %w", err)
		}
		if data.GupID == "" {
			return "", errors.New("SXMDATA cookie has no gupId")
		}
		return data.GupID, nil
	}
	return "", errors.New("SXMDATA cookie missing")
}

func deviceInfo() map[string]any {
	return map[string]any{
		"osVersion":        "Mac",
		"platform":         "Web",
		"sxmAppVersion":    "3.1802.10011.0",
		"browser":          "Safari",
		"browserVersion":   "11.0.3",
		"appRegion":        "US",
		"deviceModel":      "K2WebClient",
		"clientDeviceId":   "null",
		"player":           "html5",
		"clientDeviceType": "web",
	}
}

func loginBody(username, password string) map[string]any {
	return map[string]any{
		"moduleList": map[string]any{
			"modules": []any{map[string]any{
				"moduleRequest": map[string]any{
					"resultTemplate": "web",
					"deviceInfo":     deviceInfo(),
					"standardAuth": map[string]any{
						"username": username,
						"password": password,
					},
				},
			}},
		},
	}
}

func resumeBody() map[string]any {
	return map[string]any{
		"moduleList": map[string]any{
			"modules": []any{map[string]any{
				"moduleRequest": map[string]any{
					"resultTemplate": "web",
					"deviceInfo":     deviceInfo(),
				},
			}},
		},
	}
}

func channelListingBody() map[string]any {
	return map[string]any{
		"moduleList": map[string]any{
			"modules": []any{map[string]any{
				"moduleArea": "Discovery",
				"moduleType": "ChannelListing",
				"moduleRequest": map[string]any{
					"consumeRequests": []any{},
					"resultTemplate":  "responsive",
					"alerts":          []any{},
					"profileInfos":    []any{},
				},
			}},
		},
	}
}

// ---------------------------------------------------------------------------
// Channel lineup

// Channels fetches the full channel lineup using sess.
func (c *Client) Channels(ctx context.Context, sess *Session) ([]Channel, error) {
	env, err := c.postModuleSession(ctx, "get", channelListingBody(), sess)
	if err != nil {
		return nil, err
	}
	modules := env.ModuleListResponse.ModuleList.Modules
	if len(modules) == 0 || modules[0].ModuleResponse.ContentData == nil {
		return nil, &APIError{Sentinel: ErrProtocolChanged, Op: "channels", Err: errors.New("channel listing missing from response")}
	}
	raw := modules[0].ModuleResponse.ContentData.ChannelListing.Channels
	channels := make([]Channel, 0, len(raw))
	for _, ch := range raw {
		if ch.ChannelID == "" {
			continue
		}
		channels = append(channels, Channel{
			ID:       ch.ChannelID,
			GUID:     ch.ChannelGUID,
			Name:     ch.Name,
			Category: parseCategory(ch.Categories),
			Number:   int(ch.Number),
			Favorite: ch.IsFavorite,
		})
	}
	return channels, nil
}

// ---------------------------------------------------------------------------
// Playlist resolution

// ResolvePlaylist obtains the current live media playlist for ch. It calls
// upstream once per invocation; playlists are short-lived and never cached.
// The now-playing track parsed from the tune response is returned alongside.
func (c *Client) ResolvePlaylist(ctx context.Context, sess *Session, ch Channel) (*manifest.Playlist, *nowplaying.Track, error) {
	now := time.Now().UTC()
	params := url.Values{
		"assetGUID":       {ch.GUID},
		"ccRequestType":   {"AUDIO_VIDEO"},
		"channelId":       {ch.ID},
		"hls_output_mode": {"custom"},
		"marker_mode":     {"all_separate_cue_points"},
		"result-template": {"web"},
		"time":            {strconv.FormatInt(now.UnixMilli(), 10)},
		"timestamp":       {now.Format("2006-01-02T15:04:05.000000") + "Z"},
	}
	env, err := c.getModule(ctx, "tune/now-playing-live", params, sess)
	if err != nil {
		return nil, nil, err
	}

	msgs := env.ModuleListResponse.Messages
	if len(msgs) == 0 {
		return nil, nil, &APIError{Sentinel: ErrProtocolChanged, Op: "tune", Err: errors.New("no messages in tune response")}
	}
	switch code := msgs[0].Code; code {
	case 100:
		// tuned
	case 201, 208:
		return nil, nil, &APIError{Sentinel: ErrAuthRejected, Op: "tune", Code: code}
	default:
		return nil, nil, &APIError{Sentinel: ErrUpstreamUnavailable, Op: "tune", Code: code, Err: errors.New(msgs[0].Message)}
	}

	modules := env.ModuleListResponse.ModuleList.Modules
	if len(modules) == 0 || modules[0].ModuleResponse.LiveChannelData == nil {
		return nil, nil, &APIError{Sentinel: ErrProtocolChanged, Op: "tune", Err: errors.New("live channel data missing from response")}
	}
	live := modules[0].ModuleResponse.LiveChannelData

	masterURL := ""
	for _, info := range live.HLSAudioInfos {
		if info.Size == "LARGE" {
			masterURL = strings.ReplaceAll(info.URL, "%Live_Primary_HLS%", c.hlsBase)
			break
		}
	}
	if masterURL == "" {
		return nil, nil, &APIError{Sentinel: ErrProtocolChanged, Op: "tune", Err: errors.New("no LARGE hlsAudioInfo in response")}
	}

	c.logger.Debug().
		Str(log.FieldChannelID, ch.ID).
		Str(log.FieldUpstreamURL, log.MaskURL(masterURL)).
		Msg("resolving live playlist")

	variantURL, err := c.variantURL(ctx, sess, masterURL)
	if err != nil {
		return nil, nil, err
	}
	body, err := c.fetchText(ctx, sess, variantURL)
	if err != nil {
		return nil, nil, err
	}
	pl, err := manifest.Parse(body, baseOf(variantURL))
	if err != nil {
		return nil, nil, &APIError{Sentinel: ErrProtocolChanged, Op: "playlist", Err: err}
	}
	return pl, trackFrom(live), nil
}

// variantURL fetches the master playlist and returns the URL of its first
// variant. The first variant is the 256k stream.
func (c *Client) variantURL(ctx context.Context, sess *Session, masterURL string) (string, error) {
	body, err := c.fetchText(ctx, sess, masterURL)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasSuffix(line, ".m3u8") {
			return baseOf(masterURL) + "/" + line, nil
		}
	}
	return "", &APIError{Sentinel: ErrProtocolChanged, Op: "master-playlist", Err: errors.New("no variant entry in master playlist")}
}

// trackFrom scans the marker lists for the station episode and the most
// recent cut. Marker list order upstream is not contractual, so every list is
// scanned rather than indexed.
func trackFrom(live *liveChannelData) *nowplaying.Track {
	track := &nowplaying.Track{Playing: true}
	for _, ml := range live.MarkerLists {
		for _, m := range ml.Markers {
			if m.Episode != nil && track.Station == "" {
				track.Station = m.Episode.LongTitle
			}
			if m.Cut != nil {
				track.Title = m.Cut.Title
				if len(m.Cut.Artists) > 0 {
					track.Artist = m.Cut.Artists[0].Name
				}
			}
		}
	}
	if track.Title == "" && track.Station == "" {
		return nil
	}
	return track
}

// ---------------------------------------------------------------------------
// Resource fetch

// ResolveURI turns a manifest-relative URI into an absolute upstream URL.
func (c *Client) ResolveURI(uri string) string {
	if strings.Contains(uri, "://") {
		return uri
	}
	return c.hlsBase + "/" + strings.TrimLeft(uri, "/")
}

// FetchResource fetches an upstream segment or key URI with the session's
// authentication attached. On success the caller owns the response body.
func (c *Client) FetchResource(ctx context.Context, sess *Session, uri string) (*http.Response, error) {
	target := c.ResolveURI(uri)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &APIError{Sentinel: ErrUpstreamUnavailable, Op: "fetch", Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	sess.apply(req)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, c.classify("fetch", err)
	}
	switch res.StatusCode {
	case http.StatusOK:
		return res, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		drain(res)
		return nil, &APIError{Sentinel: ErrAuthRejected, Op: "fetch", Status: res.StatusCode}
	case http.StatusNotFound:
		drain(res)
		return nil, &APIError{Sentinel: ErrNotFound, Op: "fetch", Status: res.StatusCode}
	default:
		drain(res)
		return nil, &APIError{Sentinel: ErrUpstreamUnavailable, Op: "fetch", Status: res.StatusCode}
	}
}

// fetchText fetches a playlist document as a string.
func (c *Client) fetchText(ctx context.Context, sess *Session, uri string) (string, error) {
	res, err := c.FetchResource(ctx, sess, uri)
	if err != nil {
		return "", err
	}
	defer res.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", c.classify("fetch", err)
	}
	return string(body), nil
}

// ---------------------------------------------------------------------------
// Transport plumbing

func (c *Client) postModule(ctx context.Context, hc *http.Client, method string, body any) (*envelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("sxm: encode %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.restBase+"/"+method, bytes.NewReader(payload))
	if err != nil {
		return nil, &APIError{Sentinel: ErrUpstreamUnavailable, Op: method, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	return c.doEnvelope(hc, method, req)
}

// postModuleSession posts a module request with session cookies attached.
func (c *Client) postModuleSession(ctx context.Context, method string, body any, sess *Session) (*envelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("sxm: encode %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.restBase+"/"+method, bytes.NewReader(payload))
	if err != nil {
		return nil, &APIError{Sentinel: ErrUpstreamUnavailable, Op: method, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	sess.applyCookies(req)
	return c.doEnvelope(c.http, method, req)
}

func (c *Client) getModule(ctx context.Context, method string, params url.Values, sess *Session) (*envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.restBase+"/"+method+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &APIError{Sentinel: ErrUpstreamUnavailable, Op: method, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	sess.applyCookies(req)
	return c.doEnvelope(c.http, method, req)
}

func (c *Client) doEnvelope(hc *http.Client, op string, req *http.Request) (*envelope, error) {
	res, err := hc.Do(req)
	if err != nil {
		return nil, c.classify(op, err)
	}
	defer res.Body.Close() //nolint:errcheck
	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(res.Body, 4096)) //nolint:errcheck
		sentinel := ErrUpstreamUnavailable
		if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
			sentinel = ErrAuthRejected
		}
		return nil, &APIError{Sentinel: sentinel, Op: op, Status: res.StatusCode}
	}
	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return nil, &APIError{Sentinel: ErrProtocolChanged, Op: op, Err: err}
	}
	return &env, nil
}

// classify maps transport errors onto the sentinel taxonomy. Caller-initiated
// cancellation passes through untouched so it is not reported as an upstream
// failure.
func (c *Client) classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &APIError{Sentinel: ErrTimeout, Op: op, Err: err}
	}
	return &APIError{Sentinel: ErrUpstreamUnavailable, Op: op, Err: err}
}

func drain(res *http.Response) {
	io.Copy(io.Discard, io.LimitReader(res.Body, 4096)) //nolint:errcheck
	res.Body.Close()                                    //nolint:errcheck
}

func baseOf(rawURL string) string {
	if idx := strings.LastIndex(rawURL, "/"); idx > 0 {
		return rawURL[:idx]
	}
	return rawURL
}
