package sxm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCreds struct {
	user, pass string
}

func (c staticCreds) Credentials() (string, string) { return c.user, c.pass }

// fakeService is a scriptable stand-in for the remote API and CDN.
type fakeService struct {
	srv *httptest.Server

	mu           sync.Mutex
	rejectLogin  bool // status 0, no auth cookie
	omitAkamai   bool // resume succeeds but SXMAKTOKEN is missing
	tuneCode     int  // messages[0].code in tune responses, 0 means 100
	segmentCode  int  // HTTP status for segment fetches, 0 means 200
	lastAuthBody string
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	f := &fakeService{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rest/modify/authentication", f.handleLogin)
	mux.HandleFunc("POST /rest/resume", f.handleResume)
	mux.HandleFunc("POST /rest/get", f.handleListing)
	mux.HandleFunc("GET /rest/tune/now-playing-live", f.handleTune)
	mux.HandleFunc("GET /AAC_Data/hits1/master.m3u8", f.handleMaster)
	mux.HandleFunc("GET /AAC_Data/hits1/hits1_256k.m3u8", f.handleVariant)
	mux.HandleFunc("GET /AAC_Data/hits1/", f.handleSegment)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeService) client(t *testing.T) *Client {
	t.Helper()
	c, err := New(staticCreds{"user", "pass"}, Options{
		RESTBase:   f.srv.URL + "/rest",
		HLSBase:    f.srv.URL,
		Timeout:    5 * time.Second,
		SessionTTL: 30 * time.Minute,
	})
	require.NoError(t, err)
	return c
}

func (f *fakeService) handleLogin(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.lastAuthBody = string(body)
	reject := f.rejectLogin
	f.mu.Unlock()
	if reject {
		fmt.Fprint(w, `{"ModuleListResponse":{"status":0,"messages":[{"code":403,"message":"invalid login"}]}}`)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "SXMAUTHNEW", Value: "auth", Path: "/"})
	fmt.Fprint(w, `{"ModuleListResponse":{"status":1,"messages":[{"code":100,"message":"OK"}]}}`)
}

func (f *fakeService) handleResume(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: "AWSALB", Value: "alb", Path: "/"})
	http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "jsid", Path: "/"})
	f.mu.Lock()
	omit := f.omitAkamai
	f.mu.Unlock()
	if !omit {
		http.SetCookie(w, &http.Cookie{Name: "SXMAKTOKEN", Value: "token=tok123,profile", Path: "/"})
	}
	http.SetCookie(w, &http.Cookie{Name: "SXMDATA", Value: url.QueryEscape(`{"gupId":"gup1"}`), Path: "/"})
	fmt.Fprint(w, `{"ModuleListResponse":{"status":1,"messages":[{"code":100,"message":"OK"}]}}`)
}

func (f *fakeService) handleListing(w http.ResponseWriter, r *http.Request) {
	if _, err := r.Cookie("JSESSIONID"); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	fmt.Fprint(w, `{"ModuleListResponse":{"status":1,"messages":[{"code":100,"message":"OK"}],"moduleList":{"modules":[{"moduleResponse":{"contentData":{"channelListing":{"channels":[`+
		`{"channelGuid":"guid-0204","channelId":"0204","name":"Hits 1","siriusChannelNumber":2,"isFavorite":true,"categories":[{"name":"Pop"}]},`+
		`{"channelGuid":"guid-9406","channelId":"9406","name":"The Coffee House","siriusChannelNumber":"14","isFavorite":false},`+
		`{"channelGuid":"guid-x","channelId":"","name":"ghost entry"}`+
		`]}}}}]}}}`)
}

func (f *fakeService) handleTune(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	code := f.tuneCode
	f.mu.Unlock()
	if code == 0 {
		code = 100
	}
	if code != 100 {
		fmt.Fprintf(w, `{"ModuleListResponse":{"status":1,"messages":[{"code":%d,"message":"nope"}]}}`, code)
		return
	}
	fmt.Fprint(w, `{"ModuleListResponse":{"status":1,"messages":[{"code":100,"message":"OK"}],"moduleList":{"modules":[{"moduleResponse":{"liveChannelData":{`+
		`"hlsAudioInfos":[{"size":"SMALL","url":"%Live_Primary_HLS%/AAC_Data/hits1/small.m3u8"},{"size":"LARGE","url":"%Live_Primary_HLS%/AAC_Data/hits1/master.m3u8"}],`+
		`"markerLists":[{"markers":[{"episode":{"longTitle":"Hits 1 Live"}}]},{"markers":[{"cut":{"title":"First"}},{"cut":{"title":"Latest","artists":[{"name":"Some Artist"}]}}]}]`+
		`}}}]}}}`)
}

func (f *fakeService) checkHLSAuth(r *http.Request) bool {
	q := r.URL.Query()
	return q.Get("token") == "tok123" && q.Get("consumer") == "k2" && q.Get("gupId") == "gup1"
}

func (f *fakeService) handleMaster(w http.ResponseWriter, r *http.Request) {
	if !f.checkHLSAuth(r) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	fmt.Fprint(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=256000\nhits1_256k.m3u8\n")
}

func (f *fakeService) handleVariant(w http.ResponseWriter, r *http.Request) {
	if !f.checkHLSAuth(r) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	fmt.Fprint(w, "#EXTM3U\n"+
		"#EXT-X-TARGETDURATION:10\n"+
		"#EXT-X-MEDIA-SEQUENCE:55\n"+
		"#EXTINF:10.010,\n"+
		"seg00055.aac\n"+
		"#EXTINF:10.010,\n"+
		"seg00056.aac\n")
}

func (f *fakeService) handleSegment(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	code := f.segmentCode
	f.mu.Unlock()
	if code != 0 {
		w.WriteHeader(code)
		return
	}
	if !f.checkHLSAuth(r) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	fmt.Fprint(w, "segmentdata")
}

func (f *fakeService) channel() Channel {
	return Channel{ID: "0204", GUID: "guid-0204", Name: "Hits 1"}
}

func TestLoginIssuesSession(t *testing.T) {
	f := newFakeService(t)
	c := f.client(t)

	sess, err := c.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok123", sess.Token)
	assert.Equal(t, "gup1", sess.GupID)
	assert.True(t, sess.Live(time.Now()))
	assert.False(t, sess.Live(time.Now().Add(time.Hour)))

	assert.Contains(t, f.lastAuthBody, `"username":"user"`)
	assert.Contains(t, f.lastAuthBody, `"standardAuth"`)
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := newFakeService(t)
	f.rejectLogin = true
	c := f.client(t)

	_, err := c.Login(context.Background())
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginEmptyCredentials(t *testing.T) {
	f := newFakeService(t)
	c, err := New(staticCreds{}, Options{RESTBase: f.srv.URL + "/rest"})
	require.NoError(t, err)

	_, err = c.Login(context.Background())
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginMissingAkamaiTokenIsProtocolChange(t *testing.T) {
	f := newFakeService(t)
	f.omitAkamai = true
	c := f.client(t)

	_, err := c.Login(context.Background())
	assert.ErrorIs(t, err, ErrProtocolChanged)
}

func TestLoginUnreachableHost(t *testing.T) {
	c, err := New(staticCreds{"u", "p"}, Options{
		RESTBase: "http://127.0.0.1:1/rest",
		Timeout:  time.Second,
	})
	require.NoError(t, err)

	_, err = c.Login(context.Background())
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestChannelsParsesLineup(t *testing.T) {
	f := newFakeService(t)
	c := f.client(t)
	sess, err := c.Login(context.Background())
	require.NoError(t, err)

	channels, err := c.Channels(context.Background(), sess)
	require.NoError(t, err)
	require.Len(t, channels, 2, "entries without a channel id are dropped")

	assert.Equal(t, Channel{
		ID: "0204", GUID: "guid-0204", Name: "Hits 1",
		Category: "Pop", Number: 2, Favorite: true,
	}, channels[0])
	assert.Equal(t, 14, channels[1].Number, "string channel numbers parse too")
}

func TestResolvePlaylist(t *testing.T) {
	f := newFakeService(t)
	c := f.client(t)
	sess, err := c.Login(context.Background())
	require.NoError(t, err)

	pl, track, err := c.ResolvePlaylist(context.Background(), sess, f.channel())
	require.NoError(t, err)

	segs := pl.Segments()
	require.Len(t, segs, 2)
	assert.Equal(t, f.srv.URL+"/AAC_Data/hits1/seg00055.aac", segs[0].URI)
	assert.Equal(t, int64(55), pl.MediaSequence)

	require.NotNil(t, track)
	assert.Equal(t, "Hits 1 Live", track.Station)
	assert.Equal(t, "Latest", track.Title, "the last cut marker wins")
	assert.Equal(t, "Some Artist", track.Artist)
}

func TestResolvePlaylistSessionExpiredCodes(t *testing.T) {
	f := newFakeService(t)
	c := f.client(t)
	sess, err := c.Login(context.Background())
	require.NoError(t, err)

	for _, code := range []int{201, 208} {
		f.mu.Lock()
		f.tuneCode = code
		f.mu.Unlock()
		_, _, err := c.ResolvePlaylist(context.Background(), sess, f.channel())
		assert.ErrorIs(t, err, ErrAuthRejected, "code %d", code)
	}
}

func TestResolvePlaylistUnknownTuneCode(t *testing.T) {
	f := newFakeService(t)
	f.tuneCode = 303
	c := f.client(t)
	sess, err := c.Login(context.Background())
	require.NoError(t, err)

	_, _, err = c.ResolvePlaylist(context.Background(), sess, f.channel())
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestFetchResource(t *testing.T) {
	f := newFakeService(t)
	c := f.client(t)
	sess, err := c.Login(context.Background())
	require.NoError(t, err)

	res, err := c.FetchResource(context.Background(), sess, f.srv.URL+"/AAC_Data/hits1/seg00055.aac")
	require.NoError(t, err)
	defer res.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestFetchResourceStatusMapping(t *testing.T) {
	f := newFakeService(t)
	c := f.client(t)
	sess, err := c.Login(context.Background())
	require.NoError(t, err)

	cases := []struct {
		status int
		want   error
	}{
		{http.StatusForbidden, ErrAuthRejected},
		{http.StatusUnauthorized, ErrAuthRejected},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusInternalServerError, ErrUpstreamUnavailable},
	}
	for _, tc := range cases {
		f.mu.Lock()
		f.segmentCode = tc.status
		f.mu.Unlock()
		_, err := c.FetchResource(context.Background(), sess, f.srv.URL+"/AAC_Data/hits1/seg00055.aac")
		assert.ErrorIs(t, err, tc.want, "HTTP %d", tc.status)
	}
}

func TestResolveURI(t *testing.T) {
	f := newFakeService(t)
	c := f.client(t)

	assert.Equal(t, f.srv.URL+"/a/b.aac", c.ResolveURI("a/b.aac"))
	assert.Equal(t, "http://other/x.aac", c.ResolveURI("http://other/x.aac"))
}

func TestIsKeyURI(t *testing.T) {
	assert.True(t, IsKeyURI("key/1"))
	assert.True(t, IsKeyURI("https://cdn.example.com/AAC_Data/hits1/key/1"))
	assert.False(t, IsKeyURI("https://cdn.example.com/AAC_Data/hits1/seg1.aac"))
	assert.Len(t, AESKey(), 16)
}

func TestAPIErrorMessage(t *testing.T) {
	err := &APIError{Sentinel: ErrAuthRejected, Op: "fetch", Status: 403}
	assert.ErrorIs(t, err, ErrAuthRejected)
	assert.Contains(t, err.Error(), "fetch")
	assert.Contains(t, err.Error(), "403")
}
