package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calfeed/internal/feedcache"
)

var now = time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

const payload = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nEND:VCALENDAR\r\n"

// fakeCache answers Get with get, or blocks until ctx ends when get is nil.
type fakeCache struct {
	get func(ctx context.Context, key string) (*feedcache.Entry, error)
}

func (f *fakeCache) Get(ctx context.Context, key string) (*feedcache.Entry, error) {
	return f.get(ctx, key)
}

func (f *fakeCache) Expires(e *feedcache.Entry) time.Time { return e.CreatedAt.Add(15 * time.Minute) }

func entry() *feedcache.Entry {
	return &feedcache.Entry{Payload: payload, CreatedAt: now.Add(-5 * time.Minute), ETag: `"abc123"`}
}

func newServer(get func(context.Context, string) (*feedcache.Entry, error), opts Options) *Server {
	opts.Now = func() time.Time { return now }
	return NewServer(&fakeCache{get: get}, []Route{{Key: "su", Path: "/su.ics"}}, opts)
}

func serve(s *Server, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, vs := range header {
		req.Header[k] = vs
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestFeedOK(t *testing.T) {
	var gotKey string
	s := newServer(func(_ context.Context, key string) (*feedcache.Entry, error) {
		gotKey = key
		return entry(), nil
	}, Options{})

	rec := serve(s, http.MethodGet, "/su.ics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "su", gotKey)
	assert.Equal(t, payload, rec.Body.String())
	assert.Equal(t, calendarContentType, rec.Header().Get("Content-Type"))
	assert.Equal(t, `"abc123"`, rec.Header().Get("ETag"))
	assert.Equal(t, "public, max-age=600", rec.Header().Get("Cache-Control"))
	assert.Equal(t, now.Add(-5*time.Minute).Format(http.TimeFormat), rec.Header().Get("Last-Modified"))
}

func TestFeedHead(t *testing.T) {
	s := newServer(func(context.Context, string) (*feedcache.Entry, error) { return entry(), nil }, Options{})
	rec := serve(s, http.MethodHead, "/su.ics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestFeedNotModified(t *testing.T) {
	s := newServer(func(context.Context, string) (*feedcache.Entry, error) { return entry(), nil }, Options{})
	rec := serve(s, http.MethodGet, "/su.ics", http.Header{"If-None-Match": {`"abc123"`}})
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestFeedBuildFailureHidesCause(t *testing.T) {
	s := newServer(func(context.Context, string) (*feedcache.Entry, error) {
		return nil, errors.New("dial tcp 10.0.0.7:443: connection refused")
	}, Options{})

	rec := serve(s, http.MethodGet, "/su.ics", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "failed to build feed", errorBody(t, rec))
	assert.NotContains(t, rec.Body.String(), "10.0.0.7")
}

func TestFeedTimeout(t *testing.T) {
	s := newServer(func(ctx context.Context, _ string) (*feedcache.Entry, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, Options{RequestTimeout: 20 * time.Millisecond})

	rec := serve(s, http.MethodGet, "/su.ics", nil)
	assert.Equal(t, http.StatusRequestTimeout, rec.Code)
	assert.Equal(t, "request timed out", errorBody(t, rec))
}

func TestLoadShedding(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	s := newServer(func(context.Context, string) (*feedcache.Entry, error) {
		entered <- struct{}{}
		<-release
		return entry(), nil
	}, Options{MaxInFlight: 1})

	var wg sync.WaitGroup
	wg.Add(1)
	var first *httptest.ResponseRecorder
	go func() {
		defer wg.Done()
		first = serve(s, http.MethodGet, "/su.ics", nil)
	}()
	<-entered

	rec := serve(s, http.MethodGet, "/su.ics", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "server overloaded", errorBody(t, rec))

	close(release)
	wg.Wait()
	assert.Equal(t, http.StatusOK, first.Code)

	go func() { <-entered }()
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/su.ics", nil).Code, "slot is released")
}

func TestRouting(t *testing.T) {
	s := newServer(func(context.Context, string) (*feedcache.Entry, error) { return entry(), nil }, Options{})

	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/nope.ics", http.StatusNotFound},
		{http.MethodGet, "/su.ics?feed=other", http.StatusOK},
		{http.MethodPost, "/su.ics", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/su.ics", http.StatusMethodNotAllowed},
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := serve(s, tc.method, tc.path, nil)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestServeShutsDown(t *testing.T) {
	s := newServer(func(context.Context, string) (*feedcache.Entry, error) { return entry(), nil }, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
