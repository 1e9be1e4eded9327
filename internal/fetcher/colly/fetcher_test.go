package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
	"github.com/JakeFAU/discovery-crawler/internal/metrics"
)

const etag = `"v1"`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/article", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body><p>hello</p></body></html>"))
	})
	mux.HandleFunc("/paywall", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	})
	mux.HandleFunc("/no-head", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type flagInspector struct{}

func (flagInspector) Inspect(resp crawler.FetchResponse) crawler.FetchResponse {
	resp.Paywalled = resp.StatusCode == http.StatusPaymentRequired
	return resp
}

func TestFetchReturnsBodyAndValidators(t *testing.T) {
	t.Parallel()
	metrics.Init()
	srv := newTestServer(t)

	f := New(Config{UserAgent: "discovery-test", Timeout: 5 * time.Second}, nil)
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/article"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "hello")
	require.Equal(t, etag, resp.Headers.Get("ETag"))
	require.Equal(t, "text/html; charset=utf-8", resp.ContentType)
	require.False(t, resp.NotModified)
	require.False(t, resp.RobotsIndeterminate)
}

func TestFetchConditionalNotModified(t *testing.T) {
	t.Parallel()
	metrics.Init()
	srv := newTestServer(t)

	f := New(Config{Timeout: 5 * time.Second}, nil)
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/article", ETag: etag})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotModified, resp.StatusCode)
	require.True(t, resp.NotModified)
	require.Empty(t, resp.Body)
}

func TestFetchReturnsErrorStatusesAsResponses(t *testing.T) {
	t.Parallel()
	metrics.Init()
	srv := newTestServer(t)

	f := New(Config{Timeout: 5 * time.Second}, flagInspector{})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/missing"})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/paywall"})
	require.NoError(t, err)
	require.True(t, resp.Paywalled)
}

func TestFetchUnreachableHostIsTransient(t *testing.T) {
	t.Parallel()
	metrics.Init()
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second}, nil)
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: addr + "/gone"})
	require.ErrorIs(t, err, crawler.ErrTransientFetch)
}

func TestFetchHonorsCanceledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := New(Config{Timeout: time.Second}, nil)
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: "https://example.invalid/"})
	require.Error(t, err)
}

func TestCheckFallsBackToGet(t *testing.T) {
	t.Parallel()
	metrics.Init()
	srv := newTestServer(t)

	f := New(Config{Timeout: 5 * time.Second}, nil)
	status, err := f.Check(context.Background(), srv.URL+"/no-head")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)

	status, err = f.Check(context.Background(), srv.URL+"/missing")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, status)
}

func TestBuildCollectorAppliesConfig(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", RespectRobots: true, Timeout: time.Second, MaxBodyBytes: 1024}, nil)
	collector := f.buildCollector(context.Background(), crawler.FetchRequest{URL: "https://example.com"},
		time.Unix(0, 0), &crawler.FetchResponse{}, new(error))
	require.Equal(t, "coverage-agent", collector.UserAgent)
	require.False(t, collector.IgnoreRobotsTxt)
	require.True(t, collector.AllowURLRevisit)
	require.True(t, collector.ParseHTTPErrorResponse)
	require.Equal(t, 1024, collector.MaxBodySize)
	require.NotNil(t, f.robots)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	req := crawler.FetchRequest{
		URL:          "https://example.com",
		Headers:      http.Header{"X-Trace": {"yes"}},
		LastModified: "Tue, 04 Mar 2025 10:00:00 GMT",
	}
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))
	require.Equal(t, req.LastModified, collyReq.Headers.Get("If-Modified-Since"))
	require.Empty(t, collyReq.Headers.Get("If-None-Match"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "ok", result.Headers.Get("X-Resp"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestClassify(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, classify(colly.ErrRobotsTxtBlocked), crawler.ErrPermanentFetch)
	require.ErrorIs(t, classify(colly.ErrForbiddenDomain), crawler.ErrPermanentFetch)
	require.ErrorIs(t, classify(context.DeadlineExceeded), crawler.ErrTransientFetch)
	require.ErrorIs(t, classify(errors.New("connection reset")), crawler.ErrTransientFetch)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
