// Package collyfetcher implements Fetcher and Checker using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
	"github.com/JakeFAU/discovery-crawler/internal/metrics"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodyBytes caps downloaded bodies; zero keeps colly's default.
	MaxBodyBytes int
}

// Inspector flags blocked and paywalled responses.
type Inspector interface {
	Inspect(resp crawler.FetchResponse) crawler.FetchResponse
}

// Fetcher implements crawler.Fetcher and crawler.Checker.
type Fetcher struct {
	cfg           Config
	robots        *robotsProbe
	baseCollector *colly.Collector
	inspector     Inspector
}

var (
	_ crawler.Fetcher = (*Fetcher)(nil)
	_ crawler.Checker = (*Fetcher)(nil)
)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. inspector may be nil.
func New(cfg Config, inspector Inspector) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	// Clones share the backend client, so the transport is installed once.
	var (
		transport http.RoundTripper = newHTTPTransport()
		robots    *robotsProbe
	)
	if cfg.RespectRobots {
		robots = newRobotsProbe()
		transport = &robotsAwareTransport{base: transport, probe: robots}
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{
		cfg:           cfg,
		robots:        robots,
		baseCollector: c,
		inspector:     inspector,
	}
}

// Fetch executes a conditional GET. Any HTTP status is returned as a response;
// only transport failures are errors, classified as transient or permanent.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, request, start, &result, &fetchErr)
	if err := f.run(ctx, &fetchErr, func() error { return collector.Visit(request.URL) }); err != nil {
		return crawler.FetchResponse{}, err
	}
	f.robots.apply(crawler.HostOf(request.URL), &result)
	if f.inspector != nil {
		result = f.inspector.Inspect(result)
	}
	metrics.ObserveFetch(metrics.SanitizeSite(request.URL), fmt.Sprint(result.StatusCode), len(result.Body))
	return result, nil
}

// Check issues a HEAD request, falling back to GET when the server refuses
// HEAD, and returns the final status code.
func (f *Fetcher) Check(ctx context.Context, url string) (int, error) {
	status, err := f.check(ctx, url, http.MethodHead)
	if err != nil {
		return 0, err
	}
	if status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented {
		return f.check(ctx, url, http.MethodGet)
	}
	return status, nil
}

func (f *Fetcher) check(ctx context.Context, url, method string) (int, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	collector := f.buildCollector(ctx, crawler.FetchRequest{URL: url}, time.Now(), &result, &fetchErr)
	visit := func() error { return collector.Head(url) }
	if method == http.MethodGet {
		visit = func() error { return collector.Visit(url) }
	}
	if err := f.run(ctx, &fetchErr, visit); err != nil {
		return 0, err
	}
	return result.StatusCode, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	if f.cfg.MaxBodyBytes > 0 {
		collector.MaxBodySize = f.cfg.MaxBodyBytes
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.FetchResponse{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			Headers:     headers,
			Body:        append([]byte(nil), r.Body...),
			ContentType: headers.Get("Content-Type"),
			Duration:    time.Since(start),
			NotModified: r.StatusCode == http.StatusNotModified,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) run(ctx context.Context, fetchErr *error, visit func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- visit()
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			err = *fetchErr
		}
		if err != nil {
			return classify(err)
		}
		return nil
	}
}

// classify wraps err with the fetch error class the retry policy expects.
func classify(err error) error {
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked),
		errors.Is(err, colly.ErrForbiddenDomain),
		errors.Is(err, colly.ErrMissingURL),
		errors.Is(err, colly.ErrMaxDepth):
		return fmt.Errorf("colly visit: %w: %w", crawler.ErrPermanentFetch, err)
	}
	// Network failures, timeouts and truncated bodies are worth another try.
	return fmt.Errorf("colly visit: %w: %w", crawler.ErrTransientFetch, err)
}

func copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
	if request.ETag != "" {
		r.Headers.Set("If-None-Match", request.ETag)
	}
	if request.LastModified != "" {
		r.Headers.Set("If-Modified-Since", request.LastModified)
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
