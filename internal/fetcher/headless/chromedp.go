// Package headless renders JavaScript-heavy pages in headless Chrome. The
// worker promotes a candidate here only after a plain probe looked like an
// empty application shell.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
	"github.com/JakeFAU/discovery-crawler/internal/metrics"
)

const (
	defaultNavTimeout  = 45 * time.Second
	defaultSettleDelay = 500 * time.Millisecond
)

// DefaultBlockedURLs keeps the browser off heavy subresources that never
// contribute article text.
var DefaultBlockedURLs = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico",
	"*.woff", "*.woff2", "*.ttf", "*.mp4", "*.webm", "*.mp3",
}

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel bounds concurrent tabs; 0 means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is how long to wait after body ready for late scripts.
	SettleDelay time.Duration
	// BlockedURLs replaces DefaultBlockedURLs when non-empty.
	BlockedURLs []string
}

// Inspector flags blocked and paywalled responses.
type Inspector interface {
	Inspect(resp crawler.FetchResponse) crawler.FetchResponse
}

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	slots       *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
	inspector   Inspector
}

var _ crawler.Fetcher = (*Fetcher)(nil)

// NewChromedp creates a headless fetcher backed by chromedp. inspector may be nil.
// The browser process starts lazily on the first Fetch.
func NewChromedp(cfg Config, inspector Inspector) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if len(cfg.BlockedURLs) == 0 {
		cfg.BlockedURLs = DefaultBlockedURLs
	}
	var slots *semaphore.Weighted
	if cfg.MaxParallel > 0 {
		slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		slots:       slots,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		inspector:   inspector,
	}, nil
}

// Close stops the browser.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders request.URL in a fresh tab and returns the final DOM. A 304
// answer to the conditional headers comes back as NotModified with no body.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.slots != nil {
		if err := f.slots.Acquire(ctx, 1); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("headless slot wait canceled: %w", err)
		}
		defer f.slots.Release(1)
	}

	tabCtx, tabCancel := chromedp.NewContext(f.allocator)
	defer tabCancel()
	// Cancelling the caller closes the tab.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.onEvent)

	start := time.Now()
	var html, finalURL string
	err := chromedp.Run(tabCtx,
		f.prepareTab(conditionalHeaders(request)),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("render %s: %w: %w", request.URL, crawler.ErrTransientFetch, err)
	}

	status, headers, url := doc.result(request.URL, finalURL)
	resp := crawler.FetchResponse{
		URL:          url,
		StatusCode:   status,
		Headers:      headers,
		ContentType:  headers.Get("Content-Type"),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}
	if status == http.StatusNotModified {
		resp.NotModified = true
	} else {
		resp.Body = []byte(html)
	}
	if f.inspector != nil {
		resp = f.inspector.Inspect(resp)
	}
	metrics.ObserveFetch(metrics.SanitizeSite(request.URL), fmt.Sprint(resp.StatusCode), len(resp.Body))
	return resp, nil
}

func (f *Fetcher) prepareTab(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := network.SetBlockedURLs(f.cfg.BlockedURLs).Do(ctx); err != nil {
			return fmt.Errorf("block subresources: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// conditionalHeaders merges the request's validators into its headers.
func conditionalHeaders(request crawler.FetchRequest) http.Header {
	headers := request.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if request.ETag != "" {
		headers.Set("If-None-Match", request.ETag)
	}
	if request.LastModified != "" {
		headers.Set("If-Modified-Since", request.LastModified)
	}
	return headers
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
