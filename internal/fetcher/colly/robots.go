package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
	"github.com/JakeFAU/discovery-crawler/internal/metrics"
)

// Causes recorded when a host's robots.txt is replaced by allow-all.
const (
	robotsReasonTimeout     = "timeout"
	robotsReasonServerError = "server_error"
)

const allowAllRobots = "User-agent: *\nAllow: /"

var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsAwareTransport retries robots.txt probes that time out or hit a 5xx
// and, when they keep failing, answers with an allow-all file so the crawl
// can proceed. The host is remembered as indeterminate.
type robotsAwareTransport struct {
	base  http.RoundTripper
	probe *robotsProbe
}

func (t *robotsAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if t.probe == nil || !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, err)
		}
		return resp, nil
	}
	return t.probe.fetch(req, t.base)
}

// robotsProbe remembers hosts whose robots.txt could not be read.
type robotsProbe struct {
	backoff []time.Duration

	mu            sync.RWMutex
	indeterminate map[string]string
}

func newRobotsProbe() *robotsProbe {
	return &robotsProbe{
		backoff:       defaultRobotsBackoff,
		indeterminate: make(map[string]string),
	}
}

// apply marks resp when host's robots.txt was replaced by the fallback.
func (p *robotsProbe) apply(host string, resp *crawler.FetchResponse) {
	if p == nil || resp == nil {
		return
	}
	_, resp.RobotsIndeterminate = p.reason(host)
}

func (p *robotsProbe) reason(host string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.indeterminate[strings.ToLower(host)]
	return r, ok
}

func (p *robotsProbe) fetch(req *http.Request, base http.RoundTripper) (*http.Response, error) {
	var cause string
	for attempt := 0; ; attempt++ {
		resp, err := base.RoundTrip(req.Clone(req.Context()))
		switch {
		case err != nil && !isTimeout(err):
			return nil, fmt.Errorf("robots %s: %w", req.URL.Host, err)
		case err != nil:
			cause = robotsReasonTimeout
		case resp.StatusCode >= http.StatusInternalServerError:
			_ = resp.Body.Close()
			cause = robotsReasonServerError
		default:
			return resp, nil
		}

		if attempt >= len(p.backoff) {
			p.markIndeterminate(req.URL.Hostname(), cause)
			return allowAllResponse(req), nil
		}
		if err := sleepContext(req.Context(), p.backoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots %s backoff: %w", req.URL.Host, err)
		}
	}
}

func (p *robotsProbe) markIndeterminate(host, reason string) {
	host = strings.ToLower(host)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.indeterminate[host]; ok {
		return
	}
	p.indeterminate[host] = reason
	metrics.ObserveRobotsFallback(reason)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Request:       req,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
