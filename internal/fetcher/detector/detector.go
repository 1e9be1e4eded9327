// Package detector inspects fetch responses: it flags blocked and paywalled
// pages and decides when a page needs a headless render.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

// Heuristic implements rule-based inspection.
type Heuristic struct {
	// BodyLengthThreshold is the size below which a script-heavy page is
	// assumed to render client-side.
	BodyLengthThreshold int
}

// NewHeuristic creates a detector. A zero threshold uses 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var _ crawler.HeadlessDetector = (*Heuristic)(nil)

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version="),
}

var blockMarkers = []string{
	"cf-browser-verification",
	"cf-challenge",
	"captcha-delivery",
	"g-recaptcha",
	"are you a robot",
	"verify you are human",
	"access denied",
	"request unsuccessful. incapsula",
}

var paywallMarkers = []string{
	`"isaccessibleforfree": false`,
	`"isaccessibleforfree":false`,
	`"isaccessibleforfree":"false"`,
	`class="paywall`,
	`id="paywall`,
	"subscribe to continue reading",
	"this content is for subscribers",
	"to continue reading, subscribe",
}

// blockBodyLimit bounds how large a challenge page can be; full articles that
// merely mention a marker are not treated as blocks.
const blockBodyLimit = 32 << 10

// Inspect returns resp with Blocked and Paywalled set.
func (h *Heuristic) Inspect(resp crawler.FetchResponse) crawler.FetchResponse {
	resp.Blocked = h.Blocked(resp)
	resp.Paywalled = !resp.Blocked && h.Paywalled(resp)
	return resp
}

// Blocked reports bot walls and access denials.
func (h *Heuristic) Blocked(resp crawler.FetchResponse) bool {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusUnavailableForLegalReasons:
		return true
	}
	if len(resp.Body) == 0 || len(resp.Body) > blockBodyLimit {
		return false
	}
	return containsAny(resp.Body, blockMarkers)
}

// Paywalled reports subscriber-only pages.
func (h *Heuristic) Paywalled(resp crawler.FetchResponse) bool {
	if resp.StatusCode == http.StatusPaymentRequired {
		return true
	}
	return containsAny(resp.Body, paywallMarkers)
}

// ShouldPromote decides whether a headless fetch is required.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK || resp.UsedHeadless {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func containsAny(body []byte, markers []string) bool {
	lower := bytes.ToLower(body)
	for _, m := range markers {
		if bytes.Contains(lower, []byte(m)) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Malformed: the rest of the document is script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		nextSearch := total
		if relativeEnd := strings.Index(lower[contentStart:], closeTag); relativeEnd != -1 {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}
		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}
	return scriptCoverage*100/total >= 25
}
