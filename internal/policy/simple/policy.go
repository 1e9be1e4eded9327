// Package simple holds the static fetch policy: host blocklist, depth limit,
// binary-extension filter and the headless allowlist.
package simple

import (
	"path"
	"strings"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

// Config lists the policy inputs.
type Config struct {
	Blocklist []string
	// HeadlessHosts restricts headless rendering; empty allows every host.
	HeadlessHosts []string
	MaxDepth      int
}

var skipExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".svg": {}, ".webp": {},
	".mp3": {}, ".mp4": {}, ".mov": {}, ".avi": {},
	".zip": {}, ".gz": {}, ".tar": {}, ".exe": {}, ".dmg": {},
	".css": {}, ".js": {}, ".woff": {}, ".woff2": {},
}

// Policy decides which URLs are fetched and which may use headless Chrome.
type Policy struct {
	blocked  *crawler.HostMatcher
	headless *crawler.HostMatcher
	maxDepth int
}

// New creates a Policy. MaxDepth <= 0 disables the depth check.
func New(cfg Config) *Policy {
	p := &Policy{
		blocked:  crawler.NewHostMatcher(cfg.Blocklist),
		maxDepth: cfg.MaxDepth,
	}
	if len(cfg.HeadlessHosts) > 0 {
		p.headless = crawler.NewHostMatcher(cfg.HeadlessHosts)
	}
	return p
}

// AllowFetch rejects blocked hosts, candidates beyond the depth limit and
// URLs that point at media or archives.
func (p *Policy) AllowFetch(rawURL string, depth int) bool {
	host := crawler.HostOf(rawURL)
	if host == "" || p.blocked.Match(host) {
		return false
	}
	if p.maxDepth > 0 && depth > p.maxDepth {
		return false
	}
	ext := strings.ToLower(path.Ext(crawler.PathOf(rawURL)))
	_, skip := skipExtensions[ext]
	return !skip
}

// AllowHeadless reports whether rawURL may be rendered headlessly.
func (p *Policy) AllowHeadless(rawURL string, depth int) bool {
	if !p.AllowFetch(rawURL, depth) {
		return false
	}
	if p.headless == nil {
		return true
	}
	return p.headless.Match(crawler.HostOf(rawURL))
}
