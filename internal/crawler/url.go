package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, and sorts query parameters.
// It also removes fragments.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "http") && !strings.EqualFold(u.Scheme, "https") {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	if u.Path == "" {
		u.Path = "/"
	}

	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}

var trackingParams = map[string]struct{}{
	"fbclid": {}, "gclid": {}, "mc_cid": {}, "mc_eid": {}, "ref": {}, "ref_src": {}, "cmpid": {},
}

// CanonicalKey collapses scheme, www., trailing slashes and tracking
// parameters so near-identical URLs share one cooldown entry.
func CanonicalKey(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(rawURL))
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	path := strings.TrimRight(u.EscapedPath(), "/")
	q := u.Query()
	for key := range q {
		lk := strings.ToLower(key)
		if strings.HasPrefix(lk, "utm_") {
			q.Del(key)
			continue
		}
		if _, ok := trackingParams[lk]; ok {
			q.Del(key)
		}
	}
	key := host + path
	if enc := q.Encode(); enc != "" {
		key += "?" + enc
	}
	return key
}

// HostOf returns the lowercase hostname of rawURL, or "" when unparseable.
func HostOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// PathOf returns the URL path, or "" when unparseable.
func PathOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return u.Path
}

// RegistrableHost strips a leading "www." for per-domain accounting.
func RegistrableHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// PathDepth counts non-empty path segments: "/a/b/" is 2, "/" is 0.
func PathDepth(rawURL string) int {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return 0
	}
	depth := 0
	for _, seg := range strings.Split(u.Path, "/") {
		if seg != "" {
			depth++
		}
	}
	return depth
}

// IsWikipediaHost reports whether host belongs to wikipedia.org (any language
// or mobile subdomain).
func IsWikipediaHost(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	return host == "wikipedia.org" || strings.HasSuffix(host, ".wikipedia.org")
}

// IsWikipediaURL reports whether rawURL points at Wikipedia.
func IsWikipediaURL(rawURL string) bool {
	return IsWikipediaHost(HostOf(rawURL))
}

// IsInternalWikiLink reports whether href, as found on a Wikipedia page, is
// a same-project link rather than an external citation. Relative paths,
// fragments and any wikipedia.org or wikimedia project host count as internal.
func IsInternalWikiLink(href string) bool {
	href = strings.TrimSpace(href)
	if href == "" {
		return true
	}
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "//") {
		return isWikiProjectHost(HostOf("https:" + lower))
	}
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return true
	}
	return isWikiProjectHost(HostOf(lower))
}

var wikiProjects = NewHostMatcher([]string{
	"*.wikipedia.org", "*.wikimedia.org", "*.wikidata.org", "*.wiktionary.org",
	"*.wikisource.org", "*.wikiquote.org", "*.wikibooks.org", "*.wikinews.org", "*.mediawiki.org",
})

func isWikiProjectHost(host string) bool {
	return wikiProjects.Match(host)
}
