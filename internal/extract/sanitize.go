package extract

import (
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// Sanitizer reduces untrusted markup to plain text.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer returns a Sanitizer that strips every tag.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Text strips markup from fragment, unescapes entities and collapses
// whitespace. Output longer than limit runes is truncated when limit > 0.
func (s *Sanitizer) Text(fragment string, limit int) string {
	text := collapseSpace(html.UnescapeString(s.policy.Sanitize(fragment)))
	if limit > 0 {
		if r := []rune(text); len(r) > limit {
			text = string(r[:limit])
		}
	}
	return text
}
