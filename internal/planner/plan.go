// Package planner produces the initial seed set and expansion queries for a
// run, validates generated plans against diversity rules, and seeds the
// frontier.
package planner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

// Bucket is a query-expansion filter bucket.
type Bucket string

// Query buckets. Every plan must populate all four.
const (
	BucketOfficial Bucket = "official"
	BucketNews     Bucket = "news"
	BucketData     Bucket = "data"
	BucketLongform Bucket = "longform"
)

// Buckets lists every bucket in a stable order.
var Buckets = []Bucket{BucketOfficial, BucketNews, BucketData, BucketLongform}

// Plan sources.
const (
	SourceGenerated = "generated"
	SourceStatic    = "static"
)

// Seed is one proposed frontier entry.
type Seed struct {
	URL       string `json:"url" yaml:"url"`
	Angle     string `json:"angle,omitempty" yaml:"angle"`
	Viewpoint string `json:"viewpoint,omitempty" yaml:"viewpoint"`
	Category  string `json:"category,omitempty" yaml:"category"`
	Priority  int    `json:"priority,omitempty" yaml:"priority"`
}

// Plan is a seed set plus expansion queries.
type Plan struct {
	Seeds   []Seed              `json:"seeds"`
	Queries map[Bucket][]string `json:"queries"`
	Source  string              `json:"source"`
	// Issues holds the validation failures that caused a fallback, if any.
	Issues []string `json:"issues,omitempty"`
}

// ValidationError lists every rule a plan broke.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid plan: " + strings.Join(e.Issues, "; ")
}

// Unwrap lets callers match crawler.ErrValidation.
func (e *ValidationError) Unwrap() error {
	return crawler.ErrValidation
}

// Rules are the validation thresholds.
type Rules struct {
	MinSeeds        int
	MaxWikiSeeds    int
	MinDistinctHost int
	MinPathDepth    int
	// Exceptions are hosts or host/path prefixes exempt from MinPathDepth.
	Exceptions []string
}

// DefaultRules returns the standard plan rules.
func DefaultRules() Rules {
	return Rules{MinSeeds: 10, MaxWikiSeeds: 1, MinDistinctHost: 6, MinPathDepth: 2}
}

var wikiTerms = []string{"wikipedia", "wikimedia", "wiki/"}

// Validate checks a plan against the rules. It returns nil or a *ValidationError.
func Validate(plan Plan, rules Rules) error {
	var issues []string
	if len(plan.Seeds) < rules.MinSeeds {
		issues = append(issues, fmt.Sprintf("need at least %d seeds, got %d", rules.MinSeeds, len(plan.Seeds)))
	}
	wiki := 0
	hosts := make(map[string]struct{})
	for _, seed := range plan.Seeds {
		normalized, err := crawler.NormalizeURL(seed.URL)
		if err != nil {
			issues = append(issues, fmt.Sprintf("seed %q is not a valid url", seed.URL))
			continue
		}
		host := crawler.HostOf(normalized)
		if crawler.IsWikipediaHost(host) {
			wiki++
			continue
		}
		hosts[crawler.RegistrableHost(host)] = struct{}{}
		if depth := crawler.PathDepth(normalized); depth < rules.MinPathDepth && !isException(normalized, rules.Exceptions) {
			issues = append(issues, fmt.Sprintf("seed %s has path depth %d", seed.URL, depth))
		}
	}
	if wiki > rules.MaxWikiSeeds {
		issues = append(issues, fmt.Sprintf("at most %d wikipedia seeds allowed, got %d", rules.MaxWikiSeeds, wiki))
	}
	if len(hosts) < rules.MinDistinctHost {
		issues = append(issues, fmt.Sprintf("need %d distinct non-wikipedia hosts, got %d", rules.MinDistinctHost, len(hosts)))
	}
	for _, b := range Buckets {
		queries := plan.Queries[b]
		if len(queries) == 0 {
			issues = append(issues, fmt.Sprintf("bucket %s is empty", b))
			continue
		}
		for _, q := range queries {
			if term, ok := containsWikiTerm(q); ok {
				issues = append(issues, fmt.Sprintf("bucket %s query %q mentions %s", b, q, term))
			}
		}
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func containsWikiTerm(q string) (string, bool) {
	lower := strings.ToLower(q)
	for _, term := range wikiTerms {
		if strings.Contains(lower, term) {
			return term, true
		}
	}
	return "", false
}

// isException matches normalized against host or host/path prefix entries.
func isException(normalized string, exceptions []string) bool {
	host := crawler.RegistrableHost(crawler.HostOf(normalized))
	key := host + crawler.PathOf(normalized)
	for _, ex := range exceptions {
		ex = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ex)), "www.")
		if ex == "" {
			continue
		}
		if !strings.Contains(ex, "/") {
			if host == ex || strings.HasSuffix(host, "."+ex) {
				return true
			}
			continue
		}
		if strings.HasPrefix(key, ex) {
			return true
		}
	}
	return false
}

// IsValidationError reports whether err came from Validate.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
