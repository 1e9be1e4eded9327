package planner

import (
	_ "embed"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

//go:embed fallback_seeds.yaml
var fallbackYAML []byte

// Source categories used for seeding-time limits.
const (
	CategoryEstablishment = "establishment"
	CategoryContested     = "contested"
	CategoryNeutral       = "neutral"
)

// Catalog is the static seed and query material.
type Catalog struct {
	Exceptions      []string            `yaml:"data_source_exceptions"`
	Categories      map[string][]string `yaml:"categories"`
	Seeds           []Seed              `yaml:"seeds"`
	Queries         map[Bucket][]string `yaml:"queries"`
	SearchTemplates map[Bucket][]string `yaml:"search_templates"`
	hostCategory    map[string]string
}

// LoadCatalog parses a catalog document.
func LoadCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse seed catalog: %w", err)
	}
	if len(c.Seeds) == 0 {
		return nil, fmt.Errorf("seed catalog has no seeds")
	}
	c.hostCategory = make(map[string]string)
	for category, hosts := range c.Categories {
		for _, h := range hosts {
			c.hostCategory[crawler.RegistrableHost(h)] = category
		}
	}
	return &c, nil
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalog(fallbackYAML)
}

// CategoryOf returns the category of rawURL's host, matching parent domains,
// or "" when unlisted.
func (c *Catalog) CategoryOf(rawURL string) string {
	host := crawler.RegistrableHost(crawler.HostOf(rawURL))
	for host != "" {
		if cat, ok := c.hostCategory[host]; ok {
			return cat
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			break
		}
		host = host[i+1:]
	}
	return ""
}

// StaticPlan renders the catalog for topic. The result always passes
// Validate with DefaultRules plus the catalog exceptions.
func (c *Catalog) StaticPlan(topic string) Plan {
	r := topicReplacer(topic)
	seeds := make([]Seed, 0, len(c.Seeds))
	for _, s := range c.Seeds {
		s.URL = r.Replace(s.URL)
		if s.Category == "" {
			s.Category = c.CategoryOf(s.URL)
		}
		seeds = append(seeds, s)
	}
	return Plan{Seeds: seeds, Queries: c.BaseQueries(topic), Source: SourceStatic}
}

// BaseQueries renders the static bucket queries for topic.
func (c *Catalog) BaseQueries(topic string) map[Bucket][]string {
	r := topicReplacer(topic)
	out := make(map[Bucket][]string, len(Buckets))
	for _, b := range Buckets {
		for _, q := range c.Queries[b] {
			out[b] = append(out[b], r.Replace(q))
		}
	}
	return out
}

func topicReplacer(topic string) *strings.Replacer {
	topic = strings.TrimSpace(topic)
	return strings.NewReplacer(
		"{{topic}}", topic,
		"{{slug}}", Slug(topic),
		"{{query}}", url.QueryEscape(topic),
		"{{wiki_title}}", WikiTitle(topic),
	)
}

// Slug lowercases topic and joins its words with hyphens.
func Slug(topic string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(topic)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// WikiTitle renders topic as a Wikipedia article title.
func WikiTitle(topic string) string {
	words := strings.Fields(strings.TrimSpace(topic))
	if len(words) == 0 {
		return ""
	}
	first := []rune(words[0])
	first[0] = unicode.ToUpper(first[0])
	words[0] = string(first)
	return url.PathEscape(strings.Join(words, "_"))
}
