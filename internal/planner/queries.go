package planner

import (
	"net/url"
	"strings"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

var bucketAngle = map[Bucket]string{
	BucketOfficial: "policy",
	BucketNews:     "news",
	BucketData:     "data",
	BucketLongform: "analysis",
}

var bucketSuffix = map[Bucket]string{
	BucketOfficial: "official statement",
	BucketNews:     "news",
	BucketData:     "data",
	BucketLongform: "analysis",
}

// Expand returns bucket queries for topic. With entityBoost each named
// entity is paired with the topic in every bucket, ahead of the base queries.
func Expand(catalog *Catalog, topic crawler.TopicContext, entityBoost bool) map[Bucket][]string {
	base := catalog.BaseQueries(topic.Topic)
	out := make(map[Bucket][]string, len(Buckets))
	for _, b := range Buckets {
		seen := make(map[string]struct{})
		add := func(q string) {
			q = strings.Join(strings.Fields(q), " ")
			if q == "" {
				return
			}
			if _, wiki := containsWikiTerm(q); wiki {
				return
			}
			key := strings.ToLower(q)
			if _, dup := seen[key]; dup {
				return
			}
			seen[key] = struct{}{}
			out[b] = append(out[b], q)
		}
		if entityBoost {
			for _, entity := range topic.Entities {
				add(entity + " " + topic.Topic + " " + bucketSuffix[b])
			}
		}
		for _, q := range base[b] {
			add(q)
		}
		for _, kw := range topic.Keywords {
			add(topic.Topic + " " + kw)
		}
	}
	return out
}

// QueryResolver turns bucket queries into candidate URLs through site-search
// templates containing a {q} placeholder.
type QueryResolver struct {
	templates map[Bucket][]string
	perBucket int
}

// NewQueryResolver builds a resolver. perBucket caps queries used per bucket;
// zero means 2.
func NewQueryResolver(templates map[Bucket][]string, perBucket int) *QueryResolver {
	if perBucket <= 0 {
		perBucket = 2
	}
	return &QueryResolver{templates: templates, perBucket: perBucket}
}

// Resolve renders search URLs for the first queries of every bucket.
func (r *QueryResolver) Resolve(queries map[Bucket][]string, priority int) []Seed {
	var out []Seed
	for _, b := range Buckets {
		qs := queries[b]
		if len(qs) > r.perBucket {
			qs = qs[:r.perBucket]
		}
		for _, q := range qs {
			for _, tmpl := range r.templates[b] {
				out = append(out, Seed{
					URL:      strings.ReplaceAll(tmpl, "{q}", url.QueryEscape(q)),
					Angle:    bucketAngle[b],
					Priority: priority,
				})
			}
		}
	}
	return out
}
