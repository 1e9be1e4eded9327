package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

// FeedSource reads RSS/Atom feeds and keeps items that mention the topic.
type FeedSource struct {
	urls     []string
	perFeed  int
	priority int
	timeout  time.Duration
	parser   *gofeed.Parser
	logger   *zap.Logger
}

// NewFeedSource builds a FeedSource over feed URLs.
func NewFeedSource(urls []string, perFeed int, timeout time.Duration, logger *zap.Logger) *FeedSource {
	if perFeed <= 0 {
		perFeed = 10
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedSource{
		urls:     urls,
		perFeed:  perFeed,
		priority: 55,
		timeout:  timeout,
		parser:   gofeed.NewParser(),
		logger:   logger,
	}
}

// Seeds returns matching items from every feed. A broken feed is logged and
// skipped; an error is returned only when every feed failed.
func (f *FeedSource) Seeds(ctx context.Context, topic crawler.TopicContext) ([]Seed, error) {
	terms := topicTerms(topic)
	var (
		out    []Seed
		failed int
	)
	for _, feedURL := range f.urls {
		items, err := f.read(ctx, feedURL)
		if err != nil {
			failed++
			f.logger.Warn("feed read failed", zap.String("feed", feedURL), zap.Error(err))
			continue
		}
		kept := 0
		for _, item := range items {
			if kept >= f.perFeed {
				break
			}
			if item.Link == "" || !mentions(item.Title+" "+item.Description, terms) {
				continue
			}
			out = append(out, Seed{URL: item.Link, Angle: "news", Priority: f.priority})
			kept++
		}
	}
	if failed > 0 && failed == len(f.urls) {
		return nil, fmt.Errorf("all %d feeds failed", failed)
	}
	return out, nil
}

func (f *FeedSource) read(ctx context.Context, feedURL string) ([]*gofeed.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	feed, err := f.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed.Items, nil
}

func topicTerms(topic crawler.TopicContext) []string {
	var terms []string
	for _, t := range append([]string{topic.Topic}, append(topic.Keywords, topic.Entities...)...) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			terms = append(terms, t)
		}
	}
	return terms
}

func mentions(text string, terms []string) bool {
	lower := strings.ToLower(text)
	for _, t := range terms {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}
