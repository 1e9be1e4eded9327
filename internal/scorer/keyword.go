package scorer

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

// KeywordScorer scores text by how many topic terms it mentions. It needs no
// network and is deterministic.
type KeywordScorer struct{}

var _ crawler.Scorer = KeywordScorer{}

// Score gives up to 70 points for the share of distinct terms present and up
// to 30 for repeated mentions.
func (KeywordScorer) Score(_ context.Context, text string, topic crawler.TopicContext) (crawler.Score, error) {
	terms := topicTerms(topic)
	if len(terms) == 0 {
		return crawler.Score{}, fmt.Errorf("topic has no terms: %w", crawler.ErrScorerUnavailable)
	}
	lower := strings.ToLower(text)
	matched, mentions := 0, 0
	for _, t := range terms {
		if n := strings.Count(lower, t); n > 0 {
			matched++
			mentions += n
		}
	}
	value := matched * 70 / len(terms)
	value += min(30, mentions*3)
	return crawler.Score{
		Value:  crawler.ClampPriority(value),
		Reason: fmt.Sprintf("matched %d of %d terms, %d mentions", matched, len(terms), mentions),
	}, nil
}

func topicTerms(topic crawler.TopicContext) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, t := range append(append([]string{topic.Topic}, topic.Entities...), topic.Keywords...) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// HeuristicPrioritizer ranks citations by source type and topic mentions.
type HeuristicPrioritizer struct{}

var _ crawler.Prioritizer = HeuristicPrioritizer{}

// Prioritize never fails.
func (HeuristicPrioritizer) Prioritize(
	_ context.Context,
	topic crawler.TopicContext,
	citations []crawler.CitationInput,
) ([]int, error) {
	terms := topicTerms(topic)
	out := make([]int, len(citations))
	for i, c := range citations {
		out[i] = heuristicPriority(c, terms)
	}
	return out, nil
}

func heuristicPriority(c crawler.CitationInput, terms []string) int {
	score := 40
	host := crawler.RegistrableHost(crawler.HostOf(c.URL))
	switch {
	case strings.HasSuffix(host, ".gov") || strings.Contains(host, ".gov."),
		strings.HasSuffix(host, ".edu") || strings.Contains(host, ".ac."),
		strings.HasSuffix(host, ".int"):
		score += 20
	case strings.HasSuffix(host, ".org"):
		score += 10
	}
	switch {
	case host == "web.archive.org" || host == "archive.org" || strings.HasPrefix(host, "archive."):
		score -= 15
	case host == "books.google.com" || host == "doi.org":
		score += 5
	}
	if strings.HasSuffix(strings.ToLower(crawler.PathOf(c.URL)), ".pdf") {
		score += 5
	}
	text := strings.ToLower(c.Title + " " + c.Context)
	bonus := 0
	for _, t := range terms {
		if strings.Contains(text, t) {
			bonus += 10
		}
	}
	score += min(bonus, 30)
	return crawler.ClampPriority(score)
}

// FallbackPrioritizer uses primary and falls back to secondary on error.
type FallbackPrioritizer struct {
	primary   crawler.Prioritizer
	secondary crawler.Prioritizer
	logger    *zap.Logger
}

// NewFallbackPrioritizer chains two prioritizers. primary may be nil.
func NewFallbackPrioritizer(primary, secondary crawler.Prioritizer, logger *zap.Logger) *FallbackPrioritizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackPrioritizer{primary: primary, secondary: secondary, logger: logger}
}

// Prioritize tries primary first.
func (f *FallbackPrioritizer) Prioritize(
	ctx context.Context,
	topic crawler.TopicContext,
	citations []crawler.CitationInput,
) ([]int, error) {
	if f.primary != nil {
		scores, err := f.primary.Prioritize(ctx, topic, citations)
		if err == nil {
			return scores, nil
		}
		f.logger.Warn("citation prioritizer failed, using heuristic", zap.Error(err))
	}
	return f.secondary.Prioritize(ctx, topic, citations)
}
