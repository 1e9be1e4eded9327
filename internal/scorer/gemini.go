package scorer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
	"github.com/JakeFAU/discovery-crawler/internal/llm"
)

const scorePrompt = `Rate how relevant the following article is to the topic, from 0 (unrelated) to 100 (directly and substantially about it).
Topic: %s
Entities: %s
Keywords: %s

Return JSON only: {"score": <integer 0-100>, "reason": "<one short sentence>"}

Article:
%s`

// GeminiScorer asks a language model for a relevance score.
type GeminiScorer struct {
	model    llm.Generator
	maxRunes int
}

// NewGeminiScorer wraps model. Article text beyond maxRunes is cut; zero
// means 12000.
func NewGeminiScorer(model llm.Generator, maxRunes int) *GeminiScorer {
	if maxRunes <= 0 {
		maxRunes = 12000
	}
	return &GeminiScorer{model: model, maxRunes: maxRunes}
}

var _ crawler.Scorer = (*GeminiScorer)(nil)

type scoreResponse struct {
	Score  *int   `json:"score"`
	Reason string `json:"reason"`
}

// Score returns an error wrapping crawler.ErrScorerUnavailable on any model
// or decoding failure.
func (s *GeminiScorer) Score(ctx context.Context, text string, topic crawler.TopicContext) (crawler.Score, error) {
	if r := []rune(text); len(r) > s.maxRunes {
		text = string(r[:s.maxRunes])
	}
	prompt := fmt.Sprintf(scorePrompt,
		topic.Topic,
		strings.Join(topic.Entities, ", "),
		strings.Join(topic.Keywords, ", "),
		text,
	)
	out, err := s.model.GenerateJSON(ctx, prompt)
	if err != nil {
		return crawler.Score{}, fmt.Errorf("%w: %w", crawler.ErrScorerUnavailable, err)
	}
	var resp scoreResponse
	if err := json.Unmarshal([]byte(llm.StripFences(out)), &resp); err != nil {
		return crawler.Score{}, fmt.Errorf("%w: decode score: %w", crawler.ErrScorerUnavailable, err)
	}
	if resp.Score == nil {
		return crawler.Score{}, fmt.Errorf("%w: response has no score", crawler.ErrScorerUnavailable)
	}
	return crawler.Score{Value: *resp.Score, Reason: strings.TrimSpace(resp.Reason)}, nil
}

const prioritizePrompt = `You rank Wikipedia citations by how likely the cited source is a substantive, original source about the topic.
Topic: %s

Citations:
%s
Return JSON only: {"scores": [<integer 0-100 for citation 1>, <for citation 2>, ...]} with exactly %d integers in order.`

// GeminiPrioritizer asks a language model to rank citations.
type GeminiPrioritizer struct {
	model llm.Generator
}

// NewGeminiPrioritizer wraps model.
func NewGeminiPrioritizer(model llm.Generator) *GeminiPrioritizer {
	return &GeminiPrioritizer{model: model}
}

var _ crawler.Prioritizer = (*GeminiPrioritizer)(nil)

// Prioritize returns one clamped score per citation.
func (p *GeminiPrioritizer) Prioritize(
	ctx context.Context,
	topic crawler.TopicContext,
	citations []crawler.CitationInput,
) ([]int, error) {
	if len(citations) == 0 {
		return nil, nil
	}
	var list strings.Builder
	for i, c := range citations {
		fmt.Fprintf(&list, "%d. %s | %s | %s\n", i+1, c.URL, c.Title, c.Context)
	}
	out, err := p.model.GenerateJSON(ctx, fmt.Sprintf(prioritizePrompt, topic.Topic, list.String(), len(citations)))
	if err != nil {
		return nil, fmt.Errorf("prioritize citations: %w", err)
	}
	var resp struct {
		Scores []int `json:"scores"`
	}
	if err := json.Unmarshal([]byte(llm.StripFences(out)), &resp); err != nil {
		return nil, fmt.Errorf("decode priorities: %w", err)
	}
	if len(resp.Scores) != len(citations) {
		return nil, fmt.Errorf("got %d priorities for %d citations", len(resp.Scores), len(citations))
	}
	for i := range resp.Scores {
		resp.Scores[i] = crawler.ClampPriority(resp.Scores[i])
	}
	return resp.Scores, nil
}
