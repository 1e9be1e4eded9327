package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
	"github.com/JakeFAU/discovery-crawler/internal/llm"
)

// Generator proposes a plan for a topic.
type Generator interface {
	Generate(ctx context.Context, topic crawler.TopicContext) (Plan, error)
}

// LLMGenerator asks a language model for a plan as JSON.
type LLMGenerator struct {
	model llm.Generator
}

// NewLLMGenerator wraps model.
func NewLLMGenerator(model llm.Generator) *LLMGenerator {
	return &LLMGenerator{model: model}
}

const planPrompt = `You plan a web crawl that discovers diverse, high-quality sources about a topic.
Topic: %s
Entities: %s

Return JSON only, shaped as:
{"seeds":[{"url":"https://...","angle":"...","viewpoint":"..."}],
 "queries":{"official":["..."],"news":["..."],"data":["..."],"longform":["..."]}}

Rules:
- at least 12 seed URLs on at least 8 different sites
- at most one Wikipedia URL
- prefer specific section or topic pages (two or more path segments), not home pages
- angle is a short tag such as news, policy, data, science, analysis
- viewpoint is a short tag describing the outlet's perspective
- every query bucket needs 2-4 search queries and must not mention Wikipedia`

type planResponse struct {
	Seeds   []Seed              `json:"seeds"`
	Queries map[string][]string `json:"queries"`
}

// Generate calls the model and decodes its plan. The result is not validated.
func (g *LLMGenerator) Generate(ctx context.Context, topic crawler.TopicContext) (Plan, error) {
	prompt := fmt.Sprintf(planPrompt, topic.Topic, strings.Join(topic.Entities, ", "))
	text, err := g.model.GenerateJSON(ctx, prompt)
	if err != nil {
		return Plan{}, fmt.Errorf("generate plan: %w", err)
	}
	var resp planResponse
	if err := json.Unmarshal([]byte(llm.StripFences(text)), &resp); err != nil {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	plan := Plan{Seeds: resp.Seeds, Queries: make(map[Bucket][]string), Source: SourceGenerated}
	for key, qs := range resp.Queries {
		plan.Queries[Bucket(strings.ToLower(strings.TrimSpace(key)))] = qs
	}
	return plan, nil
}
