package planner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
	"github.com/JakeFAU/discovery-crawler/internal/diversity"
	"github.com/JakeFAU/discovery-crawler/internal/seen"
)

// Caps limit how much of one seeding batch a domain or category may take.
type Caps struct {
	PerDomain     int
	Contested     int
	Establishment int
}

// DefaultCaps returns the standard seeding caps.
func DefaultCaps() Caps {
	return Caps{PerDomain: 3, Contested: 4, Establishment: 6}
}

// SeedReport summarizes one SeedFrontier call.
type SeedReport struct {
	Enqueued   int
	Duplicates int
	Capped     int
	Invalid    int
}

// Config wires a Planner.
type Config struct {
	Topic        crawler.TopicContext
	Rules        Rules
	Caps         Caps
	ReseedBoost  int
	QueriesPer   int
	SearchWeight int
}

// Planner builds plans and seeds the frontier. It implements diversity.Source.
type Planner struct {
	cfg       Config
	catalog   *Catalog
	generator Generator
	resolver  *QueryResolver
	feeds     *FeedSource
	ledger    *seen.Ledger
	frontier  crawler.FrontierStore
	clock     crawler.Clock
	logger    *zap.Logger
}

// New builds a Planner. generator and feeds may be nil.
func New(
	cfg Config,
	catalog *Catalog,
	generator Generator,
	feeds *FeedSource,
	ledger *seen.Ledger,
	frontier crawler.FrontierStore,
	clock crawler.Clock,
	logger *zap.Logger,
) *Planner {
	if cfg.Rules.MinSeeds == 0 {
		rules := DefaultRules()
		rules.Exceptions = cfg.Rules.Exceptions
		cfg.Rules = rules
	}
	cfg.Rules.Exceptions = append(cfg.Rules.Exceptions, catalog.Exceptions...)
	if cfg.Caps == (Caps{}) {
		cfg.Caps = DefaultCaps()
	}
	if cfg.SearchWeight <= 0 {
		cfg.SearchWeight = 45
	}
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		cfg:       cfg,
		catalog:   catalog,
		generator: generator,
		resolver:  NewQueryResolver(catalog.SearchTemplates, cfg.QueriesPer),
		feeds:     feeds,
		ledger:    ledger,
		frontier:  frontier,
		clock:     clock,
		logger:    logger,
	}
}

// Plan asks the generator for a plan and validates it. Any generator error or
// validation failure yields the static fallback plan instead; Plan never
// fails the run.
func (p *Planner) Plan(ctx context.Context) Plan {
	topic := p.cfg.Topic
	if p.generator == nil {
		return p.catalog.StaticPlan(topic.Topic)
	}
	plan, err := p.generator.Generate(ctx, topic)
	if err != nil {
		p.logger.Warn("plan generation failed, using static seeds", zap.Error(err))
		fallback := p.catalog.StaticPlan(topic.Topic)
		fallback.Issues = []string{err.Error()}
		return fallback
	}
	if err := Validate(plan, p.cfg.Rules); err != nil {
		fallback := p.catalog.StaticPlan(topic.Topic)
		var ve *ValidationError
		if errors.As(err, &ve) {
			fallback.Issues = ve.Issues
		}
		p.logger.Warn("generated plan rejected, using static seeds",
			zap.Strings("issues", fallback.Issues),
		)
		return fallback
	}
	p.logger.Info("generated plan accepted", zap.Int("seeds", len(plan.Seeds)))
	return plan
}

// Validate checks plan with the planner's rules.
func (p *Planner) Validate(plan Plan) error {
	return Validate(plan, p.cfg.Rules)
}

// SeedFrontier enqueues plan seeds, applying per-domain and category caps
// within the batch and skipping URLs the ledger has already seen. Duplicates
// still take a cap slot so a repeated batch selects the same URLs.
func (p *Planner) SeedFrontier(ctx context.Context, plan Plan, origin crawler.Origin) (SeedReport, error) {
	var report SeedReport
	perDomain := make(map[string]int)
	perCategory := make(map[string]int)
	now := p.clock.Now()

	for _, s := range plan.Seeds {
		normalized, err := crawler.NormalizeURL(s.URL)
		if err != nil {
			report.Invalid++
			continue
		}
		host := crawler.RegistrableHost(crawler.HostOf(normalized))
		category := s.Category
		if category == "" {
			category = p.catalog.CategoryOf(normalized)
		}
		if p.capped(host, category, perDomain, perCategory) {
			report.Capped++
			continue
		}
		perDomain[host]++
		perCategory[category]++

		candidate := crawler.FrontierCandidate{
			Scope:         p.cfg.Topic.Scope,
			URL:           s.URL,
			NormalizedURL: normalized,
			Domain:        crawler.HostOf(normalized),
			Priority:      crawler.ClampPriority(s.Priority),
			FirstSeenAt:   now,
			Angle:         s.Angle,
			Viewpoint:     s.Viewpoint,
			Category:      category,
			Origin:        origin,
		}
		inserted, err := p.ledger.Admit(ctx, p.cfg.Topic.Scope, normalized, func(ctx context.Context) (bool, error) {
			_, inserted, err := p.frontier.Enqueue(ctx, candidate)
			return inserted, err
		})
		if err != nil {
			return report, fmt.Errorf("seed %s: %w", normalized, err)
		}
		if !inserted {
			report.Duplicates++
			continue
		}
		report.Enqueued++
	}
	p.logger.Info("seeded frontier",
		zap.String("origin", string(origin)),
		zap.Int("enqueued", report.Enqueued),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("capped", report.Capped),
		zap.Int("invalid", report.Invalid),
	)
	return report, nil
}

func (p *Planner) capped(host, category string, perDomain, perCategory map[string]int) bool {
	if p.cfg.Caps.PerDomain > 0 && perDomain[host] >= p.cfg.Caps.PerDomain {
		return true
	}
	switch category {
	case CategoryContested:
		return p.cfg.Caps.Contested > 0 && perCategory[category] >= p.cfg.Caps.Contested
	case CategoryEstablishment:
		return p.cfg.Caps.Establishment > 0 && perCategory[category] >= p.cfg.Caps.Establishment
	}
	return false
}

// Queries returns bucket queries for the topic, entity-boosted when asked.
func (p *Planner) Queries(entityBoost bool) map[Bucket][]string {
	return Expand(p.catalog, p.cfg.Topic, entityBoost)
}

// Reseed injects a fresh additive batch: static seeds, resolved search
// queries and matching feed items. Already-seen URLs are skipped by the
// ledger, so repeating a reseed never duplicates work.
func (p *Planner) Reseed(ctx context.Context, req diversity.Request) (int, error) {
	static := p.catalog.StaticPlan(p.cfg.Topic.Topic)
	boost := p.cfg.ReseedBoost
	seeds := make([]Seed, 0, len(static.Seeds))
	for _, s := range static.Seeds {
		s.Priority = crawler.ClampPriority(s.Priority + boost)
		seeds = append(seeds, s)
	}
	weight := p.cfg.SearchWeight
	if req.EntityBoost {
		weight += 15
	}
	seeds = append(seeds, p.resolver.Resolve(p.Queries(req.EntityBoost), weight)...)
	if p.feeds != nil {
		feedSeeds, err := p.feeds.Seeds(ctx, p.cfg.Topic)
		if err != nil {
			p.logger.Warn("feed seeds unavailable", zap.Error(err))
		}
		seeds = append(seeds, feedSeeds...)
	}
	origin := crawler.OriginReseed
	report, err := p.SeedFrontier(ctx, Plan{Seeds: seeds}, origin)
	if err != nil {
		return report.Enqueued, err
	}
	p.logger.Info("reseed complete", zap.String("reason", req.Reason), zap.Int("enqueued", report.Enqueued))
	return report.Enqueued, nil
}
