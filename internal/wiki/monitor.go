// Package wiki harvests citations from monitored Wikipedia articles and
// processes them into accepted content.
package wiki

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
	"github.com/JakeFAU/discovery-crawler/internal/extract"
	"github.com/JakeFAU/discovery-crawler/internal/seen"
)

// MonitorConfig tunes the page harvester.
type MonitorConfig struct {
	Scope crawler.ScopeID
	Topic crawler.TopicContext
	// MaxCitations caps how many references are read from one page.
	MaxCitations int
	// KeepTop is how many new external citations a page may contribute.
	KeepTop       int
	MaxPageErrors int
	// Language selects the Wikipedia edition Discover searches.
	Language      string
	DiscoverLimit int
}

func (c *MonitorConfig) defaults() {
	if c.MaxCitations <= 0 {
		c.MaxCitations = 200
	}
	if c.KeepTop <= 0 {
		c.KeepTop = 25
	}
	if c.MaxPageErrors <= 0 {
		c.MaxPageErrors = 3
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.DiscoverLimit <= 0 {
		c.DiscoverLimit = 5
	}
}

// HarvestReport summarizes one Monitor.Tick.
type HarvestReport struct {
	PageID    int64
	Internal  int
	External  int
	Retained  int
	Duplicate int
}

// Monitor walks monitored pages one per tick and stores their citations.
type Monitor struct {
	cfg         MonitorConfig
	store       crawler.WikiStore
	fetcher     crawler.Fetcher
	citations   *extract.CitationExtractor
	prioritizer crawler.Prioritizer
	ledger      *seen.Ledger
	clock       crawler.Clock
	logger      *zap.Logger
}

// NewMonitor wires a Monitor.
func NewMonitor(
	cfg MonitorConfig,
	store crawler.WikiStore,
	fetcher crawler.Fetcher,
	prioritizer crawler.Prioritizer,
	ledger *seen.Ledger,
	clock crawler.Clock,
	logger *zap.Logger,
) *Monitor {
	cfg.defaults()
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:         cfg,
		store:       store,
		fetcher:     fetcher,
		citations:   extract.NewCitationExtractor(),
		prioritizer: prioritizer,
		ledger:      ledger,
		clock:       clock,
		logger:      logger,
	}
}

// Tick harvests one page. ok is false when no page was selectable or another
// worker claimed it first. Fetch and parse failures put the page in error and
// are reported through the returned error.
func (m *Monitor) Tick(ctx context.Context) (HarvestReport, bool, error) {
	page, err := m.store.NextPage(ctx, m.cfg.Scope, m.cfg.MaxPageErrors)
	if errors.Is(err, crawler.ErrNotFound) {
		return HarvestReport{}, false, nil
	}
	if err != nil {
		return HarvestReport{}, false, fmt.Errorf("next page: %w", err)
	}
	claimed, err := m.store.StartPageScan(ctx, page.ID, m.clock.Now())
	if err != nil {
		return HarvestReport{}, false, fmt.Errorf("start page scan: %w", err)
	}
	if !claimed {
		return HarvestReport{}, false, nil
	}

	report, err := m.harvest(ctx, page)
	if err != nil {
		if ferr := m.store.FailPage(ctx, page.ID, err.Error(), m.clock.Now()); ferr != nil {
			return report, true, fmt.Errorf("fail page %d: %w", page.ID, errors.Join(err, ferr))
		}
		m.logger.Warn("wiki page harvest failed",
			zap.Int64("page_id", page.ID),
			zap.String("url", page.PageURL),
			zap.Error(err),
		)
		return report, true, err
	}
	if err := m.store.CompletePage(ctx, page.ID, report.Retained, m.clock.Now()); err != nil {
		return report, true, fmt.Errorf("complete page %d: %w", page.ID, err)
	}
	m.logger.Info("wiki page harvested",
		zap.Int64("page_id", page.ID),
		zap.String("title", page.PageTitle),
		zap.Int("external", report.External),
		zap.Int("retained", report.Retained),
		zap.Int("internal", report.Internal),
	)
	return report, true, nil
}

func (m *Monitor) harvest(ctx context.Context, page crawler.WikiPage) (HarvestReport, error) {
	report := HarvestReport{PageID: page.ID}
	resp, err := m.fetcher.Fetch(ctx, crawler.FetchRequest{URL: page.PageURL})
	if err != nil {
		return report, fmt.Errorf("fetch page: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return report, fmt.Errorf("fetch page: status %d: %w", resp.StatusCode, crawler.ErrPermanentFetch)
	}
	found, err := m.citations.Extract(resp.Body, page.PageURL, m.cfg.MaxCitations)
	if err != nil {
		return report, err
	}

	var (
		rows     []crawler.WikiCitation
		external []extract.Citation
	)
	for _, c := range found {
		if c.Internal {
			rows = append(rows, m.row(page, c, crawler.VerificationPendingWiki, nil))
			report.Internal++
			continue
		}
		external = append(external, c)
	}
	report.External = len(external)

	ranked := m.rank(ctx, external)
	var retained []string
	batch := make(map[string]struct{}, len(ranked))
	for _, r := range ranked {
		if report.Retained >= m.cfg.KeepTop {
			break
		}
		normalized, err := crawler.NormalizeURL(r.citation.URL)
		if err != nil {
			m.logger.Debug("skipping citation", zap.String("url", r.citation.URL), zap.Error(err))
			continue
		}
		if _, dup := batch[normalized]; dup {
			report.Duplicate++
			continue
		}
		seenBefore, err := m.ledger.Seen(ctx, m.cfg.Scope, normalized)
		if err != nil {
			m.logger.Debug("skipping citation", zap.String("url", r.citation.URL), zap.Error(err))
			continue
		}
		if seenBefore {
			m.ledger.Confirm(ctx, m.cfg.Scope, normalized)
			report.Duplicate++
			continue
		}
		batch[normalized] = struct{}{}
		priority := r.priority
		rows = append(rows, m.row(page, r.citation, crawler.VerificationPending, &priority))
		retained = append(retained, normalized)
		report.Retained++
	}

	if len(rows) > 0 {
		if _, err := m.store.InsertCitations(ctx, rows); err != nil {
			return report, fmt.Errorf("insert citations: %w", err)
		}
	}
	// Citations only enter the ledger once their rows exist, so a failed
	// insert leaves them eligible for the retry scan.
	for _, u := range retained {
		m.ledger.Confirm(ctx, m.cfg.Scope, u)
	}
	return report, nil
}

type rankedCitation struct {
	citation extract.Citation
	priority int
}

// rank orders external citations by prioritizer score, then page order. A
// prioritizer failure leaves every citation at zero.
func (m *Monitor) rank(ctx context.Context, external []extract.Citation) []rankedCitation {
	out := make([]rankedCitation, len(external))
	inputs := make([]crawler.CitationInput, len(external))
	for i, c := range external {
		out[i] = rankedCitation{citation: c}
		inputs[i] = crawler.CitationInput{URL: c.URL, Title: c.Title, Context: c.Context}
	}
	if m.prioritizer != nil && len(inputs) > 0 {
		scores, err := m.prioritizer.Prioritize(ctx, m.cfg.Topic, inputs)
		switch {
		case err != nil:
			m.logger.Warn("citation prioritizer failed", zap.Error(err))
		case len(scores) == len(out):
			for i := range out {
				out[i].priority = crawler.ClampPriority(scores[i])
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].priority > out[j].priority })
	return out
}

func (m *Monitor) row(
	page crawler.WikiPage,
	c extract.Citation,
	verification crawler.VerificationStatus,
	priority *int,
) crawler.WikiCitation {
	return crawler.WikiCitation{
		Scope:              m.cfg.Scope,
		MonitoringID:       page.ID,
		SourceNumber:       c.SourceNumber,
		CitationURL:        c.URL,
		CitationTitle:      c.Title,
		CitationContext:    c.Context,
		AIPriorityScore:    priority,
		VerificationStatus: verification,
		ScanStatus:         crawler.ScanNotScanned,
	}
}
