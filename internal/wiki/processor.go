package wiki

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-crawler/internal/acceptance"
	"github.com/JakeFAU/discovery-crawler/internal/crawler"
	"github.com/JakeFAU/discovery-crawler/internal/metrics"
	"github.com/JakeFAU/discovery-crawler/internal/scorer"
)

// Deny reasons recorded on citations.
const (
	ReasonVerificationFailed = "verification_failed"
	ReasonFetchFailed        = "fetch_failed"
	ReasonBlocked            = "blocked"
	ReasonPaywalled          = "paywalled"
	ReasonExtractionFailed   = "extraction_failed"
	ReasonAcceptFailed       = "accept_failed"
	ReasonRescoreExhausted   = "rescore_exhausted"
)

// Acceptor stores saved citations.
type Acceptor interface {
	Accept(ctx context.Context, sub acceptance.Submission) (acceptance.Result, error)
	Rules() acceptance.Rules
}

// Recorder is told about rejections and sentinel scores.
type Recorder interface {
	RecordRejection(reason string)
	RecordDefaultScored(stage string)
}

// ProcessorConfig tunes the citation processor.
type ProcessorConfig struct {
	Scope              crawler.ScopeID
	Topic              crawler.TopicContext
	PerTick            int
	MaxRescoreAttempts int
}

// Processor verifies, fetches, scores and saves harvested citations.
type Processor struct {
	cfg       ProcessorConfig
	store     crawler.WikiStore
	checker   crawler.Checker
	fetcher   crawler.Fetcher
	extractor crawler.Extractor
	scorer    crawler.Scorer
	acceptor  Acceptor
	recorder  Recorder
	clock     crawler.Clock
	logger    *zap.Logger
}

// NewProcessor wires a Processor. recorder may be nil.
func NewProcessor(
	cfg ProcessorConfig,
	store crawler.WikiStore,
	checker crawler.Checker,
	fetcher crawler.Fetcher,
	extractor crawler.Extractor,
	sc crawler.Scorer,
	acceptor Acceptor,
	recorder Recorder,
	clock crawler.Clock,
	logger *zap.Logger,
) *Processor {
	if cfg.PerTick <= 0 {
		cfg.PerTick = 5
	}
	if cfg.MaxRescoreAttempts <= 0 {
		cfg.MaxRescoreAttempts = 3
	}
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		cfg:       cfg,
		store:     store,
		checker:   checker,
		fetcher:   fetcher,
		extractor: extractor,
		scorer:    sc,
		acceptor:  acceptor,
		recorder:  recorder,
		clock:     clock,
		logger:    logger,
	}
}

// Tick processes up to PerTick citations and returns how many reached scanned.
// Every claimed citation is finished, even when processing hits a store error.
func (p *Processor) Tick(ctx context.Context) (int, error) {
	done := 0
	var errs []error
	for range p.cfg.PerTick {
		if ctx.Err() != nil {
			break
		}
		c, err := p.store.NextCitation(ctx, p.cfg.Scope)
		if errors.Is(err, crawler.ErrNotFound) {
			break
		}
		if err != nil {
			return done, fmt.Errorf("next citation: %w", err)
		}
		claimed, err := p.store.StartCitationScan(ctx, c.ID, p.clock.Now())
		if err != nil {
			return done, fmt.Errorf("start citation scan: %w", err)
		}
		if !claimed {
			continue
		}

		out, perr := p.process(ctx, c)
		out.At = p.clock.Now()
		if _, err := p.store.FinishCitationScan(ctx, c.ID, out); err != nil {
			return done, fmt.Errorf("finish citation %d: %w", c.ID, err)
		}
		done++
		if perr != nil {
			errs = append(errs, perr)
		}
	}
	return done, errors.Join(errs...)
}

// process runs one claimed citation. The returned error reports an
// infrastructure failure; the outcome is valid either way.
func (p *Processor) process(ctx context.Context, c crawler.WikiCitation) (crawler.CitationOutcome, error) {
	if c.VerificationStatus == crawler.VerificationPending {
		if !p.verify(ctx, c) {
			p.reject(ReasonVerificationFailed)
			metrics.ObserveCitation(ReasonVerificationFailed)
			return crawler.CitationOutcome{
				Verification: crawler.VerificationFailed,
				DenyReason:   ReasonVerificationFailed,
			}, nil
		}
	}

	article, reason := p.load(ctx, c.CitationURL)
	if reason != "" {
		return p.deny(reason), nil
	}
	return p.judge(ctx, c, article, 0)
}

// verify moves pending through verifying to verified or failed.
func (p *Processor) verify(ctx context.Context, c crawler.WikiCitation) bool {
	if _, err := p.store.SetVerification(ctx, c.ID,
		crawler.VerificationPending, crawler.VerificationVerifying, p.clock.Now()); err != nil {
		p.logger.Warn("set verifying failed", zap.Int64("citation_id", c.ID), zap.Error(err))
	}
	status, err := p.checker.Check(ctx, c.CitationURL)
	ok := err == nil && status > 0 && status < http.StatusBadRequest
	next := crawler.VerificationVerified
	if !ok {
		next = crawler.VerificationFailed
		p.logger.Debug("citation unreachable",
			zap.String("url", c.CitationURL),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	if _, err := p.store.SetVerification(ctx, c.ID,
		crawler.VerificationVerifying, next, p.clock.Now()); err != nil {
		p.logger.Warn("set verification failed", zap.Int64("citation_id", c.ID), zap.Error(err))
	}
	return ok
}

// load fetches and extracts a citation target. A non-empty reason means the
// citation cannot be judged.
func (p *Processor) load(ctx context.Context, rawURL string) (crawler.Article, string) {
	resp, err := p.fetcher.Fetch(ctx, crawler.FetchRequest{URL: rawURL})
	switch {
	case err != nil:
		p.logger.Debug("citation fetch failed", zap.String("url", rawURL), zap.Error(err))
		return crawler.Article{}, ReasonFetchFailed
	case resp.Blocked:
		return crawler.Article{}, ReasonBlocked
	case resp.Paywalled:
		return crawler.Article{}, ReasonPaywalled
	case resp.StatusCode != http.StatusOK:
		return crawler.Article{}, fmt.Sprintf("http_%d", resp.StatusCode)
	}
	article, err := p.extractor.Extract(resp.Body, resp.URL)
	if err != nil {
		return crawler.Article{}, ReasonExtractionFailed
	}
	if err := acceptance.ValidateArticle(article, p.acceptor.Rules()); err != nil {
		return crawler.Article{}, acceptance.ReasonOf(err)
	}
	return article, ""
}

// judge scores an article and saves, denies or defers it. attempts is the
// rescore count the outcome carries.
func (p *Processor) judge(
	ctx context.Context,
	c crawler.WikiCitation,
	article crawler.Article,
	attempts int,
) (crawler.CitationOutcome, error) {
	score, err := p.scorer.Score(ctx, article.Text, p.cfg.Topic)
	if err != nil {
		score = scorer.Default(err)
	}
	rules := p.acceptor.Rules()
	switch scorer.Decide(score, rules.Threshold) {
	case scorer.VerdictDeferred:
		if p.recorder != nil {
			p.recorder.RecordDefaultScored("citation")
		}
		metrics.ObserveCitation("deferred")
		out := crawler.CitationOutcome{DefaultScored: true, RescoreAttempts: attempts}
		if attempts >= p.cfg.MaxRescoreAttempts {
			out.NeedsReview = true
			out.DenyReason = ReasonRescoreExhausted
		}
		return out, nil
	case scorer.VerdictDenied:
		return p.deny(acceptance.ReasonBelowScore), nil
	}

	res, err := p.acceptor.Accept(ctx, acceptance.Submission{
		Scope:      p.cfg.Scope,
		SourceURL:  c.CitationURL,
		SourceKind: crawler.SourceCitation,
		SourceRef:  c.ID,
		Article:    article,
		Score:      score,
	})
	if err != nil {
		var ve *acceptance.ValidationError
		if errors.As(err, &ve) {
			return p.deny(ve.Reason), nil
		}
		return crawler.CitationOutcome{
			NeedsReview:     true,
			DenyReason:      ReasonAcceptFailed,
			RescoreAttempts: attempts,
		}, fmt.Errorf("accept citation %d: %w", c.ID, err)
	}
	metrics.ObserveCitation(string(crawler.DecisionSaved))
	p.logger.Info("citation saved",
		zap.Int64("citation_id", c.ID),
		zap.String("url", c.CitationURL),
		zap.String("content_id", res.ContentID),
		zap.Int("score", score.Value),
	)
	return crawler.CitationOutcome{
		Decision:        crawler.DecisionSaved,
		SavedContentID:  res.ContentID,
		RescoreAttempts: attempts,
	}, nil
}

func (p *Processor) deny(reason string) crawler.CitationOutcome {
	p.reject(reason)
	metrics.ObserveCitation(string(crawler.DecisionDenied))
	return crawler.CitationOutcome{Decision: crawler.DecisionDenied, DenyReason: reason}
}

func (p *Processor) reject(reason string) {
	if p.recorder != nil {
		p.recorder.RecordRejection(reason)
	}
}

// RescoreDeferred retries scoring for default-scored citations and returns how
// many were resolved. A citation that is still unscored after
// MaxRescoreAttempts is flagged for review.
func (p *Processor) RescoreDeferred(ctx context.Context) (int, error) {
	deferred, err := p.store.ListDeferred(ctx, p.cfg.Scope, p.cfg.MaxRescoreAttempts, p.cfg.PerTick)
	if err != nil {
		return 0, fmt.Errorf("list deferred: %w", err)
	}
	resolved := 0
	var errs []error
	for _, c := range deferred {
		if ctx.Err() != nil {
			break
		}
		attempts := c.RescoreAttempts + 1
		var (
			out  crawler.CitationOutcome
			perr error
		)
		article, reason := p.load(ctx, c.CitationURL)
		switch {
		case reason == ReasonFetchFailed:
			// Still default-scored; count the attempt.
			out = crawler.CitationOutcome{DefaultScored: true, RescoreAttempts: attempts}
			if attempts >= p.cfg.MaxRescoreAttempts {
				out.NeedsReview = true
				out.DenyReason = ReasonRescoreExhausted
			}
		case reason != "":
			out = p.deny(reason)
			out.RescoreAttempts = attempts
		default:
			out, perr = p.judge(ctx, c, article, attempts)
		}
		out.At = p.clock.Now()
		if _, err := p.store.ResolveDeferred(ctx, c.ID, out); err != nil {
			return resolved, fmt.Errorf("resolve deferred %d: %w", c.ID, err)
		}
		if perr != nil {
			errs = append(errs, perr)
		}
		if out.Decision != crawler.DecisionNone {
			resolved++
		}
	}
	return resolved, errors.Join(errs...)
}
