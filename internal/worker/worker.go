// Package worker runs one frontier candidate through the fetch, extract,
// score and accept pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-crawler/internal/acceptance"
	"github.com/JakeFAU/discovery-crawler/internal/crawler"
	"github.com/JakeFAU/discovery-crawler/internal/metrics"
	"github.com/JakeFAU/discovery-crawler/internal/scorer"
	"github.com/JakeFAU/discovery-crawler/internal/seen"
)

// Reasons recorded on frontier rows and in Result.
const (
	ReasonPolicy         = "policy_blocked"
	ReasonTransientFetch = "transient_fetch"
	ReasonPermanentFetch = "permanent_fetch"
	ReasonBlocked        = "blocked"
	ReasonPaywalled      = "paywalled"
	ReasonExtraction     = "extraction_failed"
	ReasonDefaultScored  = acceptance.ReasonDefaultScored
	ReasonAcceptFailed   = "accept_failed"
	ReasonNotModified    = "not_modified"
	ReasonBelowThreshold = acceptance.ReasonBelowScore
)

// Candidate outcomes.
const (
	OutcomeDone    = "done"
	OutcomeFailed  = "failed"
	OutcomeRetried = "retried"
)

const (
	defaultOutlinkDecay   = 10
	defaultOutlinkLimit   = 15
	defaultOutlinksPerDom = 3
)

// Config controls Worker behavior.
type Config struct {
	Scope crawler.ScopeID
	Topic crawler.TopicContext
	// MaxDepth bounds outlink depth; a page at MaxDepth enqueues nothing.
	MaxDepth int
	// MaxRetries bounds how often a row returns to pending.
	MaxRetries        int
	OutlinkLimit      int
	OutlinksPerDomain int
	OutlinkDecay      int
	HeadlessEnabled   bool
}

// Acceptor stores accepted content.
type Acceptor interface {
	Accept(ctx context.Context, sub acceptance.Submission) (acceptance.Result, error)
	Rules() acceptance.Rules
}

// Policy gates fetching and headless rendering.
type Policy interface {
	AllowFetch(rawURL string, depth int) bool
	AllowHeadless(rawURL string, depth int) bool
}

// Recorder is told about rejections and sentinel scores.
type Recorder interface {
	RecordRejection(reason string)
	RecordDefaultScored(stage string)
}

// Result reports what happened to one candidate.
type Result struct {
	// Outcome is done, failed or retried.
	Outcome   string
	Reason    string
	ContentID string
	Outlinks  int
	// Failure marks a fetch or store failure, as opposed to a content decision.
	Failure bool
}

// Deps are the collaborators a Worker needs. Headless, Detector, Policy and
// Recorder are optional.
type Deps struct {
	Frontier  crawler.FrontierStore
	Ledger    *seen.Ledger
	Probe     crawler.Fetcher
	Headless  crawler.Fetcher
	Detector  crawler.HeadlessDetector
	Extractor crawler.Extractor
	Scorer    crawler.Scorer
	Acceptor  Acceptor
	Retry     *crawler.ExponentialRetryPolicy
	Policy    Policy
	Recorder  Recorder
	Clock     crawler.Clock
}

// Worker processes frontier candidates. It is safe for concurrent use.
type Worker struct {
	cfg    Config
	deps   Deps
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

// New constructs a Worker.
func New(cfg Config, deps Deps, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = crawler.SystemClock{}
	}
	if deps.Retry == nil {
		deps.Retry = crawler.NewExponentialRetryPolicy(0, 0, 0)
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.OutlinkLimit <= 0 {
		cfg.OutlinkLimit = defaultOutlinkLimit
	}
	if cfg.OutlinksPerDomain <= 0 {
		cfg.OutlinksPerDomain = defaultOutlinksPerDom
	}
	if cfg.OutlinkDecay <= 0 {
		cfg.OutlinkDecay = defaultOutlinkDecay
	}
	return &Worker{cfg: cfg, deps: deps, sleep: sleepCtx, logger: logger}
}

// Process runs c through the pipeline and completes or fails its frontier
// row. The returned error reports a store failure; pipeline rejections are
// described by Result.
func (w *Worker) Process(ctx context.Context, c crawler.FrontierCandidate) (Result, error) {
	logger := w.logger.With(zap.Int64("candidate_id", c.ID), zap.String("url", c.URL))

	if w.deps.Policy != nil && !w.deps.Policy.AllowFetch(c.URL, c.Depth) {
		return w.fail(ctx, c, ReasonPolicy, false)
	}

	resp, err := w.fetch(ctx, c)
	if err != nil {
		logger.Warn("fetch failed", zap.Error(err))
		if errors.Is(err, crawler.ErrPermanentFetch) {
			return w.failure(ctx, c, permanentReason(err), false)
		}
		return w.failure(ctx, c, ReasonTransientFetch, true)
	}
	if resp.NotModified {
		return w.complete(ctx, c, resp, Result{Outcome: OutcomeDone, Reason: ReasonNotModified})
	}
	switch {
	case resp.Blocked:
		return w.reject(ctx, c, ReasonBlocked, false)
	case resp.Paywalled:
		return w.reject(ctx, c, ReasonPaywalled, false)
	}

	resp = w.maybePromote(ctx, c, resp, logger)

	article, err := w.deps.Extractor.Extract(resp.Body, resp.URL)
	if err != nil {
		return w.reject(ctx, c, ReasonExtraction, false)
	}
	rules := w.deps.Acceptor.Rules()
	if err := acceptance.ValidateArticle(article, rules); err != nil {
		return w.reject(ctx, c, acceptance.ReasonOf(err), false)
	}

	score, err := w.deps.Scorer.Score(ctx, article.Text, w.cfg.Topic)
	if err != nil {
		score = scorer.Default(err)
	}
	switch scorer.Decide(score, rules.Threshold) {
	case scorer.VerdictDeferred:
		if w.deps.Recorder != nil {
			w.deps.Recorder.RecordDefaultScored("candidate")
		}
		return w.fail(ctx, c, ReasonDefaultScored, true)
	case scorer.VerdictDenied:
		w.rejected(ReasonBelowThreshold)
		return w.complete(ctx, c, resp, Result{Outcome: OutcomeDone, Reason: ReasonBelowThreshold})
	}

	res, err := w.deps.Acceptor.Accept(ctx, acceptance.Submission{
		Scope:      w.cfg.Scope,
		SourceURL:  c.URL,
		SourceKind: crawler.SourceCandidate,
		SourceRef:  c.ID,
		Article:    article,
		Score:      score,
	})
	if err != nil {
		var ve *acceptance.ValidationError
		if errors.As(err, &ve) {
			return w.reject(ctx, c, ve.Reason, false)
		}
		result, ferr := w.failure(ctx, c, ReasonAcceptFailed, true)
		return result, errors.Join(fmt.Errorf("accept candidate %d: %w", c.ID, err), ferr)
	}

	outlinks, err := w.enqueueOutlinks(ctx, c, article.Links)
	if err != nil {
		logger.Warn("outlink enqueue failed", zap.Error(err))
	}
	return w.complete(ctx, c, resp, Result{Outcome: OutcomeDone, ContentID: res.ContentID, Outlinks: outlinks})
}

// fetch performs the conditional probe with retries. Retryable HTTP statuses
// count as transient errors; other non-2xx statuses are permanent.
func (w *Worker) fetch(ctx context.Context, c crawler.FrontierCandidate) (crawler.FetchResponse, error) {
	req := crawler.FetchRequest{URL: c.URL, ETag: c.ETag, LastModified: c.LastModified}
	for attempt := 1; ; attempt++ {
		resp, err := w.deps.Probe.Fetch(ctx, req)
		if err == nil {
			if class := crawler.ClassifyStatus(resp.StatusCode); class != nil {
				err = &statusError{code: resp.StatusCode, class: class}
			}
		}
		if err == nil {
			return resp, nil
		}
		if !w.deps.Retry.ShouldRetry(err, attempt) {
			return crawler.FetchResponse{}, err
		}
		delay := w.deps.Retry.Backoff(attempt - 1)
		w.logger.Debug("retrying fetch",
			zap.String("url", c.URL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := w.sleep(ctx, delay); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("%w: %w", crawler.ErrTransientFetch, err)
		}
	}
}

func (w *Worker) maybePromote(
	ctx context.Context,
	c crawler.FrontierCandidate,
	resp crawler.FetchResponse,
	logger *zap.Logger,
) crawler.FetchResponse {
	if !w.cfg.HeadlessEnabled || w.deps.Detector == nil || w.deps.Headless == nil {
		return resp
	}
	if w.deps.Policy != nil && !w.deps.Policy.AllowHeadless(c.URL, c.Depth) {
		return resp
	}
	if !w.deps.Detector.ShouldPromote(resp) {
		return resp
	}
	rendered, err := w.deps.Headless.Fetch(ctx, crawler.FetchRequest{URL: c.URL, UseHeadless: true})
	if err != nil {
		logger.Warn("headless promotion failed", zap.Error(err))
		return resp
	}
	rendered.UsedHeadless = true
	logger.Info("headless promotion applied")
	return rendered
}

// enqueueOutlinks adds unseen links one level deeper at a decayed priority,
// capped per domain and per page.
func (w *Worker) enqueueOutlinks(ctx context.Context, c crawler.FrontierCandidate, links []string) (int, error) {
	if c.Depth+1 > w.cfg.MaxDepth || w.deps.Ledger == nil {
		return 0, nil
	}
	priority := crawler.ClampPriority(c.Priority - w.cfg.OutlinkDecay)
	perDomain := make(map[string]int)
	added := 0
	now := w.deps.Clock.Now()
	for _, link := range links {
		if added >= w.cfg.OutlinkLimit {
			break
		}
		normalized, err := crawler.NormalizeURL(link)
		if err != nil || normalized == c.NormalizedURL {
			continue
		}
		if w.deps.Policy != nil && !w.deps.Policy.AllowFetch(normalized, c.Depth+1) {
			continue
		}
		domain := crawler.RegistrableHost(crawler.HostOf(normalized))
		if perDomain[domain] >= w.cfg.OutlinksPerDomain {
			continue
		}
		perDomain[domain]++
		outlink := crawler.FrontierCandidate{
			Scope:         w.cfg.Scope,
			URL:           link,
			NormalizedURL: normalized,
			Domain:        crawler.HostOf(normalized),
			Depth:         c.Depth + 1,
			ParentURL:     c.URL,
			Priority:      priority,
			FirstSeenAt:   now,
			Angle:         c.Angle,
			Viewpoint:     c.Viewpoint,
			Category:      c.Category,
			Origin:        crawler.OriginOutlink,
		}
		inserted, err := w.deps.Ledger.Admit(ctx, w.cfg.Scope, normalized, func(ctx context.Context) (bool, error) {
			_, inserted, err := w.deps.Frontier.Enqueue(ctx, outlink)
			return inserted, err
		})
		if err != nil {
			return added, fmt.Errorf("enqueue outlink %s: %w", normalized, err)
		}
		if inserted {
			added++
		}
	}
	return added, nil
}

func (w *Worker) complete(
	ctx context.Context,
	c crawler.FrontierCandidate,
	resp crawler.FetchResponse,
	res Result,
) (Result, error) {
	done := crawler.Completion{At: w.deps.Clock.Now(), ETag: c.ETag, LastModified: c.LastModified}
	if resp.Headers != nil {
		if v := resp.Headers.Get("ETag"); v != "" {
			done.ETag = v
		}
		if v := resp.Headers.Get("Last-Modified"); v != "" {
			done.LastModified = v
		}
	}
	// Bookkeeping outlives the candidate deadline.
	if err := w.deps.Frontier.Complete(context.WithoutCancel(ctx), c.ID, done); err != nil {
		return res, fmt.Errorf("complete candidate %d: %w", c.ID, err)
	}
	metrics.ObserveCandidate(OutcomeDone)
	return res, nil
}

// reject counts a pipeline rejection and fails the row.
func (w *Worker) reject(ctx context.Context, c crawler.FrontierCandidate, reason string, retry bool) (Result, error) {
	w.rejected(reason)
	return w.fail(ctx, c, reason, retry)
}

// failure fails the row for a reason outside the content pipeline.
func (w *Worker) failure(ctx context.Context, c crawler.FrontierCandidate, reason string, retry bool) (Result, error) {
	res, err := w.fail(ctx, c, reason, retry)
	res.Failure = true
	return res, err
}

func (w *Worker) rejected(reason string) {
	if w.deps.Recorder != nil {
		w.deps.Recorder.RecordRejection(reason)
	}
}

// fail retires the row, returning it to pending when retry is requested and
// the retry budget allows.
func (w *Worker) fail(ctx context.Context, c crawler.FrontierCandidate, reason string, retry bool) (Result, error) {
	retry = retry && c.RetryCount < w.cfg.MaxRetries
	outcome := OutcomeFailed
	if retry {
		outcome = OutcomeRetried
	}
	res := Result{Outcome: outcome, Reason: reason}
	if err := w.deps.Frontier.Fail(context.WithoutCancel(ctx), c.ID, reason, retry, w.deps.Clock.Now()); err != nil {
		return res, fmt.Errorf("fail candidate %d: %w", c.ID, err)
	}
	metrics.ObserveCandidate(outcome)
	return res, nil
}

// statusError is a non-success HTTP status classified as a fetch error.
type statusError struct {
	code  int
	class error
}

func (e *statusError) Error() string { return fmt.Sprintf("status %d: %v", e.code, e.class) }

func (e *statusError) Unwrap() error { return e.class }

func permanentReason(err error) string {
	var se *statusError
	if errors.As(err, &se) {
		return fmt.Sprintf("http_%d", se.code)
	}
	return ReasonPermanentFetch
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
