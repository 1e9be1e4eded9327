// Package acceptance validates, persists and hands off accepted content.
// Delivery to the agent feed is at-least-once: rows whose enqueue failed stay
// pending and are re-sent by DrainOutbox.
package acceptance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
	"github.com/JakeFAU/discovery-crawler/internal/metrics"
	"github.com/JakeFAU/discovery-crawler/internal/scorer"
)

// Rejection reasons carried by ValidationError.
const (
	ReasonTooShort      = "too_short"
	ReasonTooFewParas   = "too_few_paragraphs"
	ReasonLanguage      = "language"
	ReasonBelowScore    = "below_threshold"
	ReasonDefaultScored = "default_scored"
)

// ValidationError explains why content was not accepted.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("content rejected (%s): %s", e.Reason, e.Detail)
}

// Unwrap lets callers match crawler.ErrValidation.
func (e *ValidationError) Unwrap() error {
	return crawler.ErrValidation
}

// ReasonOf returns the rejection reason of err, or "" when err is not a
// ValidationError.
func ReasonOf(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ""
}

// Rules gate acceptance.
type Rules struct {
	MinChars      int
	MinParagraphs int
	// Languages is an allowlist of ISO 639-1 codes; empty allows all.
	// Pages that declare no language are allowed.
	Languages []string
	Threshold int
}

// DefaultRules returns the standard acceptance rules.
func DefaultRules() Rules {
	return Rules{MinChars: 1000, MinParagraphs: 2, Threshold: scorer.DefaultThreshold}
}

// ValidateArticle checks length, paragraph count and language.
func ValidateArticle(a crawler.Article, rules Rules) error {
	if n := len([]rune(a.Text)); n < rules.MinChars {
		return &ValidationError{Reason: ReasonTooShort, Detail: fmt.Sprintf("%d chars, need %d", n, rules.MinChars)}
	}
	if a.Paragraphs < rules.MinParagraphs {
		return &ValidationError{
			Reason: ReasonTooFewParas,
			Detail: fmt.Sprintf("%d paragraphs, need %d", a.Paragraphs, rules.MinParagraphs),
		}
	}
	if a.Language != "" && len(rules.Languages) > 0 && !slices.Contains(rules.Languages, a.Language) {
		return &ValidationError{Reason: ReasonLanguage, Detail: a.Language}
	}
	return nil
}

// Submission is a scored article offered for acceptance.
type Submission struct {
	Scope      crawler.ScopeID
	SourceURL  string
	SourceKind crawler.SourceKind
	SourceRef  int64
	Article    crawler.Article
	Score      crawler.Score
}

// Result reports what Accept did.
type Result struct {
	ContentID string
	// Created is false when the content hash was already stored.
	Created  bool
	Enqueued bool
}

// AcceptedRecorder is told about every newly stored item.
type AcceptedRecorder interface {
	RecordAccepted(source crawler.SourceKind)
}

// Acceptor stores accepted content and hands it to the feed.
type Acceptor struct {
	rules    Rules
	content  crawler.ContentStore
	blobs    crawler.BlobStore
	feed     crawler.FeedQueue
	ids      crawler.IDGenerator
	clock    crawler.Clock
	recorder AcceptedRecorder
	logger   *zap.Logger
}

// Option configures an Acceptor.
type Option func(*Acceptor)

// WithBlobStore archives the markdown body of every accepted item.
func WithBlobStore(b crawler.BlobStore) Option {
	return func(a *Acceptor) { a.blobs = b }
}

// WithRecorder reports accepted items.
func WithRecorder(r AcceptedRecorder) Option {
	return func(a *Acceptor) { a.recorder = r }
}

// WithClock overrides the clock.
func WithClock(c crawler.Clock) Option {
	return func(a *Acceptor) { a.clock = c }
}

// WithIDGenerator overrides content id generation.
func WithIDGenerator(g crawler.IDGenerator) Option {
	return func(a *Acceptor) { a.ids = g }
}

// New builds an Acceptor.
func New(rules Rules, content crawler.ContentStore, feed crawler.FeedQueue, logger *zap.Logger, opts ...Option) *Acceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Acceptor{
		rules:   rules,
		content: content,
		feed:    feed,
		ids:     crawler.UUIDGenerator{},
		clock:   crawler.SystemClock{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Rules returns the acceptance rules.
func (a *Acceptor) Rules() Rules {
	return a.rules
}

// Accept validates the submission, stores it once per content hash and
// enqueues it to the feed. A failed enqueue is not an error: the row stays
// pending for DrainOutbox.
func (a *Acceptor) Accept(ctx context.Context, sub Submission) (Result, error) {
	if err := ValidateArticle(sub.Article, a.rules); err != nil {
		return Result{}, err
	}
	switch scorer.Decide(sub.Score, a.rules.Threshold) {
	case scorer.VerdictDeferred:
		return Result{}, &ValidationError{Reason: ReasonDefaultScored, Detail: sub.Score.Reason}
	case scorer.VerdictDenied:
		return Result{}, &ValidationError{
			Reason: ReasonBelowScore,
			Detail: fmt.Sprintf("score %d < %d", sub.Score.Value, a.rules.Threshold),
		}
	}

	id, err := a.ids.NewID()
	if err != nil {
		return Result{}, err
	}
	now := a.clock.Now()
	rec := crawler.ContentRecord{
		ID:            id,
		Scope:         sub.Scope,
		SourceURL:     sub.SourceURL,
		SourceKind:    sub.SourceKind,
		SourceRef:     sub.SourceRef,
		Title:         sub.Article.Title,
		ContentHash:   crawler.ContentHash(sub.Article.Text),
		Score:         sub.Score.Value,
		ScoreReason:   sub.Score.Reason,
		DefaultScored: sub.Score.DefaultScored,
		Language:      sub.Article.Language,
		AcceptedAt:    now,
		FeedStatus:    crawler.FeedPending,
	}

	if a.blobs != nil {
		body := sub.Article.Markdown
		if strings.TrimSpace(body) == "" {
			body = sub.Article.Text
		}
		objectPath := path.Join(string(sub.Scope), now.Format("2006/01/02"), rec.ContentHash+".md")
		uri, err := a.blobs.PutObject(ctx, objectPath, "text/markdown; charset=utf-8", bytes.NewReader([]byte(body)))
		if err != nil {
			return Result{}, fmt.Errorf("archive content: %w", err)
		}
		rec.BlobURI = uri
	}

	stored, created, err := a.content.Save(ctx, rec)
	if err != nil {
		return Result{}, fmt.Errorf("save content: %w", err)
	}
	res := Result{ContentID: stored.ID, Created: created}
	if created {
		// The recorder mirrors its counters into Prometheus itself.
		if a.recorder != nil {
			a.recorder.RecordAccepted(sub.SourceKind)
		} else {
			metrics.ObserveAccepted(string(sub.SourceKind))
		}
		a.logger.Info("content accepted",
			zap.String("content_id", stored.ID),
			zap.String("url", sub.SourceURL),
			zap.String("source", string(sub.SourceKind)),
			zap.Int("score", sub.Score.Value),
		)
	}
	if stored.FeedStatus == crawler.FeedEnqueued {
		res.Enqueued = true
		return res, nil
	}
	res.Enqueued = a.handoff(ctx, stored)
	return res, nil
}

// DrainOutbox re-sends up to limit pending feed items and returns how many
// were enqueued.
func (a *Acceptor) DrainOutbox(ctx context.Context, scope crawler.ScopeID, limit int) (int, error) {
	pending, err := a.content.PendingFeed(ctx, scope, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending feed items: %w", err)
	}
	sent := 0
	for _, rec := range pending {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if a.handoff(ctx, rec) {
			sent++
		}
	}
	if len(pending) > 0 {
		a.logger.Info("outbox drained", zap.Int("pending", len(pending)), zap.Int("sent", sent))
	}
	return sent, nil
}

func (a *Acceptor) handoff(ctx context.Context, rec crawler.ContentRecord) bool {
	msgID, err := a.feed.Enqueue(ctx, crawler.FeedItem{
		ContentID:   rec.ID,
		PatchScope:  rec.Scope,
		ContentHash: rec.ContentHash,
	})
	if err != nil {
		metrics.ObserveFeedHandoff("failed")
		a.logger.Warn("feed enqueue failed, left in outbox", zap.String("content_id", rec.ID), zap.Error(err))
		return false
	}
	if err := a.content.MarkEnqueued(ctx, rec.ID, msgID); err != nil {
		metrics.ObserveFeedHandoff("unmarked")
		a.logger.Warn("mark enqueued failed", zap.String("content_id", rec.ID), zap.Error(err))
		return false
	}
	metrics.ObserveFeedHandoff("enqueued")
	return true
}
