// Package scorer judges topical relevance of extracted content and ranks
// harvested citations.
package scorer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

const (
	// DefaultScore is the sentinel assigned when no scorer answered.
	DefaultScore = 50
	// DefaultThreshold is the minimum score for a save.
	DefaultThreshold = 60
)

// Verdict is the outcome of Decide.
type Verdict string

// Verdicts.
const (
	VerdictSaved    Verdict = "saved"
	VerdictDenied   Verdict = "denied"
	VerdictDeferred Verdict = "deferred"
)

// Decide maps a score to a verdict. A default-scored result is always
// deferred, never denied.
func Decide(s crawler.Score, threshold int) Verdict {
	if s.DefaultScored {
		return VerdictDeferred
	}
	if s.Value >= threshold {
		return VerdictSaved
	}
	return VerdictDenied
}

// Default returns the sentinel score for cause.
func Default(cause error) crawler.Score {
	reason := "scorer unavailable"
	if cause != nil {
		reason = "scorer unavailable: " + cause.Error()
	}
	return crawler.Score{Value: DefaultScore, Reason: reason, DefaultScored: true}
}

// Guarded wraps a Scorer so it never fails: errors, timeouts and out-of-range
// values become the default-scored sentinel.
type Guarded struct {
	inner   crawler.Scorer
	timeout time.Duration
	logger  *zap.Logger
}

// NewGuarded wraps inner. timeout <= 0 disables the per-call deadline.
func NewGuarded(inner crawler.Scorer, timeout time.Duration, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guarded{inner: inner, timeout: timeout, logger: logger}
}

var _ crawler.Scorer = (*Guarded)(nil)

// Score always returns a nil error.
func (g *Guarded) Score(ctx context.Context, text string, topic crawler.TopicContext) (crawler.Score, error) {
	if g.inner == nil {
		return Default(nil), nil
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	s, err := g.inner.Score(ctx, text, topic)
	if err == nil && (s.Value < 0 || s.Value > 100) {
		err = fmt.Errorf("score %d out of range: %w", s.Value, crawler.ErrScorerUnavailable)
	}
	if err != nil {
		g.logger.Warn("scorer failed, using default score", zap.Error(err))
		return Default(err), nil
	}
	return s, nil
}
