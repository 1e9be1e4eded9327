// Package seen is the durable URL dedupe ledger shared by seeding, reseeding,
// outlink discovery and citation harvesting.
package seen

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

// Ledger normalizes and hashes URLs before recording them in a SeenStore.
type Ledger struct {
	store  crawler.SeenStore
	clock  crawler.Clock
	logger *zap.Logger
}

// NewLedger wires a Ledger. A nil clock uses the system clock.
func NewLedger(store crawler.SeenStore, clock crawler.Clock, logger *zap.Logger) *Ledger {
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, clock: clock, logger: logger}
}

// RecordIfNew reports whether rawURL is seen for the first time in scope.
// IsNew is true exactly once per distinct normalized URL.
func (l *Ledger) RecordIfNew(ctx context.Context, scope crawler.ScopeID, rawURL string) (crawler.SeenResult, error) {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return crawler.SeenResult{}, fmt.Errorf("normalize %q: %w", rawURL, err)
	}
	res, err := l.store.RecordIfNew(ctx, scope, crawler.URLHash(normalized), normalized, l.clock.Now())
	if err != nil {
		return crawler.SeenResult{}, fmt.Errorf("record seen: %w", err)
	}
	if !res.IsNew {
		l.logger.Debug("url already seen",
			zap.String("url", normalized),
			zap.Int("times_seen", res.TimesSeen),
		)
	}
	return res, nil
}

// Seen reports whether rawURL is already recorded in scope.
func (l *Ledger) Seen(ctx context.Context, scope crawler.ScopeID, rawURL string) (bool, error) {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false, fmt.Errorf("normalize %q: %w", rawURL, err)
	}
	ok, err := l.store.Seen(ctx, scope, crawler.URLHash(normalized))
	if err != nil {
		return false, fmt.Errorf("lookup seen: %w", err)
	}
	return ok, nil
}

// Admit calls store for a URL the ledger has not seen and records the URL
// only once store succeeded, so a failed write leaves it admissible on the
// next attempt. A seen URL is counted again and store is skipped. The result
// is store's own report of whether it wrote a row.
func (l *Ledger) Admit(
	ctx context.Context,
	scope crawler.ScopeID,
	rawURL string,
	store func(context.Context) (bool, error),
) (bool, error) {
	seen, err := l.Seen(ctx, scope, rawURL)
	if err != nil {
		return false, err
	}
	if seen {
		l.Confirm(ctx, scope, rawURL)
		return false, nil
	}
	stored, err := store(ctx)
	if err != nil {
		return false, err
	}
	l.Confirm(ctx, scope, rawURL)
	return stored, nil
}

// Confirm records rawURL after its row was stored. A failure is logged only:
// the stored row already dedupes the URL in its own table.
func (l *Ledger) Confirm(ctx context.Context, scope crawler.ScopeID, rawURL string) {
	if _, err := l.RecordIfNew(ctx, scope, rawURL); err != nil {
		l.logger.Warn("record seen url failed", zap.String("url", rawURL), zap.Error(err))
	}
}
