package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

// SeenStore is the Postgres dedupe ledger.
type SeenStore struct {
	db DB
}

// NewSeenStore wraps db.
func NewSeenStore(db DB) (*SeenStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &SeenStore{db: db}, nil
}

const recordSeenSQL = `
INSERT INTO seen_urls (scope, url_hash, normalized_url, first_seen_at, last_seen_at, times_seen)
VALUES ($1, $2, $3, $4, $4, 1)
ON CONFLICT (scope, url_hash) DO UPDATE
SET times_seen = seen_urls.times_seen + 1,
    last_seen_at = EXCLUDED.last_seen_at
RETURNING times_seen, (xmax = 0) AS inserted`

// RecordIfNew upserts the hash in one statement; xmax = 0 identifies the
// inserting transaction, so exactly one caller sees IsNew.
func (s *SeenStore) RecordIfNew(
	ctx context.Context,
	scope crawler.ScopeID,
	urlHash, normalizedURL string,
	at time.Time,
) (crawler.SeenResult, error) {
	var res crawler.SeenResult
	err := s.db.QueryRow(ctx, recordSeenSQL, string(scope), urlHash, normalizedURL, at).
		Scan(&res.TimesSeen, &res.IsNew)
	if err != nil {
		return crawler.SeenResult{}, fmt.Errorf("record seen url: %w", err)
	}
	return res, nil
}

const seenSQL = `SELECT EXISTS (SELECT 1 FROM seen_urls WHERE scope = $1 AND url_hash = $2)`

// Seen reports whether the hash is recorded in scope.
func (s *SeenStore) Seen(ctx context.Context, scope crawler.ScopeID, urlHash string) (bool, error) {
	var ok bool
	if err := s.db.QueryRow(ctx, seenSQL, string(scope), urlHash).Scan(&ok); err != nil {
		return false, fmt.Errorf("lookup seen url: %w", err)
	}
	return ok, nil
}
