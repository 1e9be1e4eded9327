package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

// ContentStore persists accepted content and tracks its feed handoff.
type ContentStore struct {
	db DB
}

// NewContentStore wraps db.
func NewContentStore(db DB) (*ContentStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &ContentStore{db: db}, nil
}

const contentColumns = `id, scope, source_url, source_kind, source_ref, title, content_hash, score,
score_reason, default_scored, language, blob_uri, accepted_at, feed_status, feed_message_id`

func scanContent(row rowScanner) (crawler.ContentRecord, error) {
	var (
		rec        crawler.ContentRecord
		scope      string
		kind       string
		feedStatus string
	)
	err := row.Scan(&rec.ID, &scope, &rec.SourceURL, &kind, &rec.SourceRef, &rec.Title, &rec.ContentHash,
		&rec.Score, &rec.ScoreReason, &rec.DefaultScored, &rec.Language, &rec.BlobURI, &rec.AcceptedAt,
		&feedStatus, &rec.FeedMessageID)
	if err != nil {
		return crawler.ContentRecord{}, err
	}
	rec.Scope = crawler.ScopeID(scope)
	rec.SourceKind = crawler.SourceKind(kind)
	rec.FeedStatus = crawler.FeedStatus(feedStatus)
	return rec, nil
}

const insertContentSQL = `
INSERT INTO content_items (
	id, scope, source_url, source_kind, source_ref, title, content_hash, score, score_reason,
	default_scored, language, blob_uri, accepted_at, feed_status
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 'pending')
ON CONFLICT (scope, content_hash) DO NOTHING
RETURNING id`

// Save inserts rec. When (scope, content_hash) already exists the stored row
// is returned with created=false.
func (s *ContentStore) Save(ctx context.Context, rec crawler.ContentRecord) (crawler.ContentRecord, bool, error) {
	if rec.ID == "" || rec.ContentHash == "" {
		return crawler.ContentRecord{}, false, fmt.Errorf("content id and hash are required")
	}
	var id string
	err := s.db.QueryRow(ctx, insertContentSQL,
		rec.ID, string(rec.Scope), rec.SourceURL, string(rec.SourceKind), rec.SourceRef, rec.Title,
		rec.ContentHash, rec.Score, rec.ScoreReason, rec.DefaultScored, rec.Language, rec.BlobURI,
		rec.AcceptedAt,
	).Scan(&id)
	switch {
	case err == nil:
		rec.FeedStatus = crawler.FeedPending
		return rec, true, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return crawler.ContentRecord{}, false, fmt.Errorf("insert content: %w", err)
	}
	existing, err := scanContent(s.db.QueryRow(ctx, `SELECT `+contentColumns+`
FROM content_items WHERE scope = $1 AND content_hash = $2`, string(rec.Scope), rec.ContentHash))
	if err != nil {
		return crawler.ContentRecord{}, false, fmt.Errorf("load existing content: %w", notFound(err))
	}
	return existing, false, nil
}

// PendingFeed returns records awaiting feed handoff, oldest first.
func (s *ContentStore) PendingFeed(
	ctx context.Context,
	scope crawler.ScopeID,
	limit int,
) ([]crawler.ContentRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT `+contentColumns+`
FROM content_items WHERE scope = $1 AND feed_status = 'pending'
ORDER BY accepted_at ASC, id ASC
LIMIT $2`, string(scope), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending feed: %w", err)
	}
	defer rows.Close()
	var out []crawler.ContentRecord
	for rows.Next() {
		rec, err := scanContent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate content: %w", err)
	}
	return out, nil
}

// MarkEnqueued records a successful feed handoff.
func (s *ContentStore) MarkEnqueued(ctx context.Context, id, messageID string) error {
	tag, err := s.db.Exec(ctx, `
UPDATE content_items SET feed_status = 'enqueued', feed_message_id = $2 WHERE id = $1`, id, messageID)
	if err != nil {
		return fmt.Errorf("mark enqueued: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark enqueued %s: %w", id, crawler.ErrNotFound)
	}
	return nil
}
