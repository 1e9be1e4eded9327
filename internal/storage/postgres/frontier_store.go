package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

// FrontierStore is the Postgres-backed frontier. Status moves are
// conditional UPDATEs so concurrent schedulers never double-claim a row.
type FrontierStore struct {
	db DB
}

// NewFrontierStore wraps db.
func NewFrontierStore(db DB) (*FrontierStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &FrontierStore{db: db}, nil
}

const candidateColumns = `id, scope, url, normalized_url, domain, depth, parent_url, status, fail_reason,
retry_count, priority, first_seen_at, last_tried_at, claimed_at, angle, viewpoint, category, origin,
etag, last_modified`

func scanCandidate(row rowScanner) (crawler.FrontierCandidate, error) {
	var (
		c      crawler.FrontierCandidate
		scope  string
		status string
		origin string
	)
	err := row.Scan(
		&c.ID, &scope, &c.URL, &c.NormalizedURL, &c.Domain, &c.Depth, &c.ParentURL, &status,
		&c.FailReason, &c.RetryCount, &c.Priority, &c.FirstSeenAt, &c.LastTriedAt, &c.ClaimedAt,
		&c.Angle, &c.Viewpoint, &c.Category, &origin, &c.ETag, &c.LastModified,
	)
	if err != nil {
		return crawler.FrontierCandidate{}, err
	}
	c.Scope = crawler.ScopeID(scope)
	c.Status = crawler.CandidateStatus(status)
	c.Origin = crawler.Origin(origin)
	return c, nil
}

const enqueueSQL = `
INSERT INTO frontier_candidates (
	scope, url, normalized_url, domain, depth, parent_url, status, priority,
	first_seen_at, angle, viewpoint, category, origin
) VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9, $10, $11, $12)
ON CONFLICT (scope, normalized_url) DO NOTHING
RETURNING id`

// Enqueue inserts c unless (scope, normalized_url) already exists.
func (s *FrontierStore) Enqueue(
	ctx context.Context,
	c crawler.FrontierCandidate,
) (crawler.FrontierCandidate, bool, error) {
	if c.NormalizedURL == "" {
		return crawler.FrontierCandidate{}, false, fmt.Errorf("normalized url is required")
	}
	c.Priority = crawler.ClampPriority(c.Priority)
	c.Status = crawler.CandidatePending
	err := s.db.QueryRow(ctx, enqueueSQL,
		string(c.Scope), c.URL, c.NormalizedURL, c.Domain, c.Depth, c.ParentURL, c.Priority,
		c.FirstSeenAt, c.Angle, c.Viewpoint, c.Category, string(c.Origin),
	).Scan(&c.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := s.byNormalizedURL(ctx, c.Scope, c.NormalizedURL)
		if err != nil {
			return crawler.FrontierCandidate{}, false, fmt.Errorf("load existing candidate: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return crawler.FrontierCandidate{}, false, fmt.Errorf("enqueue candidate: %w", err)
	}
	return c, true, nil
}

func (s *FrontierStore) byNormalizedURL(
	ctx context.Context,
	scope crawler.ScopeID,
	normalized string,
) (crawler.FrontierCandidate, error) {
	row := s.db.QueryRow(ctx, `SELECT `+candidateColumns+`
FROM frontier_candidates WHERE scope = $1 AND normalized_url = $2`, string(scope), normalized)
	return scanCandidate(row)
}

// ListEligible returns pending rows, priority desc then FIFO.
func (s *FrontierStore) ListEligible(
	ctx context.Context,
	scope crawler.ScopeID,
	limit int,
) ([]crawler.FrontierCandidate, error) {
	query := `SELECT ` + candidateColumns + `
FROM frontier_candidates
WHERE scope = $1 AND status = 'pending'
ORDER BY priority DESC, first_seen_at ASC, id ASC
LIMIT $2`
	rows, err := s.db.Query(ctx, query, string(scope), limit)
	if err != nil {
		return nil, fmt.Errorf("list eligible candidates: %w", err)
	}
	defer rows.Close()
	var out []crawler.FrontierCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return out, nil
}

// Claim moves a pending row to in_progress.
func (s *FrontierStore) Claim(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE frontier_candidates
SET status = 'in_progress', claimed_at = $2, last_tried_at = $2
WHERE id = $1 AND status = 'pending'`, id, at)
	if err != nil {
		return false, fmt.Errorf("claim candidate: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Complete marks an in_progress row done and stores fetch validators.
func (s *FrontierStore) Complete(ctx context.Context, id int64, done crawler.Completion) error {
	tag, err := s.db.Exec(ctx, `
UPDATE frontier_candidates
SET status = 'done', last_tried_at = $2, claimed_at = NULL,
    etag = COALESCE(NULLIF($3, ''), etag),
    last_modified = COALESCE(NULLIF($4, ''), last_modified)
WHERE id = $1 AND status = 'in_progress'`, id, done.At, done.ETag, done.LastModified)
	if err != nil {
		return fmt.Errorf("complete candidate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete candidate %d: %w", id, crawler.ErrInvalidTransition)
	}
	return nil
}

// Fail marks an in_progress row failed, or returns it to pending when retry is set.
func (s *FrontierStore) Fail(ctx context.Context, id int64, reason string, retry bool, at time.Time) error {
	query := `
UPDATE frontier_candidates
SET status = 'failed', fail_reason = $2, last_tried_at = $3, claimed_at = NULL
WHERE id = $1 AND status = 'in_progress'`
	if retry {
		query = `
UPDATE frontier_candidates
SET status = 'pending', fail_reason = $2, last_tried_at = $3, claimed_at = NULL,
    retry_count = retry_count + 1
WHERE id = $1 AND status = 'in_progress'`
	}
	tag, err := s.db.Exec(ctx, query, id, reason, at)
	if err != nil {
		return fmt.Errorf("fail candidate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail candidate %d: %w", id, crawler.ErrInvalidTransition)
	}
	return nil
}

// RecordDequeue appends one dequeue to the persisted history.
func (s *FrontierStore) RecordDequeue(ctx context.Context, rec crawler.DequeueRecord) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO dequeue_history (
	scope, run_id, seq, candidate_id, host, canonical, angle, viewpoint, is_wiki, dequeued_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (scope, run_id, seq) DO NOTHING`,
		string(rec.Scope), rec.RunID, rec.Seq, rec.CandidateID, rec.Host, rec.Canonical,
		rec.Angle, rec.Viewpoint, rec.IsWiki, rec.DequeuedAt,
	)
	if err != nil {
		return fmt.Errorf("record dequeue: %w", err)
	}
	return nil
}

const historyColumns = `scope, run_id, seq, candidate_id, host, canonical, angle, viewpoint, is_wiki, dequeued_at`

func (s *FrontierStore) queryHistory(ctx context.Context, query string, args ...any) ([]crawler.DequeueRecord, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dequeue history: %w", err)
	}
	defer rows.Close()
	var out []crawler.DequeueRecord
	for rows.Next() {
		var (
			rec   crawler.DequeueRecord
			scope string
		)
		if err := rows.Scan(&scope, &rec.RunID, &rec.Seq, &rec.CandidateID, &rec.Host, &rec.Canonical,
			&rec.Angle, &rec.Viewpoint, &rec.IsWiki, &rec.DequeuedAt); err != nil {
			return nil, fmt.Errorf("scan dequeue record: %w", err)
		}
		rec.Scope = crawler.ScopeID(scope)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dequeue history: %w", err)
	}
	return out, nil
}

// DequeueHistory returns one run's dequeues in sequence order.
func (s *FrontierStore) DequeueHistory(
	ctx context.Context,
	scope crawler.ScopeID,
	runID string,
) ([]crawler.DequeueRecord, error) {
	return s.queryHistory(ctx, `SELECT `+historyColumns+`
FROM dequeue_history WHERE scope = $1 AND run_id = $2 ORDER BY seq`, string(scope), runID)
}

// RecentDequeues returns dequeues in scope since the cutoff, across runs.
func (s *FrontierStore) RecentDequeues(
	ctx context.Context,
	scope crawler.ScopeID,
	since time.Time,
) ([]crawler.DequeueRecord, error) {
	return s.queryHistory(ctx, `SELECT `+historyColumns+`
FROM dequeue_history WHERE scope = $1 AND dequeued_at >= $2 ORDER BY dequeued_at`, string(scope), since)
}

// DistinctHosts counts distinct non-Wikipedia hosts among live candidates.
func (s *FrontierStore) DistinctHosts(ctx context.Context, scope crawler.ScopeID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
SELECT COUNT(DISTINCT regexp_replace(host, '^www\.', ''))
FROM (
  SELECT lower(btrim(domain)) AS host
  FROM frontier_candidates
  WHERE scope = $1 AND status IN ('pending', 'in_progress')
) live
WHERE host <> 'wikipedia.org' AND host NOT LIKE '%.wikipedia.org'`, string(scope)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count distinct hosts: %w", err)
	}
	return n, nil
}

// ReleaseStale returns in_progress rows claimed before the cutoff to pending.
func (s *FrontierStore) ReleaseStale(ctx context.Context, scope crawler.ScopeID, claimedBefore time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE frontier_candidates
SET status = 'pending', claimed_at = NULL, fail_reason = 'watchdog_released'
WHERE scope = $1 AND status = 'in_progress' AND (claimed_at IS NULL OR claimed_at <= $2)`,
		string(scope), claimedBefore)
	if err != nil {
		return 0, fmt.Errorf("release stale candidates: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Counts returns row counts per status.
func (s *FrontierStore) Counts(ctx context.Context, scope crawler.ScopeID) (map[crawler.CandidateStatus]int, error) {
	rows, err := s.db.Query(ctx, `
SELECT status, COUNT(*) FROM frontier_candidates WHERE scope = $1 GROUP BY status`, string(scope))
	if err != nil {
		return nil, fmt.Errorf("count candidates: %w", err)
	}
	defer rows.Close()
	out := make(map[crawler.CandidateStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[crawler.CandidateStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return out, nil
}
