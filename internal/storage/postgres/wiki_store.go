package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

// WikiStore persists monitored Wikipedia pages and their citations.
type WikiStore struct {
	db DB
}

// NewWikiStore wraps db.
func NewWikiStore(db DB) (*WikiStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &WikiStore{db: db}, nil
}

const pageColumns = `id, scope, page_url, page_title, search_term, status, content_scanned,
citations_extracted, citation_count, priority, last_scanned_at, last_extracted_at, scan_started_at,
error_message, error_count`

func scanPage(row rowScanner) (crawler.WikiPage, error) {
	var (
		p      crawler.WikiPage
		scope  string
		status string
	)
	err := row.Scan(&p.ID, &scope, &p.PageURL, &p.PageTitle, &p.SearchTerm, &status, &p.ContentScanned,
		&p.CitationsExtracted, &p.CitationCount, &p.Priority, &p.LastScannedAt, &p.LastExtractedAt,
		&p.ScanStartedAt, &p.ErrorMessage, &p.ErrorCount)
	if err != nil {
		return crawler.WikiPage{}, err
	}
	p.Scope = crawler.ScopeID(scope)
	p.Status = crawler.PageStatus(status)
	return p, nil
}

// UpsertPage inserts a page, or raises the stored priority when it already exists.
// The bool is true only for a fresh insert.
func (s *WikiStore) UpsertPage(ctx context.Context, p crawler.WikiPage) (crawler.WikiPage, bool, error) {
	if p.PageURL == "" {
		return crawler.WikiPage{}, false, fmt.Errorf("page url is required")
	}
	query := `
INSERT INTO wiki_pages (scope, page_url, page_title, search_term, status, priority)
VALUES ($1, $2, $3, $4, 'pending', $5)
ON CONFLICT (scope, page_url) DO UPDATE
SET priority = GREATEST(wiki_pages.priority, EXCLUDED.priority)
RETURNING ` + pageColumns + `, (xmax = 0) AS inserted`
	var (
		out      crawler.WikiPage
		scope    string
		status   string
		inserted bool
	)
	err := s.db.QueryRow(ctx, query,
		string(p.Scope), p.PageURL, p.PageTitle, p.SearchTerm, crawler.ClampPriority(p.Priority),
	).Scan(&out.ID, &scope, &out.PageURL, &out.PageTitle, &out.SearchTerm, &status, &out.ContentScanned,
		&out.CitationsExtracted, &out.CitationCount, &out.Priority, &out.LastScannedAt, &out.LastExtractedAt,
		&out.ScanStartedAt, &out.ErrorMessage, &out.ErrorCount, &inserted)
	if err != nil {
		return crawler.WikiPage{}, false, fmt.Errorf("upsert wiki page: %w", err)
	}
	out.Scope = crawler.ScopeID(scope)
	out.Status = crawler.PageStatus(status)
	return out, inserted, nil
}

// NextPage returns the best pending or error page under the error ceiling.
func (s *WikiStore) NextPage(ctx context.Context, scope crawler.ScopeID, maxErrors int) (crawler.WikiPage, error) {
	query := `SELECT ` + pageColumns + `
FROM wiki_pages
WHERE scope = $1 AND status IN ('pending', 'error') AND ($2 <= 0 OR error_count < $2)
ORDER BY priority DESC, id ASC
LIMIT 1`
	p, err := scanPage(s.db.QueryRow(ctx, query, string(scope), maxErrors))
	if err != nil {
		return crawler.WikiPage{}, fmt.Errorf("next wiki page: %w", notFound(err))
	}
	return p, nil
}

// StartPageScan moves a pending or error page to scanning.
func (s *WikiStore) StartPageScan(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE wiki_pages SET status = 'scanning', scan_started_at = $2
WHERE id = $1 AND status IN ('pending', 'error')`, id, at)
	if err != nil {
		return false, fmt.Errorf("start page scan: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompletePage records a successful scan and resets the error streak.
func (s *WikiStore) CompletePage(ctx context.Context, id int64, citationCount int, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE wiki_pages
SET status = 'completed', content_scanned = TRUE, citations_extracted = TRUE,
    citation_count = $2, last_scanned_at = $3, last_extracted_at = $3,
    scan_started_at = NULL, error_message = '', error_count = 0
WHERE id = $1 AND status = 'scanning'`, id, citationCount, at)
	if err != nil {
		return fmt.Errorf("complete page: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete page %d: %w", id, crawler.ErrInvalidTransition)
	}
	return nil
}

// FailPage records a failed scan.
func (s *WikiStore) FailPage(ctx context.Context, id int64, msg string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE wiki_pages
SET status = 'error', error_message = $2, error_count = error_count + 1,
    last_scanned_at = $3, scan_started_at = NULL
WHERE id = $1 AND status = 'scanning'`, id, msg, at)
	if err != nil {
		return fmt.Errorf("fail page: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail page %d: %w", id, crawler.ErrInvalidTransition)
	}
	return nil
}

// ReleaseStalePages turns scans started before the cutoff into retryable errors.
func (s *WikiStore) ReleaseStalePages(ctx context.Context, scope crawler.ScopeID, startedBefore time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE wiki_pages
SET status = 'error', error_message = 'scan abandoned', scan_started_at = NULL
WHERE scope = $1 AND status = 'scanning' AND (scan_started_at IS NULL OR scan_started_at <= $2)`,
		string(scope), startedBefore)
	if err != nil {
		return 0, fmt.Errorf("release stale pages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const citationColumns = `id, scope, monitoring_id, source_number, citation_url, citation_title,
citation_context, ai_priority_score, verification_status, scan_status, relevance_decision,
saved_content_id, saved_memory_id, last_verified_at, last_scanned_at, scan_started_at,
default_scored, rescore_attempts, needs_review, deny_reason`

func scanCitation(row rowScanner) (crawler.WikiCitation, error) {
	var (
		c            crawler.WikiCitation
		scope        string
		verification string
		scan         string
		decision     *string
		savedContent *string
		savedMemory  *string
	)
	err := row.Scan(&c.ID, &scope, &c.MonitoringID, &c.SourceNumber, &c.CitationURL, &c.CitationTitle,
		&c.CitationContext, &c.AIPriorityScore, &verification, &scan, &decision,
		&savedContent, &savedMemory, &c.LastVerifiedAt, &c.LastScannedAt, &c.ScanStartedAt,
		&c.DefaultScored, &c.RescoreAttempts, &c.NeedsReview, &c.DenyReason)
	if err != nil {
		return crawler.WikiCitation{}, err
	}
	c.Scope = crawler.ScopeID(scope)
	c.VerificationStatus = crawler.VerificationStatus(verification)
	c.ScanStatus = crawler.ScanStatus(scan)
	if decision != nil {
		c.RelevanceDecision = crawler.RelevanceDecision(*decision)
	}
	if savedContent != nil {
		c.SavedContentID = *savedContent
	}
	if savedMemory != nil {
		c.SavedMemoryID = *savedMemory
	}
	return c, nil
}

func (s *WikiStore) queryCitations(ctx context.Context, query string, args ...any) ([]crawler.WikiCitation, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query citations: %w", err)
	}
	defer rows.Close()
	var out []crawler.WikiCitation
	for rows.Next() {
		c, err := scanCitation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan citation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate citations: %w", err)
	}
	return out, nil
}

const insertCitationSQL = `
INSERT INTO wiki_citations (
	scope, monitoring_id, source_number, citation_url, citation_title, citation_context,
	ai_priority_score, verification_status, scan_status
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'not_scanned')
ON CONFLICT (monitoring_id, source_number) DO NOTHING`

// InsertCitations stores citations, skipping (monitoring_id, source_number) duplicates.
func (s *WikiStore) InsertCitations(ctx context.Context, citations []crawler.WikiCitation) (int, error) {
	inserted := 0
	for _, c := range citations {
		verification := c.VerificationStatus
		if verification == "" {
			verification = crawler.VerificationPending
		}
		tag, err := s.db.Exec(ctx, insertCitationSQL,
			string(c.Scope), c.MonitoringID, c.SourceNumber, c.CitationURL, c.CitationTitle,
			c.CitationContext, c.AIPriorityScore, string(verification),
		)
		if err != nil {
			return inserted, fmt.Errorf("insert citation %d/%d: %w", c.MonitoringID, c.SourceNumber, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// NextCitation returns the top-priority processable citation; unscored rows sort last.
func (s *WikiStore) NextCitation(ctx context.Context, scope crawler.ScopeID) (crawler.WikiCitation, error) {
	query := `SELECT ` + citationColumns + `
FROM wiki_citations
WHERE scope = $1 AND scan_status = 'not_scanned' AND verification_status IN ('pending', 'verified')
ORDER BY ai_priority_score DESC NULLS LAST, id ASC
LIMIT 1`
	c, err := scanCitation(s.db.QueryRow(ctx, query, string(scope)))
	if err != nil {
		return crawler.WikiCitation{}, fmt.Errorf("next citation: %w", notFound(err))
	}
	return c, nil
}

// StartCitationScan moves not_scanned to scanning.
func (s *WikiStore) StartCitationScan(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE wiki_citations SET scan_status = 'scanning', scan_started_at = $2
WHERE id = $1 AND scan_status = 'not_scanned' AND verification_status IN ('pending', 'verified')`, id, at)
	if err != nil {
		return false, fmt.Errorf("start citation scan: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetVerification moves verification_status from -> to when the row still holds from.
func (s *WikiStore) SetVerification(
	ctx context.Context,
	id int64,
	from, to crawler.VerificationStatus,
	at time.Time,
) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, nil
	}
	tag, err := s.db.Exec(ctx, `
UPDATE wiki_citations SET verification_status = $3, last_verified_at = $4
WHERE id = $1 AND verification_status = $2`, id, string(from), string(to), at)
	if err != nil {
		return false, fmt.Errorf("set verification: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// outcomeSet is shared by FinishCitationScan and ResolveDeferred. The decision
// column is only written while NULL, which keeps decisions final.
const outcomeSet = `
    verification_status = CASE
        WHEN $2 = 'failed' AND verification_status IN ('pending', 'verifying', 'verified') THEN 'failed'
        WHEN $2 = 'verified' AND verification_status = 'verifying' THEN 'verified'
        ELSE verification_status END,
    relevance_decision = COALESCE(relevance_decision, $3),
    saved_content_id = COALESCE($4, saved_content_id),
    default_scored = $5,
    needs_review = $6,
    rescore_attempts = $7,
    deny_reason = $8`

func outcomeArgs(id int64, out crawler.CitationOutcome) []any {
	return []any{
		id, string(out.Verification), nullString(string(out.Decision)), nullString(out.SavedContentID),
		out.DefaultScored, out.NeedsReview, out.RescoreAttempts, out.DenyReason,
	}
}

// FinishCitationScan moves scanning to scanned and records the outcome.
func (s *WikiStore) FinishCitationScan(ctx context.Context, id int64, out crawler.CitationOutcome) (bool, error) {
	query := `
UPDATE wiki_citations
SET scan_status = 'scanned', scan_started_at = NULL, last_scanned_at = $9,` + outcomeSet + `
WHERE id = $1 AND scan_status = 'scanning'`
	args := append(outcomeArgs(id, out), out.At)
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("finish citation scan: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListDeferred returns scanned, undecided, default-scored citations due a rescore.
func (s *WikiStore) ListDeferred(
	ctx context.Context,
	scope crawler.ScopeID,
	maxAttempts, limit int,
) ([]crawler.WikiCitation, error) {
	return s.queryCitations(ctx, `SELECT `+citationColumns+`
FROM wiki_citations
WHERE scope = $1 AND scan_status = 'scanned' AND relevance_decision IS NULL
  AND default_scored AND NOT needs_review AND ($2 <= 0 OR rescore_attempts < $2)
ORDER BY id
LIMIT $3`, string(scope), maxAttempts, limit)
}

// ResolveDeferred records a rescore result on a still-undecided citation.
func (s *WikiStore) ResolveDeferred(ctx context.Context, id int64, out crawler.CitationOutcome) (bool, error) {
	query := `
UPDATE wiki_citations
SET` + outcomeSet + `
WHERE id = $1 AND scan_status = 'scanned' AND relevance_decision IS NULL`
	tag, err := s.db.Exec(ctx, query, outcomeArgs(id, out)...)
	if err != nil {
		return false, fmt.Errorf("resolve deferred citation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AbandonStaleCitations finishes scans started before the cutoff and flags them for review.
func (s *WikiStore) AbandonStaleCitations(
	ctx context.Context,
	scope crawler.ScopeID,
	startedBefore time.Time,
) (int, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE wiki_citations
SET scan_status = 'scanned', scan_started_at = NULL, needs_review = TRUE, deny_reason = 'scan_abandoned'
WHERE scope = $1 AND scan_status = 'scanning' AND (scan_started_at IS NULL OR scan_started_at <= $2)`,
		string(scope), startedBefore)
	if err != nil {
		return 0, fmt.Errorf("abandon stale citations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListCitations returns a page's citations in source order.
func (s *WikiStore) ListCitations(ctx context.Context, monitoringID int64) ([]crawler.WikiCitation, error) {
	return s.queryCitations(ctx, `SELECT `+citationColumns+`
FROM wiki_citations WHERE monitoring_id = $1 ORDER BY source_number`, monitoringID)
}
