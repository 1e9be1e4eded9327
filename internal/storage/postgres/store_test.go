package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

var testNow = time.Unix(1700000000, 0).UTC()

func TestSeenStoreRecordIfNew(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSeenStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("INSERT INTO seen_urls").
		WithArgs("climate", "hash-1", "https://example.com/", testNow).
		WillReturnRows(pgxmock.NewRows([]string{"times_seen", "inserted"}).AddRow(1, true))
	mock.ExpectQuery("INSERT INTO seen_urls").
		WithArgs("climate", "hash-1", "https://example.com/", testNow).
		WillReturnRows(pgxmock.NewRows([]string{"times_seen", "inserted"}).AddRow(2, false))

	first, err := store.RecordIfNew(context.Background(), "climate", "hash-1", "https://example.com/", testNow)
	require.NoError(t, err)
	require.Equal(t, crawler.SeenResult{IsNew: true, TimesSeen: 1}, first)

	second, err := store.RecordIfNew(context.Background(), "climate", "hash-1", "https://example.com/", testNow)
	require.NoError(t, err)
	require.Equal(t, crawler.SeenResult{IsNew: false, TimesSeen: 2}, second)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeenStoreSeen(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSeenStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("climate", "hash-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("climate", "hash-2").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	ok, err := store.Seen(context.Background(), "climate", "hash-1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.Seen(context.Background(), "climate", "hash-2")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewStoresRequireDB(t *testing.T) {
	t.Parallel()

	_, err := NewSeenStore(nil)
	require.Error(t, err)
	_, err = NewFrontierStore(nil)
	require.Error(t, err)
	_, err = NewWikiStore(nil)
	require.Error(t, err)
	_, err = NewContentStore(nil)
	require.Error(t, err)
}

func TestFrontierStoreEnqueue(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewFrontierStore(mock)
	require.NoError(t, err)

	c := crawler.FrontierCandidate{
		Scope:         "climate",
		URL:           "https://apnews.com/hub/climate",
		NormalizedURL: "https://apnews.com/hub/climate",
		Domain:        "apnews.com",
		Priority:      140,
		FirstSeenAt:   testNow,
		Origin:        crawler.OriginSeed,
	}

	mock.ExpectQuery("INSERT INTO frontier_candidates").
		WithArgs("climate", c.URL, c.NormalizedURL, c.Domain, 0, "", 100, testNow, "", "", "", "seed").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectQuery("INSERT INTO frontier_candidates").
		WithArgs("climate", c.URL, c.NormalizedURL, c.Domain, 0, "", 100, testNow, "", "", "", "seed").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("FROM frontier_candidates WHERE scope = \\$1 AND normalized_url").
		WithArgs("climate", c.NormalizedURL).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "scope", "url", "normalized_url", "domain", "depth", "parent_url", "status", "fail_reason",
			"retry_count", "priority", "first_seen_at", "last_tried_at", "claimed_at", "angle", "viewpoint",
			"category", "origin", "etag", "last_modified",
		}).AddRow(int64(7), "climate", c.URL, c.NormalizedURL, c.Domain, 0, "", "in_progress", "",
			1, 100, testNow, nil, nil, "", "", "", "seed", "", ""))

	got, inserted, err := store.Enqueue(context.Background(), c)
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, int64(7), got.ID)
	require.Equal(t, 100, got.Priority)
	require.Equal(t, crawler.CandidatePending, got.Status)

	existing, inserted, err := store.Enqueue(context.Background(), c)
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, int64(7), existing.ID)
	require.Equal(t, crawler.CandidateInProgress, existing.Status)
	require.Equal(t, 1, existing.RetryCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFrontierStoreDistinctHostsNormalizesDomains(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewFrontierStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery(`(?s)regexp_replace\(host, .*lower\(btrim\(domain\)\).*host NOT LIKE '%\.wikipedia\.org'`).
		WithArgs("climate").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	n, err := store.DistinctHosts(context.Background(), "climate")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFrontierStoreClaimIsConditional(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewFrontierStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE frontier_candidates").
		WithArgs(int64(3), testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE frontier_candidates").
		WithArgs(int64(3), testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := store.Claim(context.Background(), 3, testNow)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Claim(context.Background(), 3, testNow)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFrontierStoreFailRejectsWrongState(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewFrontierStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("retry_count = retry_count \\+ 1").
		WithArgs(int64(4), "timeout", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("SET status = 'failed'").
		WithArgs(int64(4), "http_404", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.Fail(context.Background(), 4, "timeout", true, testNow))
	err = store.Fail(context.Background(), 4, "http_404", false, testNow)
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFrontierStoreReleaseStale(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewFrontierStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("watchdog_released").
		WithArgs("climate", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := store.ReleaseStale(context.Background(), "climate", testNow)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWikiStoreSetVerificationSkipsIllegalMove(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWikiStore(mock)
	require.NoError(t, err)

	// pending_wiki never moves, so no statement is issued.
	ok, err := store.SetVerification(context.Background(), 1,
		crawler.VerificationPendingWiki, crawler.VerificationVerifying, testNow)
	require.NoError(t, err)
	require.False(t, ok)

	mock.ExpectExec("UPDATE wiki_citations SET verification_status").
		WithArgs(int64(1), "pending", "verifying", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err = store.SetVerification(context.Background(), 1,
		crawler.VerificationPending, crawler.VerificationVerifying, testNow)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWikiStoreInsertCitationsCountsNewRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWikiStore(mock)
	require.NoError(t, err)

	score := 80
	citations := []crawler.WikiCitation{
		{Scope: "climate", MonitoringID: 9, SourceNumber: 1, CitationURL: "https://a.org/x", AIPriorityScore: &score},
		{Scope: "climate", MonitoringID: 9, SourceNumber: 2, CitationURL: "https://b.org/y", AIPriorityScore: &score},
	}
	mock.ExpectExec("INSERT INTO wiki_citations").
		WithArgs("climate", int64(9), 1, "https://a.org/x", "", "", &score, "pending").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO wiki_citations").
		WithArgs("climate", int64(9), 2, "https://b.org/y", "", "", &score, "pending").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	n, err := store.InsertCitations(context.Background(), citations)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWikiStoreNextCitationNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWikiStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("FROM wiki_citations").
		WithArgs("climate").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.NextCitation(context.Background(), "climate")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContentStoreSaveReturnsExistingOnConflict(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewContentStore(mock)
	require.NoError(t, err)

	rec := crawler.ContentRecord{
		ID:          "new-id",
		Scope:       "climate",
		SourceURL:   "https://example.org/story",
		SourceKind:  crawler.SourceCandidate,
		SourceRef:   5,
		Title:       "Story",
		ContentHash: "h1",
		Score:       72,
		ScoreReason: "on topic",
		AcceptedAt:  testNow,
	}
	mock.ExpectQuery("INSERT INTO content_items").
		WithArgs(rec.ID, "climate", rec.SourceURL, "candidate", rec.SourceRef, rec.Title, rec.ContentHash,
			rec.Score, rec.ScoreReason, false, "", "", testNow).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("FROM content_items WHERE scope").
		WithArgs("climate", "h1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "scope", "source_url", "source_kind", "source_ref", "title", "content_hash", "score",
			"score_reason", "default_scored", "language", "blob_uri", "accepted_at", "feed_status",
			"feed_message_id",
		}).AddRow("old-id", "climate", rec.SourceURL, "candidate", int64(5), "Story", "h1", 72,
			"on topic", false, "en", "", testNow, "enqueued", "msg-1"))

	got, created, err := store.Save(context.Background(), rec)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "old-id", got.ID)
	require.Equal(t, crawler.FeedEnqueued, got.FeedStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContentStoreMarkEnqueuedMissingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewContentStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE content_items").
		WithArgs("missing", "msg").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.MarkEnqueued(context.Background(), "missing", "msg")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
