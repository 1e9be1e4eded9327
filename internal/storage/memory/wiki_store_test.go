package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

func intPtr(v int) *int { return &v }

func TestWikiStoreNextCitationSkipsPendingWiki(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewWikiStore()
	page, created, err := store.UpsertPage(ctx, crawler.WikiPage{Scope: "s", PageURL: "https://en.wikipedia.org/wiki/X", Priority: 50})
	require.NoError(t, err)
	require.True(t, created)

	n, err := store.InsertCitations(ctx, []crawler.WikiCitation{
		{Scope: "s", MonitoringID: page.ID, SourceNumber: 1, CitationURL: "./Internal_Page",
			VerificationStatus: crawler.VerificationPendingWiki, AIPriorityScore: intPtr(100)},
		{Scope: "s", MonitoringID: page.ID, SourceNumber: 2, CitationURL: "https://example.com/x",
			AIPriorityScore: intPtr(40)},
		{Scope: "s", MonitoringID: page.ID, SourceNumber: 2, CitationURL: "https://dup.example.com/"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	next, err := store.NextCitation(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/x", next.CitationURL)

	ok, err := store.StartCitationScan(ctx, next.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	_, err = store.NextCitation(ctx, "s")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestWikiStorePageLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewWikiStore()
	now := time.Now()
	low, _, _ := store.UpsertPage(ctx, crawler.WikiPage{Scope: "s", PageURL: "https://en.wikipedia.org/wiki/A", Priority: 10})
	high, _, _ := store.UpsertPage(ctx, crawler.WikiPage{Scope: "s", PageURL: "https://en.wikipedia.org/wiki/B", Priority: 90})

	next, err := store.NextPage(ctx, "s", 3)
	require.NoError(t, err)
	require.Equal(t, high.ID, next.ID)

	ok, err := store.StartPageScan(ctx, high.ID, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.FailPage(ctx, high.ID, "boom", now))

	next, err = store.NextPage(ctx, "s", 3)
	require.NoError(t, err)
	require.Equal(t, high.ID, next.ID, "error pages stay eligible")

	_, _ = store.StartPageScan(ctx, high.ID, now)
	require.NoError(t, store.CompletePage(ctx, high.ID, 7, now))
	got, _ := store.GetPage(high.ID)
	require.Equal(t, crawler.PageCompleted, got.Status)
	require.Equal(t, 7, got.CitationCount)
	require.Zero(t, got.ErrorCount)

	next, err = store.NextPage(ctx, "s", 3)
	require.NoError(t, err)
	require.Equal(t, low.ID, next.ID)
	require.ErrorIs(t, store.CompletePage(ctx, low.ID, 1, now), crawler.ErrInvalidTransition)
}

func TestWikiStoreDeferredCitations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewWikiStore()
	now := time.Now()
	_, err := store.InsertCitations(ctx, []crawler.WikiCitation{{Scope: "s", MonitoringID: 1, SourceNumber: 1, CitationURL: "https://a.com/"}})
	require.NoError(t, err)
	c, err := store.NextCitation(ctx, "s")
	require.NoError(t, err)
	_, err = store.StartCitationScan(ctx, c.ID, now)
	require.NoError(t, err)
	ok, err := store.FinishCitationScan(ctx, c.ID, crawler.CitationOutcome{DefaultScored: true, At: now})
	require.NoError(t, err)
	require.True(t, ok)

	deferred, err := store.ListDeferred(ctx, "s", 3, 10)
	require.NoError(t, err)
	require.Len(t, deferred, 1)

	ok, err = store.ResolveDeferred(ctx, c.ID, crawler.CitationOutcome{Decision: crawler.DecisionSaved, At: now})
	require.NoError(t, err)
	require.True(t, ok)
	got, _ := store.GetCitation(c.ID)
	require.Equal(t, crawler.DecisionSaved, got.RelevanceDecision)
	require.Equal(t, crawler.ScanScanned, got.ScanStatus)

	ok, err = store.FinishCitationScan(ctx, c.ID, crawler.CitationOutcome{At: now})
	require.NoError(t, err)
	require.False(t, ok, "scanned never moves again")
}
