package seen

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
	"github.com/JakeFAU/discovery-crawler/internal/storage/memory"
)

func TestLedgerRecordIfNewOncePerNormalizedURL(t *testing.T) {
	t.Parallel()

	ledger := NewLedger(memory.NewSeenStore(), nil, nil)
	ctx := context.Background()

	first, err := ledger.RecordIfNew(ctx, "climate", "https://Example.com:443/a?b=2&a=1#frag")
	require.NoError(t, err)
	require.True(t, first.IsNew)
	require.Equal(t, 1, first.TimesSeen)

	prev := first.TimesSeen
	for _, variant := range []string{
		"https://example.com/a?a=1&b=2",
		"HTTPS://EXAMPLE.COM/a?b=2&a=1",
		"https://example.com/a?a=1&b=2#other",
	} {
		res, err := ledger.RecordIfNew(ctx, "climate", variant)
		require.NoError(t, err)
		require.False(t, res.IsNew, variant)
		require.Greater(t, res.TimesSeen, prev)
		prev = res.TimesSeen
	}
}

func TestLedgerScopesAreIndependent(t *testing.T) {
	t.Parallel()

	ledger := NewLedger(memory.NewSeenStore(), nil, nil)
	ctx := context.Background()

	a, err := ledger.RecordIfNew(ctx, "climate", "https://example.com/x")
	require.NoError(t, err)
	b, err := ledger.RecordIfNew(ctx, "energy", "https://example.com/x")
	require.NoError(t, err)
	require.True(t, a.IsNew)
	require.True(t, b.IsNew)
}

func TestLedgerRejectsUnsupportedURL(t *testing.T) {
	t.Parallel()

	ledger := NewLedger(memory.NewSeenStore(), nil, nil)
	_, err := ledger.RecordIfNew(context.Background(), "climate", "mailto:someone@example.com")
	require.Error(t, err)
}

func TestLedgerConcurrentCallersSeeOneNew(t *testing.T) {
	t.Parallel()

	ledger := NewLedger(memory.NewSeenStore(), nil, nil)
	var (
		wg    sync.WaitGroup
		fresh atomic.Int32
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ledger.RecordIfNew(context.Background(), "climate", "https://example.com/race")
			if err == nil && res.IsNew {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), fresh.Load())
}

func TestLedgerAdmitRecordsOnlyAfterStore(t *testing.T) {
	t.Parallel()

	store := memory.NewSeenStore()
	ledger := NewLedger(store, nil, nil)
	ctx := context.Background()
	const url = "https://example.com/report"

	calls := 0
	failing := func(context.Context) (bool, error) {
		calls++
		return false, errors.New("connection reset")
	}
	_, err := ledger.Admit(ctx, "climate", url, failing)
	require.ErrorContains(t, err, "connection reset")
	seen, err := ledger.Seen(ctx, "climate", url)
	require.NoError(t, err)
	require.False(t, seen, "failed store must not mark the url seen")

	ok := func(context.Context) (bool, error) {
		calls++
		return true, nil
	}
	stored, err := ledger.Admit(ctx, "climate", url, ok)
	require.NoError(t, err)
	require.True(t, stored)
	seen, err = ledger.Seen(ctx, "climate", url)
	require.NoError(t, err)
	require.True(t, seen)

	stored, err = ledger.Admit(ctx, "climate", "https://EXAMPLE.com/report#x", ok)
	require.NoError(t, err)
	require.False(t, stored)
	require.Equal(t, 2, calls, "seen urls skip the store")

	row, found := store.Get("climate", crawler.URLHash("https://example.com/report"))
	require.True(t, found)
	require.Equal(t, 2, row.TimesSeen)
}
