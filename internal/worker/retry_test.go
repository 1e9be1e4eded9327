package worker

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

func transient(msg string) step {
	return step{err: fmt.Errorf("%s: %w", msg, crawler.ErrTransientFetch)}
}

func TestWorkerRetriesTransientFetches(t *testing.T) {
	t.Parallel()
	f := newFixture(t, transient("reset"), transient("timeout"), ok(articleBody))
	c := f.claimed(t, crawler.FrontierCandidate{})

	res, err := f.worker().Process(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, res.Outcome)
	require.Equal(t, 3, f.probe.calls())
}

func TestWorkerRetriesServerErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, step{resp: crawler.FetchResponse{StatusCode: http.StatusServiceUnavailable}}, ok(articleBody))
	c := f.claimed(t, crawler.FrontierCandidate{})

	res, err := f.worker().Process(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, res.Outcome)
	require.Equal(t, 2, f.probe.calls())
}

func TestWorkerRetryExhaustedReturnsRowToPending(t *testing.T) {
	t.Parallel()
	f := newFixture(t, transient("reset"))
	c := f.claimed(t, crawler.FrontierCandidate{})

	res, err := f.worker().Process(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, Result{Outcome: OutcomeRetried, Reason: ReasonTransientFetch, Failure: true}, res)
	require.Equal(t, 3, f.probe.calls())

	row := f.row(t, c.ID)
	require.Equal(t, crawler.CandidatePending, row.Status)
	require.Equal(t, 1, row.RetryCount)
}

func TestWorkerCanceledBackoffStops(t *testing.T) {
	t.Parallel()
	f := newFixture(t, transient("reset"))
	c := f.claimed(t, crawler.FrontierCandidate{})

	ctx, cancel := context.WithCancel(context.Background())
	w := f.worker()
	w.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	res, err := w.Process(ctx, c)
	require.NoError(t, err, "bookkeeping still succeeds after cancellation")
	require.Equal(t, OutcomeRetried, res.Outcome)
	require.Equal(t, 1, f.probe.calls())
}
