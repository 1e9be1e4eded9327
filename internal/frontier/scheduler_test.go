package frontier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
	"github.com/JakeFAU/discovery-crawler/internal/diversity"
	"github.com/JakeFAU/discovery-crawler/internal/storage/memory"
	"github.com/JakeFAU/discovery-crawler/internal/telemetry"
)

const scope crawler.ScopeID = "climate"

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type denyHosts map[string]bool

func (d denyHosts) Allow(host string) bool { return !d[host] }

type fakeTracker struct {
	observed []diversity.Stats
	starved  int
}

func (f *fakeTracker) Observe(_ context.Context, stats diversity.Stats) {
	f.observed = append(f.observed, stats)
}

func (f *fakeTracker) OnStarved(context.Context, diversity.Stats) { f.starved++ }

func enqueue(t *testing.T, store *memory.FrontierStore, rawURL string, priority int, seen time.Time) crawler.FrontierCandidate {
	t.Helper()
	normalized, err := crawler.NormalizeURL(rawURL)
	require.NoError(t, err)
	c, inserted, err := store.Enqueue(context.Background(), crawler.FrontierCandidate{
		Scope:         scope,
		URL:           rawURL,
		NormalizedURL: normalized,
		Domain:        crawler.HostOf(rawURL),
		Priority:      priority,
		FirstSeenAt:   seen,
		Origin:        crawler.OriginSeed,
	})
	require.NoError(t, err)
	require.True(t, inserted)
	return c
}

func newScheduler(
	cfg Config,
	store *memory.FrontierStore,
	limiter Throttler,
	tracker DiversityObserver,
	clock *fakeClock,
) (*Scheduler, *telemetry.Recorder) {
	cfg.Scope = scope
	rec := telemetry.NewRecorder(scope, clock)
	return NewScheduler(cfg, store, limiter, tracker, rec, clock, nil), rec
}

func TestDequeuePriorityThenFIFO(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: t0}
	store := memory.NewFrontierStore()
	late := enqueue(t, store, "https://a.com/news/late", 50, t0.Add(time.Second))
	early := enqueue(t, store, "https://b.com/news/early", 50, t0)
	top := enqueue(t, store, "https://c.com/news/top", 90, t0.Add(2*time.Second))

	s, _ := newScheduler(Config{}, store, nil, nil, clock)
	var got []int64
	for range 3 {
		c, ok, err := s.DequeueNext(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, crawler.CandidateInProgress, c.Status)
		got = append(got, c.ID)
	}
	require.Equal(t, []int64{top.ID, early.ID, late.ID}, got)
}

func TestDequeueSkipsThrottledHostWithoutBlocking(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: t0}
	store := memory.NewFrontierStore()
	enqueue(t, store, "https://busy.com/a/b", 90, t0)
	other := enqueue(t, store, "https://quiet.com/a/b", 10, t0)

	tracker := &fakeTracker{}
	s, rec := newScheduler(Config{}, store, denyHosts{"busy.com": true}, tracker, clock)
	c, ok, err := s.DequeueNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, other.ID, c.ID)

	snap := rec.Snapshot()
	require.Equal(t, 1, snap.WhyRejectedCounts[string(crawler.ReasonHostThrottle)])
	require.Equal(t, 1, snap.ThrottleCounters["busy.com"])

	// Only the throttled host is left: not starved, just backpressure.
	_, ok, err = s.DequeueNext(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, tracker.starved)
}

func TestDequeueEnforcesHostCap(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: t0}
	store := memory.NewFrontierStore()
	enqueue(t, store, "https://a.com/x/1", 90, t0)
	enqueue(t, store, "https://www.a.com/x/2", 80, t0)
	b := enqueue(t, store, "https://b.com/x/1", 10, t0)

	s, rec := newScheduler(Config{HostCap: 1}, store, nil, nil, clock)
	_, ok, err := s.DequeueNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	c, ok, err := s.DequeueNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, b.ID, c.ID)
	require.Equal(t, 1, rec.Snapshot().WhyRejectedCounts[string(crawler.ReasonHostCap)])
}

func TestDequeueCanonicalCooldown(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: t0}
	store := memory.NewFrontierStore()
	first := enqueue(t, store, "https://www.a.com/story/one/", 90, t0)
	dup := enqueue(t, store, "https://a.com/story/one?utm_source=x", 80, t0)

	tracker := &fakeTracker{}
	s, rec := newScheduler(Config{CanonicalCooldown: time.Minute}, store, nil, tracker, clock)
	c, ok, err := s.DequeueNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first.ID, c.ID)

	_, ok, err = s.DequeueNext(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, rec.Snapshot().WhyRejectedCounts[string(crawler.ReasonCanonicalCooldown)])
	require.Equal(t, 1, tracker.starved)

	clock.Advance(2 * time.Minute)
	c, ok, err = s.DequeueNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, dup.ID, c.ID)
}

func TestDequeueWikiLowDiversity(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: t0}
	store := memory.NewFrontierStore()
	enqueue(t, store, "https://en.wikipedia.org/wiki/Climate_change", 100, t0)
	a := enqueue(t, store, "https://a.com/x/1", 10, t0)
	enqueue(t, store, "https://b.com/x/1", 5, t0)

	tracker := &fakeTracker{}
	s, rec := newScheduler(Config{}, store, nil, tracker, clock)
	c, ok, err := s.DequeueNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a.ID, c.ID)
	require.Equal(t, 1, rec.Snapshot().WhyRejectedCounts[string(crawler.ReasonWikiLowDiversity)])
}

func TestDequeueWikiAllowedWithEnoughHosts(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: t0}
	store := memory.NewFrontierStore()
	wiki := enqueue(t, store, "https://en.wikipedia.org/wiki/Climate_change", 100, t0)
	enqueue(t, store, "https://a.com/x/1", 10, t0)
	enqueue(t, store, "https://b.com/x/1", 10, t0)
	enqueue(t, store, "https://c.com/x/1", 10, t0)

	s, _ := newScheduler(Config{}, store, nil, nil, clock)
	c, ok, err := s.DequeueNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, wiki.ID, c.ID)
}

func TestDequeueWikiShareGuardDownWeights(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: t0}
	store := memory.NewFrontierStore()
	enqueue(t, store, "https://en.wikipedia.org/wiki/A", 100, t0)
	enqueue(t, store, "https://a.com/x/1", 10, t0)
	enqueue(t, store, "https://b.com/x/1", 10, t0)
	enqueue(t, store, "https://c.com/x/1", 10, t0)

	s, rec := newScheduler(Config{WikiSharePenalty: 95}, store, nil, nil, clock)
	first, ok, err := s.DequeueNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, crawler.IsWikipediaURL(first.URL))

	// 100% of recent dequeues were wiki, so the next wiki page loses to
	// lower-priority external sources.
	enqueue(t, store, "https://en.wikipedia.org/wiki/B", 100, t0)
	clock.Advance(time.Second)
	second, ok, err := s.DequeueNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, crawler.IsWikipediaURL(second.URL))
	require.Equal(t, 1, rec.Snapshot().WhyRejectedCounts[string(crawler.ReasonWikiShareGuard)])
}

func TestDequeueStarvedNotifiesTracker(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}
	s, _ := newScheduler(Config{}, memory.NewFrontierStore(), nil, tracker, &fakeClock{now: t0})
	_, ok, err := s.DequeueNext(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, tracker.starved)
}

func TestDequeueFeedsTrackerAndHistory(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: t0}
	store := memory.NewFrontierStore()
	c := enqueue(t, store, "https://a.com/x/1", 10, t0)
	tracker := &fakeTracker{}
	s, _ := newScheduler(Config{RunID: "run-1"}, store, nil, tracker, clock)

	_, ok, err := s.DequeueNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, tracker.observed, 1)
	require.Equal(t, 1, tracker.observed[0].Dequeued)

	history, err := store.DequeueHistory(context.Background(), scope, "run-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, c.ID, history[0].CandidateID)
	require.Equal(t, 1, history[0].Seq)
	require.Equal(t, "a.com/x/1", history[0].Canonical)
}

func TestRestoreRebuildsWindowAndCounts(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: t0}
	store := memory.NewFrontierStore()
	enqueue(t, store, "https://a.com/x/1", 90, t0)
	enqueue(t, store, "https://b.com/x/1", 80, t0)
	cfg := Config{RunID: "run-1", HostCap: 1, CanonicalCooldown: time.Hour}
	first, _ := newScheduler(cfg, store, nil, nil, clock)
	for range 2 {
		_, ok, err := first.DequeueNext(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
	}
	enqueue(t, store, "https://a.com/x/2", 100, t0)
	c := enqueue(t, store, "https://c.com/x/1", 1, t0)

	resumed, _ := newScheduler(cfg, store, nil, nil, clock)
	stats, err := resumed.Restore(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Dequeued)
	require.Equal(t, 2, stats.DistinctHostsFirst20)

	// a.com already hit its cap before the restart.
	next, ok, err := resumed.DequeueNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, c.ID, next.ID)

	history, err := store.DequeueHistory(context.Background(), scope, "run-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, 3, history[2].Seq)
}

func TestNoteFailureRestartsCooldown(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: t0}
	store := memory.NewFrontierStore()
	c := enqueue(t, store, "https://a.com/x/1", 90, t0)
	s, _ := newScheduler(Config{CanonicalCooldown: time.Minute}, store, nil, nil, clock)

	got, ok, err := s.DequeueNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Fail(context.Background(), got.ID, "timeout", true, clock.Now()))

	clock.Advance(50 * time.Second)
	s.NoteFailure(got)
	clock.Advance(50 * time.Second)
	_, ok, err = s.DequeueNext(context.Background())
	require.NoError(t, err)
	require.False(t, ok)

	clock.Advance(20 * time.Second)
	again, ok, err := s.DequeueNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, c.ID, again.ID)
}
