package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
	"github.com/JakeFAU/discovery-crawler/internal/diversity"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

type staticWindow struct {
	stats diversity.Stats
}

func (w staticWindow) WindowStats() diversity.Stats { return w.stats }

func TestRecorderSnapshot(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := &stepClock{now: start}
	r := NewRecorder("climate", clock)
	r.AttachWindow(staticWindow{stats: diversity.Stats{
		Dequeued:                  9,
		DistinctHostsFirst20:      6,
		DistinctAnglesFirst12:     4,
		DistinctViewpointsFirst12: 3,
		WikipediaShareRolling30s:  0.25,
	}})

	r.RecordDecision(crawler.ReasonOK, "apnews.com")
	r.RecordDecision(crawler.ReasonHostThrottle, "www.apnews.com")
	r.RecordDecision(crawler.ReasonHostCap, "apnews.com")
	r.RecordDecision(crawler.ReasonWikiLowDiversity, "en.wikipedia.org")
	r.RecordRejection("too_short")
	r.RecordFailure()
	r.RecordCandidateFailure("transient_fetch")
	r.RecordDefaultScored("candidate")
	r.RecordReseed(diversity.ReasonFrontierStarved, 4)

	clock.now = start.Add(42 * time.Second)
	r.RecordAccepted(crawler.SourceCitation)
	clock.now = start.Add(90 * time.Second)
	r.RecordAccepted(crawler.SourceCandidate)

	snap := r.Snapshot()
	require.Equal(t, crawler.ScopeID("climate"), snap.Scope)
	require.Equal(t, 6, snap.DistinctHostsFirst20)
	require.InDelta(t, 0.25, snap.WikipediaShareRolling30s, 0.0001)
	require.Equal(t, map[string]int{
		"host_throttle":      1,
		"host_cap":           1,
		"wiki_low_diversity": 1,
		"too_short":          1,
		"transient_fetch":    1,
	}, snap.WhyRejectedCounts)
	require.Equal(t, map[string]int{"apnews.com": 2}, snap.ThrottleCounters)
	require.Equal(t, 2, snap.Failures)
	require.Equal(t, 1, snap.DefaultScored)
	require.Equal(t, map[string]int{"frontier_starved": 1}, snap.Reseeds)
	require.Equal(t, 2, snap.Accepted)
	require.Equal(t, 9, snap.Dequeued)
	require.NotNil(t, snap.TTFS)
	require.Equal(t, 42*time.Second, *snap.TTFS)
}

func TestRecorderSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	r := NewRecorder("climate", nil)
	r.RecordRejection("too_short")
	snap := r.Snapshot()
	snap.WhyRejectedCounts["too_short"] = 99
	require.Equal(t, 1, r.Snapshot().WhyRejectedCounts["too_short"])
	require.Nil(t, snap.TTFS)
}

func TestRecorderEmitLogsSnapshot(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	r := NewRecorder("climate", nil)
	r.RecordFailure()
	r.Emit(zap.New(core))

	entries := logs.FilterMessage("telemetry snapshot").All()
	require.Len(t, entries, 1)
	require.Equal(t, int64(1), entries[0].ContextMap()["failures"])
}
