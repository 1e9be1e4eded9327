package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/discovery-crawler/internal/acceptance"
	"github.com/JakeFAU/discovery-crawler/internal/crawler"
	feedmemory "github.com/JakeFAU/discovery-crawler/internal/feed/memory"
	"github.com/JakeFAU/discovery-crawler/internal/policy/simple"
	"github.com/JakeFAU/discovery-crawler/internal/seen"
	"github.com/JakeFAU/discovery-crawler/internal/storage/memory"
)

const scope crawler.ScopeID = "heat"

const articleBody = "<html>heat article</html>"

type step struct {
	resp crawler.FetchResponse
	err  error
}

// scriptedFetcher replays steps in order and repeats the last one.
type scriptedFetcher struct {
	mu       sync.Mutex
	steps    []step
	requests []crawler.FetchRequest
}

func (f *scriptedFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.requests)
	f.requests = append(f.requests, req)
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	s := f.steps[idx]
	if s.err == nil && s.resp.URL == "" {
		s.resp.URL = req.URL
	}
	return s.resp, s.err
}

func (f *scriptedFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func ok(body string) step {
	return step{resp: crawler.FetchResponse{
		StatusCode: http.StatusOK,
		Body:       []byte(body),
		Headers:    http.Header{"Etag": {`"abc"`}, "Last-Modified": {"Tue, 04 Mar 2025 10:00:00 GMT"}},
	}}
}

type mapExtractor map[string]crawler.Article

func (m mapExtractor) Extract(body []byte, _ string) (crawler.Article, error) {
	a, found := m[string(body)]
	if !found {
		return crawler.Article{}, crawler.ErrExtraction
	}
	return a, nil
}

type fixedScorer struct {
	score crawler.Score
	err   error
}

func (s fixedScorer) Score(context.Context, string, crawler.TopicContext) (crawler.Score, error) {
	return s.score, s.err
}

type fakeDetector struct{ promote bool }

func (d fakeDetector) ShouldPromote(crawler.FetchResponse) bool { return d.promote }

type countingRecorder struct {
	mu            sync.Mutex
	rejections    map[string]int
	defaultScored int
}

func (r *countingRecorder) RecordRejection(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rejections == nil {
		r.rejections = map[string]int{}
	}
	r.rejections[reason]++
}

func (r *countingRecorder) RecordDefaultScored(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultScored++
}

type fixture struct {
	frontier *memory.FrontierStore
	ledger   *seen.Ledger
	content  *memory.ContentStore
	probe    *scriptedFetcher
	recorder *countingRecorder
	deps     Deps
	cfg      Config
}

func newFixture(t *testing.T, steps ...step) *fixture {
	t.Helper()
	frontier := memory.NewFrontierStore()
	ledger := seen.NewLedger(memory.NewSeenStore(), nil, nil)
	content := memory.NewContentStore()
	probe := &scriptedFetcher{steps: steps}
	recorder := &countingRecorder{}
	acceptor := acceptance.New(
		acceptance.Rules{MinChars: 10, MinParagraphs: 1, Threshold: 60},
		content, feedmemory.New(), nil,
	)
	f := &fixture{
		frontier: frontier,
		ledger:   ledger,
		content:  content,
		probe:    probe,
		recorder: recorder,
		cfg:      Config{Scope: scope, MaxDepth: 2, MaxRetries: 3},
	}
	f.deps = Deps{
		Frontier: frontier,
		Ledger:   ledger,
		Probe:    probe,
		Extractor: mapExtractor{articleBody: {
			Title:      "Heat",
			Text:       "Heat waves are lasting longer across the hemisphere.",
			Paragraphs: 2,
			Links: []string{
				"https://news.example.com/heat",
				"https://a.example/1", "https://a.example/2", "https://a.example/3", "https://a.example/4",
				"https://b.example/seen",
				"https://c.example/new",
				"https://c.example/photo.jpg",
			},
		}},
		Scorer:   fixedScorer{score: crawler.Score{Value: 80, Reason: "on topic"}},
		Acceptor: acceptor,
		Retry:    crawler.NewExponentialRetryPolicy(3, time.Millisecond, time.Millisecond),
		Policy:   simple.New(simple.Config{}),
		Recorder: recorder,
	}
	return f
}

func (f *fixture) worker() *Worker {
	w := New(f.cfg, f.deps, nil)
	w.sleep = func(context.Context, time.Duration) error { return nil }
	return w
}

// claimed enqueues and claims a candidate the way the scheduler would.
func (f *fixture) claimed(t *testing.T, c crawler.FrontierCandidate) crawler.FrontierCandidate {
	t.Helper()
	ctx := context.Background()
	if c.URL == "" {
		c.URL = "https://news.example.com/heat"
	}
	c.Scope = scope
	normalized, err := crawler.NormalizeURL(c.URL)
	require.NoError(t, err)
	c.NormalizedURL = normalized
	c.Domain = crawler.HostOf(normalized)
	retries := c.RetryCount
	row, inserted, err := f.frontier.Enqueue(ctx, c)
	require.NoError(t, err)
	require.True(t, inserted)
	won, err := f.frontier.Claim(ctx, row.ID, time.Now())
	require.NoError(t, err)
	require.True(t, won)
	row.Status = crawler.CandidateInProgress
	row.RetryCount = retries
	return row
}

func (f *fixture) row(t *testing.T, id int64) crawler.FrontierCandidate {
	t.Helper()
	row, found := f.frontier.Get(id)
	require.True(t, found)
	return row
}

func TestProcessAcceptsAndEnqueuesOutlinks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, ok(articleBody))
	_, err := f.ledger.RecordIfNew(ctx, scope, "https://b.example/seen")
	require.NoError(t, err)
	c := f.claimed(t, crawler.FrontierCandidate{Priority: 70, Angle: "science"})

	res, err := f.worker().Process(ctx, c)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, res.Outcome)
	require.NotEmpty(t, res.ContentID)
	require.Equal(t, 4, res.Outlinks, "three from a.example, one from c.example")

	row := f.row(t, c.ID)
	require.Equal(t, crawler.CandidateDone, row.Status)
	require.Equal(t, `"abc"`, row.ETag)
	require.Equal(t, "Tue, 04 Mar 2025 10:00:00 GMT", row.LastModified)

	eligible, err := f.frontier.ListEligible(ctx, scope, 10)
	require.NoError(t, err)
	require.Len(t, eligible, 4)
	for _, e := range eligible {
		require.Equal(t, 1, e.Depth)
		require.Equal(t, 60, e.Priority)
		require.Equal(t, crawler.OriginOutlink, e.Origin)
		require.Equal(t, "science", e.Angle)
		require.Equal(t, c.URL, e.ParentURL)
		require.NotEqual(t, "https://a.example/4", e.URL)
	}
}

// flakyFrontier fails the first outlink Enqueue.
type flakyFrontier struct {
	crawler.FrontierStore
	failed bool
}

func (f *flakyFrontier) Enqueue(ctx context.Context, c crawler.FrontierCandidate) (crawler.FrontierCandidate, bool, error) {
	if !f.failed {
		f.failed = true
		return crawler.FrontierCandidate{}, false, errors.New("connection reset")
	}
	return f.FrontierStore.Enqueue(ctx, c)
}

func TestEnqueueOutlinksRetriesAfterStoreFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	c := f.claimed(t, crawler.FrontierCandidate{Priority: 70})
	f.deps.Frontier = &flakyFrontier{FrontierStore: f.frontier}
	w := f.worker()
	links := []string{"https://c.example/new"}

	added, err := w.enqueueOutlinks(ctx, c, links)
	require.ErrorContains(t, err, "connection reset")
	require.Zero(t, added)
	seenBefore, err := f.ledger.Seen(ctx, scope, "https://c.example/new")
	require.NoError(t, err)
	require.False(t, seenBefore, "failed outlink stays unrecorded")

	added, err = w.enqueueOutlinks(ctx, c, links)
	require.NoError(t, err)
	require.Equal(t, 1, added)

	eligible, err := f.frontier.ListEligible(ctx, scope, 10)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	require.Equal(t, "https://c.example/new", eligible[0].URL)
}

func TestProcessAtMaxDepthSkipsOutlinks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ok(articleBody))
	c := f.claimed(t, crawler.FrontierCandidate{Depth: 2, Priority: 50})

	res, err := f.worker().Process(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, res.Outcome)
	require.Zero(t, res.Outlinks)
}

func TestProcessDefaultScoredRetriesWithinBudget(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ok(articleBody))
	f.deps.Scorer = fixedScorer{err: crawler.ErrScorerUnavailable}
	c := f.claimed(t, crawler.FrontierCandidate{})

	res, err := f.worker().Process(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, Result{Outcome: OutcomeRetried, Reason: ReasonDefaultScored}, res)
	row := f.row(t, c.ID)
	require.Equal(t, crawler.CandidatePending, row.Status)
	require.Equal(t, ReasonDefaultScored, row.FailReason)
	require.Equal(t, 1, row.RetryCount)
	require.Equal(t, 1, f.recorder.defaultScored)

	pending, err := f.content.PendingFeed(context.Background(), scope, 10)
	require.NoError(t, err)
	require.Empty(t, pending, "default-scored content is never stored")
}

func TestProcessDefaultScoredFailsWhenBudgetSpent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ok(articleBody))
	f.deps.Scorer = fixedScorer{err: errors.New("quota")}
	c := f.claimed(t, crawler.FrontierCandidate{RetryCount: 3})

	res, err := f.worker().Process(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, crawler.CandidateFailed, f.row(t, c.ID).Status)
}

func TestProcessBelowThresholdCompletesWithoutContent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ok(articleBody))
	f.deps.Scorer = fixedScorer{score: crawler.Score{Value: 30}}
	c := f.claimed(t, crawler.FrontierCandidate{})

	res, err := f.worker().Process(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, Result{Outcome: OutcomeDone, Reason: ReasonBelowThreshold}, res)
	require.Equal(t, crawler.CandidateDone, f.row(t, c.ID).Status)
	require.Equal(t, 1, f.recorder.rejections[ReasonBelowThreshold])
}

func TestProcessPaywallAndBlockArePermanent(t *testing.T) {
	t.Parallel()

	for name, resp := range map[string]crawler.FetchResponse{
		ReasonPaywalled: {StatusCode: http.StatusOK, Paywalled: true},
		ReasonBlocked:   {StatusCode: http.StatusOK, Blocked: true},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, step{resp: resp})
			c := f.claimed(t, crawler.FrontierCandidate{})

			res, err := f.worker().Process(context.Background(), c)
			require.NoError(t, err)
			require.Equal(t, Result{Outcome: OutcomeFailed, Reason: name}, res)
			require.Equal(t, crawler.CandidateFailed, f.row(t, c.ID).Status)
			require.Equal(t, 1, f.probe.calls())
		})
	}
}

func TestProcessNotFoundIsPermanent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, step{resp: crawler.FetchResponse{StatusCode: http.StatusNotFound}})
	c := f.claimed(t, crawler.FrontierCandidate{})

	res, err := f.worker().Process(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, Result{Outcome: OutcomeFailed, Reason: "http_404", Failure: true}, res)
	require.Equal(t, 1, f.probe.calls())
}

func TestProcessConditionalNotModified(t *testing.T) {
	t.Parallel()
	f := newFixture(t, step{resp: crawler.FetchResponse{StatusCode: http.StatusNotModified, NotModified: true}})
	c := f.claimed(t, crawler.FrontierCandidate{ETag: `"abc"`, LastModified: "Mon, 03 Mar 2025 10:00:00 GMT"})

	res, err := f.worker().Process(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, Result{Outcome: OutcomeDone, Reason: ReasonNotModified}, res)
	require.Equal(t, `"abc"`, f.probe.requests[0].ETag)
	require.Equal(t, "Mon, 03 Mar 2025 10:00:00 GMT", f.probe.requests[0].LastModified)
	row := f.row(t, c.ID)
	require.Equal(t, crawler.CandidateDone, row.Status)
	require.Equal(t, `"abc"`, row.ETag)
}

func TestProcessExtractionAndValidationFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ok("<html>unknown</html>"))
	c := f.claimed(t, crawler.FrontierCandidate{})
	res, err := f.worker().Process(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, Result{Outcome: OutcomeFailed, Reason: ReasonExtraction}, res)

	f = newFixture(t, ok("short"))
	f.deps.Extractor = mapExtractor{"short": {Text: "tiny", Paragraphs: 1}}
	c = f.claimed(t, crawler.FrontierCandidate{})
	res, err = f.worker().Process(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, Result{Outcome: OutcomeFailed, Reason: acceptance.ReasonTooShort}, res)
	require.Equal(t, 1, f.recorder.rejections[acceptance.ReasonTooShort])
}

func TestProcessPolicyBlocked(t *testing.T) {
	t.Parallel()
	f := newFixture(t, ok(articleBody))
	f.deps.Policy = simple.New(simple.Config{Blocklist: []string{"news.example.com"}})
	c := f.claimed(t, crawler.FrontierCandidate{})

	res, err := f.worker().Process(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, Result{Outcome: OutcomeFailed, Reason: ReasonPolicy}, res)
	require.Zero(t, f.probe.calls())
}

func TestProcessHeadlessPromotion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ok("<div id=root></div>"))
	headless := &scriptedFetcher{steps: []step{ok(articleBody)}}
	f.cfg.HeadlessEnabled = true
	f.deps.Headless = headless
	f.deps.Detector = fakeDetector{promote: true}
	c := f.claimed(t, crawler.FrontierCandidate{})

	res, err := f.worker().Process(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, res.Outcome)
	require.NotEmpty(t, res.ContentID)
	require.Equal(t, 1, headless.calls())
	require.True(t, headless.requests[0].UseHeadless)
}

func TestProcessHeadlessFailureKeepsProbe(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ok(articleBody))
	f.cfg.HeadlessEnabled = true
	f.deps.Headless = &scriptedFetcher{steps: []step{{err: errors.New("chrome crashed")}}}
	f.deps.Detector = fakeDetector{promote: true}
	c := f.claimed(t, crawler.FrontierCandidate{})

	res, err := f.worker().Process(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, res.Outcome)
	require.NotEmpty(t, res.ContentID)
}
