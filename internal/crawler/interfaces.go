package crawler

import (
	"context"
	"io"
	"time"
)

// SeenStore persists the dedupe ledger. RecordIfNew must be a single atomic
// upsert so concurrent callers observe exactly one IsNew=true per hash.
type SeenStore interface {
	RecordIfNew(ctx context.Context, scope ScopeID, urlHash, normalizedURL string, at time.Time) (SeenResult, error)
	// Seen reports whether the hash is recorded, without writing.
	Seen(ctx context.Context, scope ScopeID, urlHash string) (bool, error)
}

// Completion carries validators captured on a successful fetch.
type Completion struct {
	At           time.Time
	ETag         string
	LastModified string
}

// FrontierStore is the durable priority queue of crawl candidates.
type FrontierStore interface {
	// Enqueue inserts the candidate unless its normalized URL already exists in scope.
	Enqueue(ctx context.Context, c FrontierCandidate) (FrontierCandidate, bool, error)
	// ListEligible returns pending candidates ordered by priority desc, first_seen_at asc.
	ListEligible(ctx context.Context, scope ScopeID, limit int) ([]FrontierCandidate, error)
	// Claim moves a pending candidate to in_progress; false when another caller won.
	Claim(ctx context.Context, id int64, at time.Time) (bool, error)
	Complete(ctx context.Context, id int64, done Completion) error
	// Fail marks the candidate failed, or returns it to pending when retry is set.
	Fail(ctx context.Context, id int64, reason string, retry bool, at time.Time) error
	RecordDequeue(ctx context.Context, rec DequeueRecord) error
	DequeueHistory(ctx context.Context, scope ScopeID, runID string) ([]DequeueRecord, error)
	RecentDequeues(ctx context.Context, scope ScopeID, since time.Time) ([]DequeueRecord, error)
	DistinctHosts(ctx context.Context, scope ScopeID) (int, error)
	// ReleaseStale returns in_progress rows claimed before the cutoff to pending.
	ReleaseStale(ctx context.Context, scope ScopeID, claimedBefore time.Time) (int, error)
	Counts(ctx context.Context, scope ScopeID) (map[CandidateStatus]int, error)
}

// CitationOutcome finalizes a citation scan or a deferred rescore.
type CitationOutcome struct {
	Verification    VerificationStatus
	Decision        RelevanceDecision
	SavedContentID  string
	DefaultScored   bool
	NeedsReview     bool
	RescoreAttempts int
	DenyReason      string
	At              time.Time
}

// WikiStore persists monitored pages and their citations.
type WikiStore interface {
	UpsertPage(ctx context.Context, p WikiPage) (WikiPage, bool, error)
	// NextPage returns the highest-priority pending or error page with fewer
	// than maxErrors consecutive failures.
	NextPage(ctx context.Context, scope ScopeID, maxErrors int) (WikiPage, error)
	// StartPageScan conditionally moves a pending/error page to scanning.
	StartPageScan(ctx context.Context, id int64, at time.Time) (bool, error)
	CompletePage(ctx context.Context, id int64, citationCount int, at time.Time) error
	FailPage(ctx context.Context, id int64, msg string, at time.Time) error
	ReleaseStalePages(ctx context.Context, scope ScopeID, startedBefore time.Time) (int, error)
	// InsertCitations stores citations, ignoring (monitoring_id, source_number) duplicates.
	InsertCitations(ctx context.Context, citations []WikiCitation) (int, error)
	// NextCitation returns the top-priority not_scanned citation whose
	// verification status is pending or verified.
	NextCitation(ctx context.Context, scope ScopeID) (WikiCitation, error)
	// StartCitationScan conditionally moves not_scanned to scanning.
	StartCitationScan(ctx context.Context, id int64, at time.Time) (bool, error)
	SetVerification(ctx context.Context, id int64, from, to VerificationStatus, at time.Time) (bool, error)
	// FinishCitationScan moves scanning to scanned and records the outcome.
	FinishCitationScan(ctx context.Context, id int64, out CitationOutcome) (bool, error)
	// ListDeferred returns scanned, undecided, default-scored citations.
	ListDeferred(ctx context.Context, scope ScopeID, maxAttempts, limit int) ([]WikiCitation, error)
	// ResolveDeferred records a rescore result on an undecided citation.
	ResolveDeferred(ctx context.Context, id int64, out CitationOutcome) (bool, error)
	// AbandonStaleCitations finishes scanning rows started before the cutoff
	// and flags them for review.
	AbandonStaleCitations(ctx context.Context, scope ScopeID, startedBefore time.Time) (int, error)
	ListCitations(ctx context.Context, monitoringID int64) ([]WikiCitation, error)
}

// ContentStore persists accepted content and its feed delivery state.
type ContentStore interface {
	// Save inserts the record; on a (scope, content_hash) conflict it returns
	// the existing row and false.
	Save(ctx context.Context, rec ContentRecord) (ContentRecord, bool, error)
	PendingFeed(ctx context.Context, scope ScopeID, limit int) ([]ContentRecord, error)
	MarkEnqueued(ctx context.Context, id, messageID string) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Checker performs a lightweight existence check.
type Checker interface {
	Check(ctx context.Context, url string) (int, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// Extractor turns an HTML document into boilerplate-stripped article text.
type Extractor interface {
	Extract(body []byte, pageURL string) (Article, error)
}

// Scorer judges relevance of text for a topic on a 0..100 scale.
type Scorer interface {
	Score(ctx context.Context, text string, topic TopicContext) (Score, error)
}

// Prioritizer ranks harvested citations 0..100, one score per input.
type Prioritizer interface {
	Prioritize(ctx context.Context, topic TopicContext, citations []CitationInput) ([]int, error)
}

// FeedQueue hands accepted content references to the agent-memory feed.
// Enqueue must be idempotent by content hash.
type FeedQueue interface {
	Enqueue(ctx context.Context, item FeedItem) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces content IDs.
type IDGenerator interface {
	NewID() (string, error)
}
