package crawler

import (
	"net/http"
	"time"
)

// ScopeID partitions persisted discovery state; one run works on one scope.
type ScopeID string

// FrontierCandidate is a URL waiting in, or retired from, the frontier.
type FrontierCandidate struct {
	ID            int64           `json:"id"`
	Scope         ScopeID         `json:"scope"`
	URL           string          `json:"url"`
	NormalizedURL string          `json:"normalized_url"`
	Domain        string          `json:"domain"`
	Depth         int             `json:"depth"`
	ParentURL     string          `json:"parent_url,omitempty"`
	Status        CandidateStatus `json:"status"`
	FailReason    string          `json:"fail_reason,omitempty"`
	RetryCount    int             `json:"retry_count"`
	Priority      int             `json:"priority"`
	FirstSeenAt   time.Time       `json:"first_seen_at"`
	LastTriedAt   *time.Time      `json:"last_tried_at,omitempty"`
	Angle         string          `json:"angle,omitempty"`
	Viewpoint     string          `json:"viewpoint,omitempty"`
	Category      string          `json:"category,omitempty"`
	Origin        Origin          `json:"origin"`
	ETag          string          `json:"etag,omitempty"`
	LastModified  string          `json:"last_modified,omitempty"`
	// ClaimedAt is set when the candidate moved to in_progress.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// ClampPriority bounds p to [0,100].
func ClampPriority(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// SeenURL is one row of the dedupe ledger.
type SeenURL struct {
	Scope         ScopeID   `json:"scope"`
	URLHash       string    `json:"url_hash"`
	NormalizedURL string    `json:"normalized_url"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	TimesSeen     int       `json:"times_seen"`
}

// SeenResult is returned by RecordIfNew.
type SeenResult struct {
	IsNew     bool `json:"is_new"`
	TimesSeen int  `json:"times_seen"`
}

// WikiPage is a monitored Wikipedia article.
type WikiPage struct {
	ID                 int64      `json:"id"`
	Scope              ScopeID    `json:"scope"`
	PageURL            string     `json:"page_url"`
	PageTitle          string     `json:"page_title"`
	SearchTerm         string     `json:"search_term"`
	Status             PageStatus `json:"status"`
	ContentScanned     bool       `json:"content_scanned"`
	CitationsExtracted bool       `json:"citations_extracted"`
	CitationCount      int        `json:"citation_count"`
	Priority           int        `json:"priority"`
	LastScannedAt      *time.Time `json:"last_scanned_at,omitempty"`
	LastExtractedAt    *time.Time `json:"last_extracted_at,omitempty"`
	ScanStartedAt      *time.Time `json:"scan_started_at,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	ErrorCount         int        `json:"error_count"`
}

// WikiCitation is one reference harvested from a monitored page.
type WikiCitation struct {
	ID                 int64              `json:"id"`
	Scope              ScopeID            `json:"scope"`
	MonitoringID       int64              `json:"monitoring_id"`
	SourceNumber       int                `json:"source_number"`
	CitationURL        string             `json:"citation_url"`
	CitationTitle      string             `json:"citation_title"`
	CitationContext    string             `json:"citation_context"`
	AIPriorityScore    *int               `json:"ai_priority_score,omitempty"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	ScanStatus         ScanStatus         `json:"scan_status"`
	RelevanceDecision  RelevanceDecision  `json:"relevance_decision,omitempty"`
	SavedContentID     string             `json:"saved_content_id,omitempty"`
	SavedMemoryID      string             `json:"saved_memory_id,omitempty"`
	LastVerifiedAt     *time.Time         `json:"last_verified_at,omitempty"`
	LastScannedAt      *time.Time         `json:"last_scanned_at,omitempty"`
	ScanStartedAt      *time.Time         `json:"scan_started_at,omitempty"`
	DefaultScored      bool               `json:"default_scored"`
	RescoreAttempts    int                `json:"rescore_attempts"`
	NeedsReview        bool               `json:"needs_review"`
	DenyReason         string             `json:"deny_reason,omitempty"`
}

// PriorityValue returns the AI priority or 0 when unscored.
func (c WikiCitation) PriorityValue() int {
	if c.AIPriorityScore == nil {
		return 0
	}
	return *c.AIPriorityScore
}

// DequeueRecord is the persisted history DiversityWindow is rebuilt from.
type DequeueRecord struct {
	Scope       ScopeID   `json:"scope"`
	RunID       string    `json:"run_id"`
	Seq         int       `json:"seq"`
	CandidateID int64     `json:"candidate_id"`
	Host        string    `json:"host"`
	Canonical   string    `json:"canonical"`
	Angle       string    `json:"angle,omitempty"`
	Viewpoint   string    `json:"viewpoint,omitempty"`
	IsWiki      bool      `json:"is_wiki"`
	DequeuedAt  time.Time `json:"dequeued_at"`
}

// SourceKind identifies what produced an accepted content item.
type SourceKind string

// Content sources.
const (
	SourceCandidate SourceKind = "candidate"
	SourceCitation  SourceKind = "citation"
)

// ContentRecord is an accepted content item.
type ContentRecord struct {
	ID            string     `json:"id"`
	Scope         ScopeID    `json:"scope"`
	SourceURL     string     `json:"source_url"`
	SourceKind    SourceKind `json:"source_kind"`
	SourceRef     int64      `json:"source_ref"`
	Title         string     `json:"title"`
	ContentHash   string     `json:"content_hash"`
	Score         int        `json:"score"`
	ScoreReason   string     `json:"score_reason"`
	DefaultScored bool       `json:"default_scored"`
	Language      string     `json:"language,omitempty"`
	BlobURI       string     `json:"blob_uri,omitempty"`
	AcceptedAt    time.Time  `json:"accepted_at"`
	FeedStatus    FeedStatus `json:"feed_status"`
	FeedMessageID string     `json:"feed_message_id,omitempty"`
}

// FeedItem is the reference handed to the agent-memory feed.
type FeedItem struct {
	ContentID   string  `json:"content_id"`
	PatchScope  ScopeID `json:"patch_scope"`
	ContentHash string  `json:"content_hash"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL          string
	Headers      http.Header
	ETag         string
	LastModified string
	UseHeadless  bool
}

// FetchResponse captures the fetch outcome.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	ContentType  string
	Duration     time.Duration
	UsedHeadless bool
	NotModified  bool
	Blocked      bool
	Paywalled    bool
	// RobotsIndeterminate is set when robots.txt could not be read and the
	// fetch proceeded under an allow-all fallback.
	RobotsIndeterminate bool
}

// TopicContext is what the scorer judges relevance against.
type TopicContext struct {
	Scope    ScopeID  `json:"scope"`
	Topic    string   `json:"topic"`
	Entities []string `json:"entities,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

// Score is a relevance verdict in [0,100].
type Score struct {
	Value  int    `json:"score"`
	Reason string `json:"reason"`
	// DefaultScored marks a sentinel produced when no scorer answered.
	DefaultScored bool `json:"default_scored"`
}

// Article is boilerplate-stripped page content.
type Article struct {
	Title      string
	Text       string
	Markdown   string
	Language   string
	Paragraphs int
	Links      []string
}

// CitationInput is what a prioritizer ranks.
type CitationInput struct {
	URL     string
	Title   string
	Context string
}
