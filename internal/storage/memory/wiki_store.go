package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

type pageKey struct {
	scope crawler.ScopeID
	url   string
}

type citationKey struct {
	monitoringID int64
	sourceNumber int
}

// WikiStore keeps monitored pages and citations in memory.
type WikiStore struct {
	mu        sync.Mutex
	nextPage  int64
	nextCite  int64
	pages     map[int64]*crawler.WikiPage
	pageByKey map[pageKey]int64
	citations map[int64]*crawler.WikiCitation
	citeByKey map[citationKey]int64
}

// NewWikiStore constructs a WikiStore.
func NewWikiStore() *WikiStore {
	return &WikiStore{
		pages:     make(map[int64]*crawler.WikiPage),
		pageByKey: make(map[pageKey]int64),
		citations: make(map[int64]*crawler.WikiCitation),
		citeByKey: make(map[citationKey]int64),
	}
}

// UpsertPage inserts a page or raises the priority of an existing one.
func (s *WikiStore) UpsertPage(_ context.Context, p crawler.WikiPage) (crawler.WikiPage, bool, error) {
	if p.PageURL == "" {
		return crawler.WikiPage{}, false, fmt.Errorf("page url is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pageKey{scope: p.Scope, url: p.PageURL}
	if id, ok := s.pageByKey[key]; ok {
		row := s.pages[id]
		if p.Priority > row.Priority {
			row.Priority = p.Priority
		}
		return *row, false, nil
	}
	s.nextPage++
	p.ID = s.nextPage
	p.Status = crawler.PagePending
	p.Priority = crawler.ClampPriority(p.Priority)
	row := p
	s.pages[p.ID] = &row
	s.pageByKey[key] = p.ID
	return row, true, nil
}

// NextPage returns the best selectable page.
func (s *WikiStore) NextPage(_ context.Context, scope crawler.ScopeID, maxErrors int) (crawler.WikiPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *crawler.WikiPage
	for _, row := range s.pages {
		if row.Scope != scope || !row.Status.Selectable() {
			continue
		}
		if maxErrors > 0 && row.ErrorCount >= maxErrors {
			continue
		}
		if best == nil || row.Priority > best.Priority ||
			(row.Priority == best.Priority && row.ID < best.ID) {
			best = row
		}
	}
	if best == nil {
		return crawler.WikiPage{}, crawler.ErrNotFound
	}
	return *best, nil
}

// StartPageScan moves a pending or error page to scanning.
func (s *WikiStore) StartPageScan(_ context.Context, id int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.pages[id]
	if !ok {
		return false, crawler.ErrNotFound
	}
	if !row.Status.CanTransitionTo(crawler.PageScanning) {
		return false, nil
	}
	row.Status = crawler.PageScanning
	row.ScanStartedAt = &at
	return true, nil
}

// CompletePage records a successful scan.
func (s *WikiStore) CompletePage(_ context.Context, id int64, citationCount int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.pages[id]
	if !ok {
		return crawler.ErrNotFound
	}
	next, err := row.Status.Transition(crawler.PageCompleted)
	if err != nil {
		return err
	}
	row.Status = next
	row.ContentScanned = true
	row.CitationsExtracted = true
	row.CitationCount = citationCount
	row.LastScannedAt = &at
	row.LastExtractedAt = &at
	row.ScanStartedAt = nil
	row.ErrorMessage = ""
	row.ErrorCount = 0
	return nil
}

// FailPage records a failed scan.
func (s *WikiStore) FailPage(_ context.Context, id int64, msg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.pages[id]
	if !ok {
		return crawler.ErrNotFound
	}
	next, err := row.Status.Transition(crawler.PageError)
	if err != nil {
		return err
	}
	row.Status = next
	row.ErrorMessage = msg
	row.ErrorCount++
	row.LastScannedAt = &at
	row.ScanStartedAt = nil
	return nil
}

// ReleaseStalePages turns abandoned scanning pages into retryable errors.
func (s *WikiStore) ReleaseStalePages(_ context.Context, scope crawler.ScopeID, startedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.pages {
		if row.Scope != scope || row.Status != crawler.PageScanning {
			continue
		}
		if row.ScanStartedAt != nil && row.ScanStartedAt.After(startedBefore) {
			continue
		}
		row.Status = crawler.PageError
		row.ErrorMessage = "scan abandoned"
		row.ScanStartedAt = nil
		n++
	}
	return n, nil
}

// GetPage returns a copy of one page.
func (s *WikiStore) GetPage(id int64) (crawler.WikiPage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.pages[id]
	if !ok {
		return crawler.WikiPage{}, false
	}
	return *row, true
}

// InsertCitations stores new citations, skipping duplicates.
func (s *WikiStore) InsertCitations(_ context.Context, citations []crawler.WikiCitation) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, c := range citations {
		key := citationKey{monitoringID: c.MonitoringID, sourceNumber: c.SourceNumber}
		if _, ok := s.citeByKey[key]; ok {
			continue
		}
		s.nextCite++
		c.ID = s.nextCite
		if c.ScanStatus == "" {
			c.ScanStatus = crawler.ScanNotScanned
		}
		if c.VerificationStatus == "" {
			c.VerificationStatus = crawler.VerificationPending
		}
		row := c
		s.citations[c.ID] = &row
		s.citeByKey[key] = c.ID
		inserted++
	}
	return inserted, nil
}

// NextCitation returns the top-priority processable citation.
func (s *WikiStore) NextCitation(_ context.Context, scope crawler.ScopeID) (crawler.WikiCitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *crawler.WikiCitation
	for _, row := range s.citations {
		if row.Scope != scope || row.ScanStatus != crawler.ScanNotScanned ||
			!row.VerificationStatus.Processable() {
			continue
		}
		if best == nil || citationBefore(row, best) {
			best = row
		}
	}
	if best == nil {
		return crawler.WikiCitation{}, crawler.ErrNotFound
	}
	return *best, nil
}

// citationBefore orders by priority desc with unscored rows last, then id.
func citationBefore(a, b *crawler.WikiCitation) bool {
	switch {
	case a.AIPriorityScore != nil && b.AIPriorityScore == nil:
		return true
	case a.AIPriorityScore == nil && b.AIPriorityScore != nil:
		return false
	case a.AIPriorityScore != nil && *a.AIPriorityScore != *b.AIPriorityScore:
		return *a.AIPriorityScore > *b.AIPriorityScore
	}
	return a.ID < b.ID
}

// StartCitationScan moves not_scanned to scanning.
func (s *WikiStore) StartCitationScan(_ context.Context, id int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.citations[id]
	if !ok {
		return false, crawler.ErrNotFound
	}
	if !row.ScanStatus.CanTransitionTo(crawler.ScanScanning) || !row.VerificationStatus.Processable() {
		return false, nil
	}
	row.ScanStatus = crawler.ScanScanning
	row.ScanStartedAt = &at
	return true, nil
}

// SetVerification conditionally moves the verification status.
func (s *WikiStore) SetVerification(
	_ context.Context,
	id int64,
	from, to crawler.VerificationStatus,
	at time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.citations[id]
	if !ok {
		return false, crawler.ErrNotFound
	}
	if row.VerificationStatus != from || !from.CanTransitionTo(to) {
		return false, nil
	}
	row.VerificationStatus = to
	row.LastVerifiedAt = &at
	return true, nil
}

// FinishCitationScan moves scanning to scanned and records the outcome.
func (s *WikiStore) FinishCitationScan(_ context.Context, id int64, out crawler.CitationOutcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.citations[id]
	if !ok {
		return false, crawler.ErrNotFound
	}
	if !row.ScanStatus.CanTransitionTo(crawler.ScanScanned) {
		return false, nil
	}
	row.ScanStatus = crawler.ScanScanned
	row.ScanStartedAt = nil
	row.LastScannedAt = &out.At
	applyOutcome(row, out)
	return true, nil
}

// ListDeferred returns undecided default-scored citations.
func (s *WikiStore) ListDeferred(
	_ context.Context,
	scope crawler.ScopeID,
	maxAttempts, limit int,
) ([]crawler.WikiCitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawler.WikiCitation
	for _, row := range s.citations {
		if row.Scope != scope || row.ScanStatus != crawler.ScanScanned ||
			row.RelevanceDecision != crawler.DecisionNone || !row.DefaultScored || row.NeedsReview {
			continue
		}
		if maxAttempts > 0 && row.RescoreAttempts >= maxAttempts {
			continue
		}
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ResolveDeferred records a rescore on an undecided citation.
func (s *WikiStore) ResolveDeferred(_ context.Context, id int64, out crawler.CitationOutcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.citations[id]
	if !ok {
		return false, crawler.ErrNotFound
	}
	if row.RelevanceDecision != crawler.DecisionNone || row.ScanStatus != crawler.ScanScanned {
		return false, nil
	}
	applyOutcome(row, out)
	return true, nil
}

// AbandonStaleCitations finishes stuck scanning rows and flags them.
func (s *WikiStore) AbandonStaleCitations(
	_ context.Context,
	scope crawler.ScopeID,
	startedBefore time.Time,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.citations {
		if row.Scope != scope || row.ScanStatus != crawler.ScanScanning {
			continue
		}
		if row.ScanStartedAt != nil && row.ScanStartedAt.After(startedBefore) {
			continue
		}
		row.ScanStatus = crawler.ScanScanned
		row.ScanStartedAt = nil
		row.NeedsReview = true
		row.DenyReason = "scan_abandoned"
		n++
	}
	return n, nil
}

// ListCitations returns a page's citations ordered by source number.
func (s *WikiStore) ListCitations(_ context.Context, monitoringID int64) ([]crawler.WikiCitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawler.WikiCitation
	for _, row := range s.citations {
		if row.MonitoringID == monitoringID {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceNumber < out[j].SourceNumber })
	return out, nil
}

// GetCitation returns a copy of one citation.
func (s *WikiStore) GetCitation(id int64) (crawler.WikiCitation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.citations[id]
	if !ok {
		return crawler.WikiCitation{}, false
	}
	return *row, true
}

func applyOutcome(row *crawler.WikiCitation, out crawler.CitationOutcome) {
	if out.Verification != "" && row.VerificationStatus.CanTransitionTo(out.Verification) {
		row.VerificationStatus = out.Verification
	}
	if out.Decision != crawler.DecisionNone && row.RelevanceDecision.CanTransitionTo(out.Decision) {
		row.RelevanceDecision = out.Decision
	}
	if out.SavedContentID != "" {
		row.SavedContentID = out.SavedContentID
	}
	row.DefaultScored = out.DefaultScored
	row.NeedsReview = out.NeedsReview
	row.RescoreAttempts = out.RescoreAttempts
	row.DenyReason = out.DenyReason
}
