package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

type frontierKey struct {
	scope      crawler.ScopeID
	normalized string
}

// FrontierStore is an in-memory priority frontier.
type FrontierStore struct {
	mu      sync.Mutex
	nextID  int64
	rows    map[int64]*crawler.FrontierCandidate
	byKey   map[frontierKey]int64
	history []crawler.DequeueRecord
}

// NewFrontierStore constructs a FrontierStore.
func NewFrontierStore() *FrontierStore {
	return &FrontierStore{
		rows:  make(map[int64]*crawler.FrontierCandidate),
		byKey: make(map[frontierKey]int64),
	}
}

// Enqueue inserts c unless its normalized URL is already present in scope.
func (s *FrontierStore) Enqueue(
	_ context.Context,
	c crawler.FrontierCandidate,
) (crawler.FrontierCandidate, bool, error) {
	if c.NormalizedURL == "" {
		return crawler.FrontierCandidate{}, false, fmt.Errorf("normalized url is required")
	}
	if c.Depth < 0 {
		return crawler.FrontierCandidate{}, false, fmt.Errorf("depth must be >= 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := frontierKey{scope: c.Scope, normalized: c.NormalizedURL}
	if id, ok := s.byKey[key]; ok {
		return *s.rows[id], false, nil
	}
	s.nextID++
	c.ID = s.nextID
	c.Status = crawler.CandidatePending
	c.Priority = crawler.ClampPriority(c.Priority)
	row := c
	s.rows[c.ID] = &row
	s.byKey[key] = c.ID
	return row, true, nil
}

// ListEligible returns pending candidates, priority desc then FIFO.
func (s *FrontierStore) ListEligible(
	_ context.Context,
	scope crawler.ScopeID,
	limit int,
) ([]crawler.FrontierCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawler.FrontierCandidate
	for _, row := range s.rows {
		if row.Scope == scope && row.Status == crawler.CandidatePending {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].FirstSeenAt.Equal(out[j].FirstSeenAt) {
			return out[i].FirstSeenAt.Before(out[j].FirstSeenAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Claim moves a pending row to in_progress.
func (s *FrontierStore) Claim(_ context.Context, id int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return false, crawler.ErrNotFound
	}
	if !row.Status.CanTransitionTo(crawler.CandidateInProgress) {
		return false, nil
	}
	row.Status = crawler.CandidateInProgress
	row.LastTriedAt = &at
	row.ClaimedAt = &at
	return true, nil
}

// Complete marks an in_progress row done.
func (s *FrontierStore) Complete(_ context.Context, id int64, done crawler.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return crawler.ErrNotFound
	}
	next, err := row.Status.Transition(crawler.CandidateDone)
	if err != nil {
		return err
	}
	row.Status = next
	row.LastTriedAt = &done.At
	row.ClaimedAt = nil
	if done.ETag != "" {
		row.ETag = done.ETag
	}
	if done.LastModified != "" {
		row.LastModified = done.LastModified
	}
	return nil
}

// Fail marks an in_progress row failed, or back to pending for a retry.
func (s *FrontierStore) Fail(_ context.Context, id int64, reason string, retry bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return crawler.ErrNotFound
	}
	target := crawler.CandidateFailed
	if retry {
		target = crawler.CandidatePending
	}
	next, err := row.Status.Transition(target)
	if err != nil {
		return err
	}
	row.Status = next
	row.FailReason = reason
	row.LastTriedAt = &at
	row.ClaimedAt = nil
	if retry {
		row.RetryCount++
	}
	return nil
}

// RecordDequeue appends to the dequeue history.
func (s *FrontierStore) RecordDequeue(_ context.Context, rec crawler.DequeueRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
	return nil
}

// DequeueHistory returns one run's dequeues in sequence order.
func (s *FrontierStore) DequeueHistory(
	_ context.Context,
	scope crawler.ScopeID,
	runID string,
) ([]crawler.DequeueRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawler.DequeueRecord
	for _, rec := range s.history {
		if rec.Scope == scope && rec.RunID == runID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// RecentDequeues returns dequeues in scope at or after since, across runs.
func (s *FrontierStore) RecentDequeues(
	_ context.Context,
	scope crawler.ScopeID,
	since time.Time,
) ([]crawler.DequeueRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawler.DequeueRecord
	for _, rec := range s.history {
		if rec.Scope == scope && !rec.DequeuedAt.Before(since) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DequeuedAt.Before(out[j].DequeuedAt) })
	return out, nil
}

// DistinctHosts counts distinct non-Wikipedia hosts among live candidates.
func (s *FrontierStore) DistinctHosts(_ context.Context, scope crawler.ScopeID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hosts := make(map[string]struct{})
	for _, row := range s.rows {
		if row.Scope != scope || row.Status.Terminal() || crawler.IsWikipediaHost(row.Domain) {
			continue
		}
		hosts[crawler.RegistrableHost(strings.TrimSpace(row.Domain))] = struct{}{}
	}
	return len(hosts), nil
}

// ReleaseStale returns abandoned in_progress rows to pending.
func (s *FrontierStore) ReleaseStale(
	_ context.Context,
	scope crawler.ScopeID,
	claimedBefore time.Time,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	for _, row := range s.rows {
		if row.Scope != scope || row.Status != crawler.CandidateInProgress {
			continue
		}
		if row.ClaimedAt != nil && row.ClaimedAt.After(claimedBefore) {
			continue
		}
		row.Status = crawler.CandidatePending
		row.ClaimedAt = nil
		row.FailReason = "watchdog_released"
		released++
	}
	return released, nil
}

// Counts returns row counts per status.
func (s *FrontierStore) Counts(_ context.Context, scope crawler.ScopeID) (map[crawler.CandidateStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[crawler.CandidateStatus]int)
	for _, row := range s.rows {
		if row.Scope == scope {
			out[row.Status]++
		}
	}
	return out, nil
}

// Get returns a copy of one candidate.
func (s *FrontierStore) Get(id int64) (crawler.FrontierCandidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return crawler.FrontierCandidate{}, false
	}
	return *row, true
}
