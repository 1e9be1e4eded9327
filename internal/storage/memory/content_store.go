package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

type contentKey struct {
	scope crawler.ScopeID
	hash  string
}

// ContentStore keeps accepted content records in memory.
type ContentStore struct {
	mu     sync.Mutex
	rows   map[string]*crawler.ContentRecord
	byHash map[contentKey]string
	order  []string
}

// NewContentStore constructs a ContentStore.
func NewContentStore() *ContentStore {
	return &ContentStore{
		rows:   make(map[string]*crawler.ContentRecord),
		byHash: make(map[contentKey]string),
	}
}

// Save inserts rec unless its hash already exists in scope.
func (s *ContentStore) Save(_ context.Context, rec crawler.ContentRecord) (crawler.ContentRecord, bool, error) {
	if rec.ID == "" || rec.ContentHash == "" {
		return crawler.ContentRecord{}, false, fmt.Errorf("content id and hash are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := contentKey{scope: rec.Scope, hash: rec.ContentHash}
	if id, ok := s.byHash[key]; ok {
		return *s.rows[id], false, nil
	}
	if rec.FeedStatus == "" {
		rec.FeedStatus = crawler.FeedPending
	}
	row := rec
	s.rows[rec.ID] = &row
	s.byHash[key] = rec.ID
	s.order = append(s.order, rec.ID)
	return row, true, nil
}

// PendingFeed returns records not yet handed to the feed, oldest first.
func (s *ContentStore) PendingFeed(_ context.Context, scope crawler.ScopeID, limit int) ([]crawler.ContentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawler.ContentRecord
	for _, id := range s.order {
		row := s.rows[id]
		if row.Scope == scope && row.FeedStatus == crawler.FeedPending {
			out = append(out, *row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AcceptedAt.Before(out[j].AcceptedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkEnqueued records a successful feed handoff.
func (s *ContentStore) MarkEnqueued(_ context.Context, id, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return crawler.ErrNotFound
	}
	row.FeedStatus = crawler.FeedEnqueued
	row.FeedMessageID = messageID
	return nil
}

// All returns every record in insertion order.
func (s *ContentStore) All() []crawler.ContentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.ContentRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.rows[id])
	}
	return out
}
