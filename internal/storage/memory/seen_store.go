// Package memory provides in-memory store implementations for development
// and tests. Every mutation runs under the store's mutex, which gives the
// same linearizable behavior the Postgres upserts provide.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

type seenKey struct {
	scope crawler.ScopeID
	hash  string
}

// SeenStore is an in-memory dedupe ledger.
type SeenStore struct {
	mu   sync.Mutex
	rows map[seenKey]crawler.SeenURL
}

// NewSeenStore constructs a SeenStore.
func NewSeenStore() *SeenStore {
	return &SeenStore{rows: make(map[seenKey]crawler.SeenURL)}
}

// RecordIfNew inserts the hash or bumps its times_seen counter.
func (s *SeenStore) RecordIfNew(
	_ context.Context,
	scope crawler.ScopeID,
	urlHash, normalizedURL string,
	at time.Time,
) (crawler.SeenResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := seenKey{scope: scope, hash: urlHash}
	row, ok := s.rows[key]
	if !ok {
		s.rows[key] = crawler.SeenURL{
			Scope:         scope,
			URLHash:       urlHash,
			NormalizedURL: normalizedURL,
			FirstSeenAt:   at,
			LastSeenAt:    at,
			TimesSeen:     1,
		}
		return crawler.SeenResult{IsNew: true, TimesSeen: 1}, nil
	}
	row.TimesSeen++
	row.LastSeenAt = at
	s.rows[key] = row
	return crawler.SeenResult{IsNew: false, TimesSeen: row.TimesSeen}, nil
}

// Seen reports whether the hash is recorded in scope.
func (s *SeenStore) Seen(_ context.Context, scope crawler.ScopeID, urlHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[seenKey{scope: scope, hash: urlHash}]
	return ok, nil
}

// Get returns the ledger row for a hash.
func (s *SeenStore) Get(scope crawler.ScopeID, urlHash string) (crawler.SeenURL, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[seenKey{scope: scope, hash: urlHash}]
	return row, ok
}
