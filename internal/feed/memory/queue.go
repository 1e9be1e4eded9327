// Package memory contains an in-memory agent feed queue for tests and
// single-process runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

// Queue records feed items, once per content hash.
type Queue struct {
	mu     sync.RWMutex
	items  []crawler.FeedItem
	byHash map[string]string
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{byHash: make(map[string]string)}
}

var _ crawler.FeedQueue = (*Queue)(nil)

// Enqueue stores item and returns a pseudo message id. Re-enqueueing a known
// content hash returns the first id without storing a second copy.
func (q *Queue) Enqueue(_ context.Context, item crawler.FeedItem) (string, error) {
	if item.ContentHash == "" {
		return "", fmt.Errorf("feed item has no content hash")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if id, ok := q.byHash[item.ContentHash]; ok {
		return id, nil
	}
	q.items = append(q.items, item)
	id := fmt.Sprintf("memory-%d", len(q.items))
	q.byHash[item.ContentHash] = id
	return id, nil
}

// Items returns a copy of the enqueued items.
func (q *Queue) Items() []crawler.FeedItem {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]crawler.FeedItem, len(q.items))
	copy(out, q.items)
	return out
}
