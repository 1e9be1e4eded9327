// Package pubsub implements the agent feed queue on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

// Attribute keys set on every message.
const (
	AttrContentHash = "content_hash"
	AttrPatchScope  = "patch_scope"
)

// messagePublisher is the subset of *pubsub.Publisher the queue uses.
type messagePublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// Queue publishes feed items. The consumer dedupes on the content_hash
// attribute; messages of one scope share an ordering key.
type Queue struct {
	publisher messagePublisher
	ordered   bool
}

// New creates a Queue over publisher. Set ordered only when the publisher has
// message ordering enabled.
func New(publisher *pubsub.Publisher, ordered bool) *Queue {
	if publisher == nil {
		return &Queue{ordered: ordered}
	}
	return &Queue{publisher: publisher, ordered: ordered}
}

var _ crawler.FeedQueue = (*Queue)(nil)

// Enqueue publishes item as JSON and waits for the server message id.
func (q *Queue) Enqueue(ctx context.Context, item crawler.FeedItem) (string, error) {
	if q.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	msg, err := newMessage(item, q.ordered)
	if err != nil {
		return "", err
	}
	id, err := q.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish feed item: %w", err)
	}
	return id, nil
}

func newMessage(item crawler.FeedItem, ordered bool) (*pubsub.Message, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("marshal feed item: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			AttrContentHash: item.ContentHash,
			AttrPatchScope:  string(item.PatchScope),
		},
	}
	if ordered {
		msg.OrderingKey = string(item.PatchScope)
	}
	return msg, nil
}
