package diversity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

// Request asks for an additive batch of fresh candidates.
type Request struct {
	Reason      string
	EntityBoost bool
}

// Source produces and enqueues reseed candidates, returning how many were new.
type Source interface {
	Reseed(ctx context.Context, req Request) (int, error)
}

// Observer is told about every reseed that actually ran.
type Observer interface {
	RecordReseed(reason string, enqueued int)
}

// Reseeder coalesces identical requests that arrive within a window.
type Reseeder struct {
	source   Source
	observer Observer
	window   time.Duration
	clock    crawler.Clock
	logger   *zap.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

// NewReseeder builds a Reseeder. A non-positive window disables coalescing.
func NewReseeder(
	source Source,
	observer Observer,
	window time.Duration,
	clock crawler.Clock,
	logger *zap.Logger,
) *Reseeder {
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reseeder{
		source:   source,
		observer: observer,
		window:   window,
		clock:    clock,
		logger:   logger,
		last:     make(map[string]time.Time),
	}
}

func coalesceKey(req Request) string {
	if req.EntityBoost {
		return req.Reason + "+entities"
	}
	return req.Reason
}

// Request runs the reseed unless an identical one ran within the window.
// The bool reports whether the source was invoked.
func (r *Reseeder) Request(ctx context.Context, req Request) (bool, error) {
	now := r.clock.Now()
	key := coalesceKey(req)

	r.mu.Lock()
	if last, ok := r.last[key]; ok && r.window > 0 && now.Sub(last) < r.window {
		r.mu.Unlock()
		r.logger.Debug("reseed coalesced", zap.String("reason", req.Reason))
		return false, nil
	}
	r.last[key] = now
	r.mu.Unlock()

	n, err := r.source.Reseed(ctx, req)
	if err != nil {
		return true, fmt.Errorf("reseed %s: %w", req.Reason, err)
	}
	if r.observer != nil {
		r.observer.RecordReseed(req.Reason, n)
	}
	r.logger.Info("reseeded frontier", zap.String("reason", req.Reason), zap.Int("enqueued", n))
	return true, nil
}
