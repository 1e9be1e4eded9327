package headless

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

// ErrDisabled is returned by Noop.
var ErrDisabled = errors.New("headless fetcher not configured")

// Noop stands in when headless rendering is disabled. The worker keeps the
// plain probe response when promotion fails.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with ErrDisabled.
func (Noop) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, ErrDisabled)
}
