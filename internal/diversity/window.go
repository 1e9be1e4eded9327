// Package diversity tracks how varied a run's dequeues are and requests
// reseeds when the mix falls short.
package diversity

import (
	"time"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

// Window sizes used by the tracker and the telemetry snapshot.
const (
	HostHorizon  = 20
	MixHorizon   = 12
	ShareHorizon = 30 * time.Second
)

// Stats is a point-in-time read of a Window.
type Stats struct {
	Dequeued                  int     `json:"dequeued"`
	DistinctHostsFirst20      int     `json:"distinctHostsFirst20"`
	DistinctAnglesFirst12     int     `json:"distinctAnglesFirst12"`
	DistinctViewpointsFirst12 int     `json:"distinctViewpointsFirst12"`
	WikipediaShareRolling30s  float64 `json:"wikipediaShareRolling30s"`
}

type tick struct {
	at     time.Time
	isWiki bool
}

// Window is the per-run diversity state. It is owned by one scheduler and is
// not safe for concurrent use; it can always be rebuilt from dequeue history.
type Window struct {
	dequeued   int
	hosts      map[string]struct{}
	angles     map[string]struct{}
	viewpoints map[string]struct{}
	recent     []tick
	span       time.Duration
}

// NewWindow returns an empty window with the default share horizon.
func NewWindow() *Window {
	return &Window{
		hosts:      make(map[string]struct{}),
		angles:     make(map[string]struct{}),
		viewpoints: make(map[string]struct{}),
		span:       ShareHorizon,
	}
}

// Rebuild replays history, which must be in sequence order.
func Rebuild(history []crawler.DequeueRecord) *Window {
	w := NewWindow()
	for _, rec := range history {
		w.Observe(rec)
	}
	return w
}

// Observe folds one dequeue into the window.
func (w *Window) Observe(rec crawler.DequeueRecord) {
	w.dequeued++
	if w.dequeued <= HostHorizon && rec.Host != "" {
		w.hosts[crawler.RegistrableHost(rec.Host)] = struct{}{}
	}
	if w.dequeued <= MixHorizon {
		if rec.Angle != "" {
			w.angles[rec.Angle] = struct{}{}
		}
		if rec.Viewpoint != "" {
			w.viewpoints[rec.Viewpoint] = struct{}{}
		}
	}
	w.recent = append(w.recent, tick{at: rec.DequeuedAt, isWiki: rec.IsWiki})
	w.prune(rec.DequeuedAt)
}

func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.recent) && w.recent[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.recent = append(w.recent[:0], w.recent[i:]...)
	}
}

// Dequeued returns the number of dequeues observed this run.
func (w *Window) Dequeued() int {
	return w.dequeued
}

// WikiShare returns the share of dequeues within the rolling horizon that
// went to Wikipedia. An empty horizon reports 0.
func (w *Window) WikiShare(now time.Time) float64 {
	cutoff := now.Add(-w.span)
	total, wiki := 0, 0
	for _, t := range w.recent {
		if t.at.Before(cutoff) {
			continue
		}
		total++
		if t.isWiki {
			wiki++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(wiki) / float64(total)
}

// Stats reads the window as of now.
func (w *Window) Stats(now time.Time) Stats {
	return Stats{
		Dequeued:                  w.dequeued,
		DistinctHostsFirst20:      len(w.hosts),
		DistinctAnglesFirst12:     len(w.angles),
		DistinctViewpointsFirst12: len(w.viewpoints),
		WikipediaShareRolling30s:  w.WikiShare(now),
	}
}
