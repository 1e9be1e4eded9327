package diversity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

// Reseed reasons.
const (
	ReasonFirst5HostDiversity = "first5_host_diversity"
	ReasonFirst10Mixture      = "first10_mixture"
	ReasonFrontierStarved     = "frontier_starved"
)

// Targets are the diversity thresholds checked at fixed dequeue counts.
type Targets struct {
	HostCheckpoint int
	MinHosts       int
	MixCheckpoint  int
	MinAngles      int
	MinViewpoints  int
}

// DefaultTargets returns the standard checkpoints: 3 hosts by dequeue 5, and
// 4 angles plus 3 viewpoints by dequeue 10.
func DefaultTargets() Targets {
	return Targets{
		HostCheckpoint: 5,
		MinHosts:       3,
		MixCheckpoint:  10,
		MinAngles:      4,
		MinViewpoints:  3,
	}
}

// Trigger records one fired reseed.
type Trigger struct {
	Reason      string
	EntityBoost bool
	Dequeued    int
	At          time.Time
}

// Tracker turns window reads into reseed requests. Each checkpoint is
// evaluated once per run and fires at most once.
type Tracker struct {
	targets  Targets
	reseeder *Reseeder
	clock    crawler.Clock
	logger   *zap.Logger

	mu           sync.Mutex
	hostsChecked bool
	mixChecked   bool
	fired        []Trigger
}

// NewTracker builds a Tracker. Zero-valued targets take the defaults.
func NewTracker(targets Targets, reseeder *Reseeder, clock crawler.Clock, logger *zap.Logger) *Tracker {
	def := DefaultTargets()
	if targets.HostCheckpoint <= 0 {
		targets.HostCheckpoint = def.HostCheckpoint
	}
	if targets.MinHosts <= 0 {
		targets.MinHosts = def.MinHosts
	}
	if targets.MixCheckpoint <= 0 {
		targets.MixCheckpoint = def.MixCheckpoint
	}
	if targets.MinAngles <= 0 {
		targets.MinAngles = def.MinAngles
	}
	if targets.MinViewpoints <= 0 {
		targets.MinViewpoints = def.MinViewpoints
	}
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{targets: targets, reseeder: reseeder, clock: clock, logger: logger}
}

// Restore marks checkpoints a resumed run has already passed so they are not
// re-evaluated against a partially rebuilt window.
func (t *Tracker) Restore(stats Stats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hostsChecked = stats.Dequeued >= t.targets.HostCheckpoint
	t.mixChecked = stats.Dequeued >= t.targets.MixCheckpoint
}

// Observe evaluates the checkpoints after a dequeue.
func (t *Tracker) Observe(ctx context.Context, stats Stats) {
	var pending []Trigger
	now := t.clock.Now()

	t.mu.Lock()
	if !t.hostsChecked && stats.Dequeued >= t.targets.HostCheckpoint {
		t.hostsChecked = true
		if stats.DistinctHostsFirst20 < t.targets.MinHosts {
			pending = append(pending, Trigger{
				Reason:   ReasonFirst5HostDiversity,
				Dequeued: stats.Dequeued,
				At:       now,
			})
		}
	}
	if !t.mixChecked && stats.Dequeued >= t.targets.MixCheckpoint {
		t.mixChecked = true
		if stats.DistinctAnglesFirst12 < t.targets.MinAngles ||
			stats.DistinctViewpointsFirst12 < t.targets.MinViewpoints {
			pending = append(pending, Trigger{
				Reason:      ReasonFirst10Mixture,
				EntityBoost: true,
				Dequeued:    stats.Dequeued,
				At:          now,
			})
		}
	}
	t.fired = append(t.fired, pending...)
	t.mu.Unlock()

	for _, trig := range pending {
		t.logger.Info("diversity target missed",
			zap.String("reason", trig.Reason),
			zap.Int("dequeued", stats.Dequeued),
			zap.Int("hosts", stats.DistinctHostsFirst20),
			zap.Int("angles", stats.DistinctAnglesFirst12),
			zap.Int("viewpoints", stats.DistinctViewpointsFirst12),
		)
		t.request(ctx, trig)
	}
}

// OnStarved requests a reseed because the frontier had nothing eligible.
func (t *Tracker) OnStarved(ctx context.Context, stats Stats) {
	t.request(ctx, Trigger{Reason: ReasonFrontierStarved, Dequeued: stats.Dequeued, At: t.clock.Now()})
}

func (t *Tracker) request(ctx context.Context, trig Trigger) {
	if t.reseeder == nil {
		return
	}
	if _, err := t.reseeder.Request(ctx, Request{Reason: trig.Reason, EntityBoost: trig.EntityBoost}); err != nil {
		t.logger.Warn("reseed failed", zap.String("reason", trig.Reason), zap.Error(err))
	}
}

// Fired returns the checkpoint triggers fired so far.
func (t *Tracker) Fired() []Trigger {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Trigger, len(t.fired))
	copy(out, t.fired)
	return out
}
