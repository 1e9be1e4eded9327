// Package frontier selects the next crawl candidate while enforcing host
// politeness, canonical cooldown and the Wikipedia guard.
package frontier

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
	"github.com/JakeFAU/discovery-crawler/internal/diversity"
	"github.com/JakeFAU/discovery-crawler/internal/metrics"
	"github.com/JakeFAU/discovery-crawler/internal/telemetry"
)

// Throttler is a non-blocking per-host token check.
type Throttler interface {
	Allow(host string) bool
}

// DiversityObserver is told about every dequeue and every starved pass.
type DiversityObserver interface {
	Observe(ctx context.Context, stats diversity.Stats)
	OnStarved(ctx context.Context, stats diversity.Stats)
}

// Config tunes the scheduler.
type Config struct {
	Scope crawler.ScopeID
	RunID string
	// ScanLimit bounds how many eligible rows one DequeueNext inspects.
	ScanLimit          int
	HostCap            int
	CanonicalCooldown  time.Duration
	WikiMinHosts       int
	WikiShareThreshold float64
	WikiSharePenalty   int
}

func (c Config) withDefaults() Config {
	if c.RunID == "" {
		c.RunID = string(c.Scope)
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = 200
	}
	if c.CanonicalCooldown < 0 {
		c.CanonicalCooldown = 0
	}
	if c.WikiMinHosts <= 0 {
		c.WikiMinHosts = 3
	}
	if c.WikiShareThreshold <= 0 {
		c.WikiShareThreshold = 0.30
	}
	if c.WikiSharePenalty <= 0 {
		c.WikiSharePenalty = 30
	}
	return c
}

// Scheduler implements DequeueNext. It is driven from a single loop; the
// mutex only protects state read by WindowStats from other goroutines.
type Scheduler struct {
	cfg      Config
	store    crawler.FrontierStore
	limiter  Throttler
	tracker  DiversityObserver
	recorder *telemetry.Recorder
	clock    crawler.Clock
	logger   *zap.Logger

	mu         sync.Mutex
	window     *diversity.Window
	hostCounts map[string]int
	cooldown   map[string]time.Time
	seq        int
}

// NewScheduler wires a Scheduler. limiter, tracker and recorder may be nil.
func NewScheduler(
	cfg Config,
	store crawler.FrontierStore,
	limiter Throttler,
	tracker DiversityObserver,
	recorder *telemetry.Recorder,
	clock crawler.Clock,
	logger *zap.Logger,
) *Scheduler {
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cfg:        cfg.withDefaults(),
		store:      store,
		limiter:    limiter,
		tracker:    tracker,
		recorder:   recorder,
		clock:      clock,
		logger:     logger,
		window:     diversity.NewWindow(),
		hostCounts: make(map[string]int),
		cooldown:   make(map[string]time.Time),
	}
	if recorder != nil {
		recorder.AttachWindow(s)
	}
	return s
}

// Restore rebuilds the diversity window, per-host counts and cooldowns from
// persisted dequeue history so a resumed run continues where it stopped.
func (s *Scheduler) Restore(ctx context.Context) (diversity.Stats, error) {
	history, err := s.store.DequeueHistory(ctx, s.cfg.Scope, s.cfg.RunID)
	if err != nil {
		return diversity.Stats{}, fmt.Errorf("load dequeue history: %w", err)
	}
	now := s.clock.Now()
	var recent []crawler.DequeueRecord
	if s.cfg.CanonicalCooldown > 0 {
		recent, err = s.store.RecentDequeues(ctx, s.cfg.Scope, now.Add(-s.cfg.CanonicalCooldown))
		if err != nil {
			return diversity.Stats{}, fmt.Errorf("load recent dequeues: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = diversity.Rebuild(history)
	s.hostCounts = make(map[string]int)
	s.seq = 0
	for _, rec := range history {
		s.hostCounts[crawler.RegistrableHost(rec.Host)]++
		if rec.Seq > s.seq {
			s.seq = rec.Seq
		}
	}
	s.cooldown = make(map[string]time.Time)
	for _, rec := range recent {
		if prev, ok := s.cooldown[rec.Canonical]; !ok || rec.DequeuedAt.After(prev) {
			s.cooldown[rec.Canonical] = rec.DequeuedAt
		}
	}
	stats := s.window.Stats(now)
	s.logger.Info("scheduler restored",
		zap.String("run_id", s.cfg.RunID),
		zap.Int("dequeued", stats.Dequeued),
		zap.Int("cooldown_keys", len(s.cooldown)),
	)
	return stats, nil
}

// WindowStats returns the live diversity stats.
func (s *Scheduler) WindowStats() diversity.Stats {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.Stats(now)
}

// NoteFailure restarts the canonical cooldown for a failed candidate.
func (s *Scheduler) NoteFailure(c crawler.FrontierCandidate) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldown[crawler.CanonicalKey(c.NormalizedURL)] = now
}

type ranked struct {
	candidate crawler.FrontierCandidate
	effective int
	original  int
	isWiki    bool
}

// DequeueNext claims the best eligible candidate. The bool is false when
// nothing could be claimed; if that was not caused by host throttling alone,
// the diversity tracker is told the frontier is starved.
func (s *Scheduler) DequeueNext(ctx context.Context) (crawler.FrontierCandidate, bool, error) {
	eligible, err := s.store.ListEligible(ctx, s.cfg.Scope, s.cfg.ScanLimit)
	if err != nil {
		return crawler.FrontierCandidate{}, false, fmt.Errorf("list eligible: %w", err)
	}
	now := s.clock.Now()

	distinctHosts := -1
	order := make([]ranked, 0, len(eligible))
	anyWiki := false
	for i, c := range eligible {
		isWiki := crawler.IsWikipediaHost(c.Domain) || crawler.IsWikipediaURL(c.URL)
		anyWiki = anyWiki || isWiki
		order = append(order, ranked{candidate: c, effective: c.Priority, original: i, isWiki: isWiki})
	}
	if anyWiki {
		distinctHosts, err = s.store.DistinctHosts(ctx, s.cfg.Scope)
		if err != nil {
			return crawler.FrontierCandidate{}, false, fmt.Errorf("count distinct hosts: %w", err)
		}
	}

	s.mu.Lock()
	share := s.window.WikiShare(now)
	s.mu.Unlock()
	guarded := anyWiki && share > s.cfg.WikiShareThreshold
	if guarded {
		for i := range order {
			if order[i].isWiki {
				order[i].effective = crawler.ClampPriority(order[i].effective - s.cfg.WikiSharePenalty)
			}
		}
		sort.SliceStable(order, func(i, j int) bool {
			return order[i].effective > order[j].effective
		})
	}

	throttledOnly := len(order) > 0
	for pos, r := range order {
		c := r.candidate
		host := crawler.RegistrableHost(c.Domain)
		if host == "" {
			host = crawler.RegistrableHost(crawler.HostOf(c.URL))
		}
		canonical := crawler.CanonicalKey(c.NormalizedURL)

		if r.isWiki && distinctHosts < s.cfg.WikiMinHosts {
			s.decide(crawler.ReasonWikiLowDiversity, c, host)
			throttledOnly = false
			continue
		}
		if s.inCooldown(canonical, now) {
			s.decide(crawler.ReasonCanonicalCooldown, c, host)
			throttledOnly = false
			continue
		}
		if s.overCap(host) {
			s.decide(crawler.ReasonHostCap, c, host)
			throttledOnly = false
			continue
		}
		if s.limiter != nil && !s.limiter.Allow(host) {
			s.decide(crawler.ReasonHostThrottle, c, host)
			continue
		}

		claimed, err := s.store.Claim(ctx, c.ID, now)
		if err != nil {
			return crawler.FrontierCandidate{}, false, fmt.Errorf("claim candidate %d: %w", c.ID, err)
		}
		if !claimed {
			continue
		}
		if guarded {
			s.recordDisplacedWiki(order[pos+1:], r)
		}
		c.Status = crawler.CandidateInProgress
		c.ClaimedAt = &now
		c.LastTriedAt = &now
		if err := s.observe(ctx, c, host, canonical, r.isWiki, now); err != nil {
			return c, true, err
		}
		return c, true, nil
	}

	if !throttledOnly && s.tracker != nil {
		s.tracker.OnStarved(ctx, s.WindowStats())
	}
	return crawler.FrontierCandidate{}, false, nil
}

// recordDisplacedWiki tags wiki candidates the share guard pushed behind
// the winner; without the penalty they would have been offered first.
func (s *Scheduler) recordDisplacedWiki(behind []ranked, winner ranked) {
	for _, r := range behind {
		if r.isWiki && r.original < winner.original {
			s.decide(crawler.ReasonWikiShareGuard, r.candidate, crawler.RegistrableHost(r.candidate.Domain))
		}
	}
}

func (s *Scheduler) inCooldown(canonical string, now time.Time) bool {
	if s.cfg.CanonicalCooldown <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.cooldown[canonical]
	return ok && now.Sub(last) < s.cfg.CanonicalCooldown
}

func (s *Scheduler) overCap(host string) bool {
	if s.cfg.HostCap <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostCounts[host] >= s.cfg.HostCap
}

func (s *Scheduler) decide(reason crawler.ReasonCode, c crawler.FrontierCandidate, host string) {
	if s.recorder != nil {
		s.recorder.RecordDecision(reason, host)
	} else {
		metrics.ObserveSchedulerDecision(string(reason))
	}
	if reason != crawler.ReasonOK {
		s.logger.Debug("candidate skipped",
			zap.String("reason", string(reason)),
			zap.Int64("candidate_id", c.ID),
			zap.String("url", c.URL),
		)
	}
}

func (s *Scheduler) observe(
	ctx context.Context,
	c crawler.FrontierCandidate,
	host, canonical string,
	isWiki bool,
	now time.Time,
) error {
	s.mu.Lock()
	s.seq++
	rec := crawler.DequeueRecord{
		Scope:       s.cfg.Scope,
		RunID:       s.cfg.RunID,
		Seq:         s.seq,
		CandidateID: c.ID,
		Host:        host,
		Canonical:   canonical,
		Angle:       c.Angle,
		Viewpoint:   c.Viewpoint,
		IsWiki:      isWiki,
		DequeuedAt:  now,
	}
	s.window.Observe(rec)
	s.hostCounts[host]++
	s.cooldown[canonical] = now
	stats := s.window.Stats(now)
	s.mu.Unlock()

	s.decide(crawler.ReasonOK, c, host)
	metrics.ObserveDequeue(isWiki)
	s.logger.Debug("dequeued candidate",
		zap.Int64("candidate_id", c.ID),
		zap.String("url", c.URL),
		zap.Int("priority", c.Priority),
		zap.Int("seq", rec.Seq),
	)

	var err error
	if recErr := s.store.RecordDequeue(ctx, rec); recErr != nil {
		err = fmt.Errorf("record dequeue: %w", recErr)
	}
	if s.tracker != nil {
		s.tracker.Observe(ctx, stats)
	}
	return err
}
