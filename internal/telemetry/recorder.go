// Package telemetry records scheduler and pipeline decisions for a run and
// exposes them as a snapshot for operators.
package telemetry

import (
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
	"github.com/JakeFAU/discovery-crawler/internal/diversity"
	"github.com/JakeFAU/discovery-crawler/internal/metrics"
)

// WindowSource supplies live diversity stats, usually the scheduler.
type WindowSource interface {
	WindowStats() diversity.Stats
}

// Snapshot is the periodic operator view of a run.
type Snapshot struct {
	Scope                     crawler.ScopeID `json:"scope"`
	TakenAt                   time.Time       `json:"takenAt"`
	StartedAt                 time.Time       `json:"startedAt"`
	DistinctHostsFirst20      int             `json:"distinctHostsFirst20"`
	DistinctAnglesFirst12     int             `json:"distinctAnglesFirst12"`
	DistinctViewpointsFirst12 int             `json:"distinctViewpointsFirst12"`
	WikipediaShareRolling30s  float64         `json:"wikipediaShareRolling30s"`
	WhyRejectedCounts         map[string]int  `json:"whyRejectedCounts"`
	ThrottleCounters          map[string]int  `json:"throttleCounters"`
	Failures                  int             `json:"failures"`
	DefaultScored             int             `json:"defaultScored"`
	Reseeds                   map[string]int  `json:"reseeds"`
	Dequeued                  int             `json:"dequeued"`
	Accepted                  int             `json:"accepted"`
	// TTFS is the time from run start to the first accepted item, when one exists.
	TTFS *time.Duration `json:"ttfsNanos,omitempty"`
}

// Recorder accumulates counters for one run. It is safe for concurrent use
// and mirrors every counter into Prometheus.
type Recorder struct {
	scope     crawler.ScopeID
	clock     crawler.Clock
	startedAt time.Time

	mu            sync.Mutex
	window        WindowSource
	rejected      map[string]int
	throttles     map[string]int
	reseeds       map[string]int
	failures      int
	defaultScored int
	accepted      int
	firstSave     *time.Time
}

// NewRecorder starts recording for scope at the clock's current time.
func NewRecorder(scope crawler.ScopeID, clock crawler.Clock) *Recorder {
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	metrics.Init()
	return &Recorder{
		scope:     scope,
		clock:     clock,
		startedAt: clock.Now(),
		rejected:  make(map[string]int),
		throttles: make(map[string]int),
		reseeds:   make(map[string]int),
	}
}

// AttachWindow sets the diversity stats source.
func (r *Recorder) AttachWindow(w WindowSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window = w
}

// RecordDecision counts one scheduler decision. Skips land in
// WhyRejectedCounts; throttle reasons are also counted per host.
func (r *Recorder) RecordDecision(reason crawler.ReasonCode, host string) {
	metrics.ObserveSchedulerDecision(string(reason))
	if reason == crawler.ReasonOK {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected[string(reason)]++
	if reason.IsThrottle() {
		r.throttles[crawler.RegistrableHost(host)]++
	}
}

// RecordRejection counts a pipeline rejection such as a validation denial.
func (r *Recorder) RecordRejection(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected[reason]++
}

// RecordFailure counts one isolated processing failure.
func (r *Recorder) RecordFailure() {
	metrics.ObserveCandidate("failed")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
}

// RecordCandidateFailure counts a candidate the worker already failed. The
// reason also lands in WhyRejectedCounts; the candidate metric is left to the
// worker.
func (r *Recorder) RecordCandidateFailure(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	r.rejected[reason]++
}

// RecordDefaultScored counts a sentinel score at the given stage.
func (r *Recorder) RecordDefaultScored(stage string) {
	metrics.ObserveDefaultScored(stage)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultScored++
}

// RecordReseed counts a reseed. It satisfies diversity.Observer.
func (r *Recorder) RecordReseed(reason string, _ int) {
	metrics.ObserveReseed(reason)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reseeds[reason]++
}

// RecordAccepted counts an accepted item and captures time-to-first-save.
func (r *Recorder) RecordAccepted(source crawler.SourceKind) {
	metrics.ObserveAccepted(string(source))
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted++
	if r.firstSave == nil {
		r.firstSave = &now
	}
}

// Failures returns the isolated failure count.
func (r *Recorder) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

// Snapshot returns a copy of the current counters.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	window := r.window
	snap := Snapshot{
		Scope:             r.scope,
		TakenAt:           r.clock.Now(),
		StartedAt:         r.startedAt,
		WhyRejectedCounts: maps.Clone(r.rejected),
		ThrottleCounters:  maps.Clone(r.throttles),
		Reseeds:           maps.Clone(r.reseeds),
		Failures:          r.failures,
		DefaultScored:     r.defaultScored,
		Accepted:          r.accepted,
	}
	if r.firstSave != nil {
		ttfs := r.firstSave.Sub(r.startedAt)
		snap.TTFS = &ttfs
	}
	r.mu.Unlock()

	if window != nil {
		stats := window.WindowStats()
		snap.Dequeued = stats.Dequeued
		snap.DistinctHostsFirst20 = stats.DistinctHostsFirst20
		snap.DistinctAnglesFirst12 = stats.DistinctAnglesFirst12
		snap.DistinctViewpointsFirst12 = stats.DistinctViewpointsFirst12
		snap.WikipediaShareRolling30s = stats.WikipediaShareRolling30s
	}
	return snap
}

// Emit logs the snapshot as one structured line.
func (r *Recorder) Emit(logger *zap.Logger) Snapshot {
	snap := r.Snapshot()
	fields := []zap.Field{
		zap.String("scope", string(snap.Scope)),
		zap.Int("distinct_hosts_first20", snap.DistinctHostsFirst20),
		zap.Int("distinct_angles_first12", snap.DistinctAnglesFirst12),
		zap.Int("distinct_viewpoints_first12", snap.DistinctViewpointsFirst12),
		zap.Float64("wikipedia_share_rolling30s", snap.WikipediaShareRolling30s),
		zap.Any("why_rejected", snap.WhyRejectedCounts),
		zap.Any("throttle_counters", snap.ThrottleCounters),
		zap.Int("failures", snap.Failures),
		zap.Int("default_scored", snap.DefaultScored),
		zap.Any("reseeds", snap.Reseeds),
		zap.Int("dequeued", snap.Dequeued),
		zap.Int("accepted", snap.Accepted),
	}
	if snap.TTFS != nil {
		fields = append(fields, zap.Duration("ttfs", *snap.TTFS))
	}
	logger.Info("telemetry snapshot", fields...)
	return snap
}
