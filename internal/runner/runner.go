// Package runner drives a discovery run: it restores state, seeds an empty
// frontier and then loops over dequeue, a bounded worker pool, the Wikipedia
// cadence, the watchdog, the feed outbox and telemetry until stopped.
package runner

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
	"github.com/JakeFAU/discovery-crawler/internal/diversity"
	"github.com/JakeFAU/discovery-crawler/internal/metrics"
	"github.com/JakeFAU/discovery-crawler/internal/planner"
	"github.com/JakeFAU/discovery-crawler/internal/telemetry"
	"github.com/JakeFAU/discovery-crawler/internal/wiki"
	"github.com/JakeFAU/discovery-crawler/internal/worker"
)

// Scheduler hands out claimed candidates.
type Scheduler interface {
	Restore(ctx context.Context) (diversity.Stats, error)
	DequeueNext(ctx context.Context) (crawler.FrontierCandidate, bool, error)
	NoteFailure(c crawler.FrontierCandidate)
}

// Processor runs one candidate through the pipeline.
type Processor interface {
	Process(ctx context.Context, c crawler.FrontierCandidate) (worker.Result, error)
}

// Seeder plans and seeds an empty frontier.
type Seeder interface {
	Plan(ctx context.Context) planner.Plan
	SeedFrontier(ctx context.Context, plan planner.Plan, origin crawler.Origin) (planner.SeedReport, error)
}

// Harvester harvests one monitored page per tick.
type Harvester interface {
	Tick(ctx context.Context) (wiki.HarvestReport, bool, error)
	Discover(ctx context.Context, terms []string) (int, error)
}

// CitationWorker processes and rescores harvested citations.
type CitationWorker interface {
	Tick(ctx context.Context) (int, error)
	RescoreDeferred(ctx context.Context) (int, error)
}

// Outbox re-sends accepted items whose feed handoff failed.
type Outbox interface {
	DrainOutbox(ctx context.Context, scope crawler.ScopeID, limit int) (int, error)
}

// StateRestorer receives restored diversity stats, usually the tracker.
type StateRestorer interface {
	Restore(stats diversity.Stats)
}

// Config tunes the loop.
type Config struct {
	Scope   crawler.ScopeID
	Workers int
	// CandidateTimeout bounds one candidate; in-flight work ignores Stop.
	CandidateTimeout  time.Duration
	IdleSleep         time.Duration
	WatchdogInterval  time.Duration
	StaleAfter        time.Duration
	TelemetryInterval time.Duration
	OutboxBatch       int
	WikiInterval      time.Duration
	WikiEveryN        int
	// DiscoverTerms are looked up on Wikipedia when the run starts.
	DiscoverTerms []string
	// MaxIterations stops the loop after that many passes; zero runs forever.
	MaxIterations int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.CandidateTimeout <= 0 {
		c.CandidateTimeout = 2 * time.Minute
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 2 * time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.StaleAfter < 2*c.CandidateTimeout {
		c.StaleAfter = 2 * c.CandidateTimeout
	}
	if c.TelemetryInterval <= 0 {
		c.TelemetryInterval = 30 * time.Second
	}
	if c.OutboxBatch <= 0 {
		c.OutboxBatch = 50
	}
	return c
}

// Deps are the collaborators of a Runner. Seeder, Harvester, Citations,
// Outbox, Wiki and Tracker are optional.
type Deps struct {
	Scheduler Scheduler
	Worker    Processor
	Frontier  crawler.FrontierStore
	Wiki      crawler.WikiStore
	Seeder    Seeder
	Harvester Harvester
	Citations CitationWorker
	Outbox    Outbox
	Tracker   StateRestorer
	Recorder  *telemetry.Recorder
	Clock     crawler.Clock
}

// Runner owns the main loop.
type Runner struct {
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	stopped atomic.Bool
	running atomic.Bool
	sleep   func(ctx context.Context, d time.Duration)
}

// New wires a Runner.
func New(cfg Config, deps Deps, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = crawler.SystemClock{}
	}
	if deps.Recorder == nil {
		deps.Recorder = telemetry.NewRecorder(cfg.Scope, deps.Clock)
	}
	return &Runner{cfg: cfg.withDefaults(), deps: deps, logger: logger, sleep: idle}
}

// Stop asks the loop to finish after the current batch.
func (r *Runner) Stop() {
	if r.stopped.CompareAndSwap(false, true) {
		r.logger.Info("stop requested")
	}
}

// Stopped reports whether Stop was called.
func (r *Runner) Stopped() bool {
	return r.stopped.Load()
}

// Running reports whether Run is inside its loop.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Snapshot returns the live telemetry snapshot.
func (r *Runner) Snapshot() telemetry.Snapshot {
	return r.deps.Recorder.Snapshot()
}

// Run blocks until Stop is called, ctx ends or MaxIterations passes ran.
// Cancellation is a normal shutdown and returns nil.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.restore(ctx); err != nil {
		return err
	}
	r.watchdog(ctx)
	if err := r.seedIfEmpty(ctx); err != nil {
		return err
	}
	r.discover(ctx)

	r.running.Store(true)
	defer r.running.Store(false)

	var (
		now           = r.deps.Clock.Now()
		cadence       = wiki.NewCadence(r.cfg.WikiInterval, r.cfg.WikiEveryN, now)
		lastWatchdog  = now
		lastTelemetry = now
		sinceHarvest  = 0
	)
	for iteration := 1; ; iteration++ {
		if r.stopped.Load() || ctx.Err() != nil {
			break
		}

		batch := r.dequeueBatch(ctx)
		if len(batch) > 0 {
			r.processBatch(ctx, batch)
			sinceHarvest += len(batch)
		}

		now = r.deps.Clock.Now()
		if cadence.Due(now, sinceHarvest) {
			r.harvest(ctx)
			cadence.Reset(now)
			sinceHarvest = 0
		}
		if now.Sub(lastWatchdog) >= r.cfg.WatchdogInterval {
			r.watchdog(ctx)
			lastWatchdog = now
		}
		r.drainOutbox(ctx)
		if now.Sub(lastTelemetry) >= r.cfg.TelemetryInterval {
			r.deps.Recorder.Emit(r.logger)
			lastTelemetry = now
		}

		if r.cfg.MaxIterations > 0 && iteration >= r.cfg.MaxIterations {
			break
		}
		if len(batch) == 0 && !r.stopped.Load() {
			r.sleep(ctx, r.cfg.IdleSleep)
		}
	}

	snap := r.deps.Recorder.Emit(r.logger)
	r.logger.Info("run finished",
		zap.Bool("stopped", r.stopped.Load()),
		zap.Int("dequeued", snap.Dequeued),
		zap.Int("accepted", snap.Accepted),
		zap.Int("failures", snap.Failures),
	)
	return nil
}

func (r *Runner) restore(ctx context.Context) error {
	stats, err := r.deps.Scheduler.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore scheduler: %w", err)
	}
	if r.deps.Tracker != nil {
		r.deps.Tracker.Restore(stats)
	}
	return nil
}

// seedIfEmpty plans and seeds when the frontier holds no pending or claimed work.
func (r *Runner) seedIfEmpty(ctx context.Context) error {
	if r.deps.Seeder == nil || r.deps.Frontier == nil {
		return nil
	}
	counts, err := r.deps.Frontier.Counts(ctx, r.cfg.Scope)
	if err != nil {
		return fmt.Errorf("frontier counts: %w", err)
	}
	if counts[crawler.CandidatePending]+counts[crawler.CandidateInProgress] > 0 {
		r.logger.Info("resuming existing frontier",
			zap.Int("pending", counts[crawler.CandidatePending]),
			zap.Int("in_progress", counts[crawler.CandidateInProgress]),
		)
		return nil
	}
	plan := r.deps.Seeder.Plan(ctx)
	report, err := r.deps.Seeder.SeedFrontier(ctx, plan, crawler.OriginSeed)
	if err != nil {
		return fmt.Errorf("seed frontier: %w", err)
	}
	r.logger.Info("frontier seeded",
		zap.String("source", plan.Source),
		zap.Int("enqueued", report.Enqueued),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("capped", report.Capped),
	)
	return nil
}

func (r *Runner) discover(ctx context.Context) {
	if r.deps.Harvester == nil || len(r.cfg.DiscoverTerms) == 0 {
		return
	}
	if _, err := r.deps.Harvester.Discover(ctx, r.cfg.DiscoverTerms); err != nil {
		r.logger.Warn("wiki discovery failed", zap.Error(err))
	}
}

func (r *Runner) dequeueBatch(ctx context.Context) []crawler.FrontierCandidate {
	batch := make([]crawler.FrontierCandidate, 0, r.cfg.Workers)
	for len(batch) < r.cfg.Workers {
		c, ok, err := r.deps.Scheduler.DequeueNext(ctx)
		if ok {
			// Claimed rows run even when the scheduler also reports an error.
			batch = append(batch, c)
		}
		if err != nil {
			r.logger.Error("dequeue failed", zap.Error(err))
			break
		}
		if !ok {
			break
		}
	}
	return batch
}

// processBatch runs the batch on at most Workers goroutines. Each candidate
// runs detached from ctx with its own timeout, so Stop and cancellation never
// abort a fetch midway.
func (r *Runner) processBatch(ctx context.Context, batch []crawler.FrontierCandidate) {
	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for _, c := range batch {
		g.Go(func() error {
			r.processOne(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Runner) processOne(parent context.Context, c crawler.FrontierCandidate) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.cfg.CandidateTimeout)
	defer cancel()
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	res, err := r.safeProcess(ctx, c)
	if err != nil {
		r.deps.Recorder.RecordFailure()
		r.deps.Scheduler.NoteFailure(c)
		r.logger.Error("candidate failed",
			zap.Int64("candidate_id", c.ID),
			zap.String("url", c.URL),
			zap.Error(err),
		)
		return
	}
	if res.Outcome != worker.OutcomeDone {
		r.deps.Scheduler.NoteFailure(c)
	}
	if res.Failure {
		r.deps.Recorder.RecordCandidateFailure(res.Reason)
	}
	r.logger.Debug("candidate processed",
		zap.Int64("candidate_id", c.ID),
		zap.String("url", c.URL),
		zap.String("outcome", res.Outcome),
		zap.String("reason", res.Reason),
	)
}

// safeProcess converts a worker panic into an error and returns the row to
// pending so the candidate is not stuck until the watchdog runs.
func (r *Runner) safeProcess(ctx context.Context, c crawler.FrontierCandidate) (res worker.Result, err error) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		err = fmt.Errorf("panic processing candidate %d: %v", c.ID, p)
		if r.deps.Frontier != nil {
			if ferr := r.deps.Frontier.Fail(ctx, c.ID, "panic", true, r.deps.Clock.Now()); ferr != nil {
				r.logger.Warn("release after panic failed", zap.Int64("candidate_id", c.ID), zap.Error(ferr))
			}
		}
	}()
	return r.deps.Worker.Process(ctx, c)
}

func (r *Runner) harvest(ctx context.Context) {
	if r.deps.Harvester != nil {
		if report, ok, err := r.deps.Harvester.Tick(ctx); err != nil {
			r.logger.Warn("wiki harvest failed", zap.Error(err))
		} else if ok {
			r.logger.Debug("wiki harvest", zap.Int64("page_id", report.PageID), zap.Int("retained", report.Retained))
		}
	}
	if r.deps.Citations == nil {
		return
	}
	if n, err := r.deps.Citations.Tick(ctx); err != nil {
		r.logger.Warn("citation processing failed", zap.Int("processed", n), zap.Error(err))
	}
	if n, err := r.deps.Citations.RescoreDeferred(ctx); err != nil {
		r.logger.Warn("citation rescore failed", zap.Int("resolved", n), zap.Error(err))
	}
}

// watchdog returns rows stuck in progress longer than StaleAfter.
func (r *Runner) watchdog(ctx context.Context) {
	cutoff := r.deps.Clock.Now().Add(-r.cfg.StaleAfter)
	if r.deps.Frontier != nil {
		n, err := r.deps.Frontier.ReleaseStale(ctx, r.cfg.Scope, cutoff)
		r.reportRelease("candidate", n, err)
	}
	if r.deps.Wiki != nil {
		n, err := r.deps.Wiki.ReleaseStalePages(ctx, r.cfg.Scope, cutoff)
		r.reportRelease("page", n, err)
		n, err = r.deps.Wiki.AbandonStaleCitations(ctx, r.cfg.Scope, cutoff)
		r.reportRelease("citation", n, err)
	}
}

func (r *Runner) reportRelease(kind string, n int, err error) {
	if err != nil {
		r.logger.Warn("watchdog release failed", zap.String("kind", kind), zap.Error(err))
		return
	}
	if n > 0 {
		metrics.ObserveWatchdogRelease(kind, n)
		r.logger.Info("watchdog released stale rows", zap.String("kind", kind), zap.Int("count", n))
	}
}

func (r *Runner) drainOutbox(ctx context.Context) {
	if r.deps.Outbox == nil {
		return
	}
	n, err := r.deps.Outbox.DrainOutbox(ctx, r.cfg.Scope, r.cfg.OutboxBatch)
	if err != nil {
		r.logger.Warn("outbox drain failed", zap.Error(err))
		return
	}
	if n > 0 {
		r.logger.Info("outbox drained", zap.Int("enqueued", n))
	}
}

func idle(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
