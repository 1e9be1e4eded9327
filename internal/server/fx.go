// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-crawler/internal/acceptance"
	"github.com/JakeFAU/discovery-crawler/internal/api"
	"github.com/JakeFAU/discovery-crawler/internal/config"
	"github.com/JakeFAU/discovery-crawler/internal/crawler"
	"github.com/JakeFAU/discovery-crawler/internal/diversity"
	"github.com/JakeFAU/discovery-crawler/internal/extract"
	memoryfeed "github.com/JakeFAU/discovery-crawler/internal/feed/memory"
	pubsubfeed "github.com/JakeFAU/discovery-crawler/internal/feed/pubsub"
	collyfetcher "github.com/JakeFAU/discovery-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/discovery-crawler/internal/fetcher/detector"
	headlessfetcher "github.com/JakeFAU/discovery-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/discovery-crawler/internal/frontier"
	"github.com/JakeFAU/discovery-crawler/internal/llm"
	"github.com/JakeFAU/discovery-crawler/internal/metrics"
	"github.com/JakeFAU/discovery-crawler/internal/planner"
	"github.com/JakeFAU/discovery-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/discovery-crawler/internal/policy/simple"
	"github.com/JakeFAU/discovery-crawler/internal/runner"
	"github.com/JakeFAU/discovery-crawler/internal/scorer"
	"github.com/JakeFAU/discovery-crawler/internal/seen"
	gcsstorage "github.com/JakeFAU/discovery-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/discovery-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/discovery-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/discovery-crawler/internal/storage/postgres"
	"github.com/JakeFAU/discovery-crawler/internal/telemetry"
	"github.com/JakeFAU/discovery-crawler/internal/wiki"
	"github.com/JakeFAU/discovery-crawler/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	runner          *runner.Runner
	planner         *planner.Planner
	pool            *pgxpool.Pool
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	headless        *headlessfetcher.Fetcher
}

// Stores groups every persistence port a run needs.
type Stores struct {
	Seen     crawler.SeenStore
	Frontier crawler.FrontierStore
	Wiki     crawler.WikiStore
	Content  crawler.ContentStore
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("creating application",
		zap.String("scope", string(cfg.ScopeID())),
		zap.String("topic", cfg.Run.Topic),
		zap.Int("server_port", cfg.Server.Port),
	)
	return &App{cfg: cfg, logger: logger}, nil
}

// Runner exposes the discovery loop.
func (a *App) Runner() *runner.Runner {
	return a.runner
}

// Planner exposes the seed planner.
func (a *App) Planner() *planner.Planner {
	return a.planner
}

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run drives the discovery loop until it stops or ctx is canceled. When
// serveHTTP is set the operator API listens alongside it.
func (a *App) Run(ctx context.Context, serveHTTP bool) error {
	a.logger.Info("application started", zap.Bool("http", serveHTTP))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var srv *http.Server
	if serveHTTP {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				cancel()
			}
		}()
	}

	runErr := a.runner.Run(ctx)
	a.logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	closeErr := a.Close(shutdownCtx)
	return errors.Join(runErr, closeErr)
}

// Close gracefully shuts down the application.
func (a *App) Close(_ context.Context) error {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.logger.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	metrics.Init()
	app.logger.Info("building application dependencies")

	stores, err := setupDatabase(ctx, app)
	if err != nil {
		return nil, err
	}
	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		app.closeQuietly()
		return nil, err
	}
	feed, err := setupFeed(ctx, app)
	if err != nil {
		app.closeQuietly()
		return nil, err
	}
	model, err := setupModel(ctx, app)
	if err != nil {
		app.closeQuietly()
		return nil, err
	}
	if err := wire(app, stores, blobStore, feed, model); err != nil {
		app.closeQuietly()
		return nil, err
	}
	return app, nil
}

func (a *App) closeQuietly() {
	_ = a.Close(context.Background())
}

func setupDatabase(ctx context.Context, app *App) (Stores, error) {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("no database DSN configured, using in-memory stores")
		return Stores{
			Seen:     memorystorage.NewSeenStore(),
			Frontier: memorystorage.NewFrontierStore(),
			Wiki:     memorystorage.NewWikiStore(),
			Content:  memorystorage.NewContentStore(),
		}, nil
	}
	pool, err := pgstore.Open(ctx, postgresConfig(app.cfg))
	if err != nil {
		return Stores{}, fmt.Errorf("postgres init failed: %w", err)
	}
	app.pool = pool
	stores, err := postgresStores(pool)
	if err != nil {
		pool.Close()
		app.pool = nil
		return Stores{}, err
	}
	app.logger.Info("postgres stores initialized")
	return stores, nil
}

func postgresConfig(cfg *config.Config) pgstore.Config {
	return pgstore.Config{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	}
}

func postgresStores(db pgstore.DB) (Stores, error) {
	seenStore, err := pgstore.NewSeenStore(db)
	if err != nil {
		return Stores{}, fmt.Errorf("seen store init failed: %w", err)
	}
	frontierStore, err := pgstore.NewFrontierStore(db)
	if err != nil {
		return Stores{}, fmt.Errorf("frontier store init failed: %w", err)
	}
	wikiStore, err := pgstore.NewWikiStore(db)
	if err != nil {
		return Stores{}, fmt.Errorf("wiki store init failed: %w", err)
	}
	contentStore, err := pgstore.NewContentStore(db)
	if err != nil {
		return Stores{}, fmt.Errorf("content store init failed: %w", err)
	}
	return Stores{Seen: seenStore, Frontier: frontierStore, Wiki: wikiStore, Content: contentStore}, nil
}

func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCSBucket,
			Prefix: app.cfg.Storage.GCSPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case "local":
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	case "memory":
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	default:
		app.logger.Info("content archival disabled")
		return nil, nil
	}
}

func setupFeed(ctx context.Context, app *App) (crawler.FeedQueue, error) {
	if app.cfg.PubSub.ProjectID == "" || app.cfg.PubSub.TopicName == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory feed")
		return memoryfeed.New(), nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.pubsubPublisher = client.Publisher(app.cfg.PubSub.TopicName)
	if app.cfg.PubSub.Ordered {
		app.pubsubPublisher.EnableMessageOrdering = true
	}
	app.logger.Info("Pub/Sub feed initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return pubsubfeed.New(app.pubsubPublisher, app.cfg.PubSub.Ordered), nil
}

func setupModel(ctx context.Context, app *App) (llm.Generator, error) {
	if app.cfg.Scorer.APIKey == "" {
		return nil, nil
	}
	model, err := llm.NewGemini(ctx, app.cfg.Scorer.APIKey, app.cfg.Scorer.Model)
	if err != nil {
		return nil, fmt.Errorf("gemini init failed: %w", err)
	}
	app.logger.Info("gemini model initialized", zap.String("model", app.cfg.Scorer.Model))
	return model, nil
}

func setupCatalog(cfg *config.Config) (*planner.Catalog, error) {
	if cfg.Planner.CatalogPath == "" {
		catalog, err := planner.DefaultCatalog()
		if err != nil {
			return nil, fmt.Errorf("default catalog: %w", err)
		}
		return catalog, nil
	}
	data, err := os.ReadFile(cfg.Planner.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	catalog, err := planner.LoadCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return catalog, nil
}

//nolint:funlen // linear wiring of every component
func wire(app *App, stores Stores, blobStore crawler.BlobStore, feed crawler.FeedQueue, model llm.Generator) error {
	cfg := app.cfg
	logger := app.logger
	scope := cfg.ScopeID()
	topic := cfg.Topic()
	clock := crawler.SystemClock{}

	recorder := telemetry.NewRecorder(scope, clock)
	ledger := seen.NewLedger(stores.Seen, clock, logger.Named("seen"))

	catalog, err := setupCatalog(cfg)
	if err != nil {
		return err
	}
	var generator planner.Generator
	if cfg.Planner.UseLLM && model != nil {
		generator = planner.NewLLMGenerator(model)
	}
	var feeds *planner.FeedSource
	if len(cfg.Planner.Feeds) > 0 {
		feeds = planner.NewFeedSource(cfg.Planner.Feeds, cfg.Planner.FeedItems, cfg.Planner.FeedTimeout, logger.Named("feeds"))
	}
	plan := planner.New(planner.Config{
		Topic: topic,
		Rules: planner.Rules{
			MinSeeds:        cfg.Planner.MinSeeds,
			MaxWikiSeeds:    cfg.Planner.MaxWikiSeeds,
			MinDistinctHost: cfg.Planner.MinDistinctHosts,
			MinPathDepth:    cfg.Planner.MinPathDepth,
			Exceptions:      cfg.Planner.Exceptions,
		},
		Caps: planner.Caps{
			PerDomain:     cfg.Planner.PerDomainCap,
			Contested:     cfg.Planner.ContestedCap,
			Establishment: cfg.Planner.EstablishmentCap,
		},
		ReseedBoost:  cfg.Planner.ReseedBoost,
		QueriesPer:   cfg.Planner.QueriesPerBucket,
		SearchWeight: cfg.Planner.SearchWeight,
	}, catalog, generator, feeds, ledger, stores.Frontier, clock, logger.Named("planner"))
	app.planner = plan

	reseeder := diversity.NewReseeder(plan, recorder, cfg.Diversity.ReseedWindow, clock, logger.Named("reseed"))
	tracker := diversity.NewTracker(diversity.Targets{
		HostCheckpoint: cfg.Diversity.HostCheckpoint,
		MinHosts:       cfg.Diversity.MinHosts,
		MixCheckpoint:  cfg.Diversity.MixCheckpoint,
		MinAngles:      cfg.Diversity.MinAngles,
		MinViewpoints:  cfg.Diversity.MinViewpoints,
	}, reseeder, clock, logger.Named("diversity"))

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Scheduler.HostRPS,
		DefaultBurst: cfg.Scheduler.HostBurst,
	})
	sched := frontier.NewScheduler(frontier.Config{
		Scope:              scope,
		RunID:              newRunID(),
		ScanLimit:          cfg.Scheduler.ScanLimit,
		HostCap:            cfg.Scheduler.HostCap,
		CanonicalCooldown:  cfg.Scheduler.CanonicalCooldown,
		WikiMinHosts:       cfg.Scheduler.WikiMinHosts,
		WikiShareThreshold: cfg.Scheduler.WikiShareThreshold,
		WikiSharePenalty:   cfg.Scheduler.WikiSharePenalty,
	}, stores.Frontier, limiter, tracker, recorder, clock, logger.Named("scheduler"))

	detect := detector.NewHeuristic(cfg.Fetch.PromotionThreshold)
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       cfg.Fetch.Timeout,
		MaxBodyBytes:  cfg.Fetch.MaxBodyBytes,
	}, detect)
	logger.Info("using colly probe fetcher", zap.String("user_agent", cfg.Fetch.UserAgent))
	var headless crawler.Fetcher = headlessfetcher.NewNoop()
	if cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			SettleDelay:       cfg.Headless.SettleDelay,
			BlockedURLs:       cfg.Headless.BlockedURLs,
		}, detect)
		if err != nil {
			logger.Warn("headless fetcher init failed, promotion disabled", zap.Error(err))
		} else {
			app.headless = hf
			headless = hf
			logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		}
	}

	var primary crawler.Scorer = scorer.KeywordScorer{}
	var prioritizer crawler.Prioritizer = scorer.HeuristicPrioritizer{}
	if cfg.Scorer.Provider == "gemini" && model != nil {
		primary = scorer.NewGeminiScorer(model, cfg.Scorer.MaxRunes)
		prioritizer = scorer.NewFallbackPrioritizer(
			scorer.NewGeminiPrioritizer(model), scorer.HeuristicPrioritizer{}, logger.Named("prioritizer"))
	}
	relevance := scorer.NewGuarded(primary, cfg.Scorer.Timeout, logger.Named("scorer"))

	opts := []acceptance.Option{
		acceptance.WithRecorder(recorder),
		acceptance.WithClock(clock),
		acceptance.WithIDGenerator(crawler.UUIDGenerator{}),
	}
	if blobStore != nil {
		opts = append(opts, acceptance.WithBlobStore(blobStore))
	}
	acceptor := acceptance.New(acceptance.Rules{
		MinChars:      cfg.Acceptance.MinChars,
		MinParagraphs: cfg.Acceptance.MinParagraphs,
		Languages:     cfg.Acceptance.Languages,
		Threshold:     cfg.Acceptance.Threshold,
	}, stores.Content, feed, logger.Named("acceptance"), opts...)

	articles := extract.NewArticleExtractor(extract.Options{})
	retry := crawler.NewExponentialRetryPolicy(cfg.Fetch.MaxRetries, cfg.Fetch.BackoffInitial, cfg.Fetch.BackoffMax)
	policy := simple.New(simple.Config{
		Blocklist:     cfg.Fetch.Blocklist,
		HeadlessHosts: cfg.Headless.Hosts,
		MaxDepth:      cfg.Run.MaxDepth,
	})

	pipeline := worker.New(worker.Config{
		Scope:             scope,
		Topic:             topic,
		MaxDepth:          cfg.Run.MaxDepth,
		MaxRetries:        cfg.Scheduler.MaxRetries,
		OutlinkLimit:      cfg.Run.OutlinkLimit,
		OutlinksPerDomain: cfg.Run.OutlinksPerDomain,
		OutlinkDecay:      cfg.Run.OutlinkDecay,
		HeadlessEnabled:   app.headless != nil,
	}, worker.Deps{
		Frontier:  stores.Frontier,
		Ledger:    ledger,
		Probe:     probe,
		Headless:  headless,
		Detector:  detect,
		Extractor: articles,
		Scorer:    relevance,
		Acceptor:  acceptor,
		Retry:     retry,
		Policy:    policy,
		Recorder:  recorder,
		Clock:     clock,
	}, logger.Named("worker"))

	deps := runner.Deps{
		Scheduler: sched,
		Worker:    pipeline,
		Frontier:  stores.Frontier,
		Wiki:      stores.Wiki,
		Seeder:    plan,
		Outbox:    acceptor,
		Tracker:   tracker,
		Recorder:  recorder,
		Clock:     clock,
	}
	if cfg.Wiki.Enabled {
		deps.Harvester = wiki.NewMonitor(wiki.MonitorConfig{
			Scope:         scope,
			Topic:         topic,
			MaxCitations:  cfg.Wiki.MaxCitations,
			KeepTop:       cfg.Wiki.KeepTop,
			MaxPageErrors: cfg.Wiki.MaxPageErrors,
			Language:      cfg.Wiki.Language,
			DiscoverLimit: cfg.Wiki.DiscoverLimit,
		}, stores.Wiki, probe, prioritizer, ledger, clock, logger.Named("wiki"))
		deps.Citations = wiki.NewProcessor(wiki.ProcessorConfig{
			Scope:              scope,
			Topic:              topic,
			PerTick:            cfg.Citation.PerTick,
			MaxRescoreAttempts: cfg.Scorer.MaxRescoreAttempts,
		}, stores.Wiki, probe, probe, articles, relevance, acceptor, recorder, clock, logger.Named("citations"))
	}

	app.runner = runner.New(runner.Config{
		Scope:             scope,
		Workers:           cfg.Run.Workers,
		CandidateTimeout:  cfg.Run.CandidateTimeout,
		IdleSleep:         cfg.Run.IdleSleep,
		WatchdogInterval:  cfg.Run.WatchdogInterval,
		StaleAfter:        cfg.Run.StaleAfter,
		TelemetryInterval: cfg.Telemetry.Interval,
		OutboxBatch:       cfg.Run.OutboxBatch,
		WikiInterval:      cfg.Wiki.Interval,
		WikiEveryN:        cfg.Wiki.EveryN,
		DiscoverTerms:     cfg.Wiki.DiscoverTerms,
		MaxIterations:     cfg.Run.MaxIterations,
	}, deps, logger.Named("runner"))

	var ready api.ReadyCheck
	if app.pool != nil {
		ready = app.pool.Ping
	}
	app.apiServer = api.NewServer(app.runner, stores.Frontier, ready, *cfg, logger.Named("api"))
	return nil
}

func newRunID() string {
	id, err := crawler.UUIDGenerator{}.NewID()
	if err != nil {
		return time.Now().UTC().Format("20060102T150405.000000000")
	}
	return id
}

// Migrate applies the Postgres schema for cfg's database.
func Migrate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	pool, err := pgstore.Open(ctx, postgresConfig(cfg))
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	defer pool.Close()
	if err := pgstore.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("migrations applied")
	return nil
}
