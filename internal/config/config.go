// Package config loads and validates discovery crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

// EnvPrefix namespaces environment overrides, e.g. DISCOVERY_RUN_WORKERS.
const EnvPrefix = "DISCOVERY"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Run        RunConfig        `mapstructure:"run"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Diversity  DiversityConfig  `mapstructure:"diversity"`
	Planner    PlannerConfig    `mapstructure:"planner"`
	Wiki       WikiConfig       `mapstructure:"wiki"`
	Citation   CitationConfig   `mapstructure:"citation"`
	Scorer     ScorerConfig     `mapstructure:"scorer"`
	Acceptance AcceptanceConfig `mapstructure:"acceptance"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RunConfig describes the scope being discovered and the main loop.
type RunConfig struct {
	Scope             string        `mapstructure:"scope"`
	Topic             string        `mapstructure:"topic"`
	Entities          []string      `mapstructure:"entities"`
	Keywords          []string      `mapstructure:"keywords"`
	Workers           int           `mapstructure:"workers"`
	MaxDepth          int           `mapstructure:"max_depth"`
	CandidateTimeout  time.Duration `mapstructure:"candidate_timeout"`
	IdleSleep         time.Duration `mapstructure:"idle_sleep"`
	WatchdogInterval  time.Duration `mapstructure:"watchdog_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	MaxIterations     int           `mapstructure:"max_iterations"`
	OutboxBatch       int           `mapstructure:"outbox_batch"`
	OutlinkLimit      int           `mapstructure:"outlink_limit"`
	OutlinksPerDomain int           `mapstructure:"outlinks_per_domain"`
	OutlinkDecay      int           `mapstructure:"outlink_decay"`
}

// SchedulerConfig tunes frontier selection.
type SchedulerConfig struct {
	ScanLimit          int           `mapstructure:"scan_limit"`
	HostCap            int           `mapstructure:"host_cap"`
	CanonicalCooldown  time.Duration `mapstructure:"canonical_cooldown"`
	WikiMinHosts       int           `mapstructure:"wiki_min_hosts"`
	WikiShareThreshold float64       `mapstructure:"wiki_share_threshold"`
	WikiSharePenalty   int           `mapstructure:"wiki_share_penalty"`
	MaxRetries         int           `mapstructure:"max_retries"`
	HostRPS            float64       `mapstructure:"host_rps"`
	HostBurst          int           `mapstructure:"host_burst"`
}

// DiversityConfig holds checkpoint targets and reseed coalescing.
type DiversityConfig struct {
	HostCheckpoint int           `mapstructure:"host_checkpoint"`
	MinHosts       int           `mapstructure:"min_hosts"`
	MixCheckpoint  int           `mapstructure:"mix_checkpoint"`
	MinAngles      int           `mapstructure:"min_angles"`
	MinViewpoints  int           `mapstructure:"min_viewpoints"`
	ReseedWindow   time.Duration `mapstructure:"reseed_window"`
}

// PlannerConfig configures plan generation, validation and seeding caps.
type PlannerConfig struct {
	UseLLM           bool          `mapstructure:"use_llm"`
	CatalogPath      string        `mapstructure:"catalog_path"`
	MinSeeds         int           `mapstructure:"min_seeds"`
	MaxWikiSeeds     int           `mapstructure:"max_wiki_seeds"`
	MinDistinctHosts int           `mapstructure:"min_distinct_hosts"`
	MinPathDepth     int           `mapstructure:"min_path_depth"`
	Exceptions       []string      `mapstructure:"exceptions"`
	PerDomainCap     int           `mapstructure:"per_domain_cap"`
	ContestedCap     int           `mapstructure:"contested_cap"`
	EstablishmentCap int           `mapstructure:"establishment_cap"`
	ReseedBoost      int           `mapstructure:"reseed_boost"`
	QueriesPerBucket int           `mapstructure:"queries_per_bucket"`
	SearchWeight     int           `mapstructure:"search_weight"`
	Feeds            []string      `mapstructure:"feeds"`
	FeedItems        int           `mapstructure:"feed_items"`
	FeedTimeout      time.Duration `mapstructure:"feed_timeout"`
}

// WikiConfig drives the Wikipedia monitor.
type WikiConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Language      string        `mapstructure:"language"`
	Interval      time.Duration `mapstructure:"interval"`
	EveryN        int           `mapstructure:"every_n"`
	MaxCitations  int           `mapstructure:"max_citations"`
	KeepTop       int           `mapstructure:"keep_top"`
	MaxPageErrors int           `mapstructure:"max_page_errors"`
	DiscoverTerms []string      `mapstructure:"discover_terms"`
	DiscoverLimit int           `mapstructure:"discover_limit"`
}

// CitationConfig tunes the citation processor.
type CitationConfig struct {
	PerTick int `mapstructure:"per_tick"`
}

// ScorerConfig selects and bounds the relevance scorer.
type ScorerConfig struct {
	Provider           string        `mapstructure:"provider"`
	Model              string        `mapstructure:"model"`
	APIKey             string        `mapstructure:"api_key"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxRunes           int           `mapstructure:"max_runes"`
	MaxRescoreAttempts int           `mapstructure:"max_rescore_attempts"`
}

// AcceptanceConfig holds content validation rules and the save threshold.
type AcceptanceConfig struct {
	Threshold     int      `mapstructure:"threshold"`
	MinChars      int      `mapstructure:"min_chars"`
	MinParagraphs int      `mapstructure:"min_paragraphs"`
	Languages     []string `mapstructure:"languages"`
}

// FetchConfig configures the HTTP fetcher and its retry behavior.
type FetchConfig struct {
	UserAgent          string        `mapstructure:"user_agent"`
	RespectRobots      bool          `mapstructure:"respect_robots"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxBodyBytes       int           `mapstructure:"max_body_bytes"`
	MaxRetries         int           `mapstructure:"max_retries"`
	BackoffInitial     time.Duration `mapstructure:"backoff_initial"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
	Blocklist          []string      `mapstructure:"blocklist"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	// Hosts optionally restricts promotion to these host patterns.
	Hosts []string `mapstructure:"hosts"`
	// BlockedURLs are URL patterns the browser never loads (images, fonts).
	BlockedURLs []string `mapstructure:"blocked_urls"`
}

// StorageConfig selects where accepted content is archived.
type StorageConfig struct {
	// Backend is none, memory, local or gcs.
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	// GCSPrefix is prepended to every object name in the bucket.
	GCSPrefix string `mapstructure:"gcs_prefix"`
	LocalDir  string `mapstructure:"local_dir"`
}

// DatabaseConfig controls access to Postgres. An empty DSN selects the
// in-memory stores.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds the agent feed topic. An empty project selects the
// in-memory feed.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	Ordered   bool   `mapstructure:"ordered"`
}

// TelemetryConfig controls the periodic snapshot log line.
type TelemetryConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("run.scope", "default")
	v.SetDefault("run.workers", 4)
	v.SetDefault("run.max_depth", 2)
	v.SetDefault("run.candidate_timeout", "2m")
	v.SetDefault("run.idle_sleep", "2s")
	v.SetDefault("run.watchdog_interval", "1m")
	v.SetDefault("run.stale_after", "10m")
	v.SetDefault("run.outbox_batch", 50)
	v.SetDefault("run.outlink_limit", 15)
	v.SetDefault("run.outlinks_per_domain", 3)
	v.SetDefault("run.outlink_decay", 10)

	v.SetDefault("scheduler.scan_limit", 200)
	v.SetDefault("scheduler.host_cap", 3)
	v.SetDefault("scheduler.canonical_cooldown", "10m")
	v.SetDefault("scheduler.wiki_min_hosts", 3)
	v.SetDefault("scheduler.wiki_share_threshold", 0.3)
	v.SetDefault("scheduler.wiki_share_penalty", 30)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.host_rps", 0.5)
	v.SetDefault("scheduler.host_burst", 1)

	v.SetDefault("diversity.host_checkpoint", 5)
	v.SetDefault("diversity.min_hosts", 3)
	v.SetDefault("diversity.mix_checkpoint", 10)
	v.SetDefault("diversity.min_angles", 4)
	v.SetDefault("diversity.min_viewpoints", 3)
	v.SetDefault("diversity.reseed_window", "30s")

	v.SetDefault("planner.use_llm", false)
	v.SetDefault("planner.min_seeds", 10)
	v.SetDefault("planner.max_wiki_seeds", 1)
	v.SetDefault("planner.min_distinct_hosts", 6)
	v.SetDefault("planner.min_path_depth", 2)
	v.SetDefault("planner.per_domain_cap", 2)
	v.SetDefault("planner.contested_cap", 3)
	v.SetDefault("planner.establishment_cap", 3)
	v.SetDefault("planner.reseed_boost", 10)
	v.SetDefault("planner.queries_per_bucket", 2)
	v.SetDefault("planner.search_weight", 45)
	v.SetDefault("planner.feed_items", 5)
	v.SetDefault("planner.feed_timeout", "10s")

	v.SetDefault("wiki.enabled", true)
	v.SetDefault("wiki.language", "en")
	v.SetDefault("wiki.interval", "30s")
	v.SetDefault("wiki.every_n", 10)
	v.SetDefault("wiki.max_citations", 200)
	v.SetDefault("wiki.keep_top", 25)
	v.SetDefault("wiki.max_page_errors", 3)
	v.SetDefault("wiki.discover_limit", 5)

	v.SetDefault("citation.per_tick", 5)

	v.SetDefault("scorer.provider", "keyword")
	v.SetDefault("scorer.model", "gemini-2.5-flash")
	v.SetDefault("scorer.timeout", "20s")
	v.SetDefault("scorer.max_runes", 6000)
	v.SetDefault("scorer.max_rescore_attempts", 3)

	v.SetDefault("acceptance.threshold", 60)
	v.SetDefault("acceptance.min_chars", 1000)
	v.SetDefault("acceptance.min_paragraphs", 2)

	v.SetDefault("fetch.user_agent", "discovery-crawler/0.1")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.timeout", "15s")
	v.SetDefault("fetch.max_body_bytes", 5<<20)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.backoff_initial", "250ms")
	v.SetDefault("fetch.backoff_max", "2s")
	v.SetDefault("fetch.promotion_threshold", 60)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", "25s")
	v.SetDefault("headless.settle_delay", "500ms")

	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.local_dir", "data/content")
	v.SetDefault("storage.gcs_prefix", "content")

	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")

	v.SetDefault("pubsub.topic_name", "discovery-feed")
	v.SetDefault("pubsub.ordered", true)

	v.SetDefault("telemetry.interval", "30s")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}
	check(c.Server.Port > 0, "server.port must be > 0")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")
	check(strings.TrimSpace(c.Run.Scope) != "", "run.scope must be set")
	check(c.Run.Workers > 0, "run.workers must be > 0")
	check(c.Run.MaxDepth >= 0, "run.max_depth must be >= 0")
	check(c.Run.CandidateTimeout > 0, "run.candidate_timeout must be > 0")
	check(c.Run.StaleAfter >= 2*c.Run.CandidateTimeout, "run.stale_after must be at least twice run.candidate_timeout")
	check(c.Scheduler.WikiShareThreshold >= 0 && c.Scheduler.WikiShareThreshold <= 1,
		"scheduler.wiki_share_threshold must be within [0,1]")
	check(c.Scheduler.MaxRetries >= 0, "scheduler.max_retries must be >= 0")
	check(c.Acceptance.Threshold >= 0 && c.Acceptance.Threshold <= 100, "acceptance.threshold must be within [0,100]")
	check(c.Fetch.Timeout > 0, "fetch.timeout must be > 0")
	check(c.Fetch.MaxRetries >= 1, "fetch.max_retries must be >= 1")
	check(c.Scorer.MaxRescoreAttempts >= 1, "scorer.max_rescore_attempts must be >= 1")
	switch c.Scorer.Provider {
	case "keyword":
	case "gemini":
		check(c.Scorer.APIKey != "", "scorer.api_key must be set for the gemini provider")
	default:
		errs = append(errs, fmt.Errorf("scorer.provider %q is not one of keyword, gemini", c.Scorer.Provider))
	}
	check(!c.Planner.UseLLM || c.Scorer.APIKey != "", "planner.use_llm requires scorer.api_key")
	check(!c.Headless.Enabled || c.Headless.MaxParallel > 0, "headless.max_parallel must be > 0 when headless is enabled")
	switch c.Storage.Backend {
	case "none", "memory":
	case "local":
		check(c.Storage.LocalDir != "", "storage.local_dir must be set for the local backend")
	case "gcs":
		check(c.Storage.GCSBucket != "", "storage.gcs_bucket must be set for the gcs backend")
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of none, memory, local, gcs", c.Storage.Backend))
	}
	check(c.PubSub.ProjectID == "" || c.PubSub.TopicName != "", "pubsub.topic_name must be set with pubsub.project_id")
	return errors.Join(errs...)
}

// ScopeID returns the run scope as a typed id.
func (c Config) ScopeID() crawler.ScopeID {
	return crawler.ScopeID(strings.TrimSpace(c.Run.Scope))
}

// Topic returns the relevance context for the run.
func (c Config) Topic() crawler.TopicContext {
	return crawler.TopicContext{
		Scope:    c.ScopeID(),
		Topic:    c.Run.Topic,
		Entities: c.Run.Entities,
		Keywords: c.Run.Keywords,
	}
}
