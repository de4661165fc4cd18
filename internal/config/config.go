// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/dedup"
)

// EnvPrefix namespaces environment overrides, e.g. BOOTHS_SERVER_PORT.
const EnvPrefix = "BOOTHS"

// WebhookPath is where crawl providers deliver callbacks.
const WebhookPath = "/v1/webhooks/crawl"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Provider     ProviderConfig     `mapstructure:"provider"`
	Extractor    ExtractorConfig    `mapstructure:"extractor"`
	Webhook      WebhookConfig      `mapstructure:"webhook"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Dedup        DedupConfig        `mapstructure:"dedup"`
	Quality      QualityConfig      `mapstructure:"quality"`
	Storage      StorageConfig      `mapstructure:"storage"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Progress     ProgressConfig     `mapstructure:"progress"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Sources      []SourceConfig     `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	PublicURL       string        `mapstructure:"public_url"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig controls access to Postgres. An empty DSN selects the
// in-memory stores.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// ProviderConfig selects and tunes the crawl provider.
type ProviderConfig struct {
	// Kind is "http" for a hosted crawl API or "local" for the built-in
	// crawler.
	Kind       string        `mapstructure:"kind"`
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	Backoff    time.Duration `mapstructure:"backoff"`
	Formats    []string      `mapstructure:"formats"`
	Local      LocalCrawl    `mapstructure:"local"`
}

// LocalCrawl tunes the built-in crawler.
type LocalCrawl struct {
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	MaxDepth      int           `mapstructure:"max_depth"`
	Parallelism   int           `mapstructure:"parallelism"`
	Delay         time.Duration `mapstructure:"delay"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// ExtractorConfig points at the remote extraction service. Without an
// endpoint only the built-in extractors are available.
type ExtractorConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Default  string        `mapstructure:"default"`
}

// WebhookConfig hardens the callback endpoint.
type WebhookConfig struct {
	// URL overrides server.public_url + WebhookPath.
	URL            string        `mapstructure:"url"`
	Secret         string        `mapstructure:"secret"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
}

// OrchestratorConfig bounds concurrent jobs and their timeouts.
type OrchestratorConfig struct {
	DefaultMaxPages      int           `mapstructure:"default_max_pages"`
	MaxInFlightPerSource int           `mapstructure:"max_in_flight_per_source"`
	MaxInFlightGlobal    int           `mapstructure:"max_in_flight_global"`
	StartTimeout         time.Duration `mapstructure:"start_timeout"`
	FetchTimeout         time.Duration `mapstructure:"fetch_timeout"`
	ExtractTimeout       time.Duration `mapstructure:"extract_timeout"`
	StalenessWindow      time.Duration `mapstructure:"staleness_window"`
	ReconcileAfter       time.Duration `mapstructure:"reconcile_after"`
	Workers              int           `mapstructure:"workers"`
	QueueDepth           int           `mapstructure:"queue_depth"`
	JobTimeout           time.Duration `mapstructure:"job_timeout"`
}

// DedupConfig holds the clustering heuristics.
type DedupConfig struct {
	RadiusMeters     float64       `mapstructure:"radius_meters"`
	PassRadiusMeters float64       `mapstructure:"pass_radius_meters"`
	Parallelism      int           `mapstructure:"parallelism"`
	MaxRounds        int           `mapstructure:"max_rounds"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	Similarity       string        `mapstructure:"similarity"`
	Name             NameConfig    `mapstructure:"name"`
	Weights          dedup.Weights `mapstructure:"weights"`
}

// NameConfig mirrors dedup.NameConfig for decoding.
type NameConfig struct {
	MaxSuffixLen    int      `mapstructure:"max_suffix_len"`
	MinLengthRatio  float64  `mapstructure:"min_length_ratio"`
	MaxEditDistance int      `mapstructure:"max_edit_distance"`
	MinEditRatio    float64  `mapstructure:"min_edit_ratio"`
	MinTokenOverlap float64  `mapstructure:"min_token_overlap"`
	GenericTokens   []string `mapstructure:"generic_tokens"`
}

// NameConfig converts the decoded settings.
func (d DedupConfig) NameConfig() dedup.NameConfig {
	return dedup.NameConfig{
		MaxSuffixLen:    d.Name.MaxSuffixLen,
		MinLengthRatio:  d.Name.MinLengthRatio,
		MaxEditDistance: d.Name.MaxEditDistance,
		MinEditRatio:    d.Name.MinEditRatio,
		MinTokenOverlap: d.Name.MinTokenOverlap,
		GenericTokens:   d.Name.GenericTokens,
	}
}

// QualityConfig sets the enrichment bar.
type QualityConfig struct {
	Threshold int `mapstructure:"threshold"`
}

// StorageConfig selects where raw pages are archived.
type StorageConfig struct {
	// Backend is one of memory, local or gcs.
	Backend   string `mapstructure:"backend"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PubSubConfig names downstream topics. An empty project keeps events in
// memory.
type PubSubConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	CompletedTopic  string `mapstructure:"completed_topic"`
	MergedTopic     string `mapstructure:"merged_topic"`
	EnrichmentTopic string `mapstructure:"enrichment_topic"`
}

// RedisConfig enables cross-replica leases for periodic passes.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
}

// SchedulerConfig holds cron specs. An empty spec disables that pass.
type SchedulerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	DueSources string `mapstructure:"due_sources"`
	Reconcile  string `mapstructure:"reconcile"`
	StaleScan  string `mapstructure:"stale_scan"`
	DedupPass  string `mapstructure:"dedup_pass"`
}

// RateLimitConfig throttles provider calls per host.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// ProgressConfig tunes the progress hub and the SSE broadcaster.
type ProgressConfig struct {
	BufferSize       int           `mapstructure:"buffer_size"`
	MaxBatchEvents   int           `mapstructure:"max_batch_events"`
	MaxBatchWait     time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout      time.Duration `mapstructure:"sink_timeout"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	MaxSubscribers   int           `mapstructure:"max_subscribers"`
	Heartbeat        time.Duration `mapstructure:"heartbeat"`
}

// TelemetryConfig tunes tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// SourceConfig seeds the source registry at startup.
type SourceConfig struct {
	ID            string `mapstructure:"id"`
	Name          string `mapstructure:"name"`
	URL           string `mapstructure:"url"`
	ExtractorType string `mapstructure:"extractor_type"`
	Enabled       bool   `mapstructure:"enabled"`
	Priority      int    `mapstructure:"priority"`
	CadenceHours  int    `mapstructure:"cadence_hours"`
	MaxPages      int    `mapstructure:"max_pages"`
}

// Source converts the seed into a registry entry.
func (s SourceConfig) Source() crawler.Source {
	id := s.ID
	if id == "" {
		id = s.Name
	}
	return crawler.Source{
		ID:            id,
		Name:          s.Name,
		URL:           s.URL,
		ExtractorType: s.ExtractorType,
		Enabled:       s.Enabled,
		Priority:      s.Priority,
		CadenceHours:  s.CadenceHours,
		MaxPages:      s.MaxPages,
	}
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
	// Empty defaults register keys so AutomaticEnv can populate them during
	// Unmarshal.
	for _, key := range []string{
		"auth.api_key", "database.dsn", "provider.base_url", "provider.api_key",
		"extractor.endpoint", "extractor.api_key", "webhook.url", "webhook.secret",
		"storage.local_dir", "storage.gcs_bucket", "pubsub.project_id",
		"redis.addr", "redis.password",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("auth.enabled", false)
	v.SetDefault("redis.db", 0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "20s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("provider.kind", "local")
	v.SetDefault("provider.timeout", "30s")
	v.SetDefault("provider.max_retries", 1)
	v.SetDefault("provider.backoff", "500ms")
	v.SetDefault("provider.formats", []string{"markdown", "html"})
	v.SetDefault("provider.local.user_agent", "booth-crawler/0.1")
	v.SetDefault("provider.local.respect_robots", true)
	v.SetDefault("provider.local.max_depth", 2)
	v.SetDefault("provider.local.parallelism", 2)
	v.SetDefault("provider.local.delay", "500ms")
	v.SetDefault("provider.local.timeout", "15s")
	v.SetDefault("extractor.timeout", "2m")
	v.SetDefault("extractor.default", "jsonld")
	v.SetDefault("webhook.max_body_bytes", 5<<20)
	v.SetDefault("webhook.enqueue_timeout", "2s")
	v.SetDefault("orchestrator.default_max_pages", 50)
	v.SetDefault("orchestrator.max_in_flight_per_source", 1)
	v.SetDefault("orchestrator.max_in_flight_global", 10)
	v.SetDefault("orchestrator.start_timeout", "30s")
	v.SetDefault("orchestrator.fetch_timeout", "2m")
	v.SetDefault("orchestrator.extract_timeout", "5m")
	v.SetDefault("orchestrator.staleness_window", "30m")
	v.SetDefault("orchestrator.reconcile_after", "15m")
	v.SetDefault("orchestrator.workers", 2)
	v.SetDefault("orchestrator.queue_depth", 64)
	v.SetDefault("orchestrator.job_timeout", "10m")
	v.SetDefault("dedup.radius_meters", 50)
	v.SetDefault("dedup.parallelism", 4)
	v.SetDefault("dedup.max_rounds", 3)
	v.SetDefault("dedup.max_attempts", 3)
	v.SetDefault("dedup.similarity", "containment")
	v.SetDefault("quality.threshold", 60)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("pubsub.completed_topic", "job.completed")
	v.SetDefault("pubsub.merged_topic", "entity.merged")
	v.SetDefault("pubsub.enrichment_topic", "enrichment.needed")
	v.SetDefault("redis.key_prefix", "booth-crawler:lock:")
	v.SetDefault("redis.lock_ttl", "5m")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.due_sources", "0 * * * *")
	v.SetDefault("scheduler.reconcile", "*/5 * * * *")
	v.SetDefault("scheduler.stale_scan", "*/10 * * * *")
	v.SetDefault("scheduler.dedup_pass", "30 3 * * *")
	v.SetDefault("rate_limit.rps", 2)
	v.SetDefault("rate_limit.burst", 2)
	v.SetDefault("progress.subscriber_buffer", 64)
	v.SetDefault("progress.max_subscribers", 100)
	v.SetDefault("progress.heartbeat", "15s")
	v.SetDefault("telemetry.service_name", "booth-crawler")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	switch c.Provider.Kind {
	case "local":
	case "http":
		if c.Provider.BaseURL == "" {
			errs = append(errs, errors.New("provider.base_url is required for the http provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("provider.kind %q must be local or http", c.Provider.Kind))
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			errs = append(errs, errors.New("storage.local_dir is required for the local backend"))
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			errs = append(errs, errors.New("storage.gcs_bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q must be memory, local or gcs", c.Storage.Backend))
	}
	if c.Orchestrator.MaxInFlightPerSource <= 0 || c.Orchestrator.MaxInFlightGlobal <= 0 {
		errs = append(errs, errors.New("orchestrator in-flight limits must be > 0"))
	}
	if c.Orchestrator.MaxInFlightPerSource > c.Orchestrator.MaxInFlightGlobal {
		errs = append(errs, errors.New("orchestrator.max_in_flight_per_source must not exceed max_in_flight_global"))
	}
	if c.Orchestrator.Workers <= 0 {
		errs = append(errs, errors.New("orchestrator.workers must be > 0"))
	}
	if c.Orchestrator.JobTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator.job_timeout must be > 0"))
	}
	// A worker touches the job once, when it claims it, so the reconcile
	// window has to outlast a whole run.
	if c.Orchestrator.ReconcileAfter <= c.Orchestrator.JobTimeout {
		errs = append(errs, errors.New("orchestrator.reconcile_after must exceed orchestrator.job_timeout"))
	}
	if c.Dedup.RadiusMeters <= 0 {
		errs = append(errs, errors.New("dedup.radius_meters must be > 0"))
	}
	if c.Quality.Threshold < 0 || c.Quality.Threshold > 100 {
		errs = append(errs, errors.New("quality.threshold must be within 0..100"))
	}
	if c.WebhookURL() == "" {
		errs = append(errs, errors.New("webhook.url or server.public_url must be set"))
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if src.Name == "" || src.URL == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: name and url are required", i))
			continue
		}
		if _, dup := seen[src.Name]; dup {
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate name %q", i, src.Name))
		}
		seen[src.Name] = struct{}{}
	}
	return errors.Join(errs...)
}

// WebhookURL is the callback address handed to the crawl provider.
func (c Config) WebhookURL() string {
	if c.Webhook.URL != "" {
		return c.Webhook.URL
	}
	if c.Server.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(c.Server.PublicURL, "/") + WebhookPath
}
