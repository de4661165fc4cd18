// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/booth-crawler/internal/api"
	"github.com/JakeFAU/booth-crawler/internal/archive"
	"github.com/JakeFAU/booth-crawler/internal/clock/system"
	"github.com/JakeFAU/booth-crawler/internal/config"
	"github.com/JakeFAU/booth-crawler/internal/coordination"
	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/dedup"
	"github.com/JakeFAU/booth-crawler/internal/dispatcher"
	"github.com/JakeFAU/booth-crawler/internal/extract"
	apiextract "github.com/JakeFAU/booth-crawler/internal/extract/httpapi"
	"github.com/JakeFAU/booth-crawler/internal/extract/jsonld"
	"github.com/JakeFAU/booth-crawler/internal/hash/sha256"
	"github.com/JakeFAU/booth-crawler/internal/id/uuid"
	"github.com/JakeFAU/booth-crawler/internal/logging"
	"github.com/JakeFAU/booth-crawler/internal/metrics"
	"github.com/JakeFAU/booth-crawler/internal/orchestrator"
	"github.com/JakeFAU/booth-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/booth-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/booth-crawler/internal/progress/sinks"
	httpprovider "github.com/JakeFAU/booth-crawler/internal/provider/httpapi"
	localprovider "github.com/JakeFAU/booth-crawler/internal/provider/local"
	memorypublisher "github.com/JakeFAU/booth-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/booth-crawler/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/booth-crawler/internal/queue/memory"
	"github.com/JakeFAU/booth-crawler/internal/scheduler"
	gcsstorage "github.com/JakeFAU/booth-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/booth-crawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/booth-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/booth-crawler/internal/storage/postgres"
	"github.com/JakeFAU/booth-crawler/internal/telemetry"
	"github.com/JakeFAU/booth-crawler/internal/webhook"
	"github.com/JakeFAU/booth-crawler/internal/worker"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Extractor type registered for the remote extraction service.
const remoteExtractor = "api"

// sourceSeeder is a registry that also accepts configuration upserts.
type sourceSeeder interface {
	crawler.SourceRegistry
	UpsertSource(ctx context.Context, src crawler.Source) error
}

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	apiServer    *api.Server
	dispatch     *dispatcher.Dispatcher
	scheduler    *scheduler.Scheduler
	orchestrator *orchestrator.Orchestrator
	dedup        *dedup.Engine
	progressHub  *progress.Hub
	queue        *queueMemory.Queue

	jobs     crawler.JobStore
	sources  sourceSeeder
	entities crawler.EntityStore
	pages    crawler.PageArchive

	pool           *pgxpool.Pool
	redis          *redis.Client
	pubsubClient   *pubsub.Client
	gcpPublisher   *gcppublisher.Publisher
	storage        *storage.Client
	localProvider  *localprovider.Provider
	tracerShutdown func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	type SanitizedConfig struct {
		ServerPort int    `json:"server_port"`
		Provider   string `json:"provider"`
		Storage    string `json:"storage"`
		Database   bool   `json:"database"`
		Redis      bool   `json:"redis"`
		Sources    int    `json:"sources"`
	}
	safeCfg := SanitizedConfig{
		ServerPort: cfg.Server.Port,
		Provider:   cfg.Provider.Kind,
		Storage:    cfg.Storage.Backend,
		Database:   cfg.Database.DSN != "",
		Redis:      cfg.Redis.Addr != "",
		Sources:    len(cfg.Sources),
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// RunDedupPass runs one full dedup pass outside the schedule.
func (a *App) RunDedupPass(ctx context.Context, radiusMeters float64) (dedup.PassResult, error) {
	return a.dedup.RunPass(ctx, radiusMeters)
}

// StaleJobs lists non-terminal jobs quiet for longer than window.
func (a *App) StaleJobs(ctx context.Context, window time.Duration) ([]crawler.CrawlJob, error) {
	return a.orchestrator.StaleJobs(ctx, window)
}

// Entity loads one canonical entity.
func (a *App) Entity(ctx context.Context, id string) (crawler.CanonicalEntity, error) {
	return a.entities.GetEntity(ctx, id)
}

// QualityThreshold is the score below which entities need enrichment.
func (a *App) QualityThreshold() int { return a.cfg.Quality.Threshold }

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started", zap.String("version", Version))
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(ctx)
	}()

	if a.cfg.Scheduler.Enabled {
		a.scheduler.Start()
		a.logger.Info("scheduler started", zap.Strings("tasks", a.scheduler.Tasks()))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.cfg.Scheduler.Enabled {
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			a.logger.Warn("scheduler stop failed", zap.Error(err))
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	// Workers finish the job in hand; anything still queued is picked up
	// again by reconciliation after restart.
	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not drain before shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.localProvider != nil {
		a.localProvider.Close()
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
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
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stderr for some terminals; nothing useful to do about it.
	_ = a.logger.Sync()
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	metrics.Init()

	app.logger.Info("building application dependencies")
	clock := system.New()
	ids := uuid.New()

	if err = setupStores(ctx, app); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	if err = seedSources(ctx, app); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	broadcaster := progresssinks.NewBroadcaster(progresssinks.BroadcastConfig{
		SubscriberBuffer: cfg.Progress.SubscriberBuffer,
		MaxSubscribers:   cfg.Progress.MaxSubscribers,
	}, logger.Named("progress_stream"))
	if err = setupProgress(ctx, app, broadcaster); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	provider, err := setupProvider(app, ids)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	extractor, err := setupExtractors(app)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	app.dedup = dedup.NewEngine(
		app.entities,
		dedup.NewSimilarity(cfg.Dedup.Similarity, cfg.Dedup.NameConfig()),
		clock,
		ids,
		publisher,
		dedup.Config{
			RadiusMeters:     cfg.Dedup.RadiusMeters,
			PassRadiusMeters: cfg.Dedup.PassRadiusMeters,
			Parallelism:      cfg.Dedup.Parallelism,
			MaxRounds:        cfg.Dedup.MaxRounds,
			MaxAttempts:      cfg.Dedup.MaxAttempts,
			Weights:          cfg.Dedup.Weights,
			MergedTopic:      cfg.PubSub.MergedTopic,
		},
		logger.Named("dedup"),
	)

	archiver := archive.New(blobStore, app.pages, sha256.New(), clock,
		archive.Config{Prefix: cfg.Storage.Prefix}, logger.Named("archive"))

	app.queue = queueMemory.NewQueue(cfg.Orchestrator.QueueDepth)
	hooks := webhook.NewHandler(
		app.jobs,
		app.sources,
		app.queue,
		archiver,
		app.progressHub,
		clock,
		webhook.Config{
			Secret:         cfg.Webhook.Secret,
			MaxBodyBytes:   cfg.Webhook.MaxBodyBytes,
			EnqueueTimeout: cfg.Webhook.EnqueueTimeout,
		},
		logger.Named("webhook"),
	)

	app.orchestrator = orchestrator.New(orchestrator.Deps{
		Jobs:      app.jobs,
		Sources:   app.sources,
		Provider:  provider,
		Extractor: extractor,
		Ingester:  app.dedup,
		Events:    hooks,
		Queue:     app.queue,
		Archiver:  archiver,
		Publisher: publisher,
		Progress:  app.progressHub,
		Clock:     clock,
		IDs:       ids,
	}, orchestrator.Config{
		WebhookURL:           cfg.WebhookURL(),
		DefaultMaxPages:      cfg.Orchestrator.DefaultMaxPages,
		MaxInFlightPerSource: cfg.Orchestrator.MaxInFlightPerSource,
		MaxInFlightGlobal:    cfg.Orchestrator.MaxInFlightGlobal,
		StartTimeout:         cfg.Orchestrator.StartTimeout,
		FetchTimeout:         cfg.Orchestrator.FetchTimeout,
		ExtractTimeout:       cfg.Orchestrator.ExtractTimeout,
		StalenessWindow:      cfg.Orchestrator.StalenessWindow,
		ReconcileAfter:       cfg.Orchestrator.ReconcileAfter,
		QualityThreshold:     cfg.Quality.Threshold,
		CompletedTopic:       cfg.PubSub.CompletedTopic,
		EnrichmentTopic:      cfg.PubSub.EnrichmentTopic,
	}, logger)

	app.dispatch = dispatcher.NewPool(
		app.queue,
		app.orchestrator,
		cfg.Orchestrator.Workers,
		worker.Config{JobTimeout: cfg.Orchestrator.JobTimeout},
		logger.Named("worker"),
	)

	if err = setupScheduler(app); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	app.apiServer = api.NewServer(api.Deps{
		Jobs:     app.jobs,
		Entities: app.entities,
		Crawls:   app.orchestrator,
		Dedup:    app.dedup,
		Progress: broadcaster,
		Webhook:  hooks,
		Ready:    readyChecks(app),
	}, *cfg, logger.Named("api"))

	return app, nil
}

func setupStores(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, using in-memory stores")
		jobs := memoryStorage.NewJobStore()
		app.jobs = jobs
		app.pages = jobs
		app.sources = memoryStorage.NewSourceRegistry()
		app.entities = memoryStorage.NewEntityStore()
		return nil
	}
	if app.cfg.Database.AutoMigrate {
		if err := pgstore.MigrateUp(app.cfg.Database.DSN, app.logger.Named("migrate")); err != nil {
			return fmt.Errorf("auto migrate failed: %w", err)
		}
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:             app.cfg.Database.DSN,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	app.pool = pool
	pages, err := pgstore.NewPageStore(pool, "")
	if err != nil {
		return fmt.Errorf("page store init failed: %w", err)
	}
	app.jobs = pgstore.NewJobStore(pool)
	app.pages = pages
	app.sources = pgstore.NewSourceRegistry(pool)
	app.entities = pgstore.NewEntityStore(pool)
	app.logger.Info("postgres stores initialized", zap.Int32("max_conns", app.cfg.Database.MaxConns))
	return nil
}

// seedSources upserts configured sources so a fresh deployment has
// something to crawl. Crawl history on existing rows is preserved.
func seedSources(ctx context.Context, app *App) error {
	for _, sc := range app.cfg.Sources {
		src := sc.Source()
		if err := app.sources.UpsertSource(ctx, src); err != nil {
			return fmt.Errorf("seed source %s: %w", src.Name, err)
		}
	}
	if n := len(app.cfg.Sources); n > 0 {
		app.logger.Info("sources seeded", zap.Int("count", n))
	}
	return nil
}

func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, error) {
	var blobStore crawler.BlobStore
	var err error
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err = gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCSBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
	case "local":
		app.logger.Info("using local storage backend")
		blobStore, err = localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
	default:
		app.logger.Info("using in-memory storage backend")
		blobStore = memoryStorage.NewBlobStore()
	}
	return blobStore, nil
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.gcpPublisher = gcppublisher.New(app.pubsubClient)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("completed_topic", app.cfg.PubSub.CompletedTopic),
		zap.String("merged_topic", app.cfg.PubSub.MergedTopic),
		zap.String("enrichment_topic", app.cfg.PubSub.EnrichmentTopic),
	)
	return app.gcpPublisher, nil
}

func setupProgress(ctx context.Context, app *App, broadcaster *progresssinks.Broadcaster) error {
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("progress metrics sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		promSink,
		broadcaster,
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   app.cfg.Progress.MaxBatchWait,
		SinkTimeout:    app.cfg.Progress.SinkTimeout,
		BaseContext:    ctx,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func setupProvider(app *App, ids crawler.IDGenerator) (crawler.Provider, error) {
	pc := app.cfg.Provider
	switch pc.Kind {
	case "http":
		policy := ratelimit.New(ratelimit.Config{
			RPS:   app.cfg.RateLimit.RPS,
			Burst: app.cfg.RateLimit.Burst,
		})
		retry := crawler.NewRetryPolicy(pc.MaxRetries+1, pc.Backoff, 0)
		client, err := httpprovider.New(httpprovider.Config{
			BaseURL:       pc.BaseURL,
			APIKey:        pc.APIKey,
			Timeout:       pc.Timeout,
			Formats:       pc.Formats,
			WebhookSecret: app.cfg.Webhook.Secret,
		}, &http.Client{}, retry, policy, app.logger.Named("provider"))
		if err != nil {
			return nil, fmt.Errorf("crawl provider init failed: %w", err)
		}
		app.logger.Info("using hosted crawl provider",
			zap.String("base_url", pc.BaseURL),
			zap.Float64("rps", app.cfg.RateLimit.RPS),
		)
		return client, nil
	default:
		app.localProvider = localprovider.New(localprovider.Config{
			UserAgent:     pc.Local.UserAgent,
			RespectRobots: pc.Local.RespectRobots,
			Timeout:       pc.Local.Timeout,
			MaxDepth:      pc.Local.MaxDepth,
			Parallelism:   pc.Local.Parallelism,
			Delay:         pc.Local.Delay,
			WebhookSecret: app.cfg.Webhook.Secret,
		}, ids, app.logger.Named("provider"))
		app.logger.Info("using built-in crawler", zap.String("user_agent", pc.Local.UserAgent))
		return app.localProvider, nil
	}
}

func setupExtractors(app *App) (*extract.Registry, error) {
	ec := app.cfg.Extractor
	registry := extract.NewRegistry(ec.Default)
	registry.Register(jsonld.Name, jsonld.New(app.logger.Named("extract.jsonld")))
	if ec.Endpoint != "" {
		remote, err := apiextract.New(apiextract.Config{
			Endpoint: ec.Endpoint,
			APIKey:   ec.APIKey,
			Timeout:  ec.Timeout,
		}, &http.Client{}, crawler.NewRetryPolicy(2, 0, 0), app.logger.Named("extract.api"))
		if err != nil {
			return nil, fmt.Errorf("extraction service init failed: %w", err)
		}
		registry.Register(remoteExtractor, remote)
	}
	app.logger.Info("extractors registered", zap.Strings("types", registry.Names()))
	return registry, nil
}

func setupScheduler(app *App) error {
	var locker coordination.Locker
	if app.cfg.Redis.Addr != "" {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     app.cfg.Redis.Addr,
			Password: app.cfg.Redis.Password,
			DB:       app.cfg.Redis.DB,
		})
		locker = coordination.NewRedisLocker(app.redis, app.cfg.Redis.KeyPrefix, app.cfg.Redis.LockTTL)
		app.logger.Info("using redis leases for scheduled passes", zap.String("addr", app.cfg.Redis.Addr))
	} else {
		locker = coordination.NewLocalLocker()
	}

	sc := app.cfg.Scheduler
	orch, engine := app.orchestrator, app.dedup
	logger := app.logger.Named("scheduler")
	app.scheduler = scheduler.New(locker, logger)
	tasks := []scheduler.Task{
		{
			Name:    "due_sources",
			Spec:    sc.DueSources,
			Timeout: app.cfg.Orchestrator.StartTimeout * 10,
			Run: func(ctx context.Context) error {
				jobs, err := orch.StartDueSources(ctx, false)
				logger.Info("due sources started", zap.Int("jobs", len(jobs)))
				return err
			},
		},
		{
			Name:    "reconcile",
			Spec:    sc.Reconcile,
			Timeout: app.cfg.Orchestrator.ReconcileAfter,
			Run: func(ctx context.Context) error {
				res, err := orch.Reconcile(ctx)
				logger.Info("reconcile finished",
					zap.Int("checked", res.Checked),
					zap.Int("advanced", res.Advanced),
					zap.Int("requeued", res.Requeued),
				)
				return err
			},
		},
		{
			Name:    "stale_scan",
			Spec:    sc.StaleScan,
			Timeout: time.Minute,
			Run: func(ctx context.Context) error {
				_, err := orch.FlagStale(ctx)
				return err
			},
		},
		{
			Name: "dedup_pass",
			Spec: sc.DedupPass,
			Run: func(ctx context.Context) error {
				res, err := engine.RunPass(ctx, 0)
				logger.Info("scheduled dedup pass finished",
					zap.Int("before", res.Before),
					zap.Int("after", res.After),
					zap.Int("merged", res.Merged),
				)
				return err
			},
		},
	}
	for _, task := range tasks {
		if err := app.scheduler.Add(task); err != nil {
			return fmt.Errorf("scheduler init failed: %w", err)
		}
	}
	return nil
}

func readyChecks(app *App) map[string]api.ReadyCheck {
	checks := make(map[string]api.ReadyCheck)
	if app.pool != nil {
		checks["postgres"] = app.pool.Ping
	}
	if app.redis != nil {
		client := app.redis
		checks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
	}
	return checks
}
