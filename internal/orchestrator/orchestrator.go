// Package orchestrator drives the crawl job state machine: it starts
// provider crawls for registry sources, turns finished crawls into
// canonical booths, and reconciles jobs whose callbacks went missing.
//
// All job state lives in the job store. The orchestrator and the webhook
// handler never talk to each other directly, so either side can restart
// without losing a job.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/dedup"
	"github.com/JakeFAU/booth-crawler/internal/metrics"
	"github.com/JakeFAU/booth-crawler/internal/progress"
	"github.com/JakeFAU/booth-crawler/internal/telemetry"
	"github.com/JakeFAU/booth-crawler/internal/webhook"
)

// ErrNotDue is returned when a source's cadence has not elapsed and the
// caller did not force the crawl.
var ErrNotDue = errors.New("source not due for crawling")

const (
	defaultMaxPages        = 50
	defaultPerSource       = 1
	defaultGlobal          = 10
	defaultStartTimeout    = 30 * time.Second
	defaultFetchTimeout    = 2 * time.Minute
	defaultExtractTimeout  = 5 * time.Minute
	defaultStalenessWindow = 30 * time.Minute
	defaultReconcileAfter  = 15 * time.Minute
	defaultQualityBar      = 60
)

// Config holds orchestration limits and timeouts.
type Config struct {
	// WebhookURL is where the provider delivers progress callbacks.
	WebhookURL           string
	DefaultMaxPages      int
	MaxInFlightPerSource int
	MaxInFlightGlobal    int
	// StartTimeout bounds the provider acknowledgement of a new crawl.
	StartTimeout time.Duration
	// FetchTimeout bounds the full-result fetch after completion.
	FetchTimeout    time.Duration
	ExtractTimeout  time.Duration
	StalenessWindow time.Duration
	// ReconcileAfter is how long a non-terminal job may go quiet before the
	// reconciler polls the provider for it.
	ReconcileAfter   time.Duration
	QualityThreshold int
	CompletedTopic   string
	EnrichmentTopic  string
}

// Ingester reconciles candidates into the canonical store.
type Ingester interface {
	Ingest(ctx context.Context, candidates []crawler.CandidateEntity) (dedup.IngestResult, error)
}

// PageArchiver keeps raw pages for re-extraction.
type PageArchiver interface {
	ArchivePages(ctx context.Context, jobID string, pages []crawler.Page) (int, error)
}

// EventApplier applies provider events the way the webhook endpoint does.
type EventApplier interface {
	HandleEvent(ctx context.Context, evt webhook.Event) (webhook.Outcome, error)
}

// Deps are the collaborators an Orchestrator needs. Archiver, Publisher and
// Progress are optional.
type Deps struct {
	Jobs      crawler.JobStore
	Sources   crawler.SourceRegistry
	Provider  crawler.Provider
	Extractor crawler.Extractor
	Ingester  Ingester
	Events    EventApplier
	Queue     webhook.Enqueuer
	Archiver  PageArchiver
	Publisher crawler.Publisher
	Progress  webhook.Emitter
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
}

// Orchestrator starts and completes crawl jobs.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	// startMu serializes the in-flight check with the job insert so two
	// concurrent starts cannot both take the last slot.
	startMu sync.Mutex
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.DefaultMaxPages <= 0 {
		cfg.DefaultMaxPages = defaultMaxPages
	}
	if cfg.MaxInFlightPerSource <= 0 {
		cfg.MaxInFlightPerSource = defaultPerSource
	}
	if cfg.MaxInFlightGlobal <= 0 {
		cfg.MaxInFlightGlobal = defaultGlobal
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = defaultExtractTimeout
	}
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = defaultStalenessWindow
	}
	if cfg.ReconcileAfter <= 0 {
		cfg.ReconcileAfter = defaultReconcileAfter
	}
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = defaultQualityBar
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger.Named("orchestrator")}
}

// CrawlParams tune a single start.
type CrawlParams struct {
	// URL and ExtractorType override the registry entry when set.
	URL           string
	ExtractorType string
	MaxPages      int
	// Force skips the cadence check. In-flight limits still apply.
	Force bool
}

// StartJob creates a job for sourceID and asks the provider to crawl it.
// The queued row is written before the provider is called, so a callback
// that races the provider's reply always finds its job.
func (o *Orchestrator) StartJob(ctx context.Context, sourceID string, params CrawlParams) (crawler.CrawlJob, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.StartJob")
	defer span.End()
	span.SetAttributes(attribute.String("source.id", sourceID))

	src, err := o.deps.Sources.GetSource(ctx, sourceID)
	if errors.Is(err, crawler.ErrNotFound) {
		return crawler.CrawlJob{}, fmt.Errorf("source %s: %w", sourceID, crawler.ErrSourceUnavailable)
	}
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("load source: %w", err)
	}
	job, err := o.start(ctx, src, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return job, err
	}
	span.SetAttributes(attribute.String("job.id", job.ID))
	return job, nil
}

func (o *Orchestrator) start(ctx context.Context, src crawler.Source, params CrawlParams) (crawler.CrawlJob, error) {
	if !src.Enabled {
		return crawler.CrawlJob{}, fmt.Errorf("source %s is disabled: %w", src.Name, crawler.ErrSourceUnavailable)
	}
	now := o.deps.Clock.Now()
	if !params.Force && !src.Due(now) {
		return crawler.CrawlJob{}, fmt.Errorf("source %s: %w", src.Name, ErrNotDue)
	}

	job, err := o.createJob(ctx, src, params, now)
	if err != nil {
		return crawler.CrawlJob{}, err
	}
	metrics.ObserveJob(string(crawler.JobStatusQueued))
	o.updateSource(ctx, job, crawler.JobStatusQueued, 0)

	startCtx, cancel := context.WithTimeout(ctx, o.cfg.StartTimeout)
	defer cancel()
	ack, err := o.deps.Provider.StartCrawl(startCtx, crawler.CrawlRequest{
		JobID:      job.ID,
		URL:        job.SourceURL,
		MaxPages:   job.MaxPages,
		WebhookURL: o.cfg.WebhookURL,
		Metadata:   map[string]string{"source_id": src.ID, "source_name": src.Name},
	})
	if err != nil {
		if !errors.Is(err, crawler.ErrExternalService) {
			err = fmt.Errorf("%w: %w", crawler.ErrExternalService, err)
		}
		// The row stays as an audit trail of the failed attempt.
		failed := o.fail(ctx, job, err)
		return failed, fmt.Errorf("start crawl for %s: %w", src.Name, err)
	}
	if err := o.deps.Jobs.SetProviderJobID(ctx, job.ID, ack.ID, o.deps.Clock.Now()); err != nil {
		// The crawl is running and callbacks carry our job id, so this is
		// recoverable; reconciliation needs the provider id though.
		o.logger.Error("record provider job id failed",
			zap.String("job_id", job.ID),
			zap.String("provider_job_id", ack.ID),
			zap.Error(err),
		)
	}
	o.logger.Info("crawl started",
		zap.String("job_id", job.ID),
		zap.String("provider_job_id", ack.ID),
		zap.String("source", src.Name),
	)
	current, err := o.deps.Jobs.GetJob(ctx, job.ID)
	if err != nil {
		job.ProviderJobID = ack.ID
		return job, nil
	}
	return current, nil
}

func (o *Orchestrator) createJob(ctx context.Context, src crawler.Source, params CrawlParams, now time.Time) (crawler.CrawlJob, error) {
	o.startMu.Lock()
	defer o.startMu.Unlock()

	n, err := o.deps.Jobs.CountInFlight(ctx, src.ID)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("count in-flight jobs: %w", err)
	}
	if n.Source >= o.cfg.MaxInFlightPerSource {
		return crawler.CrawlJob{}, fmt.Errorf("source %s has %d jobs running: %w", src.Name, n.Source, crawler.ErrInFlightLimit)
	}
	if n.Global >= o.cfg.MaxInFlightGlobal {
		return crawler.CrawlJob{}, fmt.Errorf("%d jobs running: %w", n.Global, crawler.ErrInFlightLimit)
	}

	id, err := o.deps.IDs.NewID()
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("generate job id: %w", err)
	}
	job := crawler.CrawlJob{
		ID:            id,
		SourceID:      src.ID,
		SourceName:    src.Name,
		SourceURL:     firstNonEmpty(params.URL, src.URL),
		ExtractorType: firstNonEmpty(params.ExtractorType, src.ExtractorType),
		MaxPages:      firstPositive(params.MaxPages, src.MaxPages, o.cfg.DefaultMaxPages),
		Status:        crawler.JobStatusQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.deps.Jobs.CreateJob(ctx, job); err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// StartRequest mirrors the operator start-crawl API.
type StartRequest struct {
	// SourceName selects one source; empty starts every due source.
	SourceName    string
	SourceURL     string
	ExtractorType string
	MaxPages      int
	Force         bool
}

// StartCrawls handles an operator request for one named source or for all
// due sources.
func (o *Orchestrator) StartCrawls(ctx context.Context, req StartRequest) ([]crawler.CrawlJob, error) {
	params := CrawlParams{
		URL:           req.SourceURL,
		ExtractorType: req.ExtractorType,
		MaxPages:      req.MaxPages,
		Force:         req.Force,
	}
	if strings.TrimSpace(req.SourceName) == "" {
		return o.StartDueSources(ctx, req.Force)
	}
	src, err := o.deps.Sources.GetSourceByName(ctx, strings.TrimSpace(req.SourceName))
	if errors.Is(err, crawler.ErrNotFound) {
		return nil, fmt.Errorf("source %q: %w", req.SourceName, crawler.ErrSourceUnavailable)
	}
	if err != nil {
		return nil, fmt.Errorf("load source: %w", err)
	}
	job, err := o.StartJob(ctx, src.ID, params)
	if err != nil {
		if job.ID != "" {
			return []crawler.CrawlJob{job}, err
		}
		return nil, err
	}
	return []crawler.CrawlJob{job}, nil
}

// StartDueSources starts every due source in priority order. With force,
// every enabled source is started regardless of cadence. Sources at their
// in-flight limit are skipped silently; other failures are joined.
func (o *Orchestrator) StartDueSources(ctx context.Context, force bool) ([]crawler.CrawlJob, error) {
	var (
		sources []crawler.Source
		err     error
	)
	if force {
		sources, err = o.deps.Sources.ListSources(ctx)
	} else {
		sources, err = o.deps.Sources.ListDueSources(ctx, o.deps.Clock.Now())
	}
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	var (
		started []crawler.CrawlJob
		errs    []error
	)
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		job, err := o.StartJob(ctx, src.ID, CrawlParams{Force: force})
		switch {
		case err == nil:
			started = append(started, job)
		case errors.Is(err, crawler.ErrInFlightLimit), errors.Is(err, ErrNotDue):
			o.logger.Debug("source skipped", zap.String("source", src.Name), zap.Error(err))
		default:
			if job.ID != "" {
				started = append(started, job)
			}
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return started, errors.Join(errs...)
}

// fail moves job to failed and records it on the source. A job that is
// already terminal is left alone.
func (o *Orchestrator) fail(ctx context.Context, job crawler.CrawlJob, cause error) crawler.CrawlJob {
	// Failure bookkeeping must survive a canceled request context.
	ctx = context.WithoutCancel(ctx)
	updated, err := o.deps.Jobs.Transition(ctx, job.ID, crawler.JobStatusFailed, crawler.JobUpdate{
		At:           o.deps.Clock.Now(),
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		o.logger.Warn("mark job failed", zap.String("job_id", job.ID), zap.Error(err))
		return updated
	}
	metrics.ObserveJob(string(crawler.JobStatusFailed))
	o.updateSource(ctx, updated, crawler.JobStatusFailed, 0)
	o.emit(updated, progress.StageFailed, 0, cause.Error())
	o.logger.Warn("job failed", zap.String("job_id", job.ID), zap.Error(cause))
	return updated
}

func (o *Orchestrator) updateSource(ctx context.Context, job crawler.CrawlJob, status crawler.JobStatus, booths int) {
	err := o.deps.Sources.UpdateCrawlStatus(ctx, job.SourceID, crawler.SourceStatusUpdate{
		JobID:       job.ID,
		Status:      status,
		BoothsFound: booths,
		At:          o.deps.Clock.Now(),
	})
	if err != nil {
		o.logger.Warn("update source status",
			zap.String("source_id", job.SourceID),
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) emit(job crawler.CrawlJob, stage progress.Stage, booths int, note string) {
	if o.deps.Progress == nil {
		return
	}
	o.deps.Progress.Emit(progress.Event{
		JobID:       job.ID,
		TS:          o.deps.Clock.Now(),
		Stage:       stage,
		SourceName:  job.SourceName,
		Current:     job.PagesCrawled,
		Total:       job.MaxPages,
		BoothsSoFar: booths,
		Note:        note,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
