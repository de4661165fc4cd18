package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/metrics"
	"github.com/JakeFAU/booth-crawler/internal/progress"
	"github.com/JakeFAU/booth-crawler/internal/quality"
	"github.com/JakeFAU/booth-crawler/internal/telemetry"
)

// JobCompleted is published when a job finishes successfully.
type JobCompleted struct {
	JobID         string    `json:"job_id"`
	SourceID      string    `json:"source_id"`
	SourceName    string    `json:"source_name"`
	PagesCrawled  int       `json:"pages_crawled"`
	BoothsFound   int       `json:"booths_found"`
	BoothsAdded   int       `json:"booths_added"`
	BoothsUpdated int       `json:"booths_updated"`
	CompletedAt   time.Time `json:"completed_at"`
}

// EnrichmentNeeded is published for touched entities scoring below the
// quality threshold.
type EnrichmentNeeded struct {
	EntityID      string           `json:"entity_id"`
	Slug          string           `json:"slug"`
	Score         int              `json:"score"`
	MissingFields []string         `json:"missing_fields"`
	Malformed     []string         `json:"malformed_fields,omitempty"`
	Priority      quality.Priority `json:"priority"`
	JobID         string           `json:"job_id"`
}

// Process implements the completion worker's processor.
func (o *Orchestrator) Process(ctx context.Context, item crawler.QueueItem) error {
	return o.ProcessCompletion(ctx, item.JobID)
}

// ProcessCompletion turns a processing job into a completed one: fetch the
// full results, archive them, extract, ingest through dedup, then write the
// counters together with the completed status. Any failure fails the job.
// Jobs no longer in processing are skipped, which makes redelivery safe.
func (o *Orchestrator) ProcessCompletion(ctx context.Context, jobID string) error {
	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.ProcessCompletion")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	job, err := o.deps.Jobs.Claim(ctx, jobID, o.deps.Clock.Now())
	if errors.Is(err, crawler.ErrIllegalTransition) {
		o.logger.Debug("completion skipped", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}

	result, err := o.complete(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.fail(ctx, job, err)
		return err
	}

	done, err := o.deps.Jobs.Transition(ctx, job.ID, crawler.JobStatusCompleted, crawler.JobUpdate{
		At:     o.deps.Clock.Now(),
		Result: &result.counts,
	})
	if errors.Is(err, crawler.ErrIllegalTransition) {
		// Another worker or an operator settled the job first.
		o.logger.Info("job settled concurrently", zap.String("job_id", job.ID), zap.String("status", string(done.Status)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}

	metrics.ObserveJob(string(crawler.JobStatusCompleted))
	o.updateSource(ctx, done, crawler.JobStatusCompleted, result.counts.BoothsFound)
	o.emit(done, progress.StageCompleted, result.counts.BoothsFound, "")
	o.publishCompleted(ctx, done)
	o.publishEnrichment(ctx, done, result.touched)
	o.logger.Info("job completed",
		zap.String("job_id", done.ID),
		zap.String("source", done.SourceName),
		zap.Int("pages", result.pages),
		zap.Int("booths_found", result.counts.BoothsFound),
		zap.Int("booths_added", result.counts.BoothsAdded),
		zap.Int("booths_updated", result.counts.BoothsUpdated),
	)
	return nil
}

type completion struct {
	counts  crawler.JobResult
	pages   int
	touched []crawler.CanonicalEntity
}

func (o *Orchestrator) complete(ctx context.Context, job crawler.CrawlJob) (completion, error) {
	if job.ProviderJobID == "" {
		return completion{}, fmt.Errorf("%w: job has no provider job id", crawler.ErrExternalService)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	pages, err := o.deps.Provider.FetchResults(fetchCtx, job.ProviderJobID)
	cancel()
	if err != nil {
		if !errors.Is(err, crawler.ErrExternalService) {
			err = fmt.Errorf("%w: fetch results: %w", crawler.ErrExternalService, err)
		}
		return completion{}, err
	}

	if o.deps.Archiver != nil {
		if _, err := o.deps.Archiver.ArchivePages(ctx, job.ID, pages); err != nil {
			o.logger.Warn("archive results failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	meta := crawler.SourceMetadata{
		SourceID:      job.SourceID,
		SourceName:    job.SourceName,
		SourceURL:     job.SourceURL,
		ExtractorType: job.ExtractorType,
	}
	extractCtx, cancel := context.WithTimeout(ctx, o.cfg.ExtractTimeout)
	candidates, err := o.deps.Extractor.Extract(extractCtx, pages, meta)
	cancel()
	if err != nil {
		if !errors.Is(err, crawler.ErrExtraction) {
			err = fmt.Errorf("%w: %w", crawler.ErrExtraction, err)
		}
		return completion{}, err
	}
	o.emit(job, progress.StageExtracted, len(candidates), "")

	res, err := o.deps.Ingester.Ingest(ctx, candidates)
	if err != nil {
		return completion{}, fmt.Errorf("ingest candidates: %w", err)
	}
	return completion{
		counts: crawler.JobResult{
			BoothsFound:   res.Found,
			BoothsAdded:   res.Added,
			BoothsUpdated: res.Updated,
		},
		pages:   len(pages),
		touched: res.Touched,
	}, nil
}

func (o *Orchestrator) publishCompleted(ctx context.Context, job crawler.CrawlJob) {
	if o.deps.Publisher == nil || o.cfg.CompletedTopic == "" {
		return
	}
	evt := JobCompleted{
		JobID:         job.ID,
		SourceID:      job.SourceID,
		SourceName:    job.SourceName,
		PagesCrawled:  job.PagesCrawled,
		BoothsFound:   job.Result.BoothsFound,
		BoothsAdded:   job.Result.BoothsAdded,
		BoothsUpdated: job.Result.BoothsUpdated,
	}
	if job.CompletedAt != nil {
		evt.CompletedAt = *job.CompletedAt
	}
	if _, err := o.deps.Publisher.Publish(ctx, o.cfg.CompletedTopic, evt); err != nil {
		o.logger.Warn("publish job completed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (o *Orchestrator) publishEnrichment(ctx context.Context, job crawler.CrawlJob, touched []crawler.CanonicalEntity) {
	for _, entity := range touched {
		report := quality.Score(entity)
		metrics.ObserveQuality(report.Score)
		if !report.NeedsEnrichment(o.cfg.QualityThreshold) || o.deps.Publisher == nil || o.cfg.EnrichmentTopic == "" {
			continue
		}
		_, err := o.deps.Publisher.Publish(ctx, o.cfg.EnrichmentTopic, EnrichmentNeeded{
			EntityID:      entity.ID,
			Slug:          entity.Slug,
			Score:         report.Score,
			MissingFields: report.MissingFields,
			Malformed:     report.Malformed,
			Priority:      report.Priority,
			JobID:         job.ID,
		})
		if err != nil {
			o.logger.Warn("publish enrichment needed", zap.String("entity_id", entity.ID), zap.Error(err))
		}
	}
}
