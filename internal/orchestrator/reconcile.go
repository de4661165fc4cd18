package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/metrics"
	"github.com/JakeFAU/booth-crawler/internal/webhook"
)

// ReconcileResult counts what one reconciliation sweep did.
type ReconcileResult struct {
	Checked  int `json:"checked"`
	Advanced int `json:"advanced"`
	Requeued int `json:"requeued"`
	Errors   int `json:"errors"`
}

// Reconcile repairs jobs whose callbacks never arrived. Quiet crawling jobs
// are polled at the provider and receive the transition a webhook would
// have applied; quiet processing jobs are queued for completion again,
// which also resumes work lost to a restart. Nothing here fails a job on
// its own authority: only a provider-reported failure does.
func (o *Orchestrator) Reconcile(ctx context.Context) (ReconcileResult, error) {
	cutoff := o.deps.Clock.Now().Add(-o.cfg.ReconcileAfter)
	jobs, err := o.deps.Jobs.ListStale(ctx, cutoff)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list quiet jobs: %w", err)
	}

	var res ReconcileResult
	for _, job := range jobs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		var (
			changed bool
			err     error
		)
		switch job.Status {
		case crawler.JobStatusProcessing:
			err = o.deps.Queue.Enqueue(ctx, crawler.QueueItem{JobID: job.ID, Enqueued: o.deps.Clock.Now().Unix()})
			if err == nil {
				res.Requeued++
				metrics.ObserveReconcile("requeued")
			}
		case crawler.JobStatusQueued, crawler.JobStatusCrawling:
			changed, err = o.poll(ctx, job)
			if changed {
				res.Advanced++
			}
		}
		if err != nil {
			res.Errors++
			o.logger.Warn("reconcile job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return res, nil
}

func (o *Orchestrator) poll(ctx context.Context, job crawler.CrawlJob) (bool, error) {
	if job.ProviderJobID == "" {
		// The start call never returned; nothing to ask the provider.
		return false, nil
	}
	status, err := o.deps.Provider.CrawlStatus(ctx, job.ProviderJobID)
	if err != nil {
		return false, fmt.Errorf("poll provider: %w", err)
	}

	var evt webhook.Event
	switch status.State {
	case crawler.ProviderStateCompleted:
		evt = webhook.Event{Type: webhook.EventCompleted, JobID: job.ID}
	case crawler.ProviderStateFailed:
		msg := status.Error
		if msg == "" {
			msg = "crawl failed"
		}
		evt = webhook.Event{Type: webhook.EventFailed, JobID: job.ID, Error: msg}
	default:
		return o.catchUp(ctx, job, status)
	}

	outcome, err := o.deps.Events.HandleEvent(ctx, evt)
	if err != nil {
		return false, err
	}
	if outcome == webhook.OutcomeApplied {
		metrics.ObserveReconcile(string(evt.Type))
		return true, nil
	}
	return false, nil
}

// catchUp applies missed start and page callbacks for a crawl the provider
// still reports as running.
func (o *Orchestrator) catchUp(ctx context.Context, job crawler.CrawlJob, status crawler.ProviderStatus) (bool, error) {
	changed := false
	if job.Status == crawler.JobStatusQueued {
		outcome, err := o.deps.Events.HandleEvent(ctx, webhook.Event{Type: webhook.EventStarted, JobID: job.ID})
		if err != nil {
			return false, err
		}
		changed = outcome == webhook.OutcomeApplied
	}
	if delta := status.Completed - job.PagesCrawled; delta > 0 {
		_, err := o.deps.Jobs.AddPages(ctx, job.ID, delta, o.deps.Clock.Now())
		if err != nil && !errors.Is(err, crawler.ErrIllegalTransition) {
			return changed, fmt.Errorf("add pages: %w", err)
		}
		if err == nil {
			changed = true
		}
	}
	if changed {
		metrics.ObserveReconcile("progress")
	}
	return changed, nil
}

// StaleJobs lists non-terminal jobs whose updated_at has not advanced within
// window (the configured staleness window when zero). They are reported for
// operator attention and never failed automatically, since the provider may
// still be working on them.
func (o *Orchestrator) StaleJobs(ctx context.Context, window time.Duration) ([]crawler.CrawlJob, error) {
	if window <= 0 {
		window = o.cfg.StalenessWindow
	}
	jobs, err := o.deps.Jobs.ListStale(ctx, o.deps.Clock.Now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return jobs, nil
}

// FlagStale logs every stale job and publishes the count as a gauge.
func (o *Orchestrator) FlagStale(ctx context.Context) ([]crawler.CrawlJob, error) {
	jobs, err := o.StaleJobs(ctx, 0)
	if err != nil {
		return nil, err
	}
	metrics.SetStaleJobs(len(jobs))
	now := o.deps.Clock.Now()
	for _, job := range jobs {
		o.logger.Warn("stale job",
			zap.String("job_id", job.ID),
			zap.String("source", job.SourceName),
			zap.String("status", string(job.Status)),
			zap.Duration("quiet_for", now.Sub(job.UpdatedAt)),
		)
	}
	return jobs, nil
}
