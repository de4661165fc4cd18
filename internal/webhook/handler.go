package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/hash/sha256"
	"github.com/JakeFAU/booth-crawler/internal/metrics"
	"github.com/JakeFAU/booth-crawler/internal/progress"
)

const (
	// SignatureHeader carries "sha256=<hex hmac of body>".
	SignatureHeader = "X-Webhook-Signature"

	defaultMaxBodyBytes   = 5 << 20
	defaultEnqueueTimeout = 2 * time.Second
)

var (
	// ErrInvalidSignature is returned when the body signature does not verify.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrBodyTooLarge is returned when the body exceeds the configured limit.
	ErrBodyTooLarge = errors.New("webhook body too large")
)

// Outcome describes what an accepted event did.
type Outcome string

// Outcomes reported by HandleEvent.
const (
	OutcomeApplied Outcome = "applied"
	// OutcomeIgnored covers duplicates and events for terminal jobs.
	OutcomeIgnored Outcome = "ignored"
)

// Enqueuer hands processing jobs to the completion workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, item crawler.QueueItem) error
}

// PageArchiver keeps raw pages delivered inline with page events.
type PageArchiver interface {
	ArchivePages(ctx context.Context, jobID string, pages []crawler.Page) (int, error)
}

// Emitter receives progress events. *progress.Hub satisfies it.
type Emitter interface {
	Emit(evt progress.Event)
}

// Config controls request validation.
type Config struct {
	// Secret enables HMAC verification when non-empty.
	Secret       string
	MaxBodyBytes int64
	// EnqueueTimeout bounds the wait for queue space. A job that cannot be
	// queued stays in processing until reconciliation re-queues it.
	EnqueueTimeout time.Duration
}

// Handler applies provider events to the job store.
type Handler struct {
	jobs     crawler.JobStore
	sources  crawler.SourceRegistry
	queue    Enqueuer
	archiver PageArchiver
	progress Emitter
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
}

// NewHandler constructs a Handler. sources, archiver and emitter may be
// nil; without sources, provider failures are not recorded on the registry.
func NewHandler(
	jobs crawler.JobStore,
	sources crawler.SourceRegistry,
	queue Enqueuer,
	archiver PageArchiver,
	emitter Emitter,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		jobs:     jobs,
		sources:  sources,
		queue:    queue,
		archiver: archiver,
		progress: emitter,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("webhook"),
	}
}

// HandleEvent applies evt. Unknown jobs return crawler.ErrUnknownJob and
// leave the store untouched. Events that would move a job backwards, or
// touch a terminal job, are acknowledged as OutcomeIgnored.
func (h *Handler) HandleEvent(ctx context.Context, evt Event) (Outcome, error) {
	job, err := h.jobs.GetJob(ctx, evt.JobID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) || errors.Is(err, crawler.ErrUnknownJob) {
			return "", fmt.Errorf("job %s: %w", evt.JobID, crawler.ErrUnknownJob)
		}
		return "", fmt.Errorf("load job: %w", err)
	}
	if job.Status.IsTerminal() {
		return OutcomeIgnored, nil
	}
	job = h.recordProviderID(ctx, job, evt)

	switch evt.Type {
	case EventStarted:
		return h.started(ctx, job)
	case EventPage:
		return h.page(ctx, job, evt)
	case EventCompleted:
		return h.completed(ctx, job)
	case EventFailed:
		return h.failed(ctx, job, evt.Error)
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, evt.Type)
	}
}

func (h *Handler) started(ctx context.Context, job crawler.CrawlJob) (Outcome, error) {
	if job.Status != crawler.JobStatusQueued {
		return OutcomeIgnored, nil
	}
	updated, outcome, err := h.transition(ctx, job.ID, crawler.JobStatusCrawling, crawler.JobUpdate{})
	if outcome == OutcomeApplied {
		h.emit(updated, progress.StageStarted, "")
	}
	return outcome, err
}

func (h *Handler) page(ctx context.Context, job crawler.CrawlJob, evt Event) (Outcome, error) {
	// The started callback is optional; the first page implies it.
	if job.Status == crawler.JobStatusQueued {
		if _, outcome, err := h.transition(ctx, job.ID, crawler.JobStatusCrawling, crawler.JobUpdate{}); err != nil || outcome != OutcomeApplied {
			return outcome, err
		}
	}
	delta := len(evt.Pages)
	if delta == 0 {
		delta = 1
	}
	updated, err := h.jobs.AddPages(ctx, job.ID, delta, h.clock.Now())
	if errors.Is(err, crawler.ErrIllegalTransition) {
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("add pages: %w", err)
	}
	if h.archiver != nil && len(evt.Pages) > 0 {
		// Archival is best effort; the completion fetch is authoritative.
		if _, err := h.archiver.ArchivePages(ctx, job.ID, evt.Pages); err != nil {
			h.logger.Warn("archive inline pages failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	h.emit(updated, progress.StagePage, "")
	return OutcomeApplied, nil
}

func (h *Handler) completed(ctx context.Context, job crawler.CrawlJob) (Outcome, error) {
	if job.Status == crawler.JobStatusQueued {
		if _, outcome, err := h.transition(ctx, job.ID, crawler.JobStatusCrawling, crawler.JobUpdate{}); err != nil || outcome != OutcomeApplied {
			return outcome, err
		}
	}
	updated, outcome, err := h.transition(ctx, job.ID, crawler.JobStatusProcessing, crawler.JobUpdate{})
	if err != nil || outcome != OutcomeApplied {
		return outcome, err
	}
	h.emit(updated, progress.StageProcessing, "")

	enqueueCtx, cancel := context.WithTimeout(ctx, h.cfg.EnqueueTimeout)
	defer cancel()
	if err := h.queue.Enqueue(enqueueCtx, crawler.QueueItem{JobID: job.ID, Enqueued: h.clock.Now().Unix()}); err != nil {
		h.logger.Warn("completion queue unavailable, leaving job for reconciliation",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
	return OutcomeApplied, nil
}

func (h *Handler) failed(ctx context.Context, job crawler.CrawlJob, message string) (Outcome, error) {
	updated, outcome, err := h.transition(ctx, job.ID, crawler.JobStatusFailed, crawler.JobUpdate{ErrorMessage: message})
	if outcome == OutcomeApplied {
		metrics.ObserveJob(string(crawler.JobStatusFailed))
		h.recordFailure(ctx, updated)
		h.emit(updated, progress.StageFailed, message)
	}
	return outcome, err
}

// recordProviderID stores the provider's id from a callback that beat the
// start call's reply, so completion processing can fetch results.
func (h *Handler) recordProviderID(ctx context.Context, job crawler.CrawlJob, evt Event) crawler.CrawlJob {
	if job.ProviderJobID != "" || evt.ProviderJobID == "" {
		return job
	}
	if err := h.jobs.SetProviderJobID(ctx, job.ID, evt.ProviderJobID, h.clock.Now()); err != nil {
		h.logger.Warn("record provider job id from callback failed",
			zap.String("job_id", job.ID),
			zap.String("provider_job_id", evt.ProviderJobID),
			zap.Error(err),
		)
		return job
	}
	job.ProviderJobID = evt.ProviderJobID
	return job
}

func (h *Handler) recordFailure(ctx context.Context, job crawler.CrawlJob) {
	if h.sources == nil {
		return
	}
	err := h.sources.UpdateCrawlStatus(ctx, job.SourceID, crawler.SourceStatusUpdate{
		JobID:  job.ID,
		Status: crawler.JobStatusFailed,
		At:     h.clock.Now(),
	})
	if err != nil {
		h.logger.Warn("record source failure", zap.String("source_id", job.SourceID), zap.Error(err))
	}
}

// transition maps a lost race or an out-of-order event to OutcomeIgnored.
func (h *Handler) transition(
	ctx context.Context,
	id string,
	to crawler.JobStatus,
	update crawler.JobUpdate,
) (crawler.CrawlJob, Outcome, error) {
	update.At = h.clock.Now()
	job, err := h.jobs.Transition(ctx, id, to, update)
	switch {
	case err == nil:
		return job, OutcomeApplied, nil
	case errors.Is(err, crawler.ErrIllegalTransition):
		h.logger.Debug("transition ignored",
			zap.String("job_id", id),
			zap.String("from", string(job.Status)),
			zap.String("to", string(to)),
		)
		return job, OutcomeIgnored, nil
	case errors.Is(err, crawler.ErrUnknownJob):
		return job, "", err
	default:
		return job, "", fmt.Errorf("transition to %s: %w", to, err)
	}
}

func (h *Handler) emit(job crawler.CrawlJob, stage progress.Stage, note string) {
	if h.progress == nil {
		return
	}
	h.progress.Emit(progress.Event{
		JobID:      job.ID,
		TS:         h.clock.Now(),
		Stage:      stage,
		SourceName: job.SourceName,
		Current:    job.PagesCrawled,
		Total:      job.MaxPages,
		Note:       note,
	})
}

// ServeHTTP accepts provider callbacks. Responses: 200 for accepted events
// (including ignored duplicates), 400 for malformed bodies, 401 for bad
// signatures, 404 for unknown jobs, 413 for oversized bodies, 500 otherwise.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(r)
	if errors.Is(err, ErrBodyTooLarge) {
		h.reject(w, "unknown", "too_large", http.StatusRequestEntityTooLarge, err)
		return
	}
	if err != nil {
		h.reject(w, "unknown", "invalid", http.StatusBadRequest, err)
		return
	}
	if h.cfg.Secret != "" && !sha256.Verify([]byte(h.cfg.Secret), body, r.Header.Get(SignatureHeader)) {
		h.reject(w, "unknown", "unauthorized", http.StatusUnauthorized, ErrInvalidSignature)
		return
	}
	evt, err := ParseEvent(body)
	if err != nil {
		h.reject(w, "unknown", "invalid", http.StatusBadRequest, err)
		return
	}

	outcome, err := h.HandleEvent(r.Context(), evt)
	switch {
	case errors.Is(err, crawler.ErrUnknownJob):
		h.logger.Info("webhook for unknown job", zap.String("job_id", evt.JobID), zap.String("type", string(evt.Type)))
		h.reject(w, string(evt.Type), "unknown_job", http.StatusNotFound, err)
		return
	case errors.Is(err, ErrInvalidEvent):
		h.reject(w, string(evt.Type), "invalid", http.StatusBadRequest, err)
		return
	case err != nil:
		h.logger.Error("webhook handling failed", zap.String("job_id", evt.JobID), zap.Error(err))
		h.reject(w, string(evt.Type), "error", http.StatusInternalServerError, errors.New("internal error"))
		return
	}

	metrics.ObserveWebhook(string(evt.Type), string(outcome))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "received": evt.Type})
}

func (h *Handler) readBody(r *http.Request) ([]byte, error) {
	if r.ContentLength > h.cfg.MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > h.cfg.MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

func (h *Handler) reject(w http.ResponseWriter, eventType, outcome string, status int, err error) {
	metrics.ObserveWebhook(eventType, outcome)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
