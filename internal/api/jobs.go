package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/orchestrator"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	jobsTimeout     = 3 * time.Second
)

// JobHandler exposes crawl start and read-only job endpoints.
type JobHandler struct {
	jobs    crawler.JobStore
	crawls  CrawlStarter
	timeout time.Duration
	logger  *zap.Logger
}

// NewJobHandler wires the store, the orchestrator and logger.
func NewJobHandler(jobs crawler.JobStore, crawls CrawlStarter, logger *zap.Logger) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobHandler{
		jobs:    jobs,
		crawls:  crawls,
		timeout: jobsTimeout,
		logger:  logger,
	}
}

type startCrawlRequest struct {
	SourceName    string `json:"source_name"`
	SourceURL     string `json:"source_url"`
	ExtractorType string `json:"extractor_type"`
	Async         *bool  `json:"async"`
	ForceCrawl    bool   `json:"force_crawl"`
	MaxPages      *int   `json:"max_pages"`
}

type startedJob struct {
	JobID  string            `json:"jobId"`
	Status crawler.JobStatus `json:"status"`
}

// StartCrawls handles POST /v1/crawls. An empty source_name starts every
// due source. It answers {"jobs": [{jobId, status}]}: 202 when work was
// started, 404 for an unknown or disabled source, 409 when the source is not
// due, 429 at the in-flight limit and 502 when the provider refused.
func (h *JobHandler) StartCrawls(w http.ResponseWriter, r *http.Request) {
	if h.crawls == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator unavailable")
		return
	}
	var req startCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Async != nil && !*req.Async {
		writeError(w, http.StatusBadRequest, "only async crawls are supported")
		return
	}
	if req.MaxPages != nil && *req.MaxPages <= 0 {
		writeError(w, http.StatusBadRequest, "max_pages must be > 0")
		return
	}
	if req.SourceURL != "" {
		if _, err := crawler.NormalizeURL(req.SourceURL); err != nil {
			writeError(w, http.StatusBadRequest, "invalid source_url")
			return
		}
	}
	start := orchestrator.StartRequest{
		SourceName:    req.SourceName,
		SourceURL:     req.SourceURL,
		ExtractorType: req.ExtractorType,
		Force:         req.ForceCrawl,
	}
	if req.MaxPages != nil {
		start.MaxPages = *req.MaxPages
	}

	jobs, err := h.crawls.StartCrawls(r.Context(), start)
	body := map[string]any{"jobs": toStartedJobs(jobs)}
	if err != nil {
		status := startErrorStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("start crawls failed", zap.String("source", req.SourceName), zap.Error(err))
		}
		body["error"] = err.Error()
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusAccepted, body)
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, crawler.ErrSourceUnavailable):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNotDue):
		return http.StatusConflict
	case errors.Is(err, crawler.ErrInFlightLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, crawler.ErrExternalService):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func toStartedJobs(in []crawler.CrawlJob) []startedJob {
	out := make([]startedJob, 0, len(in))
	for _, job := range in {
		out = append(out, startedJob{JobID: job.ID, Status: job.Status})
	}
	return out
}

// ListJobs handles GET /v1/jobs?status=&source_id=&limit=&offset=.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := crawler.JobFilter{
		SourceID: strings.TrimSpace(r.URL.Query().Get("source_id")),
		Limit:    limit,
		Offset:   offset,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := crawler.JobStatus(strings.ToLower(raw))
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		filter.Status = status
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	jobs, err := h.jobs.ListJobs(ctx, filter)
	if err != nil {
		h.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []crawler.CrawlJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// GetJob handles GET /v1/jobs/{job_id}. The id may be ours or the
// provider's.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	jobID := strings.TrimSpace(chi.URLParam(r, "job_id"))
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	job, err := h.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, crawler.ErrUnknownJob) || errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// StaleJobs handles GET /v1/jobs/stale?window=45m. Stale jobs are listed
// for attention only; nothing here changes them.
func (h *JobHandler) StaleJobs(w http.ResponseWriter, r *http.Request) {
	if h.crawls == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator unavailable")
		return
	}
	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	jobs, err := h.crawls.StaleJobs(ctx, window)
	if err != nil {
		h.logger.Error("list stale jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list stale jobs")
		return
	}
	if jobs == nil {
		jobs = []crawler.CrawlJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
