package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

const jobColumns = `id, provider_job_id, source_id, source_name, source_url, extractor_type, max_pages,
	status, pages_crawled, booths_found, booths_added, booths_updated, error_message,
	created_at, started_at, completed_at, crawl_duration_ms, updated_at`

const defaultListLimit = 50

// JobStore persists crawl jobs in the crawl_jobs table. Status changes are
// conditional updates, so concurrent webhooks cannot move a job backwards.
type JobStore struct {
	db DB
}

// NewJobStore wraps a pool.
func NewJobStore(db DB) *JobStore {
	return &JobStore{db: db}
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.CrawlJob) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO crawl_jobs (
	id, provider_job_id, source_id, source_name, source_url, extractor_type, max_pages,
	status, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		job.ID,
		job.ProviderJobID,
		job.SourceID,
		job.SourceName,
		job.SourceURL,
		job.ExtractorType,
		job.MaxPages,
		string(job.Status),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("job %s already exists: %w", job.ID, err)
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob resolves our job id or the provider's.
func (s *JobStore) GetJob(ctx context.Context, id string) (crawler.CrawlJob, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+`
FROM crawl_jobs WHERE id = $1 OR provider_job_id = $1 LIMIT 1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlJob{}, fmt.Errorf("job %s: %w", id, crawler.ErrUnknownJob)
	}
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// SetProviderJobID records the provider's job id.
func (s *JobStore) SetProviderJobID(ctx context.Context, jobID, providerJobID string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE crawl_jobs SET provider_job_id = $2, updated_at = $3 WHERE id = $1`,
		jobID, providerJobID, at)
	if err != nil {
		return fmt.Errorf("set provider job id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrUnknownJob)
	}
	return nil
}

// Transition applies to when the row's current status is a legal source
// state for it. Timestamps and counters are written in the same statement.
func (s *JobStore) Transition(
	ctx context.Context,
	id string,
	to crawler.JobStatus,
	update crawler.JobUpdate,
) (crawler.CrawlJob, error) {
	var found, added, updated any
	if update.Result != nil {
		found, added, updated = update.Result.BoothsFound, update.Result.BoothsAdded, update.Result.BoothsUpdated
	}
	row := s.db.QueryRow(ctx, `
UPDATE crawl_jobs SET
	status = $2::text,
	updated_at = $3::timestamptz,
	started_at = CASE WHEN $2::text = 'crawling' AND started_at IS NULL THEN $3::timestamptz ELSE started_at END,
	error_message = CASE WHEN $4::text <> '' THEN $4::text ELSE error_message END,
	booths_found = COALESCE($5::int, booths_found),
	booths_added = COALESCE($6::int, booths_added),
	booths_updated = COALESCE($7::int, booths_updated),
	completed_at = CASE WHEN $8::boolean THEN $3::timestamptz ELSE completed_at END,
	crawl_duration_ms = CASE
		WHEN $8::boolean AND started_at IS NOT NULL
		THEN (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::bigint
		ELSE crawl_duration_ms END
WHERE (id = $1 OR provider_job_id = $1) AND status = ANY($9::text[])
RETURNING `+jobColumns,
		id,
		string(to),
		update.At,
		update.ErrorMessage,
		found,
		added,
		updated,
		to.IsTerminal(),
		statusStrings(crawler.SourceStates(to)),
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.rejected(ctx, id, to)
	}
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("transition job %s to %s: %w", id, to, err)
	}
	return job, nil
}

// rejected explains why a conditional update touched no row.
func (s *JobStore) rejected(ctx context.Context, id string, to crawler.JobStatus) (crawler.CrawlJob, error) {
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return crawler.CrawlJob{}, err
	}
	if err := crawler.ValidateTransition(current.Status, to); err != nil {
		return current, err
	}
	// The row moved between the update and the read.
	return current, fmt.Errorf("%w: %s changed concurrently", crawler.ErrIllegalTransition, id)
}

// AddPages increments pages_crawled while the job is crawling.
func (s *JobStore) AddPages(ctx context.Context, id string, delta int, at time.Time) (crawler.CrawlJob, error) {
	row := s.db.QueryRow(ctx, `
UPDATE crawl_jobs SET pages_crawled = pages_crawled + $2, updated_at = $3
WHERE (id = $1 OR provider_job_id = $1) AND status = 'crawling'
RETURNING `+jobColumns, id, delta, at)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return crawler.CrawlJob{}, getErr
		}
		return current, fmt.Errorf("add pages in %s: %w", current.Status, crawler.ErrIllegalTransition)
	}
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("add pages: %w", err)
	}
	return job, nil
}

// Claim touches updated_at on a processing job.
func (s *JobStore) Claim(ctx context.Context, id string, at time.Time) (crawler.CrawlJob, error) {
	row := s.db.QueryRow(ctx, `
UPDATE crawl_jobs SET updated_at = $2
WHERE (id = $1 OR provider_job_id = $1) AND status = 'processing'
RETURNING `+jobColumns, id, at)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return crawler.CrawlJob{}, getErr
		}
		return current, fmt.Errorf("claim in %s: %w", current.Status, crawler.ErrIllegalTransition)
	}
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *JobStore) ListJobs(ctx context.Context, filter crawler.JobFilter) ([]crawler.CrawlJob, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.Query(ctx, `SELECT `+jobColumns+`
FROM crawl_jobs
WHERE ($1::text = '' OR status = $1::text) AND ($2::text = '' OR source_id = $2::text)
ORDER BY created_at DESC, id DESC
LIMIT $3 OFFSET $4`, string(filter.Status), filter.SourceID, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListStale returns non-terminal jobs idle since before cutoff.
func (s *JobStore) ListStale(ctx context.Context, cutoff time.Time) ([]crawler.CrawlJob, error) {
	rows, err := s.db.Query(ctx, `SELECT `+jobColumns+`
FROM crawl_jobs
WHERE status = ANY($1::text[]) AND updated_at < $2
ORDER BY updated_at`, statusStrings(crawler.NonTerminalStates()), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return collectJobs(rows)
}

// CountInFlight counts non-terminal jobs for one source and overall.
func (s *JobStore) CountInFlight(ctx context.Context, sourceID string) (crawler.InFlight, error) {
	var n crawler.InFlight
	err := s.db.QueryRow(ctx, `
SELECT count(*) FILTER (WHERE source_id = $1), count(*)
FROM crawl_jobs WHERE status = ANY($2::text[])`,
		sourceID, statusStrings(crawler.NonTerminalStates()),
	).Scan(&n.Source, &n.Global)
	if err != nil {
		return crawler.InFlight{}, fmt.Errorf("count in-flight jobs: %w", err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (crawler.CrawlJob, error) {
	var job crawler.CrawlJob
	err := row.Scan(
		&job.ID,
		&job.ProviderJobID,
		&job.SourceID,
		&job.SourceName,
		&job.SourceURL,
		&job.ExtractorType,
		&job.MaxPages,
		&job.Status,
		&job.PagesCrawled,
		&job.Result.BoothsFound,
		&job.Result.BoothsAdded,
		&job.Result.BoothsUpdated,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.CrawlDurationMs,
		&job.UpdatedAt,
	)
	return job, err
}

func collectJobs(rows pgx.Rows) ([]crawler.CrawlJob, error) {
	defer rows.Close()
	var out []crawler.CrawlJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}
