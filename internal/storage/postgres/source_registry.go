package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

const sourceColumns = `id, name, url, extractor_type, enabled, priority, cadence_hours, max_pages,
	last_crawled_at, last_status, last_job_id, total_booths_found`

// SourceRegistry reads crawl targets from crawl_sources.
type SourceRegistry struct {
	db DB
}

// NewSourceRegistry wraps a pool.
func NewSourceRegistry(db DB) *SourceRegistry {
	return &SourceRegistry{db: db}
}

// GetSource returns a source by id.
func (r *SourceRegistry) GetSource(ctx context.Context, id string) (crawler.Source, error) {
	return r.getOne(ctx, `SELECT `+sourceColumns+` FROM crawl_sources WHERE id = $1`, id)
}

// GetSourceByName returns a source by name.
func (r *SourceRegistry) GetSourceByName(ctx context.Context, name string) (crawler.Source, error) {
	return r.getOne(ctx, `SELECT `+sourceColumns+` FROM crawl_sources WHERE name = $1`, name)
}

func (r *SourceRegistry) getOne(ctx context.Context, query, key string) (crawler.Source, error) {
	src, err := scanSource(r.db.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Source{}, fmt.Errorf("source %q: %w", key, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Source{}, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

// ListDueSources returns enabled sources whose cadence has elapsed.
func (r *SourceRegistry) ListDueSources(ctx context.Context, now time.Time) ([]crawler.Source, error) {
	rows, err := r.db.Query(ctx, `SELECT `+sourceColumns+`
FROM crawl_sources
WHERE enabled
	AND (last_crawled_at IS NULL OR cadence_hours <= 0
		OR last_crawled_at + make_interval(hours => cadence_hours) <= $1)
ORDER BY priority DESC, name`, now)
	if err != nil {
		return nil, fmt.Errorf("list due sources: %w", err)
	}
	return collectSources(rows)
}

// ListSources returns every source, highest priority first.
func (r *SourceRegistry) ListSources(ctx context.Context) ([]crawler.Source, error) {
	rows, err := r.db.Query(ctx, `SELECT `+sourceColumns+` FROM crawl_sources ORDER BY priority DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return collectSources(rows)
}

// UpdateCrawlStatus records the outcome of a source's latest job.
func (r *SourceRegistry) UpdateCrawlStatus(ctx context.Context, sourceID string, u crawler.SourceStatusUpdate) error {
	tag, err := r.db.Exec(ctx, `
UPDATE crawl_sources SET
	last_crawled_at = $2,
	last_status = $3::text,
	last_job_id = $4,
	total_booths_found = CASE WHEN $3::text = 'completed' THEN $5 ELSE total_booths_found END
WHERE id = $1`, sourceID, u.At, string(u.Status), u.JobID, u.BoothsFound)
	if err != nil {
		return fmt.Errorf("update source status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %s: %w", sourceID, crawler.ErrNotFound)
	}
	return nil
}

// UpsertSource inserts or updates a source's configuration, leaving its
// crawl status alone.
func (r *SourceRegistry) UpsertSource(ctx context.Context, src crawler.Source) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO crawl_sources (id, name, url, extractor_type, enabled, priority, cadence_hours, max_pages)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	url = EXCLUDED.url,
	extractor_type = EXCLUDED.extractor_type,
	enabled = EXCLUDED.enabled,
	priority = EXCLUDED.priority,
	cadence_hours = EXCLUDED.cadence_hours,
	max_pages = EXCLUDED.max_pages`,
		src.ID, src.Name, src.URL, src.ExtractorType, src.Enabled, src.Priority, src.CadenceHours, src.MaxPages)
	if err != nil {
		return fmt.Errorf("upsert source %s: %w", src.Name, err)
	}
	return nil
}

func scanSource(row pgx.Row) (crawler.Source, error) {
	var src crawler.Source
	err := row.Scan(
		&src.ID, &src.Name, &src.URL, &src.ExtractorType, &src.Enabled, &src.Priority,
		&src.CadenceHours, &src.MaxPages, &src.LastCrawledAt, &src.LastStatus, &src.LastJobID,
		&src.TotalBoothsFound,
	)
	return src, err
}

func collectSources(rows pgx.Rows) ([]crawler.Source, error) {
	defer rows.Close()
	var out []crawler.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}
