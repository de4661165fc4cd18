package postgres

import (
	"context"
	"fmt"
	"regexp"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PageStore records archived raw pages so a job can be re-extracted later.
type PageStore struct {
	db    DB
	table string
}

// NewPageStore builds a PageStore writing to table (default crawl_pages).
func NewPageStore(db DB, table string) (*PageStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_pages"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PageStore{db: db, table: table}, nil
}

// RecordPage upserts one archived page row.
func (s *PageStore) RecordPage(ctx context.Context, page crawler.PageRecord) error {
	if page.JobID == "" || page.URL == "" {
		return fmt.Errorf("page record needs job id and url")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (job_id, url, content_hash, blob_uri, bytes, fetched_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (job_id, url) DO UPDATE SET
	content_hash = EXCLUDED.content_hash,
	blob_uri = EXCLUDED.blob_uri,
	bytes = EXCLUDED.bytes,
	fetched_at = EXCLUDED.fetched_at`, s.table)
	if _, err := s.db.Exec(ctx, query,
		page.JobID, page.URL, page.ContentHash, page.BlobURI, page.Bytes, page.FetchedAt,
	); err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

// ListPages returns the archived pages of a job.
func (s *PageStore) ListPages(ctx context.Context, jobID string) ([]crawler.PageRecord, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
SELECT job_id, url, content_hash, blob_uri, bytes, fetched_at
FROM %s WHERE job_id = $1 ORDER BY url`, s.table), jobID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()
	var out []crawler.PageRecord
	for rows.Next() {
		var p crawler.PageRecord
		if err := rows.Scan(&p.JobID, &p.URL, &p.ContentHash, &p.BlobURI, &p.Bytes, &p.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return out, nil
}
