package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

var sourceCols = []string{
	"id", "name", "url", "extractor_type", "enabled", "priority", "cadence_hours", "max_pages",
	"last_crawled_at", "last_status", "last_job_id", "total_booths_found",
}

func TestSourceRegistryListDue(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM crawl_sources\\s+WHERE enabled").
		WithArgs(at).
		WillReturnRows(mock.NewRows(sourceCols).
			AddRow("src-1", "photobooth.net", "https://photobooth.net", "jsonld", true, 5, 24, 50, nil, "", "", 0))

	due, err := NewSourceRegistry(mock).ListDueSources(context.Background(), at)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Nil(t, due[0].LastCrawledAt)
	require.Equal(t, 5, due[0].Priority)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceRegistryUpdateCrawlStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE crawl_sources SET").
		WithArgs("src-1", at, "completed", "job-1", 12).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE crawl_sources SET").
		WithArgs("missing", at, "failed", "job-2", 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	reg := NewSourceRegistry(mock)
	require.NoError(t, reg.UpdateCrawlStatus(context.Background(), "src-1", crawler.SourceStatusUpdate{
		JobID: "job-1", Status: crawler.JobStatusCompleted, BoothsFound: 12, At: at,
	}))
	err = reg.UpdateCrawlStatus(context.Background(), "missing", crawler.SourceStatusUpdate{
		JobID: "job-2", Status: crawler.JobStatusFailed, At: at,
	})
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceRegistryGetByNameNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM crawl_sources WHERE name").WithArgs("nope").WillReturnRows(mock.NewRows(sourceCols))
	_, err = NewSourceRegistry(mock).GetSourceByName(context.Background(), "nope")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}
