package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

func TestPageStoreRecordPage(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPageStore(mock, "")
	require.NoError(t, err)

	rec := crawler.PageRecord{
		JobID:       "job-1",
		URL:         "https://photobooth.net/locations/1",
		ContentHash: "abc123",
		BlobURI:     "gs://bucket/raw/job-1/abc123.md",
		Bytes:       2048,
		FetchedAt:   at,
	}
	mock.ExpectExec("INSERT INTO crawl_pages").
		WithArgs(rec.JobID, rec.URL, rec.ContentHash, rec.BlobURI, rec.Bytes, rec.FetchedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordPage(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Error(t, store.RecordPage(context.Background(), crawler.PageRecord{}))
}

func TestPageStoreListPages(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPageStore(mock, "archived_pages")
	require.NoError(t, err)
	mock.ExpectQuery("FROM archived_pages WHERE job_id").
		WithArgs("job-1").
		WillReturnRows(mock.NewRows([]string{"job_id", "url", "content_hash", "blob_uri", "bytes", "fetched_at"}).
			AddRow("job-1", "https://a", "h1", "memory://a", 10, at).
			AddRow("job-1", "https://b", "h2", "memory://b", 20, at))

	pages, err := store.ListPages(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Equal(t, 20, pages[1].Bytes)
}

func TestNewPageStoreValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewPageStore(mock, "pages; DROP TABLE booths")
	require.Error(t, err)
	_, err = NewPageStore(nil, "")
	require.Error(t, err)
}
