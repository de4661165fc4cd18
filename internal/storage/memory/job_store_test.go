package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	job := crawler.CrawlJob{ID: "job-1", SourceID: "src-1", Status: crawler.JobStatusQueued, CreatedAt: t0, UpdatedAt: t0}

	require.NoError(t, store.CreateJob(ctx, job))
	require.Error(t, store.CreateJob(ctx, job))
	require.NoError(t, store.SetProviderJobID(ctx, job.ID, "fc-123", t0))

	byProvider, err := store.GetJob(ctx, "fc-123")
	require.NoError(t, err)
	require.Equal(t, "job-1", byProvider.ID)

	_, err = store.Transition(ctx, job.ID, crawler.JobStatusCrawling, crawler.JobUpdate{At: t0.Add(time.Second)})
	require.NoError(t, err)
	_, err = store.AddPages(ctx, job.ID, 3, t0.Add(2*time.Second))
	require.NoError(t, err)
	_, err = store.Transition(ctx, job.ID, crawler.JobStatusProcessing, crawler.JobUpdate{At: t0.Add(3 * time.Second)})
	require.NoError(t, err)

	result := crawler.JobResult{BoothsFound: 4, BoothsAdded: 3, BoothsUpdated: 1}
	final, err := store.Transition(ctx, job.ID, crawler.JobStatusCompleted,
		crawler.JobUpdate{At: t0.Add(5 * time.Second), Result: &result})
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, final.Status)
	require.Equal(t, 3, final.PagesCrawled)
	require.Equal(t, result, final.Result)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)
	require.EqualValues(t, 4000, *final.CrawlDurationMs)
}

func TestJobStoreRejectsIllegalTransitions(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, crawler.CrawlJob{ID: "job-1", Status: crawler.JobStatusQueued}))

	_, err := store.Transition(ctx, "job-1", crawler.JobStatusFailed, crawler.JobUpdate{At: t0, ErrorMessage: "boom"})
	require.NoError(t, err)

	job, err := store.Transition(ctx, "job-1", crawler.JobStatusCompleted, crawler.JobUpdate{At: t0})
	require.ErrorIs(t, err, crawler.ErrIllegalTransition)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Equal(t, "boom", job.ErrorMessage)

	_, err = store.AddPages(ctx, "job-1", 1, t0)
	require.ErrorIs(t, err, crawler.ErrIllegalTransition)

	_, err = store.GetJob(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrUnknownJob)
}

func TestJobStoreInFlightAndStale(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	jobs := []crawler.CrawlJob{
		{ID: "a", SourceID: "src-1", Status: crawler.JobStatusQueued, CreatedAt: t0, UpdatedAt: t0},
		{ID: "b", SourceID: "src-1", Status: crawler.JobStatusCrawling, CreatedAt: t0.Add(time.Minute), UpdatedAt: t0.Add(time.Hour)},
		{ID: "c", SourceID: "src-2", Status: crawler.JobStatusProcessing, CreatedAt: t0.Add(2 * time.Minute), UpdatedAt: t0},
		{ID: "d", SourceID: "src-1", Status: crawler.JobStatusCompleted, CreatedAt: t0.Add(3 * time.Minute), UpdatedAt: t0},
	}
	for _, j := range jobs {
		require.NoError(t, store.CreateJob(ctx, j))
	}

	n, err := store.CountInFlight(ctx, "src-1")
	require.NoError(t, err)
	require.Equal(t, crawler.InFlight{Source: 2, Global: 3}, n)

	stale, err := store.ListStale(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 2)

	listed, err := store.ListJobs(ctx, crawler.JobFilter{SourceID: "src-1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, "d", listed[0].ID)

	pages, err := store.ListJobs(ctx, crawler.JobFilter{Offset: 10})
	require.NoError(t, err)
	require.Empty(t, pages)
}

func TestJobStorePagesAreCopied(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	require.NoError(t, store.RecordPage(ctx, crawler.PageRecord{JobID: "job-1", URL: "https://example.com"}))

	pages, err := store.ListPages(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, pages, 1)
	pages[0].URL = "modified"

	again, err := store.ListPages(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "https://example.com", again[0].URL)
}

func TestJobStoreClaim(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, crawler.CrawlJob{
		ID: "p", SourceID: "src-1", ProviderJobID: "fc-p", Status: crawler.JobStatusProcessing, CreatedAt: t0, UpdatedAt: t0,
	}))
	require.NoError(t, store.CreateJob(ctx, crawler.CrawlJob{
		ID: "q", SourceID: "src-1", Status: crawler.JobStatusQueued, CreatedAt: t0, UpdatedAt: t0,
	}))

	claimed, err := store.Claim(ctx, "fc-p", t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, "p", claimed.ID)
	require.Equal(t, t0.Add(time.Hour), claimed.UpdatedAt)

	queued, err := store.Claim(ctx, "q", t0.Add(time.Hour))
	require.ErrorIs(t, err, crawler.ErrIllegalTransition)
	require.Equal(t, t0, queued.UpdatedAt)

	_, err = store.Claim(ctx, "missing", t0)
	require.ErrorIs(t, err, crawler.ErrUnknownJob)
}
