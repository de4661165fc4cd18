package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/booth-crawler/internal/clock/system"
	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/hash/sha256"
	"github.com/JakeFAU/booth-crawler/internal/progress"
	"github.com/JakeFAU/booth-crawler/internal/queue/memory"
	memstore "github.com/JakeFAU/booth-crawler/internal/storage/memory"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

type recordingArchiver struct {
	mu    sync.Mutex
	pages map[string]int
}

func (r *recordingArchiver) ArchivePages(_ context.Context, jobID string, pages []crawler.Page) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pages == nil {
		r.pages = make(map[string]int)
	}
	r.pages[jobID] += len(pages)
	return len(pages), nil
}

type fixture struct {
	jobs     *memstore.JobStore
	sources  *memstore.SourceRegistry
	queue    *memory.Queue
	emitter  *recordingEmitter
	archiver *recordingArchiver
	clock    *system.Manual
	handler  *Handler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		jobs:     memstore.NewJobStore(),
		sources:  memstore.NewSourceRegistry(crawler.Source{ID: "src-1", Name: "berlin", Enabled: true}),
		queue:    memory.NewQueue(8),
		emitter:  &recordingEmitter{},
		archiver: &recordingArchiver{},
		clock:    system.NewManual(start),
	}
	f.handler = NewHandler(f.jobs, f.sources, f.queue, f.archiver, f.emitter, f.clock, cfg, nil)
	require.NoError(t, f.jobs.CreateJob(context.Background(), crawler.CrawlJob{
		ID:         "job-1",
		SourceID:   "src-1",
		SourceName: "berlin",
		MaxPages:   10,
		Status:     crawler.JobStatusQueued,
		CreatedAt:  start,
		UpdatedAt:  start,
	}))
	require.NoError(t, f.jobs.SetProviderJobID(context.Background(), "job-1", "prov-1", start))
	return f
}

func (f *fixture) post(t *testing.T, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	f.clock.Advance(time.Second)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/crawl", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) job(t *testing.T) crawler.CrawlJob {
	t.Helper()
	job, err := f.jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	return job
}

func TestHandlerLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	rec := f.post(t, `{"type":"crawl.started","id":"prov-1","metadata":{"job_id":"job-1"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, map[string]any{"success": true, "received": "started"}, resp)
	job := f.job(t)
	require.Equal(t, crawler.JobStatusCrawling, job.Status)
	require.NotNil(t, job.StartedAt)

	rec = f.post(t, `{"type":"crawl.page","id":"prov-1","data":[{"url":"https://a","html":"<p>"},{"url":"https://b","html":"<p>"}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, f.job(t).PagesCrawled)
	require.Equal(t, 2, f.archiver.pages["job-1"])

	rec = f.post(t, `{"type":"crawl.completed","id":"prov-1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, crawler.JobStatusProcessing, f.job(t).Status)
	require.Equal(t, 1, f.queue.Len())

	// Duplicate delivery is acknowledged without another enqueue.
	before := f.job(t)
	rec = f.post(t, `{"type":"crawl.completed","id":"prov-1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, before, f.job(t))
	require.Equal(t, 1, f.queue.Len())

	item, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-1", item.JobID)

	require.Equal(t, []progress.Stage{progress.StageStarted, progress.StagePage, progress.StageProcessing}, f.emitter.stages())
}

func TestHandlerCompletedImpliesStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	rec := f.post(t, `{"type":"completed","id":"prov-1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := f.job(t)
	require.Equal(t, crawler.JobStatusProcessing, job.Status)
	require.NotNil(t, job.StartedAt)
	require.Equal(t, 1, f.queue.Len())
}

func TestHandlerFailedAfterCompletedIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	for _, to := range []crawler.JobStatus{crawler.JobStatusCrawling, crawler.JobStatusProcessing} {
		_, err := f.jobs.Transition(ctx, "job-1", to, crawler.JobUpdate{At: start})
		require.NoError(t, err)
	}
	_, err := f.jobs.Transition(ctx, "job-1", crawler.JobStatusCompleted, crawler.JobUpdate{
		At:     start,
		Result: &crawler.JobResult{BoothsFound: 3, BoothsAdded: 2, BoothsUpdated: 1},
	})
	require.NoError(t, err)
	before := f.job(t)

	rec := f.post(t, `{"type":"failed","id":"prov-1","error":"late failure"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	after := f.job(t)
	require.Equal(t, before, after)
	require.Equal(t, crawler.JobStatusCompleted, after.Status)
	require.Empty(t, after.ErrorMessage)
	require.Empty(t, f.emitter.stages())
}

func TestHandlerFailedRecordsMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	rec := f.post(t, `{"type":"failed","id":"job-1","error":"provider: 402 Payment Required"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := f.job(t)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Equal(t, "provider: 402 Payment Required", job.ErrorMessage)
	require.NotNil(t, job.CompletedAt)
	require.Equal(t, []progress.Stage{progress.StageFailed}, f.emitter.stages())

	src, err := f.sources.GetSource(context.Background(), "src-1")
	require.NoError(t, err)
	require.Equal(t, "failed", src.LastStatus)
	require.Equal(t, "job-1", src.LastJobID)
}

func TestHandlerUnknownJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	rec := f.post(t, `{"type":"completed","id":"nope"}`, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "unknown job")

	jobs, err := f.jobs.ListJobs(context.Background(), crawler.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, 0, f.queue.Len())
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Secret: "s3cret", MaxBodyBytes: 256})
	body := `{"type":"started","id":"job-1"}`

	rec := f.post(t, body, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.post(t, body, map[string]string{SignatureHeader: sha256.Sign([]byte("wrong"), []byte(body))})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, crawler.JobStatusQueued, f.job(t).Status)

	rec = f.post(t, strings.Repeat("x", 300), nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	bad := `{"type":"resumed","id":"job-1"}`
	rec = f.post(t, bad, map[string]string{SignatureHeader: sha256.Sign([]byte("s3cret"), []byte(bad))})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.post(t, body, map[string]string{SignatureHeader: sha256.Sign([]byte("s3cret"), []byte(body))})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, crawler.JobStatusCrawling, f.job(t).Status)
}

func TestHandlerEnqueueFailureLeavesJobProcessing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.queue.Close()

	outcome, err := f.handler.HandleEvent(context.Background(), Event{Type: EventCompleted, JobID: "job-1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)
	require.Equal(t, crawler.JobStatusProcessing, f.job(t).Status)
}

func TestHandlerPageAfterProcessingIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	_, err := f.handler.HandleEvent(context.Background(), Event{Type: EventCompleted, JobID: "job-1"})
	require.NoError(t, err)
	outcome, err := f.handler.HandleEvent(context.Background(), Event{Type: EventPage, JobID: "job-1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, outcome)
	require.Equal(t, 0, f.job(t).PagesCrawled)
}

func TestHandlerRecordsProviderIDBeforeStartReturns(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.jobs.CreateJob(ctx, crawler.CrawlJob{
		ID:        "job-2",
		SourceID:  "src-1",
		Status:    crawler.JobStatusQueued,
		CreatedAt: start,
		UpdatedAt: start,
	}))

	rec := f.post(t, `{"type":"started","id":"prov-2","metadata":{"job_id":"job-2"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job, err := f.jobs.GetJob(ctx, "job-2")
	require.NoError(t, err)
	require.Equal(t, "prov-2", job.ProviderJobID)

	// Later callbacks without metadata resolve through the recorded id.
	rec = f.post(t, `{"type":"page","id":"prov-2"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job, err = f.jobs.GetJob(ctx, "job-2")
	require.NoError(t, err)
	require.Equal(t, 1, job.PagesCrawled)

	// An id already on the job is never overwritten.
	rec = f.post(t, `{"type":"page","id":"other","metadata":{"job_id":"job-2"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job, err = f.jobs.GetJob(ctx, "job-2")
	require.NoError(t, err)
	require.Equal(t, "prov-2", job.ProviderJobID)
}
