package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

func newClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c, err := New(Config{BaseURL: server.URL + "/", APIKey: "fc-key", Timeout: time.Second},
		server.Client(), crawler.NewRetryPolicy(2, time.Millisecond, 5*time.Millisecond), nil, nil)
	require.NoError(t, err)
	return c
}

func TestStartCrawlSendsJobIDInWebhookMetadata(t *testing.T) {
	t.Parallel()

	var got startRequest
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/crawl", r.URL.Path)
		assert.Equal(t, "Bearer fc-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"success":true,"id":"fc-123"}`)
	}))

	job, err := c.StartCrawl(context.Background(), crawler.CrawlRequest{
		JobID:      "job-1",
		URL:        "https://photobooth.net",
		MaxPages:   25,
		WebhookURL: "https://booths.example/v1/webhooks/crawl",
		Metadata:   map[string]string{"source_name": "photobooth.net"},
	})
	require.NoError(t, err)
	require.Equal(t, "fc-123", job.ID)
	require.Equal(t, 25, got.Limit)
	require.NotNil(t, got.Webhook)
	require.Equal(t, "job-1", got.Webhook.Metadata["job_id"])
	require.Equal(t, "photobooth.net", got.Webhook.Metadata["source_name"])
	require.ElementsMatch(t, []string{"markdown", "html"}, got.ScrapeOptions.Formats)
}

func TestStartCrawlRetriesOnceOnTransientFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"success":true,"id":"fc-2"}`)
	}))

	job, err := c.StartCrawl(context.Background(), crawler.CrawlRequest{JobID: "j", URL: "https://a.example"})
	require.NoError(t, err)
	require.Equal(t, "fc-2", job.ID)
	require.EqualValues(t, 2, calls.Load())
}

func TestStartCrawlFailsFastOnClientError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"payment required"}`, http.StatusPaymentRequired)
	}))

	_, err := c.StartCrawl(context.Background(), crawler.CrawlRequest{JobID: "j", URL: "https://a.example"})
	require.ErrorIs(t, err, crawler.ErrExternalService)
	require.EqualValues(t, 1, calls.Load())
}

func TestStartCrawlGivesUpAfterOneRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.StartCrawl(context.Background(), crawler.CrawlRequest{JobID: "j", URL: "https://a.example"})
	require.ErrorIs(t, err, crawler.ErrExternalService)
	require.EqualValues(t, 2, calls.Load())
}

func TestFetchResultsFollowsPagination(t *testing.T) {
	t.Parallel()

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("skip") == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": "completed", "total": 2, "completed": 2,
				"next": server.URL + "/v1/crawl/fc-1?skip=1",
				"data": []any{map[string]any{"markdown": "# A", "metadata": map[string]any{"sourceURL": "https://a", "statusCode": 200}}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "completed",
			"data":   []any{map[string]any{"html": "<p>B</p>", "metadata": map[string]any{"url": "https://b"}}},
		})
	}))
	t.Cleanup(server.Close)

	c, err := New(Config{BaseURL: server.URL}, server.Client(), nil, nil, nil)
	require.NoError(t, err)

	pages, err := c.FetchResults(context.Background(), "fc-1")
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Equal(t, "https://a", pages[0].URL)
	require.Equal(t, 200, pages[0].StatusCode)
	require.Equal(t, "# A", pages[0].Content())
	require.Equal(t, "<p>B</p>", pages[1].Content())
}

func TestFetchResultsRejectsEndlessPagination(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "completed",
			"next":   server.URL + "/v1/crawl/fc-1?skip=1",
			"data":   []any{map[string]any{"html": "<p>again</p>", "metadata": map[string]any{"url": "https://loop"}}},
		})
	}))
	t.Cleanup(server.Close)

	c, err := New(Config{BaseURL: server.URL}, server.Client(), nil, nil, nil)
	require.NoError(t, err)

	pages, err := c.FetchResults(context.Background(), "fc-1")
	require.ErrorIs(t, err, crawler.ErrExternalService)
	require.Nil(t, pages)
	require.EqualValues(t, maxResultPages, calls.Load())
}

func TestCrawlStatus(t *testing.T) {
	t.Parallel()

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/crawl/fc-9", r.URL.Path)
		_, _ = io.WriteString(w, `{"status":"scraping","total":10,"completed":4}`)
	}))

	st, err := c.CrawlStatus(context.Background(), "fc-9")
	require.NoError(t, err)
	require.Equal(t, crawler.ProviderStateScraping, st.State)
	require.Equal(t, 4, st.Completed)
}

type recordingPolicy struct {
	waits     atomic.Int32
	penalties atomic.Int32
}

func (p *recordingPolicy) Wait(context.Context, string) error { p.waits.Add(1); return nil }
func (p *recordingPolicy) Penalize(string)                    { p.penalties.Add(1) }

func TestRateLimitedResponsesPenalizeThePolicy(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, `{"status":"completed"}`)
	}))
	t.Cleanup(server.Close)

	policy := &recordingPolicy{}
	c, err := New(Config{BaseURL: server.URL}, server.Client(),
		crawler.NewRetryPolicy(2, time.Millisecond, time.Millisecond), policy, nil)
	require.NoError(t, err)

	_, err = c.CrawlStatus(context.Background(), "fc-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, policy.waits.Load())
	require.EqualValues(t, 1, policy.penalties.Load())
}
