package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

var meta = crawler.SourceMetadata{SourceName: "photobooth.net", SourceURL: "https://photobooth.net", ExtractorType: "ai"}

func TestExtractDecodesLooseShapes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var req request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Pages, 1)
		assert.Equal(t, "photobooth.net", req.Source.Name)
		_, _ = w.Write([]byte(`{"booths":[
			{"name":"Mauerpark Booth","city":"Berlin","country":"Germany","latitude":"52.5441","longitude":13.4022,"photos":"https://img/a.jpg"},
			{"name":"No Coords","city":"Berlin","country":"Germany","latitude":null,"photos":["x","y"]},
			{"name":"Broken","latitude":{"deg":52}},
			42
		]}`))
	}))
	defer srv.Close()

	e, err := New(Config{Endpoint: srv.URL, APIKey: "key"}, srv.Client(), nil, nil)
	require.NoError(t, err)

	got, err := e.Extract(context.Background(), []crawler.Page{
		{URL: "https://photobooth.net/a", Markdown: "# a"},
		{URL: "https://photobooth.net/empty"},
	}, meta)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.InDelta(t, 52.5441, *got[0].Latitude, 1e-9)
	require.Equal(t, []string{"https://img/a.jpg"}, got[0].Photos)
	require.Equal(t, "photobooth.net", got[0].SourceName)
	require.False(t, got[1].HasCoordinates())
	require.Equal(t, []string{"x", "y"}, got[1].Photos)
}

func TestExtractSkipsCallWithoutContent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls.Add(1) }))
	defer srv.Close()

	e, err := New(Config{Endpoint: srv.URL}, srv.Client(), nil, nil)
	require.NoError(t, err)
	got, err := e.Extract(context.Background(), []crawler.Page{{URL: "https://x"}}, meta)
	require.NoError(t, err)
	require.Empty(t, got)
	require.Zero(t, calls.Load())
}

func TestExtractFailureIsExtractionError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e, err := New(Config{Endpoint: srv.URL}, srv.Client(), crawler.NewRetryPolicy(2, time.Millisecond, time.Millisecond), nil)
	require.NoError(t, err)
	_, err = e.Extract(context.Background(), []crawler.Page{{URL: "https://x", HTML: "<p>"}}, meta)
	require.ErrorIs(t, err, crawler.ErrExtraction)
	require.ErrorContains(t, err, "model overloaded")
	require.Equal(t, int32(2), calls.Load())
}

func TestNewRequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil, nil)
	require.Error(t, err)
}
