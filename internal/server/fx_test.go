package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/booth-crawler/internal/config"
	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

// Build registers collectors on the default registry, so this package builds
// the graph exactly once.
func TestBuildInMemoryGraph(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Logging.Development = false
	cfg.Logging.Level = "error"
	cfg.Sources = []config.SourceConfig{{
		Name:         "photobooth.net",
		URL:          "https://www.photobooth.net/locations/",
		Enabled:      true,
		Priority:     5,
		CadenceHours: 24,
	}}

	ctx := context.Background()
	app, err := Build(ctx, &cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, app.Close(closeCtx))
	})

	src, err := app.sources.GetSourceByName(ctx, "photobooth.net")
	require.NoError(t, err)
	require.Equal(t, "photobooth.net", src.ID)
	require.True(t, src.Enabled)

	require.ElementsMatch(t, []string{"due_sources", "reconcile", "stale_scan", "dedup_pass"}, app.scheduler.Tasks())
	require.Equal(t, cfg.Orchestrator.Workers, app.dispatch.Size())
	require.Equal(t, 60, app.QualityThreshold())

	pass, err := app.RunDedupPass(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, pass.Before)

	stale, err := app.StaleJobs(ctx, time.Hour)
	require.NoError(t, err)
	require.Empty(t, stale)

	_, err = app.Entity(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		app.apiServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestBuildRejectsBadLogLevel(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Logging.Level = "loud"

	_, err = Build(context.Background(), &cfg)
	require.Error(t, err)
}
