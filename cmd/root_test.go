package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/booth-crawler/internal/config"
	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/dedup"
)

type fakeApp struct {
	pass      dedup.PassResult
	radius    float64
	window    time.Duration
	stale     []crawler.CrawlJob
	entity    crawler.CanonicalEntity
	entityErr error
	closed    bool
	runCalled bool
	threshold int
}

func (f *fakeApp) Run(context.Context) error {
	f.runCalled = true
	return nil
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

func (f *fakeApp) RunDedupPass(_ context.Context, radius float64) (dedup.PassResult, error) {
	f.radius = radius
	return f.pass, nil
}

func (f *fakeApp) StaleJobs(_ context.Context, window time.Duration) ([]crawler.CrawlJob, error) {
	f.window = window
	return f.stale, nil
}

func (f *fakeApp) Entity(context.Context, string) (crawler.CanonicalEntity, error) {
	return f.entity, f.entityErr
}

func (f *fakeApp) QualityThreshold() int { return f.threshold }

// execute runs the root command with app injected. Not parallel: it swaps
// package-level factories.
func execute(t *testing.T, app *fakeApp, args ...string) (string, error) {
	t.Helper()
	prev := newApp
	newApp = func(context.Context, *config.Config) (App, error) { return app, nil }
	t.Cleanup(func() { newApp = prev })
	cfgFile = ""

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestServeRunsApp(t *testing.T) {
	app := &fakeApp{}
	_, err := execute(t, app, "serve")
	require.NoError(t, err)
	require.True(t, app.runCalled)
}

func TestDedupPrintsSummary(t *testing.T) {
	app := &fakeApp{pass: dedup.PassResult{Before: 5, After: 3, Rounds: 1, Groups: 1, Merged: 2}}
	out, err := execute(t, app, "dedup", "--radius", "75")
	require.NoError(t, err)
	require.InDelta(t, 75, app.radius, 0.001)
	require.Contains(t, out, `"before": 5`)
	require.Contains(t, out, `"merged": 2`)
	require.True(t, app.closed)
}

func TestDedupRejectsNegativeRadius(t *testing.T) {
	app := &fakeApp{}
	_, err := execute(t, app, "dedup", "--radius", "-1")
	require.Error(t, err)
}

func TestStaleRendersTable(t *testing.T) {
	app := &fakeApp{stale: []crawler.CrawlJob{{
		JobID:        "job-7",
		SourceName:   "photoautomat",
		Status:       crawler.JobStatusCrawling,
		PagesCrawled: 4,
		UpdatedAt:    time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}}}
	out, err := execute(t, app, "stale", "--window", "45m")
	require.NoError(t, err)
	require.Equal(t, 45*time.Minute, app.window)
	require.Contains(t, out, "job-7")
	require.Contains(t, out, "photoautomat")
	require.Contains(t, out, "2026-03-01T11:00:00Z")
}

func TestScorePrintsReport(t *testing.T) {
	app := &fakeApp{
		threshold: 60,
		entity: crawler.CanonicalEntity{
			ID:   "ent-1",
			Name: "Photoautomat Mauerpark",
		},
	}
	out, err := execute(t, app, "score", "ent-1")
	require.NoError(t, err)
	require.Contains(t, out, "Photoautomat Mauerpark")
	require.Contains(t, out, "Needs enrichment")
	require.Contains(t, out, "address")
}

func TestScoreMissingEntity(t *testing.T) {
	app := &fakeApp{entityErr: crawler.ErrNotFound}
	_, err := execute(t, app, "score", "nope")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.True(t, app.closed)
}

func TestMigrateNeedsDSN(t *testing.T) {
	t.Setenv("BOOTHS_DATABASE_DSN", "")
	_, err := execute(t, &fakeApp{}, "migrate", "up")
	require.ErrorIs(t, err, errNoDSN)
}

func TestMigrateDownPassesSteps(t *testing.T) {
	t.Setenv("BOOTHS_DATABASE_DSN", "postgres://u:p@localhost:5432/booths")
	var gotDSN string
	var gotSteps int
	prev := migrateDown
	migrateDown = func(dsn string, steps int, _ *zap.Logger) error {
		gotDSN, gotSteps = dsn, steps
		return nil
	}
	t.Cleanup(func() { migrateDown = prev })

	_, err := execute(t, &fakeApp{}, "migrate", "down", "--steps", "2")
	require.NoError(t, err)
	require.Equal(t, "postgres://u:p@localhost:5432/booths", gotDSN)
	require.Equal(t, 2, gotSteps)
}

func TestMigrateUpPropagatesError(t *testing.T) {
	t.Setenv("BOOTHS_DATABASE_DSN", "postgres://u:p@localhost:5432/booths")
	boom := errors.New("dirty database")
	prev := migrateUp
	migrateUp = func(string, *zap.Logger) error { return boom }
	t.Cleanup(func() { migrateUp = prev })

	_, err := execute(t, &fakeApp{}, "migrate", "up")
	require.ErrorIs(t, err, boom)
}
