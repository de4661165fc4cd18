package dedup_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/booth-crawler/internal/clock/system"
	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/dedup"
	"github.com/JakeFAU/booth-crawler/internal/id/uuid"
	"github.com/JakeFAU/booth-crawler/internal/publisher/memory"
	memstore "github.com/JakeFAU/booth-crawler/internal/storage/memory"
)

func ptr(v float64) *float64 { return &v }

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, store crawler.EntityStore, pub crawler.Publisher) *dedup.Engine {
	t.Helper()
	return dedup.NewEngine(
		store,
		dedup.NewContainmentSimilarity(dedup.DefaultNameConfig()),
		system.NewManual(start),
		&uuid.Sequence{Prefix: "booth"},
		pub,
		dedup.Config{RadiusMeters: 50, Parallelism: 2, MergedTopic: "entity-merged"},
		zaptest.NewLogger(t),
	)
}

func TestIngestMergesMauerparkDuplicates(t *testing.T) {
	t.Parallel()

	store := memstore.NewEntityStore()
	engine := newEngine(t, store, nil)
	ctx := context.Background()

	sparse := crawler.CandidateEntity{
		Name:       "Mauerpark Booth",
		City:       "Berlin",
		Country:    "DE",
		Latitude:   ptr(52.5441),
		Longitude:  ptr(13.4022),
		SourceName: "photobooth.net",
		SourceURL:  "https://photobooth.net/locations/mauerpark",
	}
	rich := crawler.CandidateEntity{
		Name:          "Mauerpark 2",
		Address:       "Bernauer Str. 63",
		City:          "Berlin",
		Country:       "DE",
		Latitude:      ptr(52.5441),
		Longitude:     ptr(13.4025),
		Description:   "Analog four-strip booth at the Sunday flea market entrance.",
		ExteriorPhoto: "https://photoautomat.de/img/mauerpark.jpg",
		MachineModel:  "Model 11",
		Hours:         "Sun 10-18",
		Cost:          "2 EUR",
		SourceName:    "photoautomat.de",
		SourceURL:     "https://photoautomat.de/standorte/mauerpark",
	}

	res, err := engine.Ingest(ctx, []crawler.CandidateEntity{sparse, rich})
	require.NoError(t, err)
	require.Equal(t, 2, res.Found)
	require.Equal(t, 1, res.Added)
	require.Equal(t, 1, res.Updated)

	n, err := store.CountEntities(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := store.GetEntity(ctx, res.Touched[0].ID)
	require.NoError(t, err)
	require.Equal(t, "booth-1", got.ID, "identity of the first record survives")
	require.Equal(t, "mauerpark-booth-berlin", got.Slug)
	require.Equal(t, "Mauerpark 2", got.Name, "richer record is the keeper")
	require.Equal(t, "Sun 10-18", got.Hours)
	require.ElementsMatch(t, []string{"photobooth.net", "photoautomat.de"}, got.SourceNames)
	require.Len(t, got.SourceURLs, 2)
	require.EqualValues(t, 2, got.Version)
}

func TestIngestIsIdempotent(t *testing.T) {
	t.Parallel()

	store := memstore.NewEntityStore()
	engine := newEngine(t, store, nil)
	ctx := context.Background()
	cand := crawler.CandidateEntity{
		Name: "Kiosk Tor", City: "Berlin", Country: "DE",
		Latitude: ptr(52.5), Longitude: ptr(13.4),
		SourceName: "a", SourceURL: "https://a.example/kiosk",
	}

	first, err := engine.Ingest(ctx, []crawler.CandidateEntity{cand})
	require.NoError(t, err)
	require.Equal(t, 1, first.Added)

	second, err := engine.Ingest(ctx, []crawler.CandidateEntity{cand})
	require.NoError(t, err)
	require.Zero(t, second.Added)
	require.Zero(t, second.Updated)

	got, err := store.GetEntity(ctx, first.Touched[0].ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.Version, "unchanged payload is not rewritten")
}

func TestIngestWithoutCoordinatesUsesIdentity(t *testing.T) {
	t.Parallel()

	store := memstore.NewEntityStore()
	engine := newEngine(t, store, nil)
	ctx := context.Background()
	base := crawler.CandidateEntity{
		Name: "Kiosk", Address: "Kastanienallee 5", City: "Berlin", Country: "DE",
		SourceName: "a", SourceURL: "https://a.example/kiosk",
	}
	same := base
	same.SourceName, same.SourceURL = "b", "https://b.example/kiosk"
	different := base
	different.Address = "Oderberger Str. 1"

	res, err := engine.Ingest(ctx, []crawler.CandidateEntity{base, same, different})
	require.NoError(t, err)
	require.Equal(t, 2, res.Added)
	require.Equal(t, 1, res.Updated)
}

type conflictStore struct {
	*memstore.EntityStore
	updates int
}

func (s *conflictStore) UpdateEntity(context.Context, crawler.CanonicalEntity) (crawler.CanonicalEntity, error) {
	s.updates++
	return crawler.CanonicalEntity{}, fmt.Errorf("stale: %w", crawler.ErrMergeConflict)
}

func (s *conflictStore) ApplyMerge(context.Context, crawler.MergeDecision) (crawler.CanonicalEntity, error) {
	return crawler.CanonicalEntity{}, fmt.Errorf("stale: %w", crawler.ErrMergeConflict)
}

func TestIngestSkipsAfterRepeatedConflicts(t *testing.T) {
	t.Parallel()

	store := &conflictStore{EntityStore: memstore.NewEntityStore()}
	engine := newEngine(t, store, nil)
	ctx := context.Background()
	a := crawler.CandidateEntity{Name: "Kiosk Tor", City: "Berlin", Country: "DE", Latitude: ptr(52.5), Longitude: ptr(13.4), SourceName: "a"}
	b := a
	b.SourceName = "b"

	res, err := engine.Ingest(ctx, []crawler.CandidateEntity{a, b})
	require.NoError(t, err)
	require.Equal(t, 1, res.Added)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 3, store.updates)
}

func seed(t *testing.T, store *memstore.EntityStore, e crawler.CanonicalEntity) {
	t.Helper()
	_, err := store.InsertEntity(context.Background(), e)
	require.NoError(t, err)
}

func TestRunPassMergesAcrossLocalities(t *testing.T) {
	t.Parallel()

	store := memstore.NewEntityStore()
	pub := memory.New()
	engine := newEngine(t, store, pub)
	ctx := context.Background()

	seed(t, store, crawler.CanonicalEntity{
		ID: "b1", Slug: "mauerpark-booth-berlin", Name: "Mauerpark Booth", City: "Berlin", Country: "DE",
		Latitude: ptr(52.5441), Longitude: ptr(13.4022), SourceNames: []string{"photobooth.net"},
	})
	seed(t, store, crawler.CanonicalEntity{
		ID: "b2", Slug: "mauerpark-2-berlin", Name: "Mauerpark 2", City: "Berlin", Country: "DE",
		Latitude: ptr(52.5441), Longitude: ptr(13.4025), SourceNames: []string{"photoautomat.de"},
	})
	seed(t, store, crawler.CanonicalEntity{
		ID: "p1", Slug: "gare-du-nord-paris", Name: "Gare du Nord", City: "Paris", Country: "FR",
		Latitude: ptr(48.8809), Longitude: ptr(2.3553),
	})

	res, err := engine.RunPass(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 3, res.Before)
	require.Equal(t, 2, res.After)
	require.Equal(t, 1, res.Merged)
	require.Equal(t, 2, res.Rounds, "second round confirms the fixpoint")

	berlin, err := store.ListByLocality(ctx, crawler.Locality{Country: "DE", City: "Berlin"})
	require.NoError(t, err)
	require.Len(t, berlin, 1)
	require.ElementsMatch(t, []string{"photobooth.net", "photoautomat.de"}, berlin[0].SourceNames)

	require.Len(t, pub.Topic("entity-merged"), 1)

	again, err := engine.RunPass(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, again.Merged)
	require.Equal(t, 2, again.After)
}

func TestRunPassSkipsConflictingDecisions(t *testing.T) {
	t.Parallel()

	inner := memstore.NewEntityStore()
	seed(t, inner, crawler.CanonicalEntity{ID: "a", Slug: "a", Name: "Kiosk Tor", City: "Berlin", Country: "DE", Latitude: ptr(52.5), Longitude: ptr(13.4)})
	seed(t, inner, crawler.CanonicalEntity{ID: "b", Slug: "b", Name: "Kiosk Tor", City: "Berlin", Country: "DE", Latitude: ptr(52.5), Longitude: ptr(13.4001)})
	engine := newEngine(t, &conflictStore{EntityStore: inner}, nil)

	res, err := engine.RunPass(context.Background(), 50)
	require.NoError(t, err)
	require.Zero(t, res.Merged)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 2, res.After)
}
