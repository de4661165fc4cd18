package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

var entityCols = []string{
	"id", "slug", "name", "address", "city", "country", "postal_code", "region", "latitude", "longitude",
	"status", "source_names", "source_urls", "description", "photos", "exterior_photo", "machine_model",
	"machine_manufacturer", "hours", "cost", "phone", "website", "version", "created_at", "updated_at",
	"aliases",
}

func entityRow(mock pgxmock.PgxPoolIface, id, slug string, version int64) *pgxmock.Rows {
	lat, lng := 52.5441, 13.4022
	return mock.NewRows(entityCols).AddRow(
		id, slug, "Mauerpark Booth", "", "Berlin", "DE", "", "", &lat, &lng,
		"unverified", []string{"photobooth.net"}, []string{"https://photobooth.net/m"}, "", []string{}, "", "",
		"", "", "", "", "", version, at, at, []string{},
	)
}

func anyArgs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}

func TestEntityStoreInsertDisambiguatesSlug(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	first := anyArgs(25)
	first[1] = "mauerpark-booth-berlin"
	second := anyArgs(25)
	second[1] = "mauerpark-booth-berlin-2"
	mock.ExpectQuery("INSERT INTO booths").WithArgs(first...).WillReturnRows(mock.NewRows(entityCols))
	mock.ExpectQuery("INSERT INTO booths").WithArgs(second...).
		WillReturnRows(entityRow(mock, "b1", "mauerpark-booth-berlin-2", 1))

	e, err := NewEntityStore(mock).InsertEntity(context.Background(), crawler.CanonicalEntity{
		ID: "b1", Slug: "mauerpark-booth-berlin", Name: "Mauerpark Booth",
	})
	require.NoError(t, err)
	require.Equal(t, "mauerpark-booth-berlin-2", e.Slug)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityStoreUpdateConflict(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("UPDATE booths SET").WillReturnRows(mock.NewRows(entityCols))
	mock.ExpectQuery("FROM booths WHERE id = \\$1").WithArgs("b1").
		WillReturnRows(entityRow(mock, "b1", "s", 4))

	_, err = NewEntityStore(mock).UpdateEntity(context.Background(), crawler.CanonicalEntity{ID: "b1", Version: 3})
	require.ErrorIs(t, err, crawler.ErrMergeConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func mergeDecision() crawler.MergeDecision {
	keeper := crawler.CanonicalEntity{ID: "k", Slug: "k", Version: 2}
	loser := crawler.CanonicalEntity{ID: "l", Slug: "l", Version: 1}
	merged := keeper
	merged.SourceNames = []string{"a", "b"}
	merged.Aliases = []string{"Kiosk am Platz"}
	return crawler.MergeDecision{Keeper: keeper, Losers: []crawler.CanonicalEntity{loser}, Merged: merged}
}

func TestEntityStoreApplyMergeCommits(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, version FROM booths WHERE id = ANY").
		WithArgs([]string{"k", "l"}).
		WillReturnRows(mock.NewRows([]string{"id", "version"}).AddRow("k", int64(2)).AddRow("l", int64(1)))
	mock.ExpectExec("DELETE FROM booths").WithArgs([]string{"l"}).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	update := anyArgs(24)
	update[23] = []string{"Kiosk am Platz"}
	mock.ExpectQuery("UPDATE booths SET").WithArgs(update...).WillReturnRows(entityRow(mock, "k", "k", 3))
	mock.ExpectCommit()

	out, err := NewEntityStore(mock).ApplyMerge(context.Background(), mergeDecision())
	require.NoError(t, err)
	require.Equal(t, "k", out.ID)
	require.EqualValues(t, 3, out.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityStoreApplyMergeRollsBackOnConflict(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, version FROM booths WHERE id = ANY").
		WithArgs([]string{"k", "l"}).
		WillReturnRows(mock.NewRows([]string{"id", "version"}).AddRow("k", int64(2)).AddRow("l", int64(5)))
	mock.ExpectRollback()

	_, err = NewEntityStore(mock).ApplyMerge(context.Background(), mergeDecision())
	require.ErrorIs(t, err, crawler.ErrMergeConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityStoreApplyMergeMissingLoser(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, version FROM booths WHERE id = ANY").
		WillReturnRows(mock.NewRows([]string{"id", "version"}).AddRow("k", int64(2)))
	mock.ExpectRollback()

	_, err = NewEntityStore(mock).ApplyMerge(context.Background(), mergeDecision())
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
