package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/dedup"
)

const entityColumns = `id, slug, name, address, city, country, postal_code, region, latitude, longitude,
	status, source_names, source_urls, description, photos, exterior_photo, machine_model,
	machine_manufacturer, hours, cost, phone, website, version, created_at, updated_at, aliases`

// maxSlugAttempts bounds the numeric suffixes tried for a taken slug.
const maxSlugAttempts = 50

const uniqueViolation = "23505"

// EntityStore persists canonical booths in the booths table.
type EntityStore struct {
	db DB
}

// NewEntityStore wraps a pool.
func NewEntityStore(db DB) *EntityStore {
	return &EntityStore{db: db}
}

// GetEntity returns one booth.
func (s *EntityStore) GetEntity(ctx context.Context, id string) (crawler.CanonicalEntity, error) {
	e, err := scanEntity(s.db.QueryRow(ctx, `SELECT `+entityColumns+` FROM booths WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CanonicalEntity{}, fmt.Errorf("entity %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.CanonicalEntity{}, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// ListNear prefilters with a bounding box; callers apply the exact radius.
func (s *EntityStore) ListNear(ctx context.Context, lat, lng, radiusMeters float64) ([]crawler.CanonicalEntity, error) {
	minLat, maxLat, minLng, maxLng := dedup.BoundingBox(lat, lng, radiusMeters)
	rows, err := s.db.Query(ctx, `SELECT `+entityColumns+`
FROM booths
WHERE latitude BETWEEN $1 AND $2 AND longitude BETWEEN $3 AND $4
ORDER BY id`, minLat, maxLat, minLng, maxLng)
	if err != nil {
		return nil, fmt.Errorf("list near: %w", err)
	}
	return collectEntities(rows)
}

// ListByLocality returns every booth in a country/city, case-insensitively.
func (s *EntityStore) ListByLocality(ctx context.Context, loc crawler.Locality) ([]crawler.CanonicalEntity, error) {
	rows, err := s.db.Query(ctx, `SELECT `+entityColumns+`
FROM booths
WHERE lower(country) = lower($1) AND lower(city) = lower($2)
ORDER BY id`, loc.Country, loc.City)
	if err != nil {
		return nil, fmt.Errorf("list by locality: %w", err)
	}
	return collectEntities(rows)
}

// ListLocalities returns distinct country/city pairs.
func (s *EntityStore) ListLocalities(ctx context.Context) ([]crawler.Locality, error) {
	rows, err := s.db.Query(ctx, `
SELECT min(country), min(city)
FROM booths
GROUP BY lower(country), lower(city)
ORDER BY 1, 2`)
	if err != nil {
		return nil, fmt.Errorf("list localities: %w", err)
	}
	defer rows.Close()
	var out []crawler.Locality
	for rows.Next() {
		var loc crawler.Locality
		if err := rows.Scan(&loc.Country, &loc.City); err != nil {
			return nil, fmt.Errorf("scan locality: %w", err)
		}
		out = append(out, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate localities: %w", err)
	}
	return out, nil
}

// InsertEntity inserts a booth, appending -2, -3, ... to a taken slug.
func (s *EntityStore) InsertEntity(ctx context.Context, e crawler.CanonicalEntity) (crawler.CanonicalEntity, error) {
	base := e.Slug
	for n := 1; n <= maxSlugAttempts; n++ {
		if n > 1 {
			e.Slug = fmt.Sprintf("%s-%d", base, n)
		}
		row := s.db.QueryRow(ctx, `
INSERT INTO booths (`+entityColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,1,$23,$24,$25)
ON CONFLICT (slug) DO NOTHING
RETURNING `+entityColumns,
			e.ID, e.Slug, e.Name, e.Address, e.City, e.Country, e.PostalCode, e.Region,
			e.Latitude, e.Longitude, string(e.Status), nonNil(e.SourceNames), nonNil(e.SourceURLs),
			e.Description, nonNil(e.Photos), e.ExteriorPhoto, e.MachineModel, e.MachineManufacturer,
			e.Hours, e.Cost, e.Phone, e.Website, e.CreatedAt, e.UpdatedAt, nonNil(e.Aliases),
		)
		inserted, err := scanEntity(row)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return crawler.CanonicalEntity{}, fmt.Errorf("insert entity: %w", err)
		}
		return inserted, nil
	}
	return crawler.CanonicalEntity{}, fmt.Errorf("insert entity: no free slug for %q", base)
}

// UpdateEntity writes e when the stored version still equals e.Version.
func (s *EntityStore) UpdateEntity(ctx context.Context, e crawler.CanonicalEntity) (crawler.CanonicalEntity, error) {
	updated, err := updateEntity(ctx, s.db, e)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetEntity(ctx, e.ID); getErr != nil {
			return crawler.CanonicalEntity{}, getErr
		}
		return crawler.CanonicalEntity{}, fmt.Errorf("entity %s version %d: %w", e.ID, e.Version, crawler.ErrMergeConflict)
	}
	if err != nil {
		return crawler.CanonicalEntity{}, fmt.Errorf("update entity: %w", err)
	}
	return updated, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func updateEntity(ctx context.Context, q queryRower, e crawler.CanonicalEntity) (crawler.CanonicalEntity, error) {
	row := q.QueryRow(ctx, `
UPDATE booths SET
	name = $3, address = $4, city = $5, country = $6, postal_code = $7, region = $8,
	latitude = $9, longitude = $10, status = $11, source_names = $12, source_urls = $13,
	description = $14, photos = $15, exterior_photo = $16, machine_model = $17,
	machine_manufacturer = $18, hours = $19, cost = $20, phone = $21, website = $22,
	updated_at = $23, aliases = $24, version = version + 1
WHERE id = $1 AND version = $2
RETURNING `+entityColumns,
		e.ID, e.Version, e.Name, e.Address, e.City, e.Country, e.PostalCode, e.Region,
		e.Latitude, e.Longitude, string(e.Status), nonNil(e.SourceNames), nonNil(e.SourceURLs),
		e.Description, nonNil(e.Photos), e.ExteriorPhoto, e.MachineModel, e.MachineManufacturer,
		e.Hours, e.Cost, e.Phone, e.Website, e.UpdatedAt, nonNil(e.Aliases),
	)
	return scanEntity(row)
}

// ApplyMerge locks keeper and losers, checks their versions, rewrites the
// keeper and deletes the losers in one transaction.
func (s *EntityStore) ApplyMerge(ctx context.Context, d crawler.MergeDecision) (out crawler.CanonicalEntity, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return crawler.CanonicalEntity{}, fmt.Errorf("begin merge: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	loserIDs := d.LoserIDs()
	want := map[string]int64{d.Keeper.ID: d.Keeper.Version}
	for _, l := range d.Losers {
		if l.Persisted() && l.ID != d.Keeper.ID {
			want[l.ID] = l.Version
		}
	}
	ids := append([]string{d.Keeper.ID}, loserIDs...)

	rows, err := tx.Query(ctx, `SELECT id, version FROM booths WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return crawler.CanonicalEntity{}, fmt.Errorf("lock merge rows: %w", err)
	}
	locked := make(map[string]int64, len(ids))
	for rows.Next() {
		var id string
		var version int64
		if err = rows.Scan(&id, &version); err != nil {
			rows.Close()
			return crawler.CanonicalEntity{}, fmt.Errorf("scan locked row: %w", err)
		}
		locked[id] = version
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return crawler.CanonicalEntity{}, fmt.Errorf("lock merge rows: %w", err)
	}
	for id, version := range want {
		current, ok := locked[id]
		if !ok {
			err = fmt.Errorf("entity %s: %w", id, crawler.ErrNotFound)
			return crawler.CanonicalEntity{}, err
		}
		if current != version {
			err = fmt.Errorf("entity %s at version %d, have %d: %w", id, current, version, crawler.ErrMergeConflict)
			return crawler.CanonicalEntity{}, err
		}
	}

	merged := d.Merged
	merged.ID = d.Keeper.ID
	merged.Version = d.Keeper.Version
	if len(loserIDs) > 0 {
		if _, err = tx.Exec(ctx, `DELETE FROM booths WHERE id = ANY($1)`, loserIDs); err != nil {
			return crawler.CanonicalEntity{}, fmt.Errorf("delete losers: %w", err)
		}
	}
	out, err = updateEntity(ctx, tx, merged)
	if err != nil {
		return crawler.CanonicalEntity{}, fmt.Errorf("write keeper: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return crawler.CanonicalEntity{}, fmt.Errorf("commit merge: %w", err)
	}
	return out, nil
}

// CountEntities returns the number of booths.
func (s *EntityStore) CountEntities(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM booths`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}
	return n, nil
}

func scanEntity(row pgx.Row) (crawler.CanonicalEntity, error) {
	var e crawler.CanonicalEntity
	err := row.Scan(
		&e.ID, &e.Slug, &e.Name, &e.Address, &e.City, &e.Country, &e.PostalCode, &e.Region,
		&e.Latitude, &e.Longitude, &e.Status, &e.SourceNames, &e.SourceURLs, &e.Description,
		&e.Photos, &e.ExteriorPhoto, &e.MachineModel, &e.MachineManufacturer, &e.Hours,
		&e.Cost, &e.Phone, &e.Website, &e.Version, &e.CreatedAt, &e.UpdatedAt, &e.Aliases,
	)
	return e, err
}

func collectEntities(rows pgx.Rows) ([]crawler.CanonicalEntity, error) {
	defer rows.Close()
	var out []crawler.CanonicalEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return out, nil
}

// nonNil keeps NOT NULL array columns from receiving NULL.
func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
