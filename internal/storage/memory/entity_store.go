package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/dedup"
)

// EntityStore keeps canonical booths in memory. Versions are checked the same
// way the Postgres store checks them so engine tests exercise conflicts.
type EntityStore struct {
	mu       sync.RWMutex
	entities map[string]crawler.CanonicalEntity
	slugs    map[string]string
}

// NewEntityStore constructs an empty EntityStore.
func NewEntityStore() *EntityStore {
	return &EntityStore{
		entities: make(map[string]crawler.CanonicalEntity),
		slugs:    make(map[string]string),
	}
}

// GetEntity returns one entity by ID.
func (s *EntityStore) GetEntity(_ context.Context, id string) (crawler.CanonicalEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return crawler.CanonicalEntity{}, fmt.Errorf("entity %s: %w", id, crawler.ErrNotFound)
	}
	return e.Clone(), nil
}

// ListNear returns entities inside the bounding box around lat/lng.
func (s *EntityStore) ListNear(_ context.Context, lat, lng, radiusMeters float64) ([]crawler.CanonicalEntity, error) {
	minLat, maxLat, minLng, maxLng := dedup.BoundingBox(lat, lng, radiusMeters)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.CanonicalEntity
	for _, e := range s.entities {
		if !e.HasCoordinates() {
			continue
		}
		if *e.Latitude < minLat || *e.Latitude > maxLat || *e.Longitude < minLng || *e.Longitude > maxLng {
			continue
		}
		out = append(out, e.Clone())
	}
	sortEntities(out)
	return out, nil
}

// ListByLocality returns every entity in a country/city.
func (s *EntityStore) ListByLocality(_ context.Context, loc crawler.Locality) ([]crawler.CanonicalEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.CanonicalEntity
	for _, e := range s.entities {
		if strings.EqualFold(e.Country, loc.Country) && strings.EqualFold(e.City, loc.City) {
			out = append(out, e.Clone())
		}
	}
	sortEntities(out)
	return out, nil
}

// ListLocalities returns the distinct country/city pairs.
func (s *EntityStore) ListLocalities(_ context.Context) ([]crawler.Locality, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]crawler.Locality)
	for _, e := range s.entities {
		key := strings.ToLower(e.Country) + "|" + strings.ToLower(e.City)
		if _, ok := seen[key]; !ok {
			seen[key] = crawler.Locality{Country: e.Country, City: e.City}
		}
	}
	out := make([]crawler.Locality, 0, len(seen))
	for _, loc := range seen {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Country != out[j].Country {
			return out[i].Country < out[j].Country
		}
		return out[i].City < out[j].City
	})
	return out, nil
}

// InsertEntity stores a new entity. A taken slug gets a numeric suffix.
func (s *EntityStore) InsertEntity(_ context.Context, e crawler.CanonicalEntity) (crawler.CanonicalEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entities[e.ID]; exists {
		return crawler.CanonicalEntity{}, fmt.Errorf("entity %s already exists", e.ID)
	}
	base := e.Slug
	for n := 2; ; n++ {
		if _, taken := s.slugs[e.Slug]; !taken {
			break
		}
		e.Slug = fmt.Sprintf("%s-%d", base, n)
	}
	e.Version = 1
	stored := e.Clone()
	s.entities[e.ID] = stored
	s.slugs[e.Slug] = e.ID
	return stored.Clone(), nil
}

// UpdateEntity writes e when its version matches the stored one.
func (s *EntityStore) UpdateEntity(_ context.Context, e crawler.CanonicalEntity) (crawler.CanonicalEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkVersion(e); err != nil {
		return crawler.CanonicalEntity{}, err
	}
	return s.put(e), nil
}

// ApplyMerge writes the merged keeper and deletes losers, all or nothing.
func (s *EntityStore) ApplyMerge(_ context.Context, d crawler.MergeDecision) (crawler.CanonicalEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkVersion(d.Keeper); err != nil {
		return crawler.CanonicalEntity{}, err
	}
	for _, l := range d.Losers {
		if !l.Persisted() || l.ID == d.Keeper.ID {
			continue
		}
		if err := s.checkVersion(l); err != nil {
			return crawler.CanonicalEntity{}, err
		}
	}
	merged := d.Merged
	merged.ID = d.Keeper.ID
	merged.Slug = d.Keeper.Slug
	merged.Version = d.Keeper.Version
	for _, id := range d.LoserIDs() {
		delete(s.slugs, s.entities[id].Slug)
		delete(s.entities, id)
	}
	return s.put(merged), nil
}

// CountEntities returns the number of stored entities.
func (s *EntityStore) CountEntities(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities), nil
}

func (s *EntityStore) checkVersion(e crawler.CanonicalEntity) error {
	current, ok := s.entities[e.ID]
	if !ok {
		return fmt.Errorf("entity %s: %w", e.ID, crawler.ErrNotFound)
	}
	if current.Version != e.Version {
		return fmt.Errorf("entity %s at version %d, have %d: %w",
			e.ID, current.Version, e.Version, crawler.ErrMergeConflict)
	}
	return nil
}

// put stores e with its version bumped. Callers hold the write lock.
func (s *EntityStore) put(e crawler.CanonicalEntity) crawler.CanonicalEntity {
	e.Version++
	stored := e.Clone()
	s.entities[e.ID] = stored
	return stored.Clone()
}

func sortEntities(list []crawler.CanonicalEntity) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}
