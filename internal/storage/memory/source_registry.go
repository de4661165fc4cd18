package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

// SourceRegistry holds crawl sources in memory.
type SourceRegistry struct {
	mu      sync.RWMutex
	sources map[string]crawler.Source
}

// NewSourceRegistry seeds a registry with sources.
func NewSourceRegistry(sources ...crawler.Source) *SourceRegistry {
	r := &SourceRegistry{sources: make(map[string]crawler.Source, len(sources))}
	for _, src := range sources {
		r.sources[src.ID] = src
	}
	return r
}

// GetSource returns a source by ID.
func (r *SourceRegistry) GetSource(_ context.Context, id string) (crawler.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[id]
	if !ok {
		return crawler.Source{}, fmt.Errorf("source %s: %w", id, crawler.ErrNotFound)
	}
	return src, nil
}

// GetSourceByName returns a source by its unique name.
func (r *SourceRegistry) GetSourceByName(_ context.Context, name string) (crawler.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, src := range r.sources {
		if src.Name == name {
			return src, nil
		}
	}
	return crawler.Source{}, fmt.Errorf("source %q: %w", name, crawler.ErrNotFound)
}

// ListDueSources returns enabled sources whose cadence has elapsed, highest
// priority first.
func (r *SourceRegistry) ListDueSources(ctx context.Context, now time.Time) ([]crawler.Source, error) {
	all, err := r.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, src := range all {
		if src.Due(now) {
			out = append(out, src)
		}
	}
	return out, nil
}

// ListSources returns every source, highest priority first.
func (r *SourceRegistry) ListSources(_ context.Context) ([]crawler.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]crawler.Source, 0, len(r.sources))
	for _, src := range r.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// UpdateCrawlStatus records the outcome of the latest job.
func (r *SourceRegistry) UpdateCrawlStatus(_ context.Context, sourceID string, u crawler.SourceStatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[sourceID]
	if !ok {
		return fmt.Errorf("source %s: %w", sourceID, crawler.ErrNotFound)
	}
	at := u.At
	src.LastCrawledAt = &at
	src.LastStatus = string(u.Status)
	src.LastJobID = u.JobID
	if u.Status == crawler.JobStatusCompleted {
		src.TotalBoothsFound = u.BoothsFound
	}
	r.sources[sourceID] = src
	return nil
}

// UpsertSource stores src's configuration, keeping any recorded crawl status.
func (r *SourceRegistry) UpsertSource(_ context.Context, src crawler.Source) error {
	if src.ID == "" || src.Name == "" {
		return fmt.Errorf("source needs id and name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.sources[src.ID]; ok {
		src.LastCrawledAt = prev.LastCrawledAt
		src.LastStatus = prev.LastStatus
		src.LastJobID = prev.LastJobID
		src.TotalBoothsFound = prev.TotalBoothsFound
	}
	r.sources[src.ID] = src
	return nil
}
