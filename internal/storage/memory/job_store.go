package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu         sync.RWMutex
	jobs       map[string]crawler.CrawlJob
	byProvider map[string]string
	pages      map[string][]crawler.PageRecord
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:       make(map[string]crawler.CrawlJob),
		byProvider: make(map[string]string),
		pages:      make(map[string][]crawler.PageRecord),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawler.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.Status == "" {
		job.Status = crawler.JobStatusQueued
	}
	s.jobs[job.ID] = job
	if job.ProviderJobID != "" {
		s.byProvider[job.ProviderJobID] = job.ID
	}
	return nil
}

// GetJob fetches a job by our ID or the provider's ID.
func (s *JobStore) GetJob(_ context.Context, id string) (crawler.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.lookup(id)
	if !ok {
		return crawler.CrawlJob{}, fmt.Errorf("job %s: %w", id, crawler.ErrUnknownJob)
	}
	return job, nil
}

func (s *JobStore) lookup(id string) (crawler.CrawlJob, bool) {
	if job, ok := s.jobs[id]; ok {
		return job, true
	}
	if jobID, ok := s.byProvider[id]; ok {
		job, ok := s.jobs[jobID]
		return job, ok
	}
	return crawler.CrawlJob{}, false
}

// SetProviderJobID records the provider's identifier for a job.
func (s *JobStore) SetProviderJobID(_ context.Context, jobID, providerJobID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrUnknownJob)
	}
	job.ProviderJobID = providerJobID
	job.UpdatedAt = at
	s.jobs[jobID] = job
	s.byProvider[providerJobID] = jobID
	return nil
}

// Transition moves a job to status to when the current status allows it.
func (s *JobStore) Transition(
	_ context.Context,
	id string,
	to crawler.JobStatus,
	update crawler.JobUpdate,
) (crawler.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.lookup(id)
	if !ok {
		return crawler.CrawlJob{}, fmt.Errorf("job %s: %w", id, crawler.ErrUnknownJob)
	}
	if err := crawler.ValidateTransition(job.Status, to); err != nil {
		return job, err
	}
	applyTransition(&job, to, update)
	s.jobs[job.ID] = job
	return job, nil
}

// applyTransition stamps the fields every store writes alongside a status.
func applyTransition(job *crawler.CrawlJob, to crawler.JobStatus, update crawler.JobUpdate) {
	job.Status = to
	job.UpdatedAt = update.At
	if to == crawler.JobStatusCrawling && job.StartedAt == nil {
		started := update.At
		job.StartedAt = &started
	}
	if update.ErrorMessage != "" {
		job.ErrorMessage = update.ErrorMessage
	}
	if update.Result != nil {
		job.Result = *update.Result
	}
	if to.IsTerminal() {
		done := update.At
		job.CompletedAt = &done
		if job.StartedAt != nil {
			ms := done.Sub(*job.StartedAt).Milliseconds()
			job.CrawlDurationMs = &ms
		}
	}
}

// AddPages increments the page counter of a crawling job.
func (s *JobStore) AddPages(_ context.Context, id string, delta int, at time.Time) (crawler.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.lookup(id)
	if !ok {
		return crawler.CrawlJob{}, fmt.Errorf("job %s: %w", id, crawler.ErrUnknownJob)
	}
	if job.Status != crawler.JobStatusCrawling {
		return job, fmt.Errorf("add pages in %s: %w", job.Status, crawler.ErrIllegalTransition)
	}
	job.PagesCrawled += delta
	job.UpdatedAt = at
	s.jobs[job.ID] = job
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *JobStore) ListJobs(_ context.Context, filter crawler.JobFilter) ([]crawler.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.CrawlJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.SourceID != "" && job.SourceID != filter.SourceID {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, filter.Offset, filter.Limit), nil
}

// ListStale returns non-terminal jobs that have not moved since cutoff.
func (s *JobStore) ListStale(_ context.Context, cutoff time.Time) ([]crawler.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.CrawlJob
	for _, job := range s.jobs {
		if job.Status.IsTerminal() || !job.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// Claim touches a processing job.
func (s *JobStore) Claim(_ context.Context, id string, at time.Time) (crawler.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.lookup(id)
	if !ok {
		return crawler.CrawlJob{}, fmt.Errorf("job %s: %w", id, crawler.ErrUnknownJob)
	}
	if job.Status != crawler.JobStatusProcessing {
		return job, fmt.Errorf("claim in %s: %w", job.Status, crawler.ErrIllegalTransition)
	}
	job.UpdatedAt = at
	s.jobs[job.ID] = job
	return job, nil
}

// CountInFlight counts non-terminal jobs for a source and overall.
func (s *JobStore) CountInFlight(_ context.Context, sourceID string) (crawler.InFlight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n crawler.InFlight
	active := crawler.NonTerminalStates()
	for _, job := range s.jobs {
		if !slices.Contains(active, job.Status) {
			continue
		}
		n.Global++
		if job.SourceID == sourceID {
			n.Source++
		}
	}
	return n, nil
}

// RecordPage appends a page row for a job.
func (s *JobStore) RecordPage(_ context.Context, page crawler.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[page.JobID] = append(s.pages[page.JobID], page)
	return nil
}

// ListPages returns all recorded pages for a job.
func (s *JobStore) ListPages(_ context.Context, jobID string) ([]crawler.PageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pages := s.pages[jobID]
	out := make([]crawler.PageRecord, len(pages))
	copy(out, pages)
	return out, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
