package crawler

import (
	"context"
	"io"
	"time"
)

// JobStore persists crawl jobs. It is the single source of truth for job state.
type JobStore interface {
	CreateJob(ctx context.Context, job CrawlJob) error
	// GetJob resolves either our job id or the provider's job id.
	GetJob(ctx context.Context, id string) (CrawlJob, error)
	SetProviderJobID(ctx context.Context, jobID, providerJobID string, at time.Time) error
	// Transition applies to only when the current status may legally move to
	// it. A rejected transition returns ErrIllegalTransition and writes nothing.
	Transition(ctx context.Context, id string, to JobStatus, update JobUpdate) (CrawlJob, error)
	// Claim touches updated_at on a processing job as a worker picks it up,
	// so reconciliation leaves it alone while it is worked. Other states
	// return the current job with ErrIllegalTransition.
	Claim(ctx context.Context, id string, at time.Time) (CrawlJob, error)
	// AddPages increments pages_crawled on a crawling job.
	AddPages(ctx context.Context, id string, delta int, at time.Time) (CrawlJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]CrawlJob, error)
	// ListStale returns non-terminal jobs whose updated_at is before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]CrawlJob, error)
	CountInFlight(ctx context.Context, sourceID string) (InFlight, error)
}

// SourceRegistry exposes the crawl targets. Only status fields are written.
type SourceRegistry interface {
	GetSource(ctx context.Context, id string) (Source, error)
	GetSourceByName(ctx context.Context, name string) (Source, error)
	ListDueSources(ctx context.Context, now time.Time) ([]Source, error)
	ListSources(ctx context.Context) ([]Source, error)
	UpdateCrawlStatus(ctx context.Context, sourceID string, update SourceStatusUpdate) error
}

// EntityStore persists canonical entities.
type EntityStore interface {
	GetEntity(ctx context.Context, id string) (CanonicalEntity, error)
	// ListNear returns entities inside the bounding box around a point.
	ListNear(ctx context.Context, lat, lng, radiusMeters float64) ([]CanonicalEntity, error)
	ListByLocality(ctx context.Context, loc Locality) ([]CanonicalEntity, error)
	ListLocalities(ctx context.Context) ([]Locality, error)
	// InsertEntity stores a new entity, disambiguating its slug if taken.
	InsertEntity(ctx context.Context, entity CanonicalEntity) (CanonicalEntity, error)
	// UpdateEntity writes entity when its stored version still matches
	// entity.Version, otherwise ErrMergeConflict.
	UpdateEntity(ctx context.Context, entity CanonicalEntity) (CanonicalEntity, error)
	// ApplyMerge locks keeper and losers, verifies their versions, writes the
	// merged keeper and deletes losers in one unit.
	ApplyMerge(ctx context.Context, decision MergeDecision) (CanonicalEntity, error)
	CountEntities(ctx context.Context) (int, error)
}

// PageArchive records metadata for raw pages kept for re-extraction.
type PageArchive interface {
	RecordPage(ctx context.Context, page PageRecord) error
	ListPages(ctx context.Context, jobID string) ([]PageRecord, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes downstream events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Provider is the external asynchronous crawl service.
type Provider interface {
	StartCrawl(ctx context.Context, req CrawlRequest) (ProviderJob, error)
	CrawlStatus(ctx context.Context, providerJobID string) (ProviderStatus, error)
	FetchResults(ctx context.Context, providerJobID string) ([]Page, error)
}

// Extractor turns raw pages into validated candidates. Empty or malformed
// pages yield an empty slice, not an error.
type Extractor interface {
	Extract(ctx context.Context, pages []Page, meta SourceMetadata) ([]CandidateEntity, error)
}

// Queue provides enqueue/dequeue semantics for completion processing.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Policy throttles outbound provider calls.
type Policy interface {
	Wait(ctx context.Context, key string) error
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and entity IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
