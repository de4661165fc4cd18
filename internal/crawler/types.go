package crawler

import "time"

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusCrawling   JobStatus = "crawling"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// CrawlJob is the durable record of one crawl attempt against a source.
type CrawlJob struct {
	ID              string     `json:"job_id"`
	ProviderJobID   string     `json:"provider_job_id,omitempty"`
	SourceID        string     `json:"source_id"`
	SourceName      string     `json:"source_name"`
	SourceURL       string     `json:"source_url"`
	ExtractorType   string     `json:"extractor_type"`
	MaxPages        int        `json:"max_pages"`
	Status          JobStatus  `json:"status"`
	PagesCrawled    int        `json:"pages_crawled"`
	Result          JobResult  `json:"result"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CrawlDurationMs *int64     `json:"crawl_duration_ms,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// JobResult holds the extraction counters. They are only meaningful once the
// job is completed.
type JobResult struct {
	BoothsFound   int `json:"booths_found"`
	BoothsAdded   int `json:"booths_added"`
	BoothsUpdated int `json:"booths_updated"`
}

// JobUpdate carries the optional fields written alongside a status transition.
type JobUpdate struct {
	At           time.Time
	ErrorMessage string
	Result       *JobResult
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	Status   JobStatus
	SourceID string
	Limit    int
	Offset   int
}

// InFlight reports non-terminal job counts.
type InFlight struct {
	Source int
	Global int
}

// Source is a crawl target from the source registry.
type Source struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	URL              string     `json:"url"`
	ExtractorType    string     `json:"extractor_type"`
	Enabled          bool       `json:"enabled"`
	Priority         int        `json:"priority"`
	CadenceHours     int        `json:"cadence_hours"`
	MaxPages         int        `json:"max_pages"`
	LastCrawledAt    *time.Time `json:"last_crawled_at,omitempty"`
	LastStatus       string     `json:"last_status,omitempty"`
	LastJobID        string     `json:"last_job_id,omitempty"`
	TotalBoothsFound int        `json:"total_booths_found"`
}

// Due reports whether the source should be crawled at now.
func (s Source) Due(now time.Time) bool {
	if !s.Enabled {
		return false
	}
	if s.LastCrawledAt == nil || s.CadenceHours <= 0 {
		return true
	}
	return !s.LastCrawledAt.Add(time.Duration(s.CadenceHours) * time.Hour).After(now)
}

// SourceStatusUpdate is written back to the registry when a job finishes.
type SourceStatusUpdate struct {
	JobID       string
	Status      JobStatus
	BoothsFound int
	At          time.Time
}

// CrawlRequest is sent to the crawl provider to start a job.
type CrawlRequest struct {
	JobID      string
	URL        string
	MaxPages   int
	WebhookURL string
	Metadata   map[string]string
}

// ProviderJob is the provider's acknowledgement of a started crawl.
type ProviderJob struct {
	ID string
}

// ProviderState is the provider-reported state of a crawl.
type ProviderState string

// Provider states understood by the reconciler.
const (
	ProviderStateScraping  ProviderState = "scraping"
	ProviderStateCompleted ProviderState = "completed"
	ProviderStateFailed    ProviderState = "failed"
)

// ProviderStatus is the result of polling the provider job-status API.
type ProviderStatus struct {
	State     ProviderState
	Completed int
	Total     int
	Error     string
}

// Page is one crawled page returned by the provider.
type Page struct {
	URL        string         `json:"url"`
	Markdown   string         `json:"markdown,omitempty"`
	HTML       string         `json:"html,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Content returns the richest textual body available for the page.
func (p Page) Content() string {
	if p.Markdown != "" {
		return p.Markdown
	}
	return p.HTML
}

// PageRecord is the archived copy of a raw page kept for re-extraction.
type PageRecord struct {
	JobID       string    `json:"job_id"`
	URL         string    `json:"url"`
	ContentHash string    `json:"content_hash"`
	BlobURI     string    `json:"blob_uri"`
	Bytes       int       `json:"bytes"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// SourceMetadata describes the source a batch of pages came from.
type SourceMetadata struct {
	SourceID      string
	SourceName    string
	SourceURL     string
	ExtractorType string
}

// QueueItem wraps a job whose crawl finished and awaits processing.
type QueueItem struct {
	JobID    string
	Attempt  int
	Enqueued int64
}
