package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage names a milestone in a crawl job's life.
type Stage string

// Progress stages, in the order a healthy job emits them.
const (
	StageStarted    Stage = "crawl_started"
	StagePage       Stage = "crawl_page"
	StageProcessing Stage = "processing"
	StageExtracted  Stage = "extraction_done"
	StageCompleted  Stage = "job_completed"
	StageFailed     Stage = "job_failed"
)

// Terminal reports whether s ends a job's stream.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Event is a read projection of job state. It is never a source of truth.
type Event struct {
	JobID       string    `json:"job_id"`
	TS          time.Time `json:"ts"`
	Stage       Stage     `json:"type"`
	SourceName  string    `json:"source_name,omitempty"`
	Current     int       `json:"current"`
	Total       int       `json:"total"`
	BoothsSoFar int       `json:"booths_so_far"`
	// Note carries low-volume context such as an error message.
	Note string `json:"note,omitempty"`
}

// Validate rejects events sinks cannot attribute.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageStarted, StagePage, StageProcessing, StageExtracted, StageCompleted, StageFailed:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Current < 0 || e.Total < 0 || e.BoothsSoFar < 0 {
		return errors.New("counters must be >= 0")
	}
	return nil
}
