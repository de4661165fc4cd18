package crawler

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// Error taxonomy shared by the orchestrator, webhook ingest and dedup engine.
var (
	// ErrSourceUnavailable means the registry entry is missing or disabled.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrExternalService means a crawl-provider request or fetch failed.
	ErrExternalService = errors.New("external service error")
	// ErrExtraction means the extraction service failed on a job's pages.
	ErrExtraction = errors.New("extraction error")
	// ErrUnknownJob means a webhook referenced a job id we never issued.
	ErrUnknownJob = errors.New("unknown job")
	// ErrMergeConflict means rows changed underneath a merge decision.
	ErrMergeConflict = errors.New("merge conflict")

	ErrNotFound          = errors.New("not found")
	ErrIllegalTransition = errors.New("illegal job transition")
	ErrInFlightLimit     = errors.New("in-flight limit reached")
	ErrInvalidCandidate  = errors.New("invalid candidate")
)

// StatusError carries an HTTP status from an external service.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return e.Op + ": " + http.StatusText(e.StatusCode)
	}
	return e.Op + ": " + http.StatusText(e.StatusCode) + ": " + e.Body
}

// IsTransient reports whether err is worth a single retry: network timeouts,
// connection failures, 429 and 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
