// Package webhook ingests crawl-provider callbacks and maps them onto job
// store transitions. Handlers hold no state between requests: every
// decision is made against the job store, so duplicate and out-of-order
// deliveries are harmless.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
)

// EventType is the kind of provider callback.
type EventType string

// Provider event types. Providers may prefix them with "crawl.".
const (
	EventStarted   EventType = "started"
	EventPage      EventType = "page"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// ErrInvalidEvent marks payloads that can never be applied.
var ErrInvalidEvent = errors.New("invalid webhook event")

// Event is a validated provider callback.
type Event struct {
	Type EventType
	// JobID is our job id when the provider echoed it back through
	// metadata, otherwise the provider's own id.
	JobID string
	// ProviderJobID is the provider's id when it differs from JobID. A
	// callback can arrive before the start call returns it.
	ProviderJobID string
	Pages         []crawler.Page
	Error         string
}

type payload struct {
	Type     string            `json:"type"`
	ID       string            `json:"id"`
	Success  *bool             `json:"success,omitempty"`
	Data     []json.RawMessage `json:"data,omitempty"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

type pageData struct {
	URL        string         `json:"url"`
	Content    string         `json:"content"`
	Markdown   string         `json:"markdown"`
	HTML       string         `json:"html"`
	StatusCode int            `json:"statusCode"`
	Metadata   map[string]any `json:"metadata"`
}

// ParseEvent decodes and validates a webhook body.
func ParseEvent(body []byte) (Event, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	evt := Event{Type: EventType(strings.TrimPrefix(p.Type, "crawl.")), Error: p.Error}
	switch evt.Type {
	case EventStarted, EventPage, EventCompleted, EventFailed:
	default:
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, p.Type)
	}

	evt.JobID = strings.TrimSpace(p.ID)
	if jobID, ok := p.Metadata["job_id"].(string); ok && strings.TrimSpace(jobID) != "" {
		evt.JobID = strings.TrimSpace(jobID)
		if providerID := strings.TrimSpace(p.ID); providerID != evt.JobID {
			evt.ProviderJobID = providerID
		}
	}
	if evt.JobID == "" {
		return Event{}, fmt.Errorf("%w: missing job id", ErrInvalidEvent)
	}

	// A completed event reporting failure is a failure.
	if evt.Type == EventCompleted && p.Success != nil && !*p.Success {
		evt.Type = EventFailed
	}
	if evt.Type == EventFailed && evt.Error == "" {
		evt.Error = "crawl failed"
	}

	for _, raw := range p.Data {
		var d pageData
		if err := json.Unmarshal(raw, &d); err != nil {
			// Page bodies are optional; a malformed one is skipped.
			continue
		}
		evt.Pages = append(evt.Pages, d.page())
	}
	return evt, nil
}

func (d pageData) page() crawler.Page {
	page := crawler.Page{
		URL:        d.URL,
		Markdown:   d.Markdown,
		HTML:       d.HTML,
		StatusCode: d.StatusCode,
		Metadata:   d.Metadata,
	}
	if page.Markdown == "" && page.HTML == "" {
		page.Markdown = d.Content
	}
	if page.URL == "" {
		for _, key := range []string{"sourceURL", "url"} {
			if s, ok := d.Metadata[key].(string); ok && s != "" {
				page.URL = s
				break
			}
		}
	}
	if page.StatusCode == 0 {
		if code, ok := d.Metadata["statusCode"].(float64); ok {
			page.StatusCode = int(code)
		}
	}
	return page
}
