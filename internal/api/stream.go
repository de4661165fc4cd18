package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/booth-crawler/internal/progress"
	"github.com/JakeFAU/booth-crawler/internal/progress/sinks"
)

const defaultHeartbeat = 15 * time.Second

// StreamHandler serves progress events as server-sent events.
type StreamHandler struct {
	source    ProgressSource
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewStreamHandler wires the progress source.
func NewStreamHandler(source ProgressSource, heartbeat time.Duration, logger *zap.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{source: source, heartbeat: heartbeat, logger: logger}
}

type streamEvent struct {
	JobID       string `json:"job_id"`
	Type        string `json:"type"`
	Current     int    `json:"current"`
	Total       int    `json:"total"`
	SourceName  string `json:"source_name"`
	BoothsSoFar int    `json:"booths_so_far"`
	Note        string `json:"note,omitempty"`
}

// Stream handles GET /v1/progress/stream?job_id=. Without job_id every job
// is streamed. With job_id the stream ends after the job's terminal event.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "progress stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	jobID := strings.TrimSpace(r.URL.Query().Get("job_id"))
	events, unsubscribe, err := h.source.Subscribe(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, sinks.ErrTooManySubscribers) {
			writeError(w, http.StatusServiceUnavailable, "too many progress subscribers")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "progress stream closed")
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, open := <-events:
			if !open {
				// Dropped for falling behind, or the service is stopping.
				return
			}
			if err := writeEvent(w, evt); err != nil {
				h.logger.Debug("progress stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
			if jobID != "" && evt.Stage.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, evt progress.Event) error {
	data, err := json.Marshal(streamEvent{
		JobID:       evt.JobID,
		Type:        string(evt.Stage),
		Current:     evt.Current,
		Total:       evt.Total,
		SourceName:  evt.SourceName,
		BoothsSoFar: evt.BoothsSoFar,
		Note:        evt.Note,
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Stage, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
