package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/metrics"
	"github.com/JakeFAU/booth-crawler/internal/quality"
)

// EntityHandler serves canonical booths and their quality reports.
type EntityHandler struct {
	store     crawler.EntityStore
	threshold int
	timeout   time.Duration
	logger    *zap.Logger
}

// NewEntityHandler wires the entity store. threshold is the enrichment bar
// reported alongside quality scores.
func NewEntityHandler(store crawler.EntityStore, threshold int, logger *zap.Logger) *EntityHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntityHandler{store: store, threshold: threshold, timeout: jobsTimeout, logger: logger}
}

// GetEntity handles GET /v1/entities/{entity_id}.
func (h *EntityHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	entity, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity": entity})
}

type qualityResponse struct {
	EntityID        string `json:"entity_id"`
	Slug            string `json:"slug"`
	Threshold       int    `json:"threshold"`
	NeedsEnrichment bool   `json:"needs_enrichment"`
	quality.Report
}

// GetQuality handles GET /v1/entities/{entity_id}/quality.
func (h *EntityHandler) GetQuality(w http.ResponseWriter, r *http.Request) {
	entity, ok := h.load(w, r)
	if !ok {
		return
	}
	report := quality.Score(entity)
	metrics.ObserveQuality(report.Score)
	writeJSON(w, http.StatusOK, qualityResponse{
		EntityID:        entity.ID,
		Slug:            entity.Slug,
		Threshold:       h.threshold,
		NeedsEnrichment: report.NeedsEnrichment(h.threshold),
		Report:          report,
	})
}

func (h *EntityHandler) load(w http.ResponseWriter, r *http.Request) (crawler.CanonicalEntity, bool) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "entity store unavailable")
		return crawler.CanonicalEntity{}, false
	}
	id := strings.TrimSpace(chi.URLParam(r, "entity_id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "entity_id is required")
		return crawler.CanonicalEntity{}, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	entity, err := h.store.GetEntity(ctx, id)
	if errors.Is(err, crawler.ErrNotFound) {
		writeError(w, http.StatusNotFound, "entity not found")
		return crawler.CanonicalEntity{}, false
	}
	if err != nil {
		h.logger.Error("get entity failed", zap.String("entity_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load entity")
		return crawler.CanonicalEntity{}, false
	}
	return entity, true
}
