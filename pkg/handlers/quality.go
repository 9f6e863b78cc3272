package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian-data/meridian-engine/pkg/apperrors"
	"github.com/meridian-data/meridian-engine/pkg/repositories"
)

const defaultListLimit = 100

// QualityHandler exposes per-entity quality scores and issues for
// monitoring collaborators.
type QualityHandler struct {
	mergedRepo repositories.MergedEntityRepository
	logger     *zap.Logger
}

// NewQualityHandler creates a new QualityHandler.
func NewQualityHandler(mergedRepo repositories.MergedEntityRepository, logger *zap.Logger) *QualityHandler {
	return &QualityHandler{mergedRepo: mergedRepo, logger: logger}
}

// RegisterRoutes registers the quality handler's routes on the given mux.
func (h *QualityHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/quality/{entityType}", h.List)
	mux.HandleFunc("GET /api/quality/{entityType}/{canonicalID}", h.Get)
}

// List handles GET /api/quality/{entityType}.
// Returns merged entities ordered worst quality first.
func (h *QualityHandler) List(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("entityType")
	limit := parseLimit(r, defaultListLimit)

	entities, err := h.mergedRepo.ListByEntityType(r.Context(), entityType, limit)
	if err != nil {
		h.logger.Error("Failed to list merged entities",
			zap.String("entity_type", entityType),
			zap.Error(err))
		http.Error(w, "failed to list merged entities", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, entities)
}

// Get handles GET /api/quality/{entityType}/{canonicalID}.
func (h *QualityHandler) Get(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("entityType")
	canonicalID, err := uuid.Parse(r.PathValue("canonicalID"))
	if err != nil {
		http.Error(w, "invalid canonical id", http.StatusBadRequest)
		return
	}

	entity, err := h.mergedRepo.GetByCanonicalID(r.Context(), entityType, canonicalID)
	if errors.Is(err, apperrors.ErrNotFound) {
		http.Error(w, "merged entity not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to get merged entity",
			zap.String("entity_type", entityType),
			zap.String("canonical_id", canonicalID.String()),
			zap.Error(err))
		http.Error(w, "failed to get merged entity", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, entity)
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return fallback
	}
	return limit
}
