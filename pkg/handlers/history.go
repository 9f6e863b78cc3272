package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/meridian-data/meridian-engine/pkg/repositories"
)

// HistoryHandler exposes dimension version history for inspection.
type HistoryHandler struct {
	dimensionRepo repositories.DimensionRepository
	logger        *zap.Logger
}

// NewHistoryHandler creates a new HistoryHandler.
func NewHistoryHandler(repo repositories.DimensionRepository, logger *zap.Logger) *HistoryHandler {
	return &HistoryHandler{dimensionRepo: repo, logger: logger}
}

// RegisterRoutes registers the history handler's routes on the given mux.
func (h *HistoryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/history/{entityType}/{businessKey}", h.ListVersions)
	mux.HandleFunc("GET /api/integrity/{entityType}", h.Integrity)
}

// ListVersions handles GET /api/history/{entityType}/{businessKey}.
// Returns every version for a business key ordered by effective_start.
func (h *HistoryHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("entityType")
	businessKey := r.PathValue("businessKey")

	versions, err := h.dimensionRepo.ListVersions(r.Context(), entityType, businessKey)
	if err != nil {
		h.logger.Error("Failed to list dimension versions",
			zap.String("entity_type", entityType),
			zap.String("business_key", businessKey),
			zap.Error(err))
		http.Error(w, "failed to list dimension versions", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, versions)
}

// Integrity handles GET /api/integrity/{entityType}.
// Re-runs the post-apply integrity check on demand.
func (h *HistoryHandler) Integrity(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("entityType")

	violations, err := h.dimensionRepo.FindIntegrityViolations(r.Context(), entityType)
	if err != nil {
		h.logger.Error("Failed to run integrity check",
			zap.String("entity_type", entityType),
			zap.Error(err))
		http.Error(w, "failed to run integrity check", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entity_type": entityType,
		"violations":  violations,
		"ok":          len(violations) == 0,
	})
}
