package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian-data/meridian-engine/pkg/repositories"
)

// ReconciliationHandler exposes the append-only reconciliation log.
type ReconciliationHandler struct {
	reconciliationRepo repositories.ReconciliationRepository
	logger             *zap.Logger
}

// NewReconciliationHandler creates a new ReconciliationHandler.
func NewReconciliationHandler(repo repositories.ReconciliationRepository, logger *zap.Logger) *ReconciliationHandler {
	return &ReconciliationHandler{reconciliationRepo: repo, logger: logger}
}

// RegisterRoutes registers the reconciliation handler's routes on the given mux.
func (h *ReconciliationHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/reconciliation/{entityType}", h.List)
	mux.HandleFunc("GET /api/reconciliation/{entityType}/{canonicalID}", h.ListByCanonicalID)
}

// List handles GET /api/reconciliation/{entityType}.
func (h *ReconciliationHandler) List(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("entityType")
	limit := parseLimit(r, defaultListLimit)

	entries, err := h.reconciliationRepo.ListByEntityType(r.Context(), entityType, limit)
	if err != nil {
		h.logger.Error("Failed to list reconciliation log",
			zap.String("entity_type", entityType),
			zap.Error(err))
		http.Error(w, "failed to list reconciliation log", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

// ListByCanonicalID handles GET /api/reconciliation/{entityType}/{canonicalID}.
func (h *ReconciliationHandler) ListByCanonicalID(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("entityType")
	canonicalID, err := uuid.Parse(r.PathValue("canonicalID"))
	if err != nil {
		http.Error(w, "invalid canonical id", http.StatusBadRequest)
		return
	}

	entries, err := h.reconciliationRepo.ListByCanonicalID(r.Context(), entityType, canonicalID)
	if err != nil {
		h.logger.Error("Failed to list reconciliation log by canonical id",
			zap.String("entity_type", entityType),
			zap.String("canonical_id", canonicalID.String()),
			zap.Error(err))
		http.Error(w, "failed to list reconciliation log", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}
