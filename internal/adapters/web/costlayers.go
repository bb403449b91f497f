package web

import (
	"net/http"

	"github.com/google/uuid"
)

// getCostLayers handles GET /api/items/{id}/cost-layers.
func (h *Handler) getCostLayers(w http.ResponseWriter, r *http.Request) {
	itemID, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	layers, err := h.costLayers.GetLayers(r.Context(), tenantFromContext(r.Context()), itemID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, layers)
}

// reclassifyReceipt handles POST /api/cost-layers/reclassify. The active
// layer for the source document moves to the new location; no second layer
// is ever created.
func (h *Handler) reclassifyReceipt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SourceDocumentID string    `json:"source_document_id"`
		NewLocationID    uuid.UUID `json:"new_location_id"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	layer, err := h.costLayers.ReclassifyReceipt(r.Context(), tenantFromContext(r.Context()), body.SourceDocumentID, body.NewLocationID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, layer)
}

// dedupeCostLayers handles POST /api/cost-layers/dedupe.
func (h *Handler) dedupeCostLayers(w http.ResponseWriter, r *http.Request) {
	voided, err := h.costLayers.DedupeSweep(r.Context(), tenantFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"voided": voided})
}
