package web

import (
	"net/http"

	"inventory-engine/internal/core"
)

// postMovement handles POST /api/movements. A replayed idempotency key or
// external ref returns the previously committed movement with 200 instead
// of 201.
func (h *Handler) postMovement(w http.ResponseWriter, r *http.Request) {
	var body core.PostMovementInput
	if !decodeJSON(w, r, &body) {
		return
	}

	mv, err := h.movements.PostMovement(r.Context(), tenantFromContext(r.Context()), body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if mv.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, mv)
}

// getMovement handles GET /api/movements/{id}.
func (h *Handler) getMovement(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	mv, err := h.movements.GetMovement(r.Context(), tenantFromContext(r.Context()), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mv)
}
