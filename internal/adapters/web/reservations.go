package web

import (
	"net/http"

	"github.com/shopspring/decimal"

	"inventory-engine/internal/core"
)

// reserve handles POST /api/reservations. All lines commit or none do; a
// replayed idempotency key returns the winner's batch with 200.
func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	var body core.ReserveInput
	if !decodeJSON(w, r, &body) {
		return
	}

	batch, err := h.reservations.Reserve(r.Context(), tenantFromContext(r.Context()), body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if batch.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, batch)
}

// getReservation handles GET /api/reservations/{id}.
func (h *Handler) getReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	res, err := h.reservations.GetReservation(r.Context(), tenantFromContext(r.Context()), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// allocate handles POST /api/reservations/{id}/allocate.
func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	res, err := h.reservations.Allocate(r.Context(), tenantFromContext(r.Context()), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// fulfill handles POST /api/reservations/{id}/fulfill.
func (h *Handler) fulfill(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Quantity       decimal.Decimal `json:"quantity"`
		IdempotencyKey string          `json:"idempotency_key,omitempty"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	res, err := h.reservations.Fulfill(r.Context(), tenantFromContext(r.Context()), id, body.Quantity, body.IdempotencyKey)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// cancel handles POST /api/reservations/{id}/cancel.
func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	res, err := h.reservations.Cancel(r.Context(), tenantFromContext(r.Context()), id, body.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
