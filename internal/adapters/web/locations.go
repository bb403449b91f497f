package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"inventory-engine/internal/core"
)

// createLocation handles POST /api/locations. Omitting parent_id creates a
// warehouse root; any client-supplied warehouse_id is derived server-side
// from the parent instead.
func (h *Handler) createLocation(w http.ResponseWriter, r *http.Request) {
	var body core.CreateLocationInput
	if !decodeJSON(w, r, &body) {
		return
	}

	loc, err := h.locations.CreateLocation(r.Context(), tenantFromContext(r.Context()), body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loc)
}

// updateLocation handles PATCH /api/locations/{id}.
func (h *Handler) updateLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	var body core.UpdateLocationInput
	if !decodeJSON(w, r, &body) {
		return
	}

	loc, err := h.locations.UpdateLocation(r.Context(), tenantFromContext(r.Context()), id, body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// getLocation handles GET /api/locations/{id}.
func (h *Handler) getLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	loc, err := h.locations.GetLocation(r.Context(), tenantFromContext(r.Context()), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// upsertWarehouseDefault handles PUT /api/warehouses/{id}/defaults/{role}.
func (h *Handler) upsertWarehouseDefault(w http.ResponseWriter, r *http.Request) {
	warehouseID, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	role := core.LocationRole(chi.URLParam(r, "role"))

	var body struct {
		LocationID uuid.UUID `json:"location_id"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	def, err := h.locations.UpsertWarehouseDefault(r.Context(), tenantFromContext(r.Context()), warehouseID, role, body.LocationID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// getWarehouseDefaults handles GET /api/warehouses/{id}/defaults.
func (h *Handler) getWarehouseDefaults(w http.ResponseWriter, r *http.Request) {
	warehouseID, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	defs, err := h.locations.GetWarehouseDefaults(r.Context(), tenantFromContext(r.Context()), warehouseID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, defs)
}
