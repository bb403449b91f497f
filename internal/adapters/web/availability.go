package web

import (
	"net/http"

	"github.com/google/uuid"

	"inventory-engine/internal/core"
)

// getATP handles GET /api/atp with optional item_id, location_id and
// warehouse_id query filters.
func (h *Handler) getATP(w http.ResponseWriter, r *http.Request) {
	var filter core.ATPFilter
	q := r.URL.Query()
	for name, target := range map[string]**uuid.UUID{
		"item_id":      &filter.ItemID,
		"location_id":  &filter.LocationID,
		"warehouse_id": &filter.WarehouseID,
	} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, name+" must be a UUID", "BAD_REQUEST", http.StatusBadRequest)
			return
		}
		*target = &id
	}

	rows, err := h.atp.GetATP(r.Context(), tenantFromContext(r.Context()), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if rows == nil {
		rows = []core.ATPRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// getATPDetail handles GET /api/atp/detail for one exact balance key.
func (h *Handler) getATPDetail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ids := make(map[string]uuid.UUID, 3)
	for _, name := range []string{"item_id", "location_id", "uom_id"} {
		id, err := uuid.Parse(q.Get(name))
		if err != nil {
			writeError(w, r, name+" must be a UUID", "BAD_REQUEST", http.StatusBadRequest)
			return
		}
		ids[name] = id
	}

	row, err := h.atp.GetATPDetail(r.Context(), tenantFromContext(r.Context()),
		ids["item_id"], ids["location_id"], ids["uom_id"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}
