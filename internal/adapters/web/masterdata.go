package web

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"inventory-engine/internal/core"
)

// createUOM handles POST /api/uoms.
func (h *Handler) createUOM(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code      string            `json:"code"`
		Name      string            `json:"name"`
		Dimension core.UOMDimension `json:"dimension"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	uom, err := h.masterData.CreateUOM(r.Context(), tenantFromContext(r.Context()), body.Code, body.Name, body.Dimension)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, uom)
}

// createItem handles POST /api/items.
func (h *Handler) createItem(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SKU           string            `json:"sku"`
		Name          string            `json:"name"`
		UOMDimension  core.UOMDimension `json:"uom_dimension"`
		StockingUOMID uuid.UUID         `json:"stocking_uom_id"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	item, err := h.masterData.CreateItem(r.Context(), tenantFromContext(r.Context()), body.SKU, body.Name, body.UOMDimension, body.StockingUOMID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// createLot handles POST /api/lots.
func (h *Handler) createLot(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ItemID    uuid.UUID  `json:"item_id"`
		LotNumber string     `json:"lot_number"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	lot, err := h.masterData.CreateLot(r.Context(), tenantFromContext(r.Context()), body.ItemID, body.LotNumber, body.ExpiresAt)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lot)
}

// registerConversion handles POST /api/uom-conversions.
func (h *Handler) registerConversion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ItemID    uuid.UUID       `json:"item_id"`
		FromUOMID uuid.UUID       `json:"from_uom_id"`
		ToUOMID   uuid.UUID       `json:"to_uom_id"`
		Factor    decimal.Decimal `json:"factor"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	err := h.masterData.RegisterConversion(r.Context(), tenantFromContext(r.Context()), body.ItemID, body.FromUOMID, body.ToUOMID, body.Factor)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

// convertQuantity handles GET /api/uom-conversions/convert.
func (h *Handler) convertQuantity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	itemID, err := uuid.Parse(q.Get("item_id"))
	if err != nil {
		writeError(w, r, "item_id must be a UUID", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	fromUOMID, err := uuid.Parse(q.Get("from_uom_id"))
	if err != nil {
		writeError(w, r, "from_uom_id must be a UUID", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	toUOMID, err := uuid.Parse(q.Get("to_uom_id"))
	if err != nil {
		writeError(w, r, "to_uom_id must be a UUID", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	qty, err := decimal.NewFromString(q.Get("quantity"))
	if err != nil {
		writeError(w, r, "quantity must be a decimal number", "BAD_REQUEST", http.StatusBadRequest)
		return
	}

	converted, err := h.masterData.ConvertQuantity(r.Context(), tenantFromContext(r.Context()), itemID, fromUOMID, toUOMID, qty)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"quantity": converted})
}
