package web

import (
	"errors"
	"net/http"

	"inventory-engine/internal/core"
)

// reconcile handles POST /api/reconcile. Detect-only runs are strict: any
// drift fails with 409 and the report attached. Repair runs correct up to
// max_repair_rows drifted keys per tenant.
func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	var body core.ReconcileInput
	if !decodeJSON(w, r, &body) {
		return
	}

	report, err := h.reconciler.Reconcile(r.Context(), body)
	if err != nil {
		if errors.Is(err, core.ErrDrift) || errors.Is(err, core.ErrRepairThresholdExceeded) {
			// The partial report tells the operator which keys drifted.
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":  err.Error(),
				"report": report,
			})
			return
		}
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
