package web

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"inventory-engine/internal/core"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError writes a structured JSON error response.
func writeError(w http.ResponseWriter, r *http.Request, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := errorResponse{
		Error:     message,
		Code:      code,
		RequestID: requestIDFromContext(r.Context()),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError maps the engine's failure taxonomy onto HTTP. Validation
// rejections are 400, missing resources 404, business and state conflicts
// 409, and an exhausted retry budget 503 with Retry-After so well-behaved
// clients back off before retrying.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrDiscreteQuantity):
		writeError(w, r, err.Error(), "DISCRETE_UOM_REQUIRES_INTEGER", http.StatusBadRequest)
	case errors.Is(err, core.ErrParentWarehouseMissing):
		writeError(w, r, err.Error(), "PARENT_WAREHOUSE_ID_MISSING", http.StatusBadRequest)
	case errors.Is(err, core.ErrValidation):
		writeError(w, r, err.Error(), "VALIDATION_FAILED", http.StatusBadRequest)
	case errors.Is(err, core.ErrNotFound):
		writeError(w, r, err.Error(), "NOT_FOUND", http.StatusNotFound)
	case errors.Is(err, core.ErrInsufficientAvailable):
		writeError(w, r, err.Error(), "ATP_INSUFFICIENT_AVAILABLE", http.StatusConflict)
	case errors.Is(err, core.ErrStateConflict):
		writeError(w, r, err.Error(), "RESERVATION_STATE_CONFLICT", http.StatusConflict)
	case errors.Is(err, core.ErrDrift):
		writeError(w, r, err.Error(), "DRIFT_DETECTED", http.StatusConflict)
	case errors.Is(err, core.ErrRepairThresholdExceeded):
		writeError(w, r, err.Error(), "REPAIR_THRESHOLD_EXCEEDED", http.StatusConflict)
	case errors.Is(err, core.ErrConcurrencyExhausted):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, err.Error(), "ATP_CONCURRENCY_EXHAUSTED", http.StatusServiceUnavailable)
	default:
		log.Printf("unhandled service error: %v", err)
		writeError(w, r, "internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
	}
}
