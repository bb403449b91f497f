package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"inventory-engine/internal/core"
)

// Handler holds the engine services and the chi router.
type Handler struct {
	masterData   core.MasterDataService
	locations    core.LocationService
	movements    core.MovementService
	reservations core.ReservationService
	costLayers   core.CostLayerService
	atp          core.ATPService
	reconciler   core.ReconciliationService
}

// Services bundles the engine surface the HTTP adapter exposes.
type Services struct {
	MasterData   core.MasterDataService
	Locations    core.LocationService
	Movements    core.MovementService
	Reservations core.ReservationService
	CostLayers   core.CostLayerService
	ATP          core.ATPService
	Reconciler   core.ReconciliationService
}

// NewHandler creates and wires the chi router with all routes.
// allowedOrigins is a comma-separated list; empty disables CORS entirely.
func NewHandler(svcs Services, allowedOrigins string) http.Handler {
	h := &Handler{
		masterData:   svcs.MasterData,
		locations:    svcs.Locations,
		movements:    svcs.Movements,
		reservations: svcs.Reservations,
		costLayers:   svcs.CostLayers,
		atp:          svcs.ATP,
		reconciler:   svcs.Reconciler,
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(Recoverer)
	if origins := splitAndTrim(allowedOrigins); len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "X-Request-ID", "X-Tenant-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// ── Health (public) ───────────────────────────────────────────────────────
	r.Get("/api/health", h.health)

	// ── Tenant-scoped API ─────────────────────────────────────────────────────
	r.Group(func(r chi.Router) {
		r.Use(RequireTenant)
		r.Use(RequestBodyLimit(1 << 20)) // 1 MB

		// Master data
		r.Post("/api/uoms", h.createUOM)
		r.Post("/api/items", h.createItem)
		r.Post("/api/lots", h.createLot)
		r.Post("/api/uom-conversions", h.registerConversion)
		r.Get("/api/uom-conversions/convert", h.convertQuantity)

		// Warehouse hierarchy
		r.Post("/api/locations", h.createLocation)
		r.Patch("/api/locations/{id}", h.updateLocation)
		r.Get("/api/locations/{id}", h.getLocation)
		r.Put("/api/warehouses/{id}/defaults/{role}", h.upsertWarehouseDefault)
		r.Get("/api/warehouses/{id}/defaults", h.getWarehouseDefaults)

		// Movement ledger
		r.Post("/api/movements", h.postMovement)
		r.Get("/api/movements/{id}", h.getMovement)

		// Reservations
		r.Post("/api/reservations", h.reserve)
		r.Get("/api/reservations/{id}", h.getReservation)
		r.Post("/api/reservations/{id}/allocate", h.allocate)
		r.Post("/api/reservations/{id}/fulfill", h.fulfill)
		r.Post("/api/reservations/{id}/cancel", h.cancel)

		// Cost layers
		r.Get("/api/items/{id}/cost-layers", h.getCostLayers)
		r.Post("/api/cost-layers/reclassify", h.reclassifyReceipt)
		r.Post("/api/cost-layers/dedupe", h.dedupeCostLayers)

		// Availability
		r.Get("/api/atp", h.getATP)
		r.Get("/api/atp/detail", h.getATPDetail)
	})

	// ── Operational API (cross-tenant, not behind RequireTenant) ─────────────
	r.Group(func(r chi.Router) {
		r.Use(RequestBodyLimit(1 << 20))
		r.Post("/api/reconcile", h.reconcile)
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeJSON decodes the request body into v and returns false + writes an appropriate
// error response on failure. Returns HTTP 413 when the body exceeds the size limit set
// by RequestBodyLimit middleware; HTTP 400 for all other decode errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, r, "request body too large", "REQUEST_TOO_LARGE", http.StatusRequestEntityTooLarge)
			return false
		}
		writeError(w, r, "invalid JSON body: "+err.Error(), "BAD_REQUEST", http.StatusBadRequest)
		return false
	}
	return true
}

// urlUUID parses the named chi URL parameter as a UUID, writing a 400 and
// returning false on failure.
func urlUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, r, name+" must be a UUID", "BAD_REQUEST", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
