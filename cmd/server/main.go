package main

import (
	"context"
	"log"
	"net/http"
	"os"

	webAdapter "inventory-engine/internal/adapters/web"
	"inventory-engine/internal/core"
	"inventory-engine/internal/db"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

func main() {
	_ = godotenv.Load()

	ctx := context.Background()
	pool, err := db.NewPool(ctx)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer pool.Close()

	masterData := core.NewMasterDataService(pool)
	locations := core.NewLocationService(pool)
	movements := core.NewMovementService(pool)
	reservations := core.NewReservationService(pool)
	costLayers := core.NewCostLayerService(pool)
	atp := core.NewATPService(pool)
	reconciler := core.NewReconciliationService(pool)

	startSweeps(ctx, reservations, reconciler)

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	handler := webAdapter.NewHandler(webAdapter.Services{
		MasterData:   masterData,
		Locations:    locations,
		Movements:    movements,
		Reservations: reservations,
		CostLayers:   costLayers,
		ATP:          atp,
		Reconciler:   reconciler,
	}, allowedOrigins)

	log.Printf("server starting on :%s", port)
	if err := http.ListenAndServe(":"+port, handler); err != nil {
		log.Fatalf("server: %v", err)
	}
}

// startSweeps schedules the reservation expiry sweep and a detect-only
// reconciliation pass. Either can be disabled by setting its spec to "off".
func startSweeps(ctx context.Context, reservations core.ReservationService, reconciler core.ReconciliationService) {
	c := cron.New()

	expirySpec := envOr("RESERVATION_SWEEP_SPEC", "@every 1m")
	if expirySpec != "off" {
		_, err := c.AddFunc(expirySpec, func() {
			n, err := reservations.ExpireSweep(ctx, 500)
			if err != nil {
				log.Printf("reservation expiry sweep: %v", err)
				return
			}
			if n > 0 {
				log.Printf("reservation expiry sweep: expired %d", n)
			}
		})
		if err != nil {
			log.Fatalf("invalid RESERVATION_SWEEP_SPEC %q: %v", expirySpec, err)
		}
	}

	reconcileSpec := envOr("RECONCILE_SWEEP_SPEC", "@daily")
	if reconcileSpec != "off" {
		_, err := c.AddFunc(reconcileSpec, func() {
			report, err := reconciler.Reconcile(ctx, core.ReconcileInput{})
			if err != nil {
				log.Printf("reconciliation sweep: %v", err)
				return
			}
			for _, tr := range report.Tenants {
				if len(tr.Mismatches) > 0 {
					log.Printf("reconciliation sweep: tenant %s has %d drifted keys", tr.TenantID, len(tr.Mismatches))
				}
			}
		})
		if err != nil {
			log.Fatalf("invalid RECONCILE_SWEEP_SPEC %q: %v", reconcileSpec, err)
		}
	}

	c.Start()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
