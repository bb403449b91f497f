package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"os"
	"strings"

	"inventory-engine/internal/core"
	"inventory-engine/internal/db"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// One-shot reconciliation runner for operators and cron jobs. Exit code 0
// is clean (or fully repaired), 1 is drift or a capped repair, 2 is an
// operational failure.
func main() {
	_ = godotenv.Load()

	repair := flag.Bool("repair", false, "rewrite drifted balance rows to their derived values")
	maxRows := flag.Int("max-repair-rows", 100, "per-tenant cap on repaired rows")
	tenants := flag.String("tenants", "", "comma-separated tenant UUIDs (default: all active)")
	flag.Parse()

	in := core.ReconcileInput{Repair: *repair, MaxRepairRows: *maxRows}
	for _, raw := range strings.Split(*tenants, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			log.Fatalf("invalid tenant id %q: %v", raw, err)
		}
		in.TenantIDs = append(in.TenantIDs, id)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer pool.Close()

	report, runErr := core.NewReconciliationService(pool).Reconcile(ctx, in)
	if report != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	}
	if runErr != nil {
		if errors.Is(runErr, core.ErrDrift) || errors.Is(runErr, core.ErrRepairThresholdExceeded) {
			log.Printf("reconciliation: %v", runErr)
			os.Exit(1)
		}
		log.Printf("reconciliation: %v", runErr)
		os.Exit(2)
	}
}
