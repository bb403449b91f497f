package core

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepairDriftRows drives the repair step with a caller-supplied scan result,
// so tests can hand it figures the database has since moved past.
func RepairDriftRows(ctx context.Context, pool *pgxpool.Pool, tenantID uuid.UUID, mismatches []DriftRow) (int, error) {
	s := &reconciliationService{pool: pool, tenantParallelism: 1}
	return s.repair(ctx, tenantID, mismatches)
}
