package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// driftTolerance absorbs numeric scale noise; any larger gap is drift.
var driftTolerance = decimal.New(1, -6)

// DriftRow describes one balance key whose stored figures disagree with
// the values derived from the ledger and the active reservations.
type DriftRow struct {
	ItemID           uuid.UUID       `json:"item_id"`
	LocationID       uuid.UUID       `json:"location_id"`
	UOMID            uuid.UUID       `json:"uom_id"`
	StoredOnHand     decimal.Decimal `json:"stored_on_hand"`
	DerivedOnHand    decimal.Decimal `json:"derived_on_hand"`
	StoredReserved   decimal.Decimal `json:"stored_reserved"`
	DerivedReserved  decimal.Decimal `json:"derived_reserved"`
	StoredAllocated  decimal.Decimal `json:"stored_allocated"`
	DerivedAllocated decimal.Decimal `json:"derived_allocated"`
}

func (d DriftRow) key(tenantID uuid.UUID) balanceKey {
	return balanceKey{TenantID: tenantID, ItemID: d.ItemID, LocationID: d.LocationID, UOMID: d.UOMID}
}

// TenantReport is the reconciliation outcome for one tenant.
type TenantReport struct {
	TenantID      uuid.UUID  `json:"tenant_id"`
	CheckedKeys   int        `json:"checked_keys"`
	Mismatches    []DriftRow `json:"mismatches"`
	RepairedCount int        `json:"repaired_count"`
}

type ReconcileInput struct {
	// TenantIDs limits the run; empty means every tenant.
	TenantIDs []uuid.UUID `json:"tenant_ids,omitempty"`
	// Repair rewrites drifted inventory_balances rows to the derived
	// values. Without it the run is detect-only and strict: drift fails.
	Repair bool `json:"repair"`
	// MaxRepairRows caps a repair run. Exceeding it aborts the tenant
	// without correcting anything.
	MaxRepairRows int `json:"max_repair_rows"`
}

type ReconcileReport struct {
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Tenants    []TenantReport `json:"tenants"`
}

// ReconciliationService audits stored balances against their two sources
// of truth: the movement ledger for on-hand and the active reservations
// for the hold columns. Balances are a cache; the ledger is the record.
type ReconciliationService interface {
	Reconcile(ctx context.Context, in ReconcileInput) (*ReconcileReport, error)
}

type reconciliationService struct {
	pool *pgxpool.Pool
	// tenantParallelism bounds the per-tenant worker fan-out.
	tenantParallelism int
}

func NewReconciliationService(pool *pgxpool.Pool) ReconciliationService {
	return &reconciliationService{pool: pool, tenantParallelism: 4}
}

func (s *reconciliationService) Reconcile(ctx context.Context, in ReconcileInput) (*ReconcileReport, error) {
	if in.Repair && in.MaxRepairRows <= 0 {
		return nil, fmt.Errorf("%w: repair requires a positive max_repair_rows", ErrValidation)
	}

	tenants := in.TenantIDs
	if len(tenants) == 0 {
		var err error
		tenants, err = s.listTenants(ctx)
		if err != nil {
			return nil, err
		}
	}

	report := &ReconcileReport{
		StartedAt: time.Now().UTC(),
		Tenants:   make([]TenantReport, len(tenants)),
	}

	// Drift and cap conflicts are collected rather than returned from the
	// workers: one drifting tenant must not cancel the audit of the rest.
	// Only operational failures abort the run early.
	conflicts := make([]error, len(tenants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.tenantParallelism)
	for i, tenantID := range tenants {
		i, tenantID := i, tenantID
		g.Go(func() error {
			tr, err := s.reconcileTenant(gctx, tenantID, in)
			if tr != nil {
				report.Tenants[i] = *tr
			}
			if err != nil {
				if errors.Is(err, ErrDrift) || errors.Is(err, ErrRepairThresholdExceeded) {
					conflicts[i] = fmt.Errorf("tenant %s: %w", tenantID, err)
					return nil
				}
				return fmt.Errorf("tenant %s: %w", tenantID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	report.FinishedAt = time.Now().UTC()
	if err := errors.Join(conflicts...); err != nil {
		return report, err
	}
	return report, nil
}

func (s *reconciliationService) listTenants(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, "SELECT id FROM tenants WHERE is_active ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// driftQuery joins stored balances against the ledger-derived on-hand and
// the hold totals of active reservations. A FULL JOIN on the ledger side
// also surfaces keys the ledger knows but the balance table lost.
const driftQuery = `
	WITH ledger AS (
		SELECT item_id, location_id, uom_id, SUM(quantity_delta) AS on_hand
		FROM movement_lines
		WHERE tenant_id = $1
		GROUP BY item_id, location_id, uom_id
	), holds AS (
		SELECT item_id, location_id, uom_id,
		       SUM(CASE WHEN status = 'RESERVED' THEN quantity_reserved - quantity_fulfilled ELSE 0 END) AS reserved,
		       SUM(CASE WHEN status = 'ALLOCATED' THEN quantity_reserved - quantity_fulfilled ELSE 0 END) AS allocated
		FROM reservations
		WHERE tenant_id = $1 AND status IN ('RESERVED', 'ALLOCATED')
		GROUP BY item_id, location_id, uom_id
	)
	SELECT COALESCE(b.item_id, l.item_id),
	       COALESCE(b.location_id, l.location_id),
	       COALESCE(b.uom_id, l.uom_id),
	       COALESCE(b.on_hand, 0), COALESCE(l.on_hand, 0),
	       COALESCE(b.reserved, 0), COALESCE(h.reserved, 0),
	       COALESCE(b.allocated, 0), COALESCE(h.allocated, 0)
	FROM (SELECT * FROM inventory_balances WHERE tenant_id = $1) b
	FULL OUTER JOIN ledger l
	  ON l.item_id = b.item_id AND l.location_id = b.location_id AND l.uom_id = b.uom_id
	LEFT JOIN holds h
	  ON h.item_id = COALESCE(b.item_id, l.item_id)
	 AND h.location_id = COALESCE(b.location_id, l.location_id)
	 AND h.uom_id = COALESCE(b.uom_id, l.uom_id)`

func (s *reconciliationService) reconcileTenant(ctx context.Context, tenantID uuid.UUID, in ReconcileInput) (*TenantReport, error) {
	tr := &TenantReport{TenantID: tenantID}

	rows, err := s.pool.Query(ctx, driftQuery, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to run drift query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d DriftRow
		if err := rows.Scan(&d.ItemID, &d.LocationID, &d.UOMID,
			&d.StoredOnHand, &d.DerivedOnHand,
			&d.StoredReserved, &d.DerivedReserved,
			&d.StoredAllocated, &d.DerivedAllocated); err != nil {
			return nil, fmt.Errorf("failed to scan drift row: %w", err)
		}
		tr.CheckedKeys++
		if drifted(d) {
			tr.Mismatches = append(tr.Mismatches, d)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(tr.Mismatches) == 0 {
		return tr, nil
	}
	if !in.Repair {
		return tr, fmt.Errorf("%w: %d of %d keys drifted", ErrDrift, len(tr.Mismatches), tr.CheckedKeys)
	}
	if len(tr.Mismatches) > in.MaxRepairRows {
		return tr, fmt.Errorf("%w: %d drifted keys exceed repair cap %d",
			ErrRepairThresholdExceeded, len(tr.Mismatches), in.MaxRepairRows)
	}

	repaired, err := s.repair(ctx, tenantID, tr.Mismatches)
	if err != nil {
		return tr, err
	}
	tr.RepairedCount = repaired
	return tr, nil
}

func drifted(d DriftRow) bool {
	return d.StoredOnHand.Sub(d.DerivedOnHand).Abs().GreaterThan(driftTolerance) ||
		d.StoredReserved.Sub(d.DerivedReserved).Abs().GreaterThan(driftTolerance) ||
		d.StoredAllocated.Sub(d.DerivedAllocated).Abs().GreaterThan(driftTolerance)
}

// repair rewrites only inventory_balances. The ledger and the reservation
// rows are never edited; they are what the repair converges toward. The
// drift scan ran lock-free, so the derived figures in the mismatches may be
// stale by the time the locks are held: each key is re-derived inside the
// repair transaction and rows that converged on their own are skipped.
func (s *reconciliationService) repair(ctx context.Context, tenantID uuid.UUID, mismatches []DriftRow) (int, error) {
	repaired := 0
	err := withTxRetry(ctx, s.pool, func(tx pgx.Tx) error {
		repaired = 0
		keys := make([]balanceKey, 0, len(mismatches))
		for _, m := range mismatches {
			keys = append(keys, m.key(tenantID))
		}
		ordered := sortedUniqueKeys(keys)
		if err := acquireKeyLocks(ctx, tx, ordered); err != nil {
			return err
		}
		locked, err := lockBalances(ctx, tx, ordered)
		if err != nil {
			return err
		}

		for _, k := range ordered {
			d, err := deriveBalanceTx(ctx, tx, k)
			if err != nil {
				return err
			}
			b := locked[k]
			fresh := DriftRow{
				ItemID: k.ItemID, LocationID: k.LocationID, UOMID: k.UOMID,
				StoredOnHand: b.OnHand, DerivedOnHand: d.OnHand,
				StoredReserved: b.Reserved, DerivedReserved: d.Reserved,
				StoredAllocated: b.Allocated, DerivedAllocated: d.Allocated,
			}
			if !drifted(fresh) {
				continue
			}
			tag, err := tx.Exec(ctx, `
				UPDATE inventory_balances
				SET on_hand = $1, reserved = $2, allocated = $3, updated_at = NOW()
				WHERE id = $4
			`, d.OnHand, d.Reserved, d.Allocated, b.ID)
			if err != nil {
				return fmt.Errorf("failed to repair balance: %w", err)
			}
			repaired += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return repaired, nil
}

// deriveBalanceTx recomputes one key's theoretical figures from the ledger
// and the active reservations, under the locks the caller already holds.
func deriveBalanceTx(ctx context.Context, tx pgx.Tx, k balanceKey) (*InventoryBalance, error) {
	d := &InventoryBalance{TenantID: k.TenantID, ItemID: k.ItemID, LocationID: k.LocationID, UOMID: k.UOMID}
	err := tx.QueryRow(ctx, `
		SELECT
			COALESCE((SELECT SUM(quantity_delta) FROM movement_lines
			          WHERE tenant_id = $1 AND item_id = $2 AND location_id = $3 AND uom_id = $4), 0),
			COALESCE((SELECT SUM(quantity_reserved - quantity_fulfilled) FROM reservations
			          WHERE tenant_id = $1 AND item_id = $2 AND location_id = $3 AND uom_id = $4
			            AND status = 'RESERVED'), 0),
			COALESCE((SELECT SUM(quantity_reserved - quantity_fulfilled) FROM reservations
			          WHERE tenant_id = $1 AND item_id = $2 AND location_id = $3 AND uom_id = $4
			            AND status = 'ALLOCATED'), 0)
	`, k.TenantID, k.ItemID, k.LocationID, k.UOMID).Scan(&d.OnHand, &d.Reserved, &d.Allocated)
	if err != nil {
		return nil, fmt.Errorf("failed to derive balance for %s: %w", k, err)
	}
	return d, nil
}
