package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ATPFilter narrows an availability query. Zero-value fields are not
// applied. WarehouseID scopes strictly to that warehouse's own locations.
type ATPFilter struct {
	ItemID      *uuid.UUID `json:"item_id,omitempty"`
	LocationID  *uuid.UUID `json:"location_id,omitempty"`
	WarehouseID *uuid.UUID `json:"warehouse_id,omitempty"`
}

// ATPService answers "how much can I still promise". ATP is derived, never
// stored. A row's on_hand is sellable on-hand: the ledger figure minus the
// expired-lot quantity, which stays visible as its own field. ATP is that
// sellable on-hand minus reserved minus allocated, over sellable locations
// only.
type ATPService interface {
	GetATP(ctx context.Context, tenantID uuid.UUID, filter ATPFilter) ([]ATPRow, error)
	// GetATPDetail explains one balance key. A sellable key with no balance
	// row yields an all-zero breakdown; a non-sellable location is not found.
	GetATPDetail(ctx context.Context, tenantID, itemID, locationID, uomID uuid.UUID) (*ATPRow, error)
}

type atpService struct {
	pool *pgxpool.Pool
}

func NewATPService(pool *pgxpool.Pool) ATPService {
	return &atpService{pool: pool}
}

// expiredLotCTE sums per-key on-hand sitting in lots whose expiry has
// passed. The sum comes from the movement lines so it agrees with the
// ledger rather than with any cached figure.
const expiredLotCTE = `
	WITH expired AS (
		SELECT ml.tenant_id, ml.item_id, ml.location_id, ml.uom_id,
		       SUM(ml.quantity_delta) AS quantity
		FROM movement_lines ml
		JOIN lots lo ON lo.id = ml.lot_id
		WHERE ml.tenant_id = $1
		  AND lo.expires_at IS NOT NULL AND lo.expires_at < NOW()
		GROUP BY ml.tenant_id, ml.item_id, ml.location_id, ml.uom_id
	)`

func (s *atpService) GetATP(ctx context.Context, tenantID uuid.UUID, filter ATPFilter) ([]ATPRow, error) {
	query := expiredLotCTE + `
	SELECT b.item_id, b.location_id, l.warehouse_id, b.uom_id,
	       b.on_hand,
	       GREATEST(COALESCE(e.quantity, 0), 0),
	       b.reserved, b.allocated
	FROM inventory_balances b
	JOIN locations l ON l.id = b.location_id
	LEFT JOIN expired e
	  ON e.item_id = b.item_id AND e.location_id = b.location_id AND e.uom_id = b.uom_id
	WHERE b.tenant_id = $1 AND l.is_sellable AND l.is_active`

	args := []any{tenantID}
	var conds []string
	if filter.ItemID != nil {
		args = append(args, *filter.ItemID)
		conds = append(conds, fmt.Sprintf("b.item_id = $%d", len(args)))
	}
	if filter.LocationID != nil {
		args = append(args, *filter.LocationID)
		conds = append(conds, fmt.Sprintf("b.location_id = $%d", len(args)))
	}
	if filter.WarehouseID != nil {
		args = append(args, *filter.WarehouseID)
		conds = append(conds, fmt.Sprintf("l.warehouse_id = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " AND " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY b.item_id, b.location_id, b.uom_id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query availability: %w", err)
	}
	defer rows.Close()

	var out []ATPRow
	for rows.Next() {
		var r ATPRow
		if err := rows.Scan(&r.ItemID, &r.LocationID, &r.WarehouseID, &r.UOMID,
			&r.OnHand, &r.ExpiredLotQuantity, &r.Reserved, &r.Allocated); err != nil {
			return nil, fmt.Errorf("failed to scan availability row: %w", err)
		}
		finishATPRow(&r)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *atpService) GetATPDetail(ctx context.Context, tenantID, itemID, locationID, uomID uuid.UUID) (*ATPRow, error) {
	loc, err := resolveLocation(ctx, s.pool, tenantID, locationID)
	if err != nil {
		return nil, err
	}
	if !loc.IsSellable || !loc.IsActive {
		return nil, fmt.Errorf("%w: location %s is not sellable", ErrNotFound, locationID)
	}

	r := ATPRow{ItemID: itemID, LocationID: locationID, WarehouseID: loc.WarehouseID, UOMID: uomID}
	err = s.pool.QueryRow(ctx, expiredLotCTE+`
		SELECT b.on_hand,
		       GREATEST(COALESCE(e.quantity, 0), 0),
		       b.reserved, b.allocated
		FROM inventory_balances b
		LEFT JOIN expired e
		  ON e.item_id = b.item_id AND e.location_id = b.location_id AND e.uom_id = b.uom_id
		WHERE b.tenant_id = $1 AND b.item_id = $2 AND b.location_id = $3 AND b.uom_id = $4
	`, tenantID, itemID, locationID, uomID).Scan(&r.OnHand, &r.ExpiredLotQuantity, &r.Reserved, &r.Allocated)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to query availability detail: %w", err)
	}
	// No balance row means nothing has ever moved here: a valid all-zero key.
	finishATPRow(&r)
	return &r, nil
}

// finishATPRow rewrites the scanned ledger on_hand into sellable on-hand
// and derives ATP from it. It assumes the expired deduction was already
// clamped to zero or above; an over-issued expired lot never inflates ATP.
func finishATPRow(r *ATPRow) {
	r.OnHand = r.OnHand.Sub(r.ExpiredLotQuantity)
	r.AvailableToPromise = r.OnHand.Sub(r.Reserved).Sub(r.Allocated)
}
