package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// CostLayerService is the FIFO costing read model plus maintenance
// operations. Layer creation/consumption happen inside the movement posting
// transaction; consumers of the read model never mutate it.
type CostLayerService interface {
	GetLayers(ctx context.Context, tenantID, itemID uuid.UUID) ([]CostLayer, error)
	// ReclassifyReceipt moves the active layer of a receipt source to a new
	// location. Reclassification never creates a second layer and never
	// alters the cost basis.
	ReclassifyReceipt(ctx context.Context, tenantID uuid.UUID, sourceDocumentID string, newLocationID uuid.UUID) (*CostLayer, error)
	// DedupeSweep heals duplicate active layers created before the
	// uniqueness constraint existed: rows are ranked by (created_at, id)
	// and all but the earliest are voided with a pointer to the survivor.
	DedupeSweep(ctx context.Context, tenantID uuid.UUID) (int64, error)
}

type costLayerService struct {
	pool *pgxpool.Pool
}

func NewCostLayerService(pool *pgxpool.Pool) CostLayerService {
	return &costLayerService{pool: pool}
}

// createReceiptLayerTx inserts the cost layer for one receipt line using
// insert-or-observe: if a concurrent attempt for the same source already
// committed, the unique index rejects ours and we return the winner's layer
// instead of erroring the caller. The caller holds the balance-key lock, so
// same-key sequence assignment cannot race.
func createReceiptLayerTx(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID, line MovementLineInput, sourceDocumentID string) (uuid.UUID, error) {
	var seq int
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence), 0) + 1 FROM cost_layers
		WHERE tenant_id = $1 AND item_id = $2 AND location_id = $3 AND uom_id = $4 AND layer_date = CURRENT_DATE
	`, tenantID, line.ItemID, line.LocationID, line.UOMID).Scan(&seq)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to assign layer sequence: %w", err)
	}

	var layerID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO cost_layers (tenant_id, item_id, location_id, uom_id, layer_date, sequence,
		                         original_quantity, remaining_quantity, unit_cost, source_type, source_document_id)
		VALUES ($1, $2, $3, $4, CURRENT_DATE, $5, $6, $6, $7, 'receipt', $8)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, tenantID, line.ItemID, line.LocationID, line.UOMID, seq, line.QuantityDelta, line.UnitCost, sourceDocumentID).Scan(&layerID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the race: observe the surviving layer.
		err = tx.QueryRow(ctx, `
			SELECT id FROM cost_layers
			WHERE tenant_id = $1 AND source_document_id = $2 AND voided_at IS NULL AND source_type = 'receipt'
		`, tenantID, sourceDocumentID).Scan(&layerID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to observe winning cost layer for %s: %w", sourceDocumentID, err)
		}
		return layerID, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create cost layer for %s: %w", sourceDocumentID, err)
	}
	return layerID, nil
}

// consumeLayersFIFOTx drains remaining_quantity from active layers in
// receipt order. If layers cover less than qty (stock that arrived through
// adjustments has no layer), the uncovered remainder is left uncosted.
func consumeLayersFIFOTx(ctx context.Context, tx pgx.Tx, tenantID, itemID, locationID, uomID uuid.UUID, qty decimal.Decimal) error {
	rows, err := tx.Query(ctx, `
		SELECT id, remaining_quantity FROM cost_layers
		WHERE tenant_id = $1 AND item_id = $2 AND location_id = $3 AND uom_id = $4
		  AND voided_at IS NULL AND remaining_quantity > 0
		ORDER BY layer_date, sequence, created_at
		FOR UPDATE
	`, tenantID, itemID, locationID, uomID)
	if err != nil {
		return fmt.Errorf("failed to lock cost layers for consumption: %w", err)
	}

	type layerRow struct {
		id        uuid.UUID
		remaining decimal.Decimal
	}
	var layers []layerRow
	for rows.Next() {
		var l layerRow
		if err := rows.Scan(&l.id, &l.remaining); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan cost layer: %w", err)
		}
		layers = append(layers, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating cost layers: %w", err)
	}

	left := qty
	for _, l := range layers {
		if !left.IsPositive() {
			break
		}
		take := decimal.Min(left, l.remaining)
		_, err := tx.Exec(ctx,
			"UPDATE cost_layers SET remaining_quantity = remaining_quantity - $1 WHERE id = $2",
			take, l.id,
		)
		if err != nil {
			return fmt.Errorf("failed to consume cost layer %s: %w", l.id, err)
		}
		left = left.Sub(take)
	}
	return nil
}

func (s *costLayerService) GetLayers(ctx context.Context, tenantID, itemID uuid.UUID) ([]CostLayer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, item_id, location_id, uom_id, layer_date, sequence,
		       original_quantity, remaining_quantity, unit_cost, source_type, source_document_id,
		       voided_at, void_reason, superseded_by_id, created_at
		FROM cost_layers
		WHERE tenant_id = $1 AND item_id = $2
		ORDER BY layer_date, sequence, created_at
	`, tenantID, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost layers: %w", err)
	}
	defer rows.Close()

	var layers []CostLayer
	for rows.Next() {
		var l CostLayer
		if err := rows.Scan(&l.ID, &l.TenantID, &l.ItemID, &l.LocationID, &l.UOMID, &l.LayerDate, &l.Sequence,
			&l.OriginalQuantity, &l.RemainingQuantity, &l.UnitCost, &l.SourceType, &l.SourceDocumentID,
			&l.VoidedAt, &l.VoidReason, &l.SupersededByID, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cost layer: %w", err)
		}
		layers = append(layers, l)
	}
	return layers, rows.Err()
}

func (s *costLayerService) ReclassifyReceipt(ctx context.Context, tenantID uuid.UUID, sourceDocumentID string, newLocationID uuid.UUID) (*CostLayer, error) {
	if _, err := resolveLocation(ctx, s.pool, tenantID, newLocationID); err != nil {
		return nil, err
	}

	var l CostLayer
	err := s.pool.QueryRow(ctx, `
		UPDATE cost_layers
		SET location_id = $3
		WHERE tenant_id = $1 AND source_document_id = $2 AND voided_at IS NULL AND source_type = 'receipt'
		RETURNING id, tenant_id, item_id, location_id, uom_id, layer_date, sequence,
		          original_quantity, remaining_quantity, unit_cost, source_type, source_document_id,
		          voided_at, void_reason, superseded_by_id, created_at
	`, tenantID, sourceDocumentID, newLocationID).Scan(
		&l.ID, &l.TenantID, &l.ItemID, &l.LocationID, &l.UOMID, &l.LayerDate, &l.Sequence,
		&l.OriginalQuantity, &l.RemainingQuantity, &l.UnitCost, &l.SourceType, &l.SourceDocumentID,
		&l.VoidedAt, &l.VoidReason, &l.SupersededByID, &l.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: active cost layer for source %s", ErrNotFound, sourceDocumentID)
		}
		return nil, fmt.Errorf("failed to reclassify cost layer for %s: %w", sourceDocumentID, err)
	}
	return &l, nil
}

func (s *costLayerService) DedupeSweep(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		WITH ranked AS (
			SELECT id,
			       ROW_NUMBER() OVER (PARTITION BY source_document_id ORDER BY created_at, id) AS rn,
			       FIRST_VALUE(id) OVER (PARTITION BY source_document_id ORDER BY created_at, id) AS survivor_id
			FROM cost_layers
			WHERE tenant_id = $1 AND voided_at IS NULL AND source_type = 'receipt'
		)
		UPDATE cost_layers c
		SET voided_at = NOW(), void_reason = 'DUPLICATE_SOURCE', superseded_by_id = r.survivor_id
		FROM ranked r
		WHERE c.id = r.id AND r.rn > 1
	`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to run cost layer dedupe sweep: %w", err)
	}
	return tag.RowsAffected(), nil
}
