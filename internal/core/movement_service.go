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

// MovementLineInput applies one signed quantity delta to a balance key.
type MovementLineInput struct {
	ItemID        uuid.UUID        `json:"item_id"`
	LocationID    uuid.UUID        `json:"location_id"`
	UOMID         uuid.UUID        `json:"uom_id"`
	LotID         *uuid.UUID       `json:"lot_id,omitempty"`
	QuantityDelta decimal.Decimal  `json:"quantity_delta"`
	UnitCost      *decimal.Decimal `json:"unit_cost,omitempty"`
}

type PostMovementInput struct {
	Type           MovementType        `json:"movement_type"`
	Lines          []MovementLineInput `json:"lines"`
	IdempotencyKey *string             `json:"idempotency_key,omitempty"`
	ExternalRef    *string             `json:"external_ref,omitempty"`
	Notes          string              `json:"notes,omitempty"`
}

// MovementService is the append-only ledger and the only writer of on-hand
// deltas. Each posted movement lands atomically: all lines or none.
type MovementService interface {
	// PostMovement validates, lock-orders, applies and appends one movement.
	// Replaying the same idempotency key or external ref returns the
	// original movement with Replayed set and writes nothing.
	PostMovement(ctx context.Context, tenantID uuid.UUID, in PostMovementInput) (*Movement, error)
	GetMovement(ctx context.Context, tenantID, id uuid.UUID) (*Movement, error)
}

type movementService struct {
	pool *pgxpool.Pool
}

func NewMovementService(pool *pgxpool.Pool) MovementService {
	return &movementService{pool: pool}
}

var validMovementTypes = map[MovementType]bool{
	MovementReceive:    true,
	MovementTransfer:   true,
	MovementAdjustment: true,
	MovementIssue:      true,
	MovementCount:      true,
}

// errMovementReplayRace signals that a concurrent request with the same
// idempotency key committed first; the caller re-reads the winner.
var errMovementReplayRace = errors.New("movement already posted by concurrent request")

func (s *movementService) PostMovement(ctx context.Context, tenantID uuid.UUID, in PostMovementInput) (*Movement, error) {
	if err := s.validate(ctx, tenantID, in); err != nil {
		return nil, err
	}

	// Dedupe consult before any lock: a committed movement with this key is
	// a replay, not an error.
	if existing, err := s.findExisting(ctx, tenantID, in.IdempotencyKey, in.ExternalRef); err != nil {
		return nil, err
	} else if existing != nil {
		existing.Replayed = true
		return existing, nil
	}

	var movementID uuid.UUID
	err := withTxRetry(ctx, s.pool, func(tx pgx.Tx) error {
		keys := make([]balanceKey, 0, len(in.Lines))
		for _, l := range in.Lines {
			keys = append(keys, balanceKey{TenantID: tenantID, ItemID: l.ItemID, LocationID: l.LocationID, UOMID: l.UOMID})
		}
		ordered := sortedUniqueKeys(keys)
		if err := acquireKeyLocks(ctx, tx, ordered); err != nil {
			return err
		}
		if _, err := lockBalances(ctx, tx, ordered); err != nil {
			return err
		}

		id, err := appendMovementTx(ctx, tx, tenantID, in)
		if err != nil {
			return err
		}
		movementID = id
		return nil
	})
	if errors.Is(err, errMovementReplayRace) {
		winner, ferr := s.findExisting(ctx, tenantID, in.IdempotencyKey, in.ExternalRef)
		if ferr != nil {
			return nil, ferr
		}
		if winner == nil {
			return nil, fmt.Errorf("movement replay race lost but winner not found: %w", err)
		}
		winner.Replayed = true
		return winner, nil
	}
	if err != nil {
		return nil, err
	}
	return s.GetMovement(ctx, tenantID, movementID)
}

// validate rejects malformed input before any lock is taken.
func (s *movementService) validate(ctx context.Context, tenantID uuid.UUID, in PostMovementInput) error {
	if !validMovementTypes[in.Type] {
		return fmt.Errorf("%w: unknown movement type %q", ErrValidation, in.Type)
	}
	if len(in.Lines) == 0 {
		return fmt.Errorf("%w: movement must have at least one line", ErrValidation)
	}

	items := make(map[uuid.UUID]*Item, len(in.Lines))
	for i, l := range in.Lines {
		if l.QuantityDelta.IsZero() {
			return fmt.Errorf("%w: line %d has zero quantity delta", ErrValidation, i+1)
		}
		item, ok := items[l.ItemID]
		if !ok {
			var err error
			item, err = resolveItem(ctx, s.pool, tenantID, l.ItemID)
			if err != nil {
				return err
			}
			items[l.ItemID] = item
		}
		if item.UOMDimension.Discrete() && !isIntegral(l.QuantityDelta) {
			return fmt.Errorf("%w: line %d quantity %s for item %s", ErrDiscreteQuantity, i+1, l.QuantityDelta, item.SKU)
		}
		if in.Type == MovementReceive && l.QuantityDelta.IsPositive() && l.UnitCost == nil {
			return fmt.Errorf("%w: line %d: receipt lines require a unit cost", ErrValidation, i+1)
		}
		if l.UnitCost != nil && l.UnitCost.IsNegative() {
			return fmt.Errorf("%w: line %d: unit cost cannot be negative", ErrValidation, i+1)
		}
	}
	return nil
}

// appendMovementTx writes the movement header, lines, balance deltas and
// cost-layer effects inside the caller's transaction. The caller must
// already hold the advisory and row locks for every touched key.
func appendMovementTx(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID, in PostMovementInput) (uuid.UUID, error) {
	var movementID uuid.UUID
	err := tx.QueryRow(ctx, `
		INSERT INTO inventory_movements (tenant_id, movement_type, idempotency_key, external_ref, notes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, tenantID, in.Type, in.IdempotencyKey, in.ExternalRef, in.Notes).Scan(&movementID)
	if errors.Is(err, pgx.ErrNoRows) {
		// A concurrent identical request won the insert race.
		return uuid.Nil, errMovementReplayRace
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert movement: %w", err)
	}

	// Accumulate one signed delta per key, then project onto the balance
	// store in the same transaction as the ledger append.
	deltas := make(map[balanceKey]decimal.Decimal)
	for _, l := range in.Lines {
		k := balanceKey{TenantID: tenantID, ItemID: l.ItemID, LocationID: l.LocationID, UOMID: l.UOMID}
		deltas[k] = deltas[k].Add(l.QuantityDelta)
	}
	for _, k := range sortedUniqueKeys(keysOf(deltas)) {
		_, err := tx.Exec(ctx, `
			UPDATE inventory_balances
			SET on_hand = on_hand + $1, updated_at = NOW()
			WHERE tenant_id = $2 AND item_id = $3 AND location_id = $4 AND uom_id = $5
		`, deltas[k], k.TenantID, k.ItemID, k.LocationID, k.UOMID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to apply delta for %s: %w", k, err)
		}
	}

	sourceDoc := movementID.String()
	if in.ExternalRef != nil {
		sourceDoc = *in.ExternalRef
	}
	for i, l := range in.Lines {
		_, err := tx.Exec(ctx, `
			INSERT INTO movement_lines (movement_id, line_number, tenant_id, item_id, location_id, uom_id, lot_id, quantity_delta, unit_cost)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, movementID, i+1, tenantID, l.ItemID, l.LocationID, l.UOMID, l.LotID, l.QuantityDelta, l.UnitCost)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert movement line %d: %w", i+1, err)
		}

		switch {
		case in.Type == MovementReceive && l.QuantityDelta.IsPositive():
			lineSource := fmt.Sprintf("%s:%d", sourceDoc, i+1)
			if _, err := createReceiptLayerTx(ctx, tx, tenantID, l, lineSource); err != nil {
				return uuid.Nil, err
			}
		case in.Type == MovementIssue && l.QuantityDelta.IsNegative():
			if err := consumeLayersFIFOTx(ctx, tx, tenantID, l.ItemID, l.LocationID, l.UOMID, l.QuantityDelta.Neg()); err != nil {
				return uuid.Nil, err
			}
		}
	}
	return movementID, nil
}

func keysOf(m map[balanceKey]decimal.Decimal) []balanceKey {
	out := make([]balanceKey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// findExisting returns the committed movement for an idempotency key or
// external reference, or nil when neither matches.
func (s *movementService) findExisting(ctx context.Context, tenantID uuid.UUID, idemKey, externalRef *string) (*Movement, error) {
	if idemKey == nil && externalRef == nil {
		return nil, nil
	}
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM inventory_movements
		WHERE tenant_id = $1
		  AND (($2::text IS NOT NULL AND idempotency_key = $2)
		    OR ($3::text IS NOT NULL AND external_ref = $3))
		ORDER BY posted_at
		LIMIT 1
	`, tenantID, idemKey, externalRef).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consult movement dedupe: %w", err)
	}
	return s.GetMovement(ctx, tenantID, id)
}

func (s *movementService) GetMovement(ctx context.Context, tenantID, id uuid.UUID) (*Movement, error) {
	var m Movement
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, movement_type, idempotency_key, external_ref, notes, posted_at
		FROM inventory_movements WHERE id = $1 AND tenant_id = $2
	`, id, tenantID).Scan(&m.ID, &m.TenantID, &m.Type, &m.IdempotencyKey, &m.ExternalRef, &m.Notes, &m.PostedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: movement %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to fetch movement %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, movement_id, line_number, item_id, location_id, uom_id, lot_id, quantity_delta, unit_cost
		FROM movement_lines WHERE movement_id = $1
		ORDER BY line_number
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query movement lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l MovementLine
		if err := rows.Scan(&l.ID, &l.MovementID, &l.LineNumber, &l.ItemID, &l.LocationID, &l.UOMID, &l.LotID, &l.QuantityDelta, &l.UnitCost); err != nil {
			return nil, fmt.Errorf("failed to scan movement line: %w", err)
		}
		m.Lines = append(m.Lines, l)
	}
	return &m, rows.Err()
}
