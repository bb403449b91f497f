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
)

// reservationAction names a lifecycle operation for the transition table.
type reservationAction string

const (
	actionAllocate reservationAction = "allocate"
	actionFulfill  reservationAction = "fulfill"
	actionCancel   reservationAction = "cancel"
	actionExpire   reservationAction = "expire"
)

// reservationTransitions is the closed transition table. Any (status,
// action) pair absent here is a conflict; nothing is ever coerced.
var reservationTransitions = map[ReservationStatus]map[reservationAction]ReservationStatus{
	StatusReserved: {
		actionAllocate: StatusAllocated,
		actionCancel:   StatusCancelled,
		actionExpire:   StatusExpired,
	},
	StatusAllocated: {
		actionFulfill: StatusFulfilled,
		actionCancel:  StatusCancelled,
	},
}

// nextStatus resolves the target status for an action, or reports the
// transition illegal.
func nextStatus(from ReservationStatus, action reservationAction) (ReservationStatus, bool) {
	to, ok := reservationTransitions[from][action]
	return to, ok
}

// ReserveLineInput claims quantity against one balance key.
type ReserveLineInput struct {
	ItemID     uuid.UUID       `json:"item_id"`
	LocationID uuid.UUID       `json:"location_id"`
	UOMID      uuid.UUID       `json:"uom_id"`
	LotID      *uuid.UUID      `json:"lot_id,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
	// AllowBackorder records the claim without the availability gate; the
	// backorder quantity derivation belongs to the order-to-cash consumer.
	AllowBackorder bool `json:"allow_backorder"`
}

type ReserveInput struct {
	DemandType     string             `json:"demand_type"`
	DemandID       string             `json:"demand_id"`
	Lines          []ReserveLineInput `json:"lines"`
	IdempotencyKey string             `json:"idempotency_key"`
	ExpiresAt      *time.Time         `json:"expires_at,omitempty"`
}

// ReservationService owns the demand-side claim lifecycle. All multi-key
// work acquires the batch-wide sorted lock set before evaluating any
// business rule.
type ReservationService interface {
	// Reserve claims every line or nothing. Identical idempotency keys
	// coalesce: the loser of a concurrent race observes and returns the
	// winner's committed rows.
	Reserve(ctx context.Context, tenantID uuid.UUID, in ReserveInput) (*ReservationBatch, error)
	// Allocate transitions RESERVED → ALLOCATED, moving the remaining
	// quantity from balance.reserved to balance.allocated.
	Allocate(ctx context.Context, tenantID, id uuid.UUID) (*Reservation, error)
	// Fulfill ships quantity out of an ALLOCATED reservation. The on-hand
	// deduction is posted through the movement ledger so the ledger stays
	// the only on-hand writer. idempotencyKey, when set, makes retried
	// fulfills side-effect-free.
	Fulfill(ctx context.Context, tenantID, id uuid.UUID, qty decimal.Decimal, idempotencyKey string) (*Reservation, error)
	// Cancel releases the remaining quantity. Illegal once FULFILLED.
	Cancel(ctx context.Context, tenantID, id uuid.UUID, reason string) (*Reservation, error)
	GetReservation(ctx context.Context, tenantID, id uuid.UUID) (*Reservation, error)
	// ExpireSweep claims RESERVED rows whose expires_at has passed, under
	// row-level exclusivity, releasing their remaining quantity.
	ExpireSweep(ctx context.Context, batchSize int) (int, error)
}

type reservationService struct {
	pool *pgxpool.Pool
}

func NewReservationService(pool *pgxpool.Pool) ReservationService {
	return &reservationService{pool: pool}
}

var errReserveReplayRace = errors.New("reservation batch already created by concurrent request")

func (s *reservationService) Reserve(ctx context.Context, tenantID uuid.UUID, in ReserveInput) (*ReservationBatch, error) {
	if err := s.validateReserve(ctx, tenantID, in); err != nil {
		return nil, err
	}

	// Dedupe consult before any lock.
	if existing, err := s.findBatch(ctx, tenantID, in.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		existing.Replayed = true
		return existing, nil
	}

	var batchID uuid.UUID
	err := withTxRetry(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO reservation_batches (tenant_id, idempotency_key)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
			RETURNING id
		`, tenantID, in.IdempotencyKey).Scan(&batchID)
		if errors.Is(err, pgx.ErrNoRows) {
			return errReserveReplayRace
		}
		if err != nil {
			return fmt.Errorf("failed to insert reservation batch: %w", err)
		}

		// Batch-wide lock set first, never per-line inside the loop.
		keys := make([]balanceKey, 0, len(in.Lines))
		for _, l := range in.Lines {
			keys = append(keys, balanceKey{TenantID: tenantID, ItemID: l.ItemID, LocationID: l.LocationID, UOMID: l.UOMID})
		}
		ordered := sortedUniqueKeys(keys)
		if err := acquireKeyLocks(ctx, tx, ordered); err != nil {
			return err
		}
		balances, err := lockBalances(ctx, tx, ordered)
		if err != nil {
			return err
		}

		// Availability check per line, accumulating claims so several lines
		// on one key cannot jointly oversell it.
		claimed := make(map[balanceKey]decimal.Decimal, len(ordered))
		for _, l := range in.Lines {
			k := balanceKey{TenantID: tenantID, ItemID: l.ItemID, LocationID: l.LocationID, UOMID: l.UOMID}
			if l.AllowBackorder {
				claimed[k] = claimed[k].Add(l.Quantity)
				continue
			}
			available := balances[k].Available().Sub(claimed[k])
			if available.LessThan(l.Quantity) {
				return &InsufficientAvailableError{
					ItemID: l.ItemID, LocationID: l.LocationID, UOMID: l.UOMID,
					Available: available, Requested: l.Quantity,
				}
			}
			claimed[k] = claimed[k].Add(l.Quantity)
		}

		for k, qty := range claimed {
			_, err := tx.Exec(ctx, `
				UPDATE inventory_balances
				SET reserved = reserved + $1, updated_at = NOW()
				WHERE tenant_id = $2 AND item_id = $3 AND location_id = $4 AND uom_id = $5
			`, qty, k.TenantID, k.ItemID, k.LocationID, k.UOMID)
			if err != nil {
				return fmt.Errorf("failed to increment reserved for %s: %w", k, err)
			}
		}

		for _, l := range in.Lines {
			_, err := tx.Exec(ctx, `
				INSERT INTO reservations (batch_id, tenant_id, demand_type, demand_id, item_id, location_id, uom_id, lot_id, quantity_reserved, expires_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`, batchID, tenantID, in.DemandType, in.DemandID, l.ItemID, l.LocationID, l.UOMID, l.LotID, l.Quantity, in.ExpiresAt)
			if err != nil {
				return fmt.Errorf("failed to insert reservation: %w", err)
			}
		}
		return nil
	})
	if errors.Is(err, errReserveReplayRace) {
		winner, ferr := s.findBatch(ctx, tenantID, in.IdempotencyKey)
		if ferr != nil {
			return nil, ferr
		}
		if winner == nil {
			return nil, fmt.Errorf("reservation replay race lost but winner not found: %w", err)
		}
		winner.Replayed = true
		return winner, nil
	}
	if err != nil {
		return nil, err
	}
	return s.findBatchByID(ctx, tenantID, batchID)
}

func (s *reservationService) validateReserve(ctx context.Context, tenantID uuid.UUID, in ReserveInput) error {
	if in.IdempotencyKey == "" {
		return fmt.Errorf("%w: reserve requires an idempotency key", ErrValidation)
	}
	if len(in.Lines) == 0 {
		return fmt.Errorf("%w: reserve requires at least one line", ErrValidation)
	}
	items := make(map[uuid.UUID]*Item, len(in.Lines))
	for i, l := range in.Lines {
		if !l.Quantity.IsPositive() {
			return fmt.Errorf("%w: line %d quantity must be positive, got %s", ErrValidation, i+1, l.Quantity)
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
		if item.UOMDimension.Discrete() && !isIntegral(l.Quantity) {
			return fmt.Errorf("%w: line %d quantity %s for item %s", ErrDiscreteQuantity, i+1, l.Quantity, item.SKU)
		}
	}
	return nil
}

func (s *reservationService) Allocate(ctx context.Context, tenantID, id uuid.UUID) (*Reservation, error) {
	err := withTxRetry(ctx, s.pool, func(tx pgx.Tx) error {
		r, err := lockReservationTx(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if _, ok := nextStatus(r.Status, actionAllocate); !ok {
			return &StateConflictError{ReservationID: id, From: r.Status, Attempted: string(actionAllocate)}
		}

		k := balanceKey{TenantID: tenantID, ItemID: r.ItemID, LocationID: r.LocationID, UOMID: r.UOMID}
		if err := acquireKeyLocks(ctx, tx, []balanceKey{k}); err != nil {
			return err
		}
		if _, err := lockBalances(ctx, tx, []balanceKey{k}); err != nil {
			return err
		}

		remaining := r.Remaining()
		_, err = tx.Exec(ctx, `
			UPDATE inventory_balances
			SET reserved = reserved - $1, allocated = allocated + $1, updated_at = NOW()
			WHERE tenant_id = $2 AND item_id = $3 AND location_id = $4 AND uom_id = $5
		`, remaining, k.TenantID, k.ItemID, k.LocationID, k.UOMID)
		if err != nil {
			return fmt.Errorf("failed to move reserved quantity to allocated: %w", err)
		}

		_, err = tx.Exec(ctx,
			"UPDATE reservations SET status = $1, updated_at = NOW() WHERE id = $2",
			StatusAllocated, id,
		)
		if err != nil {
			return fmt.Errorf("failed to allocate reservation %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetReservation(ctx, tenantID, id)
}

func (s *reservationService) Fulfill(ctx context.Context, tenantID, id uuid.UUID, qty decimal.Decimal, idempotencyKey string) (*Reservation, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: fulfill quantity must be positive, got %s", ErrValidation, qty)
	}

	err := withTxRetry(ctx, s.pool, func(tx pgx.Tx) error {
		r, err := lockReservationTx(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if _, ok := nextStatus(r.Status, actionFulfill); !ok {
			return &StateConflictError{ReservationID: id, From: r.Status, Attempted: string(actionFulfill)}
		}
		if qty.GreaterThan(r.Remaining()) {
			return fmt.Errorf("%w: fulfill quantity %s exceeds remaining %s", ErrValidation, qty, r.Remaining())
		}

		k := balanceKey{TenantID: tenantID, ItemID: r.ItemID, LocationID: r.LocationID, UOMID: r.UOMID}
		if err := acquireKeyLocks(ctx, tx, []balanceKey{k}); err != nil {
			return err
		}
		if _, err := lockBalances(ctx, tx, []balanceKey{k}); err != nil {
			return err
		}

		// The ledger is the only on-hand writer: fulfillment deducts stock
		// by posting an issue movement inside this transaction.
		movementIn := PostMovementInput{
			Type: MovementIssue,
			Lines: []MovementLineInput{{
				ItemID: r.ItemID, LocationID: r.LocationID, UOMID: r.UOMID, LotID: r.LotID,
				QuantityDelta: qty.Neg(),
			}},
			Notes: fmt.Sprintf("fulfillment of reservation %s (%s %s)", r.ID, r.DemandType, r.DemandID),
		}
		if idempotencyKey != "" {
			key := fmt.Sprintf("fulfill:%s:%s", r.ID, idempotencyKey)
			movementIn.IdempotencyKey = &key
		}
		if _, err := appendMovementTx(ctx, tx, tenantID, movementIn); err != nil {
			return err
		}

		newFulfilled := r.QuantityFulfilled.Add(qty)
		status := StatusAllocated
		if newFulfilled.GreaterThanOrEqual(r.QuantityReserved) {
			status = StatusFulfilled
		}

		_, err = tx.Exec(ctx, `
			UPDATE inventory_balances
			SET allocated = allocated - $1, updated_at = NOW()
			WHERE tenant_id = $2 AND item_id = $3 AND location_id = $4 AND uom_id = $5
		`, qty, k.TenantID, k.ItemID, k.LocationID, k.UOMID)
		if err != nil {
			return fmt.Errorf("failed to release allocated quantity: %w", err)
		}

		_, err = tx.Exec(ctx,
			"UPDATE reservations SET quantity_fulfilled = $1, status = $2, updated_at = NOW() WHERE id = $3",
			newFulfilled, status, id,
		)
		if err != nil {
			return fmt.Errorf("failed to fulfill reservation %s: %w", id, err)
		}
		return nil
	})
	if errors.Is(err, errMovementReplayRace) {
		// A prior fulfill with this idempotency key already applied; the
		// replay changes nothing.
		return s.GetReservation(ctx, tenantID, id)
	}
	if err != nil {
		return nil, err
	}
	return s.GetReservation(ctx, tenantID, id)
}

func (s *reservationService) Cancel(ctx context.Context, tenantID, id uuid.UUID, reason string) (*Reservation, error) {
	err := withTxRetry(ctx, s.pool, func(tx pgx.Tx) error {
		r, err := lockReservationTx(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if _, ok := nextStatus(r.Status, actionCancel); !ok {
			return &StateConflictError{ReservationID: id, From: r.Status, Attempted: string(actionCancel)}
		}

		k := balanceKey{TenantID: tenantID, ItemID: r.ItemID, LocationID: r.LocationID, UOMID: r.UOMID}
		if err := acquireKeyLocks(ctx, tx, []balanceKey{k}); err != nil {
			return err
		}
		if _, err := lockBalances(ctx, tx, []balanceKey{k}); err != nil {
			return err
		}

		// Release the remaining hold from whichever bucket it sits in,
		// mirroring the increments made at reserve/allocate time.
		remaining := r.Remaining()
		column := "reserved"
		if r.Status == StatusAllocated {
			column = "allocated"
		}
		_, err = tx.Exec(ctx, fmt.Sprintf(`
			UPDATE inventory_balances
			SET %s = %s - $1, updated_at = NOW()
			WHERE tenant_id = $2 AND item_id = $3 AND location_id = $4 AND uom_id = $5
		`, column, column), remaining, k.TenantID, k.ItemID, k.LocationID, k.UOMID)
		if err != nil {
			return fmt.Errorf("failed to release %s quantity: %w", column, err)
		}

		_, err = tx.Exec(ctx,
			"UPDATE reservations SET status = $1, cancel_reason = $2, updated_at = NOW() WHERE id = $3",
			StatusCancelled, reason, id,
		)
		if err != nil {
			return fmt.Errorf("failed to cancel reservation %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetReservation(ctx, tenantID, id)
}

func (s *reservationService) ExpireSweep(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	// Candidate scan without locks; the claim below re-checks under
	// row-level exclusivity so a racing sweep or cancel wins cleanly.
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, item_id, location_id, uom_id
		FROM reservations
		WHERE status = 'RESERVED' AND expires_at IS NOT NULL AND expires_at < NOW()
		ORDER BY expires_at
		LIMIT $1
	`, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired reservations: %w", err)
	}
	type candidate struct {
		id  uuid.UUID
		key balanceKey
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.key.TenantID, &c.key.ItemID, &c.key.LocationID, &c.key.UOMID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan expired reservation: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	ids := make([]uuid.UUID, 0, len(candidates))
	keys := make([]balanceKey, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.id)
		keys = append(keys, c.key)
	}

	expired := 0
	err = withTxRetry(ctx, s.pool, func(tx pgx.Tx) error {
		expired = 0
		ordered := sortedUniqueKeys(keys)
		if err := acquireKeyLocks(ctx, tx, ordered); err != nil {
			return err
		}
		if _, err := lockBalances(ctx, tx, ordered); err != nil {
			return err
		}

		claimed, err := tx.Query(ctx, `
			SELECT id, tenant_id, item_id, location_id, uom_id, quantity_reserved - quantity_fulfilled
			FROM reservations
			WHERE id = ANY($1) AND status = 'RESERVED' AND expires_at < NOW()
			FOR UPDATE SKIP LOCKED
		`, ids)
		if err != nil {
			return fmt.Errorf("failed to claim expired reservations: %w", err)
		}
		type claim struct {
			id        uuid.UUID
			key       balanceKey
			remaining decimal.Decimal
		}
		var claims []claim
		for claimed.Next() {
			var c claim
			if err := claimed.Scan(&c.id, &c.key.TenantID, &c.key.ItemID, &c.key.LocationID, &c.key.UOMID, &c.remaining); err != nil {
				claimed.Close()
				return fmt.Errorf("failed to scan claimed reservation: %w", err)
			}
			claims = append(claims, c)
		}
		claimed.Close()
		if err := claimed.Err(); err != nil {
			return err
		}

		for _, c := range claims {
			_, err := tx.Exec(ctx, `
				UPDATE inventory_balances
				SET reserved = reserved - $1, updated_at = NOW()
				WHERE tenant_id = $2 AND item_id = $3 AND location_id = $4 AND uom_id = $5
			`, c.remaining, c.key.TenantID, c.key.ItemID, c.key.LocationID, c.key.UOMID)
			if err != nil {
				return fmt.Errorf("failed to release expired hold: %w", err)
			}
			_, err = tx.Exec(ctx,
				"UPDATE reservations SET status = $1, updated_at = NOW() WHERE id = $2",
				StatusExpired, c.id,
			)
			if err != nil {
				return fmt.Errorf("failed to expire reservation %s: %w", c.id, err)
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return expired, nil
}

func (s *reservationService) GetReservation(ctx context.Context, tenantID, id uuid.UUID) (*Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx, reservationSelect+" WHERE id = $1 AND tenant_id = $2", id, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: reservation %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to fetch reservation %s: %w", id, err)
	}
	return r, nil
}

const reservationSelect = `
	SELECT id, batch_id, tenant_id, demand_type, demand_id, item_id, location_id, uom_id, lot_id,
	       quantity_reserved, quantity_fulfilled, status, expires_at, cancel_reason, created_at, updated_at
	FROM reservations`

func scanReservation(row pgx.Row) (*Reservation, error) {
	var r Reservation
	err := row.Scan(&r.ID, &r.BatchID, &r.TenantID, &r.DemandType, &r.DemandID, &r.ItemID, &r.LocationID,
		&r.UOMID, &r.LotID, &r.QuantityReserved, &r.QuantityFulfilled, &r.Status, &r.ExpiresAt,
		&r.CancelReason, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// lockReservationTx fetches a reservation FOR UPDATE within its tenant.
func lockReservationTx(ctx context.Context, tx pgx.Tx, tenantID, id uuid.UUID) (*Reservation, error) {
	r, err := scanReservation(tx.QueryRow(ctx, reservationSelect+" WHERE id = $1 AND tenant_id = $2 FOR UPDATE", id, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: reservation %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to lock reservation %s: %w", id, err)
	}
	return r, nil
}

// findBatch returns the committed batch for an idempotency key, or nil.
func (s *reservationService) findBatch(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) (*ReservationBatch, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		"SELECT id FROM reservation_batches WHERE tenant_id = $1 AND idempotency_key = $2",
		tenantID, idempotencyKey,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consult reservation dedupe: %w", err)
	}
	return s.findBatchByID(ctx, tenantID, id)
}

func (s *reservationService) findBatchByID(ctx context.Context, tenantID, id uuid.UUID) (*ReservationBatch, error) {
	b := &ReservationBatch{ID: id, TenantID: tenantID}
	err := s.pool.QueryRow(ctx,
		"SELECT created_at FROM reservation_batches WHERE id = $1 AND tenant_id = $2",
		id, tenantID,
	).Scan(&b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: reservation batch %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to fetch reservation batch %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx, reservationSelect+" WHERE batch_id = $1 ORDER BY created_at, id", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch reservations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.ID, &r.BatchID, &r.TenantID, &r.DemandType, &r.DemandID, &r.ItemID, &r.LocationID,
			&r.UOMID, &r.LotID, &r.QuantityReserved, &r.QuantityFulfilled, &r.Status, &r.ExpiresAt,
			&r.CancelReason, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		b.Reservations = append(b.Reservations, r)
	}
	return b, rows.Err()
}
