package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, enabling shared
// query helpers.
type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// balanceKey identifies one InventoryBalance row. It is the unit of locking:
// every mutating operation computes the full set of keys it will touch,
// dedupes and sorts them, and acquires each key's named lock in that order
// before reading anything it will decide on. The single total order is the
// engine's only deadlock-avoidance mechanism.
type balanceKey struct {
	TenantID   uuid.UUID
	ItemID     uuid.UUID
	LocationID uuid.UUID
	UOMID      uuid.UUID
}

func (k balanceKey) String() string {
	return k.TenantID.String() + "|" + k.ItemID.String() + "|" + k.LocationID.String() + "|" + k.UOMID.String()
}

func (k balanceKey) less(o balanceKey) bool { return k.String() < o.String() }

// sortedUniqueKeys returns the canonical lock acquisition order for a batch.
func sortedUniqueKeys(keys []balanceKey) []balanceKey {
	seen := make(map[balanceKey]struct{}, len(keys))
	out := make([]balanceKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// acquireKeyLocks takes a transaction-scoped advisory lock per key, in the
// canonical order. The locks release at commit/rollback.
func acquireKeyLocks(ctx context.Context, tx pgx.Tx, keys []balanceKey) error {
	for _, k := range keys {
		if _, err := tx.Exec(ctx,
			"SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", k.String(),
		); err != nil {
			return fmt.Errorf("failed to acquire balance lock %s: %w", k, err)
		}
	}
	return nil
}

// lockBalances upserts the balance row for each key (first mutation creates
// it) and locks it FOR UPDATE. Keys must already be in canonical order.
func lockBalances(ctx context.Context, tx pgx.Tx, keys []balanceKey) (map[balanceKey]*InventoryBalance, error) {
	out := make(map[balanceKey]*InventoryBalance, len(keys))
	for _, k := range keys {
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO inventory_balances (tenant_id, item_id, location_id, uom_id, on_hand, reserved, allocated)
			VALUES ($1, $2, $3, $4, 0, 0, 0)
			ON CONFLICT (tenant_id, item_id, location_id, uom_id) DO UPDATE SET updated_at = NOW()
			RETURNING id
		`, k.TenantID, k.ItemID, k.LocationID, k.UOMID).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert balance for %s: %w", k, err)
		}

		b := &InventoryBalance{TenantID: k.TenantID, ItemID: k.ItemID, LocationID: k.LocationID, UOMID: k.UOMID}
		err = tx.QueryRow(ctx,
			"SELECT id, on_hand, reserved, allocated, updated_at FROM inventory_balances WHERE id = $1 FOR UPDATE",
			id,
		).Scan(&b.ID, &b.OnHand, &b.Reserved, &b.Allocated, &b.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to lock balance for %s: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}

// txRetryBudget bounds how often a transaction is replayed on
// serialization conflicts before the operation fails with
// ErrConcurrencyExhausted.
const txRetryBudget = 4

// isSerializationFailure matches the SQLSTATEs a retry can fix:
// serialization_failure, deadlock_detected, lock_not_available.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}

// withTxRetry runs fn inside a transaction, replaying it on serialization
// conflicts under a bounded exponential backoff. Business and validation
// errors abort immediately; only conflict SQLSTATEs are retried. Budget
// exhaustion surfaces ErrConcurrencyExhausted, which callers may retry.
func withTxRetry(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	attempt := func() error {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to begin transaction: %w", err))
		}
		defer tx.Rollback(ctx)

		if err := fn(tx); err != nil {
			if isSerializationFailure(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(ctx); err != nil {
			if isSerializationFailure(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("failed to commit transaction: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond

	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, txRetryBudget), ctx))
	if err != nil && isSerializationFailure(err) {
		return fmt.Errorf("%w: %v", ErrConcurrencyExhausted, err)
	}
	return err
}

// isUniqueViolation matches SQLSTATE 23505 for insert-or-observe patterns.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
