package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"inventory-engine/internal/core"
)

func TestReserve_HappyPath(t *testing.T) {
	pool, f := setupTestDB(t)
	defer pool.Close()

	movements := core.NewMovementService(pool)
	reservations := core.NewReservationService(pool)
	ctx := context.Background()

	receive(t, movements, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach, "10", "1.00")

	batch, err := reservations.Reserve(ctx, f.Tenant, core.ReserveInput{
		DemandType:     "sales_order",
		DemandID:       "SO-100",
		IdempotencyKey: "so-100-reserve",
		Lines: []core.ReserveLineInput{{
			ItemID: f.ItemWidget, LocationID: f.ShelfA, UOMID: f.UOMEach, Quantity: dec("4"),
		}},
	})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if len(batch.Reservations) != 1 {
		t.Fatalf("expected 1 reservation, got %d", len(batch.Reservations))
	}
	if batch.Reservations[0].Status != core.StatusReserved {
		t.Fatalf("expected RESERVED, got %s", batch.Reservations[0].Status)
	}

	onHand, reserved, _ := balanceRow(t, pool, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach)
	assertDecimal(t, "on_hand", onHand, dec("10"))
	assertDecimal(t, "reserved", reserved, dec("4"))
}

func TestReserve_InsufficientAvailableRejectsWholeBatch(t *testing.T) {
	pool, f := setupTestDB(t)
	defer pool.Close()

	movements := core.NewMovementService(pool)
	reservations := core.NewReservationService(pool)
	ctx := context.Background()

	receive(t, movements, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach, "5", "1.00")

	// Second line exceeds availability, so the first line must not stick.
	_, err := reservations.Reserve(ctx, f.Tenant, core.ReserveInput{
		DemandType:     "sales_order",
		DemandID:       "SO-101",
		IdempotencyKey: "so-101-reserve",
		Lines: []core.ReserveLineInput{
			{ItemID: f.ItemWidget, LocationID: f.ShelfA, UOMID: f.UOMEach, Quantity: dec("3")},
			{ItemID: f.ItemWidget, LocationID: f.ShelfA, UOMID: f.UOMEach, Quantity: dec("3")},
		},
	})
	if !errors.Is(err, core.ErrInsufficientAvailable) {
		t.Fatalf("expected ErrInsufficientAvailable, got %v", err)
	}

	var detail *core.InsufficientAvailableError
	if !errors.As(err, &detail) {
		t.Fatalf("expected structured shortfall detail, got %T", err)
	}
	assertDecimal(t, "shortfall available", detail.Available, dec("2"))
	assertDecimal(t, "shortfall requested", detail.Requested, dec("3"))

	_, reserved, _ := balanceRow(t, pool, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach)
	assertDecimal(t, "reserved after rejected batch", reserved, dec("0"))

	// A retry with the same key is not poisoned by the failed attempt.
	batch, err := reservations.Reserve(ctx, f.Tenant, core.ReserveInput{
		DemandType:     "sales_order",
		DemandID:       "SO-101",
		IdempotencyKey: "so-101-reserve",
		Lines: []core.ReserveLineInput{
			{ItemID: f.ItemWidget, LocationID: f.ShelfA, UOMID: f.UOMEach, Quantity: dec("3")},
		},
	})
	if err != nil {
		t.Fatalf("retry after rejection failed: %v", err)
	}
	if batch.Replayed {
		t.Fatalf("retry after a failed attempt must not be a replay")
	}
}

func TestReserve_BackorderSkipsAvailabilityGate(t *testing.T) {
	pool, f := setupTestDB(t)
	defer pool.Close()

	reservations := core.NewReservationService(pool)
	ctx := context.Background()

	batch, err := reservations.Reserve(ctx, f.Tenant, core.ReserveInput{
		DemandType:     "sales_order",
		DemandID:       "SO-102",
		IdempotencyKey: "so-102-reserve",
		Lines: []core.ReserveLineInput{{
			ItemID: f.ItemWidget, LocationID: f.ShelfA, UOMID: f.UOMEach,
			Quantity: dec("6"), AllowBackorder: true,
		}},
	})
	if err != nil {
		t.Fatalf("backorder reserve failed: %v", err)
	}
	if len(batch.Reservations) != 1 {
		t.Fatalf("expected 1 reservation, got %d", len(batch.Reservations))
	}

	onHand, reserved, _ := balanceRow(t, pool, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach)
	assertDecimal(t, "on_hand", onHand, dec("0"))
	assertDecimal(t, "reserved", reserved, dec("6"))
}

func TestReserve_ConcurrentSameKeyCoalesces(t *testing.T) {
	pool, f := setupTestDB(t)
	defer pool.Close()

	movements := core.NewMovementService(pool)
	reservations := core.NewReservationService(pool)
	ctx := context.Background()

	receive(t, movements, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach, "10", "1.00")

	in := core.ReserveInput{
		DemandType:     "sales_order",
		DemandID:       "SO-103",
		IdempotencyKey: "so-103-reserve",
		Lines: []core.ReserveLineInput{{
			ItemID: f.ItemWidget, LocationID: f.ShelfA, UOMID: f.UOMEach, Quantity: dec("4"),
		}},
	}

	var wg sync.WaitGroup
	results := make([]*core.ReservationBatch, 2)
	errs := make([]error, 2)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = reservations.Reserve(ctx, f.Tenant, in)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent reserve %d failed: %v", i, err)
		}
	}
	if results[0].ID != results[1].ID {
		t.Fatalf("same idempotency key produced two batches")
	}

	// The hold applied once, not twice.
	_, reserved, _ := balanceRow(t, pool, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach)
	assertDecimal(t, "reserved after race", reserved, dec("4"))
}

func TestReserve_CompetingKeysNeverOversell(t *testing.T) {
	pool, f := setupTestDB(t)
	defer pool.Close()

	movements := core.NewMovementService(pool)
	reservations := core.NewReservationService(pool)
	ctx := context.Background()

	receive(t, movements, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach, "10", "1.00")

	// Two distinct demands both want 7 of the 10 on hand. Exactly one can win.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = reservations.Reserve(ctx, f.Tenant, core.ReserveInput{
				DemandType:     "sales_order",
				DemandID:       "SO-competing",
				IdempotencyKey: "so-competing-" + string(rune('a'+i)),
				Lines: []core.ReserveLineInput{{
					ItemID: f.ItemWidget, LocationID: f.ShelfA, UOMID: f.UOMEach, Quantity: dec("7"),
				}},
			})
		}()
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, core.ErrInsufficientAvailable):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("expected exactly one winner and one shortfall, got %d/%d", won, lost)
	}

	_, reserved, _ := balanceRow(t, pool, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach)
	assertDecimal(t, "reserved after competition", reserved, dec("7"))
}

func TestReservation_Lifecycle(t *testing.T) {
	pool, f := setupTestDB(t)
	defer pool.Close()

	movements := core.NewMovementService(pool)
	reservations := core.NewReservationService(pool)
	ctx := context.Background()

	receive(t, movements, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach, "10", "1.00")

	batch, err := reservations.Reserve(ctx, f.Tenant, core.ReserveInput{
		DemandType:     "sales_order",
		DemandID:       "SO-104",
		IdempotencyKey: "so-104-reserve",
		Lines: []core.ReserveLineInput{{
			ItemID: f.ItemWidget, LocationID: f.ShelfA, UOMID: f.UOMEach, Quantity: dec("6"),
		}},
	})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	resID := batch.Reservations[0].ID

	// Fulfill before allocate is a state conflict.
	if _, err := reservations.Fulfill(ctx, f.Tenant, resID, dec("1"), ""); !errors.Is(err, core.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict for fulfill from RESERVED, got %v", err)
	}

	res, err := reservations.Allocate(ctx, f.Tenant, resID)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if res.Status != core.StatusAllocated {
		t.Fatalf("expected ALLOCATED, got %s", res.Status)
	}
	_, reserved, allocated := balanceRow(t, pool, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach)
	assertDecimal(t, "reserved after allocate", reserved, dec("0"))
	assertDecimal(t, "allocated after allocate", allocated, dec("6"))

	// Double allocate is a conflict.
	if _, err := reservations.Allocate(ctx, f.Tenant, resID); !errors.Is(err, core.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict for double allocate, got %v", err)
	}

	// Partial fulfill keeps the reservation ALLOCATED.
	res, err = reservations.Fulfill(ctx, f.Tenant, resID, dec("4"), "ship-1")
	if err != nil {
		t.Fatalf("partial fulfill failed: %v", err)
	}
	if res.Status != core.StatusAllocated {
		t.Fatalf("expected ALLOCATED after partial fulfill, got %s", res.Status)
	}
	onHand, _, allocated := balanceRow(t, pool, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach)
	assertDecimal(t, "on_hand after partial fulfill", onHand, dec("6"))
	assertDecimal(t, "allocated after partial fulfill", allocated, dec("2"))

	// Replayed fulfill with the same key changes nothing.
	res, err = reservations.Fulfill(ctx, f.Tenant, resID, dec("4"), "ship-1")
	if err != nil {
		t.Fatalf("replayed fulfill failed: %v", err)
	}
	assertDecimal(t, "fulfilled after replay", res.QuantityFulfilled, dec("4"))
	onHand, _, _ = balanceRow(t, pool, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach)
	assertDecimal(t, "on_hand after replayed fulfill", onHand, dec("6"))

	// Over-fulfilling the remainder is rejected.
	if _, err := reservations.Fulfill(ctx, f.Tenant, resID, dec("3"), "ship-2"); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected ErrValidation for over-fulfill, got %v", err)
	}

	// Final fulfill completes the reservation.
	res, err = reservations.Fulfill(ctx, f.Tenant, resID, dec("2"), "ship-3")
	if err != nil {
		t.Fatalf("final fulfill failed: %v", err)
	}
	if res.Status != core.StatusFulfilled {
		t.Fatalf("expected FULFILLED, got %s", res.Status)
	}
	onHand, reserved, allocated = balanceRow(t, pool, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach)
	assertDecimal(t, "on_hand after full fulfill", onHand, dec("4"))
	assertDecimal(t, "reserved after full fulfill", reserved, dec("0"))
	assertDecimal(t, "allocated after full fulfill", allocated, dec("0"))

	// Terminal states reject every further action.
	if _, err := reservations.Cancel(ctx, f.Tenant, resID, "too late"); !errors.Is(err, core.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict for cancel of FULFILLED, got %v", err)
	}
}

func TestReservation_CancelReleasesHold(t *testing.T) {
	pool, f := setupTestDB(t)
	defer pool.Close()

	movements := core.NewMovementService(pool)
	reservations := core.NewReservationService(pool)
	ctx := context.Background()

	receive(t, movements, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach, "10", "1.00")

	batch, err := reservations.Reserve(ctx, f.Tenant, core.ReserveInput{
		DemandType:     "sales_order",
		DemandID:       "SO-105",
		IdempotencyKey: "so-105-reserve",
		Lines: []core.ReserveLineInput{{
			ItemID: f.ItemWidget, LocationID: f.ShelfA, UOMID: f.UOMEach, Quantity: dec("5"),
		}},
	})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	res, err := reservations.Cancel(ctx, f.Tenant, batch.Reservations[0].ID, "customer cancelled")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if res.Status != core.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", res.Status)
	}
	if res.CancelReason == nil || *res.CancelReason != "customer cancelled" {
		t.Fatalf("cancel reason not recorded: %v", res.CancelReason)
	}

	onHand, reserved, _ := balanceRow(t, pool, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach)
	assertDecimal(t, "on_hand after cancel", onHand, dec("10"))
	assertDecimal(t, "reserved after cancel", reserved, dec("0"))
}

func TestReservation_ExpireSweep(t *testing.T) {
	pool, f := setupTestDB(t)
	defer pool.Close()

	movements := core.NewMovementService(pool)
	reservations := core.NewReservationService(pool)
	ctx := context.Background()

	receive(t, movements, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach, "10", "1.00")

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	expired, err := reservations.Reserve(ctx, f.Tenant, core.ReserveInput{
		DemandType: "cart", DemandID: "CART-1", IdempotencyKey: "cart-1",
		ExpiresAt: &past,
		Lines: []core.ReserveLineInput{{
			ItemID: f.ItemWidget, LocationID: f.ShelfA, UOMID: f.UOMEach, Quantity: dec("3"),
		}},
	})
	if err != nil {
		t.Fatalf("Reserve (expiring) failed: %v", err)
	}
	_, err = reservations.Reserve(ctx, f.Tenant, core.ReserveInput{
		DemandType: "cart", DemandID: "CART-2", IdempotencyKey: "cart-2",
		ExpiresAt: &future,
		Lines: []core.ReserveLineInput{{
			ItemID: f.ItemWidget, LocationID: f.ShelfA, UOMID: f.UOMEach, Quantity: dec("2"),
		}},
	})
	if err != nil {
		t.Fatalf("Reserve (live) failed: %v", err)
	}

	n, err := reservations.ExpireSweep(ctx, 100)
	if err != nil {
		t.Fatalf("ExpireSweep failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}

	res, err := reservations.GetReservation(ctx, f.Tenant, expired.Reservations[0].ID)
	if err != nil {
		t.Fatalf("GetReservation failed: %v", err)
	}
	if res.Status != core.StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", res.Status)
	}

	// Only the expired hold was released.
	_, reserved, _ := balanceRow(t, pool, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach)
	assertDecimal(t, "reserved after sweep", reserved, dec("2"))

	// The sweep is idempotent.
	n, err = reservations.ExpireSweep(ctx, 100)
	if err != nil {
		t.Fatalf("second ExpireSweep failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 expired on second sweep, got %d", n)
	}
}
