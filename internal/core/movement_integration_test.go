package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"inventory-engine/internal/core"

	"github.com/google/uuid"
)

func ptr[T any](v T) *T { return &v }

func TestPostMovement_ReceiveUpdatesBalance(t *testing.T) {
	pool, f := setupTestDB(t)
	defer pool.Close()

	svc := core.NewMovementService(pool)
	ctx := context.Background()

	mv, err := svc.PostMovement(ctx, f.Tenant, core.PostMovementInput{
		Type: core.MovementReceive,
		Lines: []core.MovementLineInput{{
			ItemID: f.ItemWidget, LocationID: f.ShelfA, UOMID: f.UOMEach,
			QuantityDelta: dec("10"), UnitCost: ptr(dec("2.50")),
		}},
	})
	if err != nil {
		t.Fatalf("PostMovement failed: %v", err)
	}
	if mv.Replayed {
		t.Fatalf("first post must not be marked replayed")
	}
	if len(mv.Lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(mv.Lines))
	}

	onHand, _, _ := balanceRow(t, pool, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach)
	assertDecimal(t, "on_hand after receive", onHand, dec("10"))
}

func TestPostMovement_IdempotentReplay(t *testing.T) {
	pool, f := setupTestDB(t)
	defer pool.Close()

	svc := core.NewMovementService(pool)
	ctx := context.Background()

	in := core.PostMovementInput{
		Type:           core.MovementReceive,
		IdempotencyKey: ptr("po-1001-receipt"),
		Lines: []core.MovementLineInput{{
			ItemID: f.ItemWidget, LocationID: f.ShelfA, UOMID: f.UOMEach,
			QuantityDelta: dec("5"), UnitCost: ptr(dec("1.00")),
		}},
	}

	first, err := svc.PostMovement(ctx, f.Tenant, in)
	if err != nil {
		t.Fatalf("first post failed: %v", err)
	}
	second, err := svc.PostMovement(ctx, f.Tenant, in)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("replay must be marked replayed")
	}
	if first.ID != second.ID {
		t.Fatalf("replay returned a different movement: %s vs %s", first.ID, second.ID)
	}

	// The balance applied exactly once.
	onHand, _, _ := balanceRow(t, pool, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach)
	assertDecimal(t, "on_hand after replay", onHand, dec("5"))
}

func TestPostMovement_ConcurrentSameKey(t *testing.T) {
	pool, f := setupTestDB(t)
	defer pool.Close()

	svc := core.NewMovementService(pool)
	ctx := context.Background()

	in := core.PostMovementInput{
		Type:           core.MovementReceive,
		IdempotencyKey: ptr("po-race"),
		Lines: []core.MovementLineInput{{
			ItemID: f.ItemWidget, LocationID: f.ShelfA, UOMID: f.UOMEach,
			QuantityDelta: dec("7"), UnitCost: ptr(dec("3.00")),
		}},
	}

	var wg sync.WaitGroup
	results := make([]*core.Movement, 2)
	errs := make([]error, 2)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = svc.PostMovement(ctx, f.Tenant, in)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent post %d failed: %v", i, err)
		}
	}
	if results[0].ID != results[1].ID {
		t.Fatalf("concurrent posts created two movements")
	}
	if results[0].Replayed == results[1].Replayed {
		t.Fatalf("exactly one of the two posts should be a replay")
	}

	onHand, _, _ := balanceRow(t, pool, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach)
	assertDecimal(t, "on_hand after race", onHand, dec("7"))
}

func TestPostMovement_TransferIsAtomic(t *testing.T) {
	pool, f := setupTestDB(t)
	defer pool.Close()

	svc := core.NewMovementService(pool)
	ctx := context.Background()

	receive(t, svc, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach, "20", "1.00")

	_, err := svc.PostMovement(ctx, f.Tenant, core.PostMovementInput{
		Type: core.MovementTransfer,
		Lines: []core.MovementLineInput{
			{ItemID: f.ItemWidget, LocationID: f.ShelfA, UOMID: f.UOMEach, QuantityDelta: dec("-8")},
			{ItemID: f.ItemWidget, LocationID: f.ShelfB, UOMID: f.UOMEach, QuantityDelta: dec("8")},
		},
	})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	a, _, _ := balanceRow(t, pool, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach)
	b, _, _ := balanceRow(t, pool, f.Tenant, f.ItemWidget, f.ShelfB, f.UOMEach)
	assertDecimal(t, "shelf A after transfer", a, dec("12"))
	assertDecimal(t, "shelf B after transfer", b, dec("8"))
}

func TestPostMovement_DiscreteRequiresInteger(t *testing.T) {
	pool, f := setupTestDB(t)
	defer pool.Close()

	svc := core.NewMovementService(pool)
	ctx := context.Background()

	_, err := svc.PostMovement(ctx, f.Tenant, core.PostMovementInput{
		Type: core.MovementReceive,
		Lines: []core.MovementLineInput{{
			ItemID: f.ItemWidget, LocationID: f.ShelfA, UOMID: f.UOMEach,
			QuantityDelta: dec("2.5"), UnitCost: ptr(dec("1.00")),
		}},
	})
	if !errors.Is(err, core.ErrDiscreteQuantity) {
		t.Fatalf("expected ErrDiscreteQuantity, got %v", err)
	}

	// Weight-dimension items take fractional quantities.
	_, err = svc.PostMovement(ctx, f.Tenant, core.PostMovementInput{
		Type: core.MovementReceive,
		Lines: []core.MovementLineInput{{
			ItemID: f.ItemBulk, LocationID: f.ShelfA, UOMID: f.UOMKg,
			QuantityDelta: dec("2.5"), UnitCost: ptr(dec("0.80")),
		}},
	})
	if err != nil {
		t.Fatalf("fractional weight receive failed: %v", err)
	}
}

func TestPostMovement_ReceiveRequiresUnitCost(t *testing.T) {
	pool, f := setupTestDB(t)
	defer pool.Close()

	svc := core.NewMovementService(pool)

	_, err := svc.PostMovement(context.Background(), f.Tenant, core.PostMovementInput{
		Type: core.MovementReceive,
		Lines: []core.MovementLineInput{{
			ItemID: f.ItemWidget, LocationID: f.ShelfA, UOMID: f.UOMEach,
			QuantityDelta: dec("3"),
		}},
	})
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected ErrValidation for costless receive, got %v", err)
	}
}

func TestPostMovement_IssueConsumesFIFO(t *testing.T) {
	pool, f := setupTestDB(t)
	defer pool.Close()

	movements := core.NewMovementService(pool)
	layers := core.NewCostLayerService(pool)
	ctx := context.Background()

	receive(t, movements, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach, "10", "1.00")
	receive(t, movements, f.Tenant, f.ItemWidget, f.ShelfA, f.UOMEach, "10", "2.00")

	_, err := movements.PostMovement(ctx, f.Tenant, core.PostMovementInput{
		Type: core.MovementIssue,
		Lines: []core.MovementLineInput{{
			ItemID: f.ItemWidget, LocationID: f.ShelfA, UOMID: f.UOMEach,
			QuantityDelta: dec("-13"),
		}},
	})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	got, err := layers.GetLayers(ctx, f.Tenant, f.ItemWidget)
	if err != nil {
		t.Fatalf("GetLayers failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 layers, got %d", len(got))
	}
	// Oldest layer drains first.
	assertDecimal(t, "first layer remaining", got[0].RemainingQuantity, dec("0"))
	assertDecimal(t, "second layer remaining", got[1].RemainingQuantity, dec("7"))
}

// receive posts one single-line receipt and fails the test on error.
func receive(t *testing.T, svc core.MovementService, tenant uuid.UUID, item, location, uom uuid.UUID, qty, cost string) *core.Movement {
	t.Helper()
	mv, err := svc.PostMovement(context.Background(), tenant, core.PostMovementInput{
		Type: core.MovementReceive,
		Lines: []core.MovementLineInput{{
			ItemID: item, LocationID: location, UOMID: uom,
			QuantityDelta: dec(qty), UnitCost: ptr(dec(cost)),
		}},
	})
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	return mv
}
