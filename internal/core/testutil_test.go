package core_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// fixture is the seeded master data every integration test starts from.
type fixture struct {
	Tenant      uuid.UUID
	OtherTenant uuid.UUID
	UOMEach     uuid.UUID // count dimension, discrete
	UOMKg       uuid.UUID // weight dimension
	ItemWidget  uuid.UUID // discrete
	ItemBulk    uuid.UUID // weight
	Warehouse   uuid.UUID // root location, doubles as warehouse id
	ShelfA      uuid.UUID // sellable child of Warehouse
	ShelfB      uuid.UUID // sellable child of Warehouse
	QAHold      uuid.UUID // non-sellable child of Warehouse
	LotFresh    uuid.UUID
	LotExpired  uuid.UUID
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, fixture) {
	t.Helper()
	_ = godotenv.Load("../../.env")

	// Use a dedicated TEST database to avoid wiping the live app database.
	// Set TEST_DATABASE_URL in your .env or environment to run integration tests.
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set — skipping integration test to protect live database")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	_, err = pool.Exec(ctx, `
		TRUNCATE TABLE reservations, reservation_batches, cost_layers, movement_lines,
			inventory_movements, inventory_balances, warehouse_default_locations, locations,
			lots, uom_conversions, items, uoms, tenants CASCADE;
	`)
	if err != nil {
		t.Fatalf("Failed to clean test database: %v", err)
	}

	f := fixture{
		Tenant:      uuid.New(),
		OtherTenant: uuid.New(),
		UOMEach:     uuid.New(),
		UOMKg:       uuid.New(),
		ItemWidget:  uuid.New(),
		ItemBulk:    uuid.New(),
		Warehouse:   uuid.New(),
		ShelfA:      uuid.New(),
		ShelfB:      uuid.New(),
		QAHold:      uuid.New(),
		LotFresh:    uuid.New(),
		LotExpired:  uuid.New(),
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO tenants (id, code, name) VALUES
			($1, 'ACME', 'Acme Foods'),
			($2, 'BETA', 'Beta Retail');

		INSERT INTO uoms (id, tenant_id, code, name, dimension) VALUES
			($3, $1, 'EA', 'Each', 'count'),
			($4, $1, 'KG', 'Kilogram', 'weight');

		INSERT INTO items (id, tenant_id, sku, name, uom_dimension, stocking_uom_id) VALUES
			($5, $1, 'WIDGET-1', 'Widget', 'count', $3),
			($6, $1, 'FLOUR-1', 'Bulk Flour', 'weight', $4);

		INSERT INTO locations (id, tenant_id, parent_id, warehouse_id, name, role, is_sellable) VALUES
			($7,  $1, NULL, $7, 'Main Warehouse', NULL, false),
			($8,  $1, $7,   $7, 'Shelf A', 'SELLABLE', true),
			($9,  $1, $7,   $7, 'Shelf B', 'SELLABLE', true),
			($10, $1, $7,   $7, 'QA Hold', 'QA', false);

		INSERT INTO lots (id, tenant_id, item_id, lot_number, expires_at) VALUES
			($11, $1, $5, 'LOT-FRESH', $13),
			($12, $1, $5, 'LOT-EXPIRED', $14);
	`, f.Tenant, f.OtherTenant, f.UOMEach, f.UOMKg, f.ItemWidget, f.ItemBulk,
		f.Warehouse, f.ShelfA, f.ShelfB, f.QAHold, f.LotFresh, f.LotExpired,
		time.Now().Add(90*24*time.Hour), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Failed to seed test database: %v", err)
	}

	return pool, f
}

// balanceRow reads one balance key directly. Missing rows come back as zeros.
func balanceRow(t *testing.T, pool *pgxpool.Pool, tenant, item, location, uom uuid.UUID) (onHand, reserved, allocated decimal.Decimal) {
	t.Helper()
	err := pool.QueryRow(context.Background(), `
		SELECT COALESCE(MAX(on_hand), 0), COALESCE(MAX(reserved), 0), COALESCE(MAX(allocated), 0)
		FROM inventory_balances
		WHERE tenant_id = $1 AND item_id = $2 AND location_id = $3 AND uom_id = $4
	`, tenant, item, location, uom).Scan(&onHand, &reserved, &allocated)
	if err != nil {
		t.Fatalf("Failed to read balance row: %v", err)
	}
	return onHand, reserved, allocated
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func assertDecimal(t *testing.T, label string, got, want decimal.Decimal) {
	t.Helper()
	if !got.Equal(want) {
		t.Fatalf("%s: got %s, want %s", label, got, want)
	}
}
