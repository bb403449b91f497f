package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UOMDimension classifies units of measure. Items in the count dimension
// carry only integer quantities through the ledger.
type UOMDimension string

const (
	DimensionCount  UOMDimension = "count"
	DimensionWeight UOMDimension = "weight"
	DimensionVolume UOMDimension = "volume"
	DimensionLength UOMDimension = "length"
)

// Discrete reports whether quantities in this dimension must be whole numbers.
func (d UOMDimension) Discrete() bool { return d == DimensionCount }

type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

type UOM struct {
	ID        uuid.UUID    `json:"id"`
	TenantID  uuid.UUID    `json:"tenant_id"`
	Code      string       `json:"code"`
	Name      string       `json:"name"`
	Dimension UOMDimension `json:"dimension"`
	CreatedAt time.Time    `json:"created_at"`
}

type Item struct {
	ID            uuid.UUID    `json:"id"`
	TenantID      uuid.UUID    `json:"tenant_id"`
	SKU           string       `json:"sku"`
	Name          string       `json:"name"`
	UOMDimension  UOMDimension `json:"uom_dimension"`
	StockingUOMID uuid.UUID    `json:"stocking_uom_id"`
	IsActive      bool         `json:"is_active"`
	CreatedAt     time.Time    `json:"created_at"`
}

type Lot struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  uuid.UUID  `json:"tenant_id"`
	ItemID    uuid.UUID  `json:"item_id"`
	LotNumber string     `json:"lot_number"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// LocationRole tags what a location is used for. The tree root (the
// warehouse itself) carries no role.
type LocationRole string

const (
	RoleSellable  LocationRole = "SELLABLE"
	RoleQA        LocationRole = "QA"
	RoleHold      LocationRole = "HOLD"
	RoleReject    LocationRole = "REJECT"
	RoleScrap     LocationRole = "SCRAP"
	RoleReceiving LocationRole = "RECEIVING"
)

// Location is a node in a per-tenant tree. WarehouseID always equals the
// tree root's id; the hierarchy guard derives it at insert time and it is
// immutable afterwards.
type Location struct {
	ID          uuid.UUID     `json:"id"`
	TenantID    uuid.UUID     `json:"tenant_id"`
	ParentID    *uuid.UUID    `json:"parent_id,omitempty"`
	WarehouseID uuid.UUID     `json:"warehouse_id"`
	Name        string        `json:"name"`
	Role        *LocationRole `json:"role,omitempty"`
	IsSellable  bool          `json:"is_sellable"`
	IsActive    bool          `json:"is_active"`
	CreatedAt   time.Time     `json:"created_at"`
}

// WarehouseDefault points QC/receiving flows at the canonical location for
// a role without traversing the tree.
type WarehouseDefault struct {
	TenantID    uuid.UUID    `json:"tenant_id"`
	WarehouseID uuid.UUID    `json:"warehouse_id"`
	Role        LocationRole `json:"role"`
	LocationID  uuid.UUID    `json:"location_id"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// InventoryBalance is the mutable aggregate for one
// (tenant, item, location, uom) key. on_hand moves only through the ledger;
// reserved/allocated move only through the reservation lifecycle.
type InventoryBalance struct {
	ID         int64           `json:"id"`
	TenantID   uuid.UUID       `json:"tenant_id"`
	ItemID     uuid.UUID       `json:"item_id"`
	LocationID uuid.UUID       `json:"location_id"`
	UOMID      uuid.UUID       `json:"uom_id"`
	OnHand     decimal.Decimal `json:"on_hand"`
	Reserved   decimal.Decimal `json:"reserved"`
	Allocated  decimal.Decimal `json:"allocated"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Available is the quantity a new reservation may claim.
func (b InventoryBalance) Available() decimal.Decimal {
	return b.OnHand.Sub(b.Reserved).Sub(b.Allocated)
}

type MovementType string

const (
	MovementReceive    MovementType = "RECEIVE"
	MovementTransfer   MovementType = "TRANSFER"
	MovementAdjustment MovementType = "ADJUSTMENT"
	MovementIssue      MovementType = "ISSUE"
	MovementCount      MovementType = "COUNT"
)

// Movement is an immutable-once-posted ledger record.
type Movement struct {
	ID             uuid.UUID      `json:"id"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	Type           MovementType   `json:"movement_type"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	ExternalRef    *string        `json:"external_ref,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	PostedAt       time.Time      `json:"posted_at"`
	Lines          []MovementLine `json:"lines"`
	// Replayed marks an idempotent replay: the movement was posted by an
	// earlier request and no new ledger rows were written.
	Replayed bool `json:"replayed"`
}

type MovementLine struct {
	ID            int64            `json:"id"`
	MovementID    uuid.UUID        `json:"movement_id"`
	LineNumber    int              `json:"line_number"`
	ItemID        uuid.UUID        `json:"item_id"`
	LocationID    uuid.UUID        `json:"location_id"`
	UOMID         uuid.UUID        `json:"uom_id"`
	LotID         *uuid.UUID       `json:"lot_id,omitempty"`
	QuantityDelta decimal.Decimal  `json:"quantity_delta"`
	UnitCost      *decimal.Decimal `json:"unit_cost,omitempty"`
}

// CostLayer is one FIFO-costed slice of received inventory. For receipt
// sources, at most one non-voided layer exists per (tenant, source doc).
type CostLayer struct {
	ID                uuid.UUID       `json:"id"`
	TenantID          uuid.UUID       `json:"tenant_id"`
	ItemID            uuid.UUID       `json:"item_id"`
	LocationID        uuid.UUID       `json:"location_id"`
	UOMID             uuid.UUID       `json:"uom_id"`
	LayerDate         time.Time       `json:"layer_date"`
	Sequence          int             `json:"sequence"`
	OriginalQuantity  decimal.Decimal `json:"original_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	UnitCost          decimal.Decimal `json:"unit_cost"`
	SourceType        string          `json:"source_type"`
	SourceDocumentID  string          `json:"source_document_id"`
	VoidedAt          *time.Time      `json:"voided_at,omitempty"`
	VoidReason        *string         `json:"void_reason,omitempty"`
	SupersededByID    *uuid.UUID      `json:"superseded_by_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

type ReservationStatus string

const (
	StatusReserved  ReservationStatus = "RESERVED"
	StatusAllocated ReservationStatus = "ALLOCATED"
	StatusFulfilled ReservationStatus = "FULFILLED"
	StatusCancelled ReservationStatus = "CANCELLED"
	StatusExpired   ReservationStatus = "EXPIRED"
)

// Terminal reports whether no further transition is legal from s.
func (s ReservationStatus) Terminal() bool {
	switch s {
	case StatusFulfilled, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Reservation is a demand-side claim against available supply. Rows are
// never deleted; they move through the fixed state machine only.
type Reservation struct {
	ID                uuid.UUID         `json:"id"`
	BatchID           uuid.UUID         `json:"batch_id"`
	TenantID          uuid.UUID         `json:"tenant_id"`
	DemandType        string            `json:"demand_type"`
	DemandID          string            `json:"demand_id"`
	ItemID            uuid.UUID         `json:"item_id"`
	LocationID        uuid.UUID         `json:"location_id"`
	UOMID             uuid.UUID         `json:"uom_id"`
	LotID             *uuid.UUID        `json:"lot_id,omitempty"`
	QuantityReserved  decimal.Decimal   `json:"quantity_reserved"`
	QuantityFulfilled decimal.Decimal   `json:"quantity_fulfilled"`
	Status            ReservationStatus `json:"status"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
	CancelReason      *string           `json:"cancel_reason,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Remaining is the quantity still held against the balance.
func (r Reservation) Remaining() decimal.Decimal {
	return r.QuantityReserved.Sub(r.QuantityFulfilled)
}

// ReservationBatch is the result of one reserve() call. Replayed marks that
// an earlier request with the same idempotency key created the rows.
type ReservationBatch struct {
	ID           uuid.UUID     `json:"id"`
	TenantID     uuid.UUID     `json:"tenant_id"`
	Reservations []Reservation `json:"reservations"`
	CreatedAt    time.Time     `json:"created_at"`
	Replayed     bool          `json:"replayed"`
}

// ATPRow is one line of an available-to-promise query. OnHand is sellable
// on-hand: the ledger figure with the expired-lot quantity already deducted.
type ATPRow struct {
	ItemID             uuid.UUID       `json:"item_id"`
	LocationID         uuid.UUID       `json:"location_id"`
	WarehouseID        uuid.UUID       `json:"warehouse_id"`
	UOMID              uuid.UUID       `json:"uom_id"`
	OnHand             decimal.Decimal `json:"on_hand"`
	ExpiredLotQuantity decimal.Decimal `json:"expired_lot_quantity"`
	Reserved           decimal.Decimal `json:"reserved"`
	Allocated          decimal.Decimal `json:"allocated"`
	AvailableToPromise decimal.Decimal `json:"available_to_promise"`
}
