package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CreateLocationInput describes a location insert. WarehouseID may be
// supplied by provisioning callers but is never trusted: the hierarchy
// guard derives the real value and silently overrides disagreements.
type CreateLocationInput struct {
	ParentID    *uuid.UUID    `json:"parent_id,omitempty"`
	WarehouseID *uuid.UUID    `json:"warehouse_id,omitempty"`
	Name        string        `json:"name"`
	Role        *LocationRole `json:"role,omitempty"`
	IsSellable  bool          `json:"is_sellable"`
}

// UpdateLocationInput carries the only mutable location fields.
// WarehouseID is immutable once derived.
type UpdateLocationInput struct {
	Role       *LocationRole `json:"role,omitempty"`
	IsSellable *bool         `json:"is_sellable,omitempty"`
	IsActive   *bool         `json:"is_active,omitempty"`
}

// LocationService owns the warehouse hierarchy: every location belongs to
// exactly one warehouse, enforced transactionally at insert time.
type LocationService interface {
	CreateLocation(ctx context.Context, tenantID uuid.UUID, in CreateLocationInput) (*Location, error)
	UpdateLocation(ctx context.Context, tenantID, id uuid.UUID, in UpdateLocationInput) (*Location, error)
	GetLocation(ctx context.Context, tenantID, id uuid.UUID) (*Location, error)
	// UpsertWarehouseDefault idempotently points (warehouse, role) at a
	// canonical location. Re-running provisioning never duplicates rows or
	// moves a default outside its warehouse.
	UpsertWarehouseDefault(ctx context.Context, tenantID, warehouseID uuid.UUID, role LocationRole, locationID uuid.UUID) (*WarehouseDefault, error)
	GetWarehouseDefaults(ctx context.Context, tenantID, warehouseID uuid.UUID) ([]WarehouseDefault, error)
}

type locationService struct {
	pool *pgxpool.Pool
}

func NewLocationService(pool *pgxpool.Pool) LocationService {
	return &locationService{pool: pool}
}

func (s *locationService) CreateLocation(ctx context.Context, tenantID uuid.UUID, in CreateLocationInput) (*Location, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("%w: location name is required", ErrValidation)
	}
	if in.ParentID == nil && in.Role != nil {
		return nil, fmt.Errorf("%w: a warehouse root carries no role", ErrValidation)
	}

	loc := &Location{}
	err := withTxRetry(ctx, s.pool, func(tx pgx.Tx) error {
		id := uuid.New()
		warehouseID := id // a root is its own warehouse

		if in.ParentID != nil {
			// Derive the warehouse from the parent, same tenant only. The
			// parent row is share-locked so it cannot vanish before commit.
			err := tx.QueryRow(ctx,
				"SELECT warehouse_id FROM locations WHERE id = $1 AND tenant_id = $2 FOR SHARE",
				*in.ParentID, tenantID,
			).Scan(&warehouseID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("%w: parent %s has no resolvable warehouse in tenant %s",
						ErrParentWarehouseMissing, *in.ParentID, tenantID)
				}
				return fmt.Errorf("failed to resolve parent warehouse: %w", err)
			}
		}
		// A caller-supplied warehouse id that disagrees is overridden, not
		// rejected: the guard is the sole source of truth.

		err := tx.QueryRow(ctx, `
			INSERT INTO locations (id, tenant_id, parent_id, warehouse_id, name, role, is_sellable)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, tenant_id, parent_id, warehouse_id, name, role, is_sellable, is_active, created_at
		`, id, tenantID, in.ParentID, warehouseID, in.Name, in.Role, in.IsSellable).Scan(
			&loc.ID, &loc.TenantID, &loc.ParentID, &loc.WarehouseID, &loc.Name,
			&loc.Role, &loc.IsSellable, &loc.IsActive, &loc.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert location: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return loc, nil
}

func (s *locationService) UpdateLocation(ctx context.Context, tenantID, id uuid.UUID, in UpdateLocationInput) (*Location, error) {
	loc := &Location{}
	err := s.pool.QueryRow(ctx, `
		UPDATE locations
		SET role        = COALESCE($3, role),
		    is_sellable = COALESCE($4, is_sellable),
		    is_active   = COALESCE($5, is_active)
		WHERE id = $1 AND tenant_id = $2
		RETURNING id, tenant_id, parent_id, warehouse_id, name, role, is_sellable, is_active, created_at
	`, id, tenantID, in.Role, in.IsSellable, in.IsActive).Scan(
		&loc.ID, &loc.TenantID, &loc.ParentID, &loc.WarehouseID, &loc.Name,
		&loc.Role, &loc.IsSellable, &loc.IsActive, &loc.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: location %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to update location %s: %w", id, err)
	}
	return loc, nil
}

func (s *locationService) GetLocation(ctx context.Context, tenantID, id uuid.UUID) (*Location, error) {
	return resolveLocation(ctx, s.pool, tenantID, id)
}

func (s *locationService) UpsertWarehouseDefault(ctx context.Context, tenantID, warehouseID uuid.UUID, role LocationRole, locationID uuid.UUID) (*WarehouseDefault, error) {
	// The default must live inside the warehouse it is a default for.
	loc, err := resolveLocation(ctx, s.pool, tenantID, locationID)
	if err != nil {
		return nil, err
	}
	if loc.WarehouseID != warehouseID {
		return nil, fmt.Errorf("%w: location %s belongs to warehouse %s, not %s",
			ErrValidation, locationID, loc.WarehouseID, warehouseID)
	}

	var d WarehouseDefault
	err = s.pool.QueryRow(ctx, `
		INSERT INTO warehouse_default_locations (tenant_id, warehouse_id, role, location_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, warehouse_id, role)
		DO UPDATE SET location_id = EXCLUDED.location_id, updated_at = NOW()
		RETURNING tenant_id, warehouse_id, role, location_id, updated_at
	`, tenantID, warehouseID, role, locationID).Scan(
		&d.TenantID, &d.WarehouseID, &d.Role, &d.LocationID, &d.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert warehouse default: %w", err)
	}
	return &d, nil
}

func (s *locationService) GetWarehouseDefaults(ctx context.Context, tenantID, warehouseID uuid.UUID) ([]WarehouseDefault, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, warehouse_id, role, location_id, updated_at
		FROM warehouse_default_locations
		WHERE tenant_id = $1 AND warehouse_id = $2
		ORDER BY role
	`, tenantID, warehouseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query warehouse defaults: %w", err)
	}
	defer rows.Close()

	var defaults []WarehouseDefault
	for rows.Next() {
		var d WarehouseDefault
		if err := rows.Scan(&d.TenantID, &d.WarehouseID, &d.Role, &d.LocationID, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan warehouse default: %w", err)
		}
		defaults = append(defaults, d)
	}
	return defaults, rows.Err()
}

// resolveLocation fetches a location within its tenant.
func resolveLocation(ctx context.Context, q pgxQuerier, tenantID, id uuid.UUID) (*Location, error) {
	var loc Location
	err := q.QueryRow(ctx, `
		SELECT id, tenant_id, parent_id, warehouse_id, name, role, is_sellable, is_active, created_at
		FROM locations WHERE id = $1 AND tenant_id = $2
	`, id, tenantID).Scan(
		&loc.ID, &loc.TenantID, &loc.ParentID, &loc.WarehouseID, &loc.Name,
		&loc.Role, &loc.IsSellable, &loc.IsActive, &loc.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: location %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to resolve location %s: %w", id, err)
	}
	return &loc, nil
}
