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

// MasterDataService registers the reference entities the ledger posts
// against: units of measure, items, lots, and UOM conversions.
type MasterDataService interface {
	CreateUOM(ctx context.Context, tenantID uuid.UUID, code, name string, dimension UOMDimension) (*UOM, error)
	CreateItem(ctx context.Context, tenantID uuid.UUID, sku, name string, dimension UOMDimension, stockingUOMID uuid.UUID) (*Item, error)
	CreateLot(ctx context.Context, tenantID, itemID uuid.UUID, lotNumber string, expiresAt *time.Time) (*Lot, error)
	// RegisterConversion records a conversion factor between two UOMs of an
	// item. Discrete-dimension items only accept integer factors.
	RegisterConversion(ctx context.Context, tenantID, itemID, fromUOMID, toUOMID uuid.UUID, factor decimal.Decimal) error
	// ConvertQuantity applies a registered conversion to a quantity.
	ConvertQuantity(ctx context.Context, tenantID, itemID, fromUOMID, toUOMID uuid.UUID, qty decimal.Decimal) (decimal.Decimal, error)
}

type masterDataService struct {
	pool *pgxpool.Pool
}

func NewMasterDataService(pool *pgxpool.Pool) MasterDataService {
	return &masterDataService{pool: pool}
}

func (s *masterDataService) CreateUOM(ctx context.Context, tenantID uuid.UUID, code, name string, dimension UOMDimension) (*UOM, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: uom code is required", ErrValidation)
	}
	var u UOM
	err := s.pool.QueryRow(ctx, `
		INSERT INTO uoms (tenant_id, code, name, dimension)
		VALUES ($1, $2, $3, $4)
		RETURNING id, tenant_id, code, name, dimension, created_at
	`, tenantID, code, name, dimension).Scan(&u.ID, &u.TenantID, &u.Code, &u.Name, &u.Dimension, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create uom %s: %w", code, err)
	}
	return &u, nil
}

func (s *masterDataService) CreateItem(ctx context.Context, tenantID uuid.UUID, sku, name string, dimension UOMDimension, stockingUOMID uuid.UUID) (*Item, error) {
	if sku == "" {
		return nil, fmt.Errorf("%w: item sku is required", ErrValidation)
	}

	// The stocking UOM must exist in the same tenant and match the item's
	// dimension, otherwise ledger-side validation could never pass.
	var uomDim UOMDimension
	err := s.pool.QueryRow(ctx,
		"SELECT dimension FROM uoms WHERE id = $1 AND tenant_id = $2",
		stockingUOMID, tenantID,
	).Scan(&uomDim)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: stocking uom %s", ErrNotFound, stockingUOMID)
		}
		return nil, fmt.Errorf("failed to resolve stocking uom: %w", err)
	}
	if uomDim != dimension {
		return nil, fmt.Errorf("%w: stocking uom dimension %s does not match item dimension %s", ErrValidation, uomDim, dimension)
	}

	var it Item
	err = s.pool.QueryRow(ctx, `
		INSERT INTO items (tenant_id, sku, name, uom_dimension, stocking_uom_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, tenant_id, sku, name, uom_dimension, stocking_uom_id, is_active, created_at
	`, tenantID, sku, name, dimension, stockingUOMID).Scan(
		&it.ID, &it.TenantID, &it.SKU, &it.Name, &it.UOMDimension, &it.StockingUOMID, &it.IsActive, &it.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create item %s: %w", sku, err)
	}
	return &it, nil
}

func (s *masterDataService) CreateLot(ctx context.Context, tenantID, itemID uuid.UUID, lotNumber string, expiresAt *time.Time) (*Lot, error) {
	if lotNumber == "" {
		return nil, fmt.Errorf("%w: lot number is required", ErrValidation)
	}
	var l Lot
	err := s.pool.QueryRow(ctx, `
		INSERT INTO lots (tenant_id, item_id, lot_number, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, tenant_id, item_id, lot_number, expires_at, created_at
	`, tenantID, itemID, lotNumber, expiresAt).Scan(&l.ID, &l.TenantID, &l.ItemID, &l.LotNumber, &l.ExpiresAt, &l.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create lot %s: %w", lotNumber, err)
	}
	return &l, nil
}

func (s *masterDataService) RegisterConversion(ctx context.Context, tenantID, itemID, fromUOMID, toUOMID uuid.UUID, factor decimal.Decimal) error {
	if !factor.IsPositive() {
		return fmt.Errorf("%w: conversion factor must be positive, got %s", ErrValidation, factor)
	}

	item, err := resolveItem(ctx, s.pool, tenantID, itemID)
	if err != nil {
		return err
	}
	if item.UOMDimension.Discrete() && !isIntegral(factor) {
		return fmt.Errorf("%w: conversion factor %s for item %s", ErrDiscreteQuantity, factor, item.SKU)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO uom_conversions (tenant_id, item_id, from_uom_id, to_uom_id, factor)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, item_id, from_uom_id, to_uom_id) DO UPDATE SET factor = EXCLUDED.factor
	`, tenantID, itemID, fromUOMID, toUOMID, factor)
	if err != nil {
		return fmt.Errorf("failed to register conversion: %w", err)
	}
	return nil
}

func (s *masterDataService) ConvertQuantity(ctx context.Context, tenantID, itemID, fromUOMID, toUOMID uuid.UUID, qty decimal.Decimal) (decimal.Decimal, error) {
	if fromUOMID == toUOMID {
		return qty, nil
	}
	var factor decimal.Decimal
	err := s.pool.QueryRow(ctx, `
		SELECT factor FROM uom_conversions
		WHERE tenant_id = $1 AND item_id = $2 AND from_uom_id = $3 AND to_uom_id = $4
	`, tenantID, itemID, fromUOMID, toUOMID).Scan(&factor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Try the inverse direction before giving up.
			err = s.pool.QueryRow(ctx, `
				SELECT factor FROM uom_conversions
				WHERE tenant_id = $1 AND item_id = $2 AND from_uom_id = $3 AND to_uom_id = $4
			`, tenantID, itemID, toUOMID, fromUOMID).Scan(&factor)
			if errors.Is(err, pgx.ErrNoRows) {
				return decimal.Zero, fmt.Errorf("%w: no conversion for item %s between %s and %s", ErrNotFound, itemID, fromUOMID, toUOMID)
			}
			if err != nil {
				return decimal.Zero, fmt.Errorf("failed to resolve conversion: %w", err)
			}
			return qty.Div(factor), nil
		}
		return decimal.Zero, fmt.Errorf("failed to resolve conversion: %w", err)
	}
	return qty.Mul(factor), nil
}

// resolveItem fetches an item within its tenant. Shared by the posting and
// reservation paths for dimension checks.
func resolveItem(ctx context.Context, q pgxQuerier, tenantID, itemID uuid.UUID) (*Item, error) {
	var it Item
	err := q.QueryRow(ctx, `
		SELECT id, tenant_id, sku, name, uom_dimension, stocking_uom_id, is_active, created_at
		FROM items WHERE id = $1 AND tenant_id = $2
	`, itemID, tenantID).Scan(
		&it.ID, &it.TenantID, &it.SKU, &it.Name, &it.UOMDimension, &it.StockingUOMID, &it.IsActive, &it.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: item %s", ErrNotFound, itemID)
		}
		return nil, fmt.Errorf("failed to resolve item %s: %w", itemID, err)
	}
	return &it, nil
}

// isIntegral reports whether d has no fractional part.
func isIntegral(d decimal.Decimal) bool { return d.Equal(d.Truncate(0)) }
