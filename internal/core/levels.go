package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LevelAggregator maintains the materialized InventoryLevel rows.
type LevelAggregator struct {
	store Store
	now   func() time.Time
}

func NewLevelAggregator(store Store, now func() time.Time) *LevelAggregator {
	if now == nil {
		now = time.Now
	}
	return &LevelAggregator{store: store, now: now}
}

// Lock returns the level row for key, creating a zero row first if needed, and holds its lock
// until tx ends.
func (a *LevelAggregator) Lock(ctx context.Context, tx Tx, key LevelKey) (InventoryLevel, error) {
	if err := validateKey(key); err != nil {
		return InventoryLevel{}, err
	}
	lvl, err := tx.LockInventoryLevel(ctx, key, a.now().UTC())
	if err != nil {
		return InventoryLevel{}, fmt.Errorf("failed to lock inventory level: %w", err)
	}
	return lvl, nil
}

// Upsert applies both deltas to the locked row. Nothing is written if either quantity would go negative.
func (a *LevelAggregator) Upsert(ctx context.Context, tx Tx, key LevelKey, availableDelta, reservedDelta decimal.Decimal) (InventoryLevel, error) {
	lvl, err := a.Lock(ctx, tx, key)
	if err != nil {
		return InventoryLevel{}, err
	}
	return a.apply(ctx, tx, lvl, availableDelta, reservedDelta)
}

func (a *LevelAggregator) apply(ctx context.Context, tx Tx, lvl InventoryLevel, availableDelta, reservedDelta decimal.Decimal) (InventoryLevel, error) {
	available := lvl.AvailableQuantity.Add(availableDelta)
	reserved := lvl.ReservedQuantity.Add(reservedDelta)
	if available.IsNegative() || reserved.IsNegative() {
		return InventoryLevel{}, fmt.Errorf("level %s/%s: available %s delta %s, reserved %s delta %s: %w",
			lvl.WarehouseID, lvl.ProductID,
			lvl.AvailableQuantity, availableDelta, lvl.ReservedQuantity, reservedDelta,
			ErrNegativeQuantity)
	}
	lvl.AvailableQuantity = available
	lvl.ReservedQuantity = reserved
	lvl.Touch(a.now().UTC())
	if err := tx.UpdateInventoryLevel(ctx, lvl); err != nil {
		return InventoryLevel{}, fmt.Errorf("failed to update inventory level: %w", err)
	}
	return lvl, nil
}

// Find is a non-locking read. Returns nil when the row does not exist yet.
func (a *LevelAggregator) Find(ctx context.Context, key LevelKey) (*InventoryLevel, error) {
	lvl, err := a.store.FindInventoryLevel(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to find inventory level: %w", err)
	}
	return lvl, nil
}

func (a *LevelAggregator) List(ctx context.Context, tenantID, warehouseID uuid.UUID) ([]InventoryLevel, error) {
	levels, err := a.store.ListInventoryLevels(ctx, tenantID, warehouseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list inventory levels: %w", err)
	}
	return levels, nil
}
