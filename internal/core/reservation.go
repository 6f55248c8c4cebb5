package core

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// ReservationCoordinator moves quantity between available and reserved and finalizes reservations.
// It does no deduplication of its own; callers check idempotency keys first.
type ReservationCoordinator struct {
	levels    *LevelAggregator
	valuation *ValuationEngine
}

func NewReservationCoordinator(levels *LevelAggregator, valuation *ValuationEngine) *ReservationCoordinator {
	return &ReservationCoordinator{levels: levels, valuation: valuation}
}

// Reserve holds qty for a caller. Nothing changes when available < qty.
func (c *ReservationCoordinator) Reserve(ctx context.Context, tx Tx, key LevelKey, qty decimal.Decimal) (InventoryLevel, error) {
	if !qty.IsPositive() {
		return InventoryLevel{}, fmt.Errorf("reserve quantity must be positive: %w", ErrInvalidInput)
	}
	lvl, err := c.levels.Lock(ctx, tx, key)
	if err != nil {
		return InventoryLevel{}, err
	}
	if lvl.AvailableQuantity.LessThan(qty) {
		return InventoryLevel{}, fmt.Errorf("product %s: requested %s, available %s: %w",
			key.ProductID, qty, lvl.AvailableQuantity, ErrInsufficientStock)
	}
	return c.levels.apply(ctx, tx, lvl, qty.Neg(), qty)
}

// Release returns reserved quantity to available.
func (c *ReservationCoordinator) Release(ctx context.Context, tx Tx, key LevelKey, qty decimal.Decimal) (InventoryLevel, error) {
	if !qty.IsPositive() {
		return InventoryLevel{}, fmt.Errorf("release quantity must be positive: %w", ErrInvalidInput)
	}
	lvl, err := c.levels.Lock(ctx, tx, key)
	if err != nil {
		return InventoryLevel{}, err
	}
	if lvl.ReservedQuantity.LessThan(qty) {
		return InventoryLevel{}, fmt.Errorf("product %s: releasing %s, reserved %s: %w",
			key.ProductID, qty, lvl.ReservedQuantity, ErrInsufficientStock)
	}
	return c.levels.apply(ctx, tx, lvl, qty, qty.Neg())
}

// Consume removes qty from reserved and costs it through the valuation engine.
func (c *ReservationCoordinator) Consume(ctx context.Context, tx Tx, key LevelKey, setting ValuationSetting, qty decimal.Decimal) (CostResult, error) {
	if !qty.IsPositive() {
		return CostResult{}, fmt.Errorf("consume quantity must be positive: %w", ErrInvalidInput)
	}
	lvl, err := c.levels.Lock(ctx, tx, key)
	if err != nil {
		return CostResult{}, err
	}
	if lvl.ReservedQuantity.LessThan(qty) {
		return CostResult{}, fmt.Errorf("product %s: issuing %s, reserved %s: %w",
			key.ProductID, qty, lvl.ReservedQuantity, ErrInsufficientStock)
	}
	if _, err := c.levels.apply(ctx, tx, lvl, decimal.Zero, qty.Neg()); err != nil {
		return CostResult{}, err
	}
	return c.valuation.Consume(ctx, tx, key, setting, qty)
}
