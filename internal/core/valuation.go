package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// costScale is the number of decimal places kept for unit and extended costs.
const costScale = 6

// LayerDraw records how much one FIFO layer contributed to an outbound quantity.
type LayerDraw struct {
	LayerID  uuid.UUID       `json:"layer_id"`
	Quantity decimal.Decimal `json:"quantity"`
	UnitCost decimal.Decimal `json:"unit_cost"`
}

// CostResult is the cost of an outbound quantity. UnitCost is ExtendedCost / Quantity.
type CostResult struct {
	Quantity     decimal.Decimal `json:"quantity"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	ExtendedCost decimal.Decimal `json:"extended_cost"`
	Layers       []LayerDraw     `json:"layers,omitempty"`
}

// ValuationEngine keeps cost records in step with quantity movements.
type ValuationEngine struct {
	store         Store
	defaultMethod ValuationMethod
	now           func() time.Time
}

func NewValuationEngine(store Store, defaultMethod ValuationMethod, now func() time.Time) *ValuationEngine {
	if defaultMethod == "" {
		defaultMethod = ValuationFIFO
	}
	if now == nil {
		now = time.Now
	}
	return &ValuationEngine{store: store, defaultMethod: defaultMethod, now: now}
}

// ResolveMethod picks the product setting, then the tenant default, then the process default.
func (v *ValuationEngine) ResolveMethod(ctx context.Context, tx Tx, tenantID, productID uuid.UUID) (ValuationSetting, error) {
	s, err := tx.GetValuationSetting(ctx, tenantID, &productID)
	if err != nil {
		return ValuationSetting{}, fmt.Errorf("failed to load product valuation setting: %w", err)
	}
	if s == nil {
		s, err = tx.GetValuationSetting(ctx, tenantID, nil)
		if err != nil {
			return ValuationSetting{}, fmt.Errorf("failed to load tenant valuation setting: %w", err)
		}
	}
	if s == nil {
		return ValuationSetting{TenantID: tenantID, ProductID: &productID, Method: v.defaultMethod}, nil
	}
	return *s, nil
}

// SetValuationSetting stores a tenant default (ProductID nil) or a product setting.
// A product's method cannot change once set; its standard cost can.
func (v *ValuationEngine) SetValuationSetting(ctx context.Context, setting ValuationSetting) (ValuationSetting, error) {
	if setting.TenantID == uuid.Nil {
		return ValuationSetting{}, fmt.Errorf("tenant id is required: %w", ErrInvalidInput)
	}
	if _, err := ParseValuationMethod(string(setting.Method)); err != nil {
		return ValuationSetting{}, fmt.Errorf("method %q: %w", setting.Method, err)
	}
	if setting.Method == ValuationStandard && setting.StandardCost == nil {
		return ValuationSetting{}, fmt.Errorf("standard cost is required for standard costing: %w", ErrInvalidInput)
	}
	if setting.StandardCost != nil && setting.StandardCost.IsNegative() {
		return ValuationSetting{}, fmt.Errorf("standard cost must not be negative: %w", ErrInvalidInput)
	}

	err := v.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		existing, err := tx.GetValuationSetting(ctx, setting.TenantID, setting.ProductID)
		if err != nil {
			return fmt.Errorf("failed to load valuation setting: %w", err)
		}
		if existing != nil && setting.ProductID != nil && existing.Method != setting.Method {
			return fmt.Errorf("product %s is %s: %w", *setting.ProductID, existing.Method, ErrValuationMethodLocked)
		}
		if existing != nil {
			setting.CreatedAt = existing.CreatedAt
		} else {
			setting.CreatedAt = v.now().UTC()
		}
		return tx.SaveValuationSetting(ctx, setting)
	})
	if err != nil {
		return ValuationSetting{}, err
	}
	return setting, nil
}

// Receive books an inbound quantity and returns the unit cost recorded for it.
func (v *ValuationEngine) Receive(ctx context.Context, tx Tx, key LevelKey, setting ValuationSetting,
	qty, unitCost decimal.Decimal, sourceMoveID *uuid.UUID) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("receive quantity must be positive: %w", ErrInvalidInput)
	}
	if unitCost.IsNegative() {
		return decimal.Zero, fmt.Errorf("unit cost must not be negative: %w", ErrInvalidInput)
	}
	now := v.now().UTC()

	switch setting.Method {
	case ValuationFIFO:
		id, err := uuid.NewV7()
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to generate layer id: %w", err)
		}
		layer := CostLayer{
			LevelKey:          key,
			LayerID:           id,
			OriginalQuantity:  qty,
			RemainingQuantity: qty,
			UnitCost:          unitCost.Round(costScale),
			SourceMoveID:      sourceMoveID,
		}
		layer.Touch(now)
		if err := tx.InsertCostLayer(ctx, layer); err != nil {
			return decimal.Zero, fmt.Errorf("failed to insert cost layer: %w", err)
		}
		return layer.UnitCost, nil

	case ValuationAVCO:
		rec, err := v.lockAverage(ctx, tx, key)
		if err != nil {
			return decimal.Zero, err
		}
		totalQty := rec.QuantityOnHand.Add(qty)
		totalValue := rec.QuantityOnHand.Mul(rec.WeightedUnitCost).Add(qty.Mul(unitCost))
		rec.WeightedUnitCost = totalValue.DivRound(totalQty, costScale)
		rec.QuantityOnHand = totalQty
		rec.UpdatedAt = now
		if err := tx.SaveAverageCost(ctx, rec); err != nil {
			return decimal.Zero, fmt.Errorf("failed to save average cost: %w", err)
		}
		return unitCost.Round(costScale), nil

	case ValuationStandard:
		if setting.StandardCost == nil {
			return decimal.Zero, fmt.Errorf("standard cost not configured for product %s: %w", key.ProductID, ErrInvalidInput)
		}
		rec, err := v.lockAverage(ctx, tx, key)
		if err != nil {
			return decimal.Zero, err
		}
		rec.QuantityOnHand = rec.QuantityOnHand.Add(qty)
		rec.WeightedUnitCost = setting.StandardCost.Round(costScale)
		rec.UpdatedAt = now
		if err := tx.SaveAverageCost(ctx, rec); err != nil {
			return decimal.Zero, fmt.Errorf("failed to save standard cost: %w", err)
		}
		return rec.WeightedUnitCost, nil

	default:
		return decimal.Zero, fmt.Errorf("method %q: %w", setting.Method, ErrUnknownValuationMethod)
	}
}

// Consume removes an outbound quantity from the cost records and returns its cost.
func (v *ValuationEngine) Consume(ctx context.Context, tx Tx, key LevelKey, setting ValuationSetting, qty decimal.Decimal) (CostResult, error) {
	if !qty.IsPositive() {
		return CostResult{}, fmt.Errorf("consume quantity must be positive: %w", ErrInvalidInput)
	}

	switch setting.Method {
	case ValuationFIFO:
		return v.consumeLayers(ctx, tx, key, qty)
	case ValuationAVCO, ValuationStandard:
		rec, err := tx.LockAverageCost(ctx, key)
		if err != nil {
			return CostResult{}, fmt.Errorf("failed to lock average cost: %w", err)
		}
		if rec == nil || rec.QuantityOnHand.LessThan(qty) {
			have := decimal.Zero
			if rec != nil {
				have = rec.QuantityOnHand
			}
			return CostResult{}, fmt.Errorf("product %s: need %s, cost basis covers %s: %w",
				key.ProductID, qty, have, ErrInsufficientCostBasis)
		}
		rec.QuantityOnHand = rec.QuantityOnHand.Sub(qty)
		rec.UpdatedAt = v.now().UTC()
		if err := tx.SaveAverageCost(ctx, *rec); err != nil {
			return CostResult{}, fmt.Errorf("failed to save average cost: %w", err)
		}
		return CostResult{
			Quantity:     qty,
			UnitCost:     rec.WeightedUnitCost,
			ExtendedCost: qty.Mul(rec.WeightedUnitCost).Round(costScale),
		}, nil
	default:
		return CostResult{}, fmt.Errorf("method %q: %w", setting.Method, ErrUnknownValuationMethod)
	}
}

// ConsumeLayers is the FIFO-only entry point.
func (v *ValuationEngine) ConsumeLayers(ctx context.Context, tx Tx, key LevelKey, setting ValuationSetting, qty decimal.Decimal) (CostResult, error) {
	if setting.Method != ValuationFIFO {
		return CostResult{}, fmt.Errorf("product %s is %s: %w", key.ProductID, setting.Method, ErrValuationMethodMismatch)
	}
	if !qty.IsPositive() {
		return CostResult{}, fmt.Errorf("consume quantity must be positive: %w", ErrInvalidInput)
	}
	return v.consumeLayers(ctx, tx, key, qty)
}

func (v *ValuationEngine) consumeLayers(ctx context.Context, tx Tx, key LevelKey, qty decimal.Decimal) (CostResult, error) {
	layers, err := tx.LockOpenCostLayers(ctx, key)
	if err != nil {
		return CostResult{}, fmt.Errorf("failed to lock cost layers: %w", err)
	}

	now := v.now().UTC()
	need := qty
	extended := decimal.Zero
	var draws []LayerDraw
	for _, layer := range layers {
		if !need.IsPositive() {
			break
		}
		take := decimal.Min(need, layer.RemainingQuantity)
		if !take.IsPositive() {
			continue
		}
		if err := tx.UpdateCostLayerRemaining(ctx, layer.LayerID, layer.RemainingQuantity.Sub(take), now); err != nil {
			return CostResult{}, fmt.Errorf("failed to update cost layer: %w", err)
		}
		extended = extended.Add(take.Mul(layer.UnitCost))
		draws = append(draws, LayerDraw{LayerID: layer.LayerID, Quantity: take, UnitCost: layer.UnitCost})
		need = need.Sub(take)
	}
	if need.IsPositive() {
		return CostResult{}, fmt.Errorf("product %s: need %s, layers cover %s: %w",
			key.ProductID, qty, qty.Sub(need), ErrInsufficientCostBasis)
	}

	extended = extended.Round(costScale)
	return CostResult{
		Quantity:     qty,
		UnitCost:     extended.DivRound(qty, costScale),
		ExtendedCost: extended,
		Layers:       draws,
	}, nil
}

// CurrentUnitCost is the cost used for inbound quantities that carry no price of their own,
// such as count gains. FIFO uses the newest layer; zero when nothing was ever received.
func (v *ValuationEngine) CurrentUnitCost(ctx context.Context, tx Tx, key LevelKey, setting ValuationSetting) (decimal.Decimal, error) {
	switch setting.Method {
	case ValuationFIFO:
		layer, err := tx.LatestCostLayer(ctx, key)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to load latest cost layer: %w", err)
		}
		if layer == nil {
			return decimal.Zero, nil
		}
		return layer.UnitCost, nil
	case ValuationAVCO:
		rec, err := tx.LockAverageCost(ctx, key)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to lock average cost: %w", err)
		}
		if rec == nil {
			return decimal.Zero, nil
		}
		return rec.WeightedUnitCost, nil
	case ValuationStandard:
		if setting.StandardCost == nil {
			return decimal.Zero, fmt.Errorf("standard cost not configured for product %s: %w", key.ProductID, ErrInvalidInput)
		}
		return setting.StandardCost.Round(costScale), nil
	default:
		return decimal.Zero, fmt.Errorf("method %q: %w", setting.Method, ErrUnknownValuationMethod)
	}
}

func (v *ValuationEngine) lockAverage(ctx context.Context, tx Tx, key LevelKey) (AverageCostRecord, error) {
	rec, err := tx.LockAverageCost(ctx, key)
	if err != nil {
		return AverageCostRecord{}, fmt.Errorf("failed to lock average cost: %w", err)
	}
	if rec == nil {
		return AverageCostRecord{LevelKey: key}, nil
	}
	return *rec, nil
}

// CostLayers returns every layer for key, exhausted ones included.
func (v *ValuationEngine) CostLayers(ctx context.Context, key LevelKey) ([]CostLayer, error) {
	layers, err := v.store.ListCostLayers(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list cost layers: %w", err)
	}
	return layers, nil
}

// AverageCost returns the AVCO/Standard record for key, or ErrNotFound.
func (v *ValuationEngine) AverageCost(ctx context.Context, key LevelKey) (*AverageCostRecord, error) {
	rec, err := v.store.FindAverageCost(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to find average cost: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("average cost for product %s: %w", key.ProductID, ErrNotFound)
	}
	return rec, nil
}
