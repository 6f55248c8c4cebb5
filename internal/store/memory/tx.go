package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"inventory-ledger/internal/core"
)

// tx works on a private copy of the store state. Rows need no locks of their own because only
// one tx runs at a time.
type tx struct {
	st *state
}

var _ core.Tx = (*tx)(nil)

func (t *tx) InsertStockMove(_ context.Context, m core.StockMove) (bool, error) {
	k := moveKey{tenantID: m.TenantID, key: m.IdempotencyKey}
	if _, exists := t.st.moveByKey[k]; exists {
		return false, nil
	}
	t.st.moves = append(t.st.moves, m)
	t.st.moveByKey[k] = len(t.st.moves) - 1
	return true, nil
}

func (t *tx) GetStockMoveByKey(_ context.Context, tenantID uuid.UUID, key string) (*core.StockMove, error) {
	return t.st.moveByIdempotencyKey(tenantID, key), nil
}

func (t *tx) LockInventoryLevel(_ context.Context, key core.LevelKey, now time.Time) (core.InventoryLevel, error) {
	if lvl, ok := t.st.levels[key]; ok {
		return lvl, nil
	}
	lvl := core.InventoryLevel{
		LevelKey:          key,
		AvailableQuantity: decimal.Zero,
		ReservedQuantity:  decimal.Zero,
	}
	lvl.Touch(now)
	t.st.levels[key] = lvl
	return lvl, nil
}

func (t *tx) UpdateInventoryLevel(_ context.Context, lvl core.InventoryLevel) error {
	if _, ok := t.st.levels[lvl.LevelKey]; !ok {
		return fmt.Errorf("inventory level %s/%s: %w", lvl.WarehouseID, lvl.ProductID, core.ErrNotFound)
	}
	t.st.levels[lvl.LevelKey] = lvl
	return nil
}

func (t *tx) InsertCostLayer(_ context.Context, layer core.CostLayer) error {
	t.st.layers = append(t.st.layers, layer)
	return nil
}

func (t *tx) LockOpenCostLayers(_ context.Context, key core.LevelKey) ([]core.CostLayer, error) {
	return t.st.layersFor(key, true), nil
}

func (t *tx) UpdateCostLayerRemaining(_ context.Context, layerID uuid.UUID, remaining decimal.Decimal, now time.Time) error {
	for i := range t.st.layers {
		if t.st.layers[i].LayerID == layerID {
			t.st.layers[i].RemainingQuantity = remaining
			t.st.layers[i].UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("cost layer %s: %w", layerID, core.ErrNotFound)
}

func (t *tx) LatestCostLayer(_ context.Context, key core.LevelKey) (*core.CostLayer, error) {
	layers := t.st.layersFor(key, false)
	if len(layers) == 0 {
		return nil, nil
	}
	l := layers[len(layers)-1]
	return &l, nil
}

func (t *tx) LockAverageCost(_ context.Context, key core.LevelKey) (*core.AverageCostRecord, error) {
	if rec, ok := t.st.averages[key]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (t *tx) SaveAverageCost(_ context.Context, rec core.AverageCostRecord) error {
	t.st.averages[rec.LevelKey] = rec
	return nil
}

func (t *tx) GetValuationSetting(_ context.Context, tenantID uuid.UUID, productID *uuid.UUID) (*core.ValuationSetting, error) {
	k := settingKey{tenantID: tenantID}
	if productID != nil {
		k.productID = *productID
	}
	if s, ok := t.st.settings[k]; ok {
		return &s, nil
	}
	return nil, nil
}

func (t *tx) SaveValuationSetting(_ context.Context, s core.ValuationSetting) error {
	k := settingKey{tenantID: s.TenantID}
	if s.ProductID != nil {
		k.productID = *s.ProductID
	}
	t.st.settings[k] = s
	return nil
}

func (t *tx) InsertLot(_ context.Context, lot core.LotSerial) error {
	for _, l := range t.st.lots {
		if l.TenantID == lot.TenantID && l.ProductID == lot.ProductID && l.LotNumber == lot.LotNumber &&
			sameSerial(l.SerialNumber, lot.SerialNumber) {
			return fmt.Errorf("lot %s for product %s already exists: %w", lot.LotNumber, lot.ProductID, core.ErrInvalidInput)
		}
	}
	t.st.lots[lot.ID] = lot
	return nil
}

func sameSerial(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (t *tx) LockLots(_ context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]core.LotSerial, error) {
	var out []core.LotSerial
	for _, id := range ids {
		if l, ok := t.st.lots[id]; ok && l.TenantID == tenantID && l.DeletedAt == nil {
			out = append(out, l)
		}
	}
	return out, nil
}

func (t *tx) LockLotsForPicking(_ context.Context, tenantID, productID, warehouseID uuid.UUID, asOf time.Time) ([]core.LotSerial, error) {
	var out []core.LotSerial
	for _, l := range t.st.lots {
		if l.TenantID == tenantID && l.ProductID == productID && l.WarehouseID == warehouseID && l.Pickable(asOf) {
			out = append(out, l)
		}
	}
	core.SortFEFO(out)
	return out, nil
}

func (t *tx) UpdateLot(_ context.Context, lot core.LotSerial) error {
	if _, ok := t.st.lots[lot.ID]; !ok {
		return fmt.Errorf("lot %s: %w", lot.ID, core.ErrNotFound)
	}
	t.st.lots[lot.ID] = lot
	return nil
}

func (t *tx) InsertOutboxEvent(_ context.Context, ev core.OutboxEvent) error {
	t.st.events = append(t.st.events, ev)
	return nil
}
