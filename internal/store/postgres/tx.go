package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"inventory-ledger/internal/core"
)

const sqlStateUniqueViolation = "23505"

type tx struct {
	tx pgx.Tx
}

var _ core.Tx = (*tx)(nil)

// ── Stock moves ───────────────────────────────────────────────────────────────

func (t *tx) InsertStockMove(ctx context.Context, m core.StockMove) (bool, error) {
	var id uuid.UUID
	err := t.tx.QueryRow(ctx, `
		INSERT INTO stock_moves (
			tenant_id, move_id, product_id, variant_id, warehouse_id, location_id, lot_serial_id,
			move_type, quantity_delta, reserved_delta, reference_type, reference_id,
			idempotency_key, unit_cost, total_cost, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
		RETURNING move_id
	`, m.TenantID, m.ID, m.ProductID, m.VariantID, m.WarehouseID, m.LocationID, m.LotSerialID,
		string(m.MoveType), m.QuantityDelta, m.ReservedDelta, m.ReferenceType, m.ReferenceID,
		m.IdempotencyKey, m.UnitCost, m.TotalCost, m.CreatedAt).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapErr(err)
	}
	return true, nil
}

func (t *tx) GetStockMoveByKey(ctx context.Context, tenantID uuid.UUID, key string) (*core.StockMove, error) {
	return findMoveByKey(ctx, t.tx, tenantID, key)
}

// ── Inventory levels ──────────────────────────────────────────────────────────

func (t *tx) LockInventoryLevel(ctx context.Context, key core.LevelKey, now time.Time) (core.InventoryLevel, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO inventory_levels (tenant_id, warehouse_id, product_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (tenant_id, warehouse_id, product_id) DO NOTHING
	`, key.TenantID, key.WarehouseID, key.ProductID, now); err != nil {
		return core.InventoryLevel{}, mapErr(err)
	}

	lvl, err := scanLevel(t.tx.QueryRow(ctx, `
		SELECT `+levelColumns+`
		FROM inventory_levels
		WHERE tenant_id = $1 AND warehouse_id = $2 AND product_id = $3
		FOR UPDATE
	`, key.TenantID, key.WarehouseID, key.ProductID))
	if err != nil {
		return core.InventoryLevel{}, mapErr(err)
	}
	return lvl, nil
}

func (t *tx) UpdateInventoryLevel(ctx context.Context, lvl core.InventoryLevel) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE inventory_levels
		SET available_quantity = $4, reserved_quantity = $5, updated_at = $6
		WHERE tenant_id = $1 AND warehouse_id = $2 AND product_id = $3
	`, lvl.TenantID, lvl.WarehouseID, lvl.ProductID, lvl.AvailableQuantity, lvl.ReservedQuantity, lvl.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("inventory level %s/%s: %w", lvl.WarehouseID, lvl.ProductID, core.ErrNotFound)
	}
	return nil
}

// ── Cost layers ───────────────────────────────────────────────────────────────

func (t *tx) InsertCostLayer(ctx context.Context, l core.CostLayer) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO cost_layers (
			tenant_id, layer_id, warehouse_id, product_id, original_quantity, remaining_quantity,
			unit_cost, source_move_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, l.TenantID, l.LayerID, l.WarehouseID, l.ProductID, l.OriginalQuantity, l.RemainingQuantity,
		l.UnitCost, l.SourceMoveID, l.CreatedAt, l.UpdatedAt)
	return mapErr(err)
}

func (t *tx) LockOpenCostLayers(ctx context.Context, key core.LevelKey) ([]core.CostLayer, error) {
	return queryLayers(ctx, t.tx, `
		SELECT `+layerColumns+`
		FROM cost_layers
		WHERE tenant_id = $1 AND warehouse_id = $2 AND product_id = $3
		  AND remaining_quantity > 0 AND deleted_at IS NULL
		ORDER BY created_at, layer_id
		FOR UPDATE
	`, key.TenantID, key.WarehouseID, key.ProductID)
}

func (t *tx) UpdateCostLayerRemaining(ctx context.Context, layerID uuid.UUID, remaining decimal.Decimal, now time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE cost_layers SET remaining_quantity = $2, updated_at = $3 WHERE layer_id = $1
	`, layerID, remaining, now)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cost layer %s: %w", layerID, core.ErrNotFound)
	}
	return nil
}

func (t *tx) LatestCostLayer(ctx context.Context, key core.LevelKey) (*core.CostLayer, error) {
	layers, err := queryLayers(ctx, t.tx, `
		SELECT `+layerColumns+`
		FROM cost_layers
		WHERE tenant_id = $1 AND warehouse_id = $2 AND product_id = $3 AND deleted_at IS NULL
		ORDER BY created_at DESC, layer_id DESC
		LIMIT 1
	`, key.TenantID, key.WarehouseID, key.ProductID)
	if err != nil || len(layers) == 0 {
		return nil, err
	}
	return &layers[0], nil
}

// ── Average cost ──────────────────────────────────────────────────────────────

func (t *tx) LockAverageCost(ctx context.Context, key core.LevelKey) (*core.AverageCostRecord, error) {
	return findAverage(ctx, t.tx, key, " FOR UPDATE")
}

func (t *tx) SaveAverageCost(ctx context.Context, r core.AverageCostRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO average_cost_records (tenant_id, warehouse_id, product_id, quantity_on_hand, weighted_unit_cost, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, warehouse_id, product_id) DO UPDATE
		SET quantity_on_hand = EXCLUDED.quantity_on_hand,
		    weighted_unit_cost = EXCLUDED.weighted_unit_cost,
		    updated_at = EXCLUDED.updated_at
	`, r.TenantID, r.WarehouseID, r.ProductID, r.QuantityOnHand, r.WeightedUnitCost, r.UpdatedAt)
	return mapErr(err)
}

// ── Valuation settings ────────────────────────────────────────────────────────

func (t *tx) GetValuationSetting(ctx context.Context, tenantID uuid.UUID, productID *uuid.UUID) (*core.ValuationSetting, error) {
	var (
		s      core.ValuationSetting
		method string
		row    pgx.Row
	)
	const cols = `SELECT tenant_id, product_id, method, standard_cost, created_at FROM valuation_settings`
	if productID != nil {
		row = t.tx.QueryRow(ctx, cols+` WHERE tenant_id = $1 AND product_id = $2`, tenantID, *productID)
	} else {
		row = t.tx.QueryRow(ctx, cols+` WHERE tenant_id = $1 AND product_id IS NULL`, tenantID)
	}
	err := row.Scan(&s.TenantID, &s.ProductID, &method, &s.StandardCost, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query valuation setting: %w", mapErr(err))
	}
	if s.Method, err = core.ParseValuationMethod(method); err != nil {
		return nil, fmt.Errorf("stored method %q: %w", method, err)
	}
	return &s, nil
}

func (t *tx) SaveValuationSetting(ctx context.Context, s core.ValuationSetting) error {
	var err error
	if s.ProductID != nil {
		_, err = t.tx.Exec(ctx, `
			INSERT INTO valuation_settings (tenant_id, product_id, method, standard_cost, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (tenant_id, product_id) WHERE product_id IS NOT NULL DO UPDATE
			SET method = EXCLUDED.method, standard_cost = EXCLUDED.standard_cost, updated_at = now()
		`, s.TenantID, *s.ProductID, string(s.Method), s.StandardCost, s.CreatedAt)
	} else {
		_, err = t.tx.Exec(ctx, `
			INSERT INTO valuation_settings (tenant_id, product_id, method, standard_cost, created_at, updated_at)
			VALUES ($1, NULL, $2, $3, $4, now())
			ON CONFLICT (tenant_id) WHERE product_id IS NULL DO UPDATE
			SET method = EXCLUDED.method, standard_cost = EXCLUDED.standard_cost, updated_at = now()
		`, s.TenantID, string(s.Method), s.StandardCost, s.CreatedAt)
	}
	return mapErr(err)
}

// ── Lots ──────────────────────────────────────────────────────────────────────

func (t *tx) InsertLot(ctx context.Context, l core.LotSerial) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO lots_serial_numbers (
			tenant_id, lot_serial_id, product_id, warehouse_id, tracking_type, lot_number, serial_number,
			initial_quantity, remaining_quantity, expiry_date, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, l.TenantID, l.ID, l.ProductID, l.WarehouseID, string(l.TrackingType), l.LotNumber, l.SerialNumber,
		l.InitialQuantity, l.RemainingQuantity, l.ExpiryDate, string(l.Status), l.CreatedAt, l.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation {
		return fmt.Errorf("lot %s for product %s already exists: %w", l.LotNumber, l.ProductID, core.ErrInvalidInput)
	}
	return mapErr(err)
}

func (t *tx) LockLots(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]core.LotSerial, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	return queryLots(ctx, t.tx, `
		SELECT `+lotColumns+`
		FROM lots_serial_numbers
		WHERE tenant_id = $1 AND lot_serial_id = ANY($2::uuid[]) AND deleted_at IS NULL
		ORDER BY lot_serial_id
		FOR UPDATE
	`, tenantID, strIDs)
}

func (t *tx) LockLotsForPicking(ctx context.Context, tenantID, productID, warehouseID uuid.UUID, asOf time.Time) ([]core.LotSerial, error) {
	return queryLots(ctx, t.tx, `
		SELECT `+lotColumns+`
		FROM lots_serial_numbers
		WHERE tenant_id = $1 AND product_id = $2 AND warehouse_id = $3
		  AND deleted_at IS NULL
		  AND status = 'active'
		  AND remaining_quantity > 0
		  AND (expiry_date IS NULL OR expiry_date > $4::date)
		ORDER BY expiry_date ASC NULLS LAST, created_at ASC, lot_serial_id
		FOR UPDATE
	`, tenantID, productID, warehouseID, asOf)
}

func (t *tx) UpdateLot(ctx context.Context, l core.LotSerial) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE lots_serial_numbers
		SET remaining_quantity = $3, status = $4, updated_at = $5
		WHERE tenant_id = $1 AND lot_serial_id = $2
	`, l.TenantID, l.ID, l.RemainingQuantity, string(l.Status), l.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lot %s: %w", l.ID, core.ErrNotFound)
	}
	return nil
}

// ── Outbox ────────────────────────────────────────────────────────────────────

func (t *tx) InsertOutboxEvent(ctx context.Context, ev core.OutboxEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO event_outbox (id, tenant_id, event_type, event_data, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.TenantID, ev.EventType, ev.EventData, string(ev.Status), ev.CreatedAt, ev.UpdatedAt)
	return mapErr(err)
}
