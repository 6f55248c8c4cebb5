package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"inventory-ledger/internal/core"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const levelColumns = `tenant_id, warehouse_id, product_id, available_quantity, reserved_quantity,
		       created_at, updated_at, deleted_at, deleted_by`

func scanLevel(row pgx.Row) (core.InventoryLevel, error) {
	var l core.InventoryLevel
	err := row.Scan(&l.TenantID, &l.WarehouseID, &l.ProductID, &l.AvailableQuantity, &l.ReservedQuantity,
		&l.CreatedAt, &l.UpdatedAt, &l.DeletedAt, &l.DeletedBy)
	return l, err
}

const moveColumns = `tenant_id, move_id, product_id, variant_id, warehouse_id, location_id, lot_serial_id,
		       move_type, quantity_delta, reserved_delta, reference_type, reference_id,
		       idempotency_key, unit_cost, total_cost, created_at`

func scanMove(row pgx.Row) (core.StockMove, error) {
	var m core.StockMove
	var moveType string
	err := row.Scan(&m.TenantID, &m.ID, &m.ProductID, &m.VariantID, &m.WarehouseID, &m.LocationID, &m.LotSerialID,
		&moveType, &m.QuantityDelta, &m.ReservedDelta, &m.ReferenceType, &m.ReferenceID,
		&m.IdempotencyKey, &m.UnitCost, &m.TotalCost, &m.CreatedAt)
	m.MoveType = core.MoveType(moveType)
	return m, err
}

func findMoveByKey(ctx context.Context, q querier, tenantID uuid.UUID, key string) (*core.StockMove, error) {
	m, err := scanMove(q.QueryRow(ctx, `
		SELECT `+moveColumns+`
		FROM stock_moves
		WHERE tenant_id = $1 AND idempotency_key = $2
	`, tenantID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query stock move: %w", err)
	}
	return &m, nil
}

func queryMoves(ctx context.Context, q querier, sql string, args ...any) ([]core.StockMove, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock moves: %w", err)
	}
	defer rows.Close()

	var moves []core.StockMove
	for rows.Next() {
		m, err := scanMove(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stock move: %w", err)
		}
		moves = append(moves, m)
	}
	return moves, rows.Err()
}

const layerColumns = `tenant_id, warehouse_id, product_id, layer_id, original_quantity, remaining_quantity,
		       unit_cost, source_move_id, created_at, updated_at, deleted_at, deleted_by`

func queryLayers(ctx context.Context, q querier, sql string, args ...any) ([]core.CostLayer, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost layers: %w", mapErr(err))
	}
	defer rows.Close()

	var layers []core.CostLayer
	for rows.Next() {
		var l core.CostLayer
		if err := rows.Scan(&l.TenantID, &l.WarehouseID, &l.ProductID, &l.LayerID, &l.OriginalQuantity,
			&l.RemainingQuantity, &l.UnitCost, &l.SourceMoveID, &l.CreatedAt, &l.UpdatedAt,
			&l.DeletedAt, &l.DeletedBy); err != nil {
			return nil, fmt.Errorf("failed to scan cost layer: %w", err)
		}
		layers = append(layers, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cost layers: %w", mapErr(err))
	}
	return layers, nil
}

// findAverage reads the AVCO record; suffix is appended to the query (" FOR UPDATE" to lock).
func findAverage(ctx context.Context, q querier, key core.LevelKey, suffix string) (*core.AverageCostRecord, error) {
	var r core.AverageCostRecord
	err := q.QueryRow(ctx, `
		SELECT tenant_id, warehouse_id, product_id, quantity_on_hand, weighted_unit_cost, updated_at
		FROM average_cost_records
		WHERE tenant_id = $1 AND warehouse_id = $2 AND product_id = $3
	`+suffix, key.TenantID, key.WarehouseID, key.ProductID).Scan(
		&r.TenantID, &r.WarehouseID, &r.ProductID, &r.QuantityOnHand, &r.WeightedUnitCost, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query average cost: %w", mapErr(err))
	}
	return &r, nil
}

const lotColumns = `tenant_id, lot_serial_id, product_id, warehouse_id, tracking_type, lot_number, serial_number,
		       initial_quantity, remaining_quantity, expiry_date, status,
		       created_at, updated_at, deleted_at, deleted_by`

func queryLots(ctx context.Context, q querier, sql string, args ...any) ([]core.LotSerial, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots: %w", mapErr(err))
	}
	defer rows.Close()

	var lots []core.LotSerial
	for rows.Next() {
		var l core.LotSerial
		var tracking, status string
		if err := rows.Scan(&l.TenantID, &l.ID, &l.ProductID, &l.WarehouseID, &tracking, &l.LotNumber,
			&l.SerialNumber, &l.InitialQuantity, &l.RemainingQuantity, &l.ExpiryDate, &status,
			&l.CreatedAt, &l.UpdatedAt, &l.DeletedAt, &l.DeletedBy); err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		l.TrackingType = core.LotTrackingType(tracking)
		l.Status = core.LotStatus(status)
		lots = append(lots, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read lots: %w", mapErr(err))
	}
	return lots, nil
}
