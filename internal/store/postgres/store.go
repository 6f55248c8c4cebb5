// Package postgres implements core.Store on PostgreSQL with pgx. Row locks are taken with
// SELECT ... FOR UPDATE and bounded by a per-transaction lock_timeout.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"inventory-ledger/internal/core"
)

// SQLSTATE codes mapped to core.ErrLockTimeout.
const (
	sqlStateLockNotAvailable = "55P03"
	sqlStateDeadlock         = "40P01"
)

type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

var _ core.Store = (*Store)(nil)

// NewStore wraps pool. lockTimeout <= 0 leaves the server default in place.
func NewStore(pool *pgxpool.Pool, lockTimeout time.Duration) *Store {
	return &Store{pool: pool, lockTimeout: lockTimeout}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx core.Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapErr(err))
	}
	defer pgTx.Rollback(ctx)

	if s.lockTimeout > 0 {
		ms := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
		if _, err := pgTx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", ms); err != nil {
			return fmt.Errorf("failed to set lock_timeout: %w", err)
		}
	}

	if err := fn(ctx, &tx{tx: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapErr(err))
	}
	return nil
}

// mapErr turns lock waits that gave up into core.ErrLockTimeout.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == sqlStateLockNotAvailable || pgErr.Code == sqlStateDeadlock) {
		return fmt.Errorf("%s: %w", pgErr.Message, core.ErrLockTimeout)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%v: %w", err, core.ErrLockTimeout)
	}
	return err
}

// ── Non-locking reads ─────────────────────────────────────────────────────────

func (s *Store) FindInventoryLevel(ctx context.Context, key core.LevelKey) (*core.InventoryLevel, error) {
	lvl, err := scanLevel(s.pool.QueryRow(ctx, `
		SELECT `+levelColumns+`
		FROM inventory_levels
		WHERE tenant_id = $1 AND warehouse_id = $2 AND product_id = $3
	`, key.TenantID, key.WarehouseID, key.ProductID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query inventory level: %w", err)
	}
	return &lvl, nil
}

func (s *Store) ListInventoryLevels(ctx context.Context, tenantID, warehouseID uuid.UUID) ([]core.InventoryLevel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+levelColumns+`
		FROM inventory_levels
		WHERE tenant_id = $1 AND warehouse_id = $2 AND deleted_at IS NULL
		ORDER BY product_id
	`, tenantID, warehouseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query inventory levels: %w", err)
	}
	defer rows.Close()

	var levels []core.InventoryLevel
	for rows.Next() {
		lvl, err := scanLevel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan inventory level: %w", err)
		}
		levels = append(levels, lvl)
	}
	return levels, rows.Err()
}

func (s *Store) FindStockMoveByKey(ctx context.Context, tenantID uuid.UUID, key string) (*core.StockMove, error) {
	return findMoveByKey(ctx, s.pool, tenantID, key)
}

func (s *Store) FindStockMovesByReference(ctx context.Context, tenantID uuid.UUID, refType string, refID uuid.UUID) ([]core.StockMove, error) {
	return queryMoves(ctx, s.pool, `
		SELECT `+moveColumns+`
		FROM stock_moves
		WHERE tenant_id = $1 AND reference_type = $2 AND reference_id = $3
		ORDER BY created_at, move_id
	`, tenantID, refType, refID)
}

func (s *Store) FindStockMovesByLotSerial(ctx context.Context, tenantID, lotSerialID uuid.UUID) ([]core.StockMove, error) {
	return queryMoves(ctx, s.pool, `
		SELECT `+moveColumns+`
		FROM stock_moves
		WHERE tenant_id = $1 AND lot_serial_id = $2
		ORDER BY created_at, move_id
	`, tenantID, lotSerialID)
}

func (s *Store) ListCostLayers(ctx context.Context, key core.LevelKey) ([]core.CostLayer, error) {
	return queryLayers(ctx, s.pool, `
		SELECT `+layerColumns+`
		FROM cost_layers
		WHERE tenant_id = $1 AND warehouse_id = $2 AND product_id = $3 AND deleted_at IS NULL
		ORDER BY created_at, layer_id
	`, key.TenantID, key.WarehouseID, key.ProductID)
}

func (s *Store) FindAverageCost(ctx context.Context, key core.LevelKey) (*core.AverageCostRecord, error) {
	return findAverage(ctx, s.pool, key, "")
}

// ── Outbox relay ──────────────────────────────────────────────────────────────

// PendingEvents returns pending rows oldest first. limit <= 0 means no limit.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]core.OutboxEvent, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, event_type, event_data, status, created_at, updated_at
		FROM event_outbox
		WHERE status = 'pending'
		ORDER BY created_at, id
		LIMIT $1
	`, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	var events []core.OutboxEvent
	for rows.Next() {
		var ev core.OutboxEvent
		var status string
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.EventType, &ev.EventData, &status, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		ev.Status = core.OutboxStatus(status)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) MarkEventDelivered(ctx context.Context, id uuid.UUID) error {
	return s.setEventStatus(ctx, id, core.OutboxDelivered)
}

func (s *Store) MarkEventFailed(ctx context.Context, id uuid.UUID) error {
	return s.setEventStatus(ctx, id, core.OutboxFailed)
}

func (s *Store) setEventStatus(ctx context.Context, id uuid.UUID, status core.OutboxStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE event_outbox SET status = $2, updated_at = now() WHERE id = $1
	`, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to update outbox event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox event %s: %w", id, core.ErrNotFound)
	}
	return nil
}
