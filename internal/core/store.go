package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is the persistence boundary of the ledger. Two variants exist: Postgres for production
// and an in-memory one for tests. Writes only happen through the Tx handed to WithinTx.
type Store interface {
	// WithinTx runs fn in one transaction. A non-nil error from fn rolls everything back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Non-locking reads.
	FindInventoryLevel(ctx context.Context, key LevelKey) (*InventoryLevel, error)
	ListInventoryLevels(ctx context.Context, tenantID, warehouseID uuid.UUID) ([]InventoryLevel, error)
	FindStockMoveByKey(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) (*StockMove, error)
	FindStockMovesByReference(ctx context.Context, tenantID uuid.UUID, refType string, refID uuid.UUID) ([]StockMove, error)
	FindStockMovesByLotSerial(ctx context.Context, tenantID, lotSerialID uuid.UUID) ([]StockMove, error)
	ListCostLayers(ctx context.Context, key LevelKey) ([]CostLayer, error)
	FindAverageCost(ctx context.Context, key LevelKey) (*AverageCostRecord, error)

	// Outbox relay contract.
	PendingEvents(ctx context.Context, limit int) ([]OutboxEvent, error)
	MarkEventDelivered(ctx context.Context, id uuid.UUID) error
	MarkEventFailed(ctx context.Context, id uuid.UUID) error
}

// Tx is a single open transaction. Every Lock* method holds the returned rows until commit or rollback.
type Tx interface {
	// Stock moves. InsertStockMove reports created=false when (tenant, key) already exists.
	InsertStockMove(ctx context.Context, m StockMove) (created bool, err error)
	GetStockMoveByKey(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) (*StockMove, error)

	// Inventory levels. LockInventoryLevel creates a zero row when none exists.
	LockInventoryLevel(ctx context.Context, key LevelKey, now time.Time) (InventoryLevel, error)
	UpdateInventoryLevel(ctx context.Context, level InventoryLevel) error

	// FIFO layers. LockOpenCostLayers returns layers with remaining > 0, oldest first.
	InsertCostLayer(ctx context.Context, layer CostLayer) error
	LockOpenCostLayers(ctx context.Context, key LevelKey) ([]CostLayer, error)
	UpdateCostLayerRemaining(ctx context.Context, layerID uuid.UUID, remaining decimal.Decimal, now time.Time) error
	LatestCostLayer(ctx context.Context, key LevelKey) (*CostLayer, error)

	// AVCO / Standard records. LockAverageCost returns nil when none exists.
	LockAverageCost(ctx context.Context, key LevelKey) (*AverageCostRecord, error)
	SaveAverageCost(ctx context.Context, rec AverageCostRecord) error

	// Valuation settings. productID nil selects the tenant default.
	GetValuationSetting(ctx context.Context, tenantID uuid.UUID, productID *uuid.UUID) (*ValuationSetting, error)
	SaveValuationSetting(ctx context.Context, s ValuationSetting) error

	// Lots and serial numbers.
	InsertLot(ctx context.Context, lot LotSerial) error
	LockLots(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]LotSerial, error)
	LockLotsForPicking(ctx context.Context, tenantID, productID, warehouseID uuid.UUID, asOf time.Time) ([]LotSerial, error)
	UpdateLot(ctx context.Context, lot LotSerial) error

	InsertOutboxEvent(ctx context.Context, ev OutboxEvent) error
}
