package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AuditFields is embedded in every mutable ledger entity.
type AuditFields struct {
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	DeletedBy *uuid.UUID `json:"deleted_by,omitempty"`
}

// Touch stamps UpdatedAt, and CreatedAt on first use.
func (a *AuditFields) Touch(now time.Time) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
}

// LevelKey identifies one InventoryLevel row and the cost records that share its scope.
type LevelKey struct {
	TenantID    uuid.UUID `json:"tenant_id"`
	WarehouseID uuid.UUID `json:"warehouse_id"`
	ProductID   uuid.UUID `json:"product_id"`
}

// Less orders keys so that multi-key operations always lock rows in the same order.
func (k LevelKey) Less(o LevelKey) bool {
	if c := compareUUID(k.TenantID, o.TenantID); c != 0 {
		return c < 0
	}
	if c := compareUUID(k.WarehouseID, o.WarehouseID); c != 0 {
		return c < 0
	}
	return compareUUID(k.ProductID, o.ProductID) < 0
}

func compareUUID(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// InventoryLevel is the materialized quantity pair for a LevelKey.
// Both quantities are never negative; AvailableQuantity excludes anything held by a reservation.
type InventoryLevel struct {
	LevelKey
	AvailableQuantity decimal.Decimal `json:"available_quantity"`
	ReservedQuantity  decimal.Decimal `json:"reserved_quantity"`
	AuditFields
}

// OnHand = AvailableQuantity + ReservedQuantity
func (l InventoryLevel) OnHand() decimal.Decimal {
	return l.AvailableQuantity.Add(l.ReservedQuantity)
}

// MoveType classifies a StockMove.
type MoveType string

const (
	MoveReceipt     MoveType = "receipt"
	MoveReserve     MoveType = "reserve"
	MoveRelease     MoveType = "release"
	MoveIssue       MoveType = "issue"
	MoveTransferOut MoveType = "transfer_out"
	MoveTransferIn  MoveType = "transfer_in"
	MoveAdjustment  MoveType = "adjustment"
	MoveCount       MoveType = "count"
	MoveReturn      MoveType = "return"
)

// StockMove is an immutable ledger fact. (TenantID, IdempotencyKey) is unique.
type StockMove struct {
	TenantID       uuid.UUID        `json:"tenant_id"`
	ID             uuid.UUID        `json:"id"`
	ProductID      uuid.UUID        `json:"product_id"`
	VariantID      *uuid.UUID       `json:"variant_id,omitempty"`
	WarehouseID    uuid.UUID        `json:"warehouse_id"`
	LocationID     *uuid.UUID       `json:"location_id,omitempty"`
	LotSerialID    *uuid.UUID       `json:"lot_serial_id,omitempty"`
	MoveType       MoveType         `json:"move_type"`
	QuantityDelta  decimal.Decimal  `json:"quantity_delta"`
	ReservedDelta  decimal.Decimal  `json:"reserved_delta"`
	ReferenceType  string           `json:"reference_type"`
	ReferenceID    uuid.UUID        `json:"reference_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	UnitCost       *decimal.Decimal `json:"unit_cost,omitempty"`
	TotalCost      *decimal.Decimal `json:"total_cost,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Key returns the LevelKey the move was applied to.
func (m StockMove) Key() LevelKey {
	return LevelKey{TenantID: m.TenantID, WarehouseID: m.WarehouseID, ProductID: m.ProductID}
}

// StockMoveInput is what callers hand to the MoveLedger; ID and CreatedAt are assigned on append.
type StockMoveInput struct {
	// ID is generated when Nil. Callers that need the id before appending (cost layers point
	// back at their receipt) set it themselves.
	ID             uuid.UUID
	Key            LevelKey
	VariantID      *uuid.UUID
	LocationID     *uuid.UUID
	LotSerialID    *uuid.UUID
	MoveType       MoveType
	QuantityDelta  decimal.Decimal
	ReservedDelta  decimal.Decimal
	ReferenceType  string
	ReferenceID    uuid.UUID
	IdempotencyKey string
	UnitCost       *decimal.Decimal
	// TotalCost defaults to UnitCost * |QuantityDelta|.
	TotalCost *decimal.Decimal
}

// DocumentRef points at the business document (receipt, delivery, transfer, ...) that triggered a move.
type DocumentRef struct {
	Type string    `json:"type"`
	ID   uuid.UUID `json:"id"`
}

// CostLayer is one FIFO acquisition layer. RemainingQuantity never exceeds OriginalQuantity;
// exhausted layers stay for audit.
type CostLayer struct {
	LevelKey
	LayerID           uuid.UUID       `json:"layer_id"`
	OriginalQuantity  decimal.Decimal `json:"original_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	UnitCost          decimal.Decimal `json:"unit_cost"`
	SourceMoveID      *uuid.UUID      `json:"source_move_id,omitempty"`
	AuditFields
}

// AverageCostRecord carries the running weighted-average (AVCO) or pinned (Standard) cost.
type AverageCostRecord struct {
	LevelKey
	QuantityOnHand   decimal.Decimal `json:"quantity_on_hand"`
	WeightedUnitCost decimal.Decimal `json:"weighted_unit_cost"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ValuationMethod is fixed per product (or tenant default) at setup time.
type ValuationMethod string

const (
	ValuationFIFO     ValuationMethod = "fifo"
	ValuationAVCO     ValuationMethod = "avco"
	ValuationStandard ValuationMethod = "standard"
)

// ParseValuationMethod accepts the stored spelling case-insensitively.
func ParseValuationMethod(s string) (ValuationMethod, error) {
	switch m := ValuationMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case ValuationFIFO, ValuationAVCO, ValuationStandard:
		return m, nil
	default:
		return "", ErrUnknownValuationMethod
	}
}

// UsesLayers reports whether outbound cost comes from FIFO layers.
func (v ValuationMethod) UsesLayers() bool {
	return v == ValuationFIFO
}

// ValuationSetting selects the costing method. ProductID nil means tenant default.
type ValuationSetting struct {
	TenantID     uuid.UUID        `json:"tenant_id"`
	ProductID    *uuid.UUID       `json:"product_id,omitempty"`
	Method       ValuationMethod  `json:"method"`
	StandardCost *decimal.Decimal `json:"standard_cost,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// LotTrackingType distinguishes batch lots from individually serialized units.
type LotTrackingType string

const (
	TrackingLot    LotTrackingType = "lot"
	TrackingSerial LotTrackingType = "serial"
)

// LotStatus of a lot/serial record.
type LotStatus string

const (
	LotActive      LotStatus = "active"
	LotQuarantined LotStatus = "quarantined"
	LotConsumed    LotStatus = "consumed"
)

// LotSerial is owned by the lot-tracking consumer; the ledger only adjusts RemainingQuantity.
type LotSerial struct {
	TenantID          uuid.UUID       `json:"tenant_id"`
	ID                uuid.UUID       `json:"id"`
	ProductID         uuid.UUID       `json:"product_id"`
	WarehouseID       uuid.UUID       `json:"warehouse_id"`
	TrackingType      LotTrackingType `json:"tracking_type"`
	LotNumber         string          `json:"lot_number"`
	SerialNumber      *string         `json:"serial_number,omitempty"`
	InitialQuantity   decimal.Decimal `json:"initial_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	ExpiryDate        *time.Time      `json:"expiry_date,omitempty"`
	Status            LotStatus       `json:"status"`
	AuditFields
}

// Pickable reports whether the lot can be picked at asOf.
func (l LotSerial) Pickable(asOf time.Time) bool {
	if l.Status != LotActive || l.DeletedAt != nil || !l.RemainingQuantity.IsPositive() {
		return false
	}
	return l.ExpiryDate == nil || l.ExpiryDate.After(asOf)
}

// OutboxStatus of an outbox row.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxDelivered OutboxStatus = "delivered"
	OutboxFailed    OutboxStatus = "failed"
)

// OutboxEvent is written in the same transaction as the ledger change it describes.
type OutboxEvent struct {
	ID        uuid.UUID    `json:"id"`
	TenantID  uuid.UUID    `json:"tenant_id"`
	EventType string       `json:"event_type"`
	EventData []byte       `json:"event_data"`
	Status    OutboxStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}
