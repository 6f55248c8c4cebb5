package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types written to event_outbox.
const (
	EventStockReceived       = "inventory.stock.received"
	EventStockReserved       = "inventory.stock.reserved"
	EventReservationReleased = "inventory.reservation.released"
	EventStockIssued         = "inventory.stock.issued"
	EventStockTransferred    = "inventory.stock.transferred"
	EventStockAdjusted       = "inventory.stock.adjusted"
	EventStockCounted        = "inventory.stock.counted"
	EventReturnReceived      = "inventory.return.received"
)

// Outbox writes domain events in the caller's transaction so they commit or roll back with the
// ledger change. A separate relay reads pending rows and publishes them.
type Outbox struct {
	store Store
	now   func() time.Time
}

func NewOutbox(store Store, now func() time.Time) *Outbox {
	if now == nil {
		now = time.Now
	}
	return &Outbox{store: store, now: now}
}

func (o *Outbox) InsertEventInTx(ctx context.Context, tx Tx, tenantID uuid.UUID, eventType string, data any) (uuid.UUID, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to generate event id: %w", err)
	}
	now := o.now().UTC()
	ev := OutboxEvent{
		ID:        id,
		TenantID:  tenantID,
		EventType: eventType,
		EventData: payload,
		Status:    OutboxPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.InsertOutboxEvent(ctx, ev); err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return id, nil
}

// Pending returns up to limit pending events, oldest first.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return o.store.PendingEvents(ctx, limit)
}

func (o *Outbox) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	return o.store.MarkEventDelivered(ctx, id)
}

func (o *Outbox) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return o.store.MarkEventFailed(ctx, id)
}

// StockEvent is the payload of every inventory.* event.
type StockEvent struct {
	TenantID       uuid.UUID   `json:"tenant_id"`
	MoveIDs        []uuid.UUID `json:"move_ids"`
	ProductID      uuid.UUID   `json:"product_id"`
	WarehouseID    uuid.UUID   `json:"warehouse_id"`
	ToWarehouseID  *uuid.UUID  `json:"to_warehouse_id,omitempty"`
	LotSerialIDs   []uuid.UUID `json:"lot_serial_ids,omitempty"`
	Quantity       string      `json:"quantity"`
	UnitCost       string      `json:"unit_cost,omitempty"`
	ExtendedCost   string      `json:"extended_cost,omitempty"`
	ReferenceType  string      `json:"reference_type"`
	ReferenceID    uuid.UUID   `json:"reference_id"`
	IdempotencyKey string      `json:"idempotency_key"`
	OccurredAt     time.Time   `json:"occurred_at"`
}
