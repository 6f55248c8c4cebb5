package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxIdempotencyKeyLen = 255

// AppendResult reports the id of the move under the given key and whether this call created it.
type AppendResult struct {
	MoveID  uuid.UUID
	Created bool
}

// MoveLedger is the append-only record of stock moves. It never computes cost.
type MoveLedger struct {
	store Store
	now   func() time.Time
}

func NewMoveLedger(store Store, now func() time.Time) *MoveLedger {
	if now == nil {
		now = time.Now
	}
	return &MoveLedger{store: store, now: now}
}

// Append records a move inside tx. If (tenant, key) already exists nothing is written and the
// existing move id is returned with Created=false.
func (l *MoveLedger) Append(ctx context.Context, tx Tx, in StockMoveInput) (AppendResult, error) {
	if err := validateMoveInput(in); err != nil {
		return AppendResult{}, err
	}

	id := in.ID
	if id == uuid.Nil {
		var err error
		if id, err = uuid.NewV7(); err != nil {
			return AppendResult{}, fmt.Errorf("failed to generate move id: %w", err)
		}
	}
	m := StockMove{
		TenantID:       in.Key.TenantID,
		ID:             id,
		ProductID:      in.Key.ProductID,
		VariantID:      in.VariantID,
		WarehouseID:    in.Key.WarehouseID,
		LocationID:     in.LocationID,
		LotSerialID:    in.LotSerialID,
		MoveType:       in.MoveType,
		QuantityDelta:  in.QuantityDelta,
		ReservedDelta:  in.ReservedDelta,
		ReferenceType:  in.ReferenceType,
		ReferenceID:    in.ReferenceID,
		IdempotencyKey: in.IdempotencyKey,
		UnitCost:       in.UnitCost,
		CreatedAt:      l.now().UTC(),
	}
	switch {
	case in.TotalCost != nil:
		m.TotalCost = in.TotalCost
	case in.UnitCost != nil:
		total := in.UnitCost.Mul(in.QuantityDelta.Abs()).Round(costScale)
		m.TotalCost = &total
	}

	created, err := tx.InsertStockMove(ctx, m)
	if err != nil {
		return AppendResult{}, fmt.Errorf("failed to insert stock move: %w", err)
	}
	if created {
		return AppendResult{MoveID: id, Created: true}, nil
	}

	existing, err := tx.GetStockMoveByKey(ctx, in.Key.TenantID, in.IdempotencyKey)
	if err != nil {
		return AppendResult{}, fmt.Errorf("failed to load existing stock move: %w", err)
	}
	if existing == nil {
		return AppendResult{}, fmt.Errorf("stock move %q conflicted but was not found: %w", in.IdempotencyKey, ErrNotFound)
	}
	return AppendResult{MoveID: existing.ID, Created: false}, nil
}

// FindByKey looks up a move inside tx. Returns nil when none exists.
func (l *MoveLedger) FindByKey(ctx context.Context, tx Tx, tenantID uuid.UUID, key string) (*StockMove, error) {
	m, err := tx.GetStockMoveByKey(ctx, tenantID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to find stock move by key: %w", err)
	}
	return m, nil
}

// FindByReference returns all moves for a business document, oldest first.
func (l *MoveLedger) FindByReference(ctx context.Context, tenantID uuid.UUID, refType string, refID uuid.UUID) ([]StockMove, error) {
	moves, err := l.store.FindStockMovesByReference(ctx, tenantID, refType, refID)
	if err != nil {
		return nil, fmt.Errorf("failed to find stock moves by reference: %w", err)
	}
	return moves, nil
}

// FindByLotSerial returns all moves touching a lot or serial, oldest first.
func (l *MoveLedger) FindByLotSerial(ctx context.Context, tenantID, lotSerialID uuid.UUID) ([]StockMove, error) {
	moves, err := l.store.FindStockMovesByLotSerial(ctx, tenantID, lotSerialID)
	if err != nil {
		return nil, fmt.Errorf("failed to find stock moves by lot: %w", err)
	}
	return moves, nil
}

func validateMoveInput(in StockMoveInput) error {
	if err := validateKey(in.Key); err != nil {
		return err
	}
	if in.IdempotencyKey == "" || len(in.IdempotencyKey) > maxIdempotencyKeyLen {
		return fmt.Errorf("idempotency key must be 1-%d characters: %w", maxIdempotencyKeyLen, ErrInvalidInput)
	}
	if in.ReferenceType == "" {
		return fmt.Errorf("reference type is required: %w", ErrInvalidInput)
	}
	if in.MoveType == "" {
		return fmt.Errorf("move type is required: %w", ErrInvalidInput)
	}
	return nil
}

func validateKey(k LevelKey) error {
	switch uuid.Nil {
	case k.TenantID:
		return fmt.Errorf("tenant id is required: %w", ErrInvalidInput)
	case k.WarehouseID:
		return fmt.Errorf("warehouse id is required: %w", ErrInvalidInput)
	case k.ProductID:
		return fmt.Errorf("product id is required: %w", ErrInvalidInput)
	}
	return nil
}
