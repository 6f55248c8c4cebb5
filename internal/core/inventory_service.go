package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"inventory-ledger/internal/metrics"
)

// InventoryService runs the business operations of the ledger. Every mutating operation runs in
// one transaction, is keyed by a caller-supplied idempotency key, and is retried on lock timeouts.
type InventoryService interface {
	// Receive books goods into a warehouse (purchase receipt, production output).
	Receive(ctx context.Context, req ReceiveRequest) (MoveResult, error)
	// ReceiveLines books a multi-line receipt after spreading landed charges over its lines.
	ReceiveLines(ctx context.Context, req ReceiveLinesRequest) (MoveResult, error)
	Reserve(ctx context.Context, req ReserveRequest) (MoveResult, error)
	Release(ctx context.Context, req ReserveRequest) (MoveResult, error)
	// Issue ships reserved stock and costs it.
	Issue(ctx context.Context, req IssueRequest) (MoveResult, error)
	Transfer(ctx context.Context, req TransferRequest) (MoveResult, error)
	// Adjust applies a signed correction to available stock.
	Adjust(ctx context.Context, req AdjustRequest) (MoveResult, error)
	// ReconcileCount books the difference between a physical count and on-hand.
	ReconcileCount(ctx context.Context, req CountRequest) (MoveResult, error)
	ReceiveReturn(ctx context.Context, req ReturnRequest) (MoveResult, error)

	// Reads and setup.
	GetLevel(ctx context.Context, key LevelKey) (*InventoryLevel, error)
	ListLevels(ctx context.Context, tenantID, warehouseID uuid.UUID) ([]InventoryLevel, error)
	MovesByReference(ctx context.Context, tenantID uuid.UUID, ref DocumentRef) ([]StockMove, error)
	MovesByLotSerial(ctx context.Context, tenantID, lotSerialID uuid.UUID) ([]StockMove, error)
	CostLayers(ctx context.Context, key LevelKey) ([]CostLayer, error)
	AverageCost(ctx context.Context, key LevelKey) (*AverageCostRecord, error)
	SetValuationSetting(ctx context.Context, setting ValuationSetting) (ValuationSetting, error)
}

// ── Requests and results ──────────────────────────────────────────────────────

// LotInput describes a new lot or serial created by a receipt.
type LotInput struct {
	TrackingType LotTrackingType `json:"tracking_type"`
	LotNumber    string          `json:"lot_number"`
	SerialNumber *string         `json:"serial_number,omitempty"`
	ExpiryDate   *time.Time      `json:"expiry_date,omitempty"`
}

type ReceiveRequest struct {
	TenantID    uuid.UUID       `json:"tenant_id"`
	WarehouseID uuid.UUID       `json:"warehouse_id"`
	ProductID   uuid.UUID       `json:"product_id"`
	VariantID   *uuid.UUID      `json:"variant_id,omitempty"`
	LocationID  *uuid.UUID      `json:"location_id,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	// Lot creates a new lot for the received quantity. LotSerialID restocks an existing one.
	Lot            *LotInput   `json:"lot,omitempty"`
	LotSerialID    *uuid.UUID  `json:"lot_serial_id,omitempty"`
	Reference      DocumentRef `json:"reference"`
	IdempotencyKey string      `json:"idempotency_key"`
}

type ReceiveLinesRequest struct {
	TenantID       uuid.UUID      `json:"tenant_id"`
	WarehouseID    uuid.UUID      `json:"warehouse_id"`
	Lines          []ReceiptLine  `json:"lines"`
	Charges        []LandedCharge `json:"charges,omitempty"`
	Reference      DocumentRef    `json:"reference"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// ReserveRequest is used for both Reserve and Release.
type ReserveRequest struct {
	TenantID       uuid.UUID       `json:"tenant_id"`
	WarehouseID    uuid.UUID       `json:"warehouse_id"`
	ProductID      uuid.UUID       `json:"product_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	Reference      DocumentRef     `json:"reference"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type IssueRequest struct {
	TenantID    uuid.UUID       `json:"tenant_id"`
	WarehouseID uuid.UUID       `json:"warehouse_id"`
	ProductID   uuid.UUID       `json:"product_id"`
	LocationID  *uuid.UUID      `json:"location_id,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	// LotSerialIDs picks the listed lots or serials in order. When empty and PickFEFO is set,
	// lots are chosen first-expired-first-out.
	LotSerialIDs   []uuid.UUID `json:"lot_serial_ids,omitempty"`
	PickFEFO       bool        `json:"pick_fefo,omitempty"`
	Reference      DocumentRef `json:"reference"`
	IdempotencyKey string      `json:"idempotency_key"`
}

type TransferRequest struct {
	TenantID        uuid.UUID       `json:"tenant_id"`
	FromWarehouseID uuid.UUID       `json:"from_warehouse_id"`
	ToWarehouseID   uuid.UUID       `json:"to_warehouse_id"`
	ProductID       uuid.UUID       `json:"product_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	Reference       DocumentRef     `json:"reference"`
	IdempotencyKey  string          `json:"idempotency_key"`
}

type AdjustRequest struct {
	TenantID    uuid.UUID `json:"tenant_id"`
	WarehouseID uuid.UUID `json:"warehouse_id"`
	ProductID   uuid.UUID `json:"product_id"`
	// Quantity is signed: positive adds stock, negative writes it off.
	Quantity decimal.Decimal `json:"quantity"`
	// UnitCost prices a positive adjustment. Defaults to the current unit cost.
	UnitCost       *decimal.Decimal `json:"unit_cost,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	Reference      DocumentRef      `json:"reference"`
	IdempotencyKey string           `json:"idempotency_key"`
}

type CountRequest struct {
	TenantID        uuid.UUID       `json:"tenant_id"`
	WarehouseID     uuid.UUID       `json:"warehouse_id"`
	ProductID       uuid.UUID       `json:"product_id"`
	CountedQuantity decimal.Decimal `json:"counted_quantity"`
	Reference       DocumentRef     `json:"reference"`
	IdempotencyKey  string          `json:"idempotency_key"`
}

type ReturnRequest struct {
	TenantID       uuid.UUID       `json:"tenant_id"`
	WarehouseID    uuid.UUID       `json:"warehouse_id"`
	ProductID      uuid.UUID       `json:"product_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	LotSerialID    *uuid.UUID      `json:"lot_serial_id,omitempty"`
	Reference      DocumentRef     `json:"reference"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// MoveResult describes the moves an operation wrote, or found when Duplicate is true.
type MoveResult struct {
	MoveIDs      []uuid.UUID     `json:"move_ids"`
	Duplicate    bool            `json:"duplicate"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	ExtendedCost decimal.Decimal `json:"extended_cost"`
	LotSerialIDs []uuid.UUID     `json:"lot_serial_ids,omitempty"`
	// Variance is set by ReconcileCount.
	Variance *decimal.Decimal `json:"variance,omitempty"`

	moveTypes []MoveType
	events    []string
}

// ── Service ───────────────────────────────────────────────────────────────────

// ServiceConfig tunes an InventoryService. Zero values pick defaults.
type ServiceConfig struct {
	DefaultMethod   ValuationMethod
	RetryMaxElapsed time.Duration
	Now             func() time.Time
}

type inventoryService struct {
	store        Store
	moves        *MoveLedger
	levels       *LevelAggregator
	valuation    *ValuationEngine
	reservations *ReservationCoordinator
	lots         *LotSelector
	outbox       *Outbox
	cfg          ServiceConfig
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// errReplayed aborts a transaction whose final append found the key already taken.
var errReplayed = errors.New("inventory: idempotency key replayed")

func NewInventoryService(store Store, cfg ServiceConfig, logger *slog.Logger, m *metrics.Metrics) InventoryService {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RetryMaxElapsed <= 0 {
		cfg.RetryMaxElapsed = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	levels := NewLevelAggregator(store, cfg.Now)
	valuation := NewValuationEngine(store, cfg.DefaultMethod, cfg.Now)
	return &inventoryService{
		store:        store,
		moves:        NewMoveLedger(store, cfg.Now),
		levels:       levels,
		valuation:    valuation,
		reservations: NewReservationCoordinator(levels, valuation),
		lots:         NewLotSelector(cfg.Now),
		outbox:       NewOutbox(store, cfg.Now),
		cfg:          cfg,
		logger:       logger.With("component", "inventory"),
		metrics:      m,
	}
}

// run executes fn in a transaction, retrying on lock timeouts with the same idempotency key.
func (s *inventoryService) run(ctx context.Context, op string, tenantID uuid.UUID, key string,
	fn func(ctx context.Context, tx Tx) (MoveResult, error)) (MoveResult, error) {
	start := time.Now()
	var res MoveResult

	attempt := func() error {
		res = MoveResult{}
		err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			r, err := fn(ctx, tx)
			if err != nil {
				return err
			}
			res = r
			return nil
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrLockTimeout):
			s.metrics.RecordLockTimeout(op)
			s.logger.WarnContext(ctx, "lock timeout, retrying", "operation", op, "tenant_id", tenantID, "idempotency_key", key)
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = s.cfg.RetryMaxElapsed
	err := backoff.Retry(attempt, backoff.WithContext(b, ctx))

	if errors.Is(err, errReplayed) {
		res, err = s.priorResult(ctx, s.store.FindStockMoveByKey, tenantID, key)
		if err == nil && len(res.MoveIDs) == 0 {
			err = fmt.Errorf("replayed key %q has no moves: %w", key, ErrNotFound)
		}
	}

	status := "ok"
	switch {
	case err != nil:
		status = "error"
		s.logFailure(ctx, op, tenantID, key, err)
	case res.Duplicate:
		status = "duplicate"
		s.metrics.RecordDuplicate(op)
		s.logger.InfoContext(ctx, "idempotent replay", "operation", op, "tenant_id", tenantID, "idempotency_key", key)
	default:
		for _, mt := range res.moveTypes {
			s.metrics.RecordMove(string(mt))
		}
		for _, ev := range res.events {
			s.metrics.RecordOutboxEvent(ev)
		}
		s.logger.InfoContext(ctx, "operation applied",
			"operation", op, "tenant_id", tenantID, "idempotency_key", key,
			"moves", len(res.MoveIDs), "quantity", res.Quantity.String())
	}
	s.metrics.ObserveOperation(op, status, time.Since(start))
	return res, err
}

func (s *inventoryService) logFailure(ctx context.Context, op string, tenantID uuid.UUID, key string, err error) {
	attrs := []any{"operation", op, "tenant_id", tenantID, "idempotency_key", key, "error", err}
	switch {
	case errors.Is(err, ErrNegativeQuantity):
		s.metrics.RecordConsistencyFault(op, "negative_quantity")
		s.logger.ErrorContext(ctx, "consistency fault", attrs...)
	case errors.Is(err, ErrInsufficientCostBasis):
		s.metrics.RecordConsistencyFault(op, "insufficient_cost_basis")
		s.logger.ErrorContext(ctx, "consistency fault", attrs...)
	case errors.Is(err, ErrLockTimeout):
		s.logger.ErrorContext(ctx, "lock timeout, retries exhausted", attrs...)
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrValuationMethodMismatch):
		s.logger.InfoContext(ctx, "operation rejected", attrs...)
	default:
		s.logger.ErrorContext(ctx, "operation failed", attrs...)
	}
}

type moveLookup func(ctx context.Context, tenantID uuid.UUID, key string) (*StockMove, error)

// priorResult rebuilds the result of an operation from the moves recorded under key and its
// derived keys (key:in for transfers, key:N for multi-move operations).
func (s *inventoryService) priorResult(ctx context.Context, find moveLookup, tenantID uuid.UUID, key string) (MoveResult, error) {
	first, err := find(ctx, tenantID, key)
	if err != nil {
		return MoveResult{}, fmt.Errorf("failed to load prior move: %w", err)
	}
	if first == nil {
		return MoveResult{}, nil
	}
	found := []StockMove{*first}
	if in, err := find(ctx, tenantID, transferInKey(key)); err != nil {
		return MoveResult{}, fmt.Errorf("failed to load prior move: %w", err)
	} else if in != nil {
		found = append(found, *in)
	}
	for i := 1; ; i++ {
		m, err := find(ctx, tenantID, lineKey(key, i))
		if err != nil {
			return MoveResult{}, fmt.Errorf("failed to load prior move: %w", err)
		}
		if m == nil {
			break
		}
		found = append(found, *m)
	}

	res := MoveResult{Duplicate: true, Quantity: decimal.Zero, ExtendedCost: decimal.Zero}
	if first.UnitCost != nil {
		res.UnitCost = *first.UnitCost
	}
	for _, m := range found {
		res.MoveIDs = append(res.MoveIDs, m.ID)
		if m.LotSerialID != nil {
			res.LotSerialIDs = append(res.LotSerialIDs, *m.LotSerialID)
		}
		if m.MoveType == MoveTransferIn {
			continue
		}
		qty := m.QuantityDelta.Abs()
		if qty.IsZero() {
			qty = m.ReservedDelta.Abs()
		}
		res.Quantity = res.Quantity.Add(qty)
		if m.TotalCost != nil {
			res.ExtendedCost = res.ExtendedCost.Add(*m.TotalCost)
		}
	}
	if first.MoveType == MoveCount {
		v := first.QuantityDelta
		res.Variance = &v
	}
	return res, nil
}

// checkReplay returns the prior result inside tx, after the level rows are locked.
func (s *inventoryService) checkReplay(ctx context.Context, tx Tx, tenantID uuid.UUID, key string) (MoveResult, bool, error) {
	res, err := s.priorResult(ctx, tx.GetStockMoveByKey, tenantID, key)
	if err != nil {
		return MoveResult{}, false, err
	}
	return res, res.Duplicate, nil
}

func (s *inventoryService) append(ctx context.Context, tx Tx, res *MoveResult, in StockMoveInput) (uuid.UUID, error) {
	ar, err := s.moves.Append(ctx, tx, in)
	if err != nil {
		return uuid.Nil, err
	}
	if !ar.Created {
		return uuid.Nil, errReplayed
	}
	res.MoveIDs = append(res.MoveIDs, ar.MoveID)
	res.moveTypes = append(res.moveTypes, in.MoveType)
	return ar.MoveID, nil
}

func (s *inventoryService) emit(ctx context.Context, tx Tx, res *MoveResult, tenantID uuid.UUID, eventType string, ev StockEvent) error {
	ev.TenantID = tenantID
	ev.MoveIDs = res.MoveIDs
	ev.LotSerialIDs = res.LotSerialIDs
	ev.Quantity = res.Quantity.String()
	if !res.UnitCost.IsZero() || !res.ExtendedCost.IsZero() {
		ev.UnitCost = res.UnitCost.String()
		ev.ExtendedCost = res.ExtendedCost.String()
	}
	ev.OccurredAt = s.cfg.Now().UTC()
	if _, err := s.outbox.InsertEventInTx(ctx, tx, tenantID, eventType, ev); err != nil {
		return err
	}
	res.events = append(res.events, eventType)
	return nil
}

// lockLevels locks every distinct key in a fixed order.
func (s *inventoryService) lockLevels(ctx context.Context, tx Tx, keys ...LevelKey) (map[LevelKey]InventoryLevel, error) {
	uniq := make([]LevelKey, 0, len(keys))
	seen := make(map[LevelKey]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			uniq = append(uniq, k)
		}
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i].Less(uniq[j]) })

	out := make(map[LevelKey]InventoryLevel, len(uniq))
	for _, k := range uniq {
		lvl, err := s.levels.Lock(ctx, tx, k)
		if err != nil {
			return nil, err
		}
		out[k] = lvl
	}
	return out, nil
}

func transferInKey(key string) string { return key + ":in" }

func lineKey(key string, i int) string {
	if i == 0 {
		return key
	}
	return fmt.Sprintf("%s:%d", key, i)
}

func validateOp(key LevelKey, ref DocumentRef, idempotencyKey string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if ref.Type == "" {
		return fmt.Errorf("reference type is required: %w", ErrInvalidInput)
	}
	// Derived keys (":in", ":N") must still fit.
	if idempotencyKey == "" || len(idempotencyKey) > maxIdempotencyKeyLen-8 {
		return fmt.Errorf("idempotency key must be 1-%d characters: %w", maxIdempotencyKeyLen-8, ErrInvalidInput)
	}
	return nil
}

func positive(q decimal.Decimal, what string) error {
	if !q.IsPositive() {
		return fmt.Errorf("%s must be positive: %w", what, ErrInvalidInput)
	}
	return nil
}

// ── Inbound ───────────────────────────────────────────────────────────────────

type inbound struct {
	key         LevelKey
	variantID   *uuid.UUID
	locationID  *uuid.UUID
	moveType    MoveType
	qty         decimal.Decimal
	unitCost    decimal.Decimal
	lot         *LotInput
	lotSerialID *uuid.UUID
	ref         DocumentRef
	moveKey     string
}

// bookInbound resolves the lot, then values, levels and records one inbound move. The level row must already be locked.
func (s *inventoryService) bookInbound(ctx context.Context, tx Tx, res *MoveResult, setting ValuationSetting, in inbound) (decimal.Decimal, error) {
	lotID := in.lotSerialID
	switch {
	case in.lot != nil:
		lot, err := s.createLot(ctx, tx, in.key, in.qty, *in.lot)
		if err != nil {
			return decimal.Zero, err
		}
		lotID = &lot.ID
	case lotID != nil:
		if _, err := s.lots.Restock(ctx, tx, in.key, *lotID, in.qty); err != nil {
			return decimal.Zero, err
		}
	}
	if lotID != nil {
		res.LotSerialIDs = append(res.LotSerialIDs, *lotID)
	}

	moveID, err := uuid.NewV7()
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to generate move id: %w", err)
	}
	cost, err := s.valuation.Receive(ctx, tx, in.key, setting, in.qty, in.unitCost, &moveID)
	if err != nil {
		return decimal.Zero, err
	}
	if _, err := s.levels.Upsert(ctx, tx, in.key, in.qty, decimal.Zero); err != nil {
		return decimal.Zero, err
	}

	if _, err := s.append(ctx, tx, res, StockMoveInput{
		ID:             moveID,
		Key:            in.key,
		VariantID:      in.variantID,
		LocationID:     in.locationID,
		LotSerialID:    lotID,
		MoveType:       in.moveType,
		QuantityDelta:  in.qty,
		ReservedDelta:  decimal.Zero,
		ReferenceType:  in.ref.Type,
		ReferenceID:    in.ref.ID,
		IdempotencyKey: in.moveKey,
		UnitCost:       &cost,
	}); err != nil {
		return decimal.Zero, err
	}
	return cost, nil
}

func (s *inventoryService) createLot(ctx context.Context, tx Tx, key LevelKey, qty decimal.Decimal, in LotInput) (LotSerial, error) {
	if in.LotNumber == "" {
		return LotSerial{}, fmt.Errorf("lot number is required: %w", ErrInvalidInput)
	}
	tracking := in.TrackingType
	if tracking == "" {
		tracking = TrackingLot
	}
	switch tracking {
	case TrackingLot:
	case TrackingSerial:
		if in.SerialNumber == nil || *in.SerialNumber == "" {
			return LotSerial{}, fmt.Errorf("serial number is required: %w", ErrInvalidInput)
		}
		if !qty.Equal(decimal.NewFromInt(1)) {
			return LotSerial{}, fmt.Errorf("a serial covers exactly one unit, got %s: %w", qty, ErrInvalidInput)
		}
	default:
		return LotSerial{}, fmt.Errorf("tracking type %q: %w", tracking, ErrInvalidInput)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return LotSerial{}, fmt.Errorf("failed to generate lot id: %w", err)
	}
	lot := LotSerial{
		TenantID:          key.TenantID,
		ID:                id,
		ProductID:         key.ProductID,
		WarehouseID:       key.WarehouseID,
		TrackingType:      tracking,
		LotNumber:         in.LotNumber,
		SerialNumber:      in.SerialNumber,
		InitialQuantity:   qty,
		RemainingQuantity: qty,
		ExpiryDate:        in.ExpiryDate,
		Status:            LotActive,
	}
	lot.Touch(s.cfg.Now().UTC())
	if err := tx.InsertLot(ctx, lot); err != nil {
		return LotSerial{}, fmt.Errorf("failed to insert lot: %w", err)
	}
	return lot, nil
}

func (s *inventoryService) Receive(ctx context.Context, req ReceiveRequest) (MoveResult, error) {
	key := LevelKey{TenantID: req.TenantID, WarehouseID: req.WarehouseID, ProductID: req.ProductID}
	if err := validateOp(key, req.Reference, req.IdempotencyKey); err != nil {
		return MoveResult{}, err
	}
	if err := positive(req.Quantity, "quantity"); err != nil {
		return MoveResult{}, err
	}
	if req.Lot != nil && req.LotSerialID != nil {
		return MoveResult{}, fmt.Errorf("lot and lot_serial_id are mutually exclusive: %w", ErrInvalidInput)
	}

	return s.run(ctx, "receive", req.TenantID, req.IdempotencyKey, func(ctx context.Context, tx Tx) (MoveResult, error) {
		if _, err := s.lockLevels(ctx, tx, key); err != nil {
			return MoveResult{}, err
		}
		if prior, dup, err := s.checkReplay(ctx, tx, req.TenantID, req.IdempotencyKey); err != nil || dup {
			return prior, err
		}
		setting, err := s.valuation.ResolveMethod(ctx, tx, req.TenantID, req.ProductID)
		if err != nil {
			return MoveResult{}, err
		}

		var res MoveResult
		cost, err := s.bookInbound(ctx, tx, &res, setting, inbound{
			key: key, variantID: req.VariantID, locationID: req.LocationID,
			moveType: MoveReceipt, qty: req.Quantity, unitCost: req.UnitCost,
			lot: req.Lot, lotSerialID: req.LotSerialID,
			ref: req.Reference, moveKey: req.IdempotencyKey,
		})
		if err != nil {
			return MoveResult{}, err
		}
		res.Quantity = req.Quantity
		res.UnitCost = cost
		res.ExtendedCost = cost.Mul(req.Quantity).Round(costScale)

		err = s.emit(ctx, tx, &res, req.TenantID, EventStockReceived, StockEvent{
			ProductID: req.ProductID, WarehouseID: req.WarehouseID,
			ReferenceType: req.Reference.Type, ReferenceID: req.Reference.ID, IdempotencyKey: req.IdempotencyKey,
		})
		return res, err
	})
}

func (s *inventoryService) ReceiveLines(ctx context.Context, req ReceiveLinesRequest) (MoveResult, error) {
	if len(req.Lines) == 0 {
		return MoveResult{}, fmt.Errorf("receipt has no lines: %w", ErrInvalidInput)
	}
	keys := make([]LevelKey, len(req.Lines))
	for i, l := range req.Lines {
		keys[i] = LevelKey{TenantID: req.TenantID, WarehouseID: req.WarehouseID, ProductID: l.ProductID}
		if err := validateOp(keys[i], req.Reference, req.IdempotencyKey); err != nil {
			return MoveResult{}, fmt.Errorf("line %d: %w", i, err)
		}
	}
	lines, err := AllocateLandedCost(req.Lines, req.Charges)
	if err != nil {
		return MoveResult{}, err
	}

	return s.run(ctx, "receive_lines", req.TenantID, req.IdempotencyKey, func(ctx context.Context, tx Tx) (MoveResult, error) {
		if _, err := s.lockLevels(ctx, tx, keys...); err != nil {
			return MoveResult{}, err
		}
		if prior, dup, err := s.checkReplay(ctx, tx, req.TenantID, req.IdempotencyKey); err != nil || dup {
			return prior, err
		}

		res := MoveResult{Quantity: decimal.Zero, ExtendedCost: decimal.Zero}
		costs := make([]decimal.Decimal, len(lines))
		for i, line := range lines {
			setting, err := s.valuation.ResolveMethod(ctx, tx, req.TenantID, line.ProductID)
			if err != nil {
				return MoveResult{}, err
			}
			cost, err := s.bookInbound(ctx, tx, &res, setting, inbound{
				key: keys[i], moveType: MoveReceipt, qty: line.Quantity, unitCost: line.UnitCost,
				lotSerialID: line.LotSerialID, ref: req.Reference, moveKey: lineKey(req.IdempotencyKey, i),
			})
			if err != nil {
				return MoveResult{}, fmt.Errorf("line %d: %w", i, err)
			}
			costs[i] = cost
			res.Quantity = res.Quantity.Add(line.Quantity)
			res.ExtendedCost = res.ExtendedCost.Add(cost.Mul(line.Quantity).Round(costScale))
		}
		res.UnitCost = res.ExtendedCost.DivRound(res.Quantity, costScale)

		for i, line := range lines {
			lineRes := MoveResult{
				MoveIDs:      []uuid.UUID{res.MoveIDs[i]},
				Quantity:     line.Quantity,
				UnitCost:     costs[i],
				ExtendedCost: costs[i].Mul(line.Quantity).Round(costScale),
			}
			if line.LotSerialID != nil {
				lineRes.LotSerialIDs = []uuid.UUID{*line.LotSerialID}
			}
			if err := s.emit(ctx, tx, &lineRes, req.TenantID, EventStockReceived, StockEvent{
				ProductID: line.ProductID, WarehouseID: req.WarehouseID,
				ReferenceType: req.Reference.Type, ReferenceID: req.Reference.ID, IdempotencyKey: lineKey(req.IdempotencyKey, i),
			}); err != nil {
				return MoveResult{}, err
			}
			res.events = append(res.events, lineRes.events...)
		}
		return res, nil
	})
}

func (s *inventoryService) ReceiveReturn(ctx context.Context, req ReturnRequest) (MoveResult, error) {
	key := LevelKey{TenantID: req.TenantID, WarehouseID: req.WarehouseID, ProductID: req.ProductID}
	if err := validateOp(key, req.Reference, req.IdempotencyKey); err != nil {
		return MoveResult{}, err
	}
	if err := positive(req.Quantity, "quantity"); err != nil {
		return MoveResult{}, err
	}

	return s.run(ctx, "receive_return", req.TenantID, req.IdempotencyKey, func(ctx context.Context, tx Tx) (MoveResult, error) {
		if _, err := s.lockLevels(ctx, tx, key); err != nil {
			return MoveResult{}, err
		}
		if prior, dup, err := s.checkReplay(ctx, tx, req.TenantID, req.IdempotencyKey); err != nil || dup {
			return prior, err
		}
		setting, err := s.valuation.ResolveMethod(ctx, tx, req.TenantID, req.ProductID)
		if err != nil {
			return MoveResult{}, err
		}

		var res MoveResult
		cost, err := s.bookInbound(ctx, tx, &res, setting, inbound{
			key: key, moveType: MoveReturn, qty: req.Quantity, unitCost: req.UnitCost,
			lotSerialID: req.LotSerialID, ref: req.Reference, moveKey: req.IdempotencyKey,
		})
		if err != nil {
			return MoveResult{}, err
		}
		res.Quantity = req.Quantity
		res.UnitCost = cost
		res.ExtendedCost = cost.Mul(req.Quantity).Round(costScale)

		err = s.emit(ctx, tx, &res, req.TenantID, EventReturnReceived, StockEvent{
			ProductID: req.ProductID, WarehouseID: req.WarehouseID,
			ReferenceType: req.Reference.Type, ReferenceID: req.Reference.ID, IdempotencyKey: req.IdempotencyKey,
		})
		return res, err
	})
}

// ── Reservations ──────────────────────────────────────────────────────────────

func (s *inventoryService) Reserve(ctx context.Context, req ReserveRequest) (MoveResult, error) {
	res, err := s.reservation(ctx, "reserve", req, MoveReserve, EventStockReserved)
	if errors.Is(err, ErrInsufficientStock) {
		s.metrics.RecordReservationRejected()
	}
	return res, err
}

func (s *inventoryService) Release(ctx context.Context, req ReserveRequest) (MoveResult, error) {
	return s.reservation(ctx, "release", req, MoveRelease, EventReservationReleased)
}

func (s *inventoryService) reservation(ctx context.Context, op string, req ReserveRequest, mt MoveType, eventType string) (MoveResult, error) {
	key := LevelKey{TenantID: req.TenantID, WarehouseID: req.WarehouseID, ProductID: req.ProductID}
	if err := validateOp(key, req.Reference, req.IdempotencyKey); err != nil {
		return MoveResult{}, err
	}
	if err := positive(req.Quantity, "quantity"); err != nil {
		return MoveResult{}, err
	}

	return s.run(ctx, op, req.TenantID, req.IdempotencyKey, func(ctx context.Context, tx Tx) (MoveResult, error) {
		if _, err := s.lockLevels(ctx, tx, key); err != nil {
			return MoveResult{}, err
		}
		if prior, dup, err := s.checkReplay(ctx, tx, req.TenantID, req.IdempotencyKey); err != nil || dup {
			return prior, err
		}

		reservedDelta := req.Quantity
		if mt == MoveReserve {
			if _, err := s.reservations.Reserve(ctx, tx, key, req.Quantity); err != nil {
				return MoveResult{}, err
			}
		} else {
			if _, err := s.reservations.Release(ctx, tx, key, req.Quantity); err != nil {
				return MoveResult{}, err
			}
			reservedDelta = req.Quantity.Neg()
		}

		res := MoveResult{Quantity: req.Quantity}
		if _, err := s.append(ctx, tx, &res, StockMoveInput{
			Key:            key,
			MoveType:       mt,
			QuantityDelta:  decimal.Zero,
			ReservedDelta:  reservedDelta,
			ReferenceType:  req.Reference.Type,
			ReferenceID:    req.Reference.ID,
			IdempotencyKey: req.IdempotencyKey,
		}); err != nil {
			return MoveResult{}, err
		}
		err := s.emit(ctx, tx, &res, req.TenantID, eventType, StockEvent{
			ProductID: req.ProductID, WarehouseID: req.WarehouseID,
			ReferenceType: req.Reference.Type, ReferenceID: req.Reference.ID, IdempotencyKey: req.IdempotencyKey,
		})
		return res, err
	})
}

// ── Outbound ──────────────────────────────────────────────────────────────────

func (s *inventoryService) Issue(ctx context.Context, req IssueRequest) (MoveResult, error) {
	key := LevelKey{TenantID: req.TenantID, WarehouseID: req.WarehouseID, ProductID: req.ProductID}
	if err := validateOp(key, req.Reference, req.IdempotencyKey); err != nil {
		return MoveResult{}, err
	}
	if err := positive(req.Quantity, "quantity"); err != nil {
		return MoveResult{}, err
	}

	return s.run(ctx, "issue", req.TenantID, req.IdempotencyKey, func(ctx context.Context, tx Tx) (MoveResult, error) {
		if _, err := s.lockLevels(ctx, tx, key); err != nil {
			return MoveResult{}, err
		}
		if prior, dup, err := s.checkReplay(ctx, tx, req.TenantID, req.IdempotencyKey); err != nil || dup {
			return prior, err
		}
		setting, err := s.valuation.ResolveMethod(ctx, tx, req.TenantID, req.ProductID)
		if err != nil {
			return MoveResult{}, err
		}

		var picks []LotPick
		if len(req.LotSerialIDs) > 0 || req.PickFEFO {
			var lots []LotSerial
			if len(req.LotSerialIDs) > 0 {
				lots, err = s.lots.LockExplicit(ctx, tx, key, req.LotSerialIDs)
			} else {
				lots, err = s.lots.FindAvailableForPicking(ctx, tx, req.TenantID, req.ProductID, req.WarehouseID, req.Quantity)
			}
			if err != nil {
				return MoveResult{}, err
			}
			if picks, err = PlanLotPicks(lots, req.Quantity); err != nil {
				return MoveResult{}, err
			}
		}

		cost, err := s.reservations.Consume(ctx, tx, key, setting, req.Quantity)
		if err != nil {
			return MoveResult{}, err
		}
		if err := s.lots.Consume(ctx, tx, picks); err != nil {
			return MoveResult{}, err
		}

		res := MoveResult{Quantity: req.Quantity, UnitCost: cost.UnitCost, ExtendedCost: cost.ExtendedCost}
		move := StockMoveInput{
			Key:           key,
			LocationID:    req.LocationID,
			MoveType:      MoveIssue,
			ReferenceType: req.Reference.Type,
			ReferenceID:   req.Reference.ID,
			UnitCost:      &cost.UnitCost,
		}
		if len(picks) == 0 {
			move.QuantityDelta = req.Quantity.Neg()
			move.ReservedDelta = req.Quantity.Neg()
			move.IdempotencyKey = req.IdempotencyKey
			move.TotalCost = &cost.ExtendedCost
			if _, err := s.append(ctx, tx, &res, move); err != nil {
				return MoveResult{}, err
			}
		} else {
			remaining := cost.ExtendedCost
			for i, p := range picks {
				total := cost.UnitCost.Mul(p.Quantity).Round(costScale)
				if i == len(picks)-1 {
					total = remaining
				}
				remaining = remaining.Sub(total)

				lotID := p.Lot.ID
				m := move
				m.LotSerialID = &lotID
				m.QuantityDelta = p.Quantity.Neg()
				m.ReservedDelta = p.Quantity.Neg()
				m.IdempotencyKey = lineKey(req.IdempotencyKey, i)
				m.TotalCost = &total
				if _, err := s.append(ctx, tx, &res, m); err != nil {
					return MoveResult{}, err
				}
				res.LotSerialIDs = append(res.LotSerialIDs, lotID)
			}
		}

		err = s.emit(ctx, tx, &res, req.TenantID, EventStockIssued, StockEvent{
			ProductID: req.ProductID, WarehouseID: req.WarehouseID,
			ReferenceType: req.Reference.Type, ReferenceID: req.Reference.ID, IdempotencyKey: req.IdempotencyKey,
		})
		return res, err
	})
}

func (s *inventoryService) Transfer(ctx context.Context, req TransferRequest) (MoveResult, error) {
	src := LevelKey{TenantID: req.TenantID, WarehouseID: req.FromWarehouseID, ProductID: req.ProductID}
	dst := LevelKey{TenantID: req.TenantID, WarehouseID: req.ToWarehouseID, ProductID: req.ProductID}
	if err := validateOp(src, req.Reference, req.IdempotencyKey); err != nil {
		return MoveResult{}, err
	}
	if err := validateKey(dst); err != nil {
		return MoveResult{}, err
	}
	if src == dst {
		return MoveResult{}, fmt.Errorf("source and destination warehouse are the same: %w", ErrInvalidInput)
	}
	if err := positive(req.Quantity, "quantity"); err != nil {
		return MoveResult{}, err
	}

	return s.run(ctx, "transfer", req.TenantID, req.IdempotencyKey, func(ctx context.Context, tx Tx) (MoveResult, error) {
		locked, err := s.lockLevels(ctx, tx, src, dst)
		if err != nil {
			return MoveResult{}, err
		}
		if prior, dup, err := s.checkReplay(ctx, tx, req.TenantID, req.IdempotencyKey); err != nil || dup {
			return prior, err
		}
		if have := locked[src].AvailableQuantity; have.LessThan(req.Quantity) {
			return MoveResult{}, fmt.Errorf("product %s: transferring %s, available %s: %w",
				req.ProductID, req.Quantity, have, ErrInsufficientStock)
		}
		setting, err := s.valuation.ResolveMethod(ctx, tx, req.TenantID, req.ProductID)
		if err != nil {
			return MoveResult{}, err
		}

		cost, err := s.valuation.Consume(ctx, tx, src, setting, req.Quantity)
		if err != nil {
			return MoveResult{}, err
		}
		if _, err := s.levels.Upsert(ctx, tx, src, req.Quantity.Neg(), decimal.Zero); err != nil {
			return MoveResult{}, err
		}
		res := MoveResult{Quantity: req.Quantity, UnitCost: cost.UnitCost, ExtendedCost: cost.ExtendedCost}
		if _, err := s.append(ctx, tx, &res, StockMoveInput{
			Key:            src,
			MoveType:       MoveTransferOut,
			QuantityDelta:  req.Quantity.Neg(),
			ReservedDelta:  decimal.Zero,
			ReferenceType:  req.Reference.Type,
			ReferenceID:    req.Reference.ID,
			IdempotencyKey: req.IdempotencyKey,
			UnitCost:       &cost.UnitCost,
			TotalCost:      &cost.ExtendedCost,
		}); err != nil {
			return MoveResult{}, err
		}

		inRes := MoveResult{}
		if _, err := s.bookInbound(ctx, tx, &inRes, setting, inbound{
			key: dst, moveType: MoveTransferIn, qty: req.Quantity, unitCost: cost.UnitCost,
			ref: req.Reference, moveKey: transferInKey(req.IdempotencyKey),
		}); err != nil {
			return MoveResult{}, err
		}
		res.MoveIDs = append(res.MoveIDs, inRes.MoveIDs...)
		res.moveTypes = append(res.moveTypes, inRes.moveTypes...)

		to := req.ToWarehouseID
		err = s.emit(ctx, tx, &res, req.TenantID, EventStockTransferred, StockEvent{
			ProductID: req.ProductID, WarehouseID: req.FromWarehouseID, ToWarehouseID: &to,
			ReferenceType: req.Reference.Type, ReferenceID: req.Reference.ID, IdempotencyKey: req.IdempotencyKey,
		})
		return res, err
	})
}

// ── Corrections ───────────────────────────────────────────────────────────────

func (s *inventoryService) Adjust(ctx context.Context, req AdjustRequest) (MoveResult, error) {
	key := LevelKey{TenantID: req.TenantID, WarehouseID: req.WarehouseID, ProductID: req.ProductID}
	if err := validateOp(key, req.Reference, req.IdempotencyKey); err != nil {
		return MoveResult{}, err
	}
	if req.Quantity.IsZero() {
		return MoveResult{}, fmt.Errorf("adjustment quantity must not be zero: %w", ErrInvalidInput)
	}

	return s.run(ctx, "adjust", req.TenantID, req.IdempotencyKey, func(ctx context.Context, tx Tx) (MoveResult, error) {
		locked, err := s.lockLevels(ctx, tx, key)
		if err != nil {
			return MoveResult{}, err
		}
		if prior, dup, err := s.checkReplay(ctx, tx, req.TenantID, req.IdempotencyKey); err != nil || dup {
			return prior, err
		}
		setting, err := s.valuation.ResolveMethod(ctx, tx, req.TenantID, req.ProductID)
		if err != nil {
			return MoveResult{}, err
		}

		var res MoveResult
		if err := s.applyVariance(ctx, tx, &res, locked[key], setting, req.Quantity, req.UnitCost,
			MoveAdjustment, req.Reference, req.IdempotencyKey); err != nil {
			return MoveResult{}, err
		}
		err = s.emit(ctx, tx, &res, req.TenantID, EventStockAdjusted, StockEvent{
			ProductID: req.ProductID, WarehouseID: req.WarehouseID,
			ReferenceType: req.Reference.Type, ReferenceID: req.Reference.ID, IdempotencyKey: req.IdempotencyKey,
		})
		return res, err
	})
}

func (s *inventoryService) ReconcileCount(ctx context.Context, req CountRequest) (MoveResult, error) {
	key := LevelKey{TenantID: req.TenantID, WarehouseID: req.WarehouseID, ProductID: req.ProductID}
	if err := validateOp(key, req.Reference, req.IdempotencyKey); err != nil {
		return MoveResult{}, err
	}
	if req.CountedQuantity.IsNegative() {
		return MoveResult{}, fmt.Errorf("counted quantity must not be negative: %w", ErrInvalidInput)
	}

	return s.run(ctx, "reconcile_count", req.TenantID, req.IdempotencyKey, func(ctx context.Context, tx Tx) (MoveResult, error) {
		locked, err := s.lockLevels(ctx, tx, key)
		if err != nil {
			return MoveResult{}, err
		}
		if prior, dup, err := s.checkReplay(ctx, tx, req.TenantID, req.IdempotencyKey); err != nil || dup {
			return prior, err
		}

		lvl := locked[key]
		variance := req.CountedQuantity.Sub(lvl.OnHand())
		res := MoveResult{Variance: &variance, Quantity: decimal.Zero}
		if variance.IsZero() {
			// A confirming count still claims its key.
			if _, err := s.append(ctx, tx, &res, StockMoveInput{
				Key:            key,
				MoveType:       MoveCount,
				QuantityDelta:  decimal.Zero,
				ReservedDelta:  decimal.Zero,
				ReferenceType:  req.Reference.Type,
				ReferenceID:    req.Reference.ID,
				IdempotencyKey: req.IdempotencyKey,
			}); err != nil {
				return MoveResult{}, err
			}
		} else {
			setting, err := s.valuation.ResolveMethod(ctx, tx, req.TenantID, req.ProductID)
			if err != nil {
				return MoveResult{}, err
			}
			if err := s.applyVariance(ctx, tx, &res, lvl, setting, variance, nil,
				MoveCount, req.Reference, req.IdempotencyKey); err != nil {
				return MoveResult{}, err
			}
		}
		err = s.emit(ctx, tx, &res, req.TenantID, EventStockCounted, StockEvent{
			ProductID: req.ProductID, WarehouseID: req.WarehouseID,
			ReferenceType: req.Reference.Type, ReferenceID: req.Reference.ID, IdempotencyKey: req.IdempotencyKey,
		})
		return res, err
	})
}

// applyVariance books a signed change to available stock. Gains are valued at unitCost, or the
// current unit cost when nil; losses are costed out of the valuation records.
func (s *inventoryService) applyVariance(ctx context.Context, tx Tx, res *MoveResult, lvl InventoryLevel,
	setting ValuationSetting, delta decimal.Decimal, unitCost *decimal.Decimal, mt MoveType, ref DocumentRef, key string) error {
	qty := delta.Abs()
	res.Quantity = qty

	if delta.IsPositive() {
		var cost decimal.Decimal
		if unitCost != nil {
			cost = *unitCost
		} else {
			c, err := s.valuation.CurrentUnitCost(ctx, tx, lvl.LevelKey, setting)
			if err != nil {
				return err
			}
			cost = c
		}
		recorded, err := s.bookInbound(ctx, tx, res, setting, inbound{
			key: lvl.LevelKey, moveType: mt, qty: qty, unitCost: cost, ref: ref, moveKey: key,
		})
		if err != nil {
			return err
		}
		res.UnitCost = recorded
		res.ExtendedCost = recorded.Mul(qty).Round(costScale)
		return nil
	}

	if lvl.AvailableQuantity.LessThan(qty) {
		return fmt.Errorf("product %s: removing %s, available %s: %w",
			lvl.ProductID, qty, lvl.AvailableQuantity, ErrInsufficientStock)
	}
	cost, err := s.valuation.Consume(ctx, tx, lvl.LevelKey, setting, qty)
	if err != nil {
		return err
	}
	if _, err := s.levels.apply(ctx, tx, lvl, delta, decimal.Zero); err != nil {
		return err
	}
	res.UnitCost = cost.UnitCost
	res.ExtendedCost = cost.ExtendedCost
	_, err = s.append(ctx, tx, res, StockMoveInput{
		Key:            lvl.LevelKey,
		MoveType:       mt,
		QuantityDelta:  delta,
		ReservedDelta:  decimal.Zero,
		ReferenceType:  ref.Type,
		ReferenceID:    ref.ID,
		IdempotencyKey: key,
		UnitCost:       &cost.UnitCost,
		TotalCost:      &cost.ExtendedCost,
	})
	return err
}

// ── Reads ─────────────────────────────────────────────────────────────────────

func (s *inventoryService) GetLevel(ctx context.Context, key LevelKey) (*InventoryLevel, error) {
	lvl, err := s.levels.Find(ctx, key)
	if err != nil {
		return nil, err
	}
	if lvl == nil {
		return nil, fmt.Errorf("inventory level for product %s in warehouse %s: %w", key.ProductID, key.WarehouseID, ErrNotFound)
	}
	return lvl, nil
}

func (s *inventoryService) ListLevels(ctx context.Context, tenantID, warehouseID uuid.UUID) ([]InventoryLevel, error) {
	return s.levels.List(ctx, tenantID, warehouseID)
}

func (s *inventoryService) MovesByReference(ctx context.Context, tenantID uuid.UUID, ref DocumentRef) ([]StockMove, error) {
	if ref.Type == "" {
		return nil, fmt.Errorf("reference type is required: %w", ErrInvalidInput)
	}
	return s.moves.FindByReference(ctx, tenantID, ref.Type, ref.ID)
}

func (s *inventoryService) MovesByLotSerial(ctx context.Context, tenantID, lotSerialID uuid.UUID) ([]StockMove, error) {
	return s.moves.FindByLotSerial(ctx, tenantID, lotSerialID)
}

func (s *inventoryService) CostLayers(ctx context.Context, key LevelKey) ([]CostLayer, error) {
	return s.valuation.CostLayers(ctx, key)
}

func (s *inventoryService) AverageCost(ctx context.Context, key LevelKey) (*AverageCostRecord, error) {
	return s.valuation.AverageCost(ctx, key)
}

func (s *inventoryService) SetValuationSetting(ctx context.Context, setting ValuationSetting) (ValuationSetting, error) {
	saved, err := s.valuation.SetValuationSetting(ctx, setting)
	if err != nil {
		return ValuationSetting{}, err
	}
	s.logger.InfoContext(ctx, "valuation setting saved", "tenant_id", saved.TenantID, "product_id", saved.ProductID, "method", saved.Method)
	return saved, nil
}
