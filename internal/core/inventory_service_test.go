package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inventory-ledger/internal/core"
	"inventory-ledger/internal/store/memory"
)

// clock advances one second per reading so FIFO layers get distinct creation times.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	ctx     context.Context
	store   *memory.Store
	svc     core.InventoryService
	clock   *clock
	tenant  uuid.UUID
	wh      uuid.UUID
	product uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	clk := newClock()
	svc := core.NewInventoryService(store, core.ServiceConfig{
		DefaultMethod:   core.ValuationFIFO,
		RetryMaxElapsed: time.Second,
		Now:             clk.Now,
	}, nil, nil)
	return &fixture{
		ctx:     context.Background(),
		store:   store,
		svc:     svc,
		clock:   clk,
		tenant:  uuid.New(),
		wh:      uuid.New(),
		product: uuid.New(),
	}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Truef(t, d(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

func (f *fixture) key() core.LevelKey {
	return core.LevelKey{TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product}
}

func (f *fixture) setMethod(t *testing.T, m core.ValuationMethod, standard *decimal.Decimal) {
	t.Helper()
	p := f.product
	_, err := f.svc.SetValuationSetting(f.ctx, core.ValuationSetting{TenantID: f.tenant, ProductID: &p, Method: m, StandardCost: standard})
	require.NoError(t, err)
}

func (f *fixture) receive(t *testing.T, key, qty, cost string) core.MoveResult {
	t.Helper()
	res, err := f.svc.Receive(f.ctx, core.ReceiveRequest{
		TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d(qty), UnitCost: d(cost),
		Reference:      core.DocumentRef{Type: "goods_receipt", ID: uuid.New()},
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) reserve(key, qty string) (core.MoveResult, error) {
	return f.svc.Reserve(f.ctx, core.ReserveRequest{
		TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity:       d(qty),
		Reference:      core.DocumentRef{Type: "sales_order", ID: uuid.New()},
		IdempotencyKey: key,
	})
}

func (f *fixture) issue(key, qty string) (core.MoveResult, error) {
	return f.svc.Issue(f.ctx, core.IssueRequest{
		TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity:       d(qty),
		Reference:      core.DocumentRef{Type: "delivery", ID: uuid.New()},
		IdempotencyKey: key,
	})
}

func (f *fixture) level(t *testing.T) core.InventoryLevel {
	t.Helper()
	lvl, err := f.svc.GetLevel(f.ctx, f.key())
	require.NoError(t, err)
	return *lvl
}

func (f *fixture) pendingEvents(t *testing.T) []core.OutboxEvent {
	t.Helper()
	evs, err := f.store.PendingEvents(f.ctx, 0)
	require.NoError(t, err)
	return evs
}

// ── Valuation ─────────────────────────────────────────────────────────────────

func TestIssue_FIFOConsumesOldestLayersFirst(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "gr-1", "5", "10")
	f.receive(t, "gr-2", "5", "12")

	_, err := f.reserve("so-1", "7")
	require.NoError(t, err)
	res, err := f.issue("dl-1", "7")
	require.NoError(t, err)

	assertDec(t, "74", res.ExtendedCost)
	assertDec(t, "10.571429", res.UnitCost)
	require.Len(t, res.MoveIDs, 1)

	layers, err := f.svc.CostLayers(f.ctx, f.key())
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assertDec(t, "0", layers[0].RemainingQuantity)
	assertDec(t, "10", layers[0].UnitCost)
	assertDec(t, "3", layers[1].RemainingQuantity)
	assertDec(t, "12", layers[1].UnitCost)

	lvl := f.level(t)
	assertDec(t, "3", lvl.AvailableQuantity)
	assertDec(t, "0", lvl.ReservedQuantity)
}

func TestReceive_AVCOWeightedAverage(t *testing.T) {
	f := newFixture(t)
	f.setMethod(t, core.ValuationAVCO, nil)
	f.receive(t, "gr-1", "10", "10")
	f.receive(t, "gr-2", "10", "14")

	rec, err := f.svc.AverageCost(f.ctx, f.key())
	require.NoError(t, err)
	assertDec(t, "12", rec.WeightedUnitCost)
	assertDec(t, "20", rec.QuantityOnHand)

	_, err = f.reserve("so-1", "5")
	require.NoError(t, err)
	res, err := f.issue("dl-1", "5")
	require.NoError(t, err)
	assertDec(t, "60", res.ExtendedCost)

	rec, err = f.svc.AverageCost(f.ctx, f.key())
	require.NoError(t, err)
	assertDec(t, "15", rec.QuantityOnHand)
	assertDec(t, "12", rec.WeightedUnitCost)

	layers, err := f.svc.CostLayers(f.ctx, f.key())
	require.NoError(t, err)
	assert.Empty(t, layers)
}

func TestReceive_StandardCostPinsUnitCost(t *testing.T) {
	f := newFixture(t)
	std := d("8")
	f.setMethod(t, core.ValuationStandard, &std)

	res := f.receive(t, "gr-1", "10", "11.50")
	assertDec(t, "8", res.UnitCost)
	assertDec(t, "80", res.ExtendedCost)

	_, err := f.reserve("so-1", "4")
	require.NoError(t, err)
	out, err := f.issue("dl-1", "4")
	require.NoError(t, err)
	assertDec(t, "32", out.ExtendedCost)
}

func TestSetValuationSetting(t *testing.T) {
	f := newFixture(t)
	p := f.product

	_, err := f.svc.SetValuationSetting(f.ctx, core.ValuationSetting{TenantID: f.tenant, ProductID: &p, Method: core.ValuationStandard})
	assert.ErrorIs(t, err, core.ErrInvalidInput, "standard costing needs a standard cost")

	_, err = f.svc.SetValuationSetting(f.ctx, core.ValuationSetting{TenantID: f.tenant, ProductID: &p, Method: "lifo"})
	assert.ErrorIs(t, err, core.ErrUnknownValuationMethod)

	f.setMethod(t, core.ValuationFIFO, nil)
	_, err = f.svc.SetValuationSetting(f.ctx, core.ValuationSetting{TenantID: f.tenant, ProductID: &p, Method: core.ValuationAVCO})
	assert.ErrorIs(t, err, core.ErrValuationMethodLocked)

	// Tenant defaults may change; they only affect products without a setting.
	_, err = f.svc.SetValuationSetting(f.ctx, core.ValuationSetting{TenantID: f.tenant, Method: core.ValuationAVCO})
	require.NoError(t, err)
	_, err = f.svc.SetValuationSetting(f.ctx, core.ValuationSetting{TenantID: f.tenant, Method: core.ValuationFIFO})
	require.NoError(t, err)
}

func TestReceive_TenantDefaultMethodApplies(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SetValuationSetting(f.ctx, core.ValuationSetting{TenantID: f.tenant, Method: core.ValuationAVCO})
	require.NoError(t, err)

	f.receive(t, "gr-1", "2", "5")
	rec, err := f.svc.AverageCost(f.ctx, f.key())
	require.NoError(t, err)
	assertDec(t, "5", rec.WeightedUnitCost)
}

// ── Idempotency ───────────────────────────────────────────────────────────────

func TestReceive_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	first := f.receive(t, "gr-1", "5", "10")
	assert.False(t, first.Duplicate)

	second := f.receive(t, "gr-1", "5", "10")
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.MoveIDs, second.MoveIDs)
	assertDec(t, "5", second.Quantity)
	assertDec(t, "50", second.ExtendedCost)

	assertDec(t, "5", f.level(t).OnHand())
	assert.Len(t, f.pendingEvents(t), 1)
}

func TestTransfer_ReplayReturnsBothMoves(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "gr-1", "10", "10")
	req := core.TransferRequest{
		TenantID: f.tenant, FromWarehouseID: f.wh, ToWarehouseID: uuid.New(), ProductID: f.product,
		Quantity:       d("4"),
		Reference:      core.DocumentRef{Type: "transfer", ID: uuid.New()},
		IdempotencyKey: "tr-1",
	}
	first, err := f.svc.Transfer(f.ctx, req)
	require.NoError(t, err)
	again, err := f.svc.Transfer(f.ctx, req)
	require.NoError(t, err)

	assert.True(t, again.Duplicate)
	assert.ElementsMatch(t, first.MoveIDs, again.MoveIDs)
	assertDec(t, "4", again.Quantity)
	assertDec(t, "6", f.level(t).AvailableQuantity)
}

func TestOperations_ValidateInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Receive(f.ctx, core.ReceiveRequest{
		TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d("1"), Reference: core.DocumentRef{Type: "goods_receipt"},
	})
	assert.ErrorIs(t, err, core.ErrInvalidInput, "missing idempotency key")

	_, err = f.svc.Receive(f.ctx, core.ReceiveRequest{
		TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d("0"), Reference: core.DocumentRef{Type: "goods_receipt"}, IdempotencyKey: "k",
	})
	assert.ErrorIs(t, err, core.ErrInvalidInput, "zero quantity")

	_, err = f.reserve("", "1")
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = f.svc.Transfer(f.ctx, core.TransferRequest{
		TenantID: f.tenant, FromWarehouseID: f.wh, ToWarehouseID: f.wh, ProductID: f.product,
		Quantity: d("1"), Reference: core.DocumentRef{Type: "transfer"}, IdempotencyKey: "tr",
	})
	assert.ErrorIs(t, err, core.ErrInvalidInput, "same warehouse")
}

// ── Quantity invariants ───────────────────────────────────────────────────────

func TestMoves_ConserveQuantity(t *testing.T) {
	f := newFixture(t)
	ref := core.DocumentRef{Type: "work_order", ID: uuid.New()}

	_, err := f.svc.Receive(f.ctx, core.ReceiveRequest{TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d("20"), UnitCost: d("3"), Reference: ref, IdempotencyKey: "c-1"})
	require.NoError(t, err)
	_, err = f.svc.Reserve(f.ctx, core.ReserveRequest{TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d("8"), Reference: ref, IdempotencyKey: "c-2"})
	require.NoError(t, err)
	_, err = f.svc.Release(f.ctx, core.ReserveRequest{TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d("2"), Reference: ref, IdempotencyKey: "c-3"})
	require.NoError(t, err)
	_, err = f.svc.Issue(f.ctx, core.IssueRequest{TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d("5"), Reference: ref, IdempotencyKey: "c-4"})
	require.NoError(t, err)
	_, err = f.svc.Adjust(f.ctx, core.AdjustRequest{TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d("-3"), Reason: "damaged", Reference: ref, IdempotencyKey: "c-5"})
	require.NoError(t, err)
	_, err = f.svc.ReceiveReturn(f.ctx, core.ReturnRequest{TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d("1"), UnitCost: d("3"), Reference: ref, IdempotencyKey: "c-6"})
	require.NoError(t, err)

	moves, err := f.svc.MovesByReference(f.ctx, f.tenant, ref)
	require.NoError(t, err)
	require.Len(t, moves, 6)

	onHand, reserved := decimal.Zero, decimal.Zero
	for _, m := range moves {
		onHand = onHand.Add(m.QuantityDelta)
		reserved = reserved.Add(m.ReservedDelta)
	}
	lvl := f.level(t)
	assertDec(t, onHand.String(), lvl.OnHand())
	assertDec(t, reserved.String(), lvl.ReservedQuantity)
	assertDec(t, "13", lvl.OnHand())
	assertDec(t, "1", lvl.ReservedQuantity)
}

func TestReserve_ConcurrentRequestsNeverOversell(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "gr-1", "100", "1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.reserve(uuid.NewString(), "60")
		}(i)
	}
	wg.Wait()

	rejected := 0
	for _, err := range errs {
		if errors.Is(err, core.ErrInsufficientStock) {
			rejected++
		} else {
			require.NoError(t, err)
		}
	}
	assert.Equal(t, 1, rejected)

	lvl := f.level(t)
	assertDec(t, "40", lvl.AvailableQuantity)
	assertDec(t, "60", lvl.ReservedQuantity)
}

func TestRelease_MoreThanReserved(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "gr-1", "10", "1")
	_, err := f.reserve("so-1", "3")
	require.NoError(t, err)

	_, err = f.svc.Release(f.ctx, core.ReserveRequest{
		TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d("4"), Reference: core.DocumentRef{Type: "sales_order"}, IdempotencyKey: "rel-1",
	})
	assert.ErrorIs(t, err, core.ErrInsufficientStock)
	assertDec(t, "3", f.level(t).ReservedQuantity)
}

func TestIssue_RequiresReservation(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "gr-1", "10", "1")

	_, err := f.issue("dl-1", "2")
	assert.ErrorIs(t, err, core.ErrInsufficientStock)
	assertDec(t, "10", f.level(t).AvailableQuantity)
}

// ── Outbox ────────────────────────────────────────────────────────────────────

func TestIssue_MissingCostBasisRollsBackEverything(t *testing.T) {
	f := newFixture(t)

	// Stock that was never costed: the level row exists, no layers do.
	err := f.store.WithinTx(f.ctx, func(ctx context.Context, tx core.Tx) error {
		lvl, err := tx.LockInventoryLevel(ctx, f.key(), f.clock.Now())
		if err != nil {
			return err
		}
		lvl.AvailableQuantity = d("10")
		return tx.UpdateInventoryLevel(ctx, lvl)
	})
	require.NoError(t, err)

	_, err = f.reserve("so-1", "5")
	require.NoError(t, err)
	before := len(f.pendingEvents(t))

	ref := core.DocumentRef{Type: "delivery", ID: uuid.New()}
	_, err = f.svc.Issue(f.ctx, core.IssueRequest{
		TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d("5"), Reference: ref, IdempotencyKey: "dl-1",
	})
	require.ErrorIs(t, err, core.ErrInsufficientCostBasis)
	assert.True(t, core.IsConsistencyFault(err))

	moves, err := f.svc.MovesByReference(f.ctx, f.tenant, ref)
	require.NoError(t, err)
	assert.Empty(t, moves)
	assert.Len(t, f.pendingEvents(t), before)

	lvl := f.level(t)
	assertDec(t, "5", lvl.AvailableQuantity)
	assertDec(t, "5", lvl.ReservedQuantity)
}

func TestOutbox_EventsCarryMoveData(t *testing.T) {
	f := newFixture(t)
	res := f.receive(t, "gr-1", "5", "10")

	evs := f.pendingEvents(t)
	require.Len(t, evs, 1)
	assert.Equal(t, core.EventStockReceived, evs[0].EventType)
	assert.Equal(t, f.tenant, evs[0].TenantID)
	assert.Contains(t, string(evs[0].EventData), res.MoveIDs[0].String())
	assert.Contains(t, string(evs[0].EventData), `"idempotency_key":"gr-1"`)

	require.NoError(t, f.store.MarkEventDelivered(f.ctx, evs[0].ID))
	assert.Empty(t, f.pendingEvents(t))
}

// ── Transfers, adjustments, counts ───────────────────────────────────────────

func TestTransfer_CarriesCostToDestination(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "gr-1", "6", "10")
	f.receive(t, "gr-2", "6", "13")
	dst := uuid.New()

	res, err := f.svc.Transfer(f.ctx, core.TransferRequest{
		TenantID: f.tenant, FromWarehouseID: f.wh, ToWarehouseID: dst, ProductID: f.product,
		Quantity:       d("8"),
		Reference:      core.DocumentRef{Type: "transfer", ID: uuid.New()},
		IdempotencyKey: "tr-1",
	})
	require.NoError(t, err)
	require.Len(t, res.MoveIDs, 2)
	assertDec(t, "86", res.ExtendedCost)
	assertDec(t, "10.75", res.UnitCost)

	dstKey := core.LevelKey{TenantID: f.tenant, WarehouseID: dst, ProductID: f.product}
	layers, err := f.svc.CostLayers(f.ctx, dstKey)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assertDec(t, "8", layers[0].RemainingQuantity)
	assertDec(t, "10.75", layers[0].UnitCost)

	dstLevel, err := f.svc.GetLevel(f.ctx, dstKey)
	require.NoError(t, err)
	assertDec(t, "8", dstLevel.AvailableQuantity)
	assertDec(t, "4", f.level(t).AvailableQuantity)
}

func TestTransfer_InsufficientStock(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "gr-1", "2", "10")
	_, err := f.svc.Transfer(f.ctx, core.TransferRequest{
		TenantID: f.tenant, FromWarehouseID: f.wh, ToWarehouseID: uuid.New(), ProductID: f.product,
		Quantity: d("3"), Reference: core.DocumentRef{Type: "transfer"}, IdempotencyKey: "tr-1",
	})
	assert.ErrorIs(t, err, core.ErrInsufficientStock)
}

func TestAdjust_GainUsesCurrentCost(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "gr-1", "5", "10")
	f.receive(t, "gr-2", "5", "11")

	res, err := f.svc.Adjust(f.ctx, core.AdjustRequest{
		TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d("2"), Reason: "found", Reference: core.DocumentRef{Type: "adjustment"}, IdempotencyKey: "adj-1",
	})
	require.NoError(t, err)
	assertDec(t, "11", res.UnitCost)
	assertDec(t, "12", f.level(t).AvailableQuantity)

	_, err = f.svc.Adjust(f.ctx, core.AdjustRequest{
		TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d("-20"), Reference: core.DocumentRef{Type: "adjustment"}, IdempotencyKey: "adj-2",
	})
	assert.ErrorIs(t, err, core.ErrInsufficientStock)
}

func TestReconcileCount(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "gr-1", "10", "10")
	count := func(key, qty string) core.MoveResult {
		t.Helper()
		res, err := f.svc.ReconcileCount(f.ctx, core.CountRequest{
			TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
			CountedQuantity: d(qty), Reference: core.DocumentRef{Type: "cycle_count"}, IdempotencyKey: key,
		})
		require.NoError(t, err)
		return res
	}

	loss := count("cc-1", "7")
	require.NotNil(t, loss.Variance)
	assertDec(t, "-3", *loss.Variance)
	assertDec(t, "30", loss.ExtendedCost)
	assertDec(t, "7", f.level(t).OnHand())

	same := count("cc-2", "7")
	assertDec(t, "0", *same.Variance)
	require.Len(t, same.MoveIDs, 1)

	gain := count("cc-3", "9")
	assertDec(t, "2", *gain.Variance)
	assertDec(t, "10", gain.UnitCost)
	assertDec(t, "9", f.level(t).OnHand())

	replay := count("cc-1", "7")
	assert.True(t, replay.Duplicate)
	assertDec(t, "-3", *replay.Variance)
	assertDec(t, "9", f.level(t).OnHand())
}

func TestReconcileCount_ConfirmingCountIsNotReapplied(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "gr-1", "10", "10")
	req := core.CountRequest{
		TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		CountedQuantity: d("10"), Reference: core.DocumentRef{Type: "cycle_count"}, IdempotencyKey: "cc-1",
	}

	first, err := f.svc.ReconcileCount(f.ctx, req)
	require.NoError(t, err)
	assertDec(t, "0", *first.Variance)
	require.Len(t, first.MoveIDs, 1)

	f.receive(t, "gr-2", "5", "10")

	again, err := f.svc.ReconcileCount(f.ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.MoveIDs, again.MoveIDs)
	assertDec(t, "0", *again.Variance)
	assertDec(t, "15", f.level(t).OnHand())
}

// ── Lots and landed cost ──────────────────────────────────────────────────────

func TestIssue_PicksLotsFirstExpiredFirstOut(t *testing.T) {
	f := newFixture(t)
	today := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	receiveLot := func(key, lot string, expiry time.Time) uuid.UUID {
		t.Helper()
		res, err := f.svc.Receive(f.ctx, core.ReceiveRequest{
			TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
			Quantity: d("5"), UnitCost: d("2"),
			Lot:            &core.LotInput{LotNumber: lot, ExpiryDate: &expiry},
			Reference:      core.DocumentRef{Type: "goods_receipt"},
			IdempotencyKey: key,
		})
		require.NoError(t, err)
		require.Len(t, res.LotSerialIDs, 1)
		return res.LotSerialIDs[0]
	}
	late := receiveLot("gr-1", "L-LATE", today.AddDate(0, 0, 30))
	early := receiveLot("gr-2", "L-EARLY", today.AddDate(0, 0, 10))
	expired := receiveLot("gr-3", "L-EXPIRED", today)

	_, err := f.reserve("so-1", "7")
	require.NoError(t, err)
	res, err := f.svc.Issue(f.ctx, core.IssueRequest{
		TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d("7"), PickFEFO: true,
		Reference: core.DocumentRef{Type: "delivery"}, IdempotencyKey: "dl-1",
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{early, late}, res.LotSerialIDs)
	require.Len(t, res.MoveIDs, 2)
	assertDec(t, "14", res.ExtendedCost)

	earlyMoves, err := f.svc.MovesByLotSerial(f.ctx, f.tenant, early)
	require.NoError(t, err)
	require.Len(t, earlyMoves, 2)
	assertDec(t, "-5", earlyMoves[1].QuantityDelta)

	lateMoves, err := f.svc.MovesByLotSerial(f.ctx, f.tenant, late)
	require.NoError(t, err)
	require.Len(t, lateMoves, 2)
	assertDec(t, "-2", lateMoves[1].QuantityDelta)

	expiredMoves, err := f.svc.MovesByLotSerial(f.ctx, f.tenant, expired)
	require.NoError(t, err)
	assert.Len(t, expiredMoves, 1)

	replay, err := f.svc.Issue(f.ctx, core.IssueRequest{
		TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d("7"), PickFEFO: true,
		Reference: core.DocumentRef{Type: "delivery"}, IdempotencyKey: "dl-1",
	})
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, res.MoveIDs, replay.MoveIDs)
}

func TestIssue_ExplicitSerial(t *testing.T) {
	f := newFixture(t)
	sn := "SN-0001"
	rcv, err := f.svc.Receive(f.ctx, core.ReceiveRequest{
		TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d("1"), UnitCost: d("250"),
		Lot:            &core.LotInput{TrackingType: core.TrackingSerial, LotNumber: "B-1", SerialNumber: &sn},
		Reference:      core.DocumentRef{Type: "goods_receipt"},
		IdempotencyKey: "gr-1",
	})
	require.NoError(t, err)
	serial := rcv.LotSerialIDs[0]

	_, err = f.reserve("so-1", "1")
	require.NoError(t, err)
	res, err := f.svc.Issue(f.ctx, core.IssueRequest{
		TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d("1"), LotSerialIDs: []uuid.UUID{serial},
		Reference: core.DocumentRef{Type: "delivery"}, IdempotencyKey: "dl-1",
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{serial}, res.LotSerialIDs)

	// The serial is consumed and cannot be picked again.
	f.receive(t, "gr-2", "1", "250")
	_, err = f.reserve("so-2", "1")
	require.NoError(t, err)
	_, err = f.svc.Issue(f.ctx, core.IssueRequest{
		TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d("1"), LotSerialIDs: []uuid.UUID{serial},
		Reference: core.DocumentRef{Type: "delivery"}, IdempotencyKey: "dl-2",
	})
	assert.ErrorIs(t, err, core.ErrInsufficientStock)
}

func TestReceive_SerialMustBeSingleUnit(t *testing.T) {
	f := newFixture(t)
	sn := "SN-1"
	_, err := f.svc.Receive(f.ctx, core.ReceiveRequest{
		TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d("2"), UnitCost: d("1"),
		Lot:            &core.LotInput{TrackingType: core.TrackingSerial, LotNumber: "B", SerialNumber: &sn},
		Reference:      core.DocumentRef{Type: "goods_receipt"},
		IdempotencyKey: "gr-1",
	})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
	_, err = f.svc.GetLevel(f.ctx, f.key())
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestReceiveLines_CapitalizesLandedCost(t *testing.T) {
	f := newFixture(t)
	other := uuid.New()
	res, err := f.svc.ReceiveLines(f.ctx, core.ReceiveLinesRequest{
		TenantID: f.tenant, WarehouseID: f.wh,
		Lines: []core.ReceiptLine{
			{ProductID: f.product, Quantity: d("10"), UnitCost: d("10")},
			{ProductID: other, Quantity: d("5"), UnitCost: d("20")},
		},
		Charges:        []core.LandedCharge{{Description: "freight", Amount: d("30"), Method: core.AllocateByValue}},
		Reference:      core.DocumentRef{Type: "goods_receipt", ID: uuid.New()},
		IdempotencyKey: "gr-multi",
	})
	require.NoError(t, err)
	require.Len(t, res.MoveIDs, 2)
	assertDec(t, "230", res.ExtendedCost)
	assertDec(t, "15", res.Quantity)

	layers, err := f.svc.CostLayers(f.ctx, f.key())
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assertDec(t, "11.5", layers[0].UnitCost)

	assert.Len(t, f.pendingEvents(t), 2)

	again, err := f.svc.ReceiveLines(f.ctx, core.ReceiveLinesRequest{
		TenantID: f.tenant, WarehouseID: f.wh,
		Lines: []core.ReceiptLine{
			{ProductID: f.product, Quantity: d("10"), UnitCost: d("10")},
			{ProductID: other, Quantity: d("5"), UnitCost: d("20")},
		},
		Charges:        []core.LandedCharge{{Description: "freight", Amount: d("30"), Method: core.AllocateByValue}},
		Reference:      core.DocumentRef{Type: "goods_receipt", ID: uuid.New()},
		IdempotencyKey: "gr-multi",
	})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, res.MoveIDs, again.MoveIDs)
	assertDec(t, "230", again.ExtendedCost)
}

func TestIssue_RejectsLotFromAnotherWarehouse(t *testing.T) {
	f := newFixture(t)
	other := uuid.New()
	rcv, err := f.svc.Receive(f.ctx, core.ReceiveRequest{
		TenantID: f.tenant, WarehouseID: other, ProductID: f.product,
		Quantity: d("5"), UnitCost: d("2"),
		Lot:            &core.LotInput{LotNumber: "L-B"},
		Reference:      core.DocumentRef{Type: "goods_receipt"},
		IdempotencyKey: "gr-b",
	})
	require.NoError(t, err)
	lotB := rcv.LotSerialIDs[0]

	f.receive(t, "gr-a", "5", "2")
	_, err = f.reserve("so-1", "3")
	require.NoError(t, err)
	_, err = f.svc.Issue(f.ctx, core.IssueRequest{
		TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d("3"), LotSerialIDs: []uuid.UUID{lotB},
		Reference: core.DocumentRef{Type: "delivery"}, IdempotencyKey: "dl-1",
	})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	moves, err := f.svc.MovesByLotSerial(f.ctx, f.tenant, lotB)
	require.NoError(t, err)
	assert.Len(t, moves, 1)
	assertDec(t, "3", f.level(t).ReservedQuantity)
}

func TestReceiveReturn_RestockChecksLot(t *testing.T) {
	f := newFixture(t)
	rcv, err := f.svc.Receive(f.ctx, core.ReceiveRequest{
		TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d("4"), UnitCost: d("3"),
		Lot:            &core.LotInput{LotNumber: "L-1"},
		Reference:      core.DocumentRef{Type: "goods_receipt"},
		IdempotencyKey: "gr-1",
	})
	require.NoError(t, err)
	lot := rcv.LotSerialIDs[0]

	sn := "SN-9"
	srcv, err := f.svc.Receive(f.ctx, core.ReceiveRequest{
		TenantID: f.tenant, WarehouseID: f.wh, ProductID: f.product,
		Quantity: d("1"), UnitCost: d("3"),
		Lot:            &core.LotInput{TrackingType: core.TrackingSerial, LotNumber: "S", SerialNumber: &sn},
		Reference:      core.DocumentRef{Type: "goods_receipt"},
		IdempotencyKey: "gr-2",
	})
	require.NoError(t, err)
	serial := srcv.LotSerialIDs[0]

	ret := func(key string, wh, product, lotID uuid.UUID) error {
		_, err := f.svc.ReceiveReturn(f.ctx, core.ReturnRequest{
			TenantID: f.tenant, WarehouseID: wh, ProductID: product,
			Quantity: d("1"), UnitCost: d("3"), LotSerialID: &lotID,
			Reference: core.DocumentRef{Type: "rma"}, IdempotencyKey: key,
		})
		return err
	}

	assert.ErrorIs(t, ret("rma-1", uuid.New(), f.product, lot), core.ErrInvalidInput, "other warehouse")
	assert.ErrorIs(t, ret("rma-2", f.wh, uuid.New(), lot), core.ErrInvalidInput, "other product")
	assert.ErrorIs(t, ret("rma-3", f.wh, f.product, serial), core.ErrInvalidInput, "serial above one unit")
	require.NoError(t, ret("rma-4", f.wh, f.product, lot))

	assertDec(t, "6", f.level(t).OnHand())
	moves, err := f.svc.MovesByLotSerial(f.ctx, f.tenant, lot)
	require.NoError(t, err)
	assert.Len(t, moves, 2)
}

func TestReceiveLines_EventsReportRecordedCost(t *testing.T) {
	f := newFixture(t)
	std := d("8")
	f.setMethod(t, core.ValuationStandard, &std)

	res, err := f.svc.ReceiveLines(f.ctx, core.ReceiveLinesRequest{
		TenantID: f.tenant, WarehouseID: f.wh,
		Lines:          []core.ReceiptLine{{ProductID: f.product, Quantity: d("10"), UnitCost: d("10")}},
		Charges:        []core.LandedCharge{{Description: "freight", Amount: d("5"), Method: core.AllocateByQuantity}},
		Reference:      core.DocumentRef{Type: "goods_receipt"},
		IdempotencyKey: "gr-std",
	})
	require.NoError(t, err)
	assertDec(t, "80", res.ExtendedCost)

	evs := f.pendingEvents(t)
	require.Len(t, evs, 1)
	var ev core.StockEvent
	require.NoError(t, json.Unmarshal(evs[0].EventData, &ev))
	assertDec(t, "8", d(ev.UnitCost))
	assertDec(t, "80", d(ev.ExtendedCost))
}

// ── Reads ─────────────────────────────────────────────────────────────────────

func TestListLevels(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "gr-1", "3", "1")
	levels, err := f.svc.ListLevels(f.ctx, f.tenant, f.wh)
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assertDec(t, "3", levels[0].AvailableQuantity)

	levels, err = f.svc.ListLevels(f.ctx, uuid.New(), f.wh)
	require.NoError(t, err)
	assert.Empty(t, levels)
}

func TestAverageCost_NotFoundForFIFO(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "gr-1", "3", "1")
	_, err := f.svc.AverageCost(f.ctx, f.key())
	assert.ErrorIs(t, err, core.ErrNotFound)
}
