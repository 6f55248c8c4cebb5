package postgres_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inventory-ledger/internal/core"
	"inventory-ledger/internal/store/postgres"
)

// setupTestDB connects to TEST_DATABASE_URL and applies the schema. Every test works in a fresh
// tenant, so no truncation is needed.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	_ = godotenv.Load("../../../.env")

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err, "connect to test database")
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "001_inventory_ledger.sql"))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err, "apply schema")
	return pool
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newService(store core.Store) core.InventoryService {
	return core.NewInventoryService(store, core.ServiceConfig{RetryMaxElapsed: 2 * time.Second}, nil, nil)
}

func TestPostgres_FIFOIssue(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	svc := newService(postgres.NewStore(pool, 2*time.Second))
	key := core.LevelKey{TenantID: uuid.New(), WarehouseID: uuid.New(), ProductID: uuid.New()}

	for i, c := range []string{"10", "12"} {
		_, err := svc.Receive(ctx, core.ReceiveRequest{
			TenantID: key.TenantID, WarehouseID: key.WarehouseID, ProductID: key.ProductID,
			Quantity: d("5"), UnitCost: d(c),
			Reference:      core.DocumentRef{Type: "goods_receipt", ID: uuid.New()},
			IdempotencyKey: "gr-" + c,
		})
		require.NoError(t, err, "receipt %d", i)
	}
	_, err := svc.Reserve(ctx, core.ReserveRequest{
		TenantID: key.TenantID, WarehouseID: key.WarehouseID, ProductID: key.ProductID,
		Quantity: d("7"), Reference: core.DocumentRef{Type: "sales_order"}, IdempotencyKey: "so-1",
	})
	require.NoError(t, err)
	res, err := svc.Issue(ctx, core.IssueRequest{
		TenantID: key.TenantID, WarehouseID: key.WarehouseID, ProductID: key.ProductID,
		Quantity: d("7"), Reference: core.DocumentRef{Type: "delivery"}, IdempotencyKey: "dl-1",
	})
	require.NoError(t, err)
	assert.True(t, d("74").Equal(res.ExtendedCost), "extended cost %s", res.ExtendedCost)

	layers, err := svc.CostLayers(ctx, key)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.True(t, layers[0].RemainingQuantity.IsZero())
	assert.True(t, d("3").Equal(layers[1].RemainingQuantity))

	lvl, err := svc.GetLevel(ctx, key)
	require.NoError(t, err)
	assert.True(t, d("3").Equal(lvl.OnHand()))

	replay, err := svc.Issue(ctx, core.IssueRequest{
		TenantID: key.TenantID, WarehouseID: key.WarehouseID, ProductID: key.ProductID,
		Quantity: d("7"), Reference: core.DocumentRef{Type: "delivery"}, IdempotencyKey: "dl-1",
	})
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, res.MoveIDs, replay.MoveIDs)
}

func TestPostgres_ConcurrentReservations(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	svc := newService(postgres.NewStore(pool, 2*time.Second))
	key := core.LevelKey{TenantID: uuid.New(), WarehouseID: uuid.New(), ProductID: uuid.New()}

	_, err := svc.Receive(ctx, core.ReceiveRequest{
		TenantID: key.TenantID, WarehouseID: key.WarehouseID, ProductID: key.ProductID,
		Quantity: d("100"), UnitCost: d("1"),
		Reference: core.DocumentRef{Type: "goods_receipt"}, IdempotencyKey: "gr-1",
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Reserve(ctx, core.ReserveRequest{
				TenantID: key.TenantID, WarehouseID: key.WarehouseID, ProductID: key.ProductID,
				Quantity: d("60"), Reference: core.DocumentRef{Type: "sales_order"}, IdempotencyKey: uuid.NewString(),
			})
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
}

func TestPostgres_LockTimeout(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	store := postgres.NewStore(pool, 100*time.Millisecond)
	key := core.LevelKey{TenantID: uuid.New(), WarehouseID: uuid.New(), ProductID: uuid.New()}

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx core.Tx) error {
		_, err := tx.LockInventoryLevel(ctx, key, time.Now())
		return err
	}))

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.WithinTx(ctx, func(ctx context.Context, tx core.Tx) error {
			if _, err := tx.LockInventoryLevel(ctx, key, time.Now()); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := store.WithinTx(ctx, func(ctx context.Context, tx core.Tx) error {
		_, err := tx.LockInventoryLevel(ctx, key, time.Now())
		return err
	})
	assert.ErrorIs(t, err, core.ErrLockTimeout)

	close(release)
	require.NoError(t, <-done)
}

func TestPostgres_OutboxWrittenWithMove(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	store := postgres.NewStore(pool, 2*time.Second)
	svc := newService(store)
	tenant := uuid.New()

	res, err := svc.Receive(ctx, core.ReceiveRequest{
		TenantID: tenant, WarehouseID: uuid.New(), ProductID: uuid.New(),
		Quantity: d("1"), UnitCost: d("4"),
		Reference: core.DocumentRef{Type: "goods_receipt"}, IdempotencyKey: "gr-1",
	})
	require.NoError(t, err)

	pending, err := store.PendingEvents(ctx, 0)
	require.NoError(t, err)
	var mine *core.OutboxEvent
	for i := range pending {
		if pending[i].TenantID == tenant {
			mine = &pending[i]
		}
	}
	require.NotNil(t, mine)
	assert.Equal(t, core.EventStockReceived, mine.EventType)
	assert.Contains(t, string(mine.EventData), res.MoveIDs[0].String())

	require.NoError(t, store.MarkEventDelivered(ctx, mine.ID))
	assert.ErrorIs(t, store.MarkEventFailed(ctx, uuid.New()), core.ErrNotFound)
}

func TestPostgres_ValuationSettings(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	svc := newService(postgres.NewStore(pool, 2*time.Second))
	tenant, product := uuid.New(), uuid.New()

	_, err := svc.SetValuationSetting(ctx, core.ValuationSetting{TenantID: tenant, Method: core.ValuationAVCO})
	require.NoError(t, err)
	_, err = svc.SetValuationSetting(ctx, core.ValuationSetting{TenantID: tenant, ProductID: &product, Method: core.ValuationFIFO})
	require.NoError(t, err)
	_, err = svc.SetValuationSetting(ctx, core.ValuationSetting{TenantID: tenant, ProductID: &product, Method: core.ValuationAVCO})
	assert.ErrorIs(t, err, core.ErrValuationMethodLocked)

	// A product without its own setting follows the tenant default.
	other := uuid.New()
	wh := uuid.New()
	for _, c := range []string{"10", "14"} {
		_, err := svc.Receive(ctx, core.ReceiveRequest{
			TenantID: tenant, WarehouseID: wh, ProductID: other,
			Quantity: d("10"), UnitCost: d(c),
			Reference: core.DocumentRef{Type: "goods_receipt"}, IdempotencyKey: "gr-" + c,
		})
		require.NoError(t, err)
	}
	rec, err := svc.AverageCost(ctx, core.LevelKey{TenantID: tenant, WarehouseID: wh, ProductID: other})
	require.NoError(t, err)
	assert.True(t, d("12").Equal(rec.WeightedUnitCost), "weighted cost %s", rec.WeightedUnitCost)
}
