// Package memory is an in-process core.Store for tests and local runs. Transactions run one at a
// time; each works on a private copy of the state that replaces the shared state on commit.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"inventory-ledger/internal/core"
)

type moveKey struct {
	tenantID uuid.UUID
	key      string
}

type settingKey struct {
	tenantID  uuid.UUID
	productID uuid.UUID // uuid.Nil for the tenant default
}

type state struct {
	moves     []core.StockMove
	moveByKey map[moveKey]int
	levels    map[core.LevelKey]core.InventoryLevel
	layers    []core.CostLayer
	averages  map[core.LevelKey]core.AverageCostRecord
	settings  map[settingKey]core.ValuationSetting
	lots      map[uuid.UUID]core.LotSerial
	events    []core.OutboxEvent
}

func newState() *state {
	return &state{
		moveByKey: make(map[moveKey]int),
		levels:    make(map[core.LevelKey]core.InventoryLevel),
		averages:  make(map[core.LevelKey]core.AverageCostRecord),
		settings:  make(map[settingKey]core.ValuationSetting),
		lots:      make(map[uuid.UUID]core.LotSerial),
	}
}

func (st *state) clone() *state {
	c := &state{
		moves:     append([]core.StockMove(nil), st.moves...),
		moveByKey: make(map[moveKey]int, len(st.moveByKey)),
		levels:    make(map[core.LevelKey]core.InventoryLevel, len(st.levels)),
		layers:    append([]core.CostLayer(nil), st.layers...),
		averages:  make(map[core.LevelKey]core.AverageCostRecord, len(st.averages)),
		settings:  make(map[settingKey]core.ValuationSetting, len(st.settings)),
		lots:      make(map[uuid.UUID]core.LotSerial, len(st.lots)),
		events:    append([]core.OutboxEvent(nil), st.events...),
	}
	for k, v := range st.moveByKey {
		c.moveByKey[k] = v
	}
	for k, v := range st.levels {
		c.levels[k] = v
	}
	for k, v := range st.averages {
		c.averages[k] = v
	}
	for k, v := range st.settings {
		c.settings[k] = v
	}
	for k, v := range st.lots {
		c.lots[k] = v
	}
	return c
}

// Store implements core.Store in memory.
type Store struct {
	mu          sync.RWMutex
	st          *state
	txSlot      chan struct{}
	lockTimeout time.Duration
}

var _ core.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long WithinTx waits for the running transaction to finish.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

func New(opts ...Option) *Store {
	s := &Store{
		st:          newState(),
		txSlot:      make(chan struct{}, 1),
		lockTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx core.Tx) error) error {
	wait := ctx
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}
	select {
	case s.txSlot <- struct{}{}:
	case <-wait.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("waiting for transaction: %w", ctx.Err())
		}
		return fmt.Errorf("waiting for transaction: %w", core.ErrLockTimeout)
	}
	defer func() { <-s.txSlot }()

	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = work
	s.mu.Unlock()
	return nil
}

// ── Non-locking reads ─────────────────────────────────────────────────────────

func (s *Store) FindInventoryLevel(_ context.Context, key core.LevelKey) (*core.InventoryLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if lvl, ok := s.st.levels[key]; ok {
		return &lvl, nil
	}
	return nil, nil
}

func (s *Store) ListInventoryLevels(_ context.Context, tenantID, warehouseID uuid.UUID) ([]core.InventoryLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.InventoryLevel
	for k, lvl := range s.st.levels {
		if k.TenantID == tenantID && k.WarehouseID == warehouseID {
			out = append(out, lvl)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ProductID[:], out[j].ProductID[:]) < 0
	})
	return out, nil
}

func (s *Store) FindStockMoveByKey(_ context.Context, tenantID uuid.UUID, key string) (*core.StockMove, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.moveByIdempotencyKey(tenantID, key), nil
}

func (s *Store) FindStockMovesByReference(_ context.Context, tenantID uuid.UUID, refType string, refID uuid.UUID) ([]core.StockMove, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.StockMove
	for _, m := range s.st.moves {
		if m.TenantID == tenantID && m.ReferenceType == refType && m.ReferenceID == refID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) FindStockMovesByLotSerial(_ context.Context, tenantID, lotSerialID uuid.UUID) ([]core.StockMove, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.StockMove
	for _, m := range s.st.moves {
		if m.TenantID == tenantID && m.LotSerialID != nil && *m.LotSerialID == lotSerialID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) ListCostLayers(_ context.Context, key core.LevelKey) ([]core.CostLayer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.layersFor(key, false), nil
}

func (s *Store) FindAverageCost(_ context.Context, key core.LevelKey) (*core.AverageCostRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.st.averages[key]; ok {
		return &rec, nil
	}
	return nil, nil
}

// ── Outbox relay ──────────────────────────────────────────────────────────────

func (s *Store) PendingEvents(_ context.Context, limit int) ([]core.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.OutboxEvent
	for _, ev := range s.st.events {
		if ev.Status != core.OutboxPending {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkEventDelivered(ctx context.Context, id uuid.UUID) error {
	return s.setEventStatus(ctx, id, core.OutboxDelivered)
}

func (s *Store) MarkEventFailed(ctx context.Context, id uuid.UUID) error {
	return s.setEventStatus(ctx, id, core.OutboxFailed)
}

// setEventStatus runs as a transaction so a concurrent commit cannot overwrite it.
func (s *Store) setEventStatus(ctx context.Context, id uuid.UUID, status core.OutboxStatus) error {
	return s.WithinTx(ctx, func(_ context.Context, coreTx core.Tx) error {
		st := coreTx.(*tx).st
		for i := range st.events {
			if st.events[i].ID == id {
				st.events[i].Status = status
				st.events[i].UpdatedAt = time.Now().UTC()
				return nil
			}
		}
		return fmt.Errorf("outbox event %s: %w", id, core.ErrNotFound)
	})
}

// ── state helpers ─────────────────────────────────────────────────────────────

func (st *state) moveByIdempotencyKey(tenantID uuid.UUID, key string) *core.StockMove {
	i, ok := st.moveByKey[moveKey{tenantID: tenantID, key: key}]
	if !ok {
		return nil
	}
	m := st.moves[i]
	return &m
}

// layersFor returns key's layers oldest first; openOnly drops exhausted ones.
func (st *state) layersFor(key core.LevelKey, openOnly bool) []core.CostLayer {
	var out []core.CostLayer
	for _, l := range st.layers {
		if l.LevelKey != key || l.DeletedAt != nil {
			continue
		}
		if openOnly && !l.RemainingQuantity.IsPositive() {
			continue
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].LayerID[:], out[j].LayerID[:]) < 0
	})
	return out
}
