package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LotPick is the quantity to take from one lot or serial.
type LotPick struct {
	Lot      LotSerial       `json:"lot"`
	Quantity decimal.Decimal `json:"quantity"`
}

// LotSelector chooses which lots satisfy an outbound quantity: first-expired-first-out by
// default, or an explicit list of serials.
type LotSelector struct {
	now func() time.Time
}

func NewLotSelector(now func() time.Time) *LotSelector {
	if now == nil {
		now = time.Now
	}
	return &LotSelector{now: now}
}

// today is midnight UTC; a lot expiring today is no longer pickable.
func (s *LotSelector) today() time.Time {
	return s.now().UTC().Truncate(24 * time.Hour)
}

// FindAvailableForPicking locks pickable lots in FEFO order and returns the shortest prefix
// that covers qty. When stock runs out the whole pickable set is returned.
func (s *LotSelector) FindAvailableForPicking(ctx context.Context, tx Tx, tenantID, productID, warehouseID uuid.UUID, qty decimal.Decimal) ([]LotSerial, error) {
	asOf := s.today()
	lots, err := tx.LockLotsForPicking(ctx, tenantID, productID, warehouseID, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to lock lots for picking: %w", err)
	}
	SortFEFO(lots)

	var selected []LotSerial
	covered := decimal.Zero
	for _, lot := range lots {
		if covered.GreaterThanOrEqual(qty) {
			break
		}
		if !lot.Pickable(asOf) {
			continue
		}
		selected = append(selected, lot)
		covered = covered.Add(lot.RemainingQuantity)
	}
	return selected, nil
}

// LockExplicit locks the given lots or serials in the order supplied. Missing ids, lots held
// for another product or warehouse, and unpickable lots are rejected.
func (s *LotSelector) LockExplicit(ctx context.Context, tx Tx, key LevelKey, ids []uuid.UUID) ([]LotSerial, error) {
	locked, err := tx.LockLots(ctx, key.TenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to lock lots: %w", err)
	}
	byID := make(map[uuid.UUID]LotSerial, len(locked))
	for _, l := range locked {
		byID[l.ID] = l
	}

	asOf := s.today()
	out := make([]LotSerial, 0, len(ids))
	for _, id := range ids {
		lot, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("lot %s: %w", id, ErrNotFound)
		}
		if err := lotBelongsTo(lot, key); err != nil {
			return nil, err
		}
		if !lot.Pickable(asOf) {
			return nil, fmt.Errorf("lot %s is not available: %w", id, ErrInsufficientStock)
		}
		out = append(out, lot)
	}
	return out, nil
}

// Consume decrements each picked lot and marks it consumed once empty.
func (s *LotSelector) Consume(ctx context.Context, tx Tx, picks []LotPick) error {
	now := s.now().UTC()
	for _, p := range picks {
		lot := p.Lot
		lot.RemainingQuantity = lot.RemainingQuantity.Sub(p.Quantity)
		if lot.RemainingQuantity.IsNegative() {
			return fmt.Errorf("lot %s: remaining %s, picked %s: %w", lot.ID, p.Lot.RemainingQuantity, p.Quantity, ErrNegativeQuantity)
		}
		if lot.RemainingQuantity.IsZero() {
			lot.Status = LotConsumed
		}
		lot.Touch(now)
		if err := tx.UpdateLot(ctx, lot); err != nil {
			return fmt.Errorf("failed to update lot %s: %w", lot.ID, err)
		}
	}
	return nil
}

// Restock adds quantity back to an existing lot of key's product and warehouse, reactivating it
// if it had been consumed. A serial never holds more than one unit.
func (s *LotSelector) Restock(ctx context.Context, tx Tx, key LevelKey, lotID uuid.UUID, qty decimal.Decimal) (LotSerial, error) {
	lots, err := tx.LockLots(ctx, key.TenantID, []uuid.UUID{lotID})
	if err != nil {
		return LotSerial{}, fmt.Errorf("failed to lock lot: %w", err)
	}
	if len(lots) == 0 {
		return LotSerial{}, fmt.Errorf("lot %s: %w", lotID, ErrNotFound)
	}
	lot := lots[0]
	if err := lotBelongsTo(lot, key); err != nil {
		return LotSerial{}, err
	}
	lot.RemainingQuantity = lot.RemainingQuantity.Add(qty)
	if lot.TrackingType == TrackingSerial && lot.RemainingQuantity.GreaterThan(decimal.NewFromInt(1)) {
		return LotSerial{}, fmt.Errorf("serial %s would hold %s units: %w", lot.ID, lot.RemainingQuantity, ErrInvalidInput)
	}
	if lot.Status == LotConsumed && lot.RemainingQuantity.IsPositive() {
		lot.Status = LotActive
	}
	lot.Touch(s.now().UTC())
	if err := tx.UpdateLot(ctx, lot); err != nil {
		return LotSerial{}, fmt.Errorf("failed to update lot %s: %w", lot.ID, err)
	}
	return lot, nil
}

func lotBelongsTo(lot LotSerial, key LevelKey) error {
	if lot.ProductID != key.ProductID {
		return fmt.Errorf("lot %s belongs to product %s: %w", lot.ID, lot.ProductID, ErrInvalidInput)
	}
	if lot.WarehouseID != key.WarehouseID {
		return fmt.Errorf("lot %s is held in warehouse %s: %w", lot.ID, lot.WarehouseID, ErrInvalidInput)
	}
	return nil
}

// PlanLotPicks takes from lots in order until qty is covered. Serials contribute one unit each.
func PlanLotPicks(lots []LotSerial, qty decimal.Decimal) ([]LotPick, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("pick quantity must be positive: %w", ErrInvalidInput)
	}
	need := qty
	var picks []LotPick
	for _, lot := range lots {
		if !need.IsPositive() {
			break
		}
		avail := lot.RemainingQuantity
		if lot.TrackingType == TrackingSerial {
			avail = decimal.Min(avail, decimal.NewFromInt(1))
		}
		take := decimal.Min(need, avail)
		if !take.IsPositive() {
			continue
		}
		picks = append(picks, LotPick{Lot: lot, Quantity: take})
		need = need.Sub(take)
	}
	if need.IsPositive() {
		return nil, fmt.Errorf("lots cover %s of %s: %w", qty.Sub(need), qty, ErrInsufficientStock)
	}
	return picks, nil
}

// SortFEFO orders lots by expiry (no expiry last), then creation time.
func SortFEFO(lots []LotSerial) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		switch {
		case a.ExpiryDate == nil && b.ExpiryDate != nil:
			return false
		case a.ExpiryDate != nil && b.ExpiryDate == nil:
			return true
		case a.ExpiryDate != nil && b.ExpiryDate != nil && !a.ExpiryDate.Equal(*b.ExpiryDate):
			return a.ExpiryDate.Before(*b.ExpiryDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return compareUUID(a.ID, b.ID) < 0
	})
}
