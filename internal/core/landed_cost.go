package core

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AllocationMethod decides how a landed charge is spread across receipt lines.
type AllocationMethod string

const (
	AllocateByValue    AllocationMethod = "by_value"
	AllocateByQuantity AllocationMethod = "by_quantity"
)

const centScale = 2

// ReceiptLine is one product line of a goods receipt.
type ReceiptLine struct {
	ProductID    uuid.UUID       `json:"product_id"`
	LotSerialID  *uuid.UUID      `json:"lot_serial_id,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	LandedAmount decimal.Decimal `json:"landed_amount"`
}

// Value is Quantity * UnitCost before landed charges.
func (l ReceiptLine) Value() decimal.Decimal {
	return l.Quantity.Mul(l.UnitCost)
}

// LandedCharge is freight, duty, insurance and the like, to be capitalized into receipt lines.
type LandedCharge struct {
	Description string           `json:"description"`
	Amount      decimal.Decimal  `json:"amount"`
	Method      AllocationMethod `json:"method"`
}

// AllocateLandedCost spreads every charge over lines and returns copies of lines with
// LandedAmount set and UnitCost raised to (value + landed) / quantity. Each charge is split to
// the cent with the largest-remainder method, so per-charge allocations always sum to the charge.
func AllocateLandedCost(lines []ReceiptLine, charges []LandedCharge) ([]ReceiptLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("no receipt lines to allocate to: %w", ErrInvalidInput)
	}
	for i, l := range lines {
		if !l.Quantity.IsPositive() {
			return nil, fmt.Errorf("line %d: quantity must be positive: %w", i, ErrInvalidInput)
		}
		if l.UnitCost.IsNegative() {
			return nil, fmt.Errorf("line %d: unit cost must not be negative: %w", i, ErrInvalidInput)
		}
	}

	out := make([]ReceiptLine, len(lines))
	copy(out, lines)
	landed := make([]decimal.Decimal, len(lines))
	for i := range landed {
		landed[i] = decimal.Zero
	}

	for _, c := range charges {
		if c.Amount.IsNegative() {
			return nil, fmt.Errorf("charge %q: amount must not be negative: %w", c.Description, ErrInvalidInput)
		}
		weights := make([]decimal.Decimal, len(lines))
		for i, l := range lines {
			switch c.Method {
			case AllocateByValue:
				weights[i] = l.Value()
			case AllocateByQuantity:
				weights[i] = l.Quantity
			default:
				return nil, fmt.Errorf("charge %q: unknown allocation method %q: %w", c.Description, c.Method, ErrInvalidInput)
			}
		}
		shares, err := largestRemainder(c.Amount, weights)
		if err != nil {
			return nil, fmt.Errorf("charge %q: %w", c.Description, err)
		}
		for i := range landed {
			landed[i] = landed[i].Add(shares[i])
		}
	}

	for i := range out {
		out[i].LandedAmount = landed[i]
		out[i].UnitCost = out[i].Value().Add(landed[i]).DivRound(out[i].Quantity, costScale)
	}
	return out, nil
}

// largestRemainder splits amount (rounded to cents) in proportion to weights. Every share is a
// whole number of cents and the shares sum to amount exactly.
func largestRemainder(amount decimal.Decimal, weights []decimal.Decimal) ([]decimal.Decimal, error) {
	total := decimal.Zero
	for _, w := range weights {
		total = total.Add(w)
	}
	if !total.IsPositive() {
		return nil, fmt.Errorf("allocation basis is zero: %w", ErrInvalidInput)
	}

	cents := amount.Round(centScale).Shift(centScale)
	type part struct {
		idx      int
		floor    decimal.Decimal
		fraction decimal.Decimal
	}
	parts := make([]part, len(weights))
	allocated := decimal.Zero
	for i, w := range weights {
		exact := cents.Mul(w).Div(total)
		floor := exact.Floor()
		parts[i] = part{idx: i, floor: floor, fraction: exact.Sub(floor)}
		allocated = allocated.Add(floor)
	}

	remainder := cents.Sub(allocated).IntPart()
	sort.SliceStable(parts, func(a, b int) bool {
		return parts[a].fraction.GreaterThan(parts[b].fraction)
	})
	shares := make([]decimal.Decimal, len(weights))
	for _, p := range parts {
		c := p.floor
		if remainder > 0 {
			c = c.Add(decimal.NewFromInt(1))
			remainder--
		}
		shares[p.idx] = c.Shift(-centScale)
	}
	return shares, nil
}
