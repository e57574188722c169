/*
inventory.go - Partial and full consumption of stock units

PURPOSE:
  Applies and undoes the consumption of a stock unit. Pieces and volume are
  assumed uniformly distributed across a unit, so consuming pieces scales the
  volume proportionally.

INVARIANTS:
  1. Pieces and volume never go negative. Deducting more than is available
     is an InsufficientStock failure, never a clamp.
  2. A unit that reaches zero is consumed.
  3. Restore(Deduct(u)) == u, exactly, when given the removed quantities
     reported by Deduct.

DUPLICATE INPUTS:
  One entry may reference the same unit from several input rows. Those rows
  are merged into a single net deduction (MergeDeductions) and applied once,
  so the result never depends on row order.

EXAMPLE:
  unit: 100 pieces, 1.000 m³
  Deduct(unit, 40 pieces)  -> 60 pieces, 0.600 m³, status unchanged
  Deduct(unit, 100 pieces) -> 0 pieces, 0 m³, consumed
*/
package production

import (
	"sort"

	"github.com/shopspring/decimal"
)

// NetDeduction is the merged consumption of one stock unit by one entry.
type NetDeduction struct {
	StockUnitID StockUnitID
	Pieces      *int64 // nil => volume-only
	Volume      decimal.Decimal
}

// Deduction is the outcome of applying a NetDeduction to a unit.
type Deduction struct {
	Unit          StockUnit       // state after deduction
	PiecesRemoved *int64          // nil when consumed by volume
	VolumeRemoved decimal.Decimal // exact difference, used to restore
}

// Consumption returns the record of this deduction for entry.
func (d Deduction) Consumption(entry EntryID) Consumption {
	c := Consumption{EntryID: entry, StockUnitID: d.Unit.ID, Volume: d.VolumeRemoved}
	if d.PiecesRemoved != nil {
		c.Pieces = Pieces(*d.PiecesRemoved)
	}
	return c
}

// InventoryLedger holds the consumption math. It performs no I/O.
type InventoryLedger struct{}

func NewInventoryLedger() *InventoryLedger {
	return &InventoryLedger{}
}

// MergeDeductions sums the inputs per stock unit. If any row for a unit is
// volume-only the merged deduction is volume-only; otherwise pieces are
// summed. Result is ordered by stock unit ID.
func (l *InventoryLedger) MergeDeductions(inputs []Input) []NetDeduction {
	byUnit := make(map[StockUnitID]*NetDeduction)
	volumeOnly := make(map[StockUnitID]bool)

	for _, in := range inputs {
		nd, ok := byUnit[in.StockUnitID]
		if !ok {
			nd = &NetDeduction{StockUnitID: in.StockUnitID, Volume: decimal.Zero}
			byUnit[in.StockUnitID] = nd
		}
		nd.Volume = nd.Volume.Add(in.Volume)
		if in.PiecesUsed == nil || volumeOnly[in.StockUnitID] {
			volumeOnly[in.StockUnitID] = true
			nd.Pieces = nil
			continue
		}
		if nd.Pieces == nil {
			nd.Pieces = Pieces(0)
		}
		*nd.Pieces += *in.PiecesUsed
	}

	out := make([]NetDeduction, 0, len(byUnit))
	for _, nd := range byUnit {
		out = append(out, *nd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StockUnitID < out[j].StockUnitID })
	return out
}

// Deduct consumes pieces (or, when pieces is nil, volume) from unit.
// Units without a piece count are always consumed by volume.
func (l *InventoryLedger) Deduct(unit StockUnit, pieces *int64, volume decimal.Decimal) (Deduction, error) {
	next := unit.Clone()

	if pieces != nil && unit.Pieces != nil {
		current := *unit.Pieces
		if *pieces < 0 || *pieces > current {
			return Deduction{}, &InsufficientStockError{
				StockUnitID: unit.ID,
				Identifier:  unit.Identifier,
				Unit:        "pieces",
				Available:   decimal.NewFromInt(current),
				Requested:   decimal.NewFromInt(*pieces),
			}
		}
		remaining := current - *pieces
		next.Pieces = Pieces(remaining)
		if remaining == 0 {
			next.Volume = decimal.Zero
			l.markConsumed(&next, unit)
		} else {
			next.Volume = RoundVolume(unit.Volume.Mul(decimal.NewFromInt(remaining)).Div(decimal.NewFromInt(current)))
		}
		return Deduction{
			Unit:          next,
			PiecesRemoved: Pieces(*pieces),
			VolumeRemoved: unit.Volume.Sub(next.Volume),
		}, nil
	}

	if volume.IsNegative() || volume.GreaterThan(unit.Volume) {
		return Deduction{}, &InsufficientStockError{
			StockUnitID: unit.ID,
			Identifier:  unit.Identifier,
			Unit:        "m3",
			Available:   unit.Volume,
			Requested:   volume,
		}
	}
	next.Volume = decimal.Max(decimal.Zero, unit.Volume.Sub(volume))
	if next.Volume.IsZero() {
		l.markConsumed(&next, unit)
	}
	return Deduction{Unit: next, VolumeRemoved: unit.Volume.Sub(next.Volume)}, nil
}

// Restore adds back pieces and volume. A consumed unit returns to the status
// it held before consumption.
func (l *InventoryLedger) Restore(unit StockUnit, pieces *int64, volume decimal.Decimal) StockUnit {
	next := unit.Clone()
	if pieces != nil && next.Pieces != nil {
		*next.Pieces += *pieces
	}
	next.Volume = next.Volume.Add(volume)

	if next.Status == UnitConsumed && (volume.IsPositive() || (pieces != nil && *pieces > 0)) {
		next.Status = next.PriorStatus
		if next.Status == "" || next.Status == UnitConsumed {
			next.Status = defaultStatus(next)
		}
	}
	return next
}

func (l *InventoryLedger) markConsumed(next *StockUnit, before StockUnit) {
	if before.Status != UnitConsumed {
		next.PriorStatus = before.Status
	}
	next.Status = UnitConsumed
}

func defaultStatus(u StockUnit) UnitStatus {
	if u.OriginEntryID != nil {
		return UnitProduced
	}
	return UnitReceived
}
