/*
materializer.go - Staged output rows -> stock units

PURPOSE:
  On validation every staged output row becomes a stock unit. On
  re-validation the entry already has units from the previous run; the new
  rows are diffed against them instead of deleting and recreating, because
  other entries may already consume those units as inputs.

DIFF:
  existing units sorted by Sequence, rows sorted by SortOrder, paired by
  position:

    existing: [u0 u1 u2]        rows: [r0 r1]         -> update u0<-r0, u1<-r1, orphan u2
    existing: [u0]              rows: [r0 r1 r2]      -> update u0<-r0, insert r1, r2

  Orphans may be deleted only when no other entry uses them as input;
  otherwise the validation aborts with ReferencedElsewhere before any write.

CARRY FORWARD:
  An updated unit takes the row's contents minus whatever other validated
  entries have already consumed from it:

    row: 10 pcs, 0.300 m³   consumed by B: 5 pcs   -> unit: 5 pcs, 0.150 m³
    row:  4 pcs             consumed by B: 5 pcs   -> InsufficientStock
    row:  5 pcs             consumed by B: 5 pcs   -> unit consumed

IDENTIFIERS:
  Identifiers are unique per tenant. Plan checks duplicates within the rows
  and collisions with any unit outside this entry, before any write.
*/
package production

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaterializePlan is the set of writes that turns rows into units.
type MaterializePlan struct {
	EntryID EntryID
	Updates []StockUnit // existing identity, new contents
	Inserts []StockUnit
	Orphans []StockUnit
}

// OutputMaterializer plans and applies the row -> unit diff.
type OutputMaterializer struct {
	store  Store
	ledger *InventoryLedger
	now    func() time.Time
	newID  func() StockUnitID
}

func NewOutputMaterializer(store Store) *OutputMaterializer {
	return &OutputMaterializer{
		store:  store,
		ledger: NewInventoryLedger(),
		now:    time.Now,
		newID:  func() StockUnitID { return StockUnitID(uuid.NewString()) },
	}
}

// Plan computes the diff between rows and the units previously materialized
// for entry. It performs the identifier, orphan-reference and carry-forward
// checks; it writes nothing.
func (m *OutputMaterializer) Plan(ctx context.Context, entry Entry, rows []Output, existing []StockUnit) (*MaterializePlan, error) {
	rows = append([]Output(nil), rows...)
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].SortOrder != rows[j].SortOrder {
			return rows[i].SortOrder < rows[j].SortOrder
		}
		return rows[i].ID < rows[j].ID
	})
	existing = append([]StockUnit(nil), existing...)
	sort.SliceStable(existing, func(i, j int) bool { return existing[i].Sequence < existing[j].Sequence })

	if err := m.checkIdentifiers(ctx, entry, rows); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	plan := &MaterializePlan{EntryID: entry.ID}
	for i, row := range rows {
		if i < len(existing) {
			u := existing[i].Clone()
			applyRow(&u, row, i)
			u.Status = UnitProduced
			u.PriorStatus = UnitProduced
			u.UpdatedAt = now
			plan.Updates = append(plan.Updates, u)
			continue
		}
		origin := entry.ID
		u := StockUnit{
			ID:            m.newID(),
			TenantID:      entry.TenantID,
			OriginEntryID: &origin,
			Status:        UnitProduced,
			PriorStatus:   UnitProduced,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		applyRow(&u, row, i)
		plan.Inserts = append(plan.Inserts, u)
	}
	if len(existing) > len(rows) {
		plan.Orphans = append(plan.Orphans, existing[len(rows):]...)
	}

	if err := m.checkOrphans(ctx, entry.ID, plan.Orphans); err != nil {
		return nil, err
	}
	if err := m.carryForward(ctx, entry.ID, plan.Updates); err != nil {
		return nil, err
	}
	return plan, nil
}

// carryForward deducts, from each updated unit, what other entries have
// consumed from it. Their Consumption records stay valid for their own
// revert or re-validation.
func (m *OutputMaterializer) carryForward(ctx context.Context, entryID EntryID, updates []StockUnit) error {
	if len(updates) == 0 {
		return nil
	}
	ids := make([]StockUnitID, len(updates))
	for i, u := range updates {
		ids[i] = u.ID
	}
	consumed, err := m.store.ListConsumptionsOfStockUnits(ctx, ids)
	if err != nil {
		return persistenceError("look up unit consumptions", err)
	}

	var others []Input
	for _, c := range consumed {
		if c.EntryID == entryID {
			continue
		}
		others = append(others, Input{EntryID: c.EntryID, StockUnitID: c.StockUnitID, PiecesUsed: c.Pieces, Volume: c.Volume})
	}
	if len(others) == 0 {
		return nil
	}

	byID := make(map[StockUnitID]int, len(updates))
	for i, u := range updates {
		byID[u.ID] = i
	}
	for _, nd := range m.ledger.MergeDeductions(others) {
		i := byID[nd.StockUnitID]
		d, err := m.ledger.Deduct(updates[i], nd.Pieces, nd.Volume)
		if err != nil {
			return asEngineError(err)
		}
		updates[i] = d.Unit
	}
	return nil
}

// CheckRemaining reports ReferencedElsewhere when shrinking the entry to
// remaining rows would orphan a unit that another entry consumes.
func (m *OutputMaterializer) CheckRemaining(ctx context.Context, entryID EntryID, existing []StockUnit, remaining int) error {
	existing = append([]StockUnit(nil), existing...)
	sort.SliceStable(existing, func(i, j int) bool { return existing[i].Sequence < existing[j].Sequence })
	if len(existing) <= remaining {
		return nil
	}
	return m.checkOrphans(ctx, entryID, existing[remaining:])
}

// Apply performs the plan, recording each inverse with rb before writing.
// Orphans go first so their identifiers are free for the updates and inserts.
func (m *OutputMaterializer) Apply(ctx context.Context, plan *MaterializePlan, rb *RollbackCoordinator) error {
	if len(plan.Orphans) > 0 {
		ids := make([]StockUnitID, 0, len(plan.Orphans))
		for _, u := range plan.Orphans {
			if err := rb.TrackUnit(ctx, u); err != nil {
				return err
			}
			ids = append(ids, u.ID)
		}
		if err := m.store.DeleteStockUnits(ctx, ids); err != nil {
			return persistenceError("delete orphan units", err)
		}
	}

	for _, u := range plan.Updates {
		before, err := m.current(ctx, u.ID)
		if err != nil {
			return err
		}
		if err := rb.TrackUnit(ctx, before); err != nil {
			return err
		}
		if err := m.store.UpsertStockUnit(ctx, u); err != nil {
			return persistenceError("update output unit", err)
		}
	}

	for _, u := range plan.Inserts {
		if err := rb.TrackInsert(ctx, u.ID); err != nil {
			return err
		}
		if err := m.store.UpsertStockUnit(ctx, u); err != nil {
			return persistenceError("insert output unit", err)
		}
	}
	return nil
}

// Remove deletes every unit materialized for entry, after checking no other
// entry consumes them. Used by revert and entry deletion.
func (m *OutputMaterializer) Remove(ctx context.Context, entryID EntryID, units []StockUnit, rb *RollbackCoordinator) error {
	if err := m.checkOrphans(ctx, entryID, units); err != nil {
		return err
	}
	return m.Apply(ctx, &MaterializePlan{EntryID: entryID, Orphans: units}, rb)
}

func (m *OutputMaterializer) current(ctx context.Context, id StockUnitID) (StockUnit, error) {
	units, err := m.store.GetStockUnits(ctx, []StockUnitID{id})
	if err != nil {
		return StockUnit{}, persistenceError("load output unit", err)
	}
	u, ok := units[id]
	if !ok {
		return StockUnit{}, newError(CodeNotFound, "stock unit %s disappeared during validation", id)
	}
	return u, nil
}

func (m *OutputMaterializer) checkIdentifiers(ctx context.Context, entry Entry, rows []Output) error {
	seen := make(map[string]bool, len(rows))
	var dups []string
	idents := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.Identifier == "" {
			continue
		}
		if seen[r.Identifier] {
			dups = append(dups, r.Identifier)
			continue
		}
		seen[r.Identifier] = true
		idents = append(idents, r.Identifier)
	}
	if len(dups) > 0 {
		return &Error{
			Code:    CodeIdentifierConflict,
			Message: "identifiers repeated within the entry: " + strings.Join(dups, ", "),
			Details: dups,
		}
	}
	if len(idents) == 0 {
		return nil
	}

	found, err := m.store.FindStockUnitsByIdentifier(ctx, entry.TenantID, idents)
	if err != nil {
		return persistenceError("look up identifiers", err)
	}
	var clashes []string
	for _, u := range found {
		if u.OriginEntryID != nil && *u.OriginEntryID == entry.ID {
			continue
		}
		clashes = append(clashes, u.Identifier)
	}
	if len(clashes) > 0 {
		sort.Strings(clashes)
		return &Error{
			Code:    CodeIdentifierConflict,
			Message: "identifiers already used by other stock units: " + strings.Join(clashes, ", "),
			Details: clashes,
		}
	}
	return nil
}

func (m *OutputMaterializer) checkOrphans(ctx context.Context, entryID EntryID, orphans []StockUnit) error {
	if len(orphans) == 0 {
		return nil
	}
	ids := make([]StockUnitID, 0, len(orphans))
	byID := make(map[StockUnitID]StockUnit, len(orphans))
	for _, u := range orphans {
		ids = append(ids, u.ID)
		byID[u.ID] = u
	}
	refs, err := m.store.FindInputsReferencingStockUnits(ctx, ids)
	if err != nil {
		return persistenceError("look up unit references", err)
	}
	var blocked []string
	for _, in := range refs {
		if in.EntryID == entryID {
			continue
		}
		blocked = append(blocked, byID[in.StockUnitID].Identifier+" (entry "+string(in.EntryID)+")")
	}
	if len(blocked) > 0 {
		sort.Strings(blocked)
		return &Error{
			Code:    CodeReferencedElsewhere,
			Message: "stock units are consumed by other entries: " + strings.Join(blocked, ", "),
			Details: blocked,
		}
	}
	return nil
}

func applyRow(u *StockUnit, row Output, seq int) {
	u.Sequence = seq
	u.Identifier = row.Identifier
	u.Attributes = row.Attributes
	u.Dimensions = row.Dimensions
	u.Volume = row.Volume
	u.Pieces = nil
	if row.Pieces != nil {
		u.Pieces = Pieces(*row.Pieces)
	}
}
