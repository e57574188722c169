// Package store provides in-process implementations of the production
// stores.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/production-engine/production"
)

// ErrDuplicateIdentifier is returned when a write would give two stock units
// of one tenant the same identifier.
var ErrDuplicateIdentifier = errors.New("duplicate stock unit identifier")

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	entries      map[production.EntryID]production.Entry
	inputs       map[production.InputID]production.Input
	outputs      map[production.OutputID]production.Output
	units        map[production.StockUnitID]production.StockUnit
	consumptions map[production.EntryID][]production.Consumption
	journal      map[production.EntryID][]production.JournalRecord
}

var (
	_ production.EditStore    = (*Memory)(nil)
	_ production.JournalStore = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		entries:      make(map[production.EntryID]production.Entry),
		inputs:       make(map[production.InputID]production.Input),
		outputs:      make(map[production.OutputID]production.Output),
		units:        make(map[production.StockUnitID]production.StockUnit),
		consumptions: make(map[production.EntryID][]production.Consumption),
		journal:      make(map[production.EntryID][]production.JournalRecord),
	}
}

// =============================================================================
// ENTRIES
// =============================================================================

func (m *Memory) GetEntry(_ context.Context, id production.EntryID) (*production.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *Memory) CompareAndSwapStatus(_ context.Context, id production.EntryID, expected, next production.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.Status != expected {
		return false, nil
	}
	e.Status = next
	if next == production.StatusDraft {
		e.ValidatedAt = nil
	}
	m.entries[id] = e
	return true, nil
}

func (m *Memory) CommitValidation(_ context.Context, id production.EntryID, totals production.Totals, planned *decimal.Decimal, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.Status != production.StatusValidating {
		return false, nil
	}
	e.Status = production.StatusValidated
	e.Totals = totals
	e.PlannedWork = planned
	e.ValidatedAt = &at
	e.UpdatedAt = at
	m.entries[id] = e
	return true, nil
}

func (m *Memory) SaveEntry(_ context.Context, entry production.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.entries[entry.ID]; ok {
		entry.Status = prev.Status
		entry.ValidatedAt = prev.ValidatedAt
		entry.CreatedAt = prev.CreatedAt
	}
	m.entries[entry.ID] = entry
	return nil
}

func (m *Memory) DeleteEntry(_ context.Context, id production.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	for k, in := range m.inputs {
		if in.EntryID == id {
			delete(m.inputs, k)
		}
	}
	for k, out := range m.outputs {
		if out.EntryID == id {
			delete(m.outputs, k)
		}
	}
	delete(m.consumptions, id)
	return nil
}

func (m *Memory) FindCorrections(_ context.Context, id production.EntryID) ([]production.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []production.Entry
	for _, e := range m.entries {
		if e.CorrectsEntryID != nil && *e.CorrectsEntryID == id {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// ROWS
// =============================================================================

func (m *Memory) ListInputs(_ context.Context, entryID production.EntryID) ([]production.Input, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []production.Input
	for _, in := range m.inputs {
		if in.EntryID == entryID {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) SaveInput(_ context.Context, in production.Input) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs[in.ID] = in
	return nil
}

func (m *Memory) DeleteInput(_ context.Context, id production.InputID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inputs, id)
	return nil
}

func (m *Memory) FindInputsReferencingStockUnits(_ context.Context, ids []production.StockUnitID) ([]production.Input, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[production.StockUnitID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []production.Input
	for _, in := range m.inputs {
		if want[in.StockUnitID] {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListOutputs(_ context.Context, entryID production.EntryID) ([]production.Output, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []production.Output
	for _, o := range m.outputs {
		if o.EntryID == entryID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) SaveOutput(_ context.Context, o production.Output) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[o.ID] = o
	return nil
}

func (m *Memory) DeleteOutput(_ context.Context, id production.OutputID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.outputs, id)
	return nil
}

// =============================================================================
// STOCK UNITS
// =============================================================================

func (m *Memory) GetStockUnits(_ context.Context, ids []production.StockUnitID) (map[production.StockUnitID]production.StockUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[production.StockUnitID]production.StockUnit, len(ids))
	for _, id := range ids {
		if u, ok := m.units[id]; ok {
			out[id] = u.Clone()
		}
	}
	return out, nil
}

func (m *Memory) ListStockUnitsByOrigin(_ context.Context, entryID production.EntryID) ([]production.StockUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []production.StockUnit
	for _, u := range m.units {
		if u.OriginEntryID != nil && *u.OriginEntryID == entryID {
			out = append(out, u.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// UpsertStockUnit enforces identifier uniqueness per tenant the way a unique
// index would.
func (m *Memory) UpsertStockUnit(_ context.Context, u production.StockUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.units {
		if id != u.ID && other.TenantID == u.TenantID && other.Identifier == u.Identifier {
			return ErrDuplicateIdentifier
		}
	}
	m.units[u.ID] = u.Clone()
	return nil
}

func (m *Memory) DeleteStockUnits(_ context.Context, ids []production.StockUnitID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.units, id)
	}
	return nil
}

func (m *Memory) FindStockUnitsByIdentifier(_ context.Context, tenant production.TenantID, identifiers []string) ([]production.StockUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]bool, len(identifiers))
	for _, s := range identifiers {
		want[s] = true
	}
	var out []production.StockUnit
	for _, u := range m.units {
		if u.TenantID == tenant && want[u.Identifier] {
			out = append(out, u.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

func (m *Memory) ListTakenIdentifiers(_ context.Context, tenant production.TenantID, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	for _, u := range m.units {
		if u.TenantID == tenant && strings.HasPrefix(u.Identifier, prefix) {
			seen[u.Identifier] = true
		}
	}
	for _, o := range m.outputs {
		e, ok := m.entries[o.EntryID]
		if ok && e.TenantID == tenant && strings.HasPrefix(o.Identifier, prefix) {
			seen[o.Identifier] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// =============================================================================
// CONSUMPTIONS + JOURNAL
// =============================================================================

func (m *Memory) ListConsumptions(_ context.Context, entryID production.EntryID) ([]production.Consumption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]production.Consumption(nil), m.consumptions[entryID]...), nil
}

func (m *Memory) ListConsumptionsOfStockUnits(_ context.Context, ids []production.StockUnitID) ([]production.Consumption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[production.StockUnitID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []production.Consumption
	for _, cs := range m.consumptions {
		for _, c := range cs {
			if want[c.StockUnitID] {
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StockUnitID != out[j].StockUnitID {
			return out[i].StockUnitID < out[j].StockUnitID
		}
		return out[i].EntryID < out[j].EntryID
	})
	return out, nil
}

func (m *Memory) ReplaceConsumptions(_ context.Context, entryID production.EntryID, cs []production.Consumption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(cs) == 0 {
		delete(m.consumptions, entryID)
		return nil
	}
	m.consumptions[entryID] = append([]production.Consumption(nil), cs...)
	return nil
}

func (m *Memory) AppendJournal(_ context.Context, rec production.JournalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal[rec.EntryID] = append(m.journal[rec.EntryID], rec)
	return nil
}

func (m *Memory) LoadJournal(_ context.Context, entryID production.EntryID) ([]production.JournalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]production.JournalRecord(nil), m.journal[entryID]...), nil
}

func (m *Memory) ClearJournal(_ context.Context, entryID production.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.journal, entryID)
	return nil
}
