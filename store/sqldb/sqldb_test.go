package sqldb_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/production-engine/production"
	"github.com/warp/production-engine/store/sqldb"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqldb.Store {
	t.Helper()
	store, err := sqldb.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func attrs() production.Attributes {
	return production.Attributes{
		Product: "board", Species: "pine", Humidity: "kd", Type: "sawn",
		Processing: "rough", Certification: "pefc", Quality: "b",
	}
}

func seedEntry(t *testing.T, store *sqldb.Store, id production.EntryID) production.Entry {
	t.Helper()
	now := time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC)
	e := production.Entry{
		ID:             id,
		TenantID:       "t1",
		OwnerID:        "owner",
		ProcessCode:    "PL",
		WorkFormula:    production.FormulaPieces,
		ProductionDate: now,
		Status:         production.StatusDraft,
		Type:           production.EntryStandard,
		Totals:         production.ComputeTotals(nil, nil),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, store.SaveEntry(context.Background(), e))
	return e
}

// =============================================================================
// ENTRIES
// =============================================================================

func TestStore_EntryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := seedEntry(t, store, "e1")

	got, err := store.GetEntry(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, e.ProcessCode, got.ProcessCode)
	assert.Equal(t, production.StatusDraft, got.Status)
	assert.True(t, e.ProductionDate.Equal(got.ProductionDate))
	assert.True(t, got.Totals.WastePct.Equal(dec("100")))
	assert.Nil(t, got.PlannedWork)

	missing, err := store.GetEntry(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_CompareAndSwapStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedEntry(t, store, "e1")

	ok, err := store.CompareAndSwapStatus(ctx, "e1", production.StatusDraft, production.StatusValidating)
	require.NoError(t, err)
	assert.True(t, ok)

	// GIVEN: the lock is held, WHEN: a second caller tries, THEN: no row matches
	ok, err = store.CompareAndSwapStatus(ctx, "e1", production.StatusDraft, production.StatusValidating)
	require.NoError(t, err)
	assert.False(t, ok)

	planned := dec("12")
	at := time.Date(2025, time.March, 11, 0, 0, 0, 0, time.UTC)
	totals := production.ComputeTotals(
		[]production.Input{{Volume: dec("1")}},
		[]production.Output{{Volume: dec("0.5")}},
	)
	ok, err = store.CommitValidation(ctx, "e1", totals, &planned, at)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, production.StatusValidated, got.Status)
	require.NotNil(t, got.ValidatedAt)
	assert.True(t, at.Equal(*got.ValidatedAt))
	assert.True(t, got.Totals.OutcomePct.Equal(dec("50")))
	require.NotNil(t, got.PlannedWork)
	assert.True(t, got.PlannedWork.Equal(planned))

	// Commit only applies while validating
	ok, err = store.CommitValidation(ctx, "e1", totals, nil, at)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SaveEntryKeepsStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := seedEntry(t, store, "e1")
	_, err := store.CompareAndSwapStatus(ctx, "e1", production.StatusDraft, production.StatusValidating)
	require.NoError(t, err)

	e.InvoiceNumber = "INV-7"
	e.Status = production.StatusDraft
	require.NoError(t, store.SaveEntry(ctx, e))

	got, err := store.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, production.StatusValidating, got.Status)
	assert.Equal(t, "INV-7", got.InvoiceNumber)
}

func TestStore_ListInputsInCreationOrder(t *testing.T) {
	// GIVEN: two inputs half a second apart, one on a whole second
	ctx := context.Background()
	store := newTestStore(t)
	seedEntry(t, store, "e1")
	whole := time.Date(2025, time.March, 10, 8, 0, 5, 0, time.UTC)
	for _, in := range []production.Input{
		{ID: "b", EntryID: "e1", StockUnitID: "u1", Volume: dec("0.1"), CreatedAt: whole},
		{ID: "a", EntryID: "e1", StockUnitID: "u1", Volume: dec("0.2"), CreatedAt: whole.Add(500 * time.Millisecond)},
	} {
		require.NoError(t, store.SaveInput(ctx, in))
	}

	// WHEN
	inputs, err := store.ListInputs(ctx, "e1")

	// THEN: oldest first, with the timestamps intact
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Equal(t, production.InputID("b"), inputs[0].ID)
	assert.Equal(t, production.InputID("a"), inputs[1].ID)
	assert.True(t, inputs[0].CreatedAt.Equal(whole))
	assert.True(t, inputs[1].CreatedAt.Equal(whole.Add(500*time.Millisecond)))
}

// =============================================================================
// STOCK UNITS
// =============================================================================

func TestStore_StockUnitIdentifierUniquePerTenant(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	unit := production.StockUnit{
		ID: "u1", TenantID: "t1", Identifier: "R-1", Attributes: attrs(),
		Pieces: production.Pieces(10), Volume: dec("0.5"),
		Status: production.UnitReceived, PriorStatus: production.UnitReceived,
	}
	require.NoError(t, store.UpsertStockUnit(ctx, unit))

	dup := unit
	dup.ID = "u2"
	err := store.UpsertStockUnit(ctx, dup)
	assert.True(t, errors.Is(err, sqldb.ErrDuplicateIdentifier))

	other := dup
	other.TenantID = "t2"
	require.NoError(t, store.UpsertStockUnit(ctx, other))

	units, err := store.GetStockUnits(ctx, []production.StockUnitID{"u1", "u2", "missing"})
	require.NoError(t, err)
	assert.Len(t, units, 2)
	assert.Equal(t, int64(10), *units["u1"].Pieces)
	assert.Equal(t, attrs(), units["u1"].Attributes)
}

func TestStore_ConsumptionsAndJournal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedEntry(t, store, "e1")

	cs := []production.Consumption{
		{EntryID: "e1", StockUnitID: "a", Pieces: production.Pieces(4), Volume: dec("0.04")},
		{EntryID: "e1", StockUnitID: "b", Volume: dec("0.5")},
	}
	require.NoError(t, store.ReplaceConsumptions(ctx, "e1", cs))
	got, err := store.ListConsumptions(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), *got[0].Pieces)
	assert.Nil(t, got[1].Pieces)

	seedEntry(t, store, "e2")
	require.NoError(t, store.ReplaceConsumptions(ctx, "e2", []production.Consumption{
		{EntryID: "e2", StockUnitID: "a", Pieces: production.Pieces(1), Volume: dec("0.01")},
		{EntryID: "e2", StockUnitID: "c", Volume: dec("0.2")},
	}))
	ofUnit, err := store.ListConsumptionsOfStockUnits(ctx, []production.StockUnitID{"a"})
	require.NoError(t, err)
	require.Len(t, ofUnit, 2)
	assert.Equal(t, production.EntryID("e1"), ofUnit[0].EntryID)
	assert.Equal(t, production.EntryID("e2"), ofUnit[1].EntryID)
	assert.True(t, ofUnit[1].Volume.Equal(dec("0.01")))

	require.NoError(t, store.ReplaceConsumptions(ctx, "e1", nil))
	got, err = store.ListConsumptions(ctx, "e1")
	require.NoError(t, err)
	assert.Empty(t, got)

	before := production.StockUnit{ID: "a", TenantID: "t1", Identifier: "R-a", Volume: dec("1"), Pieces: production.Pieces(3)}
	rec := production.JournalRecord{
		EntryID: "e1", Seq: 0, PriorStatus: production.StatusValidated,
		Op:        production.InverseOp{Kind: production.InverseRestoreUnit, StockUnitID: "a", Before: &before},
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.AppendJournal(ctx, rec))

	journal, err := store.LoadJournal(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, journal, 1)
	assert.Equal(t, production.StatusValidated, journal[0].PriorStatus)
	require.NotNil(t, journal[0].Op.Before)
	assert.True(t, journal[0].Op.Before.Volume.Equal(dec("1")))
	assert.Equal(t, int64(3), *journal[0].Op.Before.Pieces)

	require.NoError(t, store.ClearJournal(ctx, "e1"))
	journal, err = store.LoadJournal(ctx, "e1")
	require.NoError(t, err)
	assert.Empty(t, journal)
}

// =============================================================================
// END TO END
// =============================================================================

func TestStore_WorkflowOnSQLite(t *testing.T) {
	// GIVEN: a received unit of 100 pieces and an entry consuming 40 of them
	ctx := context.Background()
	store := newTestStore(t)
	log := logrus.New()
	log.SetOutput(io.Discard)
	wf := production.NewWorkflow(store, nil, log)
	ed := production.NewEditor(store, wf)
	owner := production.Actor{UserID: "owner", TenantID: "t1"}
	admin := production.Actor{UserID: "admin", TenantID: "t1", Privileged: true}

	unit, err := ed.ReceiveStockUnit(ctx, owner, production.NewStockUnit{
		Identifier: "R-1", Attributes: attrs(), Pieces: production.Pieces(100), Volume: dec("1.000"),
	})
	require.NoError(t, err)
	entry, err := ed.CreateEntry(ctx, owner, production.NewEntry{ProcessCode: "PL", ProductionDate: time.Now()})
	require.NoError(t, err)
	_, err = ed.AddInput(ctx, owner, entry.ID, unit.ID, production.Pieces(40), nil)
	require.NoError(t, err)
	for _, v := range []string{"0.3", "0.2"} {
		v := dec(v)
		_, err = ed.StageOutput(ctx, owner, entry.ID, production.OutputDraft{Attributes: attrs(), Volume: &v})
		require.NoError(t, err)
	}
	_, err = ed.AssignIdentifiers(ctx, owner, entry.ID)
	require.NoError(t, err)

	// WHEN
	res, err := wf.Submit(ctx, owner, entry.ID)
	require.NoError(t, err)

	// THEN
	assert.Equal(t, production.StatusValidated, res.Entry.Status)
	units, err := store.GetStockUnits(ctx, []production.StockUnitID{unit.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(60), *units[unit.ID].Pieces)
	assert.True(t, units[unit.ID].Volume.Equal(dec("0.6")))

	produced, err := store.ListStockUnitsByOrigin(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, produced, 2)
	assert.Equal(t, "N-PL-0001", produced[0].Identifier)
	assert.Equal(t, "N-PL-0002", produced[1].Identifier)

	// AND: revert restores the received unit
	_, err = wf.Revert(ctx, admin, entry.ID)
	require.NoError(t, err)
	units, err = store.GetStockUnits(ctx, []production.StockUnitID{unit.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(100), *units[unit.ID].Pieces)
	produced, err = store.ListStockUnitsByOrigin(ctx, entry.ID)
	require.NoError(t, err)
	assert.Empty(t, produced)

	taken, err := store.ListTakenIdentifiers(ctx, "t1", "N-PL-")
	require.NoError(t, err)
	assert.Equal(t, []string{"N-PL-0001", "N-PL-0002"}, taken, "staged outputs keep their numbers")
}
