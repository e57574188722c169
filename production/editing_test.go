package production_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/production-engine/production"
)

// =============================================================================
// ENTRIES
// =============================================================================

func TestCreateEntry_InvalidRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.ed.CreateEntry(f.ctx, f.owner, production.NewEntry{
		ProcessCode:    "PL",
		WorkFormula:    "by-magic",
		ProductionDate: time.Now(),
	})

	var perr *production.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, production.CodePreconditionFailed, perr.Code)
	assert.Contains(t, perr.Details, "work_formula failed oneof")
}

func TestCreateCorrection_RequiresValidatedEntry(t *testing.T) {
	f := newFixture(t)
	e, _ := f.readyEntry(t)

	_, err := f.ed.CreateCorrection(f.ctx, f.owner, e.ID)
	assert.True(t, errors.Is(err, production.ErrPreconditionFailed))

	_, err = f.wf.Submit(f.ctx, f.owner, e.ID)
	require.NoError(t, err)

	c, err := f.ed.CreateCorrection(f.ctx, f.owner, e.ID)
	require.NoError(t, err)
	assert.Equal(t, production.EntryCorrection, c.Type)
	require.NotNil(t, c.CorrectsEntryID)
	assert.Equal(t, e.ID, *c.CorrectsEntryID)
	assert.Equal(t, "PL", c.ProcessCode)
}

func TestDeleteEntry_Draft(t *testing.T) {
	f := newFixture(t)
	e, _ := f.readyEntry(t)

	require.NoError(t, f.ed.DeleteEntry(f.ctx, f.owner, e.ID))

	got, err := f.store.GetEntry(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	inputs, err := f.store.ListInputs(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, inputs)
}

func TestDeleteEntry_Validated_RevertsFirst(t *testing.T) {
	f := newFixture(t)
	e, unit := f.readyEntry(t)
	_, err := f.wf.Submit(f.ctx, f.owner, e.ID)
	require.NoError(t, err)

	require.NoError(t, f.ed.DeleteEntry(f.ctx, f.admin, e.ID))

	assert.Equal(t, int64(100), *f.unit(t, unit.ID).Pieces)
	assert.Empty(t, f.produced(t, e.ID))
}

func TestDeleteEntry_Corrected_ReferencedElsewhere(t *testing.T) {
	f := newFixture(t)
	e, _ := f.readyEntry(t)
	_, err := f.wf.Submit(f.ctx, f.owner, e.ID)
	require.NoError(t, err)
	_, err = f.ed.CreateCorrection(f.ctx, f.owner, e.ID)
	require.NoError(t, err)

	err = f.ed.DeleteEntry(f.ctx, f.admin, e.ID)

	assert.True(t, errors.Is(err, production.ErrReferencedElsewhere))
	assert.Equal(t, production.StatusValidated, f.entry(t, e.ID).Status)
}

func TestRecalculate_DoesNotTouchInventory(t *testing.T) {
	f := newFixture(t)
	e, unit := f.readyEntry(t)

	got, err := f.ed.Recalculate(f.ctx, f.owner, e.ID)
	require.NoError(t, err)

	assert.True(t, got.Totals.InputVolume.Equal(vol("0.4")))
	assert.True(t, got.Totals.OutputVolume.Equal(vol("0.5")))
	assert.Equal(t, production.StatusDraft, f.entry(t, e.ID).Status)
	assert.Equal(t, int64(100), *f.unit(t, unit.ID).Pieces)
}

// =============================================================================
// ROWS
// =============================================================================

func TestAddInput_DefaultsToProportionalVolume(t *testing.T) {
	f := newFixture(t)
	unit := f.receive(t, "R-1", production.Pieces(8), "0.2")
	e := f.draft(t)

	in, err := f.ed.AddInput(f.ctx, f.owner, e.ID, unit.ID, production.Pieces(3), nil)
	require.NoError(t, err)

	assert.True(t, in.Volume.Equal(vol("0.075")), "volume = %s", in.Volume)
}

func TestAddInput_Rejections(t *testing.T) {
	f := newFixture(t)
	e := f.draft(t)
	volumeOnly := f.receive(t, "R-V", nil, "1")

	_, err := f.ed.AddInput(f.ctx, f.owner, e.ID, volumeOnly.ID, production.Pieces(1), nil)
	assert.True(t, errors.Is(err, production.ErrPreconditionFailed), "volume required without piece count")

	_, err = f.ed.AddInput(f.ctx, f.owner, e.ID, "missing", production.Pieces(1), nil)
	assert.True(t, production.IsNotFound(err))

	_, err = f.ed.AddInput(f.ctx, production.Actor{UserID: "x", TenantID: "t1"}, e.ID, volumeOnly.ID, nil, nil)
	assert.True(t, errors.Is(err, production.ErrUnauthorized), "not the owner")
}

func TestRemoveInput(t *testing.T) {
	f := newFixture(t)
	unit := f.receive(t, "R-1", production.Pieces(100), "1")
	e := f.draft(t)
	in := f.input(t, e.ID, unit.ID, 10)

	require.NoError(t, f.ed.RemoveInput(f.ctx, f.owner, e.ID, in.ID))
	assert.True(t, production.IsNotFound(f.ed.RemoveInput(f.ctx, f.owner, e.ID, in.ID)))
}

func TestStageOutput_DerivesVolumeFromDimensions(t *testing.T) {
	f := newFixture(t)
	e := f.draft(t)

	out, err := f.ed.StageOutput(f.ctx, f.owner, e.ID, production.OutputDraft{
		Attributes: fullAttributes(),
		Dimensions: production.Dimensions{Length: vol("4000"), Width: vol("100"), Thickness: vol("25")},
		Pieces:     production.Pieces(20),
	})
	require.NoError(t, err)

	assert.True(t, out.Volume.Equal(vol("0.2")), "volume = %s", out.Volume)
	assert.Equal(t, 0, out.SortOrder)

	updated, err := f.ed.UpdateOutput(f.ctx, f.owner, e.ID, out.ID, production.OutputDraft{
		Attributes: fullAttributes(),
		Dimensions: out.Dimensions,
		Pieces:     production.Pieces(10),
		Note:       "half",
	})
	require.NoError(t, err)
	assert.True(t, updated.Volume.Equal(vol("0.1")))
	assert.Equal(t, "half", updated.Note)
}

func TestRemoveOutput_ValidatedUnitConsumedElsewhere_Refused(t *testing.T) {
	// GIVEN: a validated entry whose last unit is an input of another draft
	f := newFixture(t)
	e, _ := f.readyEntry(t)
	_, err := f.wf.Submit(f.ctx, f.owner, e.ID)
	require.NoError(t, err)
	units := f.produced(t, e.ID)
	other := f.draft(t)
	f.input(t, other.ID, units[1].ID, 5)
	outs := f.number(t, f.admin, e.ID)

	// WHEN: a row is removed, which would orphan that unit
	err = f.ed.RemoveOutput(f.ctx, f.admin, e.ID, outs[0].ID)

	// THEN: refused at once, rows and units still agree
	var perr *production.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, production.CodeReferencedElsewhere, perr.Code)
	assert.Len(t, perr.Details, 1)
	remaining, err := f.store.ListOutputs(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)

	// and once the consumer lets go, the removal goes through
	inputs, err := f.store.ListInputs(f.ctx, other.ID)
	require.NoError(t, err)
	require.NoError(t, f.ed.RemoveInput(f.ctx, f.owner, other.ID, inputs[0].ID))
	assert.NoError(t, f.ed.RemoveOutput(f.ctx, f.admin, e.ID, outs[0].ID))
}

func TestRemoveOutput_Draft(t *testing.T) {
	f := newFixture(t)
	e := f.draft(t)
	out := f.output(t, f.owner, e.ID, "0.1")

	require.NoError(t, f.ed.RemoveOutput(f.ctx, f.owner, e.ID, out.ID))
	assert.True(t, production.IsNotFound(f.ed.RemoveOutput(f.ctx, f.owner, e.ID, out.ID)))
}

func TestAssignIdentifiers_ContinuesTenantSequence(t *testing.T) {
	f := newFixture(t)
	first, _ := f.readyEntry(t)
	_, err := f.wf.Submit(f.ctx, f.owner, first.ID)
	require.NoError(t, err)

	e := f.draft(t)
	f.output(t, f.owner, e.ID, "0.1")
	f.output(t, f.owner, e.ID, "0.1")

	outs := f.number(t, f.owner, e.ID)

	require.Len(t, outs, 2)
	assert.Equal(t, "N-PL-0003", outs[0].Identifier)
	assert.Equal(t, "N-PL-0004", outs[1].Identifier)
}

func TestEditing_ValidatingEntry_Refused(t *testing.T) {
	f := newFixture(t)
	e, _ := f.readyEntry(t)
	_, err := f.store.CompareAndSwapStatus(f.ctx, e.ID, production.StatusDraft, production.StatusValidating)
	require.NoError(t, err)

	_, err = f.ed.StageOutput(f.ctx, f.admin, e.ID, production.OutputDraft{Attributes: fullAttributes()})

	assert.True(t, errors.Is(err, production.ErrAlreadyInProgress))
}

func TestReceiveStockUnit_DuplicateIdentifier(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "R-1", nil, "1")

	_, err := f.ed.ReceiveStockUnit(f.ctx, f.owner, production.NewStockUnit{
		Identifier: "R-1", Attributes: fullAttributes(), Volume: vol("1"),
	})

	assert.True(t, errors.Is(err, production.ErrIdentifierConflict))
}
