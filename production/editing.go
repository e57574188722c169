/*
editing.go - Draft editing around the validation engine

PURPOSE:
  Everything a user does to an entry before pressing "validate": create it,
  add consumed units, stage output packages, number them, recalculate the
  totals. None of these operations touch inventory; only Workflow.Submit
  does.

PERMISSIONS:
  Authorizer.CanEdit decides. With RoleAuthorizer: owners edit their drafts,
  privileged editors also edit validated entries (the changes take effect on
  the next Submit). Entries in "validating" are never editable.

SEE ALSO:
  - validation.go: Submit / Revert
  - identifier.go: Output numbering
*/
package production

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// NewEntry holds the caller-provided fields of a draft.
type NewEntry struct {
	ProcessID      string      `json:"process_id"`
	ProcessCode    string      `json:"process_code" validate:"required,alphanum,max=16"`
	WorkFormula    WorkFormula `json:"work_formula" validate:"omitempty,oneof=length_pieces area volume pieces output_packages hours"`
	ProductionDate time.Time   `json:"production_date" validate:"required"`
	ActualWork     *decimal.Decimal
	InvoiceNumber  string `json:"invoice_number"`
}

// OutputDraft holds the editable fields of a staged output row. A nil Volume
// is derived from dimensions and pieces.
type OutputDraft struct {
	Identifier string
	Attributes Attributes
	Dimensions Dimensions
	Pieces     *int64
	Volume     *decimal.Decimal
	Note       string
}

// NewStockUnit describes a received package.
type NewStockUnit struct {
	Identifier string `validate:"required"`
	Attributes Attributes
	Dimensions Dimensions
	Pieces     *int64
	Volume     decimal.Decimal
}

// EntryDetail is an entry with its rows.
type EntryDetail struct {
	Entry        Entry
	Inputs       []Input
	Outputs      []Output
	Consumptions []Consumption
}

// Editor performs draft edits. Construct with NewEditor.
type Editor struct {
	Store    EditStore
	Auth     Authorizer
	Workflow *Workflow
	Validate *validator.Validate
	Log      *logrus.Logger
	Now      func() time.Time
	NewID    func() string
}

func NewEditor(store EditStore, wf *Workflow) *Editor {
	return &Editor{
		Store:    store,
		Auth:     wf.Auth,
		Workflow: wf,
		Validate: wf.Validate,
		Log:      wf.Log,
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

// =============================================================================
// ENTRIES
// =============================================================================

// CreateEntry creates a draft owned by actor.
func (e *Editor) CreateEntry(ctx context.Context, actor Actor, in NewEntry) (*Entry, error) {
	if err := e.validateStruct(in); err != nil {
		return nil, err
	}
	now := e.Now().UTC()
	entry := Entry{
		ID:             EntryID(e.NewID()),
		TenantID:       actor.TenantID,
		OwnerID:        actor.UserID,
		ProcessID:      in.ProcessID,
		ProcessCode:    in.ProcessCode,
		WorkFormula:    in.WorkFormula,
		ProductionDate: in.ProductionDate,
		Status:         StatusDraft,
		Type:           EntryStandard,
		ActualWork:     in.ActualWork,
		InvoiceNumber:  in.InvoiceNumber,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	entry.Totals = ComputeTotals(nil, nil)
	if err := e.Store.SaveEntry(ctx, entry); err != nil {
		return nil, persistenceError("save entry", err)
	}
	e.log(entry).Info("draft created")
	return &entry, nil
}

// CreateCorrection opens a correction draft against a validated entry. The
// correction inherits the process of the entry it corrects.
func (e *Editor) CreateCorrection(ctx context.Context, actor Actor, corrected EntryID) (*Entry, error) {
	orig, err := e.Workflow.loadEntry(ctx, actor, corrected)
	if err != nil {
		return nil, err
	}
	if orig.Status != StatusValidated {
		return nil, newError(CodePreconditionFailed, "only validated entries can be corrected")
	}
	now := e.Now().UTC()
	id := orig.ID
	entry := Entry{
		ID:              EntryID(e.NewID()),
		TenantID:        actor.TenantID,
		OwnerID:         actor.UserID,
		ProcessID:       orig.ProcessID,
		ProcessCode:     orig.ProcessCode,
		WorkFormula:     orig.WorkFormula,
		ProductionDate:  now,
		Status:          StatusDraft,
		Type:            EntryCorrection,
		CorrectsEntryID: &id,
		Totals:          ComputeTotals(nil, nil),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Store.SaveEntry(ctx, entry); err != nil {
		return nil, persistenceError("save correction", err)
	}
	e.log(entry).WithField("corrects", orig.ID).Info("correction draft created")
	return &entry, nil
}

// Entry returns the entry with its rows.
func (e *Editor) Entry(ctx context.Context, actor Actor, id EntryID) (*EntryDetail, error) {
	entry, err := e.Workflow.loadEntry(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	d := &EntryDetail{Entry: *entry}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { d.Inputs, err = e.Store.ListInputs(gctx, id); return })
	g.Go(func() (err error) { d.Outputs, err = e.Store.ListOutputs(gctx, id); return })
	g.Go(func() (err error) { d.Consumptions, err = e.Store.ListConsumptions(gctx, id); return })
	if err := g.Wait(); err != nil {
		return nil, persistenceError("load entry rows", err)
	}
	return d, nil
}

// DeleteEntry removes an entry. A validated entry is reverted first, which
// fails with ReferencedElsewhere when its outputs are consumed elsewhere.
func (e *Editor) DeleteEntry(ctx context.Context, actor Actor, id EntryID) error {
	entry, err := e.editable(ctx, actor, id)
	if err != nil {
		return err
	}
	corrections, err := e.Store.FindCorrections(ctx, id)
	if err != nil {
		return persistenceError("look up corrections", err)
	}
	if len(corrections) > 0 {
		ids := make([]string, 0, len(corrections))
		for _, c := range corrections {
			ids = append(ids, string(c.ID))
		}
		return &Error{
			Code:    CodeReferencedElsewhere,
			Message: fmt.Sprintf("entry is corrected by %d other entries", len(ids)),
			Details: ids,
		}
	}

	if entry.Status == StatusValidated {
		if _, err := e.Workflow.Revert(ctx, actor, id); err != nil {
			return err
		}
	}
	if err := e.Store.DeleteEntry(ctx, id); err != nil {
		return persistenceError("delete entry", err)
	}
	if js, ok := e.Store.(JournalStore); ok {
		if err := js.ClearJournal(ctx, id); err != nil {
			e.log(*entry).WithError(err).Warn("failed to clear journal of deleted entry")
		}
	}
	e.log(*entry).Info("entry deleted")
	return nil
}

// Recalculate recomputes totals and planned work from the current rows
// without touching inventory.
func (e *Editor) Recalculate(ctx context.Context, actor Actor, id EntryID) (*Entry, error) {
	entry, err := e.editable(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	var (
		inputs  []Input
		outputs []Output
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { inputs, err = e.Store.ListInputs(gctx, id); return })
	g.Go(func() (err error) { outputs, err = e.Store.ListOutputs(gctx, id); return })
	if err := g.Wait(); err != nil {
		return nil, persistenceError("load entry rows", err)
	}
	ids := make([]StockUnitID, 0, len(inputs))
	for _, in := range inputs {
		ids = append(ids, in.StockUnitID)
	}
	units, err := e.Store.GetStockUnits(ctx, uniqueUnitIDs(ids))
	if err != nil {
		return nil, persistenceError("load input units", err)
	}

	entry.Totals = ComputeTotals(inputs, outputs)
	entry.PlannedWork = PlannedWork(entry.WorkFormula, inputs, units, len(outputs))
	entry.UpdatedAt = e.Now().UTC()
	if err := e.Store.SaveEntry(ctx, *entry); err != nil {
		return nil, persistenceError("save totals", err)
	}
	return entry, nil
}

// =============================================================================
// INPUTS
// =============================================================================

// AddInput adds a consumed unit to the entry. When volume is nil, pieces are
// given and the unit has a piece count, the volume defaults to the
// proportional share of the unit.
func (e *Editor) AddInput(ctx context.Context, actor Actor, entryID EntryID, unitID StockUnitID, pieces *int64, volume *decimal.Decimal) (*Input, error) {
	if _, err := e.editable(ctx, actor, entryID); err != nil {
		return nil, err
	}
	units, err := e.Store.GetStockUnits(ctx, []StockUnitID{unitID})
	if err != nil {
		return nil, persistenceError("load stock unit", err)
	}
	unit, ok := units[unitID]
	if !ok || unit.TenantID != actor.TenantID {
		return nil, newError(CodeNotFound, "stock unit %s not found", unitID)
	}
	if unit.Status == UnitConsumed {
		return nil, newError(CodePreconditionFailed, "stock unit %s is already consumed", unit.Identifier)
	}
	if unit.OriginEntryID != nil && *unit.OriginEntryID == entryID {
		return nil, newError(CodePreconditionFailed, "entry cannot consume its own output %s", unit.Identifier)
	}
	if pieces != nil && *pieces <= 0 {
		return nil, newError(CodePreconditionFailed, "pieces used must be positive")
	}

	var v decimal.Decimal
	switch {
	case volume != nil:
		v = *volume
	case pieces != nil && unit.Pieces != nil && *unit.Pieces > 0:
		v = RoundVolume(unit.Volume.Mul(decimal.NewFromInt(*pieces)).Div(decimal.NewFromInt(*unit.Pieces)))
	default:
		return nil, newError(CodePreconditionFailed, "volume is required for unit %s", unit.Identifier)
	}
	if !v.IsPositive() {
		return nil, newError(CodePreconditionFailed, "input volume must be positive")
	}

	in := Input{
		ID:          InputID(e.NewID()),
		EntryID:     entryID,
		StockUnitID: unitID,
		Volume:      v,
		CreatedAt:   e.Now().UTC(),
	}
	if pieces != nil {
		in.PiecesUsed = Pieces(*pieces)
	}
	if err := e.Store.SaveInput(ctx, in); err != nil {
		return nil, persistenceError("save input", err)
	}
	return &in, nil
}

func (e *Editor) RemoveInput(ctx context.Context, actor Actor, entryID EntryID, id InputID) error {
	if _, err := e.editable(ctx, actor, entryID); err != nil {
		return err
	}
	inputs, err := e.Store.ListInputs(ctx, entryID)
	if err != nil {
		return persistenceError("load inputs", err)
	}
	for _, in := range inputs {
		if in.ID == id {
			if err := e.Store.DeleteInput(ctx, id); err != nil {
				return persistenceError("delete input", err)
			}
			return nil
		}
	}
	return newError(CodeNotFound, "input %s not found", id)
}

// =============================================================================
// OUTPUTS
// =============================================================================

// StageOutput appends an output row to the entry.
func (e *Editor) StageOutput(ctx context.Context, actor Actor, entryID EntryID, d OutputDraft) (*Output, error) {
	if _, err := e.editable(ctx, actor, entryID); err != nil {
		return nil, err
	}
	outputs, err := e.Store.ListOutputs(ctx, entryID)
	if err != nil {
		return nil, persistenceError("load outputs", err)
	}
	next := 0
	for _, o := range outputs {
		if o.SortOrder >= next {
			next = o.SortOrder + 1
		}
	}
	out := Output{ID: OutputID(e.NewID()), EntryID: entryID, SortOrder: next}
	if err := applyDraft(&out, d); err != nil {
		return nil, err
	}
	if err := e.Store.SaveOutput(ctx, out); err != nil {
		return nil, persistenceError("save output", err)
	}
	return &out, nil
}

// UpdateOutput replaces the editable fields of an output row.
func (e *Editor) UpdateOutput(ctx context.Context, actor Actor, entryID EntryID, id OutputID, d OutputDraft) (*Output, error) {
	if _, err := e.editable(ctx, actor, entryID); err != nil {
		return nil, err
	}
	out, err := e.findOutput(ctx, entryID, id)
	if err != nil {
		return nil, err
	}
	if err := applyDraft(out, d); err != nil {
		return nil, err
	}
	if err := e.Store.SaveOutput(ctx, *out); err != nil {
		return nil, persistenceError("save output", err)
	}
	return out, nil
}

// RemoveOutput deletes an output row. On a validated entry the row count
// shrinks by one, so the last materialized unit would be orphaned by the
// next validation; the removal is refused while another entry consumes it.
func (e *Editor) RemoveOutput(ctx context.Context, actor Actor, entryID EntryID, id OutputID) error {
	entry, err := e.editable(ctx, actor, entryID)
	if err != nil {
		return err
	}
	outputs, err := e.Store.ListOutputs(ctx, entryID)
	if err != nil {
		return persistenceError("load outputs", err)
	}
	found := false
	for _, o := range outputs {
		if o.ID == id {
			found = true
			break
		}
	}
	if !found {
		return newError(CodeNotFound, "output %s not found", id)
	}
	if entry.Status == StatusValidated {
		units, err := e.Store.ListStockUnitsByOrigin(ctx, entryID)
		if err != nil {
			return persistenceError("load output units", err)
		}
		if err := e.Workflow.Materializer.CheckRemaining(ctx, entryID, units, len(outputs)-1); err != nil {
			return err
		}
	}
	if err := e.Store.DeleteOutput(ctx, id); err != nil {
		return persistenceError("delete output", err)
	}
	return nil
}

// AssignIdentifiers numbers every output row without an identifier, in row
// order, continuing the tenant's sequence for the entry's process.
func (e *Editor) AssignIdentifiers(ctx context.Context, actor Actor, entryID EntryID) ([]Output, error) {
	entry, err := e.editable(ctx, actor, entryID)
	if err != nil {
		return nil, err
	}
	if entry.ProcessCode == "" {
		return nil, newError(CodePreconditionFailed, "entry has no process code")
	}
	outputs, err := e.Store.ListOutputs(ctx, entryID)
	if err != nil {
		return nil, persistenceError("load outputs", err)
	}
	sort.SliceStable(outputs, func(i, j int) bool { return outputs[i].SortOrder < outputs[j].SortOrder })

	var pending []int
	for i, o := range outputs {
		if o.Identifier == "" {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return outputs, nil
	}

	taken, err := e.Store.ListTakenIdentifiers(ctx, entry.TenantID, IdentifierPrefix(entry.ProcessCode))
	if err != nil {
		return nil, persistenceError("load taken identifiers", err)
	}
	idents, err := NextIdentifiers(entry.ProcessCode, taken, len(pending))
	if err != nil {
		return nil, err
	}
	for k, i := range pending {
		outputs[i].Identifier = idents[k]
		if err := e.Store.SaveOutput(ctx, outputs[i]); err != nil {
			return nil, persistenceError("save output identifier", err)
		}
	}
	e.log(*entry).WithField("assigned", len(pending)).Info("output identifiers assigned")
	return outputs, nil
}

// =============================================================================
// STOCK UNITS
// =============================================================================

// ReceiveStockUnit registers a purchased package in the actor's inventory.
func (e *Editor) ReceiveStockUnit(ctx context.Context, actor Actor, in NewStockUnit) (*StockUnit, error) {
	if err := e.validateStruct(in); err != nil {
		return nil, err
	}
	if !in.Volume.IsPositive() {
		return nil, newError(CodePreconditionFailed, "volume must be positive")
	}
	if in.Pieces != nil && *in.Pieces < 0 {
		return nil, newError(CodePreconditionFailed, "pieces cannot be negative")
	}
	found, err := e.Store.FindStockUnitsByIdentifier(ctx, actor.TenantID, []string{in.Identifier})
	if err != nil {
		return nil, persistenceError("look up identifier", err)
	}
	if len(found) > 0 {
		return nil, newError(CodeIdentifierConflict, "identifier %s is already in use", in.Identifier)
	}
	now := e.Now().UTC()
	u := StockUnit{
		ID:          StockUnitID(e.NewID()),
		TenantID:    actor.TenantID,
		Identifier:  in.Identifier,
		Attributes:  in.Attributes,
		Dimensions:  in.Dimensions,
		Volume:      RoundVolume(in.Volume),
		Status:      UnitReceived,
		PriorStatus: UnitReceived,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.Pieces != nil {
		u.Pieces = Pieces(*in.Pieces)
	}
	if err := e.Store.UpsertStockUnit(ctx, u); err != nil {
		return nil, persistenceError("save stock unit", err)
	}
	return &u, nil
}

// StockUnit returns a unit of the actor's tenant.
func (e *Editor) StockUnit(ctx context.Context, actor Actor, id StockUnitID) (*StockUnit, error) {
	units, err := e.Store.GetStockUnits(ctx, []StockUnitID{id})
	if err != nil {
		return nil, persistenceError("load stock unit", err)
	}
	u, ok := units[id]
	if !ok || u.TenantID != actor.TenantID {
		return nil, newError(CodeNotFound, "stock unit %s not found", id)
	}
	return &u, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Editor) editable(ctx context.Context, actor Actor, id EntryID) (*Entry, error) {
	entry, err := e.Workflow.loadEntry(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if entry.Status == StatusValidating {
		return nil, newError(CodeAlreadyInProgress, "entry %s is being validated", id)
	}
	if !e.Auth.CanEdit(ctx, actor, *entry) {
		return nil, newError(CodeUnauthorized, "not allowed to edit entry %s", id)
	}
	return entry, nil
}

func (e *Editor) findOutput(ctx context.Context, entryID EntryID, id OutputID) (*Output, error) {
	outputs, err := e.Store.ListOutputs(ctx, entryID)
	if err != nil {
		return nil, persistenceError("load outputs", err)
	}
	for _, o := range outputs {
		if o.ID == id {
			return &o, nil
		}
	}
	return nil, newError(CodeNotFound, "output %s not found", id)
}

func (e *Editor) validateStruct(v any) error {
	err := e.Validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return newError(CodePreconditionFailed, "invalid request: %v", err)
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return &Error{Code: CodePreconditionFailed, Message: "invalid request: " + details[0], Details: details}
}

func (e *Editor) log(entry Entry) *logrus.Entry {
	return e.Log.WithFields(logrus.Fields{
		"module":    "editing",
		"entry_id":  entry.ID,
		"tenant_id": entry.TenantID,
	})
}

// applyDraft copies d onto out. Without an explicit volume, the volume is
// length x width x thickness (mm) x pieces, in m³.
func applyDraft(out *Output, d OutputDraft) error {
	if d.Pieces != nil && *d.Pieces < 0 {
		return newError(CodePreconditionFailed, "pieces cannot be negative")
	}
	out.Identifier = d.Identifier
	out.Attributes = d.Attributes
	out.Dimensions = d.Dimensions
	out.Note = d.Note
	out.Pieces = nil
	if d.Pieces != nil {
		out.Pieces = Pieces(*d.Pieces)
	}
	switch {
	case d.Volume != nil:
		out.Volume = RoundVolume(*d.Volume)
	case d.Pieces != nil:
		dm := d.Dimensions
		out.Volume = RoundVolume(dm.Length.Mul(dm.Width).Mul(dm.Thickness).
			Mul(decimal.NewFromInt(*d.Pieces)).Div(decimal.NewFromInt(1_000_000_000)))
	default:
		out.Volume = decimal.Zero
	}
	return nil
}
