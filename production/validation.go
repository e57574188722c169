/*
validation.go - The validation state machine

PURPOSE:
  Workflow is the only entry point callers use to validate or revert a
  production entry. It drives the inventory ledger, the output materializer
  and the rollback coordinator under an optimistic lock.

STATES:
  draft ──Submit──> validating ──commit──> validated
    ^                   │                      │
    └──── rollback ─────┘      Submit (re-validation, privileged)
                                               │
  validated ──Submit──> validating ──> validated | back to validated

  Revert (operator): validated|validating -> draft, undoing inventory effects.

LOCK:
  "set status=validating where id=X and status=<prior>" is the sole
  concurrency guard. A second Submit racing the first sees zero affected rows
  and fails with AlreadyInProgress. The commit is conditional too
  ("where status=validating") to detect an interloper such as a concurrent
  Revert.

SUBMIT FLOW:
  1. Load + authorize, CAS prior -> validating
  2. Fetch inputs, outputs, materialized units, recorded consumptions (parallel)
  3. Preconditions: >=1 input, >=1 output, complete attributes, positive
     volume, assigned identifiers
  4. Plan outputs (identifier uniqueness, orphan references) - no writes yet
  5. Re-validation only: restore the previous validation's consumptions
  6. Merge input rows per unit, deduct, write each touched unit once
  7. Materialize outputs, record consumptions, commit totals
  Any failure after step 1: RollbackCoordinator.Undo, status back to prior.

SEE ALSO:
  - rollback.go: Compensation and the crash journal
  - editing.go: Draft editing, deletion, recalculation
*/
package production

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of a successful Submit or Revert.
type Result struct {
	Entry        Entry
	Consumptions []Consumption // deductions applied by this validation
	Restored     int           // units restored from the previous validation
	Updated      int           // output units updated in place
	Inserted     int           // output units created
	Deleted      int           // output units removed
}

// Workflow orchestrates validation. Construct with NewWorkflow.
type Workflow struct {
	Store        Store
	Auth         Authorizer
	Ledger       *InventoryLedger
	Materializer *OutputMaterializer
	Validate     *validator.Validate
	Log          *logrus.Logger
	Observers    []Observer
	Now          func() time.Time
}

// NewWorkflow wires the engine components around store.
func NewWorkflow(store Store, auth Authorizer, log *logrus.Logger) *Workflow {
	if auth == nil {
		auth = RoleAuthorizer{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Workflow{
		Store:        store,
		Auth:         auth,
		Ledger:       NewInventoryLedger(),
		Materializer: NewOutputMaterializer(store),
		Validate:     newValidator(),
		Log:          log,
		Now:          time.Now,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit validates the entry, or re-validates an already validated one.
func (w *Workflow) Submit(ctx context.Context, actor Actor, id EntryID) (*Result, error) {
	started := w.Now()

	entry, err := w.loadEntry(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	prior := entry.Status
	if prior == StatusValidating {
		return nil, newError(CodeAlreadyInProgress, "entry %s is already being validated", id)
	}
	if !w.Auth.CanSubmit(ctx, actor, *entry) {
		return nil, newError(CodeUnauthorized, "not allowed to submit entry %s", id)
	}

	ok, err := w.Store.CompareAndSwapStatus(ctx, id, prior, StatusValidating)
	if err != nil {
		return nil, persistenceError("acquire validation lock", err)
	}
	if !ok {
		return nil, newError(CodeAlreadyInProgress, "entry %s changed status or is being validated", id)
	}

	log := w.entryLog(*entry).WithField("prior_status", prior)
	log.Info("validation started")

	rb := NewRollbackCoordinator(w.Store, id, prior, log)
	res, runErr := w.run(ctx, rb, *entry, prior)
	if runErr != nil {
		err := w.rollback(ctx, rb, runErr, log)
		w.notify(ctx, Event{Kind: EventRejected, EntryID: id, TenantID: entry.TenantID, Code: CodeOf(err), At: w.Now().UTC(), Duration: w.Now().Sub(started)})
		return nil, err
	}
	rb.Complete(ctx)

	log.WithFields(logrus.Fields{
		"input_volume":  res.Entry.Totals.InputVolume.String(),
		"output_volume": res.Entry.Totals.OutputVolume.String(),
	}).Info("entry validated")
	totals := res.Entry.Totals
	w.notify(ctx, Event{Kind: EventValidated, EntryID: id, TenantID: entry.TenantID, Totals: &totals, At: w.Now().UTC(), Duration: w.Now().Sub(started)})
	return res, nil
}

func (w *Workflow) run(ctx context.Context, rb *RollbackCoordinator, entry Entry, prior Status) (*Result, error) {
	if err := rb.Begin(ctx); err != nil {
		return nil, err
	}

	var (
		inputs   []Input
		outputs  []Output
		existing []StockUnit
		previous []Consumption
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { inputs, err = w.Store.ListInputs(gctx, entry.ID); return })
	g.Go(func() (err error) { outputs, err = w.Store.ListOutputs(gctx, entry.ID); return })
	g.Go(func() (err error) { existing, err = w.Store.ListStockUnitsByOrigin(gctx, entry.ID); return })
	g.Go(func() (err error) { previous, err = w.Store.ListConsumptions(gctx, entry.ID); return })
	if err := g.Wait(); err != nil {
		return nil, persistenceError("load entry rows", err)
	}

	if err := w.checkPreconditions(inputs, outputs); err != nil {
		return nil, err
	}

	plan, err := w.Materializer.Plan(ctx, entry, outputs, existing)
	if err != nil {
		return nil, err
	}

	// Working set: units consumed now and units restored from the last run.
	ids := make([]StockUnitID, 0, len(inputs)+len(previous))
	for _, in := range inputs {
		ids = append(ids, in.StockUnitID)
	}
	if prior == StatusValidated {
		for _, c := range previous {
			ids = append(ids, c.StockUnitID)
		}
	}
	loaded, err := w.Store.GetStockUnits(ctx, uniqueUnitIDs(ids))
	if err != nil {
		return nil, persistenceError("load input units", err)
	}
	for _, in := range inputs {
		u, ok := loaded[in.StockUnitID]
		if !ok {
			return nil, newError(CodePreconditionFailed, "input references unknown stock unit %s", in.StockUnitID)
		}
		if u.TenantID != entry.TenantID {
			return nil, newError(CodePreconditionFailed, "input stock unit %s belongs to another organization", u.Identifier)
		}
	}

	working := make(map[StockUnitID]StockUnit, len(loaded))
	for id, u := range loaded {
		working[id] = u.Clone()
	}
	touched := make(map[StockUnitID]bool)

	restored := 0
	if prior == StatusValidated {
		for _, c := range previous {
			u, ok := working[c.StockUnitID]
			if !ok {
				w.entryLog(entry).WithField("stock_unit_id", c.StockUnitID).Warn("consumed unit no longer exists, skipping restore")
				continue
			}
			working[c.StockUnitID] = w.Ledger.Restore(u, c.Pieces, c.Volume)
			touched[c.StockUnitID] = true
			restored++
		}
	}

	consumptions := make([]Consumption, 0, len(inputs))
	for _, nd := range w.Ledger.MergeDeductions(inputs) {
		d, err := w.Ledger.Deduct(working[nd.StockUnitID], nd.Pieces, nd.Volume)
		if err != nil {
			return nil, asEngineError(err)
		}
		working[nd.StockUnitID] = d.Unit
		touched[nd.StockUnitID] = true
		consumptions = append(consumptions, d.Consumption(entry.ID))
	}

	totals := ComputeTotals(inputs, outputs)
	planned := PlannedWork(entry.WorkFormula, inputs, loaded, len(outputs))

	if err := w.writeUnits(ctx, rb, loaded, working, touched); err != nil {
		return nil, err
	}
	if err := w.Materializer.Apply(ctx, plan, rb); err != nil {
		return nil, err
	}
	if err := rb.TrackConsumptions(ctx, previous); err != nil {
		return nil, err
	}
	if err := w.Store.ReplaceConsumptions(ctx, entry.ID, consumptions); err != nil {
		return nil, persistenceError("record consumptions", err)
	}

	now := w.Now().UTC()
	ok, err := w.Store.CommitValidation(ctx, entry.ID, totals, planned, now)
	if err != nil {
		return nil, persistenceError("commit validation", err)
	}
	if !ok {
		return nil, newError(CodeAlreadyInProgress, "entry %s left validating before commit", entry.ID)
	}

	entry.Status = StatusValidated
	entry.Totals = totals
	entry.PlannedWork = planned
	entry.ValidatedAt = &now
	return &Result{
		Entry:        entry,
		Consumptions: consumptions,
		Restored:     restored,
		Updated:      len(plan.Updates),
		Inserted:     len(plan.Inserts),
		Deleted:      len(plan.Orphans),
	}, nil
}

// writeUnits persists every touched unit once. Distinct units are written
// concurrently; each unit appears once, so no two writes race on one row.
func (w *Workflow) writeUnits(ctx context.Context, rb *RollbackCoordinator, before, after map[StockUnitID]StockUnit, touched map[StockUnitID]bool) error {
	g, gctx := errgroup.WithContext(ctx)
	now := w.Now().UTC()
	for id := range touched {
		prev, next := before[id], after[id]
		next.UpdatedAt = now
		g.Go(func() error {
			if err := rb.TrackUnit(gctx, prev); err != nil {
				return err
			}
			if err := w.Store.UpsertStockUnit(gctx, next); err != nil {
				return persistenceError("write stock unit "+prev.Identifier, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (w *Workflow) checkPreconditions(inputs []Input, outputs []Output) error {
	var problems []string
	if len(inputs) == 0 {
		problems = append(problems, "entry has no inputs")
	}
	if len(outputs) == 0 {
		problems = append(problems, "entry has no outputs")
	}

	rows := append([]Output(nil), outputs...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].SortOrder < rows[j].SortOrder })
	for i, o := range rows {
		label := fmt.Sprintf("output %d", i+1)
		if o.Identifier != "" {
			label = "output " + o.Identifier
		}
		if err := w.Validate.Struct(o.Attributes); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				for _, fe := range verrs {
					problems = append(problems, fmt.Sprintf("%s: %s is required", label, fe.Field()))
				}
			} else {
				problems = append(problems, fmt.Sprintf("%s: %v", label, err))
			}
		}
		if !o.Volume.IsPositive() {
			problems = append(problems, label+": volume must be positive")
		}
		if o.Identifier == "" {
			problems = append(problems, label+": identifier not assigned")
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &Error{
		Code:    CodePreconditionFailed,
		Message: "entry is not ready for validation: " + problems[0],
		Details: problems,
	}
}

// rollback undoes the attempt and decides which error the caller sees.
func (w *Workflow) rollback(ctx context.Context, rb *RollbackCoordinator, cause error, log *logrus.Entry) error {
	primary := asEngineError(cause)
	log.WithFields(logrus.Fields{"code": primary.Code, "inverse_ops": rb.Len()}).
		WithError(cause).Warn("validation failed, rolling back")

	if uerr := rb.Undo(ctx); uerr != nil {
		var rerr *Error
		details := append([]string(nil), primary.Details...)
		if errors.As(uerr, &rerr) {
			details = append(details, rerr.Details...)
		}
		return &Error{
			Code:    CodePartiallyRecovered,
			Message: "validation failed and rollback was incomplete: " + primary.Message,
			Details: details,
			Err:     errors.Join(primary, uerr),
		}
	}
	return primary
}

// =============================================================================
// REVERT
// =============================================================================

// Revert undoes the inventory effects of an entry and forces it back to
// draft. It is the operator's way out of an entry stuck in validating after
// a crash, and also un-validates a validated entry.
func (w *Workflow) Revert(ctx context.Context, actor Actor, id EntryID) (*Result, error) {
	started := w.Now()

	entry, err := w.loadEntry(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !w.Auth.CanRevert(ctx, actor, *entry) {
		return nil, newError(CodeUnauthorized, "not allowed to revert entry %s", id)
	}
	log := w.entryLog(*entry).WithField("status", entry.Status)

	res := &Result{}
	switch entry.Status {
	case StatusDraft:
		if js, ok := w.Store.(JournalStore); ok {
			if err := js.ClearJournal(ctx, id); err != nil {
				return nil, persistenceError("clear journal", err)
			}
		}
		res.Entry = *entry
		return res, nil

	case StatusValidated:
		ok, err := w.Store.CompareAndSwapStatus(ctx, id, StatusValidated, StatusValidating)
		if err != nil {
			return nil, persistenceError("acquire validation lock", err)
		}
		if !ok {
			return nil, newError(CodeAlreadyInProgress, "entry %s changed status", id)
		}
		rb := NewRollbackCoordinator(w.Store, id, StatusValidated, log)
		if err := rb.Begin(ctx); err != nil {
			return nil, w.rollback(ctx, rb, err, log)
		}
		if err := w.unapply(ctx, rb, *entry, res); err != nil {
			return nil, w.rollback(ctx, rb, err, log)
		}
		if err := w.releaseToDraft(ctx, id); err != nil {
			return nil, w.rollback(ctx, rb, err, log)
		}
		rb.Complete(ctx)

	case StatusValidating:
		prior := StatusDraft
		if entry.ValidatedAt != nil {
			prior = StatusValidated
		}
		recovered, err := RecoverRollback(ctx, w.Store, id, log)
		if err != nil {
			return nil, err
		}
		if recovered != nil {
			log.WithField("inverse_ops", recovered.Len()).Info("compensating interrupted validation from journal")
			if err := recovered.Compensate(ctx); err != nil {
				return nil, err
			}
			prior = recovered.PriorStatus()
		}
		if prior == StatusValidated {
			rb := NewRollbackCoordinator(w.Store, id, StatusValidated, log)
			if err := rb.Begin(ctx); err != nil {
				return nil, w.rollback(ctx, rb, err, log)
			}
			if err := w.unapply(ctx, rb, *entry, res); err != nil {
				return nil, w.rollback(ctx, rb, err, log)
			}
			if err := w.releaseToDraft(ctx, id); err != nil {
				return nil, w.rollback(ctx, rb, err, log)
			}
			rb.Complete(ctx)
		} else if err := w.releaseToDraft(ctx, id); err != nil {
			return nil, asEngineError(err)
		}
		if recovered != nil {
			recovered.Complete(ctx)
		}
	}

	reloaded, err := w.Store.GetEntry(ctx, id)
	if err != nil {
		return nil, persistenceError("reload entry", err)
	}
	if reloaded != nil {
		res.Entry = *reloaded
	}
	log.WithFields(logrus.Fields{"restored": res.Restored, "deleted": res.Deleted}).Info("entry reverted to draft")
	w.notify(ctx, Event{Kind: EventReverted, EntryID: id, TenantID: entry.TenantID, At: w.Now().UTC(), Duration: w.Now().Sub(started)})
	return res, nil
}

// unapply removes the entry's materialized units and restores the
// consumptions recorded by its last validation. The reference check on the
// units runs before any write.
func (w *Workflow) unapply(ctx context.Context, rb *RollbackCoordinator, entry Entry, res *Result) error {
	var (
		units    []StockUnit
		previous []Consumption
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { units, err = w.Store.ListStockUnitsByOrigin(gctx, entry.ID); return })
	g.Go(func() (err error) { previous, err = w.Store.ListConsumptions(gctx, entry.ID); return })
	if err := g.Wait(); err != nil {
		return persistenceError("load validation records", err)
	}

	if err := w.Materializer.Remove(ctx, entry.ID, units, rb); err != nil {
		return err
	}
	res.Deleted = len(units)

	ids := make([]StockUnitID, 0, len(previous))
	for _, c := range previous {
		ids = append(ids, c.StockUnitID)
	}
	loaded, err := w.Store.GetStockUnits(ctx, uniqueUnitIDs(ids))
	if err != nil {
		return persistenceError("load consumed units", err)
	}
	working := make(map[StockUnitID]StockUnit, len(loaded))
	for id, u := range loaded {
		working[id] = u.Clone()
	}
	touched := make(map[StockUnitID]bool)
	for _, c := range previous {
		u, ok := working[c.StockUnitID]
		if !ok {
			continue
		}
		working[c.StockUnitID] = w.Ledger.Restore(u, c.Pieces, c.Volume)
		touched[c.StockUnitID] = true
	}
	if err := w.writeUnits(ctx, rb, loaded, working, touched); err != nil {
		return err
	}
	res.Restored = len(touched)

	if err := rb.TrackConsumptions(ctx, previous); err != nil {
		return err
	}
	if err := w.Store.ReplaceConsumptions(ctx, entry.ID, nil); err != nil {
		return persistenceError("clear consumptions", err)
	}
	return nil
}

func (w *Workflow) releaseToDraft(ctx context.Context, id EntryID) error {
	ok, err := w.Store.CompareAndSwapStatus(ctx, id, StatusValidating, StatusDraft)
	if err != nil {
		return persistenceError("release entry to draft", err)
	}
	if !ok {
		return newError(CodeAlreadyInProgress, "entry %s left validating during revert", id)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// loadEntry fetches the entry; entries of other tenants are reported as
// missing.
func (w *Workflow) loadEntry(ctx context.Context, actor Actor, id EntryID) (*Entry, error) {
	entry, err := w.Store.GetEntry(ctx, id)
	if err != nil {
		return nil, persistenceError("load entry", err)
	}
	if entry == nil || entry.TenantID != actor.TenantID {
		return nil, newError(CodeNotFound, "entry %s not found", id)
	}
	return entry, nil
}

func (w *Workflow) entryLog(entry Entry) *logrus.Entry {
	return w.Log.WithFields(logrus.Fields{
		"module":    "validation",
		"entry_id":  entry.ID,
		"tenant_id": entry.TenantID,
	})
}

func (w *Workflow) notify(ctx context.Context, e Event) {
	for _, o := range w.Observers {
		o.Observe(ctx, e)
	}
}

func uniqueUnitIDs(ids []StockUnitID) []StockUnitID {
	seen := make(map[StockUnitID]bool, len(ids))
	out := make([]StockUnitID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
