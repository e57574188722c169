/*
rollback.go - Compensation for partially applied validations

PURPOSE:
  A validation is a sequence of independent writes (unit deductions, output
  materialization, consumption records, the final commit). There is no
  database transaction around them. Before each write, the coordinator
  records its inverse; on any failure Undo replays the inverses and returns
  the entry to the status it held before the attempt.

COLLAPSING:
  Only the first touch of a stock unit is recorded. Its before-image is the
  pre-attempt state, so repeated touches of the same unit collapse into one
  corrective write.

JOURNAL:
  When the store also implements JournalStore, each inverse is persisted
  before the write it compensates (write-ahead). A process that crashes
  mid-validation leaves the entry in "validating" with its journal intact;
  Revert rebuilds a coordinator from it (RecoverRollback) and compensates.
  Before-images are absolute, so replaying a journal entry whose write never
  happened is harmless.

BEST EFFORT:
  A failing inverse write is logged and Undo carries on with the rest. The
  caller receives a PartiallyRecovered error naming the units that could not
  be restored; the journal is then kept for a later Revert.
*/
package production

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// InverseKind names the compensation of one recorded mutation.
type InverseKind string

const (
	InverseRestoreUnit         InverseKind = "restore_unit"         // upsert Before
	InverseRemoveUnit          InverseKind = "remove_unit"          // delete an inserted unit
	InverseRestoreConsumptions InverseKind = "restore_consumptions" // put back the previous consumption records
)

// InverseOp is one compensation step.
type InverseOp struct {
	Kind         InverseKind   `json:"kind"`
	StockUnitID  StockUnitID   `json:"stock_unit_id,omitempty"`
	Before       *StockUnit    `json:"before,omitempty"`
	Consumptions []Consumption `json:"consumptions,omitempty"`
}

// RollbackCoordinator accumulates inverse operations for one attempt.
// Safe for concurrent Track calls.
type RollbackCoordinator struct {
	store   Store
	journal JournalStore // nil when the store keeps no journal
	log     *logrus.Entry
	now     func() time.Time

	entryID EntryID
	prior   Status

	mu               sync.Mutex
	ops              []InverseOp
	touched          map[StockUnitID]bool
	consumptionsSeen bool
}

// NewRollbackCoordinator starts an empty log for entryID. prior is the status
// Undo returns the entry to.
func NewRollbackCoordinator(store Store, entryID EntryID, prior Status, log *logrus.Entry) *RollbackCoordinator {
	rb := &RollbackCoordinator{
		store:   store,
		log:     log.WithField("entry_id", entryID),
		now:     time.Now,
		entryID: entryID,
		prior:   prior,
		touched: make(map[StockUnitID]bool),
	}
	if js, ok := store.(JournalStore); ok {
		rb.journal = js
	}
	return rb
}

// RecoverRollback rebuilds the coordinator of an interrupted attempt from the
// persisted journal. Returns nil when there is nothing to recover.
func RecoverRollback(ctx context.Context, store Store, entryID EntryID, log *logrus.Entry) (*RollbackCoordinator, error) {
	js, ok := store.(JournalStore)
	if !ok {
		return nil, nil
	}
	recs, err := js.LoadJournal(ctx, entryID)
	if err != nil {
		return nil, persistenceError("load journal", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })

	rb := NewRollbackCoordinator(store, entryID, recs[0].PriorStatus, log)
	for _, rec := range recs {
		rb.ops = append(rb.ops, rec.Op)
		if rec.Op.StockUnitID != "" {
			rb.touched[rec.Op.StockUnitID] = true
		}
		if rec.Op.Kind == InverseRestoreConsumptions {
			rb.consumptionsSeen = true
		}
	}
	return rb, nil
}

// PriorStatus is the status the entry held before the attempt.
func (rb *RollbackCoordinator) PriorStatus() Status { return rb.prior }

// Len is the number of recorded inverse operations.
func (rb *RollbackCoordinator) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.ops)
}

// Begin discards any journal left by an earlier attempt.
func (rb *RollbackCoordinator) Begin(ctx context.Context) error {
	if rb.journal == nil {
		return nil
	}
	if err := rb.journal.ClearJournal(ctx, rb.entryID); err != nil {
		return persistenceError("clear journal", err)
	}
	return nil
}

// TrackUnit records the before-image of an existing unit about to be
// updated or deleted.
func (rb *RollbackCoordinator) TrackUnit(ctx context.Context, before StockUnit) error {
	b := before.Clone()
	return rb.track(ctx, InverseOp{Kind: InverseRestoreUnit, StockUnitID: before.ID, Before: &b})
}

// TrackInsert records a unit about to be created.
func (rb *RollbackCoordinator) TrackInsert(ctx context.Context, id StockUnitID) error {
	return rb.track(ctx, InverseOp{Kind: InverseRemoveUnit, StockUnitID: id})
}

// TrackConsumptions records the consumption records about to be replaced.
func (rb *RollbackCoordinator) TrackConsumptions(ctx context.Context, previous []Consumption) error {
	rb.mu.Lock()
	if rb.consumptionsSeen {
		rb.mu.Unlock()
		return nil
	}
	rb.consumptionsSeen = true
	rb.mu.Unlock()

	cp := append([]Consumption(nil), previous...)
	return rb.append(ctx, InverseOp{Kind: InverseRestoreConsumptions, Consumptions: cp})
}

func (rb *RollbackCoordinator) track(ctx context.Context, op InverseOp) error {
	rb.mu.Lock()
	if rb.touched[op.StockUnitID] {
		rb.mu.Unlock()
		return nil
	}
	rb.touched[op.StockUnitID] = true
	rb.mu.Unlock()

	return rb.append(ctx, op)
}

func (rb *RollbackCoordinator) append(ctx context.Context, op InverseOp) error {
	rb.mu.Lock()
	seq := len(rb.ops)
	rb.ops = append(rb.ops, op)
	rb.mu.Unlock()

	if rb.journal == nil {
		return nil
	}
	rec := JournalRecord{
		EntryID:     rb.entryID,
		Seq:         seq,
		PriorStatus: rb.prior,
		Op:          op,
		CreatedAt:   rb.now().UTC(),
	}
	if err := rb.journal.AppendJournal(ctx, rec); err != nil {
		return persistenceError("append journal", err)
	}
	return nil
}

// Compensate replays every inverse operation, newest first. Failures are
// logged and collected; the remaining inverses still run.
func (rb *RollbackCoordinator) Compensate(ctx context.Context) error {
	rb.mu.Lock()
	ops := append([]InverseOp(nil), rb.ops...)
	rb.mu.Unlock()

	var failed []string
	var errs []error
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		var err error
		switch op.Kind {
		case InverseRestoreUnit:
			err = rb.store.UpsertStockUnit(ctx, *op.Before)
		case InverseRemoveUnit:
			err = rb.store.DeleteStockUnits(ctx, []StockUnitID{op.StockUnitID})
		case InverseRestoreConsumptions:
			err = rb.store.ReplaceConsumptions(ctx, rb.entryID, op.Consumptions)
		default:
			err = fmt.Errorf("unknown inverse operation %q", op.Kind)
		}
		if err != nil {
			rb.log.WithFields(logrus.Fields{
				"module":        "rollback",
				"inverse":       op.Kind,
				"stock_unit_id": op.StockUnitID,
			}).WithError(err).Error("inverse write failed")
			failed = append(failed, fmt.Sprintf("%s %s", op.Kind, op.StockUnitID))
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return &Error{
			Code:    CodePartiallyRecovered,
			Message: fmt.Sprintf("%d of %d inverse writes failed", len(errs), len(ops)),
			Details: failed,
			Err:     errors.Join(errs...),
		}
	}
	rb.log.WithField("inverse_ops", len(ops)).Debug("compensation complete")
	return nil
}

// Undo compensates every mutation of the attempt and force-reverts the entry
// from validating to its prior status. The journal is cleared only when
// every inverse write succeeded.
//
// When the store keeps a journal and an inverse write fails, the entry is
// left in validating with the journal intact instead of being released. An
// operator recovers it with Workflow.Revert, which replays the journal and
// then returns the entry to draft.
func (rb *RollbackCoordinator) Undo(ctx context.Context) error {
	compErr := rb.Compensate(ctx)
	if compErr != nil && rb.journal != nil {
		// Stay in validating: the journal is intact and Revert can finish the job.
		rb.log.Error("compensation incomplete, entry left in validating for revert")
		return compErr
	}

	ok, err := rb.store.CompareAndSwapStatus(ctx, rb.entryID, StatusValidating, rb.prior)
	if err != nil {
		rb.log.WithError(err).Error("failed to release validation lock")
		statusErr := &Error{Code: CodePartiallyRecovered, Message: "entry left in validating", Err: err}
		if compErr != nil {
			return &Error{Code: CodePartiallyRecovered, Message: statusErr.Message, Err: errors.Join(compErr, err)}
		}
		return statusErr
	}
	if !ok {
		rb.log.Warn("entry was not in validating when releasing lock")
	}

	if compErr != nil {
		return compErr
	}
	rb.Complete(ctx)
	return nil
}

// Complete discards the journal after a successful commit or undo.
func (rb *RollbackCoordinator) Complete(ctx context.Context) {
	if rb.journal == nil {
		return
	}
	if err := rb.journal.ClearJournal(ctx, rb.entryID); err != nil {
		rb.log.WithError(err).Warn("failed to clear journal")
	}
}
