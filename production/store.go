/*
store.go - Persistence and authorization collaborators

PURPOSE:
  Defines the interface between the validation engine and the system of
  record. The engine never opens a database transaction: the only
  concurrency guard is CompareAndSwapStatus, and multi-step writes are made
  safe by compensation (rollback.go).

KEY INTERFACES:
  Store:        What Workflow needs (entry, rows, stock units, CAS)
  EditStore:    Draft editing writes (editing.go)
  JournalStore: Optional write-ahead log of before-images, used to recover
                entries left in "validating" by a crashed process
  Authorizer:   External capability check

STATUS CONTRACT:
  Status is never written by SaveEntry. It changes only through
  CompareAndSwapStatus and CommitValidation, both conditional updates that
  report whether a row was affected.

IMPLEMENTATIONS:
  - production/store/memory.go: In-memory for tests and dev
  - store/sqldb: SQLite (go-sqlite3) and Postgres (pgx)

SEE ALSO:
  - validation.go: Uses Store + JournalStore
  - editing.go: Uses EditStore
*/
package production

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - What the state machine needs
// =============================================================================

// Store is the persistence collaborator of the validation engine.
type Store interface {
	// GetEntry returns nil, nil when the entry does not exist.
	GetEntry(ctx context.Context, id EntryID) (*Entry, error)

	// CompareAndSwapStatus sets status=next where id=id and status=expected.
	// Returns false when no row matched. Moving to draft clears ValidatedAt.
	CompareAndSwapStatus(ctx context.Context, id EntryID, expected, next Status) (bool, error)

	// CommitValidation persists totals and planned work, sets status=validated
	// and ValidatedAt=at, where status=validating. Returns false when no row matched.
	CommitValidation(ctx context.Context, id EntryID, totals Totals, plannedWork *decimal.Decimal, at time.Time) (bool, error)

	ListInputs(ctx context.Context, entryID EntryID) ([]Input, error)
	ListOutputs(ctx context.Context, entryID EntryID) ([]Output, error)

	// GetStockUnits returns the units that exist; missing IDs are absent from the map.
	GetStockUnits(ctx context.Context, ids []StockUnitID) (map[StockUnitID]StockUnit, error)

	// ListStockUnitsByOrigin returns the units materialized from an entry.
	ListStockUnitsByOrigin(ctx context.Context, entryID EntryID) ([]StockUnit, error)

	UpsertStockUnit(ctx context.Context, unit StockUnit) error
	DeleteStockUnits(ctx context.Context, ids []StockUnitID) error

	FindStockUnitsByIdentifier(ctx context.Context, tenant TenantID, identifiers []string) ([]StockUnit, error)
	FindInputsReferencingStockUnits(ctx context.Context, ids []StockUnitID) ([]Input, error)

	// ListConsumptions returns the deductions recorded by the entry's last
	// successful validation.
	ListConsumptions(ctx context.Context, entryID EntryID) ([]Consumption, error)
	ReplaceConsumptions(ctx context.Context, entryID EntryID, consumptions []Consumption) error
	// ListConsumptionsOfStockUnits returns every recorded consumption, by any
	// entry, of the given units.
	ListConsumptionsOfStockUnits(ctx context.Context, ids []StockUnitID) ([]Consumption, error)
}

// =============================================================================
// EDIT STORE - Draft editing
// =============================================================================

// EditStore extends Store with the writes used while editing a draft.
type EditStore interface {
	Store

	// SaveEntry inserts the entry, or updates its editable fields. It never
	// changes Status or ValidatedAt of an existing entry.
	SaveEntry(ctx context.Context, entry Entry) error
	// DeleteEntry removes the entry with its inputs, outputs and consumptions.
	DeleteEntry(ctx context.Context, id EntryID) error
	// FindCorrections returns entries whose CorrectsEntryID is id.
	FindCorrections(ctx context.Context, id EntryID) ([]Entry, error)

	SaveInput(ctx context.Context, input Input) error
	DeleteInput(ctx context.Context, id InputID) error
	SaveOutput(ctx context.Context, output Output) error
	DeleteOutput(ctx context.Context, id OutputID) error

	// ListTakenIdentifiers returns every identifier with the given prefix used
	// by a stock unit or a staged output of the tenant.
	ListTakenIdentifiers(ctx context.Context, tenant TenantID, prefix string) ([]string, error)
}

// =============================================================================
// JOURNAL STORE - Write-ahead log of compensations (optional)
// =============================================================================

// JournalRecord is one persisted inverse operation of an in-flight
// validation attempt.
type JournalRecord struct {
	EntryID     EntryID
	Seq         int
	PriorStatus Status
	Op          InverseOp
	CreatedAt   time.Time
}

// JournalStore persists the rollback log so an attempt interrupted by a
// crash can be compensated later by Revert.
type JournalStore interface {
	AppendJournal(ctx context.Context, rec JournalRecord) error
	LoadJournal(ctx context.Context, entryID EntryID) ([]JournalRecord, error)
	ClearJournal(ctx context.Context, entryID EntryID) error
}

// =============================================================================
// AUTHORIZER - External capability check
// =============================================================================

type Authorizer interface {
	CanSubmit(ctx context.Context, actor Actor, entry Entry) bool
	CanRevert(ctx context.Context, actor Actor, entry Entry) bool
	CanEdit(ctx context.Context, actor Actor, entry Entry) bool
}

// RoleAuthorizer is the default capability check: owners submit and edit
// their drafts, privileged editors may also edit, re-validate and revert
// validated entries. Tenants never cross.
type RoleAuthorizer struct{}

func (RoleAuthorizer) CanSubmit(_ context.Context, actor Actor, entry Entry) bool {
	if actor.TenantID != entry.TenantID {
		return false
	}
	switch entry.Status {
	case StatusDraft:
		return actor.UserID == entry.OwnerID || actor.Privileged
	case StatusValidated:
		return actor.Privileged
	}
	return false
}

func (RoleAuthorizer) CanRevert(_ context.Context, actor Actor, entry Entry) bool {
	return actor.TenantID == entry.TenantID && actor.Privileged
}

func (a RoleAuthorizer) CanEdit(ctx context.Context, actor Actor, entry Entry) bool {
	return a.CanSubmit(ctx, actor, entry)
}
