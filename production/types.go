/*
Package production implements the production validation engine.

PURPOSE:
  A production entry is the bill of materials for one manufacturing step:
  which stock units (packages) were consumed and which new packages were
  produced. While the entry is a draft its rows are freely editable. Validation
  turns it into an immutable, inventory-consistent record: input packages are
  deducted, staged outputs are materialized as stock units, and totals are
  recomputed from the rows.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry:     The production event (draft -> validating -> validated)
  - Input:     A consumed stock unit (pieces and/or volume)
  - Output:    A staged output row, editable until validation
  - StockUnit: A package of inventory with a tenant-unique identifier
  - Consumption: The deduction actually applied to a unit by a validation

DESIGN PRINCIPLES:
  1. Precision: volumes are decimal.Decimal, never float64
  2. Status moves only through compare-and-swap (see store.go)
  3. Totals are derived from rows, never hand-edited

SEE ALSO:
  - validation.go: The state machine callers use
  - inventory.go: Deduction / restoration math
  - materializer.go: Output row -> stock unit diff
  - rollback.go: Compensation on failure
*/
package production

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntryID string
type InputID string
type OutputID string
type StockUnitID string
type TenantID string
type UserID string

// =============================================================================
// STATUSES
// =============================================================================

// Status is the lifecycle state of a production entry.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusValidating Status = "validating" // transient lock held by one submit
	StatusValidated  Status = "validated"
)

type EntryType string

const (
	EntryStandard   EntryType = "standard"
	EntryCorrection EntryType = "correction"
)

// UnitStatus is the lifecycle state of a stock unit.
type UnitStatus string

const (
	UnitReceived UnitStatus = "received"
	UnitProduced UnitStatus = "produced"
	UnitConsumed UnitStatus = "consumed"
)

// =============================================================================
// QUANTITIES
// =============================================================================

// VolumeScale is the number of fractional digits kept on volumes (m³) after
// proportional math.
const VolumeScale int32 = 6

// RoundVolume normalizes a volume to VolumeScale.
func RoundVolume(v decimal.Decimal) decimal.Decimal {
	return v.Round(VolumeScale)
}

// Pieces returns a pointer to n. Convenience for optional piece counts.
func Pieces(n int64) *int64 {
	return &n
}

// Totals are the derived figures of a production entry.
type Totals struct {
	InputVolume  decimal.Decimal `json:"input_volume"`
	OutputVolume decimal.Decimal `json:"output_volume"`
	OutcomePct   decimal.Decimal `json:"outcome_pct"`
	WastePct     decimal.Decimal `json:"waste_pct"`
}

// =============================================================================
// ENTRY
// =============================================================================

type Entry struct {
	ID              EntryID
	TenantID        TenantID
	OwnerID         UserID
	ProcessID       string
	ProcessCode     string // used in output identifiers: N-{code}-0001
	WorkFormula     WorkFormula
	ProductionDate  time.Time
	Status          Status
	Type            EntryType
	CorrectsEntryID *EntryID
	Totals          Totals
	PlannedWork     *decimal.Decimal
	ActualWork      *decimal.Decimal
	InvoiceNumber   string
	ValidatedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Input is a stock unit consumed by an entry. A nil PiecesUsed means the
// consumption is by volume only.
type Input struct {
	ID          InputID
	EntryID     EntryID
	StockUnitID StockUnitID
	PiecesUsed  *int64
	Volume      decimal.Decimal
	CreatedAt   time.Time
}

// Attributes describe a produced package. All of them are required before an
// entry can be validated.
type Attributes struct {
	Product       string `json:"product" validate:"required"`
	Species       string `json:"species" validate:"required"`
	Humidity      string `json:"humidity" validate:"required"`
	Type          string `json:"type" validate:"required"`
	Processing    string `json:"processing" validate:"required"`
	Certification string `json:"certification" validate:"required"`
	Quality       string `json:"quality" validate:"required"`
}

// Dimensions are in millimetres.
type Dimensions struct {
	Length    decimal.Decimal `json:"length"`
	Width     decimal.Decimal `json:"width"`
	Thickness decimal.Decimal `json:"thickness"`
}

// Output is a staged output row. Identifier is empty until the numbering
// step assigns one.
type Output struct {
	ID         OutputID
	EntryID    EntryID
	Identifier string
	Attributes Attributes
	Dimensions Dimensions
	Pieces     *int64
	Volume     decimal.Decimal
	Note       string
	SortOrder  int
}

// =============================================================================
// STOCK UNIT
// =============================================================================

// StockUnit is a package of inventory. Pieces and volume only ever decrease
// through consumption; restoring a validation increases them back.
type StockUnit struct {
	ID            StockUnitID
	TenantID      TenantID
	OriginEntryID *EntryID // set when produced by a production entry
	Sequence      int      // position among the origin entry's outputs
	Identifier    string
	Attributes    Attributes
	Dimensions    Dimensions
	Pieces        *int64
	Volume        decimal.Decimal
	Status        UnitStatus
	PriorStatus   UnitStatus // status to return to when a consumed unit is restored
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep copy of the unit.
func (u StockUnit) Clone() StockUnit {
	c := u
	if u.OriginEntryID != nil {
		id := *u.OriginEntryID
		c.OriginEntryID = &id
	}
	if u.Pieces != nil {
		p := *u.Pieces
		c.Pieces = &p
	}
	return c
}

// Consumption is the deduction a validation actually applied to one unit.
// Recorded at commit so that re-validation and revert can undo exactly what
// was done, independent of later edits to the input rows.
type Consumption struct {
	EntryID     EntryID         `json:"entry_id"`
	StockUnitID StockUnitID     `json:"stock_unit_id"`
	Pieces      *int64          `json:"pieces,omitempty"`
	Volume      decimal.Decimal `json:"volume"`
}

// =============================================================================
// ACTOR
// =============================================================================

// Actor is the caller of an operation, as established by authentication.
type Actor struct {
	UserID     UserID
	TenantID   TenantID
	Privileged bool // may edit and re-validate validated entries, may revert
}
