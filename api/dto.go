/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the production model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Entries:
    EntryDTO, EntryDetailResponse, CreateEntryRequest

  Rows:
    InputDTO, AddInputRequest, OutputDTO, OutputRequest

  Stock:
    StockUnitDTO, ReceiveStockUnitRequest

  Workflow:
    ResultResponse, ErrorResponse

VALIDATION:
  Request types carry validator tags for shape checks. Business rules
  (ownership, status, stock) are enforced by the production package.

SEE ALSO:
  - handlers.go: Uses these types
  - production/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/production-engine/production"
)

const dateLayout = "2006-01-02"

// =============================================================================
// ENTRIES
// =============================================================================

// EntryDTO represents a production entry in API responses.
type EntryDTO struct {
	ID              string            `json:"id"`
	OwnerID         string            `json:"owner_id"`
	ProcessID       string            `json:"process_id,omitempty"`
	ProcessCode     string            `json:"process_code"`
	WorkFormula     string            `json:"work_formula,omitempty"`
	ProductionDate  string            `json:"production_date"`
	Status          string            `json:"status"`
	Type            string            `json:"type"`
	CorrectsEntryID *string           `json:"corrects_entry_id,omitempty"`
	Totals          production.Totals `json:"totals"`
	PlannedWork     *decimal.Decimal  `json:"planned_work,omitempty"`
	ActualWork      *decimal.Decimal  `json:"actual_work,omitempty"`
	InvoiceNumber   string            `json:"invoice_number,omitempty"`
	ValidatedAt     *time.Time        `json:"validated_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// CreateEntryRequest is the body for creating a draft.
type CreateEntryRequest struct {
	ProcessID      string           `json:"process_id"`
	ProcessCode    string           `json:"process_code" validate:"required"`
	WorkFormula    string           `json:"work_formula"`
	ProductionDate string           `json:"production_date" validate:"required,datetime=2006-01-02"`
	ActualWork     *decimal.Decimal `json:"actual_work"`
	InvoiceNumber  string           `json:"invoice_number"`
}

// EntryDetailResponse is an entry with its rows.
type EntryDetailResponse struct {
	Entry        EntryDTO                 `json:"entry"`
	Inputs       []InputDTO               `json:"inputs"`
	Outputs      []OutputDTO              `json:"outputs"`
	Consumptions []production.Consumption `json:"consumptions"`
}

// =============================================================================
// ROWS
// =============================================================================

// InputDTO represents an input row.
type InputDTO struct {
	ID          string          `json:"id"`
	StockUnitID string          `json:"stock_unit_id"`
	PiecesUsed  *int64          `json:"pieces_used,omitempty"`
	Volume      decimal.Decimal `json:"volume"`
}

// AddInputRequest is the body for adding an input row. Volume may be omitted
// when the unit has a piece count.
type AddInputRequest struct {
	StockUnitID string           `json:"stock_unit_id" validate:"required"`
	Pieces      *int64           `json:"pieces" validate:"omitempty,gt=0"`
	Volume      *decimal.Decimal `json:"volume"`
}

// OutputDTO represents a staged output row.
type OutputDTO struct {
	ID         string                `json:"id"`
	Identifier string                `json:"identifier,omitempty"`
	Attributes production.Attributes `json:"attributes"`
	Dimensions production.Dimensions `json:"dimensions"`
	Pieces     *int64                `json:"pieces,omitempty"`
	Volume     decimal.Decimal       `json:"volume"`
	Note       string                `json:"note,omitempty"`
	SortOrder  int                   `json:"sort_order"`
}

// OutputRequest is the body for staging or updating an output row. Attribute
// completeness is checked at validation time, not here.
type OutputRequest struct {
	Identifier string                `json:"identifier"`
	Attributes production.Attributes `json:"attributes" validate:"-"`
	Dimensions production.Dimensions `json:"dimensions"`
	Pieces     *int64                `json:"pieces" validate:"omitempty,gte=0"`
	Volume     *decimal.Decimal      `json:"volume"`
	Note       string                `json:"note" validate:"max=500"`
}

// =============================================================================
// STOCK
// =============================================================================

// StockUnitDTO represents a stock unit.
type StockUnitDTO struct {
	ID            string                `json:"id"`
	OriginEntryID *string               `json:"origin_entry_id,omitempty"`
	Identifier    string                `json:"identifier"`
	Attributes    production.Attributes `json:"attributes"`
	Dimensions    production.Dimensions `json:"dimensions"`
	Pieces        *int64                `json:"pieces,omitempty"`
	Volume        decimal.Decimal       `json:"volume"`
	Status        string                `json:"status"`
}

// ReceiveStockUnitRequest is the body for receiving a package into stock.
type ReceiveStockUnitRequest struct {
	Identifier string                `json:"identifier" validate:"required"`
	Attributes production.Attributes `json:"attributes" validate:"-"`
	Dimensions production.Dimensions `json:"dimensions"`
	Pieces     *int64                `json:"pieces" validate:"omitempty,gte=0"`
	Volume     decimal.Decimal       `json:"volume"`
}

// =============================================================================
// WORKFLOW
// =============================================================================

// ResultResponse is returned by submit and revert.
type ResultResponse struct {
	Entry        EntryDTO                 `json:"entry"`
	Consumptions []production.Consumption `json:"consumptions"`
	Restored     int                      `json:"restored"`
	Updated      int                      `json:"updated"`
	Inserted     int                      `json:"inserted"`
	Deleted      int                      `json:"deleted"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// InsufficientStockDetails describes the unit a deduction failed on.
type InsufficientStockDetails struct {
	StockUnitID string          `json:"stock_unit_id"`
	Identifier  string          `json:"identifier"`
	Unit        string          `json:"unit"`
	Available   decimal.Decimal `json:"available"`
	Requested   decimal.Decimal `json:"requested"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toEntryDTO(e production.Entry) EntryDTO {
	dto := EntryDTO{
		ID:             string(e.ID),
		OwnerID:        string(e.OwnerID),
		ProcessID:      e.ProcessID,
		ProcessCode:    e.ProcessCode,
		WorkFormula:    string(e.WorkFormula),
		ProductionDate: e.ProductionDate.Format(dateLayout),
		Status:         string(e.Status),
		Type:           string(e.Type),
		Totals:         e.Totals,
		PlannedWork:    e.PlannedWork,
		ActualWork:     e.ActualWork,
		InvoiceNumber:  e.InvoiceNumber,
		ValidatedAt:    e.ValidatedAt,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
	if e.CorrectsEntryID != nil {
		id := string(*e.CorrectsEntryID)
		dto.CorrectsEntryID = &id
	}
	return dto
}

func toInputDTO(in production.Input) InputDTO {
	return InputDTO{
		ID:          string(in.ID),
		StockUnitID: string(in.StockUnitID),
		PiecesUsed:  in.PiecesUsed,
		Volume:      in.Volume,
	}
}

func toOutputDTO(o production.Output) OutputDTO {
	return OutputDTO{
		ID:         string(o.ID),
		Identifier: o.Identifier,
		Attributes: o.Attributes,
		Dimensions: o.Dimensions,
		Pieces:     o.Pieces,
		Volume:     o.Volume,
		Note:       o.Note,
		SortOrder:  o.SortOrder,
	}
}

func toOutputDTOs(outs []production.Output) []OutputDTO {
	dtos := make([]OutputDTO, len(outs))
	for i, o := range outs {
		dtos[i] = toOutputDTO(o)
	}
	return dtos
}

func toStockUnitDTO(u production.StockUnit) StockUnitDTO {
	dto := StockUnitDTO{
		ID:         string(u.ID),
		Identifier: u.Identifier,
		Attributes: u.Attributes,
		Dimensions: u.Dimensions,
		Pieces:     u.Pieces,
		Volume:     u.Volume,
		Status:     string(u.Status),
	}
	if u.OriginEntryID != nil {
		id := string(*u.OriginEntryID)
		dto.OriginEntryID = &id
	}
	return dto
}

func toResultResponse(res *production.Result) ResultResponse {
	consumptions := res.Consumptions
	if consumptions == nil {
		consumptions = []production.Consumption{}
	}
	return ResultResponse{
		Entry:        toEntryDTO(res.Entry),
		Consumptions: consumptions,
		Restored:     res.Restored,
		Updated:      res.Updated,
		Inserted:     res.Inserted,
		Deleted:      res.Deleted,
	}
}

func (r OutputRequest) draft() production.OutputDraft {
	return production.OutputDraft{
		Identifier: r.Identifier,
		Attributes: r.Attributes,
		Dimensions: r.Dimensions,
		Pieces:     r.Pieces,
		Volume:     r.Volume,
		Note:       r.Note,
	}
}
