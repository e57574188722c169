/*
handlers.go - HTTP API handlers for production entries

PURPOSE:
  Exposes the production workflow via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the production
  package for every rule.

ENDPOINTS:
  Entries:
    POST   /api/entries                         Create draft
    GET    /api/entries/{id}                    Entry with rows
    DELETE /api/entries/{id}                    Delete (reverts first if validated)
    POST   /api/entries/{id}/corrections        Create correction of a validated entry
    POST   /api/entries/{id}/recalculate        Recompute totals, no inventory change

  Rows:
    POST   /api/entries/{id}/inputs             Add input
    DELETE /api/entries/{id}/inputs/{inputID}   Remove input
    POST   /api/entries/{id}/outputs            Stage output
    PUT    /api/entries/{id}/outputs/{outputID} Update output
    DELETE /api/entries/{id}/outputs/{outputID} Remove output
    POST   /api/entries/{id}/outputs/identifiers Assign identifiers

  Workflow (rate limited):
    POST   /api/entries/{id}/submit             Validate or re-validate
    POST   /api/entries/{id}/revert             Return to draft

  Stock:
    POST   /api/stock-units                     Receive a package
    GET    /api/stock-units/{id}                Get a unit

ARCHITECTURE:
  Handler struct holds the dependencies:
  - Workflow: submit and revert
  - Editor: everything else
  - Health: optional store ping for /healthz

REQUEST FLOW:
  1. Actor from the bearer token (auth.go)
  2. Decode and shape-check the body
  3. Call the production package
  4. Serialize response

ERROR HANDLING:
  Engine failures carry a code that maps to a status:
  - 400: Malformed body
  - 401: Missing or invalid token
  - 403: UNAUTHORIZED
  - 404: NOT_FOUND
  - 409: ALREADY_IN_PROGRESS, IDENTIFIER_CONFLICT, REFERENCED_ELSEWHERE
  - 422: PRECONDITION_FAILED, INSUFFICIENT_STOCK
  - 500: PERSISTENCE_FAILURE, PARTIALLY_RECOVERED
  Body: {"code", "error", "details"}.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - production/validation.go: Workflow
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/warp/production-engine/production"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Workflow *production.Workflow
	Editor   *production.Editor
	Health   Pinger
	Log      *logrus.Logger

	validate *validator.Validate
}

// NewHandler creates a new handler. health may be nil.
func NewHandler(wf *production.Workflow, ed *production.Editor, health Pinger, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	})
	return &Handler{Workflow: wf, Editor: ed, Health: health, Log: log, validate: v}
}

// =============================================================================
// ENTRY HANDLERS
// =============================================================================

// CreateEntry creates a draft owned by the caller.
func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	var req CreateEntryRequest
	if !h.decode(w, r, &req) {
		return
	}

	date, err := time.Parse(dateLayout, req.ProductionDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid production_date format (use YYYY-MM-DD)", err)
		return
	}

	entry, err := h.Editor.CreateEntry(r.Context(), actor, production.NewEntry{
		ProcessID:      req.ProcessID,
		ProcessCode:    req.ProcessCode,
		WorkFormula:    production.WorkFormula(req.WorkFormula),
		ProductionDate: date,
		ActualWork:     req.ActualWork,
		InvoiceNumber:  req.InvoiceNumber,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

// GetEntry returns an entry with its inputs, outputs and recorded consumptions.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Editor.Entry(r.Context(), mustActor(r), entryID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := EntryDetailResponse{
		Entry:        toEntryDTO(detail.Entry),
		Inputs:       make([]InputDTO, len(detail.Inputs)),
		Outputs:      toOutputDTOs(detail.Outputs),
		Consumptions: detail.Consumptions,
	}
	for i, in := range detail.Inputs {
		resp.Inputs[i] = toInputDTO(in)
	}
	if resp.Consumptions == nil {
		resp.Consumptions = []production.Consumption{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteEntry deletes an entry, reverting its effects first when validated.
func (h *Handler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	if err := h.Editor.DeleteEntry(r.Context(), mustActor(r), entryID(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateCorrection creates a correction draft referencing a validated entry.
func (h *Handler) CreateCorrection(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Editor.CreateCorrection(r.Context(), mustActor(r), entryID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

// Recalculate recomputes totals from the rows without touching inventory.
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Editor.Recalculate(r.Context(), mustActor(r), entryID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(*entry))
}

// =============================================================================
// ROW HANDLERS
// =============================================================================

// AddInput adds a stock unit as input.
func (h *Handler) AddInput(w http.ResponseWriter, r *http.Request) {
	var req AddInputRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := h.Editor.AddInput(r.Context(), mustActor(r), entryID(r),
		production.StockUnitID(req.StockUnitID), req.Pieces, req.Volume)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInputDTO(*in))
}

func (h *Handler) RemoveInput(w http.ResponseWriter, r *http.Request) {
	id := production.InputID(chi.URLParam(r, "inputID"))
	if err := h.Editor.RemoveInput(r.Context(), mustActor(r), entryID(r), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StageOutput appends an output row.
func (h *Handler) StageOutput(w http.ResponseWriter, r *http.Request) {
	var req OutputRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.Editor.StageOutput(r.Context(), mustActor(r), entryID(r), req.draft())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOutputDTO(*out))
}

func (h *Handler) UpdateOutput(w http.ResponseWriter, r *http.Request) {
	var req OutputRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := production.OutputID(chi.URLParam(r, "outputID"))
	out, err := h.Editor.UpdateOutput(r.Context(), mustActor(r), entryID(r), id, req.draft())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOutputDTO(*out))
}

func (h *Handler) RemoveOutput(w http.ResponseWriter, r *http.Request) {
	id := production.OutputID(chi.URLParam(r, "outputID"))
	if err := h.Editor.RemoveOutput(r.Context(), mustActor(r), entryID(r), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AssignIdentifiers numbers every output row still lacking an identifier.
func (h *Handler) AssignIdentifiers(w http.ResponseWriter, r *http.Request) {
	outs, err := h.Editor.AssignIdentifiers(r.Context(), mustActor(r), entryID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOutputDTOs(outs))
}

// =============================================================================
// WORKFLOW HANDLERS
// =============================================================================

// Submit validates the entry, or re-validates it when already validated.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	res, err := h.Workflow.Submit(r.Context(), mustActor(r), entryID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultResponse(res))
}

// Revert returns a validated, or stuck validating, entry to draft.
func (h *Handler) Revert(w http.ResponseWriter, r *http.Request) {
	res, err := h.Workflow.Revert(r.Context(), mustActor(r), entryID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultResponse(res))
}

// =============================================================================
// STOCK HANDLERS
// =============================================================================

// ReceiveStockUnit records a received package.
func (h *Handler) ReceiveStockUnit(w http.ResponseWriter, r *http.Request) {
	var req ReceiveStockUnitRequest
	if !h.decode(w, r, &req) {
		return
	}
	unit, err := h.Editor.ReceiveStockUnit(r.Context(), mustActor(r), production.NewStockUnit{
		Identifier: req.Identifier,
		Attributes: req.Attributes,
		Dimensions: req.Dimensions,
		Pieces:     req.Pieces,
		Volume:     req.Volume,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toStockUnitDTO(*unit))
}

func (h *Handler) GetStockUnit(w http.ResponseWriter, r *http.Request) {
	id := production.StockUnitID(chi.URLParam(r, "id"))
	unit, err := h.Editor.StockUnit(r.Context(), mustActor(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStockUnitDTO(*unit))
}

// Healthz reports whether the store answers.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail writes an engine error with the status its code maps to.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := production.CodeOf(err)
	status := statusFor(code)
	resp := ErrorResponse{Code: string(code), Error: err.Error()}

	var perr *production.Error
	if errors.As(err, &perr) {
		resp.Error = perr.Message
		if len(perr.Details) > 0 {
			resp.Details = perr.Details
		}
	}
	var stock *production.InsufficientStockError
	if errors.As(err, &stock) {
		resp.Details = InsufficientStockDetails{
			StockUnitID: string(stock.StockUnitID),
			Identifier:  stock.Identifier,
			Unit:        stock.Unit,
			Available:   stock.Available,
			Requested:   stock.Requested,
		}
	}

	if status >= http.StatusInternalServerError {
		h.Log.WithFields(logrus.Fields{
			"module":     "api",
			"method":     r.Method,
			"path":       r.URL.Path,
			"code":       code,
			"request_id": middleware.GetReqID(r.Context()),
		}).WithError(err).Error("request failed")
		// Storage errors are not shown to clients.
		if perr != nil {
			resp.Error = perr.Message
		} else {
			resp.Error = "internal error"
		}
	}
	writeJSON(w, status, resp)
}

func statusFor(code production.Code) int {
	switch code {
	case production.CodeUnauthorized:
		return http.StatusForbidden
	case production.CodeNotFound:
		return http.StatusNotFound
	case production.CodeAlreadyInProgress, production.CodeIdentifierConflict, production.CodeReferencedElsewhere:
		return http.StatusConflict
	case production.CodePreconditionFailed, production.CodeInsufficientStock:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decode reads the JSON body into dst and runs the validator tags. It writes
// a 400 and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make([]string, len(verrs))
			for i, fe := range verrs {
				details[i] = fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Details: details})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func entryID(r *http.Request) production.EntryID {
	return production.EntryID(chi.URLParam(r, "id"))
}

// mustActor returns the actor set by the auth middleware. Routes are only
// mounted behind it, so a missing actor is a wiring bug.
func mustActor(r *http.Request) production.Actor {
	actor, ok := ActorFrom(r.Context())
	if !ok {
		panic("api: request reached a handler without an authenticated actor")
	}
	return actor
}
