/*
errors.go - Error taxonomy for the validation engine

PURPOSE:
  Every failure carries a stable machine-readable Code plus a human message.
  Callers switch on the code (or use errors.Is with the sentinels); the HTTP
  layer maps codes to statuses.

ERROR CATEGORIES:
  1. Caller errors:   Unauthorized, NotFound, AlreadyInProgress
  2. Business rules:  PreconditionFailed, InsufficientStock,
                      IdentifierConflict, ReferencedElsewhere
  3. Storage:         PersistenceFailure
  4. Compensation:    PartiallyRecovered (an inverse write failed during
                      rollback; operator attention required)

SEE ALSO:
  - rollback.go: produces PartiallyRecovered
  - api/handlers.go: code -> HTTP status
*/
package production

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Code is the machine-readable failure code returned to callers.
type Code string

const (
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeNotFound            Code = "NOT_FOUND"
	CodeAlreadyInProgress   Code = "ALREADY_IN_PROGRESS"
	CodePreconditionFailed  Code = "PRECONDITION_FAILED"
	CodeInsufficientStock   Code = "INSUFFICIENT_STOCK"
	CodeIdentifierConflict  Code = "IDENTIFIER_CONFLICT"
	CodeReferencedElsewhere Code = "REFERENCED_ELSEWHERE"
	CodePersistenceFailure  Code = "PERSISTENCE_FAILURE"
	CodePartiallyRecovered  Code = "PARTIALLY_RECOVERED"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNotFound            = errors.New("not found")
	ErrAlreadyInProgress   = errors.New("validation already in progress")
	ErrPreconditionFailed  = errors.New("precondition failed")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrIdentifierConflict  = errors.New("identifier conflict")
	ErrReferencedElsewhere = errors.New("referenced elsewhere")
	ErrPersistenceFailure  = errors.New("persistence failure")
	ErrPartiallyRecovered  = errors.New("rollback partially recovered")
)

var sentinels = map[Code]error{
	CodeUnauthorized:        ErrUnauthorized,
	CodeNotFound:            ErrNotFound,
	CodeAlreadyInProgress:   ErrAlreadyInProgress,
	CodePreconditionFailed:  ErrPreconditionFailed,
	CodeInsufficientStock:   ErrInsufficientStock,
	CodeIdentifierConflict:  ErrIdentifierConflict,
	CodeReferencedElsewhere: ErrReferencedElsewhere,
	CodePersistenceFailure:  ErrPersistenceFailure,
	CodePartiallyRecovered:  ErrPartiallyRecovered,
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Error is the tagged failure returned by every engine operation.
type Error struct {
	Code    Code
	Message string
	Details []string // e.g. one line per failing output row
	Err     error    // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes both the code's sentinel and the cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := sentinels[e.Code]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func persistenceError(op string, err error) *Error {
	return &Error{Code: CodePersistenceFailure, Message: op, Err: err}
}

// InsufficientStockError provides details about a deduction beyond availability.
type InsufficientStockError struct {
	StockUnitID StockUnitID
	Identifier  string
	Unit        string // "pieces" or "m3"
	Available   decimal.Decimal
	Requested   decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock on %s: available %s %s, requested %s",
		e.Identifier, e.Available, e.Unit, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// CodeOf returns the code carried by err. Unknown errors are persistence
// failures: anything not classified by the engine came from storage.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	for _, code := range []Code{
		CodePartiallyRecovered,
		CodeInsufficientStock,
		CodeUnauthorized,
		CodeNotFound,
		CodeAlreadyInProgress,
		CodePreconditionFailed,
		CodeIdentifierConflict,
		CodeReferencedElsewhere,
	} {
		if errors.Is(err, sentinels[code]) {
			return code
		}
	}
	return CodePersistenceFailure
}

// asEngineError classifies err into an *Error, keeping the original as cause.
func asEngineError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var stock *InsufficientStockError
	if errors.As(err, &stock) {
		return &Error{Code: CodeInsufficientStock, Message: stock.Error(), Err: err}
	}
	return persistenceError("storage operation failed", err)
}

// IsClientError returns true if the error is due to the request or the state
// of the entry rather than the system.
func IsClientError(err error) bool {
	switch CodeOf(err) {
	case CodeUnauthorized, CodeNotFound, CodeAlreadyInProgress, CodePreconditionFailed,
		CodeInsufficientStock, CodeIdentifierConflict, CodeReferencedElsewhere:
		return true
	}
	return false
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
