// Package errors defines the engine's error codes.
package errors

import "fmt"

// Code identifies a class of failure. Codes are stable strings: they are
// returned across the API boundary and used as metric labels.
type Code string

const (
	CodeOK      Code = "OK"
	CodeUnknown Code = "UNKNOWN"

	// Order validation (rejected before any ledger access).
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeInvalidSide        Code = "INVALID_SIDE"
	CodeInvalidOrderType   Code = "INVALID_ORDER_TYPE"
	CodeInvalidQuantity    Code = "INVALID_QUANTITY"
	CodeInvalidPrice       Code = "INVALID_PRICE"
	CodeInvalidTimeInForce Code = "INVALID_TIME_IN_FORCE"

	// Pre-execution gates.
	CodeInsufficientFunds  Code = "INSUFFICIENT_FUNDS"
	CodeInsufficientShares Code = "INSUFFICIENT_SHARES"
	CodeRiskLimitExceeded  Code = "RISK_LIMIT_EXCEEDED"

	// Infrastructure.
	CodePriceUnavailable  Code = "PRICE_UNAVAILABLE"
	CodeLedgerWriteFailed Code = "LEDGER_WRITE_FAILURE"
	CodeConflict          Code = "CONFLICT"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInternal          Code = "INTERNAL"
)

// Error is a typed business error.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New creates an error with retryability derived from the code.
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf creates a formatted error.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// CodeOf extracts the code from err, or CodeUnknown for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return CodeUnknown
}

// IsRetryable reports whether err is a transient failure the monitor may
// retry on a later cycle. Validation and gate failures are terminal.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

func isRetryable(code Code) bool {
	switch code {
	case CodePriceUnavailable, CodeLedgerWriteFailed:
		return true
	default:
		return false
	}
}

// Predefined errors.
var (
	ErrInsufficientFunds  = New(CodeInsufficientFunds, "insufficient funds")
	ErrInsufficientShares = New(CodeInsufficientShares, "insufficient shares")
	ErrOrderNotFound      = New(CodeNotFound, "order not found")
	ErrPriceUnavailable   = New(CodePriceUnavailable, "price unavailable")
	ErrConflict           = New(CodeConflict, "concurrent state change lost the race")
)
