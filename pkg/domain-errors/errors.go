// Package domainerrors defines the coded error type shared by all incasso
// services. Stores return sentinel errors; services wrap them with a Code so
// transports can translate failures without inspecting error strings.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a domain error. The set is closed: every failure path in the
// collection pipeline maps onto exactly one of these.
type Code string

const (
	// CodeValidation covers malformed input: bad IBAN, bad BIC, non-positive
	// amount, unknown sequence type. Never retried automatically.
	CodeValidation Code = "validation"

	// CodeCompliance covers control-sum mismatches and creditor identifier
	// failures detected at the file emission boundary. Blocks emission.
	CodeCompliance Code = "compliance"

	// CodeInvalidState is returned when an operation targets a mandate or
	// batch in the wrong lifecycle state. The caller must re-read state.
	CodeInvalidState Code = "invalid_state"

	// CodeBatchLimit signals that a compose cycle found no eligible charges.
	// It is a no-op signal, not a fault.
	CodeBatchLimit Code = "batch_limit"

	// CodeSubmission covers outright rejection of a file by the bank channel.
	CodeSubmission Code = "submission"

	// CodeReconciliation marks return entries that could not be matched to a
	// known transaction. Held for manual review, never silently dropped.
	CodeReconciliation Code = "reconciliation"

	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeBadRequest   Code = "bad_request"
	CodeUnauthorized Code = "unauthorized"
	CodeInternal     Code = "internal"
)

// Error is the concrete coded error. Use New or Wrap; do not construct inline.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error with no cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. A nil err yields nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// HasCode reports whether any error in the chain carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	for errors.As(err, &de) {
		if de.Code == code {
			return true
		}
		err = de.Err
		if err == nil {
			return false
		}
	}
	return false
}

// CodeOf returns the outermost code in the chain, or CodeInternal when the
// error carries none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// ToHTTPStatus maps a code onto the HTTP status the transport layer emits.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeBadRequest:
		return http.StatusBadRequest
	case CodeCompliance:
		return http.StatusUnprocessableEntity
	case CodeInvalidState, CodeConflict:
		return http.StatusConflict
	case CodeBatchLimit:
		return http.StatusNoContent
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeSubmission, CodeReconciliation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
