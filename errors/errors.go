// Package errors defines the error taxonomy for the cash-out backend.
//
// All errors produced by this module are represented as CashoutError, which provides:
//   - Code: Machine-readable error identifier
//   - Message: Human-readable error description
//   - Layer: Which component layer produced the error (core, client, ledger, store, server)
//   - Cause: Underlying error, if any
//   - Context: Additional error details (status code, response body, transaction id, etc.)
//
// Use the provided constructor functions (NewCoreError, NewClientError, etc.)
// to create properly typed errors with automatic layer assignment.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code is a machine-readable error identifier.
type Code string

// Error codes - Core Layer
const (
	NETWORK_ERROR             Code = "NETWORK_ERROR"
	CONFIG_INVALID            Code = "CONFIG_INVALID"
	TOML_FETCH_FAILED         Code = "TOML_FETCH_FAILED"
	TOML_INVALID              Code = "TOML_INVALID"
	TOML_SIGNING_KEY_MISMATCH Code = "TOML_SIGNING_KEY_MISMATCH"
)

// Error codes - Client Layer
const (
	SIGNER_ERROR          Code = "SIGNER_ERROR"
	AUTHENTICATION_FAILED Code = "AUTHENTICATION_FAILED"
	ANCHOR_REQUEST_FAILED Code = "ANCHOR_REQUEST_FAILED"
	UNKNOWN_TRANSACTION   Code = "UNKNOWN_TRANSACTION"
	TRANSITION_INVALID    Code = "TRANSITION_INVALID"
	TRANSFER_IN_PROGRESS  Code = "TRANSFER_IN_PROGRESS"
	POLL_TIMEOUT          Code = "POLL_TIMEOUT"
	UNEXPECTED_STATUS     Code = "UNEXPECTED_STATUS"
	INVALID_MEMO          Code = "INVALID_MEMO"
	PAYMENT_MISMATCH      Code = "PAYMENT_MISMATCH"
	EVENT_PUBLISH_FAILED  Code = "EVENT_PUBLISH_FAILED"
)

// Error codes - Ledger Layer
const (
	LEDGER_SUBMISSION_FAILED Code = "LEDGER_SUBMISSION_FAILED"
	ACCOUNT_NOT_FOUND        Code = "ACCOUNT_NOT_FOUND"
)

// Error codes - Store Layer
const (
	STORE_ERROR Code = "STORE_ERROR"
)

// Reasons attached to AUTHENTICATION_FAILED under the "reason" context key.
const (
	ReasonInvalidChallenge  = "invalid_challenge"
	ReasonRejectedChallenge = "rejected_challenge"
)

// CashoutError is the base error type for all module errors.
type CashoutError struct {
	Code    Code
	Message string
	Layer   string // "core", "client", "ledger", "store", "server"
	Cause   error
	Context map[string]any
}

// Error returns a formatted error string.
func (e *CashoutError) Error() string {
	msg := fmt.Sprintf("[%s] %s: %s", e.Layer, e.Code, e.Message)
	if e.Cause != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause error, enabling error chain inspection.
func (e *CashoutError) Unwrap() error {
	return e.Cause
}

// With attaches a context value and returns the error for chaining.
func (e *CashoutError) With(key string, value any) *CashoutError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Reason returns the "reason" context value, or "" if unset.
func (e *CashoutError) Reason() string {
	reason, _ := e.Context["reason"].(string)
	return reason
}

func newError(layer string, code Code, message string, cause error) *CashoutError {
	return &CashoutError{
		Code:    code,
		Message: message,
		Layer:   layer,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// NewCoreError creates a core layer error.
func NewCoreError(code Code, message string, cause error) *CashoutError {
	return newError("core", code, message, cause)
}

// NewClientError creates a client layer error.
func NewClientError(code Code, message string, cause error) *CashoutError {
	return newError("client", code, message, cause)
}

// NewLedgerError creates a ledger layer error.
func NewLedgerError(code Code, message string, cause error) *CashoutError {
	return newError("ledger", code, message, cause)
}

// NewStoreError creates a store layer error.
func NewStoreError(code Code, message string, cause error) *CashoutError {
	return newError("store", code, message, cause)
}

// Is checks if the target error is a CashoutError with the same code.
func (e *CashoutError) Is(target error) bool {
	if target == nil {
		return false
	}
	other, ok := target.(*CashoutError)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// As finds the first CashoutError in err's chain and assigns it to target.
func As(err error, target **CashoutError) bool {
	if err == nil {
		return false
	}
	return stderrors.As(err, target)
}

// HasCode reports whether any CashoutError in err's chain carries code.
func HasCode(err error, code Code) bool {
	return stderrors.Is(err, &CashoutError{Code: code})
}

// CodeOf returns the code of the outermost CashoutError in err's chain.
func CodeOf(err error) Code {
	var ce *CashoutError
	if As(err, &ce) {
		return ce.Code
	}
	return ""
}
