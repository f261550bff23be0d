package protocol

import (
	"errors"
	"fmt"
)

// Error kinds
const (
	ContextError = "CONTEXT-ERROR"
	DomainError  = "DOMAIN-ERROR"
	CoreError    = "CORE-ERROR"
)

// Error codes
const (
	CodeInvalidRequest       = "30001"
	CodeMissingOrderID       = "30004"
	CodeMissingOrderState    = "30005"
	CodeUnexpectedOrderState = "30008"
	CodeStaleRequest         = "30011"
	CodeOrderNotFound        = "31002"
	CodeOrderMismatch        = "31003"
	CodeCancelledByBuyer     = "40001"
	CodeConfirmInProgress    = "40002"
	CodeInvalidCancelReason  = "40005"
	CodeUnexpected           = "50000"
	CodeInternal             = "50001"
	CodeStateNotCancellable  = "50001"
	CodeItemNotCancellable   = "50002"
	CodeGenericNack          = "GENERIC-NACK"
)

// Reason codes carried by a rejected on_confirm
const (
	ReasonNotServiceable  = "001"
	ReasonItemUnavailable = "003"
)

// Error is the protocol error object. It travels inside envelopes and is
// also returned as a Go error by validators and business rules.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Type, e.Code, e.Message)
}

// NewContextError builds a CONTEXT-ERROR.
func NewContextError(code, format string, args ...any) *Error {
	return &Error{Type: ContextError, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewDomainError builds a DOMAIN-ERROR.
func NewDomainError(code, format string, args ...any) *Error {
	return &Error{Type: DomainError, Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError converts any error into a protocol error. Errors that are not
// protocol errors become CORE-ERROR 50001.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Type: CoreError, Code: CodeInternal, Message: fmt.Sprintf("unexpected internal error: %v", err)}
}
