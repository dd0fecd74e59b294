// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for Koder.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies Koder errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeMemoryError indicates a conversation store error.
	CodeMemoryError ErrorCode = "MEMORY_ERROR"

	// CodeLLMError indicates a model provider error.
	CodeLLMError ErrorCode = "LLM_ERROR"

	// CodeConfig indicates an invalid configuration.
	CodeConfig ErrorCode = "CONFIG_ERROR"

	// CodeCapabilityNotFound indicates no capability is registered under the name.
	CodeCapabilityNotFound ErrorCode = "CAPABILITY_NOT_FOUND"

	// CodeCapabilityNotPermitted indicates the capability exists but the agent may not use it.
	CodeCapabilityNotPermitted ErrorCode = "CAPABILITY_NOT_PERMITTED"

	// CodeValidation indicates the capability rejected its input.
	CodeValidation ErrorCode = "VALIDATION_ERROR"

	// CodePermissionDenied indicates the invocation was not approved.
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// CodeAborted indicates the call chain was cancelled through its abort controller.
	CodeAborted ErrorCode = "ABORTED"

	// CodeExecution indicates a capability failed while running.
	CodeExecution ErrorCode = "EXECUTION_ERROR"

	// CodeConnectionClosed indicates a remote connection went away with requests in flight.
	CodeConnectionClosed ErrorCode = "CONNECTION_CLOSED"

	// CodeTransport indicates a remote transport or protocol failure.
	CodeTransport ErrorCode = "TRANSPORT_ERROR"
)

// Sentinels for errors.Is matching. Any KoderError with the same code matches.
var (
	ErrCapabilityNotFound     = &KoderError{Code: CodeCapabilityNotFound}
	ErrCapabilityNotPermitted = &KoderError{Code: CodeCapabilityNotPermitted}
	ErrValidation             = &KoderError{Code: CodeValidation}
	ErrPermissionDenied       = &KoderError{Code: CodePermissionDenied}
	ErrAborted                = &KoderError{Code: CodeAborted}
	ErrExecution              = &KoderError{Code: CodeExecution}
	ErrConnectionClosed       = &KoderError{Code: CodeConnectionClosed}
	ErrTransport              = &KoderError{Code: CodeTransport}
)

// KoderError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type KoderError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int
}

// Error implements the error interface.
func (e *KoderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *KoderError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a KoderError carrying the same code.
func (e *KoderError) Is(target error) bool {
	t, ok := target.(*KoderError)
	if !ok || t == nil {
		return false
	}
	return e.Code == t.Code
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *KoderError) MarshalJSON() ([]byte, error) {
	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(&struct {
		Message     string                 `json:"message"`
		Code        string                 `json:"code"`
		Err         string                 `json:"error,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Attributes  map[string]string      `json:"attributes,omitempty"`
		StatusCode  int                    `json:"status_code"`
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         cause,
		Recoverable: e.Recoverable,
		Context:     e.Context,
		Attributes:  e.Attributes,
		StatusCode:  e.StatusCode,
	})
}

// New creates a new KoderError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *KoderError {
	return &KoderError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
		StatusCode: codeToStatusCode(code),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *KoderError) WithContext(key string, value interface{}) *KoderError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *KoderError) WithAttribute(key, value string) *KoderError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *KoderError) WithRecoverable(recoverable bool) *KoderError {
	e.Recoverable = recoverable
	return e
}

// AsKoderError returns the first KoderError in err's chain, or wraps err as internal.
func AsKoderError(err error) *KoderError {
	if err == nil {
		return nil
	}
	var ke *KoderError
	if stderrors.As(err, &ke) {
		return ke
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the code of the first KoderError in err's chain, or CodeInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ke *KoderError
	if stderrors.As(err, &ke) {
		return ke.Code
	}
	return CodeInternal
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *KoderError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// codeToStatusCode maps error codes to HTTP-like status codes.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound, CodeCapabilityNotFound:
		return 404
	case CodeCapabilityNotPermitted, CodePermissionDenied:
		return 403
	case CodeInvalidInput, CodeValidation, CodeConfig:
		return 400
	case CodeTimeout:
		return 408
	case CodeAborted:
		return 499
	case CodeConnectionClosed, CodeTransport:
		return 502
	default:
		return 500
	}
}
