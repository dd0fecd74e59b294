// Copyright 2026 © The Koder Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the koder CLI.
package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/jllopis/koder/pkg/errors"
)

// CLIError wraps KoderError with a hint for the user.
type CLIError struct {
	*errors.KoderError
	Hint string
}

func NewCLIError(ke *errors.KoderError, hint string) *CLIError {
	return &CLIError{KoderError: ke, Hint: hint}
}

func (e *CLIError) Error() string {
	if e.KoderError == nil {
		return "unknown error"
	}
	msg := e.KoderError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// PrintError writes the error to stderr.
func (e *CLIError) PrintError(asJSON bool) {
	e.write(os.Stderr, asJSON)
}

func (e *CLIError) write(w io.Writer, asJSON bool) {
	message := e.KoderError.Message
	if e.KoderError.Err != nil {
		message += ": " + e.KoderError.Err.Error()
	}
	if asJSON {
		payload, _ := json.Marshal(map[string]any{
			"error": map[string]string{
				"code":    string(e.KoderError.Code),
				"message": message,
				"hint":    e.Hint,
			},
		})
		fmt.Fprintln(w, string(payload))
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", FormatErrorCode(e.KoderError.Code), message)
	if e.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", e.Hint)
	}
}

// toCLIError attaches a hint matching the error code.
func toCLIError(err error) *CLIError {
	var cliErr *CLIError
	if stderrors.As(err, &cliErr) {
		return cliErr
	}
	var ke *errors.KoderError
	if !stderrors.As(err, &ke) {
		ke = errors.New(errors.CodeInternal, err.Error(), nil)
	}
	return NewCLIError(ke, hintFor(ke.Code))
}

func hintFor(code errors.ErrorCode) string {
	switch code {
	case errors.CodeLLMError:
		return "check that the model provider is running and llm.base_url is correct"
	case errors.CodeNotFound:
		return "run 'koder agents' to list the available agents"
	case errors.CodeCapabilityNotFound:
		return "run 'koder tools' to list the registered capabilities"
	case errors.CodePermissionDenied:
		return "grant the capability with 'koder grant <key> -persist' or run without -safe"
	case errors.CodeConfig:
		return "check your configuration file syntax"
	case errors.CodeConnectionClosed, errors.CodeTransport:
		return "check the mcp.servers entry and that the server starts on its own"
	case errors.CodeInvalidInput:
		return "run 'koder help' for usage information"
	default:
		return ""
	}
}

// NewNotFoundError creates a not found error with CLI hints.
func NewNotFoundError(resource, name string) *CLIError {
	ke := errors.New(errors.CodeNotFound, fmt.Sprintf("%s '%s' not found", resource, name), nil).
		WithContext("resource", resource).
		WithContext("name", name)
	return NewCLIError(ke, fmt.Sprintf("check that the %s exists", resource))
}

// NewInvalidArgumentError creates an invalid argument error with CLI hints.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	ke := errors.New(errors.CodeInvalidInput, fmt.Sprintf("invalid argument: %s", reason), nil).
		WithContext("argument", arg).
		WithContext("reason", reason)
	return NewCLIError(ke, "run 'koder help' for usage information")
}

// NewConfigError creates a configuration error with CLI hints.
func NewConfigError(err error, configPath string) *CLIError {
	ke := errors.New(errors.CodeConfig, "configuration error", err).
		WithContext("config_path", configPath)

	hint := "check your configuration file syntax"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(ke, hint)
}

// FormatErrorCode returns a user-friendly name for error codes.
func FormatErrorCode(code errors.ErrorCode) string {
	switch code {
	case errors.CodeInternal:
		return "Internal Error"
	case errors.CodeInvalidInput:
		return "Invalid Input"
	case errors.CodeNotFound:
		return "Not Found"
	case errors.CodeTimeout:
		return "Timeout"
	case errors.CodeLLMError:
		return "LLM Error"
	case errors.CodeMemoryError:
		return "Memory Error"
	case errors.CodeConfig:
		return "Config Error"
	case errors.CodeCapabilityNotFound:
		return "Unknown Capability"
	case errors.CodeCapabilityNotPermitted:
		return "Capability Not Permitted"
	case errors.CodeValidation:
		return "Validation Error"
	case errors.CodePermissionDenied:
		return "Permission Denied"
	case errors.CodeAborted:
		return "Aborted"
	case errors.CodeExecution:
		return "Execution Error"
	case errors.CodeConnectionClosed:
		return "Connection Closed"
	case errors.CodeTransport:
		return "Transport Error"
	default:
		return string(code)
	}
}
