// Copyright 2026 © The Koder Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"github.com/jllopis/koder/pkg/errors"
)

// WrapLLMError wraps a model provider error with the model name.
func WrapLLMError(err error, model string) *errors.KoderError {
	if err == nil {
		return nil
	}
	return errors.New(errors.CodeLLMError, "LLM call failed", err).
		WithContext("model", model).
		WithAttribute("llm.model", model).
		WithRecoverable(true)
}

// WrapMemoryError wraps a history store error with the failed operation.
func WrapMemoryError(err error, operation string) *errors.KoderError {
	if err == nil {
		return nil
	}
	return errors.New(errors.CodeMemoryError, "memory operation failed", err).
		WithContext("operation", operation).
		WithAttribute("memory.operation", operation).
		WithRecoverable(true)
}

// NewInvalidInputError creates a new invalid input error.
func NewInvalidInputError(msg string) *errors.KoderError {
	return errors.New(errors.CodeInvalidInput, msg, nil).
		WithRecoverable(false)
}

// NewNotFoundError creates a new not found error.
func NewNotFoundError(resource, name string) *errors.KoderError {
	return errors.New(errors.CodeNotFound, resource+" not found", nil).
		WithContext("resource", resource).
		WithContext("name", name).
		WithRecoverable(false)
}

// invalidArgumentsError reports tool call arguments that are not a JSON object.
func invalidArgumentsError(name string, cause error) *errors.KoderError {
	return errors.New(errors.CodeValidation, "tool arguments are not a valid JSON object", cause).
		WithContext("tool", name)
}
