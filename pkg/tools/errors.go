package tools

import (
	"fmt"

	"github.com/jllopis/koder/pkg/core"
	"github.com/jllopis/koder/pkg/errors"
)

// NotFoundError reports a lookup miss in the registry.
func NotFoundError(name string) *errors.KoderError {
	return errors.New(errors.CodeCapabilityNotFound, fmt.Sprintf("capability %q not found", name), nil).
		WithContext("tool", name)
}

// NotPermittedError reports a capability outside an agent's allowed set.
func NotPermittedError(name, agent string) *errors.KoderError {
	return errors.New(errors.CodeCapabilityNotPermitted,
		fmt.Sprintf("capability %q is not permitted for agent %q", name, agent), nil).
		WithContext("tool", name).
		WithContext("agent", agent)
}

// ValidationError reports input rejected by a capability.
func ValidationError(name string, res core.ValidationResult) *errors.KoderError {
	msg := res.Message
	if msg == "" {
		msg = "invalid input"
	}
	return errors.New(errors.CodeValidation, msg, nil).
		WithContext("tool", name).
		WithContext("validation_code", res.Code)
}

// PermissionDeniedError reports a call the user or a policy refused.
func PermissionDeniedError(name, reason string) *errors.KoderError {
	if reason == "" {
		reason = "permission denied"
	}
	return errors.New(errors.CodePermissionDenied, fmt.Sprintf("%s: %s", name, reason), nil).
		WithContext("tool", name)
}

// AbortedError reports a call that was not started or not finished because
// the abort controller tripped.
func AbortedError(reason string) *errors.KoderError {
	if reason == "" {
		reason = "operation aborted"
	}
	return errors.New(errors.CodeAborted, reason, nil)
}

// ExecutionError wraps a failure raised inside a capability.
func ExecutionError(name string, cause error) *errors.KoderError {
	return errors.New(errors.CodeExecution, fmt.Sprintf("capability %q failed", name), cause).
		WithContext("tool", name).
		WithRecoverable(true)
}
