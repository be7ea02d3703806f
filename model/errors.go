package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Lifecycle error codes.
const (
	ErrAlreadyInitialized     = "ALREADY_INITIALIZED"
	ErrInvalidTransition      = "INVALID_TRANSITION"
	ErrTransitionInProgress   = "TRANSITION_IN_PROGRESS"
	ErrConditionNotMet        = "CONDITION_NOT_MET"
	ErrTransitionExpired      = "TRANSITION_EXPIRED"
	ErrConcurrentModification = "CONCURRENT_MODIFICATION"
)

// Workflow error codes.
const (
	ErrDependencyCycle         = "DEPENDENCY_CYCLE"
	ErrUnknownDependency       = "UNKNOWN_DEPENDENCY"
	ErrStepNotRunnable         = "STEP_NOT_RUNNABLE"
	ErrActionExecutionFailure  = "ACTION_EXECUTION_FAILURE"
	ErrWorkflowAlreadyTerminal = "WORKFLOW_ALREADY_TERMINAL"
)

// ErrorEnvelope is the standard error shape returned by the engine and its
// HTTP surface. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsCode reports whether err is an *ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	ee, ok := err.(*ErrorEnvelope)
	return ok && ee.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewAlreadyInitializedError returns an ALREADY_INITIALIZED error.
func NewAlreadyInitializedError(assetID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAlreadyInitialized,
		Message: fmt.Sprintf("asset %q already has a lifecycle history", assetID),
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewTransitionInProgressError returns a TRANSITION_IN_PROGRESS error.
func NewTransitionInProgressError(assetID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTransitionInProgress,
		Message: fmt.Sprintf("asset %q already has a transition awaiting conditions", assetID),
	}
}

// NewConditionNotMetError returns a CONDITION_NOT_MET error.
func NewConditionNotMetError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConditionNotMet, Message: msg}
}

// NewTransitionExpiredError returns a TRANSITION_EXPIRED error.
func NewTransitionExpiredError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTransitionExpired, Message: msg}
}

// NewConcurrentModificationError returns a CONCURRENT_MODIFICATION error.
func NewConcurrentModificationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConcurrentModification, Message: msg}
}

// NewDependencyCycleError returns a DEPENDENCY_CYCLE error.
func NewDependencyCycleError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDependencyCycle, Message: msg}
}

// NewUnknownDependencyError returns an UNKNOWN_DEPENDENCY error.
func NewUnknownDependencyError(stepID, dependency string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownDependency,
		Message: fmt.Sprintf("step %q depends on unknown step %q", stepID, dependency),
	}
}

// NewStepNotRunnableError returns a STEP_NOT_RUNNABLE error.
func NewStepNotRunnableError(stepID, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStepNotRunnable,
		Message: fmt.Sprintf("step %q is %s, not runnable", stepID, status),
	}
}

// NewActionExecutionFailureError returns an ACTION_EXECUTION_FAILURE error.
func NewActionExecutionFailureError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrActionExecutionFailure, Message: msg}
}

// NewWorkflowAlreadyTerminalError returns a WORKFLOW_ALREADY_TERMINAL error.
func NewWorkflowAlreadyTerminalError(workflowID, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkflowAlreadyTerminal,
		Message: fmt.Sprintf("workflow %q is %s and cannot be modified", workflowID, status),
	}
}
