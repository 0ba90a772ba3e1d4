// Package apperrors provides the orchestration core's typed error vocabulary.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants. The orchestration-specific codes correspond to
// the failure modes named in spec.md §4 and §7.
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	// ErrCodeInvalidTransition is returned when the workflow state machine
	// is asked to transition via an edge not present in the transition table.
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	// ErrCodeInvalidLifecycleOp is returned when pause/resume/retry is
	// invoked from a state that does not permit it.
	ErrCodeInvalidLifecycleOp = "INVALID_LIFECYCLE_OP"
	// ErrCodeMaxConcurrentAgents is returned by the pool's admission control
	// when spawning would exceed maxConcurrentAgents.
	ErrCodeMaxConcurrentAgents = "MAX_CONCURRENT_AGENTS"
	// ErrCodeUnknownTarget is returned by the router when routeMessage's
	// recipient is not a known agent.
	ErrCodeUnknownTarget = "UNKNOWN_TARGET"
	// ErrCodeInvalidMessage is returned when an AgentMessage fails field
	// validation.
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	// ErrCodeDisposed is returned by any suspended operation whose owning
	// component was disposed while the operation was in flight.
	ErrCodeDisposed = "DISPOSED"
	// ErrCodeQueueFull is returned when a bounded queue is at capacity and
	// cannot accept an item that must not be silently dropped.
	ErrCodeQueueFull = "QUEUE_FULL"
	// ErrCodeCircuitOpen is returned by the ERM when a breaker key is open,
	// whether the short-circuit degrades gracefully or aborts.
	ErrCodeCircuitOpen = "CIRCUIT_OPEN"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
	// Details carries structured, code-specific context, e.g. the list of
	// valid transition targets for ErrCodeInvalidTransition.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails attaches structured context and returns the same error.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// InvalidTransition creates the error returned when a WSM transition is not
// present in the transition table, listing the legal targets per spec.md §4.1.
func InvalidTransition(from, trigger string, validTargets []string) *AppError {
	return (&AppError{
		Code:       ErrCodeInvalidTransition,
		Message:    fmt.Sprintf("no transition from %s on trigger %q", from, trigger),
		HTTPStatus: http.StatusConflict,
	}).WithDetails(map[string]interface{}{
		"from":          from,
		"trigger":       trigger,
		"valid_targets": validTargets,
	})
}

// InvalidLifecycleOp creates the error returned when pause/resume/retry is
// invoked from a state that forbids it.
func InvalidLifecycleOp(op, state string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidLifecycleOp,
		Message:    fmt.Sprintf("cannot %s while in state %s", op, state),
		HTTPStatus: http.StatusConflict,
	}
}

// MaxConcurrentAgents creates the admission-control error from spec.md §4.2.
func MaxConcurrentAgents(limit int) *AppError {
	return &AppError{
		Code:       ErrCodeMaxConcurrentAgents,
		Message:    fmt.Sprintf("Maximum concurrent agents reached (limit=%d)", limit),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// UnknownTarget creates the router error for an unrecognised recipient.
func UnknownTarget(agentID string) *AppError {
	return &AppError{
		Code:       ErrCodeUnknownTarget,
		Message:    fmt.Sprintf("unknown routing target %q", agentID),
		HTTPStatus: http.StatusNotFound,
	}
}

// InvalidMessage creates the router's field-level validation error.
func InvalidMessage(field, reason string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidMessage,
		Message:    fmt.Sprintf("invalid message field %q: %s", field, reason),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Disposed creates the error returned to any caller of a suspended
// operation whose owning component was disposed mid-flight.
func Disposed(component string) *AppError {
	return &AppError{
		Code:       ErrCodeDisposed,
		Message:    fmt.Sprintf("%s has been disposed", component),
		HTTPStatus: http.StatusGone,
	}
}

// QueueFull creates the bounded-queue overflow error.
func QueueFull(queue string, maxSize int) *AppError {
	return &AppError{
		Code:       ErrCodeQueueFull,
		Message:    fmt.Sprintf("%s queue is full (max=%d)", queue, maxSize),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// CircuitOpen creates the error returned when a breaker key is open, for
// both the graceful-degradation and the abort short-circuit.
func CircuitOpen(key string) *AppError {
	return &AppError{
		Code:       ErrCodeCircuitOpen,
		Message:    fmt.Sprintf("circuit breaker open for key %q", key),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
			Details:    appErr.Details,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Is reports whether err is an AppError carrying the given code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
