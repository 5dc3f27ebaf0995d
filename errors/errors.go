// Package errors provides the error taxonomy and classification helpers used by
// the gateway. Every failure that crosses a package boundary is wrapped with
// "component.method: action failed: %w" and, where handling depends on it,
// classified as transient, invalid or fatal.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Command processing taxonomy. Each command failure wraps exactly one of these.
var (
	// ErrValidation marks a malformed command (bad JSON, schema violation).
	ErrValidation = errors.New("command validation failed")
	// ErrResolution marks an unknown or malformed type identifier.
	ErrResolution = errors.New("type resolution failed")
	// ErrEndpointCreation marks a failure allocating a bus endpoint.
	ErrEndpointCreation = errors.New("endpoint creation failed")
	// ErrDispatch marks a transport failure on publish, call or send-goal.
	ErrDispatch = errors.New("dispatch failed")
	// ErrActionRejected is a goal the server refused.
	ErrActionRejected = errors.New("goal rejected")
	// ErrActionFailed is a goal that ended aborted or canceled by the server.
	ErrActionFailed = errors.New("goal failed")
	// ErrEncoding marks a payload that does not fit its resolved type.
	ErrEncoding = errors.New("payload encoding failed")
)

// No-op conditions. Callers log these as warnings.
var (
	ErrEndpointNotFound = errors.New("endpoint not found")
	ErrNoGoal           = errors.New("no outstanding goal")
	ErrGoalInFlight     = errors.New("goal already in flight")
)

// Lifecycle and transport errors
var (
	ErrAlreadyStarted    = errors.New("component already started")
	ErrNotStarted        = errors.New("component not started")
	ErrShuttingDown      = errors.New("component is shutting down")
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrNoResponders      = errors.New("no responders")
	ErrQueueFull         = errors.New("queue full")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrMissingConfig     = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrNoResponders) ||
		errors.Is(err, ErrQueueFull) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "temporary", "unavailable"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrMissingConfig)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrResolution) ||
		errors.Is(err, ErrEncoding)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}
	// Unknown errors default to transient so callers may retry.
	return ErrorTransient
}

// IsNoop reports whether err only signals a skipped operation.
func IsNoop(err error) bool {
	return errors.Is(err, ErrEndpointNotFound) ||
		errors.Is(err, ErrNoGoal) ||
		errors.Is(err, ErrGoalInFlight)
}

// Kind returns a short label for the taxonomy class err belongs to, used as a
// metric label and log attribute.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsNoop(err):
		return "noop"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrResolution):
		return "resolution"
	case errors.Is(err, ErrEncoding):
		return "encoding"
	case errors.Is(err, ErrEndpointCreation):
		return "endpoint_creation"
	case errors.Is(err, ErrActionRejected):
		return "action_rejected"
	case errors.Is(err, ErrActionFailed):
		return "action_failed"
	case errors.Is(err, ErrDispatch):
		return "dispatch"
	default:
		return "internal"
	}
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// Tag joins a taxonomy sentinel with a cause so both match errors.Is.
func Tag(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}
