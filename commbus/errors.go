package commbus

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERRORS
// =============================================================================

// NoHandlerError is returned when a query has no registered handler.
// For run history queries this means history is not configured.
type NoHandlerError struct {
	MessageType string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for %s", e.MessageType)
}

// NewNoHandlerError creates a new NoHandlerError.
func NewNoHandlerError(messageType string) *NoHandlerError {
	return &NoHandlerError{MessageType: messageType}
}

// HandlerAlreadyRegisteredError is returned when a second handler is registered for a type.
type HandlerAlreadyRegisteredError struct {
	MessageType string
}

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("handler already registered for %s", e.MessageType)
}

// NewHandlerAlreadyRegisteredError creates a new HandlerAlreadyRegisteredError.
func NewHandlerAlreadyRegisteredError(messageType string) *HandlerAlreadyRegisteredError {
	return &HandlerAlreadyRegisteredError{MessageType: messageType}
}

// QueryTimeoutError is returned when a query handler does not answer in time.
type QueryTimeoutError struct {
	MessageType string
	Timeout     float64
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query %s timed out after %.2fs", e.MessageType, e.Timeout)
}

// NewQueryTimeoutError creates a new QueryTimeoutError.
func NewQueryTimeoutError(messageType string, timeout float64) *QueryTimeoutError {
	return &QueryTimeoutError{MessageType: messageType, Timeout: timeout}
}

// BlockedError is returned when middleware (an open circuit) stops a query.
type BlockedError struct {
	MessageType string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("query %s blocked by middleware", e.MessageType)
}

// UnexpectedResultError is returned by Ask when a handler answers with the wrong type.
type UnexpectedResultError struct {
	MessageType string
	Want        string
	Got         any
}

func (e *UnexpectedResultError) Error() string {
	return fmt.Sprintf("query %s returned %T, want %s", e.MessageType, e.Got, e.Want)
}

// IsUnavailable reports whether err means nothing can answer the query right now,
// as opposed to the handler answering with a failure.
func IsUnavailable(err error) bool {
	var noHandler *NoHandlerError
	var blocked *BlockedError
	return errors.As(err, &noHandler) || errors.As(err, &blocked)
}
