package querybus

import (
	"errors"
	"fmt"
)

var (
	// ErrNoHandler indicates no registered handler matches the query.
	// Handlers also return it (wrapped) to signal "not applicable" for a
	// specific message, letting dispatch try the next candidate.
	ErrNoHandler = errors.New("querybus: no handler for query")

	// ErrNoSuitableHandler indicates every matching handler declined the
	// query.
	ErrNoSuitableHandler = errors.New("querybus: no suitable handler for query")

	// ErrUnsupportedResponseType indicates the caller requested a
	// cardinality the chosen dispatch mode cannot satisfy.
	ErrUnsupportedResponseType = errors.New("querybus: unsupported response type")

	// ErrDuplicateSubscription indicates a subscription query with the
	// same message identity is already registered.
	ErrDuplicateSubscription = errors.New("querybus: duplicate subscription query")

	// ErrShuttingDown indicates dispatch was attempted after shutdown
	// began.
	ErrShuttingDown = errors.New("querybus: bus is shutting down")
)

// DispatchError wraps a serialization or transport failure that prevented a
// query from being dispatched.
type DispatchError struct {
	Msg string
	Err error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	if e.Err == nil {
		return "querybus: dispatch failed: " + e.Msg
	}
	return fmt.Sprintf("querybus: dispatch failed: %s: %v", e.Msg, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DispatchError) Unwrap() error { return e.Err }

// ExecutionError wraps a handler-side failure surfaced from an asynchronous
// result.
type ExecutionError struct {
	Msg string
	Err error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return "querybus: query execution failed: " + e.Msg
	}
	return fmt.Sprintf("querybus: query execution failed: %s: %v", e.Msg, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ExecutionError) Unwrap() error { return e.Err }
