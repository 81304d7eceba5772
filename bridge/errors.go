package bridge

import (
	"errors"
	"fmt"

	"github.com/mnegacz/querybus"
	"github.com/mnegacz/querybus/wire"
)

// CodeForError maps a dispatch or execution failure to its wire error code.
func CodeForError(err error) int {
	switch {
	case err == nil:
		return wire.CodeOK
	case errors.Is(err, querybus.ErrNoHandler):
		return wire.CodeNoHandler
	case errors.Is(err, querybus.ErrNoSuitableHandler):
		return wire.CodeDeclined
	case errors.Is(err, querybus.ErrShuttingDown):
		return wire.CodeShuttingDown
	case errors.Is(err, querybus.ErrUnsupportedResponseType):
		return wire.CodeBadRequest
	default:
		return wire.CodeExecution
	}
}

// ErrorForCode maps a wire error code back to the bus error taxonomy.
// CodeExecution becomes an ExecutionError; the remaining codes map to
// sentinel errors carrying the remote message.
func ErrorForCode(code int, message string) error {
	switch code {
	case wire.CodeOK:
		return nil
	case wire.CodeNoHandler:
		return fmt.Errorf("%w: %s", querybus.ErrNoHandler, message)
	case wire.CodeDeclined:
		return fmt.Errorf("%w: %s", querybus.ErrNoSuitableHandler, message)
	case wire.CodeShuttingDown:
		return fmt.Errorf("%w: %s", querybus.ErrShuttingDown, message)
	case wire.CodeBadRequest:
		return &querybus.DispatchError{Msg: message}
	default:
		return &querybus.ExecutionError{Msg: message}
	}
}
