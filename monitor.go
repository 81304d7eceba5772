package querybus

import (
	"context"
	"log/slog"

	"github.com/mnegacz/querybus/query"
)

// Monitor observes messages entering the bus. Implementations must be safe
// for concurrent use.
type Monitor interface {
	// OnIngested is called once per dispatched message. The returned
	// callback receives the message's final outcome.
	OnIngested(msg *query.Message) MonitorCallback
}

// MonitorCallback receives the outcome of a monitored message. Exactly one
// method is called per message.
type MonitorCallback interface {
	// Success marks the message as handled successfully.
	Success()

	// Failure marks the message as failed with the given error.
	Failure(err error)

	// Ignored marks the message as dropped without processing, as when no
	// handler is registered for a scatter-gather query.
	Ignored()
}

// NopMonitor discards all observations.
type NopMonitor struct{}

// OnIngested implements Monitor.
func (NopMonitor) OnIngested(*query.Message) MonitorCallback { return nopCallback{} }

type nopCallback struct{}

func (nopCallback) Success()      {}
func (nopCallback) Failure(error) {}
func (nopCallback) Ignored()      {}

// ErrorHandler is invoked for handler failures in dispatch modes that
// tolerate partial failure, such as scatter-gather.
type ErrorHandler func(ctx context.Context, err error, msg *query.Message)

// LoggingErrorHandler returns an ErrorHandler that records failures at warn
// level and continues.
func LoggingErrorHandler(logger *slog.Logger) ErrorHandler {
	return func(ctx context.Context, err error, msg *query.Message) {
		logger.WarnContext(ctx, "query handler failed",
			"query", msg.Name(),
			"query_id", msg.ID(),
			"error", err)
	}
}
