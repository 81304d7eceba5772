package querybus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mnegacz/querybus/query"
)

// DispatchInterceptor transforms or vetoes a message before handler
// resolution. Returning an error aborts the dispatch.
type DispatchInterceptor func(ctx context.Context, msg *query.Message) (*query.Message, error)

// HandlerFunc is the continuation a HandlerInterceptor wraps.
type HandlerFunc func(ctx context.Context) (any, error)

// HandlerInterceptor wraps a single handler invocation. It may short-circuit
// by not calling next, or transform the result on the way out.
type HandlerInterceptor func(ctx context.Context, msg *query.Message, next HandlerFunc) (any, error)

// chainHandlerInterceptors composes interceptors so the first registered one
// is outermost.
func chainHandlerInterceptors(interceptors []HandlerInterceptor, msg *query.Message, invoke HandlerFunc) HandlerFunc {
	next := invoke
	for i := len(interceptors) - 1; i >= 0; i-- {
		ic := interceptors[i]
		inner := next
		next = func(ctx context.Context) (any, error) {
			return ic(ctx, msg, inner)
		}
	}
	return next
}

// RecoverInterceptor converts handler panics into ExecutionError results so
// a misbehaving handler cannot take down a bus worker.
func RecoverInterceptor(logger *slog.Logger) HandlerInterceptor {
	return func(ctx context.Context, msg *query.Message, next HandlerFunc) (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "query handler panicked",
					"query", msg.Name(),
					"query_id", msg.ID(),
					"panic", r)
				result = nil
				err = &ExecutionError{Msg: fmt.Sprintf("handler panic: %v", r)}
			}
		}()
		return next(ctx)
	}
}

// Transaction is a unit of work opened around a handler invocation.
type Transaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TransactionManager opens transactions for handler invocations.
type TransactionManager interface {
	Begin(ctx context.Context) (Transaction, error)
}

// TransactionInterceptor wraps each handler invocation in a transaction,
// committing on success and rolling back on failure. A rollback failure is
// attached to the handler error.
func TransactionInterceptor(tm TransactionManager) HandlerInterceptor {
	return func(ctx context.Context, msg *query.Message, next HandlerFunc) (any, error) {
		tx, err := tm.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("begin transaction: %w", err)
		}
		result, err := next(ctx)
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				return nil, fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
			}
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit transaction: %w", err)
		}
		return result, nil
	}
}
