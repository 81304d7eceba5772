package querybus

import (
	"context"
	"iter"
	"time"

	"github.com/mnegacz/querybus/emitter"
	"github.com/mnegacz/querybus/query"
)

// CancelFunc undoes a registration. Safe to call more than once.
type CancelFunc func()

// SubscriptionResponse is the live handle returned by a subscription query.
// The initial result is evaluated lazily on first request; updates flow on a
// bounded channel until the subscription completes or is closed.
type SubscriptionResponse interface {
	// Initial evaluates and returns the initial result. The first call
	// dispatches the underlying query; later calls return the memoized
	// outcome.
	Initial(ctx context.Context) (*query.Response, error)

	// Updates returns the channel of live updates. It is closed when the
	// producer completes the subscription or Close is called. A terminal
	// error, if any, is delivered as the final update on the channel.
	Updates() <-chan *query.Update

	// Close cancels the subscription and releases its registration.
	// Idempotent.
	Close()
}

// Bus dispatches query messages to subscribed handlers.
//
// All dispatch methods are safe for concurrent use. Registration methods
// return a CancelFunc that removes the registration.
type Bus interface {
	// Subscribe registers a handler for queries with the given name whose
	// requested response type is satisfied by responseType. Registering
	// the same handler function twice for the same name and response type
	// is a no-op; the returned CancelFunc removes the one registration.
	Subscribe(name string, responseType query.ResponseType, handler query.Handler) CancelFunc

	// Query dispatches point-to-point and returns the first accepted
	// response. A handler-side failure is reported inside the returned
	// Response; the error return covers dispatch-level failures only.
	Query(ctx context.Context, msg *query.Message) (*query.Response, error)

	// ScatterGather dispatches to every matching handler and yields their
	// responses as they arrive, in registration order, until the timeout
	// elapses. Handlers that fail or miss the deadline are omitted.
	ScatterGather(ctx context.Context, msg *query.Message, timeout time.Duration) iter.Seq[*query.Response]

	// StreamingQuery dispatches to the single best streaming-capable
	// handler and yields its results lazily. The sequence terminates with
	// a non-nil error on dispatch or handler failure.
	StreamingQuery(ctx context.Context, msg *query.Message) iter.Seq2[*query.Response, error]

	// SubscriptionQuery registers for live updates and returns a handle
	// carrying the lazy initial result and the update channel, buffered
	// to bufferSize.
	SubscriptionQuery(ctx context.Context, msg *query.SubscriptionMessage, bufferSize int) (SubscriptionResponse, error)

	// RegisterDispatchInterceptor installs an interceptor applied to every
	// outgoing message before handler resolution.
	RegisterDispatchInterceptor(interceptor DispatchInterceptor) CancelFunc

	// RegisterHandlerInterceptor installs an interceptor wrapping every
	// handler invocation.
	RegisterHandlerInterceptor(interceptor HandlerInterceptor) CancelFunc

	// UpdateEmitter exposes the emitter used to push updates to active
	// subscription queries.
	UpdateEmitter() *emitter.Emitter
}
