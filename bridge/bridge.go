// Package bridge connects a local query bus to a remote routing tier.
// Outbound queries are serialized and routed over a Connection; inbound
// wire queries are served from the local bus through a priority-ordered
// task queue with pull-based flow control.
package bridge

import (
	"context"
	"time"

	"github.com/mnegacz/querybus/wire"
)

// ReplyChannel carries a query's results back to its remote caller.
// Implementations must be safe for concurrent use.
type ReplyChannel interface {
	// Send delivers one result.
	Send(resp *wire.Response) error

	// Complete marks the result stream finished.
	Complete() error

	// CompleteWithError ends the result stream with a failure.
	CompleteWithError(code int, message string) error
}

// FlowControl is the consumer's handle for pulling results from a producer.
type FlowControl interface {
	// Request grants the producer permission to send n more results.
	Request(n int64)

	// Cancel abandons the query; the producer stops sending.
	Cancel()
}

// UpdateChannel carries subscription updates to a remote subscriber.
type UpdateChannel interface {
	// SendUpdate delivers one live update.
	SendUpdate(update *wire.Update) error

	// Complete ends the subscription normally.
	Complete() error

	// CompleteWithError ends the subscription with a terminal failure.
	CompleteWithError(code int, message string) error
}

// HandlerAdapter serves inbound wire queries from a local bus. A transport
// calls it when the routing tier forwards a query to this client.
type HandlerAdapter interface {
	// Handle serves a query without flow control: all results are pushed
	// as they become available.
	Handle(req *wire.Request, reply ReplyChannel)

	// Stream serves a query under flow control: results are sent only as
	// the returned FlowControl receives permits.
	Stream(req *wire.Request, reply ReplyChannel) FlowControl

	// SubscriptionQuery registers an inbound subscription query and
	// forwards its updates until cancelled. The initial result is not
	// served here; the caller dispatches the embedded request as a direct
	// query when it wants one.
	SubscriptionQuery(sub *wire.SubscriptionQuery, updates UpdateChannel) (cancel func(), err error)
}

// ResultStream is the consumer view of the responses to an outbound query.
type ResultStream interface {
	// Next blocks for the next response. It returns io.EOF once the
	// stream has completed normally.
	Next(ctx context.Context) (*wire.Response, error)

	// NextIfAvailable blocks up to timeout for the next response and
	// reports false when none arrived in time or the stream ended.
	NextIfAvailable(timeout time.Duration) (*wire.Response, bool)

	// Close abandons the stream and signals cancellation upstream.
	Close()
}

// SubscriptionStream is the consumer view of an outbound subscription
// query.
type SubscriptionStream interface {
	// Initial dispatches the subscription's embedded request as a direct
	// query and returns its single response.
	Initial(ctx context.Context) (*wire.Response, error)

	// Updates returns the live update channel. A terminal error arrives
	// as a final update with a non-zero error code before close.
	Updates() <-chan *wire.Update

	// Close cancels the subscription upstream. Idempotent.
	Close()
}

// Connection is an established link to the remote routing tier for one
// routing context.
type Connection interface {
	// Query dispatches a request and returns the stream of its responses.
	Query(ctx context.Context, req *wire.Request) (ResultStream, error)

	// SubscriptionQuery opens a subscription. initialPermits and refill
	// configure the update flow control granted to the producer.
	SubscriptionQuery(ctx context.Context, sub *wire.SubscriptionQuery, initialPermits, refill int) (SubscriptionStream, error)

	// RegisterHandler advertises a local handler to the routing tier and
	// directs matching inbound queries to the adapter. The returned
	// function withdraws the advertisement.
	RegisterHandler(def wire.QueryDefinition, adapter HandlerAdapter) (func(), error)

	// PrepareDisconnect tells the routing tier to stop sending new
	// queries ahead of a shutdown.
	PrepareDisconnect()
}

// ConnectionProvider yields connections per routing context key.
type ConnectionProvider interface {
	Connection(contextKey string) (Connection, error)
}
