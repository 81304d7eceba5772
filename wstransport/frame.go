// Package wstransport carries query bus wire frames over WebSocket. Client
// implements the bridge Connection contract against a Server acting as the
// routing tier between clients.
package wstransport

import "github.com/mnegacz/querybus/wire"

// FrameType discriminates the frames of the protocol.
type FrameType string

const (
	// FrameQuery dispatches a query toward a registered handler. Permits
	// carries the caller's initial flow-control grant.
	FrameQuery FrameType = "query"
	// FrameQueryResponse delivers one result back to the caller.
	FrameQueryResponse FrameType = "query.response"
	// FrameQueryComplete ends a result stream normally.
	FrameQueryComplete FrameType = "query.complete"
	// FrameQueryError ends a result stream with a failure.
	FrameQueryError FrameType = "query.error"
	// FrameFlowRequest grants the producer additional permits.
	FrameFlowRequest FrameType = "flow.request"
	// FrameFlowCancel abandons an in-flight query or subscription.
	FrameFlowCancel FrameType = "flow.cancel"
	// FrameSubscribe opens a subscription query.
	FrameSubscribe FrameType = "subscription.query"
	// FrameSubscribeUpdate delivers one live update to the subscriber.
	FrameSubscribeUpdate FrameType = "subscription.update"
	// FrameSubscribeComplete ends a subscription, optionally with a
	// terminal error.
	FrameSubscribeComplete FrameType = "subscription.complete"
	// FrameRegister advertises a handler to the routing tier.
	FrameRegister FrameType = "handler.register"
	// FrameUnregister withdraws a handler advertisement.
	FrameUnregister FrameType = "handler.unregister"
	// FrameDisconnect announces that the sender stops serving queries.
	FrameDisconnect FrameType = "disconnect"
)

// Frame is the envelope every protocol message travels in. CorrelationID
// ties responses, updates and flow control to the query or subscription
// that opened the exchange.
type Frame struct {
	Type          FrameType               `json:"type" msgpack:"type"`
	CorrelationID string                  `json:"correlationId,omitempty" msgpack:"correlationId,omitempty"`
	Request       *wire.Request           `json:"request,omitempty" msgpack:"request,omitempty"`
	Subscription  *wire.SubscriptionQuery `json:"subscription,omitempty" msgpack:"subscription,omitempty"`
	Response      *wire.Response          `json:"response,omitempty" msgpack:"response,omitempty"`
	Update        *wire.Update            `json:"update,omitempty" msgpack:"update,omitempty"`
	Definition    *wire.QueryDefinition   `json:"definition,omitempty" msgpack:"definition,omitempty"`
	Permits       int64                   `json:"permits,omitempty" msgpack:"permits,omitempty"`
	ErrorCode     int                     `json:"errorCode,omitempty" msgpack:"errorCode,omitempty"`
	ErrorMessage  string                  `json:"errorMessage,omitempty" msgpack:"errorMessage,omitempty"`
}
