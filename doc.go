// Package querybus provides a request/response and publish/subscribe
// dispatch engine that routes typed queries from callers to registered
// handlers, locally or across a network boundary.
//
// Four delivery semantics are supported:
//
//   - Query: point-to-point, exactly one response from the first handler
//     that accepts the message.
//   - ScatterGather: one request broadcast to all matching handlers within
//     a shared deadline; partial failures are tolerated.
//   - StreamingQuery: an unbounded lazy sequence from exactly one selected
//     handler.
//   - SubscriptionQuery: an initial snapshot plus a live sequence of
//     updates until cancelled.
//
// # Quick Start
//
//	bus := querybus.NewLocalBus()
//	cancel := bus.Subscribe("inventory.count", query.InstanceOf[int](), countHandler)
//	defer cancel()
//
//	resp, err := bus.Query(ctx, query.NewMessage("inventory.count", req, query.InstanceOf[int]()))
//
// # Architecture
//
// The local bus dispatches against an in-memory subscription registry. The
// bridge subpackage adapts a bus to a transport: outbound queries are
// serialized and routed to a remote tier, inbound wire queries are served
// from the local registry through a priority-ordered worker pool with
// pull-based flow control. Wire encoding, transport and monitoring sinks
// are consumed as capabilities, never implemented here.
package querybus
