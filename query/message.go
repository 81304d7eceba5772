// Package query defines the message types exchanged through the query bus:
// queries, responses, subscription queries and their live updates, and the
// ResponseType descriptor used to match callers to handlers.
package query

import (
	"context"
	"maps"

	"github.com/mnegacz/querybus/id"
)

// Metadata carries key-value context attached to a message. Insertion
// order is irrelevant.
type Metadata map[string]string

// clone returns a copy of the metadata, never nil.
func (m Metadata) clone() Metadata {
	out := make(Metadata, len(m))
	maps.Copy(out, m)
	return out
}

// Handler processes a query message and returns its result. A handler that
// cannot serve a particular message (despite matching its registration)
// signals "not applicable" by returning an error satisfying
// errors.Is(err, querybus.ErrNoHandler); dispatch then moves on to the next
// candidate.
//
// Stream-capable handlers return an iter.Seq[any] or iter.Seq2[any, error];
// other handlers return a single value or a slice.
type Handler func(ctx context.Context, msg *Message) (any, error)

// Message is a query dispatched through the bus. It is immutable after
// creation; derive changed copies with WithMetadata or WithPayload.
type Message struct {
	id           string
	name         string
	payload      any
	metadata     Metadata
	responseType ResponseType
}

// NewMessage creates a query message with a fresh identifier. The name is
// the routing key handlers subscribe under, and responseType describes the
// result shape the caller expects.
func NewMessage(name string, payload any, responseType ResponseType) *Message {
	return &Message{
		id:           id.New(id.PrefixQuery),
		name:         name,
		payload:      payload,
		metadata:     Metadata{},
		responseType: responseType,
	}
}

// RestoreMessage rebuilds a message with an existing identifier, as when
// deserializing a query received over a transport.
func RestoreMessage(identifier, name string, payload any, metadata Metadata, responseType ResponseType) *Message {
	return &Message{
		id:           identifier,
		name:         name,
		payload:      payload,
		metadata:     metadata.clone(),
		responseType: responseType,
	}
}

// ID returns the unique per-dispatch identifier.
func (m *Message) ID() string { return m.id }

// Name returns the routing key.
func (m *Message) Name() string { return m.name }

// Payload returns the query payload.
func (m *Message) Payload() any { return m.payload }

// Metadata returns a copy of the message metadata.
func (m *Message) Metadata() Metadata { return m.metadata.clone() }

// ResponseType returns the result shape the caller expects.
func (m *Message) ResponseType() ResponseType { return m.responseType }

// WithMetadata returns a copy of the message with the given entries merged
// into its metadata. The original message is unchanged.
func (m *Message) WithMetadata(md Metadata) *Message {
	out := *m
	out.metadata = m.metadata.clone()
	maps.Copy(out.metadata, md)
	return &out
}

// WithPayload returns a copy of the message carrying a different payload.
func (m *Message) WithPayload(payload any) *Message {
	out := *m
	out.payload = payload
	return &out
}

// SubscriptionMessage is a subscription query: it declares two independent
// result shapes, one for the initial snapshot and one for each live update.
// Neither may be a Stream.
type SubscriptionMessage struct {
	*Message
	updateType ResponseType
}

// NewSubscriptionMessage creates a subscription query message with a fresh
// subscription identifier.
func NewSubscriptionMessage(name string, payload any, initialType, updateType ResponseType) *SubscriptionMessage {
	return &SubscriptionMessage{
		Message: &Message{
			id:           id.New(id.PrefixSubscription),
			name:         name,
			payload:      payload,
			metadata:     Metadata{},
			responseType: initialType,
		},
		updateType: updateType,
	}
}

// RestoreSubscriptionMessage rebuilds a subscription message with an
// existing identifier.
func RestoreSubscriptionMessage(identifier, name string, payload any, metadata Metadata, initialType, updateType ResponseType) *SubscriptionMessage {
	return &SubscriptionMessage{
		Message:    RestoreMessage(identifier, name, payload, metadata, initialType),
		updateType: updateType,
	}
}

// UpdateType returns the result shape each live update must satisfy.
func (m *SubscriptionMessage) UpdateType() ResponseType { return m.updateType }

// WithMessage returns a copy of the subscription message with its embedded
// query message replaced, preserving the update type. Used by dispatch
// interceptors, which operate on the query portion.
func (m *SubscriptionMessage) WithMessage(msg *Message) *SubscriptionMessage {
	return &SubscriptionMessage{Message: msg, updateType: m.updateType}
}
