package query

import (
	"maps"
	"reflect"
)

// Response is the answer to a query message. It carries either a payload
// value or an error, never both; IsExceptional distinguishes the two.
// Immutable once constructed.
type Response struct {
	id          string
	payloadType reflect.Type
	payload     any
	err         error
	metadata    Metadata
}

// NewResponse creates a successful response answering the message with the
// given identifier.
func NewResponse(identifier string, payload any, metadata Metadata) *Response {
	var pt reflect.Type
	if payload != nil {
		pt = reflect.TypeOf(payload)
	}
	return &Response{
		id:          identifier,
		payloadType: pt,
		payload:     payload,
		metadata:    metadata.clone(),
	}
}

// NewErrorResponse creates an exceptional response carrying a handler-side
// failure.
func NewErrorResponse(identifier string, err error, metadata Metadata) *Response {
	return &Response{
		id:       identifier,
		err:      err,
		metadata: metadata.clone(),
	}
}

// ID returns the identifier of the query this response answers.
func (r *Response) ID() string { return r.id }

// Payload returns the result value, or nil for exceptional responses.
func (r *Response) Payload() any { return r.payload }

// PayloadType returns the declared payload type, or nil when the payload is
// nil or the response is exceptional.
func (r *Response) PayloadType() reflect.Type { return r.payloadType }

// Err returns the failure carried by an exceptional response, or nil.
func (r *Response) Err() error { return r.err }

// IsExceptional reports whether the response carries an error instead of a
// payload.
func (r *Response) IsExceptional() bool { return r.err != nil }

// Metadata returns a copy of the response metadata.
func (r *Response) Metadata() Metadata { return r.metadata.clone() }

// WithPayload returns a response sharing this response's identifier and
// metadata but carrying a different payload. Used when a collection result
// is re-wrapped as independent per-element responses.
func (r *Response) WithPayload(payload any) *Response {
	return NewResponse(r.id, payload, r.metadata)
}

// Update is a single live update delivered to an active subscription query.
// A terminal update may carry an error instead of a payload.
type Update struct {
	payload  any
	err      error
	metadata Metadata
}

// NewUpdate creates an update carrying a payload.
func NewUpdate(payload any) *Update {
	return &Update{payload: payload, metadata: Metadata{}}
}

// NewUpdateWithMetadata creates an update carrying a payload and metadata.
func NewUpdateWithMetadata(payload any, metadata Metadata) *Update {
	return &Update{payload: payload, metadata: metadata.clone()}
}

// NewErrorUpdate creates a terminal update carrying a producer-side error.
func NewErrorUpdate(err error) *Update {
	return &Update{err: err, metadata: Metadata{}}
}

// Payload returns the update value.
func (u *Update) Payload() any { return u.payload }

// Err returns the producer-side error for terminal error updates, or nil.
func (u *Update) Err() error { return u.err }

// Metadata returns a copy of the update metadata.
func (u *Update) Metadata() Metadata {
	out := make(Metadata, len(u.metadata))
	maps.Copy(out, u.metadata)
	return out
}
