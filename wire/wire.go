// Package wire defines the transport-neutral representation of queries,
// responses and subscription updates, and the codecs that encode them.
package wire

import "encoding/json"

// Result-count markers carried in a Request.
const (
	// DirectResults marks a point-to-point query expecting one response.
	DirectResults int64 = 1
	// ScatterGatherResults marks a broadcast query accepting any number of
	// responses.
	ScatterGatherResults int64 = -1
)

// Error codes carried in Response and Update frames.
const (
	CodeOK           = 0
	CodeBadRequest   = 400
	CodeNoHandler    = 404
	CodeDeclined     = 422
	CodeExecution    = 500
	CodeShuttingDown = 503
)

// ResponseTypeDescriptor is the serialized form of a response type: the
// cardinality name plus the payload type label used by the serializer.
type ResponseTypeDescriptor struct {
	Cardinality string `json:"cardinality" msgpack:"cardinality"`
	PayloadType string `json:"payloadType,omitempty" msgpack:"payloadType,omitempty"`
}

// Request is a query crossing the transport.
type Request struct {
	ID              string                 `json:"id" msgpack:"id"`
	QueryName       string                 `json:"queryName" msgpack:"queryName"`
	Payload         json.RawMessage        `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Metadata        map[string]string      `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	ResponseType    ResponseTypeDescriptor `json:"responseType" msgpack:"responseType"`
	NumberOfResults int64                  `json:"numberOfResults" msgpack:"numberOfResults"`
	TimeoutMs       int64                  `json:"timeoutMs,omitempty" msgpack:"timeoutMs,omitempty"`
	Priority        int                    `json:"priority,omitempty" msgpack:"priority,omitempty"`
	Streaming       bool                   `json:"streaming,omitempty" msgpack:"streaming,omitempty"`
}

// Response is a single query result crossing the transport. ErrorCode is
// CodeOK for successful results.
type Response struct {
	ID           string            `json:"id" msgpack:"id"`
	Payload      json.RawMessage   `json:"payload,omitempty" msgpack:"payload,omitempty"`
	PayloadType  string            `json:"payloadType,omitempty" msgpack:"payloadType,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	ErrorCode    int               `json:"errorCode,omitempty" msgpack:"errorCode,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty" msgpack:"errorMessage,omitempty"`
}

// Update is one live subscription update crossing the transport. A terminal
// update carries a non-zero ErrorCode and ends the subscription.
type Update struct {
	SubscriptionID string            `json:"subscriptionId" msgpack:"subscriptionId"`
	Payload        json.RawMessage   `json:"payload,omitempty" msgpack:"payload,omitempty"`
	PayloadType    string            `json:"payloadType,omitempty" msgpack:"payloadType,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	ErrorCode      int               `json:"errorCode,omitempty" msgpack:"errorCode,omitempty"`
	ErrorMessage   string            `json:"errorMessage,omitempty" msgpack:"errorMessage,omitempty"`
}

// SubscriptionQuery is a subscription query crossing the transport. The
// embedded Request describes the initial result; UpdateType describes each
// live update.
type SubscriptionQuery struct {
	Request    Request                `json:"request" msgpack:"request"`
	UpdateType ResponseTypeDescriptor `json:"updateType" msgpack:"updateType"`
}

// QueryDefinition advertises a handler registration to the routing tier.
type QueryDefinition struct {
	QueryName    string                 `json:"queryName" msgpack:"queryName"`
	ResponseType ResponseTypeDescriptor `json:"responseType" msgpack:"responseType"`
}
