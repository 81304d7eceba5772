package bridge

import (
	"fmt"
	"reflect"

	"github.com/mnegacz/querybus/query"
	"github.com/mnegacz/querybus/wire"
)

// Serializer translates between bus messages and their wire representation.
// Payload values reconstructed from the wire carry the codec's generic
// types (maps, slices, primitives); response types deserialize with an
// unconstrained payload so any advertised handler type matches.
type Serializer interface {
	SerializeRequest(msg *query.Message, numberOfResults, timeoutMs int64, priority int, streaming bool) (*wire.Request, error)
	DeserializeRequest(req *wire.Request) (*query.Message, error)
	SerializeResponse(resp *query.Response) (*wire.Response, error)
	DeserializeResponse(resp *wire.Response, expected query.ResponseType) (*query.Response, error)
	SerializeSubscription(msg *query.SubscriptionMessage, priority int) (*wire.SubscriptionQuery, error)
	DeserializeSubscription(sub *wire.SubscriptionQuery) (*query.SubscriptionMessage, error)
	SerializeUpdate(subscriptionID string, update *query.Update) (*wire.Update, error)
	DeserializeUpdate(update *wire.Update) (*query.Update, error)
}

// CodecSerializer implements Serializer on top of a wire.Codec.
type CodecSerializer struct {
	codec wire.Codec
}

// NewCodecSerializer creates a serializer using the given codec for payload
// encoding. A nil codec defaults to JSON.
func NewCodecSerializer(codec wire.Codec) *CodecSerializer {
	if codec == nil {
		codec = wire.JSONCodec{}
	}
	return &CodecSerializer{codec: codec}
}

// SerializeRequest implements Serializer.
func (s *CodecSerializer) SerializeRequest(msg *query.Message, numberOfResults, timeoutMs int64, priority int, streaming bool) (*wire.Request, error) {
	payload, err := s.marshalPayload(msg.Payload())
	if err != nil {
		return nil, fmt.Errorf("bridge: serialize request payload: %w", err)
	}
	return &wire.Request{
		ID:              msg.ID(),
		QueryName:       msg.Name(),
		Payload:         payload,
		Metadata:        msg.Metadata(),
		ResponseType:    descriptorFor(msg.ResponseType()),
		NumberOfResults: numberOfResults,
		TimeoutMs:       timeoutMs,
		Priority:        priority,
		Streaming:       streaming,
	}, nil
}

// DeserializeRequest implements Serializer.
func (s *CodecSerializer) DeserializeRequest(req *wire.Request) (*query.Message, error) {
	payload, err := s.unmarshalPayload(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("bridge: deserialize request payload: %w", err)
	}
	rt, err := responseTypeFor(req.ResponseType)
	if err != nil {
		return nil, err
	}
	return query.RestoreMessage(req.ID, req.QueryName, payload, req.Metadata, rt), nil
}

// SerializeResponse implements Serializer. Exceptional responses carry
// their failure as a wire error code and message instead of a payload.
func (s *CodecSerializer) SerializeResponse(resp *query.Response) (*wire.Response, error) {
	if resp.IsExceptional() {
		return &wire.Response{
			ID:           resp.ID(),
			Metadata:     resp.Metadata(),
			ErrorCode:    CodeForError(resp.Err()),
			ErrorMessage: resp.Err().Error(),
		}, nil
	}
	payload, err := s.marshalPayload(resp.Payload())
	if err != nil {
		return nil, fmt.Errorf("bridge: serialize response payload: %w", err)
	}
	return &wire.Response{
		ID:          resp.ID(),
		Payload:     payload,
		PayloadType: typeLabel(resp.Payload()),
		Metadata:    resp.Metadata(),
	}, nil
}

// DeserializeResponse implements Serializer. A wire error code yields an
// exceptional response. Under an Instance expectation a collection payload
// is kept intact; the dispatch layer fans it out into independent
// per-element responses.
func (s *CodecSerializer) DeserializeResponse(resp *wire.Response, expected query.ResponseType) (*query.Response, error) {
	if resp.ErrorCode != wire.CodeOK {
		return query.NewErrorResponse(resp.ID, ErrorForCode(resp.ErrorCode, resp.ErrorMessage), resp.Metadata), nil
	}
	payload, err := s.unmarshalPayload(resp.Payload)
	if err != nil {
		return nil, fmt.Errorf("bridge: deserialize response payload: %w", err)
	}
	if expected.Cardinality() != query.Instance {
		payload, err = query.AnyOf(expected.Cardinality()).Convert(payload)
		if err != nil {
			return nil, err
		}
	}
	return query.NewResponse(resp.ID, payload, resp.Metadata), nil
}

// SerializeSubscription implements Serializer.
func (s *CodecSerializer) SerializeSubscription(msg *query.SubscriptionMessage, priority int) (*wire.SubscriptionQuery, error) {
	req, err := s.SerializeRequest(msg.Message, wire.DirectResults, 0, priority, false)
	if err != nil {
		return nil, err
	}
	return &wire.SubscriptionQuery{
		Request:    *req,
		UpdateType: descriptorFor(msg.UpdateType()),
	}, nil
}

// DeserializeSubscription implements Serializer.
func (s *CodecSerializer) DeserializeSubscription(sub *wire.SubscriptionQuery) (*query.SubscriptionMessage, error) {
	payload, err := s.unmarshalPayload(sub.Request.Payload)
	if err != nil {
		return nil, fmt.Errorf("bridge: deserialize subscription payload: %w", err)
	}
	initial, err := responseTypeFor(sub.Request.ResponseType)
	if err != nil {
		return nil, err
	}
	updates, err := responseTypeFor(sub.UpdateType)
	if err != nil {
		return nil, err
	}
	return query.RestoreSubscriptionMessage(sub.Request.ID, sub.Request.QueryName, payload, sub.Request.Metadata, initial, updates), nil
}

// SerializeUpdate implements Serializer.
func (s *CodecSerializer) SerializeUpdate(subscriptionID string, update *query.Update) (*wire.Update, error) {
	if update.Err() != nil {
		return &wire.Update{
			SubscriptionID: subscriptionID,
			Metadata:       update.Metadata(),
			ErrorCode:      CodeForError(update.Err()),
			ErrorMessage:   update.Err().Error(),
		}, nil
	}
	payload, err := s.marshalPayload(update.Payload())
	if err != nil {
		return nil, fmt.Errorf("bridge: serialize update payload: %w", err)
	}
	return &wire.Update{
		SubscriptionID: subscriptionID,
		Payload:        payload,
		PayloadType:    typeLabel(update.Payload()),
		Metadata:       update.Metadata(),
	}, nil
}

// DeserializeUpdate implements Serializer.
func (s *CodecSerializer) DeserializeUpdate(update *wire.Update) (*query.Update, error) {
	if update.ErrorCode != wire.CodeOK {
		return query.NewErrorUpdate(ErrorForCode(update.ErrorCode, update.ErrorMessage)), nil
	}
	payload, err := s.unmarshalPayload(update.Payload)
	if err != nil {
		return nil, fmt.Errorf("bridge: deserialize update payload: %w", err)
	}
	return query.NewUpdateWithMetadata(payload, update.Metadata), nil
}

func (s *CodecSerializer) marshalPayload(payload any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	return s.codec.Marshal(payload)
}

func (s *CodecSerializer) unmarshalPayload(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var payload any
	if err := s.codec.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func descriptorFor(rt query.ResponseType) wire.ResponseTypeDescriptor {
	desc := wire.ResponseTypeDescriptor{Cardinality: rt.Cardinality().String()}
	if rt.Payload() != nil {
		desc.PayloadType = rt.Payload().String()
	}
	return desc
}

// responseTypeFor rebuilds a response type from its descriptor. The payload
// type label is informational only; the concrete Go type is unknown on the
// receiving side, so the rebuilt type is payload-unconstrained.
func responseTypeFor(desc wire.ResponseTypeDescriptor) (query.ResponseType, error) {
	switch desc.Cardinality {
	case query.Instance.String(), "":
		return query.AnyOf(query.Instance), nil
	case query.Collection.String():
		return query.AnyOf(query.Collection), nil
	case query.Stream.String():
		return query.AnyOf(query.Stream), nil
	default:
		return query.ResponseType{}, fmt.Errorf("bridge: unknown cardinality %q", desc.Cardinality)
	}
}

func typeLabel(payload any) string {
	if payload == nil {
		return ""
	}
	return reflect.TypeOf(payload).String()
}
