package query

import (
	"fmt"
	"reflect"
)

// Cardinality classifies the shape of an expected or advertised result:
// exactly one value, a finite collection, or an unbounded stream.
type Cardinality int

const (
	// Instance expects a single payload value.
	Instance Cardinality = iota
	// Collection expects a finite list of payload values.
	Collection
	// Stream expects an unbounded sequence of payload values. Only
	// streaming dispatch accepts this cardinality.
	Stream
)

// String returns the cardinality name.
func (c Cardinality) String() string {
	switch c {
	case Instance:
		return "instance"
	case Collection:
		return "collection"
	case Stream:
		return "stream"
	default:
		return fmt.Sprintf("cardinality(%d)", int(c))
	}
}

// ResponseType describes the result shape a caller expects or a handler
// advertises: a payload type plus a cardinality. The zero value is an
// Instance of any payload type.
type ResponseType struct {
	payload     reflect.Type
	cardinality Cardinality
}

// NewResponseType creates a ResponseType for the given cardinality and
// payload type. A nil payload type matches any payload (used for types
// reconstructed from the wire, where the concrete Go type is unknown).
func NewResponseType(c Cardinality, payload reflect.Type) ResponseType {
	return ResponseType{payload: payload, cardinality: c}
}

// InstanceOf describes a single expected value of type T.
func InstanceOf[T any]() ResponseType {
	return ResponseType{payload: typeOf[T](), cardinality: Instance}
}

// CollectionOf describes a finite list of values of type T.
func CollectionOf[T any]() ResponseType {
	return ResponseType{payload: typeOf[T](), cardinality: Collection}
}

// StreamOf describes an unbounded sequence of values of type T.
func StreamOf[T any]() ResponseType {
	return ResponseType{payload: typeOf[T](), cardinality: Stream}
}

// AnyOf describes the given cardinality with an unconstrained payload type.
func AnyOf(c Cardinality) ResponseType {
	return ResponseType{cardinality: c}
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Cardinality returns the result-shape classification.
func (r ResponseType) Cardinality() Cardinality { return r.cardinality }

// Payload returns the expected payload type, or nil when unconstrained.
func (r ResponseType) Payload() reflect.Type { return r.payload }

// Matches reports whether a handler advertising the given ResponseType can
// serve a caller expecting this one. Cardinalities are compatible when the
// request is a Stream (a stream can be fed from any shape) or when neither
// side is a Stream. Payload types match when either side is unconstrained
// or the advertised type is assignable to the requested type.
func (r ResponseType) Matches(advertised ResponseType) bool {
	if r.cardinality != Stream && advertised.cardinality == Stream {
		return false
	}
	if r.payload == nil || advertised.payload == nil {
		return true
	}
	return advertised.payload.AssignableTo(r.payload)
}

// Convert coerces a handler's return value into this ResponseType's
// cardinality. A collection converted to Instance yields its first element,
// or a nil payload when the collection is empty. A single value converted
// to Collection is wrapped in a one-element slice.
func (r ResponseType) Convert(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch r.cardinality {
	case Instance:
		rv := reflect.ValueOf(value)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			if rv.Len() == 0 {
				return nil, nil
			}
			return r.checkAssignable(rv.Index(0).Interface())
		}
		return r.checkAssignable(value)
	case Collection:
		rv := reflect.ValueOf(value)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			return value, nil
		}
		if _, err := r.checkAssignable(value); err != nil {
			return nil, err
		}
		elem := reflect.TypeOf(value)
		if r.payload != nil {
			elem = r.payload
		}
		out := reflect.MakeSlice(reflect.SliceOf(elem), 0, 1)
		out = reflect.Append(out, reflect.ValueOf(value))
		return out.Interface(), nil
	case Stream:
		return value, nil
	default:
		return nil, fmt.Errorf("query: unknown cardinality %v", r.cardinality)
	}
}

func (r ResponseType) checkAssignable(value any) (any, error) {
	if r.payload == nil || value == nil {
		return value, nil
	}
	if !reflect.TypeOf(value).AssignableTo(r.payload) {
		return nil, fmt.Errorf("query: cannot convert %T to expected payload type %s", value, r.payload)
	}
	return value, nil
}

// String returns a readable form such as "instance[string]".
func (r ResponseType) String() string {
	if r.payload == nil {
		return r.cardinality.String() + "[any]"
	}
	return fmt.Sprintf("%s[%s]", r.cardinality, r.payload)
}
