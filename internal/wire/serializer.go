package wire

import "encoding/json"

// Serializer converts between a deserialized value T and its wire
// representation D. Implementations must not hold global state;
// serializers compose via Array and Map.
type Serializer[T any, D any] interface {
	Serialize(T) (D, error)
	Deserialize(D) (T, error)
}

// funcSerializer adapts a pair of functions into a Serializer.
type funcSerializer[T any, D any] struct {
	serialize   func(T) (D, error)
	deserialize func(D) (T, error)
}

func (f funcSerializer[T, D]) Serialize(v T) (D, error)   { return f.serialize(v) }
func (f funcSerializer[T, D]) Deserialize(v D) (T, error) { return f.deserialize(v) }

// NewSerializer builds a Serializer from explicit functions.
func NewSerializer[T any, D any](ser func(T) (D, error), deser func(D) (T, error)) Serializer[T, D] {
	return funcSerializer[T, D]{serialize: ser, deserialize: deser}
}

// Noop is the identity serializer: the wire form is json.RawMessage
// and the deserialized form is also json.RawMessage, letting callers
// defer decoding.
func Noop() Serializer[json.RawMessage, json.RawMessage] {
	return funcSerializer[json.RawMessage, json.RawMessage]{
		serialize:   func(v json.RawMessage) (json.RawMessage, error) { return v, nil },
		deserialize: func(v json.RawMessage) (json.RawMessage, error) { return v, nil },
	}
}

// Model builds a Serializer for a type that marshals to/from JSON
// bytes, using ctor to reconstruct T from its wire bytes. It is the Go
// analogue of the source's Serializer.model(ctor): to_json on the way
// out, ctor(data) on the way in.
func Model[T interface{ ToJSON() (json.RawMessage, error) }](ctor func(json.RawMessage) (T, error)) Serializer[T, json.RawMessage] {
	return funcSerializer[T, json.RawMessage]{
		serialize: func(v T) (json.RawMessage, error) { return v.ToJSON() },
		deserialize: func(d json.RawMessage) (T, error) {
			return ctor(d)
		},
	}
}

// JSON builds a Serializer for any type using the standard
// encoding/json marshal/unmarshal path. Most application value types
// use this rather than hand-rolling ToJSON/ctor pairs.
func JSON[T any]() Serializer[T, json.RawMessage] {
	return funcSerializer[T, json.RawMessage]{
		serialize: func(v T) (json.RawMessage, error) {
			return json.Marshal(v)
		},
		deserialize: func(d json.RawMessage) (T, error) {
			var v T
			err := json.Unmarshal(d, &v)
			return v, err
		},
	}
}

// Array builds a Serializer over a slice, mapping the inner
// serializer over each element in order.
func Array[T any, D any](inner Serializer[T, D]) Serializer[[]T, []D] {
	return funcSerializer[[]T, []D]{
		serialize: func(vs []T) ([]D, error) {
			out := make([]D, len(vs))
			for i, v := range vs {
				d, err := inner.Serialize(v)
				if err != nil {
					return nil, err
				}
				out[i] = d
			}
			return out, nil
		},
		deserialize: func(ds []D) ([]T, error) {
			out := make([]T, len(ds))
			for i, d := range ds {
				v, err := inner.Deserialize(d)
				if err != nil {
					return nil, err
				}
				out[i] = v
			}
			return out, nil
		},
	}
}

// Map builds a Serializer over an OrderedMap, mapping the inner
// serializer over each value while preserving key order — the table
// and registry wire formats both carry ordered key/value batches.
func Map[T any, D any](inner Serializer[T, D]) Serializer[*OrderedMap[T], *OrderedMap[D]] {
	return funcSerializer[*OrderedMap[T], *OrderedMap[D]]{
		serialize: func(m *OrderedMap[T]) (*OrderedMap[D], error) {
			out := NewOrderedMap[D]()
			var serErr error
			m.Range(func(k string, v T) bool {
				d, err := inner.Serialize(v)
				if err != nil {
					serErr = err
					return false
				}
				out.Set(k, d)
				return true
			})
			if serErr != nil {
				return nil, serErr
			}
			return out, nil
		},
		deserialize: func(m *OrderedMap[D]) (*OrderedMap[T], error) {
			out := NewOrderedMap[T]()
			var deserErr error
			m.Range(func(k string, d D) bool {
				v, err := inner.Deserialize(d)
				if err != nil {
					deserErr = err
					return false
				}
				out.Set(k, v)
				return true
			})
			if deserErr != nil {
				return nil, deserErr
			}
			return out, nil
		},
	}
}
