// Package wire defines the envelope protocol's data model: addresses,
// app identity, envelopes, and the ordered-map type the wire format
// relies on for paginated fetch responses and table mutation batches.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Address identifies a server by host, port, and transport security.
type Address struct {
	Host   string `json:"host" yaml:"host"`
	Port   int    `json:"port" yaml:"port"`
	Secure bool   `json:"secure" yaml:"secure"`
}

// Validate checks that the port is in the legal range.
func (a Address) Validate() error {
	if a.Port < 0 || a.Port > 65535 {
		return fmt.Errorf("wire: invalid port %d", a.Port)
	}
	return nil
}

// WSURL returns the ws(s):// URL for the given path ("/ws" for the
// envelope transport).
func (a Address) WSURL(path string) string {
	scheme := "ws"
	if a.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, a.Host, a.Port, path)
}

// HTTPURL returns the http(s):// URL for the given path.
func (a Address) HTTPURL(path string) string {
	scheme := "http"
	if a.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, a.Host, a.Port, path)
}

// App identifies a connected application by name, group, and version.
type App struct {
	Name    string `json:"name" yaml:"name"`
	Group   string `json:"group" yaml:"group"`
	Version string `json:"version" yaml:"version"`
}

// Key returns the app's stable identifier, group/name. It must be
// total, deterministic, and collision-free within a server.
func (a App) Key() string {
	return a.Group + "/" + a.Name
}

// Envelope is the wire unit exchanged over the connection: a typed
// event name plus opaque payload bytes.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// OrderedMap is a string-keyed map that preserves insertion order
// through JSON marshal/unmarshal, since Go's builtin map has no
// iteration order guarantee and the protocol's pagination and table
// mutation batches are order-sensitive (§9 of the spec).
type OrderedMap[V any] struct {
	keys   []string
	values map[string]V
}

// NewOrderedMap returns an empty ordered map.
func NewOrderedMap[V any]() *OrderedMap[V] {
	return &OrderedMap[V]{values: make(map[string]V)}
}

// Set inserts or updates a key. Updating an existing key keeps its
// original position.
func (m *OrderedMap[V]) Set(key string, value V) {
	if m.values == nil {
		m.values = make(map[string]V)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value for key and whether it was present.
func (m *OrderedMap[V]) Get(key string) (V, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Delete removes a key, preserving the order of the rest.
func (m *OrderedMap[V]) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of entries.
func (m *OrderedMap[V]) Len() int {
	return len(m.keys)
}

// Keys returns the keys in insertion order. The caller must not
// mutate the returned slice.
func (m *OrderedMap[V]) Keys() []string {
	return m.keys
}

// Last returns the last key in insertion order, if any.
func (m *OrderedMap[V]) Last() (string, bool) {
	if len(m.keys) == 0 {
		return "", false
	}
	return m.keys[len(m.keys)-1], true
}

// Range calls fn for each entry in insertion order, stopping early if
// fn returns false.
func (m *OrderedMap[V]) Range(fn func(key string, value V) bool) {
	for _, k := range m.keys {
		if !fn(k, m.values[k]) {
			return
		}
	}
}

// MarshalJSON writes the map as a JSON object with keys in insertion
// order, which the protocol's pagination and table-mutation wire
// formats depend on.
func (m *OrderedMap[V]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object preserving source key order via
// json.Decoder's token stream (encoding/json always walks object keys
// in document order).
func (m *OrderedMap[V]) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("wire: expected object, got %v", tok)
	}
	m.keys = nil
	m.values = make(map[string]V)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("wire: expected string key, got %v", keyTok)
		}
		var v V
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("wire: decode value for key %q: %w", key, err)
		}
		m.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}
