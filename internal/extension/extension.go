// Package extension implements the dependency-ordered extension
// registry: the construction mechanism shared by the endpoint, table,
// and registry extensions (and any future ones). It has no knowledge
// of their individual protocols — only of how they are built and
// looked up.
//
// This replaces the source's abstract-base-extension-with-create-
// and-dependencies class with a plain record (ExtensionType) and a
// string-keyed map (Registry), per SPEC_FULL.md §9: Go has no
// inheritance to model "abstract extension", so a factory closure
// plus a dependency list is the direct translation.
package extension

import (
	"context"
	"sync"

	"github.com/nugget/meshbus/internal/conn"
	"github.com/nugget/meshbus/internal/eventbus"
	"github.com/nugget/meshbus/internal/wire"
)

// Host is the subset of Client that extensions depend on to register
// events, listen for connection lifecycle transitions, and send
// envelopes. It exists to break the import cycle between this package
// and the client package that owns the concrete Client type.
type Host interface {
	App() wire.App
	Events() *eventbus.Registry
	Conn() conn.Connection
	Send(ctx context.Context, env wire.Envelope) error
}

// Extension is the opaque value stored in the Registry. Concrete
// extensions (endpoint.Extension, table.Extension, registry.Extension)
// satisfy this trivially; callers type-assert the value returned by
// Registry.Get (e.g. to *endpoint.Extension) to recover the concrete type.
type Extension interface{}

// Type describes how to build an extension: its key, the keys of
// extensions it depends on (which must already be registered), and
// the factory that constructs it given the host.
type Type struct {
	Key     string
	Deps    []string
	Factory func(Host) (Extension, error)
}

// Registry owns every constructed extension for the lifetime of a
// client. Extensions are not individually destroyed; the client's
// stop path only disconnects and leaves the registry in place.
type Registry struct {
	mu         sync.Mutex
	extensions map[string]Extension
	order      []string
}

// NewRegistry returns an empty extension registry.
func NewRegistry() *Registry {
	return &Registry{extensions: make(map[string]Extension)}
}

// Register constructs t against host, after verifying every declared
// dependency is already registered. Duplicate registration of the
// same key is a *wire.ProtocolError.
func (r *Registry) Register(host Host, t Type) (Extension, error) {
	r.mu.Lock()
	if _, exists := r.extensions[t.Key]; exists {
		r.mu.Unlock()
		return nil, wire.NewProtocolError("extension %s already registered", t.Key)
	}
	for _, dep := range t.Deps {
		if _, ok := r.extensions[dep]; !ok {
			r.mu.Unlock()
			return nil, wire.NewProtocolError("extension %s depends on unregistered extension %s", t.Key, dep)
		}
	}
	r.mu.Unlock()

	ext, err := t.Factory(host)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.extensions[t.Key] = ext
	r.order = append(r.order, t.Key)
	return ext, nil
}

// RegisterAll registers each type in order, stopping at the first
// error. Later types may depend on earlier ones in the same call.
func (r *Registry) RegisterAll(host Host, types ...Type) ([]Extension, error) {
	out := make([]Extension, 0, len(types))
	for _, t := range types {
		ext, err := r.Register(host, t)
		if err != nil {
			return nil, err
		}
		out = append(out, ext)
	}
	return out, nil
}

// Get returns the extension registered under key, or an error if
// absent.
func (r *Registry) Get(key string) (Extension, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ext, ok := r.extensions[key]
	if !ok {
		return nil, wire.NewProtocolError("extension %s not registered", key)
	}
	return ext, nil
}

// Keys returns every registered extension key in registration order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
