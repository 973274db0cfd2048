// Package eventbus is the canonical demultiplexer for inbound
// envelopes: it holds one EventType per registered wire type and
// dispatches each inbound envelope to that type's listeners in
// registration order, awaiting each before invoking the next.
//
// Registration follows the source's event_registry.py: types must be
// registered before listeners can attach to them, and re-registering
// the same type is a protocol error. Listener removal uses a handle
// returned from AddListener rather than comparing function values —
// the same approach the broader package takes for its internal
// pub/sub bus, since Go function values carry no usable identity for
// removal-by-equality.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/meshbus/internal/wire"
)

// EventType names a wire event and its codec. Type is
// "<extension-key>:<local-name>" for extension-scoped events, or
// "<local-name>" for built-ins.
type EventType[T any] struct {
	Type       string
	Serializer wire.Serializer[T, json.RawMessage]
}

// New builds an EventType for a built-in (non-extension-scoped) event.
func New[T any](name string, ser wire.Serializer[T, json.RawMessage]) EventType[T] {
	return EventType[T]{Type: name, Serializer: ser}
}

// OfExtension builds an EventType scoped to an extension key, e.g.
// "table:item_add".
func OfExtension[T any](extensionKey, local string, ser wire.Serializer[T, json.RawMessage]) EventType[T] {
	return EventType[T]{Type: extensionKey + ":" + local, Serializer: ser}
}

// anyEventType is the type-erased view of an EventType stored in the
// registry's entry table.
type anyEventType interface {
	key() string
	decode(json.RawMessage) (any, error)
}

func (e EventType[T]) key() string { return e.Type }

func (e EventType[T]) decode(d json.RawMessage) (any, error) {
	return e.Serializer.Deserialize(d)
}

// ListenerID identifies a registered listener for later removal.
type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn func(context.Context, any) error
}

type eventEntry struct {
	eventType anyEventType
	listeners []listenerEntry
}

// Registry is the event multiplexer. The zero value is not usable;
// construct with NewRegistry.
type Registry struct {
	mu     sync.Mutex
	events map[string]*eventEntry
	nextID ListenerID
	logger *slog.Logger
}

// NewRegistry builds an empty Registry. A nil logger falls back to
// slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		events: make(map[string]*eventEntry),
		logger: logger,
	}
}

// Register installs each EventType under its Type key. Registering a
// key that already exists is a *wire.ProtocolError.
func Register[T any](r *Registry, types ...EventType[T]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		if _, ok := r.events[t.Type]; ok {
			return wire.NewProtocolError("event type %s already registered", t.Type)
		}
		r.events[t.Type] = &eventEntry{eventType: t}
	}
	return nil
}

// registerErased installs a single type-erased EventType, for
// call sites that build EventType[T] values of differing T within one
// extension (e.g. the endpoint extension's call/receive/error triad).
func registerErased(r *Registry, t anyEventType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[t.key()]; ok {
		return wire.NewProtocolError("event type %s already registered", t.key())
	}
	r.events[t.key()] = &eventEntry{eventType: t}
	return nil
}

// RegisterAll registers a heterogeneous set of EventTypes by their
// type-erased form. Use when the caller already has several
// differently-typed EventType[T] values to install together.
func RegisterAll(r *Registry, types ...anyEventType) error {
	for _, t := range types {
		if err := registerErased(r, t); err != nil {
			return err
		}
	}
	return nil
}

// AddListener appends fn to event_type's listener list and returns a
// handle for RemoveListener. Registration-before-subscription is
// required: attaching to an unregistered type is a protocol error.
func AddListener[T any](r *Registry, eventType EventType[T], fn func(context.Context, T) error) (ListenerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.events[eventType.Type]
	if !ok {
		return 0, wire.NewProtocolError("event type %s not registered", eventType.Type)
	}
	r.nextID++
	id := r.nextID
	entry.listeners = append(entry.listeners, listenerEntry{
		id: id,
		fn: func(ctx context.Context, v any) error {
			return fn(ctx, v.(T))
		},
	})
	return id, nil
}

// RemoveListener removes the listener registered under id for the
// given event type key. It is a no-op if the id is not found.
func (r *Registry) RemoveListener(eventTypeKey string, id ListenerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.events[eventTypeKey]
	if !ok {
		return
	}
	for i, l := range entry.listeners {
		if l.id == id {
			entry.listeners = append(entry.listeners[:i], entry.listeners[i+1:]...)
			return
		}
	}
}

// Dispatch decodes an inbound envelope once using the registered
// type's serializer, then invokes each listener in registration
// order, awaiting each before the next (§5: deterministic per-event
// ordering). An unknown envelope type is logged and dropped, not
// treated as fatal. A per-listener error is logged and does not abort
// the remaining listeners for this event.
func (r *Registry) Dispatch(ctx context.Context, env wire.Envelope) {
	r.mu.Lock()
	entry, ok := r.events[env.Type]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("received unknown event type", "type", env.Type)
		return
	}
	listeners := make([]listenerEntry, len(entry.listeners))
	copy(listeners, entry.listeners)
	eventType := entry.eventType
	r.mu.Unlock()

	value, err := eventType.decode(env.Data)
	if err != nil {
		r.logger.Warn("dropping event with undecodable payload", "type", env.Type, "error", err)
		return
	}

	for _, l := range listeners {
		if callErr := safeInvoke(ctx, l.fn, value); callErr != nil {
			r.logger.Error("event listener failed", "type", env.Type, "error", callErr)
		}
	}
}

func safeInvoke(ctx context.Context, fn func(context.Context, any) error, v any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("listener panicked: %v", rec)
		}
	}()
	return fn(ctx, v)
}
