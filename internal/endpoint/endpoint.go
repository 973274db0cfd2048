// Package endpoint implements the endpoint extension: correlated
// request/response over events. Every participant can both call
// endpoints hosted by peers (the caller role) and host endpoints of
// its own (the handler role) — grounded on the source's
// endpoint_extension.py, which registers listeners for both
// directions on every client regardless of which role it plays in a
// given exchange.
package endpoint

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/nugget/meshbus/internal/conn"
	"github.com/nugget/meshbus/internal/eventbus"
	"github.com/nugget/meshbus/internal/extension"
	"github.com/nugget/meshbus/internal/wire"
)

// ExtensionKey is this extension's key, used as the owner for its own
// built-in events and as the dependency key other extensions declare.
const ExtensionKey = "endpoint"

// Info identifies a server-side handler by owning app key and name.
type Info struct {
	Owner       string
	Name        string
	Description string
}

// Key returns the endpoint's wire identifier, "owner:name".
func (i Info) Key() string { return i.Owner + ":" + i.Name }

// Type pairs an Info with request/response serializers.
type Type[Req any, Res any] struct {
	Info               Info
	RequestSerializer  wire.Serializer[Req, json.RawMessage]
	ResponseSerializer wire.Serializer[Res, json.RawMessage]
}

// Handler implements an endpoint's request/response behavior.
type Handler[Req any, Res any] func(ctx context.Context, req Req) (Res, error)

// callEnvelope is the wire shape of endpoint:call/receive.
type callEnvelope struct {
	Type string          `json:"type"`
	Key  int64           `json:"key"`
	Data json.RawMessage `json:"data"`
}

// errorEnvelope is the wire shape of endpoint:error.
type errorEnvelope struct {
	Type  string `json:"type"`
	Key   int64  `json:"key"`
	Error string `json:"error"`
}

var (
	callEvent     = eventbus.OfExtension(ExtensionKey, "call", wire.JSON[callEnvelope]())
	receiveEvent  = eventbus.OfExtension(ExtensionKey, "receive", wire.JSON[callEnvelope]())
	errorEvent    = eventbus.OfExtension(ExtensionKey, "error", wire.JSON[errorEnvelope]())
	registerEvent = eventbus.OfExtension(ExtensionKey, "register", wire.JSON[Info]())
)

// registeredHandler is the type-erased form of a (Type, Handler) pair
// stored under the endpoint's key.
type registeredHandler interface {
	info() Info
	handle(ctx context.Context, data json.RawMessage) (json.RawMessage, error)
}

type typedHandler[Req any, Res any] struct {
	typ Type[Req, Res]
	fn  Handler[Req, Res]
}

func (h typedHandler[Req, Res]) info() Info { return h.typ.Info }

func (h typedHandler[Req, Res]) handle(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	req, err := h.typ.RequestSerializer.Deserialize(data)
	if err != nil {
		return nil, wire.NewDeserializeError("endpoint request "+h.typ.Info.Key(), err)
	}
	res, err := h.fn(ctx, req)
	if err != nil {
		return nil, err
	}
	return h.typ.ResponseSerializer.Serialize(res)
}

type callResult struct {
	data json.RawMessage
	err  error
}

// Extension is the endpoint extension instance, one per client.
type Extension struct {
	host extension.Host

	counter atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan callResult
	handlers map[string]registeredHandler
}

// ExtensionType is the dependency-ordered descriptor used with
// extension.Registry.Register.
var ExtensionType = extension.Type{
	Key:     ExtensionKey,
	Factory: func(h extension.Host) (extension.Extension, error) { return newExtension(h) },
}

func newExtension(host extension.Host) (*Extension, error) {
	ext := &Extension{
		host:     host,
		pending:  make(map[int64]chan callResult),
		handlers: make(map[string]registeredHandler),
	}

	events := host.Events()
	if err := eventbus.RegisterAll(events, callEvent, receiveEvent, errorEvent, registerEvent); err != nil {
		return nil, err
	}
	if _, err := eventbus.AddListener(events, receiveEvent, ext.onReceive); err != nil {
		return nil, err
	}
	if _, err := eventbus.AddListener(events, errorEvent, ext.onError); err != nil {
		return nil, err
	}
	if _, err := eventbus.AddListener(events, callEvent, ext.onCall); err != nil {
		return nil, err
	}

	if c := host.Conn(); c != nil {
		c.AddListener(conn.Listener{OnConnected: ext.onConnected})
	}

	return ext, nil
}

func (e *Extension) onReceive(ctx context.Context, data callEnvelope) error {
	e.mu.Lock()
	ch, ok := e.pending[data.Key]
	if ok {
		delete(e.pending, data.Key)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	ch <- callResult{data: data.Data}
	return nil
}

func (e *Extension) onError(ctx context.Context, data errorEnvelope) error {
	e.mu.Lock()
	ch, ok := e.pending[data.Key]
	if ok {
		delete(e.pending, data.Key)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	ch <- callResult{err: wire.NewEndpointError(data.Type, data.Error)}
	return nil
}

func (e *Extension) onCall(ctx context.Context, data callEnvelope) error {
	e.mu.Lock()
	h, ok := e.handlers[data.Type]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	resData, err := h.handle(ctx, data.Data)
	if err != nil {
		return e.host.Send(ctx, wire.Envelope{
			Type: errorEvent.Type,
			Data: mustMarshal(errorEnvelope{Type: data.Type, Key: data.Key, Error: err.Error()}),
		})
	}
	return e.host.Send(ctx, wire.Envelope{
		Type: receiveEvent.Type,
		Data: mustMarshal(callEnvelope{Type: data.Type, Key: data.Key, Data: resData}),
	})
}

func (e *Extension) onConnected(ctx context.Context) {
	e.mu.Lock()
	infos := make([]Info, 0, len(e.handlers))
	for _, h := range e.handlers {
		infos = append(infos, h.info())
	}
	e.mu.Unlock()

	for _, info := range infos {
		_ = e.host.Send(ctx, wire.Envelope{Type: registerEvent.Type, Data: mustMarshal(info)})
	}
}

// Register installs a handler for typ under its Info.Key(). Duplicate
// registration of the same key is a *wire.ProtocolError.
func Register[Req any, Res any](e *Extension, typ Type[Req, Res], fn Handler[Req, Res]) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := typ.Info.Key()
	if _, exists := e.handlers[key]; exists {
		return wire.NewProtocolError("endpoint %s already registered", key)
	}
	e.handlers[key] = typedHandler[Req, Res]{typ: typ, fn: fn}
	return nil
}

// Execute sends the call and returns the raw, undecoded response
// bytes once resolved. Most callers want Invoke instead.
func Execute[Req any, Res any](ctx context.Context, e *Extension, typ Type[Req, Res], req Req) (json.RawMessage, error) {
	reqData, err := typ.RequestSerializer.Serialize(req)
	if err != nil {
		return nil, err
	}

	key := e.counter.Add(1)
	ch := make(chan callResult, 1)
	e.mu.Lock()
	e.pending[key] = ch
	e.mu.Unlock()

	if err := e.host.Send(ctx, wire.Envelope{
		Type: callEvent.Type,
		Data: mustMarshal(callEnvelope{Type: typ.Info.Key(), Key: key, Data: reqData}),
	}); err != nil {
		e.mu.Lock()
		delete(e.pending, key)
		e.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invoke calls typ with req and decodes the response. Failures from
// the handler side surface as a *wire.EndpointError naming typ's key.
func Invoke[Req any, Res any](ctx context.Context, e *Extension, typ Type[Req, Res], req Req) (Res, error) {
	var zero Res
	data, err := Execute(ctx, e, typ, req)
	if err != nil {
		return zero, err
	}
	return typ.ResponseSerializer.Deserialize(data)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
