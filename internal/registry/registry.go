// Package registry implements the registry extension: a single-key
// value store with subscription, grounded on the source's
// registry_extension.py. Unlike the table extension there is no
// pagination or ordering — just "what is the current value for this
// key" plus push notification when it changes.
package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nugget/meshbus/internal/conn"
	"github.com/nugget/meshbus/internal/endpoint"
	"github.com/nugget/meshbus/internal/eventbus"
	"github.com/nugget/meshbus/internal/extension"
	"github.com/nugget/meshbus/internal/wire"
)

// ExtensionKey is this extension's key.
const ExtensionKey = "registry"

type updateEnvelope struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type listenEnvelope struct {
	Key string `json:"key"`
}

type getRequest struct {
	Key string `json:"key"`
}

type getResponse struct {
	Value json.RawMessage `json:"value"`
}

var updateEvent = eventbus.OfExtension(ExtensionKey, "update", wire.JSON[updateEnvelope]())
var listenEvent = eventbus.OfExtension(ExtensionKey, "listen", wire.JSON[listenEnvelope]())

var getEndpoint = endpoint.Type[getRequest, getResponse]{
	Info:               endpoint.Info{Owner: ExtensionKey, Name: "get"},
	RequestSerializer:  wire.JSON[getRequest](),
	ResponseSerializer: wire.JSON[getResponse](),
}

// key builds the wire identifier "app:name" a registry value is
// addressed by.
func key(app wire.App, name string) string { return app.Key() + ":" + name }

type watcher struct {
	cb func(ctx context.Context, value json.RawMessage)
}

// Extension is the registry extension instance, one per client.
type Extension struct {
	host     extension.Host
	endpoint *endpoint.Extension

	mu       sync.Mutex
	watchers map[string][]watcher
}

// ExtensionType is the dependency-ordered descriptor used with
// extension.Registry.Register. It depends on the endpoint extension
// for the registry:get call.
var ExtensionType = extension.Type{
	Key:  ExtensionKey,
	Deps: []string{endpoint.ExtensionKey},
	Factory: func(h extension.Host) (extension.Extension, error) {
		return newExtension(h)
	},
}

type extensionRegistryHolder interface {
	Extensions() *extension.Registry
}

func newExtension(host extension.Host) (*Extension, error) {
	h, ok := host.(extensionRegistryHolder)
	if !ok {
		return nil, wire.NewProtocolError("registry: host does not expose an extension registry")
	}
	epExt, err := h.Extensions().Get(endpoint.ExtensionKey)
	if err != nil {
		return nil, err
	}
	ep, ok := epExt.(*endpoint.Extension)
	if !ok {
		return nil, wire.NewProtocolError("registry: endpoint extension has unexpected type %T", epExt)
	}

	ext := &Extension{host: host, endpoint: ep, watchers: make(map[string][]watcher)}

	events := host.Events()
	if err := eventbus.Register(events, updateEvent); err != nil {
		return nil, err
	}
	if err := eventbus.Register(events, listenEvent); err != nil {
		return nil, err
	}
	if _, err := eventbus.AddListener(events, updateEvent, ext.onUpdate); err != nil {
		return nil, err
	}

	if c := host.Conn(); c != nil {
		c.AddListener(conn.Listener{OnConnected: ext.onConnected})
	}

	return ext, nil
}

func (e *Extension) onUpdate(ctx context.Context, env updateEnvelope) error {
	e.mu.Lock()
	ws := make([]watcher, len(e.watchers[env.Key]))
	copy(ws, e.watchers[env.Key])
	e.mu.Unlock()

	for _, w := range ws {
		w.cb(ctx, env.Value)
	}
	return nil
}

func (e *Extension) onConnected(ctx context.Context) {
	e.mu.Lock()
	keys := make([]string, 0, len(e.watchers))
	for k := range e.watchers {
		keys = append(keys, k)
	}
	e.mu.Unlock()

	for _, k := range keys {
		_ = e.host.Send(ctx, wire.Envelope{Type: listenEvent.Type, Data: mustMarshal(listenEnvelope{Key: k})})
	}
}

// Get fetches the current value for name under app via the
// registry:get endpoint.
func Get(ctx context.Context, e *Extension, app wire.App, name string) (json.RawMessage, error) {
	res, err := endpoint.Invoke(ctx, e.endpoint, getEndpoint, getRequest{Key: key(app, name)})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// Set publishes a new value for name under app via a registry:update
// event. It does not wait for acknowledgement.
func Set(ctx context.Context, e *Extension, app wire.App, name string, value json.RawMessage) error {
	return e.host.Send(ctx, wire.Envelope{
		Type: updateEvent.Type,
		Data: mustMarshal(updateEnvelope{Key: key(app, name), Value: value}),
	})
}

// Listen installs cb to be called whenever name under app changes. It
// tracks the key locally so the subscription survives reconnects (a
// registry:listen event is re-sent for every tracked key on connect).
func Listen(e *Extension, app wire.App, name string, cb func(ctx context.Context, value json.RawMessage)) {
	k := key(app, name)
	e.mu.Lock()
	e.watchers[k] = append(e.watchers[k], watcher{cb: cb})
	e.mu.Unlock()
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
