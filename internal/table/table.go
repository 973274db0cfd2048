// Package table implements the table extension: replicated,
// server-persisted keyed collections with push-based mutation
// fan-out, listener callbacks, paginated fetch, and a client-side
// write-proxy pipeline — grounded on the source's table_extension.py.
package table

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sync"

	"github.com/google/uuid"

	"github.com/nugget/meshbus/internal/conn"
	"github.com/nugget/meshbus/internal/endpoint"
	"github.com/nugget/meshbus/internal/eventbus"
	"github.com/nugget/meshbus/internal/extension"
	"github.com/nugget/meshbus/internal/wire"
)

// ExtensionKey is this extension's key.
const ExtensionKey = "table"

// DefaultFetchLimit is used by Fetch and Iter when the caller passes 0.
const DefaultFetchLimit = 100

// Keyable is the constraint a table's item type must satisfy: every
// item names its own storage key.
type Keyable interface {
	Key() string
}

// Info identifies a table by owning app key and name.
type Info struct {
	Owner       string
	Name        string
	Description string
}

// Key returns the table's wire identifier, "owner:name".
func (i Info) Key() string { return i.Owner + ":" + i.Name }

// Type pairs an Info with an item codec.
type Type[T Keyable] struct {
	Info       Info
	Serializer wire.Serializer[T, json.RawMessage]
}

// Listener groups the optional callbacks a table observer can supply.
type Listener[T Keyable] struct {
	OnAdd         func(ctx context.Context, items *wire.OrderedMap[T])
	OnUpdate      func(ctx context.Context, items *wire.OrderedMap[T])
	OnRemove      func(ctx context.Context, items *wire.OrderedMap[T])
	OnClear       func(ctx context.Context)
	OnCacheUpdate func(ctx context.Context, cache *wire.OrderedMap[T])
}

// ListenerID identifies a registered Listener for later removal.
type ListenerID uint64

// ProxyFunc transforms or drops an outbound item in the write-proxy
// pipeline. Returning ok=false drops the item from the batch.
type ProxyFunc[T Keyable] func(item T) (out T, ok bool)

type listenerEntry[T Keyable] struct {
	id ListenerID
	l  Listener[T]
}

// wire shapes exchanged over the table:* events and endpoints.

type itemsEnvelope struct {
	Type  string                            `json:"type"`
	Items *wire.OrderedMap[json.RawMessage] `json:"items"`
}

type clearEnvelope struct {
	Type string `json:"type"`
}

type proxyEnvelope struct {
	Type  string                            `json:"type"`
	Key   uuid.UUID                         `json:"key"`
	Items *wire.OrderedMap[json.RawMessage] `json:"items"`
}

type keyOnlyEnvelope struct {
	Type string `json:"type"`
}

type getRequest struct {
	Type  string   `json:"type"`
	Items []string `json:"items"`
}

type fetchRequest struct {
	Type   string  `json:"type"`
	Limit  int     `json:"limit"`
	Cursor *string `json:"cursor"`
}

type sizeRequest struct {
	Type string `json:"type"`
}

type sizeResponse struct {
	Size int `json:"size"`
}

var (
	addEvent         = eventbus.OfExtension(ExtensionKey, "item_add", wire.JSON[itemsEnvelope]())
	updateEvent      = eventbus.OfExtension(ExtensionKey, "item_update", wire.JSON[itemsEnvelope]())
	removeEvent      = eventbus.OfExtension(ExtensionKey, "item_remove", wire.JSON[itemsEnvelope]())
	clearEvent       = eventbus.OfExtension(ExtensionKey, "item_clear", wire.JSON[clearEnvelope]())
	proxyEvent       = eventbus.OfExtension(ExtensionKey, "proxy", wire.JSON[proxyEnvelope]())
	registerEvent    = eventbus.OfExtension(ExtensionKey, "register", wire.JSON[Info]())
	listenEvent      = eventbus.OfExtension(ExtensionKey, "listen", wire.JSON[keyOnlyEnvelope]())
	proxyListenEvent = eventbus.OfExtension(ExtensionKey, "proxy_listen", wire.JSON[keyOnlyEnvelope]())
)

var getEndpoint = endpoint.Type[getRequest, itemsEnvelope]{
	Info:               endpoint.Info{Owner: ExtensionKey, Name: "item_get"},
	RequestSerializer:  wire.JSON[getRequest](),
	ResponseSerializer: wire.JSON[itemsEnvelope](),
}

var fetchEndpoint = endpoint.Type[fetchRequest, itemsEnvelope]{
	Info:               endpoint.Info{Owner: ExtensionKey, Name: "item_fetch"},
	RequestSerializer:  wire.JSON[fetchRequest](),
	ResponseSerializer: wire.JSON[itemsEnvelope](),
}

var sizeEndpoint = endpoint.Type[sizeRequest, sizeResponse]{
	Info:               endpoint.Info{Owner: ExtensionKey, Name: "item_size"},
	RequestSerializer:  wire.JSON[sizeRequest](),
	ResponseSerializer: wire.JSON[sizeResponse](),
}

var proxyAckEndpoint = endpoint.Type[proxyEnvelope, proxyEnvelope]{
	Info:               endpoint.Info{Owner: ExtensionKey, Name: "proxy"},
	RequestSerializer:  wire.JSON[proxyEnvelope](),
	ResponseSerializer: wire.JSON[proxyEnvelope](),
}

// anyTable is the type-erased view of a Table[T] the Extension routes
// inbound envelopes to, keyed by Info.Key().
type anyTable interface {
	key() string
	handleAdd(ctx context.Context, items *wire.OrderedMap[json.RawMessage]) error
	handleUpdate(ctx context.Context, items *wire.OrderedMap[json.RawMessage]) error
	handleRemove(ctx context.Context, items *wire.OrderedMap[json.RawMessage]) error
	handleClear(ctx context.Context) error
	handleProxy(ctx context.Context, key uuid.UUID, items *wire.OrderedMap[json.RawMessage]) error
	onConnected(ctx context.Context)
}

// Extension is the table extension instance, one per client. It
// multiplexes inbound table:* envelopes to whichever Table[T] was
// registered under the envelope's type key.
type Extension struct {
	host     extension.Host
	endpoint *endpoint.Extension

	mu     sync.Mutex
	tables map[string]anyTable
}

// ExtensionType is the dependency-ordered descriptor used with
// extension.Registry.Register. It depends on the endpoint extension
// for item_get/item_fetch/item_size/proxy calls.
var ExtensionType = extension.Type{
	Key:  ExtensionKey,
	Deps: []string{endpoint.ExtensionKey},
	Factory: func(h extension.Host) (extension.Extension, error) {
		return newExtension(h)
	},
}

func newExtension(host extension.Host) (*Extension, error) {
	reg, err := extensionRegistryOf(host)
	if err != nil {
		return nil, err
	}
	epExt, err := reg.Get(endpoint.ExtensionKey)
	if err != nil {
		return nil, err
	}
	ep, ok := epExt.(*endpoint.Extension)
	if !ok {
		return nil, wire.NewProtocolError("table: endpoint extension has unexpected type %T", epExt)
	}

	ext := &Extension{host: host, endpoint: ep, tables: make(map[string]anyTable)}

	events := host.Events()
	if err := eventbus.RegisterAll(events, addEvent, updateEvent, removeEvent, clearEvent, proxyEvent,
		registerEvent, listenEvent, proxyListenEvent); err != nil {
		return nil, err
	}
	if _, err := eventbus.AddListener(events, addEvent, ext.onAdd); err != nil {
		return nil, err
	}
	if _, err := eventbus.AddListener(events, updateEvent, ext.onUpdate); err != nil {
		return nil, err
	}
	if _, err := eventbus.AddListener(events, removeEvent, ext.onRemove); err != nil {
		return nil, err
	}
	if _, err := eventbus.AddListener(events, clearEvent, ext.onClear); err != nil {
		return nil, err
	}
	if _, err := eventbus.AddListener(events, proxyEvent, ext.onProxy); err != nil {
		return nil, err
	}

	if c := host.Conn(); c != nil {
		c.AddListener(conn.Listener{OnConnected: ext.onConnected})
	}

	return ext, nil
}

// extensionRegistryHolder is implemented by hosts that also expose
// their extension.Registry, letting the table extension look up the
// endpoint extension it depends on. Concrete Client implementations
// satisfy this alongside extension.Host.
type extensionRegistryHolder interface {
	Extensions() *extension.Registry
}

func extensionRegistryOf(host extension.Host) (*extension.Registry, error) {
	h, ok := host.(extensionRegistryHolder)
	if !ok {
		return nil, wire.NewProtocolError("table: host does not expose an extension registry")
	}
	return h.Extensions(), nil
}

func (e *Extension) onAdd(ctx context.Context, env itemsEnvelope) error {
	return e.dispatch(ctx, env.Type, func(t anyTable) error { return t.handleAdd(ctx, env.Items) })
}

func (e *Extension) onUpdate(ctx context.Context, env itemsEnvelope) error {
	return e.dispatch(ctx, env.Type, func(t anyTable) error { return t.handleUpdate(ctx, env.Items) })
}

func (e *Extension) onRemove(ctx context.Context, env itemsEnvelope) error {
	return e.dispatch(ctx, env.Type, func(t anyTable) error { return t.handleRemove(ctx, env.Items) })
}

func (e *Extension) onClear(ctx context.Context, env clearEnvelope) error {
	return e.dispatch(ctx, env.Type, func(t anyTable) error { return t.handleClear(ctx) })
}

func (e *Extension) onProxy(ctx context.Context, env proxyEnvelope) error {
	return e.dispatch(ctx, env.Type, func(t anyTable) error { return t.handleProxy(ctx, env.Key, env.Items) })
}

func (e *Extension) dispatch(ctx context.Context, key string, fn func(anyTable) error) error {
	e.mu.Lock()
	t, ok := e.tables[key]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return fn(t)
}

func (e *Extension) onConnected(ctx context.Context) {
	e.mu.Lock()
	tables := make([]anyTable, 0, len(e.tables))
	for _, t := range e.tables {
		tables = append(tables, t)
	}
	e.mu.Unlock()
	for _, t := range tables {
		t.onConnected(ctx)
	}
}

func (e *Extension) register(t anyTable) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tables[t.key()]; exists {
		return wire.NewProtocolError("table %s already registered", t.key())
	}
	e.tables[t.key()] = t
	return nil
}

// Table is a client handle onto a replicated keyed collection. The
// zero value is not usable; construct with Register.
type Table[T Keyable] struct {
	ext   *Extension
	typ   Type[T]
	owner bool

	cacheSize int

	mu        sync.Mutex
	cache     *wire.OrderedMap[T]
	listeners []listenerEntry[T]
	proxies   []ProxyFunc[T]
	nextID    ListenerID
	listening bool
}

// Register builds a Table[T] bound to ext and typ. owner marks that
// this client is the table's creator and should advertise it via
// table:register on connect.
func Register[T Keyable](ext *Extension, typ Type[T], owner bool) (*Table[T], error) {
	tbl := &Table[T]{ext: ext, typ: typ, owner: owner, cache: wire.NewOrderedMap[T]()}
	if err := ext.register(tbl); err != nil {
		return nil, err
	}
	return tbl, nil
}

func (t *Table[T]) key() string { return t.typ.Info.Key() }

// CacheSize enables eager priming: on (re)connect, once the table is
// marked listening, Fetch(CacheSize, nil) is issued automatically.
func (t *Table[T]) CacheSize(n int) { t.cacheSize = n }

func (t *Table[T]) decodeItems(raw *wire.OrderedMap[json.RawMessage]) (*wire.OrderedMap[T], error) {
	out := wire.NewOrderedMap[T]()
	var outerErr error
	raw.Range(func(k string, d json.RawMessage) bool {
		v, err := t.typ.Serializer.Deserialize(d)
		if err != nil {
			outerErr = wire.NewDeserializeError("table item "+t.key()+":"+k, err)
			return false
		}
		out.Set(k, v)
		return true
	})
	if outerErr != nil {
		return nil, outerErr
	}
	return out, nil
}

func (t *Table[T]) encodeItems(items *wire.OrderedMap[T]) (*wire.OrderedMap[json.RawMessage], error) {
	out := wire.NewOrderedMap[json.RawMessage]()
	var outerErr error
	items.Range(func(k string, v T) bool {
		d, err := t.typ.Serializer.Serialize(v)
		if err != nil {
			outerErr = err
			return false
		}
		out.Set(k, d)
		return true
	})
	if outerErr != nil {
		return nil, outerErr
	}
	return out, nil
}

func (t *Table[T]) handleAdd(ctx context.Context, raw *wire.OrderedMap[json.RawMessage]) error {
	items, err := t.decodeItems(raw)
	if err != nil {
		return err
	}
	t.mu.Lock()
	items.Range(func(k string, v T) bool { t.cache.Set(k, v); return true })
	listeners := t.snapshotListeners()
	cacheCopy := t.cache
	t.mu.Unlock()

	for _, le := range listeners {
		if le.l.OnAdd != nil {
			le.l.OnAdd(ctx, items)
		}
		if le.l.OnCacheUpdate != nil {
			le.l.OnCacheUpdate(ctx, cacheCopy)
		}
	}
	return nil
}

func (t *Table[T]) handleUpdate(ctx context.Context, raw *wire.OrderedMap[json.RawMessage]) error {
	items, err := t.decodeItems(raw)
	if err != nil {
		return err
	}
	t.mu.Lock()
	items.Range(func(k string, v T) bool { t.cache.Set(k, v); return true })
	listeners := t.snapshotListeners()
	cacheCopy := t.cache
	t.mu.Unlock()

	for _, le := range listeners {
		if le.l.OnUpdate != nil {
			le.l.OnUpdate(ctx, items)
		}
		if le.l.OnCacheUpdate != nil {
			le.l.OnCacheUpdate(ctx, cacheCopy)
		}
	}
	return nil
}

func (t *Table[T]) handleRemove(ctx context.Context, raw *wire.OrderedMap[json.RawMessage]) error {
	items, err := t.decodeItems(raw)
	if err != nil {
		return err
	}
	t.mu.Lock()
	items.Range(func(k string, _ T) bool { t.cache.Delete(k); return true })
	listeners := t.snapshotListeners()
	cacheCopy := t.cache
	t.mu.Unlock()

	for _, le := range listeners {
		if le.l.OnRemove != nil {
			le.l.OnRemove(ctx, items)
		}
		if le.l.OnCacheUpdate != nil {
			le.l.OnCacheUpdate(ctx, cacheCopy)
		}
	}
	return nil
}

func (t *Table[T]) handleClear(ctx context.Context) error {
	t.mu.Lock()
	t.cache = wire.NewOrderedMap[T]()
	listeners := t.snapshotListeners()
	cacheCopy := t.cache
	t.mu.Unlock()

	for _, le := range listeners {
		if le.l.OnClear != nil {
			le.l.OnClear(ctx)
		}
		if le.l.OnCacheUpdate != nil {
			le.l.OnCacheUpdate(ctx, cacheCopy)
		}
	}
	return nil
}

// handleProxy runs the locally installed proxy chain over an inbound
// write-proxy batch, then acknowledges with the transformed batch via
// the table:proxy endpoint.
func (t *Table[T]) handleProxy(ctx context.Context, key uuid.UUID, raw *wire.OrderedMap[json.RawMessage]) error {
	items, err := t.decodeItems(raw)
	if err != nil {
		return err
	}

	t.mu.Lock()
	proxies := make([]ProxyFunc[T], len(t.proxies))
	copy(proxies, t.proxies)
	t.mu.Unlock()

	out := wire.NewOrderedMap[T]()
	items.Range(func(k string, v T) bool { out.Set(k, v); return true })

	for _, p := range proxies {
		next := wire.NewOrderedMap[T]()
		out.Range(func(k string, v T) bool {
			if transformed, ok := p(v); ok {
				next.Set(k, transformed)
			}
			return true
		})
		out = next
	}

	encoded, err := t.encodeItems(out)
	if err != nil {
		return err
	}

	_, err = endpoint.Invoke(ctx, t.ext.endpoint, proxyAckEndpoint, proxyEnvelope{
		Type: t.key(), Key: key, Items: encoded,
	})
	return err
}

// onConnected runs the subscription protocol: register (if owner),
// listen + optional eager fetch (if listening), proxy_listen (if
// proxies are installed).
func (t *Table[T]) onConnected(ctx context.Context) {
	if t.owner {
		_ = t.ext.host.Send(ctx, wire.Envelope{Type: registerEvent.Type, Data: mustMarshal(t.typ.Info)})
	}

	t.mu.Lock()
	listening := t.listening
	hasProxies := len(t.proxies) > 0
	cacheSize := t.cacheSize
	t.mu.Unlock()

	if listening {
		_ = t.ext.host.Send(ctx, wire.Envelope{Type: listenEvent.Type, Data: mustMarshal(keyOnlyEnvelope{Type: t.key()})})
		if cacheSize > 0 {
			_, _ = t.Fetch(ctx, cacheSize, nil)
		}
	}
	if hasProxies {
		_ = t.ext.host.Send(ctx, wire.Envelope{Type: proxyListenEvent.Type, Data: mustMarshal(keyOnlyEnvelope{Type: t.key()})})
	}
}

func (t *Table[T]) snapshotListeners() []listenerEntry[T] {
	out := make([]listenerEntry[T], len(t.listeners))
	copy(out, t.listeners)
	return out
}

// Get returns a cached item if present; otherwise fetches it from the
// server via the item_get endpoint and merges the result into cache.
func (t *Table[T]) Get(ctx context.Context, key string) (T, bool, error) {
	t.mu.Lock()
	if v, ok := t.cache.Get(key); ok {
		t.mu.Unlock()
		return v, true, nil
	}
	t.mu.Unlock()

	res, err := endpoint.Invoke(ctx, t.ext.endpoint, getEndpoint, getRequest{Type: t.key(), Items: []string{key}})
	if err != nil {
		var zero T
		return zero, false, err
	}
	items, err := t.decodeItems(res.Items)
	if err != nil {
		var zero T
		return zero, false, err
	}

	t.mu.Lock()
	items.Range(func(k string, v T) bool { t.cache.Set(k, v); return true })
	t.mu.Unlock()

	v, ok := items.Get(key)
	return v, ok, nil
}

func (t *Table[T]) sendMutation(ctx context.Context, eventType string, items ...T) error {
	batch := wire.NewOrderedMap[T]()
	for _, it := range items {
		batch.Set(it.Key(), it)
	}
	encoded, err := t.encodeItems(batch)
	if err != nil {
		return err
	}
	return t.ext.host.Send(ctx, wire.Envelope{
		Type: eventType,
		Data: mustMarshal(itemsEnvelope{Type: t.key(), Items: encoded}),
	})
}

// Add sends an item_add mutation. It does not wait for the echoed
// mutation event; the cache updates when that arrives.
func (t *Table[T]) Add(ctx context.Context, items ...T) error {
	return t.sendMutation(ctx, addEvent.Type, items...)
}

// Set sends an item_update mutation.
func (t *Table[T]) Set(ctx context.Context, items ...T) error {
	return t.sendMutation(ctx, updateEvent.Type, items...)
}

// Remove sends an item_remove mutation.
func (t *Table[T]) Remove(ctx context.Context, items ...T) error {
	return t.sendMutation(ctx, removeEvent.Type, items...)
}

// Clear sends an item_clear mutation for the whole table.
func (t *Table[T]) Clear(ctx context.Context) error {
	return t.ext.host.Send(ctx, wire.Envelope{
		Type: clearEvent.Type,
		Data: mustMarshal(clearEnvelope{Type: t.key()}),
	})
}

// Fetch retrieves up to limit items starting strictly after cursor
// (nil cursor means the first page), merging results into cache and
// notifying OnCacheUpdate listeners.
func (t *Table[T]) Fetch(ctx context.Context, limit int, cursor *string) (*wire.OrderedMap[T], error) {
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	res, err := endpoint.Invoke(ctx, t.ext.endpoint, fetchEndpoint, fetchRequest{Type: t.key(), Limit: limit, Cursor: cursor})
	if err != nil {
		return nil, err
	}
	items, err := t.decodeItems(res.Items)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	items.Range(func(k string, v T) bool { t.cache.Set(k, v); return true })
	listeners := t.snapshotListeners()
	cacheCopy := t.cache
	t.mu.Unlock()

	for _, le := range listeners {
		if le.l.OnCacheUpdate != nil {
			le.l.OnCacheUpdate(ctx, cacheCopy)
		}
	}
	return items, nil
}

// Iter lazily walks the entire table via repeated Fetch calls, one
// page at a time. The sequence is finite and not restartable.
func (t *Table[T]) Iter(ctx context.Context) iter.Seq2[string, T] {
	return func(yield func(string, T) bool) {
		var cursor *string
		for {
			page, err := t.Fetch(ctx, DefaultFetchLimit, cursor)
			if err != nil || page.Len() == 0 {
				return
			}
			stopped := false
			page.Range(func(k string, v T) bool {
				if !yield(k, v) {
					stopped = true
					return false
				}
				return true
			})
			if stopped {
				return
			}
			last, _ := page.Last()
			cursor = &last
		}
	}
}

// Size returns the server-reported item count.
func (t *Table[T]) Size(ctx context.Context) (int, error) {
	res, err := endpoint.Invoke(ctx, t.ext.endpoint, sizeEndpoint, sizeRequest{Type: t.key()})
	if err != nil {
		return 0, err
	}
	return res.Size, nil
}

// AddListener registers l and marks the table as listening (the
// subscription protocol will send table:listen on next connect).
func (t *Table[T]) AddListener(l Listener[T]) ListenerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.listeners = append(t.listeners, listenerEntry[T]{id: id, l: l})
	t.listening = true
	return id
}

// RemoveListener removes a previously registered listener.
func (t *Table[T]) RemoveListener(id ListenerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, le := range t.listeners {
		if le.id == id {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// Listen is a convenience wrapper installing a cache-update-only
// listener.
func (t *Table[T]) Listen(cb func(ctx context.Context, cache *wire.OrderedMap[T])) ListenerID {
	return t.AddListener(Listener[T]{OnCacheUpdate: cb})
}

// Proxy appends fn to the write-proxy pipeline. The subscription
// protocol will send table:proxy_listen on next connect once any
// proxy is installed.
func (t *Table[T]) Proxy(fn ProxyFunc[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.proxies = append(t.proxies, fn)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("table: marshal %T: %v", v, err))
	}
	return data
}
