package table

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/meshbus/internal/conn"
	"github.com/nugget/meshbus/internal/endpoint"
	"github.com/nugget/meshbus/internal/eventbus"
	"github.com/nugget/meshbus/internal/extension"
	"github.com/nugget/meshbus/internal/wire"
)

// Widget is a minimal Keyable test item.
type Widget struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func (w Widget) Key() string { return w.ID }

var widgetType = Type[Widget]{
	Info:       Info{Owner: "app", Name: "widgets"},
	Serializer: wire.JSON[Widget](),
}

// stubHost is a minimal extension.Host + table's extensionRegistryHolder,
// wired to a peer so endpoint:* envelopes reach the other side while
// table:item_* mutations are looped back to simulate server echo.
type stubHost struct {
	app      wire.App
	events   *eventbus.Registry
	registry *extension.Registry
	peer     *stubHost
}

func newStubHost() *stubHost {
	return &stubHost{events: eventbus.NewRegistry(nil), registry: extension.NewRegistry()}
}

func (h *stubHost) App() wire.App                 { return h.app }
func (h *stubHost) Events() *eventbus.Registry    { return h.events }
func (h *stubHost) Conn() conn.Connection         { return nil }
func (h *stubHost) Extensions() *extension.Registry { return h.registry }

func (h *stubHost) Send(ctx context.Context, env wire.Envelope) error {
	switch {
	case strings.HasPrefix(env.Type, "endpoint:"):
		h.peer.events.Dispatch(ctx, env)
	case strings.HasPrefix(env.Type, "table:item_"):
		h.events.Dispatch(ctx, env)
	}
	return nil
}

// newClientServerPair builds a client host with both endpoint and
// table extensions, and a server host with only an endpoint
// extension (standing in for the real server's handler role).
func newClientServerPair(t *testing.T) (client *stubHost, clientTable *Extension, server *stubHost, serverEndpoint *endpoint.Extension) {
	t.Helper()
	client = newStubHost()
	server = newStubHost()
	client.peer = server
	server.peer = client

	if _, err := client.registry.Register(client, endpoint.ExtensionType); err != nil {
		t.Fatalf("register client endpoint ext: %v", err)
	}
	tblExt, err := client.registry.Register(client, ExtensionType)
	if err != nil {
		t.Fatalf("register client table ext: %v", err)
	}

	srvEp, err := server.registry.Register(server, endpoint.ExtensionType)
	if err != nil {
		t.Fatalf("register server endpoint ext: %v", err)
	}

	return client, tblExt.(*Extension), server, srvEp.(*endpoint.Extension)
}

func TestAddEchoUpdatesCacheAndFiresListeners(t *testing.T) {
	_, clientTable, _, _ := newClientServerPair(t)

	tbl, err := Register(clientTable, widgetType, true)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	var added []string
	var cacheUpdates int
	tbl.AddListener(Listener[Widget]{
		OnAdd: func(ctx context.Context, items *wire.OrderedMap[Widget]) {
			items.Range(func(k string, v Widget) bool { added = append(added, k); return true })
		},
		OnCacheUpdate: func(ctx context.Context, cache *wire.OrderedMap[Widget]) { cacheUpdates++ },
	})

	ctx := context.Background()
	if err := tbl.Add(ctx, Widget{ID: "a", Value: 1}, Widget{ID: "b", Value: 2}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if len(added) != 2 {
		t.Fatalf("added = %v, want 2 keys", added)
	}
	if cacheUpdates != 1 {
		t.Fatalf("cacheUpdates = %d, want 1", cacheUpdates)
	}

	got, ok, err := tbl.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("Get(a) = %v, %v, %v", got, ok, err)
	}
	if got.Value != 1 {
		t.Fatalf("Get(a).Value = %d, want 1", got.Value)
	}
}

func TestRemoveAndClear(t *testing.T) {
	_, clientTable, _, _ := newClientServerPair(t)
	tbl, err := Register(clientTable, widgetType, true)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	var removed, cleared int
	tbl.AddListener(Listener[Widget]{
		OnRemove: func(ctx context.Context, items *wire.OrderedMap[Widget]) { removed++ },
		OnClear:  func(ctx context.Context) { cleared++ },
	})

	ctx := context.Background()
	if err := tbl.Add(ctx, Widget{ID: "a", Value: 1}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := tbl.Remove(ctx, Widget{ID: "a"}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, _ := tbl.Get(ctx, "a"); ok {
		t.Fatal("item still present after Remove")
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	if err := tbl.Add(ctx, Widget{ID: "b", Value: 2}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := tbl.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok, _ := tbl.Get(ctx, "b"); ok {
		t.Fatal("item still present after Clear")
	}
	if cleared != 1 {
		t.Fatalf("cleared = %d, want 1", cleared)
	}
}

func TestGetFetchesFromServerWhenNotCached(t *testing.T) {
	_, clientTable, _, serverEp := newClientServerPair(t)
	tbl, err := Register(clientTable, widgetType, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := endpoint.Register(serverEp, getEndpoint, func(ctx context.Context, req getRequest) (itemsEnvelope, error) {
		items := wire.NewOrderedMap[Widget]()
		items.Set("x", Widget{ID: "x", Value: 42})
		encoded, _ := tbl.encodeItems(items)
		return itemsEnvelope{Type: req.Type, Items: encoded}, nil
	}); err != nil {
		t.Fatalf("Register server handler: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, ok, err := tbl.Get(ctx, "x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || got.Value != 42 {
		t.Fatalf("Get(x) = %+v, %v, want Value=42", got, ok)
	}
}

func TestFetchAndIterPaginate(t *testing.T) {
	_, clientTable, _, serverEp := newClientServerPair(t)
	tbl, err := Register(clientTable, widgetType, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	pages := [][]Widget{
		{{ID: "a", Value: 1}, {ID: "b", Value: 2}},
		{{ID: "c", Value: 3}},
		{},
	}
	callCount := 0

	if err := endpoint.Register(serverEp, fetchEndpoint, func(ctx context.Context, req fetchRequest) (itemsEnvelope, error) {
		idx := callCount
		if idx >= len(pages) {
			idx = len(pages) - 1
		}
		callCount++
		items := wire.NewOrderedMap[Widget]()
		for _, w := range pages[idx] {
			items.Set(w.ID, w)
		}
		encoded, _ := tbl.encodeItems(items)
		return itemsEnvelope{Type: req.Type, Items: encoded}, nil
	}); err != nil {
		t.Fatalf("Register server handler: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var keys []string
	for k := range tbl.Iter(ctx) {
		keys = append(keys, k)
	}

	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("Iter keys = %v, want [a b c]", keys)
	}
}

func TestSize(t *testing.T) {
	_, clientTable, _, serverEp := newClientServerPair(t)
	tbl, err := Register(clientTable, widgetType, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := endpoint.Register(serverEp, sizeEndpoint, func(ctx context.Context, req sizeRequest) (sizeResponse, error) {
		return sizeResponse{Size: 7}, nil
	}); err != nil {
		t.Fatalf("Register server handler: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n, err := tbl.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if n != 7 {
		t.Fatalf("Size = %d, want 7", n)
	}
}

func TestProxyPipelineTransformsAndAcks(t *testing.T) {
	client, clientTable, _, serverEp := newClientServerPair(t)
	tbl, err := Register(clientTable, widgetType, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	tbl.Proxy(func(w Widget) (Widget, bool) {
		if w.Value < 0 {
			return w, false
		}
		w.Value *= 10
		return w, true
	})

	var acked itemsEnvelope
	ackCh := make(chan struct{}, 1)
	if err := endpoint.Register(serverEp, proxyAckEndpoint, func(ctx context.Context, req proxyEnvelope) (proxyEnvelope, error) {
		acked = itemsEnvelope{Type: req.Type, Items: req.Items}
		ackCh <- struct{}{}
		return req, nil
	}); err != nil {
		t.Fatalf("Register server handler: %v", err)
	}

	batch := wire.NewOrderedMap[Widget]()
	batch.Set("a", Widget{ID: "a", Value: 1})
	batch.Set("b", Widget{ID: "b", Value: -1})
	encoded, err := tbl.encodeItems(batch)
	if err != nil {
		t.Fatalf("encodeItems: %v", err)
	}

	key := uuid.New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	client.events.Dispatch(ctx, wire.Envelope{
		Type: proxyEvent.Type,
		Data: mustMarshal(proxyEnvelope{Type: tbl.key(), Key: key, Items: encoded}),
	})

	select {
	case <-ackCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for proxy ack")
	}

	decoded, err := tbl.decodeItems(acked.Items)
	if err != nil {
		t.Fatalf("decodeItems: %v", err)
	}
	if decoded.Len() != 1 {
		t.Fatalf("acked items len = %d, want 1 (dropped item excluded)", decoded.Len())
	}
	v, ok := decoded.Get("a")
	if !ok || v.Value != 10 {
		t.Fatalf("acked item a = %+v, ok=%v, want Value=10", v, ok)
	}
}
