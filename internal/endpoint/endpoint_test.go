package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/nugget/meshbus/internal/conn"
	"github.com/nugget/meshbus/internal/eventbus"
	"github.com/nugget/meshbus/internal/wire"
)

// loopbackHost wires a caller's Send straight into a handler's
// Extension.onCall/onReceive/onError, letting the two Extension
// instances exchange envelopes without a real connection.
type loopbackHost struct {
	app    wire.App
	events *eventbus.Registry
	peer   *Extension
}

func (h *loopbackHost) App() wire.App              { return h.app }
func (h *loopbackHost) Events() *eventbus.Registry { return h.events }
func (h *loopbackHost) Conn() conn.Connection      { return nil }

func (h *loopbackHost) Send(ctx context.Context, env wire.Envelope) error {
	h.peer.events.Dispatch(ctx, env)
	return nil
}

type pairedHosts struct {
	callerHost, handlerHost *loopbackHost
	caller, handler         *Extension
}

func newPair(t *testing.T) pairedHosts {
	t.Helper()
	callerHost := &loopbackHost{app: wire.App{Name: "caller", Group: "g"}, events: eventbus.NewRegistry(nil)}
	handlerHost := &loopbackHost{app: wire.App{Name: "handler", Group: "g"}, events: eventbus.NewRegistry(nil)}

	caller, err := newExtension(callerHost)
	if err != nil {
		t.Fatalf("newExtension(caller): %v", err)
	}
	handler, err := newExtension(handlerHost)
	if err != nil {
		t.Fatalf("newExtension(handler): %v", err)
	}

	callerHost.peer = handler
	handlerHost.peer = caller

	return pairedHosts{callerHost: callerHost, handlerHost: handlerHost, caller: caller, handler: handler}
}

var echoType = Type[string, string]{
	Info:               Info{Owner: "handler", Name: "echo"},
	RequestSerializer:  wire.JSON[string](),
	ResponseSerializer: wire.JSON[string](),
}

func TestInvokeRoundTrip(t *testing.T) {
	p := newPair(t)

	if err := Register(p.handler, echoType, func(ctx context.Context, req string) (string, error) {
		return "echo:" + req, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := Invoke(ctx, p.caller, echoType, "hi")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res != "echo:hi" {
		t.Fatalf("Invoke result = %q, want %q", res, "echo:hi")
	}
}

func TestInvokeHandlerErrorSurfacesAsEndpointError(t *testing.T) {
	p := newPair(t)

	if err := Register(p.handler, echoType, func(ctx context.Context, req string) (string, error) {
		return "", fmt.Errorf("boom")
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Invoke(ctx, p.caller, echoType, "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	var epErr *wire.EndpointError
	if !asEndpointError(err, &epErr) {
		t.Fatalf("error = %v, want *wire.EndpointError", err)
	}
	if epErr.EndpointKey != echoType.Info.Key() {
		t.Fatalf("EndpointKey = %q, want %q", epErr.EndpointKey, echoType.Info.Key())
	}
}

func asEndpointError(err error, target **wire.EndpointError) bool {
	e, ok := err.(*wire.EndpointError)
	if !ok {
		return false
	}
	*target = e
	return true
}

func TestRegisterDuplicateErrors(t *testing.T) {
	p := newPair(t)
	fn := func(ctx context.Context, req string) (string, error) { return req, nil }

	if err := Register(p.handler, echoType, fn); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := Register(p.handler, echoType, fn); err == nil {
		t.Fatal("expected error on duplicate registration")
	}
}

func TestInvokeUnregisteredEndpointTimesOut(t *testing.T) {
	p := newPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := Invoke(ctx, p.caller, echoType, "hi")
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestOnConnectedReAdvertisesRegisteredEndpoints(t *testing.T) {
	p := newPair(t)
	if err := Register(p.handler, echoType, func(ctx context.Context, req string) (string, error) {
		return req, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var captured []Info
	_, err := eventbus.AddListener(p.callerHost.events, registerEvent, func(ctx context.Context, info Info) error {
		captured = append(captured, info)
		return nil
	})
	if err != nil {
		t.Fatalf("AddListener: %v", err)
	}

	p.handler.onConnected(context.Background())

	if len(captured) != 1 || captured[0].Key() != echoType.Info.Key() {
		t.Fatalf("captured = %+v, want one Info for %s", captured, echoType.Info.Key())
	}
}

func TestInfoKey(t *testing.T) {
	i := Info{Owner: "o", Name: "n"}
	if i.Key() != "o:n" {
		t.Fatalf("Key() = %q, want %q", i.Key(), "o:n")
	}
}

func TestCallEnvelopeRoundTripsJSON(t *testing.T) {
	env := callEnvelope{Type: "handler:echo", Key: 42, Data: json.RawMessage(`"x"`)}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out callEnvelope
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Type != env.Type || out.Key != env.Key || string(out.Data) != string(env.Data) {
		t.Fatalf("round-trip = %+v, want %+v", out, env)
	}
}
