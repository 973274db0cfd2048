package client

import (
	"context"
	"sync"
	"testing"

	"github.com/nugget/meshbus/internal/conn"
	"github.com/nugget/meshbus/internal/wire"
)

// fakeConn is a conn.Connection that never touches the network, so
// Client.Start can be exercised without a real broker.
type fakeConn struct {
	mu        sync.Mutex
	status    conn.Status
	listeners []conn.Listener
	sent      []wire.Envelope

	connectErr error
}

func (f *fakeConn) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.status = conn.StatusConnected
	listeners := append([]conn.Listener(nil), f.listeners...)
	f.mu.Unlock()
	for _, l := range listeners {
		if l.OnConnected != nil {
			l.OnConnected(ctx)
		}
	}
	return nil
}

func (f *fakeConn) Disconnect() error {
	f.mu.Lock()
	f.status = conn.StatusDisconnected
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Send(ctx context.Context, env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeConn) AddListener(l conn.Listener) conn.ListenerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
	return conn.ListenerID(len(f.listeners))
}

func (f *fakeConn) RemoveListener(conn.ListenerID) {}

func (f *fakeConn) Status() conn.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func testApp() wire.App { return wire.App{Name: "tester", Group: "meshbus-test", Version: "0.0.1"} }

func TestStartWiresBuiltinExtensions(t *testing.T) {
	fc := &fakeConn{}
	c := New(wire.Address{Host: "localhost", Port: 26423}, testApp(), WithConnection(fc))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if c.Endpoint == nil || c.Table == nil || c.Registry == nil {
		t.Fatal("Start did not populate the built-in extensions")
	}
	if got := c.Extensions().Keys(); len(got) != 3 {
		t.Fatalf("registered extension keys = %v, want 3 entries", got)
	}
}

func TestStartTwiceErrors(t *testing.T) {
	fc := &fakeConn{}
	c := New(wire.Address{Host: "localhost", Port: 26423}, testApp(), WithConnection(fc))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("second Start should have failed")
	}
}

func TestStopWithoutStartErrors(t *testing.T) {
	c := New(wire.Address{Host: "localhost", Port: 26423}, testApp(), WithConnection(&fakeConn{}))
	if err := c.Stop(); err == nil {
		t.Fatal("Stop before Start should have failed")
	}
}

func TestStopTwiceErrors(t *testing.T) {
	fc := &fakeConn{}
	c := New(wire.Address{Host: "localhost", Port: 26423}, testApp(), WithConnection(fc))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := c.Stop(); err == nil {
		t.Fatal("second Stop should have failed")
	}
}

func TestReadyListenerFiresAfterStart(t *testing.T) {
	fc := &fakeConn{}
	c := New(wire.Address{Host: "localhost", Port: 26423}, testApp(), WithConnection(fc))

	fired := make(chan struct{}, 1)
	if err := c.AddReadyListener(func(ctx context.Context) { fired <- struct{}{} }); err != nil {
		t.Fatalf("AddReadyListener: %v", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	select {
	case <-fired:
	default:
		t.Fatal("ready listener did not fire during Start")
	}
}

func TestStartFailurePropagatesConnectError(t *testing.T) {
	fc := &fakeConn{connectErr: errConnect}
	c := New(wire.Address{Host: "localhost", Port: 26423}, testApp(), WithConnection(fc))

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected Start to propagate the connection error")
	}
	// A failed Start must still clear running, or Stop would wrongly
	// report the client as stoppable when it never actually came up.
	if err := c.Stop(); err == nil {
		t.Fatal("Stop after a failed Start should report not-running")
	}
}

var errConnect = &dialError{}

type dialError struct{}

func (*dialError) Error() string { return "client_test: dial refused" }
