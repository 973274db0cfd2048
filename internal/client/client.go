// Package client assembles the connection, event registry, and
// extension registry into the application-facing entry point: one
// Client per connected app, owning its lifecycle (Start/Stop) and
// satisfying extension.Host so the endpoint, table, and registry
// extensions can be registered against it.
package client

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nugget/meshbus/internal/conn"
	"github.com/nugget/meshbus/internal/endpoint"
	"github.com/nugget/meshbus/internal/eventbus"
	"github.com/nugget/meshbus/internal/extension"
	"github.com/nugget/meshbus/internal/registry"
	"github.com/nugget/meshbus/internal/table"
	"github.com/nugget/meshbus/internal/wire"
)

// readyEnvelope carries no data; "ready" fires once the connection is
// up and every built-in extension has run its subscription handshake.
type readyEnvelope struct{}

var connectEvent = eventbus.New("connect", wire.JSON[readyEnvelope]())
var readyEvent = eventbus.New("ready", wire.JSON[readyEnvelope]())

// Client is the application's handle onto the broker: one Connection,
// one event Registry, one extension Registry, plus the three built-in
// extensions (endpoint, table, registry) constructed during Start.
type Client struct {
	app    wire.App
	conn   conn.Connection
	events *eventbus.Registry
	exts   *extension.Registry
	logger *slog.Logger

	Endpoint *endpoint.Extension
	Table    *table.Extension
	Registry *registry.Extension

	mu      sync.Mutex
	running bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithConnection overrides the Connection implementation (tests use
// this to substitute a fake transport).
func WithConnection(cn conn.Connection) Option {
	return func(c *Client) { c.conn = cn }
}

// New builds a Client for app against the server at address. Start
// must be called before use.
func New(address wire.Address, app wire.App, opts ...Option) *Client {
	c := &Client{
		app:    app,
		events: eventbus.NewRegistry(nil),
		exts:   extension.NewRegistry(),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.conn == nil {
		c.conn = conn.New(address, app, conn.WithLogger(c.logger))
	}
	return c
}

// App returns the client's local application identity.
func (c *Client) App() wire.App { return c.app }

// Events returns the client's event registry.
func (c *Client) Events() *eventbus.Registry { return c.events }

// Conn returns the client's connection.
func (c *Client) Conn() conn.Connection { return c.conn }

// Extensions returns the client's extension registry, letting
// dependent extensions (table, registry) look up extensions they
// depend on (e.g. endpoint) during construction.
func (c *Client) Extensions() *extension.Registry { return c.exts }

// Send forwards env to the underlying connection.
func (c *Client) Send(ctx context.Context, env wire.Envelope) error {
	return c.conn.Send(ctx, env)
}

// Start connects to the server, constructs the built-in extensions in
// dependency order, and wires the connection's inbound envelope
// stream into the event registry. Starting an already-running client
// is a *wire.LifecycleError.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return wire.NewLifecycleError("client already started")
	}
	c.running = true
	c.mu.Unlock()

	if err := eventbus.Register(c.events, connectEvent); err != nil {
		return err
	}
	if err := eventbus.Register(c.events, readyEvent); err != nil {
		return err
	}

	c.conn.AddListener(conn.Listener{
		OnEvent: func(ctx context.Context, env wire.Envelope) {
			c.events.Dispatch(ctx, env)
		},
		OnConnected: func(ctx context.Context) {
			c.events.Dispatch(ctx, wire.Envelope{Type: connectEvent.Type, Data: []byte("{}")})
		},
	})

	exts, err := c.exts.RegisterAll(c,
		endpoint.ExtensionType,
		table.ExtensionType,
		registry.ExtensionType,
	)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}
	c.Endpoint = exts[0].(*endpoint.Extension)
	c.Table = exts[1].(*table.Extension)
	c.Registry = exts[2].(*registry.Extension)

	if err := c.conn.Connect(ctx); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}

	c.events.Dispatch(ctx, wire.Envelope{Type: readyEvent.Type, Data: []byte("{}")})
	return nil
}

// Stop disconnects and releases the client. Stopping a client that
// was never started, or is already stopped, is a *wire.LifecycleError.
func (c *Client) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return wire.NewLifecycleError("client not running")
	}
	c.running = false
	c.mu.Unlock()

	return c.conn.Disconnect()
}

// AddReadyListener installs fn to be called once Start completes its
// subscription handshake. Intended as application wiring sugar over
// the built-in "ready" event.
func (c *Client) AddReadyListener(fn func(ctx context.Context)) error {
	_, err := eventbus.AddListener(c.events, readyEvent, func(ctx context.Context, _ readyEnvelope) error {
		fn(ctx)
		return nil
	})
	return err
}
