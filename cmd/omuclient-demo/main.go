// Package main is a small demonstration app exercising the client
// library against a running broker: it hosts an echo endpoint, owns a
// replicated "contacts" table, and reads/writes one registry key.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/meshbus/internal/client"
	"github.com/nugget/meshbus/internal/connwatch"
	"github.com/nugget/meshbus/internal/endpoint"
	"github.com/nugget/meshbus/internal/registry"
	"github.com/nugget/meshbus/internal/table"
	"github.com/nugget/meshbus/internal/wire"
)

// echoRequest/echoResponse are the wire shapes for the demo's only
// endpoint, "demo:echo".
type echoRequest struct {
	Message string `json:"message"`
}

type echoResponse struct {
	Message string `json:"message"`
}

// contact is one row of the "demo:contacts" replicated table.
type contact struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (c contact) Key() string { return c.ID }

func main() {
	host := flag.String("host", "localhost", "broker host")
	port := flag.Int("port", 26423, "broker port")
	secure := flag.Bool("secure", false, "use wss/https")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	addr := wire.Address{Host: *host, Port: *port, Secure: *secure}
	app := wire.App{Name: "omuclient-demo", Group: "meshbus-examples", Version: "0.1.0"}

	c := client.New(addr, app, client.WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	// Wait for the broker's TCP port to accept connections before
	// attempting the WebSocket handshake, so a broker that is still
	// starting up (or between restarts) doesn't fail the demo outright.
	// Startup backoff only; once connected, drop the watcher — the
	// demo's own lifetime is what matters, not ongoing broker health.
	brokerAddr := fmt.Sprintf("%s:%d", *host, *port)
	readyCh := make(chan struct{}, 1)
	watcher := connwatch.NewManager(logger).Watch(ctx, connwatch.WatcherConfig{
		Name:    "broker",
		Backoff: connwatch.DefaultBackoffConfig(),
		Probe: func(ctx context.Context) error {
			conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", brokerAddr)
			if err != nil {
				return err
			}
			return conn.Close()
		},
		OnReady: func() {
			select {
			case readyCh <- struct{}{}:
			default:
			}
		},
	})
	select {
	case <-readyCh:
	case <-ctx.Done():
		os.Exit(0)
	}
	watcher.Stop()

	if err := c.Start(ctx); err != nil {
		logger.Error("start failed", "error", err)
		os.Exit(1)
	}
	defer c.Stop()

	echoType := endpoint.Type[echoRequest, echoResponse]{
		Info: endpoint.Info{
			Owner:       app.Key(),
			Name:        "echo",
			Description: "Echoes the `message` field back unchanged.",
		},
		RequestSerializer:  wire.JSON[echoRequest](),
		ResponseSerializer: wire.JSON[echoResponse](),
	}
	if err := endpoint.Register(c.Endpoint, echoType, func(ctx context.Context, req echoRequest) (echoResponse, error) {
		logger.Info("echo called", "message", req.Message)
		return echoResponse{Message: req.Message}, nil
	}); err != nil {
		logger.Error("register echo endpoint failed", "error", err)
		os.Exit(1)
	}

	contactsType := table.Type[contact]{
		Info: table.Info{
			Owner:       app.Key(),
			Name:        "contacts",
			Description: "Demo roster of known contacts.",
		},
		Serializer: wire.JSON[contact](),
	}
	contacts, err := table.Register(c.Table, contactsType, true)
	if err != nil {
		logger.Error("register contacts table failed", "error", err)
		os.Exit(1)
	}

	contacts.Listen(func(ctx context.Context, cache *wire.OrderedMap[contact]) {
		logger.Info("contacts table updated", "size", cache.Len())
	})

	if err := contacts.Add(ctx, contact{ID: "1", Name: "Ada Lovelace"}); err != nil {
		logger.Warn("seed contact failed", "error", err)
	}

	if err := registry.Set(ctx, c.Registry, app, "last_started", mustMarshal(time.Now().Format(time.RFC3339))); err != nil {
		logger.Warn("registry set failed", "error", err)
	}

	if raw, err := registry.Get(ctx, c.Registry, app, "last_started"); err == nil {
		logger.Info("registry get", "last_started", string(raw))
	}

	logger.Info("demo running; press Ctrl-C to exit")
	<-ctx.Done()
	logger.Info("demo stopped")
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("omuclient-demo: marshal %T: %v", v, err))
	}
	return data
}
