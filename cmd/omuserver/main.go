// Package main runs the broker: the WebSocket/HTTP transport, the
// optional admin dashboard, and the optional MQTT presence bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/meshbus/internal/buildinfo"
	"github.com/nugget/meshbus/internal/config"
	"github.com/nugget/meshbus/internal/defaults"
	"github.com/nugget/meshbus/internal/mqtt"
	"github.com/nugget/meshbus/internal/server"
	"github.com/nugget/meshbus/internal/tablestore"
	"github.com/nugget/meshbus/internal/web"
	"github.com/nugget/meshbus/internal/wire"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "init":
			runInit(flag.Args()[1:])
			return
		case "version":
			fmt.Println(buildinfo.String())
			return
		case "serve":
			// fall through to the default server startup below
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
	}

	cfgPath, err := config.FindConfig(*configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded", "path", cfgPath, "listen_port", cfg.Listen.Port, "data_root", cfg.DataRoot)

	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		logger.Error("failed to create data root", "path", cfg.DataRoot, "error", err)
		os.Exit(1)
	}

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataRoot)
	if err != nil {
		logger.Error("failed to load instance id", "error", err)
		os.Exit(1)
	}
	logger.Info("instance id", "id", instanceID)

	storeFactory := newSQLiteStoreFactory(cfg.DataRoot, logger)

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithStoreFactory(storeFactory),
	}

	var bridge *mqtt.Bridge
	if cfg.MQTT.Configured() {
		bridge = mqtt.New(cfg.MQTT, instanceID, nil, logger)
		opts = append(opts, server.WithPresenceHooks(
			func(app wire.App) {
				if err := bridge.PublishAppState(context.Background(), app.Key(), true); err != nil {
					logger.Warn("mqtt publish app online failed", "app", app.Key(), "error", err)
				}
			},
			func(app wire.App) {
				if err := bridge.PublishAppState(context.Background(), app.Key(), false); err != nil {
					logger.Warn("mqtt publish app offline failed", "app", app.Key(), "error", err)
				}
			},
		))
	}

	srv := server.New(opts...)
	if bridge != nil {
		bridge.SetTableSizeSource(srv)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if bridge != nil {
		go func() {
			if err := bridge.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("mqtt bridge stopped", "error", err)
			}
		}()
	}

	brokerHTTP := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		Handler:      srv.Mux(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	var dashboardHTTP *http.Server
	if cfg.Dashboard.Enabled {
		ws := web.NewWebServer(web.Config{
			BrandName: "meshbus",
			Source:    webDataSource{srv},
			Logger:    logger,
		})
		mux := http.NewServeMux()
		ws.RegisterRoutes(mux)
		dashboardHTTP = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Dashboard.Address, cfg.Dashboard.Port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if bridge != nil {
			if err := bridge.Stop(shutdownCtx); err != nil {
				logger.Warn("mqtt bridge shutdown error", "error", err)
			}
		}
		_ = brokerHTTP.Shutdown(shutdownCtx)
		if dashboardHTTP != nil {
			_ = dashboardHTTP.Shutdown(shutdownCtx)
		}
	}()

	if dashboardHTTP != nil {
		go func() {
			logger.Info("starting admin dashboard", "addr", dashboardHTTP.Addr)
			if err := dashboardHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
	}

	logger.Info("starting broker", "addr", brokerHTTP.Addr)
	if err := brokerHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("broker server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("meshbus stopped")
}

// runInit writes the embedded default configuration to disk so a new
// deployment has a starting point to edit. Target defaults to
// "config.yaml" in the current directory; pass a path as the first
// argument to write elsewhere. Refuses to overwrite an existing file.
func runInit(args []string) {
	target := "config.yaml"
	if len(args) > 0 {
		target = args[0]
	}

	if _, err := os.Stat(target); err == nil {
		fmt.Fprintf(os.Stderr, "refusing to overwrite existing file: %s\n", target)
		os.Exit(1)
	}

	if err := os.WriteFile(target, defaults.ConfigYAML, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", target, err)
		os.Exit(1)
	}

	fmt.Printf("wrote default config to %s\n", target)
}

// newSQLiteStoreFactory builds a server.StoreFactory that opens one
// SQLite database per table under <dataRoot>/tables/<key>/data.db.
func newSQLiteStoreFactory(dataRoot string, logger *slog.Logger) server.StoreFactory {
	return func(key string) (tablestore.Store, error) {
		dir := filepath.Join(dataRoot, "tables", key)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create table dir %s: %w", dir, err)
		}
		dsn := filepath.Join(dir, "data.db")
		store, err := tablestore.OpenSQLite(tablestore.DefaultDriver, dsn, 256)
		if err != nil {
			return nil, err
		}
		logger.Info("opened table store", "table", key, "path", dsn)
		return store, nil
	}
}

// webDataSource adapts *server.Server's snapshot methods to
// web.DataSource, converting the server package's plain snapshot
// types into the web package's own display types so neither package
// imports the other.
type webDataSource struct {
	srv *server.Server
}

func (a webDataSource) Apps() []web.AppInfo {
	snaps := a.srv.Apps()
	out := make([]web.AppInfo, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, web.AppInfo{
			Name:        s.Name,
			Group:       s.Group,
			Version:     s.Version,
			ConnectedAt: s.ConnectedAt,
		})
	}
	return out
}

func (a webDataSource) Endpoints() []web.EndpointInfo {
	snaps := a.srv.Endpoints()
	out := make([]web.EndpointInfo, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, web.EndpointInfo{
			Owner:       s.Owner,
			Name:        s.Name,
			Description: s.Description,
		})
	}
	return out
}

func (a webDataSource) Tables() []web.TableInfo {
	snaps := a.srv.Tables()
	out := make([]web.TableInfo, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, web.TableInfo{
			Owner:       s.Owner,
			Name:        s.Name,
			Description: s.Description,
			Size:        s.Size,
			Listeners:   s.Listeners,
			Proxies:     s.Proxies,
		})
	}
	return out
}
