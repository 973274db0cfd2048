// Package web provides a read-only admin dashboard for the broker:
// connected apps, registered endpoints and tables, and basic counts.
// It has no write operations and no authentication, by design — it is
// meant to be reached over a trusted network alongside the broker
// itself, not exposed publicly.
package web

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"time"
)

//go:embed static/*
var staticFiles embed.FS

// DataSource supplies the live broker state the dashboard renders. The
// concrete adapter lives in cmd/omuserver's main.go, wrapping
// *server.Server, so this package never imports the server package.
type DataSource interface {
	Apps() []AppInfo
	Endpoints() []EndpointInfo
	Tables() []TableInfo
}

// AppInfo is a connected App as shown on the dashboard.
type AppInfo struct {
	Name        string
	Group       string
	Version     string
	ConnectedAt time.Time
}

// EndpointInfo is a registered endpoint as shown on the dashboard.
// Description is authored as Markdown and rendered to HTML for display.
type EndpointInfo struct {
	Owner       string
	Name        string
	Description string
}

// TableInfo is a registered table as shown on the dashboard.
type TableInfo struct {
	Owner       string
	Name        string
	Description string
	Size        int
	Listeners   int
	Proxies     int
}

// Config configures a WebServer.
type Config struct {
	BrandName string
	Source    DataSource
	Logger    *slog.Logger
}

// WebServer renders the admin dashboard.
type WebServer struct {
	brandName string
	source    DataSource
	logger    *slog.Logger
	templates map[string]*template.Template
	startedAt time.Time
}

// NewWebServer builds a WebServer from the given Config. It parses and
// caches every page template at construction time, panicking on a
// template syntax error so that startup fails fast rather than on
// first request.
func NewWebServer(cfg Config) *WebServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	brand := cfg.BrandName
	if brand == "" {
		brand = "meshbus"
	}

	return &WebServer{
		brandName: brand,
		source:    cfg.Source,
		logger:    logger,
		templates: loadTemplates(),
		startedAt: time.Now(),
	}
}

// RegisterRoutes mounts the dashboard's pages and static assets on mux.
func (s *WebServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleDashboard)
	mux.HandleFunc("/apps", s.handleApps)
	mux.HandleFunc("/endpoints", s.handleEndpoints)
	mux.HandleFunc("/tables", s.handleTables)
	mux.Handle("/static/", http.FileServer(http.FS(staticFiles)))
}
