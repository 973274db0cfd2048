package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type fakeSource struct {
	apps      []AppInfo
	endpoints []EndpointInfo
	tables    []TableInfo
}

func (f fakeSource) Apps() []AppInfo           { return f.apps }
func (f fakeSource) Endpoints() []EndpointInfo { return f.endpoints }
func (f fakeSource) Tables() []TableInfo       { return f.tables }

func newTestServer() *WebServer {
	return NewWebServer(Config{
		BrandName: "meshbus-test",
		Source: fakeSource{
			apps: []AppInfo{
				{Name: "tester", Group: "meshbus-test", Version: "1.0.0", ConnectedAt: time.Now()},
			},
			endpoints: []EndpointInfo{
				{Owner: "meshbus-test", Name: "echo", Description: "Echoes **input** back."},
			},
			tables: []TableInfo{
				{Owner: "meshbus-test", Name: "roster", Size: 3, Listeners: 1},
			},
		},
	})
}

func TestDashboard_FullPage(t *testing.T) {
	ws := newTestServer()
	mux := http.NewServeMux()
	ws.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET / status = %d, want %d", w.Code, http.StatusOK)
	}

	body := w.Body.String()
	for _, want := range []string{"<!DOCTYPE html>", "<nav", "meshbus-test", "1"} {
		if !strings.Contains(body, want) {
			t.Errorf("GET / response missing %q", want)
		}
	}
}

func TestDashboard_HtmxPartial(t *testing.T) {
	ws := newTestServer()
	mux := http.NewServeMux()
	ws.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("HX-Request", "true")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET / (htmx) status = %d, want %d", w.Code, http.StatusOK)
	}
	if body := w.Body.String(); strings.Contains(body, "<!DOCTYPE html>") {
		t.Error("htmx partial should not include the full layout")
	}
}

func TestDashboard_UnknownPathIs404(t *testing.T) {
	ws := newTestServer()
	mux := http.NewServeMux()
	ws.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/nope", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("GET /nope status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestApps_ListsConnectedApps(t *testing.T) {
	ws := newTestServer()
	mux := http.NewServeMux()
	ws.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/apps", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /apps status = %d, want %d", w.Code, http.StatusOK)
	}
	if body := w.Body.String(); !strings.Contains(body, "tester") {
		t.Errorf("GET /apps response missing app name: %s", body)
	}
}

func TestEndpoints_RendersMarkdownDescription(t *testing.T) {
	ws := newTestServer()
	mux := http.NewServeMux()
	ws.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/endpoints", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /endpoints status = %d, want %d", w.Code, http.StatusOK)
	}
	if body := w.Body.String(); !strings.Contains(body, "<strong>input</strong>") {
		t.Errorf("GET /endpoints did not render markdown bold, got: %s", body)
	}
}

func TestTables_ShowsSizeAndListeners(t *testing.T) {
	ws := newTestServer()
	mux := http.NewServeMux()
	ws.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/tables", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /tables status = %d, want %d", w.Code, http.StatusOK)
	}
	if body := w.Body.String(); !strings.Contains(body, "roster") {
		t.Errorf("GET /tables response missing table name: %s", body)
	}
}

func TestDashboard_EmptySource(t *testing.T) {
	ws := NewWebServer(Config{BrandName: "empty"})
	mux := http.NewServeMux()
	ws.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET / with nil source status = %d, want %d", w.Code, http.StatusOK)
	}
}
