package web

import (
	"net/http"
	"time"
)

// DashboardData is the template context for the overview page.
type DashboardData struct {
	ActiveNav     string
	BrandName     string
	Uptime        time.Duration
	AppCount      int
	EndpointCount int
	TableCount    int
}

// handleDashboard renders the overview page at "/". Only exact "/"
// requests get the dashboard; all other paths return 404.
func (s *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := DashboardData{
		ActiveNav: "overview",
		BrandName: s.brandName,
		Uptime:    time.Since(s.startedAt),
	}

	if s.source != nil {
		data.AppCount = len(s.source.Apps())
		data.EndpointCount = len(s.source.Endpoints())
		data.TableCount = len(s.source.Tables())
	}

	s.render(w, r, "dashboard.html", data)
}
