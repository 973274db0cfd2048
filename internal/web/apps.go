package web

import (
	"net/http"
	"sort"
)

// AppsData is the template context for the connected-apps page.
type AppsData struct {
	ActiveNav string
	BrandName string
	Apps      []AppInfo
}

// handleApps renders the list of currently connected apps, sorted by
// group then name for stable display order.
func (s *WebServer) handleApps(w http.ResponseWriter, r *http.Request) {
	var apps []AppInfo
	if s.source != nil {
		apps = s.source.Apps()
	}

	sort.Slice(apps, func(i, j int) bool {
		if apps[i].Group != apps[j].Group {
			return apps[i].Group < apps[j].Group
		}
		return apps[i].Name < apps[j].Name
	})

	data := AppsData{
		ActiveNav: "apps",
		BrandName: s.brandName,
		Apps:      apps,
	}

	s.render(w, r, "apps.html", data)
}
