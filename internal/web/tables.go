package web

import (
	"net/http"
	"sort"
)

// TablesData is the template context for the registered-tables page.
type TablesData struct {
	ActiveNav string
	BrandName string
	Tables    []TableInfo
}

// handleTables renders the list of registered tables along with their
// live item counts and listener/proxy flags.
func (s *WebServer) handleTables(w http.ResponseWriter, r *http.Request) {
	var tables []TableInfo
	if s.source != nil {
		tables = s.source.Tables()
	}

	sort.Slice(tables, func(i, j int) bool {
		if tables[i].Owner != tables[j].Owner {
			return tables[i].Owner < tables[j].Owner
		}
		return tables[i].Name < tables[j].Name
	})

	data := TablesData{
		ActiveNav: "tables",
		BrandName: s.brandName,
		Tables:    tables,
	}

	s.render(w, r, "tables.html", data)
}
