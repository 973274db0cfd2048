package web

import (
	"bytes"
	"html/template"
	"net/http"
	"sort"

	"github.com/yuin/goldmark"
)

// EndpointRow is EndpointInfo with its Markdown description pre-rendered
// to HTML for the template.
type EndpointRow struct {
	Owner           string
	Name            string
	DescriptionHTML template.HTML
}

// EndpointsData is the template context for the registered-endpoints
// page.
type EndpointsData struct {
	ActiveNav string
	BrandName string
	Endpoints []EndpointRow
}

// handleEndpoints renders the list of registered endpoints, with each
// description converted from Markdown to HTML.
func (s *WebServer) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	var endpoints []EndpointInfo
	if s.source != nil {
		endpoints = s.source.Endpoints()
	}

	sort.Slice(endpoints, func(i, j int) bool {
		if endpoints[i].Owner != endpoints[j].Owner {
			return endpoints[i].Owner < endpoints[j].Owner
		}
		return endpoints[i].Name < endpoints[j].Name
	})

	rows := make([]EndpointRow, 0, len(endpoints))
	for _, e := range endpoints {
		rows = append(rows, EndpointRow{
			Owner:           e.Owner,
			Name:            e.Name,
			DescriptionHTML: s.renderMarkdown(e.Description),
		})
	}

	data := EndpointsData{
		ActiveNav: "endpoints",
		BrandName: s.brandName,
		Endpoints: rows,
	}

	s.render(w, r, "endpoints.html", data)
}

// renderMarkdown converts a Markdown description to sanitized HTML for
// embedding directly in a template with html/template's autoescaping
// bypassed for this one field. goldmark itself does not sanitize
// arbitrary HTML in the input, so descriptions come only from an app's
// own endpoint registration, never from end-user input.
func (s *WebServer) renderMarkdown(src string) template.HTML {
	if src == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(src), &buf); err != nil {
		s.logger.Warn("markdown render failed", "error", err)
		return template.HTML(template.HTMLEscapeString(src))
	}
	return template.HTML(buf.String())
}
