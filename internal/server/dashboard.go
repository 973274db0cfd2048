package server

import (
	"context"
	"time"
)

// AppSnapshot is a read-only view of one connected App, for the admin
// dashboard.
type AppSnapshot struct {
	Name        string
	Group       string
	Version     string
	ConnectedAt time.Time
}

// EndpointSnapshot is a read-only view of one registered endpoint, for
// the admin dashboard. Description is authored as Markdown by the
// registering App.
type EndpointSnapshot struct {
	Owner       string
	Name        string
	Description string
}

// TableSnapshot is a read-only view of one registered table, for the
// admin dashboard.
type TableSnapshot struct {
	Owner       string
	Name        string
	Description string
	Size        int
	Listeners   int
	Proxies     int
}

// Apps returns a snapshot of every currently connected App. Ordering
// for display is left to the caller.
func (s *Server) Apps() []AppSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AppSnapshot, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, AppSnapshot{
			Name:        sess.App.Name,
			Group:       sess.App.Group,
			Version:     sess.App.Version,
			ConnectedAt: sess.ConnectedAt,
		})
	}
	return out
}

// Endpoints returns a snapshot of every registered endpoint.
func (s *Server) Endpoints() []EndpointSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EndpointSnapshot, 0, len(s.endpoints))
	for _, route := range s.endpoints {
		out = append(out, EndpointSnapshot{
			Owner:       route.info.Owner,
			Name:        route.info.Name,
			Description: route.info.Description,
		})
	}
	return out
}

// Tables returns a snapshot of every registered table, including its
// live item count.
func (s *Server) Tables() []TableSnapshot {
	s.mu.Lock()
	tables := make([]*serverTable, 0, len(s.tables))
	for _, t := range s.tables {
		tables = append(tables, t)
	}
	s.mu.Unlock()

	out := make([]TableSnapshot, 0, len(tables))
	for _, t := range tables {
		t.mu.Lock()
		size, _ := t.store.Size(context.Background())
		snap := TableSnapshot{
			Owner:       t.info.Owner,
			Name:        t.info.Name,
			Description: t.info.Description,
			Size:        size,
			Listeners:   len(t.listeners),
			Proxies:     len(t.proxies),
		}
		t.mu.Unlock()
		out = append(out, snap)
	}
	return out
}

// TableSizes returns every registered table's live item count keyed by
// "owner:name". It satisfies the mqtt package's TableSizeSource
// interface by structural typing.
func (s *Server) TableSizes() map[string]int {
	sizes := make(map[string]int)
	for _, t := range s.Tables() {
		sizes[t.Owner+":"+t.Name] = t.Size
	}
	return sizes
}
