// Package tablestore implements the server-side persistence back
// ends for the table extension: an in-memory ordered dict and a
// SQLite-backed store with an LRU read cache. Grounded on the
// teacher's internal/memory SQLite store for schema/migration style,
// generalized from a chat-message log to a generic ordered key/value
// table.
package tablestore

import (
	"context"
	"sync"

	"github.com/nugget/meshbus/internal/wire"
)

// Store is the server-side persistence contract for one table. Fetch
// implements exclusive-cursor pagination: the returned page is the
// next limit entries whose keys strictly follow cursor in insertion
// order ("" means the first page). An empty page signals the end.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	GetMany(ctx context.Context, keys []string) (*wire.OrderedMap[[]byte], error)
	Set(ctx context.Context, items *wire.OrderedMap[[]byte]) error
	Delete(ctx context.Context, keys []string) error
	Clear(ctx context.Context) error
	Fetch(ctx context.Context, limit int, cursor string) (*wire.OrderedMap[[]byte], error)
	Size(ctx context.Context) (int, error)
	Close() error
}

// Dict is an in-memory Store backed by wire.OrderedMap, used as the
// server's default back end. The server keeps its own bookkeeping
// (registered endpoints, connected sessions) in plain maps, not in Dict.
type Dict struct {
	mu    sync.RWMutex
	items *wire.OrderedMap[[]byte]
}

// NewDict returns an empty Dict store.
func NewDict() *Dict {
	return &Dict{items: wire.NewOrderedMap[[]byte]()}
}

func (d *Dict) Get(ctx context.Context, key string) ([]byte, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.items.Get(key)
	return v, ok, nil
}

func (d *Dict) GetMany(ctx context.Context, keys []string) (*wire.OrderedMap[[]byte], error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := wire.NewOrderedMap[[]byte]()
	for _, k := range keys {
		if v, ok := d.items.Get(k); ok {
			out.Set(k, v)
		}
	}
	return out, nil
}

func (d *Dict) Set(ctx context.Context, items *wire.OrderedMap[[]byte]) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	items.Range(func(k string, v []byte) bool {
		d.items.Set(k, v)
		return true
	})
	return nil
}

func (d *Dict) Delete(ctx context.Context, keys []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		d.items.Delete(k)
	}
	return nil
}

func (d *Dict) Clear(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = wire.NewOrderedMap[[]byte]()
	return nil
}

// Fetch slices the first limit keys strictly after cursor ("" means
// start from the beginning).
func (d *Dict) Fetch(ctx context.Context, limit int, cursor string) (*wire.OrderedMap[[]byte], error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	keys := d.items.Keys()
	start := 0
	if cursor != "" {
		for i, k := range keys {
			if k == cursor {
				start = i + 1
				break
			}
		}
	}

	out := wire.NewOrderedMap[[]byte]()
	for i := start; i < len(keys) && out.Len() < limit; i++ {
		v, _ := d.items.Get(keys[i])
		out.Set(keys[i], v)
	}
	return out, nil
}

func (d *Dict) Size(ctx context.Context) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.items.Len(), nil
}

func (d *Dict) Close() error { return nil }
