package tablestore

import (
	"container/list"
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/meshbus/internal/wire"
)

// DefaultDriver is the production SQLite driver, registered by the
// blank import above. Tests substitute "sqlite" (modernc.org/sqlite)
// to avoid a cgo dependency; see sqlite_test.go.
const DefaultDriver = "sqlite3"

// SQLite is a persistent Store: one file per table under
// <data_root>/tables/<key>/data.db, with an LRU cache of decoded
// values in front of reads.
type SQLite struct {
	db *sql.DB

	mu        sync.Mutex
	cache     map[string]*list.Element
	lru       *list.List
	cacheSize int
}

type cacheEntry struct {
	key   string
	value []byte
}

// OpenSQLite opens (creating if absent) a SQLite-backed store at dsn
// using driver, and ensures its schema exists. cacheSize bounds the
// LRU read cache; 0 disables caching.
func OpenSQLite(driver, dsn string, cacheSize int) (*SQLite, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("tablestore: open %s: %w", dsn, err)
	}

	s := &SQLite{
		db:        db,
		cache:     make(map[string]*list.Element),
		lru:       list.New(),
		cacheSize: cacheSize,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS items (
			key   TEXT PRIMARY KEY,
			seq   INTEGER,
			value BLOB
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_items_seq ON items(seq);
	`)
	return err
}

func (s *SQLite) nextSeq(tx *sql.Tx) (int64, error) {
	var max sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM items`).Scan(&max); err != nil {
		return 0, err
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

func (s *SQLite) cacheGet(key string) ([]byte, bool) {
	if s.cacheSize <= 0 {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.cache[key]
	if !ok {
		return nil, false
	}
	s.lru.MoveToFront(el)
	return el.Value.(*cacheEntry).value, true
}

func (s *SQLite) cachePut(key string, value []byte) {
	if s.cacheSize <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.cache[key]; ok {
		el.Value.(*cacheEntry).value = value
		s.lru.MoveToFront(el)
		return
	}
	el := s.lru.PushFront(&cacheEntry{key: key, value: value})
	s.cache[key] = el
	for s.lru.Len() > s.cacheSize {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		s.lru.Remove(oldest)
		delete(s.cache, oldest.Value.(*cacheEntry).key)
	}
}

func (s *SQLite) cacheEvict(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.cache[key]; ok {
		s.lru.Remove(el)
		delete(s.cache, key)
	}
}

func (s *SQLite) cacheClear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*list.Element)
	s.lru = list.New()
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok := s.cacheGet(key); ok {
		return v, true, nil
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM items WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("tablestore: get %s: %w", key, err)
	}
	s.cachePut(key, value)
	return value, true, nil
}

func (s *SQLite) GetMany(ctx context.Context, keys []string) (*wire.OrderedMap[[]byte], error) {
	out := wire.NewOrderedMap[[]byte]()
	for _, k := range keys {
		if v, ok, err := s.Get(ctx, k); err != nil {
			return nil, err
		} else if ok {
			out.Set(k, v)
		}
	}
	return out, nil
}

func (s *SQLite) Set(ctx context.Context, items *wire.OrderedMap[[]byte]) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tablestore: begin: %w", err)
	}
	defer tx.Rollback()

	var setErr error
	items.Range(func(k string, v []byte) bool {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM items WHERE key = ?`, k).Scan(new(int)); err == nil {
			exists = true
		}
		if exists {
			if _, err := tx.ExecContext(ctx, `UPDATE items SET value = ? WHERE key = ?`, v, k); err != nil {
				setErr = fmt.Errorf("tablestore: update %s: %w", k, err)
				return false
			}
		} else {
			seq, err := s.nextSeq(tx)
			if err != nil {
				setErr = err
				return false
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO items (key, seq, value) VALUES (?, ?, ?)`, k, seq, v); err != nil {
				setErr = fmt.Errorf("tablestore: insert %s: %w", k, err)
				return false
			}
		}
		return true
	})
	if setErr != nil {
		return setErr
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tablestore: commit: %w", err)
	}

	items.Range(func(k string, v []byte) bool { s.cachePut(k, v); return true })
	return nil
}

func (s *SQLite) Delete(ctx context.Context, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tablestore: begin: %w", err)
	}
	defer tx.Rollback()

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE key = ?`, k); err != nil {
			return fmt.Errorf("tablestore: delete %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tablestore: commit: %w", err)
	}

	for _, k := range keys {
		s.cacheEvict(k)
	}
	return nil
}

func (s *SQLite) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM items`); err != nil {
		return fmt.Errorf("tablestore: clear: %w", err)
	}
	s.cacheClear()
	return nil
}

// Fetch paginates over the persistent keys ordered by seq, returning
// up to limit entries with seq strictly greater than cursor's seq
// ("" cursor starts from the beginning).
func (s *SQLite) Fetch(ctx context.Context, limit int, cursor string) (*wire.OrderedMap[[]byte], error) {
	var cursorSeq int64 = 0
	if cursor != "" {
		if err := s.db.QueryRowContext(ctx, `SELECT seq FROM items WHERE key = ?`, cursor).Scan(&cursorSeq); err != nil {
			if err == sql.ErrNoRows {
				return wire.NewOrderedMap[[]byte](), nil
			}
			return nil, fmt.Errorf("tablestore: fetch cursor %s: %w", cursor, err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM items WHERE seq > ? ORDER BY seq ASC LIMIT ?`, cursorSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("tablestore: fetch: %w", err)
	}
	defer rows.Close()

	out := wire.NewOrderedMap[[]byte]()
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("tablestore: scan: %w", err)
		}
		out.Set(key, value)
		s.cachePut(key, value)
	}
	return out, rows.Err()
}

func (s *SQLite) Size(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("tablestore: size: %w", err)
	}
	return n, nil
}

func (s *SQLite) Close() error { return s.db.Close() }
