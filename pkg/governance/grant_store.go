package governance

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"
)

// GrantStore keeps persistent permission grants.
type GrantStore interface {
	IsAllowed(ctx context.Context, key string) (bool, error)
	Allow(ctx context.Context, key string) error
	Disallow(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// MemoryGrantStore is a GrantStore that lives as long as the process.
type MemoryGrantStore struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewMemoryGrantStore creates an empty store.
func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{keys: make(map[string]struct{})}
}

func (s *MemoryGrantStore) IsAllowed(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[key]
	return ok, nil
}

func (s *MemoryGrantStore) Allow(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = struct{}{}
	return nil
}

func (s *MemoryGrantStore) Disallow(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

func (s *MemoryGrantStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// DefaultGrantTable is the table used by SQLiteGrantStore.
const DefaultGrantTable = "koder_permissions"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteGrantStore persists grants in a SQLite database. The caller opens
// the database with the "sqlite" driver (modernc.org/sqlite).
type SQLiteGrantStore struct {
	db    *sql.DB
	table string
}

// NewSQLiteGrantStore creates the grants table if needed.
func NewSQLiteGrantStore(ctx context.Context, db *sql.DB, table string) (*SQLiteGrantStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if table == "" {
		table = DefaultGrantTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		grant_key TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	)`, table)
	if _, err := db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create %s: %w", table, err)
	}
	return &SQLiteGrantStore{db: db, table: table}, nil
}

func (s *SQLiteGrantStore) IsAllowed(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(1) FROM %s WHERE grant_key = ?", s.table), key,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteGrantStore) Allow(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT OR IGNORE INTO %s (grant_key, created_at) VALUES (?, ?)", s.table),
		key, time.Now().UTC().UnixMilli(),
	)
	return err
}

func (s *SQLiteGrantStore) Disallow(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE grant_key = ?", s.table), key,
	)
	return err
}

func (s *SQLiteGrantStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT grant_key FROM %s ORDER BY grant_key", s.table),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
