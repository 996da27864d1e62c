package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
    key        TEXT PRIMARY KEY,
    subject    TEXT NOT NULL,
    kind       TEXT NOT NULL,
    data       BLOB NOT NULL,
    expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_subject ON cache_entries(subject);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at);
`

// SQLiteStore persists cache entries in a SQLite database, tuned for
// speed over durability since everything here is reconstructible.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the cache database at path.
// "file:" URIs pass through untouched so tests can use in-memory databases.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if !strings.HasPrefix(path, "file:") {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve cache database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache database directory: %w", err)
		}
		path = abs
	}

	connStr := path + "?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(OFF)" +
		"&_pragma=auto_vacuum(FULL)" +
		"&_pragma=temp_store(MEMORY)"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(cacheSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply cache schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(key string) (*Entry, error) {
	return s.get(key, true)
}

func (s *SQLiteStore) GetStale(key string) (*Entry, error) {
	return s.get(key, false)
}

func (s *SQLiteStore) get(key string, freshOnly bool) (*Entry, error) {
	query := "SELECT key, subject, kind, data, expires_at FROM cache_entries WHERE key = ?"
	args := []interface{}{key}
	if freshOnly {
		query += " AND expires_at > ?"
		args = append(args, time.Now().Unix())
	}

	var e Entry
	var expiresAt int64
	var kind string
	err := s.db.QueryRow(query, args...).Scan(&e.Key, &e.Subject, &kind, &e.Data, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	e.Kind = Kind(kind)
	e.ExpiresAt = time.Unix(expiresAt, 0)
	return &e, nil
}

func (s *SQLiteStore) Set(entry Entry) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO cache_entries (key, subject, kind, data, expires_at) VALUES (?, ?, ?, ?, ?)",
		entry.Key, entry.Subject, string(entry.Kind), entry.Data, entry.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(keys))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	_, err := s.db.Exec("DELETE FROM cache_entries WHERE key IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("failed to delete cache entries: %w", err)
	}
	return nil
}

func (s *SQLiteStore) KeysForSubject(subject string) ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM cache_entries WHERE subject = ?", subject)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys for subject: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan cache key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cache keys: %w", err)
	}
	return keys, nil
}

func (s *SQLiteStore) DeleteExpired() (int64, error) {
	res, err := s.db.Exec("DELETE FROM cache_entries WHERE expires_at <= ?", time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted cache entries: %w", err)
	}
	return deleted, nil
}

func (s *SQLiteStore) Count() (int64, map[Kind]int64, error) {
	rows, err := s.db.Query(
		"SELECT kind, COUNT(*) FROM cache_entries WHERE expires_at > ? GROUP BY kind",
		time.Now().Unix(),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to count cache entries: %w", err)
	}
	defer rows.Close()

	byKind := make(map[Kind]int64)
	var total int64
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return 0, nil, fmt.Errorf("failed to scan cache count: %w", err)
		}
		byKind[Kind(kind)] = n
		total += n
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("failed to iterate cache counts: %w", err)
	}
	return total, byKind, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
