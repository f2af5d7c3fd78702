package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable cache scope, backed by a single SQLite file. It
// holds state that must survive restarts: the persisted session token, the
// liked-post bookkeeping and the last-viewed-author hint.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	fetched_at INTEGER NOT NULL,
	body       BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS liked (
	post_id  TEXT PRIMARY KEY,
	liked_at INTEGER NOT NULL
);`

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLiteStore opens (creating if needed) the durable store at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply store schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the underlying handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Read implements Store.
func (s *SQLiteStore) Read(key string, maxAge time.Duration) (*Entry, bool) {
	var fetchedAt int64
	var body []byte
	err := s.db.QueryRow(`SELECT fetched_at, body FROM kv WHERE key = ?`, key).Scan(&fetchedAt, &body)
	if err != nil {
		return nil, false
	}
	entry := &Entry{FetchedAt: fromMillis(fetchedAt), Body: json.RawMessage(body)}
	if maxAge > 0 && s.now().Sub(entry.FetchedAt) > maxAge {
		return entry, false
	}
	return entry, true
}

// Write implements Store.
func (s *SQLiteStore) Write(key string, body []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, fetched_at, body) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET fetched_at = excluded.fetched_at, body = excluded.body`,
		key, toMillis(s.now()), body)
	if err != nil {
		return fmt.Errorf("write cache entry %q: %w", key, err)
	}
	return nil
}

// Invalidate implements Store.
func (s *SQLiteStore) Invalidate(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("invalidate cache entry %q: %w", key, err)
	}
	return nil
}

// MarkLiked records post id membership in the durable liked set.
func (s *SQLiteStore) MarkLiked(id string) error {
	_, err := s.db.Exec(`
		INSERT INTO liked (post_id, liked_at) VALUES (?, ?)
		ON CONFLICT(post_id) DO UPDATE SET liked_at = excluded.liked_at`,
		id, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("mark liked %q: %w", id, err)
	}
	return nil
}

// UnmarkLiked removes a post id from the liked set. Removing an absent id is
// not an error.
func (s *SQLiteStore) UnmarkLiked(id string) error {
	_, err := s.db.Exec(`DELETE FROM liked WHERE post_id = ?`, id)
	if err != nil {
		return fmt.Errorf("unmark liked %q: %w", id, err)
	}
	return nil
}

// IsLiked reports liked-set membership.
func (s *SQLiteStore) IsLiked(id string) bool {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM liked WHERE post_id = ?`, id).Scan(&one)
	return err == nil
}

// LikedIDs returns all liked post ids, most recently liked first.
func (s *SQLiteStore) LikedIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT post_id FROM liked ORDER BY liked_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list liked ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetNow overrides the clock. Test hook.
func (s *SQLiteStore) SetNow(now func() time.Time) {
	s.now = now
}
