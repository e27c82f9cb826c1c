package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteBackend persists checkpoints to SQLite.
// It is suitable for single-process production use.
type SQLiteBackend struct {
	db     *sql.DB
	mu     sync.RWMutex
	now    func() time.Time
	closed bool
}

// NewSQLiteBackend opens (or creates) a SQLite checkpoint database.
// The path should be a file path (e.g., "./checkpoints.db") or ":memory:" for testing.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// :memory: databases are per connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoint_records (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_checkpoint_records_expires
		ON checkpoint_records(expires_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteBackend{db: db, now: time.Now}, nil
}

// WithClock replaces the time source used for expiry. Intended for tests.
func (s *SQLiteBackend) WithClock(now func() time.Time) *SQLiteBackend {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

func (s *SQLiteBackend) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixNano()
}

const upsertRecord = `
	INSERT INTO checkpoint_records (key, value, expires_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		expires_at = excluded.expires_at
`

// Set implements Backend.
func (s *SQLiteBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.ExecContext(ctx, upsertRecord, key, value, s.expiry(ttl)); err != nil {
		return fmt.Errorf("save checkpoint record: %w", err)
	}
	return nil
}

// SetAll implements Backend in a single transaction.
func (s *SQLiteBackend) SetAll(ctx context.Context, records []Record, ttl time.Duration) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint write: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	expires := s.expiry(ttl)
	for _, r := range records {
		if _, err = tx.ExecContext(ctx, upsertRecord, r.Key, r.Value, expires); err != nil {
			return fmt.Errorf("save checkpoint record: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint write: %w", err)
	}
	return nil
}

// Get implements Backend.
func (s *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM checkpoint_records
		WHERE key = ? AND (expires_at = 0 OR expires_at > ?)
	`, key, s.now().UnixNano()).Scan(&data)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint record: %w", err)
	}
	return data, nil
}

// Delete implements Backend.
func (s *SQLiteBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM checkpoint_records WHERE key IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("delete checkpoint records: %w", err)
	}
	return nil
}

// Scan implements Backend. Expired rows are purged first.
func (s *SQLiteBackend) Scan(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	now := s.now().UnixNano()
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoint_records WHERE expires_at != 0 AND expires_at <= ?
	`, now); err != nil {
		return nil, fmt.Errorf("purge expired checkpoints: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM checkpoint_records
		WHERE instr(key, ?) = 1
		ORDER BY key
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("scan checkpoints: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan checkpoint key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return keys, nil
}

// Ping implements Backend.
func (s *SQLiteBackend) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}

// Close implements Backend.
func (s *SQLiteBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
