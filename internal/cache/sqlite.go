package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	ttl_ms     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_created_at ON cache_entries(created_at);
`

type sqliteBacking struct {
	db *sql.DB
}

// NewSQLite opens a sqlite database file and ensures the entries table exists.
func NewSQLite(path string) (Backing, error) {
	if path == "" {
		return nil, errors.New("cache: sqlite path required")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cache: sqlite open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: sqlite schema: %w", err)
	}
	return &sqliteBacking{db: db}, nil
}

func (b *sqliteBacking) Load(ctx context.Context, key string) (Entry, bool, error) {
	var (
		value     []byte
		createdAt int64
		ttlMillis int64
	)
	row := b.db.QueryRowContext(ctx, `SELECT value, created_at, ttl_ms FROM cache_entries WHERE key = ?`, key)
	if err := row.Scan(&value, &createdAt, &ttlMillis); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: sqlite get: %w", err)
	}
	return Entry{
		Key:       key,
		Value:     value,
		CreatedAt: time.UnixMilli(createdAt),
		TTL:       time.Duration(ttlMillis) * time.Millisecond,
	}, true, nil
}

func (b *sqliteBacking) Save(ctx context.Context, entry Entry) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (key, value, created_at, ttl_ms) VALUES (?, ?, ?, ?)`,
		entry.Key, entry.Value, entry.CreatedAt.UnixMilli(), entry.TTL.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("cache: sqlite put: %w", err)
	}
	return nil
}

func (b *sqliteBacking) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache: sqlite delete: %w", err)
	}
	return nil
}

func (b *sqliteBacking) DeletePrefix(ctx context.Context, prefix string) error {
	var err error
	if prefix == "" {
		_, err = b.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	} else {
		_, err = b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE substr(key, 1, length(?)) = ?`, prefix, prefix)
	}
	if err != nil {
		return fmt.Errorf("cache: sqlite delete prefix: %w", err)
	}
	return nil
}

func (b *sqliteBacking) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cache: sqlite cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache: sqlite cleanup rows: %w", err)
	}
	return int(n), nil
}

func (b *sqliteBacking) Close() error {
	return b.db.Close()
}
