package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"github.com/nhy497/rs-system-sub000/internal/client/migrations"
	"github.com/nhy497/rs-system-sub000/internal/dbx"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the area in one SQLite file that several processes may
// open at the same time.
type SQLiteStore struct {
	db    *sql.DB
	quota int64
}

// DSN builds a modernc.org/sqlite data source name with WAL journaling and
// a busy timeout, so sibling processes wait for each other's writes.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

// OpenSQLite opens (creating if needed) the store at path and migrates it.
// A quota of zero or less disables the limit.
func OpenSQLite(ctx context.Context, path string, quota int64) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewSQLiteStore(db, quota), nil
}

// NewSQLiteStore wraps an already migrated database.
func NewSQLiteStore(db *sql.DB, quota int64) *SQLiteStore {
	return &SQLiteStore{db: db, quota: quota}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get kv[%s]: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if s.quota > 0 {
			var used int64
			err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(SUM(length(CAST(value AS BLOB))), 0) FROM kv WHERE key <> ?`, key).Scan(&used)
			if err != nil {
				return fmt.Errorf("failed to measure kv usage: %w", err)
			}
			if used+int64(len(value)) > s.quota {
				return ErrQuotaExceeded
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CAST(strftime('%s', 'now') AS INTEGER) * 1000)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, value)
		if err != nil {
			return fmt.Errorf("failed to set kv[%s]: %w", key, err)
		}
		return nil
	})
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete kv[%s]: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Probe(ctx context.Context) bool {
	if err := s.Set(ctx, probeKey, ""); err != nil {
		return false
	}
	return s.Remove(ctx, probeKey) == nil
}

// Usage returns the number of value bytes currently stored.
func (s *SQLiteStore) Usage(ctx context.Context) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(length(CAST(value AS BLOB))), 0) FROM kv`).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to measure kv usage: %w", err)
	}
	return used, nil
}
