package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteBackend is the local-only store. It does not account bytes in use;
// the Manager reports 0 for it.
type SQLiteBackend struct {
	area   Area
	db     *sql.DB
	dbPath string
}

// NewSQLiteBackend opens or creates the database at path. ":memory:" is accepted.
func NewSQLiteBackend(area Area, path string) (*SQLiteBackend, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	s := &SQLiteBackend{area: area, db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteBackend) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

// Area returns the backend role.
func (s *SQLiteBackend) Area() Area { return s.area }

// Path returns the database path.
func (s *SQLiteBackend) Path() string { return s.dbPath }

// Get returns decoded entries for keys, or all entries when keys is nil.
func (s *SQLiteBackend) Get(ctx context.Context, keys []string) (map[string]any, error) {
	query := "SELECT key, value FROM settings"
	var args []any
	if keys != nil {
		if len(keys) == 0 {
			return map[string]any{}, nil
		}
		query += " WHERE key IN (" + placeholders(len(keys)) + ")"
		for _, k := range keys {
			args = append(args, k)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	result := make(map[string]any)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		v, err := decodeValue([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		result[key] = v
	}
	return result, rows.Err()
}

// Set upserts items in one transaction.
func (s *SQLiteBackend) Set(ctx context.Context, items map[string]any) error {
	encoded := make(map[string]string, len(items))
	for key, value := range items {
		data, err := encodeValue(value)
		if err != nil {
			return err
		}
		encoded[key] = string(data)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`)
		if err != nil {
			return fmt.Errorf("failed to prepare upsert: %w", err)
		}
		defer stmt.Close()

		for key, raw := range encoded {
			if _, err := stmt.ExecContext(ctx, key, raw); err != nil {
				return fmt.Errorf("failed to write %q: %w", key, err)
			}
		}
		return nil
	})
}

// Remove deletes keys; missing keys are ignored.
func (s *SQLiteBackend) Remove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM settings WHERE key IN ("+placeholders(len(keys))+")", args...)
	if err != nil {
		return fmt.Errorf("failed to remove settings: %w", err)
	}
	return nil
}

// Clear deletes every entry.
func (s *SQLiteBackend) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM settings"); err != nil {
		return fmt.Errorf("failed to clear settings: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
