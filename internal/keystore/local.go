package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned by LocalStorage when a key is absent.
var ErrNotFound = errors.New("local key not found")

// LocalStorage is device-local persistent key-value storage.
type LocalStorage interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
}

// SQLiteStorage keeps values in a local SQLite table.
type SQLiteStorage struct {
	db *sqlx.DB
}

// NewSQLiteStorage prepares the local_keys table on db.
func NewSQLiteStorage(db *sqlx.DB) (*SQLiteStorage, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS local_keys (
        name TEXT PRIMARY KEY,
        value TEXT NOT NULL
    );`)
	if err != nil {
		return nil, fmt.Errorf("create local_keys: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Get returns the stored value for key.
func (s *SQLiteStorage) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM local_keys WHERE name = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

// Put stores value under key, replacing any previous value.
func (s *SQLiteStorage) Put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO local_keys (name, value) VALUES (?, ?)
        ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}
