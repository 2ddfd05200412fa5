package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const createPricesTableSQL = `
CREATE TABLE IF NOT EXISTS prices (
	"id" TEXT NOT NULL PRIMARY KEY,
	"price" INTEGER NOT NULL,
	"updated_at" DATETIME NOT NULL
);`

// SQLiteStore is a file-backed store for deployments without Redis.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates if needed) the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite %s: %w", ErrUnavailable, path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping sqlite %s: %w", ErrUnavailable, path, err)
	}
	if _, err := db.ExecContext(ctx, createPricesTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create prices table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (int, bool, error) {
	var price int
	err := s.db.QueryRowContext(ctx, `SELECT price FROM prices WHERE id = ?`, id).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return price, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, id string, price int) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO prices (id, price, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		price=excluded.price,
		updated_at=excluded.updated_at;`,
		id, price, time.Now().UTC(),
	)
	return err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
