package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend keeps blobs in a single sqlite table.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at dbPath.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initTables() error {
	_, err := b.db.Exec(`
	CREATE TABLE IF NOT EXISTS history (
		room_id    TEXT PRIMARY KEY,
		blob       BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`)
	return err
}

// Put upserts the blob for roomID.
func (b *SQLiteBackend) Put(ctx context.Context, roomID string, blob []byte) error {
	_, err := b.db.ExecContext(ctx, `
	INSERT INTO history (room_id, blob, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(room_id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at
	`, roomID, blob, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

// Get fetches the blob for roomID.
func (b *SQLiteBackend) Get(ctx context.Context, roomID string) ([]byte, bool, error) {
	var blob []byte
	err := b.db.QueryRowContext(ctx, `SELECT blob FROM history WHERE room_id = ?`, roomID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load history: %w", err)
	}
	return blob, true, nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
