package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/researchd/internal/db/dialect"
)

const (
	sqliteBusyTimeout = 5 * time.Second
	sqliteReaderConns = 4
)

// OpenSQLite opens the catalog file at dbPath, creating it and its parent
// directory when missing. The writer uses WAL journaling and a single
// connection; the reader is read-only.
func OpenSQLite(dbPath string) (*Pool, error) {
	path := dbPath
	if abs, err := filepath.Abs(dbPath); err == nil && dbPath != "" {
		path = abs
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	_ = f.Close()

	busy := int(sqliteBusyTimeout / time.Millisecond)
	writer, err := sqlx.Open(dialect.SQLite3, fmt.Sprintf(
		"file:%s?_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL", path, busy))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	// The reader must not open before the writer has switched the file to WAL.
	if err := writer.Ping(); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	reader, err := sqlx.Open(dialect.SQLite3, fmt.Sprintf(
		"file:%s?_mode=ro&_busy_timeout=%d", path, busy))
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(sqliteReaderConns)
	reader.SetMaxIdleConns(sqliteReaderConns)

	return NewPool(writer, reader), nil
}
