// Package db opens the embedded SQLite store with the connection settings the
// orchestration core depends on: foreign keys enforced, WAL journaling on
// file-backed stores, and a single-writer/multi-reader split.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// defaultReaderConns is the number of concurrent read connections.
	// WAL mode allows many readers alongside the single writer.
	defaultReaderConns = 4
)

// MemoryPath selects an in-memory store instead of a file-backed one.
const MemoryPath = ":memory:"

// Open opens dbPath and returns a Pool with a single-connection writer and,
// for file-backed stores, a read-only reader pool. In-memory stores share one
// connection for both sides since each connection would otherwise see its own
// empty database.
func Open(dbPath string) (*Pool, error) {
	if dbPath == MemoryPath {
		mem, err := openMemory()
		if err != nil {
			return nil, err
		}
		return NewPool(mem, mem), nil
	}

	writer, err := openWriter(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := openReader(dbPath)
	if err != nil {
		writer.Close()
		return nil, err
	}
	return NewPool(writer, reader), nil
}

func openMemory() (*sqlx.DB, error) {
	// A named shared-cache memory database keeps the schema visible even if
	// database/sql recycles the underlying connection.
	dsn := fmt.Sprintf(
		"file:caw-%d?mode=memory&cache=shared&_foreign_keys=on&_busy_timeout=%d",
		time.Now().UnixNano(),
		int(defaultBusyTimeout/time.Millisecond),
	)
	mem, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	mem.SetMaxOpenConns(1)
	mem.SetMaxIdleConns(1)
	return mem, nil
}

func openWriter(dbPath string) (*sqlx.DB, error) {
	normalizedPath := normalizePath(dbPath)
	if err := ensureDir(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	// Writer DSN settings:
	// - foreign_keys=on: enforce FK constraints consistently.
	// - busy_timeout: wait on locks instead of failing with SQLITE_BUSY.
	// - journal_mode=WAL: readers proceed alongside the single writer.
	// - synchronous=NORMAL: reasonable durability/perf tradeoff.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		normalizedPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	writer, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	return writer, nil
}

func openReader(dbPath string) (*sqlx.DB, error) {
	normalizedPath := normalizePath(dbPath)

	// Reader DSN: FK enforcement still on; journal_mode and synchronous are
	// database-level settings owned by the writer.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_busy_timeout=%d",
		normalizedPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	reader, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open reader pool: %w", err)
	}

	reader.SetMaxOpenConns(defaultReaderConns)
	reader.SetMaxIdleConns(defaultReaderConns)

	return reader, nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
