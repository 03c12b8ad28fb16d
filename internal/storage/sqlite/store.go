// Package sqlite is the Store implementation backed by an embedded SQLite
// database (via the pure-Go ncruces/go-sqlite3 driver, so the engine never
// needs cgo). It owns schema creation/versioning, transactions, referential
// integrity, and indexes described in the store's contract.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

// SQLiteStorage is the Store implementation used by every engine component.
type SQLiteStorage struct {
	db     *sql.DB
	dbPath string
}

// Open opens (creating if needed) the memory database at dbPath, applies
// pragmas for WAL mode and foreign keys, creates the schema, and runs any
// pending migrations.
func Open(ctx context.Context, dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}

	// A single writer, many readers: SQLite serializes writes regardless, so
	// keep the pool small to avoid spurious SQLITE_BUSY churn.
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping memory database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &SQLiteStorage{db: db, dbPath: dbPath}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStorage) Close() error { return s.db.Close() }

// execer is the subset of *sql.DB / *sql.Conn methods the query helpers use,
// so the same helper works whether or not a transaction is in flight.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type connKeyType struct{}

var connKey = connKeyType{}

// conn resolves to the connection WithTx bound into ctx, or the pool handle
// if no transaction is in flight (single-statement writes and all reads).
func (s *SQLiteStorage) conn(ctx context.Context) execer {
	if c, ok := ctx.Value(connKey).(*sql.Conn); ok && c != nil {
		return c
	}
	return s.db
}

// WithTx runs fn with a write transaction bound to ctx: every Store method
// called with the context fn receives reuses that same connection/
// transaction, so a multi-row write (e.g. create frame + record event, or
// close frame + write digest + final anchors) commits or rolls back as one
// unit. Nested WithTx calls reuse the enclosing transaction.
//
// BEGIN/COMMIT are driven manually over a dedicated *sql.Conn rather than
// through database/sql's Tx type: database/sql doesn't expose transaction
// modes through BeginTx, and the ncruces driver's BeginTx always opens
// DEFERRED, which is too weak to serialize concurrent ID generation. BEGIN
// IMMEDIATE acquires the RESERVED lock up front instead.
func (s *SQLiteStorage) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, already := ctx.Value(connKey).(*sql.Conn); already {
		return fn(ctx)
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return types.NewError("begin transaction", types.KindTransientIO, err)
	}
	defer conn.Close()

	if err := beginImmediateWithRetry(ctx, conn); err != nil {
		return types.NewError("begin transaction", types.KindTransientIO, err)
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(context.WithValue(ctx, connKey, conn)); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return types.NewError("commit transaction", types.KindTransientIO, err)
	}
	committed = true
	return nil
}

// beginImmediateWithRetry starts an IMMEDIATE transaction on conn, retrying
// with backoff on SQLITE_BUSY the way the rest of the ecosystem's
// SQLite-backed stores do.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn) error {
	backoff := 10 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("begin immediate: %w", lastErr)
}
