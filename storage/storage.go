// Package storage is the engine's single embedded relational store
// (spec section 4.A): collections, requests, environments, runs, results,
// metrics, and config tables in one SQLite database opened in WAL mode with
// aggressive pragmas, since crashes only ever lose in-flight run data.
//
// modernc.org/sqlite is used instead of a cgo binding so the engine binary
// stays a single static executable with no C toolchain dependency, matching
// the "local, privacy-first" deployment model: operators run one file, no
// system SQLite library required.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/vayu-dev/vayu-engine/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// BusyTimeout bounds how long a write waits behind a concurrent writer
// before SQLITE_BUSY is returned to the caller, per spec's retry-with-
// bounded-backoff failure semantics.
const BusyTimeout = 5 * time.Second

// Store wraps the single *sql.DB connection pool backing every repository.
type Store struct {
	DB  *sql.DB
	log *logger.Logger
}

// Open creates (if needed) and opens dataDir/vayu.db in WAL mode, applying
// pending goose migrations. The returned Store owns db and must be closed
// via Close.
func Open(ctx context.Context, dataDir string, log *logger.Logger) (*Store, error) {
	dbPath := filepath.Join(dataDir, "vayu.db")
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=cache_size(-20000)&_pragma=temp_store(MEMORY)&_pragma=busy_timeout(%d)",
		dbPath, BusyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", dbPath, err)
	}
	// SQLite allows only one writer at a time; a single shared connection
	// avoids SQLITE_BUSY churn from Go's connection pool fighting itself.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping %q: %w", dbPath, err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{DB: db, log: log.With("storage")}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("storage: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("storage: run migrations: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.DB.Close()
}

// withRetry retries fn on SQLITE_BUSY-shaped errors with bounded backoff, up
// to BusyTimeout total, per spec's "transient busy errors are retried"
// failure semantics. Unrecoverable errors are returned immediately.
func withRetry(ctx context.Context, fn func() error) error {
	deadline := time.Now().Add(BusyTimeout)
	backoff := 5 * time.Millisecond
	for {
		err := fn()
		if err == nil || !isBusy(err) || time.Now().After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 100*time.Millisecond {
			backoff *= 2
		}
	}
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "database is locked", "SQLITE_BUSY", "busy")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(sub) <= len(s) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
