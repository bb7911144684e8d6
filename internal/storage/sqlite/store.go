// Package sqlite implements the embedded SQL storage backend over
// ncruces/go-sqlite3 (CGo-free, wazero-compiled SQLite). One Engine owns
// one *sql.DB limited to a single connection; every facade call runs in
// one sql.Tx, coordinated across processes by a sidecar flock plus WAL
// journaling and a busy timeout.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/tract-dev/trace/internal/storage"
)

// lockRetryDelay is how often a blocked Begin re-polls the sidecar flock.
const lockRetryDelay = 50 * time.Millisecond

// Engine is the storage.Engine for the embedded SQL backend.
type Engine struct {
	db     *sql.DB
	dbPath string
	lock   *flock.Flock
}

// Open creates or opens the database at dbPath, runs forward-only
// migrations, and returns a ready Engine. The parent directory is
// created if missing.
func Open(dbPath string) (*Engine, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=5000&_foreign_keys=1", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// A single connection keeps sql.Tx semantics aligned with SQLite's
	// one-writer model.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	e := &Engine{
		db:     db,
		dbPath: dbPath,
		lock:   flock.New(dbPath + ".lock"),
	}
	if err := e.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}

// Begin acquires the cross-process write lock, then opens one sql.Tx.
// Concurrent readers in other processes are served by WAL snapshots;
// the flock serializes writer transactions.
func (e *Engine) Begin(ctx context.Context) (storage.Tx, error) {
	locked, err := e.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquire db lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("acquire db lock: %s held elsewhere", e.lock.Path())
	}
	sqlTx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		e.lock.Unlock()
		return nil, wrapDBError("begin transaction", err)
	}
	return &tx{tx: sqlTx, lock: e.lock}, nil
}

func (e *Engine) Close() error {
	e.lock.Unlock()
	return e.db.Close()
}

// tx is one transaction's storage.Session.
type tx struct {
	tx   *sql.Tx
	lock *flock.Flock
	done bool
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.lock.Unlock()
	return wrapDBError("commit transaction", t.tx.Commit())
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.lock.Unlock()
	return wrapDBError("rollback transaction", t.tx.Rollback())
}

// Flush is a no-op: writes in a sql.Tx are immediately visible to later
// statements in the same transaction.
func (t *tx) Flush(ctx context.Context) error { return nil }

func (t *tx) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, t.tx)
}

func (t *tx) SetSchemaVersion(ctx context.Context, v int) error {
	return setSchemaVersion(ctx, t.tx, v)
}

func (t *tx) Blobs() storage.BlobRepository                 { return blobRepo{t.tx} }
func (t *tx) Commits() storage.CommitRepository             { return commitRepo{t.tx} }
func (t *tx) Refs() storage.RefRepository                   { return refRepo{t.tx} }
func (t *tx) Annotations() storage.AnnotationRepository     { return annotationRepo{t.tx} }
func (t *tx) CommitParents() storage.CommitParentRepository { return commitParentRepo{t.tx} }
func (t *tx) ToolSchemas() storage.ToolSchemaRepository     { return toolSchemaRepo{t.tx} }

var _ storage.Engine = (*Engine)(nil)

// querier is the subset of *sql.Tx the repositories use, kept narrow so
// migrations can share helpers with a raw *sql.DB where needed.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// timeFormat is the stored timestamp form. RFC3339Nano trims trailing
// zeros, so stored strings are parsed back before any ordering decision
// rather than compared lexically.
const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// nullable maps "" to SQL NULL so empty parent/edit-target hashes are
// stored as real NULLs and FK checks stay meaningful.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNull(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}
