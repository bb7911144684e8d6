package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// currentSchemaVersion is bumped once per released migration. Migrations
// are forward-only and idempotent: each creates its objects with
// existence checks so a partially-migrated database converges.
const currentSchemaVersion = 2

// migration is one numbered schema step.
type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{1, "initial_schema", migrateInitialSchema},
	{2, "annotation_target_index", migrateAnnotationTargetIndex},
}

func (e *Engine) migrate(ctx context.Context) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBError("begin migration", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`); err != nil {
		return wrapDBError("create schema_meta", err)
	}

	version, err := schemaVersion(ctx, tx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if err := m.apply(ctx, tx); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if err := setSchemaVersion(ctx, tx, m.version); err != nil {
			return err
		}
	}
	return wrapDBError("commit migration", tx.Commit())
}

func schemaVersion(ctx context.Context, q querier) (int, error) {
	var v int
	err := q.QueryRowContext(ctx,
		`SELECT CAST(value AS INTEGER) FROM schema_meta WHERE key = 'schema_version'`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, wrapDBError("read schema version", err)
	}
	return v, nil
}

func setSchemaVersion(ctx context.Context, q querier, v int) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, v)
	return wrapDBError("set schema version", err)
}

func migrateInitialSchema(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS blobs (
			content_hash TEXT PRIMARY KEY,
			payload      BLOB NOT NULL,
			byte_size    INTEGER NOT NULL,
			token_count  INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS commits (
			commit_hash       TEXT PRIMARY KEY,
			tract_id          TEXT NOT NULL,
			parent_hash       TEXT REFERENCES commits(commit_hash),
			content_hash      TEXT NOT NULL REFERENCES blobs(content_hash),
			content_type      TEXT NOT NULL,
			operation         TEXT NOT NULL,
			edit_target       TEXT,
			message           TEXT,
			token_count       INTEGER NOT NULL DEFAULT 0,
			metadata          TEXT,
			generation_config TEXT,
			created_at        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commits_tract ON commits(tract_id)`,
		`CREATE INDEX IF NOT EXISTS idx_commits_tract_type ON commits(tract_id, content_type)`,
		`CREATE INDEX IF NOT EXISTS idx_commits_parent ON commits(parent_hash)`,
		`CREATE TABLE IF NOT EXISTS refs (
			tract_id        TEXT NOT NULL,
			ref_name        TEXT NOT NULL,
			commit_hash     TEXT,
			symbolic_target TEXT,
			PRIMARY KEY (tract_id, ref_name)
		)`,
		`CREATE TABLE IF NOT EXISTS annotations (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			tract_id    TEXT NOT NULL,
			target_hash TEXT NOT NULL,
			priority    TEXT NOT NULL,
			reason      TEXT,
			retention   TEXT,
			created_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS commit_parents (
			commit_hash TEXT NOT NULL REFERENCES commits(commit_hash),
			parent_hash TEXT NOT NULL REFERENCES commits(commit_hash),
			position    INTEGER NOT NULL,
			PRIMARY KEY (commit_hash, position)
		)`,
		`CREATE TABLE IF NOT EXISTS tool_schemas (
			content_hash TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			schema       TEXT NOT NULL,
			created_at   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_schemas_name ON tool_schemas(name)`,
		`CREATE TABLE IF NOT EXISTS commit_tools (
			commit_hash TEXT NOT NULL REFERENCES commits(commit_hash),
			tool_hash   TEXT NOT NULL REFERENCES tool_schemas(content_hash),
			position    INTEGER NOT NULL,
			PRIMARY KEY (commit_hash, position)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateAnnotationTargetIndex(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_annotations_target ON annotations(target_hash, created_at)`)
	return err
}
