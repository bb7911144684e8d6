package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/tract-dev/trace/internal/toolschema"
)

type toolSchemaRepo struct{ q querier }

func (r toolSchemaRepo) Store(ctx context.Context, ts *toolschema.ToolSchema) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO tool_schemas (content_hash, name, schema, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING`,
		ts.ContentHash, ts.Name, string(ts.Schema), formatTime(ts.CreatedAt))
	return wrapDBError("store tool schema", err)
}

func (r toolSchemaRepo) Get(ctx context.Context, hash string) (*toolschema.ToolSchema, error) {
	var ts toolschema.ToolSchema
	var schema, createdAt string
	err := r.q.QueryRowContext(ctx, `
		SELECT content_hash, name, schema, created_at
		FROM tool_schemas WHERE content_hash = ?`, hash,
	).Scan(&ts.ContentHash, &ts.Name, &schema, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("get tool schema", err)
	}
	ts.Schema = json.RawMessage(schema)
	ts.CreatedAt = parseTime(createdAt)
	return &ts, nil
}

func (r toolSchemaRepo) LinkToCommit(ctx context.Context, commitHash, toolHash string, position int) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO commit_tools (commit_hash, tool_hash, position)
		VALUES (?, ?, ?)`, commitHash, toolHash, position)
	return wrapDBError("link tool schema", err)
}

func (r toolSchemaRepo) GetCommitToolHashes(ctx context.Context, commitHash string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT tool_hash FROM commit_tools
		WHERE commit_hash = ? ORDER BY position`, commitHash)
	if err != nil {
		return nil, wrapDBError("commit tool hashes", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, wrapDBError("scan tool hash", err)
		}
		out = append(out, h)
	}
	return out, wrapDBError("iterate tool hashes", rows.Err())
}

func (r toolSchemaRepo) GetForCommit(ctx context.Context, commitHash string) ([]*toolschema.ToolSchema, error) {
	hashes, err := r.GetCommitToolHashes(ctx, commitHash)
	if err != nil {
		return nil, err
	}
	out := make([]*toolschema.ToolSchema, 0, len(hashes))
	for _, h := range hashes {
		ts, err := r.Get(ctx, h)
		if err != nil {
			return nil, err
		}
		if ts != nil {
			out = append(out, ts)
		}
	}
	return out, nil
}
