package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/tract-dev/trace/internal/commitgraph"
	"github.com/tract-dev/trace/internal/storage"
	"github.com/tract-dev/trace/internal/tracerr"
)

type commitRepo struct{ q querier }

const commitColumns = `commit_hash, tract_id, parent_hash, content_hash, content_type,
	operation, edit_target, message, token_count, metadata, generation_config, created_at`

func (r commitRepo) scan(row interface{ Scan(...any) error }) (*commitgraph.Commit, error) {
	var c commitgraph.Commit
	var parent, editTarget, message, metadata, genConfig sql.NullString
	var op, createdAt string
	err := row.Scan(&c.CommitHash, &c.TractID, &parent, &c.ContentHash, &c.ContentType,
		&op, &editTarget, &message, &c.TokenCount, &metadata, &genConfig, &createdAt)
	if err != nil {
		return nil, err
	}
	c.ParentHash = fromNull(parent)
	c.Operation = commitgraph.Operation(op)
	c.EditTarget = fromNull(editTarget)
	c.Message = fromNull(message)
	if metadata.Valid {
		c.Metadata = json.RawMessage(metadata.String)
	}
	if genConfig.Valid {
		c.GenerationConfig = json.RawMessage(genConfig.String)
	}
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

// hydrateParents fills ExtraParents from the commit_parents edge table;
// the edge rows, not the struct field, are the durable record.
func (r commitRepo) hydrateParents(ctx context.Context, c *commitgraph.Commit) error {
	parents, err := commitParentRepo{r.q}.GetParents(ctx, c.CommitHash)
	if err != nil {
		return err
	}
	c.ExtraParents = parents
	return nil
}

func (r commitRepo) Get(ctx context.Context, hash string) (*commitgraph.Commit, error) {
	c, err := r.scan(r.q.QueryRowContext(ctx,
		`SELECT `+commitColumns+` FROM commits WHERE commit_hash = ?`, hash))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("get commit", err)
	}
	if err := r.hydrateParents(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (r commitRepo) Save(ctx context.Context, c *commitgraph.Commit) error {
	metadata, err := normalizeJSONColumn(c.Metadata)
	if err != nil {
		return wrapDBError("validate commit metadata", err)
	}
	genConfig, err := normalizeJSONColumn(c.GenerationConfig)
	if err != nil {
		return wrapDBError("validate generation config", err)
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO commits (`+commitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CommitHash, c.TractID, nullable(c.ParentHash), c.ContentHash, c.ContentType,
		string(c.Operation), nullable(c.EditTarget), nullable(c.Message), c.TokenCount,
		metadata, genConfig, formatTime(c.CreatedAt))
	return wrapDBError("save commit", err)
}

// normalizeJSONColumn validates an opaque JSON column value before it is
// stored, mapping empty to NULL.
func normalizeJSONColumn(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	s, err := storage.NormalizeMetadataValue(raw)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r commitRepo) GetAncestors(ctx context.Context, head string, limit int) ([]*commitgraph.Commit, error) {
	var out []*commitgraph.Commit
	cur := head
	for cur != "" {
		c, err := r.Get(ctx, cur)
		if err != nil {
			return nil, err
		}
		if c == nil {
			break
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
		cur = c.ParentHash
	}
	return out, nil
}

func (r commitRepo) GetByPrefix(ctx context.Context, prefix string, tractID string) (*commitgraph.Commit, error) {
	query := `SELECT ` + commitColumns + ` FROM commits
		WHERE commit_hash LIKE ? || '%'`
	args := []any{prefix}
	if tractID != "" {
		query += ` AND tract_id = ?`
		args = append(args, tractID)
	}
	query += ` ORDER BY commit_hash LIMIT 6`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("prefix search", err)
	}
	defer rows.Close()

	var matches []*commitgraph.Commit
	for rows.Next() {
		c, err := r.scan(rows)
		if err != nil {
			return nil, wrapDBError("prefix scan", err)
		}
		matches = append(matches, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("prefix search", err)
	}

	switch {
	case len(matches) == 0:
		return nil, nil
	case len(matches) > 1:
		candidates := make([]string, 0, 5)
		for i, m := range matches {
			if i >= 5 {
				break
			}
			candidates = append(candidates, m.CommitHash)
		}
		return nil, tracerr.AmbiguousPrefix(prefix, candidates)
	}
	c := matches[0]
	if err := r.hydrateParents(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (r commitRepo) GetByType(ctx context.Context, tractID, contentType string) ([]*commitgraph.Commit, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+commitColumns+` FROM commits
		WHERE tract_id = ? AND content_type = ?
		ORDER BY created_at, commit_hash`, tractID, contentType)
	if err != nil {
		return nil, wrapDBError("get by type", err)
	}
	defer rows.Close()
	return r.collect(ctx, rows)
}

func (r commitRepo) GetChildren(ctx context.Context, hash string) ([]*commitgraph.Commit, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+commitColumns+` FROM commits
		WHERE parent_hash = ?
		   OR commit_hash IN (SELECT commit_hash FROM commit_parents WHERE parent_hash = ?)
		ORDER BY created_at, commit_hash`, hash, hash)
	if err != nil {
		return nil, wrapDBError("get children", err)
	}
	defer rows.Close()
	return r.collect(ctx, rows)
}

func (r commitRepo) collect(ctx context.Context, rows *sql.Rows) ([]*commitgraph.Commit, error) {
	var out []*commitgraph.Commit
	for rows.Next() {
		c, err := r.scan(rows)
		if err != nil {
			return nil, wrapDBError("scan commit", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate commits", err)
	}
	for _, c := range out {
		if err := r.hydrateParents(ctx, c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type commitParentRepo struct{ q querier }

func (r commitParentRepo) AddParents(ctx context.Context, commitHash string, parentHashes []string, startingPosition int) error {
	for i, p := range parentHashes {
		if _, err := r.q.ExecContext(ctx, `
			INSERT INTO commit_parents (commit_hash, parent_hash, position)
			VALUES (?, ?, ?)`, commitHash, p, startingPosition+i); err != nil {
			return wrapDBError("add parent edge", err)
		}
	}
	return nil
}

func (r commitParentRepo) GetParents(ctx context.Context, commitHash string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT parent_hash FROM commit_parents
		WHERE commit_hash = ? ORDER BY position`, commitHash)
	if err != nil {
		return nil, wrapDBError("get parent edges", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, wrapDBError("scan parent edge", err)
		}
		out = append(out, p)
	}
	return out, wrapDBError("iterate parent edges", rows.Err())
}
