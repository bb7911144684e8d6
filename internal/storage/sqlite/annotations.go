package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/tract-dev/trace/internal/annotation"
	"github.com/tract-dev/trace/internal/content"
)

type annotationRepo struct{ q querier }

// retentionJSON is Retention's stored form.
type retentionJSON struct {
	Instructions  string   `json:"instructions,omitempty"`
	MatchPatterns []string `json:"match_patterns,omitempty"`
	MatchMode     string   `json:"match_mode,omitempty"`
}

func encodeRetention(r *annotation.Retention) (any, error) {
	if r == nil {
		return nil, nil
	}
	raw, err := json.Marshal(retentionJSON{
		Instructions:  r.Instructions,
		MatchPatterns: r.MatchPatterns,
		MatchMode:     string(r.MatchMode),
	})
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func decodeRetention(ns sql.NullString) *annotation.Retention {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var rj retentionJSON
	if err := json.Unmarshal([]byte(ns.String), &rj); err != nil {
		return nil
	}
	return &annotation.Retention{
		Instructions:  rj.Instructions,
		MatchPatterns: rj.MatchPatterns,
		MatchMode:     annotation.MatchMode(rj.MatchMode),
	}
}

func (r annotationRepo) Save(ctx context.Context, a *annotation.Annotation) error {
	retention, err := encodeRetention(a.Retention)
	if err != nil {
		return wrapDBError("encode retention", err)
	}
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO annotations (tract_id, target_hash, priority, reason, retention, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.TractID, a.TargetHash, string(a.Priority), nullable(a.Reason), retention, formatTime(a.CreatedAt))
	if err != nil {
		return wrapDBError("save annotation", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}
	return nil
}

func (r annotationRepo) GetHistory(ctx context.Context, targetHash string) ([]annotation.Annotation, error) {
	// Insertion order; RFC3339Nano strings trim trailing zeros and so do
	// not sort lexicographically, latest-wins resolution happens on
	// parsed timestamps (annotation.Latest).
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, tract_id, target_hash, priority, reason, retention, created_at
		FROM annotations WHERE target_hash = ?
		ORDER BY id`, targetHash)
	if err != nil {
		return nil, wrapDBError("annotation history", err)
	}
	defer rows.Close()
	return scanAnnotations(rows)
}

// BatchGetLatest resolves the current annotation for each target in one
// query, avoiding the N+1 lookup the compile path would otherwise issue.
func (r annotationRepo) BatchGetLatest(ctx context.Context, targets []string) (map[string]annotation.Annotation, error) {
	out := make(map[string]annotation.Annotation, len(targets))
	if len(targets) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(targets)), ",")
	args := make([]any, len(targets))
	for i, t := range targets {
		args[i] = t
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, tract_id, target_hash, priority, reason, retention, created_at
		FROM annotations
		WHERE target_hash IN (`+placeholders+`)
		ORDER BY id`, args...)
	if err != nil {
		return nil, wrapDBError("batch latest annotations", err)
	}
	defer rows.Close()
	all, err := scanAnnotations(rows)
	if err != nil {
		return nil, err
	}
	byTarget := make(map[string][]annotation.Annotation)
	for _, a := range all {
		byTarget[a.TargetHash] = append(byTarget[a.TargetHash], a)
	}
	for target, hist := range byTarget {
		if latest, ok := annotation.Latest(hist); ok {
			out[target] = latest
		}
	}
	return out, nil
}

func scanAnnotations(rows *sql.Rows) ([]annotation.Annotation, error) {
	var out []annotation.Annotation
	for rows.Next() {
		var a annotation.Annotation
		var priority, createdAt string
		var reason, retention sql.NullString
		if err := rows.Scan(&a.ID, &a.TractID, &a.TargetHash, &priority, &reason, &retention, &createdAt); err != nil {
			return nil, wrapDBError("scan annotation", err)
		}
		a.Priority = content.Priority(priority)
		a.Reason = fromNull(reason)
		a.Retention = decodeRetention(retention)
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, wrapDBError("iterate annotations", rows.Err())
}
