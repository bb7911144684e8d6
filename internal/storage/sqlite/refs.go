package sqlite

import (
	"context"
	"database/sql"

	"github.com/tract-dev/trace/internal/ref"
)

type refRepo struct{ q querier }

func (r refRepo) Get(ctx context.Context, tractID, refName string) (*ref.Ref, error) {
	var rf ref.Ref
	var commitHash, symbolic sql.NullString
	err := r.q.QueryRowContext(ctx, `
		SELECT tract_id, ref_name, commit_hash, symbolic_target
		FROM refs WHERE tract_id = ? AND ref_name = ?`, tractID, refName,
	).Scan(&rf.TractID, &rf.RefName, &commitHash, &symbolic)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("get ref", err)
	}
	rf.CommitHash = fromNull(commitHash)
	rf.SymbolicTarget = fromNull(symbolic)
	return &rf, nil
}

func (r refRepo) GetHead(ctx context.Context, tractID string) (string, bool, error) {
	head, err := r.Get(ctx, tractID, ref.HEAD)
	if err != nil {
		return "", false, err
	}
	if head == nil || head.IsUninitialised() {
		return "", false, nil
	}
	if head.IsSymbolic() {
		target, err := r.Get(ctx, tractID, head.SymbolicTarget)
		if err != nil {
			return "", false, err
		}
		if target == nil || target.CommitHash == "" {
			return "", false, nil
		}
		return target.CommitHash, true, nil
	}
	return head.CommitHash, true, nil
}

func (r refRepo) set(ctx context.Context, tractID, name, commitHash, symbolic string) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO refs (tract_id, ref_name, commit_hash, symbolic_target)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tract_id, ref_name) DO UPDATE SET
			commit_hash = excluded.commit_hash,
			symbolic_target = excluded.symbolic_target`,
		tractID, name, nullable(commitHash), nullable(symbolic))
	return wrapDBError("set ref", err)
}

func (r refRepo) SetRef(ctx context.Context, tractID, name, commitHash string) error {
	return r.set(ctx, tractID, name, commitHash, "")
}

func (r refRepo) GetBranch(ctx context.Context, tractID, branchName string) (*ref.Ref, error) {
	return r.Get(ctx, tractID, ref.BranchRefName(branchName))
}

func (r refRepo) SetBranch(ctx context.Context, tractID, branchName, commitHash string) error {
	return r.SetRef(ctx, tractID, ref.BranchRefName(branchName), commitHash)
}

func (r refRepo) ListBranches(ctx context.Context, tractID string) ([]*ref.Ref, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT tract_id, ref_name, commit_hash, symbolic_target
		FROM refs WHERE tract_id = ? AND ref_name LIKE 'refs/heads/%'
		ORDER BY ref_name`, tractID)
	if err != nil {
		return nil, wrapDBError("list branches", err)
	}
	defer rows.Close()
	var out []*ref.Ref
	for rows.Next() {
		var rf ref.Ref
		var commitHash, symbolic sql.NullString
		if err := rows.Scan(&rf.TractID, &rf.RefName, &commitHash, &symbolic); err != nil {
			return nil, wrapDBError("scan branch", err)
		}
		rf.CommitHash = fromNull(commitHash)
		rf.SymbolicTarget = fromNull(symbolic)
		out = append(out, &rf)
	}
	return out, wrapDBError("iterate branches", rows.Err())
}

func (r refRepo) AttachHead(ctx context.Context, tractID, branchName string) error {
	return r.set(ctx, tractID, ref.HEAD, "", ref.BranchRefName(branchName))
}

func (r refRepo) DetachHead(ctx context.Context, tractID, commitHash string) error {
	return r.set(ctx, tractID, ref.HEAD, commitHash, "")
}

func (r refRepo) IsDetached(ctx context.Context, tractID string) (bool, error) {
	head, err := r.Get(ctx, tractID, ref.HEAD)
	if err != nil {
		return false, err
	}
	if head == nil {
		return false, nil
	}
	return !head.IsSymbolic() && head.CommitHash != "", nil
}
