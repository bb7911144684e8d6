// Package cherrypick replays a single commit onto
// the current HEAD, using the same replay contract rebase uses.
package cherrypick

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tract-dev/trace/internal/commitengine"
	"github.com/tract-dev/trace/internal/commitgraph"
	"github.com/tract-dev/trace/internal/storage"
	"github.com/tract-dev/trace/internal/tracerr"
)

// Result is CherryPick's return value.
type Result struct {
	NewHead        string
	ReplayedCommit string
	OriginalCommit string
}

// CherryPick replays a single commit onto currentHead. For an EDIT
// commit, its edit_target must be an ancestor of currentHead, or the
// edit would be orphaned (tracerr.KindCherryPick).
func CherryPick(ctx context.Context, sess storage.Session, engine *commitengine.Engine, tractID, currentBranch, currentHead, commitHash string) (*Result, error) {
	original, err := sess.Commits().Get(ctx, commitHash)
	if err != nil {
		return nil, tracerr.Storage("load cherry-pick source", err)
	}
	if original == nil {
		return nil, tracerr.CommitNotFound(commitHash)
	}

	if original.Operation == commitgraph.OpEdit {
		ancestor, err := isAncestor(ctx, sess, original.EditTarget, currentHead)
		if err != nil {
			return nil, err
		}
		if !ancestor {
			return nil, tracerr.CherryPick(commitHash, "edit_target is not an ancestor of current HEAD; the edit would be orphaned")
		}
	}

	b, err := sess.Blobs().Get(ctx, original.ContentHash)
	if err != nil {
		return nil, tracerr.Storage("load blob for cherry-pick", err)
	}
	if b == nil {
		return nil, fmt.Errorf("cherrypick: blob %s missing for commit %s", original.ContentHash, original.CommitHash)
	}
	var raw map[string]any
	if err := json.Unmarshal(b.Payload, &raw); err != nil {
		return nil, fmt.Errorf("cherrypick: decode payload: %w", err)
	}
	parsed, err := engine.Registry.Validate(raw)
	if err != nil {
		return nil, fmt.Errorf("cherrypick: content validation: %w", err)
	}

	info, err := engine.CreateCommit(ctx, sess, commitengine.CreateCommitInput{
		TractID:          tractID,
		Content:          parsed,
		Operation:        original.Operation,
		Message:          original.Message,
		EditTarget:       original.EditTarget,
		Metadata:         original.Metadata,
		GenerationConfig: original.GenerationConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("cherrypick: replay commit: %w", err)
	}

	if err := sess.Refs().SetBranch(ctx, tractID, currentBranch, info.CommitHash); err != nil {
		return nil, tracerr.Storage("advance branch after cherry-pick", err)
	}

	return &Result{NewHead: info.CommitHash, ReplayedCommit: info.CommitHash, OriginalCommit: commitHash}, nil
}

// isAncestor walks parent_hash (and extra parents) from head looking for
// target.
func isAncestor(ctx context.Context, sess storage.Session, target, head string) (bool, error) {
	if target == "" {
		return false, nil
	}
	visited := make(map[string]bool)
	var stack []string
	if head != "" {
		stack = append(stack, head)
	}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if h == target {
			return true, nil
		}
		if visited[h] {
			continue
		}
		visited[h] = true
		cm, err := sess.Commits().Get(ctx, h)
		if err != nil {
			return false, tracerr.Storage("ancestor check", err)
		}
		if cm == nil {
			continue
		}
		stack = append(stack, cm.AllParents()...)
	}
	return false, nil
}
