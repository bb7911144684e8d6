// Package rebase replays the current branch's
// commits unique-above-base onto a new base, one new commit per
// replayed original, using the same replay contract cherry-pick
// uses. Safety checks catch an EDIT whose target fell out of the new
// ancestry, or a reordering that would change compiled meaning.
package rebase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tract-dev/trace/internal/annotation"
	"github.com/tract-dev/trace/internal/commitengine"
	"github.com/tract-dev/trace/internal/commitgraph"
	"github.com/tract-dev/trace/internal/content"
	"github.com/tract-dev/trace/internal/merge"
	"github.com/tract-dev/trace/internal/storage"
	"github.com/tract-dev/trace/internal/tracerr"
)

// WarningKind enumerates the safety issues rebase can hit mid-replay.
type WarningKind string

const (
	WarningOrphanedEdit  WarningKind = "orphaned_edit"
	WarningMeaningChange WarningKind = "meaning_change"
)

// Warning is handed to a resolver (duck-typed as its "issue" argument)
// when a replay step looks unsafe.
type Warning struct {
	Kind       WarningKind
	CommitHash string
	Detail     string
}

// Result reports the new tip and the original->replayed hash mapping.
type Result struct {
	NewHead  string
	Replayed map[string]string // original commit hash -> replayed commit hash
}

// Rebase replays the branch's commits above the merge base onto a new
// base. currentBranch/currentHead identify the branch being rebased;
// onto is the new base commit hash.
func Rebase(ctx context.Context, sess storage.Session, engine *commitengine.Engine, tractID, currentBranch, currentHead, onto string, resolver merge.Resolver) (*Result, error) {
	base, err := merge.FindMergeBase(ctx, sess, currentHead, onto)
	if err != nil {
		return nil, err
	}

	toReplay, err := uniqueAbove(ctx, sess, currentHead, base)
	if err != nil {
		return nil, err
	}

	newAncestry := make(map[string]bool)
	if ancestors, err := ancestorHashes(ctx, sess, onto); err == nil {
		for _, h := range ancestors {
			newAncestry[h] = true
		}
	}

	replayed := make(map[string]string, len(toReplay))
	newParent := onto
	for _, cm := range toReplay {
		if cm.Operation == commitgraph.OpEdit {
			target := cm.EditTarget
			if replacement, ok := replayed[target]; ok {
				target = replacement
			}
			if !newAncestry[target] && !hasReplayed(replayed, target) {
				warn := Warning{Kind: WarningOrphanedEdit, CommitHash: cm.CommitHash,
					Detail: fmt.Sprintf("edit_target %s is not an ancestor of the new base", cm.EditTarget)}
				if resolver == nil {
					return nil, tracerr.SemanticSafety(cm.CommitHash, warn.Detail)
				}
				res, err := resolver(warn)
				if err != nil {
					return nil, fmt.Errorf("rebase: resolver: %w", err)
				}
				switch res.Action {
				case merge.ActionSkip:
					continue
				case merge.ActionAbort:
					return nil, fmt.Errorf("rebase: %w: resolver requested abort", tracerr.ErrSemanticSafety)
				}
			}
		}

		if issue, ok := meaningChangeWarning(ctx, sess, cm); ok {
			if resolver == nil {
				return nil, tracerr.SemanticSafety(cm.CommitHash, issue.Detail)
			}
			res, err := resolver(issue)
			if err != nil {
				return nil, fmt.Errorf("rebase: resolver: %w", err)
			}
			switch res.Action {
			case merge.ActionSkip:
				continue
			case merge.ActionAbort:
				return nil, fmt.Errorf("rebase: %w: resolver requested abort", tracerr.ErrSemanticSafety)
			}
		}

		newHash, err := replayOnto(ctx, sess, engine, tractID, cm, newParent, replayed)
		if err != nil {
			return nil, err
		}
		replayed[cm.CommitHash] = newHash
		newAncestry[newHash] = true
		newParent = newHash
	}

	if err := sess.Refs().SetBranch(ctx, tractID, currentBranch, newParent); err != nil {
		return nil, tracerr.Storage("advance branch after rebase", err)
	}
	return &Result{NewHead: newParent, Replayed: replayed}, nil
}

func hasReplayed(replayed map[string]string, hash string) bool {
	for _, v := range replayed {
		if v == hash {
			return true
		}
	}
	return false
}

// uniqueAbove returns head's commits not reachable from base, in
// chronological (root-first) order, ready for sequential replay.
func uniqueAbove(ctx context.Context, sess storage.Session, head, base string) ([]*commitgraph.Commit, error) {
	baseSet := make(map[string]bool)
	if ancestors, err := ancestorHashes(ctx, sess, base); err == nil {
		for _, h := range ancestors {
			baseSet[h] = true
		}
	}
	var out []*commitgraph.Commit
	cur := head
	for cur != "" && !baseSet[cur] {
		cm, err := sess.Commits().Get(ctx, cur)
		if err != nil {
			return nil, tracerr.Storage("rebase walk", err)
		}
		if cm == nil {
			break
		}
		out = append(out, cm)
		cur = cm.ParentHash
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func ancestorHashes(ctx context.Context, sess storage.Session, head string) ([]string, error) {
	commits, err := sess.Commits().GetAncestors(ctx, head, 0)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(commits))
	for i, c := range commits {
		out[i] = c.CommitHash
	}
	return out, nil
}

// meaningChangeWarning flags replays that may change compiled meaning:
// any commit whose latest annotation is SKIP or PINNED is flagged. The
// commit's old and new positions are not compared.
func meaningChangeWarning(ctx context.Context, sess storage.Session, cm *commitgraph.Commit) (Warning, bool) {
	hist, err := sess.Annotations().GetHistory(ctx, cm.CommitHash)
	if err != nil {
		return Warning{}, false
	}
	latest, ok := annotation.Latest(hist)
	if !ok {
		return Warning{}, false
	}
	if latest.Priority == content.PrioritySkip || latest.Priority == content.PriorityPinned {
		return Warning{
			Kind:       WarningMeaningChange,
			CommitHash: cm.CommitHash,
			Detail:     fmt.Sprintf("commit carries a %s annotation; replaying it may change compiled meaning", latest.Priority),
		}, true
	}
	return Warning{}, false
}

// replayOnto materializes the same blob/content,
// a new commit hash under newParent, and a new timestamp. EDIT commits
// have their edit_target remapped through replayed if the target was
// itself replayed in this same rebase.
func replayOnto(ctx context.Context, sess storage.Session, engine *commitengine.Engine, tractID string, original *commitgraph.Commit, newParent string, replayed map[string]string) (string, error) {
	b, err := sess.Blobs().Get(ctx, original.ContentHash)
	if err != nil {
		return "", tracerr.Storage("load blob for replay", err)
	}
	if b == nil {
		return "", fmt.Errorf("rebase: blob %s missing for commit %s", original.ContentHash, original.CommitHash)
	}
	var raw map[string]any
	if err := json.Unmarshal(b.Payload, &raw); err != nil {
		return "", fmt.Errorf("rebase: decode payload: %w", err)
	}
	parsed, err := engine.Registry.Validate(raw)
	if err != nil {
		return "", fmt.Errorf("rebase: replay content validation: %w", err)
	}

	editTarget := original.EditTarget
	if editTarget != "" {
		if remapped, ok := replayed[editTarget]; ok {
			editTarget = remapped
		}
	}

	// Temporarily point HEAD at newParent so CreateCommit's parent
	// read picks it up; the facade's branch pointer is only advanced
	// once the whole rebase succeeds (see Rebase above), so we detach
	// directly at newParent for each intermediate replay step.
	if err := sess.Refs().DetachHead(ctx, tractID, newParent); err != nil {
		return "", tracerr.Storage("stage replay parent", err)
	}

	info, err := engine.CreateCommit(ctx, sess, commitengine.CreateCommitInput{
		TractID:          tractID,
		Content:          parsed,
		Operation:        original.Operation,
		Message:          original.Message,
		EditTarget:       editTarget,
		Metadata:         original.Metadata,
		GenerationConfig: original.GenerationConfig,
	})
	if err != nil {
		return "", fmt.Errorf("rebase: replay commit: %w", err)
	}
	return info.CommitHash, nil
}
