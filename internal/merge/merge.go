// Package merge implements merge-base discovery,
// fast-forward optimization, structural conflict detection, and the
// pluggable semantic (LLM-mediated) resolver contract over the commit
// DAG.
package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tract-dev/trace/internal/annotation"
	"github.com/tract-dev/trace/internal/commitengine"
	"github.com/tract-dev/trace/internal/commitgraph"
	"github.com/tract-dev/trace/internal/content"
	"github.com/tract-dev/trace/internal/storage"
	"github.com/tract-dev/trace/internal/tracerr"
)

// Strategy selects how divergent conflicts are handled.
type Strategy string

const (
	StrategyAuto     Strategy = "auto"
	StrategySemantic Strategy = "semantic"
)

// ConflictKind enumerates the documented conflict vocabulary
type ConflictKind string

const (
	ConflictEditEdit          ConflictKind = "edit_edit"
	ConflictEditSkip          ConflictKind = "edit_skip"
	ConflictAnnotationDiverge ConflictKind = "annotation_divergence"
	ConflictEditAppend        ConflictKind = "edit_append"
)

// ConflictInfo describes one incompatible change both sides made to the
// same target commit.
type ConflictInfo struct {
	Kind       ConflictKind
	TargetHash string
	SourceSide string // the commit hash from the source branch
	TargetSide string // the commit hash from the current branch
	Detail     string
}

// ResolutionAction is what a Resolver decided for one ConflictInfo.
type ResolutionAction string

const (
	ActionResolved ResolutionAction = "resolved"
	ActionAbort    ResolutionAction = "abort"
	ActionSkip     ResolutionAction = "skip"
)

// Resolution is a Resolver's verdict on one ConflictInfo.
type Resolution struct {
	Action           ResolutionAction
	ContentText      string
	Reasoning        string
	GenerationConfig []byte
}

// Resolver turns a conflict (or, from rebase/cherry-pick, a differently
// shaped issue) into a Resolution. The engine duck-types its argument so
// one resolver implementation serves merge, rebase, and cherry-pick
// alike.
type Resolver func(issue any) (Resolution, error)

// Status reports whether Merge wrote a commit, fast-forwarded, or found
// conflicts it could not resolve.
type Status string

const (
	StatusFastForward Status = "fast_forward"
	StatusNoOp        Status = "no_op"
	StatusMerged      Status = "merged"
	StatusConflict    Status = "conflict"
)

// Result is Merge's return value.
type Result struct {
	Status    Status
	NewHead   string
	Conflicts []ConflictInfo
}

// FindMergeBase returns the most recent common ancestor
// of a and b, tie-broken by CreatedAt.
func FindMergeBase(ctx context.Context, sess storage.Session, a, b string) (string, error) {
	ancestorsA, err := ancestorSet(ctx, sess, a)
	if err != nil {
		return "", err
	}
	cur := b
	visited := make(map[string]bool)
	var queue []string
	if cur != "" {
		queue = append(queue, cur)
	}
	var candidates []*commitgraph.Commit
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if visited[h] {
			continue
		}
		visited[h] = true
		if cm, ok := ancestorsA[h]; ok {
			candidates = append(candidates, cm)
			continue // a common ancestor's own ancestors are not "most recent"
		}
		cm, err := sess.Commits().Get(ctx, h)
		if err != nil {
			return "", tracerr.Storage("merge base walk", err)
		}
		if cm == nil {
			continue
		}
		queue = append(queue, cm.AllParents()...)
	}
	if len(candidates) == 0 {
		return "", nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
		}
		return candidates[i].CommitHash > candidates[j].CommitHash
	})
	return candidates[0].CommitHash, nil
}

func ancestorSet(ctx context.Context, sess storage.Session, head string) (map[string]*commitgraph.Commit, error) {
	out := make(map[string]*commitgraph.Commit)
	var visit func(h string) error
	visit = func(h string) error {
		if h == "" || out[h] != nil {
			return nil
		}
		cm, err := sess.Commits().Get(ctx, h)
		if err != nil {
			return tracerr.Storage("ancestor walk", err)
		}
		if cm == nil {
			return nil
		}
		out[h] = cm
		for _, p := range cm.AllParents() {
			if err := visit(p); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(head); err != nil {
		return nil, err
	}
	return out, nil
}

// uniqueCommits returns the commits reachable from head but not in base.
func uniqueCommits(ctx context.Context, sess storage.Session, head, base string) ([]*commitgraph.Commit, error) {
	baseSet, err := ancestorSet(ctx, sess, base)
	if err != nil {
		return nil, err
	}
	headSet, err := ancestorSet(ctx, sess, head)
	if err != nil {
		return nil, err
	}
	var out []*commitgraph.Commit
	for h, cm := range headSet {
		if _, ok := baseSet[h]; !ok {
			out = append(out, cm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Merge merges sourceHead into the current branch.
// currentHead/currentBranch identify where the merge lands.
func Merge(ctx context.Context, sess storage.Session, engine *commitengine.Engine, tractID, currentBranch, currentHead, sourceHead string, strategy Strategy, resolver Resolver) (*Result, error) {
	if currentHead == sourceHead {
		return &Result{Status: StatusNoOp, NewHead: currentHead}, nil
	}

	base, err := FindMergeBase(ctx, sess, currentHead, sourceHead)
	if err != nil {
		return nil, err
	}

	if base == currentHead {
		if err := sess.Refs().SetBranch(ctx, tractID, currentBranch, sourceHead); err != nil {
			return nil, tracerr.Storage("fast-forward branch", err)
		}
		return &Result{Status: StatusFastForward, NewHead: sourceHead}, nil
	}
	if base == sourceHead {
		return &Result{Status: StatusNoOp, NewHead: currentHead}, nil
	}

	ourUnique, err := uniqueCommits(ctx, sess, currentHead, base)
	if err != nil {
		return nil, err
	}
	theirUnique, err := uniqueCommits(ctx, sess, sourceHead, base)
	if err != nil {
		return nil, err
	}

	conflicts, err := detectConflicts(ctx, sess, ourUnique, theirUnique)
	if err != nil {
		return nil, err
	}

	resolvedCount := 0
	if len(conflicts) > 0 {
		// Auto strategy surfaces conflicts; semantic needs a resolver to
		// do anything else with them.
		if resolver == nil {
			return &Result{Status: StatusConflict, Conflicts: conflicts}, nil
		}
		remaining := conflicts[:0:0]
		for _, c := range conflicts {
			res, err := resolver(c)
			if err != nil {
				return nil, fmt.Errorf("merge: resolver: %w", err)
			}
			switch res.Action {
			case ActionResolved:
				// Materialize the resolution as a new EDIT of the conflicted
				// target on the current branch, so compile at the merge head
				// shows the resolved content at the target's position.
				if res.ContentText != "" {
					if err := commitResolution(ctx, sess, engine, tractID, c.TargetHash, res); err != nil {
						return nil, err
					}
				}
				resolvedCount++
			case ActionSkip:
				continue
			case ActionAbort:
				return nil, fmt.Errorf("merge: %w: %s", tracerr.ErrMergeConflict, "resolver requested abort")
			default:
				remaining = append(remaining, c)
			}
		}
		conflicts = remaining
		if len(conflicts) > 0 {
			return &Result{Status: StatusConflict, Conflicts: conflicts}, nil
		}
	}

	// Write the merge commit: an Instruction marker summarizing the
	// merge, with the source side as an extra parent. Parent edges record
	// source at position 1; the commit hash sorts parent hashes
	// internally.
	message := fmt.Sprintf("merge %s into %s", sourceHead, currentBranch)
	if resolvedCount > 0 {
		message = fmt.Sprintf("%s (%d conflict(s) resolved)", message, resolvedCount)
	}
	info, err := engine.CreateCommit(ctx, sess, commitengine.CreateCommitInput{
		TractID:      tractID,
		Content:      content.Instruction{Text: message},
		Message:      message,
		ExtraParents: []string{sourceHead},
	})
	if err != nil {
		return nil, err
	}
	if err := sess.Refs().SetBranch(ctx, tractID, currentBranch, info.CommitHash); err != nil {
		return nil, tracerr.Storage("advance branch to merge commit", err)
	}
	return &Result{Status: StatusMerged, NewHead: info.CommitHash}, nil
}

// commitResolution writes a resolver's content as an EDIT of the
// conflicted target, carrying the target's own content shape with its
// text swapped for the resolution text.
func commitResolution(ctx context.Context, sess storage.Session, engine *commitengine.Engine, tractID, targetHash string, res Resolution) error {
	target, err := sess.Commits().Get(ctx, targetHash)
	if err != nil {
		return tracerr.Storage("load conflict target", err)
	}
	if target == nil {
		return tracerr.CommitNotFound(targetHash)
	}
	b, err := sess.Blobs().Get(ctx, target.ContentHash)
	if err != nil {
		return tracerr.Storage("load conflict target blob", err)
	}
	if b == nil {
		return tracerr.Storage(fmt.Sprintf("blob %s missing for conflict target", target.ContentHash), nil)
	}
	var raw map[string]any
	if err := json.Unmarshal(b.Payload, &raw); err != nil {
		return fmt.Errorf("merge: decode conflict target payload: %w", err)
	}
	switch {
	case target.ContentType == content.DiscArtifact:
		raw["content"] = res.ContentText
	default:
		raw["text"] = res.ContentText
	}
	resolved, err := engine.Registry.Validate(raw)
	if err != nil {
		return fmt.Errorf("merge: resolution content validation: %w", err)
	}
	message := "merge conflict resolution"
	if res.Reasoning != "" {
		message = fmt.Sprintf("%s: %s", message, res.Reasoning)
	}
	_, err = engine.CreateCommit(ctx, sess, commitengine.CreateCommitInput{
		TractID:          tractID,
		Content:          resolved,
		Operation:        commitgraph.OpEdit,
		Message:          message,
		EditTarget:       targetHash,
		GenerationConfig: json.RawMessage(res.GenerationConfig),
	})
	return err
}

// detectConflicts finds incompatible changes both sides made to the
// same target: EDIT-EDIT, and EDIT on one side against a SKIP
// annotation on the other, keyed by shared EditTarget.
func detectConflicts(ctx context.Context, sess storage.Session, ours, theirs []*commitgraph.Commit) ([]ConflictInfo, error) {
	ourEdits := make(map[string]*commitgraph.Commit)
	theirEdits := make(map[string]*commitgraph.Commit)
	for _, c := range ours {
		if c.Operation == commitgraph.OpEdit {
			ourEdits[c.EditTarget] = c
		}
	}
	for _, c := range theirs {
		if c.Operation == commitgraph.OpEdit {
			theirEdits[c.EditTarget] = c
		}
	}

	var conflicts []ConflictInfo
	for target, oe := range ourEdits {
		if te, ok := theirEdits[target]; ok && oe.CommitHash != te.CommitHash {
			conflicts = append(conflicts, ConflictInfo{
				Kind: ConflictEditEdit, TargetHash: target,
				SourceSide: te.CommitHash, TargetSide: oe.CommitHash,
				Detail: "both sides edited the same commit differently",
			})
		}
	}

	// EDIT-SKIP: one side edited a target while the other side's latest
	// annotation for it (among the commits unique to that side) is SKIP.
	ourSkips, err := skippedTargets(ctx, sess, ours)
	if err != nil {
		return nil, err
	}
	theirSkips, err := skippedTargets(ctx, sess, theirs)
	if err != nil {
		return nil, err
	}
	for target, te := range theirEdits {
		if ourSkips[target] {
			conflicts = append(conflicts, ConflictInfo{
				Kind: ConflictEditSkip, TargetHash: target, SourceSide: te.CommitHash,
				Detail: "target edited on source side, skipped on current side",
			})
		}
	}
	for target, oe := range ourEdits {
		if theirSkips[target] {
			conflicts = append(conflicts, ConflictInfo{
				Kind: ConflictEditSkip, TargetHash: target, TargetSide: oe.CommitHash,
				Detail: "target edited on current side, skipped on source side",
			})
		}
	}

	return conflicts, nil
}

func skippedTargets(ctx context.Context, sess storage.Session, commits []*commitgraph.Commit) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, c := range commits {
		hist, err := sess.Annotations().GetHistory(ctx, c.CommitHash)
		if err != nil {
			return nil, tracerr.Storage("annotation history for conflict detection", err)
		}
		if latest, ok := annotation.Latest(hist); ok && latest.Priority == content.PrioritySkip {
			out[c.CommitHash] = true
		}
	}
	return out, nil
}
