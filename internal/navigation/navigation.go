// Package navigation resolves a ref-or-prefix to
// a commit hash, and the reset/checkout operations that move HEAD while
// tracking ORIG_HEAD/PREV_HEAD bookkeeping refs.
package navigation

import (
	"context"
	"fmt"

	"github.com/tract-dev/trace/internal/ref"
	"github.com/tract-dev/trace/internal/storage"
	"github.com/tract-dev/trace/internal/tracerr"
)

// ResetMode is indistinguishable at the storage level; it
// only signals intent to an external GC collaborator.
type ResetMode string

const (
	ResetSoft ResetMode = "soft"
	ResetHard ResetMode = "hard"
)

// ResolveCommit tries an exact
// full-hash match, then a branch name, then a hash prefix of length >= 4
// (ambiguous prefixes raise tracerr.KindAmbiguousPrefix with up to five
// candidates, from CommitRepository.GetByPrefix).
func ResolveCommit(ctx context.Context, sess storage.Session, tractID, refOrPrefix string) (string, error) {
	if refOrPrefix == "" {
		return "", fmt.Errorf("navigation: empty ref")
	}
	if c, err := sess.Commits().Get(ctx, refOrPrefix); err != nil {
		return "", tracerr.Storage("resolve exact hash", err)
	} else if c != nil {
		return c.CommitHash, nil
	}

	if branch, err := sess.Refs().GetBranch(ctx, tractID, refOrPrefix); err != nil {
		return "", tracerr.Storage("resolve branch", err)
	} else if branch != nil && branch.CommitHash != "" {
		return branch.CommitHash, nil
	}

	if len(refOrPrefix) >= 4 {
		c, err := sess.Commits().GetByPrefix(ctx, refOrPrefix, tractID)
		if err != nil {
			return "", err // already a tracerr.AmbiguousPrefix, if applicable
		}
		if c != nil {
			return c.CommitHash, nil
		}
	}

	return "", tracerr.CommitNotFound(refOrPrefix)
}

// currentHead reads the resolved HEAD commit. Reset saves that value into
// both ORIG_HEAD and PREV_HEAD before it moves HEAD; Checkout saves it
// into PREV_HEAD only.
func currentHead(ctx context.Context, sess storage.Session, tractID string) (string, bool, error) {
	head, ok, err := sess.Refs().GetHead(ctx, tractID)
	if err != nil {
		return "", false, tracerr.Storage("read head", err)
	}
	return head, ok, nil
}

// Reset saves the current HEAD to ORIG_HEAD and
// PREV_HEAD, then move HEAD to target. mode only affects hints to an
// external GC and is otherwise inert here.
func Reset(ctx context.Context, sess storage.Session, tractID, target string, mode ResetMode) error {
	// Resolve before touching bookkeeping refs so a bad target leaves
	// ORIG_HEAD/PREV_HEAD untouched.
	targetHash, err := ResolveCommit(ctx, sess, tractID, target)
	if err != nil {
		return err
	}
	current, ok, err := currentHead(ctx, sess, tractID)
	if err != nil {
		return err
	}
	if ok {
		if err := sess.Refs().SetRef(ctx, tractID, ref.OrigHead, current); err != nil {
			return tracerr.Storage("save orig_head", err)
		}
		if err := sess.Refs().SetRef(ctx, tractID, ref.PrevHead, current); err != nil {
			return tracerr.Storage("save prev_head", err)
		}
	}
	return moveHead(ctx, sess, tractID, targetHash, target)
}

// Checkout saves the current HEAD to
// PREV_HEAD, then move HEAD to target. target == "-" re-reads PREV_HEAD
// *before* this call overwrites it; reversing the two loses the
// previous position.
func Checkout(ctx context.Context, sess storage.Session, tractID, target string) error {
	current, hasCurrent, err := currentHead(ctx, sess, tractID)
	if err != nil {
		return err
	}

	resolveTarget := target
	if target == "-" {
		prev, err := sess.Refs().Get(ctx, tractID, ref.PrevHead)
		if err != nil {
			return tracerr.Storage("read prev_head", err)
		}
		if prev == nil || prev.CommitHash == "" {
			return fmt.Errorf("navigation: checkout(\"-\"): no PREV_HEAD recorded yet")
		}
		resolveTarget = prev.CommitHash
	}

	if hasCurrent {
		if err := sess.Refs().SetRef(ctx, tractID, ref.PrevHead, current); err != nil {
			return tracerr.Storage("save prev_head", err)
		}
	}

	targetHash, err := ResolveCommit(ctx, sess, tractID, resolveTarget)
	if err != nil {
		return err
	}
	return moveHead(ctx, sess, tractID, targetHash, resolveTarget)
}

// moveHead attaches HEAD to a branch if nameHint resolves to one,
// otherwise detaches HEAD at the resolved commit hash.
func moveHead(ctx context.Context, sess storage.Session, tractID, targetHash, nameHint string) error {
	if branch, err := sess.Refs().GetBranch(ctx, tractID, nameHint); err == nil && branch != nil && branch.CommitHash != "" {
		return sess.Refs().AttachHead(ctx, tractID, nameHint)
	}
	return sess.Refs().DetachHead(ctx, tractID, targetHash)
}

// EnsureAttached returns tracerr.ErrDetachedHead if HEAD is currently
// detached; the facade calls this immediately before any commit
// attempt / detached-HEAD guard.
func EnsureAttached(ctx context.Context, sess storage.Session, tractID string) error {
	detached, err := sess.Refs().IsDetached(ctx, tractID)
	if err != nil {
		return tracerr.Storage("check detached head", err)
	}
	if detached {
		return tracerr.DetachedHead()
	}
	return nil
}
