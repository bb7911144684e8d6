// Package commitengine implements the write path: validate,
// hash, token-count, dedup-store, budget-check, and persist a commit,
// all within the caller-supplied storage.Session so the facade can wrap
// the whole pipeline in one transaction.
package commitengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tract-dev/trace/internal/annotation"
	"github.com/tract-dev/trace/internal/blob"
	"github.com/tract-dev/trace/internal/commitgraph"
	"github.com/tract-dev/trace/internal/content"
	"github.com/tract-dev/trace/internal/ref"
	"github.com/tract-dev/trace/internal/storage"
	"github.com/tract-dev/trace/internal/tokencount"
	"github.com/tract-dev/trace/internal/toolschema"
	"github.com/tract-dev/trace/internal/tracerr"
)

// DefaultBranch is the branch a fresh tract's HEAD attaches to on its
// first commit.
const DefaultBranch = "main"

// BudgetPolicy controls how CreateCommit reacts when a configured token
// budget would be exceeded.
type BudgetPolicy string

const (
	BudgetReject   BudgetPolicy = "reject"
	BudgetWarn     BudgetPolicy = "warn"
	BudgetCallback BudgetPolicy = "callback"
)

// BudgetConfig is optional; a nil *BudgetConfig disables budget
// enforcement entirely.
type BudgetConfig struct {
	Limit    int
	Policy   BudgetPolicy
	Callback func(ctx context.Context, tractID string, total, limit int) error
	OnWarn   func(tractID string, total, limit int)
}

// ToolInput is a caller-supplied tool schema to link to the new commit,
// in declaration order.
type ToolInput struct {
	Name   string
	Schema json.RawMessage
}

// CreateCommitInput bundles CreateCommit's parameters.
type CreateCommitInput struct {
	TractID          string
	Content          content.Content
	Operation        commitgraph.Operation // default OpAppend
	Message          string
	EditTarget       string
	Metadata         json.RawMessage
	GenerationConfig json.RawMessage
	Tools            []ToolInput
	// ExtraParents marks a merge commit: each hash is recorded as a
	// parent edge (position >= 1) and participates, sorted, in the commit
	// hash. The primary parent is still read from HEAD.
	ExtraParents []string
}

// CommitInfo is the DTO returned to the facade after a successful write.
type CommitInfo struct {
	CommitHash  string
	ContentHash string
	TokenCount  int
	CreatedAt   time.Time
}

// Engine drives the write pipeline. It holds no storage state itself —
// every call takes the session to operate within — so one Engine value
// is safely shared across tracts and across concurrent reads (writes are
// still serialized by the facade's single-session-per-call rule).
type Engine struct {
	Registry *content.Registry
	Counter  tokencount.Counter
	Clock    storage.Clock
	Budget   *BudgetConfig
}

// New builds an Engine with sane defaults (a fresh registry, a
// NullCounter, and the system clock); callers override fields directly.
func New() *Engine {
	return &Engine{
		Registry: content.NewRegistry(),
		Counter:  tokencount.NullCounter{},
		Clock:    storage.SystemClock{},
	}
}

// CreateCommit runs the full write pipeline against sess. The
// detached-HEAD check is the facade's responsibility and is
// intentionally not performed here; commitengine only refuses an
// EDIT whose target is itself an edit, or whose target does not exist.
func (e *Engine) CreateCommit(ctx context.Context, sess storage.Session, in CreateCommitInput) (*CommitInfo, error) {
	if in.Operation == "" {
		in.Operation = commitgraph.OpAppend
	}

	// Step 1: validate. in.Content already arrived as a concrete
	// content.Content (the registry dispatch for raw dict payloads
	// happens one layer up, at the facade's API boundary); here we only
	// refuse a nil value. The discriminator is not looked up again.
	if in.Content == nil {
		return nil, tracerr.ContentValidation("", "content is nil")
	}
	disc := in.Content.Discriminator()

	// Step 2: canonical JSON + content hash. The stored payload carries
	// the discriminator so a blob read back from storage re-enters the
	// type system through Registry.Validate.
	dict, err := content.ToDict(in.Content)
	if err != nil {
		return nil, tracerr.ContentValidation(disc, err.Error())
	}
	contentHash, canonical, err := blob.ContentHash(dict)
	if err != nil {
		return nil, tracerr.ContentValidation(disc, err.Error())
	}

	// Step 3: text extraction + token count.
	text := content.ExtractText(in.Content)
	tokenCount := e.counter().CountText(text)

	// Step 4: store-if-absent blob.
	now := e.clock().Now()
	b := &blob.Blob{
		ContentHash: contentHash,
		Payload:     canonical,
		ByteSize:    len(canonical),
		TokenCount:  tokenCount,
		CreatedAt:   now,
	}
	if err := sess.Blobs().SaveIfAbsent(ctx, b); err != nil {
		return nil, tracerr.Storage("save blob", err)
	}

	// Step 5: read current parent.
	parentHash, hasHead, err := sess.Refs().GetHead(ctx, in.TractID)
	if err != nil {
		return nil, tracerr.Storage("read head", err)
	}
	if !hasHead {
		parentHash = ""
	}

	// Step 6: budget check.
	if e.Budget != nil && e.Budget.Limit > 0 {
		total := tokenCount
		if parentHash != "" {
			ancestors, err := sess.Commits().GetAncestors(ctx, parentHash, 0)
			if err != nil {
				return nil, tracerr.Storage("read ancestors for budget", err)
			}
			for _, a := range ancestors {
				total += a.TokenCount
			}
		}
		if total > e.Budget.Limit {
			switch e.Budget.Policy {
			case BudgetReject, "":
				return nil, tracerr.BudgetExceeded(total, e.Budget.Limit)
			case BudgetWarn:
				if e.Budget.OnWarn != nil {
					e.Budget.OnWarn(in.TractID, total, e.Budget.Limit)
				}
			case BudgetCallback:
				if e.Budget.Callback != nil {
					if err := e.Budget.Callback(ctx, in.TractID, total, e.Budget.Limit); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	// Step 9: edit validation (computed before the hash so EditTarget
	// participates in CommitHash only when the operation is legitimate).
	if in.Operation == commitgraph.OpEdit {
		if in.EditTarget == "" {
			return nil, tracerr.EditTarget("", "edit_target is required for an EDIT commit")
		}
		target, err := sess.Commits().Get(ctx, in.EditTarget)
		if err != nil {
			return nil, tracerr.Storage("read edit target", err)
		}
		if target == nil {
			return nil, tracerr.EditTarget(in.EditTarget, "edit_target does not exist")
		}
		if target.Operation != commitgraph.OpAppend {
			return nil, tracerr.EditTarget(in.EditTarget, "cannot edit a commit that is itself an EDIT")
		}
	}

	// Step 7: timestamp.
	timestampISO := now.Format(time.RFC3339Nano)

	// Step 8: commit hash.
	commitHash, err := commitgraph.CommitHash(contentHash, parentHash, in.ExtraParents, disc, in.Operation, timestampISO, in.EditTarget)
	if err != nil {
		return nil, fmt.Errorf("commitengine: compute commit hash: %w", err)
	}

	// Step 10: persist commit row.
	commit := &commitgraph.Commit{
		CommitHash:       commitHash,
		TractID:          in.TractID,
		ParentHash:       parentHash,
		ExtraParents:     in.ExtraParents,
		ContentHash:      contentHash,
		ContentType:      disc,
		Operation:        in.Operation,
		EditTarget:       in.EditTarget,
		Message:          in.Message,
		TokenCount:       tokenCount,
		Metadata:         in.Metadata,
		GenerationConfig: in.GenerationConfig,
		CreatedAt:        now,
	}
	if err := sess.Commits().Save(ctx, commit); err != nil {
		return nil, tracerr.Storage("save commit", err)
	}
	if len(in.ExtraParents) > 0 {
		if err := sess.CommitParents().AddParents(ctx, commitHash, in.ExtraParents, 1); err != nil {
			return nil, tracerr.Storage("record merge parent edges", err)
		}
	}

	// Tool links, if any.
	for i, tin := range in.Tools {
		hash, err := toolschema.Hash(tin.Schema)
		if err != nil {
			return nil, fmt.Errorf("commitengine: hash tool schema: %w", err)
		}
		if err := sess.ToolSchemas().Store(ctx, &toolschema.ToolSchema{
			ContentHash: hash, Name: tin.Name, Schema: tin.Schema, CreatedAt: now,
		}); err != nil {
			return nil, tracerr.Storage("store tool schema", err)
		}
		if err := sess.ToolSchemas().LinkToCommit(ctx, commitHash, hash, i); err != nil {
			return nil, tracerr.Storage("link tool schema", err)
		}
	}

	// Step 11: update HEAD (symbolic-aware). Detached-HEAD rejection is
	// the facade's job; here we simply write
	// through whatever HEAD currently points at.
	if err := updateHead(ctx, sess, in.TractID, commitHash); err != nil {
		return nil, err
	}

	// Step 12: auto-annotate when the content type's default priority
	// is not NORMAL.
	hints := content.HintsFor(e.Registry, disc)
	if hints.DefaultPriority != content.PriorityNormal {
		auto := &annotation.Annotation{
			TractID:    in.TractID,
			TargetHash: commitHash,
			Priority:   hints.DefaultPriority,
			Reason:     "auto: content-type default",
			CreatedAt:  now,
		}
		if err := sess.Annotations().Save(ctx, auto); err != nil {
			return nil, tracerr.Storage("auto-annotate", err)
		}
	}

	return &CommitInfo{CommitHash: commitHash, ContentHash: contentHash, TokenCount: tokenCount, CreatedAt: now}, nil
}

func (e *Engine) counter() tokencount.Counter {
	if e.Counter != nil {
		return e.Counter
	}
	return tokencount.NullCounter{}
}

func (e *Engine) clock() storage.Clock {
	if e.Clock != nil {
		return e.Clock
	}
	return storage.SystemClock{}
}

// updateHead writes commitHash to whichever branch HEAD points at, or to
// HEAD directly if detached. The facade is expected to have already
// rejected a detached-HEAD commit attempt; this
// function stays generically correct either way so it can also serve
// replay operations (rebase/cherry-pick) that intentionally commit onto
// a detached HEAD mid-operation.
func updateHead(ctx context.Context, sess storage.Session, tractID, commitHash string) error {
	head, err := sess.Refs().Get(ctx, tractID, ref.HEAD)
	if err != nil {
		return tracerr.Storage("read head ref", err)
	}
	if head == nil || head.IsUninitialised() {
		// First commit in the tract: bootstrap onto the default branch,
		// attached, exactly like a fresh git init + first commit.
		if err := sess.Refs().SetBranch(ctx, tractID, DefaultBranch, commitHash); err != nil {
			return tracerr.Storage("bootstrap default branch", err)
		}
		return sess.Refs().AttachHead(ctx, tractID, DefaultBranch)
	}
	if head.IsSymbolic() {
		branch, ok := ref.BranchName(head.SymbolicTarget)
		if !ok {
			return sess.Refs().SetRef(ctx, tractID, head.SymbolicTarget, commitHash)
		}
		return sess.Refs().SetBranch(ctx, tractID, branch, commitHash)
	}
	if err := sess.Refs().DetachHead(ctx, tractID, commitHash); err != nil {
		return tracerr.Storage("update detached head", err)
	}
	return nil
}
