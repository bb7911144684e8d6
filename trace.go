// Package trace is a git-inspired, content-addressed store for LLM
// conversation context. Every piece of content fed to (or produced by) a
// model is an immutable, hashed commit in a DAG; subgraphs compile into
// flat, role-tagged message lists ready for a chat API.
//
// The Tract facade is the single entry point: it owns one storage
// session, one compile cache, and the transaction boundary for every
// operation. Internal packages implement the subsystems (commit engine,
// compiler, merge/rebase/cherry-pick, compression); extensions should
// only need this package.
package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/tract-dev/trace/internal/annotation"
	"github.com/tract-dev/trace/internal/blob"
	"github.com/tract-dev/trace/internal/cache"
	"github.com/tract-dev/trace/internal/cherrypick"
	"github.com/tract-dev/trace/internal/commitengine"
	"github.com/tract-dev/trace/internal/commitgraph"
	"github.com/tract-dev/trace/internal/compiler"
	"github.com/tract-dev/trace/internal/compression"
	"github.com/tract-dev/trace/internal/content"
	"github.com/tract-dev/trace/internal/diff"
	"github.com/tract-dev/trace/internal/llmclient"
	"github.com/tract-dev/trace/internal/merge"
	"github.com/tract-dev/trace/internal/navigation"
	"github.com/tract-dev/trace/internal/rebase"
	"github.com/tract-dev/trace/internal/ref"
	"github.com/tract-dev/trace/internal/storage"
	"github.com/tract-dev/trace/internal/storage/memory"
	"github.com/tract-dev/trace/internal/storage/sqlite"
	"github.com/tract-dev/trace/internal/tokencount"
	"github.com/tract-dev/trace/internal/toolschema"
	"github.com/tract-dev/trace/internal/tracelog"
	"github.com/tract-dev/trace/internal/tracerr"
)

// Core content types, re-exported so extensions never import internal
// packages directly.
type (
	Content     = content.Content
	Instruction = content.Instruction
	Dialogue    = content.Dialogue
	ToolIO      = content.ToolIO
	Reasoning   = content.Reasoning
	Artifact    = content.Artifact
	Output      = content.Output
	Freeform    = content.Freeform
	Summary     = content.Summary

	Priority     = content.Priority
	DialogueRole = content.DialogueRole
	Retention    = annotation.Retention
	MatchMode    = annotation.MatchMode

	CompiledContext = compiler.CompiledContext
	Message         = compiler.Message
	CommitInfo      = commitengine.CommitInfo
	Commit          = commitgraph.Commit
	BudgetConfig    = commitengine.BudgetConfig
	BudgetPolicy    = commitengine.BudgetPolicy

	MergeResult  = merge.Result
	MergeStatus  = merge.Status
	ConflictInfo = merge.ConflictInfo
	Resolution   = merge.Resolution
	Resolver     = merge.Resolver
	RebaseResult = rebase.Result

	DiffResult = diff.DiffResult

	CherryPickResult   = cherrypick.Result
	CompressionResult  = compression.Result
	PendingCompression = compression.PendingCompression
	Annotation         = annotation.Annotation
	ContentFactory     = content.Factory
	ContentHints       = content.Hints
	ResetMode          = navigation.ResetMode
	MergeStrategy      = merge.Strategy
	StorageEngine      = storage.Engine
	TokenCounter       = tokencount.Counter
	ToolInput          = commitengine.ToolInput
	ToolSchema         = toolschema.ToolSchema

	LLMClient   = llmclient.Client
	ChatOptions = llmclient.ChatOptions

	Error = tracerr.Error
)

const (
	PrioritySkip      = content.PrioritySkip
	PriorityNormal    = content.PriorityNormal
	PriorityImportant = content.PriorityImportant
	PriorityPinned    = content.PriorityPinned

	RoleUser      = content.RoleUser
	RoleAssistant = content.RoleAssistant
	RoleSystem    = content.RoleSystem

	MatchSubstring = annotation.MatchSubstring
	MatchRegex     = annotation.MatchRegex

	StrategyAuto     = merge.StrategyAuto
	StrategySemantic = merge.StrategySemantic

	ResetSoft = navigation.ResetSoft
	ResetHard = navigation.ResetHard

	BudgetReject   = commitengine.BudgetReject
	BudgetWarn     = commitengine.BudgetWarn
	BudgetCallback = commitengine.BudgetCallback
)

// Error sentinels for errors.Is, mirroring the taxonomy of the error
// kinds table.
var (
	ErrContentValidation = tracerr.ErrContentValidation
	ErrEditTarget        = tracerr.ErrEditTarget
	ErrDetachedHead      = tracerr.ErrDetachedHead
	ErrCommitNotFound    = tracerr.ErrCommitNotFound
	ErrAmbiguousPrefix   = tracerr.ErrAmbiguousPrefix
	ErrBudgetExceeded    = tracerr.ErrBudgetExceeded
	ErrMergeConflict     = tracerr.ErrMergeConflict
	ErrSemanticSafety    = tracerr.ErrSemanticSafety
	ErrCherryPick        = tracerr.ErrCherryPick
	ErrCompression       = tracerr.ErrCompression
	ErrRetryExhausted    = tracerr.ErrRetryExhausted
	ErrStorage           = tracerr.ErrStorage
	ErrLLMClient         = tracerr.ErrLLMClient
)

// CompressionMode selects how much autonomy a Compress call has over
// writing the summary commit.
type CompressionMode string

const (
	// CompressManual returns a PendingCompression; nothing is written
	// until the caller approves.
	CompressManual CompressionMode = "manual"
	// CompressCollaborative also returns a PendingCompression, intended
	// for an edit-then-approve review loop.
	CompressCollaborative CompressionMode = "collaborative"
	// CompressAutonomous writes the summary commit immediately.
	CompressAutonomous CompressionMode = "autonomous"
)

// Options configures Open. Zero value opens an in-memory tract named
// "default" with a null token counter and no LLM client.
type Options struct {
	// TractID scopes this tract's rows within the backend. Defaults to
	// "default".
	TractID string
	// DBPath selects the embedded SQL backend at this path. Empty uses
	// the in-memory backend.
	DBPath string
	// Backend, when non-nil, is used as-is (a collaborator's own
	// relational store); DBPath is then ignored. The engine is borrowed:
	// Close leaves it open.
	Backend storage.Engine

	// Client is a borrowed LLM collaborator; never closed by the tract.
	Client llmclient.Client
	// APIKey creates an owned Anthropic-backed client when Client is nil;
	// the tract closes it on Close.
	APIKey string
	// TracerProvider/MeterProvider instrument the owned LLM client (see
	// internal/telemetry for a stdout-exporting bootstrap). Borrowed
	// clients carry their own instrumentation.
	TracerProvider oteltrace.TracerProvider
	MeterProvider  otelmetric.MeterProvider

	// Counter overrides token counting. Nil selects NullCounter unless
	// CounterEncoding is set.
	Counter tokencount.Counter
	// CounterEncoding selects a BPE counter by tiktoken encoding name
	// (e.g. "cl100k_base") when Counter is nil.
	CounterEncoding string

	// Budget enables token-budget enforcement on the write path.
	Budget *BudgetConfig

	// CacheSize bounds the compile snapshot LRU; 0 uses the default.
	CacheSize int

	// Compression tunes the summarization collaborator.
	CompressionModel       string
	CompressionTemperature float64
	CompressionMaxTokens   int
	CompressionConcurrency int

	Logger *slog.Logger
}

// Tract is the facade: one isolated context store, owning one storage
// engine handle, one compile cache, and one type registry. Not safe for
// concurrent writers; concurrent readers are fine.
type Tract struct {
	id       string
	backend  storage.Engine
	ownsDB   bool
	client   llmclient.Client
	ownsLLM  bool
	registry *content.Registry
	counter  tokencount.Counter
	engine   *commitengine.Engine
	compiler *compiler.Compiler
	cache    *cache.Manager
	comp     *compression.Config
	log      *slog.Logger

	// batch, when non-nil, is the transaction every operation joins
	// instead of opening its own (the batch() scope of the concurrency
	// model).
	batch  storage.Tx
	closed bool
}

// Open wires a Tract from Options.
func Open(opts Options) (*Tract, error) {
	t := &Tract{
		id:       opts.TractID,
		registry: content.NewRegistry(),
		log:      opts.Logger,
	}
	if t.id == "" {
		t.id = "default"
	}
	if t.log == nil {
		t.log = tracelog.Default()
	}
	if opts.Budget != nil && opts.Budget.Policy == commitengine.BudgetWarn && opts.Budget.OnWarn == nil {
		opts.Budget.OnWarn = func(tractID string, total, limit int) {
			t.log.Warn("token budget exceeded", "tract", tractID, "total", total, "limit", limit)
		}
	}

	switch {
	case opts.Backend != nil:
		t.backend = opts.Backend
	case opts.DBPath != "":
		eng, err := sqlite.Open(opts.DBPath)
		if err != nil {
			return nil, fmt.Errorf("trace: open backend: %w", err)
		}
		t.backend = eng
		t.ownsDB = true
	default:
		t.backend = memory.NewEngine()
		t.ownsDB = true
	}

	switch {
	case opts.Client != nil:
		t.client = opts.Client
	case opts.APIKey != "":
		client, err := llmclient.NewAnthropicClient(opts.APIKey, opts.TracerProvider, opts.MeterProvider)
		if err != nil {
			t.closeBackend()
			return nil, err
		}
		t.client = client
		t.ownsLLM = true
	}

	switch {
	case opts.Counter != nil:
		t.counter = opts.Counter
	case opts.CounterEncoding != "":
		t.counter = tokencount.NewBPECounter(opts.CounterEncoding)
	default:
		t.counter = tokencount.NullCounter{}
	}

	t.engine = &commitengine.Engine{
		Registry: t.registry,
		Counter:  t.counter,
		Clock:    storage.SystemClock{},
		Budget:   opts.Budget,
	}
	t.compiler = &compiler.Compiler{Registry: t.registry, Counter: t.counter}
	t.cache = cache.New(opts.CacheSize)
	t.comp = &compression.Config{
		Engine:      t.engine,
		Client:      t.client,
		Model:       opts.CompressionModel,
		Temperature: opts.CompressionTemperature,
		MaxTokens:   opts.CompressionMaxTokens,
		Concurrency: opts.CompressionConcurrency,
	}
	return t, nil
}

func (t *Tract) closeBackend() {
	if t.ownsDB && t.backend != nil {
		t.backend.Close()
	}
}

// Close releases the storage engine (if owned) and the LLM client (if
// owned). Idempotent.
func (t *Tract) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	var firstErr error
	if t.ownsDB && t.backend != nil {
		firstErr = t.backend.Close()
	}
	if t.ownsLLM && t.client != nil {
		if err := t.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ID returns the tract id rows are scoped by.
func (t *Tract) ID() string { return t.id }

// RegisterContentType installs (or shadows) a content variant in this
// tract's registry; it affects validation, compilation, and compression
// for this tract only.
func (t *Tract) RegisterContentType(discriminator string, factory content.Factory, hints *content.Hints) {
	t.registry.Register(discriminator, factory, hints)
}

// run executes fn in one transaction: the active batch transaction if a
// Batch scope is open (commit deferred to the scope), otherwise its own
// (committed on success, rolled back on error).
func (t *Tract) run(ctx context.Context, fn func(sess storage.Session) error) error {
	if t.batch != nil {
		return fn(t.batch)
	}
	tx, err := t.backend.Begin(ctx)
	if err != nil {
		return tracerr.Storage("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// Batch runs fn with every Tract operation inside it joined to a single
// transaction, so many writes land atomically; an error (or panic)
// rolls the whole batch back.
func (t *Tract) Batch(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if t.batch != nil {
		return fn(ctx) // nested batch joins the outer scope
	}
	tx, beginErr := t.backend.Begin(ctx)
	if beginErr != nil {
		return tracerr.Storage("begin batch", beginErr)
	}
	t.batch = tx
	defer func() {
		t.batch = nil
		if r := recover(); r != nil {
			tx.Rollback(ctx)
			panic(r)
		}
		if err != nil {
			tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()
	return fn(ctx)
}

// CommitOptions carries the optional write-path parameters.
type CommitOptions struct {
	Message          string
	Metadata         json.RawMessage
	GenerationConfig json.RawMessage
	Tools            []commitengine.ToolInput
}

// Commit appends c as a new commit at HEAD.
func (t *Tract) Commit(ctx context.Context, c Content, opts CommitOptions) (*CommitInfo, error) {
	return t.createCommit(ctx, c, commitgraph.OpAppend, "", opts)
}

// CommitDict validates a raw dict payload through the registry (custom
// registrations win over builtins) and appends the result.
func (t *Tract) CommitDict(ctx context.Context, raw map[string]any, opts CommitOptions) (*CommitInfo, error) {
	c, err := t.registry.Validate(raw)
	if err != nil {
		return nil, asValidationError(err)
	}
	return t.Commit(ctx, c, opts)
}

// Edit commits a replacement for the content at target's position.
// target must resolve to an existing APPEND commit.
func (t *Tract) Edit(ctx context.Context, target string, c Content, opts CommitOptions) (*CommitInfo, error) {
	return t.createCommit(ctx, c, commitgraph.OpEdit, target, opts)
}

func (t *Tract) createCommit(ctx context.Context, c Content, op commitgraph.Operation, editTarget string, opts CommitOptions) (*CommitInfo, error) {
	var info *CommitInfo
	err := t.run(ctx, func(sess storage.Session) error {
		if err := navigation.EnsureAttached(ctx, sess, t.id); err != nil {
			return err
		}
		parentHead, _, err := sess.Refs().GetHead(ctx, t.id)
		if err != nil {
			return tracerr.Storage("read head", err)
		}
		if op == commitgraph.OpEdit && editTarget != "" {
			resolved, err := navigation.ResolveCommit(ctx, sess, t.id, editTarget)
			if err != nil {
				return err
			}
			editTarget = resolved
		}
		info, err = t.engine.CreateCommit(ctx, sess, commitengine.CreateCommitInput{
			TractID:          t.id,
			Content:          c,
			Operation:        op,
			Message:          opts.Message,
			EditTarget:       editTarget,
			Metadata:         opts.Metadata,
			GenerationConfig: opts.GenerationConfig,
			Tools:            opts.Tools,
		})
		if err != nil {
			return err
		}
		t.extendCache(ctx, sess, parentHead, info, c, op, editTarget, opts)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// extendCache keeps the snapshot cache warm across the two common
// mutations (one append, one edit) without a storage re-walk. Failures
// here are invisible: the next Compile falls back to a full walk.
func (t *Tract) extendCache(ctx context.Context, sess storage.Session, parentHead string, info *CommitInfo, c Content, op commitgraph.Operation, editTarget string, opts CommitOptions) {
	if parentHead == "" {
		return
	}
	hints := content.HintsFor(t.registry, c.Discriminator())
	// Non-NORMAL default priorities auto-annotate on commit; SKIP or
	// PINNED transitions affect filtering, so only plain appends/edits
	// extend.
	if hints.DefaultPriority != content.PriorityNormal {
		t.cache.Invalidate(parentHead)
		return
	}
	msg := compiler.Message{
		Role:    roleFor(t.registry, c),
		Content: content.ExtractText(c),
	}
	if d, ok := c.(Dialogue); ok {
		msg.Name = d.Name
	}
	recount := func(messages []compiler.Message) int {
		tc := make([]tokencount.Message, len(messages))
		for i, m := range messages {
			tc[i] = tokencount.Message{Role: m.Role, Content: m.Content, Name: m.Name}
		}
		return t.counter.CountMessages(tc)
	}
	switch op {
	case commitgraph.OpAppend:
		var toolHashes []string
		if len(opts.Tools) > 0 {
			toolHashes, _ = sess.ToolSchemas().GetCommitToolHashes(ctx, info.CommitHash)
		}
		cm := &commitgraph.Commit{CommitHash: info.CommitHash}
		t.cache.ExtendForAppend(parentHead, cm, msg, opts.GenerationConfig, toolHashes, recount)
	case commitgraph.OpEdit:
		t.cache.ExtendForEdit(parentHead, info.CommitHash, editTarget, msg, opts.GenerationConfig, recount)
	}
}

func roleFor(reg *content.Registry, c Content) string {
	if d, ok := c.(Dialogue); ok {
		return string(d.Role)
	}
	if c.Discriminator() == content.DiscToolIO {
		return "tool"
	}
	hints := content.HintsFor(reg, c.Discriminator())
	if hints.DefaultRole != "" {
		return hints.DefaultRole
	}
	return "assistant"
}

func asValidationError(err error) error {
	var ve *content.ValidationError
	if errors.As(err, &ve) {
		return tracerr.ContentValidation(ve.Discriminator, ve.Reason)
	}
	return err
}

// CompileOptions mirrors the compiler's per-call knobs.
type CompileOptions struct {
	AsOf                   *time.Time
	UpTo                   string
	IncludeEditAnnotations bool
	RoleOverrides          map[string]string
	// NoCache bypasses the snapshot cache for this call.
	NoCache bool
}

// Compile produces the CompiledContext at the current HEAD.
func (t *Tract) Compile(ctx context.Context, opts CompileOptions) (*CompiledContext, error) {
	var out *CompiledContext
	err := t.run(ctx, func(sess storage.Session) error {
		head, _, err := sess.Refs().GetHead(ctx, t.id)
		if err != nil {
			return tracerr.Storage("read head", err)
		}
		out, err = t.compileAt(ctx, sess, head, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompileAt compiles at an arbitrary ref, branch, hash, or prefix.
func (t *Tract) CompileAt(ctx context.Context, refOrPrefix string, opts CompileOptions) (*CompiledContext, error) {
	var out *CompiledContext
	err := t.run(ctx, func(sess storage.Session) error {
		head, err := navigation.ResolveCommit(ctx, sess, t.id, refOrPrefix)
		if err != nil {
			return err
		}
		out, err = t.compileAt(ctx, sess, head, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Tract) compileAt(ctx context.Context, sess storage.Session, head string, opts CompileOptions) (*CompiledContext, error) {
	cacheable := !opts.NoCache && opts.AsOf == nil && opts.UpTo == "" &&
		!opts.IncludeEditAnnotations && opts.RoleOverrides == nil
	if cacheable && head != "" {
		if snap, ok := t.cache.Get(head); ok {
			return snap.ToCompiled(func(hash string) (*toolschema.ToolSchema, error) {
				return sess.ToolSchemas().Get(ctx, hash)
			})
		}
	}
	cc, err := t.compiler.Compile(ctx, sess, t.id, head, compiler.Options{
		AsOf:                   opts.AsOf,
		UpTo:                   opts.UpTo,
		IncludeEditAnnotations: opts.IncludeEditAnnotations,
		RoleOverrides:          opts.RoleOverrides,
	})
	if err != nil {
		return nil, err
	}
	if cacheable && head != "" {
		t.cache.Put(head, cache.FromCompiled(cc))
	}
	return cc, nil
}

// Annotate appends a priority assertion for target (a hash, prefix, or
// ref). Priorities evolve without rewriting history; the latest one
// wins.
func (t *Tract) Annotate(ctx context.Context, target string, priority Priority, reason string, retention *Retention) error {
	err := t.run(ctx, func(sess storage.Session) error {
		hash, err := navigation.ResolveCommit(ctx, sess, t.id, target)
		if err != nil {
			return err
		}
		return sess.Annotations().Save(ctx, &annotation.Annotation{
			TractID:    t.id,
			TargetHash: hash,
			Priority:   priority,
			Reason:     reason,
			Retention:  retention,
			CreatedAt:  t.engine.Clock.Now(),
		})
	})
	if err != nil {
		return err
	}
	// A priority change alters compiled output at every head that can
	// reach the target; drop all snapshots rather than tracking
	// reachability.
	t.cache.Clear()
	return nil
}

// Head returns the current HEAD commit hash ("" on an empty tract).
func (t *Tract) Head(ctx context.Context) (string, error) {
	var head string
	err := t.run(ctx, func(sess storage.Session) error {
		h, _, err := sess.Refs().GetHead(ctx, t.id)
		head = h
		return err
	})
	return head, err
}

// CurrentBranch returns the branch HEAD is attached to, or ok=false when
// detached or uninitialised.
func (t *Tract) CurrentBranch(ctx context.Context) (string, bool, error) {
	var name string
	var ok bool
	err := t.run(ctx, func(sess storage.Session) error {
		head, err := sess.Refs().Get(ctx, t.id, ref.HEAD)
		if err != nil {
			return tracerr.Storage("read head ref", err)
		}
		if head == nil || !head.IsSymbolic() {
			return nil
		}
		name, ok = ref.BranchName(head.SymbolicTarget)
		return nil
	})
	return name, ok, err
}

// Log returns up to limit ancestors of HEAD, most recent first (0 =
// unbounded).
func (t *Tract) Log(ctx context.Context, limit int) ([]*Commit, error) {
	var out []*Commit
	err := t.run(ctx, func(sess storage.Session) error {
		head, ok, err := sess.Refs().GetHead(ctx, t.id)
		if err != nil || !ok {
			return err
		}
		out, err = sess.Commits().GetAncestors(ctx, head, limit)
		return err
	})
	return out, err
}

// ResolveCommit resolves a full hash, branch name, or unique hash prefix
// (>= 4 chars) to a commit hash.
func (t *Tract) ResolveCommit(ctx context.Context, refOrPrefix string) (string, error) {
	var hash string
	err := t.run(ctx, func(sess storage.Session) error {
		h, err := navigation.ResolveCommit(ctx, sess, t.id, refOrPrefix)
		hash = h
		return err
	})
	return hash, err
}

// ShortHash renders a human-facing short alias for a full hash.
func (t *Tract) ShortHash(hash string, length int) string {
	return blob.ShortHash(hash, length)
}

// CreateBranch points a new branch at the current HEAD (or at target
// when non-empty).
func (t *Tract) CreateBranch(ctx context.Context, name, target string) error {
	return t.run(ctx, func(sess storage.Session) error {
		hash := target
		if hash == "" {
			h, ok, err := sess.Refs().GetHead(ctx, t.id)
			if err != nil {
				return tracerr.Storage("read head", err)
			}
			if !ok {
				return tracerr.CommitNotFound("HEAD")
			}
			hash = h
		} else {
			h, err := navigation.ResolveCommit(ctx, sess, t.id, hash)
			if err != nil {
				return err
			}
			hash = h
		}
		return sess.Refs().SetBranch(ctx, t.id, name, hash)
	})
}

// ListBranches lists branch names with their tip hashes.
func (t *Tract) ListBranches(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	err := t.run(ctx, func(sess storage.Session) error {
		branches, err := sess.Refs().ListBranches(ctx, t.id)
		if err != nil {
			return err
		}
		for _, b := range branches {
			if name, ok := ref.BranchName(b.RefName); ok {
				out[name] = b.CommitHash
			}
		}
		return nil
	})
	return out, err
}

// Checkout moves HEAD to target (a branch attaches; a commit detaches).
// "-" returns to the previous position.
func (t *Tract) Checkout(ctx context.Context, target string) error {
	return t.run(ctx, func(sess storage.Session) error {
		return navigation.Checkout(ctx, sess, t.id, target)
	})
}

// Reset moves HEAD to target, saving ORIG_HEAD and PREV_HEAD first.
func (t *Tract) Reset(ctx context.Context, target string, mode navigation.ResetMode) error {
	return t.run(ctx, func(sess storage.Session) error {
		return navigation.Reset(ctx, sess, t.id, target, mode)
	})
}

// Diff compiles two commits and aligns their message lists. An empty
// commitA auto-resolves: to commitB's edit target when commitB is an
// EDIT, else to commitB's parent.
func (t *Tract) Diff(ctx context.Context, commitA, commitB string) (*DiffResult, error) {
	var out *DiffResult
	err := t.run(ctx, func(sess storage.Session) error {
		b, err := navigation.ResolveCommit(ctx, sess, t.id, commitB)
		if err != nil {
			return err
		}
		a := commitA
		if a != "" {
			if a, err = navigation.ResolveCommit(ctx, sess, t.id, a); err != nil {
				return err
			}
		}
		out, err = diff.Diff(ctx, sess, t.compiler, t.id, a, b)
		return err
	})
	return out, err
}

// Merge merges sourceRef into the current branch. With conflicts and no
// resolver, the result reports them without writing.
func (t *Tract) Merge(ctx context.Context, sourceRef string, strategy merge.Strategy, resolver Resolver) (*MergeResult, error) {
	var out *MergeResult
	err := t.run(ctx, func(sess storage.Session) error {
		branch, head, source, err := t.mergePreamble(ctx, sess, sourceRef)
		if err != nil {
			return err
		}
		out, err = merge.Merge(ctx, sess, t.engine, t.id, branch, head, source, strategy, resolver)
		return err
	})
	return out, err
}

func (t *Tract) mergePreamble(ctx context.Context, sess storage.Session, sourceRef string) (branch, head, source string, err error) {
	headRef, err := sess.Refs().Get(ctx, t.id, ref.HEAD)
	if err != nil {
		return "", "", "", tracerr.Storage("read head ref", err)
	}
	if headRef == nil || !headRef.IsSymbolic() {
		return "", "", "", tracerr.DetachedHead()
	}
	branch, _ = ref.BranchName(headRef.SymbolicTarget)
	head, _, err = sess.Refs().GetHead(ctx, t.id)
	if err != nil {
		return "", "", "", tracerr.Storage("read head", err)
	}
	source, err = navigation.ResolveCommit(ctx, sess, t.id, sourceRef)
	if err != nil {
		return "", "", "", err
	}
	return branch, head, source, nil
}

// Rebase replays the current branch's commits above the merge base onto
// the resolved target.
func (t *Tract) Rebase(ctx context.Context, onto string, resolver Resolver) (*RebaseResult, error) {
	var out *RebaseResult
	err := t.run(ctx, func(sess storage.Session) error {
		branch, head, target, err := t.mergePreamble(ctx, sess, onto)
		if err != nil {
			return err
		}
		out, err = rebase.Rebase(ctx, sess, t.engine, t.id, branch, head, target, resolver)
		if err != nil {
			return err
		}
		// Replay detaches HEAD per step; reattach to the branch now that
		// its pointer is final.
		return sess.Refs().AttachHead(ctx, t.id, branch)
	})
	return out, err
}

// CherryPick replays one commit onto the current HEAD.
func (t *Tract) CherryPick(ctx context.Context, commitRef string) (*cherrypick.Result, error) {
	var out *cherrypick.Result
	err := t.run(ctx, func(sess storage.Session) error {
		headRef, err := sess.Refs().Get(ctx, t.id, ref.HEAD)
		if err != nil {
			return tracerr.Storage("read head ref", err)
		}
		if headRef == nil || !headRef.IsSymbolic() {
			return tracerr.DetachedHead()
		}
		branch, _ := ref.BranchName(headRef.SymbolicTarget)
		head, _, err := sess.Refs().GetHead(ctx, t.id)
		if err != nil {
			return tracerr.Storage("read head", err)
		}
		hash, err := navigation.ResolveCommit(ctx, sess, t.id, commitRef)
		if err != nil {
			return err
		}
		out, err = cherrypick.CherryPick(ctx, sess, t.engine, t.id, branch, head, hash)
		return err
	})
	return out, err
}

// CompressRequest bundles Compress's parameters.
type CompressRequest struct {
	From         string // ref/hash/prefix; resolved before the walk
	To           string
	TargetTokens int
	Instructions string
	Mode         CompressionMode // default CompressAutonomous
	ExpectedHead string
}

// Compress condenses the commit range [From, To] into a summary commit.
// PINNED content passes through verbatim; IMPORTANT commits' retention
// criteria steer and validate the summary.
func (t *Tract) Compress(ctx context.Context, req CompressRequest) (*compression.Result, error) {
	if t.client == nil {
		return nil, tracerr.Compression("no LLM client configured")
	}
	autoCommit := req.Mode == "" || req.Mode == CompressAutonomous
	var out *compression.Result
	err := t.run(ctx, func(sess storage.Session) error {
		from, err := navigation.ResolveCommit(ctx, sess, t.id, req.From)
		if err != nil {
			return err
		}
		to, err := navigation.ResolveCommit(ctx, sess, t.id, req.To)
		if err != nil {
			return err
		}
		out, err = compression.Compress(ctx, sess, t.comp, compression.Input{
			TractID:      t.id,
			FromHash:     from,
			ToHash:       to,
			TargetTokens: req.TargetTokens,
			Instructions: req.Instructions,
			AutoCommit:   autoCommit,
			ExpectedHead: req.ExpectedHead,
		})
		return err
	})
	if err == nil && out != nil && out.CommitHash != "" {
		// The summary SKIP-annotates its subsumed range; cached snapshots
		// at earlier heads are stale.
		t.cache.Clear()
	}
	return out, err
}

// ApproveCompression commits a pending (manual/collaborative) summary.
func (t *Tract) ApproveCompression(ctx context.Context, p *compression.PendingCompression) (string, error) {
	var hash string
	err := t.run(ctx, func(sess storage.Session) error {
		h, err := p.Approve(ctx, sess)
		hash = h
		return err
	})
	if err == nil {
		t.cache.Clear()
	}
	return hash, err
}

// AnnotationHistory returns the full append-only annotation log for a
// target, oldest first.
func (t *Tract) AnnotationHistory(ctx context.Context, target string) ([]annotation.Annotation, error) {
	var out []annotation.Annotation
	err := t.run(ctx, func(sess storage.Session) error {
		hash, err := navigation.ResolveCommit(ctx, sess, t.id, target)
		if err != nil {
			return err
		}
		out, err = sess.Annotations().GetHistory(ctx, hash)
		return err
	})
	return out, err
}
