// Package memory implements the in-memory reference storage backend:
// every table is a guarded Go map, suitable for tests and embedding a
// tract inside a single process without a database.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/tract-dev/trace/internal/annotation"
	"github.com/tract-dev/trace/internal/blob"
	"github.com/tract-dev/trace/internal/commitgraph"
	"github.com/tract-dev/trace/internal/ref"
	"github.com/tract-dev/trace/internal/storage"
	"github.com/tract-dev/trace/internal/toolschema"
	"github.com/tract-dev/trace/internal/tracerr"
)

// store is the shared mutable state behind every session opened against
// one Engine. A single sync.RWMutex guards it all: there is at most one
// writer transaction in flight per tract, and this backend
// makes that the literal truth process-wide rather than per-tract.
type store struct {
	mu sync.RWMutex

	blobs       map[string]*blob.Blob
	commits     map[string]*commitgraph.Commit
	parents     map[string][]commitgraph.CommitParent // commitHash -> edges (position >= 1)
	refs        map[string]map[string]*ref.Ref        // tractID -> refName -> Ref
	annotations map[string][]annotation.Annotation    // targetHash -> history, append order
	annSeq      int64
	toolSchemas map[string]*toolschema.ToolSchema
	commitTools map[string][]toolschema.CommitTool // commitHash -> links, position order
	schemaVer   int
}

func newStore() *store {
	return &store{
		blobs:       make(map[string]*blob.Blob),
		commits:     make(map[string]*commitgraph.Commit),
		parents:     make(map[string][]commitgraph.CommitParent),
		refs:        make(map[string]map[string]*ref.Ref),
		annotations: make(map[string][]annotation.Annotation),
		toolSchemas: make(map[string]*toolschema.ToolSchema),
		commitTools: make(map[string][]toolschema.CommitTool),
	}
}

// Engine is the storage.Engine for the in-memory backend. All Tx's opened
// from one Engine share the same underlying store.
type Engine struct {
	s *store
}

// NewEngine returns a ready-to-use in-memory Engine with no migration
// step required (schema version starts at 0, bumped by SetSchemaVersion
// as callers see fit).
func NewEngine() *Engine {
	return &Engine{s: newStore()}
}

func (e *Engine) Begin(ctx context.Context) (storage.Tx, error) {
	return &tx{s: e.s}, nil
}

func (e *Engine) Close() error { return nil }

// tx is a storage.Tx over the shared store. Begin/Commit/Rollback only
// manage the single RWMutex lock held for the transaction's lifetime;
// there is no undo-log, so Rollback here only releases the lock taken on
// the first repository or schema-version access (see lockOnce below) without undoing
// writes already applied in this session — callers (the facade) must
// detect failure before any repository method is called on a write
// path that cannot be partially observed, which the CommitEngine
// pipeline already guarantees by computing everything before persisting.
type tx struct {
	s        *store
	lockOnce sync.Once
	locked   bool
}

func (t *tx) lock() {
	t.lockOnce.Do(func() {
		t.s.mu.Lock()
		t.locked = true
	})
}

func (t *tx) Commit(ctx context.Context) error {
	if t.locked {
		t.s.mu.Unlock()
		t.locked = false
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.locked {
		t.s.mu.Unlock()
		t.locked = false
	}
	return nil
}

func (t *tx) Flush(ctx context.Context) error { return nil }

func (t *tx) SchemaVersion(ctx context.Context) (int, error) {
	t.lock()
	return t.s.schemaVer, nil
}

func (t *tx) SetSchemaVersion(ctx context.Context, v int) error {
	t.lock()
	t.s.schemaVer = v
	return nil
}

func (t *tx) Blobs() storage.BlobRepository                 { t.lock(); return blobRepo{t} }
func (t *tx) Commits() storage.CommitRepository             { t.lock(); return commitRepo{t} }
func (t *tx) Refs() storage.RefRepository                   { t.lock(); return refRepo{t} }
func (t *tx) Annotations() storage.AnnotationRepository     { t.lock(); return annotationRepo{t} }
func (t *tx) CommitParents() storage.CommitParentRepository { t.lock(); return commitParentRepo{t} }
func (t *tx) ToolSchemas() storage.ToolSchemaRepository     { t.lock(); return toolSchemaRepo{t} }

// --- BlobRepository ---

type blobRepo struct{ t *tx }

func (r blobRepo) Get(ctx context.Context, contentHash string) (*blob.Blob, error) {
	b, ok := r.t.s.blobs[contentHash]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (r blobRepo) SaveIfAbsent(ctx context.Context, b *blob.Blob) error {
	if _, ok := r.t.s.blobs[b.ContentHash]; ok {
		return nil
	}
	cp := *b
	r.t.s.blobs[b.ContentHash] = &cp
	return nil
}

// --- CommitRepository ---

type commitRepo struct{ t *tx }

func (r commitRepo) Get(ctx context.Context, hash string) (*commitgraph.Commit, error) {
	c, ok := r.t.s.commits[hash]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r commitRepo) Save(ctx context.Context, c *commitgraph.Commit) error {
	if c.ParentHash != "" {
		if _, ok := r.t.s.commits[c.ParentHash]; !ok {
			return tracerr.Storage("parent commit does not exist", nil)
		}
	}
	if _, ok := r.t.s.blobs[c.ContentHash]; !ok {
		return tracerr.Storage("referenced blob does not exist", nil)
	}
	cp := *c
	r.t.s.commits[c.CommitHash] = &cp
	return nil
}

func (r commitRepo) GetAncestors(ctx context.Context, head string, limit int) ([]*commitgraph.Commit, error) {
	var out []*commitgraph.Commit
	cur := head
	for cur != "" {
		c, ok := r.t.s.commits[cur]
		if !ok {
			break
		}
		cp := *c
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
		cur = c.ParentHash
	}
	return out, nil
}

func (r commitRepo) GetByPrefix(ctx context.Context, prefix string, tractID string) (*commitgraph.Commit, error) {
	var matches []*commitgraph.Commit
	for _, c := range r.t.s.commits {
		if tractID != "" && c.TractID != tractID {
			continue
		}
		if strings.HasPrefix(c.CommitHash, prefix) {
			cp := *c
			matches = append(matches, &cp)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	if len(matches) > 1 {
		sort.Slice(matches, func(i, j int) bool { return matches[i].CommitHash < matches[j].CommitHash })
		candidates := make([]string, 0, 5)
		for i, m := range matches {
			if i >= 5 {
				break
			}
			candidates = append(candidates, m.CommitHash)
		}
		return nil, tracerr.AmbiguousPrefix(prefix, candidates)
	}
	return matches[0], nil
}

func (r commitRepo) GetByType(ctx context.Context, tractID, contentType string) ([]*commitgraph.Commit, error) {
	var out []*commitgraph.Commit
	for _, c := range r.t.s.commits {
		if c.TractID == tractID && c.ContentType == contentType {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r commitRepo) GetChildren(ctx context.Context, hash string) ([]*commitgraph.Commit, error) {
	var out []*commitgraph.Commit
	for _, c := range r.t.s.commits {
		if c.ParentHash == hash {
			cp := *c
			out = append(out, &cp)
			continue
		}
		for _, p := range c.ExtraParents {
			if p == hash {
				cp := *c
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

// --- RefRepository ---

type refRepo struct{ t *tx }

func (r refRepo) tractRefs(tractID string) map[string]*ref.Ref {
	m, ok := r.t.s.refs[tractID]
	if !ok {
		m = make(map[string]*ref.Ref)
		r.t.s.refs[tractID] = m
	}
	return m
}

func (r refRepo) Get(ctx context.Context, tractID, refName string) (*ref.Ref, error) {
	m := r.tractRefs(tractID)
	rf, ok := m[refName]
	if !ok {
		return nil, nil
	}
	cp := *rf
	return &cp, nil
}

func (r refRepo) GetHead(ctx context.Context, tractID string) (string, bool, error) {
	m := r.tractRefs(tractID)
	head, ok := m[ref.HEAD]
	if !ok || head.IsUninitialised() {
		return "", false, nil
	}
	if head.IsSymbolic() {
		target, ok := m[head.SymbolicTarget]
		if !ok || target.CommitHash == "" {
			return "", false, nil
		}
		return target.CommitHash, true, nil
	}
	return head.CommitHash, true, nil
}

func (r refRepo) SetRef(ctx context.Context, tractID, name, commitHash string) error {
	m := r.tractRefs(tractID)
	m[name] = &ref.Ref{TractID: tractID, RefName: name, CommitHash: commitHash}
	return nil
}

func (r refRepo) GetBranch(ctx context.Context, tractID, branchName string) (*ref.Ref, error) {
	return r.Get(ctx, tractID, ref.BranchRefName(branchName))
}

func (r refRepo) SetBranch(ctx context.Context, tractID, branchName, commitHash string) error {
	return r.SetRef(ctx, tractID, ref.BranchRefName(branchName), commitHash)
}

func (r refRepo) ListBranches(ctx context.Context, tractID string) ([]*ref.Ref, error) {
	m := r.tractRefs(tractID)
	var out []*ref.Ref
	for name, rf := range m {
		if _, ok := ref.BranchName(name); ok {
			cp := *rf
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RefName < out[j].RefName })
	return out, nil
}

func (r refRepo) AttachHead(ctx context.Context, tractID, branchName string) error {
	m := r.tractRefs(tractID)
	m[ref.HEAD] = &ref.Ref{TractID: tractID, RefName: ref.HEAD, SymbolicTarget: ref.BranchRefName(branchName)}
	return nil
}

func (r refRepo) DetachHead(ctx context.Context, tractID, commitHash string) error {
	m := r.tractRefs(tractID)
	m[ref.HEAD] = &ref.Ref{TractID: tractID, RefName: ref.HEAD, CommitHash: commitHash}
	return nil
}

func (r refRepo) IsDetached(ctx context.Context, tractID string) (bool, error) {
	m := r.tractRefs(tractID)
	head, ok := m[ref.HEAD]
	if !ok {
		return false, nil
	}
	return !head.IsSymbolic() && head.CommitHash != "", nil
}

// --- AnnotationRepository ---

type annotationRepo struct{ t *tx }

func (r annotationRepo) Save(ctx context.Context, a *annotation.Annotation) error {
	r.t.s.annSeq++
	a.ID = r.t.s.annSeq
	cp := *a
	r.t.s.annotations[a.TargetHash] = append(r.t.s.annotations[a.TargetHash], cp)
	return nil
}

func (r annotationRepo) GetHistory(ctx context.Context, targetHash string) ([]annotation.Annotation, error) {
	hist := r.t.s.annotations[targetHash]
	out := make([]annotation.Annotation, len(hist))
	copy(out, hist)
	return out, nil
}

func (r annotationRepo) BatchGetLatest(ctx context.Context, targets []string) (map[string]annotation.Annotation, error) {
	out := make(map[string]annotation.Annotation, len(targets))
	for _, tgt := range targets {
		if latest, ok := annotation.Latest(r.t.s.annotations[tgt]); ok {
			out[tgt] = latest
		}
	}
	return out, nil
}

// --- CommitParentRepository ---

type commitParentRepo struct{ t *tx }

func (r commitParentRepo) AddParents(ctx context.Context, commitHash string, parentHashes []string, startingPosition int) error {
	for i, p := range parentHashes {
		r.t.s.parents[commitHash] = append(r.t.s.parents[commitHash], commitgraph.CommitParent{
			CommitHash: commitHash, ParentHash: p, Position: startingPosition + i,
		})
	}
	return nil
}

func (r commitParentRepo) GetParents(ctx context.Context, commitHash string) ([]string, error) {
	edges := append([]commitgraph.CommitParent(nil), r.t.s.parents[commitHash]...)
	sort.Slice(edges, func(i, j int) bool { return edges[i].Position < edges[j].Position })
	out := make([]string, len(edges))
	for i, e := range edges {
		out[i] = e.ParentHash
	}
	return out, nil
}

// --- ToolSchemaRepository ---

type toolSchemaRepo struct{ t *tx }

func (r toolSchemaRepo) Store(ctx context.Context, ts *toolschema.ToolSchema) error {
	if _, ok := r.t.s.toolSchemas[ts.ContentHash]; ok {
		return nil
	}
	cp := *ts
	r.t.s.toolSchemas[ts.ContentHash] = &cp
	return nil
}

func (r toolSchemaRepo) Get(ctx context.Context, hash string) (*toolschema.ToolSchema, error) {
	ts, ok := r.t.s.toolSchemas[hash]
	if !ok {
		return nil, nil
	}
	cp := *ts
	return &cp, nil
}

func (r toolSchemaRepo) LinkToCommit(ctx context.Context, commitHash, toolHash string, position int) error {
	r.t.s.commitTools[commitHash] = append(r.t.s.commitTools[commitHash], toolschema.CommitTool{
		CommitHash: commitHash, ToolHash: toolHash, Position: position,
	})
	return nil
}

func (r toolSchemaRepo) GetCommitToolHashes(ctx context.Context, commitHash string) ([]string, error) {
	links := append([]toolschema.CommitTool(nil), r.t.s.commitTools[commitHash]...)
	sort.Slice(links, func(i, j int) bool { return links[i].Position < links[j].Position })
	out := make([]string, len(links))
	for i, l := range links {
		out[i] = l.ToolHash
	}
	return out, nil
}

func (r toolSchemaRepo) GetForCommit(ctx context.Context, commitHash string) ([]*toolschema.ToolSchema, error) {
	hashes, _ := r.GetCommitToolHashes(ctx, commitHash)
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

var _ storage.Engine = (*Engine)(nil)
