// Package cache implements the compile-snapshot LRU: an
// advisory layer in front of internal/compiler so common mutations
// (appending one commit, editing one commit) extend a cached snapshot in
// constant time instead of re-walking the whole DAG.
package cache

import (
	"encoding/json"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tract-dev/trace/internal/commitgraph"
	"github.com/tract-dev/trace/internal/compiler"
	"github.com/tract-dev/trace/internal/toolschema"
)

// Snapshot is the cache's internal representation of a CompiledContext:
// identical except tool schemas are carried as unresolved hashes
// (ToolHashes) so extension/eviction never needs a storage round trip to
// stay internally consistent
type Snapshot struct {
	Messages          []compiler.Message
	TokenCount        int
	CommitCount       int
	TokenSource       string
	GenerationConfigs []json.RawMessage
	CommitHashes      []string
	ToolHashes        []string
}

// Manager is the LRU cache keyed by HEAD hash. It never talks to
// storage itself: the cache is advisory, and a miss is always resolved
// by a full compile upstream.
type Manager struct {
	lru *lru.Cache[string, *Snapshot]
}

// New returns a Manager with the given capacity (classic LRU eviction
// by entry count).
func New(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	c, _ := lru.New[string, *Snapshot](capacity)
	return &Manager{lru: c}
}

func (m *Manager) Get(headHash string) (*Snapshot, bool) {
	return m.lru.Get(headHash)
}

func (m *Manager) Put(headHash string, snap *Snapshot) {
	m.lru.Add(headHash, snap)
}

func (m *Manager) Invalidate(headHash string) {
	m.lru.Remove(headHash)
}

func (m *Manager) Clear() {
	m.lru.Purge()
}

// FromCompiled converts a fully-resolved CompiledContext into the
// cache's hash-carrying Snapshot representation.
func FromCompiled(cc *compiler.CompiledContext) *Snapshot {
	hashes := make([]string, len(cc.Tools))
	for i, t := range cc.Tools {
		hashes[i] = t.ContentHash
	}
	return &Snapshot{
		Messages:          cc.Messages,
		TokenCount:        cc.TokenCount,
		CommitCount:       cc.CommitCount,
		TokenSource:       cc.TokenSource,
		GenerationConfigs: cc.GenerationConfigs,
		CommitHashes:      cc.CommitHashes,
		ToolHashes:        hashes,
	}
}

// ToCompiled resolves a Snapshot's tool hashes back into full schemas via
// resolver (typically the storage session's ToolSchemaRepository), for
// returning a CompiledContext to a cache-hit caller.
func (s *Snapshot) ToCompiled(resolver func(hash string) (*toolschema.ToolSchema, error)) (*compiler.CompiledContext, error) {
	tools := make([]*toolschema.ToolSchema, 0, len(s.ToolHashes))
	for _, h := range s.ToolHashes {
		ts, err := resolver(h)
		if err != nil {
			return nil, err
		}
		if ts != nil {
			tools = append(tools, ts)
		}
	}
	return &compiler.CompiledContext{
		Messages:          s.Messages,
		TokenCount:        s.TokenCount,
		CommitCount:       s.CommitCount,
		TokenSource:       s.TokenSource,
		GenerationConfigs: s.GenerationConfigs,
		CommitHashes:      s.CommitHashes,
		Tools:             tools,
	}, nil
}

// Recount recomputes a snapshot's total token count from its message
// list. Injected by the caller so this package never depends on a
// concrete token counter.
type Recount func(messages []compiler.Message) int

// ExtendForAppend handles the one-new-commit fast path: given a
// cached snapshot at parentHead and the newly appended commit's already-
// compiled message (already role-mapped/text-extracted by the caller,
// since that logic lives in internal/compiler and this package must not
// depend on storage to re-derive it), produce and cache a new snapshot
// under newCommit.CommitHash — without touching storage. Returns
// ok=false if parentHead isn't cached (miss: caller must fall back to a
// full compile).
func (m *Manager) ExtendForAppend(parentHead string, newCommit *commitgraph.Commit, appended compiler.Message, appendedGenConfig json.RawMessage, newToolHashes []string, recount Recount) (*Snapshot, bool) {
	base, ok := m.Get(parentHead)
	if !ok {
		return nil, false
	}
	next := &Snapshot{
		CommitCount:  base.CommitCount + 1,
		TokenSource:  base.TokenSource,
		CommitHashes: append(append([]string(nil), base.CommitHashes...), newCommit.CommitHash),
	}
	if len(newToolHashes) > 0 {
		next.ToolHashes = newToolHashes
	} else {
		next.ToolHashes = base.ToolHashes
	}
	if len(base.Messages) > 0 && base.Messages[len(base.Messages)-1].Role == appended.Role {
		// Same-role run continues: aggregate in place rather than
		// appending a new message, mirroring compiler.aggregate.
		next.Messages = append(append([]compiler.Message(nil), base.Messages[:len(base.Messages)-1]...), compiler.Message{
			Role:    appended.Role,
			Content: base.Messages[len(base.Messages)-1].Content + "\n\n" + appended.Content,
			Name:    base.Messages[len(base.Messages)-1].Name,
		})
		lastGen := base.GenerationConfigs[len(base.GenerationConfigs)-1]
		if lastGen == nil {
			lastGen = appendedGenConfig
		}
		next.GenerationConfigs = append(append([]json.RawMessage(nil), base.GenerationConfigs[:len(base.GenerationConfigs)-1]...), lastGen)
	} else {
		next.Messages = append(append([]compiler.Message(nil), base.Messages...), appended)
		next.GenerationConfigs = append(append([]json.RawMessage(nil), base.GenerationConfigs...), appendedGenConfig)
	}
	if recount != nil {
		next.TokenCount = recount(next.Messages)
	}
	m.Put(newCommit.CommitHash, next)
	return next, true
}

// ExtendForEdit handles the single-edit fast path: starting from
// the snapshot cached at parentHead, re-derive the message at the edited
// commit's position and cache the result under newHead (the EDIT
// commit's own hash, since an edit advances HEAD like any commit).
// Returns ok=false on a cache miss, or when positions can't be mapped
// one-to-one onto messages (any aggregation collapse) — the caller must
// treat both as "fall back to full compile". Extension is never used
// across changes affecting priority, farther-back edits, or merges.
func (m *Manager) ExtendForEdit(parentHead, newHead, editedCommitHash string, newMessage compiler.Message, newGenConfig json.RawMessage, recount Recount) (*Snapshot, bool) {
	base, ok := m.Get(parentHead)
	if !ok {
		return nil, false
	}
	if len(base.Messages) != len(base.CommitHashes) {
		return nil, false
	}
	pos := -1
	for i, h := range base.CommitHashes {
		if h == editedCommitHash {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, false
	}
	if pos > 0 && base.Messages[pos-1].Role == newMessage.Role {
		return nil, false // patched message would newly aggregate
	}
	if pos+1 < len(base.Messages) && base.Messages[pos+1].Role == newMessage.Role {
		return nil, false
	}
	next := &Snapshot{
		Messages:          append([]compiler.Message(nil), base.Messages...),
		GenerationConfigs: append([]json.RawMessage(nil), base.GenerationConfigs...),
		CommitCount:       base.CommitCount,
		TokenSource:       base.TokenSource,
		CommitHashes:      base.CommitHashes,
		ToolHashes:        base.ToolHashes,
	}
	next.Messages[pos] = newMessage
	next.GenerationConfigs[pos] = newGenConfig
	if recount != nil {
		next.TokenCount = recount(next.Messages)
	}
	m.Put(newHead, next)
	return next, true
}
