// Package compiler implements the read path: walking the
// commit DAG from a HEAD hash to a flat, role-tagged CompiledContext
// ready for an LLM API.
package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tract-dev/trace/internal/annotation"
	"github.com/tract-dev/trace/internal/commitgraph"
	"github.com/tract-dev/trace/internal/content"
	"github.com/tract-dev/trace/internal/storage"
	"github.com/tract-dev/trace/internal/tokencount"
	"github.com/tract-dev/trace/internal/toolschema"
)

// Message is one compiled, role-tagged chat message. Per-message
// generation configs ride alongside on CompiledContext.GenerationConfigs
// so Message stays the exact wire shape.
type Message struct {
	Role    string
	Content string
	Name    string
}

// CompiledContext is the output of Compile.
type CompiledContext struct {
	Messages          []Message
	TokenCount        int
	CommitCount       int
	TokenSource       string
	GenerationConfigs []json.RawMessage // per compiled message, may be nil entries
	CommitHashes      []string
	Tools             []*toolschema.ToolSchema
}

// Options configures one Compile call.
type Options struct {
	AsOf                   *time.Time
	UpTo                   string
	IncludeEditAnnotations bool
	// RoleOverrides lets a caller override role mapping per content-type
	// discriminator, consulted before any other rule.
	RoleOverrides map[string]string
}

// Compiler walks a tract's commit DAG and produces CompiledContext. It
// holds no mutable state; CacheManager (internal/cache) wraps it with a
// snapshot layer.
type Compiler struct {
	Registry *content.Registry
	Counter  tokencount.Counter
}

// New returns a Compiler with a fresh registry and a NullCounter; callers
// override fields as needed (the facade always injects its own registry
// and counter so registry extensions and real token counts are honored).
func New() *Compiler {
	return &Compiler{Registry: content.NewRegistry(), Counter: tokencount.NullCounter{}}
}

// Compile walks the DAG from headHash and builds the flat message
// list. headHash == "" (no commits) returns an empty CompiledContext.
func (c *Compiler) Compile(ctx context.Context, sess storage.Session, tractID, headHash string, opts Options) (*CompiledContext, error) {
	if opts.AsOf != nil && opts.UpTo != "" {
		return nil, fmt.Errorf("compiler: as_of and up_to are mutually exclusive")
	}
	if headHash == "" {
		return &CompiledContext{TokenSource: c.tokenSourceName()}, nil
	}

	// Step 1: chain walk + deterministic topological sort over the
	// reachable ancestor subgraph (linear history is the common, cheap
	// case: walkAncestors returns it head-first).
	commits, err := walkAncestors(ctx, sess, headHash)
	if err != nil {
		return nil, err
	}
	if opts.UpTo != "" {
		commits = truncateAfter(commits, opts.UpTo)
	}
	if opts.AsOf != nil {
		commits = filterAsOf(commits, *opts.AsOf)
	}
	// commits is currently head-first (most recent ancestor first);
	// reverse to root-first chronological order for message building.
	reverseCommits(commits)

	// Step 2: edit map — latest EDIT per target, tie-break by CommitHash.
	editMap := buildEditMap(commits)

	// Step 3: priority map, batch-fetched.
	targets := make([]string, len(commits))
	for i, cm := range commits {
		targets[i] = cm.CommitHash
	}
	latestAnn, err := sess.Annotations().BatchGetLatest(ctx, targets)
	if err != nil {
		return nil, fmt.Errorf("compiler: batch annotation lookup: %w", err)
	}
	if opts.AsOf != nil {
		latestAnn = filterAnnotationsAsOf(ctx, sess, targets, *opts.AsOf)
	}

	// Step 4: effective commits — drop EDITs and SKIP-priority commits.
	effective := make([]*commitgraph.Commit, 0, len(commits))
	for _, cm := range commits {
		if cm.Operation == commitgraph.OpEdit {
			continue
		}
		if priorityOf(c.Registry, cm, latestAnn) == content.PrioritySkip {
			continue
		}
		effective = append(effective, cm)
	}

	// Step 5-6: message build + role aggregation.
	messages, genConfigs, editedFlags, err := c.buildMessages(ctx, sess, effective, editMap, opts)
	if err != nil {
		return nil, err
	}
	aggregated, aggGenConfigs := aggregate(messages, genConfigs)
	_ = editedFlags

	// Step 7: token accounting.
	tcMessages := make([]tokencount.Message, len(aggregated))
	for i, m := range aggregated {
		tcMessages[i] = tokencount.Message{Role: m.Role, Content: m.Content, Name: m.Name}
	}
	tokenCount := c.counter().CountMessages(tcMessages)

	// Step 8: tools collection from the last effective commit that
	// linked any.
	tools, err := c.lastCommitTools(ctx, sess, effective)
	if err != nil {
		return nil, err
	}

	hashes := make([]string, len(effective))
	for i, cm := range effective {
		hashes[i] = cm.CommitHash
	}

	return &CompiledContext{
		Messages:          aggregated,
		TokenCount:        tokenCount,
		CommitCount:       len(effective),
		TokenSource:       c.tokenSourceName(),
		GenerationConfigs: aggGenConfigs,
		CommitHashes:      hashes,
		Tools:             tools,
	}, nil
}

func (c *Compiler) counter() tokencount.Counter {
	if c.Counter != nil {
		return c.Counter
	}
	return tokencount.NullCounter{}
}

func (c *Compiler) tokenSourceName() string {
	switch c.Counter.(type) {
	case tokencount.NullCounter:
		return "null"
	case nil:
		return "null"
	default:
		return "bpe"
	}
}

// walkAncestors follows parent_hash AND extra parents from head back to
// every root reachable in the subgraph, deduplicating visits, and
// returns them in deterministic topological (head-first) order: for
// linear history this degenerates to the simple parent chain; for
// merges, ties break by (created_at, commit_hash).
func walkAncestors(ctx context.Context, sess storage.Session, head string) ([]*commitgraph.Commit, error) {
	visited := make(map[string]*commitgraph.Commit)
	var order []*commitgraph.Commit

	var visit func(hash string) error
	visit = func(hash string) error {
		if hash == "" {
			return nil
		}
		if _, ok := visited[hash]; ok {
			return nil
		}
		cm, err := sess.Commits().Get(ctx, hash)
		if err != nil {
			return fmt.Errorf("compiler: load commit %s: %w", hash, err)
		}
		if cm == nil {
			return nil
		}
		visited[hash] = cm
		order = append(order, cm)
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

	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt) // head-first: latest first
		}
		return a.CommitHash > b.CommitHash
	})
	return order, nil
}

func reverseCommits(commits []*commitgraph.Commit) {
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
}

func truncateAfter(commits []*commitgraph.Commit, upTo string) []*commitgraph.Commit {
	for i, cm := range commits {
		if cm.CommitHash == upTo {
			return commits[i:] // head-first order: keep from upTo to the end (root)
		}
	}
	return commits
}

func filterAsOf(commits []*commitgraph.Commit, asOf time.Time) []*commitgraph.Commit {
	out := commits[:0:0]
	for _, cm := range commits {
		if !cm.CreatedAt.After(asOf) {
			out = append(out, cm)
		}
	}
	return out
}

func filterAnnotationsAsOf(ctx context.Context, sess storage.Session, targets []string, asOf time.Time) map[string]annotation.Annotation {
	out := make(map[string]annotation.Annotation, len(targets))
	for _, t := range targets {
		hist, err := sess.Annotations().GetHistory(ctx, t)
		if err != nil {
			continue
		}
		var filtered []annotation.Annotation
		for _, a := range hist {
			if !a.CreatedAt.After(asOf) {
				filtered = append(filtered, a)
			}
		}
		if latest, ok := annotation.Latest(filtered); ok {
			out[t] = latest
		}
	}
	return out
}

// buildEditMap records target -> latest EDIT commit, tie-broken by
// CommitHash.
func buildEditMap(commits []*commitgraph.Commit) map[string]*commitgraph.Commit {
	m := make(map[string]*commitgraph.Commit)
	for _, cm := range commits {
		if cm.Operation != commitgraph.OpEdit || cm.EditTarget == "" {
			continue
		}
		cur, ok := m[cm.EditTarget]
		if !ok || cm.CreatedAt.After(cur.CreatedAt) || (cm.CreatedAt.Equal(cur.CreatedAt) && cm.CommitHash > cur.CommitHash) {
			m[cm.EditTarget] = cm
		}
	}
	return m
}

func priorityOf(reg *content.Registry, cm *commitgraph.Commit, latest map[string]annotation.Annotation) content.Priority {
	if a, ok := latest[cm.CommitHash]; ok {
		return a.Priority
	}
	return content.HintsFor(reg, cm.ContentType).DefaultPriority
}

func (c *Compiler) buildMessages(ctx context.Context, sess storage.Session, effective []*commitgraph.Commit, editMap map[string]*commitgraph.Commit, opts Options) ([]Message, []json.RawMessage, []bool, error) {
	messages := make([]Message, 0, len(effective))
	genConfigs := make([]json.RawMessage, 0, len(effective))
	edited := make([]bool, 0, len(effective))

	for _, cm := range effective {
		sourceHash := cm.CommitHash
		wasEdited := false
		if edit, ok := editMap[cm.CommitHash]; ok {
			sourceHash = edit.CommitHash
			wasEdited = true
		}
		source, err := sess.Commits().Get(ctx, sourceHash)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("compiler: load source commit %s: %w", sourceHash, err)
		}
		if source == nil {
			source = cm
		}
		b, err := sess.Blobs().Get(ctx, source.ContentHash)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("compiler: load blob %s: %w", source.ContentHash, err)
		}
		if b == nil {
			continue
		}
		raw, err := decodePayload(b.Payload)
		if err != nil {
			return nil, nil, nil, err
		}
		parsed, err := c.Registry.Validate(raw)
		if err != nil {
			continue // unresolvable payload: skip rather than abort compile
		}
		role := resolveRole(c.Registry, cm.ContentType, parsed, opts.RoleOverrides)
		text := content.ExtractText(parsed)
		if opts.IncludeEditAnnotations && wasEdited {
			text += " [edited]"
		}
		name := ""
		if d, ok := parsed.(content.Dialogue); ok {
			name = d.Name
		}
		messages = append(messages, Message{Role: role, Content: text, Name: name})
		genConfigs = append(genConfigs, cm.GenerationConfig)
		edited = append(edited, wasEdited)
	}
	return messages, genConfigs, edited, nil
}

func decodePayload(payload []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("compiler: decode blob payload: %w", err)
	}
	return m, nil
}

// resolveRole applies the priority-ordered role mapping: caller
// overrides, then the dialogue's own role, then tool, then the hint
// table, then assistant.
func resolveRole(reg *content.Registry, contentType string, parsed content.Content, overrides map[string]string) string {
	if overrides != nil {
		if r, ok := overrides[contentType]; ok {
			return r
		}
	}
	if d, ok := parsed.(content.Dialogue); ok {
		return string(d.Role)
	}
	if contentType == content.DiscToolIO {
		return "tool"
	}
	hints := content.HintsFor(reg, contentType)
	if hints.DefaultRole != "" {
		return hints.DefaultRole
	}
	return "assistant"
}

// aggregate collapses consecutive
// same-role messages, joining content with "\n\n" and keeping the first
// name in the run. Generation configs: the first non-nil config in the
// run is kept (there is no merge rule for divergent
// per-message configs once aggregated).
func aggregate(messages []Message, genConfigs []json.RawMessage) ([]Message, []json.RawMessage) {
	if len(messages) == 0 {
		return nil, nil
	}
	out := make([]Message, 0, len(messages))
	outGen := make([]json.RawMessage, 0, len(messages))
	cur := messages[0]
	curGen := genConfigs[0]
	for i := 1; i < len(messages); i++ {
		m := messages[i]
		if m.Role == cur.Role {
			cur.Content = cur.Content + "\n\n" + m.Content
			if curGen == nil {
				curGen = genConfigs[i]
			}
			continue
		}
		out = append(out, cur)
		outGen = append(outGen, curGen)
		cur = m
		curGen = genConfigs[i]
	}
	out = append(out, cur)
	outGen = append(outGen, curGen)
	return out, outGen
}

// lastCommitTools picks the tool set of the most
// recent effective commit that linked any tools, position-ordered.
func (c *Compiler) lastCommitTools(ctx context.Context, sess storage.Session, effective []*commitgraph.Commit) ([]*toolschema.ToolSchema, error) {
	for i := len(effective) - 1; i >= 0; i-- {
		hashes, err := sess.ToolSchemas().GetCommitToolHashes(ctx, effective[i].CommitHash)
		if err != nil {
			return nil, fmt.Errorf("compiler: tool links for %s: %w", effective[i].CommitHash, err)
		}
		if len(hashes) == 0 {
			continue
		}
		out := make([]*toolschema.ToolSchema, 0, len(hashes))
		for _, h := range hashes {
			ts, err := sess.ToolSchemas().Get(ctx, h)
			if err != nil {
				return nil, err
			}
			if ts != nil {
				out = append(out, ts)
			}
		}
		return out, nil
	}
	return nil, nil
}
