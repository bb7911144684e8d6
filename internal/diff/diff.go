// Package diff compiles two commits, serializes
// their messages, align with an LCS-based diff, and report per-position
// status plus aggregate stats.
package diff

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tract-dev/trace/internal/commitgraph"
	"github.com/tract-dev/trace/internal/compiler"
	"github.com/tract-dev/trace/internal/storage"
)

// Status is one MessageDiff's alignment outcome.
type Status string

const (
	StatusEqual   Status = "equal"
	StatusInsert  Status = "insert"
	StatusDelete  Status = "delete"
	StatusReplace Status = "replace"
)

// MessageDiff is one aligned position's result.
type MessageDiff struct {
	Status      Status
	Before      string // serialized "role: ...\n---\n..." form, or "" for insert
	After       string // serialized form, or "" for delete
	UnifiedDiff string // only populated for StatusReplace
}

// GenerationConfigChange records one field's old/new value across the
// two commits.
type GenerationConfigChange struct {
	Field string
	Old   any
	New   any
}

// DiffResult is the output of Diff.
type DiffResult struct {
	Messages                []MessageDiff
	Added                   int
	Removed                 int
	Modified                int
	TokenDelta              int
	GenerationConfigChanges []GenerationConfigChange
}

// Compiler is the narrow capability diff needs from internal/compiler,
// so this package doesn't have to import storage.Session's concrete
// registry wiring itself.
type Compiler interface {
	Compile(ctx context.Context, sess storage.Session, tractID, headHash string, opts compiler.Options) (*compiler.CompiledContext, error)
}

// Diff aligns two commits' compiled messages. If commitB is an EDIT
// commit and commitA is empty, commitA defaults to commitB's edit
// target; otherwise it defaults to commitB's parent.
func Diff(ctx context.Context, sess storage.Session, comp Compiler, tractID, commitA, commitB string) (*DiffResult, error) {
	if commitA == "" {
		cm, err := sess.Commits().Get(ctx, commitB)
		if err != nil {
			return nil, fmt.Errorf("diff: load commit_b: %w", err)
		}
		if cm == nil {
			return nil, fmt.Errorf("diff: commit_b %q not found", commitB)
		}
		if cm.Operation == commitgraph.OpEdit && cm.EditTarget != "" {
			commitA = cm.EditTarget
		} else {
			commitA = cm.ParentHash
		}
	}

	ccA, err := comp.Compile(ctx, sess, tractID, commitA, compiler.Options{})
	if err != nil {
		return nil, fmt.Errorf("diff: compile commit_a: %w", err)
	}
	ccB, err := comp.Compile(ctx, sess, tractID, commitB, compiler.Options{})
	if err != nil {
		return nil, fmt.Errorf("diff: compile commit_b: %w", err)
	}

	serialA := serializeAll(ccA.Messages)
	serialB := serializeAll(ccB.Messages)

	ops := lcsAlign(serialA, serialB)

	result := &DiffResult{TokenDelta: ccB.TokenCount - ccA.TokenCount}
	for _, op := range ops {
		switch op.kind {
		case opEqual:
			result.Messages = append(result.Messages, MessageDiff{Status: StatusEqual, Before: serialA[op.i], After: serialB[op.j]})
		case opDelete:
			result.Messages = append(result.Messages, MessageDiff{Status: StatusDelete, Before: serialA[op.i]})
			result.Removed++
		case opInsert:
			result.Messages = append(result.Messages, MessageDiff{Status: StatusInsert, After: serialB[op.j]})
			result.Added++
		case opReplace:
			result.Messages = append(result.Messages, MessageDiff{
				Status: StatusReplace, Before: serialA[op.i], After: serialB[op.j],
				UnifiedDiff: unifiedDiff(serialA[op.i], serialB[op.j]),
			})
			result.Modified++
		}
	}

	result.GenerationConfigChanges = diffGenerationConfigs(ccA.GenerationConfigs, ccB.GenerationConfigs)
	return result, nil
}

func serializeOne(m compiler.Message) string {
	return fmt.Sprintf("role: %s\n---\n%s", m.Role, m.Content)
}

func serializeAll(messages []compiler.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = serializeOne(m)
	}
	return out
}

type opKind int

const (
	opEqual opKind = iota
	opInsert
	opDelete
	opReplace
)

type op struct {
	kind opKind
	i, j int
}

// lcsAlign computes a longest-common-subsequence based alignment between
// a and b, emitting equal/insert/delete ops, then collapsing an adjacent
// delete+insert pair at the same position into a single replace.
func lcsAlign(a, b []string) []op {
	n, m := len(a), len(b)
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	var raw []op
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			raw = append(raw, op{opEqual, i, j})
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			raw = append(raw, op{opDelete, i, -1})
			i++
		default:
			raw = append(raw, op{opInsert, -1, j})
			j++
		}
	}
	for ; i < n; i++ {
		raw = append(raw, op{opDelete, i, -1})
	}
	for ; j < m; j++ {
		raw = append(raw, op{opInsert, -1, j})
	}

	// Collapse adjacent delete+insert (in either order) into replace.
	out := make([]op, 0, len(raw))
	for k := 0; k < len(raw); k++ {
		if k+1 < len(raw) {
			cur, next := raw[k], raw[k+1]
			if cur.kind == opDelete && next.kind == opInsert {
				out = append(out, op{opReplace, cur.i, next.j})
				k++
				continue
			}
			if cur.kind == opInsert && next.kind == opDelete {
				out = append(out, op{opReplace, next.i, cur.j})
				k++
				continue
			}
		}
		out = append(out, raw[k])
	}
	return out
}

// unifiedDiff produces a minimal line-oriented unified diff between two
// serialized messages for a StatusReplace entry.
func unifiedDiff(before, after string) string {
	beforeLines := strings.Split(before, "\n")
	afterLines := strings.Split(after, "\n")
	var sb strings.Builder
	sb.WriteString("--- before\n+++ after\n")
	for _, l := range beforeLines {
		sb.WriteString("-" + l + "\n")
	}
	for _, l := range afterLines {
		sb.WriteString("+" + l + "\n")
	}
	return sb.String()
}

// diffGenerationConfigs reports per-field old/new tuples between the
// last non-nil generation_config seen on each side.
// generation_config is opaque JSON at this layer, so fields are compared
// structurally rather than against a concrete LLMConfig shape.
func diffGenerationConfigs(before, after []json.RawMessage) []GenerationConfigChange {
	a := lastNonNil(before)
	b := lastNonNil(after)
	if a == nil && b == nil {
		return nil
	}
	keys := make(map[string]struct{})
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	var changes []GenerationConfigChange
	for k := range keys {
		av, aok := a[k]
		bv, bok := b[k]
		if aok && bok && jsonEqual(av, bv) {
			continue
		}
		changes = append(changes, GenerationConfigChange{Field: k, Old: av, New: bv})
	}
	return changes
}

func lastNonNil(configs []json.RawMessage) map[string]any {
	for i := len(configs) - 1; i >= 0; i-- {
		if len(configs[i]) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(configs[i], &m); err == nil {
			return m
		}
	}
	return nil
}

func jsonEqual(a, b any) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}
