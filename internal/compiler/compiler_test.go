package compiler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tract-dev/trace/internal/annotation"
	"github.com/tract-dev/trace/internal/commitengine"
	"github.com/tract-dev/trace/internal/commitgraph"
	"github.com/tract-dev/trace/internal/content"
	"github.com/tract-dev/trace/internal/storage"
	"github.com/tract-dev/trace/internal/storage/memory"
	"github.com/tract-dev/trace/internal/tokencount"
)

const tractID = "tract-1"

type fixture struct {
	sess   storage.Session
	engine *commitengine.Engine
	comp   *Compiler
	ctx    context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tx, err := memory.NewEngine().Begin(context.Background())
	require.NoError(t, err)
	engine := commitengine.New()
	return &fixture{
		sess:   tx,
		engine: engine,
		comp:   &Compiler{Registry: engine.Registry, Counter: tokencount.NullCounter{}},
		ctx:    context.Background(),
	}
}

func (f *fixture) commit(t *testing.T, c content.Content) string {
	t.Helper()
	info, err := f.engine.CreateCommit(f.ctx, f.sess, commitengine.CreateCommitInput{
		TractID: tractID, Content: c,
	})
	require.NoError(t, err)
	return info.CommitHash
}

func (f *fixture) edit(t *testing.T, target string, c content.Content) string {
	t.Helper()
	info, err := f.engine.CreateCommit(f.ctx, f.sess, commitengine.CreateCommitInput{
		TractID: tractID, Content: c, Operation: commitgraph.OpEdit, EditTarget: target,
	})
	require.NoError(t, err)
	return info.CommitHash
}

func (f *fixture) head(t *testing.T) string {
	t.Helper()
	head, _, err := f.sess.Refs().GetHead(f.ctx, tractID)
	require.NoError(t, err)
	return head
}

func (f *fixture) compile(t *testing.T, opts Options) *CompiledContext {
	t.Helper()
	cc, err := f.comp.Compile(f.ctx, f.sess, tractID, f.head(t), opts)
	require.NoError(t, err)
	return cc
}

func TestCompile_EmptyHead(t *testing.T) {
	f := newFixture(t)
	cc, err := f.comp.Compile(f.ctx, f.sess, tractID, "", Options{})
	require.NoError(t, err)
	assert.Empty(t, cc.Messages)
	assert.Zero(t, cc.TokenCount)
	assert.Zero(t, cc.CommitCount)
}

func TestCompile_RolesAndOrder(t *testing.T) {
	f := newFixture(t)
	f.commit(t, content.Instruction{Text: "SYS"})
	f.commit(t, content.Dialogue{Role: content.RoleUser, Text: "hi"})
	f.commit(t, content.Dialogue{Role: content.RoleAssistant, Text: "hello"})

	cc := f.compile(t, Options{})
	require.Len(t, cc.Messages, 3)
	assert.Equal(t, Message{Role: "system", Content: "SYS"}, cc.Messages[0])
	assert.Equal(t, Message{Role: "user", Content: "hi"}, cc.Messages[1])
	assert.Equal(t, Message{Role: "assistant", Content: "hello"}, cc.Messages[2])
	assert.Equal(t, 3, cc.CommitCount)
}

func TestCompile_AggregatesConsecutiveSameRole(t *testing.T) {
	f := newFixture(t)
	f.commit(t, content.Dialogue{Role: content.RoleUser, Text: "part one", Name: "alice"})
	f.commit(t, content.Dialogue{Role: content.RoleUser, Text: "part two"})
	f.commit(t, content.Dialogue{Role: content.RoleAssistant, Text: "reply"})

	cc := f.compile(t, Options{})
	require.Len(t, cc.Messages, 2)
	assert.Equal(t, "part one\n\npart two", cc.Messages[0].Content)
	assert.Equal(t, "alice", cc.Messages[0].Name) // name from the first of the run
	assert.Equal(t, 3, cc.CommitCount)            // aggregation does not change commit count

	for i := 1; i < len(cc.Messages); i++ {
		assert.NotEqual(t, cc.Messages[i-1].Role, cc.Messages[i].Role)
	}
}

func TestCompile_EditSubstitutionLatestWins(t *testing.T) {
	f := newFixture(t)
	a := f.commit(t, content.Dialogue{Role: content.RoleUser, Text: "Hi"})

	f.edit(t, a, content.Dialogue{Role: content.RoleUser, Text: "Hi, world!"})
	cc := f.compile(t, Options{})
	require.Len(t, cc.Messages, 1)
	assert.Equal(t, "Hi, world!", cc.Messages[0].Content)

	f.edit(t, a, content.Dialogue{Role: content.RoleUser, Text: "Hi, world?"})
	cc = f.compile(t, Options{})
	require.Len(t, cc.Messages, 1)
	assert.Equal(t, "Hi, world?", cc.Messages[0].Content)
	assert.Equal(t, 1, cc.CommitCount) // EDIT commits never appear as messages
}

func TestCompile_IncludeEditAnnotations(t *testing.T) {
	f := newFixture(t)
	a := f.commit(t, content.Dialogue{Role: content.RoleUser, Text: "v1"})
	f.edit(t, a, content.Dialogue{Role: content.RoleUser, Text: "v2"})

	cc := f.compile(t, Options{IncludeEditAnnotations: true})
	require.Len(t, cc.Messages, 1)
	assert.Equal(t, "v2 [edited]", cc.Messages[0].Content)
}

func TestCompile_SkipAnnotationHidesCommit(t *testing.T) {
	f := newFixture(t)
	f.commit(t, content.Dialogue{Role: content.RoleSystem, Text: "one"})
	mid := f.commit(t, content.Dialogue{Role: content.RoleUser, Text: "two"})
	f.commit(t, content.Dialogue{Role: content.RoleAssistant, Text: "three"})

	require.NoError(t, f.sess.Annotations().Save(f.ctx, &annotation.Annotation{
		TractID: tractID, TargetHash: mid, Priority: content.PrioritySkip, CreatedAt: time.Now().UTC(),
	}))
	cc := f.compile(t, Options{})
	assert.Len(t, cc.Messages, 2)

	require.NoError(t, f.sess.Annotations().Save(f.ctx, &annotation.Annotation{
		TractID: tractID, TargetHash: mid, Priority: content.PriorityNormal, CreatedAt: time.Now().UTC().Add(time.Millisecond),
	}))
	cc = f.compile(t, Options{})
	assert.Len(t, cc.Messages, 3)
}

func TestCompile_AsOfAndUpToMutuallyExclusive(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	_, err := f.comp.Compile(f.ctx, f.sess, tractID, "whatever", Options{AsOf: &now, UpTo: "abcd"})
	require.Error(t, err)
}

func TestCompile_UpToTruncates(t *testing.T) {
	f := newFixture(t)
	f.commit(t, content.Dialogue{Role: content.RoleUser, Text: "first"})
	second := f.commit(t, content.Dialogue{Role: content.RoleAssistant, Text: "second"})
	f.commit(t, content.Dialogue{Role: content.RoleUser, Text: "third"})

	cc := f.compile(t, Options{UpTo: second})
	require.Len(t, cc.Messages, 2)
	assert.Equal(t, "second", cc.Messages[1].Content)
}

func TestCompile_AsOfFiltersLaterCommits(t *testing.T) {
	f := newFixture(t)
	f.commit(t, content.Dialogue{Role: content.RoleUser, Text: "early"})
	cutoff := time.Now().UTC()
	time.Sleep(2 * time.Millisecond)
	f.commit(t, content.Dialogue{Role: content.RoleAssistant, Text: "late"})

	cc := f.compile(t, Options{AsOf: &cutoff})
	require.Len(t, cc.Messages, 1)
	assert.Equal(t, "early", cc.Messages[0].Content)
}

func TestCompile_RoleOverridesWin(t *testing.T) {
	f := newFixture(t)
	f.commit(t, content.Reasoning{Text: "chain of thought"})

	cc := f.compile(t, Options{RoleOverrides: map[string]string{content.DiscReasoning: "system"}})
	require.Len(t, cc.Messages, 1)
	assert.Equal(t, "system", cc.Messages[0].Role)
}

func TestCompile_ToolIORoleIsTool(t *testing.T) {
	f := newFixture(t)
	f.commit(t, content.ToolIO{ToolName: "search", Direction: content.ToolIOCall, Payload: map[string]any{"q": "x"}})

	cc := f.compile(t, Options{})
	require.Len(t, cc.Messages, 1)
	assert.Equal(t, "tool", cc.Messages[0].Role)
}

func TestCompile_ToolsFromLastLinkingCommit(t *testing.T) {
	f := newFixture(t)
	schemaA := json.RawMessage(`{"name":"a"}`)
	schemaB := json.RawMessage(`{"name":"b"}`)

	_, err := f.engine.CreateCommit(f.ctx, f.sess, commitengine.CreateCommitInput{
		TractID: tractID,
		Content: content.Dialogue{Role: content.RoleUser, Text: "first"},
		Tools:   []commitengine.ToolInput{{Name: "a", Schema: schemaA}},
	})
	require.NoError(t, err)
	_, err = f.engine.CreateCommit(f.ctx, f.sess, commitengine.CreateCommitInput{
		TractID: tractID,
		Content: content.Dialogue{Role: content.RoleAssistant, Text: "second"},
		Tools:   []commitengine.ToolInput{{Name: "b", Schema: schemaB}},
	})
	require.NoError(t, err)
	f.commit(t, content.Dialogue{Role: content.RoleUser, Text: "third, no tools"})

	cc := f.compile(t, Options{})
	require.Len(t, cc.Tools, 1)
	assert.Equal(t, "b", cc.Tools[0].Name)
}

func TestCompile_MergeHistoryDeterministicOrder(t *testing.T) {
	f := newFixture(t)
	f.commit(t, content.Dialogue{Role: content.RoleUser, Text: "base"})
	side := f.commit(t, content.Dialogue{Role: content.RoleAssistant, Text: "side"})
	f.commit(t, content.Dialogue{Role: content.RoleUser, Text: "mainline"})

	// Merge commit referencing both tips.
	_, err := f.engine.CreateCommit(f.ctx, f.sess, commitengine.CreateCommitInput{
		TractID:      tractID,
		Content:      content.Instruction{Text: "merge"},
		ExtraParents: []string{side},
	})
	require.NoError(t, err)

	first := f.compile(t, Options{})
	second := f.compile(t, Options{})
	assert.Equal(t, first.Messages, second.Messages)
	assert.Equal(t, first.CommitHashes, second.CommitHashes)
}

func TestCompile_GenerationConfigsCarriedPerMessage(t *testing.T) {
	f := newFixture(t)
	cfg := json.RawMessage(`{"temperature":0.2}`)
	_, err := f.engine.CreateCommit(f.ctx, f.sess, commitengine.CreateCommitInput{
		TractID:          tractID,
		Content:          content.Dialogue{Role: content.RoleAssistant, Text: "reply"},
		GenerationConfig: cfg,
	})
	require.NoError(t, err)

	cc := f.compile(t, Options{})
	require.Len(t, cc.GenerationConfigs, 1)
	assert.JSONEq(t, string(cfg), string(cc.GenerationConfigs[0]))
}

func TestToAnthropic_ExtractsSystem(t *testing.T) {
	cc := &CompiledContext{Messages: []Message{
		{Role: "system", Content: "rule one"},
		{Role: "user", Content: "hi"},
		{Role: "system", Content: "rule two"},
		{Role: "assistant", Content: "hello"},
	}}
	am := cc.ToAnthropic()
	assert.Equal(t, "rule one\n\nrule two", am.System)
	require.Len(t, am.Messages, 2)
	assert.Equal(t, "user", am.Messages[0].Role)
	assert.Equal(t, "assistant", am.Messages[1].Role)
}

func TestToOpenAI_KeepsSystemInline(t *testing.T) {
	cc := &CompiledContext{Messages: []Message{
		{Role: "system", Content: "rule"},
		{Role: "user", Content: "hi", Name: "alice"},
	}}
	msgs := cc.ToOpenAI()
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "alice", msgs[1].Name)
}

func TestToParams_OmitToolsWhenAbsent(t *testing.T) {
	cc := &CompiledContext{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}
	assert.NotContains(t, cc.ToOpenAIParams(), "tools")
	assert.NotContains(t, cc.ToAnthropicParams(), "tools")
}
