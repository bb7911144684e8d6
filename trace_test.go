package trace_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	trace "github.com/tract-dev/trace"
	"github.com/tract-dev/trace/internal/llmclient"
	"github.com/tract-dev/trace/internal/tokencount"
)

func openTract(t *testing.T, opts trace.Options) *trace.Tract {
	t.Helper()
	tract, err := trace.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { tract.Close() })
	return tract
}

func mustCommit(t *testing.T, tract *trace.Tract, c trace.Content) *trace.CommitInfo {
	t.Helper()
	info, err := tract.Commit(context.Background(), c, trace.CommitOptions{})
	require.NoError(t, err)
	return info
}

func roles(cc *trace.CompiledContext) []string {
	out := make([]string, len(cc.Messages))
	for i, m := range cc.Messages {
		out[i] = m.Role
	}
	return out
}

func contents(cc *trace.CompiledContext) []string {
	out := make([]string, len(cc.Messages))
	for i, m := range cc.Messages {
		out[i] = m.Content
	}
	return out
}

func TestAppendCompileRoundTrip(t *testing.T) {
	tract := openTract(t, trace.Options{})
	ctx := context.Background()

	mustCommit(t, tract, trace.Instruction{Text: "SYS"})
	mustCommit(t, tract, trace.Dialogue{Role: trace.RoleUser, Text: "hi"})
	mustCommit(t, tract, trace.Dialogue{Role: trace.RoleAssistant, Text: "hello"})

	cc, err := tract.Compile(ctx, trace.CompileOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"system", "user", "assistant"}, roles(cc))
	assert.Equal(t, []string{"SYS", "hi", "hello"}, contents(cc))
	assert.Equal(t, 3, cc.CommitCount)
}

func TestEditSubstitution(t *testing.T) {
	tract := openTract(t, trace.Options{})
	ctx := context.Background()

	a := mustCommit(t, tract, trace.Dialogue{Role: trace.RoleUser, Text: "Hi"})

	_, err := tract.Edit(ctx, a.CommitHash, trace.Dialogue{Role: trace.RoleUser, Text: "Hi, world!"}, trace.CommitOptions{})
	require.NoError(t, err)
	cc, err := tract.Compile(ctx, trace.CompileOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi, world!"}, contents(cc))

	_, err = tract.Edit(ctx, a.CommitHash, trace.Dialogue{Role: trace.RoleUser, Text: "Hi, world?"}, trace.CommitOptions{})
	require.NoError(t, err)
	cc, err = tract.Compile(ctx, trace.CompileOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi, world?"}, contents(cc))
}

func TestSkipAnnotationRoundTrip(t *testing.T) {
	tract := openTract(t, trace.Options{})
	ctx := context.Background()

	mustCommit(t, tract, trace.Dialogue{Role: trace.RoleSystem, Text: "one"})
	mid := mustCommit(t, tract, trace.Dialogue{Role: trace.RoleUser, Text: "two"})
	mustCommit(t, tract, trace.Dialogue{Role: trace.RoleAssistant, Text: "three"})

	require.NoError(t, tract.Annotate(ctx, mid.CommitHash, trace.PrioritySkip, "noise", nil))
	cc, err := tract.Compile(ctx, trace.CompileOptions{})
	require.NoError(t, err)
	assert.Len(t, cc.Messages, 2)

	require.NoError(t, tract.Annotate(ctx, mid.CommitHash, trace.PriorityNormal, "restored", nil))
	cc, err = tract.Compile(ctx, trace.CompileOptions{})
	require.NoError(t, err)
	assert.Len(t, cc.Messages, 3)
}

func TestFastForwardMerge(t *testing.T) {
	tract := openTract(t, trace.Options{})
	ctx := context.Background()

	x := mustCommit(t, tract, trace.Dialogue{Role: trace.RoleUser, Text: "X"})

	require.NoError(t, tract.CreateBranch(ctx, "feature", ""))
	require.NoError(t, tract.Checkout(ctx, "feature"))
	y := mustCommit(t, tract, trace.Dialogue{Role: trace.RoleAssistant, Text: "Y"})

	require.NoError(t, tract.Checkout(ctx, "main"))
	result, err := tract.Merge(ctx, "feature", trace.StrategyAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, trace.MergeStatus("fast_forward"), result.Status)
	assert.Equal(t, y.CommitHash, result.NewHead)

	head, err := tract.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, y.CommitHash, head)
	_ = x

	result, err = tract.Merge(ctx, "feature", trace.StrategyAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, trace.MergeStatus("no_op"), result.Status)
}

func TestDivergentMergeWithResolver(t *testing.T) {
	tract := openTract(t, trace.Options{})
	ctx := context.Background()

	x := mustCommit(t, tract, trace.Dialogue{Role: trace.RoleUser, Text: "X"})

	require.NoError(t, tract.CreateBranch(ctx, "a", ""))
	require.NoError(t, tract.CreateBranch(ctx, "b", ""))

	require.NoError(t, tract.Checkout(ctx, "a"))
	_, err := tract.Edit(ctx, x.CommitHash, trace.Dialogue{Role: trace.RoleUser, Text: "A"}, trace.CommitOptions{})
	require.NoError(t, err)

	require.NoError(t, tract.Checkout(ctx, "b"))
	_, err = tract.Edit(ctx, x.CommitHash, trace.Dialogue{Role: trace.RoleUser, Text: "B"}, trace.CommitOptions{})
	require.NoError(t, err)

	require.NoError(t, tract.Checkout(ctx, "a"))
	resolver := trace.Resolver(func(issue any) (trace.Resolution, error) {
		return trace.Resolution{Action: "resolved", ContentText: "AB"}, nil
	})
	result, err := tract.Merge(ctx, "b", trace.StrategySemantic, resolver)
	require.NoError(t, err)
	assert.Equal(t, trace.MergeStatus("merged"), result.Status)

	// The merge commit has two parents.
	log, err := tract.Log(ctx, 1)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.True(t, log[0].IsMerge())

	// Compile shows the resolved text at X's position.
	cc, err := tract.Compile(ctx, trace.CompileOptions{})
	require.NoError(t, err)
	assert.Equal(t, "AB", cc.Messages[0].Content)
	assert.Equal(t, "user", cc.Messages[0].Role)
}

func TestCompressionRoundTripWithRetention(t *testing.T) {
	attempt := 0
	client := &llmclient.NullClient{
		Respond: func(messages []llmclient.Message, opts llmclient.ChatOptions) (string, error) {
			attempt++
			if attempt == 1 {
				return "a summary that forgets the budget", nil
			}
			return "agreed on a $50k budget for the project", nil
		},
	}
	tract := openTract(t, trace.Options{Client: client})
	ctx := context.Background()

	var hashes []string
	for i := 0; i < 10; i++ {
		role := trace.RoleUser
		if i%2 == 1 {
			role = trace.RoleAssistant
		}
		info := mustCommit(t, tract, trace.Dialogue{Role: role, Text: "turn about the budget"})
		hashes = append(hashes, info.CommitHash)
	}

	require.NoError(t, tract.Annotate(ctx, hashes[4], trace.PriorityImportant, "money talk", &trace.Retention{
		MatchPatterns: []string{"$50k"},
		MatchMode:     trace.MatchSubstring,
	}))

	result, err := tract.Compress(ctx, trace.CompressRequest{
		From:         hashes[0],
		To:           hashes[9],
		Instructions: "summarise",
		Mode:         trace.CompressAutonomous,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.CommitHash)
	require.Len(t, result.Groups, 1)
	assert.Equal(t, 2, result.Groups[0].Attempts)
	assert.Contains(t, result.Groups[0].SummaryText, "$50k")

	// The subsumed range is SKIP-annotated: compile at the new HEAD
	// yields just the summary (no pinned commits in this range).
	cc, err := tract.Compile(ctx, trace.CompileOptions{})
	require.NoError(t, err)
	require.Len(t, cc.Messages, 1)
	assert.Contains(t, cc.Messages[0].Content, "$50k")
}

func TestCompressionManualModeApprove(t *testing.T) {
	client := &llmclient.NullClient{
		Respond: func(messages []llmclient.Message, opts llmclient.ChatOptions) (string, error) {
			return "pending summary", nil
		},
	}
	tract := openTract(t, trace.Options{Client: client})
	ctx := context.Background()

	first := mustCommit(t, tract, trace.Dialogue{Role: trace.RoleUser, Text: "hello"})
	last := mustCommit(t, tract, trace.Dialogue{Role: trace.RoleAssistant, Text: "hi"})

	result, err := tract.Compress(ctx, trace.CompressRequest{
		From: first.CommitHash,
		To:   last.CommitHash,
		Mode: trace.CompressManual,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Pending)
	assert.Empty(t, result.CommitHash)

	result.Pending.EditSummary("human-reviewed summary")
	hash, err := tract.ApproveCompression(ctx, result.Pending)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
}

func TestDetachedHeadRejectsCommit(t *testing.T) {
	tract := openTract(t, trace.Options{})
	ctx := context.Background()

	first := mustCommit(t, tract, trace.Dialogue{Role: trace.RoleUser, Text: "one"})
	mustCommit(t, tract, trace.Dialogue{Role: trace.RoleAssistant, Text: "two"})

	require.NoError(t, tract.Checkout(ctx, first.CommitHash))
	_, err := tract.Commit(ctx, trace.Dialogue{Role: trace.RoleUser, Text: "three"}, trace.CommitOptions{})
	assert.ErrorIs(t, err, trace.ErrDetachedHead)
}

func TestCheckoutDashReturnsToPrevious(t *testing.T) {
	tract := openTract(t, trace.Options{})
	ctx := context.Background()

	first := mustCommit(t, tract, trace.Dialogue{Role: trace.RoleUser, Text: "one"})
	second := mustCommit(t, tract, trace.Dialogue{Role: trace.RoleAssistant, Text: "two"})

	require.NoError(t, tract.Checkout(ctx, first.CommitHash))
	require.NoError(t, tract.Checkout(ctx, "-"))

	head, err := tract.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.CommitHash, head)
}

func TestCheckoutDashWithoutPrevFails(t *testing.T) {
	tract := openTract(t, trace.Options{})
	mustCommit(t, tract, trace.Dialogue{Role: trace.RoleUser, Text: "one"})

	err := tract.Checkout(context.Background(), "-")
	require.Error(t, err)
}

func TestBudgetRejectRollsBack(t *testing.T) {
	tract := openTract(t, trace.Options{
		Counter: runeCounter{},
		Budget:  &trace.BudgetConfig{Limit: 10, Policy: trace.BudgetReject},
	})
	ctx := context.Background()

	mustCommit(t, tract, trace.Dialogue{Role: trace.RoleUser, Text: "short"})
	_, err := tract.Commit(ctx, trace.Dialogue{Role: trace.RoleUser, Text: "far too long to fit"}, trace.CommitOptions{})
	assert.ErrorIs(t, err, trace.ErrBudgetExceeded)

	log, err := tract.Log(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestCommitDictValidation(t *testing.T) {
	tract := openTract(t, trace.Options{})
	ctx := context.Background()

	info, err := tract.CommitDict(ctx, map[string]any{
		"type": "dialogue", "role": "user", "text": "from a dict",
	}, trace.CommitOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, info.CommitHash)

	_, err = tract.CommitDict(ctx, map[string]any{"type": "dialogue"}, trace.CommitOptions{})
	assert.ErrorIs(t, err, trace.ErrContentValidation)
}

func TestResolvePrefixAndUnknown(t *testing.T) {
	tract := openTract(t, trace.Options{})
	ctx := context.Background()

	info := mustCommit(t, tract, trace.Dialogue{Role: trace.RoleUser, Text: "only"})

	resolved, err := tract.ResolveCommit(ctx, info.CommitHash[:6])
	require.NoError(t, err)
	assert.Equal(t, info.CommitHash, resolved)

	_, err = tract.ResolveCommit(ctx, "zzzz")
	assert.ErrorIs(t, err, trace.ErrCommitNotFound)
}

func TestBatchAppliesAllWrites(t *testing.T) {
	tract := openTract(t, trace.Options{})
	ctx := context.Background()

	err := tract.Batch(ctx, func(ctx context.Context) error {
		for _, text := range []string{"one", "two", "three"} {
			if _, err := tract.Commit(ctx, trace.Dialogue{Role: trace.RoleUser, Text: text}, trace.CommitOptions{}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	log, err := tract.Log(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, log, 3)
}

func TestCacheHitMatchesFullCompile(t *testing.T) {
	tract := openTract(t, trace.Options{Counter: runeCounter{}})
	ctx := context.Background()

	mustCommit(t, tract, trace.Dialogue{Role: trace.RoleUser, Text: "hi"})
	mustCommit(t, tract, trace.Dialogue{Role: trace.RoleAssistant, Text: "hello"})
	mustCommit(t, tract, trace.Dialogue{Role: trace.RoleAssistant, Text: "again"})

	// The first compile fills the cache; the second is served from it.
	_, err := tract.Compile(ctx, trace.CompileOptions{})
	require.NoError(t, err)
	cached, err := tract.Compile(ctx, trace.CompileOptions{})
	require.NoError(t, err)
	full, err := tract.Compile(ctx, trace.CompileOptions{NoCache: true})
	require.NoError(t, err)

	assert.Equal(t, full.Messages, cached.Messages)
	assert.Equal(t, full.TokenCount, cached.TokenCount)
	assert.Equal(t, full.CommitCount, cached.CommitCount)
	assert.Equal(t, full.CommitHashes, cached.CommitHashes)
}

type auditContent struct {
	Payload any `json:"payload"`
}

func (auditContent) Discriminator() string { return "audit" }

func TestRegisterContentTypeExtension(t *testing.T) {
	tract := openTract(t, trace.Options{})
	ctx := context.Background()

	tract.RegisterContentType("audit", func(raw map[string]any) (trace.Content, error) {
		return auditContent{Payload: raw["payload"]}, nil
	}, &trace.ContentHints{DefaultPriority: trace.PriorityPinned, DefaultRole: "system"})

	info, err := tract.CommitDict(ctx, map[string]any{
		"type": "audit", "payload": map[string]any{"event": "login"},
	}, trace.CommitOptions{})
	require.NoError(t, err)

	// The registered hints apply: PINNED default auto-annotates, and the
	// compiled role comes from the extension's hint table entry.
	hist, err := tract.AnnotationHistory(ctx, info.CommitHash)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, trace.PriorityPinned, hist[0].Priority)

	cc, err := tract.Compile(ctx, trace.CompileOptions{})
	require.NoError(t, err)
	require.Len(t, cc.Messages, 1)
	assert.Equal(t, "system", cc.Messages[0].Role)
}

type runeCounter struct{}

func (runeCounter) CountText(text string) int { return len([]rune(text)) }
func (runeCounter) CountMessages(messages []tokencount.Message) int {
	total := 3
	for _, m := range messages {
		total += 3 + len([]rune(m.Content))
	}
	return total
}
