package compression

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tract-dev/trace/internal/annotation"
	"github.com/tract-dev/trace/internal/commitengine"
	"github.com/tract-dev/trace/internal/content"
	"github.com/tract-dev/trace/internal/llmclient"
	"github.com/tract-dev/trace/internal/storage"
	"github.com/tract-dev/trace/internal/storage/memory"
	"github.com/tract-dev/trace/internal/tokencount"
	"github.com/tract-dev/trace/internal/tracerr"
)

const tractID = "tract-1"

func newSession(t *testing.T) storage.Session {
	t.Helper()
	eng := memory.NewEngine()
	tx, err := eng.Begin(context.Background())
	require.NoError(t, err)
	return tx
}

func mustCommit(t *testing.T, sess storage.Session, engine *commitengine.Engine, c content.Content, msg string) string {
	t.Helper()
	info, err := engine.CreateCommit(context.Background(), sess, commitengine.CreateCommitInput{
		TractID: tractID,
		Content: c,
		Message: msg,
	})
	require.NoError(t, err)
	return info.CommitHash
}

func TestCompress_AutoCommit_JoinsGroupsAndPinned(t *testing.T) {
	sess := newSession(t)
	engine := commitengine.New()

	first := mustCommit(t, sess, engine, content.Instruction{Text: "be concise"}, "system prompt")
	mid1 := mustCommit(t, sess, engine, content.Dialogue{Role: content.RoleUser, Text: "what is the plan"}, "user turn")
	mid2 := mustCommit(t, sess, engine, content.Dialogue{Role: content.RoleAssistant, Text: "do the thing"}, "assistant turn")
	last := mustCommit(t, sess, engine, content.Dialogue{Role: content.RoleUser, Text: "ok thanks"}, "user turn")

	client := &llmclient.NullClient{
		Respond: func(messages []llmclient.Message, opts llmclient.ChatOptions) (string, error) {
			return "condensed: plan discussed and executed", nil
		},
	}
	cfg := &Config{Engine: engine, Client: client, BatchCount: 10}

	result, err := Compress(context.Background(), sess, cfg, Input{
		TractID:    tractID,
		FromHash:   mid1,
		ToHash:     last,
		AutoCommit: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.CommitHash)
	require.Len(t, result.Groups, 1)
	assert.ElementsMatch(t, []string{mid1, mid2, last}, result.Groups[0].CommitHashes)

	summary, err := sess.Commits().Get(context.Background(), result.CommitHash)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, content.DiscSummary, summary.ContentType)
	assert.NotContains(t, result.Groups[0].CommitHashes, first)
}

func TestCompress_PinnedContentEmittedVerbatim(t *testing.T) {
	sess := newSession(t)
	engine := commitengine.New()

	instr := mustCommit(t, sess, engine, content.Instruction{Text: "remember the ground rules"}, "pinned")
	last := mustCommit(t, sess, engine, content.Dialogue{Role: content.RoleUser, Text: "go ahead"}, "turn")

	client := &llmclient.NullClient{
		Respond: func(messages []llmclient.Message, opts llmclient.ChatOptions) (string, error) {
			return "a compact summary", nil
		},
	}
	cfg := &Config{Engine: engine, Client: client}

	result, err := Compress(context.Background(), sess, cfg, Input{
		TractID:    tractID,
		FromHash:   instr,
		ToHash:     last,
		AutoCommit: true,
	})
	require.NoError(t, err)

	summary, err := sess.Commits().Get(context.Background(), result.CommitHash)
	require.NoError(t, err)
	blob, err := sess.Blobs().Get(context.Background(), summary.ContentHash)
	require.NoError(t, err)
	assert.Contains(t, string(blob.Payload), "remember the ground rules")
	assert.Contains(t, string(blob.Payload), "a compact summary")
}

func TestCompress_SkipCommitsExcludedFromRange(t *testing.T) {
	sess := newSession(t)
	engine := commitengine.New()

	first := mustCommit(t, sess, engine, content.Dialogue{Role: content.RoleUser, Text: "keep me"}, "turn")
	skipped := mustCommit(t, sess, engine, content.Dialogue{Role: content.RoleAssistant, Text: "debug noise"}, "turn")
	require.NoError(t, sess.Annotations().Save(context.Background(), &annotation.Annotation{
		TractID: tractID, TargetHash: skipped, Priority: content.PrioritySkip, Reason: "noisy",
	}))
	last := mustCommit(t, sess, engine, content.Dialogue{Role: content.RoleUser, Text: "wrap up"}, "turn")

	var seenTexts []string
	client := &llmclient.NullClient{
		Respond: func(messages []llmclient.Message, opts llmclient.ChatOptions) (string, error) {
			seenTexts = append(seenTexts, messages[0].Content)
			return "summary text", nil
		},
	}
	cfg := &Config{Engine: engine, Client: client}

	_, err := Compress(context.Background(), sess, cfg, Input{
		TractID:    tractID,
		FromHash:   first,
		ToHash:     last,
		AutoCommit: true,
	})
	require.NoError(t, err)
	require.Len(t, seenTexts, 1)
	assert.NotContains(t, seenTexts[0], "debug noise")
}

func TestCompress_RetentionValidationRetriesThenSucceeds(t *testing.T) {
	sess := newSession(t)
	engine := commitengine.New()

	important := mustCommit(t, sess, engine, content.Dialogue{Role: content.RoleAssistant, Text: "chose postgres for storage"}, "decision")
	require.NoError(t, sess.Annotations().Save(context.Background(), &annotation.Annotation{
		TractID: tractID, TargetHash: important, Priority: content.PriorityImportant,
		Retention: &annotation.Retention{
			MatchPatterns: []string{"postgres"},
			MatchMode:     annotation.MatchSubstring,
		},
	}))
	last := mustCommit(t, sess, engine, content.Dialogue{Role: content.RoleUser, Text: "sounds good"}, "turn")

	attempts := 0
	client := &llmclient.NullClient{
		Respond: func(messages []llmclient.Message, opts llmclient.ChatOptions) (string, error) {
			attempts++
			if attempts == 1 {
				return "a generic summary with no details", nil
			}
			return "decided to use postgres for storage", nil
		},
	}
	cfg := &Config{Engine: engine, Client: client, MaxRetries: 3}

	result, err := Compress(context.Background(), sess, cfg, Input{
		TractID:    tractID,
		FromHash:   important,
		ToHash:     last,
		AutoCommit: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Groups, 1)
	assert.Equal(t, 2, result.Groups[0].Attempts)
	assert.Contains(t, result.Groups[0].SummaryText, "postgres")
}

func TestCompress_RetentionValidationExhaustsRetries(t *testing.T) {
	sess := newSession(t)
	engine := commitengine.New()

	important := mustCommit(t, sess, engine, content.Dialogue{Role: content.RoleAssistant, Text: "chose postgres"}, "decision")
	require.NoError(t, sess.Annotations().Save(context.Background(), &annotation.Annotation{
		TractID: tractID, TargetHash: important, Priority: content.PriorityImportant,
		Retention: &annotation.Retention{MatchPatterns: []string{"postgres"}, MatchMode: annotation.MatchSubstring},
	}))

	client := &llmclient.NullClient{
		Respond: func(messages []llmclient.Message, opts llmclient.ChatOptions) (string, error) {
			return "never mentions the database choice", nil
		},
	}
	cfg := &Config{Engine: engine, Client: client, MaxRetries: 1}

	_, err := Compress(context.Background(), sess, cfg, Input{
		TractID:    tractID,
		FromHash:   important,
		ToHash:     important,
		AutoCommit: true,
	})
	require.Error(t, err)
	var terr *tracerr.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tracerr.KindRetryExhausted, terr.Kind)
}

func TestCompress_ManualMode_ReturnsPendingForApproval(t *testing.T) {
	sess := newSession(t)
	engine := commitengine.New()

	first := mustCommit(t, sess, engine, content.Dialogue{Role: content.RoleUser, Text: "hello"}, "turn")
	last := mustCommit(t, sess, engine, content.Dialogue{Role: content.RoleAssistant, Text: "hi there"}, "turn")

	client := &llmclient.NullClient{
		Respond: func(messages []llmclient.Message, opts llmclient.ChatOptions) (string, error) {
			return "greeting exchanged", nil
		},
	}
	cfg := &Config{Engine: engine, Client: client}

	result, err := Compress(context.Background(), sess, cfg, Input{
		TractID:    tractID,
		FromHash:   first,
		ToHash:     last,
		AutoCommit: false,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Pending)
	assert.Empty(t, result.CommitHash)

	result.Pending.EditSummary("human-edited: greeting exchanged politely")
	hash, err := result.Pending.Approve(context.Background(), sess)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	commit, err := sess.Commits().Get(context.Background(), hash)
	require.NoError(t, err)
	blob, err := sess.Blobs().Get(context.Background(), commit.ContentHash)
	require.NoError(t, err)
	assert.Contains(t, string(blob.Payload), "human-edited")
}

func TestCompress_ApproveRejectsWhenHeadMoved(t *testing.T) {
	sess := newSession(t)
	engine := commitengine.New()

	first := mustCommit(t, sess, engine, content.Dialogue{Role: content.RoleUser, Text: "hello"}, "turn")
	last := mustCommit(t, sess, engine, content.Dialogue{Role: content.RoleAssistant, Text: "hi there"}, "turn")

	client := &llmclient.NullClient{
		Respond: func(messages []llmclient.Message, opts llmclient.ChatOptions) (string, error) {
			return "greeting exchanged", nil
		},
	}
	cfg := &Config{Engine: engine, Client: client}

	result, err := Compress(context.Background(), sess, cfg, Input{
		TractID:      tractID,
		FromHash:     first,
		ToHash:       last,
		AutoCommit:   false,
		ExpectedHead: last,
	})
	require.NoError(t, err)

	// HEAD moves on: someone else commits before approval happens.
	mustCommit(t, sess, engine, content.Dialogue{Role: content.RoleUser, Text: "one more thing"}, "turn")

	_, err = result.Pending.Approve(context.Background(), sess)
	require.Error(t, err)
	var terr *tracerr.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tracerr.KindCompression, terr.Kind)
}

func TestCompress_TargetTokensSplitsIntoMultipleGroups(t *testing.T) {
	sess := newSession(t)
	engine := commitengine.New()
	engine.Counter = fixedCounter{perMessage: 50}

	var hashes []string
	for i := 0; i < 4; i++ {
		h := mustCommit(t, sess, engine, content.Dialogue{Role: content.RoleUser, Text: "turn content"}, "turn")
		hashes = append(hashes, h)
	}

	var callCount int
	client := &llmclient.NullClient{
		Respond: func(messages []llmclient.Message, opts llmclient.ChatOptions) (string, error) {
			callCount++
			return "summary", nil
		},
	}
	cfg := &Config{Engine: engine, Client: client}

	result, err := Compress(context.Background(), sess, cfg, Input{
		TractID:      tractID,
		FromHash:     hashes[0],
		ToHash:       hashes[len(hashes)-1],
		TargetTokens: 60,
		AutoCommit:   true,
	})
	require.NoError(t, err)
	assert.Greater(t, len(result.Groups), 1)
	assert.Equal(t, len(result.Groups), callCount)
}

type fixedCounter struct{ perMessage int }

func (f fixedCounter) CountText(string) int { return f.perMessage }
func (f fixedCounter) CountMessages(messages []tokencount.Message) int {
	return f.perMessage * len(messages)
}
