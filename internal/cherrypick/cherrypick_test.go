package cherrypick

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tract-dev/trace/internal/commitengine"
	"github.com/tract-dev/trace/internal/commitgraph"
	"github.com/tract-dev/trace/internal/content"
	"github.com/tract-dev/trace/internal/storage"
	"github.com/tract-dev/trace/internal/storage/memory"
	"github.com/tract-dev/trace/internal/tracerr"
)

const tractID = "tract-1"

type fixture struct {
	sess   storage.Session
	engine *commitengine.Engine
	ctx    context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tx, err := memory.NewEngine().Begin(context.Background())
	require.NoError(t, err)
	return &fixture{sess: tx, engine: commitengine.New(), ctx: context.Background()}
}

func (f *fixture) commit(t *testing.T, text string) string {
	t.Helper()
	info, err := f.engine.CreateCommit(f.ctx, f.sess, commitengine.CreateCommitInput{
		TractID: tractID, Content: content.Dialogue{Role: content.RoleUser, Text: text},
	})
	require.NoError(t, err)
	return info.CommitHash
}

func (f *fixture) switchBranch(t *testing.T, name, tip string) {
	t.Helper()
	require.NoError(t, f.sess.Refs().SetBranch(f.ctx, tractID, name, tip))
	require.NoError(t, f.sess.Refs().AttachHead(f.ctx, tractID, name))
}

func TestCherryPick_ReplaysAppendOntoHead(t *testing.T) {
	f := newFixture(t)
	base := f.commit(t, "base")

	f.switchBranch(t, "feature", base)
	picked := f.commit(t, "cherry")

	f.switchBranch(t, "main", base)
	result, err := CherryPick(f.ctx, f.sess, f.engine, tractID, "main", base, picked)
	require.NoError(t, err)

	assert.Equal(t, picked, result.OriginalCommit)
	assert.NotEqual(t, picked, result.ReplayedCommit)

	replayed, err := f.sess.Commits().Get(f.ctx, result.ReplayedCommit)
	require.NoError(t, err)
	assert.Equal(t, base, replayed.ParentHash)

	original, err := f.sess.Commits().Get(f.ctx, picked)
	require.NoError(t, err)
	assert.Equal(t, original.ContentHash, replayed.ContentHash)
	assert.NotNil(t, original) // the original stays in history
}

func TestCherryPick_UnknownCommit(t *testing.T) {
	f := newFixture(t)
	base := f.commit(t, "base")

	_, err := CherryPick(f.ctx, f.sess, f.engine, tractID, "main", base, "feedface"+"00000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, tracerr.ErrCommitNotFound)
}

func TestCherryPick_EditWithAncestorTargetSucceeds(t *testing.T) {
	f := newFixture(t)
	target := f.commit(t, "original")

	f.switchBranch(t, "feature", target)
	edit, err := f.engine.CreateCommit(f.ctx, f.sess, commitengine.CreateCommitInput{
		TractID: tractID, Content: content.Dialogue{Role: content.RoleUser, Text: "edited"},
		Operation: commitgraph.OpEdit, EditTarget: target,
	})
	require.NoError(t, err)

	f.switchBranch(t, "main", target)
	result, err := CherryPick(f.ctx, f.sess, f.engine, tractID, "main", target, edit.CommitHash)
	require.NoError(t, err)

	replayed, err := f.sess.Commits().Get(f.ctx, result.ReplayedCommit)
	require.NoError(t, err)
	assert.Equal(t, commitgraph.OpEdit, replayed.Operation)
	assert.Equal(t, target, replayed.EditTarget)
}

func TestCherryPick_EditWithForeignTargetOrphans(t *testing.T) {
	f := newFixture(t)
	root := f.commit(t, "root")

	f.switchBranch(t, "feature", root)
	foreign := f.commit(t, "feature only")
	edit, err := f.engine.CreateCommit(f.ctx, f.sess, commitengine.CreateCommitInput{
		TractID: tractID, Content: content.Dialogue{Role: content.RoleUser, Text: "edited"},
		Operation: commitgraph.OpEdit, EditTarget: foreign,
	})
	require.NoError(t, err)

	// Cherry-picking the edit onto main (which never saw `foreign`).
	f.switchBranch(t, "main", root)
	_, err = CherryPick(f.ctx, f.sess, f.engine, tractID, "main", root, edit.CommitHash)
	require.Error(t, err)
	var terr *tracerr.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tracerr.KindCherryPick, terr.Kind)
}
