package merge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tract-dev/trace/internal/annotation"
	"github.com/tract-dev/trace/internal/commitengine"
	"github.com/tract-dev/trace/internal/commitgraph"
	"github.com/tract-dev/trace/internal/content"
	"github.com/tract-dev/trace/internal/storage"
	"github.com/tract-dev/trace/internal/storage/memory"
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

func (f *fixture) edit(t *testing.T, target, text string) string {
	t.Helper()
	info, err := f.engine.CreateCommit(f.ctx, f.sess, commitengine.CreateCommitInput{
		TractID: tractID, Content: content.Dialogue{Role: content.RoleUser, Text: text},
		Operation: commitgraph.OpEdit, EditTarget: target,
	})
	require.NoError(t, err)
	return info.CommitHash
}

func (f *fixture) switchBranch(t *testing.T, name, tip string) {
	t.Helper()
	require.NoError(t, f.sess.Refs().SetBranch(f.ctx, tractID, name, tip))
	require.NoError(t, f.sess.Refs().AttachHead(f.ctx, tractID, name))
}

func (f *fixture) branchTip(t *testing.T, name string) string {
	t.Helper()
	b, err := f.sess.Refs().GetBranch(f.ctx, tractID, name)
	require.NoError(t, err)
	require.NotNil(t, b)
	return b.CommitHash
}

func TestFindMergeBase_LinearAncestor(t *testing.T) {
	f := newFixture(t)
	first := f.commit(t, "one")
	second := f.commit(t, "two")

	base, err := FindMergeBase(f.ctx, f.sess, second, first)
	require.NoError(t, err)
	assert.Equal(t, first, base)
}

func TestFindMergeBase_DivergedBranches(t *testing.T) {
	f := newFixture(t)
	base := f.commit(t, "base")
	a := f.commit(t, "on main")

	f.switchBranch(t, "feature", base)
	b := f.commit(t, "on feature")

	got, err := FindMergeBase(f.ctx, f.sess, a, b)
	require.NoError(t, err)
	assert.Equal(t, base, got)
}

func TestMerge_SelfIsNoOp(t *testing.T) {
	f := newFixture(t)
	tip := f.commit(t, "one")

	result, err := Merge(f.ctx, f.sess, f.engine, tractID, "main", tip, tip, StrategyAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusNoOp, result.Status)
}

func TestMerge_FastForward(t *testing.T) {
	f := newFixture(t)
	x := f.commit(t, "X")

	f.switchBranch(t, "feature", x)
	y := f.commit(t, "Y")

	// Back on main (still at x), merge feature: fast-forward, no commit.
	f.switchBranch(t, "main", x)
	result, err := Merge(f.ctx, f.sess, f.engine, tractID, "main", x, y, StrategyAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFastForward, result.Status)
	assert.Equal(t, y, result.NewHead)
	assert.Equal(t, y, f.branchTip(t, "main"))

	// Merging again is a no-op.
	result, err = Merge(f.ctx, f.sess, f.engine, tractID, "main", y, y, StrategyAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusNoOp, result.Status)
}

func TestMerge_AncestorSourceIsNoOp(t *testing.T) {
	f := newFixture(t)
	first := f.commit(t, "one")
	second := f.commit(t, "two")

	result, err := Merge(f.ctx, f.sess, f.engine, tractID, "main", second, first, StrategyAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusNoOp, result.Status)
	assert.Equal(t, second, result.NewHead)
}

func TestMerge_DivergentAppendsProduceMergeCommit(t *testing.T) {
	f := newFixture(t)
	base := f.commit(t, "base")
	ours := f.commit(t, "ours")

	f.switchBranch(t, "feature", base)
	theirs := f.commit(t, "theirs")

	f.switchBranch(t, "main", ours)
	result, err := Merge(f.ctx, f.sess, f.engine, tractID, "main", ours, theirs, StrategyAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusMerged, result.Status)

	mergeCommit, err := f.sess.Commits().Get(f.ctx, result.NewHead)
	require.NoError(t, err)
	require.NotNil(t, mergeCommit)
	assert.Equal(t, ours, mergeCommit.ParentHash)

	parents, err := f.sess.CommitParents().GetParents(f.ctx, result.NewHead)
	require.NoError(t, err)
	assert.Equal(t, []string{theirs}, parents)
	assert.Equal(t, result.NewHead, f.branchTip(t, "main"))
}

func TestMerge_EditEditConflictReportedWithoutWrites(t *testing.T) {
	f := newFixture(t)
	x := f.commit(t, "X")

	oursEdit := f.edit(t, x, "A")

	f.switchBranch(t, "feature", x)
	theirsEdit := f.edit(t, x, "B")

	f.switchBranch(t, "main", oursEdit)
	result, err := Merge(f.ctx, f.sess, f.engine, tractID, "main", oursEdit, theirsEdit, StrategyAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, result.Status)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, ConflictEditEdit, result.Conflicts[0].Kind)
	assert.Equal(t, x, result.Conflicts[0].TargetHash)

	// No merge commit was written; the branch still points at our edit.
	assert.Equal(t, oursEdit, f.branchTip(t, "main"))
}

func TestMerge_ResolverResolvesEditEditConflict(t *testing.T) {
	f := newFixture(t)
	x := f.commit(t, "X")

	oursEdit := f.edit(t, x, "A")

	f.switchBranch(t, "feature", x)
	theirsEdit := f.edit(t, x, "B")

	f.switchBranch(t, "main", oursEdit)
	resolver := func(issue any) (Resolution, error) {
		conflict, ok := issue.(ConflictInfo)
		require.True(t, ok)
		assert.Equal(t, ConflictEditEdit, conflict.Kind)
		return Resolution{Action: ActionResolved, ContentText: "AB"}, nil
	}

	result, err := Merge(f.ctx, f.sess, f.engine, tractID, "main", oursEdit, theirsEdit, StrategySemantic, resolver)
	require.NoError(t, err)
	assert.Equal(t, StatusMerged, result.Status)

	parents, err := f.sess.CommitParents().GetParents(f.ctx, result.NewHead)
	require.NoError(t, err)
	assert.Equal(t, []string{theirsEdit}, parents)
}

func TestMerge_ResolverAbortSurfaces(t *testing.T) {
	f := newFixture(t)
	x := f.commit(t, "X")
	oursEdit := f.edit(t, x, "A")

	f.switchBranch(t, "feature", x)
	theirsEdit := f.edit(t, x, "B")

	f.switchBranch(t, "main", oursEdit)
	resolver := func(issue any) (Resolution, error) {
		return Resolution{Action: ActionAbort}, nil
	}

	_, err := Merge(f.ctx, f.sess, f.engine, tractID, "main", oursEdit, theirsEdit, StrategySemantic, resolver)
	require.Error(t, err)
}

func TestMerge_ResolverSkipDropsConflict(t *testing.T) {
	f := newFixture(t)
	x := f.commit(t, "X")
	oursEdit := f.edit(t, x, "A")

	f.switchBranch(t, "feature", x)
	theirsEdit := f.edit(t, x, "B")

	f.switchBranch(t, "main", oursEdit)
	resolver := func(issue any) (Resolution, error) {
		return Resolution{Action: ActionSkip}, nil
	}

	result, err := Merge(f.ctx, f.sess, f.engine, tractID, "main", oursEdit, theirsEdit, StrategySemantic, resolver)
	require.NoError(t, err)
	assert.Equal(t, StatusMerged, result.Status)
}

func TestMerge_EditSkipConflictDetected(t *testing.T) {
	f := newFixture(t)
	x := f.commit(t, "X")
	ourAppend := f.commit(t, "ours")
	require.NoError(t, f.sess.Annotations().Save(f.ctx, &annotation.Annotation{
		TractID: tractID, TargetHash: ourAppend, Priority: content.PrioritySkip,
	}))

	f.switchBranch(t, "feature", x)
	theirsEdit := f.edit(t, ourAppend, "edited elsewhere")

	f.switchBranch(t, "main", ourAppend)
	result, err := Merge(f.ctx, f.sess, f.engine, tractID, "main", ourAppend, theirsEdit, StrategyAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, result.Status)
	require.NotEmpty(t, result.Conflicts)
	assert.Equal(t, ConflictEditSkip, result.Conflicts[0].Kind)
}
