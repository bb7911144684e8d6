package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tract-dev/trace/internal/annotation"
	"github.com/tract-dev/trace/internal/blob"
	"github.com/tract-dev/trace/internal/commitgraph"
	"github.com/tract-dev/trace/internal/content"
	"github.com/tract-dev/trace/internal/ref"
	"github.com/tract-dev/trace/internal/storage"
	"github.com/tract-dev/trace/internal/toolschema"
	"github.com/tract-dev/trace/internal/tracerr"
)

const tractID = "tract-1"

func newTx(t *testing.T) storage.Tx {
	t.Helper()
	tx, err := NewEngine().Begin(context.Background())
	require.NoError(t, err)
	return tx
}

func saveBlobAndCommit(t *testing.T, tx storage.Tx, hash, parent string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, tx.Blobs().SaveIfAbsent(ctx, &blob.Blob{
		ContentHash: "blob-" + hash, Payload: []byte(`{}`), CreatedAt: time.Now(),
	}))
	require.NoError(t, tx.Commits().Save(ctx, &commitgraph.Commit{
		CommitHash: hash, TractID: tractID, ParentHash: parent,
		ContentHash: "blob-" + hash, ContentType: "dialogue",
		Operation: commitgraph.OpAppend, CreatedAt: time.Now(),
	}))
}

func TestBlobs_SaveIfAbsentDeduplicates(t *testing.T) {
	tx := newTx(t)
	ctx := context.Background()

	b := &blob.Blob{ContentHash: "h1", Payload: []byte(`{"a":1}`), ByteSize: 7, TokenCount: 2}
	require.NoError(t, tx.Blobs().SaveIfAbsent(ctx, b))

	dupe := &blob.Blob{ContentHash: "h1", Payload: []byte(`{"a":1}`), ByteSize: 99}
	require.NoError(t, tx.Blobs().SaveIfAbsent(ctx, dupe))

	got, err := tx.Blobs().Get(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, 7, got.ByteSize) // first write wins
}

func TestCommits_SaveEnforcesReferences(t *testing.T) {
	tx := newTx(t)
	ctx := context.Background()

	err := tx.Commits().Save(ctx, &commitgraph.Commit{
		CommitHash: "c1", TractID: tractID, ContentHash: "missing-blob",
		Operation: commitgraph.OpAppend,
	})
	assert.ErrorIs(t, err, tracerr.ErrStorage)

	require.NoError(t, tx.Blobs().SaveIfAbsent(ctx, &blob.Blob{ContentHash: "b1", Payload: []byte(`{}`)}))
	err = tx.Commits().Save(ctx, &commitgraph.Commit{
		CommitHash: "c1", TractID: tractID, ParentHash: "missing-parent",
		ContentHash: "b1", Operation: commitgraph.OpAppend,
	})
	assert.ErrorIs(t, err, tracerr.ErrStorage)
}

func TestCommits_GetAncestorsHeadFirst(t *testing.T) {
	tx := newTx(t)
	saveBlobAndCommit(t, tx, "aaaa", "")
	saveBlobAndCommit(t, tx, "bbbb", "aaaa")
	saveBlobAndCommit(t, tx, "cccc", "bbbb")

	ancestors, err := tx.Commits().GetAncestors(context.Background(), "cccc", 0)
	require.NoError(t, err)
	require.Len(t, ancestors, 3)
	assert.Equal(t, "cccc", ancestors[0].CommitHash)
	assert.Equal(t, "aaaa", ancestors[2].CommitHash)

	limited, err := tx.Commits().GetAncestors(context.Background(), "cccc", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestCommits_GetByPrefix(t *testing.T) {
	tx := newTx(t)
	ctx := context.Background()
	saveBlobAndCommit(t, tx, "abcd1111", "")
	saveBlobAndCommit(t, tx, "abcd2222", "abcd1111")
	saveBlobAndCommit(t, tx, "ffff0000", "abcd2222")

	unique, err := tx.Commits().GetByPrefix(ctx, "ffff", tractID)
	require.NoError(t, err)
	require.NotNil(t, unique)
	assert.Equal(t, "ffff0000", unique.CommitHash)

	_, err = tx.Commits().GetByPrefix(ctx, "abcd", tractID)
	require.Error(t, err)
	var terr *tracerr.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tracerr.KindAmbiguousPrefix, terr.Kind)
	assert.Len(t, terr.Candidates, 2)

	none, err := tx.Commits().GetByPrefix(ctx, "9999", tractID)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRefs_SymbolicHeadResolution(t *testing.T) {
	tx := newTx(t)
	ctx := context.Background()

	_, ok, err := tx.Refs().GetHead(ctx, tractID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tx.Refs().SetBranch(ctx, tractID, "main", "c1"))
	require.NoError(t, tx.Refs().AttachHead(ctx, tractID, "main"))

	head, ok, err := tx.Refs().GetHead(ctx, tractID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c1", head)

	detached, err := tx.Refs().IsDetached(ctx, tractID)
	require.NoError(t, err)
	assert.False(t, detached)

	require.NoError(t, tx.Refs().DetachHead(ctx, tractID, "c2"))
	head, _, err = tx.Refs().GetHead(ctx, tractID)
	require.NoError(t, err)
	assert.Equal(t, "c2", head)
	detached, err = tx.Refs().IsDetached(ctx, tractID)
	require.NoError(t, err)
	assert.True(t, detached)
}

func TestRefs_ListBranchesExcludesBookkeeping(t *testing.T) {
	tx := newTx(t)
	ctx := context.Background()
	require.NoError(t, tx.Refs().SetBranch(ctx, tractID, "main", "c1"))
	require.NoError(t, tx.Refs().SetBranch(ctx, tractID, "feature", "c2"))
	require.NoError(t, tx.Refs().SetRef(ctx, tractID, ref.OrigHead, "c1"))

	branches, err := tx.Refs().ListBranches(ctx, tractID)
	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.Equal(t, "refs/heads/feature", branches[0].RefName)
	assert.Equal(t, "refs/heads/main", branches[1].RefName)
}

func TestAnnotations_LatestWinsWithinSameTimestamp(t *testing.T) {
	tx := newTx(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, tx.Annotations().Save(ctx, &annotation.Annotation{
		TractID: tractID, TargetHash: "c1", Priority: content.PrioritySkip, CreatedAt: now,
	}))
	require.NoError(t, tx.Annotations().Save(ctx, &annotation.Annotation{
		TractID: tractID, TargetHash: "c1", Priority: content.PriorityPinned, CreatedAt: now,
	}))

	latest, err := tx.Annotations().BatchGetLatest(ctx, []string{"c1", "c2"})
	require.NoError(t, err)
	require.Contains(t, latest, "c1")
	assert.NotContains(t, latest, "c2")
	// Equal timestamps: the later insertion (greater ID) wins.
	assert.Equal(t, content.PriorityPinned, latest["c1"].Priority)
}

func TestCommitParents_PositionOrder(t *testing.T) {
	tx := newTx(t)
	ctx := context.Background()

	require.NoError(t, tx.CommitParents().AddParents(ctx, "m1", []string{"p2", "p1"}, 1))
	parents, err := tx.CommitParents().GetParents(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p1"}, parents)
}

func TestToolSchemas_StoreIdempotentAndOrdered(t *testing.T) {
	tx := newTx(t)
	ctx := context.Background()

	ts := &toolschema.ToolSchema{ContentHash: "t1", Name: "search", Schema: []byte(`{}`)}
	require.NoError(t, tx.ToolSchemas().Store(ctx, ts))
	require.NoError(t, tx.ToolSchemas().Store(ctx, ts))

	require.NoError(t, tx.ToolSchemas().Store(ctx, &toolschema.ToolSchema{ContentHash: "t2", Name: "fetch", Schema: []byte(`{}`)}))
	require.NoError(t, tx.ToolSchemas().LinkToCommit(ctx, "c1", "t2", 0))
	require.NoError(t, tx.ToolSchemas().LinkToCommit(ctx, "c1", "t1", 1))

	tools, err := tx.ToolSchemas().GetForCommit(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "fetch", tools[0].Name)
	assert.Equal(t, "search", tools[1].Name)
}

func TestSchemaVersion(t *testing.T) {
	tx := newTx(t)
	ctx := context.Background()

	v, err := tx.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, tx.SetSchemaVersion(ctx, 3))
	v, err = tx.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}
