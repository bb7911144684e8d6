// Package storage declares the six repository interfaces
// that any backend (in-memory, embedded SQL, or a collaborator's own
// relational store) must implement, plus the Session/Engine abstraction
// that gives the facade exactly one transaction per call.
package storage

import (
	"context"
	"time"

	"github.com/tract-dev/trace/internal/annotation"
	"github.com/tract-dev/trace/internal/blob"
	"github.com/tract-dev/trace/internal/commitgraph"
	"github.com/tract-dev/trace/internal/ref"
	"github.com/tract-dev/trace/internal/toolschema"
)

// BlobRepository persists content-addressed blobs.
type BlobRepository interface {
	Get(ctx context.Context, contentHash string) (*blob.Blob, error)
	SaveIfAbsent(ctx context.Context, b *blob.Blob) error
}

// CommitRepository persists commit rows and answers DAG-shaped queries.
type CommitRepository interface {
	Get(ctx context.Context, hash string) (*commitgraph.Commit, error)
	Save(ctx context.Context, c *commitgraph.Commit) error
	// GetAncestors walks parent_hash (primary parent only) from head,
	// head-first, up to limit rows (0 = unbounded).
	GetAncestors(ctx context.Context, head string, limit int) ([]*commitgraph.Commit, error)
	// GetByPrefix returns the unique commit whose hash starts with
	// prefix. Returns a *tracerr.Error(KindAmbiguousPrefix) if more than
	// one commit matches, and (nil, nil) if none do.
	GetByPrefix(ctx context.Context, prefix string, tractID string) (*commitgraph.Commit, error)
	GetByType(ctx context.Context, tractID, contentType string) ([]*commitgraph.Commit, error)
	GetChildren(ctx context.Context, hash string) ([]*commitgraph.Commit, error)
}

// RefRepository persists the mutable ref table (HEAD, branches,
// bookkeeping refs).
type RefRepository interface {
	// GetHead resolves HEAD for tractID, following a symbolic HEAD to its
	// branch target. Returns ("", false, nil) for an uninitialised HEAD.
	GetHead(ctx context.Context, tractID string) (commitHash string, ok bool, err error)
	SetRef(ctx context.Context, tractID, name, commitHash string) error
	GetBranch(ctx context.Context, tractID, branchName string) (*ref.Ref, error)
	SetBranch(ctx context.Context, tractID, branchName, commitHash string) error
	ListBranches(ctx context.Context, tractID string) ([]*ref.Ref, error)
	AttachHead(ctx context.Context, tractID, branchName string) error
	DetachHead(ctx context.Context, tractID, commitHash string) error
	IsDetached(ctx context.Context, tractID string) (bool, error)
	// Get returns the raw ref row (symbolic-unresolved) for any ref name,
	// used by navigation for PREV_HEAD/ORIG_HEAD bookkeeping.
	Get(ctx context.Context, tractID, refName string) (*ref.Ref, error)
}

// AnnotationRepository persists the append-only annotation log.
type AnnotationRepository interface {
	Save(ctx context.Context, a *annotation.Annotation) error
	GetHistory(ctx context.Context, targetHash string) ([]annotation.Annotation, error)
	// BatchGetLatest resolves the current annotation for each of targets
	// in one round trip, avoiding the N+1 query calls out.
	BatchGetLatest(ctx context.Context, targets []string) (map[string]annotation.Annotation, error)
}

// CommitParentRepository persists merge-commit parent edges.
type CommitParentRepository interface {
	AddParents(ctx context.Context, commitHash string, parentHashes []string, startingPosition int) error
	GetParents(ctx context.Context, commitHash string) ([]string, error)
}

// ToolSchemaRepository persists tool-definition provenance.
type ToolSchemaRepository interface {
	Store(ctx context.Context, t *toolschema.ToolSchema) error // idempotent
	Get(ctx context.Context, hash string) (*toolschema.ToolSchema, error)
	GetForCommit(ctx context.Context, commitHash string) ([]*toolschema.ToolSchema, error)
	LinkToCommit(ctx context.Context, commitHash, toolHash string, position int) error
	GetCommitToolHashes(ctx context.Context, commitHash string) ([]string, error)
}

// Session groups one transaction's worth of repository handles.
// Repositories never call Commit (nor Flush); the enclosing Tx (or the
// facade, for a non-transactional backend) owns the final commit.
type Session interface {
	Blobs() BlobRepository
	Commits() CommitRepository
	Refs() RefRepository
	Annotations() AnnotationRepository
	CommitParents() CommitParentRepository
	ToolSchemas() ToolSchemaRepository

	SchemaVersion(ctx context.Context) (int, error)
	SetSchemaVersion(ctx context.Context, v int) error

	// Flush makes writes visible within this session without ending the
	// transaction. No repository calls it: in both built-in backends it is
	// a no-op, since later reads in the same Session already observe
	// earlier writes.
	Flush(ctx context.Context) error
}

// Tx is a Session bound to one transaction's lifecycle.
type Tx interface {
	Session
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Engine opens sessions against a concrete backend (in-memory map store,
// embedded SQL database, or a collaborator's own relational store) and
// owns migration/schema-version bookkeeping.
type Engine interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Clock abstracts "now" so the engine's monotonic, UTC, ISO-8601 clock
// can be swapped out in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock: time.Now() in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
