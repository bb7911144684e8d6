// Package commitgraph defines the Commit record and CommitParent edge
// and the commit-identity hash.
package commitgraph

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tract-dev/trace/internal/blob"
)

// Operation distinguishes a fresh append from an in-place content swap.
type Operation string

const (
	OpAppend Operation = "append"
	OpEdit   Operation = "edit"
)

// Commit is the immutable write-once record binding a blob to a parent
// chain. CommitHash is computed over a strict subset of these fields
// (see CommitHash below); Message, Metadata, TokenCount, TractID, and
// GenerationConfig are explicitly excluded from identity
type Commit struct {
	CommitHash       string
	TractID          string
	ParentHash       string // empty for root commit
	ExtraParents     []string
	ContentHash      string
	ContentType      string
	Operation        Operation
	EditTarget       string // non-empty iff Operation == OpEdit
	Message          string
	TokenCount       int
	Metadata         json.RawMessage
	GenerationConfig json.RawMessage
	CreatedAt        time.Time
}

// CommitParent captures one extra-parent edge of a merge commit. The
// commit's primary single-parent pointer (Commit.ParentHash) is kept for
// fast linear-history lookups; CommitParent rows hold position >= 1
// (position 0 is implicitly the primary parent).
type CommitParent struct {
	CommitHash string
	ParentHash string
	Position   int
}

// hashRecord is the exact field set that participates in a commit's
// identity hash. Fields holding the Go zero value are omitted from the
// marshaled record (via `omitempty`) so an explicitly-empty EditTarget
// hashes identically to one that was never set
type hashRecord struct {
	ContentHash  string    `json:"content_hash"`
	ParentHash   string    `json:"parent_hash,omitempty"`
	ExtraParents []string  `json:"extra_parents,omitempty"`
	ContentType  string    `json:"content_type"`
	Operation    Operation `json:"operation"`
	Timestamp    string    `json:"timestamp_iso"`
	EditTarget   string    `json:"edit_target,omitempty"`
}

// CommitHash computes the SHA-256 hex digest of the canonical JSON of a
// commit's identity fields. extraParents is sorted
// before hashing so parent ordering never affects identity; the stored
// CommitParent rows still preserve the caller-supplied order via
// Position.
func CommitHash(contentHash, parentHash string, extraParents []string, contentType string, op Operation, timestampISO string, editTarget string) (string, error) {
	sorted := append([]string(nil), extraParents...)
	sort.Strings(sorted)
	rec := hashRecord{
		ContentHash:  contentHash,
		ParentHash:   parentHash,
		ExtraParents: sorted,
		ContentType:  contentType,
		Operation:    op,
		Timestamp:    timestampISO,
		EditTarget:   editTarget,
	}
	hash, _, err := blob.ContentHash(rec)
	if err != nil {
		return "", fmt.Errorf("commitgraph: hash: %w", err)
	}
	return hash, nil
}

// IsMerge reports whether the commit has more than one parent.
func (c *Commit) IsMerge() bool {
	return len(c.ExtraParents) > 0
}

// AllParents returns ParentHash followed by ExtraParents in position
// order, skipping an empty root parent.
func (c *Commit) AllParents() []string {
	out := make([]string, 0, 1+len(c.ExtraParents))
	if c.ParentHash != "" {
		out = append(out, c.ParentHash)
	}
	out = append(out, c.ExtraParents...)
	return out
}
