// Package ref implements the mutable Ref record: HEAD,
// branches, and the reserved bookkeeping refs used by navigation
// operations.
package ref

import "fmt"

// Reserved ref names.
const (
	HEAD     = "HEAD"
	OrigHead = "ORIG_HEAD"
	PrevHead = "PREV_HEAD"
)

// BranchRefName returns the fully-qualified ref name for a branch.
func BranchRefName(name string) string {
	return "refs/heads/" + name
}

// BranchName strips the refs/heads/ prefix, returning ok=false if refName
// is not a branch ref.
func BranchName(refName string) (string, bool) {
	const prefix = "refs/heads/"
	if len(refName) <= len(prefix) || refName[:len(prefix)] != prefix {
		return "", false
	}
	return refName[len(prefix):], true
}

// Ref is a named, mutable pointer: composite-keyed by (TractID, RefName).
// Exactly one of CommitHash or SymbolicTarget is non-empty, or both are
// empty on an uninitialised HEAD.
type Ref struct {
	TractID        string
	RefName        string
	CommitHash     string
	SymbolicTarget string // another ref name, e.g. refs/heads/main
}

// IsSymbolic reports whether this ref points at another ref rather than
// directly at a commit.
func (r Ref) IsSymbolic() bool {
	return r.SymbolicTarget != ""
}

// IsUninitialised reports an empty HEAD: no commit, no symbolic target.
func (r Ref) IsUninitialised() bool {
	return r.CommitHash == "" && r.SymbolicTarget == ""
}

// Validate enforces the "exactly one of CommitHash/SymbolicTarget, or
// both empty" invariant.
func (r Ref) Validate() error {
	if r.CommitHash != "" && r.SymbolicTarget != "" {
		return fmt.Errorf("ref %s: both commit_hash and symbolic_target set", r.RefName)
	}
	return nil
}
