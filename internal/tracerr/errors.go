// Package tracerr implements the typed error taxonomy: a
// single family of structured error kinds so callers (including a CLI
// collaborator) can branch on `errors.As`/`errors.Is` and format precise
// messages without parsing strings. Every package below the facade
// (storage, engine, operations) raises these directly; the root trace
// package re-exports them unchanged so callers never need to import this
// package by name.
package tracerr

import (
	"errors"
	"fmt"
)

// Kind discriminates the error taxonomy.
type Kind string

const (
	KindContentValidation Kind = "content_validation"
	KindEditTarget        Kind = "edit_target"
	KindDetachedHead      Kind = "detached_head"
	KindCommitNotFound    Kind = "commit_not_found"
	KindAmbiguousPrefix   Kind = "ambiguous_prefix"
	KindBudgetExceeded    Kind = "budget_exceeded"
	KindMergeConflict     Kind = "merge_conflict"
	KindSemanticSafety    Kind = "semantic_safety"
	KindCherryPick        Kind = "cherry_pick"
	KindCompression       Kind = "compression"
	KindRetryExhausted    Kind = "retry_exhausted"
	KindStorage           Kind = "storage"
	KindLLMClient         Kind = "llm_client"
)

// Error is the root error type. Fields beyond Kind/Message are populated
// selectively depending on Kind (see the constructors below) so callers
// can pull out the structured data they need (target hashes,
// budget numbers, candidate lists) instead of parsing Message.
type Error struct {
	Kind    Kind
	Message string

	// Populated for KindEditTarget, KindCherryPick, KindCommitNotFound.
	TargetHash string
	// Populated for KindAmbiguousPrefix.
	Prefix     string
	Candidates []string
	// Populated for KindBudgetExceeded.
	TokenCount  int
	BudgetLimit int
	// Populated for KindMergeConflict.
	Conflicts []ConflictSummary
	// Populated for KindRetryExhausted.
	Attempts      int
	LastDiagnosis string
	// Populated for KindLLMClient.
	LLMSubKind LLMSubKind
	RetryAfter int // seconds, rate-limit only

	Err error // wrapped cause, if any
}

// ConflictSummary is the minimal shape a MergeConflictError carries per
// conflict; the full ConflictInfo (see internal/merge) is richer but this
// keeps tracerr free of a dependency on the merge package.
type ConflictSummary struct {
	TargetHash string
	Reason     string
}

// LLMSubKind enumerates the LLMClientError subclasses the engine
// distinguishes for callers.
type LLMSubKind string

const (
	LLMAuth           LLMSubKind = "auth"
	LLMRateLimit      LLMSubKind = "rate_limit"
	LLMResponseFormat LLMSubKind = "response_format"
	LLMTransport      LLMSubKind = "transport"
)

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, tracerr.KindCommitNotFound-style sentinels)
// work: two *Error values match if they share a Kind, so sentinels stay
// usable while errors carry structured fields.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func sentinel(k Kind) *Error { return &Error{Kind: k} }

// Sentinels for errors.Is comparisons against a bare kind (no structured
// payload needed by the caller).
var (
	ErrContentValidation = sentinel(KindContentValidation)
	ErrEditTarget        = sentinel(KindEditTarget)
	ErrDetachedHead      = sentinel(KindDetachedHead)
	ErrCommitNotFound    = sentinel(KindCommitNotFound)
	ErrAmbiguousPrefix   = sentinel(KindAmbiguousPrefix)
	ErrBudgetExceeded    = sentinel(KindBudgetExceeded)
	ErrMergeConflict     = sentinel(KindMergeConflict)
	ErrSemanticSafety    = sentinel(KindSemanticSafety)
	ErrCherryPick        = sentinel(KindCherryPick)
	ErrCompression       = sentinel(KindCompression)
	ErrRetryExhausted    = sentinel(KindRetryExhausted)
	ErrStorage           = sentinel(KindStorage)
	ErrLLMClient         = sentinel(KindLLMClient)
)

func ContentValidation(discriminator, reason string) *Error {
	return &Error{Kind: KindContentValidation, Message: fmt.Sprintf("%s: %s", discriminator, reason)}
}

func EditTarget(targetHash, reason string) *Error {
	return &Error{Kind: KindEditTarget, TargetHash: targetHash, Message: reason}
}

func DetachedHead() *Error {
	return &Error{Kind: KindDetachedHead, Message: "commit attempted while HEAD is detached"}
}

func CommitNotFound(targetHash string) *Error {
	return &Error{Kind: KindCommitNotFound, TargetHash: targetHash, Message: fmt.Sprintf("no commit %q", targetHash)}
}

func AmbiguousPrefix(prefix string, candidates []string) *Error {
	return &Error{Kind: KindAmbiguousPrefix, Prefix: prefix, Candidates: candidates,
		Message: fmt.Sprintf("prefix %q matches %d commits", prefix, len(candidates))}
}

func BudgetExceeded(tokenCount, limit int) *Error {
	return &Error{Kind: KindBudgetExceeded, TokenCount: tokenCount, BudgetLimit: limit,
		Message: fmt.Sprintf("token budget exceeded: %d > %d", tokenCount, limit)}
}

func MergeConflict(conflicts []ConflictSummary) *Error {
	return &Error{Kind: KindMergeConflict, Conflicts: conflicts,
		Message: fmt.Sprintf("%d conflicting commit(s)", len(conflicts))}
}

func SemanticSafety(targetHash, reason string) *Error {
	return &Error{Kind: KindSemanticSafety, TargetHash: targetHash, Message: reason}
}

func CherryPick(targetHash, reason string) *Error {
	return &Error{Kind: KindCherryPick, TargetHash: targetHash, Message: reason}
}

func Compression(reason string) *Error {
	return &Error{Kind: KindCompression, Message: reason}
}

func RetryExhausted(attempts int, lastDiagnosis string, cause error) *Error {
	return &Error{Kind: KindRetryExhausted, Attempts: attempts, LastDiagnosis: lastDiagnosis, Err: cause,
		Message: fmt.Sprintf("exhausted after %d attempts: %s", attempts, lastDiagnosis)}
}

func Storage(reason string, cause error) *Error {
	return &Error{Kind: KindStorage, Message: reason, Err: cause}
}

func LLMClient(sub LLMSubKind, reason string, retryAfter int, cause error) *Error {
	return &Error{Kind: KindLLMClient, LLMSubKind: sub, Message: reason, RetryAfter: retryAfter, Err: cause}
}
