// Package annotation implements the append-only priority record: the
// latest annotation for a target commit determines its effective
// priority without ever mutating history.
package annotation

import (
	"time"

	"github.com/tract-dev/trace/internal/content"
)

// MatchMode controls how Retention.MatchPatterns are checked against a
// compression summary during validation.
type MatchMode string

const (
	MatchSubstring MatchMode = "substring"
	MatchRegex     MatchMode = "regex"
)

// Retention guides summarization and post-hoc validation for IMPORTANT
// commits. Only meaningful when Priority == content.PriorityImportant.
type Retention struct {
	Instructions  string
	MatchPatterns []string
	MatchMode     MatchMode
}

// Annotation is one append-only priority assertion about a target
// commit. ID is monotonically increasing in insertion order so ties on
// CreatedAt (clock coarseness) still resolve deterministically to "last
// inserted wins".
type Annotation struct {
	ID         int64
	TractID    string
	TargetHash string
	Priority   content.Priority
	Reason     string
	Retention  *Retention
	CreatedAt  time.Time
}

// Latest picks the current annotation from a target's full history: the
// one with the greatest CreatedAt, tie-broken by the greatest ID.
func Latest(history []Annotation) (Annotation, bool) {
	var best Annotation
	found := false
	for _, a := range history {
		if !found {
			best, found = a, true
			continue
		}
		if a.CreatedAt.After(best.CreatedAt) || (a.CreatedAt.Equal(best.CreatedAt) && a.ID > best.ID) {
			best = a
		}
	}
	return best, found
}
