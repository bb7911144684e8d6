// Package toolschema implements the tool-definition provenance
// records: content-addressed tool schemas and their ordered link to the
// commits that were active when each schema was in scope. Tool schemas
// are never surfaced as messages — only as CompiledContext.Tools.
package toolschema

import (
	"encoding/json"
	"time"

	"github.com/tract-dev/trace/internal/blob"
)

// ToolSchema is a unique tool-definition payload, stored by canonical
// content hash (independent of commit content hashing, but using the
// same hasher for a single notion of identity across the engine).
type ToolSchema struct {
	ContentHash string
	Name        string
	Schema      json.RawMessage
	CreatedAt   time.Time
}

// Hash computes the content hash for a tool schema payload.
func Hash(schema json.RawMessage) (string, error) {
	var generic any
	if err := json.Unmarshal(schema, &generic); err != nil {
		return "", err
	}
	hash, _, err := blob.ContentHash(generic)
	return hash, err
}

// CommitTool links a commit to one tool schema active at that point,
// preserving declaration order via Position.
type CommitTool struct {
	CommitHash string
	ToolHash   string
	Position   int
}
