// Package content defines the typed sum of things that can be committed to
// a tract: the discriminated union of built-in variants plus the instance
// scoped registry that lets callers shadow or extend it.
package content

import (
	"encoding/json"
	"fmt"
)

// Priority is the compile-time visibility tier of a commit's content.
// Annotation.Priority (see package annotation) overrides this per-target;
// this is only the content type's default.
type Priority string

const (
	PrioritySkip      Priority = "SKIP"
	PriorityNormal    Priority = "NORMAL"
	PriorityImportant Priority = "IMPORTANT"
	PriorityPinned    Priority = "PINNED"
)

// AggregationRule controls how the compiler joins runs of same-role
// messages produced by this content type. Every built-in variant uses
// Join; the field exists so a registered extension can opt
// out in a future revision without changing the compiler.
type AggregationRule string

const (
	AggregateJoin AggregationRule = "join"
)

// Hints carries the behavioural defaults a content variant contributes to
// compilation: default priority, default role, a 0-100 compression
// priority (lower compresses first), and the aggregation rule.
type Hints struct {
	DefaultPriority     Priority
	DefaultRole         string
	CompressionPriority int
	Aggregation         AggregationRule
}

// Content is the sum-type member interface. Discriminator returns the
// wire-level tag used for storage dispatch and registry lookup.
type Content interface {
	Discriminator() string
}

// Hinted is implemented by any Content that wants to override the
// content-type defaults found in the builtin hints table; the registry
// consults it before falling back to BuiltinHints.
type Hinted interface {
	Content
	Hints() Hints
}

// ValidationError reports that a dict/JSON payload failed to match the
// shape its own discriminator promised.
type ValidationError struct {
	Discriminator string
	Reason        string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("content validation failed for %q: %s", e.Discriminator, e.Reason)
}

// Built-in discriminators.
const (
	DiscInstruction = "instruction"
	DiscDialogue    = "dialogue"
	DiscToolIO      = "tool_io"
	DiscReasoning   = "reasoning"
	DiscArtifact    = "artifact"
	DiscOutput      = "output"
	DiscFreeform    = "freeform"
	DiscSummary     = "summary"
)

// DialogueRole enumerates the roles a Dialogue content item may carry.
type DialogueRole string

const (
	RoleUser      DialogueRole = "user"
	RoleAssistant DialogueRole = "assistant"
	RoleSystem    DialogueRole = "system"
)

// Instruction is a system-level directive; defaults to PINNED/system.
type Instruction struct {
	Text string `json:"text"`
}

func (Instruction) Discriminator() string { return DiscInstruction }

// Dialogue is a turn in the conversation proper.
type Dialogue struct {
	Role DialogueRole `json:"role"`
	Text string       `json:"text"`
	Name string       `json:"name,omitempty"`
}

func (Dialogue) Discriminator() string { return DiscDialogue }

// ToolIODirection distinguishes a tool invocation from its result.
type ToolIODirection string

const (
	ToolIOCall   ToolIODirection = "call"
	ToolIOResult ToolIODirection = "result"
)

// ToolIO records a tool call or its result.
type ToolIO struct {
	ToolName  string          `json:"tool_name"`
	Direction ToolIODirection `json:"direction"`
	Payload   any             `json:"payload"`
	Status    string          `json:"status,omitempty"`
}

func (ToolIO) Discriminator() string { return DiscToolIO }

// Reasoning is a chain-of-thought style trace, not shown verbatim to most
// consumers but preserved so it can be compiled and compressed like any
// other commit content.
type Reasoning struct {
	Text string `json:"text"`
}

func (Reasoning) Discriminator() string { return DiscReasoning }

// Artifact is a generated file-like object (code, document, etc).
type Artifact struct {
	ArtifactType string `json:"artifact_type"`
	Content      string `json:"content"`
	Language     string `json:"language,omitempty"`
}

func (Artifact) Discriminator() string { return DiscArtifact }

// OutputFormat enumerates the Output content's rendering hint.
type OutputFormat string

const (
	OutputText     OutputFormat = "text"
	OutputMarkdown OutputFormat = "markdown"
	OutputJSON     OutputFormat = "json"
)

// Output is a final model response rendered for a consumer.
type Output struct {
	Text   string       `json:"text"`
	Format OutputFormat `json:"format"`
}

func (Output) Discriminator() string { return DiscOutput }

// Freeform carries an arbitrary JSON payload with no other structure.
type Freeform struct {
	Payload any `json:"payload"`
}

func (Freeform) Discriminator() string { return DiscFreeform }

// Summary is the condensation of a subsumed commit range written by
// internal/compression. It defaults to NORMAL/
// assistant like Dialogue, but with a high compression priority so a
// summary is among the last things compressed again.
type Summary struct {
	Text string `json:"text"`
}

func (Summary) Discriminator() string { return DiscSummary }

// BuiltinHints is the content-type default table from
var BuiltinHints = map[string]Hints{
	DiscInstruction: {DefaultPriority: PriorityPinned, DefaultRole: "system", CompressionPriority: 90, Aggregation: AggregateJoin},
	DiscDialogue:    {DefaultPriority: PriorityNormal, DefaultRole: "", CompressionPriority: 50, Aggregation: AggregateJoin},
	DiscToolIO:      {DefaultPriority: PriorityNormal, DefaultRole: "tool", CompressionPriority: 40, Aggregation: AggregateJoin},
	DiscReasoning:   {DefaultPriority: PriorityNormal, DefaultRole: "assistant", CompressionPriority: 10, Aggregation: AggregateJoin},
	DiscArtifact:    {DefaultPriority: PriorityNormal, DefaultRole: "assistant", CompressionPriority: 60, Aggregation: AggregateJoin},
	DiscOutput:      {DefaultPriority: PriorityNormal, DefaultRole: "assistant", CompressionPriority: 55, Aggregation: AggregateJoin},
	DiscFreeform:    {DefaultPriority: PriorityNormal, DefaultRole: "assistant", CompressionPriority: 30, Aggregation: AggregateJoin},
	DiscSummary:     {DefaultPriority: PriorityNormal, DefaultRole: "assistant", CompressionPriority: 80, Aggregation: AggregateJoin},
}

// HintsFor resolves the behavioural hints for a discriminator, consulting
// the per-instance registry first (so registered extensions can shadow a
// builtin by name) and falling back to BuiltinHints, then a bare default.
func HintsFor(reg *Registry, discriminator string) Hints {
	if reg != nil {
		if h, ok := reg.hints[discriminator]; ok {
			return h
		}
	}
	if h, ok := BuiltinHints[discriminator]; ok {
		return h
	}
	return Hints{DefaultPriority: PriorityNormal, DefaultRole: "assistant", CompressionPriority: 50, Aggregation: AggregateJoin}
}

// ToDict renders a Content value as the generic dict shape stored in a
// blob: the value's own JSON fields plus the discriminator under
// DiscriminatorField, so a payload read back from storage re-enters the
// type system through Registry.Validate.
func ToDict(c Content) (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, &ValidationError{Discriminator: c.Discriminator(), Reason: err.Error()}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &ValidationError{Discriminator: c.Discriminator(), Reason: err.Error()}
	}
	m[DiscriminatorField] = c.Discriminator()
	return m, nil
}

// TextExtractable lets a registered extension short-circuit the
// structural {text, content, payload} probe below with its own logic.
type TextExtractable interface {
	Content
	ExtractText() string
}

// ExtractText picks display text: a direct `text` field wins, then a
// string-typed `content` field, then the canonicalised `payload`, else
// empty. Built-ins are matched directly (cheapest path, and the only
// path that needs no reflection); anything else — including registry
// extensions that don't implement TextExtractable — falls back to a
// generic JSON-shape probe so the compiler never needs variant-specific
// knowledge of extension types.
func ExtractText(c Content) string {
	switch v := c.(type) {
	case TextExtractable:
		return v.ExtractText()
	case Instruction:
		return v.Text
	case Dialogue:
		return v.Text
	case Reasoning:
		return v.Text
	case Artifact:
		return v.Content
	case Output:
		return v.Text
	case Summary:
		return v.Text
	case ToolIO:
		return canonicalProbe(v.Payload)
	case Freeform:
		return canonicalProbe(v.Payload)
	default:
		return probeStructural(c)
	}
}

// probeStructural is the fallback path for any Content value (typically
// a registry extension) that doesn't implement TextExtractable: marshal
// to JSON, then apply the same {text, content, payload} field probe a
// dict-shaped content would get.
func probeStructural(c Content) string {
	raw, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	if s, ok := m["text"].(string); ok {
		return s
	}
	if s, ok := m["content"].(string); ok {
		return s
	}
	if payload, ok := m["payload"]; ok {
		return canonicalProbe(payload)
	}
	return ""
}

func canonicalProbe(payload any) string {
	if payload == nil {
		return ""
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(raw)
}
