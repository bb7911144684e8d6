// Package llmclient implements the LLM collaborator contract: a narrow
// messages-in/text-out capability the engine depends on
// for compression summarization and reserved for future chat/generate
// callers. Errors map onto tracerr's LLMClient sub-kinds so callers can
// branch on auth/rate-limit/response-format/transport without parsing
// strings.
package llmclient

import (
	"context"
	"encoding/json"
)

// Message is the wire shape the client sends, mirroring
// internal/compiler.DictMessage without importing that package.
type Message struct {
	Role    string
	Content string
	Name    string
}

// Usage reports token accounting from the provider, when available.
type Usage struct {
	Prompt     int
	Completion int
	Total      int
}

// Response is what Chat returns: the generated text, the model that
// actually served the request (authoritative over the one requested),
// and optional usage.
type Response struct {
	Text  string
	Model string
	Usage *Usage
}

// ChatOptions bundles Chat's optional parameters.
type ChatOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Tools       []json.RawMessage
	Extra       map[string]any
}

// Client is the capability requires of any chat-style LLM
// collaborator.
type Client interface {
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (*Response, error)
	Close() error
}
