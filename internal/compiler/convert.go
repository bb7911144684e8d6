package compiler

import "encoding/json"

// DictMessage is the flat role/content/name wire shape consumers send
// to a chat API.
type DictMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ToDicts flattens the compiled messages into the wire shape.
func (cc *CompiledContext) ToDicts() []DictMessage {
	out := make([]DictMessage, len(cc.Messages))
	for i, m := range cc.Messages {
		out[i] = DictMessage{Role: m.Role, Content: m.Content, Name: m.Name}
	}
	return out
}

// ToOpenAI is identical to ToDicts; system messages stay inline.
func (cc *CompiledContext) ToOpenAI() []DictMessage {
	return cc.ToDicts()
}

// AnthropicMessages is the system-extracted shape ToAnthropic returns.
type AnthropicMessages struct {
	System   string        `json:"system,omitempty"`
	Messages []DictMessage `json:"messages"`
}

// ToAnthropic extracts system messages and concatenates them with
// "\n\n"; only user/assistant messages remain in Messages.
func (cc *CompiledContext) ToAnthropic() AnthropicMessages {
	var systemParts []string
	var rest []DictMessage
	for _, m := range cc.Messages {
		if m.Role == "system" {
			systemParts = append(systemParts, m.Content)
			continue
		}
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		rest = append(rest, DictMessage{Role: m.Role, Content: m.Content, Name: m.Name})
	}
	system := ""
	for i, p := range systemParts {
		if i > 0 {
			system += "\n\n"
		}
		system += p
	}
	return AnthropicMessages{System: system, Messages: rest}
}

// ToolParam is the minimal tool-shape attached by ToOpenAIParams/
// ToAnthropicParams; callers needing a provider-specific tool wire
// format re-marshal Schema themselves, since this engine only carries
// provenance.
type ToolParam struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// ToOpenAIParams is ToOpenAI plus a tools field when any tools are
// present.
func (cc *CompiledContext) ToOpenAIParams() map[string]any {
	out := map[string]any{"messages": cc.ToOpenAI()}
	if len(cc.Tools) > 0 {
		out["tools"] = cc.toolParams()
	}
	return out
}

// ToAnthropicParams is ToAnthropic plus a tools field when any tools
// are present.
func (cc *CompiledContext) ToAnthropicParams() map[string]any {
	am := cc.ToAnthropic()
	out := map[string]any{"messages": am.Messages}
	if am.System != "" {
		out["system"] = am.System
	}
	if len(cc.Tools) > 0 {
		out["tools"] = cc.toolParams()
	}
	return out
}

func (cc *CompiledContext) toolParams() []ToolParam {
	out := make([]ToolParam, len(cc.Tools))
	for i, t := range cc.Tools {
		out[i] = ToolParam{Name: t.Name, Schema: t.Schema}
	}
	return out
}
