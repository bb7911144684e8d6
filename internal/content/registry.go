package content

import "fmt"

// DiscriminatorField is the JSON key used to tag a raw content dict with
// its variant name when content arrives as map[string]any instead of a
// concrete Go type (e.g. across an RPC boundary).
const DiscriminatorField = "type"

// Factory builds a concrete Content from a raw dict payload, returning a
// *ValidationError (wrapped) if the payload's shape does not match the
// variant it claims to be.
type Factory func(raw map[string]any) (Content, error)

// Registry is an instance-scoped (never global) table of content
// factories and hint overrides. It is consulted before builtin dispatch
// so a caller can shadow a builtin discriminator by registering the
// same name.
type Registry struct {
	factories map[string]Factory
	hints     map[string]Hints
}

// NewRegistry returns an empty registry pre-seeded with the builtin
// variants' factories so Validate works end to end without any
// registration calls.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		hints:     make(map[string]Hints),
	}
	for disc, factory := range builtinFactories {
		r.factories[disc] = factory
	}
	return r
}

// Register adds or shadows a discriminator's factory. A nil hints pointer
// leaves BuiltinHints (or the prior override) in effect.
func (r *Registry) Register(discriminator string, factory Factory, hints *Hints) {
	r.factories[discriminator] = factory
	if hints != nil {
		r.hints[discriminator] = *hints
	}
}

// Validate dispatches a raw dict to its discriminator's factory. The
// registry's own registrations are consulted before the builtin table,
// so a caller-registered factory always wins when both claim the same
// discriminator name.
func (r *Registry) Validate(raw map[string]any) (Content, error) {
	discRaw, ok := raw[DiscriminatorField]
	if !ok {
		return nil, &ValidationError{Reason: "missing discriminator field \"type\""}
	}
	disc, ok := discRaw.(string)
	if !ok || disc == "" {
		return nil, &ValidationError{Reason: "discriminator field \"type\" must be a non-empty string"}
	}

	factory, ok := r.factories[disc]
	if !ok {
		return nil, &ValidationError{Discriminator: disc, Reason: "no factory registered for this discriminator"}
	}
	c, err := factory(raw)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// HintsFor resolves hints through this registry, preferring a
// registration-time override over BuiltinHints.
func (r *Registry) HintsFor(discriminator string) Hints {
	return HintsFor(r, discriminator)
}

func str(raw map[string]any, key string) (string, error) {
	v, ok := raw[key]
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q must be a string", key)
	}
	return s, nil
}

func reqStr(disc string, raw map[string]any, key string) (string, error) {
	v, ok := raw[key]
	if !ok {
		return "", &ValidationError{Discriminator: disc, Reason: fmt.Sprintf("missing required field %q", key)}
	}
	s, ok := v.(string)
	if !ok {
		return "", &ValidationError{Discriminator: disc, Reason: fmt.Sprintf("field %q must be a string", key)}
	}
	return s, nil
}

var builtinFactories = map[string]Factory{
	DiscInstruction: func(raw map[string]any) (Content, error) {
		text, err := reqStr(DiscInstruction, raw, "text")
		if err != nil {
			return nil, err
		}
		return Instruction{Text: text}, nil
	},
	DiscDialogue: func(raw map[string]any) (Content, error) {
		roleStr, err := reqStr(DiscDialogue, raw, "role")
		if err != nil {
			return nil, err
		}
		switch DialogueRole(roleStr) {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return nil, &ValidationError{Discriminator: DiscDialogue, Reason: fmt.Sprintf("invalid role %q", roleStr)}
		}
		text, err := reqStr(DiscDialogue, raw, "text")
		if err != nil {
			return nil, err
		}
		name, err := str(raw, "name")
		if err != nil {
			return nil, &ValidationError{Discriminator: DiscDialogue, Reason: err.Error()}
		}
		return Dialogue{Role: DialogueRole(roleStr), Text: text, Name: name}, nil
	},
	DiscToolIO: func(raw map[string]any) (Content, error) {
		name, err := reqStr(DiscToolIO, raw, "tool_name")
		if err != nil {
			return nil, err
		}
		dirStr, err := reqStr(DiscToolIO, raw, "direction")
		if err != nil {
			return nil, err
		}
		switch ToolIODirection(dirStr) {
		case ToolIOCall, ToolIOResult:
		default:
			return nil, &ValidationError{Discriminator: DiscToolIO, Reason: fmt.Sprintf("invalid direction %q", dirStr)}
		}
		status, err := str(raw, "status")
		if err != nil {
			return nil, &ValidationError{Discriminator: DiscToolIO, Reason: err.Error()}
		}
		return ToolIO{ToolName: name, Direction: ToolIODirection(dirStr), Payload: raw["payload"], Status: status}, nil
	},
	DiscReasoning: func(raw map[string]any) (Content, error) {
		text, err := reqStr(DiscReasoning, raw, "text")
		if err != nil {
			return nil, err
		}
		return Reasoning{Text: text}, nil
	},
	DiscArtifact: func(raw map[string]any) (Content, error) {
		at, err := reqStr(DiscArtifact, raw, "artifact_type")
		if err != nil {
			return nil, err
		}
		c, err := reqStr(DiscArtifact, raw, "content")
		if err != nil {
			return nil, err
		}
		lang, err := str(raw, "language")
		if err != nil {
			return nil, &ValidationError{Discriminator: DiscArtifact, Reason: err.Error()}
		}
		return Artifact{ArtifactType: at, Content: c, Language: lang}, nil
	},
	DiscOutput: func(raw map[string]any) (Content, error) {
		text, err := reqStr(DiscOutput, raw, "text")
		if err != nil {
			return nil, err
		}
		formatStr, err := str(raw, "format")
		if err != nil {
			return nil, &ValidationError{Discriminator: DiscOutput, Reason: err.Error()}
		}
		if formatStr == "" {
			formatStr = string(OutputText)
		}
		switch OutputFormat(formatStr) {
		case OutputText, OutputMarkdown, OutputJSON:
		default:
			return nil, &ValidationError{Discriminator: DiscOutput, Reason: fmt.Sprintf("invalid format %q", formatStr)}
		}
		return Output{Text: text, Format: OutputFormat(formatStr)}, nil
	},
	DiscFreeform: func(raw map[string]any) (Content, error) {
		return Freeform{Payload: raw["payload"]}, nil
	},
	DiscSummary: func(raw map[string]any) (Content, error) {
		text, err := reqStr(DiscSummary, raw, "text")
		if err != nil {
			return nil, err
		}
		return Summary{Text: text}, nil
	},
}
