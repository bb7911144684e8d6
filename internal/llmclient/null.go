package llmclient

import "context"

// NullClient is a test double satisfying Client without a network call.
// Respond, if set, computes the reply text from the messages passed in;
// a nil Respond echoes the last message's content, which is enough for
// compiler/compression unit tests that only need a deterministic string
// to validate against.
type NullClient struct {
	Respond func(messages []Message, opts ChatOptions) (string, error)
	Model   string
}

func (c *NullClient) Chat(ctx context.Context, messages []Message, opts ChatOptions) (*Response, error) {
	model := c.Model
	if model == "" {
		model = "null-model"
	}
	if c.Respond == nil {
		text := ""
		if len(messages) > 0 {
			text = messages[len(messages)-1].Content
		}
		return &Response{Text: text, Model: model}, nil
	}
	text, err := c.Respond(messages, opts)
	if err != nil {
		return nil, err
	}
	return &Response{Text: text, Model: model}, nil
}

func (c *NullClient) Close() error { return nil }

var _ Client = (*NullClient)(nil)
