package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// BPECounter is the production token counter: a tiktoken-style BPE
// encoding loaded lazily on first use.
// encodingName follows the cl100k_base family used by the chat models
// this engine's LLMClient contract targets.
type BPECounter struct {
	encodingName string

	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// NewBPECounter returns a counter bound to the given tiktoken encoding
// name (e.g. "cl100k_base"). The encoding table is not loaded until the
// first CountText/CountMessages call.
func NewBPECounter(encodingName string) *BPECounter {
	if encodingName == "" {
		encodingName = "cl100k_base"
	}
	return &BPECounter{encodingName: encodingName}
}

func (c *BPECounter) load() (*tiktoken.Tiktoken, error) {
	c.once.Do(func() {
		c.enc, c.err = tiktoken.GetEncoding(c.encodingName)
	})
	return c.enc, c.err
}

// CountText returns the BPE token count for text, or 0 if the encoding
// table failed to load (degrading gracefully rather than panicking a
// compile or commit on an offline/broken tiktoken data source).
func (c *BPECounter) CountText(text string) int {
	enc, err := c.load()
	if err != nil || enc == nil {
		return 0
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessages applies the chat-framing overhead from on top
// of per-message BPE counts.
func (c *BPECounter) CountMessages(messages []Message) int {
	return sumWithFraming(messages, c.CountText)
}
