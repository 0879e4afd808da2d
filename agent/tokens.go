package agent

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/llm"
)

// tokenCounter estimates prompt size so the loop can trim history
// before the provider rejects the request. The encoding is loaded on
// first use: tiktoken fetches the BPE ranks remotely, and an offline
// deployment must still be able to construct the loop.
type tokenCounter struct {
	encoding string
	once     sync.Once
	count    func(string) int
	initErr  error
}

func newTokenCounter(encoding string) *tokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &tokenCounter{encoding: encoding}
}

func (c *tokenCounter) load() error {
	c.once.Do(func() {
		if c.count != nil {
			return
		}
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			c.initErr = fmt.Errorf("load token encoding %s: %w", c.encoding, err)
			return
		}
		c.count = func(s string) int { return len(enc.Encode(s, nil, nil)) }
	})
	return c.initErr
}

// perMessageOverhead approximates the role and framing tokens the chat
// format adds around each message.
const perMessageOverhead = 4

func (c *tokenCounter) countMessage(m llm.Message) int {
	n := perMessageOverhead + c.count(m.Content)
	for _, tc := range m.ToolCalls {
		n += c.count(tc.Name)
		n += c.count(string(tc.Arguments))
	}
	return n
}

func (c *tokenCounter) countMessages(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += c.countMessage(m)
	}
	return total
}

// trimToBudget drops the oldest messages after the system prompt until
// the estimate fits. The system prompt and the latest exchange always
// survive; tool results are dropped together with the assistant turn
// that requested them so the transcript stays coherent. When the
// encoding cannot be loaded the messages come back unchanged with the
// error, so the caller can log and send the untrimmed context.
func (c *tokenCounter) trimToBudget(msgs []llm.Message, budget int) ([]llm.Message, error) {
	if budget <= 0 {
		return msgs, nil
	}
	if err := c.load(); err != nil {
		return msgs, err
	}
	if c.countMessages(msgs) <= budget {
		return msgs, nil
	}

	// Index 0 is the system prompt; keep at least the final two
	// messages regardless of size.
	start := 1
	for start < len(msgs)-2 && c.countMessages(msgs) > budget {
		drop := 1
		if msgs[start].Role == llm.RoleAssistant && len(msgs[start].ToolCalls) > 0 {
			for start+drop < len(msgs) && msgs[start+drop].Role == llm.RoleTool {
				drop++
			}
		}
		if start+drop > len(msgs)-2 {
			break
		}
		msgs = append(msgs[:start:start], msgs[start+drop:]...)
	}
	return msgs, nil
}
