package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/llm"
	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/rag"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(echoTool("beta")))
	require.NoError(t, reg.Register(echoTool("alpha")))

	assert.True(t, reg.Has("alpha"))
	assert.False(t, reg.Has("gamma"))
	assert.Equal(t, []string{"alpha", "beta"}, reg.List())

	schemas := reg.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "alpha", schemas[0].Name)
	assert.Equal(t, "beta", schemas[1].Name)
}

func TestRegistry_RejectsInvalidTools(t *testing.T) {
	reg := NewRegistry(nil)
	assert.Error(t, reg.Register(Tool{Name: "", Fn: func(context.Context, json.RawMessage) (any, error) { return nil, nil }}))
	assert.Error(t, reg.Register(Tool{Name: "no_fn"}))
}

func TestEnvelope_Classification(t *testing.T) {
	ok := envelopeFor(map[string]int{"hits": 3}, nil)
	assert.Equal(t, StatusOK, ok.Status)

	gap := envelopeFor(nil, rag.NewCapabilityUnavailable("graph missing", nil))
	assert.Equal(t, StatusCapabilityUnavailable, gap.Status)
	assert.NotEmpty(t, gap.Note)

	boom := envelopeFor(nil, errors.New("connection refused"))
	assert.Equal(t, StatusError, boom.Status)
	assert.Equal(t, "connection refused", boom.Note)
}

func TestEnvelope_EncodeIsAlwaysValidJSON(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(Envelope{Status: StatusOK, Data: []int{1, 2}}.Encode()), &env))
	assert.Equal(t, StatusOK, env.Status)

	// Unmarshalable data must still produce a parseable envelope.
	bad := Envelope{Status: StatusOK, Data: make(chan int)}
	require.NoError(t, json.Unmarshal([]byte(bad.Encode()), &env))
	assert.Equal(t, StatusError, env.Status)
}

// byteCounter estimates four characters per token so counter tests
// never fetch the real BPE ranks.
func byteCounter() *tokenCounter {
	c := newTokenCounter("")
	c.count = func(s string) int { return len(s) / 4 }
	return c
}

func TestTokenCounter_TrimKeepsSystemAndLatest(t *testing.T) {
	counter := byteCounter()

	big := strings.Repeat("clinical finding ", 200)
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: "system prompt"},
		{Role: llm.RoleUser, Content: big},
		{Role: llm.RoleAssistant, Content: big},
		{Role: llm.RoleUser, Content: "latest question"},
		{Role: llm.RoleAssistant, Content: "latest answer"},
	}

	trimmed, err := counter.trimToBudget(msgs, 100)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(trimmed), 3)
	assert.Equal(t, llm.RoleSystem, trimmed[0].Role)
	assert.Equal(t, "latest answer", trimmed[len(trimmed)-1].Content)
	assert.Equal(t, "latest question", trimmed[len(trimmed)-2].Content)

	// Within budget: untouched.
	small := []llm.Message{{Role: llm.RoleSystem, Content: "s"}, {Role: llm.RoleUser, Content: "q"}}
	untrimmed, err := counter.trimToBudget(small, 1000)
	require.NoError(t, err)
	assert.Equal(t, small, untrimmed)
}

func TestTokenCounter_DropsToolResultsWithTheirRequest(t *testing.T) {
	counter := byteCounter()

	big := strings.Repeat("result payload ", 100)
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: "system"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "search_documents"}}},
		{Role: llm.RoleTool, ToolCallID: "c1", Content: big},
		{Role: llm.RoleUser, Content: "follow-up"},
		{Role: llm.RoleAssistant, Content: "answer"},
	}

	trimmed, err := counter.trimToBudget(msgs, 50)
	require.NoError(t, err)
	for _, m := range trimmed {
		// No orphaned tool result may survive its assistant turn.
		if m.Role == llm.RoleTool {
			t.Fatalf("orphaned tool result survived trimming")
		}
	}
	assert.Equal(t, llm.RoleSystem, trimmed[0].Role)
}

func TestTokenCounter_LoadFailureSurfacesPerCall(t *testing.T) {
	counter := newTokenCounter("no_such_encoding")
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: "s"}, {Role: llm.RoleUser, Content: "q"}}

	trimmed, err := counter.trimToBudget(msgs, 10)
	require.Error(t, err)
	assert.Equal(t, msgs, trimmed)

	// Zero budget disables trimming entirely; the encoding is never
	// touched and no error can surface.
	trimmed, err = counter.trimToBudget(msgs, 0)
	require.NoError(t, err)
	assert.Equal(t, msgs, trimmed)
}
