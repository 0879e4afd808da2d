package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/llm"
	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/rag"
)

// scriptedProvider replays canned responses and records every request.
type scriptedProvider struct {
	script   []*llm.ChatResponse
	requests []*llm.ChatRequest
	calls    int
}

func (p *scriptedProvider) Completion(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.requests = append(p.requests, req)
	if p.calls >= len(p.script) {
		return nil, fmt.Errorf("script exhausted after %d calls", p.calls)
	}
	resp := p.script[p.calls]
	p.calls++
	return resp, nil
}

func (p *scriptedProvider) HealthCheck(context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (p *scriptedProvider) Name() string                        { return "scripted" }
func (p *scriptedProvider) SupportsNativeFunctionCalling() bool { return true }

func answerResponse(text string) *llm.ChatResponse {
	return &llm.ChatResponse{Choices: []llm.ChatChoice{{
		FinishReason: "stop",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: text},
	}}}
}

func toolCallResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{Choices: []llm.ChatChoice{{
		FinishReason: "tool_calls",
		Message:      llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
	}}}
}

func newTestRegistry(t *testing.T, tools ...Tool) *Registry {
	t.Helper()
	reg := NewRegistry(nil)
	for _, tool := range tools {
		require.NoError(t, reg.Register(tool))
	}
	return reg
}

func echoTool(name string) Tool {
	return Tool{
		Name:       name,
		Parameters: json.RawMessage(`{"type":"object","properties":{}}`),
		Fn: func(_ context.Context, args json.RawMessage) (any, error) {
			return map[string]string{"echo": string(args)}, nil
		},
	}
}

func testLoopConfig() LoopConfig {
	cfg := DefaultLoopConfig()
	cfg.AutoRecallMemories = false
	// Trimming needs the remote BPE ranks; keep unit tests offline.
	cfg.ContextTokenBudget = 0
	return cfg
}

// deadlineAwareProvider fails like a real HTTP client once the request
// context is done.
type deadlineAwareProvider struct{ *scriptedProvider }

func (p deadlineAwareProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.scriptedProvider.Completion(ctx, req)
}

func TestLoop_DirectAnswer(t *testing.T) {
	provider := &scriptedProvider{script: []*llm.ChatResponse{
		answerResponse("The patient is afebrile."),
	}}
	loop, err := NewLoop(provider, newTestRegistry(t, echoTool("search_documents")), nil, testLoopConfig(), nil)
	require.NoError(t, err)

	ans, err := loop.Ask(context.Background(), "Does the patient have a fever?")
	require.NoError(t, err)
	assert.Equal(t, StateDone, ans.State)
	assert.Equal(t, "The patient is afebrile.", ans.Text)
	assert.Equal(t, 1, ans.Iterations)
	assert.False(t, ans.LimitHit)
	assert.Empty(t, ans.Trace)
	assert.NotEmpty(t, ans.TraceID)
}

func TestLoop_ToolRoundTrip(t *testing.T) {
	provider := &scriptedProvider{script: []*llm.ChatResponse{
		toolCallResponse(llm.ToolCall{ID: "c1", Name: "search_documents", Arguments: json.RawMessage(`{"query":"fever"}`)}),
		answerResponse("Fever documented on day 2."),
	}}
	loop, err := NewLoop(provider, newTestRegistry(t, echoTool("search_documents")), nil, testLoopConfig(), nil)
	require.NoError(t, err)

	ans, err := loop.Ask(context.Background(), "fever history?")
	require.NoError(t, err)
	assert.Equal(t, StateDone, ans.State)
	assert.Equal(t, 2, ans.Iterations)
	require.Len(t, ans.Trace, 1)
	assert.Equal(t, StatusOK, ans.Trace[0].Status)
	assert.Equal(t, "search_documents", ans.Trace[0].Name)

	// Second request must carry the assistant turn and the tool result.
	second := provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(last.Content), &env))
	assert.Equal(t, StatusOK, env.Status)
}

func TestLoop_IterationLimitIsExact(t *testing.T) {
	cfg := testLoopConfig()
	cfg.MaxIterations = 3

	// The model never stops asking for tools; script one extra answer
	// for the forced tool-free final call.
	script := make([]*llm.ChatResponse, 0, cfg.MaxIterations+1)
	for i := 0; i < cfg.MaxIterations; i++ {
		script = append(script, toolCallResponse(llm.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "lookup", Arguments: json.RawMessage(`{}`)}))
	}
	script = append(script, answerResponse("Partial answer from gathered context."))
	provider := &scriptedProvider{script: script}

	loop, err := NewLoop(provider, newTestRegistry(t, echoTool("lookup")), nil, cfg, nil)
	require.NoError(t, err)

	ans, err := loop.Ask(context.Background(), "keep digging")
	require.NoError(t, err)
	assert.Equal(t, StateIterationLimitHit, ans.State)
	assert.True(t, ans.LimitHit)
	assert.Equal(t, cfg.MaxIterations, ans.Iterations)
	assert.Len(t, ans.Trace, cfg.MaxIterations)
	assert.Equal(t, "Partial answer from gathered context.", ans.Text)

	// The forced final call must withhold the tool catalog.
	final := provider.requests[len(provider.requests)-1]
	assert.Empty(t, final.Tools)
	assert.Equal(t, cfg.MaxIterations+1, provider.calls)
}

func TestLoop_WallClockBudgetYieldsBestEffortAnswer(t *testing.T) {
	cfg := testLoopConfig()
	cfg.WallClockBudget = 30 * time.Millisecond

	slow := Tool{
		Name:       "slow_search",
		Parameters: json.RawMessage(`{"type":"object","properties":{}}`),
		Fn: func(context.Context, json.RawMessage) (any, error) {
			time.Sleep(60 * time.Millisecond)
			return "late result", nil
		},
	}
	provider := deadlineAwareProvider{&scriptedProvider{script: []*llm.ChatResponse{
		toolCallResponse(llm.ToolCall{ID: "c1", Name: "slow_search", Arguments: json.RawMessage(`{}`)}),
	}}}

	loop, err := NewLoop(provider, newTestRegistry(t, slow), nil, cfg, nil)
	require.NoError(t, err)

	// The tool overruns the whole budget: no model call can run
	// anymore, yet the run must end in an answer, not an error.
	ans, err := loop.Ask(context.Background(), "q")
	require.NoError(t, err)
	assert.True(t, ans.LimitHit)
	assert.Equal(t, StateIterationLimitHit, ans.State)
	require.Len(t, ans.Trace, 1)
	assert.NotEmpty(t, ans.Text)
	assert.Contains(t, ans.Text, "slow_search")
}

func TestLoop_WallClockBudgetReservesHeadroomForFinalAnswer(t *testing.T) {
	cfg := testLoopConfig()
	cfg.WallClockBudget = 500 * time.Millisecond

	slow := Tool{
		Name:       "slow_search",
		Parameters: json.RawMessage(`{"type":"object","properties":{}}`),
		Fn: func(context.Context, json.RawMessage) (any, error) {
			time.Sleep(420 * time.Millisecond)
			return "late result", nil
		},
	}
	provider := deadlineAwareProvider{&scriptedProvider{script: []*llm.ChatResponse{
		toolCallResponse(llm.ToolCall{ID: "c1", Name: "slow_search", Arguments: json.RawMessage(`{}`)}),
		answerResponse("Partial: fever documented; imaging not checked."),
	}}}

	loop, err := NewLoop(provider, newTestRegistry(t, slow), nil, cfg, nil)
	require.NoError(t, err)

	// The iteration window closes while the final-answer reserve is
	// still open, so the model writes the best-effort answer itself.
	ans, err := loop.Ask(context.Background(), "q")
	require.NoError(t, err)
	assert.True(t, ans.LimitHit)
	assert.Equal(t, StateIterationLimitHit, ans.State)
	assert.Equal(t, "Partial: fever documented; imaging not checked.", ans.Text)

	final := provider.requests[len(provider.requests)-1]
	assert.Empty(t, final.Tools)
}

func TestNewLoop_UnresolvableTokenEncodingIsNotFatal(t *testing.T) {
	cfg := testLoopConfig()
	cfg.TokenEncoding = "no_such_encoding"
	cfg.ContextTokenBudget = 8000

	provider := &scriptedProvider{script: []*llm.ChatResponse{
		answerResponse("Answer without trimming."),
	}}
	loop, err := NewLoop(provider, newTestRegistry(t), nil, cfg, nil)
	require.NoError(t, err)

	// The encoding cannot be loaded; trimming degrades to sending the
	// untrimmed context instead of failing the run.
	ans, err := loop.Ask(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "Answer without trimming.", ans.Text)
}

func TestLoop_CapabilityGapIsDataNotError(t *testing.T) {
	unavailable := Tool{
		Name:       "search_images",
		Parameters: json.RawMessage(`{"type":"object","properties":{}}`),
		Fn: func(context.Context, json.RawMessage) (any, error) {
			return nil, rag.NewCapabilityUnavailable("image store is not provisioned", nil)
		},
	}
	provider := &scriptedProvider{script: []*llm.ChatResponse{
		toolCallResponse(llm.ToolCall{ID: "c1", Name: "search_images", Arguments: json.RawMessage(`{"query":"effusion"}`)}),
		answerResponse("No image search available; answering from notes."),
	}}
	loop, err := NewLoop(provider, newTestRegistry(t, unavailable), nil, testLoopConfig(), nil)
	require.NoError(t, err)

	ans, err := loop.Ask(context.Background(), "any effusion on imaging?")
	require.NoError(t, err)
	assert.Equal(t, StateDone, ans.State)
	require.Len(t, ans.Trace, 1)
	assert.Equal(t, StatusCapabilityUnavailable, ans.Trace[0].Status)

	var env Envelope
	last := provider.requests[1].Messages[len(provider.requests[1].Messages)-1]
	require.NoError(t, json.Unmarshal([]byte(last.Content), &env))
	assert.Equal(t, StatusCapabilityUnavailable, env.Status)
	assert.NotEmpty(t, env.Note)
}

func TestLoop_UnknownToolBecomesErrorEnvelope(t *testing.T) {
	provider := &scriptedProvider{script: []*llm.ChatResponse{
		toolCallResponse(llm.ToolCall{ID: "c1", Name: "hallucinated_tool", Arguments: json.RawMessage(`{}`)}),
		answerResponse("done"),
	}}
	loop, err := NewLoop(provider, newTestRegistry(t, echoTool("real_tool")), nil, testLoopConfig(), nil)
	require.NoError(t, err)

	ans, err := loop.Ask(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, ans.Trace, 1)
	assert.Equal(t, StatusError, ans.Trace[0].Status)
	assert.Contains(t, ans.Trace[0].Note, "hallucinated_tool")
	assert.Contains(t, ans.Trace[0].Note, "real_tool")
}

func TestLoop_ParallelToolResultsKeepRequestOrder(t *testing.T) {
	slow := Tool{
		Name:       "slow",
		Parameters: json.RawMessage(`{"type":"object","properties":{}}`),
		Fn: func(context.Context, json.RawMessage) (any, error) {
			time.Sleep(20 * time.Millisecond)
			return "slow-result", nil
		},
	}
	fast := echoTool("fast")
	provider := &scriptedProvider{script: []*llm.ChatResponse{
		toolCallResponse(
			llm.ToolCall{ID: "c-slow", Name: "slow", Arguments: json.RawMessage(`{}`)},
			llm.ToolCall{ID: "c-fast", Name: "fast", Arguments: json.RawMessage(`{}`)},
		),
		answerResponse("done"),
	}}
	loop, err := NewLoop(provider, newTestRegistry(t, slow, fast), nil, testLoopConfig(), nil)
	require.NoError(t, err)

	ans, err := loop.Ask(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, ans.Trace, 2)
	assert.Equal(t, "slow", ans.Trace[0].Name)
	assert.Equal(t, "fast", ans.Trace[1].Name)

	msgs := provider.requests[1].Messages
	require.GreaterOrEqual(t, len(msgs), 2)
	assert.Equal(t, "c-slow", msgs[len(msgs)-2].ToolCallID)
	assert.Equal(t, "c-fast", msgs[len(msgs)-1].ToolCallID)
}

func TestLoop_EmptyQuestionRejected(t *testing.T) {
	loop, err := NewLoop(&scriptedProvider{}, newTestRegistry(t), nil, testLoopConfig(), nil)
	require.NoError(t, err)

	_, err = loop.Ask(context.Background(), "   ")
	require.Error(t, err)
	assert.Equal(t, rag.CodeInvalidInput, rag.CodeOf(err))
}

type noToolsProvider struct{ *scriptedProvider }

func (noToolsProvider) SupportsNativeFunctionCalling() bool { return false }

func TestNewLoop_RequiresNativeFunctionCalling(t *testing.T) {
	_, err := NewLoop(noToolsProvider{&scriptedProvider{}}, NewRegistry(nil), nil, testLoopConfig(), nil)
	require.Error(t, err)
}
