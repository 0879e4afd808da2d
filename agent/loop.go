package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/llm"
	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/rag"
)

// State is the loop's position in its lifecycle.
type State string

const (
	StateAwaitingModelDecision State = "awaiting_model_decision"
	StateToolExecuting         State = "tool_executing"
	StateDone                  State = "done"
	StateIterationLimitHit     State = "iteration_limit_exceeded"
)

// LoopConfig bounds one question-answering run.
type LoopConfig struct {
	Model       string  `yaml:"model" json:"model"`
	Temperature float32 `yaml:"temperature" json:"temperature"`
	// MaxIterations caps model decisions per question. The cap, not
	// model cooperation, is what guarantees termination.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`
	// WallClockBudget bounds the whole run including tool time.
	WallClockBudget time.Duration `yaml:"wall_clock_budget" json:"wall_clock_budget"`
	// ContextTokenBudget trims conversation history before each model
	// call; 0 disables trimming.
	ContextTokenBudget int    `yaml:"context_token_budget" json:"context_token_budget"`
	TokenEncoding      string `yaml:"token_encoding" json:"token_encoding"`
	// AutoRecallMemories injects semantically relevant stored memories
	// into the system prompt before the first model decision.
	AutoRecallMemories bool   `yaml:"auto_recall_memories" json:"auto_recall_memories"`
	RecallLimit        int    `yaml:"recall_limit" json:"recall_limit"`
	SystemPrompt       string `yaml:"system_prompt" json:"system_prompt"`
}

func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Temperature:        0.1,
		MaxIterations:      8,
		WallClockBudget:    2 * time.Minute,
		ContextTokenBudget: 24000,
		TokenEncoding:      "cl100k_base",
		AutoRecallMemories: true,
		RecallLimit:        5,
		SystemPrompt:       defaultSystemPrompt,
	}
}

const defaultSystemPrompt = `You are a clinical question-answering assistant backed by retrieval tools over medical records, a knowledge graph, radiology images and stored memories. Ground every claim in tool results and cite which source supports it. If a tool reports a capability as unavailable, answer from the remaining sources and state the gap. Never invent clinical facts.`

// ToolInvocation is one entry of the answer's provenance trace.
type ToolInvocation struct {
	Iteration int             `json:"iteration"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Status    Status          `json:"status"`
	Duration  time.Duration   `json:"duration"`
	Note      string          `json:"note,omitempty"`
}

// Answer is the loop's final output.
type Answer struct {
	TraceID    string           `json:"trace_id"`
	Text       string           `json:"text"`
	State      State            `json:"state"`
	Iterations int              `json:"iterations"`
	LimitHit   bool             `json:"limit_hit"`
	Trace      []ToolInvocation `json:"trace,omitempty"`
	Recalled   int              `json:"recalled_memories"`
	Duration   time.Duration    `json:"duration"`
	Usage      llm.ChatUsage    `json:"usage"`
}

// Loop drives the bounded tool-calling conversation.
type Loop struct {
	provider llm.Provider
	registry *Registry
	memory   *rag.MemoryStore
	counter  *tokenCounter
	cfg      LoopConfig
	logger   *zap.Logger
}

// NewLoop builds an agent loop. memory may be nil when the memory store
// is not deployed; auto-recall is then skipped.
func NewLoop(provider llm.Provider, registry *Registry, memory *rag.MemoryStore, cfg LoopConfig, logger *zap.Logger) (*Loop, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider must not be nil")
	}
	if !provider.SupportsNativeFunctionCalling() {
		return nil, fmt.Errorf("provider %s does not support native function calling", provider.Name())
	}
	if registry == nil {
		return nil, fmt.Errorf("registry must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.WallClockBudget <= 0 {
		cfg.WallClockBudget = def.WallClockBudget
	}
	if cfg.RecallLimit <= 0 {
		cfg.RecallLimit = def.RecallLimit
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = def.SystemPrompt
	}
	return &Loop{
		provider: provider,
		registry: registry,
		memory:   memory,
		counter:  newTokenCounter(cfg.TokenEncoding),
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "agent_loop")),
	}, nil
}

// Ask answers one clinical question. Hitting the iteration cap or the
// wall-clock budget yields a best-effort answer with LimitHit set; only
// provider transport failures are errors.
func (l *Loop) Ask(ctx context.Context, question string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, rag.NewInvalidInput("question must not be empty")
	}

	start := time.Now()
	traceID := uuid.NewString()
	logger := l.logger.With(zap.String("trace_id", traceID))

	ctx, cancel := context.WithTimeout(ctx, l.cfg.WallClockBudget)
	defer cancel()

	ctx, span := otel.Tracer("agent").Start(ctx, "agent.ask")
	span.SetAttributes(attribute.String("trace_id", traceID))
	defer span.End()

	// Iterations stop short of the full budget so the forced final
	// answer still has a window to run in.
	reserve := l.cfg.WallClockBudget / 5
	if reserve > 10*time.Second {
		reserve = 10 * time.Second
	}
	iterDeadline := start.Add(l.cfg.WallClockBudget - reserve)
	iterCtx, iterCancel := context.WithDeadline(ctx, iterDeadline)
	defer iterCancel()

	ans := &Answer{TraceID: traceID, State: StateAwaitingModelDecision}

	system := l.cfg.SystemPrompt
	if l.cfg.AutoRecallMemories && l.memory != nil {
		recalled, note := l.recallContext(iterCtx, question, logger)
		ans.Recalled = recalled
		system += note
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: question},
	}
	schemas := l.registry.Schemas()

	limitReason := ""
	for iter := 1; iter <= l.cfg.MaxIterations; iter++ {
		if !time.Now().Before(iterDeadline) {
			limitReason = "wall-clock budget exhausted"
			break
		}
		ans.Iterations = iter
		ans.State = StateAwaitingModelDecision
		messages = l.trim(messages, logger)

		choice, usage, err := l.complete(iterCtx, traceID, messages, schemas, "auto")
		if err != nil {
			if !time.Now().Before(iterDeadline) {
				// The iteration window closed mid-call; fall through
				// to the final answer while its window is still open.
				limitReason = "wall-clock budget exhausted"
				break
			}
			return nil, fmt.Errorf("model decision %d: %w", iter, err)
		}
		ans.Usage = addUsage(ans.Usage, usage)

		if len(choice.Message.ToolCalls) == 0 {
			ans.Text = choice.Message.Content
			ans.State = StateDone
			ans.Duration = time.Since(start)
			logger.Info("answer produced",
				zap.Int("iterations", iter),
				zap.Int("tool_calls", len(ans.Trace)),
				zap.Duration("duration", ans.Duration),
			)
			return ans, nil
		}

		ans.State = StateToolExecuting
		messages = append(messages, choice.Message)
		results := l.executeTools(iterCtx, iter, choice.Message.ToolCalls, ans, logger)
		messages = append(messages, results...)
	}
	if limitReason == "" {
		limitReason = fmt.Sprintf("iteration cap of %d reached", l.cfg.MaxIterations)
	}

	// A limit was hit: one final decision with tools withheld so the
	// model must answer from what it has gathered.
	ans.LimitHit = true
	ans.State = StateIterationLimitHit
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: "Your tool and time budget is spent. Answer now from the information already gathered, noting any gaps.",
	})
	messages = l.trim(messages, logger)

	choice, usage, err := l.complete(ctx, traceID, messages, nil, "")
	if err != nil {
		if ctx.Err() == nil {
			return nil, fmt.Errorf("final answer after %s: %w", limitReason, err)
		}
		// The whole budget is spent; compose the answer from the tool
		// evidence gathered so far instead of failing the run.
		ans.Text = composeFromTrace(ans.Trace)
		ans.Duration = time.Since(start)
		logger.Warn("budget spent before the final model call, composing answer from tool trace",
			zap.String("reason", limitReason),
			zap.Int("tool_calls", len(ans.Trace)),
		)
		return ans, nil
	}
	ans.Usage = addUsage(ans.Usage, usage)
	ans.Text = choice.Message.Content
	ans.Duration = time.Since(start)
	logger.Warn("limit reached, returning best-effort answer",
		zap.String("reason", limitReason),
	)
	return ans, nil
}

// trim applies the context token budget; a counting failure downgrades
// to sending the untrimmed context.
func (l *Loop) trim(messages []llm.Message, logger *zap.Logger) []llm.Message {
	trimmed, err := l.counter.trimToBudget(messages, l.cfg.ContextTokenBudget)
	if err != nil {
		logger.Warn("token counting unavailable, sending untrimmed context", zap.Error(err))
	}
	return trimmed
}

// composeFromTrace is the fallback answer when no model call can run
// anymore: it reports what the tools produced before time ran out.
func composeFromTrace(trace []ToolInvocation) string {
	if len(trace) == 0 {
		return "The time budget for this question ran out before any evidence could be gathered. Please retry, or narrow the question."
	}
	var b strings.Builder
	b.WriteString("The time budget for this question ran out before a full answer could be written. Evidence gathered so far:\n")
	for _, inv := range trace {
		fmt.Fprintf(&b, "- %s: %s", inv.Name, inv.Status)
		if inv.Note != "" {
			fmt.Fprintf(&b, " (%s)", inv.Note)
		}
		b.WriteString("\n")
	}
	b.WriteString("Re-run the question to continue from these sources.")
	return b.String()
}

func (l *Loop) recallContext(ctx context.Context, question string, logger *zap.Logger) (int, string) {
	res, err := l.memory.Recall(ctx, question, l.cfg.RecallLimit)
	if err != nil {
		// Missing memory capability must not block answering.
		logger.Warn("memory recall skipped", zap.Error(err))
		return 0, ""
	}
	if res.Degraded || len(res.Memories) == 0 {
		return 0, ""
	}
	var b strings.Builder
	b.WriteString("\n\nStored knowledge relevant to this question:\n")
	for _, m := range res.Memories {
		fmt.Fprintf(&b, "- [%s] %s\n", m.Kind, m.Content)
	}
	return len(res.Memories), b.String()
}

func (l *Loop) complete(ctx context.Context, traceID string, messages []llm.Message, tools []llm.ToolSchema, toolChoice string) (llm.ChatChoice, llm.ChatUsage, error) {
	resp, err := l.provider.Completion(ctx, &llm.ChatRequest{
		TraceID:     traceID,
		Model:       l.cfg.Model,
		Messages:    messages,
		Temperature: l.cfg.Temperature,
		Tools:       tools,
		ToolChoice:  toolChoice,
	})
	if err != nil {
		return llm.ChatChoice{}, llm.ChatUsage{}, err
	}
	choice, err := llm.FirstChoice(resp)
	if err != nil {
		return llm.ChatChoice{}, llm.ChatUsage{}, err
	}
	return choice, resp.Usage, nil
}

// executeTools runs one decision's tool calls concurrently and returns
// their result messages in the order the model requested them.
func (l *Loop) executeTools(ctx context.Context, iter int, calls []llm.ToolCall, ans *Answer, logger *zap.Logger) []llm.Message {
	envelopes := make([]Envelope, len(calls))
	durations := make([]time.Duration, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			started := time.Now()
			envelopes[i] = l.executeOne(gctx, call)
			durations[i] = time.Since(started)
			return nil
		})
	}
	// Tool failures land in envelopes, so Wait only observes nil.
	_ = g.Wait()

	results := make([]llm.Message, len(calls))
	for i, call := range calls {
		env := envelopes[i]
		ans.Trace = append(ans.Trace, ToolInvocation{
			Iteration: iter,
			Name:      call.Name,
			Arguments: call.Arguments,
			Status:    env.Status,
			Duration:  durations[i],
			Note:      env.Note,
		})
		logger.Debug("tool executed",
			zap.Int("iteration", iter),
			zap.String("tool", call.Name),
			zap.String("status", string(env.Status)),
			zap.Duration("duration", durations[i]),
		)
		results[i] = llm.Message{
			Role:       llm.RoleTool,
			Name:       call.Name,
			ToolCallID: call.ID,
			Content:    env.Encode(),
		}
	}
	return results
}

func (l *Loop) executeOne(ctx context.Context, call llm.ToolCall) Envelope {
	ctx, span := otel.Tracer("agent").Start(ctx, "tool.execute")
	span.SetAttributes(attribute.String("tool.name", call.Name))
	defer span.End()

	tool, ok := l.registry.Get(call.Name)
	if !ok {
		env := Envelope{
			Status: StatusError,
			Note:   fmt.Sprintf("unknown tool %q; available tools: %s", call.Name, strings.Join(l.registry.List(), ", ")),
		}
		span.SetAttributes(attribute.String("tool.status", string(env.Status)))
		return env
	}
	data, err := tool.Fn(ctx, call.Arguments)
	env := envelopeFor(data, err)
	span.SetAttributes(attribute.String("tool.status", string(env.Status)))
	return env
}

func addUsage(a, b llm.ChatUsage) llm.ChatUsage {
	return llm.ChatUsage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}
