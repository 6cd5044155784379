// Package reason implements the agent/tool alternation at the heart of
// the workflow: it invokes the language model with the bound tool set,
// executes requested tools, and repeats until the model produces a final
// natural-language answer.
package reason

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/elkinlatorre/FINA/internal/engine"
	"github.com/elkinlatorre/FINA/internal/llm"
	finaotel "github.com/elkinlatorre/FINA/internal/otel"
	"github.com/elkinlatorre/FINA/internal/risk"
	"github.com/elkinlatorre/FINA/internal/tools"
)

var tracer = finaotel.Tracer("github.com/elkinlatorre/FINA/internal/reason")

var (
	// ErrProviderConnection is returned when every candidate model failed
	// and the reasoning loop cannot proceed.
	ErrProviderConnection = errors.New("language model provider unavailable")
	// ErrLoopLimit is returned when the agent/tool cycle exceeds its
	// iteration cap without producing a final answer.
	ErrLoopLimit = errors.New("reasoning loop exceeded iteration limit")
)

// Loop drives the agent and tools workflow nodes.
type Loop struct {
	cascade      *llm.Cascade
	registry     *tools.Registry
	classifier   *risk.Classifier
	systemPrompt string
	temperature  float64
	maxTokens    int
	maxRounds    int
}

// Config holds the dependencies for constructing a Loop.
type Config struct {
	Cascade      *llm.Cascade
	Registry     *tools.Registry
	Classifier   *risk.Classifier
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	// MaxToolRounds bounds agent→tools iterations per user turn. The
	// cycle must terminate even when the model keeps requesting tools.
	MaxToolRounds int
}

// New creates the reasoning loop.
func New(cfg Config) *Loop {
	maxRounds := cfg.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = 8
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	return &Loop{
		cascade:      cfg.Cascade,
		registry:     cfg.Registry,
		classifier:   cfg.Classifier,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.Temperature,
		maxTokens:    maxTokens,
		maxRounds:    maxRounds,
	}
}

// AgentStep produces exactly one new agent message: either tool calls or
// a final answer. Routing follows the risk classifier's decision.
func (l *Loop) AgentStep(ctx context.Context, state *engine.State) (string, error) {
	ctx, span := tracer.Start(ctx, "reason.agent",
		trace.WithAttributes(attribute.String("thread_id", state.ThreadID)))
	defer span.End()

	if state.ToolRounds() >= l.maxRounds {
		span.RecordError(ErrLoopLimit)
		return "", fmt.Errorf("%w (%d rounds)", ErrLoopLimit, l.maxRounds)
	}

	sink := sinkFrom(ctx)
	req := &llm.Request{
		System:      l.systemPrompt,
		Messages:    toProviderMessages(state.Messages),
		Temperature: l.temperature,
		MaxTokens:   l.maxTokens,
		Tools:       l.registry.Definitions(),
	}
	if sink != nil {
		req.OnDelta = sink.OnToken
		req.OnToolStart = sink.OnToolStart
	}

	resp, err := l.cascade.Generate(ctx, req)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, llm.ErrCandidatesExhausted) {
			return "", fmt.Errorf("%w: %w", ErrProviderConnection, err)
		}
		return "", err
	}

	usage := usageFrom(resp, req)
	content := resp.Content

	// The provider reported generated tokens but neither text nor parsed
	// tool calls survived decoding. Surface a model-level refusal rather
	// than silently returning an empty answer. Raw tool payloads and
	// provider metadata are already recovered inside the provider.
	if content == "" && len(resp.ToolCalls) == 0 && resp.CompletionTokens > 0 && resp.Refusal != "" {
		content = resp.Refusal
		log.Warn().
			Str("thread_id", state.ThreadID).
			Str("model", resp.Model).
			Msg("empty_content_rescued_from_refusal")
	}

	msg := engine.Message{
		Role:      engine.RoleAgent,
		Content:   content,
		ToolCalls: toEngineToolCalls(resp.ToolCalls),
	}
	state.Append(msg)
	state.AddUsage(usage)

	cost := l.cascade.Provider().EstimateCost(resp.Model, usage.PromptTokens, usage.CompletionTokens)
	llm.RecordCostMetrics(ctx, cost, engine.NodeAgent, resp.Model)
	state.AddUsage(engine.Usage{EstimatedCost: cost})

	route := l.classifier.Decide(content, len(resp.ToolCalls) > 0, state.ThreadID)
	switch route {
	case risk.RouteTools:
		return engine.NodeTools, nil
	case risk.RouteReview:
		return engine.NodeHumanReviewGate, nil
	default:
		return engine.NodeOutputGuardrail, nil
	}
}

// ToolStep executes every tool call requested by the latest agent message.
// Tool failures are captured as tool-result text; the agent sees the error
// and may retry or explain it.
func (l *Loop) ToolStep(ctx context.Context, state *engine.State) (string, error) {
	ctx, span := tracer.Start(ctx, "reason.tools",
		trace.WithAttributes(attribute.String("thread_id", state.ThreadID)))
	defer span.End()

	last := state.LastAgentMessage()
	if last == nil || len(last.ToolCalls) == 0 {
		return engine.NodeAgent, nil
	}

	for _, call := range last.ToolCalls {
		result := l.executeOne(ctx, state.UserID, call)
		state.Append(engine.Message{
			Role:       engine.RoleTool,
			Content:    result,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		})
	}
	return engine.NodeAgent, nil
}

func (l *Loop) executeOne(ctx context.Context, userID string, call engine.ToolCall) string {
	tool, ok := l.registry.Get(call.Name)
	if !ok {
		log.Warn().Str("tool", call.Name).Msg("unknown_tool_requested")
		return fmt.Sprintf("Error: tool %q is not available.", call.Name)
	}

	if sink := sinkFrom(ctx); sink != nil {
		sink.OnToolStart(call.Name)
	}

	result, err := tool.Execute(ctx, userID, call.Arguments)
	if err != nil {
		log.Warn().Err(err).
			Str("tool", call.Name).
			Msg("tool_execution_failed")
		return fmt.Sprintf("Error executing %s: %v", call.Name, err)
	}
	return result
}

// usageFrom extracts token usage, falling back to the character-count
// heuristic (len/4) when the provider omitted usage metadata, so usage is
// never zero when content was produced.
func usageFrom(resp *llm.Response, req *llm.Request) engine.Usage {
	prompt := resp.PromptTokens
	completion := resp.CompletionTokens
	if !resp.UsageReported {
		promptChars := len(req.System)
		for _, m := range req.Messages {
			promptChars += len(m.Content)
		}
		prompt = promptChars / 4
		completion = len(resp.Content) / 4
	}
	return engine.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func toProviderMessages(msgs []engine.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		pm := llm.Message{Content: m.Content}
		switch m.Role {
		case engine.RoleHuman:
			pm.Role = "user"
		case engine.RoleAgent:
			pm.Role = "assistant"
			for _, tc := range m.ToolCalls {
				pm.ToolCalls = append(pm.ToolCalls, llm.ToolCall{
					ID:        tc.ID,
					Name:      tc.Name,
					Arguments: tc.Arguments,
				})
			}
		case engine.RoleTool:
			pm.Role = "tool"
			pm.ToolCallID = m.ToolCallID
			pm.Name = m.ToolName
		}
		out = append(out, pm)
	}
	return out
}

func toEngineToolCalls(calls []llm.ToolCall) []engine.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]engine.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = engine.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}
