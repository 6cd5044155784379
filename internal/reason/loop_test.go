package reason_test

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elkinlatorre/FINA/internal/engine"
	"github.com/elkinlatorre/FINA/internal/llm"
	"github.com/elkinlatorre/FINA/internal/reason"
	"github.com/elkinlatorre/FINA/internal/risk"
	"github.com/elkinlatorre/FINA/internal/testutil"
	"github.com/elkinlatorre/FINA/internal/tools"
)

// stubTool is a scripted tool for loop tests.
type stubTool struct {
	name    string
	result  string
	err     error
	lastUID string
}

func (s *stubTool) Name() string { return s.name }

func (s *stubTool) Description() string { return "stub" }

func (s *stubTool) Parameters() map[string]any { return map[string]any{"type": "object"} }

func (s *stubTool) Execute(_ context.Context, userID string, _ map[string]any) (string, error) {
	s.lastUID = userID
	return s.result, s.err
}

func newLoop(t *testing.T, provider llm.Provider, registry *tools.Registry) *reason.Loop {
	t.Helper()
	cascade, err := llm.NewCascade(provider, []string{"model-a", "model-b"})
	require.NoError(t, err)
	if registry == nil {
		registry = tools.NewRegistry()
	}
	return reason.New(reason.Config{
		Cascade:  cascade,
		Registry: registry,
		Classifier: risk.New(
			[]string{"buy", "sell", "trade", "allocate", "invest"},
			[]string{"risk", "recommendation", "portfolio", "assets", "advice"},
			2, 2,
		),
		SystemPrompt:  "You are a financial analyst.",
		MaxToolRounds: 3,
	})
}

func stateWithInput(input string) *engine.State {
	s := &engine.State{ThreadID: "t1", UserID: "alice"}
	s.Append(engine.Message{Role: engine.RoleHuman, Content: input})
	return s
}

func TestAgentStepFinalAnswer(t *testing.T) {
	provider := &testutil.MockProvider{
		Responses: []*llm.Response{testutil.TextResponse("Your current balance is $12,000.")},
	}
	loop := newLoop(t, provider, nil)

	state := stateWithInput("What is my current balance?")
	next, err := loop.AgentStep(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, engine.NodeOutputGuardrail, next)

	last := state.LastAgentMessage()
	require.NotNil(t, last)
	assert.Equal(t, "Your current balance is $12,000.", last.Content)
	assert.Equal(t, 12, state.Usage.PromptTokens)
	assert.Equal(t, 34, state.Usage.CompletionTokens)
	assert.Positive(t, state.Usage.EstimatedCost)
}

func TestAgentStepRiskyAnswerEscalates(t *testing.T) {
	provider := &testutil.MockProvider{
		Responses: []*llm.Response{testutil.TextResponse("You should sell your NVDA shares now.")},
	}
	loop := newLoop(t, provider, nil)

	state := stateWithInput("Should I sell my NVDA shares now?")
	next, err := loop.AgentStep(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, engine.NodeHumanReviewGate, next)
}

func TestAgentStepToolCallRoutesToTools(t *testing.T) {
	provider := &testutil.MockProvider{
		Responses: []*llm.Response{
			testutil.ToolCallResponse("call-1", "get_user_portfolio", map[string]any{}),
		},
	}
	loop := newLoop(t, provider, nil)

	state := stateWithInput("What do I own?")
	next, err := loop.AgentStep(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, engine.NodeTools, next)

	last := state.LastAgentMessage()
	require.Len(t, last.ToolCalls, 1)
	assert.Equal(t, "get_user_portfolio", last.ToolCalls[0].Name)
}

func TestAgentStepEstimatesUsageWhenUnreported(t *testing.T) {
	content := "A short answer."
	provider := &testutil.MockProvider{
		Responses: []*llm.Response{{Content: content, FinishReason: "stop"}},
	}
	loop := newLoop(t, provider, nil)

	input := "What is my current balance?"
	state := stateWithInput(input)
	_, err := loop.AgentStep(context.Background(), state)
	require.NoError(t, err)

	wantPrompt := (len("You are a financial analyst.") + len(input)) / 4
	assert.Equal(t, wantPrompt, state.Usage.PromptTokens)
	assert.Equal(t, len(content)/4, state.Usage.CompletionTokens)
	assert.Equal(t, wantPrompt+len(content)/4, state.Usage.TotalTokens)
}

func TestAgentStepRescuesRefusal(t *testing.T) {
	provider := &testutil.MockProvider{
		Responses: []*llm.Response{{
			Refusal:          "I can't help with that request.",
			FinishReason:     "stop",
			PromptTokens:     10,
			CompletionTokens: 8,
			UsageReported:    true,
		}},
	}
	loop := newLoop(t, provider, nil)

	state := stateWithInput("hello")
	_, err := loop.AgentStep(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, "I can't help with that request.", state.LastAgentMessage().Content)
}

func TestAgentStepIterationCap(t *testing.T) {
	provider := &testutil.MockProvider{
		Responses: []*llm.Response{
			testutil.ToolCallResponse("c", "get_user_portfolio", nil),
		},
	}
	loop := newLoop(t, provider, nil)

	state := stateWithInput("loop forever")
	// Simulate three prior tool rounds since the last human turn.
	for i := 0; i < 3; i++ {
		state.Append(
			engine.Message{Role: engine.RoleAgent, ToolCalls: []engine.ToolCall{{ID: "c", Name: "t"}}},
			engine.Message{Role: engine.RoleTool, Content: "r", ToolCallID: "c"},
		)
	}

	_, err := loop.AgentStep(context.Background(), state)
	assert.ErrorIs(t, err, reason.ErrLoopLimit)
	assert.Zero(t, provider.CallCount, "no model call once the cap is hit")
}

func TestAgentStepProviderExhausted(t *testing.T) {
	provider := &testutil.MockProvider{
		ErrByModel: map[string]error{
			"model-a": &openai.APIError{HTTPStatusCode: 429, Message: "rate limit"},
			"model-b": &openai.APIError{HTTPStatusCode: 429, Message: "rate limit"},
		},
	}
	loop := newLoop(t, provider, nil)

	_, err := loop.AgentStep(context.Background(), stateWithInput("hello"))
	assert.ErrorIs(t, err, reason.ErrProviderConnection)
}

func TestToolStepExecutesAndScopesToThreadOwner(t *testing.T) {
	tool := &stubTool{name: "get_user_portfolio", result: `[{"symbol":"NVDA","qty":10}]`}
	registry := tools.NewRegistry()
	registry.Register(tool)
	loop := newLoop(t, &testutil.MockProvider{}, registry)

	state := stateWithInput("What do I own?")
	state.Append(engine.Message{
		Role:      engine.RoleAgent,
		ToolCalls: []engine.ToolCall{{ID: "call-1", Name: "get_user_portfolio", Arguments: map[string]any{"user_id": "mallory"}}},
	})

	next, err := loop.ToolStep(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, engine.NodeAgent, next)
	assert.Equal(t, "alice", tool.lastUID, "thread owner, never model-supplied identity")

	last := state.LastMessage()
	assert.Equal(t, engine.RoleTool, last.Role)
	assert.Equal(t, "call-1", last.ToolCallID)
	assert.Equal(t, "get_user_portfolio", last.ToolName)
	assert.Contains(t, last.Content, "NVDA")
}

func TestToolStepCapturesToolFailure(t *testing.T) {
	tool := &stubTool{name: "get_user_portfolio", err: errors.New("vault unreachable")}
	registry := tools.NewRegistry()
	registry.Register(tool)
	loop := newLoop(t, &testutil.MockProvider{}, registry)

	state := stateWithInput("What do I own?")
	state.Append(engine.Message{
		Role:      engine.RoleAgent,
		ToolCalls: []engine.ToolCall{{ID: "call-1", Name: "get_user_portfolio"}},
	})

	next, err := loop.ToolStep(context.Background(), state)
	require.NoError(t, err, "tool failures are recoverable")
	assert.Equal(t, engine.NodeAgent, next)
	assert.Contains(t, state.LastMessage().Content, "vault unreachable")
}

func TestToolStepUnknownTool(t *testing.T) {
	loop := newLoop(t, &testutil.MockProvider{}, nil)

	state := stateWithInput("q")
	state.Append(engine.Message{
		Role:      engine.RoleAgent,
		ToolCalls: []engine.ToolCall{{ID: "call-1", Name: "nonexistent"}},
	})

	_, err := loop.ToolStep(context.Background(), state)
	require.NoError(t, err)
	assert.Contains(t, state.LastMessage().Content, "not available")
}

func TestToolStepNoToolCalls(t *testing.T) {
	loop := newLoop(t, &testutil.MockProvider{}, nil)

	state := stateWithInput("q")
	next, err := loop.ToolStep(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, engine.NodeAgent, next)
	assert.Len(t, state.Messages, 1)
}
