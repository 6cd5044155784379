// Package llm abstracts chat-completion providers behind a small
// interface and layers a model-fallback cascade on top.
package llm

import (
	"context"
	"errors"
	"time"
)

// TimeoutLLMCall bounds a single completion request.
const TimeoutLLMCall = 60 * time.Second

var (
	// ErrNoCandidates is returned when a cascade is built with no models.
	ErrNoCandidates = errors.New("no candidate models configured")
	// ErrCandidatesExhausted is returned when every candidate model failed
	// with a transient error.
	ErrCandidatesExhausted = errors.New("all candidate models exhausted")
)

// Provider is the interface all chat-completion backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "groq").
	Name() string
	// Generate sends a completion request and returns the response.
	Generate(ctx context.Context, req *Request) (*Response, error)
	// EstimateCost estimates the cost in USD for the given token counts.
	EstimateCost(model string, promptTokens, completionTokens int) float64
}

// Request is a chat-completion request.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Tools       []Tool

	// OnDelta, when set, asks the provider to stream and deliver text
	// fragments as they arrive. The full response is still returned.
	OnDelta func(text string)
	// OnToolStart is called once per tool call as soon as its name is known
	// during streaming.
	OnToolStart func(name string)
}

// Message is a chat turn in provider-neutral form.
type Message struct {
	Role       string // "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// Tool describes a callable function exposed to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a tool invocation parsed from the model response.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Response is a completion result with usage metadata.
type Response struct {
	Content          string
	Refusal          string
	FinishReason     string
	ToolCalls        []ToolCall
	PromptTokens     int
	CompletionTokens int
	Model            string
	// UsageReported is false when the provider omitted usage metadata and
	// the caller should estimate instead.
	UsageReported bool
}
