// Package testutil provides shared mocks and helpers for engine tests.
package testutil

import (
	"context"
	"sync"

	"github.com/elkinlatorre/FINA/internal/llm"
)

// MockProvider implements llm.Provider with a scripted response sequence.
// Call N returns Responses[N], or the last entry when the script is
// shorter than the call count. ErrByModel simulates per-model failures so
// cascade fallback can be exercised.
type MockProvider struct {
	mu               sync.Mutex
	ProviderName     string
	Responses        []*llm.Response
	ErrByModel       map[string]error // model -> error returned for that model
	ErrOnCall        int              // 1-based call index that fails with Err; 0 = never
	Err              error
	CallCount        int
	ReceivedRequests []*llm.Request
}

// Name returns the provider identifier.
func (p *MockProvider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Generate returns the next scripted response, honoring per-model and
// per-call error configuration. Streaming callbacks are honored so the
// stream path can be tested too.
func (p *MockProvider) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.CallCount++
	call := p.CallCount
	reqCopy := *req
	p.ReceivedRequests = append(p.ReceivedRequests, &reqCopy)
	p.mu.Unlock()

	if err, ok := p.ErrByModel[req.Model]; ok && err != nil {
		return nil, err
	}
	if p.ErrOnCall > 0 && call == p.ErrOnCall && p.Err != nil {
		return nil, p.Err
	}

	resp := p.scripted(call - 1)
	if req.Model != "" {
		resp.Model = req.Model
	}
	if req.OnDelta != nil && resp.Content != "" {
		req.OnDelta(resp.Content)
	}
	if req.OnToolStart != nil {
		for _, tc := range resp.ToolCalls {
			req.OnToolStart(tc.Name)
		}
	}
	return resp, nil
}

func (p *MockProvider) scripted(idx int) *llm.Response {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.Responses) == 0 {
		return &llm.Response{
			Content:          "mock response",
			FinishReason:     "stop",
			PromptTokens:     10,
			CompletionTokens: 20,
			UsageReported:    true,
		}
	}
	if idx >= len(p.Responses) {
		idx = len(p.Responses) - 1
	}
	src := p.Responses[idx]
	out := *src
	if len(src.ToolCalls) > 0 {
		out.ToolCalls = make([]llm.ToolCall, len(src.ToolCalls))
		copy(out.ToolCalls, src.ToolCalls)
	}
	return &out
}

// EstimateCost returns a fixed nominal cost.
func (p *MockProvider) EstimateCost(_ string, _, _ int) float64 { return 0.001 }

// TextResponse builds a plain final-answer response with reported usage.
func TextResponse(content string) *llm.Response {
	return &llm.Response{
		Content:          content,
		FinishReason:     "stop",
		PromptTokens:     12,
		CompletionTokens: 34,
		UsageReported:    true,
	}
}

// ToolCallResponse builds a response requesting a single tool call.
func ToolCallResponse(id, name string, args map[string]any) *llm.Response {
	return &llm.Response{
		FinishReason:     "tool_calls",
		ToolCalls:        []llm.ToolCall{{ID: id, Name: name, Arguments: args}},
		PromptTokens:     15,
		CompletionTokens: 5,
		UsageReported:    true,
	}
}
