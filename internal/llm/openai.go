package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	finaotel "github.com/elkinlatorre/FINA/internal/otel"
)

var tracer = finaotel.Tracer("github.com/elkinlatorre/FINA/internal/llm")

// OpenAIProvider implements Provider against any OpenAI-compatible
// chat-completions endpoint. With a custom base URL it reaches Groq and
// other compatible backends.
type OpenAIProvider struct {
	client *openai.Client
	name   string
}

// NewOpenAIProvider creates a provider for api.openai.com.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{client: openai.NewClient(apiKey), name: "openai"}
}

// NewOpenAIProviderWithBaseURL creates a provider against a compatible
// endpoint (e.g. "https://api.groq.com/openai/v1", or an httptest server
// in tests). name is the provider identifier used in logs and spans.
func NewOpenAIProviderWithBaseURL(name, apiKey, baseURL string) *OpenAIProvider {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL
	return &OpenAIProvider{client: openai.NewClientWithConfig(config), name: name}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Generate sends a chat completion request. When req.OnDelta is set the
// request is streamed: fragments are delivered through the callback and
// the accumulated response is returned.
func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.generate",
		trace.WithAttributes(
			finaotel.GenAISystem.String(p.name),
			finaotel.GenAIRequestModel.String(req.Model),
			finaotel.GenAIRequestTemperature.Float64(req.Temperature),
			finaotel.GenAIRequestMaxTokens.Int(req.MaxTokens),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutLLMCall)
	defer cancel()

	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req),
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Tools:       toOpenAITools(req.Tools),
	}

	var resp *Response
	var err error
	if req.OnDelta != nil {
		resp, err = p.generateStream(ctx, chatReq, req)
	} else {
		resp, err = p.generateSync(ctx, chatReq)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(finaotel.LLMUsageAttributes(resp.PromptTokens, resp.CompletionTokens)...)
	span.SetAttributes(finaotel.GenAIResponseFinishReason.String(resp.FinishReason))
	return resp, nil
}

func (p *OpenAIProvider) generateSync(ctx context.Context, chatReq openai.ChatCompletionRequest) (*Response, error) {
	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("%s api call: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s api call: no choices returned", p.name)
	}

	choice := resp.Choices[0]
	out := &Response{
		Content:          choice.Message.Content,
		Refusal:          choice.Message.Refusal,
		FinishReason:     string(choice.FinishReason),
		ToolCalls:        fromOpenAIToolCalls(choice.Message.ToolCalls),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Model:            resp.Model,
		UsageReported:    resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0,
	}

	// Some models emit a single legacy function_call instead of tool_calls.
	if len(out.ToolCalls) == 0 && choice.Message.FunctionCall != nil {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			Name:      choice.Message.FunctionCall.Name,
			Arguments: parseArguments(choice.Message.FunctionCall.Arguments),
		})
	}

	// Alternate textual content hidden in multi-part responses.
	if out.Content == "" && len(choice.Message.MultiContent) > 0 {
		var sb strings.Builder
		for _, part := range choice.Message.MultiContent {
			if part.Type == openai.ChatMessagePartTypeText {
				sb.WriteString(part.Text)
			}
		}
		out.Content = sb.String()
	}

	return out, nil
}

func (p *OpenAIProvider) generateStream(ctx context.Context, chatReq openai.ChatCompletionRequest, req *Request) (*Response, error) {
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("%s stream open: %w", p.name, err)
	}
	defer stream.Close()

	out := &Response{Model: chatReq.Model}
	var content strings.Builder
	calls := map[int]*streamedCall{}
	announced := map[int]bool{}

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s stream recv: %w", p.name, err)
		}

		if chunk.Usage != nil {
			out.PromptTokens = chunk.Usage.PromptTokens
			out.CompletionTokens = chunk.Usage.CompletionTokens
			out.UsageReported = out.PromptTokens > 0 || out.CompletionTokens > 0
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			out.FinishReason = string(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			req.OnDelta(choice.Delta.Content)
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := calls[idx]
			if !ok {
				call = &streamedCall{}
				calls[idx] = call
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name += tc.Function.Name
			}
			call.args.WriteString(tc.Function.Arguments)
			if call.name != "" && !announced[idx] && req.OnToolStart != nil {
				req.OnToolStart(call.name)
				announced[idx] = true
			}
		}
	}

	out.Content = content.String()
	for i := 0; i < len(calls); i++ {
		call, ok := calls[i]
		if !ok {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        call.id,
			Name:      call.name,
			Arguments: parseArguments(call.args.String()),
		})
	}
	return out, nil
}

type streamedCall struct {
	id   string
	name string
	args strings.Builder
}

// EstimateCost estimates the request cost in USD per 1K tokens.
func (p *OpenAIProvider) EstimateCost(model string, promptTokens, completionTokens int) float64 {
	type pricing struct {
		prompt     float64
		completion float64
	}

	prices := map[string]pricing{
		"llama-3.3-70b-versatile": {prompt: 0.00059, completion: 0.00079},
		"llama-3.1-8b-instant":    {prompt: 0.00005, completion: 0.00008},
		"gpt-4o":                  {prompt: 0.0025, completion: 0.01},
		"gpt-4o-mini":             {prompt: 0.00015, completion: 0.0006},
	}

	pr, ok := prices[model]
	if !ok {
		pr = prices["llama-3.3-70b-versatile"]
	}

	return (float64(promptTokens)/1000.0)*pr.prompt +
		(float64(completionTokens)/1000.0)*pr.completion
}

func toOpenAIMessages(req *Request) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		messages = append(messages, msg)
	}
	return messages
}

func toOpenAITools(tools []Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return out
}

func fromOpenAIToolCalls(calls []openai.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: parseArguments(tc.Function.Arguments),
		})
	}
	return out
}

// parseArguments decodes a JSON argument payload, tolerating malformed
// fragments by returning the raw text under a single key so the tool
// layer can surface a useful error.
func parseArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}
	}
	return args
}
