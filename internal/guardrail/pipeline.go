// Package guardrail implements the input-scope classifier and the
// output-compliance formatter that bracket every conversation turn.
//
// The input side asks a classifier model whether the latest user message
// falls inside the configured advisory domain and blocks it before any
// reasoning happens when it does not. The output side appends the
// mandatory disclaimer to advisory answers. Classifier infrastructure
// failures never block a user: the pipeline fails open and records why.
package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/elkinlatorre/FINA/internal/engine"
	"github.com/elkinlatorre/FINA/internal/llm"
	finaotel "github.com/elkinlatorre/FINA/internal/otel"
)

var tracer = finaotel.Tracer("github.com/elkinlatorre/FINA/internal/guardrail")

// Pipeline holds both guardrail steps and their shared classifier cascade.
type Pipeline struct {
	cascade     *llm.Cascade
	enabled     bool
	scopePrompt string
	disclaimer  string
	triggers    []string
}

// Config carries the operator-tunable guardrail settings.
type Config struct {
	Cascade *llm.Cascade
	Enabled bool
	// ScopePrompt is the classifier instruction. It must ask for a JSON
	// verdict of the form {"is_safe": bool, "reason": string, "category": string}.
	ScopePrompt string
	// Disclaimer is appended to advisory answers exactly once.
	Disclaimer string
	// Triggers are the lowercase substrings that mark an answer as advisory.
	Triggers []string
}

// New creates the guardrail pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		cascade:     cfg.Cascade,
		enabled:     cfg.Enabled,
		scopePrompt: cfg.ScopePrompt,
		disclaimer:  cfg.Disclaimer,
		triggers:    cfg.Triggers,
	}
}

type verdict struct {
	IsSafe   bool   `json:"is_safe"`
	Reason   string `json:"reason"`
	Category string `json:"category"`
}

// InputStep classifies the latest user message. Unsafe input gets a
// refusal message appended and routes straight to termination; everything
// else continues to the agent.
func (p *Pipeline) InputStep(ctx context.Context, state *engine.State) (string, error) {
	ctx, span := tracer.Start(ctx, "guardrail.input",
		trace.WithAttributes(attribute.String("thread_id", state.ThreadID)))
	defer span.End()

	if !p.enabled {
		state.Safety = engine.SafetyMetadata{IsSafe: true, Category: "disabled"}
		return engine.NodeAgent, nil
	}

	last := state.LastMessage()
	if last == nil || last.Role != engine.RoleHuman {
		state.Safety = engine.SafetyMetadata{IsSafe: true, Reason: "no user message", Category: "empty"}
		return engine.NodeAgent, nil
	}

	v, usage, err := p.classify(ctx, last.Content)
	if err != nil {
		// Fail open: an unreachable classifier must not deny service.
		log.Error().Err(err).
			Str("thread_id", state.ThreadID).
			Msg("input_guardrail_failed_open")
		span.RecordError(err)
		state.Safety = engine.SafetyMetadata{IsSafe: true, Reason: "guardrail error: " + err.Error(), Category: "error"}
		return engine.NodeAgent, nil
	}

	state.AddUsage(usage)
	state.Safety = engine.SafetyMetadata{IsSafe: v.IsSafe, Reason: v.Reason, Category: v.Category}
	span.SetAttributes(attribute.Bool("guardrail.is_safe", v.IsSafe))

	if !v.IsSafe {
		reason := v.Reason
		if reason == "" {
			reason = "Outside of allowed scope"
		}
		log.Warn().
			Str("thread_id", state.ThreadID).
			Str("category", v.Category).
			Msg("input_blocked_by_guardrail")
		state.Append(engine.Message{
			Role:    engine.RoleAgent,
			Content: fmt.Sprintf("I'm sorry, I cannot process your request. Reason: %s", reason),
		})
		return engine.NodeEnd, nil
	}
	return engine.NodeAgent, nil
}

// classify sends the message through the classifier cascade and parses
// the verdict, tolerating prose around the JSON payload.
func (p *Pipeline) classify(ctx context.Context, message string) (*verdict, engine.Usage, error) {
	req := &llm.Request{
		System:      p.scopePrompt,
		Messages:    []llm.Message{{Role: "user", Content: message}},
		Temperature: 0,
		MaxTokens:   300,
	}
	resp, err := p.cascade.Generate(ctx, req)
	if err != nil {
		return nil, engine.Usage{}, err
	}

	var v verdict
	if err := json.Unmarshal([]byte(ExtractJSONObject(resp.Content)), &v); err != nil {
		return nil, engine.Usage{}, fmt.Errorf("parsing classifier verdict: %w", err)
	}

	prompt := resp.PromptTokens
	completion := resp.CompletionTokens
	if !resp.UsageReported {
		prompt = (len(p.scopePrompt) + len(message)) / 4
		completion = len(resp.Content) / 4
	}
	usage := engine.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		EstimatedCost:    p.cascade.Provider().EstimateCost(resp.Model, prompt, completion),
	}
	return &v, usage, nil
}

// OutputStep appends the mandatory disclaimer to the final agent message
// when it touches advisory territory. Appending is idempotent: a message
// that already carries the disclaimer is left untouched.
func (p *Pipeline) OutputStep(ctx context.Context, state *engine.State) (string, error) {
	_, span := tracer.Start(ctx, "guardrail.output",
		trace.WithAttributes(attribute.String("thread_id", state.ThreadID)))
	defer span.End()

	last := state.LastAgentMessage()
	if last == nil || last.Content == "" {
		return engine.NodeEnd, nil
	}

	lower := strings.ToLower(last.Content)
	triggered := false
	for _, t := range p.triggers {
		if strings.Contains(lower, t) {
			triggered = true
			break
		}
	}

	if triggered && !strings.Contains(last.Content, p.disclaimer) {
		log.Info().
			Str("thread_id", state.ThreadID).
			Msg("disclaimer_appended")
		state.ReplaceLastAgentContent(last.Content + p.disclaimer)
	}
	return engine.NodeEnd, nil
}
