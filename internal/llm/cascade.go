package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Cascade tries an ordered list of candidate models against a provider.
// Transient failures (rate limits, decommissioned models) fall through to
// the next candidate; anything else propagates immediately.
type Cascade struct {
	provider Provider
	models   []string
}

// NewCascade builds a cascade over the provider with the configured
// candidate order (primary first).
func NewCascade(provider Provider, models []string) (*Cascade, error) {
	if len(models) == 0 {
		return nil, ErrNoCandidates
	}
	return &Cascade{provider: provider, models: models}, nil
}

// Provider returns the underlying provider (for cost estimation).
func (c *Cascade) Provider() Provider {
	return c.provider
}

// Generate runs the request through the candidate list. The request's
// Model field is overwritten per attempt. Returns ErrCandidatesExhausted
// (wrapping the last failure) when every candidate failed transiently.
func (c *Cascade) Generate(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "llm.cascade",
		trace.WithAttributes(attribute.Int("llm.candidates", len(c.models))))
	defer span.End()

	var lastErr error
	for i, model := range c.models {
		req.Model = model
		resp, err := c.provider.Generate(ctx, req)
		if err == nil {
			if i > 0 {
				span.SetAttributes(attribute.String("llm.fallback_model", model))
			}
			return resp, nil
		}
		if !Transient(err) {
			span.RecordError(err)
			return nil, err
		}
		log.Warn().Err(err).
			Str("model", model).
			Int("candidate", i).
			Msg("model_candidate_failed")
		lastErr = err
	}

	span.RecordError(lastErr)
	return nil, fmt.Errorf("%w: %w", ErrCandidatesExhausted, lastErr)
}

// Transient reports whether an error should cause fallback to the next
// candidate model rather than an immediate failure: rate limiting and
// decommissioned or unknown models are transient, everything else is not.
func Transient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 {
			return true
		}
		if code, ok := apiErr.Code.(string); ok {
			switch code {
			case "model_decommissioned", "model_not_found", "model_not_active":
				return true
			}
		}
		msg := strings.ToLower(apiErr.Message)
		if strings.Contains(msg, "decommissioned") || strings.Contains(msg, "no longer supported") {
			return true
		}
	}
	return false
}
