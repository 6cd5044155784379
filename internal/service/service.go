// Package service exposes the conversational advisory operations consumed
// by the HTTP layer and the CLI: chat (batch and streaming), supervisor
// approval, and thread inspection.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/elkinlatorre/FINA/internal/checkpoint"
	"github.com/elkinlatorre/FINA/internal/engine"
	"github.com/elkinlatorre/FINA/internal/governance"
	finaotel "github.com/elkinlatorre/FINA/internal/otel"
	"github.com/elkinlatorre/FINA/internal/reason"
)

var tracer = finaotel.Tracer("github.com/elkinlatorre/FINA/internal/service")

// Chat statuses returned to callers.
const (
	StatusSuccess       = "success"
	StatusPendingReview = "pending_review"
)

// pendingReviewMessage is shown instead of the answer when a
// recommendation is parked for approval.
const pendingReviewMessage = "Your request involves a financial recommendation and is pending human approval."

// ChatResult is the outcome of one chat turn.
type ChatResult struct {
	Status   string       `json:"status"`
	ThreadID string       `json:"thread_id"`
	UserID   string       `json:"user_id"`
	Response string       `json:"response,omitempty"`
	Message  string       `json:"message,omitempty"`
	Preview  string       `json:"preview,omitempty"`
	Usage    engine.Usage `json:"usage"`
}

// ThreadStatus is the full state of a thread for inspection.
type ThreadStatus struct {
	ThreadID      string           `json:"thread_id"`
	UserID        string           `json:"user_id"`
	Status        string           `json:"status"`
	FinalDecision string           `json:"final_decision,omitempty"`
	Messages      []engine.Message `json:"messages"`
	Usage         engine.Usage     `json:"usage"`
}

// Service bundles the workflow engine with the governance validator.
type Service struct {
	engine    *engine.Engine
	validator *governance.Validator
	store     *checkpoint.Store
}

// New creates the advisory service.
func New(eng *engine.Engine, validator *governance.Validator, store *checkpoint.Store) *Service {
	return &Service{engine: eng, validator: validator, store: store}
}

// ProcessChat runs one user message through the workflow on a fresh
// thread. When the risk router escalates, the answer is withheld and a
// preview is returned alongside the pending_review status.
func (s *Service) ProcessChat(ctx context.Context, message, userID string) (*ChatResult, error) {
	threadID := uuid.NewString()
	return s.runChat(ctx, threadID, message, userID)
}

// ProcessChatOnThread continues an existing thread with a new message.
func (s *Service) ProcessChatOnThread(ctx context.Context, threadID, message, userID string) (*ChatResult, error) {
	return s.runChat(ctx, threadID, message, userID)
}

func (s *Service) runChat(ctx context.Context, threadID, message, userID string) (*ChatResult, error) {
	ctx, span := tracer.Start(ctx, "service.process_chat",
		trace.WithAttributes(
			attribute.String("thread_id", threadID),
			attribute.String("user_id", userID),
		))
	defer span.End()

	log.Info().
		Str("thread_id", threadID).
		Str("user_id", userID).
		Func(finaotel.LogTraceFields(ctx)).
		Msg("chat_started")

	state, paused, err := s.engine.Run(ctx, threadID, userID, message)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := &ChatResult{
		ThreadID: threadID,
		UserID:   userID,
		Usage:    state.Usage,
	}
	last := state.LastAgentMessage()

	if paused {
		result.Status = StatusPendingReview
		result.Message = pendingReviewMessage
		if last != nil {
			result.Preview = last.Content
		}
		span.SetAttributes(attribute.String("chat.status", StatusPendingReview))
		return result, nil
	}

	result.Status = StatusSuccess
	if last != nil {
		result.Response = last.Content
	}
	span.SetAttributes(attribute.String("chat.status", StatusSuccess))
	return result, nil
}

// ProcessApproval validates and applies a supervisor decision.
func (s *Service) ProcessApproval(ctx context.Context, req *governance.Request) (*governance.Result, error) {
	return s.validator.ProcessApproval(ctx, req)
}

// GetThreadStatus returns the persisted state of a thread.
func (s *Service) GetThreadStatus(ctx context.Context, threadID string) (*ThreadStatus, error) {
	state, err := s.engine.State(ctx, threadID)
	if err != nil {
		return nil, err
	}

	status := StatusSuccess
	if state.Paused() {
		status = StatusPendingReview
	}

	ts := &ThreadStatus{
		ThreadID: state.ThreadID,
		UserID:   state.UserID,
		Status:   status,
		Messages: state.Messages,
		Usage:    state.Usage,
	}
	if state.FinalDecision != engine.DecisionUnset {
		ts.FinalDecision = string(state.FinalDecision)
	}
	return ts, nil
}

// PendingReviews lists all threads waiting for supervisor review.
func (s *Service) PendingReviews(ctx context.Context) ([]checkpoint.PendingReview, error) {
	return s.store.ListPendingReview(ctx)
}

// StreamEvent is one server-sent event of a streaming chat.
type StreamEvent struct {
	Type     string `json:"type"` // token | tool_start | final | error
	Delta    string `json:"delta,omitempty"`
	ToolName string `json:"tool_name,omitempty"`
	// Final event payload. Content and usage come from the persisted
	// post-guardrail state, not from the accumulated fragments, so the
	// authoritative answer includes anything the output guardrail added.
	Result *ChatResult `json:"result,omitempty"`
}

// streamSink forwards loop events to a channel without blocking the
// reasoning goroutine indefinitely: the channel is buffered and events
// are dropped only if the consumer has gone away.
type streamSink struct {
	events chan<- StreamEvent
	done   <-chan struct{}
}

func (s *streamSink) OnToken(delta string) {
	select {
	case s.events <- StreamEvent{Type: "token", Delta: delta}:
	case <-s.done:
	}
}

func (s *streamSink) OnToolStart(name string) {
	select {
	case s.events <- StreamEvent{Type: "tool_start", ToolName: name}:
	case <-s.done:
	}
}

// ProcessChatStream runs a chat turn while emitting incremental events to
// the returned channel. The channel closes after the terminal event.
func (s *Service) ProcessChatStream(ctx context.Context, message, userID string) (<-chan StreamEvent, error) {
	events := make(chan StreamEvent, 64)
	sink := &streamSink{events: events, done: ctx.Done()}
	threadID := uuid.NewString()

	go func() {
		defer close(events)

		result, err := s.runChat(reason.WithSink(ctx, sink), threadID, message, userID)
		if err != nil {
			log.Error().Err(err).
				Str("thread_id", threadID).
				Msg("stream_chat_failed")
			select {
			case events <- StreamEvent{Type: "error", Delta: streamErrorMessage(err)}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case events <- StreamEvent{Type: "final", Result: result}:
		case <-ctx.Done():
		}
	}()

	return events, nil
}

func streamErrorMessage(err error) string {
	if errors.Is(err, reason.ErrProviderConnection) {
		return "The assistant is temporarily unavailable. Please try again."
	}
	return fmt.Sprintf("request failed: %v", err)
}
