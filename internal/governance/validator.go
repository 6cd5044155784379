// Package governance validates supervisor approval requests against a
// fixed sequence of checks — authorization, segregation of duties, scope,
// idempotency — and drives the workflow engine through the resulting
// approval or rejection.
package governance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/elkinlatorre/FINA/internal/engine"
	finaotel "github.com/elkinlatorre/FINA/internal/otel"
)

var tracer = finaotel.Tracer("github.com/elkinlatorre/FINA/internal/governance")

var (
	// ErrUnauthorized is returned for supervisor IDs outside the registry.
	ErrUnauthorized = errors.New("invalid supervisor credentials")
	// ErrConflictOfInterest is returned when the requester would approve
	// their own recommendation.
	ErrConflictOfInterest = errors.New("conflict of interest: requester cannot approve their own thread")
	// ErrScopeViolation is returned when the claimed user does not own
	// the thread.
	ErrScopeViolation = errors.New("security violation: scope mismatch")
	// ErrNoPendingReview is returned when the thread has nothing waiting
	// at the review gate.
	ErrNoPendingReview = errors.New("no pending review found for this thread")
)

// Request is a supervisor decision on a paused thread.
type Request struct {
	ThreadID       string `json:"thread_id"`
	UserID         string `json:"user_id"`
	SupervisorID   string `json:"supervisor_id"`
	Approve        bool   `json:"approve"`
	EditedResponse string `json:"edited_response,omitempty"`
}

// Result is the outcome of a processed approval request.
type Result struct {
	Status     string    `json:"status"`
	ThreadID   string    `json:"thread_id"`
	Auditor    string    `json:"auditor,omitempty"`
	DecisionAt time.Time `json:"decision_at,omitzero"`
	// Response carries the finalized answer on approval, or the agent's
	// alternative recommendation on rejection.
	Response string `json:"response,omitempty"`
	Message  string `json:"message,omitempty"`
	// PendingReview is true when the rejected thread escalated again.
	PendingReview bool `json:"pending_review,omitempty"`
}

const (
	StatusApproved         = "approved"
	StatusRejected         = "rejected"
	StatusAlreadyProcessed = "already_processed"
)

// rejectionFeedback is injected into the conversation so the agent
// produces an alternative after a supervisor rejection.
const rejectionFeedback = "REJECTED BY SUPERVISOR: The previous recommendation is not authorized. Provide an alternative."

// Validator enforces governance checks and resumes paused threads.
type Validator struct {
	engine      *engine.Engine
	supervisors map[string]string
}

// New creates a validator over the engine with the supervisor registry
// (ID → display name used in audit output).
func New(eng *engine.Engine, supervisors map[string]string) *Validator {
	return &Validator{engine: eng, supervisors: supervisors}
}

// ProcessApproval runs the governance checks in order and, when they all
// pass, seals the decision and resumes the thread. The check order is
// fixed: thread existence, supervisor authorization, segregation of
// duties, scope, idempotency, pending review.
func (v *Validator) ProcessApproval(ctx context.Context, req *Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "governance.process_approval",
		trace.WithAttributes(
			attribute.String("thread_id", req.ThreadID),
			attribute.String("supervisor_id", req.SupervisorID),
			attribute.Bool("approve", req.Approve),
		))
	defer span.End()

	state, err := v.engine.State(ctx, req.ThreadID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	auditor, ok := v.supervisors[req.SupervisorID]
	if !ok {
		log.Warn().
			Str("supervisor_id", req.SupervisorID).
			Str("thread_id", req.ThreadID).
			Msg("unauthorized_supervisor")
		return nil, ErrUnauthorized
	}

	if req.UserID == req.SupervisorID {
		log.Warn().
			Str("supervisor_id", req.SupervisorID).
			Str("thread_id", req.ThreadID).
			Msg("segregation_of_duties_violation")
		return nil, ErrConflictOfInterest
	}

	if state.UserID != "" && state.UserID != req.UserID {
		log.Error().
			Str("claimed_user", req.UserID).
			Str("thread_owner", state.UserID).
			Str("thread_id", req.ThreadID).
			Msg("scope_violation")
		return nil, ErrScopeViolation
	}

	if state.FinalDecision != engine.DecisionUnset {
		return &Result{
			Status:     StatusAlreadyProcessed,
			ThreadID:   req.ThreadID,
			Auditor:    v.auditorName(state.DecisionBy),
			DecisionAt: decisionTime(state),
			Message:    fmt.Sprintf("This thread was already finalized as: %s", state.FinalDecision),
		}, nil
	}

	if !state.Paused() {
		return nil, ErrNoPendingReview
	}

	decisionAt := time.Now().UTC()
	patch := &engine.Patch{
		SupervisorID: req.SupervisorID,
		RequestedBy:  req.UserID,
		DecisionAt:   decisionAt,
	}

	if req.Approve {
		patch.Decision = engine.DecisionApproved
		patch.EditedResponse = req.EditedResponse
		if req.EditedResponse != "" {
			log.Info().
				Str("thread_id", req.ThreadID).
				Str("supervisor_id", req.SupervisorID).
				Msg("response_edited_by_supervisor")
		}
	} else {
		patch.Decision = engine.DecisionRejected
		patch.Append = []engine.Message{{Role: engine.RoleHuman, Content: rejectionFeedback}}
		patch.ResumeAt = engine.NodeAgent
	}

	final, paused, err := v.engine.Resume(ctx, req.ThreadID, patch)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("resuming thread: %w", err)
	}

	result := &Result{
		ThreadID:   req.ThreadID,
		Auditor:    auditor,
		DecisionAt: decisionAt,
	}
	if last := final.LastAgentMessage(); last != nil {
		result.Response = last.Content
	}
	if req.Approve {
		result.Status = StatusApproved
	} else {
		result.Status = StatusRejected
		result.Message = "Rejection feedback sent to agent."
		result.PendingReview = paused
	}

	log.Info().
		Str("thread_id", req.ThreadID).
		Str("decision", result.Status).
		Str("supervisor_id", req.SupervisorID).
		Func(finaotel.LogTraceFields(ctx)).
		Msg("approval_processed")
	return result, nil
}

// auditorName resolves a supervisor's display name, falling back to the
// raw ID so audit output survives registry changes after sealing.
func (v *Validator) auditorName(supervisorID string) string {
	if name, ok := v.supervisors[supervisorID]; ok {
		return name
	}
	return supervisorID
}

func decisionTime(state *engine.State) time.Time {
	if state.DecisionAt != nil {
		return *state.DecisionAt
	}
	return time.Time{}
}
