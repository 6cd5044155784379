package governance_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elkinlatorre/FINA/internal/engine"
	"github.com/elkinlatorre/FINA/internal/governance"
	"github.com/elkinlatorre/FINA/internal/testutil"
)

var testSupervisors = map[string]string{
	"SUP-9988": "Senior Portfolio Manager - Area A",
	"SUP-1122": "Compliance Officer - Area B",
}

// riskyNodes escalates the first agent turn to review; after rejection
// feedback the agent produces a safer alternative.
func riskyNodes() map[string]engine.NodeFunc {
	return map[string]engine.NodeFunc{
		engine.NodeInputGuardrail: func(ctx context.Context, s *engine.State) (string, error) {
			return engine.NodeAgent, nil
		},
		engine.NodeAgent: func(ctx context.Context, s *engine.State) (string, error) {
			if last := s.LastMessage(); last != nil && strings.Contains(last.Content, "REJECTED BY SUPERVISOR") {
				s.Append(engine.Message{Role: engine.RoleAgent, Content: "Consider holding and reviewing next quarter."})
				return engine.NodeOutputGuardrail, nil
			}
			s.Append(engine.Message{Role: engine.RoleAgent, Content: "You should sell your NVDA shares now."})
			return engine.NodeHumanReviewGate, nil
		},
		engine.NodeTools: func(ctx context.Context, s *engine.State) (string, error) {
			return engine.NodeAgent, nil
		},
		engine.NodeHumanReviewGate: func(ctx context.Context, s *engine.State) (string, error) {
			return engine.NodeOutputGuardrail, nil
		},
		engine.NodeOutputGuardrail: func(ctx context.Context, s *engine.State) (string, error) {
			return engine.NodeEnd, nil
		},
	}
}

func pausedThread(t *testing.T) (*governance.Validator, *engine.Engine) {
	t.Helper()
	eng, err := engine.New(testutil.NewMemStore(), riskyNodes())
	require.NoError(t, err)

	_, paused, err := eng.Run(context.Background(), "t1", "alice", "Should I sell my NVDA shares now?")
	require.NoError(t, err)
	require.True(t, paused)

	return governance.New(eng, testSupervisors), eng
}

func TestProcessApprovalThreadNotFound(t *testing.T) {
	v, _ := pausedThread(t)

	_, err := v.ProcessApproval(context.Background(), &governance.Request{
		ThreadID:     "missing",
		UserID:       "alice",
		SupervisorID: "SUP-9988",
		Approve:      true,
	})
	assert.ErrorIs(t, err, engine.ErrThreadNotFound)
}

func TestProcessApprovalUnauthorizedSupervisor(t *testing.T) {
	v, _ := pausedThread(t)

	_, err := v.ProcessApproval(context.Background(), &governance.Request{
		ThreadID:     "t1",
		UserID:       "alice",
		SupervisorID: "SUP-0000",
		Approve:      true,
	})
	assert.ErrorIs(t, err, governance.ErrUnauthorized)
}

func TestProcessApprovalConflictOfInterest(t *testing.T) {
	v, _ := pausedThread(t)

	// A supervisor approving a thread they requested themselves.
	_, err := v.ProcessApproval(context.Background(), &governance.Request{
		ThreadID:     "t1",
		UserID:       "SUP-9988",
		SupervisorID: "SUP-9988",
		Approve:      true,
	})
	assert.ErrorIs(t, err, governance.ErrConflictOfInterest)
}

func TestProcessApprovalScopeViolation(t *testing.T) {
	v, _ := pausedThread(t)

	_, err := v.ProcessApproval(context.Background(), &governance.Request{
		ThreadID:     "t1",
		UserID:       "mallory",
		SupervisorID: "SUP-9988",
		Approve:      true,
	})
	assert.ErrorIs(t, err, governance.ErrScopeViolation)
}

func TestProcessApprovalNoPendingReview(t *testing.T) {
	nodes := riskyNodes()
	nodes[engine.NodeAgent] = func(ctx context.Context, s *engine.State) (string, error) {
		s.Append(engine.Message{Role: engine.RoleAgent, Content: "Your balance is $12,000."})
		return engine.NodeOutputGuardrail, nil
	}
	eng, err := engine.New(testutil.NewMemStore(), nodes)
	require.NoError(t, err)

	_, paused, err := eng.Run(context.Background(), "t1", "alice", "What is my current balance?")
	require.NoError(t, err)
	require.False(t, paused)

	v := governance.New(eng, testSupervisors)
	_, err = v.ProcessApproval(context.Background(), &governance.Request{
		ThreadID:     "t1",
		UserID:       "alice",
		SupervisorID: "SUP-9988",
		Approve:      true,
	})
	assert.ErrorIs(t, err, governance.ErrNoPendingReview)
}

func TestProcessApprovalApprove(t *testing.T) {
	v, eng := pausedThread(t)

	result, err := v.ProcessApproval(context.Background(), &governance.Request{
		ThreadID:     "t1",
		UserID:       "alice",
		SupervisorID: "SUP-9988",
		Approve:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, governance.StatusApproved, result.Status)
	assert.Equal(t, "Senior Portfolio Manager - Area A", result.Auditor)
	assert.False(t, result.DecisionAt.IsZero())
	assert.Equal(t, "You should sell your NVDA shares now.", result.Response)

	state, err := eng.State(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, engine.DecisionApproved, state.FinalDecision)
	assert.Equal(t, "SUP-9988", state.DecisionBy)
	assert.Equal(t, "alice", state.RequestedBy)
	assert.Equal(t, engine.NodeEnd, state.Next, "approval finalizes through the output guardrail")
}

func TestProcessApprovalWithEditedResponse(t *testing.T) {
	v, eng := pausedThread(t)

	result, err := v.ProcessApproval(context.Background(), &governance.Request{
		ThreadID:       "t1",
		UserID:         "alice",
		SupervisorID:   "SUP-9988",
		Approve:        true,
		EditedResponse: "Consider a staged reduction of your NVDA position.",
	})
	require.NoError(t, err)
	assert.Equal(t, "Consider a staged reduction of your NVDA position.", result.Response)

	state, err := eng.State(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "Consider a staged reduction of your NVDA position.", state.LastAgentMessage().Content)
}

func TestProcessApprovalReject(t *testing.T) {
	v, eng := pausedThread(t)

	result, err := v.ProcessApproval(context.Background(), &governance.Request{
		ThreadID:     "t1",
		UserID:       "alice",
		SupervisorID: "SUP-1122",
		Approve:      false,
	})
	require.NoError(t, err)
	assert.Equal(t, governance.StatusRejected, result.Status)
	assert.Equal(t, "Compliance Officer - Area B", result.Auditor)
	assert.Equal(t, "Consider holding and reviewing next quarter.", result.Response)

	state, err := eng.State(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, engine.DecisionRejected, state.FinalDecision)

	var feedback bool
	for _, m := range state.Messages {
		if m.Role == engine.RoleHuman && strings.Contains(m.Content, "REJECTED BY SUPERVISOR") {
			feedback = true
		}
	}
	assert.True(t, feedback, "rejection feedback injected into history")
}

func TestProcessApprovalIdempotent(t *testing.T) {
	v, _ := pausedThread(t)

	first, err := v.ProcessApproval(context.Background(), &governance.Request{
		ThreadID:     "t1",
		UserID:       "alice",
		SupervisorID: "SUP-9988",
		Approve:      true,
	})
	require.NoError(t, err)
	require.Equal(t, governance.StatusApproved, first.Status)

	// A second decision, even the opposite one, reports what already happened.
	second, err := v.ProcessApproval(context.Background(), &governance.Request{
		ThreadID:     "t1",
		UserID:       "alice",
		SupervisorID: "SUP-1122",
		Approve:      false,
	})
	require.NoError(t, err)
	assert.Equal(t, governance.StatusAlreadyProcessed, second.Status)
	assert.Contains(t, second.Message, "approved")
	assert.Equal(t, "Senior Portfolio Manager - Area A", second.Auditor, "audit fields report the original decision")
	assert.Equal(t, first.DecisionAt.Unix(), second.DecisionAt.Unix())
}

func TestAlreadyProcessedSurvivesRegistryRemoval(t *testing.T) {
	v, eng := pausedThread(t)

	_, err := v.ProcessApproval(context.Background(), &governance.Request{
		ThreadID:     "t1",
		UserID:       "alice",
		SupervisorID: "SUP-9988",
		Approve:      true,
	})
	require.NoError(t, err)

	// The deciding supervisor has since left the registry; the audit
	// trail falls back to the sealed ID instead of going blank.
	trimmed := governance.New(eng, map[string]string{
		"SUP-1122": "Compliance Officer - Area B",
	})
	result, err := trimmed.ProcessApproval(context.Background(), &governance.Request{
		ThreadID:     "t1",
		UserID:       "alice",
		SupervisorID: "SUP-1122",
		Approve:      false,
	})
	require.NoError(t, err)
	assert.Equal(t, governance.StatusAlreadyProcessed, result.Status)
	assert.Equal(t, "SUP-9988", result.Auditor)
}
