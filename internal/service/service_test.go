package service_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elkinlatorre/FINA/internal/checkpoint"
	"github.com/elkinlatorre/FINA/internal/engine"
	"github.com/elkinlatorre/FINA/internal/governance"
	"github.com/elkinlatorre/FINA/internal/guardrail"
	"github.com/elkinlatorre/FINA/internal/llm"
	"github.com/elkinlatorre/FINA/internal/reason"
	"github.com/elkinlatorre/FINA/internal/risk"
	"github.com/elkinlatorre/FINA/internal/service"
	"github.com/elkinlatorre/FINA/internal/testutil"
	"github.com/elkinlatorre/FINA/internal/tools"
)

const (
	testDisclaimer = "\n\n*Note: This information is for educational purposes and does not constitute legal financial advice.*"
	safeVerdict    = `{"is_safe": true, "reason": "on topic", "category": "financial"}`
	unsafeVerdict  = `{"is_safe": false, "reason": "Request is outside the financial advisory domain.", "category": "off_topic"}`
)

type vaultTool struct {
	result  string
	lastUID string
}

func (v *vaultTool) Name() string { return "get_portfolio" }

func (v *vaultTool) Description() string { return "Returns the user's portfolio." }

func (v *vaultTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (v *vaultTool) Execute(_ context.Context, userID string, _ map[string]any) (string, error) {
	v.lastUID = userID
	return v.result, nil
}

// newService assembles the full stack — SQLite checkpoints, guardrail
// pipeline, reasoning loop, governance validator — over a scripted
// provider. Call 1 is always the input classifier; agent calls follow.
func newService(t *testing.T, responses []*llm.Response, tool tools.Tool) (*service.Service, *testutil.MockProvider) {
	t.Helper()

	provider := &testutil.MockProvider{Responses: responses}
	cascade, err := llm.NewCascade(provider, []string{"model-a"})
	require.NoError(t, err)

	registry := tools.NewRegistry()
	if tool != nil {
		registry.Register(tool)
	}

	loop := reason.New(reason.Config{
		Cascade:  cascade,
		Registry: registry,
		Classifier: risk.New(
			[]string{"buy", "sell", "trade", "allocate", "invest"},
			[]string{"risk", "recommendation", "portfolio", "assets", "advice"},
			2, 2,
		),
		SystemPrompt: "You are a financial analyst.",
	})

	pipeline := guardrail.New(guardrail.Config{
		Cascade:     cascade,
		Enabled:     true,
		ScopePrompt: "Classify whether the message is in scope.",
		Disclaimer:  testDisclaimer,
		Triggers: []string{
			"advice", "invest", "portfolio", "recommendation",
			"buy", "sell", "asset", "shares", "stock", "balance",
		},
	})

	store, err := checkpoint.NewStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	eng, err := service.BuildEngine(store, pipeline, loop)
	require.NoError(t, err)

	validator := governance.New(eng, map[string]string{
		"SUP-9988": "Senior Portfolio Manager - Area A",
		"SUP-1122": "Compliance Officer - Area B",
	})
	return service.New(eng, validator, store), provider
}

func TestProcessChatBalanceQuery(t *testing.T) {
	tool := &vaultTool{result: `{"cash_balance": 12000}`}
	svc, provider := newService(t, []*llm.Response{
		testutil.TextResponse(safeVerdict),
		testutil.ToolCallResponse("call-1", "get_portfolio", map[string]any{"user_id": "mallory"}),
		testutil.TextResponse("Your current cash balance is $12,000."),
	}, tool)

	result, err := svc.ProcessChat(context.Background(), "What is my current balance?", "alice")
	require.NoError(t, err)
	assert.Equal(t, service.StatusSuccess, result.Status)
	assert.Equal(t, "alice", result.UserID)
	assert.NotEmpty(t, result.ThreadID)

	// "balance" triggers the compliance disclaimer.
	assert.Equal(t, "Your current cash balance is $12,000."+testDisclaimer, result.Response)
	assert.Empty(t, result.Preview)
	assert.Positive(t, result.Usage.TotalTokens)

	// The tool ran under the thread owner, not the model-supplied id.
	assert.Equal(t, "alice", tool.lastUID)
	assert.Equal(t, 3, provider.CallCount)
}

func TestProcessChatRiskyRecommendationPauses(t *testing.T) {
	svc, _ := newService(t, []*llm.Response{
		testutil.TextResponse(safeVerdict),
		testutil.TextResponse("You should sell your NVDA shares and buy bonds."),
	}, nil)

	result, err := svc.ProcessChat(context.Background(), "Should I sell my NVDA shares now?", "alice")
	require.NoError(t, err)
	assert.Equal(t, service.StatusPendingReview, result.Status)
	assert.Equal(t, "Your request involves a financial recommendation and is pending human approval.", result.Message)
	assert.Equal(t, "You should sell your NVDA shares and buy bonds.", result.Preview)
	assert.Empty(t, result.Response, "the withheld answer is only a preview")

	// And it shows up in the pending-review queue.
	pending, err := svc.PendingReviews(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, result.ThreadID, pending[0].ThreadID)
	assert.Equal(t, "alice", pending[0].UserID)
}

func TestApprovalFinalizesPausedThread(t *testing.T) {
	svc, _ := newService(t, []*llm.Response{
		testutil.TextResponse(safeVerdict),
		testutil.TextResponse("You should sell your NVDA shares and buy bonds."),
	}, nil)

	chat, err := svc.ProcessChat(context.Background(), "Should I sell my NVDA shares now?", "alice")
	require.NoError(t, err)
	require.Equal(t, service.StatusPendingReview, chat.Status)

	approval, err := svc.ProcessApproval(context.Background(), &governance.Request{
		ThreadID:     chat.ThreadID,
		UserID:       "alice",
		SupervisorID: "SUP-9988",
		Approve:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, governance.StatusApproved, approval.Status)
	// The output guardrail runs after approval, so the released answer
	// carries the disclaimer.
	assert.True(t, strings.HasSuffix(approval.Response, testDisclaimer))

	status, err := svc.GetThreadStatus(context.Background(), chat.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, service.StatusSuccess, status.Status)
	assert.Equal(t, "approved", status.FinalDecision)
}

func TestProcessChatBlockedByGuardrail(t *testing.T) {
	svc, provider := newService(t, []*llm.Response{
		testutil.TextResponse(unsafeVerdict),
	}, nil)

	result, err := svc.ProcessChat(context.Background(), "How do I bake a pizza?", "alice")
	require.NoError(t, err)
	assert.Equal(t, service.StatusSuccess, result.Status)
	assert.Equal(t,
		"I'm sorry, I cannot process your request. Reason: Request is outside the financial advisory domain.",
		result.Response)

	// The agent never ran: only the classifier was called.
	assert.Equal(t, 1, provider.CallCount)
}

func TestGetThreadStatusUnknownThread(t *testing.T) {
	svc, _ := newService(t, nil, nil)

	_, err := svc.GetThreadStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, engine.ErrThreadNotFound)
}

func TestProcessChatOnThreadContinuesConversation(t *testing.T) {
	svc, _ := newService(t, []*llm.Response{
		testutil.TextResponse(safeVerdict),
		testutil.TextResponse("Diversification spreads holdings across sectors."),
		testutil.TextResponse(safeVerdict),
		testutil.TextResponse("Rebalancing keeps allocations near their targets."),
	}, nil)

	first, err := svc.ProcessChat(context.Background(), "What is diversification?", "alice")
	require.NoError(t, err)
	require.Equal(t, service.StatusSuccess, first.Status)

	second, err := svc.ProcessChatOnThread(context.Background(), first.ThreadID, "And rebalancing?", "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ThreadID, second.ThreadID)
	assert.Contains(t, second.Response, "Rebalancing")

	status, err := svc.GetThreadStatus(context.Background(), first.ThreadID)
	require.NoError(t, err)
	var humanTurns int
	for _, m := range status.Messages {
		if m.Role == engine.RoleHuman {
			humanTurns++
		}
	}
	assert.Equal(t, 2, humanTurns)
}

func TestProcessChatOnForeignThreadRejected(t *testing.T) {
	tool := &vaultTool{result: `{"cash_balance": 99000}`}
	svc, provider := newService(t, []*llm.Response{
		testutil.TextResponse(safeVerdict),
		testutil.ToolCallResponse("call-1", "get_portfolio", nil),
		testutil.TextResponse("Your cash balance is $99,000."),
	}, tool)

	first, err := svc.ProcessChat(context.Background(), "What is my current balance?", "alice")
	require.NoError(t, err)
	require.Equal(t, service.StatusSuccess, first.Status)
	calls := provider.CallCount

	// A different authenticated user continuing alice's thread gets a
	// scope failure before any model or tool call happens.
	_, err = svc.ProcessChatOnThread(context.Background(), first.ThreadID, "And the full portfolio?", "mallory")
	assert.ErrorIs(t, err, engine.ErrNotOwner)
	assert.Equal(t, calls, provider.CallCount)
}

func TestProcessChatStream(t *testing.T) {
	svc, _ := newService(t, []*llm.Response{
		testutil.TextResponse(safeVerdict),
		testutil.TextResponse("Index funds track a market basket of assets."),
	}, nil)

	events, err := svc.ProcessChatStream(context.Background(), "What are index funds?", "alice")
	require.NoError(t, err)

	var tokens []string
	var final *service.ChatResult
	for ev := range events {
		switch ev.Type {
		case "token":
			tokens = append(tokens, ev.Delta)
		case "final":
			final = ev.Result
		case "error":
			t.Fatalf("unexpected error event: %s", ev.Delta)
		}
	}

	require.NotNil(t, final, "stream must end with a final event")
	assert.Equal(t, service.StatusSuccess, final.Status)
	assert.Equal(t, "Index funds track a market basket of assets.", strings.Join(tokens, ""))
	// The authoritative answer includes the disclaimer even though the
	// streamed tokens did not.
	assert.Equal(t, "Index funds track a market basket of assets."+testDisclaimer, final.Response)
}
