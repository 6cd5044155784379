package engine

import (
	"errors"
	"time"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleHuman Role = "human"
	RoleAgent Role = "agent"
	RoleTool  Role = "tool"
)

// Decision is the supervisor verdict sealed into a thread.
// It is monotonic: once set to approved or rejected it never changes.
type Decision string

const (
	DecisionUnset    Decision = ""
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ErrDecisionSealed is returned when a decision is applied to a thread
// whose final decision has already been recorded.
var ErrDecisionSealed = errors.New("final decision already sealed")

// ToolCall is a tool invocation requested by the agent.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message is a single turn in the conversation history. Turns are
// append-only; edits produce a replacement record, never in-place mutation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on RoleTool results
	ToolName   string     `json:"tool_name,omitempty"`
}

// Usage accumulates token counts and estimated cost across turns.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCost    float64 `json:"estimated_cost"`
}

// Add merges two usage records. Counters only ever grow.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
		EstimatedCost:    u.EstimatedCost + other.EstimatedCost,
	}
}

// SafetyMetadata is the result of the last input-guardrail evaluation.
type SafetyMetadata struct {
	IsSafe   bool   `json:"is_safe"`
	Reason   string `json:"reason,omitempty"`
	Category string `json:"category,omitempty"`
}

// State is the full persisted state of one conversation thread.
type State struct {
	ThreadID string    `json:"thread_id"`
	UserID   string    `json:"user_id"` // thread owner, set once at creation
	Messages []Message `json:"messages"`

	FinalDecision Decision   `json:"final_decision,omitempty"`
	DecisionBy    string     `json:"decision_by,omitempty"`
	RequestedBy   string     `json:"requested_by,omitempty"`
	DecisionAt    *time.Time `json:"decision_at,omitempty"`

	Usage  Usage          `json:"usage"`
	Safety SafetyMetadata `json:"safety_metadata"`

	// Next is the node the engine will execute when the thread is next
	// driven. Empty means the thread has reached a terminal state.
	Next string `json:"next,omitempty"`
}

// Append adds messages to the history. History is merge-by-concatenation.
func (s *State) Append(msgs ...Message) {
	s.Messages = append(s.Messages, msgs...)
}

// LastMessage returns the most recent turn, or nil for an empty history.
func (s *State) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// LastAgentMessage returns the most recent agent turn, or nil.
func (s *State) LastAgentMessage() *Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAgent {
			return &s.Messages[i]
		}
	}
	return nil
}

// ReplaceLastAgentContent swaps the most recent agent turn for a new record
// carrying the given content. The original record is superseded, not
// mutated: tool calls are not carried over.
func (s *State) ReplaceLastAgentContent(content string) bool {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAgent {
			s.Messages[i] = Message{Role: RoleAgent, Content: content}
			return true
		}
	}
	return false
}

// SealDecision records the supervisor verdict with its audit fields.
// The decision and audit fields are set together, exactly once.
func (s *State) SealDecision(decision Decision, supervisorID, requestedBy string, at time.Time) error {
	if s.FinalDecision != DecisionUnset {
		return ErrDecisionSealed
	}
	if decision != DecisionApproved && decision != DecisionRejected {
		return errors.New("decision must be approved or rejected")
	}
	s.FinalDecision = decision
	s.DecisionBy = supervisorID
	s.RequestedBy = requestedBy
	t := at.UTC()
	s.DecisionAt = &t
	return nil
}

// AddUsage folds a usage delta into the accumulated totals.
func (s *State) AddUsage(delta Usage) {
	s.Usage = s.Usage.Add(delta)
}

// Paused reports whether the thread is suspended awaiting human review.
func (s *State) Paused() bool {
	return s.Next == NodeHumanReviewGate
}

// ToolRounds counts agent→tools iterations since the last human turn.
// Used to bound the investigation cycle.
func (s *State) ToolRounds() int {
	rounds := 0
	for i := len(s.Messages) - 1; i >= 0; i-- {
		switch s.Messages[i].Role {
		case RoleHuman:
			return rounds
		case RoleAgent:
			if len(s.Messages[i].ToolCalls) > 0 {
				rounds++
			}
		}
	}
	return rounds
}
