// Package engine implements the governed workflow engine for advisory
// conversations.
//
// A thread moves through a fixed graph of named nodes: the input guardrail,
// the agent/tools reasoning cycle, a conditional human review gate, and the
// output guardrail. State is checkpointed after every node so a thread can
// suspend at the review gate and resume across process restarts. Execution
// per thread is serialized; independent threads run concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	finaotel "github.com/elkinlatorre/FINA/internal/otel"
)

var tracer = finaotel.Tracer("github.com/elkinlatorre/FINA/internal/engine")

// Graph node names. The topology is fixed; routing between nodes is
// decided by the node functions themselves.
const (
	NodeInputGuardrail  = "input_guardrail"
	NodeAgent           = "agent"
	NodeTools           = "tools"
	NodeHumanReviewGate = "human_review_gate"
	NodeOutputGuardrail = "output_guardrail"
	NodeEnd             = "end"
)

var (
	// ErrThreadNotFound is returned when no checkpoint exists for a thread.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrNotPaused is returned when Resume is called on a thread that is
	// not suspended at the review gate.
	ErrNotPaused = errors.New("thread is not paused at the review gate")
	// ErrNotOwner is returned when a caller tries to continue a thread
	// that belongs to another user.
	ErrNotOwner = errors.New("thread belongs to another user")
)

// Store is the checkpoint store consumed by the engine. Save must be
// atomic: a step's effects are not committed until its state is persisted.
type Store interface {
	Load(ctx context.Context, threadID string) (*State, error)
	Save(ctx context.Context, state *State) error
}

// NodeFunc executes one graph node against the thread state and returns
// the name of the next node. Node functions mutate state in place; the
// engine persists after each one.
type NodeFunc func(ctx context.Context, state *State) (next string, err error)

// Engine drives thread state through the workflow graph.
type Engine struct {
	store Store
	nodes map[string]NodeFunc
	locks keyedLocks
}

// New creates an engine over the given checkpoint store and node set.
// The node map must cover every node name except NodeEnd.
func New(store Store, nodes map[string]NodeFunc) (*Engine, error) {
	for _, name := range []string{NodeInputGuardrail, NodeAgent, NodeTools, NodeHumanReviewGate, NodeOutputGuardrail} {
		if _, ok := nodes[name]; !ok {
			return nil, fmt.Errorf("workflow graph missing node %q", name)
		}
	}
	return &Engine{store: store, nodes: nodes}, nil
}

// Run loads or creates the thread's checkpoint and executes nodes until a
// terminal node is reached or execution is about to enter the review gate.
// Returns the current state and whether the thread is paused.
func (e *Engine) Run(ctx context.Context, threadID, userID, input string) (*State, bool, error) {
	unlock := e.locks.lock(threadID)
	defer unlock()

	ctx, span := tracer.Start(ctx, "engine.run",
		trace.WithAttributes(attribute.String("thread_id", threadID)))
	defer span.End()

	state, err := e.store.Load(ctx, threadID)
	switch {
	case errors.Is(err, ErrThreadNotFound):
		state = &State{
			ThreadID: threadID,
			UserID:   userID,
			Next:     NodeInputGuardrail,
		}
	case err != nil:
		span.RecordError(err)
		return nil, false, fmt.Errorf("loading checkpoint: %w", err)
	}

	// A thread is bound to the user who opened it. Continuing someone
	// else's thread would run tools under the owner's identity.
	if state.UserID != "" && userID != "" && state.UserID != userID {
		log.Warn().
			Str("thread_id", threadID).
			Str("thread_owner", state.UserID).
			Str("caller", userID).
			Msg("thread_ownership_violation")
		return nil, false, ErrNotOwner
	}

	if input != "" {
		state.Append(Message{Role: RoleHuman, Content: input})
		if state.Next == NodeEnd || state.Next == "" {
			// A finished thread gets a fresh pass through the guardrail.
			state.Next = NodeInputGuardrail
		}
	}

	return e.drive(ctx, state, false)
}

// Patch is a caller-supplied state update applied before resuming a
// paused thread. The patch and the first resumed step share one persisted
// update, so a sealed decision is durable before execution continues.
type Patch struct {
	// Append adds messages to the history (e.g. rejection feedback).
	Append []Message
	// EditedResponse, when non-empty, supersedes the last agent turn.
	EditedResponse string
	// Decision fields seal the supervisor verdict.
	Decision     Decision
	SupervisorID string
	RequestedBy  string
	DecisionAt   time.Time
	// ResumeAt overrides the node execution continues from. Empty keeps
	// the persisted interrupt point (the review gate).
	ResumeAt string
}

// Resume applies a patch to a paused thread and continues execution from
// the interrupt point onward.
func (e *Engine) Resume(ctx context.Context, threadID string, patch *Patch) (*State, bool, error) {
	unlock := e.locks.lock(threadID)
	defer unlock()

	ctx, span := tracer.Start(ctx, "engine.resume",
		trace.WithAttributes(attribute.String("thread_id", threadID)))
	defer span.End()

	state, err := e.store.Load(ctx, threadID)
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	if !state.Paused() {
		return state, false, ErrNotPaused
	}

	if patch != nil {
		if patch.Decision != DecisionUnset {
			if err := state.SealDecision(patch.Decision, patch.SupervisorID, patch.RequestedBy, patch.DecisionAt); err != nil {
				return state, true, err
			}
		}
		if patch.EditedResponse != "" {
			state.ReplaceLastAgentContent(patch.EditedResponse)
		}
		state.Append(patch.Append...)
		if patch.ResumeAt != "" {
			state.Next = patch.ResumeAt
		}
	}

	if err := e.store.Save(ctx, state); err != nil {
		span.RecordError(err)
		return nil, true, fmt.Errorf("persisting resume patch: %w", err)
	}

	// Only an explicit resume may step through the gate. When the patch
	// redirected execution elsewhere (rejection → agent) the gate keeps
	// interrupting as usual.
	return e.drive(ctx, state, state.Next == NodeHumanReviewGate)
}

// State returns the persisted state for a thread without executing it.
func (e *Engine) State(ctx context.Context, threadID string) (*State, error) {
	return e.store.Load(ctx, threadID)
}

// drive executes nodes until the terminal node or the interrupt point.
// The interrupt sits immediately before the review gate: when the gate is
// the next node, state is persisted and control returns to the caller.
// throughGate, set only by an explicit Resume, lets the gate execute once.
func (e *Engine) drive(ctx context.Context, state *State, throughGate bool) (*State, bool, error) {
	for {
		name := state.Next
		if name == NodeEnd || name == "" {
			state.Next = NodeEnd
			if err := e.store.Save(ctx, state); err != nil {
				return nil, false, fmt.Errorf("persisting terminal state: %w", err)
			}
			return state, false, nil
		}

		if name == NodeHumanReviewGate && !throughGate {
			// Interrupt point: persist and hand control back.
			if err := e.store.Save(ctx, state); err != nil {
				return nil, false, fmt.Errorf("persisting interrupt state: %w", err)
			}
			log.Info().
				Str("thread_id", state.ThreadID).
				Str("user_id", state.UserID).
				Func(finaotel.LogTraceFields(ctx)).
				Msg("review_gate_interrupt")
			return state, true, nil
		}
		throughGate = false

		node, ok := e.nodes[name]
		if !ok {
			return nil, false, fmt.Errorf("internal error: unknown workflow node %q", name)
		}

		next, err := node(ctx, state)
		if err != nil {
			return nil, false, fmt.Errorf("node %s: %w", name, err)
		}
		if next != NodeEnd {
			if _, ok := e.nodes[next]; !ok {
				return nil, false, fmt.Errorf("internal error: node %s routed to unknown node %q", name, next)
			}
		}
		state.Next = next

		if err := e.store.Save(ctx, state); err != nil {
			return nil, false, fmt.Errorf("persisting after node %s: %w", name, err)
		}
	}
}

// keyedLocks serializes execution per thread id. Entries are reference
// counted so the map does not grow with dead threads.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*lockEntry)
	}
	entry, ok := k.entries[key]
	if !ok {
		entry = &lockEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
