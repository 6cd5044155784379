package service

import (
	"context"

	"github.com/elkinlatorre/FINA/internal/engine"
	"github.com/elkinlatorre/FINA/internal/guardrail"
	"github.com/elkinlatorre/FINA/internal/reason"
)

// BuildEngine wires the fixed workflow graph: the guardrail pipeline
// brackets the reasoning loop, and the review gate sits between the loop
// and finalization. The gate node itself does nothing — the interrupt
// happens before it, and once a decision is sealed the gate simply hands
// off to the output guardrail.
func BuildEngine(store engine.Store, pipeline *guardrail.Pipeline, loop *reason.Loop) (*engine.Engine, error) {
	nodes := map[string]engine.NodeFunc{
		engine.NodeInputGuardrail: pipeline.InputStep,
		engine.NodeAgent:          loop.AgentStep,
		engine.NodeTools:          loop.ToolStep,
		engine.NodeHumanReviewGate: func(ctx context.Context, state *engine.State) (string, error) {
			return engine.NodeOutputGuardrail, nil
		},
		engine.NodeOutputGuardrail: pipeline.OutputStep,
	}
	return engine.New(store, nodes)
}
