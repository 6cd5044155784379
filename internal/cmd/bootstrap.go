package cmd

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elkinlatorre/FINA/internal/checkpoint"
	"github.com/elkinlatorre/FINA/internal/config"
	"github.com/elkinlatorre/FINA/internal/governance"
	"github.com/elkinlatorre/FINA/internal/guardrail"
	"github.com/elkinlatorre/FINA/internal/llm"
	"github.com/elkinlatorre/FINA/internal/mcp"
	"github.com/elkinlatorre/FINA/internal/reason"
	"github.com/elkinlatorre/FINA/internal/risk"
	"github.com/elkinlatorre/FINA/internal/service"
	"github.com/elkinlatorre/FINA/internal/tools"
)

// app bundles everything a command needs after bootstrap.
type app struct {
	cfg   *config.Config
	gov   *config.Governance
	svc   *service.Service
	store *checkpoint.Store
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("closing checkpoint store")
	}
}

// buildApp loads configuration and wires the full workflow stack. Any
// failure here is fatal at startup.
func buildApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	gov, err := config.LoadGovernance(cfg.GovernanceFile)
	if err != nil {
		return nil, fmt.Errorf("loading governance config: %w", err)
	}

	store, err := checkpoint.NewStore(cfg.CheckpointDBPath())
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}

	provider := llm.NewOpenAIProviderWithBaseURL("groq", cfg.ProviderAPIKey, cfg.ProviderBaseURL)
	cascade, err := llm.NewCascade(provider, gov.Models.Candidates)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("building model cascade: %w", err)
	}

	classifier := risk.New(
		gov.Risk.HighRiskTerms,
		gov.Risk.ModerateRiskTerms,
		gov.Risk.HighRiskMultiplier,
		gov.Risk.Threshold,
	)

	registry := tools.NewRegistry()
	vault := mcp.NewClient(cfg.VaultEndpoint, 30*time.Second)
	registry.Register(tools.NewPortfolioTool(vault))
	if cfg.RetrievalEndpoint != "" {
		registry.Register(tools.NewDocumentSearchTool(cfg.RetrievalEndpoint, 30*time.Second))
	}

	loop := reason.New(reason.Config{
		Cascade:       cascade,
		Registry:      registry,
		Classifier:    classifier,
		SystemPrompt:  gov.BuildSystemPrompt(),
		Temperature:   gov.Models.Temperature,
		MaxTokens:     gov.Models.MaxTokens,
		MaxToolRounds: gov.Reasoning.MaxToolRounds,
	})

	pipeline := guardrail.New(guardrail.Config{
		Cascade:     cascade,
		Enabled:     gov.Guardrail.Enabled,
		ScopePrompt: gov.FormattedScopePrompt(),
		Disclaimer:  gov.Disclaimer.Text,
		Triggers:    gov.Disclaimer.Triggers,
	})

	eng, err := service.BuildEngine(store, pipeline, loop)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("building workflow engine: %w", err)
	}

	validator := governance.New(eng, gov.Supervisors)
	svc := service.New(eng, validator, store)

	return &app{cfg: cfg, gov: gov, svc: svc, store: store}, nil
}
