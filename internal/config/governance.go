package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed governance.yaml
var defaultGovernanceYAML []byte

// Governance is the versioned policy document that compliance owners
// maintain: which terms escalate to review, what the guardrail blocks,
// which supervisors may approve, and what the agent is told to be.
type Governance struct {
	Version int `yaml:"version"`

	Models struct {
		Candidates  []string `yaml:"candidates"`
		Temperature float64  `yaml:"temperature"`
		MaxTokens   int      `yaml:"max_tokens"`
	} `yaml:"models"`

	Risk struct {
		Threshold          int      `yaml:"threshold"`
		HighRiskMultiplier int      `yaml:"high_risk_multiplier"`
		HighRiskTerms      []string `yaml:"high_risk_terms"`
		ModerateRiskTerms  []string `yaml:"moderate_risk_terms"`
	} `yaml:"risk"`

	Guardrail struct {
		Enabled bool   `yaml:"enabled"`
		Domain  string `yaml:"domain"`
		// ScopePrompt may contain %s, replaced with Domain.
		ScopePrompt string `yaml:"scope_prompt"`
	} `yaml:"guardrail"`

	Disclaimer struct {
		Text     string   `yaml:"text"`
		Triggers []string `yaml:"triggers"`
	} `yaml:"disclaimer"`

	// Supervisors maps supervisor ID to display name.
	Supervisors map[string]string `yaml:"supervisors"`

	Reasoning struct {
		MaxToolRounds int `yaml:"max_tool_rounds"`
	} `yaml:"reasoning"`

	ReviewSweep struct {
		Schedule   string `yaml:"schedule"`
		StaleAfter string `yaml:"stale_after"`
	} `yaml:"review_sweep"`

	SystemPrompt struct {
		Role         string   `yaml:"role"`
		Goal         string   `yaml:"goal"`
		Personality  string   `yaml:"personality"`
		Instructions []string `yaml:"instructions"`
		Constraints  []string `yaml:"constraints"`
	} `yaml:"system_prompt"`
}

// LoadGovernance reads the governance document from path, or the
// embedded default when path is empty.
func LoadGovernance(path string) (*Governance, error) {
	data := defaultGovernanceYAML
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading governance file: %w", err)
		}
		data = b
	}

	var g Governance
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing governance yaml: %w", err)
	}
	if err := g.validate(); err != nil {
		return nil, fmt.Errorf("invalid governance config: %w", err)
	}
	return &g, nil
}

func (g *Governance) validate() error {
	if len(g.Models.Candidates) == 0 {
		return fmt.Errorf("models.candidates must list at least one model")
	}
	if g.Risk.Threshold <= 0 {
		return fmt.Errorf("risk.threshold must be positive")
	}
	if g.Risk.HighRiskMultiplier <= 0 {
		return fmt.Errorf("risk.high_risk_multiplier must be positive")
	}
	if g.Guardrail.Enabled && g.Guardrail.ScopePrompt == "" {
		return fmt.Errorf("guardrail.scope_prompt is required when the guardrail is enabled")
	}
	if len(g.Supervisors) == 0 {
		return fmt.Errorf("supervisors registry must not be empty")
	}
	return nil
}

// FormattedScopePrompt returns the guardrail classifier instruction with
// the domain substituted in.
func (g *Governance) FormattedScopePrompt() string {
	if strings.Contains(g.Guardrail.ScopePrompt, "%s") {
		return fmt.Sprintf(g.Guardrail.ScopePrompt, g.Guardrail.Domain)
	}
	return g.Guardrail.ScopePrompt
}

// BuildSystemPrompt renders the agent's system prompt from its structured
// parts.
func (g *Governance) BuildSystemPrompt() string {
	sp := g.SystemPrompt
	var b strings.Builder
	fmt.Fprintf(&b, "Role: %s\n", sp.Role)
	fmt.Fprintf(&b, "Goal: %s\n", sp.Goal)
	fmt.Fprintf(&b, "Personality: %s\n\n", sp.Personality)
	b.WriteString("Strict Instructions:\n")
	for _, i := range sp.Instructions {
		fmt.Fprintf(&b, "- %s\n", i)
	}
	b.WriteString("\nConstraints & Security:\n")
	for _, c := range sp.Constraints {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	return b.String()
}
