// Package config holds OPERATOR-LEVEL configuration for a FINA
// deployment: endpoints, credentials, and file locations set by whoever
// runs the process, via env vars (FINA_*) or a config file
// (fina.config.yaml).
//
// Governance policy — risk lexicons, guardrail prompts, disclaimer text,
// the model cascade, the supervisor registry — lives in a separate
// versioned YAML document loaded by this package's Governance type, so
// compliance owners can change it without touching infrastructure config.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the FINA prefix
// (e.g. "listen_addr" → FINA_LISTEN_ADDR) and to a YAML field in
// fina.config.yaml.
const (
	KeyDataDir           = "data_dir"
	KeyListenAddr        = "listen_addr"
	KeyAPIKeys           = "api_keys"
	KeyProviderAPIKey    = "provider_api_key"
	KeyProviderBaseURL   = "provider_base_url"
	KeyVaultEndpoint     = "vault_endpoint"
	KeyRetrievalEndpoint = "retrieval_endpoint"
	KeyGovernanceFile    = "governance_file"
	KeyRateLimitRPS      = "rate_limit_rps"
	KeyOtelEnabled       = "otel_enabled"
)

// Defaults. The provider base URL points at Groq's OpenAI-compatible
// endpoint; any compatible gateway works.
const (
	DefaultListenAddr      = ":8000"
	DefaultProviderBaseURL = "https://api.groq.com/openai/v1"
	DefaultVaultEndpoint   = "http://mcp-data-server:8001/rpc"
	DefaultRateLimitRPS    = 5
)

// Config is the resolved operator configuration for a FINA process.
type Config struct {
	DataDir           string            // Base directory for all state (~/.fina)
	ListenAddr        string            // HTTP listen address
	APIKeys           map[string]string // API key → user_id
	ProviderAPIKey    string            // Key for the LLM provider
	ProviderBaseURL   string            // OpenAI-compatible endpoint
	VaultEndpoint     string            // Portfolio vault JSON-RPC endpoint
	RetrievalEndpoint string            // Document retrieval HTTP endpoint
	GovernanceFile    string            // Path to governance YAML ("" = embedded default)
	RateLimitRPS      float64           // Per-user request rate
	OtelEnabled       bool              // Export traces/metrics to stdout
}

// CheckpointDBPath returns the full path to the thread checkpoint database.
func (c *Config) CheckpointDBPath() string {
	return filepath.Join(c.DataDir, "checkpoints.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func init() {
	viper.SetEnvPrefix("FINA")
	viper.AutomaticEnv()
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
	viper.SetDefault(KeyProviderBaseURL, DefaultProviderBaseURL)
	viper.SetDefault(KeyVaultEndpoint, DefaultVaultEndpoint)
	viper.SetDefault(KeyRateLimitRPS, DefaultRateLimitRPS)
	viper.SetDefault(KeyOtelEnabled, false)
}

// Load reads configuration from Viper (which merges env vars, config
// file, and defaults) and returns a validated Config. Missing required
// settings are a startup failure, not a runtime one.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:           resolveDataDir(),
		ListenAddr:        viper.GetString(KeyListenAddr),
		APIKeys:           viper.GetStringMapString(KeyAPIKeys),
		ProviderAPIKey:    viper.GetString(KeyProviderAPIKey),
		ProviderBaseURL:   viper.GetString(KeyProviderBaseURL),
		VaultEndpoint:     viper.GetString(KeyVaultEndpoint),
		RetrievalEndpoint: viper.GetString(KeyRetrievalEndpoint),
		GovernanceFile:    viper.GetString(KeyGovernanceFile),
		RateLimitRPS:      viper.GetFloat64(KeyRateLimitRPS),
		OtelEnabled:       viper.GetBool(KeyOtelEnabled),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fina"
	}
	return filepath.Join(home, ".fina")
}

func (c *Config) validate() error {
	if c.ProviderAPIKey == "" {
		return fmt.Errorf("provider_api_key is required; set FINA_PROVIDER_API_KEY")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("rate_limit_rps must be positive")
	}
	return nil
}
