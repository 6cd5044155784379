package tools

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/elkinlatorre/FINA/internal/mcp"
)

// PortfolioTool retrieves the user's holdings from the remote portfolio
// vault over its MCP tool endpoint.
type PortfolioTool struct {
	client *mcp.Client
}

// NewPortfolioTool creates the portfolio lookup tool.
func NewPortfolioTool(client *mcp.Client) *PortfolioTool {
	return &PortfolioTool{client: client}
}

func (t *PortfolioTool) Name() string { return "get_user_portfolio" }

func (t *PortfolioTool) Description() string {
	return "Retrieves the user's current financial portfolio including stocks, " +
		"shares, and average purchase prices from the private vault."
}

func (t *PortfolioTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"user_id": map[string]any{
				"type":        "string",
				"description": "Owner of the portfolio to retrieve.",
			},
		},
	}
}

// Execute fetches the portfolio for the thread owner. The model-supplied
// user_id argument is ignored in favor of the authenticated scope anchor.
func (t *PortfolioTool) Execute(ctx context.Context, userID string, _ map[string]any) (string, error) {
	log.Debug().Str("user_id", userID).Msg("portfolio_lookup")
	data, err := t.client.CallTool(ctx, "fetch_portfolio", map[string]any{"user_id": userID})
	if err != nil {
		return "", fmt.Errorf("fetching portfolio: %w", err)
	}
	if data == "" {
		return "[]", nil
	}
	return data, nil
}
