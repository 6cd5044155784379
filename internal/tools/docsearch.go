package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DocumentSearchTool queries the external retrieval service for passages
// from the user's uploaded financial documents. Vector search itself lives
// in that service; this is an opaque call.
type DocumentSearchTool struct {
	endpoint   string
	httpClient *http.Client
}

// NewDocumentSearchTool creates the document search tool for the given
// retrieval endpoint (e.g. "http://retrieval:8002/search").
func NewDocumentSearchTool(endpoint string, timeout time.Duration) *DocumentSearchTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DocumentSearchTool{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (t *DocumentSearchTool) Name() string { return "search_financial_docs" }

func (t *DocumentSearchTool) Description() string {
	return "Searches within the uploaded financial documents for specific " +
		"advice, risk analysis, or market trends."
}

func (t *DocumentSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query over the user's documents.",
			},
		},
		"required": []string{"query"},
	}
}

// Execute runs the search scoped to the thread owner's documents.
func (t *DocumentSearchTool) Execute(ctx context.Context, userID string, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", fmt.Errorf("search query is required")
	}

	payload, err := json.Marshal(map[string]string{
		"query":   query,
		"user_id": userID,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling retrieval service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("retrieval service returned status %d", resp.StatusCode)
	}

	var result struct {
		Results []string `json:"results"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		// Service may reply with plain text snippets.
		return string(body), nil
	}
	if len(result.Results) == 0 {
		return "No relevant passages found in the uploaded documents.", nil
	}
	joined, _ := json.Marshal(result.Results)
	return string(joined), nil
}
