package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetFraudScore describes one verdict.
func (h *Handlers) HandleGetFraudScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("score_id", "")
	if id == "" {
		return mcp.NewToolResultError("score_id is required"), nil
	}

	raw, err := h.client.GetScore(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get fraud score: %v", err)), nil
	}

	text, err := formatScore(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse fraud score: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListReviewQueue lists scores by review status.
func (h *Handlers) HandleListReviewQueue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "pending")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListScores(ctx, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list review queue: %v", err)), nil
	}

	text, err := formatQueue(raw, status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse review queue: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleLookupVelocity shows the live windows for an identifier.
func (h *Handlers) HandleLookupVelocity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identifierType := req.GetString("identifier_type", "")
	identifier := req.GetString("identifier", "")
	if identifierType == "" || identifier == "" {
		return mcp.NewToolResultError("identifier_type and identifier are required"), nil
	}

	raw, err := h.client.VelocityStats(ctx, identifierType, identifier)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to look up velocity: %v", err)), nil
	}

	text, err := formatVelocity(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse velocity: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetBlacklistEntry describes one blacklist entry.
func (h *Handlers) HandleGetBlacklistEntry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("entry_id", "")
	if id == "" {
		return mcp.NewToolResultError("entry_id is required"), nil
	}

	raw, err := h.client.GetBlacklistEntry(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get blacklist entry: %v", err)), nil
	}

	text, err := formatBlacklistEntry(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse blacklist entry: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting ---

func formatScore(raw json.RawMessage) (string, error) {
	var resp struct {
		FraudScore map[string]any `json:"fraudScore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	s := resp.FraudScore
	if s == nil {
		return "", fmt.Errorf("no fraudScore in response")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Fraud score %s (order %s)\n", getString(s, "id"), getString(s, "orderId"))
	fmt.Fprintf(&sb, "  Score: %s / 100, risk %s\n", getString(s, "totalScore"), getString(s, "riskLevel"))
	fmt.Fprintf(&sb, "  Action: %s\n", getString(s, "action"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(s, "status"))
	if fp, _ := s["falsePositive"].(bool); fp {
		sb.WriteString("  Marked false positive\n")
	}
	if v := getString(s, "reviewedBy"); v != "" {
		fmt.Fprintf(&sb, "  Reviewed by %s at %s\n", v, getString(s, "reviewedAt"))
	}
	if degraded, _ := s["degraded"].(bool); degraded {
		sb.WriteString("  DEGRADED verdict, some checks could not run:\n")
		for _, r := range getStrings(s, "degradedReasons") {
			fmt.Fprintf(&sb, "    - %s\n", r)
		}
	}

	if entries, ok := s["breakdown"].([]any); ok && len(entries) > 0 {
		sb.WriteString("\nRules:\n")
		for _, e := range entries {
			m, ok := e.(map[string]any)
			if !ok {
				continue
			}
			fmt.Fprintf(&sb, "  - %s [%s] %s", getString(m, "ruleName", "ruleId"), getString(m, "ruleType"), getString(m, "outcome"))
			if p, ok := getFloat(m, "points"); ok && p > 0 {
				fmt.Fprintf(&sb, " +%.0f", p)
			}
			if d := getString(m, "detail"); d != "" {
				fmt.Fprintf(&sb, ": %s", d)
			}
			sb.WriteString("\n")
		}
	} else {
		sb.WriteString("\nNo rules fired.\n")
	}

	if analysis, ok := s["analysis"].(map[string]any); ok {
		if hits, ok := analysis["blacklistHits"].([]any); ok && len(hits) > 0 {
			sb.WriteString("\nBlacklist hits:\n")
			for _, hit := range hits {
				if m, ok := hit.(map[string]any); ok {
					fmt.Fprintf(&sb, "  - %s %s (%s)\n", getString(m, "type"), getString(m, "entryId"), getString(m, "severity"))
				}
			}
		}
	}
	return sb.String(), nil
}

func formatQueue(raw json.RawMessage, status string) (string, error) {
	var resp struct {
		Scores  []map[string]any `json:"scores"`
		HasMore bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected review queue response format")
	}
	if len(resp.Scores) == 0 {
		return fmt.Sprintf("No %s scores.", status), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d %s score(s), newest first:\n\n", len(resp.Scores), status)
	for i, s := range resp.Scores {
		fmt.Fprintf(&sb, "%d. %s order %s: %s/100 %s, action %s",
			i+1, getString(s, "id"), getString(s, "orderId"), getString(s, "totalScore"),
			getString(s, "riskLevel"), getString(s, "action"))
		if degraded, _ := s["degraded"].(bool); degraded {
			sb.WriteString(" (degraded)")
		}
		sb.WriteString("\n")
	}
	if resp.HasMore {
		sb.WriteString("\nMore scores are waiting; raise limit to see them.\n")
	}
	return sb.String(), nil
}

func formatVelocity(raw json.RawMessage) (string, error) {
	var resp struct {
		Identifier     string           `json:"identifier"`
		IdentifierType string           `json:"identifierType"`
		Windows        []map[string]any `json:"windows"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Windows) == 0 {
		return fmt.Sprintf("No recent activity for %s %s.", resp.IdentifierType, resp.Identifier), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Velocity for %s %s:\n", resp.IdentifierType, resp.Identifier)
	for _, w := range resp.Windows {
		fmt.Fprintf(&sb, "  - %s: %s in %ss window (since %s)\n",
			getString(w, "action"), getString(w, "count"), getString(w, "windowSeconds"), getString(w, "windowStart"))
	}
	return sb.String(), nil
}

func formatBlacklistEntry(raw json.RawMessage) (string, error) {
	var resp struct {
		Entry map[string]any `json:"entry"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	e := resp.Entry
	if e == nil {
		return "", fmt.Errorf("no entry in response")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Blacklist entry %s\n", getString(e, "id"))
	fmt.Fprintf(&sb, "  %s: %s\n", getString(e, "type"), getString(e, "value"))
	fmt.Fprintf(&sb, "  Severity: %s\n", getString(e, "severity"))
	if active, _ := e["isActive"].(bool); !active {
		sb.WriteString("  Inactive\n")
	}
	if v := getString(e, "expiresAt"); v != "" {
		fmt.Fprintf(&sb, "  Expires: %s\n", v)
	}
	if v := getString(e, "reason"); v != "" {
		fmt.Fprintf(&sb, "  Reason: %s\n", v)
	}
	fmt.Fprintf(&sb, "  Source: %s", getString(e, "source"))
	if v := getString(e, "createdBy"); v != "" {
		fmt.Fprintf(&sb, " (%s)", v)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  Hits: %s\n", getString(e, "hitCount"))
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func getStrings(m map[string]any, key string) []string {
	list, _ := m[key].([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
