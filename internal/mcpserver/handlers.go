package mcpserver

import (
	"bytes"
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

// HandleGetTrade shows one trade.
func (h *Handlers) HandleGetTrade(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := req.GetString("trade_id", "")
	if tradeID == "" {
		return mcp.NewToolResultError("trade_id is required"), nil
	}

	raw, err := h.client.GetTrade(ctx, tradeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get trade: %v", err)), nil
	}

	text, err := formatTrade(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse trade: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListTrades lists the company's trades.
func (h *Handlers) HandleListTrades(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 0)

	raw, err := h.client.ListTrades(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list trades: %v", err)), nil
	}

	text, err := formatTradeList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse trades: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetTradeReadiness evaluates a trade's readiness.
func (h *Handlers) HandleGetTradeReadiness(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := req.GetString("trade_id", "")
	if tradeID == "" {
		return mcp.NewToolResultError("trade_id is required"), nil
	}

	raw, err := h.client.GetReadiness(ctx, tradeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to evaluate readiness: %v", err)), nil
	}

	text, err := formatReadiness(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse readiness: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetTradeEscrow shows a trade's escrow account and movements.
func (h *Handlers) HandleGetTradeEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := req.GetString("trade_id", "")
	if tradeID == "" {
		return mcp.NewToolResultError("trade_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, tradeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}

	text, err := formatEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleOpenDispute opens a dispute on a trade.
func (h *Handlers) HandleOpenDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := req.GetString("trade_id", "")
	reason := strings.TrimSpace(req.GetString("reason", ""))
	if tradeID == "" || reason == "" {
		return mcp.NewToolResultError("trade_id and reason are required"), nil
	}

	raw, err := h.client.OpenDispute(ctx, tradeID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to open dispute: %v", err)), nil
	}

	var resp struct {
		Dispute map[string]any `json:"dispute"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Dispute == nil {
		return mcp.NewToolResultText("Dispute opened.\n\n" + formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Dispute opened.\n  ID: %s\n  Trade: %s\n  Status: %s\n\n"+
			"The trade is frozen and funds stay in escrow until an operator resolves the dispute.",
		getString(resp.Dispute, "id"), getString(resp.Dispute, "tradeId"), getString(resp.Dispute, "status"))), nil
}

// --- Formatting helpers ---

func unwrap(raw json.RawMessage, key string) (map[string]any, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if inner, ok := resp[key].(map[string]any); ok {
		return inner, nil
	}
	return resp, nil
}

func formatTrade(raw json.RawMessage) (string, error) {
	t, err := unwrap(raw, "trade")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Trade %s\n", getString(t, "id"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(t, "status"))
	fmt.Fprintf(&sb, "  Buyer:  %s\n", getString(t, "buyerId"))
	fmt.Fprintf(&sb, "  Seller: %s\n", getString(t, "sellerId"))
	fmt.Fprintf(&sb, "  Amount: %s %s\n", getString(t, "agreedAmount"), getString(t, "currency"))
	if v := getString(t, "rfqId"); v != "" {
		fmt.Fprintf(&sb, "  RFQ:    %s\n", v)
	}
	if v := getString(t, "version"); v != "" {
		fmt.Fprintf(&sb, "  Version: %s\n", v)
	}
	return sb.String(), nil
}

func formatTradeList(raw json.RawMessage) (string, error) {
	var resp struct {
		Trades []map[string]any `json:"trades"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected trades response format")
	}
	if len(resp.Trades) == 0 {
		return "No trades found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d trade(s):\n\n", len(resp.Trades))
	for i, t := range resp.Trades {
		fmt.Fprintf(&sb, "%d. %s [%s] %s %s (buyer %s, seller %s)\n", i+1,
			getString(t, "id"), getString(t, "status"),
			getString(t, "agreedAmount"), getString(t, "currency"),
			getString(t, "buyerId"), getString(t, "sellerId"))
	}
	return sb.String(), nil
}

func formatReadiness(raw json.RawMessage) (string, error) {
	var snap struct {
		TradeID    string                    `json:"tradeId"`
		Score      int                       `json:"score"`
		Status     string                    `json:"status"`
		Components map[string]map[string]any `json:"components"`
		Blockers   []map[string]any          `json:"blockers"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Readiness for %s: %d/100 (%s)\n", snap.TradeID, snap.Score, snap.Status)
	for _, name := range []string{"trust", "compliance", "financial", "logistics"} {
		c, ok := snap.Components[name]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "  %-10s %3s  %s\n", name, getString(c, "score"), getString(c, "state"))
	}
	if len(snap.Blockers) == 0 {
		sb.WriteString("\nNo blockers.")
		return sb.String(), nil
	}
	sb.WriteString("\nBlockers:\n")
	for _, b := range snap.Blockers {
		fmt.Fprintf(&sb, "  [%s] %s: %s\n", getString(b, "severity"), getString(b, "component"), getString(b, "message"))
		if a := getString(b, "action"); a != "" {
			fmt.Fprintf(&sb, "      Action: %s\n", a)
		}
	}
	return sb.String(), nil
}

func formatEscrow(raw json.RawMessage) (string, error) {
	var resp struct {
		Escrow map[string]any   `json:"escrow"`
		Events []map[string]any `json:"events"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Escrow == nil {
		return "", fmt.Errorf("no escrow in response")
	}
	e := resp.Escrow
	cur := getString(e, "currency")

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s (%s)\n", getString(e, "id"), getString(e, "status"))
	fmt.Fprintf(&sb, "  Required: %s %s\n", getString(e, "requiredAmount"), cur)
	fmt.Fprintf(&sb, "  Held:     %s %s\n", getString(e, "heldAmount"), cur)
	fmt.Fprintf(&sb, "  Released: %s %s\n", getString(e, "releasedAmount"), cur)
	fmt.Fprintf(&sb, "  Refunded: %s %s\n", getString(e, "refundedAmount"), cur)

	if len(resp.Events) > 0 {
		sb.WriteString("\nMovements:\n")
		for _, ev := range resp.Events {
			fmt.Fprintf(&sb, "  #%s %s %s %s (%s)\n", getString(ev, "seq"), getString(ev, "type"),
				getString(ev, "amount"), getString(ev, "currency"), getString(ev, "causedBy"))
		}
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
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
