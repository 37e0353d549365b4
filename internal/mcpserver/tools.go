package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the tradeflow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetTrade = mcp.NewTool("get_trade",
	mcp.WithDescription(
		"Get a trade by id: parties, lifecycle status, agreed amount and version. "+
			"Only trades your company is a party to are visible."),
	mcp.WithString("trade_id",
		mcp.Required(),
		mcp.Description("Trade id (e.g. 'trd_...')")),
)

var ToolListTrades = mcp.NewTool("list_trades",
	mcp.WithDescription(
		"List your company's trades as buyer or seller, newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of trades to return (default 50)")),
)

var ToolGetTradeReadiness = mcp.NewTool("get_trade_readiness",
	mcp.WithDescription(
		"Evaluate whether a trade is ready to proceed. Returns a 0-100 score, "+
			"a ready/warning/blocked status, per-component scores (trust, compliance, "+
			"financial, logistics) and the blockers with suggested actions."),
	mcp.WithString("trade_id",
		mcp.Required(),
		mcp.Description("Trade id (e.g. 'trd_...')")),
)

var ToolGetTradeEscrow = mcp.NewTool("get_trade_escrow",
	mcp.WithDescription(
		"Show a trade's escrow account: required, held, released and refunded amounts, "+
			"its status, and the append-only list of money movements."),
	mcp.WithString("trade_id",
		mcp.Required(),
		mcp.Description("Trade id (e.g. 'trd_...')")),
)

var ToolOpenDispute = mcp.NewTool("open_dispute",
	mcp.WithDescription(
		"Open a dispute on a funded, shipped or delivered trade. "+
			"The trade is frozen and escrowed funds stay held until an operator resolves it."),
	mcp.WithString("trade_id",
		mcp.Required(),
		mcp.Description("Trade id (e.g. 'trd_...')")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("What went wrong with the trade")),
)
