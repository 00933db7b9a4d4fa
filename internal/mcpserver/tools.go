package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the fraudguard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetFraudScore = mcp.NewTool("get_fraud_score",
	mcp.WithDescription(
		"Fetch one fraud verdict by score ID. "+
			"Shows the total score, risk level, action, review status and, rule by rule, "+
			"which checks fired and how many points each contributed."),
	mcp.WithString("score_id",
		mcp.Required(),
		mcp.Description("The score ID returned by an evaluation (e.g. 'fs_...')")),
)

var ToolListReviewQueue = mcp.NewTool("list_review_queue",
	mcp.WithDescription(
		"List fraud verdicts waiting for a human, newest first. "+
			"Defaults to pending scores; pass status to see under_review, approved or rejected ones."),
	mcp.WithString("status",
		mcp.Description("Review status to list (default 'pending')"),
		mcp.Enum("pending", "under_review", "approved", "rejected")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of scores to return (default 20)")),
)

var ToolLookupVelocity = mcp.NewTool("lookup_velocity",
	mcp.WithDescription(
		"Show how often an identifier has acted recently. "+
			"Returns each live counting window with its action, size and count."),
	mcp.WithString("identifier_type",
		mcp.Required(),
		mcp.Description("What the identifier is"),
		mcp.Enum("ip", "device", "user_id", "email", "card_hash", "phone")),
	mcp.WithString("identifier",
		mcp.Required(),
		mcp.Description("The identifier value (e.g. an IP address or device fingerprint)")),
)

var ToolGetBlacklistEntry = mcp.NewTool("get_blacklist_entry",
	mcp.WithDescription(
		"Fetch one blacklist entry by ID, including its severity, source, expiry and hit count. "+
			"Blacklist entry IDs appear in a score's blacklist hits."),
	mcp.WithString("entry_id",
		mcp.Required(),
		mcp.Description("The blacklist entry ID (e.g. 'bl_...')")),
)
