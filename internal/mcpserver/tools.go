package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the yieldguard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetRiskScore = mcp.NewTool("get_risk_score",
	mcp.WithDescription(
		"Get the composite risk score of an asset in basis points (0-10000), "+
			"with its slashing, liquidity, contract and market components and whether the data is stale."),
	mcp.WithString("asset",
		mcp.Required(),
		mcp.Description("Asset identifier (e.g. 'steth', 'reth')")),
)

var ToolGetVaultStatus = mcp.NewTool("get_vault_status",
	mcp.WithDescription(
		"Get the allocation vault snapshot: total assets and shares, idle funds, "+
			"active strategy count, portfolio risk, fees and whether the vault is halted."),
)

var ToolListStrategies = mcp.NewTool("list_strategies",
	mcp.WithDescription(
		"List the vault's strategies with allocation (bps), risk score (0-100), expected yield and position."),
	mcp.WithBoolean("include_exited",
		mcp.Description("Also list strategies that were removed or unwound by an emergency")),
)

var ToolGetPortfolioRisk = mcp.NewTool("get_portfolio_risk",
	mcp.WithDescription(
		"Get the allocation-weighted risk (0-100) across the vault's active strategies."),
)

var ToolGetRiskProfile = mcp.NewTool("get_risk_profile",
	mcp.WithDescription(
		"Get a depositor's risk profile: max tolerated risk, auto-rebalance setting, "+
			"current target allocation and effective risk."),
	mcp.WithString("address",
		mcp.Description("Depositor address (defaults to your own)")),
)

var ToolUpdateRiskProfile = mcp.NewTool("update_risk_profile",
	mcp.WithDescription(
		"Set your risk tolerance. With auto-rebalance on, an allocation exceeding the new limit "+
			"is rebalanced immediately."),
	mcp.WithNumber("max_risk_score",
		mcp.Required(),
		mcp.Description("Maximum tolerated risk, 0-100")),
	mcp.WithNumber("preferred_yield_bps",
		mcp.Description("Informational yield preference in basis points")),
	mcp.WithBoolean("auto_rebalance",
		mcp.Description("Rebalance automatically when the limit is exceeded")),
)

var ToolGetEmergencyStatus = mcp.NewTool("get_emergency_status",
	mcp.WithDescription(
		"Check whether the vault is halted, and if so why, when and by which risk reading."),
)

var ToolTriggerEmergency = mcp.NewTool("trigger_emergency",
	mcp.WithDescription(
		"Halt the vault and unwind every active strategy. Requires the emergency role. "+
			"Withdrawals stay available while halted."),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the vault is being halted")),
)

var ToolListEvents = mcp.NewTool("list_events",
	mcp.WithDescription(
		"Read the audit log, newest first: risk updates, threshold breaches, deposits, "+
			"rebalances and emergency actions."),
	mcp.WithString("type",
		mcp.Description("Filter by event type (e.g. 'risk.threshold_breached', 'emergency.triggered')")),
	mcp.WithString("entity",
		mcp.Description("Filter by entity (asset, strategy handle or address)")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of events to return (default 20)")),
)
