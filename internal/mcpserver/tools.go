package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Descriptions are what the model reads to decide which tool to use.

var ToolGetSession = mcp.NewTool("get_session",
	mcp.WithDescription(
		"Look up a paymaster session. Pass session_id for a specific session, "+
			"or user to get that user's currently active session. "+
			"Shows payment token, session value, gas used and, once ended, the fee."),
	mcp.WithString("session_id",
		mcp.Description("Session id returned when the session was started")),
	mcp.WithString("user",
		mcp.Description("User address (0x...). Used when session_id is omitted.")),
)

var ToolGetProfitMetrics = mcp.NewTool("get_profit_metrics",
	mcp.WithDescription(
		"Get paymaster profitability: fee revenue, total gas sponsored, gas cost, "+
			"net profit, session count, averages and the profit margin in basis points."),
)

var ToolGetTankStatus = mcp.NewTool("get_tank_status",
	mcp.WithDescription(
		"Get the LGU tank: current balance, minimum reserve, daily limit and usage, "+
			"per-session gas cap and the operating mode (active, degraded, paused)."),
)

var ToolGetGatewayStatus = mcp.NewTool("get_gateway_status",
	mcp.WithDescription(
		"Get a gateway's authorization and quota: whether it is allowed, its daily LGU "+
			"limit, today's usage and what remains."),
	mcp.WithString("gateway_address",
		mcp.Required(),
		mcp.Description("The gateway's address (e.g. '0x1234...')")),
)

var ToolNormalizePayment = mcp.NewTool("normalize_payment",
	mcp.WithDescription(
		"Convert an amount of a supported payment token into settlement-token units "+
			"at the registered price. Amounts are integers in the token's smallest unit."),
	mcp.WithString("token",
		mcp.Required(),
		mcp.Description("Payment token address")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in the token's smallest unit, e.g. '1000000000000000000'")),
)
