package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/latticepay/internal/gateway"
	"github.com/mbd888/latticepay/internal/paymaster"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetSession looks a session up by id, or the user's active one.
func (h *Handlers) HandleGetSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	user := req.GetString("user", "")

	var (
		s   *paymaster.Session
		err error
	)
	switch {
	case id != "":
		s, err = h.client.GetSession(ctx, id)
	case user != "":
		s, err = h.client.GetActiveSession(ctx, user)
		if isNotFound(err) {
			return mcp.NewToolResultText(fmt.Sprintf("User %s has no active session.", user)), nil
		}
	default:
		return mcp.NewToolResultError("session_id or user is required"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get session: %v", err)), nil
	}
	return mcp.NewToolResultText(formatSession(s)), nil
}

// HandleGetProfitMetrics returns the detailed profit view.
func (h *Handlers) HandleGetProfitMetrics(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m, err := h.client.GetProfitMetrics(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get profit metrics: %v", err)), nil
	}
	return mcp.NewToolResultText(formatProfit(m)), nil
}

// HandleGetTankStatus returns the LGU tank.
func (h *Handlers) HandleGetTankStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := h.client.GetTankStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get tank status: %v", err)), nil
	}
	return mcp.NewToolResultText(formatTank(st)), nil
}

// HandleGetGatewayStatus returns a gateway's quota view.
func (h *Handlers) HandleGetGatewayStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("gateway_address", "")
	if address == "" {
		return mcp.NewToolResultError("gateway_address is required"), nil
	}
	st, err := h.client.GetGatewayStatus(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get gateway: %v", err)), nil
	}
	return mcp.NewToolResultText(formatGateway(st)), nil
}

// HandleNormalizePayment prices a token amount in settlement units.
func (h *Handlers) HandleNormalizePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token := req.GetString("token", "")
	amount := req.GetString("amount", "")
	if token == "" || amount == "" {
		return mcp.NewToolResultError("token and amount are required"), nil
	}
	n, err := h.client.Normalize(ctx, token, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to normalize: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s of %s = %s settlement units (%s)",
		n.Amount, n.Token, n.SettlementAmount, n.SettlementToken)), nil
}

func isNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

func formatSession(s *paymaster.Session) string {
	var sb strings.Builder
	state := "active"
	if !s.Active {
		state = "ended"
	}
	fmt.Fprintf(&sb, "Session %s (%s)\n", s.ID, state)
	fmt.Fprintf(&sb, "  User:    %s\n", s.User)
	fmt.Fprintf(&sb, "  Gateway: %s\n", s.Gateway)
	fmt.Fprintf(&sb, "  Payment: %s of %s\n", s.PaymentAmount, s.PaymentToken)
	fmt.Fprintf(&sb, "  Value:   %s settlement units\n", s.SessionValue)
	fmt.Fprintf(&sb, "  Gas:     %s LGU\n", s.GasUsed)
	if s.Fee != "" {
		fmt.Fprintf(&sb, "  Fee:     %s\n", s.Fee)
	}
	fmt.Fprintf(&sb, "  Started: %s\n", s.StartedAt.UTC().Format(time.RFC3339))
	if s.EndedAt != nil {
		fmt.Fprintf(&sb, "  Ended:   %s\n", s.EndedAt.UTC().Format(time.RFC3339))
	}
	return sb.String()
}

func formatProfit(m *paymaster.DetailedProfitMetrics) string {
	var sb strings.Builder
	sb.WriteString("Paymaster profit\n")
	fmt.Fprintf(&sb, "  Sessions:     %d\n", m.SessionCount)
	fmt.Fprintf(&sb, "  Revenue:      %s\n", m.Revenue)
	fmt.Fprintf(&sb, "  Settled:      %s\n", m.TotalValue)
	fmt.Fprintf(&sb, "  Gas:          %s LGU (cost %s)\n", m.TotalGas, m.GasCost)
	fmt.Fprintf(&sb, "  Net profit:   %s\n", m.NetProfit)
	fmt.Fprintf(&sb, "  Margin:       %s bps\n", m.TotalProfitMargin)
	fmt.Fprintf(&sb, "  Avg fee:      %s\n", m.AvgFeePerSession)
	fmt.Fprintf(&sb, "  Avg gas:      %s LGU\n", m.AvgGasPerSession)
	fmt.Fprintf(&sb, "  LGU balance:  %s\n", m.CurrentLGUBalance)
	return sb.String()
}

func formatTank(st *paymaster.TankStatus) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "LGU tank (%s)\n", st.Mode)
	fmt.Fprintf(&sb, "  Balance:       %s\n", st.CurrentBalance)
	fmt.Fprintf(&sb, "  Min reserve:   %s\n", st.MinReserve)
	fmt.Fprintf(&sb, "  Daily:         %s used of %s (%s left)\n", st.DailyUsed, st.DailyLimit, st.DailyRemaining)
	fmt.Fprintf(&sb, "  Session cap:   %s\n", st.MaxGasPerSession)
	return sb.String()
}

func formatGateway(st *gateway.Status) string {
	if st.Profile == nil {
		return "Gateway not found."
	}
	var sb strings.Builder
	allowed := "allowed"
	if !st.Allowed {
		allowed = "revoked"
	}
	fmt.Fprintf(&sb, "Gateway %s (%s)\n", st.Address, allowed)
	fmt.Fprintf(&sb, "  Daily:  %s used of %s (%s left)\n", st.DailyUsed, st.DailyLimit, st.DailyRemaining)
	if st.OpsPerHour > 0 {
		fmt.Fprintf(&sb, "  Rate:   %d ops/hour\n", st.OpsPerHour)
	}
	if st.MetadataURI != "" {
		fmt.Fprintf(&sb, "  Info:   %s\n", st.MetadataURI)
	}
	return sb.String()
}
