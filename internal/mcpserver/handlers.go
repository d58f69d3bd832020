package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

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

// HandleGetRiskScore returns an asset's risk record.
func (h *Handlers) HandleGetRiskScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	asset := req.GetString("asset", "")
	if asset == "" {
		return mcp.NewToolResultError("asset is required"), nil
	}
	raw, err := h.client.GetRiskScore(ctx, asset)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get risk score: %v", err)), nil
	}
	text, err := formatRiskScore(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse risk score: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetVaultStatus returns the vault snapshot.
func (h *Handlers) HandleGetVaultStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetVaultStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get vault status: %v", err)), nil
	}
	text, err := formatVaultStatus(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse vault status: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListStrategies lists strategies.
func (h *Handlers) HandleListStrategies(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListStrategies(ctx, req.GetBool("include_exited", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list strategies: %v", err)), nil
	}
	text, err := formatStrategies(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse strategies: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetPortfolioRisk returns the portfolio risk.
func (h *Handlers) HandleGetPortfolioRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetPortfolioRisk(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get portfolio risk: %v", err)), nil
	}
	var resp struct {
		PortfolioRisk uint64 `json:"portfolioRisk"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse portfolio risk: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Portfolio risk: %d/100", resp.PortfolioRisk)), nil
}

// HandleGetRiskProfile returns a depositor's profile.
func (h *Handlers) HandleGetRiskProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetRiskProfile(ctx, req.GetString("address", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get risk profile: %v", err)), nil
	}
	text, err := formatProfile(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse risk profile: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleUpdateRiskProfile sets the caller's risk tolerance.
func (h *Handlers) HandleUpdateRiskProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	maxRisk := req.GetFloat("max_risk_score", -1)
	if maxRisk < 0 || maxRisk > 100 || maxRisk != float64(int64(maxRisk)) {
		return mcp.NewToolResultError("max_risk_score must be a whole number between 0 and 100"), nil
	}
	yield := req.GetFloat("preferred_yield_bps", 0)
	if yield < 0 {
		return mcp.NewToolResultError("preferred_yield_bps cannot be negative"), nil
	}

	raw, err := h.client.UpdateRiskProfile(ctx, uint64(maxRisk), uint64(yield), req.GetBool("auto_rebalance", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to update risk profile: %v", err)), nil
	}
	var resp struct {
		Profile   profileJSON    `json:"profile"`
		Rebalance *rebalanceJSON `json:"rebalance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk profile updated: max risk %d, auto-rebalance %s\n",
		resp.Profile.MaxRiskScore, onOff(resp.Profile.AutoRebalance))
	if r := resp.Rebalance; r != nil {
		if r.Feasible {
			fmt.Fprintf(&sb, "Rebalanced: risk %d -> %d\n", r.RiskBefore, r.RiskAfter)
			writeTargets(&sb, r.Targets)
		} else {
			fmt.Fprintf(&sb, "Rebalance not possible: %s\n", r.Reason)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetEmergencyStatus reports whether the vault is halted.
func (h *Handlers) HandleGetEmergencyStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetEmergencyStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get emergency status: %v", err)), nil
	}
	var resp struct {
		Halted    bool          `json:"halted"`
		Emergency emergencyJSON `json:"emergency"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse emergency status: %v", err)), nil
	}
	return mcp.NewToolResultText(formatEmergency(resp.Halted, resp.Emergency)), nil
}

// HandleTriggerEmergency halts the vault.
func (h *Handlers) HandleTriggerEmergency(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reason := strings.TrimSpace(req.GetString("reason", ""))
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}
	raw, err := h.client.TriggerEmergency(ctx, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to trigger emergency: %v", err)), nil
	}
	var resp struct {
		Emergency emergencyJSON `json:"emergency"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	return mcp.NewToolResultText(formatEmergency(true, resp.Emergency)), nil
}

// HandleListEvents reads the audit log.
func (h *Handlers) HandleListEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(req.GetFloat("limit", 20))
	raw, err := h.client.ListEvents(ctx, req.GetString("type", ""), req.GetString("entity", ""), limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list events: %v", err)), nil
	}
	text, err := formatEvents(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse events: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- response shapes ---

type riskJSON struct {
	Asset         string    `json:"asset"`
	CompositeRisk uint64    `json:"compositeRisk"`
	SlashingRisk  uint64    `json:"slashingRisk"`
	LiquidityRisk uint64    `json:"liquidityRisk"`
	ContractRisk  uint64    `json:"contractRisk"`
	MarketRisk    uint64    `json:"marketRisk"`
	LastUpdate    time.Time `json:"lastUpdate"`
	Valid         bool      `json:"valid"`
}

type strategyJSON struct {
	Handle           string `json:"handle"`
	Underlying       string `json:"underlying"`
	Active           bool   `json:"active"`
	AllocationBps    uint64 `json:"allocationBps"`
	RiskScore        uint64 `json:"riskScore"`
	ExpectedYieldBps uint64 `json:"expectedYieldBps"`
	Position         string `json:"position"`
}

type targetJSON struct {
	Handle    string `json:"handle"`
	WeightBps uint64 `json:"weightBps"`
}

type profileJSON struct {
	User          string       `json:"user"`
	MaxRiskScore  uint64       `json:"maxRiskScore"`
	AutoRebalance bool         `json:"autoRebalance"`
	Targets       []targetJSON `json:"targets"`
	LastRebalance *time.Time   `json:"lastRebalance"`
}

type rebalanceJSON struct {
	Feasible   bool         `json:"feasible"`
	RiskBefore uint64       `json:"riskBefore"`
	RiskAfter  uint64       `json:"riskAfter"`
	Targets    []targetJSON `json:"targets"`
	Reason     string       `json:"reason"`
}

type emergencyJSON struct {
	Triggered    bool      `json:"triggered"`
	Reason       string    `json:"reason"`
	TriggeredAt  time.Time `json:"triggeredAt"`
	TriggerScore uint64    `json:"triggerScore"`
	Source       string    `json:"source"`
}

type eventJSON struct {
	Type      string    `json:"type"`
	EntityID  string    `json:"entityId"`
	Actor     string    `json:"actor"`
	OldScore  uint64    `json:"oldScore"`
	NewScore  uint64    `json:"newScore"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// --- formatting ---

func formatRiskScore(raw json.RawMessage) (string, error) {
	var resp struct {
		Risk       riskJSON `json:"risk"`
		Stale      bool     `json:"stale"`
		Known      bool     `json:"known"`
		AgeSeconds int64    `json:"ageSeconds"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	r := resp.Risk
	if !resp.Known {
		return fmt.Sprintf("No risk data for %s.", r.Asset), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk for %s: %s\n", r.Asset, bps(r.CompositeRisk))
	fmt.Fprintf(&sb, "  Slashing:  %s\n", bps(r.SlashingRisk))
	fmt.Fprintf(&sb, "  Liquidity: %s\n", bps(r.LiquidityRisk))
	fmt.Fprintf(&sb, "  Contract:  %s\n", bps(r.ContractRisk))
	fmt.Fprintf(&sb, "  Market:    %s\n", bps(r.MarketRisk))
	fmt.Fprintf(&sb, "  Updated:   %s ago", time.Duration(resp.AgeSeconds)*time.Second)
	if resp.Stale {
		sb.WriteString(" (STALE)")
	}
	sb.WriteString("\n")
	return sb.String(), nil
}

func formatVaultStatus(raw json.RawMessage) (string, error) {
	var resp struct {
		Vault struct {
			Depositors        int           `json:"depositors"`
			ActiveStrategies  int           `json:"activeStrategies"`
			AllocatedBps      uint64        `json:"allocatedBps"`
			PortfolioRisk     uint64        `json:"portfolioRisk"`
			ManagementFeeBps  uint64        `json:"managementFeeBps"`
			PerformanceFeeBps uint64        `json:"performanceFeeBps"`
			Halted            bool          `json:"halted"`
			Emergency         emergencyJSON `json:"emergency"`
		} `json:"vault"`
		Totals map[string]string `json:"totals"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	v := resp.Vault

	var sb strings.Builder
	sb.WriteString("Vault Status:\n")
	fmt.Fprintf(&sb, "  Total assets: %s\n", resp.Totals["totalAssets"])
	fmt.Fprintf(&sb, "  Total shares: %s\n", resp.Totals["totalShares"])
	fmt.Fprintf(&sb, "  Idle:         %s\n", resp.Totals["idle"])
	fmt.Fprintf(&sb, "  Allocated:    %s (%s of target)\n", resp.Totals["allocated"], bps(v.AllocatedBps))
	fmt.Fprintf(&sb, "  Depositors:   %d\n", v.Depositors)
	fmt.Fprintf(&sb, "  Strategies:   %d active\n", v.ActiveStrategies)
	fmt.Fprintf(&sb, "  Portfolio risk: %d/100\n", v.PortfolioRisk)
	fmt.Fprintf(&sb, "  Fees: management %s, performance %s\n", bps(v.ManagementFeeBps), bps(v.PerformanceFeeBps))
	if v.Halted {
		fmt.Fprintf(&sb, "  HALTED: %s\n", v.Emergency.Reason)
	}
	return sb.String(), nil
}

func formatStrategies(raw json.RawMessage) (string, error) {
	var resp struct {
		Strategies []strategyJSON `json:"strategies"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Strategies) == 0 {
		return "No strategies found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d strateg%s:\n\n", len(resp.Strategies), plural(len(resp.Strategies), "y", "ies"))
	for i, s := range resp.Strategies {
		status := ""
		if !s.Active {
			status = " [exited]"
		}
		fmt.Fprintf(&sb, "%d. %s%s\n", i+1, s.Handle, status)
		fmt.Fprintf(&sb, "   Allocation: %s  Risk: %d/100  Yield: %s\n", bps(s.AllocationBps), s.RiskScore, bps(s.ExpectedYieldBps))
		fmt.Fprintf(&sb, "   Position: %s", s.Position)
		if s.Underlying != "" && s.Underlying != s.Handle {
			fmt.Fprintf(&sb, "  Underlying: %s", s.Underlying)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatProfile(raw json.RawMessage) (string, error) {
	var resp struct {
		Profile       profileJSON `json:"profile"`
		EffectiveRisk uint64      `json:"effectiveRisk"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	p := resp.Profile

	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk profile for %s:\n", p.User)
	fmt.Fprintf(&sb, "  Max risk:       %d/100\n", p.MaxRiskScore)
	fmt.Fprintf(&sb, "  Effective risk: %d/100", resp.EffectiveRisk)
	if resp.EffectiveRisk > p.MaxRiskScore {
		sb.WriteString(" (over limit)")
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  Auto-rebalance: %s\n", onOff(p.AutoRebalance))
	if p.LastRebalance != nil {
		fmt.Fprintf(&sb, "  Last rebalance: %s\n", p.LastRebalance.UTC().Format(time.RFC3339))
	}
	writeTargets(&sb, p.Targets)
	return sb.String(), nil
}

func formatEmergency(halted bool, e emergencyJSON) string {
	if !halted {
		return "Vault is active."
	}
	var sb strings.Builder
	sb.WriteString("Vault is HALTED.\n")
	fmt.Fprintf(&sb, "  Reason: %s\n", e.Reason)
	if e.Source != "" {
		fmt.Fprintf(&sb, "  Source: %s\n", e.Source)
	}
	if e.TriggerScore > 0 {
		fmt.Fprintf(&sb, "  Trigger score: %s\n", bps(e.TriggerScore))
	}
	if !e.TriggeredAt.IsZero() {
		fmt.Fprintf(&sb, "  Since: %s\n", e.TriggeredAt.UTC().Format(time.RFC3339))
	}
	sb.WriteString("Withdrawals remain available.\n")
	return sb.String()
}

func formatEvents(raw json.RawMessage) (string, error) {
	var resp struct {
		Events  []eventJSON `json:"events"`
		HasMore bool        `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Events) == 0 {
		return "No events found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d event(s), newest first:\n\n", len(resp.Events))
	for _, e := range resp.Events {
		fmt.Fprintf(&sb, "%s  %s", e.Timestamp.UTC().Format(time.RFC3339), e.Type)
		if e.EntityID != "" {
			fmt.Fprintf(&sb, "  %s", e.EntityID)
		}
		if e.OldScore != 0 || e.NewScore != 0 {
			fmt.Fprintf(&sb, "  %d -> %d", e.OldScore, e.NewScore)
		}
		if e.Reason != "" {
			fmt.Fprintf(&sb, "  (%s)", e.Reason)
		}
		sb.WriteString("\n")
	}
	if resp.HasMore {
		sb.WriteString("\nMore events available.\n")
	}
	return sb.String(), nil
}

func writeTargets(sb *strings.Builder, targets []targetJSON) {
	if len(targets) == 0 {
		return
	}
	sb.WriteString("  Targets:\n")
	for _, t := range targets {
		fmt.Fprintf(sb, "    %s: %s\n", t.Handle, bps(t.WeightBps))
	}
}

// bps renders basis points as a percentage, e.g. 4250 -> "42.50%".
func bps(v uint64) string {
	return fmt.Sprintf("%d.%02d%%", v/100, v%100)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
