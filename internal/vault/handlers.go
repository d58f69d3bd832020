package vault

import (
	"errors"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/yieldguard/internal/amount"
	"github.com/mbd888/yieldguard/internal/fault"
)

// Handler provides HTTP endpoints for the vault.
type Handler struct {
	vault *Vault
}

// NewHandler creates a new vault handler.
func NewHandler(v *Vault) *Handler {
	return &Handler{vault: v}
}

// RegisterRoutes sets up public (read-only) vault routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/vault", h.GetStatus)
	r.GET("/vault/strategies", h.ListStrategies)
	r.GET("/vault/strategies/:handle", h.GetStrategy)
	r.GET("/vault/portfolio-risk", h.GetPortfolioRisk)
	r.GET("/vault/balances/:address", h.GetBalance)
	r.GET("/vault/profiles/:address", h.GetProfile)
	r.GET("/vault/preview", h.Preview)
	r.GET("/vault/invariants", h.GetInvariants)
	r.GET("/vault/emergency", h.GetEmergency)
}

// RegisterProtectedRoutes sets up auth-required vault routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/vault/deposit", h.Deposit)
	r.POST("/vault/withdraw", h.Withdraw)
	r.POST("/vault/redeem", h.Redeem)
	r.POST("/vault/strategies", h.AddStrategy)
	r.DELETE("/vault/strategies/:handle", h.RemoveStrategy)
	r.POST("/vault/strategies/:handle/settle", h.SettleStrategy)
	r.PUT("/vault/profile", h.UpdateProfile)
	r.POST("/vault/profiles/:address/rebalance", h.Rebalance)
	r.PUT("/vault/fees", h.SetFees)
	r.POST("/vault/fees/accrue", h.AccrueFees)
	r.POST("/vault/emergency", h.TriggerEmergency)
	r.DELETE("/vault/emergency", h.ClearEmergency)
	r.POST("/vault/operators/:entity/performance", h.ReportPerformance)
}

// DepositRequest is the body of POST /v1/vault/deposit.
type DepositRequest struct {
	Assets   string `json:"assets" binding:"required"`
	Receiver string `json:"receiver"`
}

// WithdrawRequest is the body of POST /v1/vault/withdraw and /redeem.
type WithdrawRequest struct {
	Assets   string `json:"assets"`
	Shares   string `json:"shares"`
	Receiver string `json:"receiver"`
	Owner    string `json:"owner"`
}

// SettleRequest is the body of POST /v1/vault/strategies/:handle/settle.
type SettleRequest struct {
	ReportedValue string `json:"reportedValue" binding:"required"`
}

// EmergencyRequest is the body of POST /v1/vault/emergency.
type EmergencyRequest struct {
	Reason string `json:"reason"`
}

// PerformanceRequest is the body of POST /v1/vault/operators/:entity/performance.
type PerformanceRequest struct {
	RiskBps uint64 `json:"riskBps"`
}

func respondError(c *gin.Context, err error) {
	c.JSON(fault.HTTPStatus(err), gin.H{"error": fault.CodeOf(err), "message": err.Error()})
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return false
	}
	return true
}

func caller(c *gin.Context) string {
	return c.GetString("authCallerAddr")
}

func (h *Handler) parse(c *gin.Context, field, s string) (*big.Int, bool) {
	v, err := amount.Parse(s, h.vault.Decimals())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": field + ": " + err.Error()})
		return nil, false
	}
	return v, true
}

func (h *Handler) format(v *big.Int) string {
	return amount.Format(v, h.vault.Decimals())
}

func (h *Handler) strategyJSON(s Strategy) gin.H {
	return gin.H{
		"id":               s.ID,
		"handle":           s.Handle,
		"underlying":       s.Underlying,
		"active":           s.Active,
		"allocationBps":    s.AllocationBps,
		"riskScore":        s.RiskScore,
		"expectedYieldBps": s.ExpectedYieldBps,
		"position":         h.format(s.Position),
		"addedAt":          s.AddedAt,
		"removedAt":        s.RemovedAt,
	}
}

// GetStatus handles GET /v1/vault
func (h *Handler) GetStatus(c *gin.Context) {
	st := h.vault.Status()
	c.JSON(http.StatusOK, gin.H{
		"vault": st,
		"totals": gin.H{
			"totalAssets": h.format(st.TotalAssets),
			"totalShares": h.format(st.TotalShares),
			"idle":        h.format(st.Idle),
			"allocated":   h.format(st.Allocated),
		},
	})
}

// ListStrategies handles GET /v1/vault/strategies?all=true
func (h *Handler) ListStrategies(c *gin.Context) {
	var list []Strategy
	if c.Query("all") == "true" {
		list = h.vault.Strategies()
	} else {
		list = h.vault.ActiveStrategies()
	}
	out := make([]gin.H, 0, len(list))
	for _, s := range list {
		out = append(out, h.strategyJSON(s))
	}
	c.JSON(http.StatusOK, gin.H{"strategies": out, "count": len(out)})
}

// GetStrategy handles GET /v1/vault/strategies/:handle
func (h *Handler) GetStrategy(c *gin.Context) {
	s, ok := h.vault.Strategy(c.Param("handle"))
	if !ok {
		respondError(c, ErrStrategyNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy": h.strategyJSON(s)})
}

// GetPortfolioRisk handles GET /v1/vault/portfolio-risk
func (h *Handler) GetPortfolioRisk(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"portfolioRisk": h.vault.PortfolioRiskScore()})
}

// GetBalance handles GET /v1/vault/balances/:address
func (h *Handler) GetBalance(c *gin.Context) {
	shares := h.vault.BalanceOf(c.Param("address"))
	c.JSON(http.StatusOK, gin.H{
		"address": c.Param("address"),
		"shares":  h.format(shares),
		"assets":  h.format(h.vault.ConvertToAssets(shares)),
	})
}

// GetProfile handles GET /v1/vault/profiles/:address
func (h *Handler) GetProfile(c *gin.Context) {
	addr := c.Param("address")
	c.JSON(http.StatusOK, gin.H{
		"profile":       h.vault.RiskProfile(addr),
		"effectiveRisk": h.vault.EffectiveRisk(addr),
	})
}

// Preview handles GET /v1/vault/preview?assets=&shares=
func (h *Handler) Preview(c *gin.Context) {
	resp := gin.H{}
	if s := c.Query("assets"); s != "" {
		v, ok := h.parse(c, "assets", s)
		if !ok {
			return
		}
		resp["shares"] = h.format(h.vault.ConvertToShares(v))
	}
	if s := c.Query("shares"); s != "" {
		v, ok := h.parse(c, "shares", s)
		if !ok {
			return
		}
		resp["assets"] = h.format(h.vault.ConvertToAssets(v))
	}
	c.JSON(http.StatusOK, resp)
}

// GetInvariants handles GET /v1/vault/invariants
func (h *Handler) GetInvariants(c *gin.Context) {
	r := h.vault.CheckInvariants()
	c.JSON(http.StatusOK, gin.H{"invariants": r, "ok": r.OK()})
}

// GetEmergency handles GET /v1/vault/emergency
func (h *Handler) GetEmergency(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"emergency": h.vault.EmergencyStatus(), "halted": h.vault.Emergency().Halted()})
}

// Deposit handles POST /v1/vault/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if !bindJSON(c, &req) {
		return
	}
	assets, ok := h.parse(c, "assets", req.Assets)
	if !ok {
		return
	}
	receiver := req.Receiver
	if receiver == "" {
		receiver = caller(c)
	}
	shares, err := h.vault.Deposit(c.Request.Context(), caller(c), assets, receiver)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"shares": h.format(shares), "assets": h.format(assets)})
}

// Withdraw handles POST /v1/vault/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if !bindJSON(c, &req) {
		return
	}
	assets, ok := h.parse(c, "assets", req.Assets)
	if !ok {
		return
	}
	owner := req.Owner
	if owner == "" {
		owner = caller(c)
	}
	burned, err := h.vault.Withdraw(c.Request.Context(), caller(c), assets, req.Receiver, owner)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": h.format(assets), "sharesBurned": h.format(burned)})
}

// Redeem handles POST /v1/vault/redeem
func (h *Handler) Redeem(c *gin.Context) {
	var req WithdrawRequest
	if !bindJSON(c, &req) {
		return
	}
	shares, ok := h.parse(c, "shares", req.Shares)
	if !ok {
		return
	}
	owner := req.Owner
	if owner == "" {
		owner = caller(c)
	}
	assets, err := h.vault.Redeem(c.Request.Context(), caller(c), shares, req.Receiver, owner)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": h.format(assets), "sharesBurned": h.format(shares)})
}

// AddStrategy handles POST /v1/vault/strategies
func (h *Handler) AddStrategy(c *gin.Context) {
	var req StrategyParams
	if !bindJSON(c, &req) {
		return
	}
	s, err := h.vault.AddStrategy(c.Request.Context(), caller(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"strategy": h.strategyJSON(*s)})
}

// RemoveStrategy handles DELETE /v1/vault/strategies/:handle
func (h *Handler) RemoveStrategy(c *gin.Context) {
	s, err := h.vault.RemoveStrategy(c.Request.Context(), caller(c), c.Param("handle"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy": h.strategyJSON(*s)})
}

// SettleStrategy handles POST /v1/vault/strategies/:handle/settle
func (h *Handler) SettleStrategy(c *gin.Context) {
	var req SettleRequest
	if !bindJSON(c, &req) {
		return
	}
	value, ok := h.parse(c, "reportedValue", req.ReportedValue)
	if !ok {
		return
	}
	s, err := h.vault.SettleStrategy(c.Request.Context(), caller(c), c.Param("handle"), value)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy": h.strategyJSON(*s)})
}

// UpdateProfile handles PUT /v1/vault/profile
func (h *Handler) UpdateProfile(c *gin.Context) {
	var req ProfileUpdate
	if !bindJSON(c, &req) {
		return
	}
	p, result, err := h.vault.UpdateRiskProfile(c.Request.Context(), caller(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p, "rebalance": result})
}

// Rebalance handles POST /v1/vault/profiles/:address/rebalance
func (h *Handler) Rebalance(c *gin.Context) {
	result, err := h.vault.ExecuteAutoRebalance(c.Request.Context(), caller(c), c.Param("address"))
	if err != nil {
		if errors.Is(err, ErrRebalanceInfeasible) {
			c.JSON(fault.HTTPStatus(err), gin.H{"error": fault.CodeOf(err), "message": err.Error(), "rebalance": result})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rebalance": result})
}

// SetFees handles PUT /v1/vault/fees
func (h *Handler) SetFees(c *gin.Context) {
	var req FeeConfig
	if !bindJSON(c, &req) {
		return
	}
	if err := h.vault.SetFees(c.Request.Context(), caller(c), req); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fees": h.vault.Fees()})
}

// AccrueFees handles POST /v1/vault/fees/accrue
func (h *Handler) AccrueFees(c *gin.Context) {
	minted, err := h.vault.AccrueManagementFee(c.Request.Context(), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sharesMinted": h.format(minted)})
}

// TriggerEmergency handles POST /v1/vault/emergency
func (h *Handler) TriggerEmergency(c *gin.Context) {
	var req EmergencyRequest
	if !bindJSON(c, &req) {
		return
	}
	st, err := h.vault.TriggerEmergency(c.Request.Context(), caller(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"emergency": st})
}

// ClearEmergency handles DELETE /v1/vault/emergency
func (h *Handler) ClearEmergency(c *gin.Context) {
	st, err := h.vault.ClearEmergency(c.Request.Context(), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"emergency": st})
}

// ReportPerformance handles POST /v1/vault/operators/:entity/performance
func (h *Handler) ReportPerformance(c *gin.Context) {
	var req PerformanceRequest
	if !bindJSON(c, &req) {
		return
	}
	halted, err := h.vault.ReportOperatorPerformance(c.Request.Context(), caller(c), c.Param("entity"), req.RiskBps)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"halted": halted})
}
