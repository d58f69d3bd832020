package riskscore

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/yieldguard/internal/fault"
)

// Handler provides HTTP endpoints for risk data.
type Handler struct {
	engine    *Engine
	staleness time.Duration
}

// NewHandler creates a new risk handler. staleness is the default window
// used by GET /risk/stale when no ?maxAge is given.
func NewHandler(engine *Engine, staleness time.Duration) *Handler {
	return &Handler{engine: engine, staleness: staleness}
}

// RegisterRoutes sets up public (read-only) risk routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/risk/assets", h.ListAssets)
	r.GET("/risk/assets/:asset", h.GetAsset)
	r.GET("/risk/validators/:validator", h.GetValidator)
	r.GET("/risk/protocols/:protocol", h.GetProtocol)
	r.GET("/risk/weights", h.GetWeights)
	r.GET("/risk/stale", h.ListStale)
}

// RegisterProtectedRoutes sets up feed and admin routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.PUT("/risk/assets/:asset", h.UpdateAsset)
	r.POST("/risk/assets/:asset/refresh", h.RefreshAsset)
	r.PUT("/risk/validators/:validator", h.UpdateValidator)
	r.PUT("/risk/protocols/:protocol", h.UpdateProtocol)
	r.PUT("/risk/weights", h.SetWeights)
}

// RefreshRequest names the records an asset's components derive from.
type RefreshRequest struct {
	Validator  string `json:"validator"`
	Protocol   string `json:"protocol"`
	MarketRisk uint64 `json:"marketRisk"`
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

// ListAssets handles GET /v1/risk/assets
func (h *Handler) ListAssets(c *gin.Context) {
	assets := h.engine.Assets()
	records := make([]RiskRecord, 0, len(assets))
	for _, a := range assets {
		records = append(records, h.engine.RiskMetrics(a))
	}
	c.JSON(http.StatusOK, gin.H{"assets": records, "count": len(records)})
}

// GetAsset handles GET /v1/risk/assets/:asset
func (h *Handler) GetAsset(c *gin.Context) {
	rec := h.engine.RiskMetrics(c.Param("asset"))
	age, known := h.engine.Age(rec.Asset)
	c.JSON(http.StatusOK, gin.H{
		"risk":       rec,
		"stale":      h.engine.IsStale(rec.Asset, h.staleness),
		"ageSeconds": int64(age / time.Second),
		"known":      known,
	})
}

// GetValidator handles GET /v1/risk/validators/:validator
func (h *Handler) GetValidator(c *gin.Context) {
	rec, ok := h.engine.Validator(c.Param("validator"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Validator not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"validator": rec, "slashingRisk": SlashingRiskOf(rec.ValidatorMetrics)})
}

// GetProtocol handles GET /v1/risk/protocols/:protocol
func (h *Handler) GetProtocol(c *gin.Context) {
	rec, ok := h.engine.Protocol(c.Param("protocol"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Protocol not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"protocol":      rec,
		"liquidityRisk": LiquidityRiskOf(rec.ProtocolMetrics),
		"contractRisk":  ContractRiskOf(rec.ProtocolMetrics),
	})
}

// GetWeights handles GET /v1/risk/weights
func (h *Handler) GetWeights(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"weights": h.engine.Weights()})
}

// ListStale handles GET /v1/risk/stale?maxAge=10m
func (h *Handler) ListStale(c *gin.Context) {
	maxAge := h.staleness
	if s := c.Query("maxAge"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "maxAge must be a positive duration"})
			return
		}
		maxAge = d
	}
	stale := h.engine.StaleAssets(maxAge)
	c.JSON(http.StatusOK, gin.H{"assets": stale, "count": len(stale), "maxAge": maxAge.String()})
}

// UpdateAsset handles PUT /v1/risk/assets/:asset
func (h *Handler) UpdateAsset(c *gin.Context) {
	var req Components
	if !bindJSON(c, &req) {
		return
	}
	rec, err := h.engine.UpdateAssetRisk(c.Request.Context(), c.GetString("authCallerAddr"), c.Param("asset"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"risk": rec})
}

// RefreshAsset handles POST /v1/risk/assets/:asset/refresh
func (h *Handler) RefreshAsset(c *gin.Context) {
	var req RefreshRequest
	if !bindJSON(c, &req) {
		return
	}
	rec, err := h.engine.RefreshAssetRisk(c.Request.Context(), c.GetString("authCallerAddr"),
		c.Param("asset"), req.Validator, req.Protocol, req.MarketRisk)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"risk": rec})
}

// UpdateValidator handles PUT /v1/risk/validators/:validator
func (h *Handler) UpdateValidator(c *gin.Context) {
	var req ValidatorMetrics
	if !bindJSON(c, &req) {
		return
	}
	rec, err := h.engine.UpdateValidatorMetrics(c.Request.Context(), c.GetString("authCallerAddr"), c.Param("validator"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"validator": rec, "slashingRisk": SlashingRiskOf(rec.ValidatorMetrics)})
}

// UpdateProtocol handles PUT /v1/risk/protocols/:protocol
func (h *Handler) UpdateProtocol(c *gin.Context) {
	var req ProtocolMetrics
	if !bindJSON(c, &req) {
		return
	}
	rec, err := h.engine.UpdateProtocolMetrics(c.Request.Context(), c.GetString("authCallerAddr"), c.Param("protocol"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"protocol": rec})
}

// SetWeights handles PUT /v1/risk/weights
func (h *Handler) SetWeights(c *gin.Context) {
	var req WeightSet
	if !bindJSON(c, &req) {
		return
	}
	if err := h.engine.SetWeights(c.Request.Context(), c.GetString("authCallerAddr"), req); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"weights": h.engine.Weights()})
}
