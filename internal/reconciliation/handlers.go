package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/yieldguard/internal/access"
	"github.com/mbd888/yieldguard/internal/auth"
)

// Handler exposes reconciliation reports over HTTP.
type Handler struct {
	runner  *Runner
	checker access.Checker
}

// NewHandler creates a handler. Forced runs require the admin or risk
// manager role.
func NewHandler(r *Runner, checker access.Checker) *Handler {
	return &Handler{runner: r, checker: checker}
}

// RegisterRoutes sets up read-only routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.GetLast)
}

// RegisterProtectedRoutes sets up routes that require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/reconciliation/run", h.Run)
}

// GetLast handles GET /reconciliation
func (h *Handler) GetLast(c *gin.Context) {
	rep := h.runner.Last()
	if rep == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no reconciliation run yet",
		})
		return
	}
	c.JSON(http.StatusOK, rep)
}

// Run handles POST /reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	caller := auth.GetCaller(c)
	if !h.checker.HasRole(caller, access.RoleAdmin) && !h.checker.HasRole(caller, access.RoleRiskManager) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "admin or risk_manager role required",
		})
		return
	}
	rep, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, rep)
}
