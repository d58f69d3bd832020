package events

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/yieldguard/internal/pagination"
)

// Handler serves the audit log.
type Handler struct {
	store Store
}

// NewHandler creates an audit log handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up the read-only audit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events", h.List)
}

// List handles GET /v1/events?type=&entity=&since=&limit=&cursor=
func (h *Handler) List(c *gin.Context) {
	q := Query{
		Type:     Type(c.Query("type")),
		EntityID: strings.ToLower(strings.TrimSpace(c.Query("entity"))),
		Limit:    defaultListLimit,
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be a positive integer"})
			return
		}
		q.Limit = min(n, MaxListLimit)
	}
	if s := c.Query("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "since must be RFC3339"})
			return
		}
		q.Since = t
	}
	before, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	q.BeforeSeq = before

	limit := q.Limit
	q.Limit = limit + 1
	list, err := h.store.List(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list events"})
		return
	}
	page, next, more := pagination.ComputePage(list, limit, func(e *Event) int64 { return e.Seq })
	if page == nil {
		page = []*Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": page, "count": len(page), "nextCursor": next, "hasMore": more})
}
