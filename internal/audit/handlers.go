package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paymeter/internal/pagination"
)

// Handler provides the operator-facing audit endpoints.
type Handler struct {
	log *Log
}

// NewHandler creates a new audit handler.
func NewHandler(log *Log) *Handler {
	return &Handler{log: log}
}

// RegisterAdminRoutes sets up audit routes. They expose every wallet's
// activity, so mount them behind admin auth.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.Query)
	r.GET("/audit/verify", h.Verify)
	r.GET("/audit/metrics", h.Metrics)
	r.GET("/audit/compliance/:wallet", h.Compliance)
	r.GET("/audit/export", h.Export)
}

// Query handles GET /v1/audit
func (h *Handler) Query(c *gin.Context) {
	f := Filter{
		WalletAddr: c.Query("wallet"),
		AgentID:    c.Query("agent"),
		Action:     Action(c.Query("action")),
		Severity:   Severity(c.Query("severity")),
	}
	if f.Action != "" && !f.Action.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_action",
			"message": "Unknown audit action: " + string(f.Action),
		})
		return
	}
	var ok bool
	if f.StartTime, ok = parseTimeParam(c, "start"); !ok {
		return
	}
	if f.EndTime, ok = parseTimeParam(c, "end"); !ok {
		return
	}
	f.Limit = DefaultQueryLimit
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = min(n, MaxQueryLimit)
		}
	}
	if o := c.Query("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			f.Offset = n
		}
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is not valid",
		})
		return
	}
	if cursor != nil {
		f.BeforeSeq = cursor.Seq
	}

	// One extra entry tells whether another page follows
	limit := f.Limit
	f.Limit = limit + 1
	entries, next, hasMore := pagination.ComputePage(h.log.Query(c.Request.Context(), f), limit,
		func(e *Entry) (int64, string) { return e.Seq, e.ID })
	resp := gin.H{
		"entries": entries,
		"count":   len(entries),
		"hasMore": hasMore,
	}
	if hasMore {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// Verify handles GET /v1/audit/verify
func (h *Handler) Verify(c *gin.Context) {
	res := h.log.VerifyChainIntegrity()
	status := http.StatusOK
	if !res.Valid {
		status = http.StatusConflict
	}
	c.JSON(status, res)
}

// Metrics handles GET /v1/audit/metrics
func (h *Handler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.log.Metrics())
}

// Compliance handles GET /v1/audit/compliance/:wallet
func (h *Handler) Compliance(c *gin.Context) {
	start, ok := parseTimeParam(c, "start")
	if !ok {
		return
	}
	end, ok := parseTimeParam(c, "end")
	if !ok {
		return
	}

	report, err := h.log.ComplianceReport(c.Request.Context(), c.Param("wallet"), start, end)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_range",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// Export handles GET /v1/audit/export
func (h *Handler) Export(c *gin.Context) {
	from, ok := parseTimeParam(c, "from")
	if !ok {
		return
	}
	to, ok := parseTimeParam(c, "to")
	if !ok {
		return
	}
	entries := h.log.Export(from, to)
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
		"anchor":  h.log.Anchor(),
	})
}

// parseTimeParam reads an optional RFC3339 query parameter. On a malformed
// value it writes a 400 and returns ok=false.
func parseTimeParam(c *gin.Context, name string) (time.Time, bool) {
	v := c.Query(name)
	if v == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_time",
			"message": name + " must be RFC3339",
		})
		return time.Time{}, false
	}
	return t, true
}
