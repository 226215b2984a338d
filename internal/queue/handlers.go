package queue

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides read-only HTTP endpoints over the payment queue.
type Handler struct {
	queue *Queue
}

// NewHandler creates a new queue handler.
func NewHandler(q *Queue) *Handler {
	return &Handler{queue: q}
}

// RegisterRoutes sets up queue routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/queue/stats", h.GetStats)
	r.GET("/queue/estimate", h.EstimateWait)
	r.GET("/payments/:id", h.GetPayment)
	r.GET("/batches/:id", h.GetBatch)
}

// RegisterAdminRoutes exposes the live queue contents.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/queue", h.ListPending)
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.queue.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// GetBatch handles GET /v1/batches/:id
func (h *Handler) GetBatch(c *gin.Context) {
	b, err := h.queue.GetBatch(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch": b})
}

// GetStats handles GET /v1/queue/stats
func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.Stats())
}

// EstimateWait handles GET /v1/queue/estimate?priority=high
func (h *Handler) EstimateWait(c *gin.Context) {
	p := Priority(c.DefaultQuery("priority", string(PriorityNormal)))
	if !p.Valid() {
		writeError(c, ErrInvalidPriority)
		return
	}
	wait := h.queue.EstimateWait(p)
	c.JSON(http.StatusOK, gin.H{
		"priority": p,
		"waitMs":   wait.Milliseconds(),
	})
}

// ListPending handles GET /admin/queue
func (h *Handler) ListPending(c *gin.Context) {
	pending := h.queue.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"payments": pending,
		"count":    len(pending),
	})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrPaymentNotFound), errors.Is(err, ErrBatchNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidPriority):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_priority",
			"message": "priority must be one of low, normal, high, critical",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
