package verifier

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for submitting and tracking signatures.
// Signatures enter through payment admission or the settlement watcher,
// never from arbitrary callers, so RegisterReporterRoutes belongs behind
// admin auth.
type Handler struct {
	verifier *Verifier
}

// NewHandler creates a new verifier handler.
func NewHandler(v *Verifier) *Handler {
	return &Handler{verifier: v}
}

// RegisterRoutes sets up public read-only verification routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/verifications/metrics", h.GetMetrics)
	r.GET("/verifications/:signature", h.GetVerification)
}

// RegisterReporterRoutes sets up the confirmation-feed routes.
func (h *Handler) RegisterReporterRoutes(r *gin.RouterGroup) {
	r.POST("/verifications", h.Submit)
	r.POST("/verifications/:signature/confirmations", h.ReportConfirmations)
	r.POST("/verifications/:signature/failures", h.ReportFailure)
	r.POST("/verifications/:signature/details", h.CheckDetails)
}

// Submit handles POST /v1/admin/verifications
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rec, err := h.verifier.Submit(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"verification": rec})
}

// GetVerification handles GET /v1/verifications/:signature
func (h *Handler) GetVerification(c *gin.Context) {
	rec, err := h.verifier.Get(c.Param("signature"))
	if err != nil {
		writeError(c, err)
		return
	}
	var etaMs int64
	if !rec.Status.IsTerminal() {
		etaMs = eta(rec.Confirmations, h.verifier.required, h.verifier.blockTime).Milliseconds()
	}
	c.JSON(http.StatusOK, gin.H{
		"verification": rec,
		"progress":     progress(rec.Confirmations, h.verifier.required),
		"etaMs":        etaMs,
	})
}

type confirmationsRequest struct {
	Confirmations int    `json:"confirmations"`
	BlockHeight   uint64 `json:"blockHeight"`
	Slot          uint64 `json:"slot"`
}

// ReportConfirmations handles POST /v1/verifications/:signature/confirmations
func (h *Handler) ReportConfirmations(c *gin.Context) {
	var req confirmationsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Confirmations < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "confirmations must be a non-negative integer",
		})
		return
	}

	rec, ok := h.verifier.ApplyConfirmations(c.Request.Context(), c.Param("signature"), req.Confirmations, req.BlockHeight, req.Slot)
	if !ok {
		h.writeNotUpdated(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": rec})
}

type failureRequest struct {
	ErrorCode string `json:"errorCode" binding:"required"`
}

// ReportFailure handles POST /v1/verifications/:signature/failures
func (h *Handler) ReportFailure(c *gin.Context) {
	var req failureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "errorCode is required",
		})
		return
	}

	rec, ok := h.verifier.Fail(c.Request.Context(), c.Param("signature"), req.ErrorCode)
	if !ok {
		h.writeNotUpdated(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": rec})
}

type detailsRequest struct {
	Amount    float64 `json:"amount"`
	Recipient string  `json:"recipient"`
	Sender    string  `json:"sender"`
}

// CheckDetails handles POST /v1/verifications/:signature/details
func (h *Handler) CheckDetails(c *gin.Context) {
	var req detailsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if _, err := h.verifier.Get(c.Param("signature")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.verifier.VerifyDetails(c.Param("signature"), req.Amount, req.Recipient, req.Sender))
}

// GetMetrics handles GET /v1/verifications/metrics
func (h *Handler) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.verifier.Metrics())
}

// writeNotUpdated distinguishes an unknown signature from a terminal record.
func (h *Handler) writeNotUpdated(c *gin.Context) {
	rec, err := h.verifier.Get(c.Param("signature"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusConflict, gin.H{
		"error":   "terminal_state",
		"message": "Verification is already " + string(rec.Status),
	})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Verification not found",
		})
	case errors.Is(err, ErrDuplicateSignature):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_signature",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
