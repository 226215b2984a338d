package protocol

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paymeter/internal/queue"
	"github.com/mbd888/paymeter/internal/session"
	"github.com/mbd888/paymeter/internal/validation"
	"github.com/mbd888/paymeter/internal/verifier"
)

// Handler provides the caller-facing protocol endpoints and the operator
// controls.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new protocol handler.
func NewHandler(e *Engine) *Handler {
	return &Handler{engine: e}
}

// RegisterRoutes sets up caller routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/status", h.GetStatus)
	r.GET("/terms", h.GetTerms)

	// Escrows belong to the wallet of the session presenting X-Session-ID.
	holder := session.RequireHolder(h.engine.sessions)
	r.GET("/escrows", holder, h.ListHolderEscrows)
	r.POST("/escrows", holder, h.OpenEscrow)
	r.GET("/escrows/:id", holder, h.GetEscrow)
	r.POST("/escrows/:id/release", holder, h.ReleaseEscrow)
	r.POST("/escrows/:id/dispute", holder, h.DisputeEscrow)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/config", h.GetConfig)
	r.PUT("/config", h.UpdateConfig)
	r.POST("/queue/process", h.ProcessBatch)
	r.POST("/sweep", h.Sweep)
	r.DELETE("/wallets/:wallet", h.DisconnectWallet)
	r.GET("/wallets/:wallet/escrows", h.ListWalletEscrows)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/dispute", h.DisputeEscrow)
	r.POST("/sessions/:id/permissions", h.GrantPermission)
	r.DELETE("/sessions/:id/permissions", h.RevokePermission)
}

// GetStatus handles GET /v1/status?wallet=...&agent=...
func (h *Handler) GetStatus(c *gin.Context) {
	wallet := validation.SanitizeAddress(c.Query("wallet"))
	agent := c.Query("agent")
	if errs := validation.Validate(
		validation.Required("wallet", wallet),
		validation.ValidAddress("wallet", wallet),
		validation.Required("agent", agent),
	); len(errs) > 0 {
		writeValidation(c, errs)
		return
	}
	st := h.engine.Status(c.Request.Context(), wallet, agent)
	if st.Session != nil {
		st.Session = st.Session.Redacted()
	}
	c.JSON(http.StatusOK, st)
}

// GetTerms handles GET /v1/terms?agent=...&resource=...
func (h *Handler) GetTerms(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Challenge(c.Query("resource"), c.Query("agent"), 0))
}

type openEscrowRequest struct {
	AgentID string  `json:"agentId"`
	Amount  float64 `json:"amount"`
}

// OpenEscrow handles POST /v1/escrows
func (h *Handler) OpenEscrow(c *gin.Context) {
	var req openEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	holder := session.Holder(c)
	if holder == nil {
		writeError(c, session.ErrSessionNotFound)
		return
	}
	if errs := validation.Validate(
		validation.Required("agentId", req.AgentID),
		validation.MaxLength("agentId", req.AgentID, 128),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		writeValidation(c, errs)
		return
	}

	es, err := h.engine.OpenEscrow(c.Request.Context(), holder.WalletAddr, req.AgentID, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": es})
}

// visibleEscrow loads the escrow named by :id. On caller routes it must
// belong to the holder's wallet; operator routes carry no holder.
func (h *Handler) visibleEscrow(c *gin.Context) (*Escrow, bool) {
	es, err := h.engine.GetEscrow(c.Param("id"))
	if err == nil {
		if holder := session.Holder(c); holder != nil && holder.WalletAddr != es.WalletAddr {
			err = ErrEscrowNotFound
		}
	}
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return es, true
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	es, ok := h.visibleEscrow(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": es})
}

// ReleaseEscrow handles POST /v1/escrows/:id/release and the operator route.
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	if _, ok := h.visibleEscrow(c); !ok {
		return
	}
	es, err := h.engine.ReleaseEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": es})
}

// DisputeEscrow handles POST /v1/escrows/:id/dispute and the operator route.
func (h *Handler) DisputeEscrow(c *gin.Context) {
	if _, ok := h.visibleEscrow(c); !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	es, err := h.engine.DisputeEscrow(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": es})
}

// ListHolderEscrows handles GET /v1/escrows
func (h *Handler) ListHolderEscrows(c *gin.Context) {
	holder := session.Holder(c)
	if holder == nil {
		writeError(c, session.ErrSessionNotFound)
		return
	}
	writeEscrows(c, h.engine.WalletEscrows(holder.WalletAddr))
}

// ListWalletEscrows handles GET /v1/admin/wallets/:wallet/escrows
func (h *Handler) ListWalletEscrows(c *gin.Context) {
	writeEscrows(c, h.engine.WalletEscrows(c.Param("wallet")))
}

func writeEscrows(c *gin.Context, escrows []*Escrow) {
	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// GetConfig handles GET /v1/admin/config
func (h *Handler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"config": h.engine.Config()})
}

// UpdateConfig handles PUT /v1/admin/config
func (h *Handler) UpdateConfig(c *gin.Context) {
	var req ConfigUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	actor := validation.SanitizeString(c.GetHeader("X-Operator"), 128)
	cfg, err := h.engine.UpdateConfig(c.Request.Context(), actor, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

// ProcessBatch handles POST /v1/admin/queue/process
func (h *Handler) ProcessBatch(c *gin.Context) {
	batch, err := h.engine.ProcessBatch(c.Request.Context())
	if errors.Is(err, queue.ErrQueueEmpty) {
		c.JSON(http.StatusOK, gin.H{"batch": nil, "message": "No pending payments"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch": batch})
}

// Sweep handles POST /v1/admin/sweep
func (h *Handler) Sweep(c *gin.Context) {
	res, err := h.engine.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sweep_incomplete",
			"message": err.Error(),
			"result":  res,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// DisconnectWallet handles DELETE /v1/admin/wallets/:wallet
func (h *Handler) DisconnectWallet(c *gin.Context) {
	n := h.engine.DisconnectWallet(c.Request.Context(), c.Param("wallet"))
	c.JSON(http.StatusOK, gin.H{"terminated": n})
}

type permissionRequest struct {
	Action   session.Action `json:"action"`
	Resource string         `json:"resource"`
}

// GrantPermission handles POST /v1/admin/sessions/:id/permissions
func (h *Handler) GrantPermission(c *gin.Context) {
	h.changePermission(c, true)
}

// RevokePermission handles DELETE /v1/admin/sessions/:id/permissions
func (h *Handler) RevokePermission(c *gin.Context) {
	h.changePermission(c, false)
}

func (h *Handler) changePermission(c *gin.Context, grant bool) {
	var req permissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !req.Action.Valid() {
		writeValidation(c, validation.ValidationErrors{{Field: "action", Message: "must be execute, read, write or admin"}})
		return
	}
	if errs := validation.Validate(
		validation.Required("resource", req.Resource),
		validation.MaxLength("resource", req.Resource, 256),
	); len(errs) > 0 {
		writeValidation(c, errs)
		return
	}

	var err error
	if grant {
		err = h.engine.GrantPermission(c.Request.Context(), c.Param("id"), req.Action, req.Resource)
	} else {
		err = h.engine.RevokePermission(c.Request.Context(), c.Param("id"), req.Action, req.Resource)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"granted": grant, "action": req.Action, "resource": req.Resource})
}

func writeValidation(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_failed",
		"message": errs.Error(),
		"details": errs,
	})
}

// statusFor maps engine and component errors to HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrProofRequired),
		errors.Is(err, ErrInvalidProof),
		errors.Is(err, ErrInsufficientPayment),
		errors.Is(err, ErrWrongRecipient),
		errors.Is(err, ErrWrongNetwork),
		errors.Is(err, ErrProofRejected):
		return http.StatusPaymentRequired, "payment_required"
	case errors.Is(err, ErrProofReplayed):
		return http.StatusConflict, "payment_replayed"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, verifier.ErrRecordNotFound):
		return http.StatusNotFound, "verification_not_found"
	case errors.Is(err, ErrEscrowNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrEscrowResolved), errors.Is(err, ErrTerminal):
		return http.StatusConflict, "conflict"
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusServiceUnavailable, "queue_full"
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidConfig),
		errors.Is(err, session.ErrInvalidRequest),
		errors.Is(err, queue.ErrInvalidRequest),
		errors.Is(err, queue.ErrInvalidAmount),
		errors.Is(err, queue.ErrInvalidPriority):
		return http.StatusBadRequest, "invalid_request"
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}
