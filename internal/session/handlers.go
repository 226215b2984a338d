package session

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paymeter/internal/validation"
)

// HeaderSessionID carries the session bearer. A session id is a credential:
// only its holder and operators ever see it.
const HeaderSessionID = "X-Session-ID"

const holderKey = "session_holder"

// RequireHolder admits requests whose X-Session-ID names a live session and
// stores that session for Holder.
func RequireHolder(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		sid := c.GetHeader(HeaderSessionID)
		if sid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": HeaderSessionID + " header is required",
			})
			return
		}
		s, err := m.Get(c.Request.Context(), sid)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Session not found or expired",
			})
			return
		}
		c.Set(holderKey, s)
		c.Next()
	}
}

// Holder returns the session stored by RequireHolder, or nil.
func Holder(c *gin.Context) *Session {
	if v, ok := c.Get(holderKey); ok {
		if s, ok := v.(*Session); ok {
			return s
		}
	}
	return nil
}

// Handler provides HTTP endpoints for session inspection and revocation.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new session handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up session routes. A session is only readable and
// revocable by the caller holding it.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	holder := RequireHolder(h.manager)
	r.GET("/sessions/stats", h.GetStats)
	r.GET("/sessions/:id", holder, h.GetSession)
	r.DELETE("/sessions/:id", holder, h.TerminateSession)
}

// RegisterAdminRoutes sets up operator routes that act on any wallet.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:wallet/sessions", h.ListWalletSessions)
	r.DELETE("/wallets/:wallet/sessions", h.TerminateWalletSessions)
}

// GetSession handles GET /v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	s := Holder(c)
	if s == nil || s.ID != c.Param("id") {
		writeError(c, ErrSessionNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}

// TerminateSession handles DELETE /v1/sessions/:id
func (h *Handler) TerminateSession(c *gin.Context) {
	s := Holder(c)
	if s == nil || s.ID != c.Param("id") {
		writeError(c, ErrSessionNotFound)
		return
	}
	if err := h.manager.Terminate(c.Request.Context(), s.ID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"terminated": true})
}

// ListWalletSessions handles GET /v1/admin/wallets/:wallet/sessions
func (h *Handler) ListWalletSessions(c *gin.Context) {
	wallet := validation.SanitizeAddress(c.Param("wallet"))
	sessions := h.manager.WalletSessions(c.Request.Context(), wallet)
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// TerminateWalletSessions handles DELETE /v1/admin/wallets/:wallet/sessions
func (h *Handler) TerminateWalletSessions(c *gin.Context) {
	wallet := validation.SanitizeAddress(c.Param("wallet"))
	n := h.manager.TerminateAllForWallet(c.Request.Context(), wallet)
	c.JSON(http.StatusOK, gin.H{"terminated": n})
}

// GetStats handles GET /v1/sessions/stats
func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Stats())
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Session not found or expired",
		})
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
