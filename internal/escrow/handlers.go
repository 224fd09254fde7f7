package escrow

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/peertrade/settlement/internal/money"
	"github.com/peertrade/settlement/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new escrow handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.Create)
	r.GET("/escrows/:id", h.Get)
	r.GET("/escrows/:id/dispute", h.GetDispute)
	r.GET("/users/:user_id/escrows", h.ListByUser)

	r.POST("/escrows/:id/accept", h.Accept)
	r.POST("/escrows/:id/fund-from-wallet", h.FundFromWallet)
	r.POST("/escrows/:id/activate", h.Activate)
	r.POST("/escrows/:id/deliver", h.MarkDelivered)
	r.POST("/escrows/:id/release", h.Release)
	r.POST("/escrows/:id/cancel", h.Cancel)
	r.POST("/escrows/:id/dispute", h.OpenDispute)
}

// RegisterAdminRoutes sets up arbitration routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/escrows/:id/resolve", h.ResolveDispute)
}

// respondErr maps service errors onto HTTP statuses with a stable code.
func respondErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "escrow_not_found", "message": "Escrow does not exist"})
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "dispute_not_found", "message": "No dispute for this escrow"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": "Not a party to this escrow operation"})
	case errors.Is(err, ErrTerminalState):
		c.JSON(http.StatusConflict, gin.H{"error": "terminal_state", "message": "Escrow is final and cannot change"})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, ErrDisputeResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "dispute_resolved", "message": "Dispute already resolved"})
	case errors.Is(err, ErrBusy):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy", "message": "Escrow is busy, retry shortly"})
	case errors.Is(err, money.ErrInvalidAmount), errors.Is(err, money.ErrInvalidCurrency), errors.Is(err, money.ErrInvalidPercent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "escrow_error", "message": err.Error()})
	}
}

// Create handles POST /escrows
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if !validation.IsValidUserID(req.BuyerID) || !validation.IsValidUserID(req.SellerID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user", "message": "buyerId and sellerId must be 1-64 chars of [a-zA-Z0-9_-]"})
		return
	}

	e, err := h.svc.Create(c.Request.Context(), req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// Get handles GET /escrows/:id
func (h *Handler) Get(c *gin.Context) {
	e, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// GetDispute handles GET /escrows/:id/dispute
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.svc.GetDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListByUser handles GET /users/:user_id/escrows
func (h *Handler) ListByUser(c *gin.Context) {
	escrows, err := h.svc.ListByUser(c.Request.Context(), c.Param("user_id"), 50)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows)})
}

// ActionRequest identifies the acting party for a transition.
type ActionRequest struct {
	UserID string `json:"userId" binding:"required"`
	Reason string `json:"reason"`
}

func bindAction(c *gin.Context) (*ActionRequest, bool) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId is required"})
		return nil, false
	}
	if !validation.IsValidUserID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user", "message": "userId must be 1-64 chars of [a-zA-Z0-9_-]"})
		return nil, false
	}
	return &req, true
}

func (h *Handler) action(c *gin.Context, fn func(id, userID, reason string) (*Escrow, error)) {
	req, ok := bindAction(c)
	if !ok {
		return
	}
	e, err := fn(c.Param("id"), req.UserID, req.Reason)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// Accept handles POST /escrows/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	h.action(c, func(id, userID, _ string) (*Escrow, error) {
		return h.svc.Accept(c.Request.Context(), id, userID)
	})
}

// FundFromWallet handles POST /escrows/:id/fund-from-wallet
func (h *Handler) FundFromWallet(c *gin.Context) {
	req, ok := bindAction(c)
	if !ok {
		return
	}
	e, err := h.svc.FundFromWallet(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, ErrEscrowNotFound), errors.Is(err, ErrUnauthorized),
			errors.Is(err, ErrTerminalState), errors.Is(err, ErrInvalidTransition),
			errors.Is(err, ErrBusy):
			respondErr(c, err)
		default:
			// Settler rejections (e.g. insufficient funds) carry the reason.
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "funding_failed", "message": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// Activate handles POST /escrows/:id/activate
func (h *Handler) Activate(c *gin.Context) {
	h.action(c, func(id, userID, _ string) (*Escrow, error) {
		return h.svc.Activate(c.Request.Context(), id, userID)
	})
}

// MarkDelivered handles POST /escrows/:id/deliver
func (h *Handler) MarkDelivered(c *gin.Context) {
	h.action(c, func(id, userID, _ string) (*Escrow, error) {
		return h.svc.MarkDelivered(c.Request.Context(), id, userID)
	})
}

// Release handles POST /escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	h.action(c, func(id, userID, _ string) (*Escrow, error) {
		return h.svc.Release(c.Request.Context(), id, userID)
	})
}

// Cancel handles POST /escrows/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	h.action(c, func(id, userID, reason string) (*Escrow, error) {
		if reason == "" {
			reason = "cancelled_by_" + userID
		}
		return h.svc.Cancel(c.Request.Context(), id, userID, reason)
	})
}

// OpenDispute handles POST /escrows/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	req, ok := bindAction(c)
	if !ok {
		return
	}
	if req.Reason == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason is required"})
		return
	}
	e, err := h.svc.OpenDispute(c.Request.Context(), c.Param("id"), req.UserID, req.Reason)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ResolveDispute handles POST /admin/escrows/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req struct {
		BuyerPct *int   `json:"buyerPct" binding:"required"`
		Note     string `json:"note"`
		Resolver string `json:"resolver"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "buyerPct is required"})
		return
	}
	resolver := req.Resolver
	if resolver == "" {
		resolver = "arbitrator"
	}

	e, err := h.svc.ResolveDispute(c.Request.Context(), c.Param("id"), resolver, ResolveRequest{
		BuyerPct: *req.BuyerPct,
		Note:     req.Note,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}
