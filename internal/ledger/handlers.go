package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peertrade/settlement/internal/metrics"
	"github.com/peertrade/settlement/internal/money"
	"github.com/peertrade/settlement/internal/pagination"
	"github.com/peertrade/settlement/internal/validation"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new wallet handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:user_id/:currency", h.GetWallet)
	r.GET("/wallets/:user_id/:currency/transactions", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only wallet routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/wallets/deposit", h.Deposit)
	r.POST("/admin/wallets/withdraw", h.Withdraw)
	r.POST("/admin/wallets/bonus", h.GrantBonus)
	r.POST("/admin/wallets/reserve", h.Reserve)
	r.POST("/admin/wallets/release-reservation", h.ReleaseReservation)
}

// GetWallet handles GET /wallets/:user_id/:currency
func (h *Handler) GetWallet(c *gin.Context) {
	userID := c.Param("user_id")
	currency, err := money.NormalizeCurrency(c.Param("currency"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_currency",
			"message": "Currency must be a 3-5 letter code",
		})
		return
	}

	wallet, err := h.svc.GetWallet(c.Request.Context(), userID, currency)
	if err != nil {
		metrics.WalletOpsTotal.WithLabelValues("get", "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to retrieve wallet",
		})
		return
	}

	metrics.WalletOpsTotal.WithLabelValues("get", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"wallet": wallet})
}

// GetHistory handles GET /wallets/:user_id/:currency/transactions
func (h *Handler) GetHistory(c *gin.Context) {
	userID := c.Param("user_id")
	currency, err := money.NormalizeCurrency(c.Param("currency"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_currency",
			"message": "Currency must be a 3-5 letter code",
		})
		return
	}

	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	txs, next, err := h.svc.GetHistory(c.Request.Context(), userID, currency, c.Query("cursor"), limit)
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "Cursor is not a valid page position",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to retrieve transactions",
		})
		return
	}

	resp := gin.H{
		"transactions": txs,
		"count":        len(txs),
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// MovementRequest is the body for admin deposit/withdraw/bonus.
type MovementRequest struct {
	UserID    string `json:"userId" binding:"required"`
	Currency  string `json:"currency" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

func (h *Handler) bindMovement(c *gin.Context) (*MovementRequest, bool) {
	var req MovementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return nil, false
	}
	if !validation.IsValidUserID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user",
			"message": "userId must be 1-64 chars of [a-zA-Z0-9_-]",
		})
		return nil, false
	}
	currency, err := money.NormalizeCurrency(req.Currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_currency",
			"message": "Currency must be a 3-5 letter code",
		})
		return nil, false
	}
	req.Currency = currency
	return &req, true
}

// Deposit handles POST /admin/wallets/deposit
func (h *Handler) Deposit(c *gin.Context) {
	req, ok := h.bindMovement(c)
	if !ok {
		return
	}
	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal number",
		})
		return
	}

	if err := h.svc.Deposit(c.Request.Context(), req.UserID, req.Currency, amount, req.Reference); err != nil {
		metrics.WalletOpsTotal.WithLabelValues("deposit", "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "deposit_error",
			"message": "Failed to record deposit",
		})
		return
	}

	metrics.WalletOpsTotal.WithLabelValues("deposit", "ok").Inc()
	c.JSON(http.StatusCreated, gin.H{"status": "credited"})
}

// Withdraw handles POST /admin/wallets/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	req, ok := h.bindMovement(c)
	if !ok {
		return
	}
	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal number",
		})
		return
	}

	err = h.svc.Withdraw(c.Request.Context(), req.UserID, req.Currency, amount, req.Reference)
	if err != nil {
		metrics.WalletOpsTotal.WithLabelValues("withdraw", "error").Inc()
		switch err {
		case ErrInsufficientFunds:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "insufficient_funds",
				"message": "Insufficient available balance",
			})
		case ErrWalletNotFound:
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "wallet_not_found",
				"message": "Wallet does not exist",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "withdrawal_error",
				"message": "Failed to process withdrawal",
			})
		}
		return
	}

	metrics.WalletOpsTotal.WithLabelValues("withdraw", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "debited"})
}

// Reserve handles POST /admin/wallets/reserve
func (h *Handler) Reserve(c *gin.Context) {
	req, ok := h.bindMovement(c)
	if !ok {
		return
	}
	if req.Reference == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_reference",
			"message": "A reservation needs a reference to tie it to a trade",
		})
		return
	}
	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal number",
		})
		return
	}

	err = h.svc.Reserve(c.Request.Context(), req.UserID, req.Currency, amount, req.Reference)
	if err != nil {
		metrics.WalletOpsTotal.WithLabelValues("reserve", "error").Inc()
		switch {
		case errors.Is(err, ErrInsufficientFunds):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "insufficient_funds",
				"message": "Insufficient balance to reserve",
			})
		case errors.Is(err, ErrDuplicateTransaction):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_reserved",
				"message": "A reservation for this reference already exists",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "reserve_error",
				"message": "Failed to reserve funds",
			})
		}
		return
	}

	metrics.WalletOpsTotal.WithLabelValues("reserve", "ok").Inc()
	c.JSON(http.StatusCreated, gin.H{"status": "reserved"})
}

// ReservationRequest is the body for releasing a reservation.
type ReservationRequest struct {
	UserID    string `json:"userId" binding:"required"`
	Currency  string `json:"currency" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}

// ReleaseReservation handles POST /admin/wallets/release-reservation
func (h *Handler) ReleaseReservation(c *gin.Context) {
	var req ReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	currency, err := money.NormalizeCurrency(req.Currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_currency",
			"message": "Currency must be a 3-5 letter code",
		})
		return
	}

	err = h.svc.ReleaseReservation(c.Request.Context(), req.UserID, currency, req.Reference)
	if err != nil {
		metrics.WalletOpsTotal.WithLabelValues("release_reservation", "error").Inc()
		switch {
		case errors.Is(err, ErrNoReservation):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "no_reservation",
				"message": "No open reservation for this reference",
			})
		case errors.Is(err, ErrDuplicateTransaction):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_released",
				"message": "Reservation was already released",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "release_error",
				"message": "Failed to release reservation",
			})
		}
		return
	}

	metrics.WalletOpsTotal.WithLabelValues("release_reservation", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "released"})
}

// GrantBonus handles POST /admin/wallets/bonus
func (h *Handler) GrantBonus(c *gin.Context) {
	req, ok := h.bindMovement(c)
	if !ok {
		return
	}
	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal number",
		})
		return
	}

	if err := h.svc.GrantBonus(c.Request.Context(), req.UserID, req.Currency, amount, req.Reference); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "bonus_error",
			"message": "Failed to grant bonus",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": "granted"})
}
