package notify

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/peertrade/settlement/internal/idgen"
	"github.com/peertrade/settlement/internal/validation"
)

// Handler provides HTTP endpoints for subscription management.
type Handler struct {
	store Store
}

// NewHandler creates a new subscription handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up subscription routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users/:user_id/notifications", h.Create)
	r.GET("/users/:user_id/notifications", h.List)
	r.DELETE("/users/:user_id/notifications/:sub_id", h.Delete)
}

// CreateRequest registers a callback URL.
type CreateRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// Create handles POST /users/:user_id/notifications
func (h *Handler) Create(c *gin.Context) {
	userID := c.Param("user_id")
	if !validation.IsValidUserID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user", "message": "userId must be 1-64 chars of [a-zA-Z0-9_-]"})
		return
	}

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "url is required"})
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": "url must be an absolute http(s) URL"})
		return
	}

	secret := generateSecret()
	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		UserID:    userID,
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed", "message": "Failed to create subscription"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		// Shown once; deliveries are signed with it from now on.
		"secret": secret,
		"usage": gin.H{
			"signature": "HMAC-SHA256 over \"<timestamp>.<body>\" with the secret",
			"headers":   []string{"X-Settlement-Event", "X-Settlement-Timestamp", "X-Settlement-Signature"},
		},
	})
}

// List handles GET /users/:user_id/notifications
func (h *Handler) List(c *gin.Context) {
	subs, err := h.store.ListByUser(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": "Failed to list subscriptions"})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

// Delete handles DELETE /users/:user_id/notifications/:sub_id
func (h *Handler) Delete(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("sub_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription_not_found", "message": "No such subscription"})
		return
	}
	if sub.UserID != c.Param("user_id") {
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": "Subscription belongs to another user"})
		return
	}
	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "subscription_not_found", "message": "No such subscription"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed", "message": "Failed to delete subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
