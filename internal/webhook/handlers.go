package webhook

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/peertrade/settlement/internal/escrow"
	"github.com/peertrade/settlement/internal/metrics"
)

// Handler exposes the provider callback endpoint.
type Handler struct {
	pipeline  *Pipeline
	providers map[string]Provider
	logger    *slog.Logger
}

// NewHandler creates a webhook handler for the given provider adapters.
func NewHandler(pipeline *Pipeline, providers []Provider, logger *slog.Logger) *Handler {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Handler{pipeline: pipeline, providers: byName, logger: logger}
}

// RegisterRoutes sets up webhook routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/:provider", h.Receive)
}

// Receive handles POST /webhooks/:provider
func (h *Handler) Receive(c *gin.Context) {
	name := c.Param("provider")
	provider, ok := h.providers[name]
	if !ok {
		metrics.WebhookEventsTotal.WithLabelValues(name, "unknown_provider").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_provider", "message": "No such payment provider"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Could not read request body"})
		return
	}

	ev, err := provider.Verify(c.Request, body)
	if err != nil {
		switch {
		case errors.Is(err, ErrBadSignature):
			metrics.WebhookEventsTotal.WithLabelValues(name, "bad_signature").Inc()
			h.logger.Warn("webhook signature rejected", "provider", name, "remote", c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad_signature", "message": "Signature verification failed"})
		default:
			metrics.WebhookEventsTotal.WithLabelValues(name, "bad_payload").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload", "message": err.Error()})
		}
		return
	}

	outcome, err := h.pipeline.Process(c.Request.Context(), ev)
	if err != nil {
		switch {
		case errors.Is(err, ErrStaleTimestamp):
			c.JSON(http.StatusBadRequest, gin.H{"error": "stale_timestamp", "message": "Event timestamp outside acceptance window"})
		case errors.Is(err, escrow.ErrEscrowNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "escrow_not_found", "message": "Referenced escrow does not exist"})
		case errors.Is(err, escrow.ErrCurrencyMismatch):
			c.JSON(http.StatusBadRequest, gin.H{"error": "currency_mismatch", "message": err.Error()})
		case errors.Is(err, escrow.ErrInvalidTransition), errors.Is(err, escrow.ErrTerminalState):
			c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
		case errors.Is(err, escrow.ErrBusy):
			// The trade lock is held; the provider should redeliver.
			c.Header("Retry-After", "1")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy", "message": "Trade is busy, retry delivery"})
		case errors.Is(err, ErrNotVerified):
			c.JSON(http.StatusInternalServerError, gin.H{"error": "not_verified", "message": "Event not durably recorded, retry delivery"})
		default:
			h.logger.Error("webhook processing failed",
				"provider", name, "eventId", ev.ExternalID, "escrowId", ev.EscrowID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook_error", "message": "Internal error, retry delivery"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"status":   outcome.Status,
		"eventId":  ev.ExternalID,
	})
}
