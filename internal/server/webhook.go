package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	billingwebhookdomain "github.com/smallbiznis/tenantdesk/internal/billingwebhook/domain"
	"github.com/smallbiznis/tenantdesk/internal/observability/logger"
	"go.uber.org/zap"
)

const maxWebhookBodyBytes = 1 << 20

// HandleStripeWebhook answers in the provider-facing format rather than the
// API error envelope.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}
	if eventType := peekEventType(payload); eventType != "" {
		c.Set("stripe_event_type", eventType)
	}

	signature := strings.TrimSpace(c.GetHeader("Stripe-Signature"))
	result, err := s.dispatcher.IngestWebhook(ctx, payload, signature)
	switch {
	case err == nil:
	case errors.Is(err, billingwebhookdomain.ErrMissingSignature):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing signature"})
		return
	case errors.Is(err, billingwebhookdomain.ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
		return
	case errors.Is(err, billingwebhookdomain.ErrMalformedPayload):
		// signed but unusable; retrying the same bytes cannot succeed
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	default:
		logger.FromContext(ctx).Error("stripe webhook processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Processing failed",
			"message": err.Error(),
		})
		return
	}

	if result == billingwebhookdomain.ResultAlreadyProcessed {
		logger.FromContext(ctx).Debug("stripe webhook already processed")
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func peekEventType(payload []byte) string {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ""
	}
	return strings.TrimSpace(envelope.Type)
}
