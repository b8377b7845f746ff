package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/chatforge/jobs-service/internal/database"
	"github.com/chatforge/jobs-service/internal/lineevents"
	"github.com/chatforge/jobs-service/internal/queue"
)

// LineSignatureHeader carries the provider's HMAC signature
const LineSignatureHeader = "x-line-signature"

const maxWebhookBody = 1 << 20 // 1 MiB

// LineIntake is the lineevents surface the webhook handler uses
type LineIntake interface {
	Integration(ctx context.Context, id string) (*database.Integration, error)
	Intake(ctx context.Context, integrationID string, events []lineevents.Event) (int, error)
	ProcessInline(ctx context.Context, justInserted int) queue.Summary
}

// WebhookResponse acknowledges receipt to the provider
type WebhookResponse struct {
	Received bool `json:"received" jsonschema:"required"`
}

// LineWebhook handles POST /webhooks/line/:integrationId.
// Once the signature verifies and the body parses, the response is 200
// regardless of what processing does later; the provider redelivers on
// anything else, and the dedupe upsert absorbs redeliveries.
func LineWebhook(svc LineIntake) gin.HandlerFunc {
	return func(c *gin.Context) {
		integrationID := c.Param("integrationId")

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}

		ctx := c.Request.Context()
		integration, err := svc.Integration(ctx, integrationID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "integration lookup failed"})
			return
		}
		if integration == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown integration"})
			return
		}

		signature := c.GetHeader(LineSignatureHeader)
		if !lineevents.ValidateSignature(integration.ChannelSecret, body, signature) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		events, err := lineevents.ParseTextEvents(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook body"})
			return
		}

		inserted, err := svc.Intake(ctx, integrationID, events)
		if err != nil {
			// Storage failed, so ask the provider to redeliver. The
			// upsert keeps the retry idempotent.
			log.Error().Err(err).Str("integration_id", integrationID).Msg("Failed to store webhook events")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store events"})
			return
		}

		// Low-latency path; the scheduled worker is the backstop
		svc.ProcessInline(ctx, inserted)

		c.JSON(http.StatusOK, WebhookResponse{Received: true})
	}
}
