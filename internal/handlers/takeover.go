package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/chatforge/jobs-service/internal/database"
	"github.com/chatforge/jobs-service/internal/middleware"
	"github.com/chatforge/jobs-service/internal/takeover"
)

const (
	defaultTakeoverMinutes = 30
	maxTakeoverMinutes     = 8 * 60
)

// TakeoverRequest opens or extends a human-takeover window
type TakeoverRequest struct {
	DurationMinutes int  `json:"durationMinutes" jsonschema:"minimum=1,maximum=480"`
	Extend          bool `json:"extend"`
}

// TakeoverResponse reports whether the window changed
type TakeoverResponse struct {
	OK      bool      `json:"ok" jsonschema:"required"`
	Until   time.Time `json:"until"`
	Applied bool      `json:"applied" jsonschema:"required"`
}

// OpenTakeover handles POST /api/conversations/:id/takeover. Extending
// after the sweeper already cleared the flag reports applied=false; the
// conditional updates on both sides make the race safe.
func OpenTakeover() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.GetIdentity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req TakeoverRequest
		if c.Request.Body != nil && c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
		}
		minutes := req.DurationMinutes
		if minutes <= 0 {
			minutes = defaultTakeoverMinutes
		}
		if minutes > maxTakeoverMinutes {
			minutes = maxTakeoverMinutes
		}
		duration := time.Duration(minutes) * time.Minute

		convID := c.Param("id")
		ctx := c.Request.Context()

		var teamID string
		err := database.Pool().QueryRow(ctx, `
			SELECT team_id FROM conversations WHERE id = $1
		`, convID).Scan(&teamID)
		if err != nil {
			if err == pgx.ErrNoRows {
				c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "conversation lookup failed"})
			return
		}
		if teamID != identity.TeamID {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}

		var applied bool
		if req.Extend {
			applied, err = takeover.Extend(ctx, database.Pool(), convID, duration)
		} else {
			applied, err = takeover.Open(ctx, database.Pool(), convID, duration)
		}
		if err != nil {
			log.Error().Err(err).Str("conversation_id", convID).Msg("Failed to update takeover")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update takeover"})
			return
		}

		c.JSON(http.StatusOK, TakeoverResponse{
			OK:      true,
			Until:   time.Now().Add(duration),
			Applied: applied,
		})
	}
}
