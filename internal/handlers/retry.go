package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/chatforge/jobs-service/internal/queue"
)

// maxBulkRetry caps how many failed jobs a single bulk retry resets
const maxBulkRetry = 50

// RetryRequest optionally bounds a bulk retry below the cap
type RetryRequest struct {
	Limit int `json:"limit" jsonschema:"minimum=1,maximum=50"`
}

// RetryResponse reports how many jobs re-entered the pending pool
type RetryResponse struct {
	OK    bool `json:"ok" jsonschema:"required"`
	Reset int  `json:"reset" jsonschema:"required"`
}

// familyStore resolves the :family path param against the registered
// job-family stores
func familyStore(c *gin.Context, stores map[string]*queue.Store) *queue.Store {
	store, ok := stores[c.Param("family")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job family"})
		return nil
	}
	return store
}

// RetryJob handles POST /api/jobs/:family/:id/retry. Resets one failed
// job to pending with a fresh attempt budget.
func RetryJob(stores map[string]*queue.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		store := familyStore(c, stores)
		if store == nil {
			return
		}

		reset, err := store.Reset(c.Request.Context(), c.Param("id"))
		if err != nil {
			log.Error().Err(err).Str("family", store.Family()).Msg("Failed to reset job")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset job"})
			return
		}
		if !reset {
			// Unknown id, or the job is not in a failed state
			c.JSON(http.StatusNotFound, gin.H{"error": "no failed job with that id"})
			return
		}

		c.JSON(http.StatusOK, RetryResponse{OK: true, Reset: 1})
	}
}

// RetryAllFailed handles POST /api/jobs/:family/retry-failed. Bulk
// resets failed jobs, capped per call.
func RetryAllFailed(stores map[string]*queue.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		store := familyStore(c, stores)
		if store == nil {
			return
		}

		var req RetryRequest
		if c.Request.Body != nil && c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
		}
		limit := req.Limit
		if limit <= 0 || limit > maxBulkRetry {
			limit = maxBulkRetry
		}

		n, err := store.ResetFailed(c.Request.Context(), limit)
		if err != nil {
			log.Error().Err(err).Str("family", store.Family()).Msg("Failed to reset failed jobs")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset jobs"})
			return
		}

		c.JSON(http.StatusOK, RetryResponse{OK: true, Reset: n})
	}
}
