package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/chatforge/jobs-service/internal/queue"
)

// stuckThreshold is how old a processing lock must be before a job is
// reported as stuck
const stuckThreshold = 5 * time.Minute

// FamilyStats is the per-family diagnostic block
type FamilyStats struct {
	Pending    int        `json:"pending" jsonschema:"required"`
	Processing int        `json:"processing" jsonschema:"required"`
	Completed  int        `json:"completed" jsonschema:"required"`
	Failed     int        `json:"failed" jsonschema:"required"`
	Stuck      []StuckJob `json:"stuck"`
}

// StuckJob describes a processing row with a stale lock
type StuckJob struct {
	ID       string    `json:"id" jsonschema:"required"`
	LockedBy string    `json:"lockedBy"`
	LockedAt time.Time `json:"lockedAt"`
	Attempts int       `json:"attempts"`
}

// StatsResponse maps family name to its stats
type StatsResponse struct {
	Families map[string]FamilyStats `json:"families" jsonschema:"required"`
}

// JobStats handles GET /api/jobs/stats
func JobStats(stores map[string]*queue.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		resp := StatsResponse{Families: make(map[string]FamilyStats, len(stores))}

		for name, store := range stores {
			counts, err := store.CountByStatus(ctx)
			if err != nil {
				log.Error().Err(err).Str("family", name).Msg("Failed to count jobs")
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job store unavailable"})
				return
			}

			stuck, err := store.Stuck(ctx, stuckThreshold)
			if err != nil {
				log.Error().Err(err).Str("family", name).Msg("Failed to list stuck jobs")
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job store unavailable"})
				return
			}

			stats := FamilyStats{
				Pending:    counts[queue.StatusPending],
				Processing: counts[queue.StatusProcessing],
				Completed:  counts[queue.StatusCompleted],
				Failed:     counts[queue.StatusFailed],
			}
			for i, job := range stuck {
				if i >= 20 {
					break
				}
				s := StuckJob{ID: job.ID, Attempts: job.Attempts}
				if job.LockedBy != nil {
					s.LockedBy = *job.LockedBy
				}
				if job.LockedAt != nil {
					s.LockedAt = *job.LockedAt
				}
				stats.Stuck = append(stats.Stuck, s)
			}
			resp.Families[name] = stats
		}

		c.JSON(http.StatusOK, resp)
	}
}
