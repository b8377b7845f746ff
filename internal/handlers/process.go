package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chatforge/jobs-service/internal/queue"
	"github.com/chatforge/jobs-service/internal/takeover"
)

// Hard per-request ceilings on trigger batch sizes. Defaults are tunable
// in config; the ceilings are not, they bound how much work one trigger
// call can lease.
const (
	EmbeddingBatchMax = 20
	LineBatchMax      = 20
	TakeoverBatchMax  = 50
)

// CycleRunner runs one bounded processing cycle for a job family
type CycleRunner interface {
	RunCycle(ctx context.Context, batch int, workerID string) (queue.Summary, error)
}

// Sweeper runs one takeover-expiry sweep
type Sweeper interface {
	Sweep(ctx context.Context, batch int, workerID string) (takeover.Summary, error)
}

// ProcessRequest is the body accepted by every trigger endpoint
type ProcessRequest struct {
	BatchSize int `json:"batchSize" jsonschema:"minimum=1"`
}

// ProcessResponse reports one cycle's aggregate counts. Per-job failures
// never change the status code; only auth and store availability do.
type ProcessResponse struct {
	OK        bool `json:"ok" jsonschema:"required"`
	Processed int  `json:"processed" jsonschema:"required"`
	Succeeded int  `json:"succeeded" jsonschema:"required"`
	Failed    int  `json:"failed" jsonschema:"required"`
}

// SweepResponse reports one takeover sweep
type SweepResponse struct {
	OK        bool `json:"ok" jsonschema:"required"`
	Processed int  `json:"processed" jsonschema:"required"`
	Responded int  `json:"responded" jsonschema:"required"`
	Failed    int  `json:"failed" jsonschema:"required"`
}

// batchSize applies the default and the per-endpoint cap to a requested
// batch size. Batch caps are the only backpressure mechanism.
func batchSize(requested, def, max int) int {
	if requested <= 0 {
		return def
	}
	if requested > max {
		return max
	}
	return requested
}

// ProcessCycle builds the trigger handler for one job family.
// POST with {batchSize?}; 200 with aggregate counts, 503 if the store is
// unreachable.
func ProcessCycle(runner CycleRunner, workerPrefix string, defaultBatch, maxBatch int) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ProcessRequest
		if c.Request.Body != nil && c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
		}

		summary, err := runner.RunCycle(
			c.Request.Context(),
			batchSize(req.BatchSize, defaultBatch, maxBatch),
			queue.WorkerID(workerPrefix),
		)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job store unavailable"})
			return
		}

		c.JSON(http.StatusOK, ProcessResponse{
			OK:        true,
			Processed: summary.Processed,
			Succeeded: summary.Succeeded,
			Failed:    summary.Failed,
		})
	}
}

// SweepTakeovers builds the takeover-expiry trigger handler
func SweepTakeovers(sweeper Sweeper, defaultBatch, maxBatch int) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ProcessRequest
		if c.Request.Body != nil && c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
		}

		summary, err := sweeper.Sweep(
			c.Request.Context(),
			batchSize(req.BatchSize, defaultBatch, maxBatch),
			queue.WorkerID("takeover"),
		)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
			return
		}

		c.JSON(http.StatusOK, SweepResponse{
			OK:        true,
			Processed: summary.Processed,
			Responded: summary.Responded,
			Failed:    summary.Failed,
		})
	}
}
