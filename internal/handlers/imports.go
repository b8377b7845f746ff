package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/chatforge/jobs-service/internal/database"
	"github.com/chatforge/jobs-service/internal/importer"
	"github.com/chatforge/jobs-service/internal/middleware"
	"github.com/chatforge/jobs-service/internal/queue"
)

// ImportService is the importer surface the handlers use
type ImportService interface {
	CreateJob(ctx context.Context, teamID, baseURL string, limit int) (*database.ImportJob, error)
	GetJob(ctx context.Context, jobID string) (*database.ImportJob, error)
	ProcessJob(ctx context.Context, jobID string, batch int, workerID string) (*importer.JobSummary, error)
}

const (
	defaultImportLimit = 50
	maxImportLimit     = 200
	defaultImportBatch = 5
	maxImportBatch     = 20
)

// CreateImportRequest starts an import of a website
type CreateImportRequest struct {
	BaseURL string `json:"baseUrl" binding:"required" jsonschema:"required,format=uri"`
	Limit   int    `json:"limit" jsonschema:"minimum=1,maximum=200"`
}

// ProcessImportRequest runs one processing pass over an import job
type ProcessImportRequest struct {
	JobID     string `json:"jobId" binding:"required" jsonschema:"required"`
	BatchSize int    `json:"batchSize" jsonschema:"minimum=1"`
}

// CreateImport handles POST /api/imports
func CreateImport(svc ImportService) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.GetIdentity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req CreateImportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "baseUrl is required"})
			return
		}
		limit := req.Limit
		if limit <= 0 {
			limit = defaultImportLimit
		}
		if limit > maxImportLimit {
			limit = maxImportLimit
		}

		job, err := svc.CreateJob(c.Request.Context(), identity.TeamID, req.BaseURL, limit)
		if err != nil {
			log.Error().Err(err).Str("base_url", req.BaseURL).Msg("Failed to create import job")
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to discover import targets"})
			return
		}

		c.JSON(http.StatusCreated, job)
	}
}

// ProcessImport handles POST /api/imports/process. Unlike the worker
// triggers this requires a signed-in user, and the job must belong to
// the caller's team.
func ProcessImport(svc ImportService) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.GetIdentity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req ProcessImportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "jobId is required"})
			return
		}

		ctx := c.Request.Context()
		if !importJobVisible(ctx, c, svc, req.JobID, identity) {
			return
		}

		summary, err := svc.ProcessJob(ctx, req.JobID,
			batchSize(req.BatchSize, defaultImportBatch, maxImportBatch),
			queue.WorkerID("import"))
		if err != nil {
			if errors.Is(err, importer.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "import job not found"})
				return
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job store unavailable"})
			return
		}

		c.JSON(http.StatusOK, summary)
	}
}

// GetImport handles GET /api/imports/:id
func GetImport(svc ImportService) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.GetIdentity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		jobID := c.Param("id")
		ctx := c.Request.Context()
		if !importJobVisible(ctx, c, svc, jobID, identity) {
			return
		}

		job, err := svc.GetJob(ctx, jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load import job"})
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// importJobVisible enforces team scoping. An unknown id and another
// team's id both read as 404, so existence never leaks across teams.
func importJobVisible(ctx context.Context, c *gin.Context, svc ImportService, jobID string, identity middleware.Identity) bool {
	job, err := svc.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, importer.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "import job not found"})
			return false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load import job"})
		return false
	}
	if job.TeamID != identity.TeamID {
		c.JSON(http.StatusNotFound, gin.H{"error": "import job not found"})
		return false
	}
	return true
}
