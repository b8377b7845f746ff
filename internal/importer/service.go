// Package importer is the website-import job family: an import job is a
// parent aggregate over many import items (one discovered URL each).
// Items run through the shared queue engine; terminal item outcomes move
// the parent's counters, and the parent completes when every item is
// accounted for, regardless of individual failures.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/chatforge/jobs-service/internal/database"
	"github.com/chatforge/jobs-service/internal/queue"
)

// Table is the family table for import items
const Table = "import_items"

// ErrNotFound is returned when the referenced import job does not exist
var ErrNotFound = errors.New("import job not found")

const (
	defaultChunkSize  = 1000
	maxRecentFailures = 20
)

type ItemPayload struct {
	JobID  string `json:"job_id"`
	TeamID string `json:"team_id"`
	URL    string `json:"url"`
}

// JobSummary is the aggregate view returned to callers after a
// processing pass
type JobSummary struct {
	database.ImportJob
	RecentFailures []string      `json:"recent_failures"`
	Cycle          queue.Summary `json:"cycle"`
}

type Service struct {
	pool       *pgxpool.Pool
	items      *queue.Store
	embeddings DocumentEnqueuer
	httpClient *http.Client
	logger     *zerolog.Logger
}

// DocumentEnqueuer chains a freshly imported document into the embedding
// queue
type DocumentEnqueuer interface {
	EnqueueDocument(ctx context.Context, documentID string) (int, error)
}

func NewService(pool *pgxpool.Pool, items *queue.Store, embeddings DocumentEnqueuer, logger *zerolog.Logger) *Service {
	return &Service{
		pool:       pool,
		items:      items,
		embeddings: embeddings,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

func (s *Service) Items() *queue.Store { return s.items }

// CreateJob discovers links under baseURL and creates the parent job plus
// one item per link. A base page with no links yields a single-item job.
func (s *Service) CreateJob(ctx context.Context, teamID, baseURL string, limit int) (*database.ImportJob, error) {
	links, err := DiscoverLinks(ctx, s.httpClient, baseURL, limit)
	if err != nil {
		return nil, fmt.Errorf("link discovery failed: %w", err)
	}

	jobID := uuid.NewString()
	status := "processing"
	if len(links) == 0 {
		status = "completed"
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO import_jobs (id, team_id, base_url, status, total_count)
		VALUES ($1, $2, $3, $4, $5)
	`, jobID, teamID, baseURL, status, len(links))
	if err != nil {
		return nil, fmt.Errorf("failed to create import job: %w", err)
	}

	for _, link := range links {
		if _, err := s.items.EnqueueGroup(ctx, jobID, ItemPayload{
			JobID:  jobID,
			TeamID: teamID,
			URL:    link,
		}); err != nil {
			return nil, fmt.Errorf("failed to enqueue import item: %w", err)
		}
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("base_url", baseURL).
		Int("items", len(links)).
		Msg("Created import job")
	return s.loadJob(ctx, jobID)
}

// GetJob loads the parent aggregate; ErrNotFound for an unknown id
func (s *Service) GetJob(ctx context.Context, jobID string) (*database.ImportJob, error) {
	return s.loadJob(ctx, jobID)
}

// ProcessJob runs one bounded processing pass over the job's pending
// items and returns the refreshed aggregate. ErrNotFound if the job does
// not exist.
func (s *Service) ProcessJob(ctx context.Context, jobID string, batch int, workerID string) (*JobSummary, error) {
	if _, err := s.loadJob(ctx, jobID); err != nil {
		return nil, err
	}

	runner := queue.NewRunner(groupSource{Store: s.items, group: jobID}, s.itemHandler(), s.logger).
		WithResultFunc(s.recordOutcome)

	cycle, err := runner.RunCycle(ctx, batch, workerID)
	if err != nil {
		return nil, err
	}

	// A recompute dropped mid-cycle would otherwise strand the parent in
	// 'processing' with settled items.
	if err := s.reconcile(ctx, jobID); err != nil {
		return nil, err
	}

	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	failures, err := s.recentFailures(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobSummary{ImportJob: *job, RecentFailures: failures, Cycle: cycle}, nil
}

// groupSource scopes the shared item store to one parent job
type groupSource struct {
	*queue.Store
	group string
}

func (g groupSource) Lease(ctx context.Context, batch int, workerID string) ([]queue.Job, error) {
	return g.Store.LeaseGroup(ctx, g.group, batch, workerID)
}

// recordOutcome moves the parent counters on terminal item outcomes only;
// an item headed back to pending stays unaccounted until it settles.
func (s *Service) recordOutcome(ctx context.Context, job queue.Job, outcome queue.Outcome) {
	if outcome == queue.OutcomeRetrying {
		return
	}
	if job.GroupKey == nil {
		return
	}
	if err := s.reconcile(ctx, *job.GroupKey); err != nil {
		s.logger.Error().Err(err).Str("job_id", *job.GroupKey).Msg("Failed to update import counters")
	}
}

// reconcile recomputes the parent counters from the item rows themselves.
// Counters are derived, not incremented, so a recompute lost to a
// transient error is repaired by the next one. The parent goes terminal
// only once every item is accounted for; partial failures do not block
// completion.
func (s *Service) reconcile(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE import_jobs j
		SET processed_count = c.processed,
		    success_count = c.succeeded,
		    failure_count = c.failed,
		    status = CASE
		        WHEN j.status = 'processing' AND c.processed >= j.total_count THEN 'completed'
		        ELSE j.status
		    END,
		    updated_at = NOW()
		FROM (
			SELECT COUNT(*) FILTER (WHERE status IN ('completed', 'failed')) AS processed,
			       COUNT(*) FILTER (WHERE status = 'completed') AS succeeded,
			       COUNT(*) FILTER (WHERE status = 'failed') AS failed
			FROM import_items
			WHERE group_key = $1
		) c
		WHERE j.id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("failed to reconcile import counters: %w", err)
	}
	return nil
}

// itemHandler fetches one URL, persists the document and its chunks, and
// chains the document into the embedding queue.
func (s *Service) itemHandler() queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		var p ItemPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal import payload: %w", err)
		}

		html, err := fetchPage(ctx, s.httpClient, p.URL)
		if err != nil {
			return err
		}

		title, text := ExtractContent(html)
		if text == "" {
			return fmt.Errorf("no readable content at %s", p.URL)
		}

		docID, err := s.upsertDocument(ctx, p.TeamID, p.URL, title, ChunkText(text, defaultChunkSize))
		if err != nil {
			return err
		}

		if _, err := s.embeddings.EnqueueDocument(ctx, docID); err != nil {
			return fmt.Errorf("failed to enqueue embeddings: %w", err)
		}
		return nil
	}
}

func (s *Service) upsertDocument(ctx context.Context, teamID, sourceURL, title string, chunks []string) (string, error) {
	var titlePtr *string
	if title != "" {
		titlePtr = &title
	}

	var docID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO documents (id, team_id, source_url, title)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (team_id, source_url) WHERE source_url IS NOT NULL
		DO UPDATE SET title = EXCLUDED.title, updated_at = NOW()
		RETURNING id
	`, uuid.NewString(), teamID, sourceURL, titlePtr).Scan(&docID)
	if err != nil {
		return "", fmt.Errorf("failed to upsert document: %w", err)
	}

	// Re-imports replace the chunk set wholesale
	if _, err := s.pool.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, docID); err != nil {
		return "", fmt.Errorf("failed to clear old chunks: %w", err)
	}
	for i, chunk := range chunks {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO document_chunks (id, document_id, position, content)
			VALUES ($1, $2, $3, $4)
		`, uuid.NewString(), docID, i, chunk)
		if err != nil {
			return "", fmt.Errorf("failed to insert chunk: %w", err)
		}
	}
	return docID, nil
}

func (s *Service) loadJob(ctx context.Context, jobID string) (*database.ImportJob, error) {
	var job database.ImportJob
	err := s.pool.QueryRow(ctx, `
		SELECT id, team_id, base_url, status,
		       total_count, processed_count, success_count, failure_count,
		       created_at, updated_at
		FROM import_jobs
		WHERE id = $1
	`, jobID).Scan(
		&job.ID, &job.TeamID, &job.BaseURL, &job.Status,
		&job.TotalCount, &job.ProcessedCount, &job.SuccessCount, &job.FailureCount,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load import job: %w", err)
	}
	return &job, nil
}

func (s *Service) recentFailures(ctx context.Context, jobID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT error FROM import_items
		WHERE group_key = $1 AND status = 'failed' AND error IS NOT NULL
		ORDER BY updated_at DESC
		LIMIT $2
	`, jobID, maxRecentFailures)
	if err != nil {
		return nil, fmt.Errorf("failed to list item failures: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var msg string
		err := row.Scan(&msg)
		return msg, err
	})
}
