// Package embeddings is the embedding-generation job family: one job per
// document chunk, produced at ingestion time and processed by worker
// cycles that call the embedding API and store the vector on the chunk.
package embeddings

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/chatforge/jobs-service/internal/queue"
)

// Table is the family table for embedding jobs
const Table = "embedding_jobs"

type Payload struct {
	DocumentID string `json:"document_id"`
	ChunkID    string `json:"chunk_id"`
}

type Service struct {
	pool     *pgxpool.Pool
	store    *queue.Store
	embedder Embedder
	logger   *zerolog.Logger
}

func NewService(pool *pgxpool.Pool, store *queue.Store, embedder Embedder, logger *zerolog.Logger) *Service {
	return &Service{pool: pool, store: store, embedder: embedder, logger: logger}
}

func (s *Service) Store() *queue.Store { return s.store }

// EnqueueDocument inserts one pending job per not-yet-embedded chunk of
// the document and returns how many were enqueued.
func (s *Service) EnqueueDocument(ctx context.Context, documentID string) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM document_chunks
		WHERE document_id = $1 AND embedded_at IS NULL
		ORDER BY position
	`, documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to list chunks: %w", err)
	}
	chunkIDs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan chunks: %w", err)
	}

	enqueued := 0
	for _, chunkID := range chunkIDs {
		if _, err := s.store.EnqueueGroup(ctx, documentID, Payload{
			DocumentID: documentID,
			ChunkID:    chunkID,
		}); err != nil {
			return enqueued, fmt.Errorf("failed to enqueue chunk %s: %w", chunkID, err)
		}
		enqueued++
	}

	if enqueued > 0 {
		s.logger.Info().
			Str("document_id", documentID).
			Int("chunks", enqueued).
			Msg("Enqueued embedding jobs")
	}
	return enqueued, nil
}

// Handler returns the queue handler: load the chunk, embed its content,
// store the vector.
func (s *Service) Handler() queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		var p Payload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal embedding payload: %w", err)
		}

		var content string
		err := s.pool.QueryRow(ctx, `
			SELECT content FROM document_chunks WHERE id = $1
		`, p.ChunkID).Scan(&content)
		if err != nil {
			if err == pgx.ErrNoRows {
				return fmt.Errorf("chunk %s not found", p.ChunkID)
			}
			return fmt.Errorf("failed to load chunk: %w", err)
		}

		vector, err := s.embedder.Embed(ctx, content)
		if err != nil {
			return err
		}

		_, err = s.pool.Exec(ctx, `
			UPDATE document_chunks
			SET embedding = $2, embedded_at = NOW()
			WHERE id = $1
		`, p.ChunkID, vector)
		if err != nil {
			return fmt.Errorf("failed to store embedding: %w", err)
		}
		return nil
	}
}
