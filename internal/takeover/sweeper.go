// Package takeover sweeps expired human-takeover windows. The takeover
// state lives as a flag plus deadline on the conversation row itself, so
// the sweep works directly against conversations instead of a queue
// table; clearing is a compare-and-set so a human extending the window
// races benignly against the sweeper.
package takeover

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/chatforge/jobs-service/internal/chat"
)

// Summary aggregates one sweep cycle
type Summary struct {
	Processed int `json:"processed"`
	Responded int `json:"responded"`
	Failed    int `json:"failed"`
}

type Sweeper struct {
	pool      *pgxpool.Pool
	responder chat.Responder
	logger    *zerolog.Logger
}

func NewSweeper(pool *pgxpool.Pool, responder chat.Responder, logger *zerolog.Logger) *Sweeper {
	return &Sweeper{pool: pool, responder: responder, logger: logger}
}

// Sweep clears up to batch expired takeovers, soonest-expired first, and
// re-enters the normal response path where the last turn was a pending
// user message. LINE conversations are excluded; their replies go
// through the push-based path. Per-conversation failures are counted and
// never abort the batch.
func (s *Sweeper) Sweep(ctx context.Context, batch int, workerID string) (Summary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM conversations
		WHERE human_takeover
		  AND source <> 'line'
		  AND human_takeover_until < NOW()
		ORDER BY human_takeover_until
		LIMIT $1
	`, batch)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list expired takeovers: %w", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return Summary{}, fmt.Errorf("failed to scan expired takeovers: %w", err)
	}

	var summary Summary
	for _, id := range ids {
		cleared, err := s.clearExpired(ctx, id)
		if err != nil {
			summary.Failed++
			s.logger.Error().Err(err).
				Str("conversation_id", id).
				Str("worker_id", workerID).
				Msg("Takeover sweep failed for conversation")
			continue
		}
		if !cleared {
			// Lost the race: a human extended the window (or another
			// sweep already cleared it). Nothing to do.
			continue
		}
		summary.Processed++

		responded, err := s.respondIfPending(ctx, id)
		if err != nil {
			summary.Failed++
			s.logger.Error().Err(err).
				Str("conversation_id", id).
				Msg("Failed to respond after takeover expiry")
			continue
		}
		if responded {
			summary.Responded++
		}
	}

	if summary.Processed > 0 || summary.Failed > 0 {
		s.logger.Info().
			Str("worker_id", workerID).
			Int("processed", summary.Processed).
			Int("responded", summary.Responded).
			Int("failed", summary.Failed).
			Msg("Takeover sweep finished")
	}
	return summary, nil
}

// clearExpired is the CAS: clear only if the flag is still set and the
// deadline has still passed at update time.
func (s *Sweeper) clearExpired(ctx context.Context, conversationID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET human_takeover = FALSE,
		    human_takeover_until = NULL,
		    updated_at = NOW()
		WHERE id = $1
		  AND human_takeover
		  AND human_takeover_until < NOW()
	`, conversationID)
	if err != nil {
		return false, fmt.Errorf("failed to clear takeover: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// respondIfPending generates a reply when the conversation ended on a
// non-empty user message the agent never answered.
func (s *Sweeper) respondIfPending(ctx context.Context, conversationID string) (bool, error) {
	last, err := chat.LastMessage(ctx, s.pool, conversationID)
	if err != nil {
		return false, err
	}
	if !ShouldRespond(last) {
		return false, nil
	}

	reply, err := s.responder.Respond(ctx, conversationID, last.Content)
	if err != nil {
		return false, err
	}
	if err := chat.AppendMessage(ctx, s.pool, conversationID, "assistant", reply); err != nil {
		return false, err
	}
	return true, nil
}

// Open starts a takeover window on a conversation
func Open(ctx context.Context, pool *pgxpool.Pool, conversationID string, d time.Duration) (bool, error) {
	tag, err := pool.Exec(ctx, `
		UPDATE conversations
		SET human_takeover = TRUE,
		    human_takeover_until = NOW() + $2,
		    updated_at = NOW()
		WHERE id = $1
	`, conversationID, d)
	if err != nil {
		return false, fmt.Errorf("failed to open takeover: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Extend pushes the deadline out, but only while the takeover is still
// active; extending after the sweeper cleared it is a no-op.
func Extend(ctx context.Context, pool *pgxpool.Pool, conversationID string, d time.Duration) (bool, error) {
	tag, err := pool.Exec(ctx, `
		UPDATE conversations
		SET human_takeover_until = NOW() + $2,
		    updated_at = NOW()
		WHERE id = $1 AND human_takeover
	`, conversationID, d)
	if err != nil {
		return false, fmt.Errorf("failed to extend takeover: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
