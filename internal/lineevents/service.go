// Package lineevents is the LINE-integration job family: webhook intake
// with signature verification and idempotent event storage, plus the
// processor that turns stored events into conversation turns and pushed
// replies.
package lineevents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/chatforge/jobs-service/internal/chat"
	"github.com/chatforge/jobs-service/internal/database"
	"github.com/chatforge/jobs-service/internal/queue"
)

// Table is the family table for LINE webhook events
const Table = "line_events"

// InlineBatchCap bounds the low-latency cycle run right after intake;
// the scheduled worker is the durability backstop for the rest.
const InlineBatchCap = 5

type Service struct {
	pool      *pgxpool.Pool
	store     *queue.Store
	responder chat.Responder
	pusher    Pusher
	logger    *zerolog.Logger
}

func NewService(pool *pgxpool.Pool, store *queue.Store, responder chat.Responder, pusher Pusher, logger *zerolog.Logger) *Service {
	return &Service{pool: pool, store: store, responder: responder, pusher: pusher, logger: logger}
}

func (s *Service) Store() *queue.Store { return s.store }

// Integration loads an integration by id; nil if it does not exist
func (s *Service) Integration(ctx context.Context, id string) (*database.Integration, error) {
	var in database.Integration
	err := s.pool.QueryRow(ctx, `
		SELECT id, team_id, provider, channel_secret, channel_token, created_at
		FROM integrations
		WHERE id = $1
	`, id).Scan(&in.ID, &in.TeamID, &in.Provider, &in.ChannelSecret, &in.ChannelToken, &in.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load integration: %w", err)
	}
	return &in, nil
}

// Intake upserts the events keyed by (integration id, provider event id)
// and returns how many rows were newly inserted. Provider redelivery of
// the same webhook is a no-op here.
func (s *Service) Intake(ctx context.Context, integrationID string, events []Event) (int, error) {
	inserted := 0
	for _, ev := range events {
		dedupeKey := integrationID + ":" + eventID(ev)
		fresh, err := s.store.EnqueueDeduped(ctx, dedupeKey, EventPayload{
			IntegrationID: integrationID,
			EventID:       eventID(ev),
			UserID:        ev.Source.UserID,
			Text:          ev.Message.Text,
			Timestamp:     ev.Timestamp,
		})
		if err != nil {
			return inserted, fmt.Errorf("failed to store event: %w", err)
		}
		if fresh {
			inserted++
		}
	}
	return inserted, nil
}

// ProcessInline runs one small cycle right after intake as the
// low-latency path, bounded by what was just inserted.
func (s *Service) ProcessInline(ctx context.Context, justInserted int) queue.Summary {
	batch := justInserted
	if batch > InlineBatchCap {
		batch = InlineBatchCap
	}
	if batch <= 0 {
		return queue.Summary{}
	}

	summary, err := s.Runner().RunCycle(ctx, batch, queue.WorkerID("line-inline"))
	if err != nil {
		// The scheduled worker picks these rows up; intake already
		// succeeded so the webhook response is unaffected.
		s.logger.Error().Err(err).Msg("Inline LINE cycle failed")
	}
	return summary
}

func (s *Service) Runner() *queue.Runner {
	return queue.NewRunner(s.store, s.Handler(), s.logger)
}

// Handler processes one stored event: find or create the conversation,
// record the user turn, and unless a human has taken over, generate and
// push the reply.
func (s *Service) Handler() queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		var p EventPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal event payload: %w", err)
		}

		integration, err := s.Integration(ctx, p.IntegrationID)
		if err != nil {
			return err
		}
		if integration == nil {
			return fmt.Errorf("integration %s no longer exists", p.IntegrationID)
		}

		convID, takenOver, err := s.findOrCreateConversation(ctx, integration, p.UserID)
		if err != nil {
			return err
		}

		text := NormalizeText(p.Text)
		if text == "" {
			return nil
		}
		if err := chat.AppendMessage(ctx, s.pool, convID, "user", text); err != nil {
			return err
		}

		// Under human takeover only the message is recorded; the agent
		// replies through their own channel.
		if takenOver {
			s.logger.Debug().
				Str("conversation_id", convID).
				Msg("Conversation under takeover, skipping reply")
			return nil
		}

		reply, err := s.responder.Respond(ctx, convID, text)
		if err != nil {
			return fmt.Errorf("failed to generate reply: %w", err)
		}
		if err := s.pusher.Push(ctx, integration.ChannelToken, p.UserID, reply); err != nil {
			return err
		}
		return chat.AppendMessage(ctx, s.pool, convID, "assistant", reply)
	}
}

func (s *Service) findOrCreateConversation(ctx context.Context, integration *database.Integration, userID string) (id string, takenOver bool, err error) {
	err = s.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, team_id, integration_id, external_user_id, source)
		VALUES ($1, $2, $3, $4, 'line')
		ON CONFLICT (integration_id, external_user_id) WHERE integration_id IS NOT NULL
		DO UPDATE SET updated_at = NOW()
		RETURNING id, human_takeover
	`, uuid.NewString(), integration.TeamID, integration.ID, userID).Scan(&id, &takenOver)
	if err != nil {
		return "", false, fmt.Errorf("failed to find or create conversation: %w", err)
	}
	return id, takenOver, nil
}
