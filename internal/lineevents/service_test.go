package lineevents

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/chatforge/jobs-service/internal/database"
	"github.com/chatforge/jobs-service/internal/queue"
)

func setupLineTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	if testing.Short() {
		t.Skip("skipping lineevents test in short mode (requires Docker)")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "Failed to start postgres container")

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	config, err := pgxpool.ParseConfig(connStr)
	require.NoError(t, err)

	pool, err := pgxpool.NewWithConfig(ctx, config)
	require.NoError(t, err)

	require.NoError(t, database.Migrate(ctx, pool))

	cleanup := func() {
		pool.Close()
		testcontainers.TerminateContainer(container)
	}
	return pool, cleanup
}

type stubResponder struct {
	mu    sync.Mutex
	calls int
}

func (s *stubResponder) Respond(ctx context.Context, conversationID, message string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return "echo: " + message, nil
}

type pushCall struct {
	token, userID, text string
}

type stubPusher struct {
	mu    sync.Mutex
	calls []pushCall
}

func (s *stubPusher) Push(ctx context.Context, channelToken, userID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, pushCall{channelToken, userID, text})
	return nil
}

func lineTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

func insertIntegration(t *testing.T, pool *pgxpool.Pool) *database.Integration {
	t.Helper()
	in := &database.Integration{
		ID:            uuid.NewString(),
		TeamID:        uuid.NewString(),
		Provider:      "line",
		ChannelSecret: "secret",
		ChannelToken:  "channel-token",
	}
	_, err := pool.Exec(context.Background(), `
		INSERT INTO integrations (id, team_id, provider, channel_secret, channel_token)
		VALUES ($1, $2, $3, $4, $5)
	`, in.ID, in.TeamID, in.Provider, in.ChannelSecret, in.ChannelToken)
	require.NoError(t, err)
	return in
}

func textEvent(id, userID, text string) Event {
	return Event{
		Type:      "message",
		WebhookID: id,
		Timestamp: time.Now().UnixMilli(),
		Source:    EventSource{Type: "user", UserID: userID},
		Message:   EventMessage{ID: "m-" + id, Type: "text", Text: text},
	}
}

func TestIntakeDeduplicatesRedelivery(t *testing.T) {
	pool, cleanup := setupLineTestDB(t)
	defer cleanup()

	ctx := context.Background()
	integration := insertIntegration(t, pool)
	store := queue.NewStore(pool, Table, queue.DefaultOptions())
	svc := NewService(pool, store, &stubResponder{}, &stubPusher{}, lineTestLogger())

	events := []Event{
		textEvent("evt-1", "U1", "hello"),
		textEvent("evt-2", "U1", "world"),
	}

	inserted, err := svc.Intake(ctx, integration.ID, events)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	// Full redelivery inserts nothing.
	inserted, err = svc.Intake(ctx, integration.ID, events)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	// Partial redelivery only inserts the new event.
	inserted, err = svc.Intake(ctx, integration.ID, []Event{
		textEvent("evt-2", "U1", "world"),
		textEvent("evt-3", "U1", "again"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[queue.StatusPending])
}

func TestHandlerCreatesConversationAndReplies(t *testing.T) {
	pool, cleanup := setupLineTestDB(t)
	defer cleanup()

	ctx := context.Background()
	integration := insertIntegration(t, pool)
	store := queue.NewStore(pool, Table, queue.DefaultOptions())
	responder := &stubResponder{}
	pusher := &stubPusher{}
	svc := NewService(pool, store, responder, pusher, lineTestLogger())

	_, err := svc.Intake(ctx, integration.ID, []Event{textEvent("evt-1", "U1", "ｈｅｌｌｏ")})
	require.NoError(t, err)

	summary, err := svc.Runner().RunCycle(ctx, 10, "line-test")
	require.NoError(t, err)
	assert.Equal(t, queue.Summary{Processed: 1, Succeeded: 1}, summary)

	// One conversation, keyed to the provider user.
	var convID string
	var source string
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT id, source FROM conversations
		WHERE integration_id = $1 AND external_user_id = 'U1'
	`, integration.ID).Scan(&convID, &source))
	assert.Equal(t, "line", source)

	// User turn normalized, assistant turn recorded.
	var roles []string
	var contents []string
	rows, err := pool.Query(ctx, `
		SELECT role, content FROM messages WHERE conversation_id = $1 ORDER BY created_at
	`, convID)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var role, content string
		require.NoError(t, rows.Scan(&role, &content))
		roles = append(roles, role)
		contents = append(contents, content)
	}
	assert.Equal(t, []string{"user", "assistant"}, roles)
	assert.Equal(t, "hello", contents[0])
	assert.Equal(t, "echo: hello", contents[1])

	// Reply pushed to the provider with the integration's token.
	require.Len(t, pusher.calls, 1)
	assert.Equal(t, pushCall{"channel-token", "U1", "echo: hello"}, pusher.calls[0])

	// Later message from the same user reuses the conversation.
	_, err = svc.Intake(ctx, integration.ID, []Event{textEvent("evt-2", "U1", "more")})
	require.NoError(t, err)
	_, err = svc.Runner().RunCycle(ctx, 10, "line-test")
	require.NoError(t, err)

	var convCount int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversations WHERE integration_id = $1`, integration.ID).Scan(&convCount))
	assert.Equal(t, 1, convCount)
}

func TestHandlerSuppressesReplyDuringTakeover(t *testing.T) {
	pool, cleanup := setupLineTestDB(t)
	defer cleanup()

	ctx := context.Background()
	integration := insertIntegration(t, pool)
	store := queue.NewStore(pool, Table, queue.DefaultOptions())
	responder := &stubResponder{}
	pusher := &stubPusher{}
	svc := NewService(pool, store, responder, pusher, lineTestLogger())

	// First exchange creates the conversation.
	_, err := svc.Intake(ctx, integration.ID, []Event{textEvent("evt-1", "U1", "hi")})
	require.NoError(t, err)
	_, err = svc.Runner().RunCycle(ctx, 10, "line-test")
	require.NoError(t, err)
	require.Len(t, pusher.calls, 1)

	// A human takes over.
	_, err = pool.Exec(ctx, `
		UPDATE conversations
		SET human_takeover = TRUE, human_takeover_until = NOW() + INTERVAL '30 minutes'
		WHERE integration_id = $1 AND external_user_id = 'U1'
	`, integration.ID)
	require.NoError(t, err)

	_, err = svc.Intake(ctx, integration.ID, []Event{textEvent("evt-2", "U1", "anyone?")})
	require.NoError(t, err)
	summary, err := svc.Runner().RunCycle(ctx, 10, "line-test")
	require.NoError(t, err)
	assert.Equal(t, queue.Summary{Processed: 1, Succeeded: 1}, summary)

	// The user turn is recorded but no reply is generated or pushed.
	assert.Len(t, pusher.calls, 1)
	assert.Equal(t, 1, responder.calls)

	var msgCount int
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.integration_id = $1 AND m.role = 'user'
	`, integration.ID).Scan(&msgCount))
	assert.Equal(t, 2, msgCount)
}

func TestHandlerSkipsEmptyText(t *testing.T) {
	pool, cleanup := setupLineTestDB(t)
	defer cleanup()

	ctx := context.Background()
	integration := insertIntegration(t, pool)
	store := queue.NewStore(pool, Table, queue.DefaultOptions())
	pusher := &stubPusher{}
	svc := NewService(pool, store, &stubResponder{}, pusher, lineTestLogger())

	_, err := svc.Intake(ctx, integration.ID, []Event{textEvent("evt-1", "U1", "   ")})
	require.NoError(t, err)

	summary, err := svc.Runner().RunCycle(ctx, 10, "line-test")
	require.NoError(t, err)
	assert.Equal(t, queue.Summary{Processed: 1, Succeeded: 1}, summary)
	assert.Empty(t, pusher.calls)

	var msgCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&msgCount))
	assert.Zero(t, msgCount)
}

func TestProcessInlineCapsBatch(t *testing.T) {
	pool, cleanup := setupLineTestDB(t)
	defer cleanup()

	ctx := context.Background()
	integration := insertIntegration(t, pool)
	store := queue.NewStore(pool, Table, queue.DefaultOptions())
	svc := NewService(pool, store, &stubResponder{}, &stubPusher{}, lineTestLogger())

	var events []Event
	for i := 0; i < 8; i++ {
		events = append(events, textEvent(uuid.NewString(), "U1", "msg"))
	}
	inserted, err := svc.Intake(ctx, integration.ID, events)
	require.NoError(t, err)
	require.Equal(t, 8, inserted)

	summary := svc.ProcessInline(ctx, inserted)
	assert.Equal(t, InlineBatchCap, summary.Processed)

	// The rest stays for the scheduled worker.
	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[queue.StatusPending])
}
