// Package chat is the bridge to the platform's reply-generation path.
// The jobs service never generates replies itself; it calls the main
// application's internal chat endpoint and persists the turns.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatforge/jobs-service/internal/database"
)

// Responder generates an assistant reply for a conversation
type Responder interface {
	Respond(ctx context.Context, conversationID, message string) (string, error)
}

// Client calls the main application's internal response endpoint
type Client struct {
	httpClient *http.Client
	apiURL     string
	token      string
}

func NewClient(apiURL, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		apiURL:     apiURL,
		token:      token,
	}
}

type respondRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	Mode           string `json:"mode"`
}

type respondResponse struct {
	Reply string `json:"reply"`
}

func (c *Client) Respond(ctx context.Context, conversationID, message string) (string, error) {
	body, err := json.Marshal(respondRequest{
		ConversationID: conversationID,
		Message:        message,
		Mode:           "internal",
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal respond request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build respond request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("respond request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("respond endpoint returned %d: %s", resp.StatusCode, string(data))
	}

	var parsed respondResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode respond response: %w", err)
	}
	return parsed.Reply, nil
}

// AppendMessage stores one conversation turn
func AppendMessage(ctx context.Context, pool *pgxpool.Pool, conversationID, role, content string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, role, content)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), conversationID, role, content)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	_, err = pool.Exec(ctx, `
		UPDATE conversations SET updated_at = NOW() WHERE id = $1
	`, conversationID)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

// LastMessage returns the most recent message of a conversation, or nil
// if there is none
func LastMessage(ctx context.Context, pool *pgxpool.Pool, conversationID string) (*database.Message, error) {
	var m database.Message
	err := pool.QueryRow(ctx, `
		SELECT id, conversation_id, role, content, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, conversationID).Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load last message: %w", err)
	}
	return &m, nil
}
