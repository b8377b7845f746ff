package database

import (
	"time"
)

// ImportJob is the parent aggregate over many import items
type ImportJob struct {
	ID             string    `json:"id"`
	TeamID         string    `json:"team_id"`
	BaseURL        string    `json:"base_url"`
	Status         string    `json:"status"` // 'processing' | 'completed'
	TotalCount     int       `json:"total_count"`
	ProcessedCount int       `json:"processed_count"`
	SuccessCount   int       `json:"success_count"`
	FailureCount   int       `json:"failure_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Integration is a connected messaging channel (currently LINE)
type Integration struct {
	ID            string    `json:"id"`
	TeamID        string    `json:"team_id"`
	Provider      string    `json:"provider"`
	ChannelSecret string    `json:"-"`
	ChannelToken  string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// Conversation carries the human-takeover flag and deadline directly,
// not a separate queue row
type Conversation struct {
	ID                 string     `json:"id"`
	TeamID             string     `json:"team_id"`
	IntegrationID      *string    `json:"integration_id"`
	ExternalUserID     *string    `json:"external_user_id"`
	Source             string     `json:"source"` // 'web' | 'line' | 'api'
	HumanTakeover      bool       `json:"human_takeover"`
	HumanTakeoverUntil *time.Time `json:"human_takeover_until"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Message is one turn in a conversation
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // 'user' | 'assistant' | 'human_agent'
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Document is an ingested source (imported page or uploaded file)
type Document struct {
	ID        string    `json:"id"`
	TeamID    string    `json:"team_id"`
	SourceURL *string   `json:"source_url"`
	Title     *string   `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DocumentChunk is one embeddable slice of a document
type DocumentChunk struct {
	ID         string     `json:"id"`
	DocumentID string     `json:"document_id"`
	Position   int        `json:"position"`
	Content    string     `json:"content"`
	Embedding  []float32  `json:"-"`
	EmbeddedAt *time.Time `json:"embedded_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Session maps a hashed bearer token to a resolved identity
type Session struct {
	TokenHash string    `json:"-"`
	UserID    string    `json:"user_id"`
	TeamID    string    `json:"team_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
