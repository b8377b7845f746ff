package queue

import (
	"context"
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is one unit of work. Every family table shares these lifecycle
// columns; only the payload differs.
type Job struct {
	ID            string          `json:"id"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	Error         *string         `json:"error"`
	LockedAt      *time.Time      `json:"locked_at"`
	LockedBy      *string         `json:"locked_by"`
	GroupKey      *string         `json:"group_key"`
	DedupeKey     *string         `json:"dedupe_key"`
	Payload       json.RawMessage `json:"payload"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Summary aggregates one processing cycle
type Summary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Outcome is the terminal-or-not result of handling one leased job
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeFailed    Outcome = "failed"
)

// Handler executes the domain-specific work for one leased job
type Handler func(ctx context.Context, job Job) error
