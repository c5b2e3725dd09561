package handoff

import (
	"context"
	"time"
)

// TranscriptRecord stores a single customer or agent conversational turn.
type TranscriptRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	CustomerID  string    `json:"customer_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Request asks a human agent to take over a conversation.
type Request struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	CustomerID string    `json:"customer_id"`
	Reason     string    `json:"reason"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Handoff request statuses.
const (
	StatusPending   = "pending"
	StatusAccepted  = "accepted"
	StatusCancelled = "cancelled"
)

// Store is the persistence and human-handoff collaborator. It owns all
// durable state; the session engine only notifies it.
type Store interface {
	SaveTranscript(ctx context.Context, record TranscriptRecord) error
	RequestHandoff(ctx context.Context, req Request) (Request, error)
	PendingHandoffs(ctx context.Context, limit int) ([]Request, error)
	Close() error
}
