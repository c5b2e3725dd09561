package session

import "time"

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	CustomerID     string `json:"customer_id"`
	ContinuousMode bool   `json:"continuous_mode"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID        string    `json:"session_id"`
	CustomerID       string    `json:"customer_id"`
	Status           Status    `json:"status"`
	ContinuousMode   bool      `json:"continuous_mode"`
	StartedAt        time.Time `json:"started_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	ReconnectGraceMS int64     `json:"reconnect_grace_ms"`
}
