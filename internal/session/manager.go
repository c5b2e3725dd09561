package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusEnded     Status = "ended"
)

var ErrNotFound = errors.New("session not found")

type Session struct {
	ID                    string    `json:"session_id"`
	CustomerID            string    `json:"customer_id"`
	Status                Status    `json:"status"`
	ContinuousMode        bool      `json:"continuous_mode"`
	ActiveTurnID          string    `json:"active_turn_id"`
	ConsecutiveEmptyTurns int       `json:"consecutive_empty_turns"`
	InterruptionCount     int       `json:"interruption_count"`
	StartedAt             time.Time `json:"started_at"`
	LastActivityAt        time.Time `json:"last_activity_at"`
	SuspendedAt           time.Time `json:"suspended_at,omitempty"`
}

// Manager tracks live sessions. A suspended session survives a dropped
// connection until the reconnect grace elapses, after which the janitor
// ends it.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	sessionByCustomer map[string]string
	reconnectGrace    time.Duration
	onExpire          func(*Session)
}

func NewManager(reconnectGrace time.Duration) *Manager {
	if reconnectGrace <= 0 {
		reconnectGrace = 30 * time.Second
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		sessionByCustomer: make(map[string]string),
		reconnectGrace:    reconnectGrace,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(customerID string, continuous bool) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		CustomerID:     customerID,
		Status:         StatusActive,
		ContinuousMode: continuous,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	if customerID != "" {
		m.sessionByCustomer[customerID] = s.ID
	}
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) StartTurn(sessionID, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.ActiveTurnID = turnID
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// FinishTurn records the outcome of a turn and returns the updated
// consecutive empty-turn count.
func (m *Manager) FinishTurn(sessionID string, empty bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, ErrNotFound
	}
	s.ActiveTurnID = ""
	if empty {
		s.ConsecutiveEmptyTurns++
	} else {
		s.ConsecutiveEmptyTurns = 0
	}
	s.LastActivityAt = time.Now().UTC()
	return s.ConsecutiveEmptyTurns, nil
}

// AbortTurn clears the active turn without touching the empty-turn counter,
// used when the turn pipeline fails.
func (m *Manager) AbortTurn(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.ActiveTurnID = ""
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// SetContinuousMode flips auto-resume listening. The engine enables it after
// the customer completes their first manual turn.
func (m *Manager) SetContinuousMode(sessionID string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.ContinuousMode = on
	return nil
}

// ResetEmptyTurns clears the empty-turn counter, used when the customer
// explicitly restarts listening after the engine paused.
func (m *Manager) ResetEmptyTurns(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.ConsecutiveEmptyTurns = 0
	return nil
}

func (m *Manager) Interrupt(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.InterruptionCount++
	s.ActiveTurnID = ""
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// Suspend marks a session as disconnected but resumable.
func (m *Manager) Suspend(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status != StatusActive {
		return nil
	}
	s.Status = StatusSuspended
	s.SuspendedAt = time.Now().UTC()
	return nil
}

// Resume reactivates a suspended session for a reconnecting client. It
// fails with ErrNotFound once the session has ended or been expired, so
// counters like ConsecutiveEmptyTurns carry over only within the grace.
func (m *Manager) Resume(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status == StatusEnded {
		return nil, ErrNotFound
	}
	s.Status = StatusActive
	s.SuspendedAt = time.Time{}
	s.LastActivityAt = time.Now().UTC()
	return clone(s), nil
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = StatusEnded
	s.ActiveTurnID = ""
	s.LastActivityAt = time.Now().UTC()
	if s.CustomerID != "" {
		delete(m.sessionByCustomer, s.CustomerID)
	}
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireSuspended()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireSuspended() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusSuspended {
			continue
		}
		if now.Sub(s.SuspendedAt) < m.reconnectGrace {
			continue
		}
		s.Status = StatusEnded
		s.ActiveTurnID = ""
		s.LastActivityAt = now
		expired = append(expired, clone(s))
		if s.CustomerID != "" {
			delete(m.sessionByCustomer, s.CustomerID)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
