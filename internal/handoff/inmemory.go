package handoff

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu          sync.RWMutex
	transcripts map[string][]TranscriptRecord
	requests    []Request
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{transcripts: make(map[string][]TranscriptRecord)}
}

func (s *InMemoryStore) SaveTranscript(_ context.Context, record TranscriptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.transcripts[record.SessionID] = append(s.transcripts[record.SessionID], record)
	return nil
}

func (s *InMemoryStore) RequestHandoff(_ context.Context, req Request) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = StatusPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	s.requests = append(s.requests, req)
	return req, nil
}

func (s *InMemoryStore) PendingHandoffs(_ context.Context, limit int) ([]Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Request, 0, limit)
	for _, r := range s.requests {
		if r.Status != StatusPending {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SessionTranscript returns saved records for a session, oldest first.
func (s *InMemoryStore) SessionTranscript(sessionID string) []TranscriptRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TranscriptRecord, len(s.transcripts[sessionID]))
	copy(out, s.transcripts[sessionID])
	return out
}

func (s *InMemoryStore) Close() error { return nil }
