package handoff

import (
	"context"
	"testing"
)

func TestInMemoryStoreTranscripts(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if err := s.SaveTranscript(ctx, TranscriptRecord{SessionID: "s1", Role: "customer", Content: "hello"}); err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}
	if err := s.SaveTranscript(ctx, TranscriptRecord{SessionID: "s1", Role: "agent", Content: "hi there"}); err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}

	got := s.SessionTranscript("s1")
	if len(got) != 2 {
		t.Fatalf("transcript length = %d, want 2", len(got))
	}
	if got[0].Content != "hello" || got[1].Content != "hi there" {
		t.Fatalf("transcript out of order: %+v", got)
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Fatalf("record not stamped: %+v", got[0])
	}
	if len(s.SessionTranscript("other")) != 0 {
		t.Fatal("unexpected records for unknown session")
	}
}

func TestInMemoryStorePendingHandoffs(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	first, err := s.RequestHandoff(ctx, Request{SessionID: "s1", Reason: "customer asked for a human"})
	if err != nil {
		t.Fatalf("RequestHandoff: %v", err)
	}
	if first.ID == "" || first.Status != StatusPending {
		t.Fatalf("request not defaulted: %+v", first)
	}

	if _, err := s.RequestHandoff(ctx, Request{SessionID: "s2", Reason: "escalation", Status: StatusAccepted}); err != nil {
		t.Fatalf("RequestHandoff: %v", err)
	}
	if _, err := s.RequestHandoff(ctx, Request{SessionID: "s3", Reason: "billing dispute"}); err != nil {
		t.Fatalf("RequestHandoff: %v", err)
	}

	pending, err := s.PendingHandoffs(ctx, 10)
	if err != nil {
		t.Fatalf("PendingHandoffs: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	limited, err := s.PendingHandoffs(ctx, 1)
	if err != nil {
		t.Fatalf("PendingHandoffs: %v", err)
	}
	if len(limited) != 1 || limited[0].SessionID != "s1" {
		t.Fatalf("limited pending = %+v", limited)
	}
}

func TestNewStoreDefaultsToInMemory(t *testing.T) {
	store, err := NewStore(context.Background(), "  ")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*InMemoryStore); !ok {
		t.Fatalf("store type = %T, want *InMemoryStore", store)
	}
}
