package voice

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockTranscriber is a local fallback used when no real STT engine is
// configured. It returns scripted texts in order, then a generic line.
type MockTranscriber struct {
	mu      sync.Mutex
	Scripts []string
	next    int
	Err     error
}

func NewMockTranscriber(scripts ...string) *MockTranscriber {
	return &MockTranscriber{Scripts: scripts}
}

func (t *MockTranscriber) Transcribe(_ context.Context, pcm []int16, _ int) (Transcript, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return Transcript{}, t.Err
	}
	if len(pcm) == 0 {
		return Transcript{IsFinal: true}, nil
	}
	if t.next < len(t.Scripts) {
		text := t.Scripts[t.next]
		t.next++
		return Transcript{Text: text, Confidence: 0.9, IsFinal: true}, nil
	}
	return Transcript{Text: "simulated customer speech", Confidence: 0.6, IsFinal: true}, nil
}

// MockTurnProcessor answers with a canned reply and recognizes a few
// keywords to exercise handoff and session-end flows.
type MockTurnProcessor struct {
	Delay time.Duration
	Err   error
}

func NewMockTurnProcessor() *MockTurnProcessor { return &MockTurnProcessor{} }

func (p *MockTurnProcessor) ProcessTurn(ctx context.Context, tc TurnContext) (TurnResult, error) {
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return TurnResult{}, ctx.Err()
		}
	}
	if p.Err != nil {
		return TurnResult{}, p.Err
	}

	lower := strings.ToLower(tc.Transcript)
	res := TurnResult{
		Transcript:      tc.Transcript,
		SuggestedAction: "answer",
	}
	switch {
	case strings.Contains(lower, "human") || strings.Contains(lower, "agent"):
		res.ReplyText = "Connecting you with a support agent now."
		res.SuggestedAction = "handoff"
		res.RequiresHandoff = true
	case strings.Contains(lower, "goodbye") || strings.Contains(lower, "bye"):
		res.ReplyText = "Thanks for calling, goodbye."
		res.SuggestedAction = "end_session"
		res.IsSessionEnd = true
	default:
		res.ReplyText = fmt.Sprintf("I heard: %s", tc.Transcript)
	}
	return res, nil
}

// MockSynthesizer streams the reply text back as fake audio, split into
// small chunks so playback cancellation paths get exercised.
type MockSynthesizer struct {
	ChunkSize  int
	ChunkDelay time.Duration
	Err        error

	// StreamErr, when set, is emitted as a mid-stream failure after
	// StreamErrAfter chunks instead of finishing the reply.
	StreamErr      error
	StreamErrAfter int
}

func NewMockSynthesizer() *MockSynthesizer {
	return &MockSynthesizer{ChunkSize: 16}
}

func (s *MockSynthesizer) Synthesize(ctx context.Context, text string) (<-chan SynthesizedChunk, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	size := s.ChunkSize
	if size <= 0 {
		size = 16
	}

	out := make(chan SynthesizedChunk, 8)
	go func() {
		defer close(out)
		payload := []byte(text)
		index := 0
		for off := 0; off < len(payload); off += size {
			if s.StreamErr != nil && index >= s.StreamErrAfter {
				select {
				case out <- SynthesizedChunk{Index: index, Err: s.StreamErr}:
				case <-ctx.Done():
				}
				return
			}
			end := off + size
			if end > len(payload) {
				end = len(payload)
			}
			chunk := SynthesizedChunk{
				Audio:   payload[off:end],
				Index:   index,
				IsFinal: end == len(payload),
			}
			if s.ChunkDelay > 0 {
				select {
				case <-time.After(s.ChunkDelay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			index++
		}
		if len(payload) == 0 {
			select {
			case out <- SynthesizedChunk{IsFinal: true}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}
