package voice

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/voxlinehq/voxline/internal/config"
	"github.com/voxlinehq/voxline/internal/handoff"
	"github.com/voxlinehq/voxline/internal/observability"
	"github.com/voxlinehq/voxline/internal/protocol"
	"github.com/voxlinehq/voxline/internal/session"
)

func testConfig() *config.Config {
	return &config.Config{
		SampleRate:         16000,
		FrameDuration:      32 * time.Millisecond,
		SpeechThreshold:    0.5,
		SpeechStartFrames:  3,
		SpeechEndSilence:   96 * time.Millisecond,
		EnergyReference:    2500,
		SilenceTimeout:     160 * time.Millisecond,
		BargeInGuardWindow: 64 * time.Millisecond,
		BargeInStrongProb:  0.90,
		BargeInStrongHold:  64 * time.Millisecond,
		BargeInWeakProb:    0.80,
		BargeInWeakHold:    128 * time.Millisecond,
		MaxEmptyTurns:      2,
		TurnTimeout:        2 * time.Second,
		MaxUtteranceLength: 10 * time.Second,
	}
}

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("voxline_test_%d", time.Now().UnixNano()))
}

// pcmFrame builds one frame's worth of PCM16LE bytes at the given amplitude.
func pcmFrame(cfg *config.Config, amplitude int16) []byte {
	samples := int(cfg.FrameDuration.Seconds() * float64(cfg.SampleRate))
	out := make([]byte, samples*2)
	sign := int16(1)
	for i := 0; i < samples; i++ {
		v := amplitude * sign
		sign = -sign
		out[2*i] = byte(uint16(v))
		out[2*i+1] = byte(uint16(v) >> 8)
	}
	return out
}

type harness struct {
	t        *testing.T
	engine   *Engine
	sessions *session.Manager
	store    *handoff.InMemoryStore
	sess     *session.Session
	inbound  chan any
	outbound chan any
	done     chan error
	cancel   context.CancelFunc
}

func startHarness(t *testing.T, cfg *config.Config, tr Transcriber, proc TurnProcessor, synth Synthesizer, continuous bool) *harness {
	t.Helper()
	sessions := session.NewManager(time.Minute)
	store := handoff.NewInMemoryStore()
	engine := NewEngine(sessions, store, tr, proc, synth, testMetrics(), cfg)
	sess := sessions.Create("cust-1", continuous)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:        t,
		engine:   engine,
		sessions: sessions,
		store:    store,
		sess:     sess,
		inbound:  make(chan any, 64),
		outbound: make(chan any, 1024),
		done:     make(chan error, 1),
		cancel:   cancel,
	}
	go func() {
		h.done <- engine.RunConnection(ctx, sess, h.inbound, h.outbound)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
		}
	})

	h.await("connected", func(msg any) bool {
		_, ok := msg.(protocol.Connected)
		return ok
	})
	return h
}

// await reads outbound until a message matches or the deadline passes.
func (h *harness) await(label string, match func(any) bool) any {
	h.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-h.outbound:
			if match(msg) {
				return msg
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s", label)
			return nil
		}
	}
}

// expectNone asserts no message matching the predicate arrives within the window.
func (h *harness) expectNone(label string, window time.Duration, match func(any) bool) {
	h.t.Helper()
	deadline := time.After(window)
	for {
		select {
		case msg := <-h.outbound:
			if match(msg) {
				h.t.Fatalf("unexpected %s: %+v", label, msg)
			}
		case <-deadline:
			return
		}
	}
}

func (h *harness) sendFrames(b []byte, count int) {
	for i := 0; i < count; i++ {
		h.inbound <- protocol.AudioData(b)
	}
}

func isType(want protocol.MessageType) func(any) bool {
	return func(msg any) bool {
		got, ok := protocol.MessageTypeOf(msg)
		return ok && got == want
	}
}

func TestSpeechThenSilenceCompletesOneTurn(t *testing.T) {
	cfg := testConfig()
	h := startHarness(t, cfg,
		NewMockTranscriber("what are your opening hours"),
		NewMockTurnProcessor(),
		NewMockSynthesizer(),
		true,
	)

	loud := pcmFrame(cfg, 30000)
	quiet := pcmFrame(cfg, 0)

	h.sendFrames(loud, 10)
	h.await("speech_start", func(msg any) bool {
		vr, ok := msg.(protocol.VADResult)
		return ok && vr.Data.Event == protocol.EventSpeechStart
	})

	// Silence long enough to trip the auto-stop timer.
	h.sendFrames(quiet, 10)
	auto := h.await("auto_send", isType(protocol.TypeAutoSend)).(protocol.AutoSend)
	if auto.Data.Reason != "silence_timeout" {
		t.Fatalf("auto_send reason = %q, want silence_timeout", auto.Data.Reason)
	}

	stt := h.await("stt_result", isType(protocol.TypeSTTResult)).(protocol.STTResult)
	if stt.Data.Text != "what are your opening hours" || !stt.Data.IsFinal {
		t.Fatalf("unexpected stt_result: %+v", stt.Data)
	}

	resp := h.await("ai_response", isType(protocol.TypeAIResponse)).(protocol.AIResponse)
	if resp.Data.Text == "" || resp.Data.IsSessionEnd {
		t.Fatalf("unexpected ai_response: %+v", resp.Data)
	}

	h.await("tts_chunk", isType(protocol.TypeTTSChunk))
	h.await("completed", isType(protocol.TypeCompleted))

	// No duplicate dispatch: further silence must not produce another turn.
	h.sendFrames(quiet, 10)
	h.expectNone("extra auto_send", 200*time.Millisecond, isType(protocol.TypeAutoSend))
}

func TestBargeInStopsPlayback(t *testing.T) {
	cfg := testConfig()
	synth := &MockSynthesizer{ChunkSize: 4, ChunkDelay: 40 * time.Millisecond}
	h := startHarness(t, cfg,
		NewMockTranscriber("tell me about my bill in detail please"),
		NewMockTurnProcessor(),
		synth,
		true,
	)

	loud := pcmFrame(cfg, 30000)

	h.sendFrames(loud, 5)
	h.inbound <- protocol.EOS{}
	h.await("ai_response", isType(protocol.TypeAIResponse))
	h.await("first tts_chunk", isType(protocol.TypeTTSChunk))

	// Sustained high-probability speech past the guard window raises the
	// interrupt. Guard 64ms + strong hold 64ms = 4 frames minimum.
	h.sendFrames(loud, 8)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := h.sessions.Get(h.sess.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.InterruptionCount == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("interrupt not recorded, session: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The superseded response must stop streaming: drain what was already
	// queued, then verify no new chunks arrive.
	drain := time.After(150 * time.Millisecond)
drained:
	for {
		select {
		case <-h.outbound:
		case <-drain:
			break drained
		}
	}
	h.expectNone("tts_chunk after interrupt", 250*time.Millisecond, isType(protocol.TypeTTSChunk))
}

func TestEmptyTurnCapSuspendsListening(t *testing.T) {
	cfg := testConfig()
	h := startHarness(t, cfg,
		NewMockTranscriber(),
		NewMockTurnProcessor(),
		NewMockSynthesizer(),
		true,
	)

	// Two silence-only stops reach the cap.
	for i := 0; i < 2; i++ {
		h.inbound <- protocol.EOS{}
		h.await("auto_send", isType(protocol.TypeAutoSend))
		h.await("completed", isType(protocol.TypeCompleted))
	}

	got, err := h.sessions.Get(h.sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ConsecutiveEmptyTurns != 2 {
		t.Fatalf("ConsecutiveEmptyTurns = %d, want 2", got.ConsecutiveEmptyTurns)
	}

	// Listening is suspended: a further stop signal is a no-op.
	h.inbound <- protocol.EOS{}
	h.expectNone("auto_send past cap", 200*time.Millisecond, isType(protocol.TypeAutoSend))

	// Explicit start re-arms and clears the counter.
	h.inbound <- protocol.ClientStart{Type: protocol.TypeStart}
	loud := pcmFrame(cfg, 30000)
	h.sendFrames(loud, 5)
	h.await("vad_result after restart", isType(protocol.TypeVADResult))

	got, err = h.sessions.Get(h.sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ConsecutiveEmptyTurns != 0 {
		t.Fatalf("ConsecutiveEmptyTurns = %d after restart, want 0", got.ConsecutiveEmptyTurns)
	}
}

func TestReconnectAfterEmptyTurnCapWaitsForStart(t *testing.T) {
	cfg := testConfig()
	h := startHarness(t, cfg,
		NewMockTranscriber(),
		NewMockTurnProcessor(),
		NewMockSynthesizer(),
		true,
	)

	// Two silence-only stops reach the cap.
	for i := 0; i < 2; i++ {
		h.inbound <- protocol.EOS{}
		h.await("auto_send", isType(protocol.TypeAutoSend))
		h.await("completed", isType(protocol.TypeCompleted))
	}

	// Drop the connection and come back within the reconnect grace.
	h.cancel()
	if err := h.sessions.Suspend(h.sess.ID); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	resumed, err := h.sessions.Resume(h.sess.ID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if resumed.ConsecutiveEmptyTurns != 2 {
		t.Fatalf("ConsecutiveEmptyTurns after resume = %d, want 2", resumed.ConsecutiveEmptyTurns)
	}

	ctx, cancel := context.WithCancel(context.Background())
	inbound := make(chan any, 64)
	outbound := make(chan any, 1024)
	done := make(chan error, 1)
	go func() {
		done <- h.engine.RunConnection(ctx, resumed, inbound, outbound)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})

	h2 := &harness{t: t, inbound: inbound, outbound: outbound}
	h2.await("connected", isType(protocol.TypeConnected))

	// The cap survived the reconnect: audio alone must not restart
	// listening on the resumed connection.
	loud := pcmFrame(cfg, 30000)
	for i := 0; i < 5; i++ {
		inbound <- protocol.AudioData(loud)
	}
	h2.expectNone("vad_result without explicit start", 250*time.Millisecond, isType(protocol.TypeVADResult))

	// An explicit start re-arms it.
	inbound <- protocol.ClientStart{Type: protocol.TypeStart}
	for i := 0; i < 5; i++ {
		inbound <- protocol.AudioData(loud)
	}
	h2.await("vad_result after explicit start", isType(protocol.TypeVADResult))
}

func TestSynthesisStreamFailureSurfacesError(t *testing.T) {
	cfg := testConfig()
	synth := &MockSynthesizer{
		ChunkSize:      4,
		StreamErr:      fmt.Errorf("voice model crashed"),
		StreamErrAfter: 1,
	}
	h := startHarness(t, cfg,
		NewMockTranscriber("read me my account balance"),
		NewMockTurnProcessor(),
		synth,
		true,
	)

	loud := pcmFrame(cfg, 30000)
	h.sendFrames(loud, 5)
	h.inbound <- protocol.EOS{}

	h.await("ai_response", isType(protocol.TypeAIResponse))
	h.await("first tts_chunk", isType(protocol.TypeTTSChunk))

	errMsg := h.await("error", isType(protocol.TypeErrorEvent)).(protocol.ErrorEvent)
	if errMsg.Data.Code != "tts_failed" {
		t.Fatalf("error code = %q, want tts_failed", errMsg.Data.Code)
	}

	// A truncated reply is not a completed turn.
	h.expectNone("completed after failed synthesis", 250*time.Millisecond, isType(protocol.TypeCompleted))

	// The session survives: explicit start opens a fresh cycle.
	synth.StreamErr = nil
	h.inbound <- protocol.ClientStart{Type: protocol.TypeStart}
	h.sendFrames(loud, 5)
	h.inbound <- protocol.EOS{}
	h.await("completed after recovery", isType(protocol.TypeCompleted))
}

func TestSessionEndResultEndsSession(t *testing.T) {
	cfg := testConfig()
	h := startHarness(t, cfg,
		NewMockTranscriber("ok goodbye"),
		NewMockTurnProcessor(),
		NewMockSynthesizer(),
		true,
	)

	loud := pcmFrame(cfg, 30000)
	h.sendFrames(loud, 5)
	h.inbound <- protocol.EOS{}

	resp := h.await("ai_response", isType(protocol.TypeAIResponse)).(protocol.AIResponse)
	if !resp.Data.IsSessionEnd {
		t.Fatalf("ai_response.is_session_end = false, want true")
	}
	h.await("completed", isType(protocol.TypeCompleted))

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("RunConnection() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not exit after session end")
	}

	got, err := h.sessions.Get(h.sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != session.StatusEnded {
		t.Fatalf("session status = %q, want %q", got.Status, session.StatusEnded)
	}
}

func TestPipelineFailureReturnsToIdle(t *testing.T) {
	cfg := testConfig()
	tr := NewMockTranscriber("anything")
	tr.Err = fmt.Errorf("stt backend unavailable")
	h := startHarness(t, cfg, tr, NewMockTurnProcessor(), NewMockSynthesizer(), true)

	loud := pcmFrame(cfg, 30000)
	h.sendFrames(loud, 5)
	h.inbound <- protocol.EOS{}

	errMsg := h.await("error", isType(protocol.TypeErrorEvent)).(protocol.ErrorEvent)
	if errMsg.Data.Code != "turn_pipeline_failed" {
		t.Fatalf("error code = %q, want turn_pipeline_failed", errMsg.Data.Code)
	}

	// The session survives: explicit start opens a fresh turn cycle.
	tr.Err = nil
	h.inbound <- protocol.ClientStart{Type: protocol.TypeStart}
	h.sendFrames(loud, 5)
	h.inbound <- protocol.EOS{}
	h.await("ai_response after recovery", isType(protocol.TypeAIResponse))
}

func TestHandoffRequestPersisted(t *testing.T) {
	cfg := testConfig()
	h := startHarness(t, cfg,
		NewMockTranscriber("i need to speak to a human"),
		NewMockTurnProcessor(),
		NewMockSynthesizer(),
		true,
	)

	loud := pcmFrame(cfg, 30000)
	h.sendFrames(loud, 5)
	h.inbound <- protocol.EOS{}

	resp := h.await("ai_response", isType(protocol.TypeAIResponse)).(protocol.AIResponse)
	if !resp.Data.IsHumanRequiredFlow || resp.Data.HandoverStatus != handoff.StatusPending {
		t.Fatalf("unexpected handoff signalling: %+v", resp.Data)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		pending, err := h.store.PendingHandoffs(context.Background(), 10)
		if err != nil {
			t.Fatalf("PendingHandoffs() error = %v", err)
		}
		if len(pending) == 1 && pending[0].SessionID == h.sess.ID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("handoff request not persisted, pending = %+v", pending)
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		records := h.store.SessionTranscript(h.sess.ID)
		if len(records) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transcript not persisted, records = %+v", records)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientEndClosesSession(t *testing.T) {
	cfg := testConfig()
	h := startHarness(t, cfg,
		NewMockTranscriber(),
		NewMockTurnProcessor(),
		NewMockSynthesizer(),
		false,
	)

	h.inbound <- protocol.ClientEnd{Type: protocol.TypeEnd}
	h.await("completed", isType(protocol.TypeCompleted))

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("RunConnection() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not exit after client end")
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	cfg := testConfig()
	h := startHarness(t, cfg,
		NewMockTranscriber(),
		NewMockTurnProcessor(),
		NewMockSynthesizer(),
		false,
	)

	h.inbound <- protocol.ClientPing{Type: protocol.TypePing, Timestamp: 12345}
	pong := h.await("pong", isType(protocol.TypePong)).(protocol.Pong)
	if pong.Timestamp != 12345 {
		t.Fatalf("pong timestamp = %d, want 12345", pong.Timestamp)
	}
}
