package voice

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxlinehq/voxline/internal/audio"
	"github.com/voxlinehq/voxline/internal/config"
	"github.com/voxlinehq/voxline/internal/handoff"
	"github.com/voxlinehq/voxline/internal/observability"
	"github.com/voxlinehq/voxline/internal/policy"
	"github.com/voxlinehq/voxline/internal/protocol"
	"github.com/voxlinehq/voxline/internal/reliability"
	"github.com/voxlinehq/voxline/internal/session"
	"github.com/voxlinehq/voxline/internal/turn"
	"github.com/voxlinehq/voxline/internal/vad"
)

const (
	persistTimeout  = 5 * time.Second
	outboundTimeout = 600 * time.Millisecond
)

// Engine drives one realtime voice conversation per connection: it frames
// incoming audio, detects speech boundaries, enforces the turn protocol,
// and relays the STT → pipeline → TTS cycle to the client.
type Engine struct {
	sessions    *session.Manager
	store       handoff.Store
	transcriber Transcriber
	processor   TurnProcessor
	synthesizer Synthesizer
	metrics     *observability.Metrics
	cfg         *config.Config

	// vadSource is shared across sessions; scoring is stateless per call.
	vadSource vad.ProbabilitySource
}

func NewEngine(
	sessions *session.Manager,
	store handoff.Store,
	transcriber Transcriber,
	processor TurnProcessor,
	synthesizer Synthesizer,
	metrics *observability.Metrics,
	cfg *config.Config,
) *Engine {
	return &Engine{
		sessions:    sessions,
		store:       store,
		transcriber: transcriber,
		processor:   processor,
		synthesizer: synthesizer,
		metrics:     metrics,
		cfg:         cfg,
		vadSource:   vad.NewEnergySource(cfg.EnergyReference),
	}
}

// turnOutcome carries one resolved pipeline call back into the session loop.
type turnOutcome struct {
	token  int64
	turnID string
	text   string
	result TurnResult
	err    error
}

// VADConfigForClient describes server-side detection parameters, surfaced
// once on connect for client UI feedback.
func (e *Engine) VADConfigForClient() protocol.VADConfig {
	return protocol.VADConfig{
		SampleRate:       e.cfg.SampleRate,
		FrameMS:          e.cfg.FrameDuration.Milliseconds(),
		SpeechThreshold:  e.cfg.SpeechThreshold,
		SilenceTimeoutMS: e.cfg.SilenceTimeout.Milliseconds(),
		GuardWindowMS:    e.cfg.BargeInGuardWindow.Milliseconds(),
	}
}

// RunConnection owns one session's turn loop. All session state lives in
// this goroutine; the gateway feeds inbound and drains outbound. Returns
// when the client ends the conversation, the connection drops, or ctx is
// cancelled. Frame processing is strictly sequential: the hysteresis and
// timing logic depend on arrival order.
func (e *Engine) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	framer := audio.NewFramer(e.cfg.SampleRate, e.cfg.FrameDuration)
	detector := vad.NewEngine(e.vadSource, vad.Params{
		Threshold:     e.cfg.SpeechThreshold,
		StartFrames:   e.cfg.SpeechStartFrames,
		EndSilence:    e.cfg.SpeechEndSilence,
		FrameDuration: e.cfg.FrameDuration,
	})
	silence := vad.NewSilenceTimeout(e.cfg.SilenceTimeout)
	machine := turn.NewMachine()
	machine.AddListener(func(c turn.Change) {
		e.metrics.SessionEvents.WithLabelValues("state_" + c.To.String()).Inc()
	})

	frameDur := e.cfg.FrameDuration
	maxUtteranceSamples := int(e.cfg.MaxUtteranceLength.Seconds() * float64(e.cfg.SampleRate))

	var (
		utterance []int16
		lead      [][]int16 // frames preceding a confirmed speech start

		bargeIn    *vad.BargeIn
		playback   <-chan SynthesizedChunk
		playCancel context.CancelFunc
		replyText  string

		turnResults  = make(chan turnOutcome, 1)
		activeToken  int64
		turnCancel   context.CancelFunc
		committedAt  time.Time
		commitReason string

		continuous = s.ContinuousMode
	)

	stopPlayback := func() {
		if playCancel != nil {
			playCancel()
			playCancel = nil
		}
		playback = nil
		bargeIn = nil
	}
	cancelActiveTurn := func() {
		activeToken++ // in-flight results become stale and are discarded
		if turnCancel != nil {
			turnCancel()
			turnCancel = nil
		}
		stopPlayback()
	}
	enterListening := func(reason string) error {
		if err := machine.Transition(turn.StateListening, reason); err != nil {
			return err
		}
		detector.Reset()
		silence.Reset()
		framer.Reset()
		utterance = utterance[:0]
		lead = lead[:0]
		return nil
	}

	e.send(outbound, protocol.Connected{
		Type: protocol.TypeConnected,
		Data: protocol.ConnectedData{SessionID: s.ID, VADConfig: e.VADConfigForClient()},
	})

	// A resumed or continuous session goes straight back to listening;
	// otherwise the client must send an explicit start. A session that hit
	// the empty-turn cap stays idle across reconnects too: only an explicit
	// start re-arms it.
	if continuous && s.ConsecutiveEmptyTurns < e.cfg.MaxEmptyTurns {
		if err := enterListening("continuous_resume"); err != nil {
			return err
		}
	}

	finishEmptyListen := func() {
		count, err := e.sessions.FinishTurn(s.ID, true)
		if err != nil {
			log.Printf("session %s: finish empty turn: %v", s.ID, err)
		}
		e.metrics.EmptyTurns.Inc()
		e.send(outbound, protocol.Completed{Type: protocol.TypeCompleted, Data: protocol.CompletedData{}})
		if count >= e.cfg.MaxEmptyTurns {
			if err := machine.Transition(turn.StateIdle, "empty_turn_cap"); err == nil {
				log.Printf("session %s: empty-turn cap reached, awaiting explicit start", s.ID)
			}
			return
		}
		if machine.State() == turn.StateListening {
			detector.Reset()
			silence.Reset()
			utterance = utterance[:0]
			lead = lead[:0]
			return
		}
		if continuous {
			if err := enterListening("empty_turn_retry"); err != nil {
				log.Printf("session %s: relisten after empty turn: %v", s.ID, err)
			}
			return
		}
		if err := machine.Transition(turn.StateIdle, "empty_turn"); err != nil {
			log.Printf("session %s: idle after empty turn: %v", s.ID, err)
		}
	}

	commitTurn := func(reason string) {
		if machine.State() != turn.StateListening {
			log.Printf("session %s: commit %q ignored in state %s", s.ID, reason, machine.State())
			return
		}
		e.send(outbound, protocol.AutoSend{Type: protocol.TypeAutoSend, Data: protocol.AutoSendData{Reason: reason}})

		pcm := utterance
		utterance = nil
		lead = lead[:0]
		detector.Reset()
		silence.Reset()

		// A silence-only listen never reaches the pipeline.
		if len(pcm) == 0 {
			finishEmptyListen()
			return
		}

		if err := machine.Transition(turn.StateProcessingTurn, reason); err != nil {
			log.Printf("session %s: enter processing: %v", s.ID, err)
			return
		}

		turnID := uuid.NewString()
		if err := e.sessions.StartTurn(s.ID, turnID); err != nil {
			log.Printf("session %s: start turn: %v", s.ID, err)
		}
		activeToken++
		token := activeToken
		commitReason = reason
		committedAt = time.Now()

		snap, err := e.sessions.Get(s.ID)
		if err != nil {
			snap = s
		}
		tctx, cancel := context.WithTimeout(ctx, e.cfg.TurnTimeout)
		turnCancel = cancel

		tc := TurnContext{
			SessionID:         s.ID,
			CustomerID:        s.CustomerID,
			TurnID:            turnID,
			InterruptionCount: snap.InterruptionCount,
			ContinuousMode:    continuous,
		}
		go e.runTurn(tctx, token, turnID, tc, pcm, turnResults)
	}

	resumeAfterResponse := func(final string) {
		e.send(outbound, protocol.Completed{Type: protocol.TypeCompleted, Data: protocol.CompletedData{FinalText: final}})
		e.metrics.TurnsCompleted.WithLabelValues(commitReason).Inc()
		if continuous {
			if err := enterListening("auto_resume"); err != nil {
				log.Printf("session %s: auto resume: %v", s.ID, err)
			}
			return
		}
		if err := machine.Transition(turn.StateIdle, "turn_complete"); err != nil {
			log.Printf("session %s: idle after turn: %v", s.ID, err)
		}
	}

	processFrame := func(frame []int16) {
		dec := detector.Process(frame)
		state := machine.State()

		switch state {
		case turn.StateListening:
			e.sendVADResult(outbound, dec)
			if dec.Event != vad.EventNone {
				e.metrics.VADEvents.WithLabelValues(dec.Event.String()).Inc()
			}

			switch {
			case detector.Speaking() || dec.Event == vad.EventSpeechStart:
				if dec.Event == vad.EventSpeechStart {
					for _, lf := range lead {
						utterance = append(utterance, lf...)
					}
					lead = lead[:0]
				}
				utterance = append(utterance, frame...)
			case len(utterance) > 0:
				// Mid-utterance pause: keep the audio so the
				// transcript does not lose trailing words.
				utterance = append(utterance, frame...)
			default:
				lead = append(lead, frame)
				if len(lead) > e.cfg.SpeechStartFrames {
					lead = lead[1:]
				}
			}

			if maxUtteranceSamples > 0 && len(utterance) >= maxUtteranceSamples {
				commitTurn("max_utterance")
				return
			}
			if silence.Observe(dec, frameDur) {
				commitTurn("silence_timeout")
			}

		case turn.StateResponding:
			e.sendVADResult(outbound, dec)
			if bargeIn != nil && bargeIn.Observe(dec.Prob, frameDur) {
				e.metrics.BargeIns.Inc()
				if err := e.sessions.Interrupt(s.ID); err != nil {
					log.Printf("session %s: record interrupt: %v", s.ID, err)
				}
				stopPlayback()
				if err := enterListening("barge_in"); err != nil {
					log.Printf("session %s: barge-in relisten: %v", s.ID, err)
				}
			}

		default:
			// Idle, ProcessingTurn, Ended: audio is not part of any
			// utterance. ProcessingTurn frames are absorbed here so a
			// live client never blocks on an in-flight pipeline call.
		}
	}

	for {
		select {
		case <-ctx.Done():
			cancelActiveTurn()
			return nil

		case msg, ok := <-inbound:
			if !ok {
				cancelActiveTurn()
				return nil
			}
			if err := e.sessions.Touch(s.ID); err != nil {
				log.Printf("session %s: touch: %v", s.ID, err)
			}

			switch m := msg.(type) {
			case protocol.AudioData:
				e.metrics.WSMessages.WithLabelValues("in", "audio").Inc()
				for _, frame := range framer.PushPCM16(m, e.cfg.SampleRate) {
					processFrame(frame)
				}

			case protocol.EOS:
				e.metrics.WSMessages.WithLabelValues("in", "eos").Inc()
				commitTurn("eos")

			case protocol.ClientStart:
				e.metrics.WSMessages.WithLabelValues("in", string(protocol.TypeStart)).Inc()
				if machine.State() != turn.StateIdle {
					log.Printf("session %s: start ignored in state %s", s.ID, machine.State())
					continue
				}
				if err := e.sessions.ResetEmptyTurns(s.ID); err != nil {
					log.Printf("session %s: reset empty turns: %v", s.ID, err)
				}
				if err := enterListening("client_start"); err != nil {
					log.Printf("session %s: client start: %v", s.ID, err)
				}

			case protocol.ClientEnd:
				e.metrics.WSMessages.WithLabelValues("in", string(protocol.TypeEnd)).Inc()
				cancelActiveTurn()
				if machine.CanTransition(turn.StateEnded) {
					_ = machine.Transition(turn.StateEnded, "client_end")
				}
				if _, err := e.sessions.End(s.ID); err != nil {
					log.Printf("session %s: end: %v", s.ID, err)
				}
				e.send(outbound, protocol.Completed{Type: protocol.TypeCompleted, Data: protocol.CompletedData{}})
				return nil

			case protocol.ClientPing:
				e.send(outbound, protocol.Pong{Type: protocol.TypePong, Timestamp: m.Timestamp})

			default:
				log.Printf("session %s: unexpected message %T ignored", s.ID, msg)
			}

		case out := <-turnResults:
			if out.token != activeToken || machine.State() != turn.StateProcessingTurn {
				continue // superseded turn, output discarded
			}
			if turnCancel != nil {
				turnCancel()
				turnCancel = nil
			}

			if out.err != nil {
				if err := e.sessions.AbortTurn(s.ID); err != nil {
					log.Printf("session %s: abort turn: %v", s.ID, err)
				}
				e.send(outbound, protocol.ErrorEvent{
					Type: protocol.TypeErrorEvent,
					Data: protocol.ErrorEventData{
						Message:   "turn processing failed",
						Code:      "turn_pipeline_failed",
						Source:    "pipeline",
						Retryable: reliability.IsRetryableError(out.err),
					},
				})
				log.Printf("session %s turn %s: pipeline: %v", s.ID, out.turnID, out.err)
				if err := machine.Transition(turn.StateIdle, "pipeline_failure"); err != nil {
					log.Printf("session %s: idle after failure: %v", s.ID, err)
				}
				continue
			}

			e.send(outbound, protocol.STTResult{
				Type: protocol.TypeSTTResult,
				Data: protocol.STTResultData{Text: out.text, IsFinal: true},
			})

			if out.text == "" {
				finishEmptyListen()
				continue
			}

			if _, err := e.sessions.FinishTurn(s.ID, false); err != nil {
				log.Printf("session %s: finish turn: %v", s.ID, err)
			}
			e.persistTurn(s, out)

			handover := ""
			if out.result.RequiresHandoff {
				handover = handoff.StatusPending
			}
			e.send(outbound, protocol.AIResponse{
				Type: protocol.TypeAIResponse,
				Data: protocol.AIResponseData{
					Text:                out.result.ReplyText,
					SuggestedAction:     out.result.SuggestedAction,
					HandoverStatus:      handover,
					IsHumanRequiredFlow: out.result.RequiresHandoff,
					IsSessionEnd:        out.result.IsSessionEnd,
				},
			})
			e.metrics.ObserveTurnLatency(time.Since(committedAt))

			if out.result.IsSessionEnd {
				e.send(outbound, protocol.Completed{
					Type: protocol.TypeCompleted,
					Data: protocol.CompletedData{FinalText: out.result.ReplyText},
				})
				_ = machine.Transition(turn.StateEnded, "session_end")
				if _, err := e.sessions.End(s.ID); err != nil {
					log.Printf("session %s: end: %v", s.ID, err)
				}
				return nil
			}

			// Completing one manual turn switches the session into
			// continuous mode: listening resumes automatically from
			// here on.
			if !continuous {
				continuous = true
				if err := e.sessions.SetContinuousMode(s.ID, true); err != nil {
					log.Printf("session %s: set continuous: %v", s.ID, err)
				}
			}

			if strings.TrimSpace(out.result.ReplyText) == "" {
				resumeAfterResponse("")
				continue
			}

			if err := machine.Transition(turn.StateResponding, "reply_ready"); err != nil {
				log.Printf("session %s: enter responding: %v", s.ID, err)
				continue
			}
			replyText = out.result.ReplyText
			pctx, pcancel := context.WithCancel(ctx)
			ch, err := e.synthesizer.Synthesize(pctx, replyText)
			if err != nil {
				pcancel()
				e.send(outbound, protocol.ErrorEvent{
					Type: protocol.TypeErrorEvent,
					Data: protocol.ErrorEventData{
						Message:   "speech synthesis failed",
						Code:      "tts_failed",
						Source:    "tts",
						Retryable: reliability.IsRetryableError(err),
					},
				})
				if err := machine.Transition(turn.StateIdle, "tts_failure"); err != nil {
					log.Printf("session %s: idle after tts failure: %v", s.ID, err)
				}
				continue
			}
			playCancel = pcancel
			playback = ch
			bargeIn = vad.NewBargeIn(vad.BargeInParams{
				GuardWindow: e.cfg.BargeInGuardWindow,
				StrongProb:  e.cfg.BargeInStrongProb,
				StrongHold:  e.cfg.BargeInStrongHold,
				WeakProb:    e.cfg.BargeInWeakProb,
				WeakHold:    e.cfg.BargeInWeakHold,
			})

		case chunk, ok := <-playback:
			if machine.State() != turn.StateResponding {
				stopPlayback()
				continue
			}
			if !ok {
				stopPlayback()
				resumeAfterResponse(replyText)
				continue
			}
			if chunk.Err != nil {
				log.Printf("session %s: tts stream: %v", s.ID, chunk.Err)
				stopPlayback()
				e.send(outbound, protocol.ErrorEvent{
					Type: protocol.TypeErrorEvent,
					Data: protocol.ErrorEventData{
						Message:   "speech synthesis failed",
						Code:      "tts_failed",
						Source:    "tts",
						Retryable: reliability.IsRetryableError(chunk.Err),
					},
				})
				if err := machine.Transition(turn.StateIdle, "tts_failure"); err != nil {
					log.Printf("session %s: idle after tts failure: %v", s.ID, err)
				}
				continue
			}
			e.send(outbound, protocol.TTSChunk{
				Type: protocol.TypeTTSChunk,
				Data: protocol.TTSChunkData{
					AudioBase64: base64.StdEncoding.EncodeToString(chunk.Audio),
					ChunkIndex:  chunk.Index,
					IsFinal:     chunk.IsFinal,
				},
			})
			if chunk.IsFinal {
				stopPlayback()
				resumeAfterResponse(replyText)
			}
		}
	}
}

// runTurn resolves one utterance off the session loop: STT, then the turn
// pipeline. Silence that transcribes to nothing skips the pipeline call.
func (e *Engine) runTurn(ctx context.Context, token int64, turnID string, tc TurnContext, pcm []int16, results chan<- turnOutcome) {
	tr, err := e.transcriber.Transcribe(ctx, pcm, e.cfg.SampleRate)
	if err != nil {
		results <- turnOutcome{token: token, turnID: turnID, err: fmt.Errorf("transcribe: %w", err)}
		return
	}

	text := strings.TrimSpace(tr.Text)
	if text == "" {
		results <- turnOutcome{token: token, turnID: turnID}
		return
	}

	tc.Transcript = text
	res, err := e.processor.ProcessTurn(ctx, tc)
	if err != nil {
		results <- turnOutcome{token: token, turnID: turnID, text: text, err: fmt.Errorf("process turn: %w", err)}
		return
	}
	if res.Transcript == "" {
		res.Transcript = text
	}
	results <- turnOutcome{token: token, turnID: turnID, text: text, result: res}
}

// persistTurn hands the finished turn to the storage collaborator off the
// session loop. Persistence failure never affects the live conversation.
func (e *Engine) persistTurn(s *session.Session, out turnOutcome) {
	if e.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		customerText, customerRedacted := policy.RedactPII(out.text)
		if err := e.store.SaveTranscript(ctx, handoff.TranscriptRecord{
			SessionID:   s.ID,
			CustomerID:  s.CustomerID,
			Role:        "customer",
			Content:     customerText,
			PIIRedacted: customerRedacted,
		}); err != nil {
			log.Printf("session %s: save customer transcript: %v", s.ID, err)
		}

		agentText, agentRedacted := policy.RedactPII(out.result.ReplyText)
		if err := e.store.SaveTranscript(ctx, handoff.TranscriptRecord{
			SessionID:   s.ID,
			CustomerID:  s.CustomerID,
			Role:        "agent",
			Content:     agentText,
			PIIRedacted: agentRedacted,
		}); err != nil {
			log.Printf("session %s: save agent transcript: %v", s.ID, err)
		}

		if out.result.RequiresHandoff {
			if _, err := e.store.RequestHandoff(ctx, handoff.Request{
				SessionID:  s.ID,
				CustomerID: s.CustomerID,
				Reason:     out.result.SuggestedAction,
			}); err != nil {
				log.Printf("session %s: request handoff: %v", s.ID, err)
			}
		}
	}()
}

// send delivers an outbound message with a bounded wait so a stalled client
// cannot wedge the session loop. Per-frame VAD feedback is best effort and
// dropped when the writer is saturated.
func (e *Engine) send(outbound chan<- any, msg any) {
	msgType, _ := protocol.MessageTypeOf(msg)

	timer := time.NewTimer(outboundTimeout)
	defer timer.Stop()
	select {
	case outbound <- msg:
		e.metrics.WSMessages.WithLabelValues("out", string(msgType)).Inc()
	case <-timer.C:
		e.metrics.SessionEvents.WithLabelValues("outbound_timeout").Inc()
	}
}

func (e *Engine) sendVADResult(outbound chan<- any, dec vad.Decision) {
	event := ""
	switch dec.Event {
	case vad.EventSpeechStart:
		event = protocol.EventSpeechStart
	case vad.EventSpeechEnd:
		event = protocol.EventSpeechEnd
	}
	msg := protocol.VADResult{
		Type: protocol.TypeVADResult,
		Data: protocol.VADResultData{IsSpeech: dec.IsSpeech, SpeechProb: dec.Prob, Event: event},
	}
	select {
	case outbound <- msg:
		e.metrics.WSMessages.WithLabelValues("out", string(protocol.TypeVADResult)).Inc()
	default:
		e.metrics.SessionEvents.WithLabelValues("vad_result_drop").Inc()
	}
}
