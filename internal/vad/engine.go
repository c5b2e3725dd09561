package vad

import (
	"log"
	"time"
)

// Event marks a speech boundary crossing.
type Event int

const (
	EventNone Event = iota
	EventSpeechStart
	EventSpeechEnd
)

func (e Event) String() string {
	switch e {
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	default:
		return ""
	}
}

// Decision is the per-frame VAD output.
type Decision struct {
	Prob     float64
	IsSpeech bool
	Event    Event
}

// ProbabilitySource scores a frame with a speech probability in [0, 1].
// Implementations may be shared across sessions when inference is
// stateless per call.
type ProbabilitySource interface {
	SpeechProb(frame []int16) (float64, error)
}

// Params configures the hysteresis layer.
type Params struct {
	// Threshold is the probability above which a frame counts as speech.
	Threshold float64
	// StartFrames is the number of consecutive speech frames required to
	// emit EventSpeechStart.
	StartFrames int
	// EndSilence is the duration of consecutive non-speech frames required
	// to emit EventSpeechEnd.
	EndSilence time.Duration
	// FrameDuration is the wall-clock span of one frame.
	FrameDuration time.Duration
}

// Engine wraps a probability source with hysteresis so that boundary events
// fire only on sustained signal, never on a single flickering frame. A
// failing source degrades to non-speech: silence is the safe default.
type Engine struct {
	src    ProbabilitySource
	params Params

	endFrames  int
	speaking   bool
	speechRun  int
	silenceRun int
	srcFailed  bool
}

func NewEngine(src ProbabilitySource, params Params) *Engine {
	if params.Threshold <= 0 {
		params.Threshold = 0.5
	}
	if params.StartFrames <= 0 {
		params.StartFrames = 3
	}
	if params.FrameDuration <= 0 {
		params.FrameDuration = 32 * time.Millisecond
	}
	if params.EndSilence <= 0 {
		params.EndSilence = 240 * time.Millisecond
	}
	endFrames := int(params.EndSilence / params.FrameDuration)
	if endFrames <= 0 {
		endFrames = 1
	}
	return &Engine{src: src, params: params, endFrames: endFrames}
}

// Process scores one frame and advances the hysteresis state machine.
// Frames must arrive in order; the run counters depend on temporal
// continuity.
func (e *Engine) Process(frame []int16) Decision {
	prob, err := e.src.SpeechProb(frame)
	if err != nil {
		if !e.srcFailed {
			log.Printf("vad: probability source failing, degrading to non-speech: %v", err)
			e.srcFailed = true
		}
		prob = 0
	} else {
		e.srcFailed = false
	}
	if prob < 0 {
		prob = 0
	} else if prob > 1 {
		prob = 1
	}

	dec := Decision{Prob: prob, IsSpeech: prob >= e.params.Threshold}

	if dec.IsSpeech {
		e.silenceRun = 0
		e.speechRun++
		if !e.speaking && e.speechRun >= e.params.StartFrames {
			e.speaking = true
			dec.Event = EventSpeechStart
		}
	} else {
		e.speechRun = 0
		e.silenceRun++
		if e.speaking && e.silenceRun >= e.endFrames {
			e.speaking = false
			dec.Event = EventSpeechEnd
		}
	}
	return dec
}

// Speaking reports whether the engine is inside a speech interval.
func (e *Engine) Speaking() bool { return e.speaking }

// Reset clears hysteresis state for a fresh listening episode.
func (e *Engine) Reset() {
	e.speaking = false
	e.speechRun = 0
	e.silenceRun = 0
}
