package voice

import "context"

// Transcript is the STT collaborator's output for one utterance.
type Transcript struct {
	Text       string
	Confidence float64
	IsFinal    bool
}

// Transcriber converts a buffered utterance into text. Implementations may
// be shared across sessions when inference is stateless per call.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []int16, sampleRate int) (Transcript, error)
}

// TurnContext carries session state into the turn-processing pipeline.
type TurnContext struct {
	SessionID         string
	CustomerID        string
	TurnID            string
	Transcript        string
	InterruptionCount int
	ContinuousMode    bool
}

// TurnResult is the pipeline's answer for one customer utterance.
type TurnResult struct {
	Transcript      string
	ReplyText       string
	SuggestedAction string
	RequiresHandoff bool
	IsSessionEnd    bool
}

// TurnProcessor is the language-understanding pipeline. It is a black box
// to the session engine: text in, reply and action signal out.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, tc TurnContext) (TurnResult, error)
}

// SynthesizedChunk is one streamed block of playback audio. A non-nil Err
// reports a mid-stream failure: no further chunks follow and the reply must
// not be treated as complete.
type SynthesizedChunk struct {
	Audio   []byte
	Index   int
	IsFinal bool
	Err     error
}

// Synthesizer streams playback audio for a reply. The returned channel is
// closed after the final chunk, after an Err chunk, or when ctx is
// cancelled; cancelling ctx is how the engine stops playback mid-stream on
// barge-in.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan SynthesizedChunk, error)
}
