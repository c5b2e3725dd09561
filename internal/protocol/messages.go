package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Client → server.
	TypePing  MessageType = "ping"
	TypeStart MessageType = "start"
	TypeEnd   MessageType = "end"

	// Server → client.
	TypeConnected  MessageType = "connected"
	TypeVADResult  MessageType = "vad_result"
	TypeAutoSend   MessageType = "auto_send"
	TypeSTTResult  MessageType = "stt_result"
	TypeAIResponse MessageType = "ai_response"
	TypeTTSChunk   MessageType = "tts_chunk"
	TypeCompleted  MessageType = "completed"
	TypeErrorEvent MessageType = "error"
	TypePong       MessageType = "pong"
)

// VAD boundary events carried inside vad_result payloads.
const (
	EventSpeechStart = "speech_start"
	EventSpeechEnd   = "speech_end"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// eosLiteral is the bare-string stop signal; it predates the JSON control
// envelope and browser clients still send it.
var eosLiteral = []byte("EOS")

type Envelope struct {
	Type MessageType `json:"type"`
}

// AudioData is a raw binary PCM payload received on the websocket. It is not
// JSON; the gateway wraps binary frames in this type before handing them to
// the session engine.
type AudioData []byte

// EOS is the explicit "stop listening now" signal.
type EOS struct{}

type ClientPing struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// ClientStart arms a new listening episode. Required after session creation
// and after the empty-turn cap suspends continuous mode.
type ClientStart struct {
	Type MessageType `json:"type"`
}

// ClientEnd terminates the conversation.
type ClientEnd struct {
	Type MessageType `json:"type"`
}

type Connected struct {
	Type MessageType   `json:"type"`
	Data ConnectedData `json:"data"`
}

type ConnectedData struct {
	SessionID string    `json:"session_id"`
	VADConfig VADConfig `json:"vad_config"`
}

// VADConfig is surfaced to the client on connect so UI feedback can mirror
// server-side detection parameters.
type VADConfig struct {
	SampleRate       int     `json:"sample_rate"`
	FrameMS          int64   `json:"frame_ms"`
	SpeechThreshold  float64 `json:"speech_threshold"`
	SilenceTimeoutMS int64   `json:"silence_timeout_ms"`
	GuardWindowMS    int64   `json:"guard_window_ms"`
}

type VADResult struct {
	Type MessageType   `json:"type"`
	Data VADResultData `json:"data"`
}

type VADResultData struct {
	IsSpeech   bool    `json:"is_speech"`
	SpeechProb float64 `json:"speech_prob"`
	Event      string  `json:"event,omitempty"`
}

type AutoSend struct {
	Type MessageType  `json:"type"`
	Data AutoSendData `json:"data"`
}

type AutoSendData struct {
	Reason string `json:"reason"`
}

type STTResult struct {
	Type MessageType   `json:"type"`
	Data STTResultData `json:"data"`
}

type STTResultData struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type AIResponse struct {
	Type MessageType    `json:"type"`
	Data AIResponseData `json:"data"`
}

type AIResponseData struct {
	Text                string `json:"text"`
	SuggestedAction     string `json:"suggested_action"`
	HandoverStatus      string `json:"handover_status,omitempty"`
	IsHumanRequiredFlow bool   `json:"is_human_required_flow"`
	IsSessionEnd        bool   `json:"is_session_end"`
}

type TTSChunk struct {
	Type MessageType  `json:"type"`
	Data TTSChunkData `json:"data"`
}

type TTSChunkData struct {
	AudioBase64 string `json:"audio_base64"`
	ChunkIndex  int    `json:"chunk_index"`
	IsFinal     bool   `json:"is_final"`
}

type Completed struct {
	Type MessageType   `json:"type"`
	Data CompletedData `json:"data"`
}

type CompletedData struct {
	FinalText string `json:"final_text"`
}

type ErrorEvent struct {
	Type MessageType    `json:"type"`
	Data ErrorEventData `json:"data"`
}

type ErrorEventData struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Source    string `json:"source,omitempty"`
	Retryable bool   `json:"retryable"`
}

type Pong struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// ParseClientText parses a text websocket frame from the client. Binary
// frames bypass this and become AudioData directly.
func ParseClientText(raw []byte) (any, error) {
	if bytes.Equal(bytes.TrimSpace(raw), eosLiteral) {
		return EOS{}, nil
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypePing:
		var msg ClientPing
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeStart:
		return ClientStart{Type: TypeStart}, nil
	case TypeEnd:
		return ClientEnd{Type: TypeEnd}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// MessageTypeOf reports the wire type of an outbound message for metrics.
func MessageTypeOf(msg any) (MessageType, bool) {
	switch msg.(type) {
	case Connected:
		return TypeConnected, true
	case VADResult:
		return TypeVADResult, true
	case AutoSend:
		return TypeAutoSend, true
	case STTResult:
		return TypeSTTResult, true
	case AIResponse:
		return TypeAIResponse, true
	case TTSChunk:
		return TypeTTSChunk, true
	case Completed:
		return TypeCompleted, true
	case ErrorEvent:
		return TypeErrorEvent, true
	case Pong:
		return TypePong, true
	default:
		return "", false
	}
}
