package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/voxlinehq/voxline/internal/audio"
	"github.com/voxlinehq/voxline/internal/voice"
)

// HTTPTranscriber posts assembled utterances as WAV to a transcription
// sidecar and decodes the resulting transcript.
type HTTPTranscriber struct {
	url    string
	client *http.Client
}

func NewHTTPTranscriber(url string) *HTTPTranscriber {
	return &HTTPTranscriber{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewTranscriber uses the HTTP sidecar when a URL is configured, otherwise
// the in-process mock.
func NewTranscriber(url string) voice.Transcriber {
	if strings.TrimSpace(url) != "" {
		log.Printf("stt backend: http (%s)", url)
		return NewHTTPTranscriber(url)
	}
	log.Printf("stt backend: mock (no STT_URL)")
	return voice.NewMockTranscriber()
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, pcm []int16, sampleRate int) (voice.Transcript, error) {
	wav, err := audio.EncodeWAVPCM16LE(audio.PCM16Bytes([][]int16{pcm}), sampleRate)
	if err != nil {
		return voice.Transcript{}, fmt.Errorf("encode wav: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(wav))
	if err != nil {
		return voice.Transcript{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")

	res, err := t.client.Do(req)
	if err != nil {
		return voice.Transcript{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return voice.Transcript{}, fmt.Errorf("stt http status %d: %s", res.StatusCode, string(body))
	}

	var out struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
		IsFinal    bool    `json:"is_final"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return voice.Transcript{}, fmt.Errorf("decode response: %w", err)
	}
	return voice.Transcript{Text: out.Text, Confidence: out.Confidence, IsFinal: out.IsFinal}, nil
}

// HTTPSynthesizer posts reply text to a synthesis sidecar and streams the
// returned audio body back in fixed-size chunks.
type HTTPSynthesizer struct {
	url       string
	client    *http.Client
	chunkSize int
}

func NewHTTPSynthesizer(url string) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		chunkSize: 8 << 10,
	}
}

// NewSynthesizer uses the HTTP sidecar when a URL is configured, otherwise
// the in-process mock.
func NewSynthesizer(url string) voice.Synthesizer {
	if strings.TrimSpace(url) != "" {
		log.Printf("tts backend: http (%s)", url)
		return NewHTTPSynthesizer(url)
	}
	log.Printf("tts backend: mock (no TTS_URL)")
	return voice.NewMockSynthesizer()
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text string) (<-chan voice.SynthesizedChunk, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, fmt.Errorf("tts http status %d: %s", res.StatusCode, string(body))
	}

	out := make(chan voice.SynthesizedChunk, 8)
	go func() {
		defer close(out)
		defer res.Body.Close()

		index := 0
		buf := make([]byte, s.chunkSize)
		var pending []byte
		for {
			n, err := res.Body.Read(buf)
			if n > 0 {
				if pending != nil {
					select {
					case out <- voice.SynthesizedChunk{Audio: pending, Index: index}:
						index++
					case <-ctx.Done():
						return
					}
				}
				pending = append([]byte(nil), buf[:n]...)
			}
			if err == io.EOF {
				if pending != nil {
					select {
					case out <- voice.SynthesizedChunk{Audio: pending, Index: index, IsFinal: true}:
					case <-ctx.Done():
					}
				}
				return
			}
			if err != nil {
				// A truncated stream must not look like a completed reply.
				select {
				case out <- voice.SynthesizedChunk{Index: index, Err: fmt.Errorf("tts stream: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return out, nil
}
