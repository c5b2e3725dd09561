package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxlinehq/voxline/internal/voice"
)

func TestHTTPTranscriberPostsWAV(t *testing.T) {
	var body []byte
	var contentType string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		body, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(map[string]any{
			"text":       "cancel my order",
			"confidence": 0.93,
			"is_final":   true,
		})
	}))
	defer ts.Close()

	tr := NewHTTPTranscriber(ts.URL)
	got, err := tr.Transcribe(context.Background(), []int16{100, -100, 200, -200}, 16000)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if got.Text != "cancel my order" || !got.IsFinal {
		t.Fatalf("unexpected transcript: %+v", got)
	}
	if contentType != "audio/wav" {
		t.Fatalf("content type = %q", contentType)
	}
	if len(body) < 44 || !bytes.HasPrefix(body, []byte("RIFF")) {
		t.Fatalf("request body is not a WAV file (%d bytes)", len(body))
	}
}

func TestHTTPTranscriberStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	tr := NewHTTPTranscriber(ts.URL)
	if _, err := tr.Transcribe(context.Background(), []int16{1, 2, 3}, 16000); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestHTTPSynthesizerStreamsBody(t *testing.T) {
	audioOut := bytes.Repeat([]byte{0xAB}, 20<<10)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["text"] != "your refund is on its way" {
			t.Errorf("unexpected text %q", req["text"])
		}
		w.Write(audioOut)
	}))
	defer ts.Close()

	s := NewHTTPSynthesizer(ts.URL)
	chunks, err := s.Synthesize(context.Background(), "your refund is on its way")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	var got []byte
	sawFinal := false
	for c := range chunks {
		if sawFinal {
			t.Fatal("chunk received after final")
		}
		got = append(got, c.Audio...)
		sawFinal = c.IsFinal
	}
	if !sawFinal {
		t.Fatal("no final chunk")
	}
	if !bytes.Equal(got, audioOut) {
		t.Fatalf("reassembled %d bytes, want %d", len(got), len(audioOut))
	}
}

func TestHTTPSynthesizerMidStreamFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Promise more audio than is delivered: the connection dies
		// before the body completes.
		w.Header().Set("Content-Length", "100000")
		w.Write(bytes.Repeat([]byte{0xCD}, 10<<10))
	}))
	defer ts.Close()

	s := NewHTTPSynthesizer(ts.URL)
	chunks, err := s.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	var streamErr error
	for c := range chunks {
		if c.IsFinal {
			t.Fatal("truncated stream must not produce a final chunk")
		}
		streamErr = c.Err
	}
	if streamErr == nil {
		t.Fatal("expected the last chunk to carry the stream error")
	}
}

func TestHTTPSynthesizerStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "voice not found", http.StatusBadRequest)
	}))
	defer ts.Close()

	s := NewHTTPSynthesizer(ts.URL)
	if _, err := s.Synthesize(context.Background(), "hello"); err == nil {
		t.Fatal("expected error on 400")
	}
}

func TestSpeechFactoriesFallBackToMocks(t *testing.T) {
	if _, ok := NewTranscriber("").(*voice.MockTranscriber); !ok {
		t.Fatal("empty STT URL should select the mock transcriber")
	}
	if _, ok := NewSynthesizer("").(*voice.MockSynthesizer); !ok {
		t.Fatal("empty TTS URL should select the mock synthesizer")
	}
	if _, ok := NewTranscriber("http://stt.local").(*HTTPTranscriber); !ok {
		t.Fatal("STT URL should select the HTTP transcriber")
	}
	if _, ok := NewSynthesizer("http://tts.local").(*HTTPSynthesizer); !ok {
		t.Fatal("TTS URL should select the HTTP synthesizer")
	}
}
