package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voxlinehq/voxline/internal/reliability"
	"github.com/voxlinehq/voxline/internal/voice"
)

// turnRequest is the wire form sent to the turn-processing backend.
type turnRequest struct {
	SessionID         string `json:"session_id"`
	CustomerID        string `json:"customer_id"`
	TurnID            string `json:"turn_id"`
	Transcript        string `json:"transcript"`
	InterruptionCount int    `json:"interruption_count"`
	ContinuousMode    bool   `json:"continuous_mode"`
}

type turnResponse struct {
	Transcript      string `json:"transcript"`
	ReplyText       string `json:"reply_text"`
	SuggestedAction string `json:"suggested_action"`
	RequiresHandoff bool   `json:"requires_handoff"`
	IsSessionEnd    bool   `json:"is_session_end"`
}

// HTTPProcessor forwards utterances to an external turn-processing service.
// Transient backend failures are retried with capped exponential backoff
// inside the caller's deadline.
type HTTPProcessor struct {
	url        string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
}

func NewHTTPProcessor(url string) *HTTPProcessor {
	return &HTTPProcessor{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries: 2,
		backoff:    200 * time.Millisecond,
	}
}

func (p *HTTPProcessor) ProcessTurn(ctx context.Context, tc voice.TurnContext) (voice.TurnResult, error) {
	payload, err := json.Marshal(turnRequest{
		SessionID:         tc.SessionID,
		CustomerID:        tc.CustomerID,
		TurnID:            tc.TurnID,
		Transcript:        tc.Transcript,
		InterruptionCount: tc.InterruptionCount,
		ContinuousMode:    tc.ContinuousMode,
	})
	if err != nil {
		return voice.TurnResult{}, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, p.backoff, 2*time.Second)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return voice.TurnResult{}, ctx.Err()
			}
		}

		res, retryable, err := p.post(ctx, payload)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return voice.TurnResult{}, lastErr
}

func (p *HTTPProcessor) post(ctx context.Context, payload []byte) (voice.TurnResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return voice.TurnResult{}, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		return voice.TurnResult{}, reliability.IsRetryableError(err), fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return voice.TurnResult{}, reliability.IsRetryableHTTPStatus(res.StatusCode),
			fmt.Errorf("pipeline http status %d: %s", res.StatusCode, string(body))
	}

	var out turnResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return voice.TurnResult{}, false, fmt.Errorf("decode response: %w", err)
	}
	return voice.TurnResult{
		Transcript:      out.Transcript,
		ReplyText:       out.ReplyText,
		SuggestedAction: out.SuggestedAction,
		RequiresHandoff: out.RequiresHandoff,
		IsSessionEnd:    out.IsSessionEnd,
	}, false, nil
}
