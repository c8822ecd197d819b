// Package stt is the speech-to-text service client. The service accepts
// base64-encoded audio and returns a transcript; empty or whitespace-only
// text is treated as "nothing was said".
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/discord-voice-bridge/internal/logging"
	"github.com/discord-voice-bridge/internal/retry"
)

// Request is the transcription request body.
type Request struct {
	Audio    string `json:"audio"`
	Format   string `json:"format"`
	Language string `json:"language,omitempty"`
}

// Response is the transcription result.
type Response struct {
	Text       string `json:"text"`
	Status     string `json:"status"`
	Provider   string `json:"provider,omitempty"`
	DurationMs int    `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Client posts audio to the STT endpoint.
type Client struct {
	URL       string
	AuthToken string
	Language  string
	HTTP      *http.Client
	TimeoutMs int
}

// NewClient builds a client with a shared HTTP transport.
func NewClient(url, authToken, language string, timeoutMs int) *Client {
	if timeoutMs <= 0 {
		timeoutMs = 30000
	}
	return &Client{
		URL:       url,
		AuthToken: authToken,
		Language:  language,
		HTTP:      &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		TimeoutMs: timeoutMs,
	}
}

// Transcribe sends base64 WAV audio and returns the transcript. The empty
// string (with nil error) means the service produced no usable text.
func (c *Client) Transcribe(ctx context.Context, audioB64, correlationID string) (string, error) {
	if c.URL == "" {
		return "", fmt.Errorf("stt url not configured")
	}
	body, _ := json.Marshal(Request{Audio: audioB64, Format: "wav", Language: c.Language})

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(c.TimeoutMs)*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	if correlationID != "" {
		req.Header.Set("X-Correlation-ID", correlationID)
	}

	sendTs := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &retry.StatusError{Code: resp.StatusCode, Service: "stt"}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("stt decode: %w", err)
	}

	latencyMs := time.Since(sendTs).Milliseconds()
	logging.Infow("stt: response received",
		"correlation_id", correlationID, "status", out.Status,
		"provider", out.Provider, "latency_ms", latencyMs, "server_ms", out.DurationMs)

	if out.Status != "success" {
		logging.Debugw("stt: non-success status, treating as no transcription",
			"correlation_id", correlationID, "status", out.Status, "err", out.Error)
		return "", nil
	}
	return strings.TrimSpace(out.Text), nil
}
