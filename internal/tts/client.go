// Package tts is the text-to-speech service client. The service returns raw
// audio bytes; the Content-Type header is passed back to the caller as a
// decoder hint for playback.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/discord-voice-bridge/internal/logging"
	"github.com/discord-voice-bridge/internal/retry"
)

// Request is the synthesis request body.
type Request struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
}

// Client posts text to the TTS endpoint.
type Client struct {
	URL       string
	AuthToken string
	Voice     string
	Speed     float64
	HTTP      *http.Client
	TimeoutMs int
}

func NewClient(url, authToken, voice string, speed float64, timeoutMs int) *Client {
	if timeoutMs <= 0 {
		timeoutMs = 30000
	}
	return &Client{
		URL:       url,
		AuthToken: authToken,
		Voice:     voice,
		Speed:     speed,
		HTTP:      &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		TimeoutMs: timeoutMs,
	}
}

// Synthesize returns the synthesized audio and its MIME type. A nil/empty
// buffer with nil error means the service produced no audio.
func (c *Client) Synthesize(ctx context.Context, text, correlationID string) ([]byte, string, error) {
	if c.URL == "" {
		return nil, "", fmt.Errorf("tts url not configured")
	}
	body, _ := json.Marshal(Request{Text: text, Voice: c.Voice, Speed: c.Speed})

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(c.TimeoutMs)*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	if correlationID != "" {
		req.Header.Set("X-Correlation-ID", correlationID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, "", &retry.StatusError{Code: resp.StatusCode, Service: "tts"}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("tts read body: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	logging.Infow("tts: audio received", "correlation_id", correlationID, "bytes", len(audio), "mime", mime)
	return audio, mime, nil
}
