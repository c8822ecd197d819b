// Package chat is the simple request/response path to the conversational
// backend, used by voice turns. The richer streamed surface lives in
// internal/agent.
package chat

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/discord-voice-bridge/internal/logging"
	"github.com/discord-voice-bridge/internal/retry"
)

// Request is the chat request body.
type Request struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// Response is the chat reply.
type Response struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
	Error     string `json:"error,omitempty"`
}

// Client posts messages to the chat endpoint.
type Client struct {
	URL       string
	AuthToken string
	HTTP      *http.Client
	TimeoutMs int
}

func NewClient(url, authToken string, timeoutMs int) *Client {
	if timeoutMs <= 0 {
		timeoutMs = 60000
	}
	return &Client{
		URL:       url,
		AuthToken: authToken,
		HTTP:      &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		TimeoutMs: timeoutMs,
	}
}

// SessionIDForSpeaker derives a stable per-speaker session key so multi-turn
// context persists for each voice participant independently.
func SessionIDForSpeaker(guildID, userID string) string {
	sum := sha256.Sum256([]byte(guildID + ":" + userID))
	return "voice-" + hex.EncodeToString(sum[:8])
}

// Send posts a message keyed by sessionID and returns the reply text. The
// empty string (with nil error) means the backend produced no usable reply.
func (c *Client) Send(ctx context.Context, message, sessionID, correlationID string) (string, error) {
	if c.URL == "" {
		return "", fmt.Errorf("chat url not configured")
	}
	body, _ := json.Marshal(Request{Message: message, SessionID: sessionID})

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

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &retry.StatusError{Code: resp.StatusCode, Service: "chat"}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("chat decode: %w", err)
	}
	if out.Error != "" {
		logging.Warnw("chat: backend reported error", "correlation_id", correlationID, "err", out.Error)
		return "", nil
	}
	reply := strings.TrimSpace(out.Response)
	logging.Infow("chat: reply received", "correlation_id", correlationID, "session_id", sessionID, "reply_len", len(reply))
	return reply, nil
}
