package agent

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/discord-voice-bridge/internal/logging"
)

// Message is the request opening a streamed agent turn.
type Message struct {
	Message    string `json:"message"`
	SessionID  string `json:"session_id"`
	Role       string `json:"role"` // "user" or "system"
	SenderName string `json:"sender_name,omitempty"`
	AgentID    string `json:"agent_id"`
}

// StreamClient opens websocket response streams against the agent backend.
type StreamClient struct {
	URL       string
	AuthToken string
	AgentID   string
	Dialer    *websocket.Dialer
}

func NewStreamClient(rawurl, authToken, agentID string) *StreamClient {
	return &StreamClient{
		URL:       rawurl,
		AuthToken: authToken,
		AgentID:   agentID,
		Dialer:    websocket.DefaultDialer,
	}
}

// Open dials the agent endpoint, sends the turn request, and returns the
// chunk stream. The caller must Close the stream.
func (c *StreamClient) Open(ctx context.Context, msg Message) (*WSStream, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	var hdr http.Header
	if c.AuthToken != "" {
		hdr = http.Header{"Authorization": {"Bearer " + c.AuthToken}}
	}
	conn, _, err := c.Dialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		return nil, err
	}

	if msg.AgentID == "" {
		msg.AgentID = c.AgentID
	}
	if err := conn.WriteJSON(msg); err != nil {
		_ = conn.Close()
		return nil, err
	}
	logging.Debugw("agent: stream opened", "session_id", msg.SessionID, "role", msg.Role)
	return &WSStream{conn: conn}, nil
}

// WSStream adapts a websocket connection to the Stream interface.
type WSStream struct {
	conn *websocket.Conn
}

// Next reads and parses one frame. A normal close becomes io.EOF; parse
// failures and abnormal closes surface as errors for the reconciler's
// salvage logic to classify.
func (s *WSStream) Next(ctx context.Context) (Chunk, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return Chunk{}, io.EOF
		}
		return Chunk{}, err
	}
	return ParseChunk(data)
}

func (s *WSStream) Close() error { return s.conn.Close() }
