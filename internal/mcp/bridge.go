// Package mcp bridges agent tool invocations to an MCP server over a
// websocket session. Tools the server does not expose fall through to the
// normal summary path.
package mcp

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/discord-voice-bridge/internal/logging"
)

// Bridge holds an MCP client session and executes tool calls against it.
type Bridge struct {
	client *sdk.Client

	mu      sync.Mutex
	session *sdk.ClientSession
	tools   map[string]bool
	cancel  context.CancelFunc

	// CallTimeout bounds each tool invocation.
	CallTimeout time.Duration
}

// NewBridge builds an unconnected bridge identifying itself by name/version.
func NewBridge(name, version string) *Bridge {
	impl := &sdk.Implementation{Name: name, Version: version}
	return &Bridge{
		client:      sdk.NewClient(impl, nil),
		CallTimeout: 30 * time.Second,
	}
}

// Connect dials the MCP server websocket endpoint, opens a session, and
// caches the advertised tool names. http(s) schemes are mapped to ws(s).
func (b *Bridge) Connect(ctx context.Context, rawurl string) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	sess, err := b.client.Connect(ctx, newWebSocketTransport(conn), nil)
	if err != nil {
		_ = conn.Close()
		return err
	}

	tools := make(map[string]bool)
	listed, err := sess.ListTools(ctx, nil)
	if err != nil {
		logging.Warnw("mcp: tool listing failed, executing all names optimistically", "err", err)
	} else {
		for _, t := range listed.Tools {
			tools[t.Name] = true
		}
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	go keepalive(kaCtx, sess)

	b.mu.Lock()
	if prev := b.cancel; prev != nil {
		prev()
	}
	b.session = sess
	b.tools = tools
	b.cancel = cancel
	b.mu.Unlock()

	logging.Infow("mcp: connected", "url", rawurl, "tools", len(tools))
	return nil
}

func keepalive(ctx context.Context, sess *sdk.ClientSession) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = sess.Ping(context.Background(), nil)
		}
	}
}

// Execute runs the named tool on the connected server and renders its text
// content. It reports ok=false when no session is open, the server does not
// advertise the tool, or the call fails; the caller then handles the
// invocation some other way.
func (b *Bridge) Execute(name string, args map[string]any) (string, bool) {
	b.mu.Lock()
	sess := b.session
	known := len(b.tools) == 0 || b.tools[name]
	timeout := b.CallTimeout
	b.mu.Unlock()

	if sess == nil || !known {
		return "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	res, err := sess.CallTool(ctx, &sdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		logging.Warnw("mcp: tool call failed", "tool", name, "err", err)
		return "", false
	}
	if res.IsError {
		logging.Warnw("mcp: tool reported error", "tool", name)
		return "", false
	}

	var out string
	for _, c := range res.Content {
		if tc, ok := c.(*sdk.TextContent); ok {
			if out != "" {
				out += "\n"
			}
			out += tc.Text
		}
	}
	return out, out != ""
}

// Close tears down the session and keepalive loop.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if b.session != nil {
		err := b.session.Close()
		b.session = nil
		return err
	}
	return nil
}
