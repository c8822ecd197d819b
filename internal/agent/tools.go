package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/mitchellh/mapstructure"

	"github.com/discord-voice-bridge/internal/logging"
)

// InvalidTargetID is the sentinel a disallowed direct-message target is
// replaced with before the tool runs. No deliverable destination has this ID.
const InvalidTargetID = "0"

// SendMessageArgs are the typed arguments of the backend's message-delivery
// tool, the one invocation kind we inspect rather than just render.
type SendMessageArgs struct {
	UserID    string `mapstructure:"user_id"`
	ChannelID string `mapstructure:"channel_id"`
	Message   string `mapstructure:"message"`
}

// RouteOverride redirects a named tool's payload straight to a known
// destination instead of letting the tool attempt delivery itself. Used by
// scheduled reminder turns where the destination is already decided.
type RouteOverride struct {
	ToolName string
	Deliver  func(text string) error
}

// ToolExecutor runs a tool invocation out-of-band (e.g. on a local MCP
// server) and returns the rendered result text. Execute reports ok=false
// when the tool is not handled locally.
type ToolExecutor interface {
	Execute(name string, args map[string]any) (result string, ok bool)
}

// parseToolArgs decodes invocation arguments, falling back to the raw text
// when the payload is not a JSON object.
func parseToolArgs(name string, raw json.RawMessage) ToolCall {
	tc := ToolCall{Name: name}
	if len(raw) == 0 {
		return tc
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		tc.Raw = string(raw)
		logging.Debugw("tool: arguments not valid JSON, keeping raw", "tool", name, "err", err)
		return tc
	}
	tc.Args = m
	return tc
}

// decodeSendMessageArgs maps loose argument keys onto the typed struct.
func decodeSendMessageArgs(args map[string]any) (SendMessageArgs, bool) {
	var out SendMessageArgs
	cfg := &mapstructure.DecoderConfig{Result: &out, WeaklyTypedInput: true}
	dec, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return out, false
	}
	if err := dec.Decode(args); err != nil {
		return out, false
	}
	return out, true
}

// summarizeToolCall renders a compact single-line description of an
// invocation for the output surface.
func summarizeToolCall(tc ToolCall) string {
	if tc.Args == nil {
		if tc.Raw != "" {
			return fmt.Sprintf("[tool] %s %s", tc.Name, truncate(tc.Raw, 120))
		}
		return fmt.Sprintf("[tool] %s", tc.Name)
	}
	keys := make([]string, 0, len(tc.Args))
	for k := range tc.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, truncate(fmt.Sprintf("%v", tc.Args[k]), 60)))
	}
	return fmt.Sprintf("[tool] %s(%s)", tc.Name, strings.Join(parts, ", "))
}

// toolFailure identifies the known failure signatures of tool results.
type toolFailure int

const (
	toolOK toolFailure = iota
	toolSizeLimit
	toolValidation
	toolTimeout
	toolGenericError
)

// classifyToolResult inspects a returned value for known failure
// signatures. Size-limit and validation phrasing is checked before the
// generic error+failed pattern so specific guidance wins.
func classifyToolResult(value string) toolFailure {
	v := strings.ToLower(value)
	switch {
	case strings.Contains(v, "size limit") || strings.Contains(v, "too large") || strings.Contains(v, "exceeds maximum"):
		return toolSizeLimit
	case strings.Contains(v, "validation"):
		return toolValidation
	case strings.Contains(v, "timeout") || strings.Contains(v, "timed out"):
		return toolTimeout
	case strings.Contains(v, "error") && strings.Contains(v, "failed"):
		return toolGenericError
	default:
		return toolOK
	}
}

// renderToolResult turns a tool return into a short human message. It never
// panics outward; a rendering failure degrades to a generic preview.
func renderToolResult(tr ToolReturn) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warnw("tool: result rendering panicked", "tool_id", tr.ID, "panic", r)
			msg = "[tool result unavailable]"
		}
	}()
	switch classifyToolResult(tr.Value) {
	case toolSizeLimit:
		return "The tool's output was too large to deliver. Try asking for a smaller piece."
	case toolValidation:
		return "The tool rejected its input as invalid."
	case toolTimeout:
		return "The tool timed out before finishing."
	case toolGenericError:
		return "The tool reported a failure: " + truncate(tr.Value, 160)
	default:
		return "[tool result] " + truncate(tr.Value, 200)
	}
}

// truncate shortens s to at most n bytes, backing up to a rune boundary so
// the cut never produces invalid UTF-8.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
