// Package agent consumes the conversational backend's streamed response
// surface: a sequence of typed chunks (content deltas, reasoning, tool
// activity, usage stats) that must be reconciled into exactly-once message
// delivery.
package agent

import (
	"encoding/json"
	"fmt"
)

// ChunkKind identifies a stream frame. The set is closed: anything the
// parser does not recognize becomes KindUnknown and is skipped, never
// guessed at.
type ChunkKind int

const (
	KindUnknown ChunkKind = iota
	KindContentDelta
	KindStop
	KindReasoningDelta
	KindToolInvocation
	KindToolResult
	KindUsage
	KindError
)

func (k ChunkKind) String() string {
	switch k {
	case KindContentDelta:
		return "content_delta"
	case KindStop:
		return "stop"
	case KindReasoningDelta:
		return "reasoning_delta"
	case KindToolInvocation:
		return "tool_invocation"
	case KindToolResult:
		return "tool_result"
	case KindUsage:
		return "usage"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// StopReasonInternalError is the stop reason the backend emits when its own
// agent failed mid-response. It is sticky but does not abort consumption:
// trailing usage frames may still arrive.
const StopReasonInternalError = "internal_error"

// Usage carries token accounting from the backend.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Chunk is one parsed stream frame.
type Chunk struct {
	Kind       ChunkKind
	Text       string // content or reasoning delta text
	StopReason string
	ToolID     string
	ToolName   string
	ToolArgs   json.RawMessage // invocation arguments, unparsed
	ToolValue  string          // tool result value, stringified
	Usage      *Usage
	ErrMessage string
}

// wireChunk is the primary tagged frame format.
type wireChunk struct {
	Type       string          `json:"type"`
	Delta      string          `json:"delta,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	ToolID     string          `json:"tool_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// legacyChunk is the secondary frame format still emitted by older backend
// versions: the kind lives under "event" and the payload under "data".
type legacyChunk struct {
	Event string `json:"event"`
	Data  struct {
		Text      string          `json:"text,omitempty"`
		Reason    string          `json:"reason,omitempty"`
		ToolID    string          `json:"tool_id,omitempty"`
		Name      string          `json:"name,omitempty"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
		Value     json.RawMessage `json:"value,omitempty"`
		Usage     *Usage          `json:"usage,omitempty"`
	} `json:"data"`
}

// ParseChunk decodes one stream frame. It tries the tagged format first and
// falls back to the explicit legacy format; any other shape is an error so
// the reconciler can decide whether the stream is salvageable.
func ParseChunk(raw []byte) (Chunk, error) {
	var w wireChunk
	if err := json.Unmarshal(raw, &w); err == nil && w.Type != "" {
		return fromWire(w), nil
	}
	var l legacyChunk
	if err := json.Unmarshal(raw, &l); err == nil && l.Event != "" {
		return fromLegacy(l), nil
	}
	return Chunk{}, fmt.Errorf("unparseable stream frame (%d bytes)", len(raw))
}

func fromWire(w wireChunk) Chunk {
	c := Chunk{
		StopReason: w.StopReason,
		ToolID:     w.ToolID,
		ToolName:   w.ToolName,
		ToolArgs:   w.Arguments,
		ToolValue:  rawToString(w.Value),
		Usage:      w.Usage,
		ErrMessage: w.Message,
	}
	switch w.Type {
	case "content_delta":
		c.Kind = KindContentDelta
		c.Text = w.Delta
	case "stop", "message_stop":
		c.Kind = KindStop
	case "reasoning_delta", "thinking_delta":
		c.Kind = KindReasoningDelta
		c.Text = w.Delta
	case "tool_use", "tool_invocation":
		c.Kind = KindToolInvocation
	case "tool_result":
		c.Kind = KindToolResult
	case "usage":
		c.Kind = KindUsage
	case "error":
		c.Kind = KindError
	default:
		c.Kind = KindUnknown
	}
	return c
}

func fromLegacy(l legacyChunk) Chunk {
	c := Chunk{
		StopReason: l.Data.Reason,
		ToolID:     l.Data.ToolID,
		ToolName:   l.Data.Name,
		ToolArgs:   l.Data.Arguments,
		ToolValue:  rawToString(l.Data.Value),
		Usage:      l.Data.Usage,
		ErrMessage: l.Data.Text,
	}
	switch l.Event {
	case "content":
		c.Kind = KindContentDelta
		c.Text = l.Data.Text
	case "done", "stop":
		c.Kind = KindStop
	case "reasoning":
		c.Kind = KindReasoningDelta
		c.Text = l.Data.Text
	case "tool_call":
		c.Kind = KindToolInvocation
	case "tool_return":
		c.Kind = KindToolResult
	case "usage":
		c.Kind = KindUsage
	case "error":
		c.Kind = KindError
	default:
		c.Kind = KindUnknown
	}
	return c
}

// rawToString renders a tool result value as text. JSON strings are
// unquoted; any other value keeps its JSON encoding.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
